// Package detect works out which stacks were removed, added or kept between
// two revisions of the stack repository.
//
// Three independent methods feed each category: the revision diff, a
// comparison of the target tree with the directories on the remote host,
// and reconciliation against caller-supplied inputs. Their results are
// unioned. If any method fails the whole detection fails and nothing is
// cleaned up.
package detect

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/stackdeploy/pkg/compose"
	"github.com/cuemby/stackdeploy/pkg/log"
	"github.com/cuemby/stackdeploy/pkg/remote"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrDetection is returned when any detection method fails
	ErrDetection = errors.New("change detection failed")

	// ErrCleanup is returned when tearing down a removed stack fails
	ErrCleanup = errors.New("cleanup of removed stack failed")
)

// Revisions is the read-only view of the stack repository detection needs
type Revisions interface {
	DeletedFiles(ctx context.Context, from, to string) ([]string, error)
	AddedFiles(ctx context.Context, from, to string) ([]string, error)
	TreeFiles(ctx context.Context, rev string) ([]string, error)
}

// StackCleaner tears down a removed stack
type StackCleaner interface {
	Cleanup(ctx context.Context, stack string) error
}

// Request holds the inputs of one detection
type Request struct {
	Previous string // Revision currently deployed, or types.UnknownRevision
	Target   string

	// Requested is the stack list supplied by the caller
	Requested []string

	// ObservedDeletions are deleted file paths reported by the caller's own
	// change discovery
	ObservedDeletions []string
}

// Config locates stacks on the remote host
type Config struct {
	StacksDir      string
	DefinitionFile string
}

// Detector runs change detection and cleans up removed stacks
type Detector struct {
	revs    Revisions
	files   remote.Files
	cleaner StackCleaner
	cfg     Config
	logger  zerolog.Logger
}

// NewDetector creates a detector. cleaner may be nil to detect without
// tearing anything down.
func NewDetector(revs Revisions, files remote.Files, cleaner StackCleaner, cfg Config) *Detector {
	if cfg.DefinitionFile == "" {
		cfg.DefinitionFile = compose.DefaultDefinitionFile
	}
	return &Detector{
		revs:    revs,
		files:   files,
		cleaner: cleaner,
		cfg:     cfg,
		logger:  log.WithComponent("detect"),
	}
}

// methodResult is what one detection method contributes
type methodResult struct {
	removed []string
	added   []string
}

// Detect reconciles the three methods and cleans up every removed stack in
// sorted order, stopping at the first cleanup failure. On cleanup failure
// the detection result is still returned alongside an error wrapping
// ErrCleanup.
func (d *Detector) Detect(ctx context.Context, req Request) (types.DetectionResult, error) {
	result, err := d.Reconcile(ctx, req)
	if err != nil {
		return result, err
	}
	return result, d.CleanupRemoved(ctx, result.Removed)
}

// Reconcile runs the detection methods and unions their results without
// touching the host.
func (d *Detector) Reconcile(ctx context.Context, req Request) (types.DetectionResult, error) {
	requested := d.validNames("requested", req.Requested)

	if req.Previous == "" || req.Previous == types.UnknownRevision {
		d.logger.Info().
			Strs("new", requested).
			Msg("no previous revision, treating every requested stack as new")
		return types.DetectionResult{
			Removed:  []string{},
			New:      requested,
			Existing: []string{},
		}, nil
	}

	diff, err := d.revisionDiff(ctx, req.Previous, req.Target)
	if err != nil {
		return types.DetectionResult{}, fmt.Errorf("%w: revision diff: %w", ErrDetection, err)
	}
	tree, err := d.treeComparison(ctx, req.Target)
	if err != nil {
		return types.DetectionResult{}, fmt.Errorf("%w: tree comparison: %w", ErrDetection, err)
	}
	discovered, err := d.discovery(ctx, req.ObservedDeletions, requested)
	if err != nil {
		return types.DetectionResult{}, fmt.Errorf("%w: input reconciliation: %w", ErrDetection, err)
	}

	removed := d.validNames("removed", Union(diff.removed, tree.removed, discovered.removed))
	added := d.validNames("new", Union(diff.added, tree.added, discovered.added))

	newSet := types.NewSet(added...)
	existing := make([]string, 0, len(requested))
	for _, name := range requested {
		if !newSet.Has(name) {
			existing = append(existing, name)
		}
	}

	result := types.DetectionResult{Removed: removed, New: added, Existing: existing}
	d.logger.Info().
		Str("previous", req.Previous).
		Str("target", req.Target).
		Strs("removed", result.Removed).
		Strs("new", result.New).
		Strs("existing", result.Existing).
		Msg("change detection complete")
	return result, nil
}

// CleanupRemoved tears down removed stacks in order and stops at the first
// failure.
func (d *Detector) CleanupRemoved(ctx context.Context, removed []string) error {
	if d.cleaner == nil {
		return nil
	}
	for _, stack := range removed {
		if err := d.cleaner.Cleanup(ctx, stack); err != nil {
			d.logger.Error().Err(err).Str("stack", stack).Msg("cleanup failed, stopping")
			return fmt.Errorf("%w: %s: %w", ErrCleanup, stack, err)
		}
	}
	return nil
}

func (d *Detector) revisionDiff(ctx context.Context, previous, target string) (methodResult, error) {
	deleted, err := d.revs.DeletedFiles(ctx, previous, target)
	if err != nil {
		return methodResult{}, err
	}
	added, err := d.revs.AddedFiles(ctx, previous, target)
	if err != nil {
		return methodResult{}, err
	}
	return methodResult{
		removed: StacksFromPaths(deleted, d.cfg.DefinitionFile),
		added:   StacksFromPaths(added, d.cfg.DefinitionFile),
	}, nil
}

func (d *Detector) treeComparison(ctx context.Context, target string) (methodResult, error) {
	files, err := d.revs.TreeFiles(ctx, target)
	if err != nil {
		return methodResult{}, err
	}
	treeStacks := StacksFromPaths(files, d.cfg.DefinitionFile)

	disk, err := d.files.ListDirs(ctx, d.cfg.StacksDir)
	if err != nil {
		return methodResult{}, err
	}

	inTree := types.NewSet(treeStacks...)
	withDefinition := types.NewSet()
	for _, dir := range disk {
		if inTree.Has(dir) || !types.ValidName(dir) {
			continue
		}
		ok, err := d.files.Exists(ctx, path.Join(d.cfg.StacksDir, dir, d.cfg.DefinitionFile))
		if err != nil {
			return methodResult{}, err
		}
		if ok {
			withDefinition.Add(dir)
		}
	}

	removed, added := CompareTree(treeStacks, disk, withDefinition)
	return methodResult{removed: removed, added: added}, nil
}

func (d *Detector) discovery(ctx context.Context, observed, requested []string) (methodResult, error) {
	disk, err := d.files.ListDirs(ctx, d.cfg.StacksDir)
	if err != nil {
		return methodResult{}, err
	}
	return methodResult{
		removed: StacksFromPaths(observed, d.cfg.DefinitionFile),
		added:   MissingOnDisk(requested, disk),
	}, nil
}

// validNames dedupes and sorts names, dropping any that is not a legal
// stack name.
func (d *Detector) validNames(category string, names []string) []string {
	set := types.NewSet()
	for _, name := range names {
		if !types.ValidName(name) {
			d.logger.Warn().Str("category", category).Str("name", name).Msg("dropping invalid stack name")
			continue
		}
		set.Add(name)
	}
	return set.Sorted()
}

// TreeStacks lists the stacks defined in rev's tree
func TreeStacks(ctx context.Context, revs Revisions, rev, definitionFile string) ([]string, error) {
	files, err := revs.TreeFiles(ctx, rev)
	if err != nil {
		return nil, err
	}
	if definitionFile == "" {
		definitionFile = compose.DefaultDefinitionFile
	}
	return StacksFromPaths(files, definitionFile), nil
}

// StacksFromPaths keeps paths of the form "<stack>/<definitionFile>" and
// returns the stack component of each. Output is deduped and sorted.
func StacksFromPaths(paths []string, definitionFile string) []string {
	set := types.NewSet()
	for _, p := range paths {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		dir, file, ok := strings.Cut(p, "/")
		if !ok || dir == "" || file != definitionFile {
			continue
		}
		set.Add(dir)
	}
	return set.Sorted()
}

// CompareTree compares the stacks in a revision's tree with the directories
// on disk. Directories on disk that are missing from the tree and still hold
// a definition file are removed; stacks in the tree with no directory on
// disk are new.
func CompareTree(treeStacks, diskDirs []string, withDefinition types.Set) (removed, added []string) {
	inTree := types.NewSet(treeStacks...)
	onDisk := types.NewSet(diskDirs...)

	rem := types.NewSet()
	for _, dir := range diskDirs {
		if !inTree.Has(dir) && withDefinition.Has(dir) {
			rem.Add(dir)
		}
	}
	add := types.NewSet()
	for _, stack := range treeStacks {
		if !onDisk.Has(stack) {
			add.Add(stack)
		}
	}
	return rem.Sorted(), add.Sorted()
}

// MissingOnDisk returns the requested stacks with no directory on disk
func MissingOnDisk(requested, diskDirs []string) []string {
	onDisk := types.NewSet(diskDirs...)
	missing := types.NewSet()
	for _, name := range requested {
		if !onDisk.Has(name) {
			missing.Add(name)
		}
	}
	return missing.Sorted()
}

// Union merges every list into one sorted list without duplicates
func Union(lists ...[]string) []string {
	set := types.NewSet()
	for _, l := range lists {
		set.Add(l...)
	}
	return set.Sorted()
}
