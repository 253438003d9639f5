// Package repo runs git against the stack repository checked out on the
// remote host.
package repo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/stackdeploy/pkg/remote"
)

// ErrUnknownRevision is returned when a revision cannot be resolved
var ErrUnknownRevision = errors.New("unknown revision")

// Repo is the git working tree at Dir on the remote host
type Repo struct {
	runner remote.Runner
	dir    string

	remoteName      string
	fetchTimeout    time.Duration
	checkoutTimeout time.Duration
}

// New creates a Repo rooted at dir
func New(runner remote.Runner, dir string, timeouts remote.Timeouts) *Repo {
	return &Repo{
		runner:          runner,
		dir:             dir,
		remoteName:      "origin",
		fetchTimeout:    timeouts.Fetch,
		checkoutTimeout: timeouts.Checkout,
	}
}

// Dir returns the working tree path
func (r *Repo) Dir() string { return r.dir }

// gitScript runs git in the directory given as $1 with the remaining args
const gitScript = `dir="$1"; shift
cd "$dir" || { echo "fatal: cannot cd to $dir" >&2; exit 128; }
GIT_TERMINAL_PROMPT=0 exec git "$@"
`

// run executes git and returns its result; only transport failures are errors
func (r *Repo) run(ctx context.Context, name string, timeout time.Duration, args ...string) (*remote.Result, error) {
	res, err := r.runner.Run(ctx, remote.Command{
		Name:    name,
		Script:  gitScript,
		Args:    append([]string{r.dir}, args...),
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", name, err)
	}
	return res, nil
}

func (r *Repo) git(ctx context.Context, name string, timeout time.Duration, args ...string) (string, error) {
	res, err := r.run(ctx, name, timeout, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", exitError(name, res)
	}
	return res.Stdout, nil
}

func exitError(name string, res *remote.Result) error {
	msg := findErrorMessage(res.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", res.ExitCode)
	}
	if strings.Contains(msg, "unknown revision") || strings.Contains(msg, "bad revision") ||
		strings.Contains(msg, "Not a valid object name") || strings.Contains(msg, "invalid object name") {
		return fmt.Errorf("%s: %w: %s", name, ErrUnknownRevision, msg)
	}
	return fmt.Errorf("%s: %s", name, msg)
}

// Fetch updates refs from the upstream
func (r *Repo) Fetch(ctx context.Context) error {
	_, err := r.git(ctx, "git fetch", r.fetchTimeout, "fetch", "--tags", "--prune", r.remoteName)
	return err
}

// Checkout moves the working tree to rev. This is the single mutation of the
// shared tree; callers do it once before any concurrent stack work.
func (r *Repo) Checkout(ctx context.Context, rev string) error {
	_, err := r.git(ctx, "git checkout", r.checkoutTimeout, "checkout", "--force", "--detach", rev)
	return err
}

// Resolve returns the full commit hash for ref
func (r *Repo) Resolve(ctx context.Context, ref string) (string, error) {
	const name = "git rev-parse"
	res, err := r.run(ctx, name, r.checkoutTimeout, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	// With --quiet, a ref that does not name a commit only shows as exit status 1
	if res.ExitCode == 1 {
		return "", fmt.Errorf("%s: %w: %s", name, ErrUnknownRevision, ref)
	}
	if res.ExitCode != 0 {
		return "", exitError(name, res)
	}
	rev := strings.TrimSpace(res.Stdout)
	if rev == "" {
		return "", fmt.Errorf("%s: %w: %s", name, ErrUnknownRevision, ref)
	}
	return rev, nil
}

// Head returns the commit currently checked out
func (r *Repo) Head(ctx context.Context) (string, error) {
	return r.Resolve(ctx, "HEAD")
}

// DeletedFiles lists paths deleted between from and to
func (r *Repo) DeletedFiles(ctx context.Context, from, to string) ([]string, error) {
	return r.diffNames(ctx, "D", from, to)
}

// AddedFiles lists paths added between from and to
func (r *Repo) AddedFiles(ctx context.Context, from, to string) ([]string, error) {
	return r.diffNames(ctx, "A", from, to)
}

func (r *Repo) diffNames(ctx context.Context, filter, from, to string) ([]string, error) {
	out, err := r.git(ctx, "git diff", r.checkoutTimeout,
		"diff", "--name-only", "--no-renames", "--diff-filter="+filter, from, to)
	if err != nil {
		return nil, err
	}
	return splitList(out), nil
}

// TreeFiles lists every file path in rev's tree
func (r *Repo) TreeFiles(ctx context.Context, rev string) ([]string, error) {
	out, err := r.git(ctx, "git ls-tree", r.checkoutTimeout, "ls-tree", "-r", "--name-only", rev)
	if err != nil {
		return nil, err
	}
	return splitList(out), nil
}

func splitList(s string) []string {
	outStr := strings.TrimSpace(s)
	if outStr == "" {
		return []string{}
	}
	lines := strings.Split(outStr, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}

func findErrorMessage(output string) string {
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		switch {
		case strings.HasPrefix(sc.Text(), "fatal: "):
			return sc.Text()
		case strings.HasPrefix(sc.Text(), "error: "):
			return strings.TrimPrefix(sc.Text(), "error: ")
		}
	}
	return strings.TrimSpace(output)
}
