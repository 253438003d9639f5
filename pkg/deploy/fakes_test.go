package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/stackdeploy/pkg/detect"
	"github.com/cuemby/stackdeploy/pkg/executor"
	"github.com/cuemby/stackdeploy/pkg/repo"
	"github.com/cuemby/stackdeploy/pkg/types"
)

type fakeRepo struct {
	fetchErr  error
	refs      map[string]string
	trees     map[string][]string
	checkouts []string
}

func (f *fakeRepo) Fetch(context.Context) error { return f.fetchErr }

func (f *fakeRepo) Checkout(_ context.Context, rev string) error {
	f.checkouts = append(f.checkouts, rev)
	return nil
}

func (f *fakeRepo) Resolve(_ context.Context, ref string) (string, error) {
	if rev, ok := f.refs[ref]; ok {
		return rev, nil
	}
	return "", fmt.Errorf("%w: %s", repo.ErrUnknownRevision, ref)
}

func (f *fakeRepo) DeletedFiles(context.Context, string, string) ([]string, error) { return nil, nil }
func (f *fakeRepo) AddedFiles(context.Context, string, string) ([]string, error)   { return nil, nil }

func (f *fakeRepo) TreeFiles(_ context.Context, rev string) ([]string, error) {
	var files []string
	for _, s := range f.trees[rev] {
		files = append(files, s+"/docker-compose.yml")
	}
	return files, nil
}

type fakeDetector struct {
	result     types.DetectionResult
	err        error
	cleanupErr error

	requests []detect.Request
	cleaned  []string
}

func (f *fakeDetector) Reconcile(_ context.Context, req detect.Request) (types.DetectionResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return types.DetectionResult{}, f.err
	}
	if req.Previous == types.UnknownRevision {
		return types.DetectionResult{New: detect.Union(req.Requested)}, nil
	}
	return f.result, nil
}

func (f *fakeDetector) CleanupRemoved(_ context.Context, removed []string) error {
	f.cleaned = append(f.cleaned, removed...)
	return f.cleanupErr
}

type fakeExecutor struct {
	mu sync.Mutex

	invalid map[types.Operation][]string
	failing map[types.Operation][]string
	execErr map[types.Operation]error

	preflighted map[types.Operation][]string
	executed    map[types.Operation][]string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		invalid:     make(map[types.Operation][]string),
		failing:     make(map[types.Operation][]string),
		execErr:     make(map[types.Operation]error),
		preflighted: make(map[types.Operation][]string),
		executed:    make(map[types.Operation][]string),
	}
}

func (f *fakeExecutor) Preflight(_ context.Context, stacks []types.Stack, op types.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preflighted[op] = types.StackNames(stacks)
	bad := types.NewSet(f.invalid[op]...)
	failures := make(map[string]string)
	for _, s := range stacks {
		if bad.Has(s.Name) {
			failures[s.Name] = "compose config: invalid"
		}
	}
	if len(failures) > 0 {
		return &executor.ValidationError{Operation: op, Failures: failures}
	}
	return nil
}

func (f *fakeExecutor) Execute(_ context.Context, stacks []types.Stack, op types.Operation) (*executor.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed[op] = types.StackNames(stacks)
	failing := types.NewSet(f.failing[op]...)
	report := &executor.Report{Operation: op}
	for _, s := range stacks {
		o := types.OperationOutcome{Stack: s.Name, Operation: op}
		if failing.Has(s.Name) {
			o.ExitCode = 1
			o.LogLines = []string{"Error response from daemon: boom"}
			report.Failed = append(report.Failed, s.Name)
		} else {
			report.Succeeded = append(report.Succeeded, s.Name)
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	return report, f.execErr[op]
}

// fakeHealth fails the listed stacks on the given pass (0 = after deploy)
type fakeHealth struct {
	unhealthy map[int][]string
	passes    [][]string
	critical  [][]string
}

func (f *fakeHealth) Classify(_ context.Context, stacks []string, critical []string) *types.FleetSummary {
	pass := len(f.passes)
	f.passes = append(f.passes, stacks)
	f.critical = append(f.critical, critical)

	bad := types.NewSet(f.unhealthy[pass]...)
	crit := types.NewSet(critical...)
	summary := &types.FleetSummary{Healthy: []string{}, Degraded: []string{}, Failed: []string{}}
	for i, s := range stacks {
		if !bad.Has(s) {
			summary.Healthy = append(summary.Healthy, s)
			continue
		}
		summary.Failed = append(summary.Failed, s)
		if crit.Has(s) {
			summary.CriticalFlagged = append(summary.CriticalFlagged, s)
			summary.CriticalFailureTriggered = true
			summary.Skipped = append(summary.Skipped, stacks[i+1:]...)
			break
		}
	}
	return summary
}
