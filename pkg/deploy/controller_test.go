package deploy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/stackdeploy/pkg/detect"
	"github.com/cuemby/stackdeploy/pkg/events"
	"github.com/cuemby/stackdeploy/pkg/executor"
	"github.com/cuemby/stackdeploy/pkg/storage"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	repo     *fakeRepo
	detector *fakeDetector
	exec     *fakeExecutor
	health   *fakeHealth
}

// newHarness models a host running web, api and db at v1, with v2 adding
// worker and removing old.
func newHarness() *harness {
	return &harness{
		repo: &fakeRepo{
			refs: map[string]string{"v1": "1111", "v2": "2222", "1111": "1111", "2222": "2222"},
			trees: map[string][]string{
				"1111": {"api", "db", "old", "web"},
				"2222": {"api", "db", "web", "worker"},
			},
		},
		detector: &fakeDetector{result: types.DetectionResult{
			Removed:  []string{"old"},
			New:      []string{"worker"},
			Existing: []string{"api", "db", "web"},
		}},
		exec:   newFakeExecutor(),
		health: &fakeHealth{unhealthy: map[int][]string{}},
	}
}

func (h *harness) controller(cfg Config, opts ...Option) *Controller {
	return NewController(h.repo, h.detector, h.exec, h.health, cfg, opts...)
}

func deployRequest() Request {
	return Request{
		Previous: "v1",
		Target:   "v2",
		Stacks:   []string{"web", "api", "db", "worker"},
	}
}

func states(s *types.Summary) []types.State {
	out := make([]types.State, len(s.Transitions))
	for i, t := range s.Transitions {
		out[i] = t.To
	}
	return out
}

func TestRunSuccess(t *testing.T) {
	h := newHarness()
	summary, err := h.controller(Config{}).Run(context.Background(), deployRequest())
	require.NoError(t, err)

	assert.Equal(t, types.StatusSuccess, summary.Status)
	assert.Equal(t, []types.State{
		types.StateDetecting,
		types.StateCleaning,
		types.StateValidating,
		types.StateDeploying,
		types.StateHealthChecking,
		types.StateSucceeded,
	}, states(summary))
	assert.Equal(t, "1111", summary.PreviousRevision)
	assert.Equal(t, "2222", summary.TargetRevision)
	assert.Equal(t, []string{"2222"}, h.repo.checkouts)
	assert.Equal(t, []string{"old"}, h.detector.cleaned)
	assert.Equal(t, []string{"api", "db", "web", "worker"}, h.exec.executed[types.OperationDeploy])
	assert.Equal(t, []string{"api", "db", "web", "worker"}, summary.DeploySucceeded)
	assert.NotEmpty(t, summary.RunID)
	assert.Empty(t, summary.Error)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))
}

func TestRunFirstDeployment(t *testing.T) {
	h := newHarness()
	req := deployRequest()
	req.Previous = ""
	req.Stacks = []string{"a", "b"}

	summary, err := h.controller(Config{}).Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, h.detector.requests, 1)
	assert.Equal(t, types.UnknownRevision, h.detector.requests[0].Previous)
	assert.Equal(t, types.UnknownRevision, summary.PreviousRevision)
	assert.Equal(t, []string{"a", "b"}, summary.Detection.New)
	assert.Empty(t, h.detector.cleaned)
}

func TestRunFirstDeploymentCannotRollBack(t *testing.T) {
	h := newHarness()
	h.health.unhealthy[0] = []string{"a"}
	req := Request{Previous: types.UnknownRevision, Target: "v2", Stacks: []string{"a", "b"}}

	summary, err := h.controller(Config{}).Run(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeploymentFailed)
	assert.Equal(t, types.StatusFailed, summary.Status)
	assert.Equal(t, types.StateFailed, summary.State)
	assert.Empty(t, h.exec.executed[types.OperationRollback])
}

func TestRunDetectionFailure(t *testing.T) {
	h := newHarness()
	h.detector.err = detect.ErrDetection

	summary, err := h.controller(Config{}).Run(context.Background(), deployRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, detect.ErrDetection)
	assert.Equal(t, types.StatusFailed, summary.Status)
	assert.Equal(t, []types.State{types.StateDetecting, types.StateFailed}, states(summary))
	assert.Empty(t, h.detector.cleaned)
	assert.Empty(t, h.repo.checkouts)
}

func TestRunUnknownTarget(t *testing.T) {
	h := newHarness()
	req := deployRequest()
	req.Target = "v9"

	summary, err := h.controller(Config{}).Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, summary.Status)
	assert.Empty(t, h.detector.requests)
}

func TestRunCleanupFailureStopsDeployment(t *testing.T) {
	h := newHarness()
	h.detector.cleanupErr = detect.ErrCleanup

	summary, err := h.controller(Config{}).Run(context.Background(), deployRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, detect.ErrCleanup)
	assert.Equal(t, []types.State{types.StateDetecting, types.StateCleaning, types.StateFailed}, states(summary))
	assert.Empty(t, h.exec.preflighted)
	assert.Empty(t, h.repo.checkouts)
}

func TestRunValidationFailure(t *testing.T) {
	h := newHarness()
	h.exec.invalid[types.OperationDeploy] = []string{"api"}

	summary, err := h.controller(Config{}).Run(context.Background(), deployRequest())
	require.Error(t, err)

	var verr *executor.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, types.StatusFailedValidation, summary.Status)
	assert.Equal(t, types.StateFailed, summary.State)
	assert.Empty(t, h.exec.executed)
	assert.Empty(t, h.health.passes)
}

func TestRunHealthFailureRollsBack(t *testing.T) {
	h := newHarness()
	h.health.unhealthy[0] = []string{"web"}

	summary, err := h.controller(Config{}).Run(context.Background(), deployRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRolledBack)

	assert.Equal(t, types.StatusRolledBack, summary.Status)
	assert.Equal(t, []types.State{
		types.StateDetecting,
		types.StateCleaning,
		types.StateValidating,
		types.StateDeploying,
		types.StateHealthChecking,
		types.StateRollingBack,
		types.StateRolledBack,
	}, states(summary))

	// worker is new in v2 and has nothing to roll back to
	assert.Equal(t, []string{"api", "db", "web"}, summary.DiscoveredRollbackStacks)
	assert.Equal(t, []string{"api", "db", "web"}, h.exec.executed[types.OperationRollback])
	assert.Equal(t, []string{"2222", "1111"}, h.repo.checkouts)

	require.Len(t, h.health.passes, 2)
	assert.Equal(t, []string{"api", "db", "web"}, h.health.passes[1])
	require.NotNil(t, summary.RollbackHealth)
	assert.True(t, summary.RollbackHealth.AllPassing())
	assert.False(t, summary.ManualIntervention)
}

func TestRunDeployFailureRollsBackAfterHealthCheck(t *testing.T) {
	h := newHarness()
	h.exec.failing[types.OperationDeploy] = []string{"db"}

	summary, err := h.controller(Config{}).Run(context.Background(), deployRequest())
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, []string{"db"}, summary.DeployFailed)
	assert.NotNil(t, summary.Health)
	assert.Contains(t, summary.FailureLogs, "deploy/db")
	assert.Len(t, h.health.passes, 2)
}

func TestRunNoResultsIsFatal(t *testing.T) {
	h := newHarness()
	h.exec.execErr[types.OperationDeploy] = executor.ErrNoResults

	summary, err := h.controller(Config{}).Run(context.Background(), deployRequest())
	assert.ErrorIs(t, err, executor.ErrNoResults)
	assert.Equal(t, types.StatusFailed, summary.Status)
	assert.Empty(t, h.health.passes)
}

func TestRunCriticalRollbackFailure(t *testing.T) {
	h := newHarness()
	h.health.unhealthy[0] = []string{"db"}
	h.exec.failing[types.OperationRollback] = []string{"db"}

	summary, err := h.controller(Config{Critical: []string{"db"}}).Run(context.Background(), deployRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafeState)

	assert.Equal(t, types.StatusCriticalFailure, summary.Status)
	assert.Equal(t, types.StateFailed, summary.State)
	assert.True(t, summary.ManualIntervention)
	assert.Equal(t, []string{"db"}, summary.RollbackFailed)
	assert.True(t, summary.Health.CriticalFailureTriggered)
	assert.Len(t, h.health.passes, 1)
}

func TestRunNonCriticalRollbackFailure(t *testing.T) {
	h := newHarness()
	h.health.unhealthy[0] = []string{"web"}
	h.exec.failing[types.OperationRollback] = []string{"web"}

	summary, err := h.controller(Config{Critical: []string{"db"}}).Run(context.Background(), deployRequest())
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, types.StatusRolledBack, summary.Status)
	assert.Equal(t, []string{"web"}, summary.RollbackFailed)
	assert.True(t, summary.ManualIntervention)
}

func TestRunRollbackValidationFailureWithCriticalStack(t *testing.T) {
	h := newHarness()
	h.health.unhealthy[0] = []string{"db"}
	h.exec.invalid[types.OperationRollback] = []string{"web"}

	summary, err := h.controller(Config{Critical: []string{"db"}}).Run(context.Background(), deployRequest())
	assert.ErrorIs(t, err, ErrUnsafeState)

	assert.Equal(t, types.StatusCriticalFailure, summary.Status)
	assert.Equal(t, types.StateFailed, summary.State)
	assert.True(t, summary.ManualIntervention)
	assert.Equal(t, []string{"api", "db", "web"}, summary.RollbackFailed)
	assert.Empty(t, h.exec.executed[types.OperationRollback])
	assert.Len(t, h.health.passes, 1)
}

func TestRunRollbackValidationFailure(t *testing.T) {
	h := newHarness()
	h.health.unhealthy[0] = []string{"web"}
	h.exec.invalid[types.OperationRollback] = []string{"web"}

	summary, err := h.controller(Config{}).Run(context.Background(), deployRequest())
	assert.ErrorIs(t, err, ErrDeploymentFailed)
	assert.NotErrorIs(t, err, ErrRolledBack)

	assert.Equal(t, types.StatusFailed, summary.Status)
	assert.Equal(t, types.StateFailed, summary.State)
	assert.True(t, summary.ManualIntervention)
	assert.Equal(t, []string{"api", "db", "web"}, summary.RollbackFailed)
	assert.Nil(t, summary.RollbackHealth)
}

func TestRunRequestCriticalStacks(t *testing.T) {
	h := newHarness()
	req := deployRequest()
	req.Critical = []string{"api"}

	_, err := h.controller(Config{Critical: []string{"db"}}).Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, h.health.critical, 1)
	assert.Equal(t, []string{"api", "db"}, h.health.critical[0])
}

func TestRunUsesHistoryForPreviousRevision(t *testing.T) {
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveRun(&types.Summary{
		RunID:          "earlier",
		Status:         types.StatusSuccess,
		TargetRevision: "1111",
		StartedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	h := newHarness()
	req := deployRequest()
	req.Previous = ""

	summary, err := h.controller(Config{}, WithStore(store)).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "1111", summary.PreviousRevision)

	saved, err := store.GetRun(summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, saved.Status)

	last, err := store.LastSuccessful()
	require.NoError(t, err)
	assert.Equal(t, "2222", last.TargetRevision)
}

func TestRunPublishesEvents(t *testing.T) {
	broker := events.NewBroker()
	sub := broker.Subscribe()
	broker.Start()

	h := newHarness()
	h.exec.failing[types.OperationDeploy] = []string{"web"}
	_, err := h.controller(Config{}, WithBroker(broker)).Run(context.Background(), deployRequest())
	require.Error(t, err)
	broker.Stop()

	seen := make(map[events.EventType]int)
	var last *events.Event
	for e := range sub {
		seen[e.Type]++
		last = e
	}
	assert.Equal(t, 7, seen[events.EventPhaseEntered])
	assert.Equal(t, 1, seen[events.EventStackFailed])
	assert.Equal(t, 1, seen[events.EventStackCleaned])
	require.NotNil(t, last)
	assert.Equal(t, events.EventDeploymentFinished, last.Type)
	assert.Equal(t, string(types.StatusRolledBack), last.Metadata["status"])
}

func TestManualRollback(t *testing.T) {
	h := newHarness()

	summary, err := h.controller(Config{}).Rollback(context.Background(), RollbackRequest{To: "v1"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRolledBack, summary.Status)
	assert.Equal(t, []string{"api", "db", "old", "web"}, summary.DiscoveredRollbackStacks)
	assert.Equal(t, []string{"1111"}, h.repo.checkouts)
	assert.Equal(t, []string{"api", "db", "old", "web"}, h.exec.executed[types.OperationRollback])
}

func TestManualRollbackSubset(t *testing.T) {
	h := newHarness()

	summary, err := h.controller(Config{}).Rollback(context.Background(), RollbackRequest{To: "v1", Stacks: []string{"web"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, summary.DiscoveredRollbackStacks)
}

func TestManualRollbackNeedsRevision(t *testing.T) {
	h := newHarness()

	summary, err := h.controller(Config{}).Rollback(context.Background(), RollbackRequest{})
	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, summary.Status)
	assert.Empty(t, h.repo.checkouts)
}

func TestManualRollbackFetchFailure(t *testing.T) {
	h := newHarness()
	h.repo.fetchErr = errors.New("connection refused")

	_, err := h.controller(Config{}).Rollback(context.Background(), RollbackRequest{To: "v1"})
	assert.ErrorIs(t, err, ErrDeploymentFailed)
}

func TestRunDefaultsToTargetTreeStacks(t *testing.T) {
	h := newHarness()
	req := deployRequest()
	req.Stacks = nil

	_, err := h.controller(Config{}).Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, h.detector.requests, 1)
	assert.Equal(t, []string{"api", "db", "web", "worker"}, h.detector.requests[0].Requested)
}
