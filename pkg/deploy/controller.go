// Package deploy drives one deployment run through detection, cleanup,
// validation, parallel deploy and health checking, rolling the fleet back to
// the previous revision when the new one is unhealthy.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/stackdeploy/pkg/detect"
	"github.com/cuemby/stackdeploy/pkg/events"
	"github.com/cuemby/stackdeploy/pkg/executor"
	"github.com/cuemby/stackdeploy/pkg/log"
	"github.com/cuemby/stackdeploy/pkg/metrics"
	"github.com/cuemby/stackdeploy/pkg/storage"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnsafeState means a critical stack failed to roll back and the
	// host needs manual intervention
	ErrUnsafeState = errors.New("unsafe state, manual intervention required")

	// ErrRolledBack means the deployment failed and the fleet was reverted
	ErrRolledBack = errors.New("deployment rolled back")

	// ErrDeploymentFailed covers every other unsuccessful run
	ErrDeploymentFailed = errors.New("deployment failed")
)

// Repository is the shared working tree on the remote host
type Repository interface {
	detect.Revisions
	Fetch(ctx context.Context) error
	Checkout(ctx context.Context, rev string) error
	Resolve(ctx context.Context, ref string) (string, error)
}

// ChangeDetector reconciles stack changes and tears down removed stacks
type ChangeDetector interface {
	Reconcile(ctx context.Context, req detect.Request) (types.DetectionResult, error)
	CleanupRemoved(ctx context.Context, removed []string) error
}

// StackExecutor validates and runs stack operations in parallel
type StackExecutor interface {
	Preflight(ctx context.Context, stacks []types.Stack, op types.Operation) error
	Execute(ctx context.Context, stacks []types.Stack, op types.Operation) (*executor.Report, error)
}

// HealthChecker classifies stacks after an operation
type HealthChecker interface {
	Classify(ctx context.Context, stacks []string, critical []string) *types.FleetSummary
}

// Config holds controller settings
type Config struct {
	DefinitionFile string
	Critical       []string // Stacks whose failure escalates
}

// Controller runs deployments. Store and Broker are optional.
type Controller struct {
	repo     Repository
	detector ChangeDetector
	exec     StackExecutor
	health   HealthChecker
	store    storage.Store
	broker   *events.Broker
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Controller
type Option func(*Controller)

// WithStore persists every run summary
func WithStore(s storage.Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithBroker publishes progress events
func WithBroker(b *events.Broker) Option {
	return func(c *Controller) { c.broker = b }
}

// NewController creates a controller
func NewController(repo Repository, detector ChangeDetector, exec StackExecutor, health HealthChecker, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		repo:     repo,
		detector: detector,
		exec:     exec,
		health:   health,
		cfg:      cfg,
		logger:   log.WithComponent("deploy"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request describes one deployment
type Request struct {
	// Previous is the deployed revision; empty means the last successful
	// run in history, or unknown if there is none
	Previous string
	Target   string

	// Stacks is the requested stack list; empty means every stack in the
	// target tree
	Stacks            []string
	ObservedDeletions []string

	// Critical adds to the configured critical stacks
	Critical []string
}

// run is the state of one invocation
type run struct {
	c        *Controller
	summary  *types.Summary
	logger   zerolog.Logger
	critical types.Set
	entered  time.Time
}

func (c *Controller) newRun(previous, target string, critical []string) *run {
	id := uuid.New().String()
	crit := types.NewSet(c.cfg.Critical...)
	crit.Add(critical...)
	now := c.now()
	return &run{
		c: c,
		summary: &types.Summary{
			RunID:            id,
			PreviousRevision: previous,
			TargetRevision:   target,
			StartedAt:        now,
			Transitions:      []types.Transition{},
		},
		logger:   log.WithRunID(id).With().Str("component", "deploy").Logger(),
		critical: crit,
		entered:  now,
	}
}

func (r *run) publish(t events.EventType, stack, msg string, meta map[string]string) {
	if r.c.broker == nil {
		return
	}
	r.c.broker.Publish(&events.Event{
		RunID:    r.summary.RunID,
		Type:     t,
		Stack:    stack,
		Message:  msg,
		Metadata: meta,
	})
}

// enter moves the run to state, timing the state it leaves
func (r *run) enter(state types.State) {
	now := r.c.now()
	from := r.summary.State
	if from != "" {
		metrics.PhaseDuration.WithLabelValues(string(from)).Observe(now.Sub(r.entered).Seconds())
	}
	r.entered = now
	r.summary.State = state
	r.summary.Transitions = append(r.summary.Transitions, types.Transition{From: from, To: state, At: now})
	r.logger.Info().Str("from", string(from)).Str("to", string(state)).Msg("state transition")
	r.publish(events.EventPhaseEntered, "", string(state), nil)
}

// finish records the terminal state and returns the caller's error
func (r *run) finish(state types.State, status types.DeploymentStatus, cause error) (*types.Summary, error) {
	if r.summary.State != state {
		r.enter(state)
	}
	r.summary.Status = status
	r.summary.FinishedAt = r.c.now()

	var err error
	switch status {
	case types.StatusSuccess:
	case types.StatusRolledBack:
		err = wrap(ErrRolledBack, cause)
	case types.StatusCriticalFailure:
		r.summary.ManualIntervention = true
		err = wrap(ErrUnsafeState, cause)
	default:
		err = wrap(ErrDeploymentFailed, cause)
	}
	if err != nil {
		r.summary.Error = err.Error()
	}

	metrics.DeploymentsTotal.WithLabelValues(string(status)).Inc()
	if r.c.store != nil {
		if serr := r.c.store.SaveRun(r.summary); serr != nil {
			r.logger.Warn().Err(serr).Msg("failed to save run history")
		}
	}

	event := r.logger.Info()
	if err != nil {
		event = r.logger.Error().Err(err)
	}
	event.Str("status", string(status)).
		Dur("duration", r.summary.FinishedAt.Sub(r.summary.StartedAt)).
		Msg("deployment finished")
	r.publish(events.EventDeploymentFinished, "", string(status), map[string]string{"status": string(status)})
	return r.summary, err
}

func wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// criticalNames lists the critical stacks among names
func (r *run) criticalNames(names []string) []string {
	var out []string
	for _, n := range names {
		if r.critical.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

func (r *run) stacks(names []string) ([]types.Stack, error) {
	return types.NewStacks(names, r.critical.Sorted())
}

// recordReport copies an executor report into the summary
func (r *run) recordReport(report *executor.Report) {
	if r.summary.FailureLogs == nil {
		r.summary.FailureLogs = make(map[string]string)
	}
	logs := report.Logs()
	for _, o := range report.Outcomes {
		key := string(o.Operation) + "/" + o.Stack
		if o.Succeeded() {
			r.publish(events.EventStackSucceeded, o.Stack, string(o.Operation), nil)
			continue
		}
		r.summary.FailureLogs[key] = logs[o.Stack]
		r.publish(events.EventStackFailed, o.Stack, string(o.Operation), map[string]string{
			"exit_code": fmt.Sprint(o.ExitCode),
		})
	}
}

func (r *run) recordHealth(summary *types.FleetSummary) {
	for _, v := range summary.Verdicts {
		r.publish(events.EventHealthVerdict, v.Stack, string(v.Classification), map[string]string{
			"classification": string(v.Classification),
			"reason":         v.Reason,
		})
	}
}

// Run executes a deployment. The returned summary is never nil; the error
// is nil only for status success.
func (c *Controller) Run(ctx context.Context, req Request) (*types.Summary, error) {
	r := c.newRun(req.Previous, req.Target, req.Critical)
	r.enter(types.StateDetecting)

	if err := c.repo.Fetch(ctx); err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, fmt.Errorf("fetching: %w", err))
	}
	target, err := c.repo.Resolve(ctx, req.Target)
	if err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, fmt.Errorf("resolving target: %w", err))
	}
	r.summary.TargetRevision = target

	previous, err := c.previousRevision(ctx, req.Previous)
	if err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, fmt.Errorf("resolving previous revision: %w", err))
	}
	r.summary.PreviousRevision = previous
	r.logger = r.logger.With().Str("previous", previous).Str("target", target).Logger()

	requested := req.Stacks
	if len(requested) == 0 {
		requested, err = detect.TreeStacks(ctx, c.repo, target, c.cfg.DefinitionFile)
		if err != nil {
			return r.finish(types.StateFailed, types.StatusFailed, fmt.Errorf("listing target stacks: %w", err))
		}
	}

	detection, err := c.detector.Reconcile(ctx, detect.Request{
		Previous:          previous,
		Target:            target,
		Requested:         requested,
		ObservedDeletions: req.ObservedDeletions,
	})
	if err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, err)
	}
	r.summary.Detection = detection

	r.enter(types.StateCleaning)
	if err := c.detector.CleanupRemoved(ctx, detection.Removed); err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, err)
	}
	for _, name := range detection.Removed {
		r.publish(events.EventStackCleaned, name, "removed stack torn down", nil)
	}

	// The single mutation of the shared working tree before stack work
	if err := c.repo.Checkout(ctx, target); err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, fmt.Errorf("checking out target: %w", err))
	}

	names := detect.Union(detection.Existing, detection.New)
	stacks, err := r.stacks(names)
	if err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, err)
	}

	r.enter(types.StateValidating)
	if len(stacks) == 0 {
		return r.finish(types.StateFailed, types.StatusFailed, executor.ErrNoStacks)
	}
	if err := c.exec.Preflight(ctx, stacks, types.OperationDeploy); err != nil {
		return r.finish(types.StateFailed, types.StatusFailedValidation, err)
	}

	r.enter(types.StateDeploying)
	report, err := c.exec.Execute(ctx, stacks, types.OperationDeploy)
	if report != nil {
		r.summary.DeploySucceeded = report.Succeeded
		r.summary.DeployFailed = report.Failed
		r.recordReport(report)
	}
	if err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, err)
	}

	r.enter(types.StateHealthChecking)
	fleet := c.health.Classify(ctx, names, r.criticalNames(names))
	r.summary.Health = fleet
	r.recordHealth(fleet)

	if len(report.Failed) == 0 && fleet.AllPassing() {
		return r.finish(types.StateSucceeded, types.StatusSuccess, nil)
	}

	cause := deployFailure(report, fleet)
	r.logger.Warn().Err(cause).Msg("deployment unhealthy, rolling back")
	return c.rollback(ctx, r, previous, names, cause)
}

func deployFailure(report *executor.Report, fleet *types.FleetSummary) error {
	switch {
	case fleet.CriticalFailureTriggered:
		return fmt.Errorf("critical stack failed health check: %v", fleet.CriticalFlagged)
	case len(fleet.Failed) > 0:
		return fmt.Errorf("stacks failed health check: %v", fleet.Failed)
	default:
		return fmt.Errorf("stacks failed to deploy: %v", report.Failed)
	}
}

// previousRevision resolves the deployed revision, falling back to the
// last successful run in history
func (c *Controller) previousRevision(ctx context.Context, previous string) (string, error) {
	if previous == "" && c.store != nil {
		if last, err := c.store.LastSuccessful(); err == nil {
			previous = last.TargetRevision
		}
	}
	if previous == "" || previous == types.UnknownRevision {
		return types.UnknownRevision, nil
	}
	return c.repo.Resolve(ctx, previous)
}

// rollback reverts the deployed stacks to previous. Only stacks that exist
// in previous's tree are rolled back; stacks new in this deployment have no
// earlier state.
func (c *Controller) rollback(ctx context.Context, r *run, previous string, deployed []string, cause error) (*types.Summary, error) {
	r.enter(types.StateRollingBack)

	if previous == types.UnknownRevision {
		return r.finish(types.StateFailed, types.StatusFailed,
			fmt.Errorf("%w; no previous revision to roll back to", cause))
	}

	treeStacks, err := detect.TreeStacks(ctx, c.repo, previous, c.cfg.DefinitionFile)
	if err != nil {
		return r.finish(types.StateFailed, types.StatusFailed,
			fmt.Errorf("%w; discovering rollback stacks: %w", cause, err))
	}
	inTree := types.NewSet(treeStacks...)
	var names []string
	for _, name := range deployed {
		if inTree.Has(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	r.summary.DiscoveredRollbackStacks = names

	if len(names) == 0 {
		return r.finish(types.StateFailed, types.StatusFailed,
			fmt.Errorf("%w; no deployed stack existed at %s", cause, previous))
	}

	if err := c.repo.Checkout(ctx, previous); err != nil {
		return r.finish(types.StateFailed, types.StatusFailed,
			fmt.Errorf("%w; checking out previous revision: %w", cause, err))
	}

	return c.revert(ctx, r, names, cause)
}

// revert runs the rollback operation on names at the current checkout and
// confirms the result with a health pass.
func (c *Controller) revert(ctx context.Context, r *run, names []string, cause error) (*types.Summary, error) {
	stacks, err := r.stacks(names)
	if err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, err)
	}

	// A failed preflight aborts the whole rollback, so no stack was reverted
	if err := c.exec.Preflight(ctx, stacks, types.OperationRollback); err != nil {
		r.summary.ManualIntervention = true
		return r.unsafeOrFailed(names, fmt.Errorf("%w; rollback validation: %w", cause, err))
	}

	var failed []string
	report, err := c.exec.Execute(ctx, stacks, types.OperationRollback)
	if report != nil {
		failed = report.Failed
		r.recordReport(report)
	}
	if err != nil {
		r.summary.ManualIntervention = true
		return r.unsafeOrFailed(failed, fmt.Errorf("%w; rollback: %w", cause, err))
	}
	r.summary.RollbackFailed = failed

	if crit := r.criticalNames(failed); len(crit) > 0 {
		return r.finish(types.StateFailed, types.StatusCriticalFailure,
			fmt.Errorf("%w; critical stacks failed to roll back: %v", cause, crit))
	}

	fleet := c.health.Classify(ctx, names, r.criticalNames(names))
	r.summary.RollbackHealth = fleet
	r.recordHealth(fleet)
	if !fleet.AllPassing() || len(failed) > 0 {
		r.summary.ManualIntervention = true
		r.logger.Warn().
			Strs("rollback_failed", failed).
			Strs("unhealthy", fleet.Failed).
			Msg("rollback completed with failures")
	}

	return r.finish(types.StateRolledBack, types.StatusRolledBack, cause)
}

func (r *run) unsafeOrFailed(failed []string, err error) (*types.Summary, error) {
	r.summary.RollbackFailed = failed
	if len(r.criticalNames(failed)) > 0 {
		return r.finish(types.StateFailed, types.StatusCriticalFailure, err)
	}
	return r.finish(types.StateFailed, types.StatusFailed, err)
}

// RollbackRequest describes a manual rollback
type RollbackRequest struct {
	// To is the revision to restore; empty means the last successful run
	To string

	// Stacks limits the rollback; empty means every stack in To's tree
	Stacks   []string
	Critical []string
}

// Rollback restores stacks to an earlier revision outside a deployment
func (c *Controller) Rollback(ctx context.Context, req RollbackRequest) (*types.Summary, error) {
	r := c.newRun("", req.To, req.Critical)
	r.enter(types.StateRollingBack)
	cause := errors.New("manual rollback")

	to := req.To
	if to == "" && c.store != nil {
		if last, err := c.store.LastSuccessful(); err == nil {
			to = last.TargetRevision
		}
	}
	if to == "" {
		return r.finish(types.StateFailed, types.StatusFailed, errors.New("no rollback revision given and none recorded"))
	}

	if err := c.repo.Fetch(ctx); err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, fmt.Errorf("fetching: %w", err))
	}
	rev, err := c.repo.Resolve(ctx, to)
	if err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, fmt.Errorf("resolving %s: %w", to, err))
	}
	r.summary.TargetRevision = rev

	names := req.Stacks
	if len(names) == 0 {
		names, err = detect.TreeStacks(ctx, c.repo, rev, c.cfg.DefinitionFile)
		if err != nil {
			return r.finish(types.StateFailed, types.StatusFailed, fmt.Errorf("discovering stacks: %w", err))
		}
	}
	names = detect.Union(names)
	r.summary.DiscoveredRollbackStacks = names
	if len(names) == 0 {
		return r.finish(types.StateFailed, types.StatusFailed, executor.ErrNoStacks)
	}

	if err := c.repo.Checkout(ctx, rev); err != nil {
		return r.finish(types.StateFailed, types.StatusFailed, fmt.Errorf("checking out %s: %w", rev, err))
	}

	summary, err := c.revert(ctx, r, names, cause)
	if summary.Status == types.StatusRolledBack && !summary.ManualIntervention {
		summary.Error = ""
		return summary, nil
	}
	return summary, err
}
