// Package executor runs a deploy or rollback against many stacks at once.
//
// Every stack is validated first; a single invalid stack aborts the run
// before anything on the host changes. Workers then run concurrently, each
// writing to its own log sink and result slot. The exit code in the result
// slot is the only authoritative outcome. Log scanning is used for
// diagnostics when a slot was never written, and such a stack always counts
// as failed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/cuemby/stackdeploy/pkg/compose"
	"github.com/cuemby/stackdeploy/pkg/log"
	"github.com/cuemby/stackdeploy/pkg/metrics"
	"github.com/cuemby/stackdeploy/pkg/remote"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoStacks is returned for an empty stack set
	ErrNoStacks = errors.New("no stacks to operate on")

	// ErrNoResults is returned when not a single worker recorded a result
	ErrNoResults = errors.New("no stack produced a result")
)

// ValidationError lists every stack that failed preflight
type ValidationError struct {
	Operation types.Operation
	Failures  map[string]string // stack -> reason
}

func (e *ValidationError) Error() string {
	names := e.Stacks()
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Failures[name]))
	}
	return fmt.Sprintf("%s preflight failed for %d stack(s): %s", e.Operation, len(names), strings.Join(parts, "; "))
}

// Stacks returns the failing stack names in order
func (e *ValidationError) Stacks() []string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config controls a parallel run
type Config struct {
	StacksDir      string
	DefinitionFile string

	// Parallelism caps concurrent workers; 0 or less means one per stack
	Parallelism int

	Timeouts remote.Timeouts
}

// Executor fans stack operations out over a remote runner
type Executor struct {
	runner remote.Runner
	files  remote.Files
	slots  Slots
	cfg    Config
	logger zerolog.Logger
}

// New creates an executor. slots may be nil for in-memory slots.
func New(runner remote.Runner, files remote.Files, slots Slots, cfg Config) *Executor {
	if slots == nil {
		slots = NewMemorySlots()
	}
	if cfg.DefinitionFile == "" {
		cfg.DefinitionFile = compose.DefaultDefinitionFile
	}
	return &Executor{
		runner: runner,
		files:  files,
		slots:  slots,
		cfg:    cfg,
		logger: log.WithComponent("executor"),
	}
}

// Report is the aggregate outcome of a parallel run
type Report struct {
	Operation types.Operation
	Succeeded []string
	Failed    []string
	Outcomes  []types.OperationOutcome

	// Missing lists stacks whose worker never wrote a result
	Missing []string
}

// Err returns nil when every stack succeeded, otherwise an error naming
// each failed stack with its captured log.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	failed := types.NewSet(r.Failed...)
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed for %d stack(s): %s", r.Operation, len(r.Failed), strings.Join(r.Failed, ", "))
	for _, o := range r.Outcomes {
		if !failed.Has(o.Stack) {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s (exit %d) ---\n%s", o.Stack, o.ExitCode, strings.Join(o.LogLines, "\n"))
	}
	return errors.New(b.String())
}

// Logs maps each failed stack to its captured log
func (r *Report) Logs() map[string]string {
	out := make(map[string]string, len(r.Failed))
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out[o.Stack] = strings.Join(o.LogLines, "\n")
		}
	}
	return out
}

func (e *Executor) project(stack string) compose.Project {
	return compose.NewProject(e.cfg.StacksDir, stack, e.cfg.DefinitionFile)
}

// Preflight validates every stack in order: the compose file exists and
// compose can resolve and parse it. Nothing on the host is modified.
func (e *Executor) Preflight(ctx context.Context, stacks []types.Stack, op types.Operation) error {
	failures := make(map[string]string)
	for _, s := range stacks {
		if reason := e.validate(ctx, s.Name); reason != "" {
			e.logger.Error().Str("stack", s.Name).Str("operation", string(op)).Str("reason", reason).Msg("preflight failed")
			failures[s.Name] = reason
		}
	}
	if len(failures) > 0 {
		return &ValidationError{Operation: op, Failures: failures}
	}
	return nil
}

func (e *Executor) validate(ctx context.Context, stack string) string {
	if !types.ValidName(stack) {
		return "invalid stack name"
	}
	p := e.project(stack)

	ok, err := e.files.Exists(ctx, p.DefinitionPath())
	if err != nil {
		return fmt.Sprintf("checking %s: %v", p.DefinitionPath(), err)
	}
	if !ok {
		return fmt.Sprintf("compose file %s not found", p.DefinitionPath())
	}

	res, err := e.runner.Run(ctx, p.Validate(e.cfg.Timeouts.Validate))
	if err != nil {
		return fmt.Sprintf("validating: %v", err)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return "compose config: " + msg
	}
	return ""
}

// Run validates then operates on every stack concurrently, waiting for all
// of them. A failing stack never cancels its siblings.
func (e *Executor) Run(ctx context.Context, stacks []types.Stack, op types.Operation) (*Report, error) {
	if len(stacks) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNoStacks)
	}
	if err := e.Preflight(ctx, stacks, op); err != nil {
		return nil, err
	}
	return e.Execute(ctx, stacks, op)
}

// Execute runs the operation on every stack without preflight. Callers that
// validate separately use it after a successful Preflight.
func (e *Executor) Execute(ctx context.Context, stacks []types.Stack, op types.Operation) (*Report, error) {
	if len(stacks) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNoStacks)
	}

	e.logger.Info().
		Str("operation", string(op)).
		Int("stacks", len(stacks)).
		Int("parallelism", e.cfg.Parallelism).
		Msg("starting parallel run")

	var g errgroup.Group
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	for _, s := range stacks {
		g.Go(func() error {
			e.work(ctx, s.Name, op)
			return nil
		})
	}
	_ = g.Wait()

	report := e.collect(stacks, op)
	if len(report.Missing) == len(stacks) {
		return report, fmt.Errorf("%s: %w", op, ErrNoResults)
	}
	return report, nil
}

// work runs one stack. A panic leaves the result slot empty.
func (e *Executor) work(ctx context.Context, stack string, op types.Operation) {
	logger := log.WithStack(e.logger, stack, string(op))
	timer := metrics.NewTimer()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("worker panicked")
		}
	}()

	sink, err := e.slots.OpenLog(op, stack)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open log sink")
		return
	}
	defer sink.Close()

	code := e.steps(ctx, stack, sink, logger)
	if err := e.slots.SetResult(op, stack, code); err != nil {
		logger.Error().Err(err).Msg("failed to record result")
		return
	}
	timer.ObserveDurationVec(metrics.StackDuration, string(op))
	logger.Info().Int("exit_code", code).Dur("duration", timer.Duration()).Msg("stack finished")
}

// steps pulls images then starts services, each under its own timeout
func (e *Executor) steps(ctx context.Context, stack string, sink io.Writer, logger zerolog.Logger) int {
	p := e.project(stack)
	for _, cmd := range []remote.Command{
		p.Pull(e.cfg.Timeouts.Pull),
		p.Up(e.cfg.Timeouts.Up),
	} {
		cmd.Stdout = sink
		cmd.Stderr = sink
		fmt.Fprintf(sink, "$ %s\n", cmd.String())

		res, err := e.runner.Run(ctx, cmd)
		code := exitCode(res, err)
		if err != nil {
			fmt.Fprintf(sink, "%s: %v\n", cmd.Name, err)
			logger.Error().Err(err).Str("step", cmd.Name).Msg("step did not complete")
			return code
		}
		if code != 0 {
			fmt.Fprintf(sink, "%s exited with status %d\n", cmd.Name, code)
			logger.Error().Int("exit_code", code).Str("step", cmd.Name).Msg("step failed")
			return code
		}
	}
	return 0
}

func exitCode(res *remote.Result, err error) int {
	switch {
	case errors.Is(err, remote.ErrTimeout):
		return remote.ExitTimeout
	case res != nil && (err == nil || res.ExitCode != 0):
		return res.ExitCode
	case err != nil:
		return remote.ExitConnection
	}
	return 0
}

func (e *Executor) collect(stacks []types.Stack, op types.Operation) *Report {
	report := &Report{Operation: op}
	for _, s := range stacks {
		outcome := types.OperationOutcome{Stack: s.Name, Operation: op}
		logText, logErr := e.slots.Log(op, s.Name)
		if logErr != nil {
			e.logger.Warn().Err(logErr).Str("stack", s.Name).Msg("failed to read stack log")
		}

		code, ok, err := e.slots.Result(op, s.Name)
		if err != nil {
			e.logger.Warn().Err(err).Str("stack", s.Name).Msg("failed to read result slot")
		}
		if ok && err == nil {
			outcome.ExitCode = code
		} else {
			outcome.ResultMissing = true
			outcome.ExitCode = -1
			report.Missing = append(report.Missing, s.Name)
			e.logger.Warn().
				Str("stack", s.Name).
				Str("operation", string(op)).
				Bool("log_indicates_failure", ScanLog(logText)).
				Msg("result slot missing, counting stack as failed")
		}

		if outcome.Succeeded() {
			report.Succeeded = append(report.Succeeded, s.Name)
			metrics.StackOperationsTotal.WithLabelValues(string(op), "success").Inc()
		} else {
			outcome.LogLines = remote.SplitLines(logText)
			report.Failed = append(report.Failed, s.Name)
			metrics.StackOperationsTotal.WithLabelValues(string(op), "failure").Inc()
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	sort.Strings(report.Succeeded)
	sort.Strings(report.Failed)
	return report
}

var failurePatterns = regexp.MustCompile(`(?im)(^error\b|error response from daemon|\bfailed\b|exited with status [1-9]|\bunhealthy\b|no such image|pull access denied)`)

// ScanLog guesses from free text whether a stack operation failed. It is a
// diagnostic aid only; the exit code in the result slot decides outcomes.
func ScanLog(text string) bool {
	return failurePatterns.MatchString(text)
}
