// Package retry runs operations with bounded exponential backoff, retrying
// only the failures a Policy classifies as transient.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/stackdeploy/pkg/log"
	"github.com/cuemby/stackdeploy/pkg/metrics"
	"github.com/rs/zerolog"
)

// ExitConnection is the exit status ssh reports when the connection itself
// failed (unreachable host, refused, auth error, dropped session).
const ExitConnection = 255

// ErrExhausted is returned when every attempt failed with a retryable status
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy decides whether a failed attempt with the given exit status may be retried
type Policy func(exitCode int) bool

// ConnectionOnly retries transport-level failures only. A command that ran
// and returned non-zero is never retried: its input may have been a one-shot
// stream, and a real failure must surface instead of eating the budget.
func ConnectionOnly(exitCode int) bool {
	return exitCode == ExitConnection
}

// Never disables retries
func Never(int) bool { return false }

// Always retries every failure
func Always(int) bool { return true }

// Operation is one attempt. It returns the exit status of the attempt and an
// error when the attempt did not complete successfully.
type Operation func(ctx context.Context, attempt int) (exitCode int, err error)

// Result describes how an Executor run ended
type Result struct {
	Attempts int
	ExitCode int
}

// Executor retries an Operation with exponential backoff
type Executor struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration // zero means uncapped
	Retryable    Policy

	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor using the ConnectionOnly policy
func NewExecutor(maxAttempts int, initialDelay time.Duration) *Executor {
	return &Executor{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		Retryable:    ConnectionOnly,
		logger:       log.WithComponent("retry"),
		sleep:        sleepContext,
	}
}

// WithPolicy returns a copy of the executor using policy p
func (e *Executor) WithPolicy(p Policy) *Executor {
	cp := *e
	cp.Retryable = p
	return &cp
}

// Do runs op until it succeeds, fails with a non-retryable status, the
// attempt budget is spent, or ctx is done.
func (e *Executor) Do(ctx context.Context, name string, op Operation) (Result, error) {
	attempts := e.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := e.Retryable
	if policy == nil {
		policy = ConnectionOnly
	}
	sleep := e.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	delay := e.InitialDelay
	var res Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		code, err := op(ctx, attempt)
		res.ExitCode = code
		if err == nil && code == 0 {
			metrics.RetryAttemptsTotal.WithLabelValues("success").Inc()
			e.logger.Debug().Str("operation", name).Int("attempt", attempt).Msg("attempt succeeded")
			return res, nil
		}
		if err == nil {
			err = fmt.Errorf("exit status %d", code)
		}

		if !policy(code) {
			metrics.RetryAttemptsTotal.WithLabelValues("fatal").Inc()
			e.logger.Debug().Str("operation", name).Int("attempt", attempt).Int("exit_code", code).
				Err(err).Msg("attempt failed, not retryable")
			return res, fmt.Errorf("%s: %w", name, err)
		}

		if attempt == attempts {
			metrics.RetryAttemptsTotal.WithLabelValues("exhausted").Inc()
			e.logger.Warn().Str("operation", name).Int("attempts", attempt).Err(err).Msg("giving up")
			return res, fmt.Errorf("%s: %w after %d attempts: %v", name, ErrExhausted, attempt, err)
		}

		metrics.RetryAttemptsTotal.WithLabelValues("retry").Inc()
		e.logger.Warn().Str("operation", name).Int("attempt", attempt).Int("exit_code", code).
			Dur("wait", delay).Err(err).Msg("attempt failed, retrying")

		if err := sleep(ctx, delay); err != nil {
			return res, fmt.Errorf("%s: retry cancelled: %w", name, err)
		}
		delay *= 2
		if e.MaxDelay > 0 && delay > e.MaxDelay {
			delay = e.MaxDelay
		}
	}
	return res, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
