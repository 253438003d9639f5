package remote

import (
	"context"

	"github.com/cuemby/stackdeploy/pkg/retry"
)

// RetryingRunner retries commands that failed to reach the host. Commands
// that ran and exited non-zero, commands that timed out and commands with a
// Stdin reader are returned as-is after the first attempt.
type RetryingRunner struct {
	inner Runner
	exec  *retry.Executor
}

// NewRetryingRunner wraps inner with exec. The executor's policy is forced to
// retry.ConnectionOnly.
func NewRetryingRunner(inner Runner, exec *retry.Executor) *RetryingRunner {
	return &RetryingRunner{inner: inner, exec: exec.WithPolicy(retry.ConnectionOnly)}
}

// Run implements Runner
func (r *RetryingRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	var last *Result
	var lastErr error

	exec := r.exec
	if cmd.Stdin != nil {
		exec = exec.WithPolicy(retry.Never)
	}

	_, err := exec.Do(ctx, cmd.Name, func(ctx context.Context, attempt int) (int, error) {
		res, err := r.inner.Run(ctx, cmd)
		if res == nil {
			res = &Result{ExitCode: ExitConnection}
		}
		last, lastErr = res, err
		return res.ExitCode, err
	})

	if last != nil && lastErr == nil {
		// The script ran to completion; its exit code is the caller's concern
		return last, nil
	}
	if last == nil {
		last = &Result{ExitCode: ExitConnection}
	}
	return last, err
}
