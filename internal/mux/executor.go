// Package mux wraps the terminal multiplexer (tmux) behind a
// concurrency-bounded executor plus typed helpers for the handful of commands
// conductor issues: session lifecycle, key injection, and pane capture.
package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"conductor/internal/errs"
	"conductor/internal/logging"
)

const (
	// DefaultMaxConcurrent bounds in-flight tmux invocations.
	DefaultMaxConcurrent = 16
	// DefaultTimeout is the per-invocation deadline.
	DefaultTimeout = 5 * time.Second
	// maxTransientRetries bounds retries of transient failures before the
	// error surfaces to the caller.
	maxTransientRetries = 2
)

// Executor runs one multiplexer command and returns its stdout. The narrow
// surface lets tests substitute a deterministic fake with an invocation
// counter.
type Executor interface {
	Execute(ctx context.Context, args ...string) (string, error)
}

// spawnResult carries the raw outcome of one subprocess run.
type spawnResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// Runner is the production Executor. A weighted semaphore gates subprocess
// spawns; waiters are served in arrival order. Each invocation carries a
// timeout, and transient failures are retried with exponential backoff before
// surfacing.
type Runner struct {
	bin     string
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *logging.Logger

	// spawn is swapped by tests to avoid real subprocesses.
	spawn func(ctx context.Context, bin string, args []string) (spawnResult, error)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTimeout overrides the per-invocation deadline.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSpawn substitutes the subprocess spawn function. Tests only.
func WithSpawn(spawn func(ctx context.Context, bin string, args []string) (spawnResult, error)) RunnerOption {
	return func(r *Runner) { r.spawn = spawn }
}

// NewRunner builds a Runner limited to maxConcurrent in-flight invocations.
func NewRunner(maxConcurrent int, logger *logging.Logger, opts ...RunnerOption) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	r := &Runner{
		bin:     "tmux",
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: DefaultTimeout,
		logger:  logger,
		spawn:   spawnProcess,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckInstalled verifies the multiplexer binary is reachable.
func (r *Runner) CheckInstalled(ctx context.Context) error {
	if _, err := exec.LookPath(r.bin); err != nil {
		return errs.E(errs.Op("mux.CheckInstalled"), errs.KindPermanent,
			fmt.Errorf("%s not found in PATH: %w", r.bin, err))
	}
	_, err := r.Execute(ctx, "-V")
	return err
}

// Execute acquires an admission slot, spawns the command under the configured
// timeout, and classifies failures. Transient failures are retried with
// bounded exponential backoff inside this call.
func (r *Runner) Execute(ctx context.Context, args ...string) (string, error) {
	const op = errs.Op("mux.Execute")

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", errs.E(op, errs.KindTimeout, "waiting for admission slot", err)
	}
	defer r.sem.Release(1)

	var out string
	attempt := func() error {
		var err error
		out, err = r.executeOnce(ctx, args)
		if err != nil && !errs.IsKind(err, errs.KindTransient) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newRetryBackoff(), maxTransientRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return "", err
	}
	return out, nil
}

func newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

func (r *Runner) executeOnce(ctx context.Context, args []string) (string, error) {
	const op = errs.Op("mux.Execute")

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	result, err := r.spawn(ctx, r.bin, args)
	elapsed := time.Since(started)

	if r.logger != nil && r.logger.Enabled(logging.LevelDebug) {
		r.logger.Debug("mux command", map[string]string{
			"args":    strings.Join(args, " "),
			"elapsed": elapsed.String(),
		})
	}

	if ctx.Err() == context.DeadlineExceeded {
		return "", errs.E(op, errs.KindTimeout,
			fmt.Errorf("%s %s exceeded %s", r.bin, strings.Join(args, " "), r.timeout))
	}
	if err != nil {
		return "", errs.E(op, errs.KindPermanent,
			fmt.Errorf("spawn %s: %w", r.bin, err))
	}
	if result.exitCode != 0 {
		return "", classifyFailure(op, args, result)
	}
	return result.stdout, nil
}

// transientMarkers are stderr fragments that indicate control-socket
// contention or a server mid-restart; worth a retry.
var transientMarkers = []string{
	"resource temporarily unavailable",
	"connection refused",
	"server exited unexpectedly",
	"lost server",
}

// notFoundMarkers are the messages tmux emits for missing targets; the exact
// wording varies across versions.
var notFoundMarkers = []string{
	"can't find session",
	"no such session",
	"session not found",
	"no server running",
}

func classifyFailure(op errs.Op, args []string, result spawnResult) error {
	stderr := strings.ToLower(strings.TrimSpace(result.stderr))

	for _, marker := range notFoundMarkers {
		if strings.Contains(stderr, marker) {
			return errs.E(op, errs.KindNotFound,
				fmt.Errorf("%s: %s", strings.Join(args, " "), strings.TrimSpace(result.stderr)))
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(stderr, marker) {
			return errs.E(op, errs.KindTransient,
				fmt.Errorf("%s: %s", strings.Join(args, " "), strings.TrimSpace(result.stderr)))
		}
	}
	return errs.E(op, errs.KindPermanent, &ExitError{
		Args:     args,
		ExitCode: result.exitCode,
		Stderr:   strings.TrimSpace(result.stderr),
	})
}

// ExitError reports a command that ran and failed.
type ExitError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("tmux %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

func spawnProcess(ctx context.Context, bin string, args []string) (spawnResult, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := spawnResult{
		stdout: stdout.String(),
		stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.exitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	return result, nil
}
