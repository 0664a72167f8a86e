package tool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Invocation describes one external tool call. Validate, when set, checks
// the raw output before the invocation is reported successful; a tool that
// exits zero but emits malformed output fails with kind Validation.
type Invocation struct {
	Tool    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	Timeout time.Duration

	Validate func(Result) error
}

// Result is the captured outcome of a finished invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Retries  int
	Duration time.Duration
}

// Runner executes external tools with a per-invocation timeout and retry
// with exponential backoff for transient failures.
type Runner struct {
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger

	// execute is the process-spawning seam, replaced in tests.
	execute func(ctx context.Context, inv Invocation) (Result, error)
}

func NewRunner(maxRetries int, backoff time.Duration, logger *slog.Logger) *Runner {
	r := &Runner{maxRetries: maxRetries, backoff: backoff, logger: logger}
	r.execute = r.runProcess
	return r
}

// NewRunnerWithExec injects an execute function in place of spawning real
// processes. Used by tests and by in-process stage implementations.
func NewRunnerWithExec(maxRetries int, backoff time.Duration, logger *slog.Logger,
	execute func(ctx context.Context, inv Invocation) (Result, error)) *Runner {
	return &Runner{maxRetries: maxRetries, backoff: backoff, logger: logger, execute: execute}
}

// Invoke runs the tool, retrying transient failures up to the configured
// bound. The returned Result records how many retries were spent even when
// the final attempt fails.
func (r *Runner) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	var lastErr error
	var res Result
	for attempt := 0; ; attempt++ {
		res, lastErr = r.execute(ctx, inv)
		res.Retries = attempt
		if lastErr == nil {
			if inv.Validate != nil {
				if verr := inv.Validate(res); verr != nil {
					return res, newError(KindValidation, inv.Tool, verr.Error(), tail(res.Stderr), verr)
				}
			}
			return res, nil
		}

		if KindOf(lastErr) != KindTransient || attempt >= r.maxRetries {
			return res, lastErr
		}

		delay := r.backoff << attempt
		if r.logger != nil {
			r.logger.Warn("transient tool failure, retrying",
				slog.String("tool", inv.Tool),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
				slog.String("error", lastErr.Error()))
		}
		select {
		case <-ctx.Done():
			return res, newError(KindCancelled, inv.Tool, "cancelled during retry backoff", "", ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (r *Runner) runProcess(ctx context.Context, inv Invocation) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Tool, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	cmd.Stdin = inv.Stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}

	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return res, newError(KindCancelled, inv.Tool, "run cancelled", tail(res.Stderr), ctx.Err())
	case runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, newError(KindTransient, inv.Tool, "timed out after "+inv.Timeout.String(), tail(res.Stderr), runCtx.Err())
	case errors.Is(err, exec.ErrNotFound):
		return res, newError(KindDeterministic, inv.Tool, "binary not found on PATH", "", err)
	case transientOutput(res.Stderr):
		return res, newError(KindTransient, inv.Tool, "resource exhaustion reported by tool", tail(res.Stderr), err)
	default:
		return res, newError(KindDeterministic, inv.Tool, "exited with an error", tail(res.Stderr), err)
	}
}

// transientOutput recognizes resource-exhaustion messages that are worth
// retrying even though the process exited on its own.
func transientOutput(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	for _, marker := range []string{
		"out of memory",
		"cannot allocate",
		"resource temporarily unavailable",
		"too many open files",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// tail keeps the last part of a stream for error detail without dragging
// whole tool logs into manifests.
func tail(b []byte) string {
	const max = 2048
	if len(b) <= max {
		return string(b)
	}
	return "..." + string(b[len(b)-max:])
}
