// Package executor runs the external generation CLI as a subprocess with a
// global concurrency limit and a per-call timeout.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ketobot/ketobot-stack/bot/internal/metrics"
	"github.com/ketobot/ketobot-stack/common/logging"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultMaxConcurrency = 1

	stderrLimit       = 500
	slowWaitThreshold = 100 * time.Millisecond
)

// ErrTimeout is returned when the subprocess does not finish within the
// configured timeout. The process has been killed by then.
var ErrTimeout = errors.New("executor: call timed out")

// ExecutionError reports a subprocess that could not run or exited non-zero.
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("executor: exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("executor: exit code %d: %s", e.ExitCode, e.Stderr)
}

// Invoker is what the processor depends on.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	Command        string
	Args           []string
	Timeout        time.Duration
	MaxConcurrency int64
}

type Executor struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *logging.Logger
	tracer trace.Tracer
}

func New(cfg Config, logger *logging.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Executor{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
		logger: logger,
		tracer: otel.Tracer("ketobot-executor"),
	}
}

// Invoke writes prompt to the subprocess stdin and returns its trimmed stdout.
// There is no retry; callers decide how to degrade.
func (e *Executor) Invoke(ctx context.Context, prompt string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("executor.command", e.cfg.Command),
		attribute.Int("executor.prompt_chars", len(prompt)),
	)

	waitStart := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("waiting for executor slot: %w", err)
	}
	defer e.sem.Release(1)

	wait := time.Since(waitStart)
	metrics.ExecutorWait.Observe(wait.Seconds())
	span.SetAttributes(attribute.Int64("executor.wait_ms", wait.Milliseconds()))
	if wait > slowWaitThreshold {
		e.logger.InfoContext(ctx, "executor_semaphore_waited", logging.Duration(wait))
	}

	out, err := e.run(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (e *Executor) run(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, e.cfg.Command, e.cfg.Args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	metrics.ExecutorDuration.Observe(elapsed.Seconds())

	switch {
	case err == nil:
		out := strings.TrimSpace(stdout.String())
		metrics.ExecutorCalls.WithLabelValues("ok").Inc()
		e.logger.InfoContext(ctx, "executor_call_succeeded",
			logging.Duration(elapsed), "output_chars", len(out))
		return out, nil

	case ctx.Err() != nil:
		metrics.ExecutorCalls.WithLabelValues("cancelled").Inc()
		return "", ctx.Err()

	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		metrics.ExecutorCalls.WithLabelValues("timeout").Inc()
		e.logger.ErrorContext(ctx, "executor_call_timeout",
			"timeout", e.cfg.Timeout.String(), logging.Duration(elapsed))
		return "", ErrTimeout
	}

	execErr := &ExecutionError{ExitCode: -1, Stderr: truncate(strings.TrimSpace(stderr.String()), stderrLimit)}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		execErr.ExitCode = exitErr.ExitCode()
	} else if execErr.Stderr == "" {
		execErr.Stderr = truncate(err.Error(), stderrLimit)
	}

	metrics.ExecutorCalls.WithLabelValues("error").Inc()
	e.logger.ErrorContext(ctx, "executor_call_failed",
		"exit_code", execErr.ExitCode, "stderr", execErr.Stderr, logging.Duration(elapsed))
	return "", execErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
