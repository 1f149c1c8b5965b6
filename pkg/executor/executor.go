// Package executor runs external commands from an argument vector with a
// working directory, environment overrides, a hard time bound and a cap on
// concurrent invocations. No shell is ever involved.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultTimeout bounds a single invocation.
	DefaultTimeout = 10 * time.Minute

	// DefaultMaxConcurrent bounds simultaneous invocations across all sessions.
	DefaultMaxConcurrent = 4

	// maxCaptureBytes caps how much of each output stream is kept.
	maxCaptureBytes = 1 << 20

	// waitDelay is how long to wait for output pipes after the process is killed.
	waitDelay = 5 * time.Second
)

// ErrTimeout matches a CommandError whose invocation exceeded its time bound.
var ErrTimeout = errors.New("command timed out")

// Command is a single invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  map[string]string
}

// String renders the argument vector for logs. Env values are never included.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is the captured output of a finished invocation.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandError describes a failed invocation.
type CommandError struct {
	Command  string
	Message  string
	Stderr   string
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *CommandError) Error() string {
	return e.Command + ": " + e.Message
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) match timed-out invocations.
func (e *CommandError) Is(target error) bool {
	return target == ErrTimeout && e.TimedOut
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

// Config configures an ExecRunner.
type Config struct {
	Timeout       time.Duration
	MaxConcurrent int64

	// QueueTimeout bounds the wait for a free slot. Defaults to Timeout.
	QueueTimeout time.Duration

	// BaseEnv replaces os.Environ() as the inherited environment when set.
	BaseEnv []string
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	timeout      time.Duration
	queueTimeout time.Duration
	sem          *semaphore.Weighted
	baseEnv []string
}

// NewExecRunner creates a runner, applying defaults for zero values.
func NewExecRunner(cfg Config) *ExecRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = cfg.Timeout
	}
	return &ExecRunner{
		timeout:      cfg.Timeout,
		queueTimeout: cfg.QueueTimeout,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		baseEnv:      cfg.BaseEnv,
	}
}

// Run executes cmd and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Name == "" {
		return Result{}, errors.New("command name is required")
	}

	if err := r.acquire(ctx); err != nil {
		return Result{}, &CommandError{
			Command:  cmd.String(),
			Message:  "waiting for a command slot: " + err.Error(),
			ExitCode: -1,
			TimedOut: errors.Is(err, context.DeadlineExceeded),
			Err:      err,
		}
	}
	defer r.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...) // #nosec G204 -- argv only, no shell
	c.Dir = cmd.Dir
	c.Env = r.environ(cmd.Env)
	c.WaitDelay = waitDelay

	stdout := &cappedBuffer{limit: maxCaptureBytes}
	stderr := &cappedBuffer{limit: maxCaptureBytes}
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	cerr := &CommandError{
		Command:  cmd.String(),
		Stderr:   res.Stderr,
		ExitCode: -1,
		Err:      err,
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		cerr.TimedOut = true
		cerr.Message = fmt.Sprintf("timed out after %s", r.timeout)
	case errors.Is(runCtx.Err(), context.Canceled):
		cerr.Message = "canceled"
	case errors.As(err, &exitErr):
		cerr.ExitCode = exitErr.ExitCode()
		cerr.Message = fmt.Sprintf("exited with status %d", cerr.ExitCode)
	default:
		cerr.Message = "failed to start: " + err.Error()
	}
	return res, cerr
}

// acquire takes a slot, waiting at most queueTimeout.
func (r *ExecRunner) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.queueTimeout)
	defer cancel()
	return r.sem.Acquire(waitCtx, 1)
}

// environ merges overrides onto the base environment. exec uses the last
// value for a duplicated key, so overrides are appended in key order.
func (r *ExecRunner) environ(overrides map[string]string) []string {
	base := r.baseEnv
	if base == nil {
		base = os.Environ()
	}
	env := slices.Clone(base)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
	default:
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "\n[output truncated]"
	}
	return string(b.buf)
}

// Verify interface compliance.
var (
	_ Runner = (*ExecRunner)(nil)
	_ Runner = RunnerFunc(nil)
)
