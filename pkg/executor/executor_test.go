package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

func TestExecRunner_Success(t *testing.T) {
	r := NewExecRunner(Config{})

	res, err := r.Run(context.Background(), shell("echo hello; echo oops >&2"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Positive(t, res.Duration)
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	r := NewExecRunner(Config{})

	res, err := r.Run(context.Background(), shell("echo bad org >&2; exit 3"))
	require.Error(t, err)

	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.ExitCode)
	assert.False(t, cerr.TimedOut)
	assert.Equal(t, "bad org\n", cerr.Stderr)
	assert.Equal(t, "bad org\n", res.Stderr)
	assert.Contains(t, cerr.Error(), "exited with status 3")
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestExecRunner_Timeout(t *testing.T) {
	r := NewExecRunner(Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := r.Run(context.Background(), shell("exec sleep 5"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	assert.ErrorIs(t, err, ErrTimeout)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.TimedOut)
}

func TestExecRunner_Canceled(t *testing.T) {
	r := NewExecRunner(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, shell("exec sleep 5"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "canceled")
}

func TestExecRunner_StartFailure(t *testing.T) {
	r := NewExecRunner(Config{})

	_, err := r.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestExecRunner_EmptyName(t *testing.T) {
	r := NewExecRunner(Config{})
	_, err := r.Run(context.Background(), Command{})
	require.Error(t, err)
}

func TestExecRunner_EnvOverride(t *testing.T) {
	r := NewExecRunner(Config{BaseEnv: []string{"PATH=/usr/bin:/bin", "SECRET=base"}})

	cmd := shell(`printf %s "$SECRET"`)
	cmd.Env = map[string]string{"SECRET": "override"}

	res, err := r.Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "override", res.Stdout)
}

func TestExecRunner_ArgumentsAreNotInterpreted(t *testing.T) {
	r := NewExecRunner(Config{})

	res, err := r.Run(context.Background(), Command{Name: "echo", Args: []string{"$HOME; rm -rf /"}})
	require.NoError(t, err)
	assert.Equal(t, "$HOME; rm -rf /\n", res.Stdout)
}

func TestExecRunner_WorkingDirectory(t *testing.T) {
	r := NewExecRunner(Config{})
	dir := t.TempDir()

	cmd := shell("pwd -P")
	cmd.Dir = dir
	res, err := r.Run(context.Background(), cmd)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(res.Stdout))
}

func TestExecRunner_SlotWaitHonorsContext(t *testing.T) {
	r := NewExecRunner(Config{MaxConcurrent: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(context.Background(), shell("sleep 0.3"))
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, shell("true"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting for a command slot")
	<-done
}

func TestExecRunner_SlotWaitIsBounded(t *testing.T) {
	r := NewExecRunner(Config{MaxConcurrent: 1, QueueTimeout: 50 * time.Millisecond})

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _ = r.Run(context.Background(), shell("sleep 0.5"))
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err := r.Run(context.Background(), shell("true"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "waiting for a command slot")
	<-done
}

func TestNewExecRunner_QueueTimeoutDefaultsToTimeout(t *testing.T) {
	r := NewExecRunner(Config{Timeout: time.Minute})
	assert.Equal(t, time.Minute, r.queueTimeout)

	r = NewExecRunner(Config{})
	assert.Equal(t, DefaultTimeout, r.queueTimeout)
}

func TestCommand_String(t *testing.T) {
	cmd := Command{
		Name: "sf",
		Args: []string{"org", "logout"},
		Env:  map[string]string{"SF_ACCESS_TOKEN": "secret"},
	}
	assert.Equal(t, "sf org logout", cmd.String())
	assert.NotContains(t, cmd.String(), "secret")
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd\n[output truncated]", b.String())
}

func TestRunnerFunc(t *testing.T) {
	want := errors.New("boom")
	var got Command
	f := RunnerFunc(func(_ context.Context, cmd Command) (Result, error) {
		got = cmd
		return Result{}, want
	})

	_, err := f.Run(context.Background(), Command{Name: "sf"})
	require.ErrorIs(t, err, want)
	assert.Equal(t, "sf", got.Name)
}
