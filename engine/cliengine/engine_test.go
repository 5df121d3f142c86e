package cliengine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/sessionlock"
	"github.com/bazelment/yoloswe/taskengine/task"
)

// fakeCLI writes an executable shell script standing in for the CLI. The
// script sees $LOG, a file in the same temp dir, for recording.
func fakeCLI(t *testing.T, body string) (binary, log string) {
	t.Helper()
	dir := t.TempDir()
	binary = filepath.Join(dir, "cli")
	log = filepath.Join(dir, "log")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"+body), 0o755))
	return binary, log
}

func readLog(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func cliRequest(id, contextID string) task.Request {
	return task.Request{TaskID: id, ContextID: contextID, Engine: task.EngineCLI, Text: "prompt", Cwd: os.TempDir()}
}

type memRegistry struct {
	mu    sync.Mutex
	known map[string]string
}

func (m *memRegistry) HasSession(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.known[id]
	return ok, nil
}

func (m *memRegistry) SaveSession(_ context.Context, id, contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[id] = contextID
	return nil
}

func TestRunStreamsDeltaThenFinalText(t *testing.T) {
	bin, log := fakeCLI(t, `
echo "$@" >> "$LOG"
read -r prompt
printf '%s\n' "$prompt" >> "$LOG"
echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}'
echo '{"type":"result","result":"Hello world","is_error":false}'
`)
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}))
	tk := newCLITask(t, "t1", "ctx")
	require.NoError(t, e.Run(context.Background(), tk, cliRequest("t1", "ctx")))

	evs := events(t, tk)
	require.Len(t, evs, 3)
	submitted := evs[0].(*event.StatusUpdate)
	assert.Equal(t, event.StateSubmitted, submitted.Status.State)

	delta := evs[1].(*event.StatusUpdate)
	assert.False(t, delta.Final)
	assert.Equal(t, event.StateWorking, delta.Status.State)
	require.NotNil(t, delta.Status.Message)
	assert.Equal(t, []event.Part{{Text: "Hello"}}, delta.Status.Message.Parts)

	final := evs[2].(*event.StatusUpdate)
	assert.True(t, final.Final)
	assert.Equal(t, event.StateCompleted, final.Status.State)
	assert.Equal(t, "Hello world", final.Text())

	lines := readLog(t, log)
	require.Len(t, lines, 2)
	sid := sessionlock.SessionID("ctx")
	assert.Contains(t, lines[0], "--session-id "+sid)
	assert.Contains(t, lines[0], "--input-format stream-json --output-format stream-json")
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"prompt"}}`, lines[1])
}

func TestRunResumesKnownSession(t *testing.T) {
	bin, log := fakeCLI(t, `
echo "$@" >> "$LOG"
read -r prompt
echo '{"type":"result","result":"ok","is_error":false}'
`)
	reg := &memRegistry{known: map[string]string{}}
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}), WithSessionRegistry(reg))

	for _, id := range []string{"a", "b"} {
		tk := newCLITask(t, id, "conv")
		require.NoError(t, e.Run(context.Background(), tk, cliRequest(id, "conv")))
		assert.Equal(t, event.StateCompleted, tk.State())
	}
	sid := sessionlock.SessionID("conv")
	lines := readLog(t, log)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "--session-id "+sid)
	assert.Contains(t, lines[1], "--resume "+sid)
	assert.Equal(t, "conv", reg.known[sid])
}

func TestRunRetriesFreshWhenSessionMissing(t *testing.T) {
	bin, log := fakeCLI(t, `
echo "$@" >> "$LOG"
read -r prompt
case "$*" in
*--resume*)
  echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"stale"}}}'
  echo "Error: No conversation found with session ID" >&2
  exit 1
  ;;
esac
echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"fresh"}}}'
echo '{"type":"result","result":"fresh","is_error":false}'
`)
	sid := sessionlock.SessionID("conv")
	reg := &memRegistry{known: map[string]string{sid: "conv"}}
	var retries []string
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}), WithSessionRegistry(reg),
		WithRetryHook(func(reason string) { retries = append(retries, reason) }))

	tk := newCLITask(t, "t", "conv")
	require.NoError(t, e.Run(context.Background(), tk, cliRequest("t", "conv")))

	assert.Equal(t, []string{RetrySessionNotFound}, retries)
	assert.Equal(t, "fresh", tk.Text())
	assert.Equal(t, event.StateCompleted, tk.State())
	evs := events(t, tk)
	assert.Equal(t, "fresh", evs[len(evs)-1].(*event.StatusUpdate).Text())

	lines := readLog(t, log)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "--resume "+sid)
	assert.Contains(t, lines[1], "--session-id "+sid)
}

func TestRunRetriesOnceThenFails(t *testing.T) {
	bin, log := fakeCLI(t, `
echo "$@" >> "$LOG"
read -r prompt
echo "fatal: backend unavailable" >&2
exit 3
`)
	sid := sessionlock.SessionID("conv")
	reg := &memRegistry{known: map[string]string{sid: "conv"}}
	var retries atomic.Int32
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}), WithSessionRegistry(reg),
		WithRetryHook(func(string) { retries.Add(1) }))

	tk := newCLITask(t, "t", "conv")
	err := e.Run(context.Background(), tk, cliRequest("t", "conv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
	assert.Contains(t, err.Error(), "exit code 3")
	assert.False(t, IsSessionNotFound(err))
	assert.Equal(t, int32(1), retries.Load())
	assert.Len(t, readLog(t, log), 2)
}

func TestRunSuccessfulResumeIgnoresStderrNoise(t *testing.T) {
	bin, log := fakeCLI(t, `
echo "$@" >> "$LOG"
read -r prompt
echo "warning: /home/u/.config/plugins does not exist, skipping" >&2
echo "warning: session not found in cache, reloading" >&2
echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"answer"}}}'
echo '{"type":"result","result":"answer","is_error":false}'
`)
	sid := sessionlock.SessionID("conv")
	reg := &memRegistry{known: map[string]string{sid: "conv"}}
	var retries atomic.Int32
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}), WithSessionRegistry(reg),
		WithRetryHook(func(string) { retries.Add(1) }))

	tk := newCLITask(t, "t", "conv")
	require.NoError(t, e.Run(context.Background(), tk, cliRequest("t", "conv")))

	assert.Equal(t, event.StateCompleted, tk.State())
	assert.Equal(t, "answer", tk.Text())
	assert.Equal(t, int32(0), retries.Load())
	lines := readLog(t, log)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "--resume "+sid)
}

func TestRunRetriesFreshAfterErrorResultWithoutText(t *testing.T) {
	bin, log := fakeCLI(t, `
echo "$@" >> "$LOG"
read -r prompt
case "$*" in
*--resume*)
  echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"API Error: 500 internal"}'
  exit 1
  ;;
esac
echo '{"type":"result","result":"recovered","is_error":false}'
`)
	sid := sessionlock.SessionID("conv")
	reg := &memRegistry{known: map[string]string{sid: "conv"}}
	var retries []string
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}), WithSessionRegistry(reg),
		WithRetryHook(func(reason string) { retries = append(retries, reason) }))

	tk := newCLITask(t, "t", "conv")
	require.NoError(t, e.Run(context.Background(), tk, cliRequest("t", "conv")))

	assert.Equal(t, []string{RetryNoOutput}, retries)
	assert.Equal(t, event.StateCompleted, tk.State())
	assert.Equal(t, "recovered", tk.Text())
	lines := readLog(t, log)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "--session-id "+sid)
}

func TestRunFreshFailureDoesNotRetry(t *testing.T) {
	bin, log := fakeCLI(t, `
echo "$@" >> "$LOG"
read -r prompt
echo "boom" >&2
exit 1
`)
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}))
	tk := newCLITask(t, "t", "new-conv")
	err := e.Run(context.Background(), tk, cliRequest("t", "new-conv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, readLog(t, log), 1)
}

func TestRunErrorResultFails(t *testing.T) {
	bin, _ := fakeCLI(t, `
read -r prompt
echo '{"type":"result","subtype":"error_max_turns","is_error":true,"result":"","errors":["max turns reached"]}'
`)
	e := New(WithBinary(bin))
	tk := newCLITask(t, "t", "c")
	require.NoError(t, e.Run(context.Background(), tk, cliRequest("t", "c")))
	assert.Equal(t, event.StateFailed, tk.State())
	evs := events(t, tk)
	assert.Equal(t, "max turns reached", evs[len(evs)-1].(*event.StatusUpdate).Text())
}

func TestRunSerializesSameSession(t *testing.T) {
	bin, log := fakeCLI(t, `
read -r prompt
echo "start $prompt" >> "$LOG"
sleep 0.3
echo "end" >> "$LOG"
echo '{"type":"result","result":"done","is_error":false}'
`)
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}))

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		tk := newCLITask(t, id, "shared")
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Run(context.Background(), tk, cliRequest(id, "shared")))
		}()
	}
	wg.Wait()

	lines := readLog(t, log)
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "start"))
	assert.Equal(t, "end", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "start"))
	assert.Equal(t, "end", lines[3])
}

func TestCancelKillsProcessTree(t *testing.T) {
	bin, _ := fakeCLI(t, `
read -r prompt
sleep 30 &
wait
`)
	e := New(WithBinary(bin))
	tk := newCLITask(t, "t", "c")

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), tk, cliRequest("t", "c")) }()
	require.Eventually(t, tk.HasInput, 5*time.Second, 10*time.Millisecond)

	require.True(t, tk.RequestCancel())
	require.NoError(t, e.Cancel(context.Background(), tk))

	select {
	case err := <-done:
		require.Error(t, err)
		tk.Finalize(event.StateFailed, "", err)
	case <-time.After(5 * time.Second):
		t.Fatal("cli process was not killed")
	}
	assert.Equal(t, event.StateCancelled, tk.State())
}

func TestCancelBeforeStartSkipsLaunch(t *testing.T) {
	bin, log := fakeCLI(t, `
echo launched >> "$LOG"
read -r prompt
sleep 30
`)
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}))
	tk := newCLITask(t, "t", "c")
	require.True(t, tk.RequestCancel())

	require.NoError(t, e.Run(context.Background(), tk, cliRequest("t", "c")))
	assert.Equal(t, event.StateCancelled, tk.State())
	assert.Empty(t, readLog(t, log))
}

func TestCancelWhileQueuedSkipsLaunch(t *testing.T) {
	bin, log := fakeCLI(t, `
echo launched >> "$LOG"
read -r prompt
sleep 0.3
echo '{"type":"result","result":"done","is_error":false}'
`)
	locks := sessionlock.NewManager()
	e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}), WithLocks(locks))

	release, err := locks.Acquire(context.Background(), sessionlock.SessionID("q"))
	require.NoError(t, err)

	tk := newCLITask(t, "t", "q")
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), tk, cliRequest("t", "q")) }()

	require.True(t, tk.RequestCancel())
	release()
	require.NoError(t, <-done)
	assert.Equal(t, event.StateCancelled, tk.State())
	assert.Empty(t, readLog(t, log))
}

func TestSubmitAnswer(t *testing.T) {
	t.Run("rpc task", func(t *testing.T) {
		req := task.Request{TaskID: "r", Engine: task.EngineRPC, Text: "x"}
		req.Normalize()
		tk, _ := task.NewRegistry(task.Hooks{}).Create(req)
		before := tk.Len()
		err := New().SubmitAnswer(tk, "tu_1", map[string]string{"a": "b"})
		assert.ErrorIs(t, err, ErrNotCLITask)
		assert.Equal(t, before, tk.Len())
	})

	t.Run("no live input", func(t *testing.T) {
		tk := newCLITask(t, "t", "c")
		err := New().SubmitAnswer(tk, "tu_1", map[string]string{"a": "b"})
		assert.ErrorIs(t, err, task.ErrNoInput)
	})

	t.Run("mid turn", func(t *testing.T) {
		bin, log := fakeCLI(t, `
read -r prompt
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_q","name":"AskUserQuestion","input":{}}]}}'
read -r answer
printf '%s\n' "$answer" >> "$LOG"
echo '{"type":"result","result":"thanks","is_error":false}'
`)
		e := New(WithBinary(bin), WithEnv(map[string]string{"LOG": log}))
		tk := newCLITask(t, "t", "c")
		done := make(chan error, 1)
		go func() { done <- e.Run(context.Background(), tk, cliRequest("t", "c")) }()

		require.Eventually(t, func() bool { return tk.Len() >= 2 }, 5*time.Second, 10*time.Millisecond)
		before := tk.Len()
		require.NoError(t, e.SubmitAnswer(tk, "tu_q", map[string]string{"size": "L", "color": "blue"}))
		require.NoError(t, <-done)

		lines := readLog(t, log)
		require.Len(t, lines, 1)
		assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_q","content":"color: blue\nsize: L"}]}}`, lines[0])
		assert.Equal(t, event.StateCompleted, tk.State())
		assert.Greater(t, tk.Len(), before)
	})
}

func TestFormatAnswers(t *testing.T) {
	assert.Equal(t, "a: 1\nb: 2", FormatAnswers(map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t, "", FormatAnswers(nil))
}

func TestBuildArgs(t *testing.T) {
	e := New(WithExtraArgs("--permission-mode", "bypassPermissions"))
	assert.Equal(t, []string{
		"-p", "--input-format", "stream-json", "--output-format", "stream-json",
		"--verbose", "--include-partial-messages",
		"--model", "sonnet", "--resume", "sid",
		"--permission-mode", "bypassPermissions",
	}, e.buildArgs("sonnet", "sid", true))
	assert.Equal(t, []string{
		"-p", "--input-format", "stream-json", "--output-format", "stream-json",
		"--verbose", "--include-partial-messages",
		"--session-id", "sid",
		"--permission-mode", "bypassPermissions",
	}, e.buildArgs("", "sid", false))
}

func TestMentionsMissingSession(t *testing.T) {
	for _, line := range []string{
		"No conversation found with session ID: 123",
		"error: Session not found",
		"session abc not found",
	} {
		assert.True(t, mentionsMissingSession(line), line)
	}
	for _, line := range []string{
		"rate limit exceeded",
		"warning: /home/u/.config/plugins does not exist, skipping",
		"tool not found. session continues",
	} {
		assert.False(t, mentionsMissingSession(line), line)
	}
}

func TestIsSessionNotFound(t *testing.T) {
	bin, _ := fakeCLI(t, `
read -r prompt
echo "No conversation found with session ID" >&2
exit 1
`)
	sid := sessionlock.SessionID("c")
	reg := &memRegistry{known: map[string]string{sid: "c"}}
	e := New(WithBinary(bin), WithSessionRegistry(reg))
	tk := newCLITask(t, "t", "c")
	err := e.Run(context.Background(), tk, cliRequest("t", "c"))
	require.Error(t, err)
	assert.True(t, IsSessionNotFound(err))
}
