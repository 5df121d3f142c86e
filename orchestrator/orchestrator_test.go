package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/taskengine/engine"
	"github.com/bazelment/yoloswe/taskengine/engine/cliengine"
	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/metrics"
	"github.com/bazelment/yoloswe/taskengine/task"
)

// fakeEngine runs fn for every turn.
type fakeEngine struct {
	fn      func(ctx context.Context, t *task.Task) error
	runs    atomic.Int32
	cancels atomic.Int32
	closed  atomic.Bool
}

func (f *fakeEngine) Run(ctx context.Context, t *task.Task, _ task.Request) error {
	f.runs.Add(1)
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, t)
}

func (f *fakeEngine) Cancel(context.Context, *task.Task) error {
	f.cancels.Add(1)
	return nil
}

func (f *fakeEngine) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

type recordingSink struct {
	mu  sync.Mutex
	ids map[string][]int64
}

func (s *recordingSink) Publish(taskID string, ev task.StoredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string][]int64)
	}
	s.ids[taskID] = append(s.ids[taskID], ev.ID)
}

func (s *recordingSink) get(taskID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.ids[taskID]...)
}

type recordingStore struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (s *recordingStore) MarkRunning(_ context.Context, contextID, taskID string) error {
	return s.record("running " + contextID + " " + taskID)
}

func (s *recordingStore) MarkFinished(_ context.Context, contextID, taskID string, state event.State) error {
	return s.record(string(state) + " " + contextID + " " + taskID)
}

func (s *recordingStore) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.fail {
		return errors.New("store down")
	}
	return nil
}

func (s *recordingStore) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func rpcReq(id string) task.Request {
	return task.Request{TaskID: id, Engine: task.EngineRPC, Text: "hi"}
}

// collect drains the stream of taskID after afterID.
func collect(t *testing.T, o *Orchestrator, taskID string, afterID int64) []task.StoredEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq, err := o.Stream(ctx, taskID, afterID)
	require.NoError(t, err)
	var out []task.StoredEvent
	for ev, err := range seq {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func decodeStatus(t *testing.T, ev task.StoredEvent) *event.StatusUpdate {
	t.Helper()
	decoded, err := event.Decode(ev.Payload)
	require.NoError(t, err)
	su, ok := decoded.(*event.StatusUpdate)
	require.True(t, ok, "event %d is not a status update", ev.ID)
	return su
}

func lastStatus(t *testing.T, evs []task.StoredEvent) *event.StatusUpdate {
	t.Helper()
	require.NotEmpty(t, evs)
	return decodeStatus(t, evs[len(evs)-1])
}

func TestStart_Idempotent(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{fn: func(ctx context.Context, tk *task.Task) error {
		<-gate
		return engine.EmitText(tk, "ok")
	}}
	o := New(WithEngine(task.EngineRPC, eng))
	defer o.Close(context.Background())

	started, err := o.Start(context.Background(), rpcReq("t1"))
	require.NoError(t, err)
	assert.True(t, started)
	started, err = o.Start(context.Background(), rpcReq("t1"))
	require.NoError(t, err)
	assert.False(t, started)
	close(gate)

	evs := collect(t, o, "t1", 0)
	submitted := 0
	for _, ev := range evs {
		if decodeStatus(t, ev).Status.State == event.StateSubmitted {
			submitted++
		}
	}
	assert.Equal(t, 1, submitted)
	assert.Equal(t, int32(1), eng.runs.Load())
	final := lastStatus(t, evs)
	assert.True(t, final.Final)
	assert.Equal(t, event.StateCompleted, final.Status.State)
	assert.Equal(t, "ok", final.Text())
}

func TestStart_Validation(t *testing.T) {
	o := New(WithEngine(task.EngineRPC, &fakeEngine{}))
	defer o.Close(context.Background())

	_, err := o.Start(context.Background(), task.Request{Engine: task.EngineRPC})
	assert.ErrorIs(t, err, task.ErrInvalidRequest)

	_, err = o.Start(context.Background(), task.Request{TaskID: "t", Engine: task.EngineCLI})
	assert.ErrorIs(t, err, ErrUnknownEngine)
	_, ok := o.Task("t")
	assert.False(t, ok)
}

func TestStart_DefaultsContextToTaskID(t *testing.T) {
	o := New(WithEngine(task.EngineRPC, &fakeEngine{}))
	defer o.Close(context.Background())

	_, err := o.Start(context.Background(), rpcReq("solo"))
	require.NoError(t, err)
	info, ok := o.Task("solo")
	require.True(t, ok)
	assert.Equal(t, "solo", info.ContextID)
}

func TestWorker_Outcomes(t *testing.T) {
	tests := []struct {
		name  string
		fn    func(ctx context.Context, tk *task.Task) error
		state event.State
		text  string
	}{
		{
			name:  "nil without finalize completes",
			fn:    func(context.Context, *task.Task) error { return nil },
			state: event.StateCompleted,
			text:  task.FallbackCompleted,
		},
		{
			name:  "error fails with message",
			fn:    func(context.Context, *task.Task) error { return errors.New("pipe broke") },
			state: event.StateFailed,
			text:  "pipe broke",
		},
		{
			name: "engine finalize is kept",
			fn: func(_ context.Context, tk *task.Task) error {
				tk.Finalize(event.StateFailed, "rate limited", nil)
				return nil
			},
			state: event.StateFailed,
			text:  "rate limited",
		},
		{
			name:  "panic fails",
			fn:    func(context.Context, *task.Task) error { panic("boom") },
			state: event.StateFailed,
			text:  "turn worker panicked: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(WithEngine(task.EngineRPC, &fakeEngine{fn: tt.fn}))
			defer o.Close(context.Background())

			_, err := o.Start(context.Background(), rpcReq("t"))
			require.NoError(t, err)
			final := lastStatus(t, collect(t, o, "t", 0))
			assert.True(t, final.Final)
			assert.Equal(t, tt.state, final.Status.State)
			assert.Equal(t, tt.text, final.Text())
		})
	}
}

func TestCancel_WinsOverCompletion(t *testing.T) {
	running := make(chan struct{})
	release := make(chan struct{})
	eng := &fakeEngine{fn: func(_ context.Context, tk *task.Task) error {
		close(running)
		<-release
		_ = engine.EmitText(tk, "done")
		tk.Finalize(event.StateCompleted, "", nil)
		return nil
	}}
	o := New(WithEngine(task.EngineRPC, eng))
	defer o.Close(context.Background())

	_, err := o.Start(context.Background(), rpcReq("t"))
	require.NoError(t, err)
	<-running

	ok, err := o.Cancel(context.Background(), "t")
	require.NoError(t, err)
	assert.True(t, ok)
	close(release)

	final := lastStatus(t, collect(t, o, "t", 0))
	assert.Equal(t, event.StateCancelled, final.Status.State)
	assert.Equal(t, int32(1), eng.cancels.Load())

	ok, err = o.Cancel(context.Background(), "t")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancel_GraceThenWorkerContext(t *testing.T) {
	stopped := make(chan time.Time, 1)
	eng := &fakeEngine{fn: func(ctx context.Context, _ *task.Task) error {
		<-ctx.Done()
		stopped <- time.Now()
		return ctx.Err()
	}}
	o := New(WithEngine(task.EngineRPC, eng), WithCancelGrace(50*time.Millisecond))
	defer o.Close(context.Background())

	_, err := o.Start(context.Background(), rpcReq("t"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return eng.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancelled := time.Now()
	ok, err := o.Cancel(context.Background(), "t")
	require.NoError(t, err)
	require.True(t, ok)

	info, _ := o.Task("t")
	assert.True(t, info.Final)
	assert.Equal(t, event.StateCancelled, info.State)

	select {
	case at := <-stopped:
		assert.GreaterOrEqual(t, at.Sub(cancelled), 40*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("worker context was not cancelled")
	}
}

func TestCancel_UnknownTask(t *testing.T) {
	o := New()
	_, err := o.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = o.Stream(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, o.SubmitAnswer("missing", "tu", nil), ErrTaskNotFound)
}

func TestStream_ReplayFromCursor(t *testing.T) {
	eng := &fakeEngine{fn: func(_ context.Context, tk *task.Task) error {
		for _, d := range []string{"a", "b", "c"} {
			if err := engine.EmitText(tk, d); err != nil {
				return err
			}
		}
		return nil
	}}
	o := New(WithEngine(task.EngineRPC, eng))
	defer o.Close(context.Background())

	_, err := o.Start(context.Background(), rpcReq("t"))
	require.NoError(t, err)
	all := collect(t, o, "t", 0)
	require.Len(t, all, 5)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.ID)
	}

	for k := int64(0); k < 5; k++ {
		assert.Equal(t, all[k:], collect(t, o, "t", k), "cursor %d", k)
	}
	assert.Empty(t, collect(t, o, "t", 5))
}

func TestStream_LiveReaderSeesEveryEvent(t *testing.T) {
	step := make(chan struct{})
	eng := &fakeEngine{fn: func(_ context.Context, tk *task.Task) error {
		for range 3 {
			<-step
			if err := engine.EmitText(tk, "x"); err != nil {
				return err
			}
		}
		return nil
	}}
	o := New(WithEngine(task.EngineRPC, eng))
	defer o.Close(context.Background())

	_, err := o.Start(context.Background(), rpcReq("t"))
	require.NoError(t, err)

	got := make(chan []task.StoredEvent, 1)
	go func() {
		seq, _ := o.Stream(context.Background(), "t", 0)
		var evs []task.StoredEvent
		for ev, err := range seq {
			if err != nil {
				break
			}
			evs = append(evs, ev)
		}
		got <- evs
	}()
	for range 3 {
		step <- struct{}{}
	}

	select {
	case evs := <-got:
		require.Len(t, evs, 5)
		assert.True(t, lastStatus(t, evs).Final)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestSubmitAnswer_RPCTaskRejected(t *testing.T) {
	gate := make(chan struct{})
	rpc := &fakeEngine{fn: func(context.Context, *task.Task) error {
		<-gate
		return nil
	}}
	o := New(
		WithEngine(task.EngineRPC, rpc),
		WithEngine(task.EngineCLI, cliengine.New()),
	)
	defer o.Close(context.Background())
	defer close(gate)

	_, err := o.Start(context.Background(), rpcReq("t"))
	require.NoError(t, err)
	before, _ := o.Task("t")

	err = o.SubmitAnswer("t", "tu_1", map[string]string{"q": "a"})
	assert.ErrorIs(t, err, ErrAnswerUnsupported)
	after, _ := o.Task("t")
	assert.Equal(t, before.Events, after.Events)
}

func TestHooks_SinkStoreMetrics(t *testing.T) {
	sink := &recordingSink{}
	store := &recordingStore{fail: true}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	eng := &fakeEngine{fn: func(_ context.Context, tk *task.Task) error {
		return engine.EmitText(tk, "hi")
	}}
	o := New(
		WithEngine(task.EngineRPC, eng),
		WithSink(sink),
		WithSessionStore(store),
		WithMetrics(m),
	)
	defer o.Close(context.Background())

	req := rpcReq("t")
	req.ContextID = "conv"
	_, err = o.Start(context.Background(), req)
	require.NoError(t, err)
	evs := collect(t, o, "t", 0)

	assert.Equal(t, []int64{1, 2, 3}, sink.get("t"))
	require.Len(t, evs, 3)
	require.Eventually(t, func() bool { return len(store.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"running conv t", "completed conv t"}, store.get())

	expected := `
# HELP taskengine_tasks_started_total Tasks accepted by Start, by engine.
# TYPE taskengine_tasks_started_total counter
taskengine_tasks_started_total{engine="rpc"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "taskengine_tasks_started_total"))
}

func TestTasks_SortedSnapshots(t *testing.T) {
	o := New(WithEngine(task.EngineRPC, &fakeEngine{}))
	defer o.Close(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		_, err := o.Start(context.Background(), rpcReq(id))
		require.NoError(t, err)
	}
	infos := o.Tasks()
	require.Len(t, infos, 3)
	for i := 1; i < len(infos); i++ {
		assert.False(t, infos[i].CreatedAt.Before(infos[i-1].CreatedAt))
	}
}

func TestClose_WaitsAndRejects(t *testing.T) {
	eng := &fakeEngine{fn: func(ctx context.Context, _ *task.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	o := New(WithEngine(task.EngineRPC, eng))

	_, err := o.Start(context.Background(), rpcReq("t"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Close(ctx))
	assert.True(t, eng.closed.Load())

	info, _ := o.Task("t")
	assert.True(t, info.Final)
	assert.Equal(t, event.StateFailed, info.State)

	_, err = o.Start(context.Background(), rpcReq("u"))
	assert.ErrorIs(t, err, ErrClosed)
}

// End to end through the CLI engine with a scripted binary.
func TestCLITurnThroughOrchestrator(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "cli")
	require.NoError(t, os.WriteFile(bin, []byte(`#!/bin/sh
read -r prompt
echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}'
echo '{"type":"result","result":"Hello world","is_error":false}'
`), 0o755))

	o := New(WithEngine(task.EngineCLI, cliengine.New(cliengine.WithBinary(bin))))
	defer o.Close(context.Background())

	_, err := o.Start(context.Background(), task.Request{TaskID: "t", Engine: task.EngineCLI, Text: "hi", Cwd: dir})
	require.NoError(t, err)
	evs := collect(t, o, "t", 0)
	require.Len(t, evs, 3)

	delta := decodeStatus(t, evs[1])
	assert.False(t, delta.Final)
	assert.Equal(t, "Hello", delta.Text())

	final := decodeStatus(t, evs[2])
	assert.True(t, final.Final)
	assert.Equal(t, event.StateCompleted, final.Status.State)
	assert.Equal(t, "Hello world", final.Text())

	var raw map[string]any
	require.NoError(t, json.Unmarshal(evs[2].Payload, &raw))
	assert.Equal(t, "t", raw["taskId"])
}
