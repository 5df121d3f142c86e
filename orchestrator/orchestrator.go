// Package orchestrator is the public task API: it registers tasks, runs
// each turn on a background worker against the chosen engine, serves the
// event log to streaming callers, and routes cancellation and mid-turn
// answers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/metrics"
	"github.com/bazelment/yoloswe/taskengine/task"
	"github.com/bazelment/yoloswe/taskengine/tracing"
)

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrUnknownEngine is returned by Start when no engine is registered
	// under the requested name.
	ErrUnknownEngine = errors.New("engine not configured")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrAnswerUnsupported is returned by SubmitAnswer for tasks whose
	// engine cannot take mid-turn input.
	ErrAnswerUnsupported = errors.New("task engine does not accept answers")
	// ErrWorkerPanic wraps a panic recovered from a turn worker.
	ErrWorkerPanic = errors.New("turn worker panicked")
)

const (
	defaultCancelGrace  = 5 * time.Second
	storeWriteTimeout   = 5 * time.Second
	engineCancelTimeout = 10 * time.Second
)

// Engine runs turns for one engine kind.
type Engine interface {
	// Run drives t to completion. A nil return with t not final is
	// treated as completed; an error fails the task.
	Run(ctx context.Context, t *task.Task, req task.Request) error
	// Cancel stops t's turn: an interrupt or a process kill.
	Cancel(ctx context.Context, t *task.Task) error
	Close(ctx context.Context) error
}

// AnswerSubmitter is implemented by engines that accept answers mid-turn.
type AnswerSubmitter interface {
	SubmitAnswer(t *task.Task, toolUseID string, answers map[string]string) error
}

// Sink receives every appended event. Publish must not block.
type Sink interface {
	Publish(taskID string, ev task.StoredEvent)
}

// SessionStore is notified when a task starts and when it finishes.
type SessionStore interface {
	MarkRunning(ctx context.Context, contextID, taskID string) error
	MarkFinished(ctx context.Context, contextID, taskID string, state event.State) error
}

// Orchestrator owns the task registry and the turn workers.
type Orchestrator struct {
	baseCtx    context.Context
	stop       context.CancelFunc
	logger     *slog.Logger
	engines    map[task.Engine]Engine
	sinks      []Sink
	store      SessionStore
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	registry   *task.Registry
	cancels    sync.Map // task id -> context.CancelFunc
	wg         sync.WaitGroup
	grace      time.Duration
	closeMu    sync.RWMutex
	closed     bool
	closeOnce  sync.Once
	closeError error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEngine registers e under name.
func WithEngine(name task.Engine, e Engine) Option {
	return func(o *Orchestrator) { o.engines[name] = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSink adds an event sink. Sinks see events in append order per task.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

// WithSessionStore sets the session-state store.
func WithSessionStore(s SessionStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer used for turn spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithCancelGrace sets how long a cancelled worker may keep running
// before its context is cancelled.
func WithCancelGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// New creates an orchestrator.
func New(opts ...Option) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		baseCtx: ctx,
		stop:    stop,
		logger:  nopLogger,
		engines: make(map[task.Engine]Engine),
		tracer:  noop.NewTracerProvider().Tracer(tracing.InstrumentationName),
		grace:   defaultCancelGrace,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.registry = task.NewRegistry(task.Hooks{
		OnAppend: o.onAppend,
		OnFinal:  o.onFinal,
	})
	return o
}

func (o *Orchestrator) onAppend(t *task.Task, ev task.StoredEvent, kind event.Kind) {
	o.metrics.EventAppended(string(kind))
	for _, s := range o.sinks {
		s.Publish(t.ID, ev)
	}
}

func (o *Orchestrator) onFinal(t *task.Task, state event.State) {
	info := t.Info()
	o.metrics.TaskFinished(string(t.Engine), string(state), time.Since(info.CreatedAt))
	o.logger.Info("task finished", "task", t.ID, "context", t.ContextID, "state", state)
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := o.store.MarkFinished(ctx, t.ContextID, t.ID, state); err != nil {
		o.logger.Warn("session store update failed", "context", t.ContextID, "task", t.ID, "error", err)
	}
}

// Start registers and begins the task described by req. It returns false
// without side effects when a task with the same id already exists.
func (o *Orchestrator) Start(ctx context.Context, req task.Request) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	req.Normalize()
	eng, ok := o.engines[req.Engine]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEngine, req.Engine)
	}

	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return false, ErrClosed
	}

	t, created := o.registry.Create(req)
	if !created {
		return false, nil
	}
	o.metrics.TaskStarted(string(req.Engine))
	o.logger.Info("task started", "task", t.ID, "context", t.ContextID, "engine", req.Engine)

	if o.store != nil {
		if err := o.store.MarkRunning(ctx, req.ContextID, req.TaskID); err != nil {
			o.logger.Warn("session store update failed", "context", req.ContextID, "task", req.TaskID, "error", err)
		}
	}

	workerCtx, cancel := context.WithCancel(o.baseCtx)
	o.cancels.Store(t.ID, cancel)
	o.wg.Add(1)
	go o.work(workerCtx, eng, t, req)
	return true, nil
}

func (o *Orchestrator) work(ctx context.Context, eng Engine, t *task.Task, req task.Request) {
	defer o.wg.Done()
	defer func() {
		if v, ok := o.cancels.LoadAndDelete(t.ID); ok {
			v.(context.CancelFunc)()
		}
	}()

	ctx, span := o.tracer.Start(ctx, tracing.SpanTaskRun,
		trace.WithAttributes(tracing.TaskAttributes(t.ID, t.ContextID, string(t.Engine))...))
	defer span.End()

	err := o.runEngine(ctx, eng, t, req)
	if err != nil {
		span.RecordError(err)
		if !t.CancelRequested() {
			o.logger.Warn("turn failed", "task", t.ID, "error", err)
		}
		t.Finalize(event.StateFailed, "", err)
	} else if !t.Final() {
		t.Finalize(event.StateCompleted, "", nil)
	}

	state := t.State()
	span.SetAttributes(attribute.String(tracing.AttrState, string(state)))
	if state == event.StateFailed {
		span.SetStatus(codes.Error, "task failed")
	}
}

func (o *Orchestrator) runEngine(ctx context.Context, eng Engine, t *task.Task, req task.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("turn worker panic", "task", t.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return eng.Run(ctx, t, req)
}

// Stream returns the events of taskID with id greater than afterID. The
// sequence ends after the final event or when ctx is done.
func (o *Orchestrator) Stream(ctx context.Context, taskID string, afterID int64) (iter.Seq2[task.StoredEvent, error], error) {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.Events(ctx, afterID), nil
}

// Cancel cancels taskID. It returns false when the task is already final.
// The cancellation flag is set before the engine is signalled, so the
// task always ends cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (bool, error) {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !t.RequestCancel() {
		return false, nil
	}

	ctx, span := o.tracer.Start(ctx, tracing.SpanTaskCancel,
		trace.WithAttributes(tracing.TaskAttributes(t.ID, t.ContextID, string(t.Engine))...))
	defer span.End()

	if eng, ok := o.engines[t.Engine]; ok {
		cctx, cancel := context.WithTimeout(ctx, engineCancelTimeout)
		if err := eng.Cancel(cctx, t); err != nil {
			span.RecordError(err)
			o.logger.Warn("engine cancel failed", "task", t.ID, "error", err)
		}
		cancel()
	}
	t.Finalize(event.StateCancelled, "", nil)

	if v, ok := o.cancels.Load(t.ID); ok {
		time.AfterFunc(o.grace, v.(context.CancelFunc))
	}
	return true, nil
}

// SubmitAnswer injects answers for toolUseID into taskID's live turn. It
// fails without writing or appending anything when the task's engine does
// not take mid-turn input.
func (o *Orchestrator) SubmitAnswer(taskID, toolUseID string, answers map[string]string) error {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	sub, ok := o.engines[t.Engine].(AnswerSubmitter)
	if !ok || t.Engine != task.EngineCLI {
		return fmt.Errorf("%w: task %s uses %s", ErrAnswerUnsupported, taskID, t.Engine)
	}
	return sub.SubmitAnswer(t, toolUseID, answers)
}

// Task returns a snapshot of taskID.
func (o *Orchestrator) Task(taskID string) (task.Info, bool) {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return task.Info{}, false
	}
	return t.Info(), true
}

// Tasks returns snapshots of all tasks, oldest first.
func (o *Orchestrator) Tasks() []task.Info {
	var out []task.Info
	o.registry.Range(func(t *task.Task) bool {
		out = append(out, t.Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close rejects new tasks, waits for running workers until ctx is done,
// then cancels the rest and stops the engines.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.closeMu.Lock()
		o.closed = true
		o.closeMu.Unlock()

		done := make(chan struct{})
		go func() { o.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			o.stop()
			<-done
		}
		o.stop()

		var errs []error
		for name, eng := range o.engines {
			if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
				errs = append(errs, fmt.Errorf("close %s engine: %w", name, err))
			}
		}
		o.closeError = errors.Join(errs...)
	})
	return o.closeError
}
