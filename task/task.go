// Package task holds the task registry, per-task mutable state and the
// per-task event log with cursor-based replay.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/taskengine/event"
)

// Fallback terminal messages used when a turn produced no assistant text.
const (
	FallbackCompleted = "completed, no text output"
	FallbackFailed    = "failed"
	FallbackCancelled = "cancelled"
)

// StoredEvent is one entry of a task's event log.
type StoredEvent struct {
	Payload json.RawMessage `json:"payload"`
	ID      int64           `json:"id"`
}

// Hooks observe task activity. OnAppend runs while the task lock is held
// and must not block. OnFinal runs after the lock is released, once per
// task.
type Hooks struct {
	OnAppend func(t *Task, ev StoredEvent, kind event.Kind)
	OnFinal  func(t *Task, state event.State)
}

// Task is the mutable state of one orchestrated turn.
//
// The process handle and its input stream are owned by the turn worker:
// only the worker calls AttachProcess, DetachProcess and CloseInput.
// Other callers only read the handle through SignalProcess or write through
// WriteInput.
type Task struct {
	createdAt time.Time
	usage     any
	proc      *os.Process
	stdin     io.WriteCloser
	wake      chan struct{}
	hooks     Hooks

	ID             string
	ContextID      string
	Cwd            string
	Engine         Engine
	UserMessageID  string
	AgentMessageID string

	state      event.State
	diff       string
	threadID   string
	turnID     string
	text       strings.Builder
	reasoning  strings.Builder
	toolOutput strings.Builder
	events     []StoredEvent

	mu              sync.Mutex
	final           bool
	cancelRequested bool
}

func newTask(req Request, hooks Hooks) *Task {
	return &Task{
		ID:             req.TaskID,
		ContextID:      req.ContextID,
		Cwd:            req.Cwd,
		Engine:         req.Engine,
		UserMessageID:  req.UserMessageID,
		AgentMessageID: req.AgentMessageID,
		createdAt:      time.Now(),
		state:          event.StateSubmitted,
		wake:           make(chan struct{}),
		hooks:          hooks,
	}
}

// State returns the current lifecycle state.
func (t *Task) State() event.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Final reports whether the task reached a terminal state.
func (t *Task) Final() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}

// Append stores ev as the next event and wakes blocked readers.
func (t *Task) Append(ev event.Event) (StoredEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final {
		return StoredEvent{}, ErrFinalized
	}
	return t.appendLocked(ev)
}

func (t *Task) appendLocked(ev event.Event) (StoredEvent, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("marshal event: %w", err)
	}
	stored := StoredEvent{ID: int64(len(t.events)) + 1, Payload: payload}
	t.events = append(t.events, stored)
	close(t.wake)
	t.wake = make(chan struct{})
	if t.hooks.OnAppend != nil {
		t.hooks.OnAppend(t, stored, ev.EventKind())
	}
	return stored, nil
}

// Since returns a copy of the events with id > afterID, whether the task is
// final, and the wake channel that is closed on the next append. All three
// are read atomically so a caller that waits on the returned channel never
// misses an append.
func (t *Task) Since(afterID int64) ([]StoredEvent, bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if afterID < 0 {
		afterID = 0
	}
	var batch []StoredEvent
	if afterID < int64(len(t.events)) {
		batch = make([]StoredEvent, len(t.events)-int(afterID))
		copy(batch, t.events[afterID:])
	}
	return batch, t.final, t.wake
}

// Events yields stored events with id > afterID: first the backlog, then
// new events as they are appended. The sequence ends after the final event,
// when the consumer stops, or when ctx is done (the last pair then carries
// ctx.Err()).
func (t *Task) Events(ctx context.Context, afterID int64) iter.Seq2[StoredEvent, error] {
	return func(yield func(StoredEvent, error) bool) {
		cursor := afterID
		for {
			batch, final, wake := t.Since(cursor)
			for _, ev := range batch {
				if !yield(ev, nil) {
					return
				}
				cursor = ev.ID
			}
			if final {
				return
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				yield(StoredEvent{}, ctx.Err())
				return
			case <-wake:
			}
		}
	}
}

// Len returns the number of stored events.
func (t *Task) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// MarkWorking moves a submitted task to working. It reports whether the
// state changed.
func (t *Task) MarkWorking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final || t.state != event.StateSubmitted {
		return false
	}
	t.state = event.StateWorking
	return true
}

// AppendText appends to the assistant text buffer and returns the full text.
func (t *Task) AppendText(delta string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text.WriteString(delta)
	return t.text.String()
}

// SetText replaces the assistant text buffer.
func (t *Task) SetText(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text.Reset()
	t.text.WriteString(text)
}

// Text returns the accumulated assistant text.
func (t *Task) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// AppendReasoning appends to the reasoning buffer. first is true when the
// buffer was empty before this call.
func (t *Task) AppendReasoning(delta string) (full string, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first = t.reasoning.Len() == 0
	t.reasoning.WriteString(delta)
	return t.reasoning.String(), first
}

// SetReasoning replaces the reasoning buffer.
func (t *Task) SetReasoning(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reasoning.Reset()
	t.reasoning.WriteString(text)
}

// Reasoning returns the accumulated reasoning text.
func (t *Task) Reasoning() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reasoning.String()
}

// AppendToolOutput appends raw tool output. first is true when the buffer
// was empty before this call.
func (t *Task) AppendToolOutput(chunk string) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first = t.toolOutput.Len() == 0
	t.toolOutput.WriteString(chunk)
	return first
}

// ToolOutput returns the accumulated raw tool output.
func (t *Task) ToolOutput() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toolOutput.String()
}

// ResetBuffers clears text, reasoning, tool output, diff and usage. Used
// before retrying a turn so no residue of the failed attempt survives.
func (t *Task) ResetBuffers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text.Reset()
	t.reasoning.Reset()
	t.toolOutput.Reset()
	t.diff = ""
	t.usage = nil
}

// SetDiff replaces the diff snapshot.
func (t *Task) SetDiff(diff string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.diff = diff
}

// Diff returns the last diff snapshot.
func (t *Task) Diff() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.diff
}

// SetUsage replaces the token-usage snapshot.
func (t *Task) SetUsage(usage any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = usage
}

// Usage returns the last token-usage snapshot.
func (t *Task) Usage() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// SetTurn records the RPC thread and turn ids. It returns true when
// cancellation was requested before the ids were known, in which case the
// caller must interrupt the turn itself.
func (t *Task) SetTurn(threadID, turnID string) (cancelRequested bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threadID = threadID
	t.turnID = turnID
	return t.cancelRequested
}

// Turn returns the RPC thread and turn ids.
func (t *Task) Turn() (threadID, turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID, t.turnID
}

// RequestCancel sets the cancellation flag. It returns false when the task
// is already final.
func (t *Task) RequestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final {
		return false
	}
	t.cancelRequested = true
	return true
}

// CancelRequested reports whether cancellation was requested.
func (t *Task) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

// AttachProcess records the live subprocess and its input stream. It
// returns ErrCancelRequested when the task was cancelled before the process
// started; the caller still owns the process and must kill it.
func (t *Task) AttachProcess(p *os.Process, stdin io.WriteCloser) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proc = p
	t.stdin = stdin
	if t.cancelRequested {
		return ErrCancelRequested
	}
	return nil
}

// DetachProcess forgets the process handle and input stream.
func (t *Task) DetachProcess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proc = nil
	t.stdin = nil
}

// SignalProcess calls fn with the live process handle, if any. fn runs
// without the task lock held.
func (t *Task) SignalProcess(fn func(p *os.Process) error) error {
	t.mu.Lock()
	p := t.proc
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	return fn(p)
}

// HasInput reports whether a live input stream is attached.
func (t *Task) HasInput() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdin != nil
}

// WriteInput writes one line to the live input stream. Writes are
// serialized by the task lock.
func (t *Task) WriteInput(line []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin == nil {
		return ErrNoInput
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if _, err := t.stdin.Write(line); err != nil {
		return fmt.Errorf("write task input: %w", err)
	}
	return nil
}

// CloseInput closes the input stream and detaches it, leaving the process
// handle in place.
func (t *Task) CloseInput() error {
	t.mu.Lock()
	stdin := t.stdin
	t.stdin = nil
	t.mu.Unlock()
	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// Finalize moves the task to a terminal state and appends the final status
// event. Only the first call wins; later calls return false. A pending
// cancellation request overrides state with cancelled.
//
// The terminal message is text when non-empty, else the accumulated
// assistant text, else cause's message, else the state's fallback.
func (t *Task) Finalize(state event.State, text string, cause error) bool {
	t.mu.Lock()
	if t.final {
		t.mu.Unlock()
		return false
	}
	if t.cancelRequested {
		state = event.StateCancelled
	}
	if !state.Terminal() {
		state = event.StateFailed
	}
	msg := text
	if msg == "" {
		msg = t.text.String()
	}
	if msg == "" && cause != nil && state != event.StateCancelled {
		msg = cause.Error()
	}
	if msg == "" {
		msg = fallbackText(state)
	}
	t.state = state
	ev := event.NewStatus(t.ID, t.ContextID, state, event.RoleAgent, t.AgentMessageID, msg, true)
	// Marshal of a status update cannot fail; the final flag below ends the
	// log either way.
	_, _ = t.appendLocked(ev)
	t.final = true
	close(t.wake)
	t.wake = make(chan struct{})
	onFinal := t.hooks.OnFinal
	t.mu.Unlock()

	if onFinal != nil {
		onFinal(t, state)
	}
	return true
}

func fallbackText(state event.State) string {
	switch state {
	case event.StateCompleted:
		return FallbackCompleted
	case event.StateCancelled:
		return FallbackCancelled
	default:
		return FallbackFailed
	}
}

// Info is a point-in-time summary of a task.
type Info struct {
	CreatedAt time.Time   `json:"createdAt"`
	ID        string      `json:"taskId"`
	ContextID string      `json:"contextId"`
	Engine    Engine      `json:"engine"`
	State     event.State `json:"state"`
	ThreadID  string      `json:"threadId,omitempty"`
	TurnID    string      `json:"turnId,omitempty"`
	Events    int         `json:"events"`
	Final     bool        `json:"final"`
}

// Info returns a snapshot of the task.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		CreatedAt: t.createdAt,
		ID:        t.ID,
		ContextID: t.ContextID,
		Engine:    t.Engine,
		State:     t.state,
		ThreadID:  t.threadID,
		TurnID:    t.turnID,
		Events:    len(t.events),
		Final:     t.final,
	}
}
