// Package broadcast is the best-effort real-time side channel for task
// events: an in-process fan-out with per-subscriber buffers plus WebSocket
// delivery. Nothing here can block or fail an event append.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/taskengine/task"
)

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 256

// Message is one appended event as delivered to subscribers.
type Message struct {
	TaskID  string          `json:"taskId"`
	Payload json.RawMessage `json:"payload"`
	EventID int64           `json:"eventId"`
}

type subscriber struct {
	ch     chan Message
	taskID string
}

// Broadcaster fans out published events to subscribers. Each subscriber has
// its own buffered channel; when a subscriber falls behind, its oldest
// event is dropped.
type Broadcaster struct {
	logger      *slog.Logger
	onDrop      func(n int)
	subscribers map[int]*subscriber
	mu          sync.RWMutex
	nextID      int
	closed      bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the broadcaster logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithDropHook is called with the number of events dropped for a lagging
// subscriber.
func WithDropHook(fn func(n int)) Option {
	return func(b *Broadcaster) { b.onDrop = fn }
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		logger:      nopLogger,
		subscribers: make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates a subscriber with the given buffer size. A non-empty
// taskID restricts delivery to that task. The channel is closed by
// Unsubscribe or Close.
func (b *Broadcaster) Subscribe(taskID string, bufSize int) (int, <-chan Message) {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Message, bufSize)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = &subscriber{ch: ch, taskID: taskID}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish implements the orchestrator sink. It never blocks.
func (b *Broadcaster) Publish(taskID string, ev task.StoredEvent) {
	b.broadcast(Message{TaskID: taskID, EventID: ev.ID, Payload: ev.Payload})
}

func (b *Broadcaster) broadcast(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for id, sub := range b.subscribers {
		if sub.taskID != "" && sub.taskID != msg.TaskID {
			continue
		}
		select {
		case sub.ch <- msg:
			continue
		default:
		}
		// Channel full: drop oldest then send.
		select {
		case <-sub.ch:
			dropped++
			b.logger.Warn("broadcaster dropping oldest event", "subscriber", id)
		default:
		}
		select {
		case sub.ch <- msg:
		default:
			dropped++
			b.logger.Warn("broadcaster could not deliver event", "subscriber", id)
		}
	}
	if dropped > 0 && b.onDrop != nil {
		b.onDrop(dropped)
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels. Later subscriptions are closed
// immediately and later publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
