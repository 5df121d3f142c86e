package codex

import (
	"context"
	"encoding/json"
	"sync"
)

type rawNotification struct {
	method string
	params json.RawMessage
}

// Subscription is an unbounded queue of notifications for one thread.
// Delivery never blocks the client's read loop.
type Subscription struct {
	client   *Client
	err      error
	signal   chan struct{}
	threadID string
	queue    []rawNotification
	mu       sync.Mutex
	closed   bool
}

func newSubscription(c *Client, threadID string) *Subscription {
	return &Subscription{client: c, threadID: threadID, signal: make(chan struct{}, 1)}
}

func (s *Subscription) push(n rawNotification) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next returns the next notification. Queued notifications are delivered
// before the error of a closed connection.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			n := s.queue[0]
			s.queue[0] = rawNotification{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ParseNotification(n.method, n.params), nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClientClosed
		}
		if err := s.err; err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.signal:
		}
	}
}

// Close stops delivery and drops queued notifications.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.client.unsubscribe(s)
	s.wake()
}
