package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Handler upgrades requests to WebSocket connections that receive every
// published message as a JSON text frame. The "task" query parameter
// restricts the stream to one task.
func Handler(b *Broadcaster, bufSize int, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = nopLogger
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		id, ch := b.Subscribe(r.URL.Query().Get("task"), bufSize)
		defer b.Unsubscribe(id)

		// Reads only detect the peer going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case msg, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(writeTimeout))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug("websocket write failed", "error", err)
					return
				}
			}
		}
	})
}

// Publisher pushes every published message to a remote WebSocket endpoint,
// reconnecting with backoff. Messages published while disconnected are
// buffered up to the subscription size, then dropped oldest first.
type Publisher struct {
	b       *Broadcaster
	logger  *slog.Logger
	dialer  *websocket.Dialer
	header  http.Header
	url     string
	bufSize int
	backoff time.Duration
	maxWait time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// WithHeader sets headers sent on the handshake, e.g. authorization.
func WithHeader(h http.Header) PublisherOption {
	return func(p *Publisher) { p.header = h }
}

// WithBuffer sets the subscription buffer.
func WithBuffer(n int) PublisherOption {
	return func(p *Publisher) { p.bufSize = n }
}

// WithBackoff sets the initial and maximum reconnect delay.
func WithBackoff(initial, max time.Duration) PublisherOption {
	return func(p *Publisher) { p.backoff, p.maxWait = initial, max }
}

// NewPublisher returns a publisher for url fed by b.
func NewPublisher(b *Broadcaster, url string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		b:       b,
		url:     url,
		logger:  nopLogger,
		dialer:  websocket.DefaultDialer,
		bufSize: DefaultBuffer,
		backoff: 500 * time.Millisecond,
		maxWait: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run delivers messages until ctx is done or the broadcaster closes.
func (p *Publisher) Run(ctx context.Context) error {
	id, ch := p.b.Subscribe("", p.bufSize)
	defer p.b.Unsubscribe(id)

	wait := p.backoff
	for {
		conn, _, err := p.dialer.DialContext(ctx, p.url, p.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("broadcast endpoint unreachable", "url", p.url, "retry_in", wait, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait = min(wait*2, p.maxWait)
			continue
		}
		wait = p.backoff
		p.logger.Info("broadcast endpoint connected", "url", p.url)
		done, err := p.pump(ctx, conn, ch)
		_ = conn.Close()
		if done {
			return err
		}
		p.logger.Warn("broadcast connection lost", "url", p.url, "error", err)
	}
}

// pump writes messages to conn. done reports that Run should return.
func (p *Publisher) pump(ctx context.Context, conn *websocket.Conn, ch <-chan Message) (done bool, err error) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return false, err
			}
		}
	}
}
