// Package codex is a JSON-RPC client for the codex app-server: thread and
// turn lifecycle, provider configuration and push notifications routed per
// thread.
package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Client speaks JSON-RPC to one app-server connection. All methods are safe
// for concurrent use.
type Client struct {
	w         io.Writer
	enc       *json.Encoder
	closer    func() error
	logger    *slog.Logger
	pending   map[int64]chan rpcResult
	subs      map[string]map[*Subscription]struct{}
	providers map[string]struct{}
	done      chan struct{}
	readDone  chan struct{}
	err       error
	config    ClientConfig
	idGen     idGenerator
	writeMu   sync.Mutex
	mu        sync.Mutex
	closeOnce sync.Once
	closed    bool
}

type rpcResult struct {
	err    error
	result json.RawMessage
}

// NewClient starts a client reading messages from r and writing to w. The
// caller performs the handshake with Initialize. closer, when non-nil, is
// called once from Close to release the transport.
func NewClient(r io.Reader, w io.Writer, closer func() error, opts ...ClientOption) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	c := &Client{
		w:         w,
		enc:       json.NewEncoder(w),
		closer:    closer,
		logger:    logger,
		config:    cfg,
		pending:   make(map[int64]chan rpcResult),
		subs:      make(map[string]map[*Subscription]struct{}),
		providers: make(map[string]struct{}),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Alive reports whether the connection is still usable.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close ends the connection, failing pending requests and closing every
// subscription.
func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	var err error
	c.closeOnce.Do(func() {
		if c.closer != nil {
			err = c.closer()
		}
	})
	return err
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	subs := c.subs
	c.subs = make(map[string]map[*Subscription]struct{})
	close(c.done)
	c.mu.Unlock()

	failure := fmt.Errorf("%w: %v", ErrClientClosed, cause)
	if errors.Is(cause, ErrClientClosed) {
		failure = cause
	}
	for _, ch := range pending {
		ch <- rpcResult{err: failure}
	}
	for _, set := range subs {
		for s := range set {
			s.fail(failure)
		}
	}
}

func (c *Client) readLoop(r io.Reader) {
	defer close(c.readDone)
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			c.handleMessage(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = &ProcessError{Message: "app-server closed its output"}
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) handleMessage(line []byte) {
	var base struct {
		ID     json.RawMessage `json:"id,omitempty"`
		Method string          `json:"method,omitempty"`
		Params json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		c.logger.Warn("dropping malformed app-server message",
			"error", &ProtocolError{Message: "parse message", Line: string(line), Cause: err})
		return
	}
	hasID := len(base.ID) > 0 && string(base.ID) != "null"
	switch {
	case base.Method != "" && hasID:
		c.handleServerRequest(base.ID, base.Method, base.Params)
	case hasID:
		c.handleResponse(line)
	case base.Method != "":
		c.handleNotification(base.Method, base.Params)
	}
}

func (c *Client) handleResponse(line []byte) {
	var resp struct {
		Error  *jsonrpcError   `json:"error,omitempty"`
		Result json.RawMessage `json:"result,omitempty"`
		ID     int64           `json:"id"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		c.logger.Warn("dropping malformed app-server response", "error", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", "id", resp.ID)
		return
	}
	res := rpcResult{result: resp.Result}
	if resp.Error != nil {
		res.err = &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	ch <- res
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	h := parseHeader(method, params)
	raw := rawNotification{method: method, params: params}
	c.mu.Lock()
	targets := make([]*Subscription, 0, len(c.subs[h.ThreadID])+len(c.subs[""]))
	for s := range c.subs[h.ThreadID] {
		targets = append(targets, s)
	}
	if h.ThreadID != "" {
		for s := range c.subs[""] {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		c.logger.Debug("notification without subscriber", "method", method, "thread", h.ThreadID)
	}
	for _, s := range targets {
		s.push(raw)
	}
}

// handleServerRequest answers requests initiated by the app-server. Tasks
// run unattended, so approvals get the configured decision and user-input
// requests get empty answers.
func (c *Client) handleServerRequest(id json.RawMessage, method string, params json.RawMessage) {
	var resp *jsonrpcResponse
	var err error
	switch method {
	case MethodCommandApproval, MethodFileChangeApproval:
		resp, err = newResponse(id, map[string]string{"decision": c.config.Decision})
	case MethodLegacyExecApproval, MethodLegacyPatchApproval:
		resp, err = newResponse(id, map[string]string{"decision": legacyDecision(c.config.Decision)})
	case MethodRequestUserInput:
		resp, err = newResponse(id, map[string]any{"answers": map[string]any{}})
	default:
		resp = newErrorResponse(id, ErrCodeMethodNotFound, "unsupported server request: "+method)
	}
	if err != nil {
		resp = newErrorResponse(id, ErrCodeInternalError, err.Error())
	}
	c.logger.Debug("answered server request", "method", method, "thread", parseHeader(method, params).ThreadID)
	if err := c.write(resp); err != nil {
		c.logger.Warn("failed to answer server request", "method", method, "error", err)
	}
}

// legacyDecision maps v2 decisions onto the legacy review vocabulary.
func legacyDecision(decision string) string {
	switch decision {
	case "accept":
		return "approved"
	case "acceptForSession":
		return "approved_for_session"
	case "decline":
		return "denied"
	case "cancel":
		return "abort"
	default:
		return decision
	}
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.Alive() {
		return c.closedErr()
	}
	if err := c.enc.Encode(v); err != nil {
		return &ProcessError{Message: "write to app-server", Cause: err}
	}
	return nil
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil && !errors.Is(err, ErrClientClosed) {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	return ErrClientClosed
}

// Call sends a request and decodes its result into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.idGen.Next()
	req, err := newRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("%s: marshal params: %w", method, err)
	}
	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closedErr()
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.forget(id)
		return err
	}

	var timeout <-chan time.Time
	if c.config.RequestTimeout > 0 {
		timer := time.NewTimer(c.config.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.err != nil {
			var rpcErr *RPCError
			if errors.As(res.err, &rpcErr) {
				rpcErr.Method = method
			}
			return res.err
		}
		if out == nil || len(res.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.result, out); err != nil {
			return &ProtocolError{Message: method + ": decode result", Line: string(res.result), Cause: err}
		}
		return nil
	case <-timeout:
		c.forget(id)
		return fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends a notification.
func (c *Client) Notify(method string, params any) error {
	n, err := newNotification(method, params)
	if err != nil {
		return fmt.Errorf("%s: marshal params: %w", method, err)
	}
	return c.write(n)
}

// Subscribe returns a subscription receiving notifications for threadID.
// An empty threadID receives every notification.
func (c *Client) Subscribe(threadID string) *Subscription {
	s := newSubscription(c, threadID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.fail(c.closedErrLocked())
		return s
	}
	set := c.subs[threadID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		c.subs[threadID] = set
	}
	set[s] = struct{}{}
	return s
}

func (c *Client) closedErrLocked() error {
	if c.err != nil && !errors.Is(c.err, ErrClientClosed) {
		return fmt.Errorf("%w: %v", ErrClientClosed, c.err)
	}
	return ErrClientClosed
}

func (c *Client) unsubscribe(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.subs[s.threadID]
	delete(set, s)
	if len(set) == 0 {
		delete(c.subs, s.threadID)
	}
}
