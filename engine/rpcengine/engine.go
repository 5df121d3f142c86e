// Package rpcengine runs task turns on the codex app-server: one shared
// JSON-RPC connection, one thread per context id, one turn per task.
package rpcengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bazelment/yoloswe/taskengine/codex"
	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/task"
)

// Engine is the RPC engine adapter. It is safe for concurrent use.
type Engine struct {
	cfg     config
	logger  *slog.Logger
	client  *codex.Client
	threads map[string]string   // context id -> thread id
	loaded  map[string]struct{} // thread ids opened on the current client
	flight  singleflight.Group
	mu      sync.Mutex
}

// New returns an Engine. The app-server is started on first use.
func New(opts ...Option) *Engine {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.dial == nil {
		clientOpts := cfg.clientOpts
		if cfg.logger != nil {
			clientOpts = append([]codex.ClientOption{codex.WithLogger(cfg.logger)}, clientOpts...)
		}
		cfg.dial = func(ctx context.Context) (*codex.Client, error) {
			return codex.Spawn(ctx, clientOpts...)
		}
	}
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		threads: make(map[string]string),
		loaded:  make(map[string]struct{}),
	}
}

// Name identifies the engine.
func (e *Engine) Name() task.Engine { return task.EngineRPC }

// connect returns the live client, starting a new app-server when there is
// none or the previous one died. Threads opened on a dead client must be
// resumed on the new one.
func (e *Engine) connect(ctx context.Context) (*codex.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil && e.client.Alive() {
		return e.client, nil
	}
	if e.client != nil {
		e.logger.Warn("codex app-server connection lost, restarting", "error", e.client.Err())
	}
	client, err := e.cfg.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("start codex app-server: %w", err)
	}
	e.client = client
	e.loaded = make(map[string]struct{})
	return client, nil
}

func (e *Engine) currentClient() *codex.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// Run drives one turn for t. It returns when the turn completed (the task
// is then final) or failed.
func (e *Engine) Run(ctx context.Context, t *task.Task, req task.Request) error {
	client, err := e.connect(ctx)
	if err != nil {
		return err
	}
	if p := req.Provider; p != nil {
		if err := client.UpsertProvider(ctx, providerConfig(p)); err != nil {
			return err
		}
	}
	threadID, err := e.thread(ctx, client, req)
	if err != nil {
		return err
	}

	sub := client.Subscribe(threadID)
	defer sub.Close()

	turnID, err := client.StartTurn(ctx, codex.TurnStartParams{
		ThreadID: threadID,
		Input:    e.input(req),
		Cwd:      req.Cwd,
		Model:    req.Model,
	})
	if err != nil {
		return err
	}
	e.logger.Info("rpc turn started", "task", t.ID, "thread", threadID, "turn", turnID)
	if t.SetTurn(threadID, turnID) {
		e.logger.Info("interrupting turn cancelled before it started", "task", t.ID, "turn", turnID)
		if err := client.InterruptTurn(ctx, threadID, turnID); err != nil {
			e.logger.Warn("deferred interrupt failed", "task", t.ID, "error", err)
		}
	}

	tr := newTranslator(t, e.logger)
	for {
		n, err := sub.Next(ctx)
		if err != nil {
			return fmt.Errorf("waiting for turn %s: %w", turnID, err)
		}
		if id := n.Head().TurnID; id != "" && id != turnID {
			continue
		}
		if tr.handle(n) {
			return nil
		}
	}
}

// thread resolves the thread for req's context: the in-memory cache, then
// the thread store, resumed on the current client when needed, and
// finally a new thread. Concurrent lookups for one context share a result.
func (e *Engine) thread(ctx context.Context, client *codex.Client, req task.Request) (string, error) {
	v, err, _ := e.flight.Do(req.ContextID, func() (any, error) {
		e.mu.Lock()
		threadID := e.threads[req.ContextID]
		_, loaded := e.loaded[threadID]
		e.mu.Unlock()
		if threadID != "" && loaded {
			return threadID, nil
		}

		if threadID == "" && e.cfg.store != nil {
			stored, err := e.cfg.store.LookupThread(ctx, req.ContextID)
			if err != nil {
				e.logger.Warn("thread lookup failed", "context", req.ContextID, "error", err)
			}
			threadID = stored
		}
		if threadID != "" {
			resumed, err := client.ResumeThread(ctx, threadID)
			if err == nil {
				e.remember(req.ContextID, resumed)
				return resumed, nil
			}
			if errors.Is(err, codex.ErrClientClosed) || ctx.Err() != nil {
				return "", err
			}
			e.logger.Warn("thread resume failed, starting a new thread",
				"context", req.ContextID, "thread", threadID, "error", err)
		}

		params := codex.ThreadStartParams{
			Cwd:            req.Cwd,
			Model:          req.Model,
			ApprovalPolicy: e.cfg.approvalPolicy,
			Sandbox:        e.cfg.sandbox,
		}
		if req.Provider != nil {
			params.ModelProvider = req.Provider.ID
		}
		created, err := client.StartThread(ctx, params)
		if err != nil {
			return "", err
		}
		e.remember(req.ContextID, created)
		if e.cfg.store != nil {
			if err := e.cfg.store.SaveThread(ctx, req.ContextID, created); err != nil {
				e.logger.Warn("thread save failed", "context", req.ContextID, "error", err)
			}
		}
		return created, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Engine) remember(contextID, threadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threads[contextID] = threadID
	e.loaded[threadID] = struct{}{}
}

func (e *Engine) input(req task.Request) []codex.UserInput {
	input := []codex.UserInput{codex.TextInput(req.Text)}
	for _, img := range req.Images {
		if img.UploadID != "" && e.cfg.resolver != nil {
			if path, ok := e.cfg.resolver.Resolve(img.UploadID); ok {
				input = append(input, codex.LocalImageInput(path))
				continue
			}
		}
		if img.URL != "" {
			input = append(input, codex.ImageURLInput(img.URL))
		}
	}
	return input
}

func providerConfig(p *task.Provider) codex.ProviderConfig {
	return codex.ProviderConfig{
		ID:          p.ID,
		Name:        p.Name,
		BaseURL:     p.BaseURL,
		EnvKey:      p.EnvKey,
		RequestType: p.RequestType,
		APIVersion:  p.APIVersion,
	}
}

// Cancel interrupts t's turn when its ids are known. Otherwise the worker
// interrupts as soon as turn/start returns.
func (e *Engine) Cancel(ctx context.Context, t *task.Task) error {
	threadID, turnID := t.Turn()
	if threadID == "" || turnID == "" {
		return nil
	}
	client := e.currentClient()
	if client == nil || !client.Alive() {
		return nil
	}
	if err := client.InterruptTurn(ctx, threadID, turnID); err != nil {
		return fmt.Errorf("interrupt turn %s: %w", turnID, err)
	}
	return nil
}

// Close stops the app-server.
func (e *Engine) Close(context.Context) error {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// terminalState maps a turn status onto a task state.
func terminalState(status string) event.State {
	switch status {
	case codex.TurnStatusFailed:
		return event.StateFailed
	case codex.TurnStatusInterrupted:
		return event.StateCancelled
	default:
		return event.StateCompleted
	}
}
