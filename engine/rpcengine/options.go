package rpcengine

import (
	"context"
	"log/slog"

	"github.com/bazelment/yoloswe/taskengine/codex"
	"github.com/bazelment/yoloswe/taskengine/engine"
)

// ThreadStore persists the thread id chosen for each context id so a
// conversation survives an engine restart.
type ThreadStore interface {
	LookupThread(ctx context.Context, contextID string) (threadID string, err error)
	SaveThread(ctx context.Context, contextID, threadID string) error
}

// DialFunc connects to an app-server. The returned client has completed
// its handshake.
type DialFunc func(ctx context.Context) (*codex.Client, error)

type config struct {
	logger         *slog.Logger
	store          ThreadStore
	resolver       engine.UploadResolver
	dial           DialFunc
	approvalPolicy string
	sandbox        string
	clientOpts     []codex.ClientOption
}

// Option configures an Engine.
type Option func(*config)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithThreadStore persists thread ids.
func WithThreadStore(s ThreadStore) Option {
	return func(c *config) { c.store = s }
}

// WithUploadResolver resolves image upload ids to local files.
func WithUploadResolver(r engine.UploadResolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithClientOptions configures the spawned app-server client.
func WithClientOptions(opts ...codex.ClientOption) Option {
	return func(c *config) { c.clientOpts = append(c.clientOpts, opts...) }
}

// WithDialer replaces spawning the app-server.
func WithDialer(d DialFunc) Option {
	return func(c *config) { c.dial = d }
}

// WithApprovalPolicy sets the approval policy of new threads.
func WithApprovalPolicy(policy string) Option {
	return func(c *config) { c.approvalPolicy = policy }
}

// WithSandbox sets the sandbox mode of new threads.
func WithSandbox(mode string) Option {
	return func(c *config) { c.sandbox = mode }
}
