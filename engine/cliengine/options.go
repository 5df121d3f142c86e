package cliengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/bazelment/yoloswe/taskengine/engine"
	"github.com/bazelment/yoloswe/taskengine/sessionlock"
)

// SessionRegistry records which CLI session ids exist so a later turn can
// resume them, including after a restart.
type SessionRegistry interface {
	HasSession(ctx context.Context, sessionID string) (bool, error)
	SaveSession(ctx context.Context, sessionID, contextID string) error
}

// Retry reasons passed to the retry hook.
const (
	RetrySessionNotFound = "session_not_found"
	RetryNoOutput        = "no_output"
)

const (
	defaultBinary    = "claude"
	defaultWaitDelay = 2 * time.Second
	stderrTailLines  = 20
)

type config struct {
	logger    *slog.Logger
	registry  SessionRegistry
	resolver  engine.UploadResolver
	locks     *sessionlock.Manager
	onRetry   func(reason string)
	env       map[string]string
	binary    string
	extraArgs []string
	waitDelay time.Duration
}

func defaultConfig() config {
	return config{
		binary:    defaultBinary,
		waitDelay: defaultWaitDelay,
	}
}

// Option configures an Engine.
type Option func(*config)

// WithBinary sets the CLI executable.
func WithBinary(path string) Option {
	return func(c *config) { c.binary = path }
}

// WithExtraArgs appends arguments after the generated ones.
func WithExtraArgs(args ...string) Option {
	return func(c *config) { c.extraArgs = append(c.extraArgs, args...) }
}

// WithEnv adds environment variables to the CLI process.
func WithEnv(env map[string]string) Option {
	return func(c *config) { c.env = env }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSessionRegistry persists known session ids.
func WithSessionRegistry(r SessionRegistry) Option {
	return func(c *config) { c.registry = r }
}

// WithUploadResolver resolves image upload ids to local paths that are
// listed in the prompt instead of the remote URL.
func WithUploadResolver(r engine.UploadResolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithLocks shares a session lock manager.
func WithLocks(m *sessionlock.Manager) Option {
	return func(c *config) { c.locks = m }
}

// WithRetryHook is called once per fresh-session retry.
func WithRetryHook(fn func(reason string)) Option {
	return func(c *config) { c.onRetry = fn }
}

// WithWaitDelay bounds how long a killed CLI may keep its pipes open.
func WithWaitDelay(d time.Duration) Option {
	return func(c *config) { c.waitDelay = d }
}
