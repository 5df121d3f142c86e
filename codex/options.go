package codex

import (
	"log/slog"
	"time"
)

// Default client settings.
const (
	DefaultBinary         = "codex"
	DefaultRequestTimeout = 90 * time.Second
	DefaultClientName     = "taskengine"
	DefaultClientVersion  = "1.0.0"
	DefaultDecision       = "accept"
)

// ClientConfig holds app-server client configuration.
type ClientConfig struct {
	Logger         *slog.Logger
	Env            map[string]string
	Binary         string
	ClientName     string
	ClientVersion  string
	Decision       string
	Args           []string
	RequestTimeout time.Duration
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		Binary:         DefaultBinary,
		Args:           []string{"app-server"},
		ClientName:     DefaultClientName,
		ClientVersion:  DefaultClientVersion,
		Decision:       DefaultDecision,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// ClientOption configures a Client.
type ClientOption func(*ClientConfig)

// WithBinary sets the app-server binary.
func WithBinary(path string) ClientOption {
	return func(c *ClientConfig) { c.Binary = path }
}

// WithArgs sets the app-server arguments.
func WithArgs(args ...string) ClientOption {
	return func(c *ClientConfig) { c.Args = args }
}

// WithEnv adds environment variables for the app-server process.
func WithEnv(env map[string]string) ClientOption {
	return func(c *ClientConfig) { c.Env = env }
}

// WithClientInfo sets the name and version sent in initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *ClientConfig) {
		c.ClientName = name
		c.ClientVersion = version
	}
}

// WithApprovalDecision sets the decision returned for approval requests.
func WithApprovalDecision(decision string) ClientOption {
	return func(c *ClientConfig) { c.Decision = decision }
}

// WithRequestTimeout bounds each request. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *ClientConfig) { c.RequestTimeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *ClientConfig) { c.Logger = l }
}
