// Package config loads the taskengine configuration: a YAML file, with
// TASKENGINE_* environment variables and command-line flags on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bazelment/yoloswe/taskengine/task"
	"github.com/bazelment/yoloswe/taskengine/tracing"
)

// EnvPrefix prefixes every environment override, e.g. TASKENGINE_RPC_BINARY.
const EnvPrefix = "TASKENGINE"

// Config is the full configuration.
type Config struct {
	Providers   map[string]task.Provider `yaml:"providers"`
	LogLevel    string                   `yaml:"log_level"`
	StorePath   string                   `yaml:"store_path"`
	UploadsDir  string                   `yaml:"uploads_dir"`
	Admin       AdminConfig              `yaml:"admin"`
	Spool       SpoolConfig              `yaml:"spool"`
	Broadcast   BroadcastConfig          `yaml:"broadcast"`
	CLI         CLIConfig                `yaml:"cli"`
	RPC         RPCConfig                `yaml:"rpc"`
	Tracing     tracing.Config           `yaml:"tracing"`
	CancelGrace time.Duration            `yaml:"cancel_grace"`
}

// RPCConfig configures the app-server engine.
type RPCConfig struct {
	Env              map[string]string `yaml:"env"`
	Binary           string            `yaml:"binary"`
	ApprovalPolicy   string            `yaml:"approval_policy"`
	ApprovalDecision string            `yaml:"approval_decision"`
	Sandbox          string            `yaml:"sandbox"`
	Args             []string          `yaml:"args"`
	RequestTimeout   time.Duration     `yaml:"request_timeout"`
}

// CLIConfig configures the CLI engine.
type CLIConfig struct {
	Env       map[string]string `yaml:"env"`
	Binary    string            `yaml:"binary"`
	ExtraArgs []string          `yaml:"extra_args"`
	WaitDelay time.Duration     `yaml:"wait_delay"`
}

// BroadcastConfig configures the real-time sink. An empty URL disables
// the push publisher; the admin server serves /ws regardless.
type BroadcastConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Buffer int    `yaml:"buffer"`
}

// AdminConfig configures the admin HTTP server. An empty Addr disables it.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// SpoolConfig configures the file intake directory of serve.
type SpoolConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		CancelGrace: 5 * time.Second,
		RPC: RPCConfig{
			Binary:           "codex",
			Args:             []string{"app-server"},
			ApprovalPolicy:   "never",
			ApprovalDecision: "accept",
			Sandbox:          "workspace-write",
			RequestTimeout:   90 * time.Second,
		},
		CLI: CLIConfig{
			Binary:    "claude",
			WaitDelay: 2 * time.Second,
		},
		Broadcast: BroadcastConfig{Buffer: 256},
		Tracing: tracing.Config{
			ServiceName: "taskengine",
			SampleRate:  1,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg, keeping fields the data leaves unset.
func Parse(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg.Validate()
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Broadcast.Buffer < 0 {
		return fmt.Errorf("broadcast.buffer must not be negative, got %d", c.Broadcast.Buffer)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.Tracing.SampleRate)
	}
	if c.CancelGrace < 0 {
		return fmt.Errorf("cancel_grace must not be negative, got %s", c.CancelGrace)
	}
	for id, p := range c.Providers {
		if p.ID != "" && p.ID != id {
			return fmt.Errorf("provider %q declares id %q", id, p.ID)
		}
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// ResolveProvider completes req.Provider from the configured providers
// when the request names a provider by id only.
func (c *Config) ResolveProvider(req *task.Request) error {
	if req.Provider == nil || req.Provider.BaseURL != "" {
		return nil
	}
	p, ok := c.Providers[req.Provider.ID]
	if !ok {
		return fmt.Errorf("unknown provider %q", req.Provider.ID)
	}
	p.ID = req.Provider.ID
	req.Provider = &p
	return nil
}

// NewViper returns a viper instance reading TASKENGINE_* variables, with
// "." in keys mapped to "_" (rpc.binary -> TASKENGINE_RPC_BINARY). Bind
// flags to it with BindPFlag using the keys in Overlay.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range overlayKeys {
		// BindEnv makes IsSet see the variable even with no default.
		_ = v.BindEnv(k.key)
	}
	return v
}

type overlayKey struct {
	apply func(c *Config, v *viper.Viper)
	key   string
}

var overlayKeys = []overlayKey{
	{key: "log_level", apply: func(c *Config, v *viper.Viper) { c.LogLevel = v.GetString("log_level") }},
	{key: "store_path", apply: func(c *Config, v *viper.Viper) { c.StorePath = v.GetString("store_path") }},
	{key: "uploads_dir", apply: func(c *Config, v *viper.Viper) { c.UploadsDir = v.GetString("uploads_dir") }},
	{key: "cancel_grace", apply: func(c *Config, v *viper.Viper) { c.CancelGrace = v.GetDuration("cancel_grace") }},
	{key: "rpc.binary", apply: func(c *Config, v *viper.Viper) { c.RPC.Binary = v.GetString("rpc.binary") }},
	{key: "rpc.approval_policy", apply: func(c *Config, v *viper.Viper) { c.RPC.ApprovalPolicy = v.GetString("rpc.approval_policy") }},
	{key: "rpc.sandbox", apply: func(c *Config, v *viper.Viper) { c.RPC.Sandbox = v.GetString("rpc.sandbox") }},
	{key: "rpc.request_timeout", apply: func(c *Config, v *viper.Viper) { c.RPC.RequestTimeout = v.GetDuration("rpc.request_timeout") }},
	{key: "cli.binary", apply: func(c *Config, v *viper.Viper) { c.CLI.Binary = v.GetString("cli.binary") }},
	{key: "broadcast.url", apply: func(c *Config, v *viper.Viper) { c.Broadcast.URL = v.GetString("broadcast.url") }},
	{key: "broadcast.token", apply: func(c *Config, v *viper.Viper) { c.Broadcast.Token = v.GetString("broadcast.token") }},
	{key: "broadcast.buffer", apply: func(c *Config, v *viper.Viper) { c.Broadcast.Buffer = v.GetInt("broadcast.buffer") }},
	{key: "tracing.enabled", apply: func(c *Config, v *viper.Viper) { c.Tracing.Enabled = v.GetBool("tracing.enabled") }},
	{key: "tracing.endpoint", apply: func(c *Config, v *viper.Viper) { c.Tracing.Endpoint = v.GetString("tracing.endpoint") }},
	{key: "tracing.insecure", apply: func(c *Config, v *viper.Viper) { c.Tracing.Insecure = v.GetBool("tracing.insecure") }},
	{key: "tracing.sample_rate", apply: func(c *Config, v *viper.Viper) { c.Tracing.SampleRate = v.GetFloat64("tracing.sample_rate") }},
	{key: "admin.addr", apply: func(c *Config, v *viper.Viper) { c.Admin.Addr = v.GetString("admin.addr") }},
	{key: "spool.dir", apply: func(c *Config, v *viper.Viper) { c.Spool.Dir = v.GetString("spool.dir") }},
}

// OverlayKeys lists the keys Overlay understands.
func OverlayKeys() []string {
	keys := make([]string, len(overlayKeys))
	for i, k := range overlayKeys {
		keys[i] = k.key
	}
	return keys
}

// Overlay copies every key set in v (environment or changed flag) into cfg
// and revalidates.
func Overlay(cfg *Config, v *viper.Viper) error {
	if v == nil {
		return cfg.Validate()
	}
	for _, k := range overlayKeys {
		if v.IsSet(k.key) {
			k.apply(cfg, v)
		}
	}
	return cfg.Validate()
}
