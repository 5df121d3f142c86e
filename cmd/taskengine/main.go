// Command taskengine runs agent turns against the app-server and CLI
// engines, either one-shot from the command line or as a daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bazelment/yoloswe/taskengine/config"
)

var (
	configPath string
	verbose    bool

	logLevel = new(slog.LevelVar)
	overlay  = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "taskengine",
	Short: "Orchestrate agent turns with replayable event logs",
	Long: `taskengine starts agent turns against an app-server (JSON-RPC) engine or a
streaming CLI engine, records every turn as an ordered event log, and
serves that log to callers that may disconnect and resume.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the YAML config file")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.String("store", "", "SQLite session store path (overrides store_path)")
	pf.String("rpc-binary", "", "App-server binary (overrides rpc.binary)")
	pf.String("cli-binary", "", "CLI engine binary (overrides cli.binary)")
	bindFlag(overlay, "store_path", "store")
	bindFlag(overlay, "rpc.binary", "rpc-binary")
	bindFlag(overlay, "cli.binary", "cli-binary")
}

func bindFlag(v *viper.Viper, key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv(config.EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return "taskengine.yaml"
}

// loadConfig reads the config file with environment and flag overrides
// and sets the log level from it unless -v was given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Overlay(cfg, overlay); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyLevel(cfg)
	return cfg, nil
}

func applyLevel(cfg *config.Config) {
	if verbose {
		logLevel.Set(slog.LevelDebug)
		return
	}
	lvl, err := cfg.Level()
	if err != nil {
		return
	}
	logLevel.Set(lvl)
}

// newLogger creates a structured logger whose level follows logLevel.
func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
