package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/yoloswe/taskengine/broadcast"
	"github.com/bazelment/yoloswe/taskengine/config"
	"github.com/bazelment/yoloswe/taskengine/internal/adminhttp"
	"github.com/bazelment/yoloswe/taskengine/internal/spool"
	"github.com/bazelment/yoloswe/taskengine/task"
)

var serveGrace time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task daemon",
	Long: `Serve runs the orchestrator as a daemon. Tasks arrive through the admin
HTTP API (POST /tasks) or as JSON files dropped into the spool directory.
Events are pushed to the broadcast endpoint when one is configured and are
always available on the admin server at /ws. The config file is watched;
log level changes apply without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		// Reloads swap the config that start requests are resolved against.
		var current atomic.Pointer[config.Config]
		current.Store(cfg)
		prepare := func(req *task.Request) error { return current.Load().ResolveProvider(req) }

		g, gctx := errgroup.WithContext(ctx)

		if cfg.Admin.Addr != "" {
			srv := adminhttp.New(rt.orch, adminhttp.Options{
				Logger:   logger.With("component", "admin"),
				Gatherer: rt.registry,
				Feed:     broadcast.Handler(rt.feed, cfg.Broadcast.Buffer, logger.With("component", "ws")),
				Prepare:  prepare,
			})
			g.Go(func() error { return srv.Serve(gctx, cfg.Admin.Addr) })
		}
		if cfg.Spool.Dir != "" {
			sp := spool.New(cfg.Spool.Dir, rt.orch,
				spool.WithLogger(logger.With("component", "spool")),
				spool.WithPrepare(prepare))
			g.Go(func() error { return sp.Run(gctx) })
		}
		if cfg.Broadcast.URL != "" {
			var opts []broadcast.PublisherOption
			opts = append(opts,
				broadcast.WithPublisherLogger(logger.With("component", "publisher")),
				broadcast.WithBuffer(cfg.Broadcast.Buffer))
			if cfg.Broadcast.Token != "" {
				opts = append(opts, broadcast.WithHeader(map[string][]string{
					"Authorization": {"Bearer " + cfg.Broadcast.Token},
				}))
			}
			pub := broadcast.NewPublisher(rt.feed, cfg.Broadcast.URL, opts...)
			g.Go(func() error {
				if err := pub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
		if _, err := os.Stat(configPath); err == nil {
			w := config.NewWatcher(configPath,
				config.WithWatchLogger(logger.With("component", "config")),
				config.WithOverlay(overlay))
			g.Go(func() error {
				return w.Run(gctx, func(next *config.Config) {
					applyLevel(next)
					current.Store(next)
				})
			})
		}
		if cfg.Admin.Addr == "" && cfg.Spool.Dir == "" {
			logger.Warn("no intake configured: set admin.addr or spool.dir")
		}

		logger.Info("taskengine serving", "admin", cfg.Admin.Addr, "spool", cfg.Spool.Dir)
		runErr := g.Wait()

		closeCtx, cancel := context.WithTimeout(context.Background(), serveGrace)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.String("admin-addr", "", "Admin HTTP listen address (overrides admin.addr)")
	f.String("spool", "", "Spool directory (overrides spool.dir)")
	f.String("broadcast-url", "", "WebSocket endpoint to push events to (overrides broadcast.url)")
	f.DurationVar(&serveGrace, "shutdown-grace", 30*time.Second, "How long running turns may finish on shutdown")
	for key, flag := range map[string]string{
		"admin.addr":    "admin-addr",
		"spool.dir":     "spool",
		"broadcast.url": "broadcast-url",
	} {
		if err := overlay.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}
