package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bazelment/yoloswe/taskengine/broadcast"
	"github.com/bazelment/yoloswe/taskengine/codex"
	"github.com/bazelment/yoloswe/taskengine/config"
	"github.com/bazelment/yoloswe/taskengine/engine"
	"github.com/bazelment/yoloswe/taskengine/engine/cliengine"
	"github.com/bazelment/yoloswe/taskengine/engine/rpcengine"
	"github.com/bazelment/yoloswe/taskengine/metrics"
	"github.com/bazelment/yoloswe/taskengine/orchestrator"
	"github.com/bazelment/yoloswe/taskengine/sessionlock"
	"github.com/bazelment/yoloswe/taskengine/sessionstore"
	"github.com/bazelment/yoloswe/taskengine/task"
	"github.com/bazelment/yoloswe/taskengine/tracing"
)

// app is everything a command needs to run tasks.
type app struct {
	orch     *orchestrator.Orchestrator
	store    *sessionstore.Store
	feed     *broadcast.Broadcaster
	tracer   *tracing.Provider
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// newApp wires the engines, store, sink, metrics and tracing from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	rt := &app{logger: logger, registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(rt.registry)
	if err != nil {
		return nil, err
	}
	rt.metrics = m

	tp, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	rt.tracer = tp

	if cfg.StorePath != "" {
		store, err := sessionstore.Open(ctx, cfg.StorePath)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, err
		}
		rt.store = store
	}

	rt.feed = broadcast.NewBroadcaster(
		broadcast.WithLogger(logger.With("component", "broadcast")),
		broadcast.WithDropHook(m.BroadcastDropped),
	)

	var uploads engine.UploadResolver
	if cfg.UploadsDir != "" {
		uploads = engine.DirResolver{Dir: cfg.UploadsDir}
	}

	rpcOpts := []rpcengine.Option{
		rpcengine.WithLogger(logger.With("engine", "rpc")),
		rpcengine.WithApprovalPolicy(cfg.RPC.ApprovalPolicy),
		rpcengine.WithSandbox(cfg.RPC.Sandbox),
		rpcengine.WithClientOptions(
			codex.WithBinary(cfg.RPC.Binary),
			codex.WithArgs(cfg.RPC.Args...),
			codex.WithEnv(cfg.RPC.Env),
			codex.WithApprovalDecision(cfg.RPC.ApprovalDecision),
			codex.WithRequestTimeout(cfg.RPC.RequestTimeout),
		),
	}
	cliOpts := []cliengine.Option{
		cliengine.WithLogger(logger.With("engine", "cli")),
		cliengine.WithBinary(cfg.CLI.Binary),
		cliengine.WithExtraArgs(cfg.CLI.ExtraArgs...),
		cliengine.WithEnv(cfg.CLI.Env),
		cliengine.WithWaitDelay(cfg.CLI.WaitDelay),
		cliengine.WithLocks(sessionlock.NewManager()),
		cliengine.WithRetryHook(m.SessionRetry),
	}
	if uploads != nil {
		rpcOpts = append(rpcOpts, rpcengine.WithUploadResolver(uploads))
		cliOpts = append(cliOpts, cliengine.WithUploadResolver(uploads))
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithSink(rt.feed),
		orchestrator.WithMetrics(m),
		orchestrator.WithTracer(tp.Tracer()),
		orchestrator.WithCancelGrace(cfg.CancelGrace),
	}
	if rt.store != nil {
		rpcOpts = append(rpcOpts, rpcengine.WithThreadStore(rt.store))
		cliOpts = append(cliOpts, cliengine.WithSessionRegistry(rt.store))
		orchOpts = append(orchOpts, orchestrator.WithSessionStore(rt.store))
	}
	orchOpts = append(orchOpts,
		orchestrator.WithEngine(task.EngineRPC, rpcengine.New(rpcOpts...)),
		orchestrator.WithEngine(task.EngineCLI, cliengine.New(cliOpts...)),
	)
	rt.orch = orchestrator.New(orchOpts...)
	return rt, nil
}

// Close stops the orchestrator, then the sink, store and tracer.
func (rt *app) Close(ctx context.Context) error {
	var errs []error
	if err := rt.orch.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	rt.feed.Close()
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}
	if err := rt.tracer.Shutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	return errors.Join(errs...)
}
