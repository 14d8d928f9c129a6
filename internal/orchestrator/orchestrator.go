// Package orchestrator owns the process lifecycle: it picks a topology
// (single process, worker cluster, or hybrid-core sidecar; there is no
// hot-reload topology, and the optional path watcher only logs changes),
// sequences plugin lifecycle hooks around bind/shutdown,
// and exposes the admin HTTP surface used to observe and operate a
// running instance.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"

	"github.com/clusterkit/clusterkit/internal/cluster"
	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/hybridcore"
	"github.com/clusterkit/clusterkit/internal/logging"
	"github.com/clusterkit/clusterkit/internal/plugins"
	"github.com/clusterkit/clusterkit/internal/workers"
)

// Topology names the process model the orchestrator stands up.
type Topology string

const (
	TopologySingle  Topology = "single"
	TopologyCluster Topology = "cluster"
	TopologyHybrid  Topology = "hybrid"
)

// Orchestrator sequences startup/shutdown for whichever topology the
// configuration selects and owns the admin HTTP server.
type Orchestrator struct {
	cfg     config.Config
	logger  *slog.Logger
	hooks   *plugins.Hooks
	engine  *plugins.Engine
	cluster *cluster.Manager
	bridge  *hybridcore.Bridge
	admin   *http.Server
	watcher *topologyWatcher

	singleHandler http.Handler
	readyAt       time.Time
}

// New builds an Orchestrator. singleHandler serves topology "single"
// requests directly (the in-process HTTP server), and also backs
// hybrid-core fallback when the sidecar is unreachable.
func New(cfg config.Config, factory workers.CommandFactory, singleHandler http.Handler, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	logger = logging.Component(logger, "orchestrator")

	registry := plugins.NewRegistry(logger, allowedTypes(cfg.Plugins.AllowHTTPRegisterTypes))
	hooks := &plugins.Hooks{}
	engine := plugins.NewEngine(registry, hooks, logger)

	o := &Orchestrator{
		cfg:           cfg,
		logger:        logger,
		hooks:         hooks,
		engine:        engine,
		singleHandler: singleHandler,
	}

	switch o.topology() {
	case TopologyCluster:
		mgr, err := cluster.New(cfg, factory, logger)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: cluster manager: %w", err)
		}
		o.cluster = mgr
	case TopologyHybrid:
		o.bridge = hybridcore.New(cfg.HybridCore, cfg.IPC, logger)
	}

	if len(cfg.Orchestrator.WatchPaths) > 0 {
		w, err := newTopologyWatcher(cfg.Orchestrator.WatchPaths, logger)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: hot-reload watcher: %w", err)
		}
		o.watcher = w
	}

	return o, nil
}

func allowedTypes(names []string) []plugins.Type {
	out := make([]plugins.Type, 0, len(names))
	for _, n := range names {
		out = append(out, plugins.Type(n))
	}
	return out
}

func (o *Orchestrator) topology() Topology {
	switch o.cfg.Orchestrator.Topology {
	case string(TopologyCluster):
		return TopologyCluster
	case string(TopologyHybrid):
		return TopologyHybrid
	default:
		return TopologySingle
	}
}

// Hooks exposes the lifecycle hook set so callers (typically cmd/server)
// can register plugins before Start.
func (o *Orchestrator) Hooks() *plugins.Hooks { return o.hooks }

// Engine exposes the plugin execution engine for request handling.
func (o *Orchestrator) Engine() *plugins.Engine { return o.engine }

// Cluster returns the cluster manager, or nil outside TopologyCluster.
func (o *Orchestrator) Cluster() *cluster.Manager { return o.cluster }

// Bridge returns the hybrid-core bridge, or nil outside TopologyHybrid.
func (o *Orchestrator) Bridge() *hybridcore.Bridge { return o.bridge }

// Start brings the selected topology up: registers the engine's plugins,
// publishes onServerStart, starts the cluster/bridge if applicable,
// starts the admin HTTP server, then publishes onServerReady.
func (o *Orchestrator) Start(ctx context.Context) error {
	banner(o.topology())

	o.engine.Registry().Initialize()
	o.hooks.OnServerStart.Publish(struct{}{})
	o.engine.Registry().Activate()

	switch o.topology() {
	case TopologyCluster:
		if err := o.cluster.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: start cluster: %w", err)
		}
	case TopologyHybrid:
		if err := o.bridge.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: start hybrid core: %w", err)
		}
	}

	o.admin = o.newAdminServer()
	go func() {
		if err := o.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.logger.Error("admin server exited", "error", err)
		}
	}()

	if o.watcher != nil {
		go o.watcher.run(ctx, o.logger)
	}

	o.readyAt = time.Now()
	o.hooks.OnServerReady.Publish(struct{}{})
	color.Green("clusterkit ready: topology=%s admin=%s", o.topology(), o.admin.Addr)
	return nil
}

// WaitForReady blocks until Start has published onServerReady, or ctx
// expires first.
func (o *Orchestrator) WaitForReady(ctx context.Context) error {
	for {
		if !o.readyAt.IsZero() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Stop drains plugins, publishes onShutdown, and tears down the admin
// server plus whichever topology is active, bounded by the configured
// shutdown timeout.
func (o *Orchestrator) Stop(ctx context.Context) error {
	timeout := time.Duration(o.cfg.Orchestrator.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.engine.Registry().Drain()
	o.hooks.OnShutdown.Publish(plugins.ShutdownInfo{Reason: "requested", Timeout: timeout})

	if o.watcher != nil {
		o.watcher.close()
	}

	var firstErr error
	if o.admin != nil {
		if err := o.admin.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
	}

	switch o.topology() {
	case TopologyCluster:
		if err := o.cluster.Stop(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	case TopologyHybrid:
		if err := o.bridge.Stop(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	color.Yellow("clusterkit stopped: topology=%s", o.topology())
	return firstErr
}

func banner(t Topology) {
	color.Cyan("clusterkit starting — topology=%s", t)
}
