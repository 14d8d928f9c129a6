// Command server is clusterkit's entry point: it loads configuration,
// builds the request-normalisation/plugin pipeline, and hands control to
// the lifecycle orchestrator for whichever topology is configured.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/logging"
	"github.com/clusterkit/clusterkit/internal/orchestrator"
	"github.com/clusterkit/clusterkit/internal/plugins"
	"github.com/clusterkit/clusterkit/internal/request"
	"github.com/clusterkit/clusterkit/internal/trustproxy"
)

func main() {
	_ = godotenv.Load()
	cfg := *config.Get()

	logger := logging.Component(logging.New(logging.DefaultOptions()), "server")

	trust, err := trustproxy.New(trustproxy.Config{
		CIDRs: splitCSVEnv("CLUSTERKIT_TRUSTED_CIDRS"),
	})
	if err != nil {
		logger.Error("trust proxy config invalid", "error", err)
		os.Exit(1)
	}
	enhancer := request.NewEnhancer(trust)

	registry := plugins.NewRegistry(logger, nil)
	hooks := &plugins.Hooks{}
	engine := plugins.NewEngine(registry, hooks, logger)
	registry.Register(plugins.NewRateLimitPlugin(plugins.RateLimitConfig{MaxCallsPerMinute: 600, BurstSize: 50}))
	registry.Register(plugins.NewRequestTimingPlugin(hooks))

	appHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveRequest(engine, enhancer, w, r)
	})

	orch, err := orchestrator.New(cfg, workerFactory, appHandler, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// serveRequest runs the normalised request through the plugin chain and
// answers according to its outcome: 502 when the chain returns an error,
// the aborting plugin's status code (403 when it sets none) when a plugin
// stops the chain, and an empty 204 otherwise. RequestContext.Data is not
// read after the chain.
func serveRequest(engine *plugins.Engine, enhancer *request.Enhancer, w http.ResponseWriter, r *http.Request) {
	peerIP := r.RemoteAddr
	if host, _, err := splitHostPort(peerIP); err == nil {
		peerIP = host
	}
	req := enhancer.Enhance(r, peerIP)

	rc := &plugins.RequestContext{
		Method:    req.Method,
		Path:      req.URL.Path,
		Query:     req.Query,
		Headers:   flattenHeaders(req.Headers),
		ClientIP:  req.IP,
		UserAgent: r.UserAgent(),
		StartedAt: time.Now(),
		Data:      map[string]any{},
	}

	result, err := engine.ExecuteChain(rc, nil, 2*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if result.Aborted {
		status := result.StatusCode
		if status == 0 {
			status = http.StatusForbidden
		}
		http.Error(w, "request rejected by plugin chain", status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", fmt.Errorf("no port in address")
	}
	return addr[:idx], addr[idx+1:], nil
}

// workerFactory builds the command for one pooled worker process. The
// worker binary's path is configurable since operators typically deploy
// cmd/worker's compiled output under their own name/location.
func workerFactory(id string, port int) *exec.Cmd {
	bin := os.Getenv("CLUSTERKIT_WORKER_BIN")
	if bin == "" {
		bin = "clusterkit-worker"
	}
	return exec.Command(bin)
}

func splitCSVEnv(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
