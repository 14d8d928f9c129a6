package orchestrator

import (
	"context"
	"net/http"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/logging"
	"github.com/clusterkit/clusterkit/internal/plugins"
)

func shellFactory(id string, port int) *exec.Cmd {
	return exec.Command("sh", "-c", "read _line; exit 0")
}

func baseConfig(topology string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: "0"},
		Plugins: config.PluginsConfig{
			AllowHTTPRegisterTypes: []string{"performance"},
		},
		Workers:      config.WorkersConfig{BasePort: 6000},
		Health:       config.HealthConfig{TimeoutSec: 1, IntervalSec: 30},
		LB:           config.LBConfig{Strategy: "round-robin"},
		AutoScaler:   config.AutoScalerConfig{Enabled: false, MinWorkers: 1, MaxWorkers: 2},
		Cluster:      config.ClusterConfig{PersistenceBackend: "memory", HealthCheckGraceSec: 1},
		HybridCore:   config.HybridCoreConfig{Command: "read _line; exit 0", RequestTimeoutMs: 200, Fallback: true},
		Orchestrator: config.OrchestratorConfig{Topology: topology, ShutdownTimeoutSec: 2},
	}
}

func TestOrchestrator_SingleTopologyHasNoClusterOrBridge(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hi"))
	})

	o, err := New(baseConfig("single"), shellFactory, handler, logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(context.Background())

	require.NoError(t, o.WaitForReady(ctx))
	assert.Nil(t, o.Cluster())
	assert.Nil(t, o.Bridge())
	assert.Equal(t, TopologySingle, o.topology())
}

func TestOrchestrator_ClusterTopologyStartsClusterManager(t *testing.T) {
	o, err := New(baseConfig("cluster"), shellFactory, nil, logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(context.Background())

	require.NotNil(t, o.Cluster())
}

func TestOrchestrator_HybridTopologyStartsBridge(t *testing.T) {
	o, err := New(baseConfig("hybrid"), shellFactory, nil, logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(context.Background())

	require.NotNil(t, o.Bridge())
}

func TestOrchestrator_ShutdownHookFiresOnStop(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("hi")) })
	o, err := New(baseConfig("single"), shellFactory, handler, logging.Noop())
	require.NoError(t, err)

	fired := make(chan plugins.ShutdownInfo, 1)
	o.Hooks().OnShutdown.Subscribe(func(info plugins.ShutdownInfo) { fired <- info })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Stop(context.Background()))

	select {
	case info := <-fired:
		assert.Equal(t, "requested", info.Reason)
	case <-time.After(time.Second):
		t.Fatal("onShutdown never fired")
	}
}

func TestOrchestrator_ReadyHookFiresOnStart(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("hi")) })
	o, err := New(baseConfig("single"), shellFactory, handler, logging.Noop())
	require.NoError(t, err)

	ready := make(chan struct{}, 1)
	o.Hooks().OnServerReady.Subscribe(func(struct{}) { ready <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(context.Background())

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("onServerReady never fired")
	}
}
