package cluster

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/logging"
)

// shellWorkerFactory spawns a worker stand-in that exits cleanly the
// moment the first byte of an IPC frame (the graceful-shutdown message)
// arrives on stdin and otherwise blocks, standing in for a real worker
// binary in tests.
func shellWorkerFactory(id string, port int) *exec.Cmd {
	return exec.Command("sh", "-c", "dd bs=1 count=1 of=/dev/null 2>/dev/null; exit 0")
}

func testConfig() config.Config {
	return config.Config{
		Workers:    config.WorkersConfig{BasePort: 5000, Respawn: false},
		Health:     config.HealthConfig{TimeoutSec: 1, IntervalSec: 30},
		LB:         config.LBConfig{Strategy: "round-robin"},
		AutoScaler: config.AutoScalerConfig{Enabled: false, MinWorkers: 1, MaxWorkers: 4},
		Cluster:    config.ClusterConfig{PersistenceBackend: "memory", HealthCheckGraceSec: 1},
	}
}

func TestManager_StartRunsConfiguredWorkerCountThenStops(t *testing.T) {
	m, err := New(testConfig(), shellWorkerFactory, logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, StateRunning, m.State())
	assert.Len(t, m.workerIDs(), 1)

	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_StopBeforeStartIsRejectedByStateMachine(t *testing.T) {
	m, err := New(testConfig(), shellWorkerFactory, logging.Noop())
	require.NoError(t, err)

	err = m.Stop(context.Background())
	assert.Error(t, err)
}

func TestManager_PauseResumeTogglesPausedFlag(t *testing.T) {
	m, err := New(testConfig(), shellWorkerFactory, logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	require.NoError(t, m.Pause())
	assert.True(t, m.Paused())
	assert.Equal(t, StatePaused, m.State())

	require.NoError(t, m.Resume())
	assert.False(t, m.Paused())
	assert.Equal(t, StateRunning, m.State())
}

func TestManager_AddAndRemoveWorker(t *testing.T) {
	m, err := New(testConfig(), shellWorkerFactory, logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	id, err := m.AddWorker(ctx)
	require.NoError(t, err)
	assert.Len(t, m.workerIDs(), 2)

	require.NoError(t, m.RemoveWorker(ctx, id))
	assert.Len(t, m.workerIDs(), 1)
}

func TestManager_GetMetricsAndExportFormats(t *testing.T) {
	m, err := New(testConfig(), shellWorkerFactory, logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	metrics := m.GetMetrics(ctx)
	assert.Equal(t, StateRunning, metrics.State)
	assert.Len(t, metrics.Workers, 1)

	for _, format := range []string{"json", "prometheus", "csv"} {
		out, err := m.ExportMetrics(ctx, format)
		require.NoError(t, err, format)
		assert.NotEmpty(t, out, format)
	}

	_, err = m.ExportMetrics(ctx, "xml")
	assert.Error(t, err)
}

func TestManager_SaveAndRestoreState(t *testing.T) {
	m, err := New(testConfig(), shellWorkerFactory, logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	require.NoError(t, m.SaveState(ctx))

	restored, ok, err := m.RestoreState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, restored.WorkerCount)
	assert.Equal(t, "round-robin", restored.Strategy)
}

func TestManager_CircuitBreakerResetIsIdempotentOnUnknownWorker(t *testing.T) {
	m, err := New(testConfig(), shellWorkerFactory, logging.Noop())
	require.NoError(t, err)

	assert.False(t, m.IsCircuitOpen("nonexistent"))
	assert.NotPanics(t, func() { m.ResetCircuitBreaker("nonexistent") })
}
