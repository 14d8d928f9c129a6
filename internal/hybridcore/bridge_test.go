package hybridcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/logging"
)

func testCfg() config.HybridCoreConfig {
	return config.HybridCoreConfig{
		Command:          "dd bs=1 count=1 of=/dev/null 2>/dev/null; exit 0",
		Fallback:         true,
		RequestTimeoutMs: 200,
	}
}

func TestBridge_StartStopTogglesRunning(t *testing.T) {
	b := New(testCfg(), config.IPCConfig{}, logging.Noop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, b.Start(ctx))
	assert.True(t, b.Running())

	require.NoError(t, b.Stop(ctx))
}

func TestBridge_ForwardTimesOutWhenSidecarNeverResponds(t *testing.T) {
	b := New(testCfg(), config.IPCConfig{}, logging.Noop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	_, err := b.Forward(ctx, &Request{Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, ErrGatewayTimeout)
	assert.Equal(t, 504, StatusForError(err))
}

func TestBridge_ForwardRejectsWhenInFlightQueueIsFull(t *testing.T) {
	b := New(testCfg(), config.IPCConfig{}, logging.Noop())
	b.inFlight = make(chan struct{}, 1)
	b.inFlight <- struct{}{}

	ctx := context.Background()
	_, err := b.Forward(ctx, &Request{Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.Equal(t, 503, StatusForError(err))
}

func TestBridge_FallbackReflectsConfig(t *testing.T) {
	b := New(testCfg(), config.IPCConfig{}, logging.Noop())
	assert.True(t, b.Fallback())
}
