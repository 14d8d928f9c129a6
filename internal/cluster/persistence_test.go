package cluster

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_SaveLoadRoundTrips(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	_, ok, err := b.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	state := PersistentClusterState{Topology: "cluster", Strategy: "adaptive", WorkerCount: 4, SavedAt: time.Now()}
	require.NoError(t, b.Save(ctx, state))

	loaded, ok, err := b.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.Strategy, loaded.Strategy)
	assert.Equal(t, state.WorkerCount, loaded.WorkerCount)
}

func TestFileBackend_SaveLoadRoundTripsAndRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	b := NewFileBackend(path, 2)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		state := PersistentClusterState{Topology: "cluster", Strategy: "round-robin", WorkerCount: i, SavedAt: time.Now()}
		require.NoError(t, b.Save(ctx, state))
	}

	loaded, ok, err := b.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, loaded.WorkerCount)

	backup1, ok, err := NewFileBackend(path+".1", 0).Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, backup1.WorkerCount)

	backup2, ok, err := NewFileBackend(path+".2", 0).Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, backup2.WorkerCount)
}

func TestFileBackend_LoadMissingFileReturnsNotFound(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "missing.json"), 0)
	_, ok, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
