package cluster

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/clusterkit/clusterkit/internal/infra"
)

// PersistentClusterState is the subset of cluster state that survives a
// restart. Worker identities are NOT included — workers always respawn
// fresh.
type PersistentClusterState struct {
	Topology         string         `json:"topology"`
	Strategy         string         `json:"strategy"`
	WorkerCount      int            `json:"workerCount"`
	StrategyWeights  map[string]float64 `json:"strategyWeights,omitempty"`
	HistoricalTrends []TrendPoint   `json:"historicalTrends,omitempty"`
	SavedAt          time.Time      `json:"savedAt"`
}

// TrendPoint is one historical sample retained across restarts for
// auto-scaler/analytics warm-start.
type TrendPoint struct {
	At       time.Time `json:"at"`
	CPUAvg   float64   `json:"cpuAvg"`
	MemAvg   float64   `json:"memAvg"`
	Workers  int       `json:"workers"`
}

// Backend persists and restores PersistentClusterState.
type Backend interface {
	Save(ctx context.Context, state PersistentClusterState) error
	Load(ctx context.Context) (PersistentClusterState, bool, error)
	Close() error
}

// MemoryBackend keeps state in a process-local variable; it does not
// survive a restart, useful for tests and single-shot dev runs.
type MemoryBackend struct {
	mu    sync.Mutex
	state *PersistentClusterState
}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (b *MemoryBackend) Save(_ context.Context, state PersistentClusterState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := state
	b.state = &cp
	return nil
}

func (b *MemoryBackend) Load(_ context.Context) (PersistentClusterState, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == nil {
		return PersistentClusterState{}, false, nil
	}
	return *b.state, true, nil
}

func (b *MemoryBackend) Close() error { return nil }

// FileBackend persists state as JSON, rotating up to `backups` prior
// versions (state.json, state.json.1, state.json.2, ...).
type FileBackend struct {
	path    string
	backups int
}

func NewFileBackend(path string, backups int) *FileBackend {
	if backups < 0 {
		backups = 0
	}
	return &FileBackend{path: path, backups: backups}
}

func (b *FileBackend) Save(_ context.Context, state PersistentClusterState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("cluster: marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("cluster: state dir: %w", err)
	}

	b.rotate()
	return os.WriteFile(b.path, data, 0o644)
}

func (b *FileBackend) rotate() {
	if b.backups == 0 {
		return
	}
	for i := b.backups; i > 0; i-- {
		src := b.path
		if i > 1 {
			src = b.path + "." + strconv.Itoa(i-1)
		}
		dst := b.path + "." + strconv.Itoa(i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
}

func (b *FileBackend) Load(_ context.Context) (PersistentClusterState, bool, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return PersistentClusterState{}, false, nil
	}
	if err != nil {
		return PersistentClusterState{}, false, err
	}
	var state PersistentClusterState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistentClusterState{}, false, fmt.Errorf("cluster: unmarshal state: %w", err)
	}
	return state, true, nil
}

func (b *FileBackend) Close() error { return nil }

// RedisBackend stores the state blob under a single configured key.
type RedisBackend struct {
	adapter *infra.GoRedisAdapter
	key     string
}

func NewRedisBackend(addr, password string, db int, key string) (*RedisBackend, error) {
	adapter, err := infra.NewGoRedisAdapter(addr, password, db)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = "clusterkit:state"
	}
	return &RedisBackend{adapter: adapter, key: key}, nil
}

func (b *RedisBackend) Save(ctx context.Context, state PersistentClusterState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.adapter.Set(ctx, b.key, data, 0)
}

func (b *RedisBackend) Load(ctx context.Context) (PersistentClusterState, bool, error) {
	data, err := b.adapter.Get(ctx, b.key)
	if err != nil {
		return PersistentClusterState{}, false, nil
	}
	var state PersistentClusterState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistentClusterState{}, false, err
	}
	return state, true, nil
}

func (b *RedisBackend) Close() error { return b.adapter.Close() }

// PostgresBackend stores the state blob in a single-row table, upserted
// on every save.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cluster: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cluster: ping postgres: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS clusterkit_state (
		id INTEGER PRIMARY KEY DEFAULT 1,
		payload JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cluster: create state table: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

func (b *PostgresBackend) Save(ctx context.Context, state PersistentClusterState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO clusterkit_state (id, payload, saved_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at`,
		data, state.SavedAt)
	return err
}

func (b *PostgresBackend) Load(ctx context.Context) (PersistentClusterState, bool, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT payload FROM clusterkit_state WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return PersistentClusterState{}, false, nil
	}
	if err != nil {
		return PersistentClusterState{}, false, err
	}
	var state PersistentClusterState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistentClusterState{}, false, err
	}
	return state, true, nil
}

func (b *PostgresBackend) Close() error { return b.db.Close() }
