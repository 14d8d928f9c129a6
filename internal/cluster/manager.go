// Package cluster is the façade that wires the worker supervisor, health
// monitor, load balancer, and auto-scaler into one lifecycle: it owns the
// state machine, serializes structural operations (spawn/remove/replace/
// rolling-update), and persists/restores cluster configuration across
// restarts.
package cluster

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/autoscaler"
	"github.com/clusterkit/clusterkit/internal/circuitbreaker"
	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/events"
	"github.com/clusterkit/clusterkit/internal/health"
	"github.com/clusterkit/clusterkit/internal/ipc"
	"github.com/clusterkit/clusterkit/internal/lb"
	"github.com/clusterkit/clusterkit/internal/logging"
	"github.com/clusterkit/clusterkit/internal/workers"
)

// State is one node in the cluster lifecycle state machine.
type State string

const (
	StateInitializing State = "initializing"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateScaling       State = "scaling"
	StatePaused        State = "paused"
	StateDraining      State = "draining"
	StateDegraded      State = "degraded"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
)

// transitions lists the states reachable from each state. Anything not
// listed here is rejected by setState.
var transitions = map[State][]State{
	StateInitializing: {StateStarting},
	StateStarting:      {StateRunning, StateDegraded, StateStopping},
	StateRunning:       {StateScaling, StatePaused, StateDraining, StateDegraded, StateStopping},
	StateScaling:       {StateRunning, StateDegraded},
	StatePaused:        {StateRunning, StateStopping},
	StateDraining:      {StateRunning, StateDegraded, StateStopping},
	StateDegraded:      {StateRunning, StateStopping},
	StateStopping:      {StateStopped},
	StateStopped:       {},
}

// Manager is the cluster-level façade. One Manager owns one generation of
// workers; callers interact only through its methods, never through the
// underlying subsystems directly, so structural operations stay
// serialized and the state machine stays consistent.
type Manager struct {
	cfg        config.Config
	logger     *slog.Logger
	events     *events.Bus
	backend    Backend

	workers *workers.Manager
	health  *health.Monitor
	lb      *lb.Balancer
	scaler  *autoscaler.Scaler
	bus     *ipc.Bus

	factory workers.CommandFactory

	stateMu sync.RWMutex
	state   State

	// opMu serializes every structural operation (start/stop/add/remove/
	// replace/rolling-update) so two never run concurrently.
	opMu sync.Mutex

	mu       sync.Mutex
	seq      int
	basePort int
	paused   bool

	scalerCancel context.CancelFunc
	scalerDone   chan struct{}
}

// New builds a cluster manager and its persistence backend from cfg, but
// does not start anything — call Start for that.
func New(cfg config.Config, factory workers.CommandFactory, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	logger = logging.Component(logger, "cluster")

	backend, err := newBackend(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster: persistence backend: %w", err)
	}

	eventBus := events.NewBus(logger)

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		events:   eventBus,
		backend:  backend,
		factory:  factory,
		state:    StateInitializing,
		basePort: cfg.Workers.BasePort,
	}
	bus := ipc.New(logger, m.workerLoad)
	if err := bus.EnableSecurity(cfg.IPC); err != nil {
		return nil, fmt.Errorf("cluster: ipc security: %w", err)
	}
	m.bus = bus

	m.workers = workers.NewManager(cfg.Workers, cfg.IPC, factory, bus, logger)
	m.health = health.NewMonitor(cfg.Health, m.sampleResources, m.probeLoopDelay, m.onHealthEvent, logger)
	m.lb = lb.New(cfg.LB, logger)
	m.scaler = autoscaler.New(cfg.AutoScaler, m.onScaleEvent, logger)

	return m, nil
}

func newBackend(cfg config.ClusterConfig) (Backend, error) {
	switch cfg.PersistenceBackend {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		path := cfg.StateFilePath
		if path == "" {
			path = "clusterkit-state.json"
		}
		return NewFileBackend(path, cfg.StateFileBackups), nil
	case "redis":
		return NewRedisBackend(cfg.RedisAddr, "", 0, cfg.RedisKey)
	case "postgres":
		return NewPostgresBackend(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.PersistenceBackend)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(next State) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	for _, allowed := range transitions[m.state] {
		if allowed == next {
			prev := m.state
			m.state = next
			m.events.Emit("cluster:state", "cluster", "", map[string]interface{}{
				"from": string(prev),
				"to":   string(next),
			})
			return nil
		}
	}
	return fmt.Errorf("cluster: invalid transition %s -> %s", m.state, next)
}

// Events returns the lifecycle analytics bus, for admin routes to
// subscribe to.
func (m *Manager) Events() *events.Bus { return m.events }

// Start spawns the initial worker pool, begins health monitoring, and
// starts the auto-scaler evaluation loop.
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.setState(StateStarting); err != nil {
		return err
	}

	count := m.cfg.AutoScaler.MinWorkers
	if count <= 0 {
		count = 2
	}
	if restored, ok, _ := m.backend.Load(ctx); ok && restored.WorkerCount > 0 {
		count = restored.WorkerCount
		if restored.Strategy != "" {
			_ = m.lb.SetStrategy(lb.Strategy(restored.Strategy))
		}
	}

	for i := 0; i < count; i++ {
		if _, err := m.spawnWorker(); err != nil {
			_ = m.setState(StateDegraded)
			return fmt.Errorf("cluster: initial spawn: %w", err)
		}
	}

	m.health.Start(ctx)

	scalerCtx, cancel := context.WithCancel(ctx)
	m.scalerCancel = cancel
	m.scalerDone = make(chan struct{})
	go m.runAutoScaler(scalerCtx)

	return m.setState(StateRunning)
}

func (m *Manager) runAutoScaler(ctx context.Context) {
	defer close(m.scalerDone)
	ticker := time.NewTicker(m.scaler.EvalInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateScaling(ctx)
		}
	}
}

func (m *Manager) evaluateScaling(ctx context.Context) {
	signals := m.collectSignals()
	decision := m.scaler.Evaluate(signals)
	if decision.Action == autoscaler.NoAction {
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	_ = m.setState(StateScaling)
	defer m.setState(StateRunning)

	switch decision.Action {
	case autoscaler.ScaleUp:
		for i := signals.ActiveWorkers; i < decision.Target; i++ {
			if _, err := m.spawnWorker(); err != nil {
				m.logger.Warn("scale up failed", "error", err)
				break
			}
		}
	case autoscaler.ScaleDown:
		ids := m.workerIDs()
		for i := signals.ActiveWorkers; i > decision.Target && len(ids) > 0; i-- {
			id := ids[len(ids)-1]
			ids = ids[:len(ids)-1]
			if err := m.removeWorker(ctx, id); err != nil {
				m.logger.Warn("scale down failed", "id", id, "error", err)
			}
		}
	}
}

func (m *Manager) collectSignals() autoscaler.Signals {
	ids := m.workerIDs()
	var cpuSum, memSum float64
	var p95 time.Duration
	n := 0
	for _, id := range ids {
		if stats, ok := m.lb.Stats(id); ok {
			snap := stats.Snapshot()
			cpuSum += snap.CPUPercent
			memSum += snap.MemPercent
			if snap.P95 > p95 {
				p95 = snap.P95
			}
			n++
		}
	}
	signals := autoscaler.Signals{ActiveWorkers: len(ids)}
	if n > 0 {
		signals.CPUAvg = cpuSum / float64(n)
		signals.MemAvg = memSum / float64(n)
		signals.P95Millis = float64(p95.Milliseconds())
	}
	return signals
}

// Stop gracefully tears down every worker and halts the background
// monitoring loops.
func (m *Manager) Stop(ctx context.Context) error {
	// Stop the scaler loop before taking opMu: evaluateScaling acquires
	// opMu itself mid-cycle, so waiting on scalerDone while already
	// holding opMu would deadlock against a cycle in flight.
	if m.scalerCancel != nil {
		m.scalerCancel()
		<-m.scalerDone
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.setState(StateStopping); err != nil {
		return err
	}

	m.health.Stop()
	m.workers.ShutdownAll(ctx)

	return m.setState(StateStopped)
}

// Restart stops the cluster and starts it again. Start picks the worker
// count as it always does (the last saved state's count if one exists,
// otherwise the configured minimum), so workers added or removed since
// the last SaveState are not carried over.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	m.stateMu.Lock()
	m.state = StateInitializing
	m.stateMu.Unlock()
	return m.Start(ctx)
}

// Pause moves the cluster to the paused state and sets the flag Paused
// reports; every worker keeps running. Nothing in this package consults
// the flag when routing requests.
func (m *Manager) Pause() error {
	if err := m.setState(StatePaused); err != nil {
		return err
	}
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	return nil
}

// Resume undoes Pause.
func (m *Manager) Resume() error {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	return m.setState(StateRunning)
}

// Paused reports whether Pause has been called without a later Resume.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) nextWorkerID() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("worker-%d", m.seq)
	port := m.basePort + m.seq
	return id, port
}

func (m *Manager) spawnWorker() (string, error) {
	id, port := m.nextWorkerID()
	if _, err := m.workers.Spawn(id, port); err != nil {
		return "", err
	}
	m.lb.AddWorker(id)
	m.health.Track(id, port)
	m.events.Emit("worker:added", "cluster", id, map[string]interface{}{"port": port})
	return id, nil
}

// AddWorker spawns one additional worker and wires it into the load
// balancer and health monitor.
func (m *Manager) AddWorker(ctx context.Context) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.spawnWorker()
}

func (m *Manager) removeWorker(ctx context.Context, id string) error {
	m.lb.RemoveWorker(id)
	m.health.Untrack(id)
	if err := m.workers.Shutdown(ctx, id); err != nil {
		return err
	}
	m.events.Emit("worker:removed", "cluster", id, nil)
	return nil
}

// RemoveWorker drains then shuts down one worker permanently.
func (m *Manager) RemoveWorker(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.drainWorkerLocked(ctx, id); err != nil {
		return err
	}
	return m.removeWorker(ctx, id)
}

// ReplaceWorker spawns a fresh worker, waits for it to pass its first
// health check, then drains and removes the old one.
func (m *Manager) ReplaceWorker(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	newID, err := m.spawnWorker()
	if err != nil {
		return err
	}
	if err := m.waitFirstHealthy(ctx, newID); err != nil {
		_ = m.removeWorker(ctx, newID)
		return fmt.Errorf("cluster: replacement %s never became healthy: %w", newID, err)
	}
	if err := m.drainWorkerLocked(ctx, id); err != nil {
		return err
	}
	return m.removeWorker(ctx, id)
}

func (m *Manager) waitFirstHealthy(ctx context.Context, id string) error {
	w, ok := m.workers.Get(id)
	if !ok {
		return fmt.Errorf("unknown worker %s", id)
	}
	deadline := time.Now().Add(m.healthCheckGrace())
	for time.Now().Before(deadline) {
		report := m.health.Evaluate(ctx, id, w.Snapshot().Port)
		if report.Status == health.StatusHealthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for %s to become healthy", id)
}

func (m *Manager) healthCheckGrace() time.Duration {
	if m.cfg.Cluster.HealthCheckGraceSec > 0 {
		return time.Duration(m.cfg.Cluster.HealthCheckGraceSec) * time.Second
	}
	return 30 * time.Second
}

// DrainWorker excludes a worker from the load balancer and waits for its
// in-flight requests to finish (or the grace period to expire) before
// returning, without shutting the process down.
func (m *Manager) DrainWorker(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	// The state-machine transition is best-effort: draining a single
	// worker while the cluster as a whole stays "running" is normal
	// and shouldn't fail the drain if the transition is rejected.
	_ = m.setState(StateDraining)
	defer m.setState(StateRunning)

	return m.drainWorkerLocked(ctx, id)
}

func (m *Manager) drainWorkerLocked(ctx context.Context, id string) error {
	stats, ok := m.lb.Stats(id)
	m.lb.RemoveWorker(id)
	if !ok {
		return nil
	}
	deadline := time.Now().Add(m.healthCheckGrace())
	for time.Now().Before(deadline) {
		if stats.Snapshot().ActiveRequests == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}

// PerformRollingUpdate replaces every worker one generation at a time,
// bounded by maxUnavailable/maxSurge, waiting for each replacement to
// pass its first health check before moving on.
func (m *Manager) PerformRollingUpdate(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	maxSurge := m.cfg.Cluster.MaxSurge
	if maxSurge <= 0 {
		maxSurge = 1
	}
	maxUnavailable := m.cfg.Cluster.MaxUnavailable
	if maxUnavailable <= 0 {
		maxUnavailable = 1
	}

	ids := m.workerIDs()
	m.events.Emit("rolling_update:started", "cluster", "", map[string]interface{}{"count": len(ids)})

	sem := make(chan struct{}, maxSurge+maxUnavailable)
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	for _, id := range ids {
		id := id
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.replaceWorkerUnlocked(ctx, id); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	m.events.Emit("rolling_update:finished", "cluster", "", nil)
	return firstErr
}

// replaceWorkerUnlocked is PerformRollingUpdate's per-worker step; opMu
// is already held by the caller so it bypasses ReplaceWorker's own lock.
func (m *Manager) replaceWorkerUnlocked(ctx context.Context, id string) error {
	newID, err := m.spawnWorker()
	if err != nil {
		return err
	}
	if err := m.waitFirstHealthy(ctx, newID); err != nil {
		_ = m.removeWorker(ctx, newID)
		return err
	}
	if err := m.drainWorkerLocked(ctx, id); err != nil {
		return err
	}
	return m.removeWorker(ctx, id)
}

func (m *Manager) workerIDs() []string {
	var ids []string
	for _, s := range m.workers.List() {
		ids = append(ids, s.ID)
	}
	return ids
}

// UpdateLoadBalancingStrategy switches the active strategy, subject to
// the balancer's own cooldown.
func (m *Manager) UpdateLoadBalancingStrategy(s lb.Strategy) error {
	return m.lb.SetStrategy(s)
}

// SendToWorker forwards an event to one worker over IPC.
func (m *Manager) SendToWorker(id string, data any) error {
	return m.bus.SendToWorker(id, data)
}

// BroadcastToWorkers fans an event out to every connected worker.
func (m *Manager) BroadcastToWorkers(data any) map[string]error {
	return m.bus.Broadcast(data)
}

// IsCircuitOpen reports whether a worker's circuit breaker is currently
// open (excluded from load-balancer selection).
func (m *Manager) IsCircuitOpen(id string) bool {
	cb := m.lb.CircuitBreaker(id)
	return cb.State() == circuitbreaker.StateOpen
}

// ResetCircuitBreaker clears a worker's breaker back to closed.
func (m *Manager) ResetCircuitBreaker(id string) {
	m.lb.ResetCircuitBreaker(id)
}

// CheckHealth runs an immediate evaluation against every tracked worker
// and returns the resulting reports.
func (m *Manager) CheckHealth(ctx context.Context) map[string]health.Report {
	reports := make(map[string]health.Report)
	for _, s := range m.workers.List() {
		reports[s.ID] = m.health.Evaluate(ctx, s.ID, s.Port)
	}
	return reports
}

func (m *Manager) sampleResources(workerID string) (int64, float64, bool) {
	stats, ok := m.lb.Stats(workerID)
	if !ok {
		return 0, 0, false
	}
	snap := stats.Snapshot()
	return int64(snap.MemPercent * 1e7), snap.CPUPercent, true
}

func (m *Manager) probeLoopDelay(ctx context.Context, workerID string) (time.Duration, error) {
	start := time.Now()
	_, err := m.bus.SendRequest(ctx, workerID, "ping", nil, 2*time.Second)
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (m *Manager) onHealthEvent(event, workerID, reason string) {
	m.events.Emit(event, "health", workerID, map[string]interface{}{"reason": reason})
	if event == "worker:restart:required" {
		if w, ok := m.workers.Get(workerID); ok {
			go func() {
				_ = m.workers.Shutdown(context.Background(), w.ID)
			}()
		}
	}
}

func (m *Manager) onScaleEvent(reason string, current, target int) {
	m.events.Emit("scaling:triggered", "autoscaler", "", map[string]interface{}{
		"reason":  reason,
		"current": current,
		"target":  target,
	})
}

func (m *Manager) workerLoad(workerID string) int {
	stats, ok := m.lb.Stats(workerID)
	if !ok {
		return 0
	}
	return int(stats.Snapshot().ActiveRequests)
}

// ClusterMetrics is the aggregated snapshot returned by GetMetrics and
// serialized by ExportMetrics.
type ClusterMetrics struct {
	State      State                `json:"state"`
	Workers    []workers.Snapshot   `json:"workers"`
	Health     map[string]health.Report `json:"health"`
	Strategy   string               `json:"strategy"`
	Efficiency float64              `json:"efficiencyScore"`
}

// GetMetrics returns a combined point-in-time view of every worker's
// process, health, and load-balancing state.
func (m *Manager) GetMetrics(ctx context.Context) ClusterMetrics {
	return ClusterMetrics{
		State:      m.State(),
		Workers:    m.workers.List(),
		Health:     m.CheckHealth(ctx),
		Strategy:   string(m.currentStrategy()),
		Efficiency: m.lb.DistributionGini(),
	}
}

// ExportMetrics renders GetMetrics in the requested format: json,
// prometheus, or csv.
func (m *Manager) ExportMetrics(ctx context.Context, format string) ([]byte, error) {
	metrics := m.GetMetrics(ctx)
	switch strings.ToLower(format) {
	case "", "json":
		return json.MarshalIndent(metrics, "", "  ")
	case "prometheus":
		return exportPrometheus(metrics), nil
	case "csv":
		return exportCSV(metrics)
	default:
		return nil, fmt.Errorf("cluster: unknown export format %q", format)
	}
}

func exportPrometheus(metrics ClusterMetrics) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# HELP clusterkit_worker_restarts_total Restarts observed per worker\n")
	fmt.Fprintf(&b, "# TYPE clusterkit_worker_restarts_total counter\n")
	for _, w := range metrics.Workers {
		fmt.Fprintf(&b, "clusterkit_worker_restarts_total{worker=%q} %d\n", w.ID, w.Restarts)
	}
	fmt.Fprintf(&b, "# HELP clusterkit_worker_health_score Latest health score per worker\n")
	fmt.Fprintf(&b, "# TYPE clusterkit_worker_health_score gauge\n")
	for id, report := range metrics.Health {
		fmt.Fprintf(&b, "clusterkit_worker_health_score{worker=%q} %f\n", id, report.Score)
	}
	fmt.Fprintf(&b, "# HELP clusterkit_efficiency_score Load distribution fairness (0-100)\n")
	fmt.Fprintf(&b, "# TYPE clusterkit_efficiency_score gauge\n")
	fmt.Fprintf(&b, "clusterkit_efficiency_score %f\n", metrics.Efficiency)
	return []byte(b.String())
}

func exportCSV(metrics ClusterMetrics) ([]byte, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write([]string{"worker_id", "state", "pid", "uptime_seconds", "restarts", "health_status", "health_score"}); err != nil {
		return nil, err
	}
	for _, ws := range metrics.Workers {
		report := metrics.Health[ws.ID]
		row := []string{
			ws.ID,
			string(ws.State),
			fmt.Sprintf("%d", ws.PID),
			fmt.Sprintf("%.0f", ws.Uptime.Seconds()),
			fmt.Sprintf("%d", ws.Restarts),
			string(report.Status),
			fmt.Sprintf("%.1f", report.Score),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// SaveState persists the current topology/strategy to the configured
// backend. Worker identities are never saved — a restart always spawns
// fresh workers, per the state machine's starting step.
func (m *Manager) SaveState(ctx context.Context) error {
	state := PersistentClusterState{
		Topology:    m.cfg.Orchestrator.Topology,
		Strategy:    string(m.currentStrategy()),
		WorkerCount: len(m.workerIDs()),
		SavedAt:     time.Now(),
	}
	return m.backend.Save(ctx, state)
}

// RestoreState loads the persisted strategy/topology. It does not spawn
// or reconcile workers; Start does that by reading the backend directly.
func (m *Manager) RestoreState(ctx context.Context) (PersistentClusterState, bool, error) {
	return m.backend.Load(ctx)
}

func (m *Manager) currentStrategy() lb.Strategy {
	// The balancer doesn't expose its strategy and the manager does not
	// record strategy changes, so this returns the configured default
	// (round-robin when none is set); a strategy applied to the balancer
	// later is not reflected here.
	if m.cfg.LB.Strategy != "" {
		return lb.Strategy(m.cfg.LB.Strategy)
	}
	return lb.RoundRobin
}

// Close releases the persistence backend's resources.
func (m *Manager) Close() error {
	return m.backend.Close()
}
