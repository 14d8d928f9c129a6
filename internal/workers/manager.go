package workers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/ipc"
	"github.com/clusterkit/clusterkit/internal/logging"
)

// RestartReason labels why a worker was restarted, carried into
// lifecycle events for the cluster manager/admin routes.
type RestartReason string

const (
	RestartCrash         RestartReason = "crash"
	RestartResourceLimit RestartReason = "resource_limit"
	RestartZombie        RestartReason = "zombie"
	RestartManual        RestartReason = "manual"
)

// CommandFactory builds the *exec.Cmd for a worker id/port. Tests supply a
// factory pointing at a short-lived helper binary instead of the real one.
type CommandFactory func(id string, port int) *exec.Cmd

// Manager forks and supervises the configured number of worker processes.
type Manager struct {
	mu      sync.Mutex
	cfg     config.WorkersConfig
	ipcCfg  config.IPCConfig
	factory CommandFactory
	bus     *ipc.Bus
	logger  *slog.Logger

	workers map[string]*Worker
}

// NewManager constructs a worker supervisor. bus is the IPC hub workers
// register peers on as they're spawned. ipcCfg is threaded into each
// child's environment so it can derive the same signing/encryption key
// the bus uses, if any.
func NewManager(cfg config.WorkersConfig, ipcCfg config.IPCConfig, factory CommandFactory, bus *ipc.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Manager{
		cfg:     cfg,
		ipcCfg:  ipcCfg,
		factory: factory,
		bus:     bus,
		logger:  logging.Component(logger, "workers"),
		workers: make(map[string]*Worker),
	}
}

// Spawn starts one worker process and begins supervising it. port is
// basePort+index.
func (m *Manager) Spawn(id string, port int) (*Worker, error) {
	cmd := m.factory(id, port)
	cmd.Env = append(os.Environ(), workerEnv(id, port, m.ipcCfg)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("workers: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("workers: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("workers: start %s: %w", id, err)
	}

	w := &Worker{
		ID:           id,
		Port:         port,
		Cmd:          cmd,
		State:        StateRunning,
		PID:          cmd.Process.Pid,
		StartedAt:    time.Now(),
		restartDelay: m.restartDelay(),
		exited:       make(chan struct{}),
	}

	m.mu.Lock()
	// Carry restart bookkeeping over from a prior incarnation of this id
	// so the hourly cap and exponential backoff span respawns, not just
	// one process's lifetime.
	if prev, ok := m.workers[id]; ok {
		prev.mu.Lock()
		w.restarts = prev.restarts
		w.restartDelay = prev.restartDelay
		prev.mu.Unlock()
	}
	m.workers[id] = w
	m.mu.Unlock()

	peer := m.bus.NewPeerWithDispatch(id, stdin, stdout, 1000, 30*time.Second)
	m.bus.AddPeer(id, peer)

	m.logger.Info("worker started", "id", id, "pid", w.PID, "port", port)
	go m.supervise(w, stdin)
	return w, nil
}

// supervise blocks on the worker's exit and applies the respawn policy.
// It is the sole caller of Cmd.Wait for this process; Shutdown and other
// callers observe exit via w.exited instead of waiting themselves.
func (m *Manager) supervise(w *Worker, stdin io.Closer) {
	err := w.Cmd.Wait()
	close(w.exited)
	_ = stdin.Close()
	m.bus.RemovePeer(w.ID)

	w.mu.Lock()
	intentional := w.State == StateStopping
	w.State = StateStopped
	w.mu.Unlock()

	if intentional {
		m.logger.Info("worker stopped", "id", w.ID)
		return
	}

	m.logger.Warn("worker exited unexpectedly", "id", w.ID, "error", err)
	if !m.cfg.Respawn {
		return
	}
	m.restart(w, RestartCrash)
}

// restart applies the exponential backoff and hourly restart cap before
// respawning w at the same port.
func (m *Manager) restart(w *Worker, reason RestartReason) {
	now := time.Now()

	w.mu.Lock()
	count := w.restartsWithinLastHour(now)
	maxPerHour := m.cfg.MaxRestartsPerHour
	if maxPerHour <= 0 {
		maxPerHour = 10
	}
	if count >= maxPerHour {
		w.mu.Unlock()
		m.logger.Error("worker exceeded restart budget, giving up", "id", w.ID, "restarts_last_hour", count)
		return
	}
	w.restarts = append(w.restarts, now)
	delay := w.restartDelay
	next := delay * 2
	maxDelay := m.maxRestartDelay()
	if next > maxDelay {
		next = maxDelay
	}
	w.restartDelay = next
	w.mu.Unlock()

	m.logger.Info("restarting worker", "id", w.ID, "reason", reason, "delay", delay)
	time.Sleep(delay)

	if _, err := m.Spawn(w.ID, w.Port); err != nil {
		m.logger.Error("worker respawn failed", "id", w.ID, "error", err)
	}
}

func (m *Manager) restartDelay() time.Duration {
	if m.cfg.RestartDelayMs <= 0 {
		return time.Second
	}
	return time.Duration(m.cfg.RestartDelayMs) * time.Millisecond
}

func (m *Manager) maxRestartDelay() time.Duration {
	if m.cfg.MaxRestartDelayMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.cfg.MaxRestartDelayMs) * time.Millisecond
}

// Get returns a worker by id.
func (m *Manager) Get(id string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return w, ok
}

// List returns a snapshot of every known worker.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.Snapshot())
	}
	return out
}

// Shutdown gracefully stops one worker: requests a `{type:"shutdown"}` IPC
// message, waits gracefulShutdownTimeout (default 48s), then SIGKILLs and
// waits up to killTimeout (default 15s) more.
func (m *Manager) Shutdown(ctx context.Context, id string) error {
	w, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("workers: unknown worker %s", id)
	}

	w.mu.Lock()
	w.State = StateStopping
	w.mu.Unlock()

	_ = m.bus.SendToWorker(id, map[string]any{"type": "shutdown"})

	graceful := m.gracefulTimeout()
	select {
	case <-w.exited:
		return nil
	case <-time.After(graceful):
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Warn("worker did not exit gracefully, sending SIGKILL", "id", id)
	_ = w.Cmd.Process.Kill()

	select {
	case <-w.exited:
		return nil
	case <-time.After(m.killTimeout()):
		return fmt.Errorf("workers: %s did not exit after SIGKILL", id)
	}
}

func (m *Manager) gracefulTimeout() time.Duration {
	if m.cfg.GracefulShutdownSec <= 0 {
		return 48 * time.Second
	}
	return time.Duration(m.cfg.GracefulShutdownSec) * time.Second
}

func (m *Manager) killTimeout() time.Duration {
	if m.cfg.KillTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(m.cfg.KillTimeoutSec) * time.Second
}

// ShutdownAll gracefully stops every supervised worker concurrently.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Shutdown(ctx, id); err != nil {
				m.logger.Error("worker shutdown failed", "id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// CheckZombies polls process liveness for every worker recorded as
// running. A pid that no longer exists while the record says running is
// marked dead and, if respawn is enabled, restarted with reason "zombie".
func (m *Manager) CheckZombies() {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		running := w.State == StateRunning
		pid := w.PID
		w.mu.Unlock()
		if !running {
			continue
		}
		if processAlive(pid) {
			continue
		}

		w.mu.Lock()
		w.State = StateDead
		w.mu.Unlock()
		m.logger.Warn("zombie worker detected", "id", w.ID, "pid", pid)
		if m.cfg.Respawn {
			m.restart(w, RestartZombie)
		}
	}
}

// ThresholdRestart initiates a graceful restart because sustained
// resource usage exceeded memoryThreshold/cpuThreshold, per the health
// monitor's sustained-check policy.
func (m *Manager) ThresholdRestart(ctx context.Context, id string) error {
	if err := m.Shutdown(ctx, id); err != nil {
		return err
	}
	w, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("workers: unknown worker %s", id)
	}
	m.restart(w, RestartResourceLimit)
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without affecting the process.
	return proc.Signal(syscall.Signal(0)) == nil
}
