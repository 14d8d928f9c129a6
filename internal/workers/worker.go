// Package workers forks and supervises worker processes: one OS process
// per cluster worker, communicating with the master over an IPC bus,
// restarted on crash with exponential backoff, and shut down gracefully
// before being killed outright.
package workers

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/config"
)

// State is a worker process's supervised lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateDead     State = "dead" // zombie-detected: pid gone, record said running
)

// Worker is one supervised OS process plus its restart bookkeeping.
type Worker struct {
	mu sync.Mutex

	ID        string
	Port      int
	Cmd       *exec.Cmd
	State     State
	PID       int
	StartedAt time.Time

	restarts       []time.Time // restart timestamps within the last hour, for the rate cap
	restartDelay   time.Duration
	consecutiveOOM int

	exited chan struct{} // closed exactly once, by supervise(), when Cmd.Wait returns
}

// Snapshot is an immutable, race-free view of a Worker's state for
// reporting (health monitor, cluster manager, admin routes).
type Snapshot struct {
	ID        string
	Port      int
	PID       int
	State     State
	StartedAt time.Time
	Uptime    time.Duration
	Restarts  int
}

func (w *Worker) snapshot() Snapshot {
	return Snapshot{
		ID:        w.ID,
		Port:      w.Port,
		PID:       w.PID,
		State:     w.State,
		StartedAt: w.StartedAt,
		Uptime:    time.Since(w.StartedAt),
		Restarts:  len(w.restarts),
	}
}

// Snapshot returns a point-in-time copy of the worker's state, safe to
// read concurrently with the supervisor's own goroutines.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot()
}

// restartsWithinLastHour prunes and counts restart timestamps older than
// an hour, implementing the maxRestarts/hour cap.
func (w *Worker) restartsWithinLastHour(now time.Time) int {
	cutoff := now.Add(-time.Hour)
	kept := w.restarts[:0]
	for _, t := range w.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.restarts = kept
	return len(w.restarts)
}

// workerEnv builds the child process's environment. WORKER_IPC_SECRET is
// only set when the master has signing/encryption enabled (ipcCfg.Encrypted
// with a configured SharedSecret), so a worker built against an older
// protocol still starts fine in the unsecured default case.
func workerEnv(id string, port int, ipcCfg config.IPCConfig) []string {
	env := []string{
		fmt.Sprintf("WORKER_ID=%s", id),
		"CLUSTER_MODE=true",
		fmt.Sprintf("WORKER_PORT=%d", port),
	}
	if ipcCfg.Encrypted && ipcCfg.SharedSecret != "" {
		env = append(env, fmt.Sprintf("WORKER_IPC_SECRET=%s", ipcCfg.SharedSecret))
	}
	return env
}
