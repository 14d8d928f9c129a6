// Package hybridcore bridges incoming HTTP requests to a single
// long-lived sidecar subprocess over the same IPC transport workers use,
// for deployments that want one hot-reloadable core process instead of a
// cluster of identical workers. It reuses internal/workers' restart
// policy to supervise that one process and internal/ipc's correlation
// machinery to pair requests with responses.
package hybridcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/ipc"
	"github.com/clusterkit/clusterkit/internal/logging"
	"github.com/clusterkit/clusterkit/internal/workers"
)

// bridgeWorkerID is the fixed worker id the hybrid core process
// registers under; there is always exactly one.
const bridgeWorkerID = "hybridcore"

const defaultPort = 0

// maxInFlight bounds the number of requests concurrently awaiting a
// response from the sidecar, independent of the IPC bus's own
// unbounded-by-id pending map — without this a stalled sidecar would let
// callers pile up indefinitely instead of failing fast.
const maxInFlight = 256

// ErrGatewayTimeout is returned by Forward when the sidecar doesn't
// respond within the configured request timeout; callers should answer
// the original HTTP request with 504.
var ErrGatewayTimeout = errors.New("hybridcore: sidecar request timed out")

// ErrOverloaded is returned by Forward when maxInFlight concurrent
// requests are already outstanding; callers should answer 503.
var ErrOverloaded = errors.New("hybridcore: too many outstanding requests")

// Request is the subset of an inbound HTTP request forwarded to the
// sidecar over IPC.
type Request struct {
	Method string              `json:"method"`
	Path   string              `json:"path"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"body"`
}

// Response is the sidecar's answer, replayed back onto the real
// http.ResponseWriter by the caller.
type Response struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"body"`
}

// Bridge supervises the sidecar process and forwards requests to it.
type Bridge struct {
	cfg      config.HybridCoreConfig
	workers  *workers.Manager
	bus      *ipc.Bus
	logger   *slog.Logger
	inFlight chan struct{}
}

// New builds a bridge. The sidecar isn't started until Start is called.
// ipcCfg is the same IPC security configuration the cluster topology uses,
// so a hybrid-core sidecar speaks the same signed/encrypted wire protocol
// a pooled worker would.
func New(cfg config.HybridCoreConfig, ipcCfg config.IPCConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = logging.Noop()
	}
	logger = logging.Component(logger, "hybridcore")

	bus := ipc.New(logger, nil)
	if err := bus.EnableSecurity(ipcCfg); err != nil {
		logger.Warn("hybridcore: ipc security disabled", "error", err)
	}
	factory := func(id string, port int) *exec.Cmd {
		return exec.Command("sh", "-c", cfg.Command)
	}

	return &Bridge{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		inFlight: make(chan struct{}, maxInFlight),
		workers:  workers.NewManager(config.WorkersConfig{Respawn: true, MaxRestartsPerHour: 20}, ipcCfg, factory, bus, logger),
	}
}

// Start spawns the sidecar process.
func (b *Bridge) Start(ctx context.Context) error {
	_, err := b.workers.Spawn(bridgeWorkerID, defaultPort)
	return err
}

// Stop gracefully shuts the sidecar process down.
func (b *Bridge) Stop(ctx context.Context) error {
	return b.workers.Shutdown(ctx, bridgeWorkerID)
}

// Running reports whether the sidecar is currently alive.
func (b *Bridge) Running() bool {
	w, ok := b.workers.Get(bridgeWorkerID)
	if !ok {
		return false
	}
	return w.Snapshot().State == workers.StateRunning
}

func (b *Bridge) timeout() time.Duration {
	if b.cfg.RequestTimeoutMs > 0 {
		return time.Duration(b.cfg.RequestTimeoutMs) * time.Millisecond
	}
	return 10 * time.Second
}

// Forward sends req to the sidecar and waits for its response, bounded
// by the configured request timeout. On timeout it returns
// ErrGatewayTimeout; the caller decides whether to fall back to the
// in-process server (cfg.Fallback) or answer 504 directly.
func (b *Bridge) Forward(ctx context.Context, req *Request) (*Response, error) {
	select {
	case b.inFlight <- struct{}{}:
	default:
		return nil, ErrOverloaded
	}
	defer func() { <-b.inFlight }()

	msg, err := b.bus.SendRequest(ctx, bridgeWorkerID, "http:request", req, b.timeout())
	if err != nil {
		if errors.Is(err, ipc.ErrRequestTimeout) || ctx.Err() != nil {
			return nil, ErrGatewayTimeout
		}
		return nil, fmt.Errorf("hybridcore: forward: %w", err)
	}

	raw, err := json.Marshal(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("hybridcore: re-encode sidecar response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("hybridcore: decode sidecar response: %w", err)
	}
	return &resp, nil
}

// Fallback reports whether the caller should retry against the
// in-process HTTP server when the sidecar is unreachable.
func (b *Bridge) Fallback() bool { return b.cfg.Fallback }

// StatusForError maps a Forward error to the HTTP status the caller
// should answer with if no fallback handler is configured.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrGatewayTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrOverloaded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
