package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/logging"
)

// ErrRequestTimeout is returned by SendRequest when no response arrives
// within the requested deadline.
var ErrRequestTimeout = errors.New("ipc: request timeout")

// ErrUnknownPeer is returned when targeting a worker id the bus has no
// registered peer for.
var ErrUnknownPeer = errors.New("ipc: unknown peer")

const defaultRequestTimeout = 5 * time.Second

// LoadGetter reports a worker's current load, used by the "least-loaded"
// routing target in SendRequest.
type LoadGetter func(workerID string) int

// Bus is the master-side IPC hub: one Peer per live worker, request/response
// correlation, broadcast, and event subscription. Workers see the mirror
// image of this (a single Peer to the master) but reuse the same type.
type Bus struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[Type][]func(Message)
	pending  map[string]chan Message
	logger   *slog.Logger
	loadOf   LoadGetter

	securityKey []byte
	violations  atomic.Int64
}

// New constructs a Bus. loadOf may be nil, in which case "least-loaded"
// routing falls back to random selection.
func New(logger *slog.Logger, loadOf LoadGetter) *Bus {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Bus{
		peers:    make(map[string]*Peer),
		handlers: make(map[Type][]func(Message)),
		pending:  make(map[string]chan Message),
		logger:   logger,
		loadOf:   loadOf,
	}
}

// EnableSecurity turns on HMAC-SHA256 signing plus AES-256-GCM payload
// encryption for every message this bus sends and receives, derived from
// cfg.SharedSecret. It is a no-op unless cfg.Encrypted is set and a
// secret is configured, leaving the bus unsigned by default. Call before
// AddPeer.
func (b *Bus) EnableSecurity(cfg config.IPCConfig) error {
	if !cfg.Encrypted || cfg.SharedSecret == "" {
		return nil
	}
	key, err := DeriveKey(cfg.SharedSecret)
	if err != nil {
		return fmt.Errorf("ipc: derive security key: %w", err)
	}
	b.securityKey = key
	return nil
}

// SecurityViolations counts inbound messages dropped for failing
// signature verification or decryption since the bus was created.
func (b *Bus) SecurityViolations() int64 {
	return b.violations.Load()
}

// AddPeer registers a worker's IPC endpoint with the bus so sends can
// reach it. Inbound routing through dispatch is wired when the peer is
// built with NewPeerWithDispatch.
func (b *Bus) AddPeer(id string, p *Peer) {
	b.mu.Lock()
	b.peers[id] = p
	b.mu.Unlock()
}

// RemovePeer detaches and closes a worker's endpoint, e.g. on worker exit.
func (b *Bus) RemovePeer(id string) {
	b.mu.Lock()
	p, ok := b.peers[id]
	delete(b.peers, id)
	b.mu.Unlock()
	if ok {
		p.Close()
	}
}

// PeerIDs returns the currently registered worker ids.
func (b *Bus) PeerIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// On registers a handler invoked for every inbound message of the given
// type. Multiple handlers may subscribe to the same type; all are invoked.
func (b *Bus) On(t Type, handler func(Message)) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], handler)
	b.mu.Unlock()
}

// RegisterHandler is an alias for On, matching the vocabulary used by
// call sites that think in terms of named event handlers rather than
// message types.
func (b *Bus) RegisterHandler(t Type, handler func(Message)) {
	b.On(t, handler)
}

// dispatch is the per-peer onMessage callback wired in at peer construction.
// It resolves pending request correlations first, then fans out to type
// handlers, dropping anything that fails validation.
func (b *Bus) dispatch(msg Message) {
	if !msg.HasRequiredFields() {
		b.logger.Warn("ipc: dropping malformed message", "from", msg.From, "type", msg.Type)
		return
	}

	if b.securityKey != nil {
		verified, ok := VerifyInbound(b.securityKey, msg)
		if !ok {
			b.violations.Add(1)
			b.logger.Warn("ipc: dropping message with invalid signature or encryption", "from", msg.From, "type", msg.Type)
			return
		}
		msg = verified
	}

	if msg.CorrelationID != "" {
		b.mu.Lock()
		ch, ok := b.pending[msg.CorrelationID]
		if ok {
			delete(b.pending, msg.CorrelationID)
		}
		b.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	b.mu.RLock()
	handlers := append([]func(Message){}, b.handlers[msg.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// NewPeerWithDispatch is a convenience constructor wiring a Peer's inbound
// messages straight into the bus's dispatch logic.
func (b *Bus) NewPeerWithDispatch(id string, w io.Writer, r io.Reader, queueSize int, queueTimeout time.Duration) *Peer {
	return NewPeer(id, w, r, queueSize, queueTimeout, b.logger, b.dispatch)
}

// SendToWorker is a fire-and-forget send: it enqueues data as an event
// message to the named worker's outbound queue.
func (b *Bus) SendToWorker(id string, data any) error {
	b.mu.RLock()
	p, ok := b.peers[id]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	msg := Message{
		ID:        uuid.NewString(),
		Type:      TypeEvent,
		From:      Master,
		To:        id,
		Timestamp: time.Now(),
		Data:      data,
	}
	msg, err := SecureOutbound(b.securityKey, msg)
	if err != nil {
		return err
	}
	return p.Enqueue(msg)
}

// SendRequest sends a request to target (a specific worker id, "random", or
// "least-loaded") and blocks for a matching response correlated by id, up
// to timeout (defaulting to 5s). The event name travels as part of data so
// the worker-side handler can route on it.
func (b *Bus) SendRequest(ctx context.Context, target string, event string, payload any, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	id, err := b.resolveTarget(target)
	if err != nil {
		return Message{}, err
	}

	b.mu.RLock()
	p, ok := b.peers[id]
	b.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	correlationID := uuid.NewString()
	respCh := make(chan Message, 1)

	b.mu.Lock()
	b.pending[correlationID] = respCh
	b.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		return Message{}, fmt.Errorf("ipc: marshal request payload: %w", err)
	}

	msg := Message{
		ID:            correlationID,
		Type:          TypeRequest,
		From:          Master,
		To:            id,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data:          map[string]any{"event": event, "payload": json.RawMessage(body)},
	}

	msg, err = SecureOutbound(b.securityKey, msg)
	if err != nil {
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		return Message{}, err
	}

	if err := p.Enqueue(msg); err != nil {
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		return Message{}, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(timeout):
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		return Message{}, ErrRequestTimeout
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// resolveTarget turns "random"/"least-loaded" into a concrete worker id.
func (b *Bus) resolveTarget(target string) (string, error) {
	if target != "random" && target != "least-loaded" {
		return target, nil
	}

	ids := b.PeerIDs()
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: no workers registered", ErrUnknownPeer)
	}

	if target == "random" {
		return ids[rand.Intn(len(ids))], nil
	}

	if b.loadOf == nil {
		return ids[rand.Intn(len(ids))], nil
	}
	best := ids[0]
	bestLoad := b.loadOf(best)
	for _, id := range ids[1:] {
		if l := b.loadOf(id); l < bestLoad {
			best, bestLoad = id, l
		}
	}
	return best, nil
}

// Broadcast sends data to every live worker. It is partial-failure
// tolerant: a slow or dead peer's queue-full/closed error is logged and
// collected, but does not stop delivery to the remaining peers.
func (b *Bus) Broadcast(data any) map[string]error {
	b.mu.RLock()
	peers := make(map[string]*Peer, len(b.peers))
	for id, p := range b.peers {
		peers[id] = p
	}
	b.mu.RUnlock()

	failures := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for id, p := range peers {
		wg.Add(1)
		go func(id string, p *Peer) {
			defer wg.Done()
			msg := Message{
				ID:        uuid.NewString(),
				Type:      TypeBroadcast,
				From:      Master,
				To:        Broadcast,
				Timestamp: time.Now(),
				Data:      data,
			}
			msg, err := SecureOutbound(b.securityKey, msg)
			if err != nil {
				mu.Lock()
				failures[id] = err
				mu.Unlock()
				b.logger.Warn("ipc: broadcast encryption failed", "peer", id, "error", err)
				return
			}
			if err := p.Enqueue(msg); err != nil {
				mu.Lock()
				failures[id] = err
				mu.Unlock()
				b.logger.Warn("ipc: broadcast delivery failed", "peer", id, "error", err)
			}
		}(id, p)
	}

	wg.Wait()
	return failures
}

// Respond sends a response message correlated back to an inbound request.
func (b *Bus) Respond(to string, correlationID string, data any) error {
	b.mu.RLock()
	p, ok := b.peers[to]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}

	msg := Message{
		ID:            uuid.NewString(),
		Type:          TypeResponse,
		From:          Master,
		To:            to,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data:          data,
	}
	msg, err := SecureOutbound(b.securityKey, msg)
	if err != nil {
		return err
	}
	return p.Enqueue(msg)
}
