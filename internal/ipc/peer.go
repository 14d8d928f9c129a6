package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned when a peer's bounded outbound queue could not
// accept a new message within QueueTimeout.
var ErrQueueFull = errors.New("ipc: queue full")

// Peer is one worker's IPC endpoint: a writer (the worker's stdin) and a
// reader (its stdout), with a bounded outbound queue absorbing
// backpressure so a slow worker cannot block the sender.
type Peer struct {
	ID     string
	w      io.Writer
	queue  chan Message
	logger *slog.Logger

	queueTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewPeer wraps a worker's stdio pipes. queueSize/queueTimeout implement
// the bounded-queue backpressure policy (defaults: 1000 messages, 30s).
func NewPeer(id string, w io.Writer, r io.Reader, queueSize int, queueTimeout time.Duration, logger *slog.Logger, onMessage func(Message)) *Peer {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if queueTimeout <= 0 {
		queueTimeout = 30 * time.Second
	}

	p := &Peer{
		ID:           id,
		w:            w,
		queue:        make(chan Message, queueSize),
		logger:       logger,
		queueTimeout: queueTimeout,
		done:         make(chan struct{}),
	}

	go p.writeLoop()
	go p.readLoop(r, onMessage)
	return p
}

// Enqueue attempts to hand msg to the writer goroutine, blocking up to
// queueTimeout before failing with ErrQueueFull.
func (p *Peer) Enqueue(msg Message) error {
	select {
	case p.queue <- msg:
		return nil
	case <-time.After(p.queueTimeout):
		return ErrQueueFull
	case <-p.done:
		return fmt.Errorf("ipc: peer %s closed", p.ID)
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case msg := <-p.queue:
			if err := WriteFrame(p.w, msg); err != nil {
				p.logger.Warn("ipc: write to peer failed", "peer", p.ID, "error", err)
			}
		case <-p.done:
			return
		}
	}
}

func (p *Peer) readLoop(r io.Reader, onMessage func(Message)) {
	reader := bufio.NewReader(r)
	for {
		msg, err := ReadFrame(reader)
		if err != nil {
			if err != io.EOF {
				p.logger.Warn("ipc: read from peer failed", "peer", p.ID, "error", err)
			}
			return
		}
		onMessage(msg)
	}
}

// Close stops the peer's goroutines. It does not close the underlying
// pipes — the caller (worker manager) owns their lifetime.
func (p *Peer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// WaitClosed blocks until Close has been called or ctx is done.
func (p *Peer) WaitClosed(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
