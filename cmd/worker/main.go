// Command worker is the process internal/workers.Manager spawns: it
// serves application traffic on WORKER_PORT and answers the master's IPC
// control channel (health pings, graceful shutdown) over its own stdio.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/clusterkit/clusterkit/internal/ipc"
	"github.com/clusterkit/clusterkit/internal/logging"
)

func main() {
	logger := logging.Component(logging.New(logging.DefaultOptions()), "worker")

	id := os.Getenv("WORKER_ID")
	port, _ := strconv.Atoi(os.Getenv("WORKER_PORT"))
	if id == "" {
		fmt.Fprintln(os.Stderr, "worker: WORKER_ID not set")
		os.Exit(1)
	}

	securityKey, err := loadSecurityKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", port),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Worker-Id", id)
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "clusterkit worker %s\n", id)
		}),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker http server exited", "error", err)
		}
	}()

	shutdown := make(chan struct{})
	go runControlLoop(id, securityKey, logger, shutdown)

	select {
	case <-ctx.Done():
	case <-shutdown:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// loadSecurityKey derives the signing/encryption key from WORKER_IPC_SECRET,
// the same shared secret the master's ipc.Bus was given. Unset means the
// master has security disabled, and this worker talks unsigned.
func loadSecurityKey() ([]byte, error) {
	secret := os.Getenv("WORKER_IPC_SECRET")
	if secret == "" {
		return nil, nil
	}
	key, err := ipc.DeriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("derive ipc security key: %w", err)
	}
	return key, nil
}

// runControlLoop reads length-prefixed IPC frames from stdin and answers
// on stdout: it responds to "ping" requests (the master's loop-delay
// probe) and exits on a {"type":"shutdown"} event, closing shutdown. A
// frame failing signature verification or decryption is dropped and the
// loop keeps reading rather than tearing down the worker.
func runControlLoop(id string, securityKey []byte, logger *slog.Logger, shutdown chan<- struct{}) {
	reader := bufio.NewReader(os.Stdin)
	for {
		msg, err := ipc.ReadFrame(reader)
		if err != nil {
			close(shutdown)
			return
		}

		msg, ok := ipc.VerifyInbound(securityKey, msg)
		if !ok {
			logger.Warn("worker: dropping message with invalid signature or encryption", "from", msg.From, "type", msg.Type)
			continue
		}

		switch msg.Type {
		case ipc.TypeEvent:
			if isShutdown(msg.Data) {
				close(shutdown)
				return
			}
		case ipc.TypeRequest:
			handleRequest(id, msg, securityKey, logger)
		}
	}
}

func isShutdown(data any) bool {
	m, ok := data.(map[string]any)
	if !ok {
		return false
	}
	t, _ := m["type"].(string)
	return t == "shutdown"
}

func handleRequest(id string, msg ipc.Message, securityKey []byte, logger *slog.Logger) {
	m, ok := msg.Data.(map[string]any)
	if !ok {
		return
	}
	event, _ := m["event"].(string)

	var respData any
	switch event {
	case "ping":
		respData = map[string]any{"pong": true, "at": time.Now()}
	default:
		respData = map[string]any{"error": "unknown event " + event}
	}

	resp := ipc.Message{
		ID:            uuid.NewString(),
		Type:          ipc.TypeResponse,
		From:          id,
		To:            ipc.Master,
		Timestamp:     time.Now(),
		CorrelationID: msg.CorrelationID,
		Data:          respData,
	}
	resp, err := ipc.SecureOutbound(securityKey, resp)
	if err != nil {
		logger.Error("worker: secure response frame", "error", err)
		return
	}
	if err := ipc.WriteFrame(os.Stdout, resp); err != nil {
		logger.Error("worker: write response frame", "error", err)
	}
}
