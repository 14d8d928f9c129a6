// Command hybridcore is a reference sidecar implementation for
// internal/hybridcore.Bridge: it answers "http:request" IPC requests
// with a Response payload and exits on the standard {"type":"shutdown"}
// control event, the same contract cmd/worker implements for pooled
// workers.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/clusterkit/clusterkit/internal/hybridcore"
	"github.com/clusterkit/clusterkit/internal/ipc"
	"github.com/clusterkit/clusterkit/internal/logging"
)

func main() {
	logger := logging.Component(logging.New(logging.DefaultOptions()), "hybridcore-sidecar")

	securityKey, err := loadSecurityKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hybridcore:", err)
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)

	for {
		msg, err := ipc.ReadFrame(reader)
		if err != nil {
			return
		}

		msg, ok := ipc.VerifyInbound(securityKey, msg)
		if !ok {
			logger.Warn("hybridcore: dropping message with invalid signature or encryption", "from", msg.From, "type", msg.Type)
			continue
		}

		switch msg.Type {
		case ipc.TypeEvent:
			if isShutdown(msg.Data) {
				return
			}
		case ipc.TypeRequest:
			handle(msg, securityKey, logger)
		}
	}
}

// loadSecurityKey mirrors cmd/worker's: WORKER_IPC_SECRET unset means the
// master has security disabled and this sidecar talks unsigned.
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

func isShutdown(data any) bool {
	m, ok := data.(map[string]any)
	if !ok {
		return false
	}
	t, _ := m["type"].(string)
	return t == "shutdown"
}

// handle decodes the forwarded HTTP request and answers with a minimal
// Response. A real sidecar replaces this with its own HTTP-serving
// engine; this reference implementation just echoes the request path
// back with a 200, enough to exercise the wire contract end to end.
func handle(msg ipc.Message, securityKey []byte, logger *slog.Logger) {
	m, ok := msg.Data.(map[string]any)
	if !ok {
		return
	}
	event, _ := m["event"].(string)
	if event != "http:request" {
		respond(msg.CorrelationID, hybridcore.Response{Status: http.StatusNotImplemented}, securityKey, logger)
		return
	}

	raw, err := json.Marshal(m["payload"])
	if err != nil {
		respond(msg.CorrelationID, hybridcore.Response{Status: http.StatusBadRequest}, securityKey, logger)
		return
	}
	var req hybridcore.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		respond(msg.CorrelationID, hybridcore.Response{Status: http.StatusBadRequest}, securityKey, logger)
		return
	}

	respond(msg.CorrelationID, hybridcore.Response{
		Status: http.StatusOK,
		Header: map[string][]string{"Content-Type": {"text/plain"}},
		Body:   []byte("handled by hybrid core: " + req.Method + " " + req.Path),
	}, securityKey, logger)
}

func respond(correlationID string, data hybridcore.Response, securityKey []byte, logger *slog.Logger) {
	resp := ipc.Message{
		ID:            uuid.NewString(),
		Type:          ipc.TypeResponse,
		From:          "hybridcore",
		To:            ipc.Master,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data:          data,
	}
	resp, err := ipc.SecureOutbound(securityKey, resp)
	if err != nil {
		logger.Error("hybridcore sidecar: secure response frame", "error", err)
		return
	}
	if err := ipc.WriteFrame(os.Stdout, resp); err != nil {
		logger.Error("hybridcore sidecar: write response frame", "error", err)
	}
}
