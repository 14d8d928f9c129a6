// Package ipc implements the length-framed message bus between the
// master process and its worker children: JSON-framed messages over a
// child's stdio pipes, optional AES-256-GCM encryption and HMAC-SHA256
// signing, and request/response correlation.
package ipc

import "time"

// Type is the kind of an IPC message.
type Type string

const (
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
	TypeEvent     Type = "event"
	TypeBroadcast Type = "broadcast"
)

// Broadcast is the sentinel "to" value meaning every live worker.
const Broadcast = "broadcast"

// Master is the "from"/"to" value identifying the master process.
const Master = "master"

// Message is one frame on the wire. Signature and encryption are both
// optional; when Encrypted is true, Data holds the JSON-encoded envelope
// {encrypted, iv, authTag} rather than the plaintext payload.
type Message struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Timestamp     time.Time `json:"timestamp"`
	Data          any       `json:"data,omitempty"`
	Encrypted     bool      `json:"encrypted,omitempty"`
	Signature     string    `json:"signature,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// HasRequiredFields validates the minimal shape required by the wire
// format: non-empty id/type/from/to, and a non-zero timestamp.
func (m Message) HasRequiredFields() bool {
	if m.ID == "" || m.Type == "" || m.From == "" || m.To == "" {
		return false
	}
	return !m.Timestamp.IsZero()
}

// LooksLikePlainClusterMessage heuristically recognizes Go's/Node's
// built-in process-IPC chatter so it can be silently ignored instead of
// rejected as malformed — it lacks the required fields entirely.
func LooksLikePlainClusterMessage(raw map[string]any) bool {
	if _, hasCmd := raw["cmd"]; hasCmd {
		return true
	}
	_, hasID := raw["id"]
	_, hasType := raw["type"]
	return !hasID || !hasType
}
