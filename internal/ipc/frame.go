package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const maxFrameBytes = 16 << 20 // 16MiB, generous upper bound against a corrupt length prefix

// WriteFrame writes one length-prefixed JSON frame: a 4-byte big-endian
// length followed by that many bytes of JSON. This replaces the 110-byte
// fixed AOCS header with a variable-length prefix because IPCMessage is
// variable-shaped, not a fixed-width record.
func WriteFrame(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: marshal frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("ipc: frame too large: %d bytes", len(body))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r.
func ReadFrame(r *bufio.Reader) (Message, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameBytes {
		return Message{}, fmt.Errorf("ipc: frame declares %d bytes, exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("ipc: read frame body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("ipc: unmarshal frame: %w", err)
	}
	return msg, nil
}
