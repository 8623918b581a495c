// Package wire defines the frames exchanged between the sync engine and
// the collaboration relay over a room-scoped websocket session. Two
// channels share the session: durable document updates, which the relay
// persists and redistributes, and ephemeral presence, which it only
// redistributes.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TypeSnapshot carries a full-document export, sent by both sides
	// at connection time. It is an ordinary update batch and merges
	// idempotently.
	TypeSnapshot = "snapshot"
	// TypeUpdate carries an incremental mutation batch.
	TypeUpdate = "update"
	// TypePresence carries an ephemeral who-is-online heartbeat. Never
	// persisted.
	TypePresence = "presence"
	// TypeError carries a terminal server-side rejection before close.
	TypeError = "error"
)

// Frame is the wire envelope.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Encode builds a frame around an already-serialized payload.
func Encode(frameType string, payload []byte) ([]byte, error) {
	return json.Marshal(Frame{Type: frameType, Payload: payload})
}

// Decode parses a frame and validates its type tag.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case TypeSnapshot, TypeUpdate, TypePresence, TypeError:
		return f, nil
	}
	return Frame{}, fmt.Errorf("unknown frame type %q", strings.TrimSpace(f.Type))
}
