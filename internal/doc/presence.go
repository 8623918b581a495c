package doc

import "encoding/json"

// Presence is the ephemeral "who is online" heartbeat. It travels on
// its own channel next to the durable document updates and is never
// merged into the tree or written to storage, so heartbeats cannot
// inflate persisted document size.
type Presence struct {
	Author string `json:"author"`
	Online bool   `json:"online"`
	At     int64  `json:"at,omitempty"` // unix milliseconds
}

// EncodePresence serializes a presence frame.
func EncodePresence(p Presence) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePresence parses a presence frame.
func DecodePresence(data []byte) (Presence, error) {
	var p Presence
	err := json.Unmarshal(data, &p)
	return p, err
}
