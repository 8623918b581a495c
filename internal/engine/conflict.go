package engine

import (
	"sync"
	"time"
	"unicode/utf8"
)

// Conflict records a remote update that was skipped because the local
// user edited the same field since the last sync. Previews are
// truncated so logs and status output never carry full content.
type Conflict struct {
	Item          string    `json:"item"`
	Field         string    `json:"field"`
	Resolution    string    `json:"resolution"`
	LocalPreview  string    `json:"localPreview"`
	RemotePreview string    `json:"remotePreview"`
	RemoteAuthor  string    `json:"remoteAuthor"`
	At            time.Time `json:"at"`
}

const (
	resolutionLocalWins = "local-wins"
	previewLimit        = 80
	conflictLogCap      = 256
)

// conflictLog is a bounded ring of the most recent conflicts.
type conflictLog struct {
	mu      sync.Mutex
	entries []Conflict
}

func (l *conflictLog) add(c Conflict) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, c)
	if len(l.entries) > conflictLogCap {
		l.entries = l.entries[len(l.entries)-conflictLogCap:]
	}
}

func (l *conflictLog) snapshot() []Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Conflict, len(l.entries))
	copy(out, l.entries)
	return out
}

func preview(value string) string {
	if utf8.RuneCountInString(value) <= previewLimit {
		return value
	}
	runes := []rune(value)
	return string(runes[:previewLimit]) + "..."
}
