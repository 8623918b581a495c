package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/annosync/internal/doc"
)

// checksumsField is the reserved metadata key carrying an item's sorted
// photo checksums. Peers read it to fuzzy-match items whose identity
// drifted; it is never written through the local store.
const checksumsField = "~files"

// vaultField namespaces a document key per section so a tag named
// "title" can never collide with a metadata field named "title" in the
// vault's fingerprint table.
func vaultField(s doc.Section, key string) string {
	return string(s) + ":" + key
}

// notePayload is the value format for note and selection-note records.
// LocalID is the creator's local id, kept so a participant can recover
// its own key mapping from the shared document after vault loss.
type notePayload struct {
	LocalID string `json:"lid,omitempty"`
	Photo   string `json:"photo,omitempty"` // checksum, not a local id
	Sel     string `json:"sel,omitempty"`   // selection shared key
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

type selectionPayload struct {
	LocalID  string  `json:"lid,omitempty"`
	Photo    string  `json:"photo,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	W        float64 `json:"w"`
	H        float64 `json:"h"`
	Rotation float64 `json:"rotation,omitempty"`
}

type transcriptionPayload struct {
	LocalID string `json:"lid,omitempty"`
	Photo   string `json:"photo,omitempty"`
	Text    string `json:"text"`
}

func encodePayload(p any) string {
	data, err := json.Marshal(p)
	if err != nil {
		// All payload types marshal cleanly; this is unreachable with
		// well-formed input.
		return ""
	}
	return string(data)
}

func decodeNote(value string) (notePayload, error) {
	var p notePayload
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return notePayload{}, fmt.Errorf("note payload: %w", err)
	}
	return p, nil
}

func decodeTranscription(value string) (transcriptionPayload, error) {
	var p transcriptionPayload
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return transcriptionPayload{}, fmt.Errorf("transcription payload: %w", err)
	}
	return p, nil
}

// noteContent is the canonical fingerprint input for a note. The
// creator-local id and photo handle are excluded so identical content
// fingerprints identically on every participant.
func noteContent(text, html string) string {
	return text + "\x00" + html
}

// selectionContent is the canonical fingerprint input for a selection
// region.
func selectionContent(x, y, w, h, rotation float64) string {
	return fmt.Sprintf("%g,%g,%g,%g,%g", x, y, w, h, rotation)
}

// contentValue returns the canonical string a record fingerprints as.
// Plain values fingerprint as themselves; sub-resource payloads reduce
// to their content.
func contentValue(s doc.Section, rec doc.Record) string {
	if rec.Deleted {
		return ""
	}
	switch s {
	case doc.SectionNotes, doc.SectionSelectionNotes:
		p, err := decodeNote(rec.Value)
		if err != nil {
			return rec.Value
		}
		return noteContent(p.Text, p.HTML)
	case doc.SectionSelections:
		var p selectionPayload
		if err := json.Unmarshal([]byte(rec.Value), &p); err != nil {
			return rec.Value
		}
		return selectionContent(p.X, p.Y, p.W, p.H, p.Rotation)
	case doc.SectionTranscriptions:
		p, err := decodeTranscription(rec.Value)
		if err != nil {
			return rec.Value
		}
		return p.Text
	}
	return rec.Value
}

// joinChecksums produces the canonical checksum-list value: sorted,
// deduplicated, lowercased, comma-joined.
func joinChecksums(checksums []string) string {
	cleaned := make([]string, 0, len(checksums))
	seen := map[string]struct{}{}
	for _, c := range checksums {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		cleaned = append(cleaned, c)
	}
	sort.Strings(cleaned)
	return strings.Join(cleaned, ",")
}

func splitChecksums(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}
