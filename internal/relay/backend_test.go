package relay

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestValidRoomName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"attic", true},
		{"family-archive_2026", true},
		{"a.b", true},
		{"", false},
		{".hidden", false},
		{"has space", false},
		{"slash/room", false},
		{"../escape", false},
	}
	for _, tc := range cases {
		if got := ValidRoomName(tc.name); got != tc.ok {
			t.Errorf("ValidRoomName(%q) = %v, want %v", tc.name, got, tc.ok)
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	snapshot, updates, err := b.Load("attic")
	if err != nil || snapshot != nil || len(updates) != 0 {
		t.Fatalf("empty room: snapshot=%v updates=%d err=%v", snapshot, len(updates), err)
	}

	if err := b.Append("attic", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Append("attic", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, updates, err = b.Load("attic")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(updates) != 2 || !bytes.Equal(updates[0], []byte(`{"n":1}`)) {
		t.Fatalf("updates = %q", updates)
	}
}

func TestFileBackendCompactKeepsTail(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	for _, u := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := b.Append("attic", []byte(u)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Fence 2: the first two updates fold into the snapshot, the third
	// arrived after the fence and must stay in the log.
	if err := b.Compact("attic", []byte(`{"state":true}`), 2); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	snapshot, updates, err := b.Load("attic")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(snapshot, []byte(`{"state":true}`)) {
		t.Fatalf("snapshot = %q", snapshot)
	}
	if len(updates) != 1 || !bytes.Equal(updates[0], []byte(`{"n":3}`)) {
		t.Fatalf("updates = %q", updates)
	}
}

func TestFileBackendFenceBeyondLog(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b.Append("attic", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Compact("attic", []byte(`{}`), 10); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	_, updates, err := b.Load("attic")
	if err != nil || len(updates) != 0 {
		t.Fatalf("updates=%d err=%v", len(updates), err)
	}
}

func TestFileBackendClearResetsRoom(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b.Append("attic", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Compact("attic", []byte(`{"state":1}`), 1); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(dir, "attic")); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	snapshot, updates, err := b.Load("attic")
	if err != nil || snapshot != nil || len(updates) != 0 {
		t.Fatalf("cleared room not empty: snapshot=%v updates=%d err=%v", snapshot, len(updates), err)
	}
}

func TestFileBackendRejectsBadRoomName(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b.Append("../escape", []byte(`{}`)); err == nil {
		t.Fatal("path traversal accepted")
	}
}

func TestActivityLogRingWrap(t *testing.T) {
	a := newActivityLog(3, nil)
	for _, kind := range []string{"a", "b", "c", "d"} {
		a.add(Event{Room: "attic", Kind: kind})
	}
	got := a.recent()
	if len(got) != 3 {
		t.Fatalf("recent = %d events", len(got))
	}
	if got[0].Kind != "b" || got[2].Kind != "d" {
		t.Fatalf("wrong order: %v %v %v", got[0].Kind, got[1].Kind, got[2].Kind)
	}
}

func TestActivityLogSubscribe(t *testing.T) {
	a := newActivityLog(8, nil)
	events, unsub := a.subscribe()
	a.add(Event{Room: "attic", Kind: eventJoin})
	select {
	case ev := <-events:
		if ev.Kind != eventJoin {
			t.Fatalf("kind = %q", ev.Kind)
		}
	default:
		t.Fatal("no event delivered")
	}
	unsub()
	a.add(Event{Room: "attic", Kind: eventLeave})
	select {
	case <-events:
		t.Fatal("event delivered after unsubscribe")
	default:
	}
}
