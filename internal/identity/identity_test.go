package identity

import (
	"strings"
	"testing"
)

func TestIdentifyOrderIndependent(t *testing.T) {
	perms := [][]string{
		{"c1", "c2", "c3"},
		{"c3", "c1", "c2"},
		{"c2", "c3", "c1"},
		{"c3", "c2", "c1"},
	}
	want := Identify(perms[0])
	if want == "" {
		t.Fatal("expected non-empty identity")
	}
	if len(want) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(want))
	}
	for _, perm := range perms[1:] {
		if got := Identify(perm); got != want {
			t.Errorf("Identify(%v) = %s, want %s", perm, got, want)
		}
	}
}

func TestIdentifyNormalizes(t *testing.T) {
	a := Identify([]string{"AB12", " ab12", "cd34"})
	b := Identify([]string{"ab12", "cd34"})
	if a != b {
		t.Errorf("duplicate/case variants changed identity: %s vs %s", a, b)
	}
}

func TestIdentifyEmpty(t *testing.T) {
	if got := Identify(nil); got != "" {
		t.Errorf("Identify(nil) = %q, want empty", got)
	}
	if got := Identify([]string{"", "  "}); got != "" {
		t.Errorf("Identify(blank) = %q, want empty", got)
	}
}

func TestMatchRemoteToLocalJaccard(t *testing.T) {
	idx := NewLocalIndex(map[string][]string{
		"item-a": {"c1", "c2"},
	})

	// {c1,c3} vs {c1,c2}: similarity 1/3 < 0.5, no match.
	if id, ok := idx.MatchRemoteToLocal([]string{"c1", "c3"}); ok {
		t.Errorf("expected no match, got %s", id)
	}

	// {c1,c2,c3} vs {c1,c2}: similarity 2/3 >= 0.5, match.
	id, ok := idx.MatchRemoteToLocal([]string{"c1", "c2", "c3"})
	if !ok || id != "item-a" {
		t.Errorf("expected match item-a, got %q ok=%v", id, ok)
	}
}

func TestMatchRemoteToLocalExactWins(t *testing.T) {
	idx := NewLocalIndex(map[string][]string{
		"exact": {"c1", "c2"},
		"fuzzy": {"c1", "c2", "c3"},
	})
	id, ok := idx.MatchRemoteToLocal([]string{"c2", "c1"})
	if !ok || id != "exact" {
		t.Errorf("expected exact match, got %q ok=%v", id, ok)
	}
}

func TestMatchRemoteToLocalPicksBest(t *testing.T) {
	idx := NewLocalIndex(map[string][]string{
		"close":  {"c1", "c2", "c3"},
		"closer": {"c1", "c2", "c3", "c4"},
	})
	id, ok := idx.MatchRemoteToLocal([]string{"c1", "c2", "c3", "c4", "c5"})
	if !ok || id != "closer" {
		t.Errorf("expected closer, got %q ok=%v", id, ok)
	}
}

func TestMintKeyPrefixAndUniqueness(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		key := MintKey(KindNote)
		if !strings.HasPrefix(key, "note_") {
			t.Fatalf("key %s missing kind prefix", key)
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate minted key %s", key)
		}
		seen[key] = struct{}{}
	}
}

func TestKeyForSubResourceDeterministic(t *testing.T) {
	a := KeyForSubResource(KindSelection, "item1|photo2|region3")
	b := KeyForSubResource(KindSelection, "item1|photo2|region3")
	c := KeyForSubResource(KindSelection, "item1|photo2|region4")
	if a != b {
		t.Errorf("same context produced different keys: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("different contexts produced the same key: %s", a)
	}
	if !strings.HasPrefix(a, "sel_") {
		t.Errorf("key %s missing kind prefix", a)
	}
}

func TestNormalizeName(t *testing.T) {
	if got := NormalizeName("  Important "); got != "important" {
		t.Errorf("NormalizeName = %q", got)
	}
}
