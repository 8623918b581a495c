package vault

import (
	"fmt"
	"path/filepath"
	"testing"
)

func openTestVault(t *testing.T, opts Options) *Vault {
	t.Helper()
	v, err := Open(filepath.Join(t.TempDir(), "vault.db"), opts)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestHasLocalEditLifecycle(t *testing.T) {
	v := openTestVault(t, Options{})

	// Never pushed: everything counts as a local edit.
	edited, err := v.HasLocalEdit("item1", "fields/title", "Sunrise")
	if err != nil || !edited {
		t.Fatalf("unpushed field: edited=%v err=%v", edited, err)
	}

	if err := v.MarkFieldPushed("item1", "fields/title", "Sunrise", 3); err != nil {
		t.Fatal(err)
	}

	// Unchanged value: no local edit, push must be skipped.
	edited, err = v.HasLocalEdit("item1", "fields/title", "Sunrise")
	if err != nil || edited {
		t.Fatalf("unchanged field: edited=%v err=%v", edited, err)
	}

	// Changed value: local edit again.
	edited, err = v.HasLocalEdit("item1", "fields/title", "Sunset")
	if err != nil || !edited {
		t.Fatalf("changed field: edited=%v err=%v", edited, err)
	}
}

func TestMarkFieldAppliedSuppressesEcho(t *testing.T) {
	v := openTestVault(t, Options{})
	if err := v.MarkFieldApplied("item1", "fields/title", "Remote Title", 9); err != nil {
		t.Fatal(err)
	}
	// The remote value now in the local store must not look like a
	// local edit on the next push cycle.
	edited, err := v.HasLocalEdit("item1", "fields/title", "Remote Title")
	if err != nil || edited {
		t.Fatalf("applied value reads as local edit: edited=%v err=%v", edited, err)
	}
}

func TestHasLocalNoteEdit(t *testing.T) {
	v := openTestVault(t, Options{})
	if err := v.MarkNoteApplied("note_abc", "original content", 1); err != nil {
		t.Fatal(err)
	}
	edited, err := v.HasLocalNoteEdit("note_abc", "original content")
	if err != nil || edited {
		t.Fatalf("unedited note: edited=%v err=%v", edited, err)
	}
	edited, err = v.HasLocalNoteEdit("note_abc", "locally changed")
	if err != nil || !edited {
		t.Fatalf("edited note: edited=%v err=%v", edited, err)
	}
}

func TestResolveOrMintKey(t *testing.T) {
	v := openTestVault(t, Options{})
	mintCalls := 0
	mint := func() string { mintCalls++; return fmt.Sprintf("note_minted%d", mintCalls) }

	key, minted, err := v.ResolveOrMintKey("note", "local-7", func() string { return "" }, mint)
	if err != nil || !minted || key != "note_minted1" {
		t.Fatalf("first resolve: key=%s minted=%v err=%v", key, minted, err)
	}

	// Second call resolves from the mapping, no new mint.
	key, minted, err = v.ResolveOrMintKey("note", "local-7", func() string {
		t.Error("scan called despite existing mapping")
		return ""
	}, mint)
	if err != nil || minted || key != "note_minted1" {
		t.Fatalf("second resolve: key=%s minted=%v err=%v", key, minted, err)
	}
}

func TestResolveOrMintKeyRecoversFromScan(t *testing.T) {
	// A lost mapping is recovered by scanning the shared document
	// instead of minting a duplicate key.
	v := openTestVault(t, Options{})
	key, minted, err := v.ResolveOrMintKey("note", "local-9",
		func() string { return "note_existing" },
		func() string {
			t.Error("minted despite recoverable key")
			return "note_wrong"
		})
	if err != nil || minted || key != "note_existing" {
		t.Fatalf("key=%s minted=%v err=%v", key, minted, err)
	}

	localID, ok, err := v.LocalIDForKey("note", "note_existing")
	if err != nil || !ok || localID != "local-9" {
		t.Fatalf("reverse lookup: %s ok=%v err=%v", localID, ok, err)
	}
}

func TestAppliedKeySet(t *testing.T) {
	v := openTestVault(t, Options{})
	ok, err := v.KeyApplied("note_x")
	if err != nil || ok {
		t.Fatalf("fresh key applied=%v err=%v", ok, err)
	}
	if err := v.MarkKeyApplied("note_x"); err != nil {
		t.Fatal(err)
	}
	ok, err = v.KeyApplied("note_x")
	if err != nil || !ok {
		t.Fatalf("marked key applied=%v err=%v", ok, err)
	}
}

func TestFailedCreateEscalation(t *testing.T) {
	v := openTestVault(t, Options{})
	for i := 1; i < FailedCreateLimit; i++ {
		permanent, err := v.RecordFailedCreate("sel_bad")
		if err != nil || permanent {
			t.Fatalf("attempt %d: permanent=%v err=%v", i, permanent, err)
		}
	}
	permanent, err := v.RecordFailedCreate("sel_bad")
	if err != nil || !permanent {
		t.Fatalf("final attempt: permanent=%v err=%v", permanent, err)
	}
	permanent, err = v.KeyFailedPermanently("sel_bad")
	if err != nil || !permanent {
		t.Fatalf("persisted: permanent=%v err=%v", permanent, err)
	}
}

func TestDismissedDeletions(t *testing.T) {
	v := openTestVault(t, Options{})
	if err := v.DismissDeletion("note_del"); err != nil {
		t.Fatal(err)
	}
	ok, err := v.DeletionDismissed("note_del")
	if err != nil || !ok {
		t.Fatalf("dismissed=%v err=%v", ok, err)
	}
}

func TestForget(t *testing.T) {
	v := openTestVault(t, Options{})
	if err := v.MarkFieldPushed("item1", "fields/title", "x", 1); err != nil {
		t.Fatal(err)
	}
	if err := v.Forget("item1"); err != nil {
		t.Fatal(err)
	}
	edited, err := v.HasLocalEdit("item1", "fields/title", "x")
	if err != nil || !edited {
		t.Fatalf("forgotten field should read as unpushed: edited=%v err=%v", edited, err)
	}
}

func TestLRUEviction(t *testing.T) {
	// Cap 50: 51 inserts leave 40 (oldest 20% of the cap evicted),
	// always keeping the most recently touched entries.
	v := openTestVault(t, Options{Cap: 50})
	for i := 0; i < 51; i++ {
		if err := v.MarkKeyApplied(fmt.Sprintf("note_%03d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := v.EvictIfOver(); err != nil {
		t.Fatal(err)
	}
	stats, err := v.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["applied"] != 40 {
		t.Fatalf("applied set has %d entries after eviction, want 40", stats["applied"])
	}
	// The newest entry must have survived.
	ok, err := v.KeyApplied("note_050")
	if err != nil || !ok {
		t.Fatalf("most recent entry evicted: ok=%v err=%v", ok, err)
	}
	// The oldest must be gone.
	ok, err = v.KeyApplied("note_000")
	if err != nil || ok {
		t.Fatalf("oldest entry survived eviction: ok=%v err=%v", ok, err)
	}
}

func TestEvictionNoopUnderCap(t *testing.T) {
	v := openTestVault(t, Options{Cap: 50})
	for i := 0; i < 50; i++ {
		if err := v.MarkKeyApplied(fmt.Sprintf("note_%03d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := v.EvictIfOver(); err != nil {
		t.Fatal(err)
	}
	stats, err := v.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["applied"] != 50 {
		t.Fatalf("eviction ran under cap: %d entries", stats["applied"])
	}
}

func TestVaultPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	v, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.MarkFieldPushed("item1", "fields/title", "Sunrise", 2); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	v, err = Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	edited, err := v.HasLocalEdit("item1", "fields/title", "Sunrise")
	if err != nil || edited {
		t.Fatalf("state lost across reopen: edited=%v err=%v", edited, err)
	}
}
