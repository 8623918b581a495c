package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentworkforce/annosync/internal/doc"
	"github.com/agentworkforce/annosync/internal/identity"
	"github.com/agentworkforce/annosync/internal/localstore"
	"github.com/agentworkforce/annosync/internal/sanitize"
	"github.com/agentworkforce/annosync/internal/vault"
)

type countingStore struct {
	localstore.Store
	dispatches int
}

func (c *countingStore) Dispatch(ctx context.Context, op localstore.Operation) (localstore.Result, error) {
	c.dispatches++
	return c.Store.Dispatch(ctx, op)
}

// flakyStore fails the first n writes, then delegates.
type flakyStore struct {
	localstore.Store
	failures int
}

func (f *flakyStore) Dispatch(ctx context.Context, op localstore.Operation) (localstore.Result, error) {
	if f.failures > 0 {
		f.failures--
		return localstore.Result{}, errors.New("store unavailable")
	}
	return f.Store.Dispatch(ctx, op)
}

type participant struct {
	cfg     Config
	store   *localstore.FileStore
	counter *countingStore
	vault   *vault.Vault
	doc     *doc.Document
	pusher  *pusher
	applier *applier
}

func newParticipant(t *testing.T, author string) *participant {
	t.Helper()
	dir := t.TempDir()
	store, err := localstore.NewFileStore(filepath.Join(dir, "store"), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	v, err := vault.Open(filepath.Join(dir, "vault.db"), vault.Options{})
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })

	cfg := DefaultConfig()
	cfg.Room = "attic"
	cfg.Author = author
	document := doc.NewDocument("attic")
	counter := &countingStore{Store: store}
	p := &participant{
		cfg:     cfg,
		store:   store,
		counter: counter,
		vault:   v,
		doc:     document,
	}
	p.pusher = &pusher{cfg: &p.cfg, log: slog.Default(), vault: v, doc: document}
	p.applier = &applier{
		cfg: &p.cfg, log: slog.Default(), vault: v, doc: document,
		store: counter, limits: sanitize.DefaultLimits(), conflicts: &conflictLog{},
	}
	return p
}

func (p *participant) seed(t *testing.T, item *localstore.Item) {
	t.Helper()
	if err := p.store.PutItem(item); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
}

func (p *participant) cycleContext(t *testing.T) *cycleContext {
	t.Helper()
	snap, err := p.store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return buildCycleContext(snap)
}

func (p *participant) push(t *testing.T) {
	t.Helper()
	p.pusher.pushCycle(p.cycleContext(t))
}

func (p *participant) apply(t *testing.T) {
	t.Helper()
	p.applier.applyCycle(context.Background(), p.cycleContext(t))
}

// transfer merges one participant's full document state into another's,
// standing in for the relay.
func transfer(from, to *participant) {
	u := from.doc.ExportUpdate(from.cfg.Author)
	u.Origin = doc.OriginRemote
	to.doc.ApplyUpdate(u)
}

func baseItem(id string, checksums ...string) *localstore.Item {
	item := &localstore.Item{ID: id}
	for i, c := range checksums {
		item.Photos = append(item.Photos, localstore.Photo{ID: id + "-p" + string(rune('a'+i)), Checksum: c})
	}
	return item
}

func TestPushThenApplyRoundTrip(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")

	itemA := baseItem("a1", "c1", "c2")
	itemA.Fields = map[string]localstore.FieldValue{"title": {Value: "Letter from 1872", Kind: "text", Lang: "en"}}
	itemA.Tags = []string{"Genealogy"}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1", "c2"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	got := snap.Items[0]
	if got.Fields["title"].Value != "Letter from 1872" {
		t.Fatalf("title = %q", got.Fields["title"].Value)
	}
	if got.Fields["title"].Lang != "en" {
		t.Fatalf("lang = %q", got.Fields["title"].Lang)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "Genealogy" {
		t.Fatalf("tags = %v", got.Tags)
	}
}

func TestPushUnchangedFieldIsIdempotent(t *testing.T) {
	alice := newParticipant(t, "alice")
	item := baseItem("a1", "c1")
	item.Fields = map[string]localstore.FieldValue{"title": {Value: "x"}}
	alice.seed(t, item)

	alice.push(t)
	seq := alice.doc.Seq()
	alice.push(t)
	if alice.doc.Seq() != seq {
		t.Fatalf("second push wrote to the document: seq %d -> %d", seq, alice.doc.Seq())
	}
}

func TestApplyEchoDoesNotPushBack(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Fields = map[string]localstore.FieldValue{"title": {Value: "x"}}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	writes := bob.counter.dispatches
	bob.apply(t)
	if bob.counter.dispatches != writes {
		t.Fatalf("second apply dispatched %d extra writes", bob.counter.dispatches-writes)
	}

	seq := bob.doc.Seq()
	bob.push(t)
	if bob.doc.Seq() != seq {
		t.Fatal("applied value was pushed back as a local edit")
	}
}

func TestFailedStoreWriteRetriedNextCycle(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Fields = map[string]localstore.FieldValue{"title": {Value: "persist me"}}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	alice.push(t)
	transfer(alice, bob)

	bob.applier.store = &flakyStore{Store: bob.store, failures: 1}
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	if _, ok := snap.Items[0].Fields["title"]; ok {
		t.Fatal("field written although the store reported failure")
	}
	// The fingerprint must stay unmarked so the write is retried.
	id := identity.Identify([]string{"c1"})
	changed, err := bob.vault.HasRemoteChange(id, vaultField(doc.SectionFields, "title"), "persist me")
	if err != nil {
		t.Fatalf("HasRemoteChange: %v", err)
	}
	if !changed {
		t.Fatal("fingerprint marked applied despite the failed write")
	}

	bob.apply(t)
	snap, _ = bob.store.Snapshot(context.Background())
	if got := snap.Items[0].Fields["title"].Value; got != "persist me" {
		t.Fatalf("field not retried: title = %q", got)
	}
	changed, err = bob.vault.HasRemoteChange(id, vaultField(doc.SectionFields, "title"), "persist me")
	if err != nil || changed {
		t.Fatalf("fingerprint not settled after retry: changed=%v err=%v", changed, err)
	}
}

func TestApplyConflictLocalWins(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Fields = map[string]localstore.FieldValue{"title": {Value: "Remote title"}}
	alice.seed(t, itemA)
	itemB := baseItem("b1", "c1")
	itemB.Fields = map[string]localstore.FieldValue{"title": {Value: "Local title"}}
	bob.seed(t, itemB)

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	if got := snap.Items[0].Fields["title"].Value; got != "Local title" {
		t.Fatalf("local edit lost: title = %q", got)
	}
	conflicts := bob.applier.conflicts.snapshot()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Resolution != "local-wins" || c.RemoteAuthor != "alice" {
		t.Fatalf("conflict = %+v", c)
	}
	if c.LocalPreview != "Local title" || c.RemotePreview != "Remote title" {
		t.Fatalf("previews = %q / %q", c.LocalPreview, c.RemotePreview)
	}
}

func TestApplyAfterNoLocalEditSucceeds(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Fields = map[string]localstore.FieldValue{"title": {Value: "v1"}}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	// Alice edits; Bob did not touch the field, so v2 applies cleanly.
	itemA.Fields["title"] = localstore.FieldValue{Value: "v2"}
	alice.seed(t, itemA)
	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	if got := snap.Items[0].Fields["title"].Value; got != "v2" {
		t.Fatalf("title = %q, want v2", got)
	}
}

func TestTagTombstoneGatedByDeletionToggle(t *testing.T) {
	bob := newParticipant(t, "bob")
	itemB := baseItem("b1", "c1")
	itemB.Tags = []string{"Important"}
	bob.seed(t, itemB)

	// A removal that arrives before any add: the document holds only
	// the tombstone for the tag key.
	id := identity.Identify([]string{"c1"})
	bob.doc.ApplyUpdate(doc.Update{
		Room: "attic", Origin: doc.OriginRemote, Author: "alice",
		Ops: []doc.Op{{
			Item: id, Section: doc.SectionTags, Key: identity.NormalizeName("Important"),
			Record: doc.Record{Author: "alice", Seq: 9, Deleted: true, DeletedAt: 1},
		}},
	})

	bob.apply(t)
	snap, _ := bob.store.Snapshot(context.Background())
	if len(snap.Items[0].Tags) != 1 {
		t.Fatal("tag removed although deletion propagation is disabled")
	}

	bob.cfg.Sync.Deletions = true
	bob.apply(t)
	snap, _ = bob.store.Snapshot(context.Background())
	if len(snap.Items[0].Tags) != 0 {
		t.Fatal("tag tombstone not applied with deletion propagation enabled")
	}
}

func TestTagAddRevivesTombstone(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Tags = []string{"Important"}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	// The tombstone carries a higher sequence than the add, yet the
	// live record must win on merge.
	id := identity.Identify([]string{"c1"})
	bob.doc.ApplyUpdate(doc.Update{
		Room: "attic", Origin: doc.OriginRemote, Author: "carol",
		Ops: []doc.Op{{
			Item: id, Section: doc.SectionTags, Key: identity.NormalizeName("Important"),
			Record: doc.Record{Author: "carol", Seq: 1000, Deleted: true, DeletedAt: 1},
		}},
	})
	alice.push(t)
	transfer(alice, bob)

	bob.cfg.Sync.Deletions = true
	bob.apply(t)
	snap, _ := bob.store.Snapshot(context.Background())
	if len(snap.Items[0].Tags) != 1 || snap.Items[0].Tags[0] != "Important" {
		t.Fatalf("tags = %v, want the revived tag", snap.Items[0].Tags)
	}
}

func TestAddWinsTagReappliesAfterRemoteRevive(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Tags = []string{"Important"}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	if len(snap.Items[0].Tags) != 1 || snap.Items[0].Tags[0] != "Important" {
		t.Fatalf("tags = %v", snap.Items[0].Tags)
	}
}

func TestFuzzyMatchApply(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1", "c2", "c3")
	itemA.Fields = map[string]localstore.FieldValue{"title": {Value: "drifted"}}
	alice.seed(t, itemA)
	// Bob's copy lost one file: similarity 2/3, above threshold.
	bob.seed(t, baseItem("b1", "c1", "c2"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	if got := snap.Items[0].Fields["title"].Value; got != "drifted" {
		t.Fatalf("fuzzy match did not apply: title = %q", got)
	}
}

func TestFuzzyMatchBelowThresholdSkipped(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1", "c3")
	itemA.Fields = map[string]localstore.FieldValue{"title": {Value: "stranger"}}
	alice.seed(t, itemA)
	// Similarity 1/3 < 0.5: different item.
	bob.seed(t, baseItem("b1", "c1", "c2"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	if _, ok := snap.Items[0].Fields["title"]; ok {
		t.Fatal("field applied across non-matching identities")
	}
}

func TestNoteCreateAndDedup(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Notes = []localstore.Note{{ID: "n-local-a", Text: "remember the attic box", HTML: "<p>remember the attic box</p>"}}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	if len(snap.Items[0].Notes) != 1 {
		t.Fatalf("notes = %d, want 1", len(snap.Items[0].Notes))
	}
	if snap.Items[0].Notes[0].Text != "remember the attic box" {
		t.Fatalf("note text = %q", snap.Items[0].Notes[0].Text)
	}

	// Re-applying must not materialize a second copy.
	bob.apply(t)
	snap, _ = bob.store.Snapshot(context.Background())
	if len(snap.Items[0].Notes) != 1 {
		t.Fatalf("duplicate note after second apply: %d", len(snap.Items[0].Notes))
	}
}

func TestNoteHTMLSanitizedOnApply(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Notes = []localstore.Note{{
		ID:   "n-a",
		Text: "x",
		HTML: `<a href="&#x6A;avascript:alert(1)">x</a><script>boom()</script>`,
	}}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	html := snap.Items[0].Notes[0].HTML
	if strings.Contains(strings.ToLower(html), "javascript") || strings.Contains(html, "script>") {
		t.Fatalf("unsafe html survived apply: %q", html)
	}
}

func TestSelectionApplyValidatesGeometry(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Selections = []localstore.Selection{
		{ID: "s-ok", PhotoID: "a1-pa", X: 0, Y: 0, W: 10, H: 5},
	}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	alice.push(t)

	// Inject a degenerate selection record directly, as a misbehaving
	// peer would.
	id := identity.Identify([]string{"c1"})
	alice.doc.Update(doc.OriginLocal, "mallory", func(txn *doc.Txn) {
		txn.Set(id, doc.SectionSelections, "sel_bad", doc.Record{
			Value: `{"x":1,"y":1,"w":0,"h":5}`, Kind: "selection",
		})
	})
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	sels := snap.Items[0].Selections
	if len(sels) != 1 {
		t.Fatalf("selections = %d, want only the valid one", len(sels))
	}
	if sels[0].W != 10 || sels[0].X != 0 {
		t.Fatalf("selection = %+v", sels[0])
	}
}

func TestTranscriptionRoundTrip(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Transcriptions = []localstore.Transcription{{ID: "t-a", PhotoID: "a1-pa", Text: "Dear Anna,"}}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	trs := snap.Items[0].Transcriptions
	if len(trs) != 1 || trs[0].Text != "Dear Anna," {
		t.Fatalf("transcriptions = %+v", trs)
	}
}

func TestPhotoAdjustmentRoundTrip(t *testing.T) {
	alice := newParticipant(t, "alice")
	bob := newParticipant(t, "bob")
	itemA := baseItem("a1", "c1")
	itemA.Photos[0].Adjustments = map[string]localstore.FieldValue{"rotation": {Value: "90"}}
	alice.seed(t, itemA)
	bob.seed(t, baseItem("b1", "c1"))

	alice.push(t)
	transfer(alice, bob)
	bob.apply(t)

	snap, _ := bob.store.Snapshot(context.Background())
	if got := snap.Items[0].Photos[0].Adjustments["rotation"].Value; got != "90" {
		t.Fatalf("adjustment = %q", got)
	}
}

func TestDeletionPropagationPush(t *testing.T) {
	alice := newParticipant(t, "alice")
	alice.cfg.Sync.Deletions = true
	itemA := baseItem("a1", "c1")
	itemA.Fields = map[string]localstore.FieldValue{"title": {Value: "x"}}
	alice.seed(t, itemA)
	alice.push(t)

	id := identity.Identify([]string{"c1"})
	itemDoc, _ := alice.doc.ItemSnapshot(id)
	if _, ok := itemDoc.Get(doc.SectionFields, "title"); !ok {
		t.Fatal("field missing after push")
	}

	delete(itemA.Fields, "title")
	alice.seed(t, itemA)
	alice.push(t)

	itemDoc, _ = alice.doc.ItemSnapshot(id)
	if _, ok := itemDoc.Get(doc.SectionFields, "title"); ok {
		t.Fatal("deletion not propagated")
	}
	if rec, ok := itemDoc.Raw(doc.SectionFields, "title"); !ok || !rec.Deleted {
		t.Fatal("deletion must be a tombstone, not a removed entry")
	}
}

func TestDeletionNotPushedWhenDisabled(t *testing.T) {
	alice := newParticipant(t, "alice")
	itemA := baseItem("a1", "c1")
	itemA.Fields = map[string]localstore.FieldValue{"title": {Value: "x"}}
	alice.seed(t, itemA)
	alice.push(t)

	delete(itemA.Fields, "title")
	alice.seed(t, itemA)
	alice.push(t)

	id := identity.Identify([]string{"c1"})
	itemDoc, _ := alice.doc.ItemSnapshot(id)
	if _, ok := itemDoc.Get(doc.SectionFields, "title"); !ok {
		t.Fatal("local deletion reflected remotely although propagation is off")
	}
}

func TestItemWithoutChecksumsExcluded(t *testing.T) {
	alice := newParticipant(t, "alice")
	item := &localstore.Item{ID: "a1", Fields: map[string]localstore.FieldValue{"title": {Value: "x"}}}
	alice.seed(t, item)
	alice.push(t)
	if n := len(alice.doc.ItemIDs()); n != 0 {
		t.Fatalf("unsyncable item pushed: %d document items", n)
	}
}

func TestModePolicy(t *testing.T) {
	cases := []struct {
		mode    Mode
		pushes  bool
		applies bool
	}{
		{ModeAuto, true, true},
		{ModeReview, true, false},
		{ModePush, true, false},
		{ModePull, false, true},
	}
	for _, tc := range cases {
		if got := tc.mode.pushes(); got != tc.pushes {
			t.Errorf("%s.pushes() = %v", tc.mode, got)
		}
		if got := tc.mode.applies(); got != tc.applies {
			t.Errorf("%s.applies() = %v", tc.mode, got)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty config validated")
	}
	cfg.Room = "attic"
	cfg.Author = "alice"
	cfg.StoreDir = "/tmp/store"
	cfg.VaultPath = "/tmp/vault.db"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg.Mode = "sideways"
	if err := cfg.Validate(); err == nil {
		t.Fatal("bad mode accepted")
	}
}
