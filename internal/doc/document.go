package doc

import (
	"sort"
	"sync"
	"time"
)

// Origin marks where a mutation batch came from. Observers use it to
// tell self-generated changes from peer-generated ones; the sync engine
// ignores its own locally-originated transactions to avoid feedback
// loops.
type Origin string

const (
	OriginLocal   Origin = "local"
	OriginRemote  Origin = "remote"
	OriginStorage Origin = "storage"
)

// ItemDoc holds every annotation sub-map for one item identity.
type ItemDoc struct {
	Fields         map[string]Record `json:"fields,omitempty"`
	Tags           map[string]Record `json:"tags,omitempty"`
	Notes          map[string]Record `json:"notes,omitempty"`
	PhotoMeta      OrderedKV         `json:"photoMeta,omitempty"`
	Selections     map[string]Record `json:"selections,omitempty"`
	SelectionMeta  map[string]Record `json:"selectionMeta,omitempty"`
	SelectionNotes map[string]Record `json:"selectionNotes,omitempty"`
	Transcriptions map[string]Record `json:"transcriptions,omitempty"`
	Lists          map[string]Record `json:"lists,omitempty"`
}

func newItemDoc() *ItemDoc {
	return &ItemDoc{}
}

// section returns the map behind a section name, allocating it on first
// use. PhotoMeta is not a plain map and is handled separately.
func (it *ItemDoc) section(s Section) map[string]Record {
	var m *map[string]Record
	switch s {
	case SectionFields:
		m = &it.Fields
	case SectionTags:
		m = &it.Tags
	case SectionNotes:
		m = &it.Notes
	case SectionSelections:
		m = &it.Selections
	case SectionSelectionMeta:
		m = &it.SelectionMeta
	case SectionSelectionNotes:
		m = &it.SelectionNotes
	case SectionTranscriptions:
		m = &it.Transcriptions
	case SectionLists:
		m = &it.Lists
	default:
		return nil
	}
	if *m == nil {
		*m = map[string]Record{}
	}
	return *m
}

// Get reads one record. Returns false for tombstoned or absent keys.
func (it *ItemDoc) Get(s Section, key string) (Record, bool) {
	if s == SectionPhotoMeta {
		return it.PhotoMeta.Get(key)
	}
	rec, ok := it.section(s)[key]
	if !ok || rec.Deleted {
		return Record{}, false
	}
	return rec, true
}

// Raw reads a record including tombstones, for callers that need to
// distinguish "deleted" from "never existed".
func (it *ItemDoc) Raw(s Section, key string) (Record, bool) {
	if s == SectionPhotoMeta {
		i := it.PhotoMeta.index(key)
		if i < 0 {
			return Record{}, false
		}
		return it.PhotoMeta.Entries[i].Record, true
	}
	rec, ok := it.section(s)[key]
	return rec, ok
}

// mergeRecord folds one incoming record in. Reports whether anything
// changed.
func (it *ItemDoc) mergeRecord(s Section, key string, in Record) bool {
	if s == SectionPhotoMeta {
		return it.PhotoMeta.Merge(key, in)
	}
	m := it.section(s)
	cur, ok := m[key]
	if !ok {
		m[key] = in
		return true
	}
	merged := merge(cur, in, s)
	if merged == cur {
		return false
	}
	m[key] = merged
	return true
}

// TombstoneStats returns live and tombstoned entry counts across every
// sub-map, feeding the tombstone-flood gate.
func (it *ItemDoc) TombstoneStats() (live, tombstoned int) {
	for _, s := range Sections {
		if s == SectionPhotoMeta {
			live += it.PhotoMeta.Len()
			tombstoned += it.PhotoMeta.TombstoneCount()
			continue
		}
		for _, rec := range it.section(s) {
			if rec.Deleted {
				tombstoned++
			} else {
				live++
			}
		}
	}
	return live, tombstoned
}

// Document is one room's replicated annotation tree plus the machinery
// to mutate it atomically and to notify observers with an origin tag.
// Presence is deliberately not part of the document; see Presence in
// this package.
type Document struct {
	mu      sync.RWMutex
	room    string
	items   map[string]*ItemDoc
	aliases map[string]string
	seq     uint64
	subs    map[int]func(Update)
	nextSub int
}

// NewDocument returns an empty document for a room.
func NewDocument(room string) *Document {
	return &Document{
		room:    room,
		items:   map[string]*ItemDoc{},
		aliases: map[string]string{},
		subs:    map[int]func(Update){},
	}
}

// Room returns the room name the document belongs to.
func (d *Document) Room() string { return d.room }

// Txn batches mutations applied atomically by Update. Every record
// written through a Txn gets the transaction's author and the next
// monotonic push sequence.
type Txn struct {
	doc    *Document
	author string
	ops    []Op
}

// Set writes a live record value.
func (t *Txn) Set(item string, s Section, key string, rec Record) {
	t.doc.seq++
	rec.Author = t.author
	rec.Seq = t.doc.seq
	rec.Deleted = false
	rec.DeletedAt = 0
	t.ops = append(t.ops, Op{Item: item, Section: s, Key: key, Record: rec})
}

// Delete writes a tombstone for key.
func (t *Txn) Delete(item string, s Section, key string, at time.Time) {
	t.doc.seq++
	t.ops = append(t.ops, Op{Item: item, Section: s, Key: key, Record: Tombstone(t.author, t.doc.seq, at)})
}

// Alias records that an item identity changed, keeping historical
// annotations reachable under the new identity.
func (t *Txn) Alias(oldIdentity, newIdentity string) {
	t.ops = append(t.ops, Op{AliasFrom: oldIdentity, AliasTo: newIdentity})
}

// Update runs fn inside one atomic mutation batch, applies the batch to
// the local replica, and notifies observers. The returned Update is
// what gets shipped to the relay; an empty batch returns a zero Update
// with no ops and produces no notification.
func (d *Document) Update(origin Origin, author string, fn func(*Txn)) Update {
	d.mu.Lock()
	txn := &Txn{doc: d, author: author}
	fn(txn)
	if len(txn.ops) == 0 {
		d.mu.Unlock()
		return Update{}
	}
	u := Update{
		Room:   d.room,
		Origin: origin,
		Author: author,
		SentAt: time.Now().UnixMilli(),
		Ops:    txn.ops,
	}
	d.applyLocked(u)
	subs := d.observersLocked()
	d.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
	return u
}

// ApplyUpdate merges a remotely received (or storage-replayed) update
// into the replica. It is idempotent and safe to call with updates in
// any order. Returns the identities whose documents changed.
func (d *Document) ApplyUpdate(u Update) []string {
	d.mu.Lock()
	changed := d.applyLocked(u)
	var subs []func(Update)
	if len(changed) > 0 {
		subs = d.observersLocked()
	}
	d.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
	return changed
}

func (d *Document) applyLocked(u Update) []string {
	changedSet := map[string]struct{}{}
	for _, op := range u.Ops {
		if op.AliasFrom != "" && op.AliasTo != "" {
			if d.aliases[op.AliasFrom] != op.AliasTo {
				d.aliases[op.AliasFrom] = op.AliasTo
				changedSet[op.AliasTo] = struct{}{}
			}
			continue
		}
		if op.Item == "" || op.Key == "" {
			continue
		}
		item, ok := d.items[op.Item]
		if !ok {
			item = newItemDoc()
			d.items[op.Item] = item
		}
		// Keep the local logical clock ahead of everything seen, so
		// future local writes supersede the merged state.
		if op.Record.Seq > d.seq {
			d.seq = op.Record.Seq
		}
		if item.mergeRecord(op.Section, op.Key, op.Record) {
			changedSet[op.Item] = struct{}{}
		}
	}
	changed := make([]string, 0, len(changedSet))
	for id := range changedSet {
		changed = append(changed, id)
	}
	sort.Strings(changed)
	return changed
}

// Item returns the document for an identity, following alias chains.
func (d *Document) Item(identity string) (*ItemDoc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	identity = d.resolveAliasLocked(identity)
	item, ok := d.items[identity]
	return item, ok
}

// ItemSnapshot returns a deep copy of an item's document, safe to read
// without holding any lock while other goroutines keep merging updates.
func (d *Document) ItemSnapshot(identity string) (*ItemDoc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	identity = d.resolveAliasLocked(identity)
	item, ok := d.items[identity]
	if !ok {
		return nil, false
	}
	return item.clone(), true
}

func (it *ItemDoc) clone() *ItemDoc {
	out := newItemDoc()
	for _, s := range Sections {
		if s == SectionPhotoMeta {
			out.PhotoMeta.Entries = append([]KVEntry(nil), it.PhotoMeta.Entries...)
			continue
		}
		src := it.section(s)
		if len(src) == 0 {
			continue
		}
		dst := out.section(s)
		for k, rec := range src {
			dst[k] = rec
		}
	}
	return out
}

// ResolveAlias follows alias entries to the current identity.
func (d *Document) ResolveAlias(identity string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolveAliasLocked(identity)
}

func (d *Document) resolveAliasLocked(identity string) string {
	for i := 0; i < 16; i++ { // bounded: alias chains are short
		next, ok := d.aliases[identity]
		if !ok || next == identity {
			return identity
		}
		identity = next
	}
	return identity
}

// ItemIDs returns every item identity present, sorted.
func (d *Document) ItemIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.items))
	for id := range d.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers an observer called after every applied mutation
// batch, with the batch's origin tag intact. The returned func removes
// the observer.
func (d *Document) Subscribe(fn func(Update)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *Document) observersLocked() []func(Update) {
	subs := make([]func(Update), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	return subs
}

// Seq returns the document's current logical clock value.
func (d *Document) Seq() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.seq
}

// CompactTombstones purges tombstones deleted before the cutoff from
// every sub-map and drops item documents that end up empty. Returns the
// number of tombstones removed. Run by the relay on its retention
// schedule; participants receive the compacted state on next snapshot
// load.
func (d *Document) CompactTombstones(olderThan time.Time) int {
	cutoff := olderThan.UnixMilli()
	d.mu.Lock()
	defer d.mu.Unlock()
	purged := 0
	for id, item := range d.items {
		for _, s := range Sections {
			if s == SectionPhotoMeta {
				purged += item.PhotoMeta.Compact(olderThan)
				continue
			}
			m := item.section(s)
			for key, rec := range m {
				if rec.Deleted && rec.DeletedAt < cutoff {
					delete(m, key)
					purged++
				}
			}
		}
		if live, tombstoned := item.TombstoneStats(); live == 0 && tombstoned == 0 {
			delete(d.items, id)
		}
	}
	return purged
}
