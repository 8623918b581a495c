package doc

import (
	"encoding/json"
	"fmt"
)

// Op is one mutation inside an update: either a record write (Item,
// Section, Key, Record) or an alias entry (AliasFrom, AliasTo).
type Op struct {
	Item      string  `json:"item,omitempty"`
	Section   Section `json:"section,omitempty"`
	Key       string  `json:"key,omitempty"`
	Record    Record  `json:"rec,omitempty"`
	AliasFrom string  `json:"aliasFrom,omitempty"`
	AliasTo   string  `json:"aliasTo,omitempty"`
}

// Update is one atomic mutation batch. It is both the wire unit
// exchanged with the relay and the persistence unit appended to a
// room's update log. Origin is local bookkeeping and is re-tagged by
// the receiver; it never influences merge results.
type Update struct {
	Room   string `json:"room"`
	Origin Origin `json:"-"`
	Author string `json:"author"`
	SentAt int64  `json:"sentAt,omitempty"`
	Ops    []Op   `json:"ops"`
}

// Empty reports whether the update carries no mutations.
func (u Update) Empty() bool { return len(u.Ops) == 0 }

// EncodeUpdate serializes an update for the wire or the append log.
func EncodeUpdate(u Update) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses an update produced by EncodeUpdate.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}

// ExportUpdate flattens the whole replica into a single update batch.
// Applying it through ApplyUpdate on any other replica is idempotent
// and order-independent, which makes it the state-exchange frame at
// connection time: both sides export, both sides apply, both converge.
func (d *Document) ExportUpdate(author string) Update {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u := Update{Room: d.room, Author: author}
	for from, to := range d.aliases {
		u.Ops = append(u.Ops, Op{AliasFrom: from, AliasTo: to})
	}
	for id, item := range d.items {
		for _, s := range Sections {
			if s == SectionPhotoMeta {
				for _, entry := range item.PhotoMeta.Entries {
					u.Ops = append(u.Ops, Op{Item: id, Section: s, Key: entry.Key, Record: entry.Record})
				}
				continue
			}
			for key, rec := range item.section(s) {
				u.Ops = append(u.Ops, Op{Item: id, Section: s, Key: key, Record: rec})
			}
		}
	}
	return u
}

// documentState is the persisted snapshot layout. Clearing the
// persisted state resets the room entirely; this is the documented
// recovery path for incompatible schema changes, so the version field
// only ever needs to grow.
type documentState struct {
	Version int                 `json:"version"`
	Room    string              `json:"room"`
	Seq     uint64              `json:"seq"`
	Items   map[string]*ItemDoc `json:"items"`
	Aliases map[string]string   `json:"aliases,omitempty"`
}

const snapshotVersion = 1

// Encode serializes the full document for durable persistence.
func (d *Document) Encode() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(documentState{
		Version: snapshotVersion,
		Room:    d.room,
		Seq:     d.seq,
		Items:   d.items,
		Aliases: d.aliases,
	})
}

// DecodeDocument restores a document from an Encode snapshot.
func DecodeDocument(data []byte) (*Document, error) {
	var state documentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if state.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported document snapshot version %d", state.Version)
	}
	d := NewDocument(state.Room)
	if state.Items != nil {
		d.items = state.Items
	}
	if state.Aliases != nil {
		d.aliases = state.Aliases
	}
	d.seq = state.Seq
	return d, nil
}
