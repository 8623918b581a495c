// Package doc implements the replicated annotation document shared by
// all participants of a room. The document is a convergent, mergeable
// tree: per-item sub-maps of field records whose merge rules are
// deterministic and order-independent, so concurrent offline edits from
// any number of participants settle to the same state on every replica
// without coordination, vector clocks, or synchronized wall clocks.
package doc

import "time"

// Section names a sub-map of an item document. Metadata is stored per
// property so independent property edits never conflict.
type Section string

const (
	SectionFields         Section = "fields"
	SectionTags           Section = "tags"
	SectionNotes          Section = "notes"
	SectionPhotoMeta      Section = "photoMeta"
	SectionSelections     Section = "selections"
	SectionSelectionMeta  Section = "selectionMeta"
	SectionSelectionNotes Section = "selectionNotes"
	SectionTranscriptions Section = "transcriptions"
	SectionLists          Section = "lists"
)

// Sections lists every item sub-map in a stable order.
var Sections = []Section{
	SectionFields,
	SectionTags,
	SectionNotes,
	SectionPhotoMeta,
	SectionSelections,
	SectionSelectionMeta,
	SectionSelectionNotes,
	SectionTranscriptions,
	SectionLists,
}

// addWins reports whether a section uses add-wins set semantics: any
// non-tombstoned add beats any concurrent remove, regardless of
// sequence numbers. Tags and list memberships merge by identity of
// name, so a revive must clear the tombstone unconditionally.
func (s Section) addWins() bool {
	return s == SectionTags || s == SectionLists
}

// Record is the unit of conflict resolution. A deletion is an explicit
// tombstone (Deleted + DeletedAt), never a removed map entry; removal
// would let a lagging peer resurrect the value.
type Record struct {
	Value     string `json:"v,omitempty"`
	Kind      string `json:"k,omitempty"`
	Lang      string `json:"l,omitempty"`
	Author    string `json:"a,omitempty"`
	Seq       uint64 `json:"s,omitempty"`
	Deleted   bool   `json:"d,omitempty"`
	DeletedAt int64  `json:"dt,omitempty"` // unix milliseconds
}

// Tombstone returns a deletion record for the given author/sequence.
func Tombstone(author string, seq uint64, at time.Time) Record {
	return Record{Author: author, Seq: seq, Deleted: true, DeletedAt: at.UnixMilli()}
}

// newer reports whether in supersedes cur. Sequence numbers are a
// per-document logical clock; the author name breaks exact ties so the
// outcome is identical on every replica.
func newer(cur, in Record) bool {
	if in.Seq != cur.Seq {
		return in.Seq > cur.Seq
	}
	return in.Author > cur.Author
}

// merge resolves two versions of the same record deterministically.
// For add-wins sections a live record always beats a tombstone; for
// everything else the logically newer record wins. merge(a, b) and
// merge(b, a) always agree, which is what makes replicas converge.
func merge(cur, in Record, section Section) Record {
	if section.addWins() && cur.Deleted != in.Deleted {
		if cur.Deleted {
			return in
		}
		return cur
	}
	if newer(cur, in) {
		return in
	}
	return cur
}
