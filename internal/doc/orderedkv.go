package doc

import "time"

// OrderedKV is an ordered key-value collection for photo-level
// metadata. Unlike a naively-growing map of every key ever written, it
// updates entries in place and drops superseded tombstones during
// compaction, so the live working set tracks current cardinality
// rather than edit history.
type OrderedKV struct {
	Entries []KVEntry `json:"entries,omitempty"`
}

// KVEntry pairs a key with its record. Order of first insertion is
// preserved across updates.
type KVEntry struct {
	Key    string `json:"key"`
	Record Record `json:"rec"`
}

func (kv *OrderedKV) index(key string) int {
	for i := range kv.Entries {
		if kv.Entries[i].Key == key {
			return i
		}
	}
	return -1
}

// Get returns the live record for key. Tombstoned entries read as
// absent.
func (kv *OrderedKV) Get(key string) (Record, bool) {
	if i := kv.index(key); i >= 0 && !kv.Entries[i].Record.Deleted {
		return kv.Entries[i].Record, true
	}
	return Record{}, false
}

// Merge resolves an incoming record for key against the current entry
// using standard record merge rules, inserting the key at the tail if
// it was never seen. It reports whether the stored record changed.
func (kv *OrderedKV) Merge(key string, in Record) bool {
	i := kv.index(key)
	if i < 0 {
		kv.Entries = append(kv.Entries, KVEntry{Key: key, Record: in})
		return true
	}
	merged := merge(kv.Entries[i].Record, in, SectionPhotoMeta)
	if merged == kv.Entries[i].Record {
		return false
	}
	kv.Entries[i].Record = merged
	return true
}

// Len counts live (non-tombstoned) entries.
func (kv *OrderedKV) Len() int {
	n := 0
	for i := range kv.Entries {
		if !kv.Entries[i].Record.Deleted {
			n++
		}
	}
	return n
}

// TombstoneCount counts tombstoned entries.
func (kv *OrderedKV) TombstoneCount() int {
	return len(kv.Entries) - kv.Len()
}

// Compact removes tombstones deleted before the cutoff, returning how
// many were dropped. Live entries keep their relative order.
func (kv *OrderedKV) Compact(olderThan time.Time) int {
	cutoff := olderThan.UnixMilli()
	kept := kv.Entries[:0]
	dropped := 0
	for _, e := range kv.Entries {
		if e.Record.Deleted && e.Record.DeletedAt < cutoff {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	kv.Entries = kept
	return dropped
}
