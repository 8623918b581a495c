// Package identity derives stable cross-participant identities for
// annotated items and deterministic keys for their sub-resources.
//
// Items imported independently into disconnected databases share no row
// ids; the only thing both sides can agree on is the content of the
// files the annotations hang off. An item's identity is therefore a
// hash of its sorted file checksums, and a fuzzy Jaccard match covers
// minor file-set drift between participants.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// JaccardThreshold is the minimum set similarity for two checksum sets
// to be treated as the same item. Tunable; 0.5 tolerates one file added
// or removed on either side but is not collision-proof for single-file
// items, where any swap changes identity entirely.
const JaccardThreshold = 0.5

// Kind names a sub-resource namespace. Minted keys carry the kind as a
// prefix so a key is never reused across different logical resources.
type Kind string

const (
	KindNote          Kind = "note"
	KindSelection     Kind = "sel"
	KindTranscription Kind = "tr"
	KindList          Kind = "list"
)

// Identify returns the 32-character hex identity for a set of content
// checksums, or "" when the set is empty. The result depends only on
// the set, never on ordering or duplicates.
func Identify(checksums []string) string {
	cleaned := make([]string, 0, len(checksums))
	seen := make(map[string]struct{}, len(checksums))
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
	if len(cleaned) == 0 {
		return ""
	}
	sort.Strings(cleaned)
	sum := sha256.Sum256([]byte(strings.Join(cleaned, ":")))
	return hex.EncodeToString(sum[:16])
}

// LocalIndex maps identities and checksums of local items so remote
// items can be matched without rescanning the store per lookup.
type LocalIndex struct {
	byIdentity map[string]string
	items      []indexedItem
}

type indexedItem struct {
	localID   string
	checksums map[string]struct{}
}

// NewLocalIndex builds an index from localID -> checksum set. Items
// with no checksums are skipped; they have no identity to match on.
func NewLocalIndex(items map[string][]string) *LocalIndex {
	idx := &LocalIndex{byIdentity: make(map[string]string, len(items))}
	for localID, checksums := range items {
		id := Identify(checksums)
		if id == "" {
			continue
		}
		set := make(map[string]struct{}, len(checksums))
		for _, c := range checksums {
			c = strings.ToLower(strings.TrimSpace(c))
			if c != "" {
				set[c] = struct{}{}
			}
		}
		idx.byIdentity[id] = localID
		idx.items = append(idx.items, indexedItem{localID: localID, checksums: set})
	}
	return idx
}

// Resolve returns the local id for an exact identity, if known.
func (idx *LocalIndex) Resolve(identity string) (string, bool) {
	localID, ok := idx.byIdentity[identity]
	return localID, ok
}

// MatchRemoteToLocal resolves a remote item to a local one. An exact
// identity hit wins; otherwise the local item with the highest Jaccard
// similarity at or above JaccardThreshold is chosen. Returns ("",
// false) when nothing qualifies.
func (idx *LocalIndex) MatchRemoteToLocal(remoteChecksums []string) (string, bool) {
	if idx == nil {
		return "", false
	}
	if localID, ok := idx.Resolve(Identify(remoteChecksums)); ok {
		return localID, true
	}
	remote := make(map[string]struct{}, len(remoteChecksums))
	for _, c := range remoteChecksums {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			remote[c] = struct{}{}
		}
	}
	if len(remote) == 0 {
		return "", false
	}
	best := ""
	bestScore := 0.0
	for _, item := range idx.items {
		score := jaccard(remote, item.checksums)
		if score >= JaccardThreshold && score > bestScore {
			best = item.localID
			bestScore = score
		}
	}
	return best, best != ""
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for c := range a {
		if _, ok := b[c]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// MintKey returns a new process-unique key for a sub-resource. Keys are
// stable for the life of the resource so edits update in place instead
// of delete-and-recreate.
func MintKey(kind Kind) string {
	return fmt.Sprintf("%s_%s", kind, uuid.NewString())
}

// KeyForSubResource returns a deterministic key derived from its
// context, for resources that predate minted keys and must resolve to
// the same shared key on every participant.
func KeyForSubResource(kind Kind, context string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + context))
	return fmt.Sprintf("%s_%s", kind, hex.EncodeToString(sum[:12]))
}

// NormalizeName lowercases and trims a tag or list name. Tags and list
// memberships merge across participants by identity of name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
