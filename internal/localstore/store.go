// Package localstore defines the Local Store collaborator: the host
// application's state store seen through a narrow capability set. The
// sync engine only ever reads point-in-time snapshots, dispatches
// create/update/delete operations, and subscribes to change ticks; it
// never touches host internals. Two collaborators ship here: a
// file-directory store with fsnotify change notifications, and an HTTP
// bulk-CRUD fallback for hosts whose primary store is unreachable.
package localstore

import (
	"context"
	"errors"
)

var (
	// ErrNotSupported is returned by collaborators missing an optional
	// capability; the engine degrades (polling instead of
	// subscriptions) rather than failing.
	ErrNotSupported = errors.New("capability not supported")
	// ErrNotFound is returned for operations on unknown records.
	ErrNotFound = errors.New("not found")
)

// FieldValue is a single metadata property value with its type/language
// qualifiers.
type FieldValue struct {
	Value string `json:"value"`
	Kind  string `json:"kind,omitempty"`
	Lang  string `json:"lang,omitempty"`
}

// Note is a rich-text annotation attached to an item, photo, or
// selection.
type Note struct {
	ID          string `json:"id"`
	PhotoID     string `json:"photoId,omitempty"`
	SelectionID string `json:"selectionId,omitempty"`
	Text        string `json:"text"`
	HTML        string `json:"html,omitempty"`
}

// Photo is one file belonging to an item. The checksum is the only
// cross-participant stable handle; local ids differ per database.
type Photo struct {
	ID          string                `json:"id"`
	Checksum    string                `json:"checksum"`
	Adjustments map[string]FieldValue `json:"adjustments,omitempty"`
}

// Selection is a rectangular region on a photo.
type Selection struct {
	ID       string                `json:"id"`
	PhotoID  string                `json:"photoId"`
	X        float64               `json:"x"`
	Y        float64               `json:"y"`
	W        float64               `json:"w"`
	H        float64               `json:"h"`
	Rotation float64               `json:"rotation,omitempty"`
	Meta     map[string]FieldValue `json:"meta,omitempty"`
	Notes    []Note                `json:"notes,omitempty"`
}

// Transcription is extracted or hand-entered text for a photo.
type Transcription struct {
	ID      string `json:"id"`
	PhotoID string `json:"photoId"`
	Text    string `json:"text"`
}

// Item is one annotated content item with all its sub-resources.
type Item struct {
	ID             string                `json:"id"`
	Fields         map[string]FieldValue `json:"fields,omitempty"`
	Tags           []string              `json:"tags,omitempty"`
	Lists          []string              `json:"lists,omitempty"`
	Photos         []Photo               `json:"photos,omitempty"`
	Notes          []Note                `json:"notes,omitempty"`
	Selections     []Selection           `json:"selections,omitempty"`
	Transcriptions []Transcription       `json:"transcriptions,omitempty"`
}

// Checksums collects the item's photo checksums, the raw material for
// identity derivation.
func (it *Item) Checksums() []string {
	out := make([]string, 0, len(it.Photos))
	for _, p := range it.Photos {
		if p.Checksum != "" {
			out = append(out, p.Checksum)
		}
	}
	return out
}

// Snapshot is a read-only point-in-time view of the store.
type Snapshot struct {
	Items []Item `json:"items"`
}

// OperationType enumerates dispatchable mutations.
type OperationType string

const (
	OpSetField           OperationType = "set_field"
	OpDeleteField        OperationType = "delete_field"
	OpAssignTag          OperationType = "assign_tag"
	OpRemoveTag          OperationType = "remove_tag"
	OpAddToList          OperationType = "add_to_list"
	OpRemoveFromList     OperationType = "remove_from_list"
	OpCreateNote         OperationType = "create_note"
	OpUpdateNote         OperationType = "update_note"
	OpDeleteNote         OperationType = "delete_note"
	OpCreateSelection    OperationType = "create_selection"
	OpUpdateSelection    OperationType = "update_selection"
	OpDeleteSelection    OperationType = "delete_selection"
	OpCreateTranscript   OperationType = "create_transcription"
	OpUpdateTranscript   OperationType = "update_transcription"
	OpDeleteTranscript   OperationType = "delete_transcription"
	OpSetPhotoAdjustment OperationType = "set_photo_adjustment"
	OpSetSelectionMeta   OperationType = "set_selection_meta"
)

// Operation is one store mutation. TargetID addresses an existing
// sub-resource for updates and deletes; creates return the new local id
// through the Dispatch result.
type Operation struct {
	Type     OperationType `json:"type"`
	ItemID   string        `json:"itemId,omitempty"`
	PhotoID  string        `json:"photoId,omitempty"`
	TargetID string        `json:"targetId,omitempty"`
	Field    string        `json:"field,omitempty"`
	Value    string        `json:"value,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Lang     string        `json:"lang,omitempty"`
	Text     string        `json:"text,omitempty"`
	HTML     string        `json:"html,omitempty"`
	Geometry string        `json:"geometry,omitempty"` // JSON {x,y,w,h,rotation}
}

// Result acknowledges a dispatched operation.
type Result struct {
	LocalID string `json:"localId,omitempty"`
}

// Store is the capability set the engine consumes. Dispatch must
// respect ctx cancellation: the engine bounds every write wait and
// treats an expired wait as a failed write, not a crash.
type Store interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	Dispatch(ctx context.Context, op Operation) (Result, error)
	// Subscribe registers a change-notification callback and returns
	// an unsubscribe handle, or ErrNotSupported for collaborators
	// without change feeds.
	Subscribe(onChange func()) (func(), error)
	// Suppress silences change notifications during controlled writes;
	// Resume re-enables them. The pair nests.
	Suppress()
	Resume()
}
