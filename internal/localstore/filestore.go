package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// FileStore keeps one JSON document per item in a directory and emits
// change notifications through fsnotify. It is the reference Local
// Store collaborator used by the standalone engine binary and by
// tests; a host application would supply its own Store instead.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu         sync.Mutex
	suppressed int
	watcher    *fsnotify.Watcher
	subs       map[int]func()
	nextSub    int
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewFileStore opens (creating if needed) a file-backed store rooted at
// dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger,
		subs:   map[int]func(){},
		done:   make(chan struct{}),
	}, nil
}

// Close stops the change watcher.
func (s *FileStore) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher == nil {
		return nil
	}
	close(s.done)
	err := watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileStore) itemPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Snapshot reads every item file into a point-in-time view.
func (s *FileStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}
	snap := &Snapshot{}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			s.logger.Warn("skipping unreadable item file", "file", entry.Name(), "error", err)
			continue
		}
		snap.Items = append(snap.Items, item)
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].ID < snap.Items[j].ID })
	return snap, nil
}

func (s *FileStore) loadItem(id string) (*Item, error) {
	data, err := os.ReadFile(s.itemPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *FileStore) saveItem(item *Item) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.itemPath(item.ID), data, 0o644)
}

// Dispatch applies one mutation to the owning item file.
func (s *FileStore) Dispatch(ctx context.Context, op Operation) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	item, err := s.loadItem(op.ItemID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch %s: %w", op.Type, err)
	}
	result, err := applyOperation(item, op)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch %s: %w", op.Type, err)
	}
	if err := s.saveItem(item); err != nil {
		return Result{}, fmt.Errorf("dispatch %s: %w", op.Type, err)
	}
	return result, nil
}

func applyOperation(item *Item, op Operation) (Result, error) {
	switch op.Type {
	case OpSetField:
		if item.Fields == nil {
			item.Fields = map[string]FieldValue{}
		}
		item.Fields[op.Field] = FieldValue{Value: op.Value, Kind: op.Kind, Lang: op.Lang}
		return Result{}, nil
	case OpDeleteField:
		delete(item.Fields, op.Field)
		return Result{}, nil
	case OpAssignTag:
		for _, tag := range item.Tags {
			if strings.EqualFold(tag, op.Value) {
				return Result{}, nil
			}
		}
		item.Tags = append(item.Tags, op.Value)
		return Result{}, nil
	case OpRemoveTag:
		item.Tags = removeFold(item.Tags, op.Value)
		return Result{}, nil
	case OpAddToList:
		for _, list := range item.Lists {
			if strings.EqualFold(list, op.Value) {
				return Result{}, nil
			}
		}
		item.Lists = append(item.Lists, op.Value)
		return Result{}, nil
	case OpRemoveFromList:
		item.Lists = removeFold(item.Lists, op.Value)
		return Result{}, nil
	case OpCreateNote:
		note := Note{
			ID:          "n-" + uuid.NewString(),
			PhotoID:     op.PhotoID,
			SelectionID: op.TargetID,
			Text:        op.Text,
			HTML:        op.HTML,
		}
		item.Notes = append(item.Notes, note)
		return Result{LocalID: note.ID}, nil
	case OpUpdateNote:
		for i := range item.Notes {
			if item.Notes[i].ID == op.TargetID {
				item.Notes[i].Text = op.Text
				item.Notes[i].HTML = op.HTML
				return Result{LocalID: op.TargetID}, nil
			}
		}
		return Result{}, ErrNotFound
	case OpDeleteNote:
		for i := range item.Notes {
			if item.Notes[i].ID == op.TargetID {
				item.Notes = append(item.Notes[:i], item.Notes[i+1:]...)
				return Result{}, nil
			}
		}
		return Result{}, ErrNotFound
	case OpCreateSelection:
		var sel Selection
		if err := json.Unmarshal([]byte(op.Geometry), &sel); err != nil {
			return Result{}, fmt.Errorf("selection geometry: %w", err)
		}
		sel.ID = "s-" + uuid.NewString()
		sel.PhotoID = op.PhotoID
		item.Selections = append(item.Selections, sel)
		return Result{LocalID: sel.ID}, nil
	case OpUpdateSelection:
		for i := range item.Selections {
			if item.Selections[i].ID == op.TargetID {
				var sel Selection
				if err := json.Unmarshal([]byte(op.Geometry), &sel); err != nil {
					return Result{}, fmt.Errorf("selection geometry: %w", err)
				}
				item.Selections[i].X = sel.X
				item.Selections[i].Y = sel.Y
				item.Selections[i].W = sel.W
				item.Selections[i].H = sel.H
				item.Selections[i].Rotation = sel.Rotation
				return Result{LocalID: op.TargetID}, nil
			}
		}
		return Result{}, ErrNotFound
	case OpDeleteSelection:
		for i := range item.Selections {
			if item.Selections[i].ID == op.TargetID {
				item.Selections = append(item.Selections[:i], item.Selections[i+1:]...)
				return Result{}, nil
			}
		}
		return Result{}, ErrNotFound
	case OpCreateTranscript:
		tr := Transcription{ID: "t-" + uuid.NewString(), PhotoID: op.PhotoID, Text: op.Text}
		item.Transcriptions = append(item.Transcriptions, tr)
		return Result{LocalID: tr.ID}, nil
	case OpUpdateTranscript:
		for i := range item.Transcriptions {
			if item.Transcriptions[i].ID == op.TargetID {
				item.Transcriptions[i].Text = op.Text
				return Result{LocalID: op.TargetID}, nil
			}
		}
		return Result{}, ErrNotFound
	case OpDeleteTranscript:
		for i := range item.Transcriptions {
			if item.Transcriptions[i].ID == op.TargetID {
				item.Transcriptions = append(item.Transcriptions[:i], item.Transcriptions[i+1:]...)
				return Result{}, nil
			}
		}
		return Result{}, ErrNotFound
	case OpSetSelectionMeta:
		for i := range item.Selections {
			if item.Selections[i].ID == op.TargetID {
				if item.Selections[i].Meta == nil {
					item.Selections[i].Meta = map[string]FieldValue{}
				}
				item.Selections[i].Meta[op.Field] = FieldValue{Value: op.Value, Kind: op.Kind, Lang: op.Lang}
				return Result{}, nil
			}
		}
		return Result{}, ErrNotFound
	case OpSetPhotoAdjustment:
		for i := range item.Photos {
			if item.Photos[i].ID == op.PhotoID || item.Photos[i].Checksum == op.PhotoID {
				if item.Photos[i].Adjustments == nil {
					item.Photos[i].Adjustments = map[string]FieldValue{}
				}
				item.Photos[i].Adjustments[op.Field] = FieldValue{Value: op.Value, Kind: op.Kind}
				return Result{}, nil
			}
		}
		return Result{}, ErrNotFound
	default:
		return Result{}, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

func removeFold(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if !strings.EqualFold(v, target) {
			out = append(out, v)
		}
	}
	return out
}

// Subscribe starts the fsnotify watcher on first use and registers the
// callback. Notifications are dropped while the store is suppressed;
// the suppression flag is checked at the top of the handler, not woven
// through control flow.
func (s *FileStore) Subscribe(onChange func()) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		if err := watcher.Add(s.dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch store directory: %w", err)
		}
		s.watcher = watcher
		s.wg.Add(1)
		go s.watchLoop(watcher)
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = onChange
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

func (s *FileStore) watchLoop(watcher *fsnotify.Watcher) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.notify()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("store watcher error", "error", err)
		}
	}
}

func (s *FileStore) notify() {
	s.mu.Lock()
	if s.suppressed > 0 {
		s.mu.Unlock()
		return
	}
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Suppress silences change notifications; calls nest.
func (s *FileStore) Suppress() {
	s.mu.Lock()
	s.suppressed++
	s.mu.Unlock()
}

// Resume undoes one Suppress.
func (s *FileStore) Resume() {
	s.mu.Lock()
	if s.suppressed > 0 {
		s.suppressed--
	}
	s.mu.Unlock()
}

// PutItem writes an item document directly, bypassing Dispatch. Used
// for seeding and by imports.
func (s *FileStore) PutItem(item *Item) error {
	if item.ID == "" {
		return fmt.Errorf("item id is required")
	}
	return s.saveItem(item)
}

// DeleteItem removes an item document entirely.
func (s *FileStore) DeleteItem(id string) error {
	err := os.Remove(s.itemPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
