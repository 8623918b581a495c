// Package relay implements the collaboration relay: a durable,
// multi-tenant websocket fan-out for room documents. Each room is
// served by a single writer goroutine that merges inbound updates into
// the room's replicated document, appends them to storage, and
// broadcasts them to every other connected participant.
package relay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidRoomName rejects room names that cannot serve as storage
// keys. Room names come from operator configuration, so this surfaces
// at startup, not per connection.
var ErrInvalidRoomName = errors.New("relay: invalid room name")

// Backend persists room state. A snapshot plus the updates appended
// after it reconstructs the room document exactly. Clearing a room's
// stored state resets the room; that is the documented recovery path.
type Backend interface {
	// Load returns the last snapshot (nil when none) and every update
	// appended after it, oldest first.
	Load(room string) (snapshot []byte, updates [][]byte, err error)
	// Append adds one update to the room's log.
	Append(room string, update []byte) error
	// Compact replaces the room's snapshot and drops the oldest fence
	// updates from the log. Updates appended after the fence was taken
	// stay in the log, so nothing accepted mid-compaction is lost.
	Compact(room string, snapshot []byte, fence int) error
	Close() error
}

// ValidRoomName reports whether a room name is safe to use as a
// filesystem path component and a database key.
func ValidRoomName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return !strings.HasPrefix(name, ".")
}

const (
	snapshotFile = "snapshot.json"
	updatesFile  = "updates.log"
)

// FileBackend stores each room in its own directory under a data root:
// snapshot.json holds the last compacted document, updates.log appends
// one JSON update per line. Snapshot replacement is atomic.
type FileBackend struct {
	root string

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

func NewFileBackend(root string) (*FileBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("relay: data dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileBackend{root: root, rooms: map[string]*sync.Mutex{}}, nil
}

// roomLock returns the per-room mutex, creating it on first use. The
// lock serializes appends against compaction's log rewrite.
func (b *FileBackend) roomLock(room string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.rooms[room]
	if !ok {
		l = &sync.Mutex{}
		b.rooms[room] = l
	}
	return l
}

func (b *FileBackend) roomDir(room string) (string, error) {
	if !ValidRoomName(room) {
		return "", ErrInvalidRoomName
	}
	return filepath.Join(b.root, room), nil
}

func (b *FileBackend) Load(room string) ([]byte, [][]byte, error) {
	lock := b.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	dir, err := b.roomDir(room)
	if err != nil {
		return nil, nil, err
	}
	snapshot, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		snapshot = nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("read snapshot: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, updatesFile))
	if errors.Is(err, os.ErrNotExist) {
		return snapshot, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open update log: %w", err)
	}
	defer f.Close()

	var updates [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		updates = append(updates, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		// A torn final line after a crash is recoverable: everything
		// read so far is intact, and compaction rewrites the log.
		return snapshot, updates, fmt.Errorf("scan update log: %w", err)
	}
	return snapshot, updates, nil
}

func (b *FileBackend) Append(room string, update []byte) error {
	lock := b.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	dir, err := b.roomDir(room)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create room dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, updatesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open update log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(bytes.TrimSpace(update), '\n')); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

func (b *FileBackend) Compact(room string, snapshot []byte, fence int) error {
	lock := b.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	dir, err := b.roomDir(room)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create room dir: %w", err)
	}

	// Read the log while holding the room lock so an append cannot
	// interleave with the rewrite.
	var tail [][]byte
	data, err := os.ReadFile(filepath.Join(dir, updatesFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read update log: %w", err)
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			tail = append(tail, line)
		}
	}
	if fence > len(tail) {
		fence = len(tail)
	}
	tail = tail[fence:]

	if err := writeFileAtomic(filepath.Join(dir, snapshotFile), snapshot, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	var buf bytes.Buffer
	for _, line := range tail {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(filepath.Join(dir, updatesFile), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("rewrite update log: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
