// Package vault is the participant-local persistent bookkeeping behind
// sync decisions: which value fingerprint was last pushed or applied
// per field, how local record ids map to shared document keys, and
// which shared keys were already materialized, permanently failed, or
// explicitly dismissed. Fingerprints are deterministic value hashes; no
// decision in here ever compares wall-clock timestamps.
//
// State lives in an embedded SQLite database (ncruces/go-sqlite3,
// CGO-free) so it survives restarts of the host process. Every bounded
// table is capped; overflow evicts the oldest fifth by last-touched
// time.
package vault

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultCap bounds every vault table. On overflow the oldest 20% by
// last-touched time are evicted, leaving the most recently touched 80%.
const DefaultCap = 50000

// FailedCreateLimit is how many failed creation attempts a shared key
// gets before it is skipped permanently.
const FailedCreateLimit = 3

// Set names for the bounded key sets.
const (
	setApplied   = "applied"
	setFailed    = "failed"
	setDismissed = "dismissed"
)

// Options configures a vault.
type Options struct {
	// Cap bounds each table. Zero means DefaultCap.
	Cap int
}

// Vault is safe for use by a single sync engine; the engine's cycle
// lock already serializes callers, the internal mutex only guards the
// logical clock.
type Vault struct {
	db  *sql.DB
	cap int

	mu    sync.Mutex
	clock int64
}

// Fingerprint returns the deterministic hash used for "has this value
// changed since I last recorded it" comparisons.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Open opens or creates the vault database at path.
func Open(path string, opts Options) (*Vault, error) {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vault directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping vault: %w", err)
	}
	v := &Vault{db: db, cap: opts.Cap}
	if err := v.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return v, nil
}

func (v *Vault) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS field_state (
			identity TEXT NOT NULL,
			field TEXT NOT NULL,
			pushed_fp TEXT NOT NULL DEFAULT '',
			pushed_seq INTEGER NOT NULL DEFAULT 0,
			applied_fp TEXT NOT NULL DEFAULT '',
			applied_seq INTEGER NOT NULL DEFAULT 0,
			touched INTEGER NOT NULL,
			PRIMARY KEY (identity, field)
		)`,
		`CREATE TABLE IF NOT EXISTS key_map (
			kind TEXT NOT NULL,
			local_id TEXT NOT NULL,
			shared_key TEXT NOT NULL,
			touched INTEGER NOT NULL,
			PRIMARY KEY (kind, local_id)
		)`,
		`CREATE TABLE IF NOT EXISTS key_sets (
			set_name TEXT NOT NULL,
			key TEXT NOT NULL,
			n INTEGER NOT NULL DEFAULT 0,
			touched INTEGER NOT NULL,
			PRIMARY KEY (set_name, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_field_state_touched ON field_state(touched)`,
		`CREATE INDEX IF NOT EXISTS idx_key_map_touched ON key_map(touched)`,
		`CREATE INDEX IF NOT EXISTS idx_key_sets_touched ON key_sets(set_name, touched)`,
	}
	for _, stmt := range stmts {
		if _, err := v.db.Exec(stmt); err != nil {
			return fmt.Errorf("init vault schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database.
func (v *Vault) Close() error {
	return v.db.Close()
}

// touch returns a strictly increasing last-touched stamp so LRU
// ordering is well-defined even for back-to-back writes.
func (v *Vault) touch() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= v.clock {
		now = v.clock + 1
	}
	v.clock = now
	return now
}

// HasLocalEdit reports whether a field's current value differs from the
// fingerprint recorded at last push. Used by the push pipeline to skip
// unchanged fields and by the apply pipeline to detect a local edit
// that should win over an incoming remote value.
func (v *Vault) HasLocalEdit(identity, field, currentValue string) (bool, error) {
	var pushedFP string
	err := v.db.QueryRow(
		`SELECT pushed_fp FROM field_state WHERE identity = ? AND field = ?`,
		identity, field,
	).Scan(&pushedFP)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pushed fingerprint: %w", err)
	}
	return Fingerprint(currentValue) != pushedFP, nil
}

// HasLocalNoteEdit reports whether a note's current content differs
// from the fingerprint recorded at its last successful sync. Notes are
// keyed globally by their shared key.
func (v *Vault) HasLocalNoteEdit(noteKey, currentContent string) (bool, error) {
	return v.HasLocalEdit("", noteKey, currentContent)
}

// HasRemoteChange reports whether an incoming remote value differs from
// the one recorded at the last apply. False means the remote record is
// an echo of something already materialized locally.
func (v *Vault) HasRemoteChange(identity, field, remoteValue string) (bool, error) {
	var appliedFP string
	err := v.db.QueryRow(
		`SELECT applied_fp FROM field_state WHERE identity = ? AND field = ?`,
		identity, field,
	).Scan(&appliedFP)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read applied fingerprint: %w", err)
	}
	return Fingerprint(remoteValue) != appliedFP, nil
}

// MarkFieldPushed records a successful push of value. The sequence
// number is kept for diagnostics only and never drives conflict
// decisions. The applied fingerprint is set too: at push time the local
// and shared values are identical by construction.
func (v *Vault) MarkFieldPushed(identity, field, value string, seq uint64) error {
	fp := Fingerprint(value)
	_, err := v.db.Exec(`
		INSERT INTO field_state (identity, field, pushed_fp, pushed_seq, applied_fp, applied_seq, touched)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity, field)
		DO UPDATE SET pushed_fp = excluded.pushed_fp, pushed_seq = excluded.pushed_seq,
			applied_fp = excluded.applied_fp, touched = excluded.touched`,
		identity, field, fp, int64(seq), fp, int64(seq), v.touch())
	if err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	return nil
}

// MarkFieldApplied records a successful apply of a remote value. Both
// fingerprints move: the local store now holds the remote value, so a
// following push cycle must not re-transmit it.
func (v *Vault) MarkFieldApplied(identity, field, value string, seq uint64) error {
	fp := Fingerprint(value)
	_, err := v.db.Exec(`
		INSERT INTO field_state (identity, field, pushed_fp, pushed_seq, applied_fp, applied_seq, touched)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity, field)
		DO UPDATE SET applied_fp = excluded.applied_fp, applied_seq = excluded.applied_seq,
			pushed_fp = excluded.pushed_fp, touched = excluded.touched`,
		identity, field, fp, int64(seq), fp, int64(seq), v.touch())
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	return nil
}

// ReconcileField records an apply whose incoming value was transformed
// before reaching the local store (sanitized HTML, for instance). The
// pushed fingerprint tracks what the store now holds so push skips it;
// the applied fingerprint tracks the remote original so the same remote
// record is not re-applied every cycle.
func (v *Vault) ReconcileField(identity, field, localValue, remoteValue string, seq uint64) error {
	_, err := v.db.Exec(`
		INSERT INTO field_state (identity, field, pushed_fp, pushed_seq, applied_fp, applied_seq, touched)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity, field)
		DO UPDATE SET pushed_fp = excluded.pushed_fp, applied_fp = excluded.applied_fp,
			applied_seq = excluded.applied_seq, touched = excluded.touched`,
		identity, field, Fingerprint(localValue), int64(seq), Fingerprint(remoteValue), int64(seq), v.touch())
	if err != nil {
		return fmt.Errorf("reconcile field: %w", err)
	}
	return nil
}

// KnownField reports whether the vault has ever recorded a push or
// apply for this field. Deletion propagation only tombstones fields the
// vault has seen; a field never synced cannot be deleted remotely.
func (v *Vault) KnownField(identity, field string) (bool, error) {
	var one int
	err := v.db.QueryRow(
		`SELECT 1 FROM field_state WHERE identity = ? AND field = ?`,
		identity, field,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read field state: %w", err)
	}
	return true, nil
}

// MarkNoteApplied records a note apply under the global note keyspace
// used by HasLocalNoteEdit.
func (v *Vault) MarkNoteApplied(noteKey, content string, seq uint64) error {
	return v.MarkFieldApplied("", noteKey, content, seq)
}

// MarkNotePushed records a note push under the global note keyspace.
func (v *Vault) MarkNotePushed(noteKey, content string, seq uint64) error {
	return v.MarkFieldPushed("", noteKey, content, seq)
}

// ResolveOrMintKey returns the shared key for a local sub-resource.
// Resolution order: local mapping, then a scan of the shared document
// (recovering mappings lost with the vault), then a freshly minted key.
// The scan callback returns "" when the document holds no key for the
// local id.
func (v *Vault) ResolveOrMintKey(kind, localID string, scan func() string, mint func() string) (string, bool, error) {
	var key string
	err := v.db.QueryRow(
		`SELECT shared_key FROM key_map WHERE kind = ? AND local_id = ?`,
		kind, localID,
	).Scan(&key)
	switch {
	case err == nil:
		if _, err := v.db.Exec(`UPDATE key_map SET touched = ? WHERE kind = ? AND local_id = ?`,
			v.touch(), kind, localID); err != nil {
			return "", false, fmt.Errorf("touch key map: %w", err)
		}
		return key, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("read key map: %w", err)
	}

	minted := false
	if scan != nil {
		key = scan()
	}
	if key == "" {
		key = mint()
		minted = true
	}
	if _, err := v.db.Exec(`
		INSERT INTO key_map (kind, local_id, shared_key, touched) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, local_id) DO UPDATE SET shared_key = excluded.shared_key, touched = excluded.touched`,
		kind, localID, key, v.touch()); err != nil {
		return "", false, fmt.Errorf("record key map: %w", err)
	}
	return key, minted, nil
}

// LocalIDForKey reverse-resolves a shared key to its local id, if the
// mapping exists.
func (v *Vault) LocalIDForKey(kind, sharedKey string) (string, bool, error) {
	var localID string
	err := v.db.QueryRow(
		`SELECT local_id FROM key_map WHERE kind = ? AND shared_key = ?`,
		kind, sharedKey,
	).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reverse key lookup: %w", err)
	}
	return localID, true, nil
}

// MapKey records a kind/localID -> sharedKey mapping directly, used
// after creating a local record for an incoming shared key.
func (v *Vault) MapKey(kind, localID, sharedKey string) error {
	_, err := v.db.Exec(`
		INSERT INTO key_map (kind, local_id, shared_key, touched) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, local_id) DO UPDATE SET shared_key = excluded.shared_key, touched = excluded.touched`,
		kind, localID, sharedKey, v.touch())
	if err != nil {
		return fmt.Errorf("map key: %w", err)
	}
	return nil
}

func (v *Vault) addToSet(set, key string) error {
	_, err := v.db.Exec(`
		INSERT INTO key_sets (set_name, key, n, touched) VALUES (?, ?, 1, ?)
		ON CONFLICT (set_name, key) DO UPDATE SET n = key_sets.n + 1, touched = excluded.touched`,
		set, key, v.touch())
	if err != nil {
		return fmt.Errorf("add to %s set: %w", set, err)
	}
	return nil
}

func (v *Vault) setContains(set, key string) (bool, int, error) {
	var n int
	err := v.db.QueryRow(
		`SELECT n FROM key_sets WHERE set_name = ? AND key = ?`, set, key,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("read %s set: %w", set, err)
	}
	return true, n, nil
}

// MarkKeyApplied records that a shared key has been materialized as a
// local record, guarding against duplicate creation across cycles.
func (v *Vault) MarkKeyApplied(sharedKey string) error {
	return v.addToSet(setApplied, sharedKey)
}

// KeyApplied reports whether a shared key was already materialized.
func (v *Vault) KeyApplied(sharedKey string) (bool, error) {
	ok, _, err := v.setContains(setApplied, sharedKey)
	return ok, err
}

// RecordFailedCreate bumps the failure count for a shared key and
// reports whether the key is now permanently skipped.
func (v *Vault) RecordFailedCreate(sharedKey string) (bool, error) {
	if err := v.addToSet(setFailed, sharedKey); err != nil {
		return false, err
	}
	_, n, err := v.setContains(setFailed, sharedKey)
	if err != nil {
		return false, err
	}
	return n >= FailedCreateLimit, nil
}

// KeyFailedPermanently reports whether creation of this key has failed
// often enough to skip it for good.
func (v *Vault) KeyFailedPermanently(sharedKey string) (bool, error) {
	ok, n, err := v.setContains(setFailed, sharedKey)
	return ok && n >= FailedCreateLimit, err
}

// DismissDeletion records that the user explicitly dismissed a remote
// deletion; the apply pipeline will not re-offer it.
func (v *Vault) DismissDeletion(sharedKey string) error {
	return v.addToSet(setDismissed, sharedKey)
}

// DeletionDismissed reports whether a remote deletion was dismissed.
func (v *Vault) DeletionDismissed(sharedKey string) (bool, error) {
	ok, _, err := v.setContains(setDismissed, sharedKey)
	return ok, err
}

// Forget drops every row tied to an item identity, the explicit prune
// path when an item is deleted locally for good.
func (v *Vault) Forget(identity string) error {
	if identity == "" {
		return nil
	}
	if _, err := v.db.Exec(`DELETE FROM field_state WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("forget identity: %w", err)
	}
	return nil
}

// EvictIfOver enforces the cap on every bounded table, evicting the
// oldest 20% of the cap by last-touched time when a table overflows.
// Run at the end of each sync cycle.
func (v *Vault) EvictIfOver() error {
	target := v.cap - v.cap/5
	if err := v.evictTable(`field_state`, `DELETE FROM field_state WHERE rowid IN (
		SELECT rowid FROM field_state ORDER BY touched ASC LIMIT ?)`, target); err != nil {
		return err
	}
	if err := v.evictTable(`key_map`, `DELETE FROM key_map WHERE rowid IN (
		SELECT rowid FROM key_map ORDER BY touched ASC LIMIT ?)`, target); err != nil {
		return err
	}
	for _, set := range []string{setApplied, setFailed, setDismissed} {
		if err := v.evictSet(set, target); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) evictTable(table, deleteStmt string, target int) error {
	var count int
	if err := v.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		return fmt.Errorf("count %s: %w", table, err)
	}
	if count <= v.cap {
		return nil
	}
	if _, err := v.db.Exec(deleteStmt, count-target); err != nil {
		return fmt.Errorf("evict %s: %w", table, err)
	}
	return nil
}

func (v *Vault) evictSet(set string, target int) error {
	var count int
	if err := v.db.QueryRow(`SELECT COUNT(*) FROM key_sets WHERE set_name = ?`, set).Scan(&count); err != nil {
		return fmt.Errorf("count %s set: %w", set, err)
	}
	if count <= v.cap {
		return nil
	}
	_, err := v.db.Exec(`DELETE FROM key_sets WHERE set_name = ? AND rowid IN (
		SELECT rowid FROM key_sets WHERE set_name = ? ORDER BY touched ASC LIMIT ?)`,
		set, set, count-target)
	if err != nil {
		return fmt.Errorf("evict %s set: %w", set, err)
	}
	return nil
}

// Stats reports row counts for diagnostics.
func (v *Vault) Stats() (map[string]int, error) {
	stats := map[string]int{}
	var n int
	if err := v.db.QueryRow(`SELECT COUNT(*) FROM field_state`).Scan(&n); err != nil {
		return nil, err
	}
	stats["fieldState"] = n
	if err := v.db.QueryRow(`SELECT COUNT(*) FROM key_map`).Scan(&n); err != nil {
		return nil, err
	}
	stats["keyMap"] = n
	for _, set := range []string{setApplied, setFailed, setDismissed} {
		if err := v.db.QueryRow(`SELECT COUNT(*) FROM key_sets WHERE set_name = ?`, set).Scan(&n); err != nil {
			return nil, err
		}
		stats[set] = n
	}
	return stats, nil
}
