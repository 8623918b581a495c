package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSnapshotTable    = "annosync_snapshots"
	postgresUpdateTable      = "annosync_updates"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend keys room state by room name: one snapshot row per
// room plus an ordered update log table. Table creation is lazy so a
// relay pointed at an empty database just works.
type PostgresBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("relay: postgres dsn is required")
	}
	return &PostgresBackend{dsn: dsn, openDB: sql.Open}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		_, err = db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				room TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresSnapshotTable))
		if err != nil {
			db.Close()
			b.initErr = fmt.Errorf("create snapshot table: %w", err)
			return
		}
		_, err = db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				room TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresUpdateTable))
		if err != nil {
			db.Close()
			b.initErr = fmt.Errorf("create update table: %w", err)
			return
		}
		_, err = db.ExecContext(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_room_idx ON %s (room, id)`,
			postgresUpdateTable, postgresUpdateTable))
		if err != nil {
			db.Close()
			b.initErr = fmt.Errorf("create update index: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) Load(room string) ([]byte, [][]byte, error) {
	if !ValidRoomName(room) {
		return nil, nil, ErrInvalidRoomName
	}
	if err := b.ensureReady(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var snapshot []byte
	var payload string
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT snapshot FROM %s WHERE room = $1`, postgresSnapshotTable),
		room,
	).Scan(&payload)
	if err == nil {
		snapshot = []byte(payload)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}

	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT payload FROM %s WHERE room = $1 ORDER BY id`, postgresUpdateTable),
		room,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()
	var updates [][]byte
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, nil, fmt.Errorf("scan update: %w", err)
		}
		updates = append(updates, []byte(u))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate updates: %w", err)
	}
	return snapshot, updates, nil
}

func (b *PostgresBackend) Append(room string, update []byte) error {
	if !ValidRoomName(room) {
		return ErrInvalidRoomName
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (room, payload) VALUES ($1, $2)`, postgresUpdateTable),
		room, string(update),
	)
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Compact(room string, snapshot []byte, fence int) error {
	if !ValidRoomName(room) {
		return ErrInvalidRoomName
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (room, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (room)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresSnapshotTable),
		room, string(snapshot),
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	// Drop only the oldest fence updates; anything appended after the
	// snapshot was taken stays.
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE room = $1 ORDER BY id LIMIT $2
		)`, postgresUpdateTable, postgresUpdateTable),
		room, fence,
	)
	if err != nil {
		return fmt.Errorf("trim update log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compaction: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
