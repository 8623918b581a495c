package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultCompactInterval = time.Hour
	defaultRetention       = 720 * time.Hour
)

// Compactor periodically folds each live room's update log into its
// snapshot and purges tombstones past the retention window. The state
// it persists is captured inside the room loop, but the storage write
// happens here, off-loop; updates the room accepts in the meantime sit
// past the log fence and survive the swap.
type Compactor struct {
	server    *Server
	log       *slog.Logger
	interval  time.Duration
	retention time.Duration
}

func NewCompactor(server *Server, log *slog.Logger, interval, retention time.Duration) *Compactor {
	if interval <= 0 {
		interval = defaultCompactInterval
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Compactor{server: server, log: log, interval: interval, retention: retention}
}

// Run compacts on a fixed interval until ctx is cancelled. A failing
// room is logged and skipped; it does not stop the pass.
func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CompactAll()
		}
	}
}

// CompactAll runs one compaction pass over every live room.
func (c *Compactor) CompactAll() {
	cutoff := time.Now().Add(-c.retention)
	for _, room := range c.server.Rooms() {
		if err := c.compactRoom(room, cutoff); err != nil {
			room.degraded.Store(true)
			c.log.Warn("room compaction failed", "room", room.name, "error", err)
		}
	}
}

func (c *Compactor) compactRoom(room *Room, cutoff time.Time) error {
	st := room.compactState(cutoff)
	if st.err != nil {
		return st.err
	}
	if err := c.server.backend.Compact(room.name, st.snapshot, int(st.fence)); err != nil {
		return err
	}
	room.commitCompaction(st.fence)
	c.server.activity.add(Event{
		Room: room.name, Kind: eventCompact,
		Detail: fmt.Sprintf("purged %d tombstones, folded %d updates", st.purged, st.fence),
	})
	c.log.Info("room compacted", "room", room.name, "purgedTombstones", st.purged, "foldedUpdates", st.fence)
	return nil
}
