package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/annosync/internal/doc"
	"github.com/agentworkforce/annosync/internal/wire"
)

// degradedEscalateAfter is the consecutive-failure count at which
// storage failures switch from warn to error logging.
const degradedEscalateAfter = 3

// conn is one websocket participant as the room loop sees it. The room
// loop never writes to the socket directly; it queues frames on out and
// a per-connection writer goroutine drains them. A participant that
// cannot keep up is disconnected instead of stalling the room.
type conn struct {
	author string
	remote string
	out    chan []byte
	closed atomic.Bool
}

func newConn(author, remote string) *conn {
	return &conn{author: author, remote: remote, out: make(chan []byte, 64)}
}

// shut closes the outbound queue exactly once. Only the room loop (or
// the room shutdown path) calls it.
func (c *conn) shut() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.out)
	}
}

type inbound struct {
	from *conn
	raw  []byte
}

type compactRequest struct {
	olderThan time.Time
	reply     chan compactState
}

type compactState struct {
	snapshot []byte
	fence    int64
	purged   int
	err      error
}

// RoomStats is the monitoring view of one room.
type RoomStats struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
	Items       int    `json:"items"`
	Seq         uint64 `json:"seq"`
	PendingLog  int64  `json:"pendingLog"`
	Degraded    bool   `json:"degraded"`
}

// Room owns one replicated document and serializes every mutation to
// it through a single goroutine: merge, persist, broadcast, in that
// order. Presence is redistributed but never persisted.
type Room struct {
	name     string
	log      *slog.Logger
	backend  Backend
	activity *activityLog
	doc      *doc.Document

	inbox       chan inbound
	joins       chan *conn
	leaves      chan *conn
	compactions chan compactRequest
	done        chan struct{}
	stopped     chan struct{}

	appended  atomic.Int64
	degraded  atomic.Bool
	connCount atomic.Int32
}

// newRoom restores the room from storage and starts its writer loop.
// A snapshot that fails to decode is fatal for the room; clearing the
// room's stored state resets it.
func newRoom(name string, backend Backend, activity *activityLog, log *slog.Logger) (*Room, error) {
	snapshot, updates, err := backend.Load(name)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", name, err)
	}
	var document *doc.Document
	if snapshot != nil {
		document, err = doc.DecodeDocument(snapshot)
		if err != nil {
			return nil, fmt.Errorf("room %s snapshot: %w", name, err)
		}
	} else {
		document = doc.NewDocument(name)
	}
	replayed := 0
	for _, raw := range updates {
		u, err := doc.DecodeUpdate(raw)
		if err != nil {
			log.Warn("skipping unreadable update during replay", "room", name, "error", err)
			continue
		}
		document.ApplyUpdate(u)
		replayed++
	}

	r := &Room{
		name:        name,
		log:         log,
		backend:     backend,
		activity:    activity,
		doc:         document,
		inbox:       make(chan inbound, 256),
		joins:       make(chan *conn),
		leaves:      make(chan *conn),
		compactions: make(chan compactRequest),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	r.appended.Store(int64(len(updates)))
	log.Info("room ready", "room", name, "replayedUpdates", replayed, "items", len(document.ItemIDs()))
	go r.run()
	return r, nil
}

func (r *Room) stop() {
	close(r.done)
	<-r.stopped
}

// join registers a connection. ok is false once the room is stopping.
func (r *Room) join(c *conn) bool {
	select {
	case r.joins <- c:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) leave(c *conn) {
	select {
	case r.leaves <- c:
	case <-r.done:
	}
}

// deliver hands one raw inbound frame to the room loop.
func (r *Room) deliver(c *conn, raw []byte) {
	select {
	case r.inbox <- inbound{from: c, raw: raw}:
	case <-r.done:
	}
}

// compactState asks the loop for a tombstone-purged snapshot plus the
// current log fence. The caller persists the snapshot off-loop and then
// calls commitCompaction with the fence.
func (r *Room) compactState(olderThan time.Time) compactState {
	req := compactRequest{olderThan: olderThan, reply: make(chan compactState, 1)}
	select {
	case r.compactions <- req:
		return <-req.reply
	case <-r.done:
		return compactState{err: errors.New("room stopped")}
	}
}

func (r *Room) commitCompaction(fence int64) {
	r.appended.Add(-fence)
}

func (r *Room) stats() RoomStats {
	return RoomStats{
		Name:        r.name,
		Connections: int(r.connCount.Load()),
		Items:       len(r.doc.ItemIDs()),
		Seq:         r.doc.Seq(),
		PendingLog:  r.appended.Load(),
		Degraded:    r.degraded.Load(),
	}
}

func (r *Room) run() {
	defer close(r.stopped)
	conns := map[*conn]struct{}{}
	peers := map[string]doc.Presence{}
	storageFailures := 0

	defer func() {
		for c := range conns {
			c.shut()
		}
		r.connCount.Store(0)
	}()

	for {
		select {
		case <-r.done:
			return

		case c := <-r.joins:
			conns[c] = struct{}{}
			r.connCount.Store(int32(len(conns)))
			r.sendState(c, peers)
			r.broadcastPresence(conns, c, doc.Presence{Author: c.author, Online: true, At: time.Now().UnixMilli()})
			peers[c.author] = doc.Presence{Author: c.author, Online: true, At: time.Now().UnixMilli()}
			r.activity.add(Event{Room: r.name, Author: c.author, Kind: eventJoin, Detail: c.remote})

		case c := <-r.leaves:
			if _, ok := conns[c]; !ok {
				continue
			}
			delete(conns, c)
			c.shut()
			r.connCount.Store(int32(len(conns)))
			delete(peers, c.author)
			r.broadcastPresence(conns, nil, doc.Presence{Author: c.author, Online: false, At: time.Now().UnixMilli()})
			r.activity.add(Event{Room: r.name, Author: c.author, Kind: eventLeave})

		case in := <-r.inbox:
			storageFailures = r.handleFrame(conns, peers, in, storageFailures)

		case req := <-r.compactions:
			purged := r.doc.CompactTombstones(req.olderThan)
			snapshot, err := r.doc.Encode()
			req.reply <- compactState{
				snapshot: snapshot,
				fence:    r.appended.Load(),
				purged:   purged,
				err:      err,
			}
		}
	}
}

func (r *Room) handleFrame(conns map[*conn]struct{}, peers map[string]doc.Presence, in inbound, storageFailures int) int {
	f, err := wire.Decode(in.raw)
	if err != nil {
		r.log.Warn("dropping malformed frame", "room", r.name, "author", in.from.author, "error", err)
		return storageFailures
	}
	switch f.Type {
	case wire.TypePresence:
		p, err := doc.DecodePresence(f.Payload)
		if err != nil {
			return storageFailures
		}
		if p.Online {
			peers[p.Author] = p
		} else {
			delete(peers, p.Author)
		}
		r.broadcast(conns, in.from, in.raw)
		return storageFailures

	case wire.TypeSnapshot, wire.TypeUpdate:
		u, err := doc.DecodeUpdate(f.Payload)
		if err != nil {
			r.log.Warn("dropping unreadable update", "room", r.name, "author", in.from.author, "error", err)
			return storageFailures
		}
		changed := r.doc.ApplyUpdate(u)
		if len(changed) == 0 {
			// Idempotent echo; nothing to store or redistribute.
			return storageFailures
		}
		if err := r.backend.Append(r.name, f.Payload); err != nil {
			storageFailures++
			r.degraded.Store(true)
			if storageFailures >= degradedEscalateAfter {
				r.log.Error("room storage failing repeatedly", "room", r.name, "failures", storageFailures, "error", err)
			} else {
				r.log.Warn("room storage append failed", "room", r.name, "error", err)
			}
			if storageFailures == 1 {
				r.activity.add(Event{Room: r.name, Kind: eventDegrade, Detail: err.Error()})
			}
		} else {
			r.appended.Add(1)
			if storageFailures > 0 || r.degraded.Load() {
				r.log.Info("room storage recovered", "room", r.name)
			}
			storageFailures = 0
			r.degraded.Store(false)
		}
		r.broadcast(conns, in.from, in.raw)
		r.activity.add(Event{
			Room: r.name, Author: u.Author, Kind: eventUpdate,
			Detail: fmt.Sprintf("%d ops, %d items changed", len(u.Ops), len(changed)),
		})
		return storageFailures
	}
	return storageFailures
}

// sendState ships the full document and the current presence roster to
// a newly joined connection.
func (r *Room) sendState(c *conn, peers map[string]doc.Presence) {
	u := r.doc.ExportUpdate("relay")
	payload, err := doc.EncodeUpdate(u)
	if err != nil {
		r.log.Error("encode room state", "room", r.name, "error", err)
		return
	}
	frame, err := wire.Encode(wire.TypeSnapshot, payload)
	if err != nil {
		return
	}
	r.send(c, frame)
	for _, p := range peers {
		if p.Author == c.author {
			continue
		}
		if pp, err := doc.EncodePresence(p); err == nil {
			if pf, err := wire.Encode(wire.TypePresence, pp); err == nil {
				r.send(c, pf)
			}
		}
	}
}

func (r *Room) broadcast(conns map[*conn]struct{}, except *conn, raw []byte) {
	for c := range conns {
		if c == except {
			continue
		}
		r.send(c, raw)
	}
}

func (r *Room) broadcastPresence(conns map[*conn]struct{}, except *conn, p doc.Presence) {
	payload, err := doc.EncodePresence(p)
	if err != nil {
		return
	}
	frame, err := wire.Encode(wire.TypePresence, payload)
	if err != nil {
		return
	}
	r.broadcast(conns, except, frame)
}

// send queues a frame without blocking the loop. A full queue means
// the participant cannot keep up; the writer goroutine notices the
// closed channel and drops the connection.
func (r *Room) send(c *conn, raw []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.out <- raw:
	default:
		r.log.Warn("disconnecting slow participant", "room", r.name, "author", c.author)
		c.shut()
	}
}
