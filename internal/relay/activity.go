package relay

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one entry in the relay's activity feed.
type Event struct {
	At     time.Time `json:"at"`
	Room   string    `json:"room"`
	Author string    `json:"author,omitempty"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

const (
	eventJoin    = "join"
	eventLeave   = "leave"
	eventUpdate  = "update"
	eventReject  = "reject"
	eventCompact = "compact"
	eventDegrade = "degraded"
)

// activityLog is a bounded ring buffer of recent events with live
// subscribers for the SSE feed. A slow subscriber misses events rather
// than blocking the relay.
type activityLog struct {
	log *slog.Logger
	cap int

	mu      sync.Mutex
	buf     []Event
	next    int
	full    bool
	subs    map[int]chan Event
	nextSub int
}

func newActivityLog(capacity int, log *slog.Logger) *activityLog {
	if capacity <= 0 {
		capacity = 512
	}
	return &activityLog{
		log:  log,
		cap:  capacity,
		buf:  make([]Event, capacity),
		subs: map[int]chan Event{},
	}
}

func (a *activityLog) add(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if a.log != nil {
		a.log.Info("activity",
			"kind", ev.Kind, "room", ev.Room, "author", ev.Author, "detail", ev.Detail)
	}
	a.mu.Lock()
	a.buf[a.next] = ev
	a.next = (a.next + 1) % a.cap
	if a.next == 0 {
		a.full = true
	}
	subs := make([]chan Event, 0, len(a.subs))
	for _, ch := range a.subs {
		subs = append(subs, ch)
	}
	a.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// recent returns the buffered events, oldest first.
func (a *activityLog) recent() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full {
		out := make([]Event, a.next)
		copy(out, a.buf[:a.next])
		return out
	}
	out := make([]Event, 0, a.cap)
	out = append(out, a.buf[a.next:]...)
	out = append(out, a.buf[:a.next]...)
	return out
}

// subscribe registers a live event channel. The returned func removes
// the subscription.
func (a *activityLog) subscribe() (<-chan Event, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	ch := make(chan Event, 64)
	a.subs[id] = ch
	return ch, func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}
