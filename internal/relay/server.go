package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ServerConfig carries the operator-facing knobs. Rooms are statically
// configured: a room name that is not in RoomTokens does not exist.
type ServerConfig struct {
	// RoomTokens maps room name to its shared bearer token.
	RoomTokens map[string]string
	// MonitorToken guards the read-only monitoring endpoints. Empty
	// disables them entirely.
	MonitorToken string
	// MinTokenLength rejects weak tokens at startup. Default 16.
	MinTokenLength int
	// MaxRooms caps how many rooms may be live at once. Default 64.
	MaxRooms int
	// MaxConnsPerIP caps concurrent connections per remote IP.
	// Default 16.
	MaxConnsPerIP int
	// DialRate and DialBurst shape per-IP connection admission.
	// Defaults 1/s with burst 8.
	DialRate  rate.Limit
	DialBurst int
	// ActivityBuffer is the event ring size. Default 512.
	ActivityBuffer int
}

func (c *ServerConfig) applyDefaults() {
	if c.MinTokenLength <= 0 {
		c.MinTokenLength = 16
	}
	if c.MaxRooms <= 0 {
		c.MaxRooms = 64
	}
	if c.MaxConnsPerIP <= 0 {
		c.MaxConnsPerIP = 16
	}
	if c.DialRate <= 0 {
		c.DialRate = 1
	}
	if c.DialBurst <= 0 {
		c.DialBurst = 8
	}
}

// Server is the relay's HTTP surface: the room websocket endpoint plus
// read-only monitoring routes.
type Server struct {
	cfg      ServerConfig
	log      *slog.Logger
	backend  Backend
	activity *activityLog

	mu       sync.Mutex
	rooms    map[string]*Room
	ipConns  map[string]int
	limiters map[string]*rate.Limiter
}

// NewServer validates the configuration and returns a server. The
// activity logger may be nil; events then stay in the ring buffer only.
func NewServer(cfg ServerConfig, backend Backend, log *slog.Logger, activityLogger *slog.Logger) (*Server, error) {
	cfg.applyDefaults()
	if len(cfg.RoomTokens) == 0 {
		return nil, errors.New("relay: at least one room must be configured")
	}
	for room, token := range cfg.RoomTokens {
		if !ValidRoomName(room) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRoomName, room)
		}
		if len(token) < cfg.MinTokenLength {
			return nil, fmt.Errorf("relay: token for room %q is shorter than %d characters", room, cfg.MinTokenLength)
		}
	}
	if len(cfg.RoomTokens) > cfg.MaxRooms {
		return nil, fmt.Errorf("relay: %d rooms configured, cap is %d", len(cfg.RoomTokens), cfg.MaxRooms)
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		backend:  backend,
		activity: newActivityLog(cfg.ActivityBuffer, activityLogger),
		rooms:    map[string]*Room{},
		ipConns:  map[string]int{},
		limiters: map[string]*rate.Limiter{},
	}, nil
}

// Close stops every live room.
func (s *Server) Close() {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.rooms = map[string]*Room{}
	s.mu.Unlock()
	for _, r := range rooms {
		r.stop()
	}
}

// Rooms returns every live room, for the compactor.
func (s *Server) Rooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "rooms" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if len(parts) == 2 {
		s.handleRoomList(w, r)
		return
	}
	room := parts[2]
	switch {
	case len(parts) == 3:
		s.handleRoomStats(w, r, room)
	case len(parts) == 4 && parts[3] == "ws":
		s.handleWebsocket(w, r, room)
	case len(parts) == 4 && parts[3] == "events":
		s.handleEvents(w, r, room)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// room returns the live room, starting it on first use.
func (s *Server) room(name string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[name]; ok {
		return r, nil
	}
	r, err := newRoom(name, s.backend, s.activity, s.log)
	if err != nil {
		return nil, err
	}
	s.rooms[name] = r
	return r, nil
}

func (s *Server) authorizeRoom(r *http.Request, room string) bool {
	want, ok := s.cfg.RoomTokens[room]
	if !ok {
		return false
	}
	got := bearerToken(r)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) authorizeMonitor(r *http.Request) bool {
	if s.cfg.MonitorToken == "" {
		return false
	}
	got := bearerToken(r)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.MonitorToken)) == 1
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// admit enforces the per-IP dial rate and connection cap. The returned
// release func must be called when the connection ends.
func (s *Server) admit(ip string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(s.cfg.DialRate, s.cfg.DialBurst)
		s.limiters[ip] = lim
	}
	if !lim.Allow() {
		return nil, false
	}
	if s.ipConns[ip] >= s.cfg.MaxConnsPerIP {
		return nil, false
	}
	s.ipConns[ip]++
	return func() {
		s.mu.Lock()
		s.ipConns[ip]--
		if s.ipConns[ip] <= 0 {
			delete(s.ipConns, ip)
		}
		s.mu.Unlock()
	}, true
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, roomName string) {
	if !s.authorizeRoom(r, roomName) {
		s.activity.add(Event{Room: roomName, Kind: eventReject, Detail: "bad credentials"})
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown room or bad token")
		return
	}
	ip := remoteIP(r)
	release, ok := s.admit(ip)
	if !ok {
		s.activity.add(Event{Room: roomName, Kind: eventReject, Detail: "admission limit for " + ip})
		writeError(w, http.StatusTooManyRequests, "rate_limited", "connection limit reached")
		return
	}
	defer release()

	room, err := s.room(roomName)
	if err != nil {
		s.log.Error("room unavailable", "room", roomName, "error", err)
		writeError(w, http.StatusServiceUnavailable, "room_unavailable", "room failed to load")
		return
	}

	author := strings.TrimSpace(r.Header.Get("X-Author"))
	if author == "" {
		author = "anonymous"
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Engine clients are host applications, not browsers.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	ws.SetReadLimit(32 << 20)

	c := newConn(author, ip)
	if !room.join(c) {
		ws.Close(websocket.StatusGoingAway, "room shutting down")
		return
	}
	defer room.leave(c)

	ctx := r.Context()
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for raw := range c.out {
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			break
		}
		room.deliver(c, raw)
	}
	room.leave(c)
	<-writeDone
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleRoomList(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeMonitor(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "monitor token required")
		return
	}
	names := make([]string, 0, len(s.cfg.RoomTokens))
	for name := range s.cfg.RoomTokens {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	live := make(map[string]*Room, len(s.rooms))
	for name, room := range s.rooms {
		live[name] = room
	}
	s.mu.Unlock()

	out := make([]RoomStats, 0, len(names))
	for _, name := range names {
		if room, ok := live[name]; ok {
			out = append(out, room.stats())
			continue
		}
		out = append(out, RoomStats{Name: name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

func (s *Server) handleRoomStats(w http.ResponseWriter, r *http.Request, roomName string) {
	if !s.authorizeMonitor(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "monitor token required")
		return
	}
	if _, ok := s.cfg.RoomTokens[roomName]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown room")
		return
	}
	s.mu.Lock()
	room, live := s.rooms[roomName]
	s.mu.Unlock()
	if !live {
		writeJSON(w, http.StatusOK, RoomStats{Name: roomName})
		return
	}
	writeJSON(w, http.StatusOK, room.stats())
}

// handleEvents streams the activity feed over SSE: the buffered tail
// first, then live events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, roomName string) {
	if !s.authorizeMonitor(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "monitor token required")
		return
	}
	if _, ok := s.cfg.RoomTokens[roomName]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown room")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "no_streaming", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	events, unsub := s.activity.subscribe()
	defer unsub()

	for _, ev := range s.activity.recent() {
		if ev.Room == roomName {
			writeSSE(w, ev)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if ev.Room != roomName {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
