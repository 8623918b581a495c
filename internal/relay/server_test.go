package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/annosync/internal/doc"
	"github.com/agentworkforce/annosync/internal/wire"
)

const (
	testRoomToken    = "room-token-0123456789"
	testMonitorToken = "monitor-token-0123456789"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	srv, err := NewServer(ServerConfig{
		RoomTokens:    map[string]string{"attic": testRoomToken},
		MonitorToken:  testMonitorToken,
		MaxConnsPerIP: 4,
		DialRate:      1000,
		DialBurst:     1000,
	}, backend, slog.Default(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func dialRoom(t *testing.T, ctx context.Context, ts *httptest.Server, room, token, author string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/rooms/" + room + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Author", author)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial %s as %s: %v", room, author, err)
	}
	conn.SetReadLimit(32 << 20)
	return conn
}

// readFrameOfType reads frames until one of the wanted type arrives.
func readFrameOfType(t *testing.T, ctx context.Context, conn *websocket.Conn, frameType string) wire.Frame {
	t.Helper()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s frame: %v", frameType, err)
		}
		f, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f.Type == frameType {
			return f
		}
	}
}

func TestServerConfigValidation(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if _, err := NewServer(ServerConfig{}, backend, slog.Default(), nil); err == nil {
		t.Fatal("no rooms accepted")
	}
	if _, err := NewServer(ServerConfig{
		RoomTokens: map[string]string{"attic": "short"},
	}, backend, slog.Default(), nil); err == nil {
		t.Fatal("weak token accepted")
	}
	if _, err := NewServer(ServerConfig{
		RoomTokens: map[string]string{"bad room": testRoomToken},
	}, backend, slog.Default(), nil); err == nil {
		t.Fatal("invalid room name accepted")
	}
}

func TestServerHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestServerRejectsBadCredentials(t *testing.T) {
	_, ts := newTestServer(t)
	cases := []struct {
		name  string
		room  string
		token string
	}{
		{"wrong token", "attic", "wrong-token-0123456789"},
		{"unknown room", "basement", testRoomToken},
		{"no token", "attic", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/rooms/"+tc.room+"/ws", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestServerWebsocketExchange(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialRoom(t, ctx, ts, "attic", testRoomToken, "alice")
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := dialRoom(t, ctx, ts, "attic", testRoomToken, "bob")
	defer bob.Close(websocket.StatusNormalClosure, "")

	readFrameOfType(t, ctx, alice, wire.TypeSnapshot)
	readFrameOfType(t, ctx, bob, wire.TypeSnapshot)

	frame := makeUpdateFrame(t, "attic", "alice", "item1", "title", "over the wire")
	if err := alice.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readFrameOfType(t, ctx, bob, wire.TypeUpdate)
	u, err := doc.DecodeUpdate(got.Payload)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	if len(u.Ops) != 1 || u.Ops[0].Record.Value != "over the wire" {
		t.Fatalf("ops = %+v", u.Ops)
	}

	// A late joiner gets the merged state in its join snapshot.
	carol := dialRoom(t, ctx, ts, "attic", testRoomToken, "carol")
	defer carol.Close(websocket.StatusNormalClosure, "")
	snap := readFrameOfType(t, ctx, carol, wire.TypeSnapshot)
	su, err := doc.DecodeUpdate(snap.Payload)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	found := false
	for _, op := range su.Ops {
		if op.Item == "item1" && op.Record.Value == "over the wire" {
			found = true
		}
	}
	if !found {
		t.Fatal("late joiner snapshot missing merged update")
	}
}

func TestServerPresenceRelayed(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialRoom(t, ctx, ts, "attic", testRoomToken, "alice")
	defer alice.Close(websocket.StatusNormalClosure, "")
	readFrameOfType(t, ctx, alice, wire.TypeSnapshot)

	bob := dialRoom(t, ctx, ts, "attic", testRoomToken, "bob")
	defer bob.Close(websocket.StatusNormalClosure, "")

	f := readFrameOfType(t, ctx, alice, wire.TypePresence)
	p, err := doc.DecodePresence(f.Payload)
	if err != nil {
		t.Fatalf("DecodePresence: %v", err)
	}
	if p.Author != "bob" || !p.Online {
		t.Fatalf("presence = %+v", p)
	}
}

func TestServerConnectionCap(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	srv, err := NewServer(ServerConfig{
		RoomTokens:    map[string]string{"attic": testRoomToken},
		MaxConnsPerIP: 1,
		DialRate:      1000,
		DialBurst:     1000,
	}, backend, slog.Default(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer func() {
		ts.Close()
		srv.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first := dialRoom(t, ctx, ts, "attic", testRoomToken, "alice")
	defer first.Close(websocket.StatusNormalClosure, "")
	readFrameOfType(t, ctx, first, wire.TypeSnapshot)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/rooms/attic/ws", nil)
	req.Header.Set("Authorization", "Bearer "+testRoomToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestServerMonitorEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/rooms")
	if err != nil {
		t.Fatalf("GET /v1/rooms: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+testMonitorToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/rooms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Rooms []RoomStats `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Rooms) != 1 || body.Rooms[0].Name != "attic" {
		t.Fatalf("rooms = %+v", body.Rooms)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v1/rooms/attic", nil)
	req.Header.Set("Authorization", "Bearer "+testMonitorToken)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/rooms/attic: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp2.StatusCode)
	}
}

func TestServerEventStream(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.activity.add(Event{Room: "attic", Author: "alice", Kind: eventJoin})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/rooms/attic/events", nil)
	req.Header.Set("Authorization", "Bearer "+testMonitorToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("line = %q", line)
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Kind != eventJoin || ev.Author != "alice" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCompactorEndToEnd(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialRoom(t, ctx, ts, "attic", testRoomToken, "alice")
	defer alice.Close(websocket.StatusNormalClosure, "")
	readFrameOfType(t, ctx, alice, wire.TypeSnapshot)

	frame := makeUpdateFrame(t, "attic", "alice", "item1", "title", "durable")
	if err := alice.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	rooms := srv.Rooms()
	if len(rooms) != 1 {
		t.Fatalf("rooms = %d", len(rooms))
	}
	room := rooms[0]
	waitFor(t, "append", func() bool { return room.appended.Load() == 1 })

	compactor := NewCompactor(srv, slog.Default(), time.Hour, 720*time.Hour)
	compactor.CompactAll()
	if got := room.appended.Load(); got != 0 {
		t.Fatalf("pending log after compaction = %d", got)
	}

	snapshot, updates, err := srv.backend.Load("attic")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("log not folded: %d updates", len(updates))
	}
	restored, err := doc.DecodeDocument(snapshot)
	if err != nil {
		t.Fatalf("DecodeDocument: %v", err)
	}
	itemDoc, ok := restored.ItemSnapshot("item1")
	if !ok {
		t.Fatal("item missing from compacted snapshot")
	}
	if rec, ok := itemDoc.Get(doc.SectionFields, "title"); !ok || rec.Value != "durable" {
		t.Fatalf("record = %+v ok=%v", rec, ok)
	}
}
