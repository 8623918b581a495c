package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/annosync/internal/doc"
	"github.com/agentworkforce/annosync/internal/wire"
)

const (
	presenceInterval = 30 * time.Second
	dialTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	reconnectBase    = time.Second
	reconnectMax     = time.Minute
)

// RelayClient maintains the authenticated room session with the
// collaboration relay. On every (re)connection both sides exchange
// full-document snapshots, which merge idempotently, so nothing edited
// while offline is lost. Document pushing and applying pause while
// disconnected; the orchestrator checks Connected before each cycle
// phase that needs the relay.
type RelayClient struct {
	cfg *Config
	log *slog.Logger
	doc *doc.Document

	connected atomic.Bool
	onChange  func() // observer for connectivity flips

	mu    sync.Mutex
	conn  *websocket.Conn
	peers map[string]doc.Presence
	unsub func()
}

func NewRelayClient(cfg *Config, document *doc.Document, logger *slog.Logger, onChange func()) *RelayClient {
	return &RelayClient{
		cfg:      cfg,
		log:      logger,
		doc:      document,
		onChange: onChange,
		peers:    map[string]doc.Presence{},
	}
}

// Connected reports whether the relay session is live.
func (c *RelayClient) Connected() bool { return c.connected.Load() }

// Peers returns the last known presence state per author.
func (c *RelayClient) Peers() map[string]doc.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]doc.Presence, len(c.peers))
	for k, v := range c.peers {
		out[k] = v
	}
	return out
}

func (c *RelayClient) endpoint() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.RelayURL), "/")
	if base == "" {
		return "", fmt.Errorf("relay url is required")
	}
	// Accept http(s) and rewrite to the websocket scheme.
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/v1/rooms/" + url.PathEscape(c.cfg.Room) + "/ws", nil
}

// Run dials and keeps the session alive until ctx ends, reconnecting
// with capped exponential backoff.
func (c *RelayClient) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		attempt++
		delay := reconnectBase << min(attempt, 6)
		if delay > reconnectMax {
			delay = reconnectMax
		}
		c.log.Warn("relay session ended, reconnecting", "error", err, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *RelayClient) session(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.Token},
			"X-Author":      []string{c.cfg.Author},
		},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(32 << 20)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Send our full state first; the server replies with its own.
	if err := c.sendSnapshot(ctx); err != nil {
		return err
	}
	c.setConnected(true)
	defer c.setConnected(false)

	unsub := c.doc.Subscribe(func(u doc.Update) {
		if u.Origin != doc.OriginLocal {
			return
		}
		if err := c.sendUpdate(ctx, u); err != nil {
			c.log.Warn("update send failed", "error", err)
		}
	})
	defer unsub()

	go c.presenceLoop(sctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *RelayClient) setConnected(v bool) {
	was := c.connected.Swap(v)
	if was != v {
		if v {
			c.log.Info("connected to relay", "room", c.cfg.Room)
		} else {
			c.log.Info("disconnected from relay", "room", c.cfg.Room)
		}
		if c.onChange != nil {
			c.onChange()
		}
	}
}

func (c *RelayClient) handleFrame(data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		c.log.Warn("bad frame from relay", "error", err)
		return
	}
	switch frame.Type {
	case wire.TypeSnapshot, wire.TypeUpdate:
		u, err := doc.DecodeUpdate(frame.Payload)
		if err != nil {
			c.log.Warn("bad update from relay", "error", err)
			return
		}
		u.Origin = doc.OriginRemote
		if changed := c.doc.ApplyUpdate(u); len(changed) > 0 {
			c.log.Debug("merged remote update", "author", u.Author, "items", len(changed))
		}
	case wire.TypePresence:
		p, err := doc.DecodePresence(frame.Payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		if p.Online {
			c.peers[p.Author] = p
		} else {
			delete(c.peers, p.Author)
		}
		c.mu.Unlock()
	case wire.TypeError:
		c.log.Warn("relay rejected session", "message", frame.Message)
	}
}

func (c *RelayClient) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *RelayClient) sendSnapshot(ctx context.Context) error {
	payload, err := doc.EncodeUpdate(c.doc.ExportUpdate(c.cfg.Author))
	if err != nil {
		return err
	}
	frame, err := wire.Encode(wire.TypeSnapshot, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *RelayClient) sendUpdate(ctx context.Context, u doc.Update) error {
	payload, err := doc.EncodeUpdate(u)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(wire.TypeUpdate, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *RelayClient) presenceLoop(ctx context.Context) {
	send := func(online bool) {
		payload, err := doc.EncodePresence(doc.Presence{
			Author: c.cfg.Author,
			Online: online,
			At:     time.Now().UnixMilli(),
		})
		if err != nil {
			return
		}
		frame, err := wire.Encode(wire.TypePresence, payload)
		if err != nil {
			return
		}
		if err := c.write(ctx, frame); err != nil {
			c.log.Debug("presence send failed", "error", err)
		}
	}
	send(true)
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send(true)
		}
	}
}
