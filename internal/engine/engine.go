// Package engine implements the bidirectional annotation sync engine:
// it derives item identities from local state, applies remote document
// changes through the local store, pushes local edits into the
// replicated document, and keeps the two from feeding back into each
// other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/annosync/internal/doc"
	"github.com/agentworkforce/annosync/internal/localstore"
	"github.com/agentworkforce/annosync/internal/sanitize"
	"github.com/agentworkforce/annosync/internal/vault"
)

// State names the phase of the sync cycle.
type State string

const (
	StateIdle          State = "idle"
	StateBuildingIndex State = "building_index"
	StateApplying      State = "applying"
	StatePushing       State = "pushing"
)

// Status is a point-in-time operational snapshot of the engine.
type Status struct {
	State          State            `json:"state"`
	Mode           Mode             `json:"mode"`
	Connected      bool             `json:"connected"`
	LastCycle      time.Time        `json:"lastCycle"`
	LastError      string           `json:"lastError,omitempty"`
	CycleFailures  int              `json:"cycleFailures"`
	Conflicts      int              `json:"conflicts"`
	Peers          []string         `json:"peers,omitempty"`
	StoreDegraded  bool             `json:"storeDegraded"`
	DocumentItems  int              `json:"documentItems"`
	DocumentSeq    uint64           `json:"documentSeq"`
}

// Engine owns one participant's sync lifecycle. One cycle runs at a
// time; triggers arriving mid-cycle coalesce into a single follow-up
// run instead of queueing.
type Engine struct {
	cfg    Config
	log    *slog.Logger
	store  localstore.Store
	vault  *vault.Vault
	doc    *doc.Document
	client *RelayClient

	pusher    *pusher
	applier   *applier
	conflicts *conflictLog

	cycleMu        sync.Mutex
	pending        atomic.Bool
	applyRequested atomic.Bool
	clearOnce      atomic.Bool

	state atomic.Value // State

	statusMu      sync.Mutex
	lastCycle     time.Time
	lastErr       error
	failures      int
	storeDegraded bool

	localDeb      *debouncer
	remoteDeb     *debouncer
	wakeSafetyNet chan struct{}
}

// New wires an engine from its collaborators. The store is whichever
// collaborator OpenStore selected; the vault must already be open.
func New(cfg Config, store localstore.Store, v *vault.Vault, document *doc.Document, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	limits := sanitize.Limits{
		MaxNoteBytes:            cfg.Safety.MaxNoteBytes,
		MaxMetadataBytes:        cfg.Safety.MaxMetadataBytes,
		TombstoneFloodThreshold: cfg.Safety.TombstoneFloodThreshold,
	}
	e := &Engine{
		cfg:           cfg,
		log:           logger,
		store:         store,
		vault:         v,
		doc:           document,
		conflicts:     &conflictLog{},
		wakeSafetyNet: make(chan struct{}, 1),
	}
	e.state.Store(StateIdle)
	e.clearOnce.Store(cfg.Safety.ClearTombstonesOnce)
	e.pusher = &pusher{cfg: &e.cfg, log: logger, vault: v, doc: document}
	e.applier = &applier{
		cfg: &e.cfg, log: logger, vault: v, doc: document,
		store: store, limits: limits, conflicts: e.conflicts,
	}
	e.client = NewRelayClient(&e.cfg, document, logger, func() { e.remoteDeb.Trigger() })
	e.localDeb = newDebouncer(cfg.Timing.LocalDebounce)
	e.remoteDeb = newDebouncer(cfg.Timing.RemoteDebounce)
	return e, nil
}

// OpenStore selects the local store collaborator for a config: the
// file-backed store when a directory is configured, the HTTP fallback
// otherwise.
func OpenStore(cfg *Config, logger *slog.Logger) (localstore.Store, error) {
	if cfg.StoreDir != "" {
		return localstore.NewFileStore(cfg.StoreDir, logger)
	}
	return localstore.NewHTTPStore(cfg.StoreURL, cfg.StoreToken, nil), nil
}

// Client exposes the relay session for lifecycle management.
func (e *Engine) Client() *RelayClient { return e.client }

// Start runs the engine until ctx ends: relay session, change
// subscriptions, and the safety-net timer.
func (e *Engine) Start(ctx context.Context) {
	e.localDeb.fn = func() { e.trigger(ctx, "local-change") }
	e.remoteDeb.fn = func() { e.trigger(ctx, "remote-change") }

	unsubStore, err := e.store.Subscribe(func() { e.localDeb.Trigger() })
	switch {
	case errors.Is(err, localstore.ErrNotSupported):
		e.statusMu.Lock()
		e.storeDegraded = true
		e.statusMu.Unlock()
		e.log.Warn("local store has no change feed, relying on the safety-net timer")
	case err != nil:
		e.log.Warn("store subscription failed", "error", err)
	default:
		defer unsubStore()
	}

	unsubDoc := e.doc.Subscribe(func(u doc.Update) {
		if u.Origin == doc.OriginLocal {
			return
		}
		e.remoteDeb.Trigger()
	})
	defer unsubDoc()

	go e.client.Run(ctx)

	if d := e.cfg.Timing.StartupDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	e.trigger(ctx, "startup")
	e.safetyNetLoop(ctx)
}

// RequestApply asks for one apply pass in review mode. Outside review
// mode it just triggers a cycle.
func (e *Engine) RequestApply(ctx context.Context) {
	e.applyRequested.Store(true)
	e.trigger(ctx, "apply-requested")
}

// PendingConflicts returns the recent local-wins conflict records.
func (e *Engine) PendingConflicts() []Conflict {
	return e.conflicts.snapshot()
}

// DismissDeletion marks a remote deletion as rejected by the user, so
// it is never applied locally.
func (e *Engine) DismissDeletion(key string) error {
	return e.vault.DismissDeletion(key)
}

// Status reports the engine's operational state.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	lastCycle, lastErr, failures, degraded := e.lastCycle, e.lastErr, e.failures, e.storeDegraded
	e.statusMu.Unlock()
	st := Status{
		State:         e.state.Load().(State),
		Mode:          e.cfg.Mode,
		Connected:     e.client.Connected(),
		LastCycle:     lastCycle,
		CycleFailures: failures,
		Conflicts:     len(e.conflicts.snapshot()),
		StoreDegraded: degraded,
		DocumentItems: len(e.doc.ItemIDs()),
		DocumentSeq:   e.doc.Seq(),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	for author := range e.client.Peers() {
		st.Peers = append(st.Peers, author)
	}
	return st
}

// trigger requests a cycle. If one is already running the request
// coalesces into a single pending follow-up.
func (e *Engine) trigger(ctx context.Context, reason string) {
	if !e.cycleMu.TryLock() {
		e.pending.Store(true)
		return
	}
	go func() {
		defer e.cycleMu.Unlock()
		for {
			err := e.runCycle(ctx, reason)
			e.noteCycleResult(err)
			if err != nil {
				e.log.Warn("sync cycle failed", "reason", reason, "error", err)
			}
			if !e.pending.Swap(false) {
				return
			}
			reason = "coalesced"
		}
	}()
}

func (e *Engine) noteCycleResult(err error) {
	e.statusMu.Lock()
	e.lastCycle = time.Now()
	e.lastErr = err
	if err != nil {
		e.failures++
	} else {
		e.failures = 0
	}
	e.statusMu.Unlock()
	select {
	case e.wakeSafetyNet <- struct{}{}:
	default:
	}
}

// runCycle is one full sync pass: build the local index, apply remote
// changes, then push local ones. Apply always settles before push
// starts.
func (e *Engine) runCycle(ctx context.Context, reason string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	defer e.state.Store(StateIdle)

	if e.clearOnce.Swap(false) {
		purged := e.doc.CompactTombstones(time.Now())
		e.log.Info("one-shot tombstone clear", "purged", purged)
	}

	e.state.Store(StateBuildingIndex)
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot local store: %w", err)
	}
	cc := buildCycleContext(snap)
	e.log.Debug("cycle started", "reason", reason, "items", len(snap.Items))

	if e.shouldApply() && e.client.Connected() {
		e.state.Store(StateApplying)
		e.store.Suppress()
		e.applier.applyCycle(ctx, cc)
		e.store.Resume()
	}

	if e.cfg.Mode.pushes() && e.client.Connected() {
		e.state.Store(StatePushing)
		// Re-read local state so the push sees what apply just wrote.
		snap, err = e.store.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshot local store: %w", err)
		}
		e.pusher.pushCycle(buildCycleContext(snap))
	}

	if err := e.vault.EvictIfOver(); err != nil {
		e.log.Warn("vault eviction failed", "error", err)
	}
	return ctx.Err()
}

// shouldApply gates the apply phase by mode: review mode applies only
// when explicitly requested.
func (e *Engine) shouldApply() bool {
	if e.cfg.Mode.applies() {
		return true
	}
	if e.cfg.Mode == ModeReview {
		return e.applyRequested.Swap(false)
	}
	return false
}

// safetyNetLoop triggers periodic cycles so nothing is missed when
// change feeds are unavailable or events were dropped. The interval
// backs off exponentially while cycles keep failing and resets on
// success.
func (e *Engine) safetyNetLoop(ctx context.Context) {
	base := e.cfg.Timing.SafetyNetInterval
	if base <= 0 {
		base = 5 * time.Minute
	}
	for {
		e.statusMu.Lock()
		failures := e.failures
		e.statusMu.Unlock()
		interval := base
		for i := 0; i < failures && i < 5; i++ {
			interval *= 2
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.wakeSafetyNet:
			// A cycle just finished; restart the wait with the current
			// backoff.
			timer.Stop()
		case <-timer.C:
			e.trigger(ctx, "safety-net")
		}
	}
}

// debouncer coalesces bursts of change events into one delayed firing.
type debouncer struct {
	d  time.Duration
	fn func()

	mu    sync.Mutex
	timer *time.Timer
}

func newDebouncer(d time.Duration) *debouncer {
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	return &debouncer{d: d}
}

// Trigger (re)starts the delay; the callback fires once the events go
// quiet for the full window.
func (b *debouncer) Trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fn == nil {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.d, b.fn)
}
