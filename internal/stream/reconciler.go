package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/fedi-timeline-sync/internal/clock"
	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/observability"
)

// ErrUnknownStream is returned by Retry for a key that is not reconciled.
var ErrUnknownStream = errors.New("unknown stream")

// EventType names a streaming event. Connect and Error are produced by the
// connector itself; the rest mirror the server's event names.
type EventType string

const (
	EventConnect      EventType = "connect"
	EventError        EventType = "error"
	EventUpdate       EventType = "update"
	EventStatusUpdate EventType = "status.update"
	EventNotification EventType = "notification"
	EventDelete       EventType = "delete"
)

// Event is one decoded streaming event.
type Event struct {
	Type         EventType
	Status       *domain.Status
	Notification *domain.Notification
	// ID is the deleted status id for EventDelete.
	ID  string
	Err error
}

// Conn is an open (or opening) streaming connection.
type Conn interface {
	// Close stops the connection. It must not wait for an in-flight sink
	// call, since Close may be invoked from inside one.
	Close()
}

// Connector opens streaming connections. Open must not block: the outcome
// is reported through sink as EventConnect or EventError, followed by data
// events while the connection is up.
type Connector interface {
	Open(ctx context.Context, key Key, sink func(Event)) Conn
}

// Ingester receives the data events of every stream.
type Ingester interface {
	Upsert(ctx context.Context, st *domain.Status, backendURL string, category domain.TimelineType, tag string) error
	RemoveFromCategory(ctx context.Context, backendURL, id string, category domain.TimelineType, tag string) error
	UpdateContent(ctx context.Context, st *domain.Status, backendURL string) error
	UpsertNotification(ctx context.Context, n *domain.Notification, backendURL string) error
}

// State of one reconciled connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

var allStates = []State{StateConnecting, StateConnected, StateError, StateDisconnected}

// Config tunes reconnect behaviour.
type Config struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int
	WarnThreshold int
}

// DefaultConfig returns the built-in reconnect settings.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		MaxAttempts:   10,
		WarnThreshold: 24,
	}
}

// Status is a point-in-time view of one connection.
type Status struct {
	Key       Key           `json:"key"`
	State     State         `json:"state"`
	Attempts  int           `json:"attempts"`
	LastDelay time.Duration `json:"last_delay"`
	LastError string        `json:"last_error,omitempty"`
	Since     time.Time     `json:"since"`
}

type entry struct {
	key       Key
	state     State
	attempts  int
	lastDelay time.Duration
	lastErr   string
	since     time.Time

	gen   uint64
	conn  Conn
	timer clock.Timer
	bo    *backoff.ExponentialBackOff
}

// Reconciler owns the streaming connections.
type Reconciler struct {
	Connector Connector
	Ingester  Ingester
	Clock     clock.Clock
	Config    Config

	// OnGiveUp is called (outside any lock) when a key exhausts its retries
	// and becomes disconnected.
	OnGiveUp func(key Key, err error)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[Key]*entry
	nextGen uint64

	// dispatchMu is read-held while an event is handled; Stop takes it
	// exclusively so no event reaches the ingester after Stop returns.
	dispatchMu sync.RWMutex
	stopped    atomic.Bool
}

// NewReconciler builds a Reconciler. A zero cfg field takes its default.
func NewReconciler(conn Connector, ing Ingester, c clock.Clock, cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = def.WarnThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		Connector: conn,
		Ingester:  ing,
		Clock:     clock.OrReal(c),
		Config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[Key]*entry),
	}
}

// Reconcile opens a connection for every key only in desired and stops the
// connection of every key no longer desired. Keys present in both are left
// alone, whatever their state, so calling it twice with the same set does
// nothing the second time.
func (r *Reconciler) Reconcile(desired []Key) {
	if r.stopped.Load() {
		return
	}
	want := make(map[Key]struct{}, len(desired))
	for _, k := range desired {
		want[k] = struct{}{}
	}

	var (
		toOpen  []*entry
		toClose []Conn
	)
	r.mu.Lock()
	for k, e := range r.entries {
		if _, ok := want[k]; ok {
			continue
		}
		if e.conn != nil {
			toClose = append(toClose, e.conn)
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.entries, k)
		log.Info().Str("stream", k.String()).Msg("stream stopped")
	}
	for _, k := range desired {
		if _, ok := r.entries[k]; ok {
			continue
		}
		e := &entry{key: k, bo: r.newBackoff()}
		r.entries[k] = e
		toOpen = append(toOpen, e)
	}
	live := len(r.entries)
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, c := range toClose {
		c.Close()
	}
	for _, e := range toOpen {
		r.open(e.key)
	}
	if live > r.Config.WarnThreshold {
		log.Warn().Int("connections", live).Int("threshold", r.Config.WarnThreshold).
			Msg("streaming connection count above warning threshold")
	}
}

// Retry reconnects a key immediately with a fresh attempt counter. It is the
// manual recovery for disconnected streams and also short-circuits a
// pending backoff. Connected or connecting keys are left alone.
func (r *Reconciler) Retry(key Key) error {
	if r.stopped.Load() {
		return nil
	}
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownStream
	}
	if e.state != StateDisconnected && e.state != StateError {
		r.mu.Unlock()
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.attempts = 0
	e.bo.Reset()
	r.mu.Unlock()

	log.Info().Str("stream", key.String()).Msg("manual stream retry")
	r.open(key)
	return nil
}

// Snapshot returns the state of every connection, sorted by key.
func (r *Reconciler) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[Key]struct{}, len(r.entries))
	for k := range r.entries {
		set[k] = struct{}{}
	}
	keys := sortedKeys(set)
	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		e := r.entries[k]
		out = append(out, Status{
			Key:       k,
			State:     e.state,
			Attempts:  e.attempts,
			LastDelay: e.lastDelay,
			LastError: e.lastErr,
			Since:     e.since,
		})
	}
	return out
}

// Stop closes every connection and cancels every retry timer. After it
// returns no event is handed to the ingester. Stop is idempotent.
func (r *Reconciler) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	r.cancel()

	r.mu.Lock()
	conns := make([]Conn, 0, len(r.entries))
	for k, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
		delete(r.entries, k)
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	// Wait out handlers that were already past the stopped check.
	r.dispatchMu.Lock()
	r.dispatchMu.Unlock()
	log.Info().Int("connections", len(conns)).Msg("stream reconciler stopped")
}

func (r *Reconciler) newBackoff() *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     r.Config.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.Config.MaxDelay,
	}
	bo.Reset()
	return bo
}

// open starts a new connection generation for key. Connector.Open runs
// outside the lock because it may report synchronously.
func (r *Reconciler) open(key Key) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || r.stopped.Load() {
		r.mu.Unlock()
		return
	}
	r.nextGen++
	gen := r.nextGen
	e.gen = gen
	e.timer = nil
	r.setStateLocked(e, StateConnecting)
	r.mu.Unlock()

	log.Debug().Str("stream", key.String()).Msg("stream connecting")
	conn := r.Connector.Open(r.ctx, key, func(ev Event) { r.handle(key, gen, ev) })

	r.mu.Lock()
	if cur, ok := r.entries[key]; ok && cur.gen == gen && !r.stopped.Load() {
		cur.conn = conn
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	// Superseded while opening (error reported, key removed or Stop).
	if conn != nil {
		conn.Close()
	}
}

func (r *Reconciler) handle(key Key, gen uint64, ev Event) {
	r.dispatchMu.RLock()
	defer r.dispatchMu.RUnlock()
	if r.stopped.Load() {
		return
	}

	switch ev.Type {
	case EventConnect:
		r.onConnect(key, gen)
	case EventError:
		r.onError(key, gen, ev.Err)
	default:
		if !r.current(key, gen) {
			return
		}
		r.dispatch(key, ev)
	}
}

func (r *Reconciler) current(key Key, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && e.gen == gen
}

func (r *Reconciler) onConnect(key Key, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen {
		return
	}
	e.attempts = 0
	e.lastErr = ""
	e.bo.Reset()
	r.setStateLocked(e, StateConnected)
	log.Info().Str("stream", key.String()).Msg("stream connected")
}

func (r *Reconciler) onError(key Key, gen uint64, cause error) {
	if cause == nil {
		cause = errors.New("stream error")
	}

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen || (e.state != StateConnecting && e.state != StateConnected) {
		r.mu.Unlock()
		return
	}
	conn := e.conn
	e.conn = nil
	// Late events of the failed connection are ignored from here on.
	r.nextGen++
	e.gen = r.nextGen
	e.lastErr = cause.Error()

	if e.attempts >= r.Config.MaxAttempts {
		r.setStateLocked(e, StateDisconnected)
		attempts := e.attempts
		r.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		observability.StreamGiveUps.Inc()
		log.Warn().Err(cause).Str("stream", key.String()).Int("attempts", attempts).
			Msg("stream gave up; manual retry required")
		if r.OnGiveUp != nil {
			r.OnGiveUp(key, cause)
		}
		return
	}

	delay := e.bo.NextBackOff()
	e.attempts++
	e.lastDelay = delay
	timerGen := e.gen
	r.setStateLocked(e, StateError)
	e.timer = r.Clock.AfterFunc(delay, func() { r.reconnect(key, timerGen) })
	attempt := e.attempts
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	observability.StreamReconnects.Inc()
	log.Warn().Err(cause).Str("stream", key.String()).Int("attempt", attempt).Dur("delay", delay).
		Msg("stream error; reconnect scheduled")
}

func (r *Reconciler) reconnect(key Key, gen uint64) {
	if r.stopped.Load() {
		return
	}
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen || e.state != StateError {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.open(key)
}

func (r *Reconciler) dispatch(key Key, ev Event) {
	ctx := r.ctx
	var err error
	switch {
	case key.Category == CategoryUser:
		switch ev.Type {
		case EventUpdate:
			err = r.Ingester.Upsert(ctx, ev.Status, key.BackendURL, domain.TimelineHome, "")
		case EventStatusUpdate:
			err = r.Ingester.UpdateContent(ctx, ev.Status, key.BackendURL)
		case EventNotification:
			err = r.Ingester.UpsertNotification(ctx, ev.Notification, key.BackendURL)
		case EventDelete:
			err = r.Ingester.RemoveFromCategory(ctx, key.BackendURL, ev.ID, domain.TimelineHome, "")
		}
	default:
		switch ev.Type {
		case EventUpdate:
			err = r.Ingester.Upsert(ctx, ev.Status, key.BackendURL, key.Category, key.Tag)
		case EventStatusUpdate:
			err = r.Ingester.UpdateContent(ctx, ev.Status, key.BackendURL)
		case EventDelete:
			err = r.Ingester.RemoveFromCategory(ctx, key.BackendURL, ev.ID, key.Category, key.Tag)
		}
	}
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("stream", key.String()).Str("event", string(ev.Type)).Msg("stream event not ingested")
	}
}

func (r *Reconciler) setStateLocked(e *entry, s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.since = r.Clock.Now()
	r.updateGaugesLocked()
}

func (r *Reconciler) updateGaugesLocked() {
	counts := make(map[State]int, len(allStates))
	for _, e := range r.entries {
		counts[e.state]++
	}
	for _, s := range allStates {
		observability.StreamConnections.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
