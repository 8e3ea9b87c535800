// Package engine wires the store, ingestion, retention, projections and
// streaming into one object with an explicit lifecycle.
//
// Nothing here is global: cmd builds one Engine from config and hands it to
// the HTTP layer. An empty account list tears the whole engine down (no
// connections, no retry timers, no retention schedule) until accounts are
// configured again.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/fedi-timeline-sync/internal/clock"
	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/livequery"
	"github.com/tbourn/fedi-timeline-sync/internal/mastodon"
	"github.com/tbourn/fedi-timeline-sync/internal/repo"
	"github.com/tbourn/fedi-timeline-sync/internal/services"
	"github.com/tbourn/fedi-timeline-sync/internal/stream"
	"github.com/tbourn/fedi-timeline-sync/internal/timeline"
)

// ErrIdle is returned by stream operations while no accounts are configured.
var ErrIdle = errors.New("engine idle: no accounts configured")

// ActionClient performs interaction actions on the backend.
type ActionClient interface {
	SetAction(ctx context.Context, backendURL, id string, kind domain.ActionKind, value bool) (*domain.Status, error)
}

// Options configures New. Fetcher, Connector and Actions default to the
// mastodon REST client and streamer.
type Options struct {
	DB       *gorm.DB
	Accounts []mastodon.Account

	Retention       services.RetentionConfig
	Stream          stream.Config
	ProjectionLimit int
	PageSize        int
	FetchRPS        float64
	FetchBurst      int

	Clock     clock.Clock
	Fetcher   services.PageFetcher
	Connector stream.Connector
	Actions   ActionClient
}

// Engine is the running sync engine.
type Engine struct {
	Accounts   *mastodon.Accounts
	Store      *repo.Store
	Registry   *livequery.Registry
	Ingest     *services.IngestService
	Retention  *services.RetentionService
	Timelines  *services.TimelineConfigService
	Projection *services.ProjectionService
	Actions    ActionClient

	clock     clock.Clock
	connector stream.Connector
	streamCfg stream.Config

	statsMu    sync.Mutex
	lastSweep  *services.SweepOutcome
	giveUps    int
	lastGiveUp *services.GiveUpOutcome

	mu      sync.Mutex
	streams *stream.Reconciler
	started bool
	active  bool
	bgCtx   context.Context
	bgStop  context.CancelFunc
	bg      sync.WaitGroup
}

// New builds an Engine. It does not touch the network; call Start.
func New(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, errors.New("engine: nil DB")
	}
	c := clock.OrReal(opts.Clock)
	accts := mastodon.NewAccounts(opts.Accounts)
	reg := livequery.NewRegistry()
	store := repo.NewStore(opts.DB, reg)
	ingest := services.NewIngestService(store, c)

	var client *mastodon.Client
	if opts.Fetcher == nil || opts.Actions == nil {
		client = mastodon.NewClient(accts, opts.FetchRPS, opts.FetchBurst, 0)
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = client
	}
	actions := opts.Actions
	if actions == nil {
		actions = client
	}
	connector := opts.Connector
	if connector == nil {
		connector = mastodon.NewStreamer(accts)
	}

	e := &Engine{
		Accounts:  accts,
		Store:     store,
		Registry:  reg,
		Ingest:    ingest,
		Retention: services.NewRetentionService(store, c, opts.Retention),
		Timelines: services.NewTimelineConfigService(opts.DB),
		Actions:   actions,
		clock:     c,
		connector: connector,
		streamCfg: opts.Stream,
	}
	e.Retention.AfterSweep = e.recordSweep
	e.Projection = &services.ProjectionService{
		Store:    store,
		Ingest:   ingest,
		Fetcher:  fetcher,
		Registry: reg,
		Apps:     accts.URLs,
		Limit:    opts.ProjectionLimit,
		PageSize: opts.PageSize,
	}
	return e, nil
}

// Apps returns the configured backend URLs in account order.
func (e *Engine) Apps() []string { return e.Accounts.URLs() }

// Streams returns the current reconciler, or nil while torn down.
func (e *Engine) Streams() *stream.Reconciler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams
}

// Start loads the timeline configuration and, when accounts are configured,
// brings up retention, streams and the initial fetch of every timeline.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if _, err := e.Timelines.Load(ctx, e.Apps()); err != nil {
		return err
	}
	e.activate()
	return nil
}

// ApplyTimelines validates, persists and activates a new configuration.
// Streams are reconciled against it and timelines are refreshed.
func (e *Engine) ApplyTimelines(ctx context.Context, cfgs []timeline.Config) ([]timeline.Config, error) {
	saved, err := e.Timelines.Save(ctx, cfgs, e.Apps())
	if err != nil {
		return nil, err
	}
	e.Projection.ResetCursors("")
	e.reconcile()
	e.refreshAll(saved)
	return saved, nil
}

// SetAccounts replaces the account list. Timeline filters are renormalized
// against it; an empty list tears the engine down.
func (e *Engine) SetAccounts(ctx context.Context, accts []mastodon.Account) error {
	e.Accounts.Set(accts)
	if _, err := e.Timelines.Renormalize(ctx, e.Apps()); err != nil {
		return err
	}
	e.Projection.ResetCursors("")
	if len(e.Apps()) == 0 {
		e.deactivate()
		return nil
	}
	e.activate()
	e.reconcile()
	return nil
}

// SetAction performs an interaction on the backend and mirrors it into the
// store. A status that is not stored locally is not an error.
func (e *Engine) SetAction(ctx context.Context, backendURL, id string, kind domain.ActionKind, value bool) error {
	if !kind.Valid() {
		return services.ErrInvalidAction
	}
	if _, ok := e.Accounts.Get(backendURL); !ok {
		return services.ErrUnknownBackend
	}
	if e.Actions != nil {
		if _, err := e.Actions.SetAction(ctx, backendURL, id, kind, value); err != nil {
			return err
		}
	}
	err := e.Ingest.UpdateAction(ctx, backendURL, id, kind, value)
	if errors.Is(err, services.ErrStatusNotFound) {
		log.Debug().Str("backend", backendURL).Str("id", id).Msg("action on a status not stored locally")
		return nil
	}
	return err
}

// Refresh fetches the newest page of one timeline.
func (e *Engine) Refresh(ctx context.Context, id string) (int, error) {
	cfg, err := e.Timelines.Get(id)
	if err != nil {
		return 0, err
	}
	return e.Projection.FetchLatest(ctx, cfg)
}

// LoadMore pages one timeline backwards.
func (e *Engine) LoadMore(ctx context.Context, id string) (int, error) {
	cfg, err := e.Timelines.Get(id)
	if err != nil {
		return 0, err
	}
	return e.Projection.LoadMore(ctx, cfg)
}

// Items returns the current projection of one timeline.
func (e *Engine) Items(ctx context.Context, id string) (timeline.Config, []services.Item, error) {
	cfg, err := e.Timelines.Get(id)
	if err != nil {
		return timeline.Config{}, nil, err
	}
	items, err := e.Projection.Query(ctx, cfg)
	return cfg, items, err
}

// Watch pushes the projection of one timeline to fn now and after every
// relevant commit, until ctx ends or cancel is called.
func (e *Engine) Watch(ctx context.Context, id string, fn func([]services.Item, error)) (func(), error) {
	cfg, err := e.Timelines.Get(id)
	if err != nil {
		return nil, err
	}
	return e.Projection.Watch(ctx, cfg, fn), nil
}

// ListTimelines returns the active timeline configuration.
func (e *Engine) ListTimelines() []timeline.Config { return e.Timelines.List() }

// ListAccounts returns the configured accounts.
func (e *Engine) ListAccounts() []mastodon.Account { return e.Accounts.List() }

// StreamStatus reports every managed streaming connection. It is empty while
// the engine is idle.
func (e *Engine) StreamStatus() []stream.Status {
	streams := e.Streams()
	if streams == nil {
		return []stream.Status{}
	}
	return streams.Snapshot()
}

// RetryStream reconnects a disconnected stream immediately.
func (e *Engine) RetryStream(key stream.Key) error {
	streams := e.Streams()
	if streams == nil {
		return ErrIdle
	}
	return streams.Retry(key)
}

// Sweep runs one retention pass now.
func (e *Engine) Sweep(ctx context.Context) (services.SweepReport, error) {
	return e.Retention.Sweep(ctx)
}

// Stats summarizes the record store and the last background outcomes.
func (e *Engine) Stats(ctx context.Context) (services.RuntimeStats, error) {
	st, err := repo.Stats(ctx, e.Store.DB)
	if err != nil {
		return services.RuntimeStats{}, err
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return services.RuntimeStats{
		StoreStats: st,
		LastSweep:  e.lastSweep,
		GiveUps:    e.giveUps,
		LastGiveUp: e.lastGiveUp,
	}, nil
}

func (e *Engine) recordSweep(rep services.SweepReport, err error) {
	out := &services.SweepOutcome{AtMs: e.clock.Now().UnixMilli(), Report: rep}
	if err != nil {
		out.Error = err.Error()
	}
	e.statsMu.Lock()
	e.lastSweep = out
	e.statsMu.Unlock()
}

func (e *Engine) recordGiveUp(key stream.Key, err error) {
	out := &services.GiveUpOutcome{AtMs: e.clock.Now().UnixMilli(), Stream: key.String()}
	if err != nil {
		out.Error = err.Error()
	}
	e.statsMu.Lock()
	e.giveUps++
	e.lastGiveUp = out
	e.statsMu.Unlock()
}

// Stop tears everything down and waits for background work. After Stop
// returns no stream event reaches the store.
func (e *Engine) Stop() {
	e.deactivate()
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	log.Info().Msg("engine stopped")
}

// activate brings up retention, the reconciler and background refreshes once
// the engine is started and has at least one account.
func (e *Engine) activate() {
	if len(e.Apps()) == 0 {
		log.Info().Msg("no accounts configured; engine idle")
		return
	}
	e.mu.Lock()
	if !e.started || e.active {
		e.mu.Unlock()
		return
	}
	e.active = true
	e.bgCtx, e.bgStop = context.WithCancel(context.Background())
	e.streams = stream.NewReconciler(e.connector, e.Ingest, e.clock, e.streamCfg)
	e.streams.OnGiveUp = e.recordGiveUp
	bgCtx := e.bgCtx
	e.mu.Unlock()

	// The schedule outlives the caller's (possibly request-scoped) ctx.
	e.Retention.Start(bgCtx)
	e.reconcile()
	e.refreshAll(e.Timelines.List())
	log.Info().Int("accounts", len(e.Apps())).Msg("engine active")
}

func (e *Engine) deactivate() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	streams := e.streams
	e.streams = nil
	stop := e.bgStop
	e.mu.Unlock()

	stop()
	streams.Stop()
	e.Retention.Stop()
	e.bg.Wait()
	log.Info().Msg("engine torn down")
}

func (e *Engine) reconcile() {
	streams := e.Streams()
	if streams == nil {
		return
	}
	apps := e.Apps()
	desired := append(stream.UserKeys(apps), stream.DeriveRequired(e.Timelines.List(), apps)...)
	streams.Reconcile(desired)
}

// refreshAll fetches the newest page of every timeline in the background.
func (e *Engine) refreshAll(cfgs []timeline.Config) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	ctx := e.bgCtx
	e.bg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.bg.Done()
		for _, cfg := range cfgs {
			if ctx.Err() != nil {
				return
			}
			if _, err := e.Projection.FetchLatest(ctx, cfg); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("timeline", cfg.ID).Msg("initial fetch failed")
			}
		}
	}()
}
