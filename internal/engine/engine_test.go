package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/fedi-timeline-sync/internal/clock"
	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/mastodon"
	"github.com/tbourn/fedi-timeline-sync/internal/repo"
	"github.com/tbourn/fedi-timeline-sync/internal/services"
	"github.com/tbourn/fedi-timeline-sync/internal/stream"
	"github.com/tbourn/fedi-timeline-sync/internal/timeline"
)

// ---------- fakes ----------

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeConnector struct {
	mu    sync.Mutex
	conns map[stream.Key]*fakeConn
	sinks map[stream.Key]func(stream.Event)
	opens int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{conns: map[stream.Key]*fakeConn{}, sinks: map[stream.Key]func(stream.Event){}}
}

func (f *fakeConnector) Open(_ context.Context, key stream.Key, sink func(stream.Event)) stream.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{}
	f.conns[key] = c
	f.sinks[key] = sink
	f.opens++
	return c
}

func (f *fakeConnector) sink(key stream.Key) func(stream.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[key]
}

func (f *fakeConnector) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeConnector) allClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if !c.isClosed() {
			return false
		}
	}
	return true
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) FetchStatuses(context.Context, string, domain.PageRequest) ([]*domain.Status, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeFetcher) FetchNotifications(context.Context, string, domain.PageRequest) ([]*domain.Notification, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, nil
}

type fakeActions struct {
	calls []string
	err   error
}

func (f *fakeActions) SetAction(_ context.Context, backendURL, id string, kind domain.ActionKind, value bool) (*domain.Status, error) {
	f.calls = append(f.calls, backendURL+" "+id+" "+string(kind))
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Status{ID: id}, nil
}

const (
	bx = "https://x.example"
	by = "https://y.example"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	eng     *Engine
	conn    *fakeConnector
	fetch   *fakeFetcher
	actions *fakeActions
	clock   *clock.FakeClock
	db      *gorm.DB
}

func newEngineDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newFixture(t *testing.T, accts ...string) *fixture {
	t.Helper()
	f := &fixture{
		conn:    newFakeConnector(),
		fetch:   &fakeFetcher{},
		actions: &fakeActions{},
		clock:   clock.NewFake(t0),
		db:      newEngineDB(t),
	}
	var list []mastodon.Account
	for _, a := range accts {
		list = append(list, mastodon.Account{BackendURL: a, AccessToken: "tok"})
	}
	eng, err := New(Options{
		DB:        f.db,
		Accounts:  list,
		Retention: services.DefaultRetentionConfig(),
		Stream:    stream.Config{BaseDelay: time.Second, MaxDelay: 8 * time.Second, MaxAttempts: 3},
		Clock:     f.clock,
		Fetcher:   f.fetch,
		Connector: f.conn,
		Actions:   f.actions,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.eng = eng
	t.Cleanup(eng.Stop)
	return f
}

func keysOf(st []stream.Status) map[stream.Key]stream.State {
	out := make(map[stream.Key]stream.State, len(st))
	for _, s := range st {
		out[s.Key] = s.State
	}
	return out
}

// ---------- tests ----------

func TestNew_RequiresDB(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("New without DB succeeded")
	}
}

func TestStart_OpensStreamsAndSchedulesRetention(t *testing.T) {
	f := newFixture(t, bx, by)
	if err := f.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	keys := keysOf(f.eng.Streams().Snapshot())
	// Defaults: home + notification (user streams), local, public.
	for _, k := range []stream.Key{
		{Category: stream.CategoryUser, BackendURL: bx},
		{Category: stream.CategoryUser, BackendURL: by},
		{Category: domain.TimelineLocal, BackendURL: bx},
		{Category: domain.TimelineLocal, BackendURL: by},
		{Category: domain.TimelinePublic, BackendURL: bx},
		{Category: domain.TimelinePublic, BackendURL: by},
	} {
		if _, ok := keys[k]; !ok {
			t.Fatalf("missing stream %s in %v", k, keys)
		}
	}
	if len(keys) != 6 {
		t.Fatalf("streams = %v", keys)
	}
	if f.clock.Pending() != 1 {
		t.Fatalf("retention ticker not armed: pending=%d", f.clock.Pending())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.fetch.mu.Lock()
		calls := f.fetch.calls
		f.fetch.mu.Unlock()
		// 4 timelines x 2 backends.
		if calls >= 8 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("initial fetch calls = %d", calls)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApplyTimelines_ReconcilesWithoutChurn(t *testing.T) {
	f := newFixture(t, bx, by)
	ctx := context.Background()
	if err := f.eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := f.conn.openCount()

	cfgs := append(f.eng.Timelines.List(), timeline.Config{
		ID: "pets", Type: domain.TimelineTag, BackendFilter: timeline.Single(by),
		TagConfig: &timeline.TagConfig{Tags: []string{"Cats", "dogs"}},
	})
	if _, err := f.eng.ApplyTimelines(ctx, cfgs); err != nil {
		t.Fatalf("ApplyTimelines: %v", err)
	}
	if got := f.conn.openCount() - before; got != 2 {
		t.Fatalf("new connections = %d, want 2", got)
	}
	keys := keysOf(f.eng.Streams().Snapshot())
	if _, ok := keys[stream.Key{Category: domain.TimelineTag, BackendURL: by, Tag: "cats"}]; !ok {
		t.Fatalf("tag stream missing: %v", keys)
	}

	// Same configuration again: nothing opens.
	opens := f.conn.openCount()
	if _, err := f.eng.ApplyTimelines(ctx, f.eng.Timelines.List()); err != nil {
		t.Fatalf("ApplyTimelines: %v", err)
	}
	if f.conn.openCount() != opens {
		t.Fatalf("re-applying identical config churned connections")
	}

	if _, err := f.eng.ApplyTimelines(ctx, []timeline.Config{{ID: "x", Type: "bogus"}}); !errors.Is(err, services.ErrInvalidTimeline) {
		t.Fatalf("want ErrInvalidTimeline, got %v", err)
	}
}

func TestStreamEventsReachProjection(t *testing.T) {
	f := newFixture(t, bx)
	ctx := context.Background()
	if err := f.eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sink := f.conn.sink(stream.Key{Category: stream.CategoryUser, BackendURL: bx})
	sink(stream.Event{Type: stream.EventConnect})
	sink(stream.Event{Type: stream.EventUpdate, Status: &domain.Status{ID: "1", CreatedAt: t0.Format(time.RFC3339)}})

	_, items, err := f.eng.Items(ctx, "home")
	if err != nil || len(items) != 1 || items[0].Status.ID != "1" {
		t.Fatalf("home items = %+v, %v", items, err)
	}
	if _, _, err := f.eng.Items(ctx, "missing"); !errors.Is(err, services.ErrTimelineNotFound) {
		t.Fatalf("want ErrTimelineNotFound, got %v", err)
	}
}

func TestSetAccounts_EmptyTearsDownThenRestores(t *testing.T) {
	f := newFixture(t, bx)
	ctx := context.Background()
	if err := f.eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	userKey := stream.Key{Category: stream.CategoryUser, BackendURL: bx}
	sink := f.conn.sink(userKey)
	// Arm a retry timer on the local stream.
	f.conn.sink(stream.Key{Category: domain.TimelineLocal, BackendURL: bx})(stream.Event{Type: stream.EventError})
	if f.clock.Pending() != 2 {
		t.Fatalf("pending = %d, want ticker + retry", f.clock.Pending())
	}

	if err := f.eng.SetAccounts(ctx, nil); err != nil {
		t.Fatalf("SetAccounts(nil): %v", err)
	}
	if f.eng.Streams() != nil {
		t.Fatalf("reconciler still present")
	}
	if !f.conn.allClosed() {
		t.Fatalf("connections left open")
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("timers left armed: %d", f.clock.Pending())
	}
	opens := f.conn.openCount()
	f.clock.Advance(24 * time.Hour)
	if f.conn.openCount() != opens {
		t.Fatalf("reconnected after teardown")
	}
	sink(stream.Event{Type: stream.EventUpdate, Status: &domain.Status{ID: "late", CreatedAt: t0.Format(time.RFC3339)}})
	if _, err := repo.GetStatus(ctx, f.db, domain.CompositeKey(bx, "late")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("event ingested after teardown: %v", err)
	}

	if err := f.eng.SetAccounts(ctx, []mastodon.Account{{BackendURL: by}}); err != nil {
		t.Fatalf("SetAccounts: %v", err)
	}
	keys := keysOf(f.eng.Streams().Snapshot())
	if _, ok := keys[stream.Key{Category: stream.CategoryUser, BackendURL: by}]; !ok || len(keys) != 3 {
		t.Fatalf("streams after restore = %v", keys)
	}
}

func TestStats_ReportsSweepAndGiveUps(t *testing.T) {
	f := newFixture(t, bx)
	ctx := context.Background()
	if err := f.eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := f.eng.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.LastSweep != nil {
			if st.LastSweep.Error != "" || st.LastSweep.AtMs != t0.UnixMilli() {
				t.Fatalf("last sweep = %+v", st.LastSweep)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("startup sweep never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	key := stream.Key{Category: domain.TimelineLocal, BackendURL: bx}
	for i := 0; i < 3; i++ {
		f.conn.sink(key)(stream.Event{Type: stream.EventError, Err: errors.New("reset")})
		var delay time.Duration
		for _, s := range f.eng.StreamStatus() {
			if s.Key == key {
				delay = s.LastDelay
			}
		}
		f.clock.Advance(delay)
	}
	f.conn.sink(key)(stream.Event{Type: stream.EventError, Err: errors.New("reset")})

	st, err := f.eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.GiveUps != 1 || st.LastGiveUp == nil || st.LastGiveUp.Stream != key.String() || st.LastGiveUp.Error == "" {
		t.Fatalf("give-ups = %d %+v", st.GiveUps, st.LastGiveUp)
	}
}

func TestSetAccounts_EmptyKeepsBackendSelections(t *testing.T) {
	f := newFixture(t, bx, by)
	ctx := context.Background()
	if err := f.eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cfgs := []timeline.Config{{ID: "only-y", Type: domain.TimelineLocal, BackendFilter: timeline.Single(by)}}
	if _, err := f.eng.ApplyTimelines(ctx, cfgs); err != nil {
		t.Fatalf("ApplyTimelines: %v", err)
	}

	if err := f.eng.SetAccounts(ctx, nil); err != nil {
		t.Fatalf("SetAccounts(nil): %v", err)
	}
	accts := []mastodon.Account{{BackendURL: bx, AccessToken: "tok"}, {BackendURL: by, AccessToken: "tok"}}
	if err := f.eng.SetAccounts(ctx, accts); err != nil {
		t.Fatalf("SetAccounts: %v", err)
	}
	got := f.eng.ListTimelines()
	if len(got) != 1 || got[0].BackendFilter.Mode != timeline.FilterSingle || got[0].BackendFilter.BackendURL != by {
		t.Fatalf("timelines after restore = %+v", got)
	}
}

func TestSetAction(t *testing.T) {
	f := newFixture(t, bx)
	ctx := context.Background()
	if err := f.eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := &domain.Status{ID: "9", CreatedAt: t0.Format(time.RFC3339)}
	if err := f.eng.Ingest.Upsert(ctx, st, bx, domain.TimelineHome, ""); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := f.eng.SetAction(ctx, bx, "9", domain.ActionBookmarked, true); err != nil {
		t.Fatalf("SetAction: %v", err)
	}
	rec, err := repo.GetStatus(ctx, f.db, domain.CompositeKey(bx, "9"))
	if err != nil || !rec.Bookmarked {
		t.Fatalf("stored = %+v, %v", rec, err)
	}
	if len(f.actions.calls) != 1 {
		t.Fatalf("remote calls = %v", f.actions.calls)
	}

	if err := f.eng.SetAction(ctx, bx, "unknown-locally", domain.ActionFavourited, true); err != nil {
		t.Fatalf("missing local status should not fail: %v", err)
	}
	if err := f.eng.SetAction(ctx, "https://nope", "9", domain.ActionFavourited, true); !errors.Is(err, services.ErrUnknownBackend) {
		t.Fatalf("want ErrUnknownBackend, got %v", err)
	}
	if err := f.eng.SetAction(ctx, bx, "9", "pinned", true); !errors.Is(err, services.ErrInvalidAction) {
		t.Fatalf("want ErrInvalidAction, got %v", err)
	}

	f.actions.err = errors.New("remote down")
	if err := f.eng.SetAction(ctx, bx, "9", domain.ActionBookmarked, false); err == nil {
		t.Fatalf("remote failure swallowed")
	}
	rec, _ = repo.GetStatus(ctx, f.db, domain.CompositeKey(bx, "9"))
	if !rec.Bookmarked {
		t.Fatalf("local state changed despite remote failure")
	}
}
