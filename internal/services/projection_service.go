// Package services – ProjectionService
//
// ProjectionService turns a timeline config into an ordered list of stored
// records:
//
//  1. the backend filter is resolved against the current account list;
//  2. records are range-scanned per backend (or per tag) from the store;
//  3. the media-only filter is applied in memory;
//  4. results are merged by created_at_ms descending and truncated.
//
// AppIndex is always re-derived from the current account list and records
// from backends that are no longer configured are left out.
//
// It also owns network paging: FetchLatest pulls the newest page for every
// backend (and tag) of a timeline, LoadMore pages backwards with explicit
// per-(timeline, backend, tag) cursors, and Watch keeps a projection live by
// subscribing to the store partitions it reads.
package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/livequery"
	"github.com/tbourn/fedi-timeline-sync/internal/observability"
	"github.com/tbourn/fedi-timeline-sync/internal/repo"
	"github.com/tbourn/fedi-timeline-sync/internal/timeline"
)

// Defaults for ProjectionService.
const (
	DefaultProjectionLimit = 200
	DefaultPageSize        = 40
)

// PageFetcher is the REST collaborator used for initial loads and paging.
type PageFetcher interface {
	FetchStatuses(ctx context.Context, backendURL string, req domain.PageRequest) ([]*domain.Status, error)
	FetchNotifications(ctx context.Context, backendURL string, req domain.PageRequest) ([]*domain.Notification, error)
}

// Item is one projected record.
type Item struct {
	Key           string               `json:"key"`
	BackendURL    string               `json:"backend_url"`
	AppIndex      int                  `json:"app_index"`
	CreatedAtMs   int64                `json:"created_at_ms"`
	TimelineTypes []string             `json:"timeline_types,omitempty"`
	Tags          []string             `json:"tags,omitempty"`
	Status        *domain.Status       `json:"status,omitempty"`
	Notification  *domain.Notification `json:"notification,omitempty"`
}

// CursorKey identifies one paging cursor. Tag is empty except for tag
// timelines, which page every tag of every backend independently.
type CursorKey struct {
	TimelineID string `json:"timeline_id"`
	BackendURL string `json:"backend_url"`
	Tag        string `json:"tag,omitempty"`
}

// Cursor is the paging state of one CursorKey.
type Cursor struct {
	MaxID     string `json:"max_id"`
	Fetched   int    `json:"fetched"`
	Exhausted bool   `json:"exhausted"`
}

// ProjectionService builds and maintains timeline projections.
type ProjectionService struct {
	Store    *repo.Store
	Ingest   *IngestService
	Fetcher  PageFetcher
	Registry *livequery.Registry

	// Apps returns the configured backend URLs in account order.
	Apps func() []string

	Limit    int
	PageSize int

	mu      sync.Mutex
	cursors map[CursorKey]Cursor
}

func (s *ProjectionService) apps() []string {
	if s.Apps == nil {
		return nil
	}
	return s.Apps()
}

func (s *ProjectionService) limit() int {
	if s.Limit > 0 {
		return s.Limit
	}
	return DefaultProjectionLimit
}

func (s *ProjectionService) pageSize() int {
	if s.PageSize > 0 {
		return s.PageSize
	}
	return DefaultPageSize
}

// Query returns the current projection of cfg.
func (s *ProjectionService) Query(ctx context.Context, cfg timeline.Config) ([]Item, error) {
	tr := otel.Tracer("services/ProjectionService")
	ctx, span := tr.Start(ctx, "Query",
		trace.WithAttributes(
			attribute.String("timeline.id", cfg.ID),
			attribute.String("timeline.type", string(cfg.Type)),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.ProjectionDuration.WithLabelValues(string(cfg.Type)).Observe(time.Since(start).Seconds())
	}()

	apps := s.apps()
	index := make(map[string]int, len(apps))
	for i, a := range apps {
		if _, dup := index[a]; !dup {
			index[a] = i
		}
	}
	urls := timeline.ResolveBackendURLs(cfg.BackendFilter, apps)
	limit := s.limit()
	db := s.Store.Read(ctx)

	var items []Item
	switch {
	case cfg.Type == domain.TimelineNotification:
		for _, u := range urls {
			u := u
			got, err := collect(func(after repo.Keyset, n int) ([]domain.StoredNotification, error) {
				return repo.ListNotifications(ctx, db, u, after, n)
			}, notificationPos, func(r *domain.StoredNotification) (Item, bool) {
				return notificationItem(r, cfg.OnlyMedia)
			}, limit)
			if err != nil {
				span.RecordError(err)
				return nil, storageErr("projection.notifications", err)
			}
			items = append(items, got...)
		}

	case cfg.Type == domain.TimelineTag:
		tags := cfg.Tags()
		if len(tags) == 0 {
			return []Item{}, nil
		}
		mode := timeline.TagModeOr
		if cfg.TagConfig != nil {
			mode = cfg.TagConfig.Mode
		}
		seen := make(map[string]struct{})
		scanTags := tags
		if mode == timeline.TagModeAnd {
			scanTags = tags[:1]
		}
		for _, tg := range scanTags {
			tg := tg
			keep := func(r *domain.StoredStatus) (Item, bool) {
				if _, dup := seen[r.CompositeKey]; dup {
					return Item{}, false
				}
				if mode == timeline.TagModeAnd {
					for _, other := range tags {
						if !r.BelongingTags.Has(other) {
							return Item{}, false
						}
					}
				}
				return statusItem(r, cfg.OnlyMedia)
			}
			got, err := collect(func(after repo.Keyset, n int) ([]domain.StoredStatus, error) {
				return repo.ListStatusesByTag(ctx, db, tg, urls, after, n)
			}, statusPos, keep, limit)
			if err != nil {
				span.RecordError(err)
				return nil, storageErr("projection.tag", err)
			}
			for _, it := range got {
				seen[it.Key] = struct{}{}
				items = append(items, it)
			}
		}

	case cfg.Type.IsStatusCategory():
		for _, u := range urls {
			u := u
			got, err := collect(func(after repo.Keyset, n int) ([]domain.StoredStatus, error) {
				return repo.ListStatusesByCategory(ctx, db, cfg.Type, u, after, n)
			}, statusPos, func(r *domain.StoredStatus) (Item, bool) {
				return statusItem(r, cfg.OnlyMedia)
			}, limit)
			if err != nil {
				span.RecordError(err)
				return nil, storageErr("projection.category", err)
			}
			items = append(items, got...)
		}

	default:
		return nil, ErrInvalidTimeline
	}

	out := items[:0]
	for _, it := range items {
		idx, ok := index[it.BackendURL]
		if !ok {
			continue
		}
		it.AppIndex = idx
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs > out[j].CreatedAtMs
		}
		return out[i].Key > out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	span.SetAttributes(attribute.Int("items", len(out)))
	if out == nil {
		out = []Item{}
	}
	return out, nil
}

// collect pages through a descending keyset scan until limit rows map to an
// item, or the scan is exhausted. pos reports a row's scan position.
func collect[T any](scan func(after repo.Keyset, n int) ([]T, error), pos func(*T) repo.Keyset, item func(*T) (Item, bool), limit int) ([]Item, error) {
	var out []Item
	var after repo.Keyset
	for len(out) < limit {
		page, err := scan(after, limit)
		if err != nil {
			return nil, err
		}
		for i := range page {
			it, ok := item(&page[i])
			if !ok {
				continue
			}
			out = append(out, it)
			if len(out) >= limit {
				break
			}
		}
		if len(page) < limit {
			break
		}
		after = pos(&page[len(page)-1])
	}
	return out, nil
}

func statusPos(r *domain.StoredStatus) repo.Keyset {
	return repo.Keyset{CreatedAtMs: r.CreatedAtMs, Key: r.CompositeKey}
}

func notificationPos(r *domain.StoredNotification) repo.Keyset {
	return repo.Keyset{CreatedAtMs: r.CreatedAtMs, Key: r.CompositeKey}
}

func statusItem(r *domain.StoredStatus, onlyMedia bool) (Item, bool) {
	st, err := r.Decode()
	if err != nil {
		log.Warn().Err(err).Str("key", r.CompositeKey).Msg("skipping undecodable status")
		return Item{}, false
	}
	if onlyMedia && !st.HasMedia() {
		return Item{}, false
	}
	return Item{
		Key:           r.CompositeKey,
		BackendURL:    r.BackendURL,
		CreatedAtMs:   r.CreatedAtMs,
		TimelineTypes: r.TimelineTypes,
		Tags:          r.BelongingTags,
		Status:        st,
	}, true
}

func notificationItem(r *domain.StoredNotification, onlyMedia bool) (Item, bool) {
	n, err := r.Decode()
	if err != nil {
		log.Warn().Err(err).Str("key", r.CompositeKey).Msg("skipping undecodable notification")
		return Item{}, false
	}
	if onlyMedia && !n.Status.HasMedia() {
		return Item{}, false
	}
	return Item{
		Key:          r.CompositeKey,
		BackendURL:   r.BackendURL,
		CreatedAtMs:  r.CreatedAtMs,
		Notification: n,
	}, true
}

// pagingTargets lists the (backend, tag) pairs a timeline pages over.
func (s *ProjectionService) pagingTargets(cfg timeline.Config) []CursorKey {
	urls := timeline.ResolveBackendURLs(cfg.BackendFilter, s.apps())
	var out []CursorKey
	for _, u := range urls {
		if cfg.Type == domain.TimelineTag {
			for _, tg := range cfg.Tags() {
				out = append(out, CursorKey{TimelineID: cfg.ID, BackendURL: u, Tag: tg})
			}
			continue
		}
		out = append(out, CursorKey{TimelineID: cfg.ID, BackendURL: u})
	}
	return out
}

// FetchLatest pulls the newest page for every backend (and tag) of cfg and
// ingests it. Failures of one backend do not stop the others; they are
// joined into the returned error.
func (s *ProjectionService) FetchLatest(ctx context.Context, cfg timeline.Config) (int, error) {
	tr := otel.Tracer("services/ProjectionService")
	ctx, span := tr.Start(ctx, "FetchLatest",
		trace.WithAttributes(attribute.String("timeline.id", cfg.ID)),
	)
	defer span.End()

	if s.Fetcher == nil {
		return 0, ErrNoFetcher
	}
	total := 0
	var errs []error
	for _, key := range s.pagingTargets(cfg) {
		n, _, err := s.fetchPage(ctx, cfg, key, "")
		if err != nil {
			log.Warn().Err(err).Str("backend", key.BackendURL).Str("timeline", cfg.ID).Str("tag", key.Tag).Msg("fetch latest failed")
			errs = append(errs, err)
			continue
		}
		total += n
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return total, err
	}
	return total, nil
}

// LoadMore fetches one older page for every non-exhausted cursor of cfg.
//
// The page anchor for a cursor is, in order: the cursor's recorded max id;
// the oldest record of that backend (and tag) in the current projection;
// the oldest matching record in the store; otherwise the newest page. An
// empty page marks the cursor exhausted.
func (s *ProjectionService) LoadMore(ctx context.Context, cfg timeline.Config) (int, error) {
	tr := otel.Tracer("services/ProjectionService")
	ctx, span := tr.Start(ctx, "LoadMore",
		trace.WithAttributes(attribute.String("timeline.id", cfg.ID)),
	)
	defer span.End()

	if s.Fetcher == nil {
		return 0, ErrNoFetcher
	}
	items, err := s.Query(ctx, cfg)
	if err != nil {
		return 0, err
	}

	total := 0
	var errs []error
	for _, key := range s.pagingTargets(cfg) {
		cur := s.Cursor(key)
		if cur.Exhausted {
			continue
		}
		maxID := cur.MaxID
		if maxID == "" {
			maxID = oldestMaterialized(items, key)
		}
		if maxID == "" {
			maxID, err = s.oldestStored(ctx, cfg, key)
			if err != nil {
				errs = append(errs, err)
				continue
			}
		}

		n, last, err := s.fetchPage(ctx, cfg, key, maxID)
		if err != nil {
			log.Warn().Err(err).Str("backend", key.BackendURL).Str("timeline", cfg.ID).Str("tag", key.Tag).Msg("load more failed")
			errs = append(errs, err)
			continue
		}
		total += n

		s.mu.Lock()
		if s.cursors == nil {
			s.cursors = make(map[CursorKey]Cursor)
		}
		c := s.cursors[key]
		c.Fetched += n
		if n == 0 {
			c.Exhausted = true
		} else {
			c.MaxID = last
		}
		s.cursors[key] = c
		s.mu.Unlock()
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return total, err
	}
	return total, nil
}

// Cursor returns the paging state of key.
func (s *ProjectionService) Cursor(key CursorKey) Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[key]
}

// ResetCursors forgets every cursor of a timeline (all when id is empty).
func (s *ProjectionService) ResetCursors(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cursors {
		if id == "" || k.TimelineID == id {
			delete(s.cursors, k)
		}
	}
}

func oldestMaterialized(items []Item, key CursorKey) string {
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.BackendURL != key.BackendURL {
			continue
		}
		if key.Tag != "" && !domain.StringSet(it.Tags).Has(key.Tag) {
			continue
		}
		switch {
		case it.Status != nil:
			return it.Status.ID
		case it.Notification != nil:
			return it.Notification.ID
		}
	}
	return ""
}

func (s *ProjectionService) oldestStored(ctx context.Context, cfg timeline.Config, key CursorKey) (string, error) {
	db := s.Store.Read(ctx)
	if cfg.Type == domain.TimelineNotification {
		n, err := repo.OldestNotification(ctx, db, key.BackendURL)
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", storageErr("projection.oldest", err)
		}
		return n.RemoteID, nil
	}
	r, err := repo.OldestStatus(ctx, db, cfg.Type, key.BackendURL, key.Tag)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("projection.oldest", err)
	}
	return r.RemoteID, nil
}

// fetchPage fetches and ingests one page; it returns the number of entities
// and the remote id of the last (oldest) one.
func (s *ProjectionService) fetchPage(ctx context.Context, cfg timeline.Config, key CursorKey, maxID string) (int, string, error) {
	req := domain.PageRequest{
		Category:  cfg.Type,
		Tag:       key.Tag,
		MaxID:     maxID,
		Limit:     s.pageSize(),
		OnlyMedia: cfg.OnlyMedia,
	}
	if cfg.Type == domain.TimelineNotification {
		notes, err := s.Fetcher.FetchNotifications(ctx, key.BackendURL, req)
		if err != nil {
			return 0, "", err
		}
		if len(notes) == 0 {
			return 0, "", nil
		}
		if err := s.Ingest.BulkUpsertNotifications(ctx, notes, key.BackendURL); err != nil {
			return 0, "", err
		}
		return len(notes), notes[len(notes)-1].ID, nil
	}

	statuses, err := s.Fetcher.FetchStatuses(ctx, key.BackendURL, req)
	if err != nil {
		return 0, "", err
	}
	if len(statuses) == 0 {
		return 0, "", nil
	}
	if err := s.Ingest.BulkUpsert(ctx, statuses, key.BackendURL, cfg.Type, key.Tag); err != nil {
		return 0, "", err
	}
	return len(statuses), statuses[len(statuses)-1].ID, nil
}

// Partitions lists the store partitions a projection of cfg reads.
func (s *ProjectionService) Partitions(cfg timeline.Config) []livequery.Partition {
	urls := timeline.ResolveBackendURLs(cfg.BackendFilter, s.apps())
	var out []livequery.Partition
	for _, u := range urls {
		switch cfg.Type {
		case domain.TimelineNotification:
			out = append(out, livequery.Partition{Kind: livequery.KindNotification, Category: string(cfg.Type), BackendURL: u})
		case domain.TimelineTag:
			for _, tg := range cfg.Tags() {
				out = append(out, livequery.Partition{Kind: livequery.KindStatus, Category: string(cfg.Type), BackendURL: u, Tag: tg})
			}
		default:
			out = append(out, livequery.Partition{Kind: livequery.KindStatus, Category: string(cfg.Type), BackendURL: u})
		}
	}
	return out
}

// Watch pushes the projection of cfg to fn once immediately and again after
// every commit touching one of its partitions. Bursts of commits are
// coalesced into one recomputation. fn runs on a dedicated goroutine and
// must not call the returned cancel func, which stops the watch and waits
// for an in-flight push to return.
func (s *ProjectionService) Watch(ctx context.Context, cfg timeline.Config, fn func([]Item, error)) (cancel func()) {
	ctx, stop := context.WithCancel(ctx)
	dirty := make(chan struct{}, 1)
	unsubscribe := func() {}
	if s.Registry != nil {
		unsubscribe = s.Registry.Subscribe(s.Partitions(cfg), func() {
			select {
			case dirty <- struct{}{}:
			default:
			}
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		push := func() {
			items, err := s.Query(ctx, cfg)
			if ctx.Err() != nil {
				return
			}
			fn(items, err)
		}
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case <-dirty:
				push()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
		})
	}
}
