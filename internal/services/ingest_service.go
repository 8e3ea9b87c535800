// Package services – IngestService
//
// This file implements IngestService, the pipeline that turns wire entities
// received over REST pages and streaming events into stored records. It owns
// the membership merge rules:
//
//   - upsert unions the ingesting category (and subscription tag) into the
//     record's membership, refreshes content and stored_at, and never moves
//     created_at_ms;
//   - removeFromCategory narrows membership to honour a delete scoped to one
//     stream and deletes the record once no category is left;
//   - the tag category is present exactly when belonging_tags is non-empty.
//
// Every logical operation runs in one repo.Store transaction. Failures leave
// prior state unchanged and are surfaced as *StorageError; nothing retries.
//
// Observability: public methods are OpenTelemetry-instrumented and record
// Prometheus counters after commit.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/fedi-timeline-sync/internal/clock"
	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/livequery"
	"github.com/tbourn/fedi-timeline-sync/internal/observability"
	"github.com/tbourn/fedi-timeline-sync/internal/repo"
	"github.com/tbourn/fedi-timeline-sync/internal/timeline"
)

const tagCategory = string(domain.TimelineTag)

// IngestService merges wire entities into the record store.
type IngestService struct {
	Store *repo.Store
	Clock clock.Clock
}

// NewIngestService builds an IngestService. c may be nil (wall clock).
func NewIngestService(store *repo.Store, c clock.Clock) *IngestService {
	return &IngestService{Store: store, Clock: clock.OrReal(c)}
}

func (s *IngestService) nowMs() int64 {
	return clock.OrReal(s.Clock).Now().UnixMilli()
}

// Upsert ingests one status under category (and tag for the tag category).
// A new status that would belong to no category, such as a tag-category
// status without any tag, is dropped.
func (s *IngestService) Upsert(ctx context.Context, st *domain.Status, backendURL string, category domain.TimelineType, tag string) error {
	return s.bulkUpsert(ctx, "Upsert", []*domain.Status{st}, backendURL, category, tag)
}

// BulkUpsert ingests a REST page atomically: either every status is merged
// or none is.
func (s *IngestService) BulkUpsert(ctx context.Context, statuses []*domain.Status, backendURL string, category domain.TimelineType, tag string) error {
	return s.bulkUpsert(ctx, "BulkUpsert", statuses, backendURL, category, tag)
}

func (s *IngestService) bulkUpsert(ctx context.Context, op string, statuses []*domain.Status, backendURL string, category domain.TimelineType, tag string) error {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("backend.url", backendURL),
			attribute.String("timeline.category", string(category)),
			attribute.String("timeline.tag", tag),
			attribute.Int("batch.size", len(statuses)),
		),
	)
	defer span.End()

	if !category.IsStatusCategory() {
		return ErrInvalidCategory
	}
	if len(statuses) == 0 {
		return nil
	}
	tag = timeline.NormalizeTag(tag)
	now := s.nowMs()

	stored := 0
	err := s.Store.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		stored = 0
		for _, st := range statuses {
			ok, err := upsertStatusTx(ctx, tx, cs, st, backendURL, category, tag, now)
			if err != nil {
				return err
			}
			if ok {
				stored++
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return storageErr("upsert", err)
	}
	span.SetAttributes(attribute.Int("batch.stored", stored))
	observability.IngestedRecords.WithLabelValues("status", string(category)).Add(float64(stored))
	return nil
}

// upsertStatusTx merges st into the store. It reports false when the status
// is new and ends up in no category, which happens for a tag-category
// upsert of a status that carries no tag; such a status is not stored.
func upsertStatusTx(ctx context.Context, tx *gorm.DB, cs *livequery.ChangeSet, st *domain.Status, backendURL string, category domain.TimelineType, tag string, now int64) (bool, error) {
	rec, entityTags, err := buildStatusRecord(st, backendURL, now)
	if err != nil {
		return false, err
	}

	existing, err := repo.GetStatus(ctx, tx, rec.CompositeKey)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		rec.TimelineTypes = domain.NewStringSet(string(category))
		rec.BelongingTags = domain.NewStringSet(entityTags...)
	case err != nil:
		return false, err
	default:
		cs.AddStatus(existing.BackendURL, existing.TimelineTypes, existing.BelongingTags)
		rec.CreatedAtMs = existing.CreatedAtMs
		rec.TimelineTypes = existing.TimelineTypes.Add(string(category))
		rec.BelongingTags = existing.BelongingTags.Add(entityTags...)
	}
	if category == domain.TimelineTag && tag != "" {
		rec.BelongingTags = rec.BelongingTags.Add(tag)
	}
	reconcileTagCategory(rec)
	if len(rec.TimelineTypes) == 0 {
		return false, nil
	}

	if err := repo.SaveStatus(ctx, tx, rec); err != nil {
		return false, err
	}
	cs.AddStatus(rec.BackendURL, rec.TimelineTypes, rec.BelongingTags)
	return true, nil
}

// RemoveFromCategory narrows a record's membership after a delete observed
// on one category stream. For the tag category with a tag name only that tag
// is dropped; the record stays in the tag category while other tags remain.
// A record left without categories is deleted. Missing records are ignored.
func (s *IngestService) RemoveFromCategory(ctx context.Context, backendURL, id string, category domain.TimelineType, tag string) error {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "RemoveFromCategory",
		trace.WithAttributes(
			attribute.String("backend.url", backendURL),
			attribute.String("status.id", id),
			attribute.String("timeline.category", string(category)),
			attribute.String("timeline.tag", tag),
		),
	)
	defer span.End()

	if !category.IsStatusCategory() {
		return ErrInvalidCategory
	}
	tag = timeline.NormalizeTag(tag)
	key := domain.CompositeKey(backendURL, id)

	outcome := ""
	err := s.Store.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		outcome = ""
		rec, err := repo.GetStatus(ctx, tx, key)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cs.AddStatus(rec.BackendURL, rec.TimelineTypes, rec.BelongingTags)

		rec.TimelineTypes = rec.TimelineTypes.Remove(string(category))
		if category == domain.TimelineTag {
			if tag == "" {
				rec.BelongingTags = nil
			} else {
				rec.BelongingTags = rec.BelongingTags.Remove(tag)
			}
		}
		reconcileTagCategory(rec)

		if len(rec.TimelineTypes) == 0 {
			outcome = "deleted"
			return repo.DeleteStatuses(ctx, tx, []string{key})
		}
		outcome = "narrowed"
		return repo.SaveStatus(ctx, tx, rec)
	})
	if err != nil {
		span.RecordError(err)
		return storageErr("remove_from_category", err)
	}
	if outcome != "" {
		observability.RemovedMemberships.WithLabelValues(string(category), outcome).Inc()
	}
	return nil
}

// UpdateAction sets an interaction flag on a status, on every stored record
// embedding it as a reblog and on every notification embedding it.
// ErrStatusNotFound is returned when no record matched.
func (s *IngestService) UpdateAction(ctx context.Context, backendURL, id string, kind domain.ActionKind, value bool) error {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "UpdateAction",
		trace.WithAttributes(
			attribute.String("backend.url", backendURL),
			attribute.String("status.id", id),
			attribute.String("action.kind", string(kind)),
			attribute.Bool("action.value", value),
		),
	)
	defer span.End()

	if !kind.Valid() {
		return ErrInvalidAction
	}
	key := domain.CompositeKey(backendURL, id)

	err := s.Store.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		matched := 0

		self, err := repo.GetStatus(ctx, tx, key)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := applyActionToStatus(ctx, tx, self, false, kind, value); err != nil {
				return err
			}
			cs.AddStatus(self.BackendURL, self.TimelineTypes, self.BelongingTags)
			matched++
		}

		wrappers, err := repo.ListStatusesByReblogKey(ctx, tx, key)
		if err != nil {
			return err
		}
		for i := range wrappers {
			w := &wrappers[i]
			if err := applyActionToStatus(ctx, tx, w, true, kind, value); err != nil {
				return err
			}
			cs.AddStatus(w.BackendURL, w.TimelineTypes, w.BelongingTags)
			matched++
		}

		notes, err := repo.ListNotificationsByStatusKey(ctx, tx, key)
		if err != nil {
			return err
		}
		for i := range notes {
			n := &notes[i]
			wire, err := n.Decode()
			if err != nil {
				return err
			}
			if err := kind.ApplyToNotification(wire, value); err != nil {
				return err
			}
			payload, err := json.Marshal(wire)
			if err != nil {
				return err
			}
			if err := repo.UpdateNotificationPayload(ctx, tx, n.CompositeKey, payload); err != nil {
				return err
			}
			cs.AddNotification(n.BackendURL)
			matched++
		}

		if matched == 0 {
			return ErrStatusNotFound
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return storageErr("update_action", err)
	}
	return nil
}

// SetFavourited sets the favourited flag.
func (s *IngestService) SetFavourited(ctx context.Context, backendURL, id string, value bool) error {
	return s.UpdateAction(ctx, backendURL, id, domain.ActionFavourited, value)
}

// SetReblogged sets the reblogged flag.
func (s *IngestService) SetReblogged(ctx context.Context, backendURL, id string, value bool) error {
	return s.UpdateAction(ctx, backendURL, id, domain.ActionReblogged, value)
}

// SetBookmarked sets the bookmarked flag.
func (s *IngestService) SetBookmarked(ctx context.Context, backendURL, id string, value bool) error {
	return s.UpdateAction(ctx, backendURL, id, domain.ActionBookmarked, value)
}

// applyActionToStatus rewrites the payload (and, for the record itself, the
// flag column). For a reblog wrapper only the embedded status changes.
func applyActionToStatus(ctx context.Context, tx *gorm.DB, rec *domain.StoredStatus, embedded bool, kind domain.ActionKind, value bool) error {
	wire, err := rec.Decode()
	if err != nil {
		return err
	}
	cols := map[string]any{}
	if embedded {
		err = kind.ApplyToReblog(wire, value)
	} else {
		err = kind.Apply(wire, value)
		cols[string(kind)] = value
	}
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	cols["payload"] = payload
	return repo.UpdateStatusColumns(ctx, tx, rec.CompositeKey, cols)
}

// UpdateContent replaces a record's content after an edit event. Key,
// backend and categories are kept; belonging_tags and created_at_ms are
// recomputed from the edited entity. Unknown statuses are ignored.
func (s *IngestService) UpdateContent(ctx context.Context, st *domain.Status, backendURL string) error {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "UpdateContent",
		trace.WithAttributes(attribute.String("backend.url", backendURL)),
	)
	defer span.End()

	now := s.nowMs()
	err := s.Store.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		rec, entityTags, err := buildStatusRecord(st, backendURL, now)
		if err != nil {
			return err
		}
		existing, err := repo.GetStatus(ctx, tx, rec.CompositeKey)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cs.AddStatus(existing.BackendURL, existing.TimelineTypes, existing.BelongingTags)

		rec.TimelineTypes = existing.TimelineTypes
		rec.BelongingTags = domain.NewStringSet(entityTags...)
		reconcileTagCategory(rec)

		if len(rec.TimelineTypes) == 0 {
			return repo.DeleteStatuses(ctx, tx, []string{rec.CompositeKey})
		}
		if err := repo.SaveStatus(ctx, tx, rec); err != nil {
			return err
		}
		cs.AddStatus(rec.BackendURL, rec.TimelineTypes, rec.BelongingTags)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return storageErr("update_content", err)
	}
	return nil
}

// UpsertNotification ingests one notification.
func (s *IngestService) UpsertNotification(ctx context.Context, n *domain.Notification, backendURL string) error {
	return s.BulkUpsertNotifications(ctx, []*domain.Notification{n}, backendURL)
}

// BulkUpsertNotifications ingests a page of notifications atomically.
func (s *IngestService) BulkUpsertNotifications(ctx context.Context, notes []*domain.Notification, backendURL string) error {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "BulkUpsertNotifications",
		trace.WithAttributes(
			attribute.String("backend.url", backendURL),
			attribute.Int("batch.size", len(notes)),
		),
	)
	defer span.End()

	if len(notes) == 0 {
		return nil
	}
	now := s.nowMs()
	err := s.Store.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		for _, n := range notes {
			rec, err := buildNotificationRecord(n, backendURL, now)
			if err != nil {
				return err
			}
			if existing, err := repo.GetNotification(ctx, tx, rec.CompositeKey); err == nil {
				rec.CreatedAtMs = existing.CreatedAtMs
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err := repo.SaveNotification(ctx, tx, rec); err != nil {
				return err
			}
			cs.AddNotification(backendURL)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return storageErr("upsert_notification", err)
	}
	observability.IngestedRecords.WithLabelValues("notification", string(domain.TimelineNotification)).Add(float64(len(notes)))
	return nil
}

// reconcileTagCategory restores the invariant
// "tag ∈ timeline_types ⇔ belonging_tags ≠ ∅".
func reconcileTagCategory(rec *domain.StoredStatus) {
	if len(rec.BelongingTags) == 0 {
		rec.BelongingTags = domain.StringSet{}
		rec.TimelineTypes = rec.TimelineTypes.Remove(tagCategory)
		return
	}
	rec.TimelineTypes = rec.TimelineTypes.Add(tagCategory)
}

// buildStatusRecord validates st and converts it into a record without
// membership. It also returns the normalized tags the entity carries.
func buildStatusRecord(st *domain.Status, backendURL string, storedAt int64) (*domain.StoredStatus, []string, error) {
	if st == nil || strings.TrimSpace(st.ID) == "" {
		return nil, nil, fmt.Errorf("%w: missing id", ErrInvalidEntity)
	}
	createdMs, err := domain.ParseCreatedAt(st.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: status %s created_at %q", ErrInvalidEntity, st.ID, st.CreatedAt)
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, nil, err
	}

	rec := &domain.StoredStatus{
		CompositeKey: domain.CompositeKey(backendURL, st.ID),
		BackendURL:   backendURL,
		RemoteID:     st.ID,
		CreatedAtMs:  createdMs,
		Favourited:   st.Favourited,
		Reblogged:    st.Reblogged,
		Bookmarked:   st.Bookmarked,
		StoredAt:     storedAt,
		Payload:      payload,
	}
	if st.Reblog != nil && st.Reblog.ID != "" {
		rec.ReblogKey = domain.CompositeKey(backendURL, st.Reblog.ID)
	}
	return rec, entityTags(st), nil
}

// entityTags returns the normalized hashtags of a status and of the status
// it reblogs.
func entityTags(st *domain.Status) []string {
	var raw []string
	for _, t := range st.Tags {
		raw = append(raw, t.Name)
	}
	if st.Reblog != nil {
		for _, t := range st.Reblog.Tags {
			raw = append(raw, t.Name)
		}
	}
	return timeline.NormalizeTags(raw)
}

func buildNotificationRecord(n *domain.Notification, backendURL string, storedAt int64) (*domain.StoredNotification, error) {
	if n == nil || strings.TrimSpace(n.ID) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidEntity)
	}
	createdMs, err := domain.ParseCreatedAt(n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: notification %s created_at %q", ErrInvalidEntity, n.ID, n.CreatedAt)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	rec := &domain.StoredNotification{
		CompositeKey: domain.CompositeKey(backendURL, n.ID),
		BackendURL:   backendURL,
		RemoteID:     n.ID,
		CreatedAtMs:  createdMs,
		Type:         n.Type,
		StoredAt:     storedAt,
		Payload:      payload,
	}
	if n.Status != nil && n.Status.ID != "" {
		rec.StatusKey = domain.CompositeKey(backendURL, n.Status.ID)
	}
	return rec, nil
}
