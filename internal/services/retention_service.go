// Package services – RetentionService
//
// RetentionService bounds the size of the local store with two independent
// sweeps:
//
//   - TTL: statuses and notifications whose stored_at is older than the
//     retention window are deleted unconditionally.
//   - Length cap: for each status category, members beyond the configured
//     cap are demoted (oldest by created_at_ms first). Demotion removes only
//     that category; a record is deleted only when nothing else holds it.
//     Notifications beyond their cap are deleted.
//
// Both sweeps run once on Start and then on a fixed interval until Stop.
// Each category is trimmed in its own transaction.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/fedi-timeline-sync/internal/clock"
	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/livequery"
	"github.com/tbourn/fedi-timeline-sync/internal/observability"
	"github.com/tbourn/fedi-timeline-sync/internal/repo"
)

// RetentionConfig parameterizes the sweeps. A zero or negative cap disables
// the length cap for that category.
type RetentionConfig struct {
	TTL             time.Duration
	Interval        time.Duration
	Caps            map[domain.TimelineType]int
	NotificationCap int
}

// DefaultRetentionConfig returns a 7-day TTL, hourly interval and
// 10,000-record caps.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		TTL:      7 * 24 * time.Hour,
		Interval: time.Hour,
		Caps: map[domain.TimelineType]int{
			domain.TimelineHome:   10000,
			domain.TimelineLocal:  10000,
			domain.TimelinePublic: 10000,
			domain.TimelineTag:    10000,
		},
		NotificationCap: 10000,
	}
}

// SweepReport counts what one Sweep removed.
type SweepReport struct {
	ExpiredStatuses      int                         `json:"expired_statuses"`
	ExpiredNotifications int                         `json:"expired_notifications"`
	Demoted              map[domain.TimelineType]int `json:"demoted"`
	Deleted              int                         `json:"deleted"`
	TrimmedNotifications int                         `json:"trimmed_notifications"`
}

// RetentionService runs the TTL and length-cap sweeps.
type RetentionService struct {
	Store  *repo.Store
	Clock  clock.Clock
	Config RetentionConfig

	// AfterSweep, when set, is called after every scheduled sweep.
	AfterSweep func(SweepReport, error)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRetentionService builds a RetentionService. c may be nil.
func NewRetentionService(store *repo.Store, c clock.Clock, cfg RetentionConfig) *RetentionService {
	return &RetentionService{Store: store, Clock: clock.OrReal(c), Config: cfg}
}

// Start runs a sweep immediately and schedules one every Config.Interval.
// Calling Start on a running service is a no-op.
func (s *RetentionService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	interval := s.Config.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := clock.OrReal(s.Clock).NewTicker(interval)
	s.wg.Add(1)
	s.mu.Unlock()

	s.runOnce(ctx)

	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				select {
				case <-stopCh:
					return
				default:
				}
				s.runOnce(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("retention sweeps scheduled")
}

// Stop cancels the schedule and waits for an in-flight sweep to finish.
func (s *RetentionService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *RetentionService) runOnce(ctx context.Context) {
	rep, err := s.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("retention sweep failed")
	} else if rep.ExpiredStatuses+rep.ExpiredNotifications+rep.Deleted+rep.TrimmedNotifications > 0 || len(rep.Demoted) > 0 {
		log.Info().
			Int("expired_statuses", rep.ExpiredStatuses).
			Int("expired_notifications", rep.ExpiredNotifications).
			Int("deleted", rep.Deleted).
			Int("trimmed_notifications", rep.TrimmedNotifications).
			Interface("demoted", rep.Demoted).
			Msg("retention sweep")
	}
	if s.AfterSweep != nil {
		s.AfterSweep(rep, err)
	}
}

// Sweep runs the TTL sweep then the length-cap sweep. The first failing
// step aborts the rest; steps already committed stay committed.
func (s *RetentionService) Sweep(ctx context.Context) (SweepReport, error) {
	tr := otel.Tracer("services/RetentionService")
	ctx, span := tr.Start(ctx, "Sweep")
	defer span.End()

	rep := SweepReport{Demoted: map[domain.TimelineType]int{}}
	if err := s.sweepTTL(ctx, &rep); err != nil {
		span.RecordError(err)
		return rep, storageErr("sweep.ttl", err)
	}
	for _, cat := range domain.StatusCategories {
		if err := s.sweepCategory(ctx, cat, &rep); err != nil {
			span.RecordError(err)
			return rep, storageErr("sweep.cap", err)
		}
	}
	if err := s.sweepNotifications(ctx, &rep); err != nil {
		span.RecordError(err)
		return rep, storageErr("sweep.cap", err)
	}
	for cat, n := range rep.Demoted {
		if n == 0 {
			delete(rep.Demoted, cat)
		}
	}
	span.SetAttributes(
		attribute.Int("sweep.expired", rep.ExpiredStatuses+rep.ExpiredNotifications),
		attribute.Int("sweep.deleted", rep.Deleted),
	)
	return rep, nil
}

func (s *RetentionService) sweepTTL(ctx context.Context, rep *SweepReport) error {
	ttl := s.Config.TTL
	if ttl <= 0 {
		return nil
	}
	cutoff := clock.OrReal(s.Clock).Now().Add(-ttl).UnixMilli()

	return s.Store.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		expired, err := repo.ListStoredBefore(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(expired))
		for _, r := range expired {
			keys = append(keys, r.CompositeKey)
			cs.AddStatus(r.BackendURL, r.TimelineTypes, r.BelongingTags)
		}
		if err := repo.DeleteStatuses(ctx, tx, keys); err != nil {
			return err
		}

		notes, err := repo.NotificationsStoredBefore(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		nkeys := make([]string, 0, len(notes))
		for _, n := range notes {
			nkeys = append(nkeys, n.CompositeKey)
			cs.AddNotification(n.BackendURL)
		}
		if err := repo.DeleteNotifications(ctx, tx, nkeys); err != nil {
			return err
		}

		rep.ExpiredStatuses = len(keys)
		rep.ExpiredNotifications = len(nkeys)
		observability.RetentionEvictions.WithLabelValues("ttl", "status").Add(float64(len(keys)))
		observability.RetentionEvictions.WithLabelValues("ttl", "notification").Add(float64(len(nkeys)))
		return nil
	})
}

// sweepCategory demotes the oldest members of cat beyond its cap.
func (s *RetentionService) sweepCategory(ctx context.Context, cat domain.TimelineType, rep *SweepReport) error {
	limit := s.Config.Caps[cat]
	if limit <= 0 {
		return nil
	}
	ctx, span := otel.Tracer("services/RetentionService").Start(ctx, "sweepCategory",
		trace.WithAttributes(attribute.String("timeline.category", string(cat)), attribute.Int("cap", limit)),
	)
	defer span.End()

	return s.Store.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		count, err := repo.CountByCategory(ctx, tx, cat)
		if err != nil {
			return err
		}
		over := int(count) - limit
		if over <= 0 {
			return nil
		}
		victims, err := repo.OldestInCategory(ctx, tx, cat, over)
		if err != nil {
			return err
		}

		var gone []string
		for i := range victims {
			rec := &victims[i]
			cs.AddStatus(rec.BackendURL, rec.TimelineTypes, rec.BelongingTags)
			rec.TimelineTypes = rec.TimelineTypes.Remove(string(cat))
			if cat == domain.TimelineTag {
				rec.BelongingTags = nil
			}
			reconcileTagCategory(rec)
			if len(rec.TimelineTypes) == 0 {
				gone = append(gone, rec.CompositeKey)
				continue
			}
			if err := repo.SaveStatus(ctx, tx, rec); err != nil {
				return err
			}
		}
		if err := repo.DeleteStatuses(ctx, tx, gone); err != nil {
			return err
		}

		rep.Demoted[cat] += len(victims)
		rep.Deleted += len(gone)
		observability.RetentionEvictions.WithLabelValues("cap", string(cat)).Add(float64(len(victims)))
		return nil
	})
}

func (s *RetentionService) sweepNotifications(ctx context.Context, rep *SweepReport) error {
	limit := s.Config.NotificationCap
	if limit <= 0 {
		return nil
	}
	return s.Store.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		count, err := repo.CountNotifications(ctx, tx)
		if err != nil {
			return err
		}
		over := int(count) - limit
		if over <= 0 {
			return nil
		}
		victims, err := repo.OldestNotifications(ctx, tx, over)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(victims))
		for _, n := range victims {
			keys = append(keys, n.CompositeKey)
			cs.AddNotification(n.BackendURL)
		}
		if err := repo.DeleteNotifications(ctx, tx, keys); err != nil {
			return err
		}
		rep.TrimmedNotifications = len(keys)
		observability.RetentionEvictions.WithLabelValues("cap", string(domain.TimelineNotification)).Add(float64(len(keys)))
		return nil
	})
}
