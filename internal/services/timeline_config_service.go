// Package services – TimelineConfigService
//
// TimelineConfigService persists the declarative timeline configuration as a
// versioned JSON blob in the settings table. Loading migrates legacy
// documents transparently and writes the migrated form back; unusable
// entries are dropped and logged, and an unusable document falls back to
// the defaults. Saving validates, normalizes and persists.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/repo"
	"github.com/tbourn/fedi-timeline-sync/internal/timeline"
)

// TimelineConfigService loads and saves timeline configs.
type TimelineConfigService struct {
	DB *gorm.DB

	mu      sync.RWMutex
	current []timeline.Config
}

// NewTimelineConfigService builds a TimelineConfigService over db.
func NewTimelineConfigService(db *gorm.DB) *TimelineConfigService {
	return &TimelineConfigService{DB: db}
}

// Load reads the persisted configuration, normalized against apps (the
// configured backend URLs). Storage read failures are returned; everything
// else degrades to defaults.
func (s *TimelineConfigService) Load(ctx context.Context, apps []string) ([]timeline.Config, error) {
	tr := otel.Tracer("services/TimelineConfigService")
	ctx, span := tr.Start(ctx, "Load", trace.WithAttributes(attribute.Int("apps", len(apps))))
	defer span.End()

	raw, err := repo.GetSetting(ctx, s.DB, repo.SettingTimelines)
	if errors.Is(err, repo.ErrNotFound) {
		cfgs := timeline.NormalizeAll(timeline.Defaults(), apps)
		s.set(cfgs)
		return cloneConfigs(cfgs), nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, storageErr("timelines.load", err)
	}

	res, perr := timeline.Parse(raw)
	if perr != nil {
		log.Warn().Err(perr).Msg("timeline configuration unreadable; using defaults")
		cfgs := timeline.NormalizeAll(timeline.Defaults(), apps)
		s.set(cfgs)
		return cloneConfigs(cfgs), nil
	}
	for _, d := range res.Dropped {
		log.Warn().Err(d).Msg("dropped timeline config entry")
	}

	cfgs := timeline.NormalizeAll(res.Document.Timelines, loadApps(res.Document.Timelines, apps))
	if len(cfgs) == 0 && len(res.Dropped) > 0 {
		cfgs = timeline.NormalizeAll(timeline.Defaults(), apps)
	}
	if res.Migrated || len(res.Dropped) > 0 {
		if err := s.persist(ctx, cfgs); err != nil {
			span.RecordError(err)
			return nil, err
		}
		log.Info().Bool("migrated", res.Migrated).Int("dropped", len(res.Dropped)).Msg("timeline configuration rewritten")
	}
	s.set(cfgs)
	return cloneConfigs(cfgs), nil
}

// Save validates, normalizes and persists cfgs, replacing the whole set.
func (s *TimelineConfigService) Save(ctx context.Context, cfgs []timeline.Config, apps []string) ([]timeline.Config, error) {
	tr := otel.Tracer("services/TimelineConfigService")
	ctx, span := tr.Start(ctx, "Save", trace.WithAttributes(attribute.Int("timelines", len(cfgs))))
	defer span.End()

	if err := ValidateTimelines(cfgs); err != nil {
		return nil, err
	}
	norm := timeline.NormalizeAll(cfgs, apps)
	if err := s.persist(ctx, norm); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.set(norm)
	return cloneConfigs(norm), nil
}

// Renormalize re-applies normalization after the account list changed
// (dropping backends that disappeared) and persists the result. With no
// accounts at all the configuration is left untouched, so backend
// selections survive until accounts are configured again.
func (s *TimelineConfigService) Renormalize(ctx context.Context, apps []string) ([]timeline.Config, error) {
	if len(apps) == 0 {
		return s.List(), nil
	}
	return s.Save(ctx, s.List(), apps)
}

// loadApps is the backend set Load normalizes against. With no accounts it
// is every backend the configs name, so nothing is dropped.
func loadApps(cfgs []timeline.Config, apps []string) []string {
	if len(apps) > 0 {
		return apps
	}
	var out []string
	for _, c := range cfgs {
		if c.BackendFilter.BackendURL != "" {
			out = append(out, c.BackendFilter.BackendURL)
		}
		out = append(out, c.BackendFilter.BackendURLs...)
	}
	return out
}

// List returns the last loaded or saved configuration.
func (s *TimelineConfigService) List() []timeline.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfigs(s.current)
}

// Get returns one config by id.
func (s *TimelineConfigService) Get(id string) (timeline.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := timeline.Find(s.current, id); ok {
		return c, nil
	}
	return timeline.Config{}, ErrTimelineNotFound
}

// ValidateTimelines checks the shape rules a submitted configuration must
// satisfy before normalization.
func ValidateTimelines(cfgs []timeline.Config) error {
	seen := make(map[string]struct{}, len(cfgs))
	for i, c := range cfgs {
		if c.ID == "" {
			return fmt.Errorf("%w: timelines[%d]: missing id", ErrInvalidTimeline, i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: timelines[%d]: duplicate id %q", ErrInvalidTimeline, i, c.ID)
		}
		seen[c.ID] = struct{}{}
		if !c.Type.Valid() {
			return fmt.Errorf("%w: timelines[%d]: unknown type %q", ErrInvalidTimeline, i, c.Type)
		}
		if c.Type == domain.TimelineTag {
			if c.TagConfig == nil || len(timeline.NormalizeTags(c.TagConfig.Tags)) == 0 {
				return fmt.Errorf("%w: timelines[%d]: tag timeline needs at least one tag", ErrInvalidTimeline, i)
			}
		}
		switch c.BackendFilter.Mode {
		case timeline.FilterAll, timeline.FilterSingle, timeline.FilterComposite, "":
		default:
			return fmt.Errorf("%w: timelines[%d]: unknown backend filter mode %q", ErrInvalidTimeline, i, c.BackendFilter.Mode)
		}
	}
	return nil
}

func (s *TimelineConfigService) persist(ctx context.Context, cfgs []timeline.Config) error {
	blob, err := timeline.Encode(cfgs)
	if err != nil {
		return err
	}
	if err := repo.PutSetting(ctx, s.DB, repo.SettingTimelines, blob); err != nil {
		return storageErr("timelines.save", err)
	}
	return nil
}

func (s *TimelineConfigService) set(cfgs []timeline.Config) {
	s.mu.Lock()
	s.current = cloneConfigs(cfgs)
	s.mu.Unlock()
}

func cloneConfigs(in []timeline.Config) []timeline.Config {
	out := make([]timeline.Config, len(in))
	for i, c := range in {
		if c.TagConfig != nil {
			tc := *c.TagConfig
			tc.Tags = append([]string(nil), tc.Tags...)
			c.TagConfig = &tc
		}
		c.BackendFilter.BackendURLs = append([]string(nil), c.BackendFilter.BackendURLs...)
		out[i] = c
	}
	return out
}
