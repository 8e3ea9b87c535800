// Package timeline holds the declarative timeline configuration model and the
// pure functions that normalize it and resolve it against the configured
// backends. Nothing in this package performs I/O.
package timeline

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

// FilterMode discriminates the BackendFilter variants.
type FilterMode string

const (
	FilterAll       FilterMode = "all"
	FilterSingle    FilterMode = "single"
	FilterComposite FilterMode = "composite"
)

// BackendFilter selects the backends a timeline draws from.
//
//   - all:       every configured backend
//   - single:    exactly BackendURL
//   - composite: BackendURLs (two or more, sorted)
type BackendFilter struct {
	Mode        FilterMode `json:"mode"`
	BackendURL  string     `json:"backendUrl,omitempty"`
	BackendURLs []string   `json:"backendUrls,omitempty"`
}

// All returns the "every backend" filter.
func All() BackendFilter { return BackendFilter{Mode: FilterAll} }

// Single returns a filter for one backend.
func Single(url string) BackendFilter { return BackendFilter{Mode: FilterSingle, BackendURL: url} }

// Composite returns a filter for a set of backends (not yet normalized).
func Composite(urls ...string) BackendFilter {
	return BackendFilter{Mode: FilterComposite, BackendURLs: urls}
}

// TagMode is the combination rule of a tag timeline.
type TagMode string

const (
	TagModeAnd TagMode = "and"
	TagModeOr  TagMode = "or"
)

// TagConfig lists the hashtags of a tag timeline.
type TagConfig struct {
	Mode TagMode  `json:"mode"`
	Tags []string `json:"tags"`
}

// Config is one user-editable timeline definition.
type Config struct {
	ID            string              `json:"id"`
	Type          domain.TimelineType `json:"type"`
	Visible       bool                `json:"visible"`
	Order         int                 `json:"order"`
	BackendFilter BackendFilter       `json:"backendFilter"`
	OnlyMedia     bool                `json:"onlyMedia"`
	TagConfig     *TagConfig          `json:"tagConfig,omitempty"`
	Label         string              `json:"label,omitempty"`
}

// Tags returns the normalized tags of a tag timeline, or nil.
func (c Config) Tags() []string {
	if c.Type != domain.TimelineTag || c.TagConfig == nil {
		return nil
	}
	return c.TagConfig.Tags
}

// NormalizeBackendFilter drops backends that are no longer configured,
// collapses degenerate composites (0 → all, 1 → single) and sorts composite
// URL lists so the same logical set always normalizes identically.
//
// A single filter whose backend is no longer configured falls back to all.
func NormalizeBackendFilter(f BackendFilter, apps []string) BackendFilter {
	known := make(map[string]struct{}, len(apps))
	for _, a := range apps {
		known[a] = struct{}{}
	}

	switch f.Mode {
	case FilterSingle:
		if _, ok := known[f.BackendURL]; ok {
			return Single(f.BackendURL)
		}
		return All()
	case FilterComposite:
		seen := make(map[string]struct{}, len(f.BackendURLs))
		urls := make([]string, 0, len(f.BackendURLs))
		for _, u := range f.BackendURLs {
			if _, ok := known[u]; !ok {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
		switch len(urls) {
		case 0:
			return All()
		case 1:
			return Single(urls[0])
		}
		sort.Strings(urls)
		return BackendFilter{Mode: FilterComposite, BackendURLs: urls}
	default:
		return All()
	}
}

// ResolveBackendURLs projects a filter to the concrete backend URLs it selects.
// For "all" the configured order of apps is kept.
func ResolveBackendURLs(f BackendFilter, apps []string) []string {
	n := NormalizeBackendFilter(f, apps)
	switch n.Mode {
	case FilterSingle:
		return []string{n.BackendURL}
	case FilterComposite:
		out := make([]string, len(n.BackendURLs))
		copy(out, n.BackendURLs)
		return out
	default:
		out := make([]string, 0, len(apps))
		seen := make(map[string]struct{}, len(apps))
		for _, a := range apps {
			if _, dup := seen[a]; dup || a == "" {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
		return out
	}
}

var tagFolder = cases.Fold()

// NormalizeTag trims whitespace and a leading '#', then case-folds the name.
// Hashtags are case-insensitive on Mastodon-compatible servers.
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimLeft(tag, "#")
	return tagFolder.String(strings.TrimSpace(tag))
}

// NormalizeTags normalizes every tag, dropping empties and duplicates while
// keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// NormalizeTagConfig de-duplicates the tag list and defaults the mode to "or".
func NormalizeTagConfig(tc TagConfig) TagConfig {
	mode := tc.Mode
	if mode != TagModeAnd {
		mode = TagModeOr
	}
	return TagConfig{Mode: mode, Tags: NormalizeTags(tc.Tags)}
}

// Normalize returns cfg with its backend filter and tag config normalized.
// Tag configs are only kept on tag timelines.
func Normalize(cfg Config, apps []string) Config {
	cfg.BackendFilter = NormalizeBackendFilter(cfg.BackendFilter, apps)
	cfg.Label = strings.TrimSpace(cfg.Label)
	if cfg.Type == domain.TimelineTag {
		tc := TagConfig{}
		if cfg.TagConfig != nil {
			tc = *cfg.TagConfig
		}
		tc = NormalizeTagConfig(tc)
		cfg.TagConfig = &tc
	} else {
		cfg.TagConfig = nil
	}
	return cfg
}

// NormalizeAll normalizes every config and returns them sorted.
func NormalizeAll(cfgs []Config, apps []string) []Config {
	out := make([]Config, len(cfgs))
	for i, c := range cfgs {
		out[i] = Normalize(c, apps)
	}
	Sort(out)
	return out
}

// Sort orders configs by Order; ties keep their insertion order.
func Sort(cfgs []Config) {
	sort.SliceStable(cfgs, func(i, j int) bool { return cfgs[i].Order < cfgs[j].Order })
}

// Find returns the config with the given id.
func Find(cfgs []Config, id string) (Config, bool) {
	for _, c := range cfgs {
		if c.ID == id {
			return c, true
		}
	}
	return Config{}, false
}

// Defaults is the configuration used when nothing (or nothing usable) has
// been persisted.
func Defaults() []Config {
	return []Config{
		{ID: "home", Type: domain.TimelineHome, Visible: true, Order: 0, BackendFilter: All()},
		{ID: "notification", Type: domain.TimelineNotification, Visible: true, Order: 1, BackendFilter: All()},
		{ID: "local", Type: domain.TimelineLocal, Visible: true, Order: 2, BackendFilter: All()},
		{ID: "public", Type: domain.TimelinePublic, Visible: true, Order: 3, BackendFilter: All(), OnlyMedia: true},
	}
}
