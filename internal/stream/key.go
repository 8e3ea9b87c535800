// Package stream keeps the set of live streaming connections in line with
// the timeline configuration.
//
// Every connection is identified by a Key. The desired key set is derived
// from the configs (DeriveRequired) plus one always-on user stream per
// backend (UserKeys); the Reconciler opens what is missing, stops what is
// no longer wanted and retries failed connections with exponential backoff.
package stream

import (
	"sort"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/timeline"
)

// CategoryUser is the category of the always-on per-backend stream that
// carries home updates and notifications.
const CategoryUser domain.TimelineType = "user"

// Key identifies one logical streaming connection. Tag is only set for the
// tag category.
type Key struct {
	Category   domain.TimelineType `json:"category"`
	BackendURL string              `json:"backend_url"`
	Tag        string              `json:"tag,omitempty"`
}

func (k Key) String() string {
	s := string(k.Category) + "@" + k.BackendURL
	if k.Tag != "" {
		s += "#" + k.Tag
	}
	return s
}

// DeriveRequired returns the reconciled stream keys needed by cfgs, sorted
// and without duplicates. Visibility does not matter: hidden timelines keep
// accruing data. Home and notification timelines ride on the user stream
// and never produce keys here.
func DeriveRequired(cfgs []timeline.Config, apps []string) []Key {
	set := make(map[Key]struct{})
	for _, c := range cfgs {
		switch c.Type {
		case domain.TimelineLocal, domain.TimelinePublic:
			for _, u := range timeline.ResolveBackendURLs(c.BackendFilter, apps) {
				set[Key{Category: c.Type, BackendURL: u}] = struct{}{}
			}
		case domain.TimelineTag:
			tags := timeline.NormalizeTags(c.Tags())
			for _, u := range timeline.ResolveBackendURLs(c.BackendFilter, apps) {
				for _, tg := range tags {
					set[Key{Category: c.Type, BackendURL: u, Tag: tg}] = struct{}{}
				}
			}
		}
	}
	return sortedKeys(set)
}

// UserKeys returns one user stream key per configured backend.
func UserKeys(apps []string) []Key {
	set := make(map[Key]struct{}, len(apps))
	for _, a := range apps {
		if a == "" {
			continue
		}
		set[Key{Category: CategoryUser, BackendURL: a}] = struct{}{}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[Key]struct{}) []Key {
	out := make([]Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.BackendURL != b.BackendURL {
			return a.BackendURL < b.BackendURL
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Tag < b.Tag
	})
	return out
}
