// Package livequery implements the subscription registry behind reactive
// projections. Subscriptions declare the store partitions (kind, category,
// backend, tag) their query reads; a committed write publishes the
// partitions it touched and only overlapping subscriptions are notified.
package livequery

import (
	"sync"
)

// Kind separates the status and notification tables.
type Kind string

const (
	KindStatus       Kind = "status"
	KindNotification Kind = "notification"
)

// Partition is the unit of invalidation. Tag is only set for the tag
// category.
type Partition struct {
	Kind       Kind
	Category   string
	BackendURL string
	Tag        string
}

// ChangeSet accumulates the partitions touched by one transaction.
type ChangeSet struct {
	parts map[Partition]struct{}
}

// Add records a touched partition.
func (c *ChangeSet) Add(p Partition) {
	if c.parts == nil {
		c.parts = make(map[Partition]struct{})
	}
	c.parts[p] = struct{}{}
}

// AddStatus records every partition a status record occupies: one per
// category, and one per tag for the tag category.
func (c *ChangeSet) AddStatus(backendURL string, categories, tags []string) {
	for _, cat := range categories {
		if cat == "tag" {
			for _, t := range tags {
				c.Add(Partition{Kind: KindStatus, Category: cat, BackendURL: backendURL, Tag: t})
			}
			continue
		}
		c.Add(Partition{Kind: KindStatus, Category: cat, BackendURL: backendURL})
	}
}

// AddNotification records the notification partition of a backend.
func (c *ChangeSet) AddNotification(backendURL string) {
	c.Add(Partition{Kind: KindNotification, Category: "notification", BackendURL: backendURL})
}

// Empty reports whether nothing was touched.
func (c *ChangeSet) Empty() bool { return len(c.parts) == 0 }

// Len returns the number of distinct partitions.
func (c *ChangeSet) Len() int { return len(c.parts) }

// Partitions returns the touched partitions in no particular order.
func (c *ChangeSet) Partitions() []Partition {
	out := make([]Partition, 0, len(c.parts))
	for p := range c.parts {
		out = append(out, p)
	}
	return out
}

// Publisher receives committed change sets.
type Publisher interface {
	Publish(ChangeSet)
}

type subscription struct {
	id    uint64
	parts []Partition
	fn    func()
}

// Registry maps partitions to subscriptions. It is safe for concurrent use.
// Callbacks run on the publishing goroutine after the registry lock is
// released.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	byPart map[Partition]map[uint64]*subscription
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byPart: make(map[Partition]map[uint64]*subscription)}
}

// Subscribe registers fn for the given partitions and returns a cancel func.
// Cancel is idempotent.
func (r *Registry) Subscribe(parts []Partition, fn func()) (cancel func()) {
	r.mu.Lock()
	r.nextID++
	sub := &subscription{id: r.nextID, parts: parts, fn: fn}
	for _, p := range parts {
		set := r.byPart[p]
		if set == nil {
			set = make(map[uint64]*subscription)
			r.byPart[p] = set
		}
		set[sub.id] = sub
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for _, p := range sub.parts {
				if set := r.byPart[p]; set != nil {
					delete(set, sub.id)
					if len(set) == 0 {
						delete(r.byPart, p)
					}
				}
			}
		})
	}
}

// Publish notifies each subscription overlapping cs exactly once.
func (r *Registry) Publish(cs ChangeSet) {
	if cs.Empty() {
		return
	}
	r.mu.Lock()
	hit := make(map[uint64]*subscription)
	for p := range cs.parts {
		for id, sub := range r.byPart[p] {
			hit[id] = sub
		}
	}
	r.mu.Unlock()

	for _, sub := range hit {
		sub.fn()
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[uint64]struct{})
	for _, set := range r.byPart {
		for id := range set {
			ids[id] = struct{}{}
		}
	}
	return len(ids)
}
