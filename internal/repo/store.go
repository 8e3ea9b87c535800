// Package repo implements the data persistence layer for stored statuses,
// notifications and settings, backed by GORM. This file provides Store, the
// single-writer transaction boundary used by every read-then-write operation.
package repo

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/tbourn/fedi-timeline-sync/internal/livequery"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// Store serializes writers and publishes committed change sets.
//
// Two upserts of the same composite key must not interleave their
// read-modify-write of the membership sets, so all writes go through WriteTx,
// which holds a process-wide mutex for the duration of one transaction.
// Reads use DB directly and always observe committed state.
type Store struct {
	DB        *gorm.DB
	Publisher livequery.Publisher

	mu sync.Mutex
}

// NewStore wraps db. pub may be nil.
func NewStore(db *gorm.DB, pub livequery.Publisher) *Store {
	return &Store{DB: db, Publisher: pub}
}

// WriteTx runs fn inside one transaction. fn records the partitions it
// touches in cs; they are published only after a successful commit, outside
// the writer lock. A failed fn rolls the whole transaction back.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *gorm.DB, cs *livequery.ChangeSet) error) error {
	var cs livequery.ChangeSet

	s.mu.Lock()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, &cs)
	})
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.Publisher != nil {
		s.Publisher.Publish(cs)
	}
	return nil
}

// Read returns a context-bound handle for queries.
func (s *Store) Read(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}
