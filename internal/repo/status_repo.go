// Package repo implements the data persistence layer for stored statuses,
// notifications and settings, backed by GORM. This file provides repository
// functions for StoredStatus and its membership indices.
//
// All functions accept a context and a *gorm.DB handle, making them safe for
// use within Store.WriteTx transactions or plain reads. They follow the
// "thin repository" approach: no merge rules, only persistence and query
// composition. Membership rules live in services.IngestService.
//
// Error semantics:
//   - When a status is not found, GetStatus returns ErrNotFound.
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

// GetStatus fetches one stored status by composite key.
func GetStatus(ctx context.Context, db *gorm.DB, key string) (*domain.StoredStatus, error) {
	var s domain.StoredStatus
	if err := db.WithContext(ctx).Where("composite_key = ?", key).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveStatus inserts or replaces rec and rewrites its rows in the category
// and tag membership indices so they mirror rec.TimelineTypes and
// rec.BelongingTags.
func SaveStatus(ctx context.Context, db *gorm.DB, rec *domain.StoredStatus) error {
	tx := db.WithContext(ctx)
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
		return err
	}
	if err := deleteIndexRows(tx, []string{rec.CompositeKey}); err != nil {
		return err
	}

	if len(rec.TimelineTypes) > 0 {
		rows := make([]domain.StatusMembership, 0, len(rec.TimelineTypes))
		for _, t := range rec.TimelineTypes {
			rows = append(rows, domain.StatusMembership{
				CompositeKey: rec.CompositeKey,
				TimelineType: domain.TimelineType(t),
				BackendURL:   rec.BackendURL,
				CreatedAtMs:  rec.CreatedAtMs,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
	}
	if len(rec.BelongingTags) > 0 {
		rows := make([]domain.StatusTag, 0, len(rec.BelongingTags))
		for _, t := range rec.BelongingTags {
			rows = append(rows, domain.StatusTag{
				CompositeKey: rec.CompositeKey,
				Tag:          t,
				BackendURL:   rec.BackendURL,
				CreatedAtMs:  rec.CreatedAtMs,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
	}
	return nil
}

// DeleteStatuses physically removes the given records and their index rows.
func DeleteStatuses(ctx context.Context, db *gorm.DB, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx := db.WithContext(ctx)
	for _, chunk := range chunkKeys(keys) {
		if err := deleteIndexRows(tx, chunk); err != nil {
			return err
		}
		if err := tx.Where("composite_key IN ?", chunk).Delete(&domain.StoredStatus{}).Error; err != nil {
			return err
		}
	}
	return nil
}

// deleteChunk bounds the number of bound parameters per statement.
const deleteChunk = 500

func chunkKeys(keys []string) [][]string {
	var out [][]string
	for len(keys) > deleteChunk {
		out = append(out, keys[:deleteChunk])
		keys = keys[deleteChunk:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

func deleteIndexRows(tx *gorm.DB, keys []string) error {
	if err := tx.Where("composite_key IN ?", keys).Delete(&domain.StatusMembership{}).Error; err != nil {
		return err
	}
	return tx.Where("composite_key IN ?", keys).Delete(&domain.StatusTag{}).Error
}

// ListStatusesByReblogKey returns every record embedding the status key as
// its reblog.
func ListStatusesByReblogKey(ctx context.Context, db *gorm.DB, key string) ([]domain.StoredStatus, error) {
	var out []domain.StoredStatus
	err := db.WithContext(ctx).Where("reblog_key = ?", key).Find(&out).Error
	return out, err
}

// ListStatusesByBackend returns the most recent records of one backend,
// newest first, regardless of category.
func ListStatusesByBackend(ctx context.Context, db *gorm.DB, backendURL string, limit int) ([]domain.StoredStatus, error) {
	var out []domain.StoredStatus
	q := db.WithContext(ctx).
		Where("backend_url = ?", backendURL).
		Order("created_at_ms DESC, composite_key DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListStatusesByCategory range-scans one backend's members of a category,
// newest first, resuming after the given position.
func ListStatusesByCategory(ctx context.Context, db *gorm.DB, category domain.TimelineType, backendURL string, after Keyset, limit int) ([]domain.StoredStatus, error) {
	var out []domain.StoredStatus
	q := db.WithContext(ctx).
		Model(&domain.StoredStatus{}).
		Select("statuses.*").
		Joins("JOIN status_timeline_types m ON m.composite_key = statuses.composite_key").
		Where("m.timeline_type = ? AND m.backend_url = ?", category, backendURL)
	q = after.bound(q, "m.created_at_ms", "statuses.composite_key")
	q = q.Order("m.created_at_ms DESC, statuses.composite_key DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListStatusesByTag scans the tag index for tag, restricted to backendURLs,
// newest first, resuming after the given position.
func ListStatusesByTag(ctx context.Context, db *gorm.DB, tag string, backendURLs []string, after Keyset, limit int) ([]domain.StoredStatus, error) {
	if len(backendURLs) == 0 {
		return nil, nil
	}
	var out []domain.StoredStatus
	q := db.WithContext(ctx).
		Model(&domain.StoredStatus{}).
		Select("statuses.*").
		Joins("JOIN status_tags t ON t.composite_key = statuses.composite_key").
		Where("t.tag = ? AND t.backend_url IN ?", tag, backendURLs)
	q = after.bound(q, "t.created_at_ms", "statuses.composite_key")
	q = q.Order("t.created_at_ms DESC, statuses.composite_key DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// OldestStatus returns the oldest record of a backend in a category (and,
// for the tag category, carrying tag). It returns ErrNotFound when there is
// none.
func OldestStatus(ctx context.Context, db *gorm.DB, category domain.TimelineType, backendURL, tag string) (*domain.StoredStatus, error) {
	var out domain.StoredStatus
	q := db.WithContext(ctx).Model(&domain.StoredStatus{}).Select("statuses.*")
	if category == domain.TimelineTag && tag != "" {
		q = q.Joins("JOIN status_tags t ON t.composite_key = statuses.composite_key").
			Where("t.tag = ? AND t.backend_url = ?", tag, backendURL).
			Order("t.created_at_ms ASC")
	} else {
		q = q.Joins("JOIN status_timeline_types m ON m.composite_key = statuses.composite_key").
			Where("m.timeline_type = ? AND m.backend_url = ?", category, backendURL).
			Order("m.created_at_ms ASC")
	}
	if err := q.First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// CountByCategory returns the number of records that are members of category.
func CountByCategory(ctx context.Context, db *gorm.DB, category domain.TimelineType) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.StatusMembership{}).
		Where("timeline_type = ?", category).
		Count(&n).Error
	return n, err
}

// OldestInCategory returns the n oldest members of category by
// created_at_ms, oldest first.
func OldestInCategory(ctx context.Context, db *gorm.DB, category domain.TimelineType, n int) ([]domain.StoredStatus, error) {
	var out []domain.StoredStatus
	if n <= 0 {
		return out, nil
	}
	err := db.WithContext(ctx).
		Model(&domain.StoredStatus{}).
		Select("statuses.*").
		Joins("JOIN status_timeline_types m ON m.composite_key = statuses.composite_key").
		Where("m.timeline_type = ?", category).
		Order("m.created_at_ms ASC, statuses.composite_key ASC").
		Limit(n).
		Find(&out).Error
	return out, err
}

// ListStoredBefore returns records whose stored_at is older than cutoffMs.
// The payload column is not loaded.
func ListStoredBefore(ctx context.Context, db *gorm.DB, cutoffMs int64) ([]domain.StoredStatus, error) {
	var out []domain.StoredStatus
	err := db.WithContext(ctx).
		Select("composite_key", "backend_url", "timeline_types", "belonging_tags").
		Where("stored_at < ?", cutoffMs).
		Find(&out).Error
	return out, err
}

// UpdateStatusColumns updates non-key, non-membership columns of one record
// (payload and interaction flags). Membership indices are left untouched.
func UpdateStatusColumns(ctx context.Context, db *gorm.DB, key string, cols map[string]any) error {
	return db.WithContext(ctx).Model(&domain.StoredStatus{}).
		Where("composite_key = ?", key).
		Updates(cols).Error
}
