// Package repo implements the data persistence layer for stored statuses,
// notifications and settings, backed by GORM. This file provides repository
// functions for StoredNotification.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

// GetNotification fetches a notification by composite key.
func GetNotification(ctx context.Context, db *gorm.DB, key string) (*domain.StoredNotification, error) {
	var n domain.StoredNotification
	if err := db.WithContext(ctx).Where("composite_key = ?", key).First(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

// SaveNotification inserts or replaces a notification row.
func SaveNotification(ctx context.Context, db *gorm.DB, rec *domain.StoredNotification) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

// ListNotifications range-scans one backend's notifications, newest first.
// The scan resumes after the given position.
func ListNotifications(ctx context.Context, db *gorm.DB, backendURL string, after Keyset, limit int) ([]domain.StoredNotification, error) {
	var out []domain.StoredNotification
	q := db.WithContext(ctx).Where("backend_url = ?", backendURL)
	q = after.bound(q, "created_at_ms", "composite_key")
	q = q.Order("created_at_ms DESC, composite_key DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListNotificationsByStatusKey returns notifications embedding the status.
func ListNotificationsByStatusKey(ctx context.Context, db *gorm.DB, statusKey string) ([]domain.StoredNotification, error) {
	var out []domain.StoredNotification
	err := db.WithContext(ctx).Where("status_key = ?", statusKey).Find(&out).Error
	return out, err
}

// OldestNotification returns a backend's oldest notification or ErrNotFound.
func OldestNotification(ctx context.Context, db *gorm.DB, backendURL string) (*domain.StoredNotification, error) {
	var n domain.StoredNotification
	err := db.WithContext(ctx).
		Where("backend_url = ?", backendURL).
		Order("created_at_ms ASC").
		First(&n).Error
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CountNotifications returns the total number of stored notifications.
func CountNotifications(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.StoredNotification{}).Count(&n).Error
	return n, err
}

// OldestNotifications returns the n oldest notifications (key and backend
// only), oldest first.
func OldestNotifications(ctx context.Context, db *gorm.DB, n int) ([]domain.StoredNotification, error) {
	var out []domain.StoredNotification
	if n <= 0 {
		return out, nil
	}
	err := db.WithContext(ctx).
		Select("composite_key", "backend_url").
		Order("created_at_ms ASC, composite_key ASC").
		Limit(n).
		Find(&out).Error
	return out, err
}

// NotificationsStoredBefore returns notifications (key and backend only)
// whose stored_at is older than cutoffMs.
func NotificationsStoredBefore(ctx context.Context, db *gorm.DB, cutoffMs int64) ([]domain.StoredNotification, error) {
	var out []domain.StoredNotification
	err := db.WithContext(ctx).
		Select("composite_key", "backend_url").
		Where("stored_at < ?", cutoffMs).
		Find(&out).Error
	return out, err
}

// DeleteNotifications removes notifications by key.
func DeleteNotifications(ctx context.Context, db *gorm.DB, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx := db.WithContext(ctx)
	for _, chunk := range chunkKeys(keys) {
		if err := tx.Where("composite_key IN ?", chunk).Delete(&domain.StoredNotification{}).Error; err != nil {
			return err
		}
	}
	return nil
}

// UpdateNotificationPayload replaces the stored payload of one notification.
func UpdateNotificationPayload(ctx context.Context, db *gorm.DB, key string, payload []byte) error {
	return db.WithContext(ctx).Model(&domain.StoredNotification{}).
		Where("composite_key = ?", key).
		Update("payload", payload).Error
}
