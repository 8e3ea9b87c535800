// Package repo implements the data persistence layer for stored statuses,
// notifications and settings, backed by GORM. This file provides the
// key/value settings table used for versioned configuration blobs.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

// SettingTimelines is the settings key of the timeline configuration blob.
const SettingTimelines = "timelines"

// GetSetting returns the raw value stored under key, or ErrNotFound.
func GetSetting(ctx context.Context, db *gorm.DB, key string) ([]byte, error) {
	var s domain.Setting
	if err := db.WithContext(ctx).Where("key = ?", key).First(&s).Error; err != nil {
		return nil, err
	}
	return s.Value, nil
}

// PutSetting stores value under key, replacing any previous value.
func PutSetting(ctx context.Context, db *gorm.DB, key string, value []byte) error {
	rec := &domain.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC().UnixMilli()}
	return db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}
