// Package repo implements the data persistence layer for stored statuses,
// notifications and settings, backed by GORM. This file provides small
// aggregate queries used by the stats endpoint and the retention report.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

// StoreStats summarizes the record store.
//
// Fields:
//   - Statuses:       total stored status records
//   - Categories:     member count per status category
//   - Notifications:  total stored notifications
//   - NewestStoredAt: greatest stored_at across statuses, 0 when empty
type StoreStats struct {
	Statuses       int64                         `json:"statuses"`
	Categories     map[domain.TimelineType]int64 `json:"categories"`
	Notifications  int64                         `json:"notifications"`
	NewestStoredAt int64                         `json:"newest_stored_at"`
}

// Stats gathers StoreStats with a handful of lightweight queries.
func Stats(ctx context.Context, db *gorm.DB) (StoreStats, error) {
	out := StoreStats{Categories: make(map[domain.TimelineType]int64, len(domain.StatusCategories))}
	q := db.WithContext(ctx)

	if err := q.Model(&domain.StoredStatus{}).Count(&out.Statuses).Error; err != nil {
		return out, err
	}

	var rows []struct {
		TimelineType domain.TimelineType
		N            int64
	}
	if err := q.Model(&domain.StatusMembership{}).
		Select("timeline_type, COUNT(*) AS n").
		Group("timeline_type").
		Scan(&rows).Error; err != nil {
		return out, err
	}
	for _, c := range domain.StatusCategories {
		out.Categories[c] = 0
	}
	for _, r := range rows {
		out.Categories[r.TimelineType] = r.N
	}

	if err := q.Model(&domain.StoredNotification{}).Count(&out.Notifications).Error; err != nil {
		return out, err
	}

	if out.Statuses > 0 {
		var row struct{ StoredAt int64 }
		if err := q.Model(&domain.StoredStatus{}).
			Select("stored_at").
			Order("stored_at DESC").
			Limit(1).
			Scan(&row).Error; err != nil {
			return out, err
		}
		out.NewestStoredAt = row.StoredAt
	}
	return out, nil
}
