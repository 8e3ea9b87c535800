package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

func notif(backend, id string, createdMs int64, statusKey string) *domain.StoredNotification {
	return &domain.StoredNotification{
		CompositeKey: domain.CompositeKey(backend, id),
		BackendURL:   backend,
		RemoteID:     id,
		CreatedAtMs:  createdMs,
		Type:         "mention",
		StatusKey:    statusKey,
		StoredAt:     createdMs,
		Payload:      []byte(`{"id":"` + id + `","type":"mention"}`),
	}
}

func TestNotificationRepo_CRUDAndScans(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	for _, n := range []*domain.StoredNotification{
		notif(bA, "n1", 100, bA+":s1"),
		notif(bA, "n2", 300, ""),
		notif(bA, "n3", 200, bA+":s1"),
		notif(bB, "n4", 50, ""),
	} {
		if err := SaveNotification(ctx, db, n); err != nil {
			t.Fatalf("SaveNotification: %v", err)
		}
	}

	// Replace keeps one row.
	upd := notif(bA, "n1", 100, bA+":s1")
	upd.Type = "favourite"
	if err := SaveNotification(ctx, db, upd); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := GetNotification(ctx, db, bA+":n1")
	if err != nil || got.Type != "favourite" {
		t.Fatalf("GetNotification = %+v, %v", got, err)
	}
	if _, err := GetNotification(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	list, err := ListNotifications(ctx, db, bA, Keyset{}, 0)
	if err != nil || len(list) != 3 || list[0].RemoteID != "n2" || list[2].RemoteID != "n1" {
		t.Fatalf("ListNotifications = %+v, %v", list, err)
	}
	list, _ = ListNotifications(ctx, db, bA, Keyset{CreatedAtMs: 300}, 1)
	if len(list) != 1 || list[0].RemoteID != "n3" {
		t.Fatalf("older page = %+v", list)
	}

	byStatus, _ := ListNotificationsByStatusKey(ctx, db, bA+":s1")
	if len(byStatus) != 2 {
		t.Fatalf("by status = %d", len(byStatus))
	}

	oldest, err := OldestNotification(ctx, db, bA)
	if err != nil || oldest.RemoteID != "n1" {
		t.Fatalf("oldest = %+v, %v", oldest, err)
	}

	total, _ := CountNotifications(ctx, db)
	if total != 4 {
		t.Fatalf("count = %d", total)
	}
	first, _ := OldestNotifications(ctx, db, 2)
	if len(first) != 2 || first[0].CompositeKey != bB+":n4" || first[1].CompositeKey != bA+":n1" || first[0].BackendURL != bB {
		t.Fatalf("oldest two = %+v", first)
	}
	expired, _ := NotificationsStoredBefore(ctx, db, 150)
	if len(expired) != 2 {
		t.Fatalf("expired = %+v", expired)
	}

	if err := DeleteNotifications(ctx, db, []string{bA + ":n1", bB + ":n4"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	total, _ = CountNotifications(ctx, db)
	if total != 2 {
		t.Fatalf("count after delete = %d", total)
	}
}

func TestSettings_PutGet(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	if _, err := GetSetting(ctx, db, SettingTimelines); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := PutSetting(ctx, db, SettingTimelines, []byte(`{"version":2}`)); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if err := PutSetting(ctx, db, SettingTimelines, []byte(`{"version":2,"timelines":[]}`)); err != nil {
		t.Fatalf("PutSetting replace: %v", err)
	}
	v, err := GetSetting(ctx, db, SettingTimelines)
	if err != nil || string(v) != `{"version":2,"timelines":[]}` {
		t.Fatalf("GetSetting = %q, %v", v, err)
	}
}

func TestStats(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	empty, err := Stats(ctx, db)
	if err != nil || empty.Statuses != 0 || empty.NewestStoredAt != 0 || empty.Categories[domain.TimelineHome] != 0 {
		t.Fatalf("empty stats = %+v, %v", empty, err)
	}

	mustSave(t, db, rec(bA, "1", 100, []domain.TimelineType{domain.TimelineHome, domain.TimelinePublic}))
	mustSave(t, db, rec(bA, "2", 700, []domain.TimelineType{domain.TimelineHome}))
	if err := SaveNotification(ctx, db, notif(bA, "n1", 10, "")); err != nil {
		t.Fatalf("SaveNotification: %v", err)
	}

	s, err := Stats(ctx, db)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Statuses != 2 || s.Categories[domain.TimelineHome] != 2 || s.Categories[domain.TimelinePublic] != 1 ||
		s.Notifications != 1 || s.NewestStoredAt != 700 {
		t.Fatalf("stats = %+v", s)
	}
}
