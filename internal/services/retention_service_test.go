package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/fedi-timeline-sync/internal/clock"
	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/repo"
)

// seedCategory inserts n records directly (bypassing ingest) for speed.
// Record i has created_at_ms = base + i.
func seedCategory(t *testing.T, db *gorm.DB, backend string, cat domain.TimelineType, n int, base int64, storedAt int64) {
	t.Helper()
	recs := make([]domain.StoredStatus, 0, n)
	rows := make([]domain.StatusMembership, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", cat, i)
		key := domain.CompositeKey(backend, id)
		recs = append(recs, domain.StoredStatus{
			CompositeKey:  key,
			BackendURL:    backend,
			RemoteID:      id,
			CreatedAtMs:   base + int64(i),
			TimelineTypes: domain.NewStringSet(string(cat)),
			BelongingTags: domain.StringSet{},
			StoredAt:      storedAt,
			Payload:       []byte(`{}`),
		})
		rows = append(rows, domain.StatusMembership{CompositeKey: key, TimelineType: cat, BackendURL: backend, CreatedAtMs: base + int64(i)})
	}
	if err := db.CreateInBatches(recs, 500).Error; err != nil {
		t.Fatalf("seed statuses: %v", err)
	}
	if err := db.CreateInBatches(rows, 500).Error; err != nil {
		t.Fatalf("seed memberships: %v", err)
	}
}

func newRetention(t *testing.T, cfg RetentionConfig) (*RetentionService, *IngestService, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := newSvcDB(t)
	fc := clock.NewFake(t0)
	store := repo.NewStore(db, nil)
	return NewRetentionService(store, fc, cfg), NewIngestService(store, fc), db, fc
}

func TestRetention_CapKeepsNewest10000(t *testing.T) {
	cfg := DefaultRetentionConfig()
	svc, _, db, _ := newRetention(t, cfg)
	ctx := context.Background()

	seedCategory(t, db, backendX, domain.TimelineHome, 10050, 1_000_000, t0.UnixMilli())

	rep, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Demoted[domain.TimelineHome] != 50 || rep.Deleted != 50 {
		t.Fatalf("report = %+v", rep)
	}
	n, _ := repo.CountByCategory(ctx, db, domain.TimelineHome)
	if n != 10000 {
		t.Fatalf("home count = %d, want 10000", n)
	}
	var total int64
	db.Model(&domain.StoredStatus{}).Count(&total)
	if total != 10000 {
		t.Fatalf("status rows = %d", total)
	}
	oldest, err := repo.OldestStatus(ctx, db, domain.TimelineHome, backendX, "")
	if err != nil || oldest.CreatedAtMs != 1_000_050 {
		t.Fatalf("oldest survivor = %+v, %v", oldest, err)
	}

	// A second sweep is a no-op.
	rep, _ = svc.Sweep(ctx)
	if len(rep.Demoted) != 0 || rep.Deleted != 0 {
		t.Fatalf("second sweep = %+v", rep)
	}
}

func TestRetention_CapDemotesWithoutDeletingPinnedRecords(t *testing.T) {
	cfg := DefaultRetentionConfig()
	cfg.Caps = map[domain.TimelineType]int{domain.TimelinePublic: 2, domain.TimelineHome: 10}
	svc, ingest, db, _ := newRetention(t, cfg)
	ctx := context.Background()

	// "1" is the oldest public record but is also in home (under cap).
	for i, id := range []string{"1", "2", "3", "4"} {
		if err := ingest.Upsert(ctx, status(id, t0.Add(time.Duration(i)*time.Minute)), backendX, domain.TimelinePublic, ""); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := ingest.Upsert(ctx, status("1", t0), backendX, domain.TimelineHome, ""); err != nil {
		t.Fatalf("upsert home: %v", err)
	}

	rep, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Demoted[domain.TimelinePublic] != 2 || rep.Deleted != 1 {
		t.Fatalf("report = %+v", rep)
	}

	rec := mustGet(t, db, backendX, "1")
	if setOf(rec.TimelineTypes) != "[home]" {
		t.Fatalf("pinned record types = %v", rec.TimelineTypes)
	}
	assertGone(t, db, backendX, "2")
	home, _ := repo.CountByCategory(ctx, db, domain.TimelineHome)
	pub, _ := repo.CountByCategory(ctx, db, domain.TimelinePublic)
	if home != 1 || pub != 2 {
		t.Fatalf("home=%d public=%d", home, pub)
	}
}

func TestRetention_TTLDeletesRegardlessOfMembership(t *testing.T) {
	cfg := DefaultRetentionConfig()
	svc, ingest, db, fc := newRetention(t, cfg)
	ctx := context.Background()

	s := status("old", t0)
	_ = ingest.Upsert(ctx, s, backendX, domain.TimelineHome, "")
	_ = ingest.Upsert(ctx, s, backendX, domain.TimelineLocal, "")
	_ = ingest.UpsertNotification(ctx, &domain.Notification{ID: "n-old", Type: "mention", CreatedAt: t0.Format(time.RFC3339)}, backendX)

	fc.Advance(7*24*time.Hour + time.Minute)
	_ = ingest.Upsert(ctx, status("fresh", t0), backendX, domain.TimelineHome, "")

	rep, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.ExpiredStatuses != 1 || rep.ExpiredNotifications != 1 {
		t.Fatalf("report = %+v", rep)
	}
	assertGone(t, db, backendX, "old")
	mustGet(t, db, backendX, "fresh")
	var rows int64
	db.Model(&domain.StatusMembership{}).Where("composite_key = ?", domain.CompositeKey(backendX, "old")).Count(&rows)
	if rows != 0 {
		t.Fatalf("index rows left behind: %d", rows)
	}
}

func TestRetention_NotificationCap(t *testing.T) {
	cfg := DefaultRetentionConfig()
	cfg.NotificationCap = 2
	svc, ingest, db, _ := newRetention(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		n := &domain.Notification{ID: fmt.Sprint(i), Type: "mention", CreatedAt: t0.Add(time.Duration(i) * time.Second).Format(time.RFC3339)}
		if err := ingest.UpsertNotification(ctx, n, backendY); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	rep, err := svc.Sweep(ctx)
	if err != nil || rep.TrimmedNotifications != 3 {
		t.Fatalf("report = %+v, %v", rep, err)
	}
	left, _ := repo.ListNotifications(ctx, db, backendY, repo.Keyset{}, 0)
	if len(left) != 2 || left[0].RemoteID != "4" || left[1].RemoteID != "3" {
		t.Fatalf("left = %+v", left)
	}
}

func TestRetention_StartSweepsNowAndOnInterval_StopCancels(t *testing.T) {
	cfg := DefaultRetentionConfig()
	cfg.Caps = map[domain.TimelineType]int{domain.TimelineHome: 1}
	svc, ingest, db, fc := newRetention(t, cfg)
	ctx := context.Background()

	sweeps := make(chan SweepReport, 4)
	svc.AfterSweep = func(r SweepReport, err error) {
		if err != nil {
			t.Errorf("sweep: %v", err)
		}
		sweeps <- r
	}

	_ = ingest.Upsert(ctx, status("1", t0), backendX, domain.TimelineHome, "")
	_ = ingest.Upsert(ctx, status("2", t0.Add(time.Second)), backendX, domain.TimelineHome, "")

	svc.Start(ctx)
	select {
	case r := <-sweeps:
		if r.Deleted != 1 {
			t.Fatalf("startup sweep = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no startup sweep")
	}
	assertGone(t, db, backendX, "1")

	_ = ingest.Upsert(ctx, status("3", t0.Add(2*time.Second)), backendX, domain.TimelineHome, "")
	fc.Advance(time.Hour)
	select {
	case r := <-sweeps:
		if r.Deleted != 1 {
			t.Fatalf("interval sweep = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no interval sweep")
	}

	svc.Stop()
	svc.Stop() // idempotent
	if fc.Pending() != 0 {
		t.Fatalf("ticker still armed after Stop: %d", fc.Pending())
	}
	fc.Advance(time.Hour)
	select {
	case r := <-sweeps:
		t.Fatalf("sweep after Stop: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
