package repo

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/livequery"
)

type recordingPublisher struct{ sets []livequery.ChangeSet }

func (p *recordingPublisher) Publish(cs livequery.ChangeSet) { p.sets = append(p.sets, cs) }

func TestStore_WriteTx_PublishesAfterCommit(t *testing.T) {
	db := newRepoDB(t)
	pub := &recordingPublisher{}
	st := NewStore(db, pub)
	ctx := context.Background()

	err := st.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		r := rec(bA, "1", 100, []domain.TimelineType{domain.TimelineHome})
		if err := SaveStatus(ctx, tx, r); err != nil {
			return err
		}
		cs.AddStatus(bA, []string{"home"}, nil)
		return nil
	})
	if err != nil {
		t.Fatalf("WriteTx: %v", err)
	}
	if len(pub.sets) != 1 || pub.sets[0].Empty() {
		t.Fatalf("published = %+v", pub.sets)
	}
	if _, err := GetStatus(ctx, st.Read(ctx), bA+":1"); err != nil {
		t.Fatalf("committed row missing: %v", err)
	}
}

func TestStore_WriteTx_RollsBackAndDoesNotPublish(t *testing.T) {
	db := newRepoDB(t)
	pub := &recordingPublisher{}
	st := NewStore(db, pub)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WriteTx(ctx, func(tx *gorm.DB, cs *livequery.ChangeSet) error {
		if err := SaveStatus(ctx, tx, rec(bA, "1", 100, []domain.TimelineType{domain.TimelineHome})); err != nil {
			return err
		}
		cs.AddStatus(bA, []string{"home"}, nil)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if len(pub.sets) != 0 {
		t.Fatalf("rolled back tx must not publish")
	}
	if _, err := GetStatus(ctx, db, bA+":1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("row should be rolled back, got %v", err)
	}
}

func TestStore_NilPublisher(t *testing.T) {
	st := NewStore(newRepoDB(t), nil)
	if err := st.WriteTx(context.Background(), func(*gorm.DB, *livequery.ChangeSet) error { return nil }); err != nil {
		t.Fatalf("WriteTx: %v", err)
	}
}
