package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

func TestCountByStatus_GroupsAndOmitsEmpty(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if _, err := InsertIfAbsent(ctx, db, seen("s1", k)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	_, _ = MarkStatus(ctx, db, "s1", "a", domain.StatusPublished, StatusChange{PostID: 1})
	_, _ = MarkStatus(ctx, db, "s1", "b", domain.StatusFailed, StatusChange{Err: errors.New("boom")})

	got, err := CountByStatus(ctx, db)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if got[domain.StatusPublished] != 1 || got[domain.StatusFailed] != 1 || got[domain.StatusSeen] != 1 {
		t.Fatalf("unexpected counts: %v", got)
	}
	if _, ok := got[domain.StatusRewritten]; ok {
		t.Fatalf("empty statuses must be absent: %v", got)
	}
}

func TestCountByStatus_NoTable(t *testing.T) {
	db := newTestDB(t)
	if err := db.Migrator().DropTable(&domain.ArticleRecord{}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := CountByStatus(context.Background(), db); err == nil {
		t.Fatalf("expected error due to missing table")
	}
}

func TestFailureKindsSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rows := []domain.FailureLog{
		{SourceID: "s1", ArticleKey: "a", Stage: domain.StatusSeen, Kind: "transient", CreatedAt: now.Add(-time.Hour)},
		{SourceID: "s1", ArticleKey: "b", Stage: domain.StatusSeen, Kind: "transient", CreatedAt: now.Add(-2 * time.Hour)},
		{SourceID: "s1", ArticleKey: "c", Stage: domain.StatusExtracted, Kind: "permanent", CreatedAt: now.Add(-3 * time.Hour)},
		{SourceID: "s1", ArticleKey: "d", Stage: domain.StatusExtracted, Kind: "permanent", CreatedAt: now.Add(-72 * time.Hour)},
	}
	for i := range rows {
		if err := LogFailure(ctx, db, &rows[i]); err != nil {
			t.Fatalf("LogFailure: %v", err)
		}
	}

	got, err := FailureKindsSince(ctx, db, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("FailureKindsSince: %v", err)
	}
	if got["transient"] != 2 || got["permanent"] != 1 {
		t.Fatalf("unexpected kinds: %v", got)
	}
}

func TestRecentPublishedAndLastActivity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	last, err := LastActivity(ctx, db)
	if err != nil || last != nil {
		t.Fatalf("empty store: last=%v err=%v", last, err)
	}

	t1 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)
	t3 := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	seed := []domain.ArticleRecord{
		{ID: "p1", SourceID: "s1", ArticleKey: "p1", Status: domain.StatusPublished, FirstSeenAt: t1, LastUpdatedAt: t1},
		{ID: "p2", SourceID: "s1", ArticleKey: "p2", Status: domain.StatusPublished, FirstSeenAt: t2, LastUpdatedAt: t2},
		{ID: "s3", SourceID: "s1", ArticleKey: "s3", Status: domain.StatusSeen, FirstSeenAt: t3, LastUpdatedAt: t3},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	recent, err := RecentPublished(ctx, db, 5)
	if err != nil {
		t.Fatalf("RecentPublished: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "p2" || recent[1].ID != "p1" {
		t.Fatalf("unexpected recent: %+v", recent)
	}

	last, err = LastActivity(ctx, db)
	if err != nil || last == nil {
		t.Fatalf("LastActivity: last=%v err=%v", last, err)
	}
	if !last.UTC().Equal(t2) {
		t.Fatalf("want %v, got %v", t2, last.UTC())
	}
}
