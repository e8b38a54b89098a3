package repo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

func TestFailureLog_ListPruneAndClip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &domain.FailureLog{SourceID: "s1", ArticleKey: "a", Stage: domain.StatusSeen, Kind: "transient", CreatedAt: now.Add(-40 * 24 * time.Hour)}
	fresh := &domain.FailureLog{SourceID: "s1", ArticleKey: "b", Stage: domain.StatusRewritten, Kind: "permanent", Message: strings.Repeat("x", maxErrorLen+50)}
	for _, f := range []*domain.FailureLog{old, fresh} {
		if err := LogFailure(ctx, db, f); err != nil {
			t.Fatalf("LogFailure: %v", err)
		}
	}
	if fresh.CreatedAt.IsZero() || len(fresh.Message) != maxErrorLen {
		t.Fatalf("defaults not applied: created=%v len=%d", fresh.CreatedAt, len(fresh.Message))
	}

	page, err := ListFailuresPage(ctx, db, 0, 10)
	if err != nil || len(page) != 2 || page[0].ArticleKey != "b" {
		t.Fatalf("ListFailuresPage: %+v err=%v", page, err)
	}

	n, err := PruneFailures(ctx, db, now.Add(-30*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneFailures = %d err=%v", n, err)
	}
	if total, _ := CountFailures(ctx, db); total != 1 {
		t.Fatalf("expected 1 remaining failure, got %d", total)
	}
}
