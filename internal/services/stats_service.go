package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/keypool"
	"github.com/tbourn/go-news-autopublisher/internal/repo"
)

const recentLimit = 10

// KeySnapshotter exposes the key pool state.
type KeySnapshotter interface {
	Snapshot() []keypool.Status
}

// Stats is the dashboard view of the store.
type Stats struct {
	Total          int64                          `json:"total"`
	ByStatus       map[domain.ArticleStatus]int64 `json:"by_status"`
	FailureKinds   map[string]int64               `json:"failure_kinds_24h"`
	RecentPosts    []domain.ArticleRecord         `json:"recent_posts"`
	LastActivityAt *time.Time                     `json:"last_activity_at,omitempty"`
	Keys           []keypool.Status               `json:"keys,omitempty"`
}

// StatsService answers the read-only ops queries.
type StatsService struct {
	DB   *gorm.DB
	Keys KeySnapshotter
	Now  func() time.Time
}

// Stats collects counters, recent posts and the key pool state.
func (s *StatsService) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := otel.Tracer("services/StatsService").Start(ctx, "Stats")
	defer span.End()

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	byStatus, err := repo.CountByStatus(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	out := &Stats{ByStatus: byStatus}
	for _, n := range byStatus {
		out.Total += n
	}
	if out.FailureKinds, err = repo.FailureKindsSince(ctx, s.DB, now().Add(-24*time.Hour)); err != nil {
		return nil, err
	}
	if out.RecentPosts, err = repo.RecentPublished(ctx, s.DB, recentLimit); err != nil {
		return nil, err
	}
	if out.LastActivityAt, err = repo.LastActivity(ctx, s.DB); err != nil {
		return nil, err
	}
	if s.Keys != nil {
		out.Keys = s.Keys.Snapshot()
	}
	return out, nil
}

// ListArticles returns one page of records, optionally filtered by status,
// and the total matching count.
func (s *StatsService) ListArticles(ctx context.Context, status domain.ArticleStatus, offset, limit int) ([]domain.ArticleRecord, int64, error) {
	if status != "" && !status.Valid() {
		return nil, 0, ErrInvalidStatus
	}
	total, err := repo.CountArticles(ctx, s.DB, status)
	if err != nil || total == 0 {
		return []domain.ArticleRecord{}, total, err
	}
	items, err := repo.ListArticlesPage(ctx, s.DB, status, offset, limit)
	return items, total, err
}

// GetArticle returns one record or repo.ErrNotFound.
func (s *StatsService) GetArticle(ctx context.Context, id string) (*domain.ArticleRecord, error) {
	return repo.GetArticleByID(ctx, s.DB, id)
}

// ListFailures returns one page of the failure log, newest first.
func (s *StatsService) ListFailures(ctx context.Context, offset, limit int) ([]domain.FailureLog, int64, error) {
	total, err := repo.CountFailures(ctx, s.DB)
	if err != nil || total == 0 {
		return []domain.FailureLog{}, total, err
	}
	items, err := repo.ListFailuresPage(ctx, s.DB, offset, limit)
	return items, total, err
}
