package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-news-autopublisher/internal/repo"
)

// CleanupReport summarizes one cleanup run.
type CleanupReport struct {
	Expired        int           `json:"expired"`
	Purged         int64         `json:"purged"`
	FailuresPruned int64         `json:"failures_pruned"`
	Vacuumed       bool          `json:"vacuumed"`
	Took           time.Duration `json:"took"`
}

// CleanupService deletes published records older than the retention window
// together with old failure log rows. Records in any other status are kept
// whatever their age.
type CleanupService struct {
	DB        *gorm.DB
	Retention time.Duration
	Vacuum    bool
	Now       func() time.Time
}

// Run performs one cleanup pass.
func (s *CleanupService) Run(ctx context.Context) (CleanupReport, error) {
	tr := otel.Tracer("services/CleanupService")
	ctx, span := tr.Start(ctx, "Run",
		trace.WithAttributes(attribute.String("retention", s.Retention.String())),
	)
	defer span.End()

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	start := now()
	var rep CleanupReport

	expired, err := repo.ListExpired(ctx, s.DB, s.Retention, start)
	if err != nil {
		return rep, err
	}
	rep.Expired = len(expired)
	if rep.Purged, err = repo.Purge(ctx, s.DB, expired); err != nil {
		return rep, err
	}
	cleanupPurged.WithLabelValues("article_records").Add(float64(rep.Purged))

	if rep.FailuresPruned, err = repo.PruneFailures(ctx, s.DB, start.Add(-s.Retention)); err != nil {
		return rep, err
	}
	cleanupPurged.WithLabelValues("failure_logs").Add(float64(rep.FailuresPruned))

	if s.Vacuum && (rep.Purged > 0 || rep.FailuresPruned > 0) {
		if err := repo.Vacuum(s.DB.WithContext(ctx)); err != nil {
			log.Warn().Err(err).Msg("vacuum failed")
		} else {
			rep.Vacuumed = true
		}
	}

	rep.Took = now().Sub(start)
	span.SetAttributes(attribute.Int64("purged", rep.Purged))
	log.Info().
		Int64("purged", rep.Purged).
		Int64("failures_pruned", rep.FailuresPruned).
		Bool("vacuumed", rep.Vacuumed).
		Msg("cleanup finished")
	return rep, nil
}
