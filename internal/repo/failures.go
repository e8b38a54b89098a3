// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only failure log.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// LogFailure appends a failure row. CreatedAt defaults to now (UTC).
func LogFailure(ctx context.Context, db *gorm.DB, f *domain.FailureLog) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if len(f.Message) > maxErrorLen {
		f.Message = f.Message[:maxErrorLen]
	}
	return db.WithContext(ctx).Create(f).Error
}

// CountFailures returns the total number of failure rows.
func CountFailures(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.FailureLog{}).Count(&n).Error
	return n, err
}

// ListFailuresPage returns failure rows, newest first.
func ListFailuresPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.FailureLog, error) {
	var out []domain.FailureLog
	err := db.WithContext(ctx).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// PruneFailures deletes failure rows created before cutoff.
func PruneFailures(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&domain.FailureLog{})
	return res.RowsAffected, res.Error
}
