// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// by the stats command and the ops dashboard API.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// CountByStatus returns the number of records per status. Statuses with no
// records are absent from the map.
func CountByStatus(ctx context.Context, db *gorm.DB) (map[domain.ArticleStatus]int64, error) {
	var rows []struct {
		Status domain.ArticleStatus
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.ArticleRecord{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.ArticleStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// FailureKindsSince returns failure log counts per error kind since the given
// time.
func FailureKindsSince(ctx context.Context, db *gorm.DB, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Kind string
		N    int64
	}
	err := db.WithContext(ctx).
		Model(&domain.FailureLog{}).
		Select("kind, COUNT(*) AS n").
		Where("created_at >= ?", since.UTC()).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Kind] = r.N
	}
	return out, nil
}

// RecentPublished returns the most recently published records.
func RecentPublished(ctx context.Context, db *gorm.DB, limit int) ([]domain.ArticleRecord, error) {
	var out []domain.ArticleRecord
	err := db.WithContext(ctx).
		Where("status = ?", domain.StatusPublished).
		Order("last_updated_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// LastActivity returns the greatest last_updated_at across all records, or
// nil when the store is empty.
func LastActivity(ctx context.Context, db *gorm.DB) (*time.Time, error) {
	// Avoid MAX() -> TEXT in SQLite
	var row struct {
		LastUpdatedAt time.Time
	}
	res := db.WithContext(ctx).
		Model(&domain.ArticleRecord{}).
		Select("last_updated_at").
		Order("last_updated_at DESC").
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row.LastUpdatedAt, nil
}
