// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file stores per-stage article payloads as JSON so a
// crashed or cancelled run resumes from the last completed stage.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// Payload columns.
const (
	payloadEntry     = "entry"
	payloadExtracted = "extracted"
	payloadRewritten = "rewritten"
)

// SaveEntry stores the feed entry an article was created from.
func SaveEntry(ctx context.Context, db *gorm.DB, articleID string, e domain.FeedEntry) error {
	return savePayload(ctx, db, articleID, payloadEntry, e)
}

// SaveExtracted stores the extraction stage output.
func SaveExtracted(ctx context.Context, db *gorm.DB, articleID string, a domain.ExtractedArticle) error {
	return savePayload(ctx, db, articleID, payloadExtracted, a)
}

// SaveRewritten stores the rewrite stage output.
func SaveRewritten(ctx context.Context, db *gorm.DB, articleID string, a domain.RewrittenArticle) error {
	return savePayload(ctx, db, articleID, payloadRewritten, a)
}

// LoadEntry returns the stored feed entry or ErrNotFound.
func LoadEntry(ctx context.Context, db *gorm.DB, articleID string) (*domain.FeedEntry, error) {
	return loadPayload[domain.FeedEntry](ctx, db, articleID, payloadEntry)
}

// LoadExtracted returns the stored extraction output or ErrNotFound.
func LoadExtracted(ctx context.Context, db *gorm.DB, articleID string) (*domain.ExtractedArticle, error) {
	return loadPayload[domain.ExtractedArticle](ctx, db, articleID, payloadExtracted)
}

// LoadRewritten returns the stored rewrite output or ErrNotFound.
func LoadRewritten(ctx context.Context, db *gorm.DB, articleID string) (*domain.RewrittenArticle, error) {
	return loadPayload[domain.RewrittenArticle](ctx, db, articleID, payloadRewritten)
}

func savePayload(ctx context.Context, db *gorm.DB, articleID, column string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", column, err)
	}
	row := domain.ArticlePayload{ArticleID: articleID, UpdatedAt: time.Now().UTC()}
	switch column {
	case payloadEntry:
		row.Entry = string(raw)
	case payloadExtracted:
		row.Extracted = string(raw)
	case payloadRewritten:
		row.Rewritten = string(raw)
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "article_id"}},
			DoUpdates: clause.AssignmentColumns([]string{column, "updated_at"}),
		}).
		Create(&row).Error
}

func loadPayload[T any](ctx context.Context, db *gorm.DB, articleID, column string) (*T, error) {
	var row domain.ArticlePayload
	err := db.WithContext(ctx).Where("article_id = ?", articleID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var raw string
	switch column {
	case payloadEntry:
		raw = row.Entry
	case payloadExtracted:
		raw = row.Extracted
	case payloadRewritten:
		raw = row.Rewritten
	}
	if raw == "" {
		return nil, ErrNotFound
	}

	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", column, err)
	}
	return &out, nil
}
