// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the publish receipt ledger used to make
// WordPress publishing idempotent across retries and restarts.
package repo

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// ErrDuplicate indicates that a receipt already exists for the token.
var ErrDuplicate = errors.New("duplicate")

// GetPublishReceipt returns the receipt for token or ErrNotFound.
func GetPublishReceipt(ctx context.Context, db *gorm.DB, token string) (*domain.PublishReceipt, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotFound
	}
	var rec domain.PublishReceipt
	err := db.WithContext(ctx).Where("token = ?", token).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreatePublishReceipt records that post was created for token and returns
// ErrDuplicate on unique violation.
func CreatePublishReceipt(ctx context.Context, db *gorm.DB, token, sourceID string, post domain.PublishedPost) (*domain.PublishReceipt, error) {
	rec := &domain.PublishReceipt{
		ID:       uuid.NewString(),
		Token:    token,
		SourceID: sourceID,
		PostID:   post.ID,
		PostURL:  post.URL,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// isUniqueViolation recognizes UNIQUE failures; glebarez/sqlite often returns
// plain-text errors for them.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
