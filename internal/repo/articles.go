// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the deduplication store: repository
// functions for ArticleRecord.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Error semantics:
//   - A missing record yields ErrNotFound (domain.ErrNotFound).
//   - An insert that loses the (source_id, article_key) race yields
//     domain.ErrDuplicateArticle together with the stored record.
//   - A backwards status move yields domain.ErrInvalidTransition.
//   - Other DB errors are propagated unchanged.
//
// Functions:
//
//   - InsertIfAbsent(ctx, db, rec) -> *domain.ArticleRecord, error
//     Atomic insert relying on the unique index; the index is the mechanism
//     of truth, not an in-memory guard.
//
//   - Upsert(ctx, db, rec) -> *domain.ArticleRecord, error
//     Idempotent; an existing row only has last_updated_at touched.
//
//   - MarkStatus(ctx, db, sourceID, key, status, change) -> *domain.ArticleRecord, error
//     Transactional state-machine step.
//
//   - ListExpired(ctx, db, retention, now) / Purge(ctx, db, records)
//     Retention support for the cleanup task.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = domain.ErrNotFound

// maxErrorLen caps the error detail stored on a record.
const maxErrorLen = 2000

var sourceKeyColumns = []clause.Column{{Name: "source_id"}, {Name: "article_key"}}

// StatusChange carries the optional detail attached to a status transition.
type StatusChange struct {
	Err     error  // cause, for transitions to failed
	PostID  int64  // for transitions to published
	PostURL string // for transitions to published
}

// InsertIfAbsent inserts rec as a new record. When a record with the same
// (source_id, article_key) already exists the stored record is returned along
// with domain.ErrDuplicateArticle, and nothing is modified.
func InsertIfAbsent(ctx context.Context, db *gorm.DB, rec *domain.ArticleRecord) (*domain.ArticleRecord, error) {
	prepareNew(rec)
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: sourceKeyColumns, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return existingDuplicate(ctx, db, rec)
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return existingDuplicate(ctx, db, rec)
	}
	return rec, nil
}

func existingDuplicate(ctx context.Context, db *gorm.DB, rec *domain.ArticleRecord) (*domain.ArticleRecord, error) {
	cur, err := GetArticle(ctx, db, rec.SourceID, rec.ArticleKey)
	if err != nil {
		return nil, err
	}
	return cur, domain.ErrDuplicateArticle
}

// Upsert inserts rec or, when the key already exists, only refreshes
// last_updated_at. Status is never changed here; use MarkStatus.
func Upsert(ctx context.Context, db *gorm.DB, rec *domain.ArticleRecord) (*domain.ArticleRecord, error) {
	prepareNew(rec)
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   sourceKeyColumns,
			DoUpdates: clause.Assignments(map[string]any{"last_updated_at": rec.LastUpdatedAt}),
		}).
		Create(rec).Error
	if err != nil {
		return nil, err
	}
	return GetArticle(ctx, db, rec.SourceID, rec.ArticleKey)
}

func prepareNew(rec *domain.ArticleRecord) {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = domain.StatusSeen
	}
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = now
	}
	if rec.LastUpdatedAt.IsZero() {
		rec.LastUpdatedAt = now
	}
}

// HasBeenProcessed reports whether a record exists for the key, whatever its
// status.
func HasBeenProcessed(ctx context.Context, db *gorm.DB, sourceID, key string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.ArticleRecord{}).
		Where("source_id = ? AND article_key = ?", sourceID, key).
		Count(&n).Error
	return n > 0, err
}

// GetArticle fetches a record by its identity or returns ErrNotFound.
func GetArticle(ctx context.Context, db *gorm.DB, sourceID, key string) (*domain.ArticleRecord, error) {
	var rec domain.ArticleRecord
	err := db.WithContext(ctx).
		Where("source_id = ? AND article_key = ?", sourceID, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetArticleByID fetches a record by primary key or returns ErrNotFound.
func GetArticleByID(ctx context.Context, db *gorm.DB, id string) (*domain.ArticleRecord, error) {
	var rec domain.ArticleRecord
	err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkStatus moves the record to status `to` inside a transaction.
//
// Failure accounting:
//   - to failed: failure_count++, failed_at = previous status, error detail
//     and kind recorded;
//   - failed → seen keeps the count so a retry ceiling can accumulate;
//   - advancing past failed_at resets the count and clears the detail.
func MarkStatus(ctx context.Context, db *gorm.DB, sourceID, key string, to domain.ArticleStatus, ch StatusChange) (*domain.ArticleRecord, error) {
	var out domain.ArticleRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec domain.ArticleRecord
		err := tx.Where("source_id = ? AND article_key = ?", sourceID, key).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !domain.CanTransition(rec.Status, to) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, rec.Status, to)
		}

		updates := map[string]any{
			"status":          to,
			"last_updated_at": time.Now().UTC(),
		}
		switch {
		case to == domain.StatusFailed:
			updates["failure_count"] = rec.FailureCount + 1
			updates["failed_at"] = rec.Status
			updates["last_error"] = clipError(ch.Err)
			updates["error_kind"] = string(domain.KindOf(ch.Err))
		case rec.Status == domain.StatusFailed:
			// retry: keep the count
		case rec.FailureCount > 0 && to.Rank() > rec.FailedAt.Rank():
			updates["failure_count"] = 0
			updates["failed_at"] = ""
			updates["last_error"] = ""
			updates["error_kind"] = ""
		}
		if to == domain.StatusPublished {
			updates["post_id"] = ch.PostID
			updates["post_url"] = ch.PostURL
		}

		if err := tx.Model(&rec).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", rec.ID).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func clipError(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if utf8.RuneCountInString(s) > maxErrorLen {
		s = string([]rune(s)[:maxErrorLen])
	}
	return s
}

// ResetFailed moves every failed record whose failure_count is below ceiling
// back to seen and returns how many were reset.
func ResetFailed(ctx context.Context, db *gorm.DB, ceiling int) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.ArticleRecord{}).
		Where("status = ? AND failure_count < ?", domain.StatusFailed, ceiling).
		Updates(map[string]any{
			"status":          domain.StatusSeen,
			"last_updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// ClaimArticle takes a lease on the record for owner until now+ttl. It returns
// false when another owner holds an unexpired lease.
func ClaimArticle(ctx context.Context, db *gorm.DB, id, owner string, ttl time.Duration, now time.Time) (bool, error) {
	now = now.UTC()
	until := now.Add(ttl)
	res := db.WithContext(ctx).
		Model(&domain.ArticleRecord{}).
		Where("id = ? AND (lease_until IS NULL OR lease_until < ? OR lease_owner = ?)", id, now, owner).
		Updates(map[string]any{"lease_owner": owner, "lease_until": until})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseArticle drops owner's lease on the record, if it still holds it.
func ReleaseArticle(ctx context.Context, db *gorm.DB, id, owner string) error {
	return db.WithContext(ctx).
		Model(&domain.ArticleRecord{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{"lease_owner": "", "lease_until": nil}).Error
}

// ListResumable returns the in-flight records of a source (seen, extracted or
// rewritten), oldest first.
func ListResumable(ctx context.Context, db *gorm.DB, sourceID string) ([]domain.ArticleRecord, error) {
	var out []domain.ArticleRecord
	err := db.WithContext(ctx).
		Where("source_id = ? AND status IN ?", sourceID,
			[]domain.ArticleStatus{domain.StatusSeen, domain.StatusExtracted, domain.StatusRewritten}).
		Order("first_seen_at asc, id asc").
		Find(&out).Error
	return out, err
}

// ListExpired returns published records whose last_updated_at is older than
// now-retention.
func ListExpired(ctx context.Context, db *gorm.DB, retention time.Duration, now time.Time) ([]domain.ArticleRecord, error) {
	var out []domain.ArticleRecord
	err := db.WithContext(ctx).
		Where("status = ? AND last_updated_at < ?", domain.StatusPublished, now.Add(-retention).UTC()).
		Order("last_updated_at asc").
		Find(&out).Error
	return out, err
}

// Purge deletes the given records (and their payloads). Only published
// records are ever deleted; anything else in recs is left untouched.
func Purge(ctx context.Context, db *gorm.DB, recs []domain.ArticleRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}

	var deleted int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		published := tx.Model(&domain.ArticleRecord{}).
			Select("id").
			Where("id IN ? AND status = ?", ids, domain.StatusPublished)
		if err := tx.Where("article_id IN (?)", published).Delete(&domain.ArticlePayload{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ? AND status = ?", ids, domain.StatusPublished).
			Delete(&domain.ArticleRecord{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// CountArticles returns the number of records, optionally filtered by status.
func CountArticles(ctx context.Context, db *gorm.DB, status domain.ArticleStatus) (int64, error) {
	var n int64
	q := db.WithContext(ctx).Model(&domain.ArticleRecord{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&n).Error
	return n, err
}

// ListArticlesPage returns a page of records, most recently updated first,
// optionally filtered by status.
func ListArticlesPage(ctx context.Context, db *gorm.DB, status domain.ArticleStatus, offset, limit int) ([]domain.ArticleRecord, error) {
	var out []domain.ArticleRecord
	q := db.WithContext(ctx)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("last_updated_at desc, id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
