// Package domain defines the persistence models and value types shared by the
// repository, pipeline and adapter layers. Persisted types are mapped with
// GORM; value types travel between pipeline stages and are stored as JSON
// payloads so an interrupted run can resume from the last completed stage.
package domain

import "time"

// ArticleStatus is the lifecycle position of an article in the pipeline.
type ArticleStatus string

const (
	StatusSeen      ArticleStatus = "seen"
	StatusExtracted ArticleStatus = "extracted"
	StatusRewritten ArticleStatus = "rewritten"
	StatusPublished ArticleStatus = "published"
	StatusFailed    ArticleStatus = "failed"
)

// rank orders the forward statuses; failed has no rank.
var rank = map[ArticleStatus]int{
	StatusSeen:      0,
	StatusExtracted: 1,
	StatusRewritten: 2,
	StatusPublished: 3,
}

// Valid reports whether s is one of the known statuses.
func (s ArticleStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := rank[s]
	return ok
}

// Rank returns the position of s in the forward chain, or -1 for failed and
// unknown statuses.
func (s ArticleStatus) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// InFlight reports whether an article in status s still has stages to run.
func (s ArticleStatus) InFlight() bool {
	return s == StatusSeen || s == StatusExtracted || s == StatusRewritten
}

// CanTransition reports whether the state machine allows moving from -> to.
//
// Rules:
//   - forward moves (and same-status touches) along seen → extracted →
//     rewritten → published are allowed;
//   - failed is reachable from every status except published;
//   - failed only leaves to seen (retry).
func CanTransition(from, to ArticleStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	switch {
	case to == StatusFailed:
		return from != StatusPublished
	case from == StatusFailed:
		return to == StatusSeen
	default:
		return to.Rank() >= from.Rank()
	}
}

// ArticleRecord tracks one feed entry through its lifecycle. It is the single
// source of truth for "has this article been published".
//
// Fields:
//   - SourceID / ArticleKey: identity; unique together.
//   - Status: current lifecycle position.
//   - FailureCount: consecutive failures at the stage the article last
//     failed in; reset once the article advances past that stage.
//   - FailedAt: status the article held when it last failed.
//   - LeaseOwner / LeaseUntil: cross-run claim held while a worker drives it.
//   - PostID / PostURL: WordPress identifiers once published.
type ArticleRecord struct {
	ID            string        `json:"id"              gorm:"type:char(36);primaryKey"`
	SourceID      string        `json:"source_id"       gorm:"type:varchar(64);not null;uniqueIndex:ux_article_source_key,priority:1;index:idx_article_source_status,priority:1"`
	ArticleKey    string        `json:"article_key"     gorm:"type:char(64);not null;uniqueIndex:ux_article_source_key,priority:2"`
	Status        ArticleStatus `json:"status"          gorm:"type:varchar(16);not null;default:'seen';index:idx_article_source_status,priority:2;index:idx_article_status_updated,priority:1"`
	URL           string        `json:"url"             gorm:"type:text"`
	Title         string        `json:"title"           gorm:"type:text"`
	FailureCount  int           `json:"failure_count"   gorm:"not null;default:0"`
	FailedAt      ArticleStatus `json:"failed_at,omitempty"  gorm:"type:varchar(16)"`
	LastError     string        `json:"last_error,omitempty" gorm:"type:text"`
	ErrorKind     string        `json:"error_kind,omitempty" gorm:"type:varchar(16)"`
	PostID        int64         `json:"post_id,omitempty"`
	PostURL       string        `json:"post_url,omitempty" gorm:"type:text"`
	LeaseOwner    string        `json:"-"               gorm:"type:varchar(64)"`
	LeaseUntil    *time.Time    `json:"-"`
	FirstSeenAt   time.Time     `json:"first_seen_at"   gorm:"not null"`
	LastUpdatedAt time.Time     `json:"last_updated_at" gorm:"not null;index:idx_article_status_updated,priority:2"`
}

// TableName returns the database table name for ArticleRecord.
func (ArticleRecord) TableName() string { return "article_records" }

// ArticlePayload holds the stage outputs of an article as JSON documents.
// It shares its primary key with the owning ArticleRecord.
type ArticlePayload struct {
	ArticleID string    `gorm:"type:char(36);primaryKey"`
	Entry     string    `gorm:"type:text"`
	Extracted string    `gorm:"type:text"`
	Rewritten string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for ArticlePayload.
func (ArticlePayload) TableName() string { return "article_payloads" }

// FailureLog is an append-only row written for every terminal article failure.
type FailureLog struct {
	ID         uint          `json:"id"          gorm:"primaryKey;autoIncrement"`
	SourceID   string        `json:"source_id"   gorm:"type:varchar(64);not null;index"`
	ArticleKey string        `json:"article_key" gorm:"type:char(64);not null"`
	Stage      ArticleStatus `json:"stage"       gorm:"type:varchar(16);not null"`
	Kind       string        `json:"kind"        gorm:"type:varchar(16);not null"`
	Message    string        `json:"message"     gorm:"type:text"`
	URL        string        `json:"url"         gorm:"type:text"`
	CreatedAt  time.Time     `json:"created_at"  gorm:"not null;index"`
}

// TableName returns the database table name for FailureLog.
func (FailureLog) TableName() string { return "failure_logs" }
