package domain

import "time"

// PublishReceipt records that a post was created for an idempotency token
// (the article fingerprint). It lets a resumed publish return the existing
// post without asking the destination again.
type PublishReceipt struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Token     string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_publish_token"`
	SourceID  string    `gorm:"type:TEXT NOT NULL"`
	PostID    int64     `gorm:"type:INTEGER NOT NULL"`
	PostURL   string    `gorm:"type:TEXT"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (PublishReceipt) TableName() string { return "publish_receipts" }
