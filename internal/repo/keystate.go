// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists API key pool state so cooldowns and
// window counters survive restarts.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

// ListKeyStates returns every persisted key state.
func ListKeyStates(ctx context.Context, db *gorm.DB) ([]domain.APIKeyState, error) {
	var out []domain.APIKeyState
	err := db.WithContext(ctx).Order("key_id asc").Find(&out).Error
	return out, err
}

// SaveKeyState inserts or overwrites the state of one key.
func SaveKeyState(ctx context.Context, db *gorm.DB, st domain.APIKeyState) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_id"}},
			UpdateAll: true,
		}).
		Create(&st).Error
}

// KeyStateStore adapts the key state functions to the key pool's
// persistence interface.
type KeyStateStore struct {
	DB *gorm.DB
}

// LoadKeyStates proxies ListKeyStates.
func (s KeyStateStore) LoadKeyStates(ctx context.Context) ([]domain.APIKeyState, error) {
	return ListKeyStates(ctx, s.DB)
}

// SaveKeyState proxies SaveKeyState.
func (s KeyStateStore) SaveKeyState(ctx context.Context, st domain.APIKeyState) error {
	return SaveKeyState(ctx, s.DB, st)
}
