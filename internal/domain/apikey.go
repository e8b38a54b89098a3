package domain

import "time"

// APIKeyState is the persisted rate/health state of one AI credential.
// The secret itself is never stored; KeyID is derived from it.
type APIKeyState struct {
	KeyID               string     `json:"key_id"                gorm:"type:varchar(32);primaryKey"`
	WindowStart         time.Time  `json:"window_start"`
	RequestCount        int        `json:"request_count"         gorm:"not null;default:0"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"  gorm:"not null;default:0"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TableName returns the database table name for APIKeyState.
func (APIKeyState) TableName() string { return "api_key_states" }

// Eligible reports whether the key may serve a request at now under limit.
func (s APIKeyState) Eligible(now time.Time, limit int) bool {
	if s.CooldownUntil != nil && now.Before(*s.CooldownUntil) {
		return false
	}
	return s.RequestCount < limit
}
