package accounts

import (
	"strings"
	"time"
)

// Profile captures what is known about an authenticated user, refreshed from
// the identity assertion on every login.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LoginCount  int64     `gorm:"column:login_count;not null"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;autoCreateTime"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
}

// TableName exposes the table backing account profiles.
func (Profile) TableName() string {
	return "account_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
