package guestquota

import "time"

// GuestUsage tracks the daily metered-operation count for one anonymous
// device. ResetDate is a calendar date in the configured zone, so the reset is
// day-boundary-based rather than elapsed-duration-based. Rows reset daily but
// are never deleted.
type GuestUsage struct {
	DeviceID    string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	Count       int       `gorm:"column:count;not null;default:0"`
	ResetDate   string    `gorm:"column:reset_date;size:10;not null"`
	FirstVisit  time.Time `gorm:"column:first_visit;not null"`
	LastUsed    time.Time `gorm:"column:last_used;not null"`
	Fingerprint string    `gorm:"column:fingerprint;size:64"`
}

// TableName provides the explicit table binding for GORM.
func (GuestUsage) TableName() string {
	return "guest_usage"
}

// Stats is the caller-facing snapshot of a device's daily budget.
type Stats struct {
	Used          int       `json:"used"`
	Total         int       `json:"total"`
	Remaining     int       `json:"remaining"`
	ResetDate     string    `json:"reset_date"`
	NextResetTime time.Time `json:"next_reset_time"`
}
