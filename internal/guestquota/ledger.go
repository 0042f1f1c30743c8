// Package guestquota enforces the small fixed daily allotment granted to
// anonymous devices. Unlike the elapsed-duration windows in ratelimit, the
// quota resets at a calendar-day boundary in the configured zone, and the
// reset happens lazily on any read, never via a background timer.
//
// The zone (and therefore the boundary) follows whatever the deployment
// configures, typically the zone reported by the device. A device clock skewed
// backward can make a ledger reset more than once per physical day; that is an
// accepted limitation of client-trusted time.
package guestquota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dateLayout = "2006-01-02"

var errMissingDatabase = errors.New("guestquota: database handle is required")

// LedgerConfig configures a Ledger. Clock defaults to time.Now and Location
// to time.Local.
type LedgerConfig struct {
	Database   *gorm.DB
	DailyLimit int
	Clock      func() time.Time
	Location   *time.Location
}

// Ledger owns guest usage rows keyed by device id.
type Ledger struct {
	db       *gorm.DB
	limit    int
	clock    func() time.Time
	location *time.Location
}

// NewLedger constructs the ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.DailyLimit <= 0 {
		return nil, fmt.Errorf("guestquota: daily limit must be positive, got %d", cfg.DailyLimit)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	return &Ledger{
		db:       cfg.Database,
		limit:    cfg.DailyLimit,
		clock:    clock,
		location: location,
	}, nil
}

// Remaining reports how many credits the device still has today.
func (l *Ledger) Remaining(ctx context.Context, deviceID string) (int, error) {
	stats, err := l.Stats(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	return stats.Remaining, nil
}

// HasCredits reports whether the device can afford cost without consuming it.
func (l *Ledger) HasCredits(ctx context.Context, deviceID string, cost int) (bool, error) {
	remaining, err := l.Remaining(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return cost <= remaining, nil
}

// Deduct consumes cost credits for the device. It returns false with the
// ledger unchanged when the remaining budget does not cover the full cost;
// there are no partial deductions.
func (l *Ledger) Deduct(ctx context.Context, deviceID string, cost int) (bool, error) {
	if cost <= 0 {
		return false, fmt.Errorf("guestquota: cost must be positive, got %d", cost)
	}

	applied := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage, err := l.currentUsage(tx, deviceID)
		if err != nil {
			return err
		}
		if usage.Count+cost > l.limit {
			return nil
		}
		usage.Count += cost
		usage.LastUsed = l.clock().In(l.location)
		if err := tx.Save(usage).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Stats returns the device's budget snapshot after applying any pending
// day-boundary reset.
func (l *Ledger) Stats(ctx context.Context, deviceID string) (Stats, error) {
	var stats Stats
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage, err := l.currentUsage(tx, deviceID)
		if err != nil {
			return err
		}
		remaining := l.limit - usage.Count
		if remaining < 0 {
			remaining = 0
		}
		stats = Stats{
			Used:          usage.Count,
			Total:         l.limit,
			Remaining:     remaining,
			ResetDate:     usage.ResetDate,
			NextResetTime: l.nextReset(),
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// RecordFingerprint attaches the advisory fingerprint hash to the usage row.
func (l *Ledger) RecordFingerprint(ctx context.Context, deviceID, fingerprintHash string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage, err := l.currentUsage(tx, deviceID)
		if err != nil {
			return err
		}
		if usage.Fingerprint == fingerprintHash {
			return nil
		}
		usage.Fingerprint = fingerprintHash
		return tx.Save(usage).Error
	})
}

// currentUsage loads (or lazily creates) the usage row under a row lock and
// applies the day-boundary reset when the stored date differs from today.
func (l *Ledger) currentUsage(tx *gorm.DB, deviceID string) (*GuestUsage, error) {
	now := l.clock().In(l.location)
	today := now.Format(dateLayout)

	var usage GuestUsage
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("device_id = ?", deviceID).
		Take(&usage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		usage = GuestUsage{
			DeviceID:   deviceID,
			Count:      0,
			ResetDate:  today,
			FirstVisit: now,
			LastUsed:   now,
		}
		if err := tx.Create(&usage).Error; err != nil {
			return nil, err
		}
		return &usage, nil
	}
	if err != nil {
		return nil, err
	}

	if usage.ResetDate != today {
		usage.Count = 0
		usage.ResetDate = today
		if err := tx.Save(&usage).Error; err != nil {
			return nil, err
		}
	}
	return &usage, nil
}

// nextReset is the upcoming midnight in the ledger's zone.
func (l *Ledger) nextReset() time.Time {
	now := l.clock().In(l.location)
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, l.location).AddDate(0, 0, 1)
}
