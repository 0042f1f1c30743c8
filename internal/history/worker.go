// Package history stores metered-operation history and migrates a device's
// anonymous records into an authenticated account at login.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingLocalStore = errors.New("history: local store is required")
	errMissingCloudStore = errors.New("history: cloud store is required")
	errMissingIDProvider = errors.New("history: id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for migrated record copies.
type IDProvider interface {
	NewID() (string, error)
}

// Notifier receives the one-time migration notification.
type Notifier interface {
	MigrationCompleted(userID string, count int)
}

type noopNotifier struct{}

func (noopNotifier) MigrationCompleted(string, int) {}

// WorkerConfig configures a migration Worker.
type WorkerConfig struct {
	Local      LocalStore
	Cloud      CloudStore
	IDProvider IDProvider
	Notifier   Notifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Worker copies a device's anonymous history into an account's cloud store.
//
// The pass is deliberately not idempotent against repeated logins: local
// records are kept as a device cache rather than deleted, so a re-login with
// the cache still present re-attempts migration of whatever remains. Callers
// that want exactly-once semantics must clear the local records themselves.
type Worker struct {
	local    LocalStore
	cloud    CloudStore
	ids      IDProvider
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewWorker constructs the worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Local == nil {
		return nil, errMissingLocalStore
	}
	if cfg.Cloud == nil {
		return nil, errMissingCloudStore
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Worker{
		local:    cfg.Local,
		cloud:    cfg.Cloud,
		ids:      cfg.IDProvider,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Migrate copies every local record for deviceID into userID's cloud history.
// A record that fails to insert is skipped, not retried, and does not block
// the remaining records. The migration notification fires only when at least
// one record landed.
func (w *Worker) Migrate(ctx context.Context, deviceID, userID string) (MigrationBatch, error) {
	batch := MigrationBatch{
		DeviceID:  deviceID,
		UserID:    userID,
		StartedAt: w.clock().UTC(),
	}

	records, err := w.local.List(ctx, deviceID)
	if err != nil {
		return batch, fmt.Errorf("history: listing device records: %w", err)
	}

	for _, record := range records {
		copyID, err := w.ids.NewID()
		if err != nil {
			w.logger.Warn("history migration skipped record",
				zap.String("device_id", deviceID),
				zap.String("user_id", userID),
				zap.String("record_id", record.RecordID),
				zap.Error(err))
			continue
		}
		migrated := record
		migrated.RecordID = copyID
		migrated.DeviceID = deviceID
		if err := w.cloud.Insert(ctx, userID, migrated); err != nil {
			w.logger.Warn("history migration skipped record",
				zap.String("device_id", deviceID),
				zap.String("user_id", userID),
				zap.String("record_id", record.RecordID),
				zap.Error(err))
			continue
		}
		batch.MigratedCount++
	}

	batch.CompletedAt = w.clock().UTC()
	if batch.MigratedCount > 0 {
		w.notifier.MigrationCompleted(userID, batch.MigratedCount)
	}
	return batch, nil
}
