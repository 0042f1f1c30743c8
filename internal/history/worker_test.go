package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type countingNotifier struct {
	mu     sync.Mutex
	counts []int
}

func (n *countingNotifier) MigrationCompleted(_ string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts = append(n.counts, count)
}

type flakyCloudStore struct {
	inner    CloudStore
	failEach int
	calls    int
}

func (s *flakyCloudStore) Insert(ctx context.Context, userID string, record Record) error {
	s.calls++
	if s.failEach > 0 && s.calls%s.failEach == 0 {
		return errors.New("insert unavailable")
	}
	return s.inner.Insert(ctx, userID, record)
}

func (s *flakyCloudStore) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	return s.inner.ListByUser(ctx, userID)
}

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewGormStore(db)
}

func seedDeviceRecords(t *testing.T, store *GormStore, deviceID string, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		err := store.Append(context.Background(), Record{
			RecordID:         fmt.Sprintf("%s-record-%d", deviceID, i),
			DeviceID:         deviceID,
			PromptText:       fmt.Sprintf("prompt %d", i),
			CreatedAtSeconds: int64(1700000000 + i),
		})
		if err != nil {
			t.Fatalf("failed to seed record: %v", err)
		}
	}
}

func newTestWorker(t *testing.T, store *GormStore, cloud CloudStore, notifier Notifier) *Worker {
	t.Helper()
	if cloud == nil {
		cloud = store
	}
	worker, err := NewWorker(WorkerConfig{
		Local:      store,
		Cloud:      cloud,
		IDProvider: NewUUIDProvider(),
		Notifier:   notifier,
		Clock:      func() time.Time { return time.Unix(1700005000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	return worker
}

func TestMigrateCopiesAllDeviceRecords(t *testing.T) {
	store := newTestStore(t)
	notifier := &countingNotifier{}
	worker := newTestWorker(t, store, nil, notifier)
	seedDeviceRecords(t, store, "device-1", 5)

	batch, err := worker.Migrate(context.Background(), "device-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.MigratedCount != 5 {
		t.Fatalf("expected 5 migrated, got %d", batch.MigratedCount)
	}

	owned, err := store.ListByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(owned) != 5 {
		t.Fatalf("expected 5 account records, got %d", len(owned))
	}
	if len(notifier.counts) != 1 || notifier.counts[0] != 5 {
		t.Fatalf("expected one migration notification with count 5, got %v", notifier.counts)
	}
}

func TestMigrateIsNotIdempotentWhileLocalCacheRemains(t *testing.T) {
	store := newTestStore(t)
	worker := newTestWorker(t, store, nil, nil)
	seedDeviceRecords(t, store, "device-1", 5)

	first, err := worker.Migrate(context.Background(), "device-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Local records are kept as a cache, so a re-login migrates them again.
	second, err := worker.Migrate(context.Background(), "device-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.MigratedCount != 5 || second.MigratedCount != 5 {
		t.Fatalf("expected both passes to migrate 5, got %d and %d", first.MigratedCount, second.MigratedCount)
	}

	owned, _ := store.ListByUser(context.Background(), "user-1")
	if len(owned) != 10 {
		t.Fatalf("expected 10 account records after two passes, got %d", len(owned))
	}
}

func TestMigrateSkipsFailedInsertsWithoutAborting(t *testing.T) {
	store := newTestStore(t)
	flaky := &flakyCloudStore{inner: store, failEach: 2}
	notifier := &countingNotifier{}
	worker := newTestWorker(t, store, flaky, notifier)
	seedDeviceRecords(t, store, "device-1", 4)

	batch, err := worker.Migrate(context.Background(), "device-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.MigratedCount != 2 {
		t.Fatalf("expected 2 migrated with every second insert failing, got %d", batch.MigratedCount)
	}
	if len(notifier.counts) != 1 || notifier.counts[0] != 2 {
		t.Fatalf("expected notification with partial count, got %v", notifier.counts)
	}
}

func TestMigrateEmptyDeviceEmitsNoNotification(t *testing.T) {
	store := newTestStore(t)
	notifier := &countingNotifier{}
	worker := newTestWorker(t, store, nil, notifier)

	batch, err := worker.Migrate(context.Background(), "device-empty", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.MigratedCount != 0 {
		t.Fatalf("expected zero migrated, got %d", batch.MigratedCount)
	}
	if len(notifier.counts) != 0 {
		t.Fatalf("expected no notification for an empty batch, got %v", notifier.counts)
	}
}
