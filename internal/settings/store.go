package settings

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LocalStore is the device-scoped preference store. On a real device this is
// backed by local storage; server-side tests and single-box deployments use
// the in-memory implementation. Absence is reported via found=false.
type LocalStore interface {
	Get(ctx context.Context, userID string) (Settings, bool, error)
	Upsert(ctx context.Context, userID string, snapshot Settings) error
}

// CloudStore is the durable account-scoped preference store.
type CloudStore interface {
	Get(ctx context.Context, userID string) (Settings, bool, error)
	Upsert(ctx context.Context, userID string, snapshot Settings) error
}

// GormCloudStore persists settings through the shared database handle.
type GormCloudStore struct {
	db *gorm.DB
}

// NewGormCloudStore wraps the database handle.
func NewGormCloudStore(db *gorm.DB) *GormCloudStore {
	return &GormCloudStore{db: db}
}

// Get loads the account's settings row. A missing row is not an error.
func (s *GormCloudStore) Get(ctx context.Context, userID string) (Settings, bool, error) {
	var snapshot Settings
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, err
	}
	return snapshot, true, nil
}

// Upsert writes the snapshot for the account, replacing any prior row.
func (s *GormCloudStore) Upsert(ctx context.Context, userID string, snapshot Settings) error {
	snapshot.UserID = userID
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&snapshot).Error
}

// MemoryLocalStore keeps per-user snapshots in process memory.
type MemoryLocalStore struct {
	mu        sync.RWMutex
	snapshots map[string]Settings
}

// NewMemoryLocalStore constructs an empty local store.
func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{snapshots: make(map[string]Settings)}
}

// Get returns the stored snapshot for userID.
func (s *MemoryLocalStore) Get(_ context.Context, userID string) (Settings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, found := s.snapshots[userID]
	return snapshot, found, nil
}

// Upsert replaces the stored snapshot for userID.
func (s *MemoryLocalStore) Upsert(_ context.Context, userID string, snapshot Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot.UserID = userID
	s.snapshots[userID] = snapshot
	return nil
}
