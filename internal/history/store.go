package history

import (
	"context"

	"gorm.io/gorm"
)

// LocalStore lists the device-scoped history cache. On a device this is local
// storage; server-side it is the device-keyed rows of the history table.
type LocalStore interface {
	List(ctx context.Context, deviceID string) ([]Record, error)
	Append(ctx context.Context, record Record) error
}

// CloudStore inserts history records under an authenticated account.
type CloudStore interface {
	Insert(ctx context.Context, userID string, record Record) error
	ListByUser(ctx context.Context, userID string) ([]Record, error)
}

// GormStore implements both halves over the shared database handle.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps the database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// List returns the device's history records, oldest first.
func (s *GormStore) List(ctx context.Context, deviceID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND user_id = ''", deviceID).
		Order("created_at_s ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Append stores a new anonymous history record for the device.
func (s *GormStore) Append(ctx context.Context, record Record) error {
	return s.db.WithContext(ctx).Create(&record).Error
}

// Insert stores a migrated copy of record under userID.
func (s *GormStore) Insert(ctx context.Context, userID string, record Record) error {
	record.UserID = userID
	return s.db.WithContext(ctx).Create(&record).Error
}

// ListByUser returns the account's history records, oldest first.
func (s *GormStore) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at_s ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
