package history

import "time"

// Record is one metered-operation history entry. Anonymous-era records carry
// only a device id; migrated copies carry the owning account's user id.
type Record struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	DeviceID         string `gorm:"column:device_id;size:190;index:idx_history_device"`
	UserID           string `gorm:"column:user_id;size:190;index:idx_history_user"`
	PromptText       string `gorm:"column:prompt_text;type:text;not null"`
	ResultText       string `gorm:"column:result_text;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "history_records"
}

// MigrationBatch summarizes one anonymous-to-account history migration pass.
// Ephemeral: one per login event, never replayed or persisted.
type MigrationBatch struct {
	DeviceID      string    `json:"device_id"`
	UserID        string    `json:"user_id"`
	MigratedCount int       `json:"migrated_count"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
}
