package settings

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("settings: invalid user id")
	// ErrInvalidField indicates an unknown preference field name.
	ErrInvalidField = errors.New("settings: invalid field")
)

// UserID represents a validated account identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Settings is the user preference record. Two physical copies may exist, one
// device-local and one cloud-side, until reconciliation makes a single logical
// value authoritative.
type Settings struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	InterfaceLanguage string `gorm:"column:interface_language;size:32;not null;default:''" json:"interface_language"`
	OutputLanguage    string `gorm:"column:output_language;size:32;not null;default:''" json:"output_language"`
	Theme             string `gorm:"column:theme;size:32;not null;default:''" json:"theme"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null;default:0" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Settings) TableName() string {
	return "user_settings"
}

// EqualPreferences compares the preference fields, ignoring bookkeeping
// columns: two snapshots with the same languages and theme are one logical
// value regardless of when each copy was written.
func (s Settings) EqualPreferences(other Settings) bool {
	return s.InterfaceLanguage == other.InterfaceLanguage &&
		s.OutputLanguage == other.OutputLanguage &&
		s.Theme == other.Theme
}

// Field names accepted by the write-through single-field update.
const (
	FieldInterfaceLanguage = "interface_language"
	FieldOutputLanguage    = "output_language"
	FieldTheme             = "theme"
)

func applyField(snapshot *Settings, field, value string) error {
	switch field {
	case FieldInterfaceLanguage:
		snapshot.InterfaceLanguage = value
	case FieldOutputLanguage:
		snapshot.OutputLanguage = value
	case FieldTheme:
		snapshot.Theme = value
	default:
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	return nil
}

// SyncState enumerates the per-login reconciliation state machine.
type SyncState string

const (
	StateIdle            SyncState = "idle"
	StateSyncing         SyncState = "syncing"
	StateSuccess         SyncState = "success"
	StateError           SyncState = "error"
	StateConflictPending SyncState = "conflict_pending"
)

// ResolutionPolicy selects how a divergent snapshot pair is settled.
type ResolutionPolicy string

const (
	// PolicyCloudWins adopts the cloud snapshot and rewrites local only.
	PolicyCloudWins ResolutionPolicy = "cloud-wins"
	// PolicyLocalWins keeps the local snapshot and pushes it to cloud.
	PolicyLocalWins ResolutionPolicy = "local-wins"
	// PolicyManual surfaces both snapshots and waits for an explicit choice.
	PolicyManual ResolutionPolicy = "manual"
)

// ParseResolutionPolicy validates a policy string.
func ParseResolutionPolicy(value string) (ResolutionPolicy, error) {
	switch ResolutionPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case PolicyCloudWins:
		return PolicyCloudWins, nil
	case PolicyLocalWins:
		return PolicyLocalWins, nil
	case PolicyManual, "":
		return PolicyManual, nil
	default:
		return "", fmt.Errorf("settings: unknown resolution policy %q", value)
	}
}

// SyncResult describes one reconciliation attempt. It is transient: every
// login produces a fresh one and nothing here is persisted.
type SyncResult struct {
	Success          bool      `json:"success"`
	Synced           bool      `json:"synced"`
	UsedCloud        bool      `json:"used_cloud"`
	HasConflict      bool      `json:"has_conflict"`
	CloudSnapshot    *Settings `json:"cloud_snapshot,omitempty"`
	LocalSnapshot    *Settings `json:"local_snapshot,omitempty"`
	ResolvedSettings Settings  `json:"resolved_settings"`
	Err              error     `json:"-"`
}
