package events

import "github.com/promptloom/backend/internal/settings"

// SettingsNotifier publishes preference reconciliation outcomes.
type SettingsNotifier struct {
	dispatcher *Dispatcher
}

// NewSettingsNotifier wraps the dispatcher for the reconciliation engine.
func NewSettingsNotifier(dispatcher *Dispatcher) *SettingsNotifier {
	return &SettingsNotifier{dispatcher: dispatcher}
}

func (n *SettingsNotifier) SyncSucceeded(userID string) {
	n.dispatcher.Publish(Message{UserID: userID, EventType: EventSyncSucceeded})
}

func (n *SettingsNotifier) SyncFailed(userID string) {
	n.dispatcher.Publish(Message{UserID: userID, EventType: EventSyncFailed})
}

func (n *SettingsNotifier) ConflictDetected(userID string, local, cloud settings.Settings) {
	n.dispatcher.Publish(Message{
		UserID:    userID,
		EventType: EventConflictDetected,
		Payload: map[string]any{
			"local": map[string]string{
				"interface_language": local.InterfaceLanguage,
				"output_language":    local.OutputLanguage,
				"theme":              local.Theme,
			},
			"cloud": map[string]string{
				"interface_language": cloud.InterfaceLanguage,
				"output_language":    cloud.OutputLanguage,
				"theme":              cloud.Theme,
			},
		},
	})
}

// MigrationNotifier publishes history migration completions.
type MigrationNotifier struct {
	dispatcher *Dispatcher
}

// NewMigrationNotifier wraps the dispatcher for the migration worker.
func NewMigrationNotifier(dispatcher *Dispatcher) *MigrationNotifier {
	return &MigrationNotifier{dispatcher: dispatcher}
}

func (n *MigrationNotifier) MigrationCompleted(userID string, count int) {
	n.dispatcher.Publish(Message{
		UserID:    userID,
		EventType: EventMigrationCompleted,
		Payload:   map[string]any{"migrated_count": count},
	})
}
