// Package settings reconciles the device-local and cloud copies of a user's
// preferences. Reconciliation runs once per login; divergent snapshots are
// settled last-writer-style by an explicit policy, with manual arbitration
// surfaced to the caller when no policy is supplied.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingLocalStore = errors.New("local store is required")
	errMissingCloudStore = errors.New("cloud store is required")
	errNoPendingConflict = errors.New("no pending conflict for user")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew   = "settings.engine.new"
	opReconcile   = "settings.reconcile"
	opResolve     = "settings.resolve"
	opUpdateField = "settings.update_field"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Notifier receives the user-visible reconciliation events. The UI layer
// renders them; the engine never renders anything itself.
type Notifier interface {
	SyncSucceeded(userID string)
	SyncFailed(userID string)
	ConflictDetected(userID string, local, cloud Settings)
}

type noopNotifier struct{}

func (noopNotifier) SyncSucceeded(string)                        {}
func (noopNotifier) SyncFailed(string)                           {}
func (noopNotifier) ConflictDetected(string, Settings, Settings) {}

// sessionIdleTTL bounds how long an untouched login session survives in the
// engine. It matches the session token lifetime; a session idle past it can no
// longer be acted on by an authenticated caller.
const sessionIdleTTL = 24 * time.Hour

// loginSession tracks per-login reconciliation state for one account: the
// state machine position, the pending conflict snapshots, and whether a
// notification already fired this login.
type loginSession struct {
	state        SyncState
	notified     bool
	pendingLocal Settings
	pendingCloud Settings
	touchedAt    time.Time
}

// EngineConfig configures the reconciliation engine.
type EngineConfig struct {
	Local    LocalStore
	Cloud    CloudStore
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine compares local and cloud preference snapshots and produces one
// authoritative value per login.
type Engine struct {
	local    LocalStore
	cloud    CloudStore
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*loginSession
}

// NewEngine constructs the engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Local == nil {
		return nil, newServiceError(opEngineNew, "missing_local_store", errMissingLocalStore)
	}
	if cfg.Cloud == nil {
		return nil, newServiceError(opEngineNew, "missing_cloud_store", errMissingCloudStore)
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
	return &Engine{
		local:    cfg.Local,
		cloud:    cfg.Cloud,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*loginSession),
	}, nil
}

// BeginSession resets the per-login state for an account. The login
// coordinator calls this exactly once per login event before reconciling.
// Each call also sweeps sessions idle past sessionIdleTTL so the map stays
// bounded over the process lifetime.
func (e *Engine) BeginSession(userID string) {
	now := e.clock()
	e.mu.Lock()
	for id, session := range e.sessions {
		if now.Sub(session.touchedAt) >= sessionIdleTTL {
			delete(e.sessions, id)
		}
	}
	e.sessions[userID] = &loginSession{state: StateIdle, touchedAt: now}
	e.mu.Unlock()
}

// State reports the state machine position for an account's current login.
func (e *Engine) State(userID string) SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[userID]
	if !ok {
		return StateIdle
	}
	return session.state
}

// Reconcile compares the local and cloud snapshots for userID and settles
// them under the supplied policy. A divergence under PolicyManual transitions
// to ConflictPending and mutates nothing until Resolve is called.
func (e *Engine) Reconcile(ctx context.Context, userID UserID, policy ResolutionPolicy) (SyncResult, error) {
	id := userID.String()
	session := e.session(id)
	e.setState(session, StateSyncing)

	localSnapshot, localFound, err := e.local.Get(ctx, id)
	if err != nil {
		return e.fail(session, id, opReconcile, "local_read_failed", err)
	}
	cloudSnapshot, cloudFound, err := e.cloud.Get(ctx, id)
	if err != nil {
		return e.fail(session, id, opReconcile, "cloud_read_failed", err)
	}

	if !localFound && !cloudFound {
		// First contact on a fresh device and account: seed both sides with
		// defaults so later field updates have a row to land on.
		seeded := Settings{UserID: id, UpdatedAtSeconds: e.clock().UTC().Unix()}
		if err := e.local.Upsert(ctx, id, seeded); err != nil {
			return e.fail(session, id, opReconcile, "local_seed_failed", err)
		}
		if err := e.cloud.Upsert(ctx, id, seeded); err != nil {
			return e.fail(session, id, opReconcile, "cloud_seed_failed", err)
		}
		return e.succeed(session, id, SyncResult{Success: true, Synced: true, UsedCloud: false, ResolvedSettings: seeded}), nil
	}

	if !cloudFound {
		// Cloud has never seen this account: upload the local snapshot verbatim.
		if err := e.cloud.Upsert(ctx, id, localSnapshot); err != nil {
			return e.fail(session, id, opReconcile, "cloud_upload_failed", err)
		}
		return e.succeed(session, id, SyncResult{Success: true, Synced: true, UsedCloud: false, ResolvedSettings: localSnapshot}), nil
	}

	if !localFound {
		if err := e.local.Upsert(ctx, id, cloudSnapshot); err != nil {
			return e.fail(session, id, opReconcile, "local_adopt_failed", err)
		}
		return e.succeed(session, id, SyncResult{Success: true, Synced: true, UsedCloud: true, ResolvedSettings: cloudSnapshot}), nil
	}

	if localSnapshot.EqualPreferences(cloudSnapshot) {
		// Field-for-field equal: adopt cloud, nothing to write.
		return e.succeed(session, id, SyncResult{Success: true, Synced: true, UsedCloud: true, ResolvedSettings: cloudSnapshot}), nil
	}

	switch policy {
	case PolicyCloudWins:
		if err := e.local.Upsert(ctx, id, cloudSnapshot); err != nil {
			return e.fail(session, id, opReconcile, "local_write_failed", err)
		}
		return e.succeed(session, id, SyncResult{Success: true, Synced: true, UsedCloud: true, ResolvedSettings: cloudSnapshot}), nil
	case PolicyLocalWins:
		if err := e.cloud.Upsert(ctx, id, localSnapshot); err != nil {
			return e.fail(session, id, opReconcile, "cloud_write_failed", err)
		}
		return e.succeed(session, id, SyncResult{Success: true, Synced: true, UsedCloud: false, ResolvedSettings: localSnapshot}), nil
	default:
		e.mu.Lock()
		session.state = StateConflictPending
		session.pendingLocal = localSnapshot
		session.pendingCloud = cloudSnapshot
		alreadyNotified := session.notified
		session.notified = true
		e.mu.Unlock()
		if !alreadyNotified {
			e.notifier.ConflictDetected(id, localSnapshot, cloudSnapshot)
		}
		local := localSnapshot
		cloud := cloudSnapshot
		return SyncResult{
			Success:       false,
			HasConflict:   true,
			LocalSnapshot: &local,
			CloudSnapshot: &cloud,
		}, nil
	}
}

// Resolve applies the caller-supplied decision for a pending conflict. The
// winning snapshot is written to local storage and, unless the cloud copy was
// chosen unchanged, pushed to cloud.
func (e *Engine) Resolve(ctx context.Context, userID UserID, chosen Settings) (SyncResult, error) {
	id := userID.String()
	session := e.session(id)

	e.mu.Lock()
	if session.state != StateConflictPending {
		e.mu.Unlock()
		return SyncResult{}, newServiceError(opResolve, "no_pending_conflict", errNoPendingConflict)
	}
	pendingCloud := session.pendingCloud
	session.state = StateSyncing
	e.mu.Unlock()

	chosen.UserID = id
	chosen.UpdatedAtSeconds = e.clock().UTC().Unix()

	if err := e.local.Upsert(ctx, id, chosen); err != nil {
		return e.fail(session, id, opResolve, "local_write_failed", err)
	}
	usedCloud := chosen.EqualPreferences(pendingCloud)
	if !usedCloud {
		if err := e.cloud.Upsert(ctx, id, chosen); err != nil {
			return e.fail(session, id, opResolve, "cloud_write_failed", err)
		}
	}

	e.mu.Lock()
	session.state = StateSuccess
	session.pendingLocal = Settings{}
	session.pendingCloud = Settings{}
	e.mu.Unlock()
	e.notifier.SyncSucceeded(id)
	return SyncResult{Success: true, Synced: true, UsedCloud: usedCloud, ResolvedSettings: chosen}, nil
}

// UpdateField writes a single preference change while authenticated. It
// bypasses conflict detection: the local write is unconditional, the cloud
// write follows as its own half and its failure is reported without rolling
// the local value back. Local always reflects user intent immediately.
func (e *Engine) UpdateField(ctx context.Context, userID UserID, field, value string) error {
	id := userID.String()

	snapshot, localFound, err := e.local.Get(ctx, id)
	if err != nil {
		return newServiceError(opUpdateField, "local_read_failed", err)
	}
	if !localFound {
		// A cleared local store must not zero out the account's other
		// preferences: base the update on the cloud copy instead.
		cloudSnapshot, cloudFound, err := e.cloud.Get(ctx, id)
		if err != nil {
			return newServiceError(opUpdateField, "cloud_read_failed", err)
		}
		if cloudFound {
			snapshot = cloudSnapshot
		}
	}
	snapshot.UserID = id
	if err := applyField(&snapshot, field, value); err != nil {
		return newServiceError(opUpdateField, "invalid_field", err)
	}
	snapshot.UpdatedAtSeconds = e.clock().UTC().Unix()

	if err := e.local.Upsert(ctx, id, snapshot); err != nil {
		return newServiceError(opUpdateField, "local_write_failed", err)
	}
	if err := e.cloud.Upsert(ctx, id, snapshot); err != nil {
		e.logError(opUpdateField, "cloud_write_failed", err, zap.String("user_id", id))
		return newServiceError(opUpdateField, "cloud_write_failed", err)
	}
	return nil
}

func (e *Engine) session(userID string) *loginSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[userID]
	if !ok {
		session = &loginSession{state: StateIdle}
		e.sessions[userID] = session
	}
	session.touchedAt = e.clock()
	return session
}

func (e *Engine) setState(session *loginSession, state SyncState) {
	e.mu.Lock()
	session.state = state
	e.mu.Unlock()
}

// succeed records the terminal Success state and emits sync-succeeded unless a
// notification already fired this login session.
func (e *Engine) succeed(session *loginSession, userID string, result SyncResult) SyncResult {
	e.mu.Lock()
	session.state = StateSuccess
	alreadyNotified := session.notified
	session.notified = true
	e.mu.Unlock()
	if !alreadyNotified {
		e.notifier.SyncSucceeded(userID)
	}
	return result
}

func (e *Engine) fail(session *loginSession, userID, operation, reason string, cause error) (SyncResult, error) {
	e.mu.Lock()
	session.state = StateError
	alreadyNotified := session.notified
	session.notified = true
	e.mu.Unlock()
	if !alreadyNotified {
		e.notifier.SyncFailed(userID)
	}
	e.logError(operation, reason, cause, zap.String("user_id", userID))
	err := newServiceError(operation, reason, cause)
	return SyncResult{Success: false, Err: err}, err
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("settings engine error", attrs...)
}
