// Package login runs the post-authentication pipeline: one preference
// reconciliation pass and one history migration pass per login.
package login

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promptloom/backend/internal/credits"
	"github.com/promptloom/backend/internal/history"
	"github.com/promptloom/backend/internal/settings"
)

var (
	errMissingEngine = errors.New("login: reconciliation engine is required")
	errMissingWorker = errors.New("login: migration worker is required")
	errMissingLedger = errors.New("login: credit ledger is required")
	noOpLogger       = zap.NewNop()
)

// Outcome summarizes one login pipeline run.
type Outcome struct {
	UserID        string                 `json:"user_id"`
	Sync          settings.SyncResult    `json:"sync"`
	Migration     history.MigrationBatch `json:"migration"`
	Account       credits.CreditAccount  `json:"account"`
	AlreadyActive bool                   `json:"already_active"`
}

// CoordinatorConfig configures the login coordinator.
type CoordinatorConfig struct {
	Engine *settings.Engine
	Worker *history.Worker
	Ledger *credits.Ledger
	Clock  func() time.Time
	Logger *zap.Logger
}

// Coordinator triggers reconciliation and migration exactly once per login.
// A login arriving while the same user's pipeline is still running reuses
// the first run's outcome instead of starting a second pass.
type Coordinator struct {
	engine *settings.Engine
	worker *history.Worker
	ledger *credits.Ledger
	clock  func() time.Time
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*inflight
}

type inflight struct {
	done    chan struct{}
	outcome Outcome
	err     error
}

// NewCoordinator constructs the coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	if cfg.Worker == nil {
		return nil, errMissingWorker
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		engine: cfg.Engine,
		worker: cfg.Worker,
		ledger: cfg.Ledger,
		clock:  clock,
		logger: logger,
		active: make(map[string]*inflight),
	}, nil
}

// HandleLogin runs the pipeline for the authenticated user: begin a fresh
// reconciliation session, reconcile preferences under the given policy, then
// migrate the device's anonymous history into the account and surface the
// credit balance. A reconciliation that ends in conflict does not block the
// migration; the conflict stays pending for an explicit resolve call.
func (c *Coordinator) HandleLogin(ctx context.Context, userID settings.UserID, deviceID string, policy settings.ResolutionPolicy) (Outcome, error) {
	id := userID.String()

	c.mu.Lock()
	if run, ok := c.active[id]; ok {
		c.mu.Unlock()
		select {
		case <-run.done:
			outcome := run.outcome
			outcome.AlreadyActive = true
			return outcome, run.err
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	run := &inflight{done: make(chan struct{})}
	c.active[id] = run
	c.mu.Unlock()

	defer func() {
		close(run.done)
		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()
	}()

	run.outcome, run.err = c.runPipeline(ctx, userID, deviceID, policy)
	return run.outcome, run.err
}

func (c *Coordinator) runPipeline(ctx context.Context, userID settings.UserID, deviceID string, policy settings.ResolutionPolicy) (Outcome, error) {
	id := userID.String()
	outcome := Outcome{UserID: id}

	c.engine.BeginSession(id)
	syncResult, err := c.engine.Reconcile(ctx, userID, policy)
	if err != nil {
		c.logger.Error("login reconciliation failed",
			zap.String("user_id", id),
			zap.Error(err))
		return outcome, err
	}
	outcome.Sync = syncResult

	if deviceID != "" {
		batch, err := c.worker.Migrate(ctx, deviceID, id)
		if err != nil {
			c.logger.Error("login migration failed",
				zap.String("user_id", id),
				zap.String("device_id", deviceID),
				zap.Error(err))
			return outcome, err
		}
		outcome.Migration = batch
	}

	account, err := c.ledger.Account(ctx, id)
	if err != nil {
		return outcome, err
	}
	outcome.Account = account
	return outcome, nil
}
