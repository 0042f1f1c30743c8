// Package credits meters authenticated accounts. The balance check and the
// decrement are one indivisible step inside a database transaction, so two
// tabs (or two server instances) racing on the same account can never spend
// the same credit twice.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase  = errors.New("credits: database handle is required")
	errBalanceConflict  = errors.New("credits: conditional balance update matched no row")
	errDuplicateInRace  = errors.New("credits: operation id landed concurrently")
	errUnknownTier      = errors.New("credits: unknown tier")
	errInvalidOperation = errors.New("credits: operation id is required")
	noOpLogger          = zap.NewNop()
)

// LedgerConfig configures the credit ledger. Plans maps each tier to its
// allotment; the free tier plan is required since accounts default to it.
type LedgerConfig struct {
	Database *gorm.DB
	Plans    map[Tier]TierPlan
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Ledger owns credit accounts and their deduction records.
type Ledger struct {
	db     *gorm.DB
	plans  map[Tier]TierPlan
	clock  func() time.Time
	logger *zap.Logger
}

// NewLedger constructs the ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if _, ok := cfg.Plans[TierFree]; !ok {
		return nil, fmt.Errorf("credits: free tier plan is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		db:     cfg.Database,
		plans:  cfg.Plans,
		clock:  clock,
		logger: logger,
	}, nil
}

// Account returns the user's credit account, creating it lazily with the free
// tier allotment and applying any due renewal.
func (l *Ledger) Account(ctx context.Context, userID string) (CreditAccount, error) {
	var account CreditAccount
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := l.currentAccount(tx, userID)
		if err != nil {
			return err
		}
		account = *loaded
		return nil
	})
	if err != nil {
		return CreditAccount{}, err
	}
	return account, nil
}

// Deduct atomically spends cost credits for one operation. A repeated call
// with an already-applied operation id is a no-op reporting the prior result.
// Insufficient balance returns Applied=false with the account untouched.
func (l *Ledger) Deduct(ctx context.Context, userID, operationID string, cost int64) (DeductionResult, error) {
	if operationID == "" {
		return DeductionResult{}, errInvalidOperation
	}
	if cost <= 0 {
		return DeductionResult{}, fmt.Errorf("credits: cost must be positive, got %d", cost)
	}

	result, err := l.deductOnce(ctx, userID, operationID, cost)
	if errors.Is(err, errDuplicateInRace) {
		// Another writer applied the same operation id between our duplicate
		// check and insert; re-running takes the duplicate path.
		result, err = l.deductOnce(ctx, userID, operationID, cost)
	}
	if err != nil {
		l.logger.Error("credit deduction failed",
			zap.String("user_id", userID),
			zap.String("operation_id", operationID),
			zap.Error(err))
		return DeductionResult{}, err
	}
	return result, nil
}

func (l *Ledger) deductOnce(ctx context.Context, userID, operationID string, cost int64) (DeductionResult, error) {
	var result DeductionResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior DeductionRecord
		err := tx.Where("user_id = ? AND operation_id = ?", userID, operationID).Take(&prior).Error
		if err == nil {
			result = DeductionResult{Applied: true, Remaining: prior.RemainingAfter, Duplicate: true}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		account, err := l.currentAccount(tx, userID)
		if err != nil {
			return err
		}

		if account.RemainingCredits < cost {
			result = DeductionResult{Applied: false, Remaining: account.RemainingCredits}
			return nil
		}

		// Conditional decrement: the balance guard repeats inside the UPDATE
		// so the check and the write stay one step even outside the row lock.
		update := tx.Model(&CreditAccount{}).
			Where("user_id = ? AND remaining_credits >= ?", userID, cost).
			UpdateColumn("remaining_credits", gorm.Expr("remaining_credits - ?", cost))
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return errBalanceConflict
		}

		remaining := account.RemainingCredits - cost
		record := DeductionRecord{
			OperationID:      operationID,
			UserID:           userID,
			Cost:             cost,
			RemainingAfter:   remaining,
			AppliedAtSeconds: l.clock().UTC().Unix(),
		}
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateInRace
			}
			return err
		}

		result = DeductionResult{Applied: true, Remaining: remaining}
		return nil
	})
	if err != nil {
		return DeductionResult{}, err
	}
	return result, nil
}

// SetTier upgrades (or downgrades) the account to the named tier, refilling
// the balance to the new plan's allotment and restarting its renewal cycle.
func (l *Ledger) SetTier(ctx context.Context, userID string, tier Tier) (CreditAccount, error) {
	plan, ok := l.plans[tier]
	if !ok {
		return CreditAccount{}, fmt.Errorf("%w: %q", errUnknownTier, tier)
	}

	var account CreditAccount
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := l.currentAccount(tx, userID)
		if err != nil {
			return err
		}
		loaded.Tier = string(tier)
		loaded.TotalCredits = plan.Total
		loaded.RemainingCredits = plan.Total
		loaded.ResetCycle = string(plan.Cycle)
		loaded.RenewalDateSeconds = nextRenewal(l.clock().UTC(), plan.Cycle).Unix()
		if err := tx.Save(loaded).Error; err != nil {
			return err
		}
		account = *loaded
		return nil
	})
	if err != nil {
		return CreditAccount{}, err
	}
	return account, nil
}

// currentAccount loads the account row under a row lock, creating it with the
// free plan when absent and refilling it when the renewal date has passed.
// Renewal is driven purely by this read-time comparison; there is no timer.
func (l *Ledger) currentAccount(tx *gorm.DB, userID string) (*CreditAccount, error) {
	now := l.clock().UTC()

	var account CreditAccount
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		plan := l.plans[TierFree]
		account = CreditAccount{
			UserID:             userID,
			Tier:               string(TierFree),
			RemainingCredits:   plan.Total,
			TotalCredits:       plan.Total,
			ResetCycle:         string(plan.Cycle),
			RenewalDateSeconds: nextRenewal(now, plan.Cycle).Unix(),
		}
		if err := tx.Create(&account).Error; err != nil {
			return nil, err
		}
		return &account, nil
	}
	if err != nil {
		return nil, err
	}

	if now.Unix() >= account.RenewalDateSeconds {
		account.RemainingCredits = account.TotalCredits
		renewal := time.Unix(account.RenewalDateSeconds, 0).UTC()
		cycle := ResetCycle(account.ResetCycle)
		for !renewal.After(now) {
			renewal = nextRenewal(renewal, cycle)
		}
		account.RenewalDateSeconds = renewal.Unix()
		if err := tx.Save(&account).Error; err != nil {
			return nil, err
		}
	}
	return &account, nil
}

// nextRenewal returns the boundary following now for the cycle: the next UTC
// midnight for daily plans, the first of the next month for monthly plans.
func nextRenewal(now time.Time, cycle ResetCycle) time.Time {
	year, month, day := now.Date()
	switch cycle {
	case CycleMonthly:
		return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
}
