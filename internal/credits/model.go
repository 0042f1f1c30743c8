package credits

import "strings"

// Tier is an account's subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// ResetCycle is the cadence at which an account's allotment refills.
type ResetCycle string

const (
	CycleDaily   ResetCycle = "daily"
	CycleMonthly ResetCycle = "monthly"
)

// ParseTier validates a tier string, defaulting empty input to the free tier.
func ParseTier(value string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierFree, "":
		return TierFree, true
	case TierPro:
		return TierPro, true
	default:
		return "", false
	}
}

// TierPlan describes the allotment attached to a tier.
type TierPlan struct {
	Total int64
	Cycle ResetCycle
}

// CreditAccount is the account-scoped metered balance. Created lazily on the
// first authenticated observation of a user, mutated by deductions, renewals
// and tier upgrades, never deleted.
type CreditAccount struct {
	UserID             string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Tier               string `gorm:"column:tier;size:32;not null"`
	RemainingCredits   int64  `gorm:"column:remaining_credits;not null"`
	TotalCredits       int64  `gorm:"column:total_credits;not null"`
	ResetCycle         string `gorm:"column:reset_cycle;size:16;not null"`
	RenewalDateSeconds int64  `gorm:"column:renewal_date_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CreditAccount) TableName() string {
	return "credit_accounts"
}

// DeductionRecord is the idempotency anchor for the ledger: one row per
// applied (user, operation) pair, so a repeated deduction call reports the
// prior result instead of charging twice. The key is composite; an operation
// id replayed under a different user is an independent deduction, never a
// read of another account's result.
type DeductionRecord struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	OperationID      string `gorm:"column:operation_id;primaryKey;size:190;not null"`
	Cost             int64  `gorm:"column:cost;not null"`
	RemainingAfter   int64  `gorm:"column:remaining_after;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeductionRecord) TableName() string {
	return "credit_deductions"
}

// DeductionResult reports one deduction attempt. Insufficient balance is a
// normal negative result, not an error.
type DeductionResult struct {
	Applied   bool  `json:"applied"`
	Remaining int64 `json:"remaining"`
	Duplicate bool  `json:"duplicate"`
}
