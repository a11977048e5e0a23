package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants after each settlement batch.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{tracker: tracker}
}

// ValidateBatchBalance verifies a batch is balanced.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalZero verifies the ledger is zero-sum.
func (v *InvariantValidator) ValidateGlobalZero() error {
	if total := v.tracker.GlobalSum(); total.Sign() != 0 {
		return fmt.Errorf("global balance is non-zero: %s", total.String())
	}
	return nil
}

// ValidateUserCollateralNonNegative checks user free collateral >= 0.
func (v *InvariantValidator) ValidateUserCollateralNonNegative(userID uuid.UUID) error {
	return v.tracker.ValidateNonNegative(NewUserKey(userID, SubTypeCollateral))
}

// ValidateInsurancePoolNonNegative checks the pool never goes negative.
// Shortfalls past bankruptcy are charged to the liquidator or socialized,
// never drawn from a pool that cannot cover them.
func (v *InvariantValidator) ValidateInsurancePoolNonNegative() error {
	return v.tracker.ValidateNonNegative(NewSystemKey(SubTypeInsurancePool))
}
