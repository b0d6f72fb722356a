package vault

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	total := v.tracker.ComputeGlobalBalance()
	if total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// ValidateUserCollateralNonNegative checks user collateral >= 0
func (v *InvariantValidator) ValidateUserCollateralNonNegative(userID uuid.UUID) error {
	return v.tracker.ValidateNonNegative(NewUserAccountKey(userID, SubTypeCollateral))
}

// ValidatePoolsNonNegative checks every protocol pool balance is >= 0
func (v *InvariantValidator) ValidatePoolsNonNegative() error {
	pools := []AccountSubType{
		SubTypeSystemLiquidity,
		SubTypeSystemFees,
		SubTypeSystemKeeperPool,
		SubTypeSystemInsuranceFund,
		SubTypeSystemBuybackReserve,
	}
	for _, sub := range pools {
		if err := v.tracker.ValidateNonNegative(NewSystemAccountKey(sub)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFeesCleared verifies the fee clearing account drained fully into
// its split destinations. It is a pass-through and must read zero between
// trades.
func (v *InvariantValidator) ValidateFeesCleared() error {
	balance := v.tracker.GetBalance(NewSystemAccountKey(SubTypeSystemFees))
	if balance != 0 {
		return fmt.Errorf("fee clearing account has non-zero balance: %d", balance)
	}
	return nil
}
