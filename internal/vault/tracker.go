package vault

import (
	"fmt"

	"github.com/google/uuid"

	"VerseBet/internal/fixedpoint"
)

// BalanceTracker maintains in-memory account balances for the quote asset.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance installs a balance directly (snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// === User balance queries ===

// GetUserTotalBalance returns total balance (collateral + margin-locked)
func (bt *BalanceTracker) GetUserTotalBalance(userID uuid.UUID) int64 {
	collateral := bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral))
	locked := bt.GetBalance(NewUserAccountKey(userID, SubTypeMarginLocked))
	return collateral + locked
}

// GetUserAvailableBalance returns the free collateral usable for new
// positions or withdrawals.
func (bt *BalanceTracker) GetUserAvailableBalance(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral))
}

// GetUserLockedBalance returns margin-locked balance
func (bt *BalanceTracker) GetUserLockedBalance(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeMarginLocked))
}

// === Protocol pool queries ===

// LiquidityBalance returns the main vault pool balance
func (bt *BalanceTracker) LiquidityBalance() int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemLiquidity))
}

// KeeperPoolBalance returns the balance available for liquidation rewards
func (bt *BalanceTracker) KeeperPoolBalance() int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemKeeperPool))
}

// InsuranceBalance returns the insurance fund balance
func (bt *BalanceTracker) InsuranceBalance() int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemInsuranceFund))
}

// CoverageBps returns the vault coverage ratio against risk-weighted open
// interest, in bps (10000 = fully covered). The liquidity pool and the
// insurance fund both back open positions. Zero open interest reads as
// full coverage.
func (bt *BalanceTracker) CoverageBps(riskWeightedOI int64) int64 {
	if riskWeightedOI <= 0 {
		return fixedpoint.BpsScale
	}
	backing := bt.LiquidityBalance() + bt.InsuranceBalance()
	if backing <= 0 {
		return 0
	}
	cov, err := fixedpoint.MulDiv(backing, fixedpoint.BpsScale, riskWeightedOI)
	if err != nil {
		return fixedpoint.BpsScale
	}
	return cov
}

// === Invariant checks ===

// ValidateAvailableNonNegative checks free collateral >= 0
func (bt *BalanceTracker) ValidateAvailableNonNegative(userID uuid.UUID) error {
	available := bt.GetUserAvailableBalance(userID)
	if available < 0 {
		return fmt.Errorf("user %s has negative available balance: %d", userID.String(), available)
	}
	return nil
}

// ValidateSufficientAvailable checks if user has enough free collateral
func (bt *BalanceTracker) ValidateSufficientAvailable(userID uuid.UUID, required int64) error {
	available := bt.GetUserAvailableBalance(userID)
	if available < required {
		return fmt.Errorf("insufficient available balance: have=%d, need=%d", available, required)
	}
	return nil
}

// ValidateSufficientLocked checks if user has enough locked margin to release
func (bt *BalanceTracker) ValidateSufficientLocked(userID uuid.UUID, required int64) error {
	locked := bt.GetUserLockedBalance(userID)
	if locked < required {
		return fmt.Errorf("insufficient locked margin: have=%d, need=%d", locked, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
