// Package vault implements the protocol's double-entry balance ledger and
// the vault on top of it: fee accrual on trades, the keeper reward pool
// paid out on liquidations, the insurance fund, and settlement
// buyback-and-burn accounting against the MMT token counters. Every
// transfer is a balanced journal entry, so the ledger stays zero-sum by
// construction.
package vault

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/state"
)

// Trade fee split, in bps of the accrued fee. Liquidity deepens the vault,
// the keeper share funds liquidation rewards, the buyback share is burned
// on settlement.
const (
	feeSplitLiquidityBps = 5_000
	feeSplitKeeperBps    = 3_000
	feeSplitBuybackBps   = 2_000
)

// Vault is the journal generator over a BalanceTracker, plus the MMT token
// counter account. It is the only writer to the tracker in normal
// operation; callers hold the single-writer discipline the core loop
// already imposes.
type Vault struct {
	cfg      *state.RiskConfig
	tracker  *BalanceTracker
	token    *state.MMTVault
	logger   zerolog.Logger
	sequence int64
}

func NewVault(cfg *state.RiskConfig, logger zerolog.Logger) (*Vault, error) {
	if cfg == nil {
		return nil, fmt.Errorf("risk config is required")
	}
	return &Vault{
		cfg:     cfg,
		tracker: NewBalanceTracker(),
		token:   &state.MMTVault{},
		logger:  logger.With().Str("component", "vault").Logger(),
	}, nil
}

// Tracker exposes the underlying balances for read-side queries.
func (v *Vault) Tracker() *BalanceTracker { return v.tracker }

// Token exposes the MMT counter account (fees, rewards, burns).
func (v *Vault) Token() *state.MMTVault { return v.token }

// CoverageBps returns the vault coverage ratio against risk-weighted open
// interest, in bps.
func (v *Vault) CoverageBps(riskWeightedOI int64) int64 {
	return v.tracker.CoverageBps(riskWeightedOI)
}

// Deposit credits a user's free collateral from the external boundary.
func (v *Vault) Deposit(userID uuid.UUID, amount int64, ref string, slot int64) (*Batch, error) {
	batch := v.newBatch(ref, slot)
	batch.add(JournalTypeDeposit,
		NewUserAccountKey(userID, SubTypeCollateral),
		NewExternalAccountKey(SubTypeExternalDeposits),
		amount)
	return v.commit(batch)
}

// Withdraw debits free collateral to the external boundary.
func (v *Vault) Withdraw(userID uuid.UUID, amount int64, ref string, slot int64) (*Batch, error) {
	if err := v.tracker.ValidateSufficientAvailable(userID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}
	batch := v.newBatch(ref, slot)
	batch.add(JournalTypeWithdrawal,
		NewExternalAccountKey(SubTypeExternalWithdrawals),
		NewUserAccountKey(userID, SubTypeCollateral),
		amount)
	return v.commit(batch)
}

// SeedLiquidity funds the main vault pool from the external boundary.
// Used at bootstrap and by liquidity providers.
func (v *Vault) SeedLiquidity(amount int64, ref string, slot int64) (*Batch, error) {
	batch := v.newBatch(ref, slot)
	batch.add(JournalTypeDeposit,
		NewSystemAccountKey(SubTypeSystemLiquidity),
		NewExternalAccountKey(SubTypeExternalDeposits),
		amount)
	return v.commit(batch)
}

// LockMargin moves free collateral into the margin-locked bucket when a
// position opens.
func (v *Vault) LockMargin(userID uuid.UUID, amount int64, ref string, slot int64) (*Batch, error) {
	if err := v.tracker.ValidateSufficientAvailable(userID, amount); err != nil {
		return nil, fmt.Errorf("margin lock pre-check failed: %w", err)
	}
	batch := v.newBatch(ref, slot)
	batch.add(JournalTypeMarginLock,
		NewUserAccountKey(userID, SubTypeMarginLocked),
		NewUserAccountKey(userID, SubTypeCollateral),
		amount)
	return v.commit(batch)
}

// ReleaseMargin returns locked margin to free collateral when a position
// closes or is topped down.
func (v *Vault) ReleaseMargin(userID uuid.UUID, amount int64, ref string, slot int64) (*Batch, error) {
	if err := v.tracker.ValidateSufficientLocked(userID, amount); err != nil {
		return nil, fmt.Errorf("margin release pre-check failed: %w", err)
	}
	batch := v.newBatch(ref, slot)
	batch.add(JournalTypeMarginRelease,
		NewUserAccountKey(userID, SubTypeCollateral),
		NewUserAccountKey(userID, SubTypeMarginLocked),
		amount)
	return v.commit(batch)
}

// SettlePnL realizes trading profit or loss between a user's collateral
// and the vault liquidity pool. Positive pnl pays the user; negative pnl
// pays the vault.
func (v *Vault) SettlePnL(userID uuid.UUID, pnl int64, ref string, slot int64) (*Batch, error) {
	if pnl == 0 {
		return nil, nil
	}
	batch := v.newBatch(ref, slot)
	if pnl > 0 {
		batch.add(JournalTypeSettlementPayout,
			NewUserAccountKey(userID, SubTypeCollateral),
			NewSystemAccountKey(SubTypeSystemLiquidity),
			pnl)
	} else {
		batch.add(JournalTypeSettlementPayout,
			NewSystemAccountKey(SubTypeSystemLiquidity),
			NewUserAccountKey(userID, SubTypeCollateral),
			-pnl)
	}
	return v.commit(batch)
}

// AccrueTradeFee charges feeBps of notional from the trader's free
// collateral and splits it across the liquidity pool, the keeper reward
// pool, and the buyback reserve. Returns the fee charged and its batch.
func (v *Vault) AccrueTradeFee(userID uuid.UUID, notional, feeBps int64, ref string, slot int64) (int64, *Batch, error) {
	fee, err := fixedpoint.MulDiv(notional, feeBps, fixedpoint.BpsScale)
	if err != nil {
		return 0, nil, fmt.Errorf("fee for notional %d: %w", notional, err)
	}
	if fee <= 0 {
		return 0, nil, nil
	}
	if err := v.tracker.ValidateSufficientAvailable(userID, fee); err != nil {
		return 0, nil, fmt.Errorf("fee pre-check failed: %w", err)
	}

	liquidityShare, err := fixedpoint.MulDiv(fee, feeSplitLiquidityBps, fixedpoint.BpsScale)
	if err != nil {
		return 0, nil, err
	}
	keeperShare, err := fixedpoint.MulDiv(fee, feeSplitKeeperBps, fixedpoint.BpsScale)
	if err != nil {
		return 0, nil, err
	}
	// Rounding remainder goes to the buyback reserve so the split is exact.
	buybackShare := fee - liquidityShare - keeperShare

	batch := v.newBatch(ref, slot)
	batch.add(JournalTypeTradeFee,
		NewSystemAccountKey(SubTypeSystemFees),
		NewUserAccountKey(userID, SubTypeCollateral),
		fee)
	if liquidityShare > 0 {
		batch.add(JournalTypeFeeSplit,
			NewSystemAccountKey(SubTypeSystemLiquidity),
			NewSystemAccountKey(SubTypeSystemFees),
			liquidityShare)
	}
	if keeperShare > 0 {
		batch.add(JournalTypeFeeSplit,
			NewSystemAccountKey(SubTypeSystemKeeperPool),
			NewSystemAccountKey(SubTypeSystemFees),
			keeperShare)
	}
	if buybackShare > 0 {
		batch.add(JournalTypeFeeSplit,
			NewSystemAccountKey(SubTypeSystemBuybackReserve),
			NewSystemAccountKey(SubTypeSystemFees),
			buybackShare)
	}
	if _, err := v.commit(batch); err != nil {
		return 0, nil, err
	}

	if err := v.token.AccrueFee(fee, buybackShare, slot); err != nil {
		return 0, nil, err
	}
	return fee, batch, nil
}

// AccruePenalty charges the wash-trade penalty fee on notional, routed to
// the insurance fund. Returns the penalty charged and its batch.
func (v *Vault) AccruePenalty(userID uuid.UUID, notional int64, ref string, slot int64) (int64, *Batch, error) {
	penalty, err := fixedpoint.MulDiv(notional, v.cfg.PenaltyFeeBps, fixedpoint.BpsScale)
	if err != nil {
		return 0, nil, fmt.Errorf("penalty for notional %d: %w", notional, err)
	}
	if penalty <= 0 {
		return 0, nil, nil
	}
	if err := v.tracker.ValidateSufficientAvailable(userID, penalty); err != nil {
		return 0, nil, fmt.Errorf("penalty pre-check failed: %w", err)
	}

	batch := v.newBatch(ref, slot)
	batch.add(JournalTypePenaltyFee,
		NewSystemAccountKey(SubTypeSystemInsuranceFund),
		NewUserAccountKey(userID, SubTypeCollateral),
		penalty)
	if _, err := v.commit(batch); err != nil {
		return 0, nil, err
	}

	if err := v.token.AccruePenalty(penalty, slot); err != nil {
		return 0, nil, err
	}
	v.logger.Info().
		Str("user", userID.String()).
		Int64("penalty", penalty).
		Int64("slot", slot).
		Msg("penalty fee charged")
	return penalty, batch, nil
}

// PayKeeperReward pays a liquidation reward from the keeper pool into the
// keeper's free collateral. A shortfall draws the remainder from the
// insurance fund; if both are exhausted the payment fails and the caller
// retries the liquidation without a reward guarantee.
func (v *Vault) PayKeeperReward(keeperID uuid.UUID, amount int64, ref string, slot int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("keeper reward must be > 0, got %d", amount)
	}

	pool := v.tracker.KeeperPoolBalance()
	fromPool := amount
	fromInsurance := int64(0)
	if pool < amount {
		fromPool = pool
		fromInsurance = amount - pool
		if v.tracker.InsuranceBalance() < fromInsurance {
			return nil, fmt.Errorf("keeper reward %d exceeds pool %d and insurance %d",
				amount, pool, v.tracker.InsuranceBalance())
		}
	}

	batch := v.newBatch(ref, slot)
	if fromPool > 0 {
		batch.add(JournalTypeKeeperReward,
			NewUserAccountKey(keeperID, SubTypeCollateral),
			NewSystemAccountKey(SubTypeSystemKeeperPool),
			fromPool)
	}
	if fromInsurance > 0 {
		batch.add(JournalTypeKeeperReward,
			NewUserAccountKey(keeperID, SubTypeCollateral),
			NewSystemAccountKey(SubTypeSystemInsuranceFund),
			fromInsurance)
	}
	applied, err := v.commit(batch)
	if err != nil {
		return nil, err
	}

	if err := v.token.PayKeeperReward(amount, slot); err != nil {
		return nil, err
	}
	v.logger.Info().
		Str("keeper", keeperID.String()).
		Int64("reward", amount).
		Int64("from_insurance", fromInsurance).
		Int64("slot", slot).
		Msg("keeper reward paid")
	return applied, nil
}

// AbsorbLiquidation moves liquidated collateral out of the owner's locked
// margin into the vault liquidity pool. The position side keeps its own
// equity accounting; the ledger only records the collateral handover.
func (v *Vault) AbsorbLiquidation(userID uuid.UUID, amount int64, ref string, slot int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("liquidation amount must be > 0, got %d", amount)
	}
	if err := v.tracker.ValidateSufficientLocked(userID, amount); err != nil {
		return nil, fmt.Errorf("liquidation pre-check failed: %w", err)
	}
	batch := v.newBatch(ref, slot)
	batch.add(JournalTypeLiquidationTransfer,
		NewSystemAccountKey(SubTypeSystemLiquidity),
		NewUserAccountKey(userID, SubTypeMarginLocked),
		amount)
	return v.commit(batch)
}

// SettlementBurn buys back MMT with the buyback reserve accumulated since
// the last settlement and burns it at the given MMT price. The ledger's
// burn sink only ever receives; its balance is the all-time quote spent on
// buybacks. Returns the burn batch (nil when the reserve is empty) and
// the tokens burned.
func (v *Vault) SettlementBurn(mmtPrice int64, ref string, slot int64) (*Batch, int64, error) {
	reserve := v.tracker.GetBalance(NewSystemAccountKey(SubTypeSystemBuybackReserve))
	if reserve <= 0 {
		return nil, 0, nil
	}

	batch := v.newBatch(ref, slot)
	batch.add(JournalTypeBuybackBurn,
		NewSystemAccountKey(SubTypeSystemBurnSink),
		NewSystemAccountKey(SubTypeSystemBuybackReserve),
		reserve)
	applied, err := v.commit(batch)
	if err != nil {
		return nil, 0, err
	}

	tokensBurned, err := v.token.ExecuteBuyback(mmtPrice, slot)
	if err != nil {
		return nil, 0, err
	}
	v.logger.Info().
		Int64("quote_spent", reserve).
		Int64("tokens_burned", tokensBurned).
		Int64("slot", slot).
		Msg("buyback reserve burned")
	return applied, tokensBurned, nil
}

func (v *Vault) newBatch(ref string, slot int64) *Batch {
	return &Batch{
		BatchID:  uuid.New(),
		EventRef: ref,
		Sequence: v.sequence,
		Slot:     slot,
	}
}

func (b *Batch) add(jt JournalType, debit, credit AccountKey, amount int64) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Slot:          b.Slot,
	})
}

func (v *Vault) commit(batch *Batch) (*Batch, error) {
	if err := v.tracker.ApplyBatch(batch); err != nil {
		return nil, err
	}
	v.sequence++
	return batch, nil
}
