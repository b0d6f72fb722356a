package state

import (
	"fmt"

	"VerseBet/internal/fixedpoint"
)

// RiskConfig carries every risk parameter the engine consults. It is built
// once at startup and passed explicitly; nothing reads it from a global.
type RiskConfig struct {
	// Leverage and margin
	MaxLeverageBps        int64 // 100_000 = 10x
	InitialMarginBps      int64 // margin / notional floor at open
	MaintenanceMarginBps  int64 // margin ratio below which health decays
	CoverageTargetBps     int64 // vault coverage taken as 1.0 health weight

	// Liquidation
	MinHealthBps             int64 // health below this is liquidatable (10_000 = 1.0)
	TargetHealthBps          int64 // post-liquidation health target (11_000 = 1.1)
	CloseFactorBps           int64 // max share closed per round, normal markets
	EmergencyCloseFactorBps  int64 // max share closed per round under stress
	MinLiquidationAmount     int64 // QuoteScale; below it the position closes whole
	KeeperRewardBps          int64 // share of liquidated amount paid to the keeper
	LiquidationQueueCapacity int

	// Fees
	TradeFeeBps      int64 // accrued to the MMT vault per trade
	ChainFeeBps      int64 // accrued per chain leg execution
	PenaltyFeeBps    int64 // wash-trading fee multiplier surcharge

	// Invariant checking
	InvariantCheckFrequency int64 // slots between full invariant sweeps
	PauseOnViolation        bool
}

// DefaultRiskConfig mirrors the deployed parameter set.
func DefaultRiskConfig() *RiskConfig {
	return &RiskConfig{
		MaxLeverageBps:           100_000, // 10x
		InitialMarginBps:         1_000,   // 10% at max leverage
		MaintenanceMarginBps:     500,     // 5%
		CoverageTargetBps:        fixedpoint.BpsScale,
		MinHealthBps:             fixedpoint.BpsScale, // 1.0
		TargetHealthBps:          11_000,              // 1.1
		CloseFactorBps:           5_000,               // 50%
		EmergencyCloseFactorBps:  9_000,               // 90%
		MinLiquidationAmount:     100 * fixedpoint.QuoteScale,
		KeeperRewardBps:          500, // 5%
		LiquidationQueueCapacity: 100,
		TradeFeeBps:              30, // 0.3%
		ChainFeeBps:              20,
		PenaltyFeeBps:            200,
		InvariantCheckFrequency:  32,
		PauseOnViolation:         false,
	}
}

// Validate checks parameter ranges before the engine accepts a config.
func (rc *RiskConfig) Validate() error {
	if rc.MaxLeverageBps < fixedpoint.BpsScale {
		return fmt.Errorf("max_leverage_bps must be >= %d (1x), got %d", fixedpoint.BpsScale, rc.MaxLeverageBps)
	}
	if rc.MaintenanceMarginBps <= 0 {
		return fmt.Errorf("maintenance_margin_bps must be > 0, got %d", rc.MaintenanceMarginBps)
	}
	if rc.InitialMarginBps <= rc.MaintenanceMarginBps {
		return fmt.Errorf("initial_margin_bps (%d) must be > maintenance_margin_bps (%d)",
			rc.InitialMarginBps, rc.MaintenanceMarginBps)
	}
	if rc.TargetHealthBps <= rc.MinHealthBps {
		return fmt.Errorf("target_health_bps (%d) must be > min_health_bps (%d)",
			rc.TargetHealthBps, rc.MinHealthBps)
	}
	if rc.CloseFactorBps <= 0 || rc.CloseFactorBps > fixedpoint.BpsScale {
		return fmt.Errorf("close_factor_bps must be in (0,%d], got %d", fixedpoint.BpsScale, rc.CloseFactorBps)
	}
	if rc.EmergencyCloseFactorBps < rc.CloseFactorBps || rc.EmergencyCloseFactorBps > fixedpoint.BpsScale {
		return fmt.Errorf("emergency_close_factor_bps must be in [%d,%d], got %d",
			rc.CloseFactorBps, fixedpoint.BpsScale, rc.EmergencyCloseFactorBps)
	}
	if rc.MinLiquidationAmount <= 0 {
		return fmt.Errorf("min_liquidation_amount must be > 0, got %d", rc.MinLiquidationAmount)
	}
	if rc.KeeperRewardBps < 0 || rc.KeeperRewardBps >= fixedpoint.BpsScale {
		return fmt.Errorf("keeper_reward_bps must be in [0,%d), got %d", fixedpoint.BpsScale, rc.KeeperRewardBps)
	}
	if rc.LiquidationQueueCapacity <= 0 {
		return fmt.Errorf("liquidation_queue_capacity must be > 0, got %d", rc.LiquidationQueueCapacity)
	}
	if rc.TradeFeeBps < 0 || rc.TradeFeeBps >= fixedpoint.BpsScale {
		return fmt.Errorf("trade_fee_bps must be in [0,%d), got %d", fixedpoint.BpsScale, rc.TradeFeeBps)
	}
	if rc.InvariantCheckFrequency <= 0 {
		return fmt.Errorf("invariant_check_frequency must be > 0, got %d", rc.InvariantCheckFrequency)
	}
	return nil
}

// MaxLeverage returns the whole-number leverage cap.
func (rc *RiskConfig) MaxLeverage() int64 {
	return rc.MaxLeverageBps / fixedpoint.BpsScale
}
