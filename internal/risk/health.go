// Package risk implements position health, the partial liquidation engine,
// the keeper priority queue, and verse-level cross-margin netting.
package risk

import (
	"fmt"

	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/state"
)

// HealthFactor computes a position's health in basis points (10000 = 1.0).
// It is the margin ratio (equity over maintenance requirement) weighted by
// how well the vault covers its target:
//
//	health = equity/maintenance * min(coverage/target, 1)
//
// A position with no maintenance requirement is maximally healthy.
func HealthFactor(pos *state.Position, coverageBps int64, cfg *state.RiskConfig) (int64, error) {
	if pos.Closed || pos.Notional == 0 {
		return maxHealthBps, nil
	}

	maintenance, err := fixedpoint.MulDiv(pos.Notional, cfg.MaintenanceMarginBps, fixedpoint.BpsScale)
	if err != nil {
		return 0, err
	}
	if maintenance <= 0 {
		return maxHealthBps, nil
	}

	equity := pos.Collateral + pos.UnrealizedPnL
	if equity <= 0 {
		return 0, nil
	}

	marginRatioBps, err := fixedpoint.MulDiv(equity, fixedpoint.BpsScale, maintenance)
	if err != nil {
		return 0, err
	}

	coverageFactorBps := coverageFactor(coverageBps, cfg)
	health, err := fixedpoint.MulDiv(marginRatioBps, coverageFactorBps, fixedpoint.BpsScale)
	if err != nil {
		return 0, err
	}
	if health > maxHealthBps {
		health = maxHealthBps
	}
	return health, nil
}

// maxHealthBps clamps health so priority math and metrics stay bounded.
const maxHealthBps = 1_000_000

// coverageFactor maps vault coverage to a [0, BpsScale] weight against the
// configured target. Full coverage (or better) weighs 1.0.
func coverageFactor(coverageBps int64, cfg *state.RiskConfig) int64 {
	if coverageBps >= cfg.CoverageTargetBps {
		return fixedpoint.BpsScale
	}
	if coverageBps <= 0 {
		return 0
	}
	factor, err := fixedpoint.MulDiv(coverageBps, fixedpoint.BpsScale, cfg.CoverageTargetBps)
	if err != nil {
		return 0
	}
	return factor
}

// Liquidatable reports whether the position's health is below the minimum.
func Liquidatable(pos *state.Position, coverageBps int64, cfg *state.RiskConfig) (bool, int64, error) {
	health, err := HealthFactor(pos, coverageBps, cfg)
	if err != nil {
		return false, 0, err
	}
	return health < cfg.MinHealthBps, health, nil
}

// ClassifyHealth maps a health factor to the lifecycle state it implies.
// AtRisk starts at 20% above the liquidation threshold; crossing below the
// threshold itself is acted on by the engine, not the classifier.
func ClassifyHealth(healthBps int64, cfg *state.RiskConfig) state.PositionState {
	atRiskThreshold, err := fixedpoint.MulDiv(cfg.MinHealthBps, 12_000, fixedpoint.BpsScale)
	if err != nil {
		atRiskThreshold = cfg.MinHealthBps
	}
	if healthBps < atRiskThreshold {
		return state.PositionStateAtRisk
	}
	return state.PositionStateHealthy
}

// validateConfig guards engine construction.
func validateConfig(cfg *state.RiskConfig) error {
	if cfg == nil {
		return fmt.Errorf("risk config must not be nil")
	}
	return cfg.Validate()
}
