package risk

import (
	"errors"
	"fmt"

	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrPositionHealthy is returned when a keeper submits a liquidation for
	// a position at or above minimum health. Non-fatal: the caller drops the
	// candidate.
	ErrPositionHealthy = errors.New("risk: position is healthy")

	// errLiquidationTooSmall marks a computed partial amount below the
	// minimum. Never surfaced: the engine falls back to a full close.
	errLiquidationTooSmall = errors.New("risk: liquidation below minimum size")
)

// Outcome reports one liquidation round.
type Outcome struct {
	PositionID         uuid.UUID
	LiquidatedNotional int64
	KeeperReward       int64
	FullClose          bool
	HealthBefore       int64
	HealthAfter        int64
}

// Stats accumulates engine totals for metrics and audits.
type Stats struct {
	Liquidations       int64
	FullCloses         int64
	NotionalLiquidated int64
	RewardsPaid        int64
}

// Engine executes partial liquidations: it closes the minimum position
// fraction that restores the target health factor and falls back to a full
// close when the remainder would be dust. The reported keeper reward is
// settled by the caller against the MMT vault.
type Engine struct {
	cfg       *state.RiskConfig
	positions *state.PositionManager
	logger    zerolog.Logger
	stats     Stats
}

func NewEngine(cfg *state.RiskConfig, positions *state.PositionManager, logger zerolog.Logger) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		positions: positions,
		logger:    logger.With().Str("component", "liquidation_engine").Logger(),
	}, nil
}

// Stats returns a copy of the engine totals.
func (e *Engine) Stats() Stats {
	return e.stats
}

// ProcessLiquidation runs one liquidation round against a position.
// coverageBps is the vault coverage ratio; emergency selects the higher
// close factor. Returns ErrPositionHealthy when no action is needed.
func (e *Engine) ProcessLiquidation(positionID uuid.UUID, coverageBps int64, emergency bool, slot int64) (Outcome, error) {
	pos := e.positions.GetPosition(positionID)
	if pos == nil {
		return Outcome{}, fmt.Errorf("risk: unknown position %s", positionID)
	}
	if pos.Closed {
		return Outcome{}, fmt.Errorf("risk: position %s already closed", positionID)
	}

	liquidatable, healthBefore, err := Liquidatable(pos, coverageBps, e.cfg)
	if err != nil {
		return Outcome{}, err
	}
	if !liquidatable {
		return Outcome{}, ErrPositionHealthy
	}

	out := Outcome{PositionID: positionID, HealthBefore: healthBefore}

	amount, err := e.partialAmount(pos, coverageBps, emergency)
	switch {
	case errors.Is(err, errLiquidationTooSmall):
		// Dust fallback: close the whole position instead.
		out.FullClose = true
		out.LiquidatedNotional = pos.Notional
	case err != nil:
		return Outcome{}, err
	default:
		out.LiquidatedNotional = amount
	}

	out.KeeperReward, err = fixedpoint.MulDiv(out.LiquidatedNotional, e.cfg.KeeperRewardBps, fixedpoint.BpsScale)
	if err != nil {
		return Outcome{}, err
	}

	if out.FullClose {
		if pos.State == state.PositionStateHealthy {
			if err := pos.TransitionState(state.PositionStateAtRisk); err != nil {
				return Outcome{}, err
			}
		}
		if err := pos.TransitionState(state.PositionStateFullyLiquidated); err != nil {
			return Outcome{}, err
		}
		if _, err := e.positions.ClosePosition(positionID, pos.MarkPrice, slot); err != nil {
			return Outcome{}, err
		}
		out.HealthAfter = maxHealthBps
	} else {
		if pos.State == state.PositionStateHealthy {
			if err := pos.TransitionState(state.PositionStateAtRisk); err != nil {
				return Outcome{}, err
			}
		}
		if err := pos.TransitionState(state.PositionStatePartiallyLiquidated); err != nil {
			return Outcome{}, err
		}
		if err := e.positions.LiquidatePortion(positionID, out.LiquidatedNotional); err != nil {
			return Outcome{}, err
		}
		out.HealthAfter, err = HealthFactor(pos, coverageBps, e.cfg)
		if err != nil {
			return Outcome{}, err
		}
		if out.HealthAfter >= e.cfg.TargetHealthBps {
			if err := pos.TransitionState(state.PositionStateHealthy); err != nil {
				return Outcome{}, err
			}
		}
	}

	e.stats.Liquidations++
	e.stats.NotionalLiquidated += out.LiquidatedNotional
	e.stats.RewardsPaid += out.KeeperReward
	if out.FullClose {
		e.stats.FullCloses++
	}

	e.logger.Info().
		Str("position_id", positionID.String()).
		Int64("health_before", out.HealthBefore).
		Int64("health_after", out.HealthAfter).
		Int64("liquidated_notional", out.LiquidatedNotional).
		Int64("keeper_reward", out.KeeperReward).
		Bool("full_close", out.FullClose).
		Bool("emergency", emergency).
		Msg("liquidation processed")

	return out, nil
}

// partialAmount computes the minimum notional L whose liquidation restores
// target health. With equity E, notional N, maintenance rate m, and required
// post-liquidation margin ratio h (all bps):
//
//	E / ((N-L)*m/Bps) = h/Bps
//	=> L = (h*m*N - E*Bps^2) / (h*m)
//
// Equity is unchanged by a partial liquidation because the liquidated
// share's PnL is realized into collateral and the keeper reward is paid
// from the MMT vault (see PositionManager.LiquidatePortion).
func (e *Engine) partialAmount(pos *state.Position, coverageBps int64, emergency bool) (int64, error) {
	if pos.Notional < e.cfg.MinLiquidationAmount {
		return 0, errLiquidationTooSmall
	}

	covFactor := coverageFactor(coverageBps, e.cfg)
	if covFactor == 0 {
		// Vault fully undercollateralized: close as much as allowed.
		return e.closeFactorCap(pos, emergency)
	}
	// Required margin ratio compensates the coverage weight so the final
	// health (ratio * covFactor) lands on target.
	requiredRatio, err := fixedpoint.MulDiv(e.cfg.TargetHealthBps, fixedpoint.BpsScale, covFactor)
	if err != nil {
		return 0, err
	}

	equity := pos.Collateral + pos.UnrealizedPnL
	if equity < 0 {
		equity = 0
	}

	bps := int64(fixedpoint.BpsScale)
	hm := requiredRatio * e.cfg.MaintenanceMarginBps // fits int64 for any valid config

	num := fixedpoint.MulInt128(hm, pos.Notional)
	sub := fixedpoint.MulInt128(equity, bps*bps)
	num.Sub(num, sub)
	if num.Sign() <= 0 {
		return 0, errLiquidationTooSmall
	}
	amount := fixedpoint.DivInt128(num, hm, fixedpoint.RoundUp)

	cap, err := e.closeFactorCap(pos, emergency)
	if err != nil {
		return 0, err
	}
	if amount > cap {
		amount = cap
	}
	if amount < e.cfg.MinLiquidationAmount {
		return 0, errLiquidationTooSmall
	}
	if pos.Notional-amount < e.cfg.MinLiquidationAmount {
		// Remainder would be dust.
		return 0, errLiquidationTooSmall
	}
	return amount, nil
}

func (e *Engine) closeFactorCap(pos *state.Position, emergency bool) (int64, error) {
	factor := e.cfg.CloseFactorBps
	if emergency {
		factor = e.cfg.EmergencyCloseFactorBps
	}
	return fixedpoint.MulDiv(pos.Notional, factor, fixedpoint.BpsScale)
}
