package risk

import (
	"math/big"

	"VerseBet/internal/fixedpoint"
	"VerseBet/internal/state"
)

// Cross-margin netting. The gross requirement is the sum of per-position
// isolated margins; the net requirement discounts it by how much long and
// short exposure offset, capped at state.MaxEfficiencyBps of gross.
const (
	deltaNeutralThresholdBps = 1_000 // |delta| < 0.10
	lowGammaThresholdBps     = 500   // |gamma| < 0.05
	deltaNeutralHaircutBps   = 500
	lowGammaHaircutBps       = 300
)

// MarginSummary is the result of netting one verse's open positions.
type MarginSummary struct {
	PositionCount     uint32
	GrossMargin       int64
	NetMargin         int64
	LongExposure      int64
	ShortExposure     int64
	EfficiencyBps     int64
	PortfolioDeltaBps int64
	PortfolioGammaBps int64
}

// ComputeMargins nets the given positions under the selected margin mode.
// Closed and flat positions are skipped. Fewer than
// state.MinCrossMarginPositions open positions always yields net == gross.
func ComputeMargins(positions []*state.Position, mode state.MarginMode, cfg *state.RiskConfig) (MarginSummary, error) {
	if err := validateConfig(cfg); err != nil {
		return MarginSummary{}, err
	}

	var s MarginSummary
	gammaAcc := new(big.Int)
	for _, pos := range positions {
		if pos.Closed || pos.IsFlat() {
			continue
		}
		s.PositionCount++
		s.GrossMargin += pos.Margin
		if pos.IsLong {
			s.LongExposure += pos.Notional
		} else {
			s.ShortExposure += pos.Notional
		}
		curve, err := curvatureBps(pos.MarkPrice)
		if err != nil {
			return MarginSummary{}, err
		}
		gammaAcc.Add(gammaAcc, fixedpoint.MulInt128(curve, pos.Notional))
	}

	grossExposure := s.LongExposure + s.ShortExposure
	if grossExposure > 0 {
		net := s.LongExposure - s.ShortExposure
		delta, err := fixedpoint.MulDiv(net, fixedpoint.BpsScale, grossExposure)
		if err != nil {
			return MarginSummary{}, err
		}
		s.PortfolioDeltaBps = delta
		s.PortfolioGammaBps = fixedpoint.DivInt128(gammaAcc, grossExposure, fixedpoint.RoundHalfEven)
	}

	s.NetMargin = s.GrossMargin
	if mode == state.MarginModeIsolated || s.PositionCount < state.MinCrossMarginPositions || grossExposure == 0 {
		return s, nil
	}

	offset := grossExposure - abs64(s.LongExposure-s.ShortExposure)
	nettingRatioBps, err := fixedpoint.MulDiv(offset, fixedpoint.BpsScale, grossExposure)
	if err != nil {
		return MarginSummary{}, err
	}

	benefitBps := nettingRatioBps
	if benefitBps > state.MaxEfficiencyBps {
		benefitBps = state.MaxEfficiencyBps
	}

	if mode == state.MarginModePortfolio {
		if abs64(s.PortfolioDeltaBps) < deltaNeutralThresholdBps {
			benefitBps += deltaNeutralHaircutBps
		}
		if abs64(s.PortfolioGammaBps) < lowGammaThresholdBps {
			benefitBps += lowGammaHaircutBps
		}
		if benefitBps > state.MaxEfficiencyBps {
			benefitBps = state.MaxEfficiencyBps
		}
	}

	discount, err := fixedpoint.MulDiv(s.GrossMargin, benefitBps, fixedpoint.BpsScale)
	if err != nil {
		return MarginSummary{}, err
	}
	s.NetMargin = s.GrossMargin - discount
	s.EfficiencyBps = benefitBps
	return s, nil
}

// ApplyToAccount writes a netting result onto the persistent account record.
func ApplyToAccount(acct *state.CrossMarginAccount, s MarginSummary, slot uint64) {
	acct.PositionCount = int64(s.PositionCount)
	acct.GrossMargin = s.GrossMargin
	acct.NetMargin = s.NetMargin
	acct.LongExposure = s.LongExposure
	acct.ShortExposure = s.ShortExposure
	acct.EfficiencyBps = s.EfficiencyBps
	acct.PortfolioDeltaBps = s.PortfolioDeltaBps
	acct.PortfolioGammaBps = s.PortfolioGammaBps
	acct.UpdatedAtSlot = int64(slot)
	acct.Version++
}

// curvatureBps measures how sensitive a binary payoff is to price moves at
// the current mark: 4*p*(1-p) in bps, peaking at even odds and vanishing at
// the extremes. Used as the position's gamma contribution.
func curvatureBps(markPrice int64) (int64, error) {
	if markPrice < 0 {
		markPrice = 0
	}
	if markPrice > fixedpoint.PriceScale {
		markPrice = fixedpoint.PriceScale
	}
	curve, err := fixedpoint.MulDiv(markPrice, fixedpoint.PriceScale-markPrice, fixedpoint.PriceScale)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDiv(4*curve, fixedpoint.BpsScale, fixedpoint.PriceScale)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
