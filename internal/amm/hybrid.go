package amm

import (
	"fmt"

	"VerseBet/internal/fixedpoint"
)

// Route identifies which engine priced a trade.
type Route int32

const (
	RouteLMSR Route = iota
	RouteSolver
)

func (r Route) String() string {
	switch r {
	case RouteLMSR:
		return "LMSR"
	case RouteSolver:
		return "Solver"
	default:
		return "Unknown"
	}
}

// LargeTradeThresholdBps routes trades above this share of the liquidity
// parameter through the solver: 2000 bps = 20% of b.
const LargeTradeThresholdBps = 2_000

// Hybrid routes small trades through the closed-form LMSR and large trades
// through solver-based repricing, where the full price vector is
// rediscovered from post-trade reserves.
type Hybrid struct {
	lmsr    *LMSR
	solver  *Solver
	history *IterationHistory
	bScaled int64
}

func NewHybrid(bScaled int64, history *IterationHistory) (*Hybrid, error) {
	lmsr, err := NewLMSR(bScaled)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = NewIterationHistory(DefaultHistoryWindow)
	}
	return &Hybrid{
		lmsr:    lmsr,
		solver:  NewSolver(),
		history: history,
		bScaled: bScaled,
	}, nil
}

// LMSR exposes the underlying closed-form engine.
func (h *Hybrid) LMSR() *LMSR {
	return h.lmsr
}

// History exposes the solver iteration history.
func (h *Hybrid) History() *IterationHistory {
	return h.history
}

// RouteFor picks the engine by trade notional relative to liquidity depth.
func (h *Hybrid) RouteFor(tradeNotional int64) Route {
	threshold, err := fixedpoint.MulDiv(h.bScaled, LargeTradeThresholdBps, fixedpoint.BpsScale)
	if err != nil || tradeNotional <= threshold {
		return RouteLMSR
	}
	return RouteSolver
}

// Quote prices a trade of delta outcome tokens (QuoteScale, negative =
// sell), returning the signed cost, the post-trade price vector, and the
// route taken. Solver non-convergence falls back to the previous confirmed
// prices with the LMSR cost, matching the keep-last-price rule.
func (h *Hybrid) Quote(quantities []int64, prices []int64, outcome int, delta int64) (cost int64, newPrices []int64, route Route, err error) {
	if len(quantities) != len(prices) {
		return 0, nil, RouteLMSR, ErrDimensionMismatch
	}

	notional := delta
	if notional < 0 {
		notional = -notional
	}
	route = h.RouteFor(notional)

	cost, lmsrPrices, err := h.lmsr.Quote(quantities, outcome, delta)
	if err != nil {
		return 0, nil, route, err
	}
	if route == RouteLMSR {
		return cost, lmsrPrices, RouteLMSR, nil
	}

	// Large trade: rediscover the full vector from post-trade reserves,
	// targeting the LMSR's marginal prices.
	targets := make([]int64, len(lmsrPrices))
	for i, p := range lmsrPrices {
		t, err := fixedpoint.MulDiv(p, fixedpoint.BpsScale, fixedpoint.PriceScale)
		if err != nil {
			return 0, nil, route, err
		}
		if t <= 0 {
			t = 1
		}
		targets[i] = t
	}
	reserves := make([]int64, len(quantities))
	copy(reserves, quantities)
	reserves[outcome] += delta
	for i, r := range reserves {
		if r <= 0 {
			reserves[i] = 1
		}
	}

	res, err := h.solver.Solve(targets, reserves)
	if err != nil {
		return 0, nil, route, fmt.Errorf("amm: solver repricing: %w", err)
	}
	h.history.Record(res)
	if !res.Converged {
		// Keep previous confirmed prices.
		kept := make([]int64, len(prices))
		copy(kept, prices)
		return cost, kept, route, nil
	}
	return cost, res.Prices, route, nil
}
