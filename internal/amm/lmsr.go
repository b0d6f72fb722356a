// Package amm implements the pricing engines behind proposals: an N-outcome
// Logarithmic Market Scoring Rule (LMSR), a Newton-Raphson solver for
// prediction-market AMM repricing, and a hybrid router between them.
//
// The LMSR provides bounded market-maker loss (b * ln(n)) and
// path-independent costs. All arithmetic is deterministic fixed point —
// never float64 — so replays are bit-exact. Transcendental terms use the
// log-sum-exp trick: exponent arguments are kept <= 0, keeping every
// intermediate inside the U64F64 domain.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package amm

import (
	"errors"
	"fmt"

	"VerseBet/internal/fixedpoint"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("amm: liquidity parameter b must be positive")

	// ErrPriceBoundExceeded is returned when a trade would push an outcome
	// price beyond [MinPrice, MaxPrice].
	ErrPriceBoundExceeded = errors.New("amm: trade would push price beyond allowed bounds")

	// ErrDimensionMismatch is returned when quantity vectors disagree on
	// outcome count.
	ErrDimensionMismatch = errors.New("amm: quantity vector dimension mismatch")
)

const (
	// MinPrice is the probability floor (0.001). Prevents markets where an
	// outcome reads as worthless.
	MinPrice = 1_000

	// MaxPrice is the probability ceiling (0.999). Prevents markets where an
	// outcome reads as certain.
	MaxPrice = fixedpoint.PriceScale - MinPrice
)

// LMSR prices an N-outcome market from its quantity vector. It is
// stateless — quantities are passed as arguments, not stored.
type LMSR struct {
	b fixedpoint.U64F64
}

// NewLMSR creates an LMSR engine with liquidity parameter b (QuoteScale).
// Higher b means deeper liquidity and lower price impact per trade.
func NewLMSR(bScaled int64) (*LMSR, error) {
	if bScaled <= 0 {
		return nil, ErrInvalidLiquidity
	}
	b, err := fixedpoint.FromScaled(bScaled, fixedpoint.QuoteScale)
	if err != nil {
		return nil, err
	}
	return &LMSR{b: b}, nil
}

// exponents converts quantities (QuoteScale) to q_i/b as U64F64.
func (m *LMSR) exponents(quantities []int64) ([]fixedpoint.U64F64, error) {
	xs := make([]fixedpoint.U64F64, len(quantities))
	for i, q := range quantities {
		if q < 0 {
			return nil, fmt.Errorf("amm: quantity %d must be >= 0, got %d", i, q)
		}
		qf, err := fixedpoint.FromScaled(q, fixedpoint.QuoteScale)
		if err != nil {
			return nil, err
		}
		xs[i], err = qf.Div(m.b)
		if err != nil {
			return nil, err
		}
	}
	return xs, nil
}

// expTerms computes exp(x_i - max(x)) for every i plus their sum. Each term
// is in (0, 1], so the sum is in [1, n] and always inside Ln's domain.
func expTerms(xs []fixedpoint.U64F64) (terms []fixedpoint.U64F64, sum, max fixedpoint.U64F64, err error) {
	max = xs[0]
	for _, x := range xs[1:] {
		if x.Cmp(max) > 0 {
			max = x
		}
	}

	terms = make([]fixedpoint.U64F64, len(xs))
	sum = fixedpoint.Zero
	for i, x := range xs {
		diff, e := max.Sub(x)
		if e != nil {
			return nil, fixedpoint.Zero, fixedpoint.Zero, e
		}
		terms[i], e = diff.ExpNeg()
		if e != nil {
			return nil, fixedpoint.Zero, fixedpoint.Zero, e
		}
		sum, e = sum.Add(terms[i])
		if e != nil {
			return nil, fixedpoint.Zero, fixedpoint.Zero, e
		}
	}
	return terms, sum, max, nil
}

// Cost computes C(q) = b * ln(Σ exp(q_i / b)) in QuoteScale.
func (m *LMSR) Cost(quantities []int64) (int64, error) {
	if len(quantities) == 0 {
		return 0, ErrDimensionMismatch
	}
	xs, err := m.exponents(quantities)
	if err != nil {
		return 0, err
	}
	_, sum, max, err := expTerms(xs)
	if err != nil {
		return 0, err
	}
	lnSum, err := sum.Ln()
	if err != nil {
		return 0, err
	}
	lse, err := max.Add(lnSum)
	if err != nil {
		return 0, err
	}
	cost, err := m.b.Mul(lse)
	if err != nil {
		return 0, err
	}
	return cost.ToScaled(fixedpoint.QuoteScale)
}

// Prices computes the softmax price vector in PriceScale. The vector is
// renormalized so it sums to exactly PriceScale: the rounding remainder is
// assigned to the largest outcome, where its relative impact is smallest.
func (m *LMSR) Prices(quantities []int64) ([]int64, error) {
	if len(quantities) == 0 {
		return nil, ErrDimensionMismatch
	}
	xs, err := m.exponents(quantities)
	if err != nil {
		return nil, err
	}
	terms, sum, _, err := expTerms(xs)
	if err != nil {
		return nil, err
	}

	prices := make([]int64, len(terms))
	var total int64
	argmax := 0
	for i, term := range terms {
		p, err := term.Div(sum)
		if err != nil {
			return nil, err
		}
		prices[i], err = p.ToScaled(fixedpoint.PriceScale)
		if err != nil {
			return nil, err
		}
		total += prices[i]
		if prices[i] > prices[argmax] {
			argmax = i
		}
	}
	prices[argmax] += fixedpoint.PriceScale - total
	return prices, nil
}

// TradeCost computes the signed cost of changing one outcome's quantity:
// C(q') - C(q). Positive for buys, negative for sells (payout to trader).
func (m *LMSR) TradeCost(quantities []int64, outcome int, delta int64) (int64, error) {
	if outcome < 0 || outcome >= len(quantities) {
		return 0, fmt.Errorf("amm: outcome %d outside vector of %d", outcome, len(quantities))
	}
	if quantities[outcome]+delta < 0 {
		return 0, fmt.Errorf("amm: sell of %d exceeds outcome quantity %d", -delta, quantities[outcome])
	}

	before, err := m.Cost(quantities)
	if err != nil {
		return 0, err
	}
	after := make([]int64, len(quantities))
	copy(after, quantities)
	after[outcome] += delta
	afterCost, err := m.Cost(after)
	if err != nil {
		return 0, err
	}
	return afterCost - before, nil
}

// ValidateTrade checks the post-trade price vector stays inside
// [MinPrice, MaxPrice].
func (m *LMSR) ValidateTrade(quantities []int64, outcome int, delta int64) error {
	if outcome < 0 || outcome >= len(quantities) {
		return fmt.Errorf("amm: outcome %d outside vector of %d", outcome, len(quantities))
	}
	after := make([]int64, len(quantities))
	copy(after, quantities)
	after[outcome] += delta
	if after[outcome] < 0 {
		return fmt.Errorf("amm: sell of %d exceeds outcome quantity %d", -delta, quantities[outcome])
	}
	prices, err := m.Prices(after)
	if err != nil {
		return err
	}
	for _, p := range prices {
		if p < MinPrice || p > MaxPrice {
			return ErrPriceBoundExceeded
		}
	}
	return nil
}

// Quote validates and prices a trade in one call, returning the signed cost
// and the post-trade price vector.
func (m *LMSR) Quote(quantities []int64, outcome int, delta int64) (cost int64, prices []int64, err error) {
	if err := m.ValidateTrade(quantities, outcome, delta); err != nil {
		return 0, nil, err
	}
	cost, err = m.TradeCost(quantities, outcome, delta)
	if err != nil {
		return 0, nil, err
	}
	after := make([]int64, len(quantities))
	copy(after, quantities)
	after[outcome] += delta
	prices, err = m.Prices(after)
	if err != nil {
		return 0, nil, err
	}
	return cost, prices, nil
}

// MaxLoss returns the market maker's bounded loss b * ln(n) in QuoteScale.
func (m *LMSR) MaxLoss(outcomes int) (int64, error) {
	if outcomes < 2 {
		return 0, fmt.Errorf("amm: need at least 2 outcomes, got %d", outcomes)
	}
	n := fixedpoint.FromInt(uint64(outcomes))
	lnN, err := n.Ln()
	if err != nil {
		return 0, err
	}
	loss, err := m.b.Mul(lnN)
	if err != nil {
		return 0, err
	}
	return loss.ToScaled(fixedpoint.QuoteScale)
}
