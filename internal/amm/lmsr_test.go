package amm_test

import (
	"errors"
	"testing"

	"VerseBet/internal/amm"
	"VerseBet/internal/fixedpoint"
)

const testB = 1000 * fixedpoint.QuoteScale

func newTestLMSR(t *testing.T) *amm.LMSR {
	t.Helper()
	m, err := amm.NewLMSR(testB)
	if err != nil {
		t.Fatalf("new lmsr: %v", err)
	}
	return m
}

// ============================================================================
// Test: LMSR pricing
// ============================================================================

func TestNewLMSR_RejectsNonPositiveLiquidity(t *testing.T) {
	if _, err := amm.NewLMSR(0); !errors.Is(err, amm.ErrInvalidLiquidity) {
		t.Errorf("expected ErrInvalidLiquidity, got %v", err)
	}
	if _, err := amm.NewLMSR(-5); !errors.Is(err, amm.ErrInvalidLiquidity) {
		t.Errorf("expected ErrInvalidLiquidity, got %v", err)
	}
}

func TestPrices_UniformQuantities(t *testing.T) {
	m := newTestLMSR(t)

	prices, err := m.Prices([]int64{0, 0, 0})
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	var sum int64
	for _, p := range prices {
		sum += p
	}
	if sum != fixedpoint.PriceScale {
		t.Errorf("prices sum to %d, want exactly %d", sum, fixedpoint.PriceScale)
	}
	// Uniform quantities price every outcome within rounding of 1/3.
	for i, p := range prices {
		diff := p - fixedpoint.PriceScale/3
		if diff < 0 {
			diff = -diff
		}
		if diff > 2 {
			t.Errorf("outcome %d price = %d, want ~%d", i, p, fixedpoint.PriceScale/3)
		}
	}
}

func TestPrices_SumExactAcrossSkews(t *testing.T) {
	m := newTestLMSR(t)

	vectors := [][]int64{
		{100 * fixedpoint.QuoteScale, 0, 0},
		{500 * fixedpoint.QuoteScale, 200 * fixedpoint.QuoteScale, 50 * fixedpoint.QuoteScale},
		{2000 * fixedpoint.QuoteScale, 1999 * fixedpoint.QuoteScale, 1 * fixedpoint.QuoteScale, 37 * fixedpoint.QuoteScale},
	}
	for _, q := range vectors {
		prices, err := m.Prices(q)
		if err != nil {
			t.Fatalf("prices(%v): %v", q, err)
		}
		var sum int64
		for _, p := range prices {
			sum += p
		}
		if sum != fixedpoint.PriceScale {
			t.Errorf("prices(%v) sum to %d, want exactly %d", q, sum, fixedpoint.PriceScale)
		}
	}
}

func TestQuote_ThreeOutcomeBuy(t *testing.T) {
	m := newTestLMSR(t)

	// Near-uniform market; buy 100 tokens of outcome 0.
	q := []int64{0, 0, 0}
	before, err := m.Prices(q)
	if err != nil {
		t.Fatalf("prices: %v", err)
	}

	cost, after, err := m.Quote(q, 0, 100*fixedpoint.QuoteScale)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if cost <= 0 {
		t.Errorf("buy cost = %d, want > 0", cost)
	}

	var sum int64
	for _, p := range after {
		sum += p
	}
	diff := sum - fixedpoint.PriceScale
	if diff < 0 {
		diff = -diff
	}
	if diff > 100 {
		t.Errorf("post-trade prices sum to %d, want %d ±100", sum, fixedpoint.PriceScale)
	}
	if after[0] <= before[0] {
		t.Errorf("outcome 0 price should strictly increase: %d -> %d", before[0], after[0])
	}
	if after[1] >= before[1] || after[2] >= before[2] {
		t.Error("other outcome prices should decrease on a buy")
	}
}

func TestTradeCost_SellIsNegative(t *testing.T) {
	m := newTestLMSR(t)
	q := []int64{200 * fixedpoint.QuoteScale, 100 * fixedpoint.QuoteScale}

	cost, err := m.TradeCost(q, 0, -50*fixedpoint.QuoteScale)
	if err != nil {
		t.Fatalf("trade cost: %v", err)
	}
	if cost >= 0 {
		t.Errorf("sell cost = %d, want < 0", cost)
	}
}

func TestTradeCost_PathIndependent(t *testing.T) {
	m := newTestLMSR(t)
	q := []int64{300 * fixedpoint.QuoteScale, 100 * fixedpoint.QuoteScale, 50 * fixedpoint.QuoteScale}
	delta := int64(75 * fixedpoint.QuoteScale)

	buy, err := m.TradeCost(q, 1, delta)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	after := []int64{q[0], q[1] + delta, q[2]}
	sell, err := m.TradeCost(after, 1, -delta)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if buy+sell != 0 {
		t.Errorf("round trip cost = %d, want 0 (cost function is path independent)", buy+sell)
	}
}

func TestTradeCost_SellBeyondBalance(t *testing.T) {
	m := newTestLMSR(t)
	q := []int64{10 * fixedpoint.QuoteScale, 10 * fixedpoint.QuoteScale}

	if _, err := m.TradeCost(q, 0, -20*fixedpoint.QuoteScale); err == nil {
		t.Error("expected error selling beyond outcome quantity")
	}
}

func TestValidateTrade_PriceBounds(t *testing.T) {
	m := newTestLMSR(t)
	// b=1000: a 10000-token buy pushes the price essentially to 1.
	q := []int64{0, 0}

	err := m.ValidateTrade(q, 0, 10_000*fixedpoint.QuoteScale)
	if !errors.Is(err, amm.ErrPriceBoundExceeded) {
		t.Errorf("expected ErrPriceBoundExceeded, got %v", err)
	}
	if err := m.ValidateTrade(q, 0, 100*fixedpoint.QuoteScale); err != nil {
		t.Errorf("moderate trade should validate: %v", err)
	}
}

func TestMaxLoss_GrowsWithOutcomes(t *testing.T) {
	m := newTestLMSR(t)

	two, err := m.MaxLoss(2)
	if err != nil {
		t.Fatalf("max loss: %v", err)
	}
	// b * ln(2) = 1000 * 0.6931...
	want := int64(693_147_180)
	diff := two - want
	if diff < 0 {
		diff = -diff
	}
	if diff > want/1_000_000 {
		t.Errorf("max loss(2) = %d, want ~%d", two, want)
	}

	four, _ := m.MaxLoss(4)
	if four <= two {
		t.Errorf("max loss should grow with outcome count: %d vs %d", four, two)
	}
}

func TestCost_Deterministic(t *testing.T) {
	m := newTestLMSR(t)
	q := []int64{123_456_789, 987_654_321, 555_555_555}

	first, err := m.Cost(q)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := m.Cost(q)
		if err != nil {
			t.Fatalf("cost: %v", err)
		}
		if again != first {
			t.Fatal("cost is not bit-exact across runs")
		}
	}
}
