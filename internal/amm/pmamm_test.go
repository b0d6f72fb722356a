package amm_test

import (
	"errors"
	"testing"

	"VerseBet/internal/amm"
	"VerseBet/internal/fixedpoint"
)

// ============================================================================
// Test: Newton-Raphson solver
// ============================================================================

func TestSolve_ConvergesOnWellConditionedTargets(t *testing.T) {
	s := amm.NewSolver()
	targets := []int64{5000, 3000, 2000}
	reserves := []int64{1000 * fixedpoint.QuoteScale, 1500 * fixedpoint.QuoteScale, 2000 * fixedpoint.QuoteScale}

	res, err := s.Solve(targets, reserves)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !res.Converged {
		t.Fatalf("solver did not converge in %d iterations (residual %d)", res.Iterations, res.Residual)
	}
	if res.Iterations > 10 {
		t.Errorf("iterations = %d, want <= 10", res.Iterations)
	}

	var sum int64
	for _, p := range res.Prices {
		sum += p
	}
	if sum != fixedpoint.PriceScale {
		t.Errorf("solved prices sum to %d, want exactly %d", sum, fixedpoint.PriceScale)
	}

	// Solved prices should track the targets: 5000 bps -> 500_000.
	for i, target := range targets {
		want := target * fixedpoint.PriceScale / fixedpoint.BpsScale
		diff := res.Prices[i] - want
		if diff < 0 {
			diff = -diff
		}
		if diff > 100 {
			t.Errorf("outcome %d price = %d, want %d ±100", i, res.Prices[i], want)
		}
	}
}

func TestSolve_BinaryMarket(t *testing.T) {
	s := amm.NewSolver()
	res, err := s.Solve([]int64{7000, 3000}, []int64{500 * fixedpoint.QuoteScale, 500 * fixedpoint.QuoteScale})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !res.Converged {
		t.Fatal("binary market should converge")
	}
	if res.Prices[0] < 690_000 || res.Prices[0] > 710_000 {
		t.Errorf("outcome 0 price = %d, want ~700_000", res.Prices[0])
	}
}

func TestSolve_TargetSumOutOfRange(t *testing.T) {
	s := amm.NewSolver()
	reserves := []int64{100, 100}

	if _, err := s.Solve([]int64{5000, 4000}, reserves); !errors.Is(err, amm.ErrTargetSum) {
		t.Errorf("expected ErrTargetSum for 9000 bps, got %v", err)
	}
	if _, err := s.Solve([]int64{6000, 5000}, reserves); !errors.Is(err, amm.ErrTargetSum) {
		t.Errorf("expected ErrTargetSum for 11000 bps, got %v", err)
	}
	// Within the ±100 tolerance.
	if _, err := s.Solve([]int64{5050, 5000}, reserves); err != nil {
		t.Errorf("10050 bps should be accepted: %v", err)
	}
}

func TestSolve_RejectsNonPositiveTargets(t *testing.T) {
	s := amm.NewSolver()
	if _, err := s.Solve([]int64{10000, 0}, []int64{100, 100}); err == nil {
		t.Error("expected error for zero target")
	}
}

func TestSolve_DimensionMismatch(t *testing.T) {
	s := amm.NewSolver()
	if _, err := s.Solve([]int64{5000, 5000}, []int64{100}); !errors.Is(err, amm.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestSolve_ManyOutcomes(t *testing.T) {
	s := amm.NewSolver()
	targets := []int64{2500, 2000, 1800, 1500, 1200, 1000}
	reserves := make([]int64, len(targets))
	for i := range reserves {
		reserves[i] = int64(i+1) * 250 * fixedpoint.QuoteScale
	}

	res, err := s.Solve(targets, reserves)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !res.Converged {
		t.Fatalf("6-outcome market did not converge (residual %d)", res.Residual)
	}
	var sum int64
	for _, p := range res.Prices {
		sum += p
	}
	if sum != fixedpoint.PriceScale {
		t.Errorf("prices sum to %d, want exactly %d", sum, fixedpoint.PriceScale)
	}
}

func TestSolve_Deterministic(t *testing.T) {
	s := amm.NewSolver()
	targets := []int64{4000, 3500, 2500}
	reserves := []int64{777 * fixedpoint.QuoteScale, 333 * fixedpoint.QuoteScale, 999 * fixedpoint.QuoteScale}

	first, err := s.Solve(targets, reserves)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	for run := 0; run < 20; run++ {
		again, err := s.Solve(targets, reserves)
		if err != nil {
			t.Fatalf("solve: %v", err)
		}
		if again.Iterations != first.Iterations || again.Residual != first.Residual {
			t.Fatal("solver is not deterministic across runs")
		}
		for i := range first.Prices {
			if again.Prices[i] != first.Prices[i] {
				t.Fatal("solved prices are not bit-exact across runs")
			}
		}
	}
}

// ============================================================================
// Test: iteration history
// ============================================================================

func TestIterationHistory_Mean(t *testing.T) {
	h := amm.NewIterationHistory(8)

	for _, iters := range []int{4, 4, 5, 4} {
		h.Record(amm.Result{Iterations: iters, Converged: true})
	}
	if got := h.MeanTimes10(); got != 42 {
		t.Errorf("mean x10 = %d, want 42", got)
	}
	if got := h.WindowMeanTimes10(); got != 42 {
		t.Errorf("window mean x10 = %d, want 42", got)
	}

	h.Record(amm.Result{Iterations: 10, Converged: false})
	total, failed := h.Runs()
	if total != 5 || failed != 1 {
		t.Errorf("runs = (%d,%d), want (5,1)", total, failed)
	}
}

// ============================================================================
// Test: hybrid routing
// ============================================================================

func TestHybrid_RoutesBySize(t *testing.T) {
	h, err := amm.NewHybrid(testB, nil)
	if err != nil {
		t.Fatalf("new hybrid: %v", err)
	}

	// Threshold is 20% of b = 200 quote units.
	if got := h.RouteFor(100 * fixedpoint.QuoteScale); got != amm.RouteLMSR {
		t.Errorf("small trade routed to %s, want LMSR", got)
	}
	if got := h.RouteFor(500 * fixedpoint.QuoteScale); got != amm.RouteSolver {
		t.Errorf("large trade routed to %s, want Solver", got)
	}
}

func TestHybrid_SmallTradeQuote(t *testing.T) {
	h, err := amm.NewHybrid(testB, nil)
	if err != nil {
		t.Fatalf("new hybrid: %v", err)
	}

	q := []int64{0, 0, 0}
	prices, _ := h.LMSR().Prices(q)
	cost, after, route, err := h.Quote(q, prices, 0, 50*fixedpoint.QuoteScale)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if route != amm.RouteLMSR {
		t.Errorf("route = %s, want LMSR", route)
	}
	if cost <= 0 {
		t.Errorf("buy cost = %d, want > 0", cost)
	}
	var sum int64
	for _, p := range after {
		sum += p
	}
	if sum != fixedpoint.PriceScale {
		t.Errorf("prices sum to %d, want exactly %d", sum, fixedpoint.PriceScale)
	}
}

func TestHybrid_LargeTradeUsesSolver(t *testing.T) {
	h, err := amm.NewHybrid(testB, nil)
	if err != nil {
		t.Fatalf("new hybrid: %v", err)
	}

	q := []int64{1000 * fixedpoint.QuoteScale, 1000 * fixedpoint.QuoteScale, 1000 * fixedpoint.QuoteScale}
	prices, _ := h.LMSR().Prices(q)
	_, after, route, err := h.Quote(q, prices, 0, 400*fixedpoint.QuoteScale)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if route != amm.RouteSolver {
		t.Errorf("route = %s, want Solver", route)
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
		t.Errorf("prices sum to %d, want %d ±100", sum, fixedpoint.PriceScale)
	}
	if total, _ := h.History().Runs(); total != 1 {
		t.Errorf("solver runs = %d, want 1", total)
	}
}
