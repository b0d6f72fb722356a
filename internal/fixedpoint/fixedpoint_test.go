package fixedpoint_test

import (
	"VerseBet/internal/fixedpoint"
	"math"
	"testing"
)

// ============================================================================
// Test: U64F64 basic arithmetic
// ============================================================================

func TestAdd_Basic(t *testing.T) {
	a := fixedpoint.FromInt(3)
	b := fixedpoint.FromInt(4)

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if sum.Floor() != 7 {
		t.Errorf("3+4 = %d, want 7", sum.Floor())
	}
}

func TestAdd_Overflow(t *testing.T) {
	a := fixedpoint.FromInt(math.MaxUint64)
	if _, err := a.Add(fixedpoint.One); err != fixedpoint.ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	a := fixedpoint.FromInt(1)
	b := fixedpoint.FromInt(2)
	if _, err := a.Sub(b); err != fixedpoint.ErrOverflow {
		t.Errorf("expected ErrOverflow on underflow, got %v", err)
	}
	if got := a.SaturatingSub(b); !got.IsZero() {
		t.Errorf("saturating sub should clamp to zero")
	}
}

func TestMul_Fraction(t *testing.T) {
	half, err := fixedpoint.FromFraction(1, 2)
	if err != nil {
		t.Fatalf("fraction: %v", err)
	}
	quarter, err := half.Mul(half)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	bps, err := quarter.ToBps()
	if err != nil {
		t.Fatalf("bps: %v", err)
	}
	if bps != 2500 {
		t.Errorf("0.5*0.5 = %d bps, want 2500", bps)
	}
}

func TestDiv_ByZero(t *testing.T) {
	if _, err := fixedpoint.One.Div(fixedpoint.Zero); err != fixedpoint.ErrDivisionByZero {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
	if _, err := fixedpoint.One.DivInt(0); err != fixedpoint.ErrDivisionByZero {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestDiv_Exact(t *testing.T) {
	a := fixedpoint.FromInt(10)
	b := fixedpoint.FromInt(4)
	q, err := a.Div(b)
	if err != nil {
		t.Fatalf("div: %v", err)
	}
	bps, _ := q.ToBps()
	if bps != 25000 {
		t.Errorf("10/4 = %d bps, want 25000", bps)
	}
}

func TestSqrt(t *testing.T) {
	cases := []struct {
		in   uint64
		want uint64
	}{
		{0, 0},
		{1, 1},
		{4, 2},
		{144, 12},
		{1 << 40, 1 << 20},
	}
	for _, tc := range cases {
		r, err := fixedpoint.FromInt(tc.in).Sqrt()
		if err != nil {
			t.Fatalf("sqrt(%d): %v", tc.in, err)
		}
		if r.Floor() != tc.want {
			t.Errorf("sqrt(%d) = %d, want %d", tc.in, r.Floor(), tc.want)
		}
	}
}

func TestSqrt_Fractional(t *testing.T) {
	two := fixedpoint.FromInt(2)
	r, err := two.Sqrt()
	if err != nil {
		t.Fatalf("sqrt: %v", err)
	}
	// sqrt(2) ~ 1.41421356; check to bps precision.
	bps, _ := r.ToBps()
	if bps != 14142 {
		t.Errorf("sqrt(2) = %d bps, want 14142", bps)
	}
}

// ============================================================================
// Test: determinism
// ============================================================================

func TestMul_Deterministic(t *testing.T) {
	a, _ := fixedpoint.FromFraction(355, 113)
	first, err := a.Mul(a)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	for i := 0; i < 100; i++ {
		again, err := a.Mul(a)
		if err != nil {
			t.Fatalf("mul: %v", err)
		}
		if first.Cmp(again) != 0 {
			t.Fatal("multiplication is not bit-exact across runs")
		}
	}
}

// ============================================================================
// Test: Exp / Ln
// ============================================================================

func TestExp_One(t *testing.T) {
	e, err := fixedpoint.One.Exp()
	if err != nil {
		t.Fatalf("exp: %v", err)
	}
	bps, _ := e.ToBps()
	if bps != 27182 {
		t.Errorf("e = %d bps, want 27182", bps)
	}
}

func TestExp_Zero(t *testing.T) {
	r, err := fixedpoint.Zero.Exp()
	if err != nil {
		t.Fatalf("exp: %v", err)
	}
	if r.Cmp(fixedpoint.One) != 0 {
		t.Errorf("e^0 should be exactly 1")
	}
}

func TestExp_Overflow(t *testing.T) {
	if _, err := fixedpoint.FromInt(64).Exp(); err != fixedpoint.ErrOverflow {
		t.Errorf("expected ErrOverflow for e^64, got %v", err)
	}
}

func TestExpNeg_Underflow(t *testing.T) {
	r, err := fixedpoint.FromInt(100).ExpNeg()
	if err != nil {
		t.Fatalf("expneg: %v", err)
	}
	if !r.IsZero() {
		t.Errorf("e^-100 should underflow to zero")
	}
}

func TestLn_RoundTrip(t *testing.T) {
	for _, n := range []uint64{1, 2, 3, 10, 1000, 1 << 30} {
		x := fixedpoint.FromInt(n)
		ln, err := x.Ln()
		if err != nil {
			t.Fatalf("ln(%d): %v", n, err)
		}
		back, err := ln.Exp()
		if err != nil {
			t.Fatalf("exp(ln(%d)): %v", n, err)
		}
		// Round trip should agree to bps precision.
		wantBps, _ := x.ToBps()
		gotBps, _ := back.ToBps()
		diff := int64(wantBps) - int64(gotBps)
		if diff < 0 {
			diff = -diff
		}
		tol := int64(wantBps/1_000_000) + 1
		if diff > tol {
			t.Errorf("exp(ln(%d)) = %d bps, want %d (±%d)", n, gotBps, wantBps, tol)
		}
	}
}

func TestLn_Domain(t *testing.T) {
	half, _ := fixedpoint.FromFraction(1, 2)
	if _, err := half.Ln(); err != fixedpoint.ErrLnDomain {
		t.Errorf("expected ErrLnDomain for ln(0.5), got %v", err)
	}
}

func TestLn_Two(t *testing.T) {
	ln2, err := fixedpoint.FromInt(2).Ln()
	if err != nil {
		t.Fatalf("ln: %v", err)
	}
	bps, _ := ln2.ToBps()
	if bps != 6931 {
		t.Errorf("ln(2) = %d bps, want 6931", bps)
	}
}

// ============================================================================
// Test: scaled int64 helpers
// ============================================================================

func TestMulDiv_BankersRounding(t *testing.T) {
	// 5/2 = 2.5 rounds to even 2; 7/2 = 3.5 rounds to even 4.
	got, err := fixedpoint.MulDiv(5, 1, 2)
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if got != 2 {
		t.Errorf("5/2 banker's = %d, want 2", got)
	}
	got, _ = fixedpoint.MulDiv(7, 1, 2)
	if got != 4 {
		t.Errorf("7/2 banker's = %d, want 4", got)
	}
}

func TestMulDiv_ZeroDenominator(t *testing.T) {
	if _, err := fixedpoint.MulDiv(1, 1, 0); err != fixedpoint.ErrDivisionByZero {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestNotional_RoundTrip(t *testing.T) {
	// $1000 notional at price 0.5 is 2000 tokens.
	size, err := fixedpoint.SizeForNotional(1000*fixedpoint.QuoteScale, 500_000)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 2000*fixedpoint.QuoteScale {
		t.Errorf("size = %d, want %d", size, 2000*fixedpoint.QuoteScale)
	}
	notional, err := fixedpoint.Notional(size, 500_000)
	if err != nil {
		t.Fatalf("notional: %v", err)
	}
	if notional != 1000*fixedpoint.QuoteScale {
		t.Errorf("notional = %d, want %d", notional, 1000*fixedpoint.QuoteScale)
	}
}

func TestUnrealizedPnL_LongTenX(t *testing.T) {
	// margin=100, leverage=10x: notional=1000 at entry 0.5 -> size 2000.
	// Move to 0.6 is a 20% move; PnL should be +200.
	margin := int64(100 * fixedpoint.QuoteScale)
	notional, _ := fixedpoint.LeveredNotional(margin, 100_000) // 10x in bps
	size, _ := fixedpoint.SizeForNotional(notional, 500_000)

	pnl, err := fixedpoint.UnrealizedPnL(1, 600_000, 500_000, size)
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if pnl != 200*fixedpoint.QuoteScale {
		t.Errorf("pnl = %d, want %d", pnl, 200*fixedpoint.QuoteScale)
	}
}
