// Package fixedpoint provides the deterministic numeric types used by every
// pricing and risk component. All operations are checked: they either return
// an exact (within representable precision) result or a typed error. Nothing
// in this package panics on bad input, because a panic inside event
// processing would take down the whole apply loop.
package fixedpoint

import (
	"errors"
	"math/big"
	"math/bits"
)

var (
	ErrOverflow       = errors.New("fixedpoint: arithmetic overflow")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrLnDomain       = errors.New("fixedpoint: ln requires operand >= 1")
)

// Scale constants shared across the engine.
const (
	// PriceScale is price unity: an outcome price of 1.0 is 1_000_000.
	PriceScale int64 = 1_000_000
	// QuoteScale is one whole unit of quote currency (6 decimals).
	QuoteScale int64 = 1_000_000
	// BpsScale is basis-point unity: 10_000 bps = 100%.
	BpsScale int64 = 10_000
	// ProbScale is the fine-grained probability scale used inside the
	// Newton-Raphson solver, where bps resolution is too coarse for the
	// 1e-8 convergence tolerance.
	ProbScale int64 = 1_000_000_000_000
)

// U64F64 is an unsigned 64.64 fixed-point number: 64 integer bits and 64
// fractional bits, stored as two native uint64 halves. lo holds the
// fractional part, hi the integer part.
type U64F64 struct {
	hi uint64 // integer bits
	lo uint64 // fractional bits
}

// One is 1.0 in 64.64 representation.
var One = U64F64{hi: 1}

// Zero is 0.0.
var Zero = U64F64{}

// FromInt converts an integer to 64.64.
func FromInt(n uint64) U64F64 {
	return U64F64{hi: n}
}

// FromFraction returns num/den as 64.64.
func FromFraction(num, den uint64) (U64F64, error) {
	if den == 0 {
		return Zero, ErrDivisionByZero
	}
	return FromInt(num).Div(FromInt(den))
}

// FromBps converts basis points (10000 = 1.0) to 64.64.
func FromBps(bps uint64) U64F64 {
	v, _ := FromFraction(bps, uint64(BpsScale))
	return v
}

// FromScaled converts a value expressed in the given decimal scale
// (e.g. a price at PriceScale) to 64.64.
func FromScaled(v int64, scale int64) (U64F64, error) {
	if v < 0 {
		return Zero, ErrOverflow
	}
	return FromFraction(uint64(v), uint64(scale))
}

// Floor returns the integer part, truncating the fraction.
func (x U64F64) Floor() uint64 { return x.hi }

// Frac returns the fractional bits.
func (x U64F64) Frac() U64F64 { return U64F64{lo: x.lo} }

// IsZero reports whether x == 0.
func (x U64F64) IsZero() bool { return x.hi == 0 && x.lo == 0 }

// Cmp returns -1, 0, or +1.
func (x U64F64) Cmp(y U64F64) int {
	if x.hi != y.hi {
		if x.hi < y.hi {
			return -1
		}
		return 1
	}
	if x.lo != y.lo {
		if x.lo < y.lo {
			return -1
		}
		return 1
	}
	return 0
}

// ToBps converts to basis points, truncating.
func (x U64F64) ToBps() (uint64, error) {
	v, err := x.MulInt(uint64(BpsScale))
	if err != nil {
		return 0, err
	}
	return v.Floor(), nil
}

// ToScaled converts to an integer at the given decimal scale, truncating.
func (x U64F64) ToScaled(scale int64) (int64, error) {
	v, err := x.MulInt(uint64(scale))
	if err != nil {
		return 0, err
	}
	if v.hi > uint64(1)<<62 {
		return 0, ErrOverflow
	}
	return int64(v.hi), nil
}

// Add returns x+y or ErrOverflow.
func (x U64F64) Add(y U64F64) (U64F64, error) {
	lo, carry := bits.Add64(x.lo, y.lo, 0)
	hi, carry := bits.Add64(x.hi, y.hi, carry)
	if carry != 0 {
		return Zero, ErrOverflow
	}
	return U64F64{hi: hi, lo: lo}, nil
}

// Sub returns x-y or ErrOverflow when y > x.
func (x U64F64) Sub(y U64F64) (U64F64, error) {
	lo, borrow := bits.Sub64(x.lo, y.lo, 0)
	hi, borrow := bits.Sub64(x.hi, y.hi, borrow)
	if borrow != 0 {
		return Zero, ErrOverflow
	}
	return U64F64{hi: hi, lo: lo}, nil
}

// SaturatingSub returns x-y, clamping at zero.
func (x U64F64) SaturatingSub(y U64F64) U64F64 {
	v, err := x.Sub(y)
	if err != nil {
		return Zero
	}
	return v
}

// Mul returns x*y using a 256-bit intermediate product.
func (x U64F64) Mul(y U64F64) (U64F64, error) {
	p := new(big.Int).Mul(x.big(), y.big())
	p.Rsh(p, 64)
	return fromBig(p)
}

// MulInt returns x*n.
func (x U64F64) MulInt(n uint64) (U64F64, error) {
	p := new(big.Int).Mul(x.big(), new(big.Int).SetUint64(n))
	return fromBig(p)
}

// Div returns x/y.
func (x U64F64) Div(y U64F64) (U64F64, error) {
	if y.IsZero() {
		return Zero, ErrDivisionByZero
	}
	num := new(big.Int).Lsh(x.big(), 64)
	num.Quo(num, y.big())
	return fromBig(num)
}

// DivInt returns x/n.
func (x U64F64) DivInt(n uint64) (U64F64, error) {
	if n == 0 {
		return Zero, ErrDivisionByZero
	}
	q := new(big.Int).Quo(x.big(), new(big.Int).SetUint64(n))
	return fromBig(q)
}

// Sqrt returns the square root. It cannot overflow.
func (x U64F64) Sqrt() (U64F64, error) {
	v := new(big.Int).Lsh(x.big(), 64)
	v.Sqrt(v)
	return fromBig(v)
}

// MulDivFixed returns x*mul/div with a single 256-bit intermediate, for
// ratio calculations that would overflow as two separate steps.
func (x U64F64) MulDivFixed(mul, div U64F64) (U64F64, error) {
	if div.IsZero() {
		return Zero, ErrDivisionByZero
	}
	p := new(big.Int).Mul(x.big(), mul.big())
	p.Quo(p, div.big())
	return fromBig(p)
}

func (x U64F64) big() *big.Int {
	v := new(big.Int).SetUint64(x.hi)
	v.Lsh(v, 64)
	return v.Or(v, new(big.Int).SetUint64(x.lo))
}

func fromBig(v *big.Int) (U64F64, error) {
	if v.Sign() < 0 || v.BitLen() > 128 {
		return Zero, ErrOverflow
	}
	lo := new(big.Int).And(v, loMask).Uint64()
	hi := new(big.Int).Rsh(v, 64).Uint64()
	return U64F64{hi: hi, lo: lo}, nil
}

var loMask = new(big.Int).SetBytes([]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
})

// --- Transcendental functions ---
//
// Exp and Ln exist for the LMSR cost function. Both are series expansions
// over checked 64.64 operations, so results are bit-identical across runs
// and platforms.

// e in 64.64: floor(e * 2^64) fractional bits.
var constE = U64F64{hi: 2, lo: 0xb7e151628aed2a6b}

// ln(2) in 64.64.
var constLn2 = U64F64{lo: 0xb17217f7d1cf79ab}

// maxExpInput bounds Exp's argument so the result fits 64 integer bits
// (e^43 < 2^63).
var maxExpInput = FromInt(43)

// Exp returns e^x. Arguments above ~43 overflow the 64-bit integer part
// and return ErrOverflow.
func (x U64F64) Exp() (U64F64, error) {
	if x.Cmp(maxExpInput) > 0 {
		return Zero, ErrOverflow
	}

	// e^x = e^floor(x) * e^frac(x)
	intPart := One
	for i := uint64(0); i < x.hi; i++ {
		var err error
		intPart, err = intPart.Mul(constE)
		if err != nil {
			return Zero, err
		}
	}

	// Taylor series for the fractional part: terms decay at least as fast
	// as 1/k!, so 24 terms exceed 64 fractional bits of precision.
	f := x.Frac()
	sum := One
	term := One
	for k := uint64(1); k <= 24; k++ {
		var err error
		term, err = term.Mul(f)
		if err != nil {
			return Zero, err
		}
		term, err = term.DivInt(k)
		if err != nil {
			return Zero, err
		}
		if term.IsZero() {
			break
		}
		sum, err = sum.Add(term)
		if err != nil {
			return Zero, err
		}
	}

	return intPart.Mul(sum)
}

// ExpNeg returns e^(-x). Arguments large enough to underflow the 64
// fractional bits return exactly zero.
func (x U64F64) ExpNeg() (U64F64, error) {
	if x.Cmp(maxExpInput) > 0 {
		return Zero, nil
	}
	ex, err := x.Exp()
	if err != nil {
		return Zero, err
	}
	return One.Div(ex)
}

// Ln returns the natural logarithm for x >= 1 (the only domain the LMSR
// log-sum-exp form requires: the max term always contributes exp(0) = 1).
func (x U64F64) Ln() (U64F64, error) {
	if x.Cmp(One) < 0 {
		return Zero, ErrLnDomain
	}
	if x.Cmp(One) == 0 {
		return Zero, nil
	}

	// Normalize x = r * 2^s with r in [1, 2).
	s := uint(bits.Len64(x.hi) - 1)
	r := x
	if s > 0 {
		r = U64F64{
			hi: x.hi >> s,
			lo: x.lo>>s | x.hi<<(64-s),
		}
	}

	// ln(r) via the atanh series: z = (r-1)/(r+1), ln r = 2*sum z^(2k+1)/(2k+1).
	// |z| < 1/3, giving > 3 bits per term; 24 terms cover 64 bits.
	num, err := r.Sub(One)
	if err != nil {
		return Zero, err
	}
	den, err := r.Add(One)
	if err != nil {
		return Zero, err
	}
	z, err := num.Div(den)
	if err != nil {
		return Zero, err
	}
	z2, err := z.Mul(z)
	if err != nil {
		return Zero, err
	}

	sum := Zero
	pow := z
	for k := uint64(0); k < 24; k++ {
		term, err := pow.DivInt(2*k + 1)
		if err != nil {
			return Zero, err
		}
		if term.IsZero() {
			break
		}
		sum, err = sum.Add(term)
		if err != nil {
			return Zero, err
		}
		pow, err = pow.Mul(z2)
		if err != nil {
			return Zero, err
		}
	}
	lnR, err := sum.MulInt(2)
	if err != nil {
		return Zero, err
	}

	sTerm, err := constLn2.MulInt(uint64(s))
	if err != nil {
		return Zero, err
	}
	return lnR.Add(sTerm)
}
