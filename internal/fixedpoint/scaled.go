package fixedpoint

import (
	"math/big"
	"sync"
)

// RoundingMode selects how scaled-integer division rounds.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // banker's rounding (default)
	RoundDown
	RoundUp
)

// int128Pool recycles big.Int intermediates on the hot path.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MulInt128 performs a * b in 128-bit space to prevent overflow.
func MulInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivInt128 performs numerator / denominator with the given rounding.
func DivInt128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)
	result := quotient.Int64()
	remainder.Abs(remainder)

	switch mode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result = roundAway(result, numerator.Sign())
		} else if cmp == 0 && denominator%2 == 0 && result%2 != 0 {
			result = roundAway(result, numerator.Sign())
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result = roundAway(result, numerator.Sign())
		}
	}

	putInt128(quotient)
	putInt128(remainder)
	return result
}

func roundAway(v int64, sign int) int64 {
	if sign < 0 {
		return v - 1
	}
	return v + 1
}

// MulDiv returns a*b/den with a 128-bit intermediate and banker's rounding.
func MulDiv(a, b, den int64) (int64, error) {
	if den == 0 {
		return 0, ErrDivisionByZero
	}
	num := MulInt128(a, b)
	result := DivInt128(num, den, RoundHalfEven)
	putInt128(num)
	return result, nil
}

// Notional returns the quote-denominated value of a position:
// size * price / PriceScale.
func Notional(size, price int64) (int64, error) {
	return MulDiv(size, price, PriceScale)
}

// SizeForNotional returns the token size representing the given notional at
// the given price: notional * PriceScale / price.
func SizeForNotional(notional, price int64) (int64, error) {
	if price == 0 {
		return 0, ErrDivisionByZero
	}
	return MulDiv(notional, PriceScale, price)
}

// LeveredNotional returns margin * leverageBps / BpsScale.
func LeveredNotional(margin, leverageBps int64) (int64, error) {
	return MulDiv(margin, leverageBps, BpsScale)
}

// UnrealizedPnL returns sideSign * (markPrice - entryPrice) * size / PriceScale
// in quote units. sideSign is +1 for longs and -1 for shorts.
func UnrealizedPnL(sideSign int64, markPrice, entryPrice, size int64) (int64, error) {
	return MulDiv(sideSign*(markPrice-entryPrice), size, PriceScale)
}
