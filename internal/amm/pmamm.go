package amm

import (
	"errors"
	"fmt"
	"math/big"

	"VerseBet/internal/fixedpoint"
)

var (
	// ErrTargetSum is returned when the target probabilities do not sum to
	// ~100% (9900-10100 bps).
	ErrTargetSum = errors.New("amm: target probabilities must sum to 10000 bps (±100)")

	// ErrSingularJacobian is returned when elimination finds no usable pivot.
	ErrSingularJacobian = errors.New("amm: jacobian is singular")
)

const (
	// solverMaxIterations bounds the Newton-Raphson loop. Well-conditioned
	// markets converge in 3-6 iterations.
	solverMaxIterations = 10

	// solverTolerance is the residual L2 norm below which the solve is
	// converged: 1e4 at ProbScale (1e12) is a relative error of 1e-8.
	solverTolerance = 10_000

	// solverDampingBps scales each Newton step; 10000 = full step.
	solverDampingBps = 10_000

	// minWeight keeps weights strictly positive through updates.
	minWeight = int64(1)

	targetSumLow  = 9_900
	targetSumHigh = 10_100
)

// Result reports a solver run. On Converged=false the caller keeps the
// previous confirmed prices; non-convergence is a condition, not an error.
type Result struct {
	Prices     []int64 // PriceScale, sums to exactly PriceScale
	Weights    []int64 // ProbScale internals, exposed for warm starts
	Iterations int
	Residual   int64 // L2 norm at ProbScale
	Converged  bool
}

// Solver finds the weight vector whose normalized probabilities match the
// target probabilities, via damped Newton-Raphson on
//
//	f_i(w) = w_i/Σw - target_i
//
// with the analytic Jacobian of the normalization map. All arithmetic is
// checked fixed point at ProbScale; an overflow aborts the run as
// non-converged rather than panicking.
type Solver struct{}

func NewSolver() *Solver {
	return &Solver{}
}

// Solve runs price discovery. targetsBps are the desired probabilities in
// basis points (summing to 10000 ±100); reserves (QuoteScale) seed the
// initial weights, inverse-normalized so scarce outcomes start expensive.
func (s *Solver) Solve(targetsBps []int64, reserves []int64) (Result, error) {
	n := len(targetsBps)
	if n < 2 {
		return Result{}, fmt.Errorf("amm: solver needs at least 2 outcomes, got %d", n)
	}
	if len(reserves) != n {
		return Result{}, ErrDimensionMismatch
	}

	var sumBps int64
	for i, t := range targetsBps {
		if t <= 0 {
			return Result{}, fmt.Errorf("amm: target %d must be > 0 bps, got %d", i, t)
		}
		sumBps += t
	}
	if sumBps < targetSumLow || sumBps > targetSumHigh {
		return Result{}, fmt.Errorf("%w: got %d", ErrTargetSum, sumBps)
	}

	// Targets at ProbScale, normalized to the actual bps sum so f sums to
	// zero and the system stays consistent.
	targets := make([]int64, n)
	for i, t := range targetsBps {
		v, err := fixedpoint.MulDiv(t, fixedpoint.ProbScale, sumBps)
		if err != nil {
			return Result{}, err
		}
		targets[i] = v
	}

	weights, err := initialWeights(reserves)
	if err != nil {
		return Result{}, err
	}

	res := Result{Weights: weights}
	for iter := 1; iter <= solverMaxIterations; iter++ {
		res.Iterations = iter

		probs, err := normalize(weights)
		if err != nil {
			return res, nil // overflow: report non-converged
		}

		f := make([]int64, n)
		for i := range f {
			f[i] = probs[i] - targets[i]
		}
		res.Residual = l2Norm(f)
		if res.Residual < solverTolerance {
			res.Converged = true
			break
		}

		jac, err := jacobian(weights, probs)
		if err != nil {
			return res, nil
		}
		neg := make([]int64, n)
		for i := range f {
			neg[i] = -f[i]
		}
		// The normalization Jacobian is rank n-1 (probabilities always sum
		// to one, so columns sum to zero). Fix the gauge by replacing the
		// last equation with Σ Δw = 0, which keeps the weight sum constant.
		for j := 0; j < n; j++ {
			jac[n-1][j] = fixedpoint.ProbScale
		}
		neg[n-1] = 0
		delta, err := solveLinear(jac, neg)
		if err != nil {
			return res, nil
		}

		for i := range weights {
			step, err := fixedpoint.MulDiv(delta[i], solverDampingBps, fixedpoint.BpsScale)
			if err != nil {
				return res, nil
			}
			weights[i] += step
			if weights[i] < minWeight {
				weights[i] = minWeight
			}
		}
	}

	prices, err := weightsToPrices(weights)
	if err != nil {
		return res, err
	}
	res.Prices = prices
	res.Weights = weights
	return res, nil
}

// initialWeights inverse-normalizes reserves: w_i ∝ 1/reserve_i. A zero
// reserve is floored at one quote unit.
func initialWeights(reserves []int64) ([]int64, error) {
	n := len(reserves)
	inv := make([]int64, n)
	var sum int64
	for i, r := range reserves {
		if r < 0 {
			return nil, fmt.Errorf("amm: reserve %d must be >= 0, got %d", i, r)
		}
		if r == 0 {
			r = 1
		}
		v, err := fixedpoint.MulDiv(fixedpoint.ProbScale, 1, r)
		if err != nil {
			return nil, err
		}
		if v < minWeight {
			v = minWeight
		}
		inv[i] = v
		sum += v
	}
	weights := make([]int64, n)
	for i, v := range inv {
		w, err := fixedpoint.MulDiv(v, fixedpoint.ProbScale, sum)
		if err != nil {
			return nil, err
		}
		if w < minWeight {
			w = minWeight
		}
		weights[i] = w
	}
	return weights, nil
}

// normalize maps weights to probabilities at ProbScale.
func normalize(weights []int64) ([]int64, error) {
	var sum int64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return nil, ErrSingularJacobian
	}
	probs := make([]int64, len(weights))
	for i, w := range weights {
		p, err := fixedpoint.MulDiv(w, fixedpoint.ProbScale, sum)
		if err != nil {
			return nil, err
		}
		probs[i] = p
	}
	return probs, nil
}

// jacobian builds J_ij = ∂p_i/∂w_j of the normalization map, scaled so that
// J * Δw stays at ProbScale when Δw is at ProbScale:
//
//	diag:     (Σ - w_i) / Σ  * ProbScale / Σ  -> expressed per unit weight
//	off-diag: -w_i / Σ       * ProbScale / Σ
//
// The common 1/Σ factor is folded in via MulDiv against the weight sum.
func jacobian(weights, probs []int64) ([][]int64, error) {
	n := len(weights)
	var sum int64
	for _, w := range weights {
		sum += w
	}
	jac := make([][]int64, n)
	for i := 0; i < n; i++ {
		jac[i] = make([]int64, n)
		for j := 0; j < n; j++ {
			var num int64
			if i == j {
				num = fixedpoint.ProbScale - probs[i]
			} else {
				num = -probs[i]
			}
			// dp_i/dw_j = num / (ProbScale * sum); keep it at ProbScale per
			// ProbScale of weight delta.
			v, err := fixedpoint.MulDiv(num, fixedpoint.ProbScale, sum)
			if err != nil {
				return nil, err
			}
			jac[i][j] = v
		}
	}
	return jac, nil
}

// solveLinear solves J*x = rhs by Gaussian elimination with partial
// pivoting, fixed point at ProbScale.
func solveLinear(jac [][]int64, rhs []int64) ([]int64, error) {
	n := len(rhs)
	a := make([][]int64, n)
	for i := range jac {
		a[i] = make([]int64, n)
		copy(a[i], jac[i])
	}
	b := make([]int64, n)
	copy(b, rhs)

	for col := 0; col < n; col++ {
		// Partial pivot: largest |a[row][col]| at or below the diagonal.
		pivot := col
		for row := col + 1; row < n; row++ {
			if abs64(a[row][col]) > abs64(a[pivot][col]) {
				pivot = row
			}
		}
		if a[pivot][col] == 0 {
			return nil, ErrSingularJacobian
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for row := col + 1; row < n; row++ {
			factor, err := fixedpoint.MulDiv(a[row][col], fixedpoint.ProbScale, a[col][col])
			if err != nil {
				return nil, err
			}
			for k := col; k < n; k++ {
				sub, err := fixedpoint.MulDiv(factor, a[col][k], fixedpoint.ProbScale)
				if err != nil {
					return nil, err
				}
				a[row][k] -= sub
			}
			sub, err := fixedpoint.MulDiv(factor, b[col], fixedpoint.ProbScale)
			if err != nil {
				return nil, err
			}
			b[row] -= sub
		}
	}

	x := make([]int64, n)
	for row := n - 1; row >= 0; row-- {
		acc := b[row]
		for k := row + 1; k < n; k++ {
			sub, err := fixedpoint.MulDiv(a[row][k], x[k], fixedpoint.ProbScale)
			if err != nil {
				return nil, err
			}
			acc -= sub
		}
		if a[row][row] == 0 {
			return nil, ErrSingularJacobian
		}
		v, err := fixedpoint.MulDiv(acc, fixedpoint.ProbScale, a[row][row])
		if err != nil {
			return nil, err
		}
		x[row] = v
	}
	return x, nil
}

// weightsToPrices renormalizes weights into a PriceScale vector summing to
// exactly PriceScale.
func weightsToPrices(weights []int64) ([]int64, error) {
	var sum int64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return nil, ErrSingularJacobian
	}
	prices := make([]int64, len(weights))
	var total int64
	argmax := 0
	for i, w := range weights {
		p, err := fixedpoint.MulDiv(w, fixedpoint.PriceScale, sum)
		if err != nil {
			return nil, err
		}
		prices[i] = p
		total += p
		if prices[i] > prices[argmax] {
			argmax = i
		}
	}
	prices[argmax] += fixedpoint.PriceScale - total
	return prices, nil
}

// l2Norm computes the Euclidean norm with big.Int squares so large residuals
// cannot overflow.
func l2Norm(xs []int64) int64 {
	acc := new(big.Int)
	tmp := new(big.Int)
	for _, x := range xs {
		tmp.SetInt64(x)
		tmp.Mul(tmp, tmp)
		acc.Add(acc, tmp)
	}
	return acc.Sqrt(acc).Int64()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
