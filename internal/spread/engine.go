// Package spread computes per-pair hedge ratios, rolling spread statistics,
// and mean-reversion half-lives over a fixed lookback window.
package spread

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientHistory is returned when fewer observations exist than the
// rolling window requires. The pair is skipped for the cycle, not failed.
var ErrInsufficientHistory = errors.New("insufficient price history")

// stdFloor guards the z-score against division blow-up on flat spreads.
const stdFloor = 1e-8

// maxHalfLife caps the AR(1) half-life estimate; anything slower is reported
// as not mean reverting.
const maxHalfLife = 500.0

// Stats is the full output of one engine evaluation. Recomputing over the
// same window yields identical values.
type Stats struct {
	HedgeRatio     float64
	Spread         float64
	Mean           float64
	Std            float64
	Z              float64
	HalfLife       float64 // periods; +Inf when the spread does not revert
	Correlation    float64 // trailing correlation of leg returns
	ReturnVariance float64 // trailing variance of unit-notional spread changes
	UnitNotional   float64 // gross price of one spread unit: pA + |beta|*pB
}

// Engine evaluates one pair over a rolling window. It holds no state between
// calls beyond the configured window length.
type Engine struct {
	window int
}

// NewEngine builds an engine with the given rolling window length.
func NewEngine(window int) *Engine {
	if window < 2 {
		window = 2
	}
	return &Engine{window: window}
}

// Window returns the configured lookback length.
func (e *Engine) Window() int { return e.window }

// Compute fits the hedge ratio by regressing leg A on leg B over the most
// recent window, then derives spread statistics from the same window. Both
// series must be aligned oldest-first.
func (e *Engine) Compute(pricesA, pricesB []float64) (Stats, error) {
	if len(pricesA) != len(pricesB) {
		return Stats{}, fmt.Errorf("leg history mismatch: %d vs %d points", len(pricesA), len(pricesB))
	}
	if len(pricesA) < e.window {
		return Stats{}, fmt.Errorf("%w: have %d points, need %d", ErrInsufficientHistory, len(pricesA), e.window)
	}

	a := pricesA[len(pricesA)-e.window:]
	b := pricesB[len(pricesB)-e.window:]

	beta := hedgeRatio(a, b)

	spreads := make([]float64, e.window)
	for i := range a {
		spreads[i] = a[i] - beta*b[i]
	}

	mean := meanOf(spreads)
	std := sampleStd(spreads, mean)
	flooredStd := math.Max(std, stdFloor)
	last := spreads[len(spreads)-1]

	unit := a[len(a)-1] + math.Abs(beta)*b[len(b)-1]
	if unit <= 0 {
		unit = 1
	}

	return Stats{
		HedgeRatio:     beta,
		Spread:         last,
		Mean:           mean,
		Std:            std,
		Z:              (last - mean) / flooredStd,
		HalfLife:       halfLife(spreads),
		Correlation:    returnCorrelation(a, b),
		ReturnVariance: returnVariance(spreads, unit),
		UnitNotional:   unit,
	}, nil
}

// hedgeRatio is the OLS slope of a on b with intercept: cov(a,b)/var(b).
func hedgeRatio(a, b []float64) float64 {
	meanA := meanOf(a)
	meanB := meanOf(b)
	var cov, varB float64
	for i := range a {
		cov += (a[i] - meanA) * (b[i] - meanB)
		varB += (b[i] - meanB) * (b[i] - meanB)
	}
	if varB == 0 {
		return 0
	}
	return cov / varB
}

// halfLife fits the AR(1) drift: delta_t = lambda * spread_{t-1}. A
// non-negative lambda means the spread walks away instead of reverting.
func halfLife(spreads []float64) float64 {
	if len(spreads) < 3 {
		return math.Inf(1)
	}
	var num, den float64
	for t := 1; t < len(spreads); t++ {
		lag := spreads[t-1]
		num += lag * (spreads[t] - spreads[t-1])
		den += lag * lag
	}
	if den == 0 {
		return math.Inf(1)
	}
	lambda := num / den
	if lambda >= 0 {
		return math.Inf(1)
	}
	hl := -math.Ln2 / lambda
	if hl <= 0 || hl > maxHalfLife || math.IsNaN(hl) {
		return math.Inf(1)
	}
	return hl
}

// ReturnCorrelation correlates one-period returns of two aligned price
// series. Returns, not prices: price levels are non-stationary. Used both for
// pair statistics and for the cross-pair matrix the risk gate consumes.
func ReturnCorrelation(pricesA, pricesB []float64) float64 {
	return returnCorrelation(pricesA, pricesB)
}

func returnCorrelation(a, b []float64) float64 {
	ra := pctReturns(a)
	rb := pctReturns(b)
	if len(ra) < 2 || len(ra) != len(rb) {
		return 0
	}
	meanA := meanOf(ra)
	meanB := meanOf(rb)
	var cov, varA, varB float64
	for i := range ra {
		da := ra[i] - meanA
		db := rb[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// returnVariance measures the variance of one-period spread changes scaled by
// the unit notional, the denominator of the Kelly sizing formula.
func returnVariance(spreads []float64, unitNotional float64) float64 {
	if len(spreads) < 3 {
		return 0
	}
	diffs := make([]float64, 0, len(spreads)-1)
	for t := 1; t < len(spreads); t++ {
		diffs = append(diffs, (spreads[t]-spreads[t-1])/unitNotional)
	}
	mean := meanOf(diffs)
	var v float64
	for _, d := range diffs {
		v += (d - mean) * (d - mean)
	}
	return v / float64(len(diffs)-1)
}

func pctReturns(prices []float64) []float64 {
	out := make([]float64, 0, len(prices)-1)
	for t := 1; t < len(prices); t++ {
		if prices[t-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, prices[t]/prices[t-1]-1)
	}
	return out
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func sampleStd(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return math.Sqrt(v / float64(len(xs)-1))
}

// PairScore ranks pair quality from trailing correlation and half-life, the
// composite used when pairs are recomputed. Higher is better.
func PairScore(correlation, halfLifePeriods float64) float64 {
	var score float64
	switch {
	case math.IsInf(halfLifePeriods, 1):
	case halfLifePeriods < 30:
		score += 30
	case halfLifePeriods < 60:
		score += 20
	case halfLifePeriods < 120:
		score += 10
	}
	switch {
	case correlation > 0.8:
		score += 20
	case correlation > 0.7:
		score += 15
	case correlation > 0.6:
		score += 10
	}
	return score
}
