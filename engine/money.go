package engine

import (
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// centPlaces is the rounding precision of every stored money amount.
const centPlaces = 2

func roundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(centPlaces)
}

func sumDecimals(ds []decimal.Decimal) decimal.Decimal {
	return lo.Reduce(ds, func(acc decimal.Decimal, d decimal.Decimal, _ int) decimal.Decimal {
		return acc.Add(d)
	}, decimal.Zero)
}

func minDecimal(first decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	m := first
	for _, d := range rest {
		if d.LessThan(m) {
			m = d
		}
	}
	return m
}

// SplitProportional divides total across weights, rounded to cents.
// The shares always sum exactly to the rounded total; the rounding
// remainder lands on the heaviest weight. Zero weights receive nothing
// unless every weight is zero, in which case the split is even. When the
// weights cover the total, every share stays between zero and its weight.
func SplitProportional(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	heaviest := 0
	for i, w := range weights {
		if w.GreaterThan(weights[heaviest]) {
			heaviest = i
		}
	}
	return splitProportional(total, weights, heaviest)
}

// splitProportional is SplitProportional with the remainder placed on
// weights[remainderAt].
func splitProportional(total decimal.Decimal, weights []decimal.Decimal, remainderAt int) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return shares
	}
	total = roundCents(total)

	sum := sumDecimals(weights)
	covered := sum.IsPositive() && !total.IsNegative() && total.LessThanOrEqual(sum)
	if sum.IsZero() {
		weights = lo.Map(weights, func(_ decimal.Decimal, _ int) decimal.Decimal { return decimal.NewFromInt(1) })
		sum = decimal.NewFromInt(int64(len(weights)))
	}

	allocated := decimal.Zero
	for i, w := range weights {
		if i == remainderAt {
			continue
		}
		shares[i] = roundCents(total.Mul(w).Div(sum))
		allocated = allocated.Add(shares[i])
	}
	shares[remainderAt] = total.Sub(allocated)
	if covered {
		clampShares(shares, weights)
	}
	return shares
}

// clampShares keeps every share between zero and its weight without
// changing the sum, moving the difference across entries in index order.
// The weights must be non-negative and sum to at least the shares.
func clampShares(shares, weights []decimal.Decimal) {
	excess := decimal.Zero
	for i := range shares {
		switch {
		case shares[i].GreaterThan(weights[i]):
			excess = excess.Add(shares[i].Sub(weights[i]))
			shares[i] = weights[i]
		case shares[i].IsNegative():
			excess = excess.Add(shares[i])
			shares[i] = decimal.Zero
		}
	}
	for i := range shares {
		switch {
		case excess.IsPositive():
			if move := minDecimal(weights[i].Sub(shares[i]), excess); move.IsPositive() {
				shares[i] = shares[i].Add(move)
				excess = excess.Sub(move)
			}
		case excess.IsNegative():
			if move := minDecimal(shares[i], excess.Neg()); move.IsPositive() {
				shares[i] = shares[i].Sub(move)
				excess = excess.Add(move)
			}
		default:
			return
		}
	}
}
