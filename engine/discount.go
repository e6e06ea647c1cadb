/*
discount.go - Best-price discount resolution

PURPOSE:
  Given the units in a cart and the active discount definitions, pick the
  single definition that produces the lowest total. Pure: no store access,
  no clock, so the same input always prices the same way.

MATCHING:
  Every unit carries a point group and a point weight. A definition
  matches when each of its components can consume `quantity` points from
  unconsumed units of its group. Units are consumed greedily, most
  expensive first, so the discount lands on the priciest units. A
  component with AllWithinPointGroup consumes every remaining unit of the
  group once its minimum is met.

  Drop-in units and units without a point group never match.

PRICING:
  flat_price   matched units cost FlatPrice together
  dollar_off   DollarOff off the matched units
  percent_off  PercentOff percent off the matched units
  With ApplyToAll the reduction applies to the whole cart instead.
  A discount never makes the total negative.

TIE BREAKING:
  Lowest total wins. On equal totals the lower Priority wins, then the
  lower id. A definition that is not strictly cheaper than the base price
  is never applied.

ADD-ONS:
  add_on definitions do not change the price; every matching one is
  reported so the front end can offer it.
*/
package engine

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// DiscountItem is one unit of the cart as the resolver sees it.
type DiscountItem struct {
	PointGroup string
	Points     decimal.Decimal
	Price      decimal.Decimal
	StartsAt   time.Time
	IsDropIn   bool
}

type DiscountInput struct {
	Items       []DiscountItem
	Definitions []DiscountDefinition
	NewCustomer bool
	Now         time.Time
}

// DiscountResult is the outcome of resolution.
// Shares is aligned with DiscountInput.Items and sums to Amount.
type DiscountResult struct {
	Discount  *DiscountDefinition
	Amount    decimal.Decimal
	BaseTotal decimal.Decimal
	Total     decimal.Decimal
	Shares    []decimal.Decimal
	AddOns    []DiscountDefinition
}

// Applied reports whether a discount changed the price.
func (r DiscountResult) Applied() bool { return r.Discount != nil }

type DiscountResolver struct{}

func NewDiscountResolver() *DiscountResolver { return &DiscountResolver{} }

func (r *DiscountResolver) Resolve(in DiscountInput) DiscountResult {
	prices := lo.Map(in.Items, func(it DiscountItem, _ int) decimal.Decimal { return it.Price })
	base := sumDecimals(prices)
	best := DiscountResult{
		BaseTotal: base,
		Total:     base,
		Amount:    decimal.Zero,
		Shares:    zeroShares(len(in.Items)),
	}

	defs := append([]DiscountDefinition(nil), in.Definitions...)
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return defs[i].ID < defs[j].ID
	})

	order := byPriceDesc(in.Items)
	for i := range defs {
		def := defs[i]
		if !eligible(def, in) {
			continue
		}
		matched, ok := match(def, in, order)
		if !ok {
			continue
		}
		if def.Type == DiscountAddOn {
			best.AddOns = append(best.AddOns, def)
			continue
		}

		targets := matched
		if def.ApplyToAll {
			targets = lo.Range(len(in.Items))
		}
		amount := reduction(def, in.Items, targets)
		if !amount.IsPositive() || !amount.GreaterThan(best.Amount) {
			continue
		}

		weights := make([]decimal.Decimal, len(targets))
		for k, idx := range targets {
			weights[k] = in.Items[idx].Price
		}
		split := splitProportional(amount, weights, len(weights)-1)
		shares := zeroShares(len(in.Items))
		for k, idx := range targets {
			shares[idx] = split[k]
		}

		best.Discount = &def
		best.Amount = amount
		best.Total = base.Sub(amount)
		best.Shares = shares
	}
	return best
}

func eligible(def DiscountDefinition, in DiscountInput) bool {
	if !def.Active || len(def.Components) == 0 {
		return false
	}
	if def.ExpiresAt != nil && in.Now.After(*def.ExpiresAt) {
		return false
	}
	if def.NewCustomersOnly && !in.NewCustomer {
		return false
	}
	return true
}

// match returns the indexes of the units consumed by def, or false when a
// component cannot be satisfied.
func match(def DiscountDefinition, in DiscountInput, order []int) ([]int, bool) {
	consumed := make(map[int]bool)
	var matched []int

	for _, c := range def.Components {
		points := decimal.Zero
		var taken []int
		for _, idx := range order {
			it := in.Items[idx]
			if consumed[idx] || !matchable(it, def, in.Now) || it.PointGroup != c.PointGroup {
				continue
			}
			if !c.AllWithinPointGroup && points.GreaterThanOrEqual(c.Quantity) {
				break
			}
			taken = append(taken, idx)
			points = points.Add(it.Points)
		}
		if len(taken) == 0 || points.LessThan(c.Quantity) {
			return nil, false
		}
		for _, idx := range taken {
			consumed[idx] = true
		}
		matched = append(matched, taken...)
	}
	sort.Ints(matched)
	return matched, true
}

func matchable(it DiscountItem, def DiscountDefinition, now time.Time) bool {
	if it.IsDropIn || it.PointGroup == "" {
		return false
	}
	if def.MinLeadDays != nil && !it.StartsAt.IsZero() {
		if it.StartsAt.Before(now.AddDate(0, 0, *def.MinLeadDays)) {
			return false
		}
	}
	return true
}

func reduction(def DiscountDefinition, items []DiscountItem, targets []int) decimal.Decimal {
	base := decimal.Zero
	for _, idx := range targets {
		base = base.Add(items[idx].Price)
	}

	var amount decimal.Decimal
	switch def.Type {
	case DiscountFlatPrice:
		amount = base.Sub(def.FlatPrice)
	case DiscountDollarOff:
		amount = def.DollarOff
	case DiscountPercentOff:
		amount = base.Mul(def.PercentOff).Div(decimal.NewFromInt(100))
	default:
		return decimal.Zero
	}
	amount = roundCents(amount)
	if amount.GreaterThan(base) {
		amount = base
	}
	return amount
}

func byPriceDesc(items []DiscountItem) []int {
	order := lo.Range(len(items))
	sort.SliceStable(order, func(i, j int) bool {
		return items[order[i]].Price.GreaterThan(items[order[j]].Price)
	})
	return order
}

func zeroShares(n int) []decimal.Decimal {
	return lo.Times(n, func(int) decimal.Decimal { return decimal.Zero })
}
