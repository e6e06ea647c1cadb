/*
pricing.go - Price quotes for holds and anonymous carts

PURPOSE:
  Combines the discount resolver and the voucher allocator into a quote
  with per-line shares. The same function prices a hold for the customer,
  refreshes the hold's provisional quote on every write, and re-prices at
  finalize, so the three can never disagree.

PER-LINE SHARES:
  discount  from DiscountResolver, per unit, summed per line
  voucher   each allocation is split across the lines it applies to,
            weighted by what is left to pay on each line
  total     gross - discount - voucher, never negative

  gross - discount - voucher == total holds for the quote and every line.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// QuoteLine is the priced view of one hold line.
type QuoteLine struct {
	LineID    LineID          `json:"line_id,omitempty"`
	ItemID    ItemID          `json:"item_id"`
	RoleID    RoleID          `json:"role_id,omitempty"`
	IsDropIn  bool            `json:"is_drop_in"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Gross     decimal.Decimal `json:"gross"`
	Discount  decimal.Decimal `json:"discount"`
	Voucher   decimal.Decimal `json:"voucher"`
	Total     decimal.Decimal `json:"total"`
	Category  string          `json:"category,omitempty"`
}

// Quote is a side-effect free price of a cart.
type Quote struct {
	Currency       string             `json:"currency"`
	Lines          []QuoteLine        `json:"lines"`
	Gross          decimal.Decimal    `json:"gross"`
	DiscountID     DiscountID         `json:"discount_id,omitempty"`
	DiscountName   string             `json:"discount_name,omitempty"`
	DiscountAmount decimal.Decimal    `json:"discount_amount"`
	AddOns         []string           `json:"add_ons,omitempty"`
	Vouchers       []VoucherAllocated `json:"vouchers,omitempty"`
	VoucherTotal   decimal.Decimal    `json:"voucher_total"`
	VoucherErrors  []*VoucherError    `json:"-"`
	Total          decimal.Decimal    `json:"total"`
}

// CartInput prices lines that are not stored in a hold.
type CartInput struct {
	Customer     Customer
	Lines        []LineRequest
	VoucherCodes []string
}

type PricingService struct {
	store     Store
	clock     Clock
	policy    PricingPolicy
	discounts *DiscountResolver
	vouchers  *VoucherAllocator
}

func NewPricingService(store Store, clock Clock, policy PricingPolicy) *PricingService {
	return &PricingService{
		store:     store,
		clock:     clock,
		policy:    policy,
		discounts: NewDiscountResolver(),
		vouchers:  NewVoucherAllocator(),
	}
}

func (p *PricingService) Policy() PricingPolicy { return p.policy }

// QuoteHold prices a stored hold without modifying anything.
func (p *PricingService) QuoteHold(ctx context.Context, id HoldID) (Quote, error) {
	var q Quote
	err := p.store.WithTx(ctx, func(tx Tx) error {
		hold, err := tx.GetHold(ctx, id)
		if err != nil {
			return err
		}
		q, err = p.quote(ctx, tx, hold.Customer, hold.Items, hold.VoucherCodes)
		return err
	})
	return q, err
}

// QuoteCart prices an anonymous cart using current unit prices.
func (p *PricingService) QuoteCart(ctx context.Context, in CartInput) (Quote, error) {
	var q Quote
	err := p.store.WithTx(ctx, func(tx Tx) error {
		lines := make([]HoldLineItem, 0, len(in.Lines))
		for i, req := range in.Lines {
			if req.Quantity <= 0 {
				continue
			}
			item, err := tx.GetItem(ctx, req.ItemID)
			if err != nil {
				return fmt.Errorf("line %d: %w", i, err)
			}
			lines = append(lines, HoldLineItem{
				ItemID:    req.ItemID,
				RoleID:    req.RoleID,
				Quantity:  req.Quantity,
				IsDropIn:  req.DropIn,
				UnitPrice: item.Pricing.UnitPrice(in.Customer.Student, in.Customer.AtDoor, req.DropIn),
			})
		}
		var err error
		q, err = p.quote(ctx, tx, in.Customer, lines, in.VoucherCodes)
		return err
	})
	return q, err
}

// quote is the single pricing path. Invalid voucher codes are skipped and
// reported in Quote.VoucherErrors.
func (p *PricingService) quote(ctx context.Context, tx Tx, customer Customer, lines []HoldLineItem, codes []string) (Quote, error) {
	now := p.clock.Now()
	q := Quote{
		Currency:       p.policy.Currency,
		Lines:          make([]QuoteLine, len(lines)),
		DiscountAmount: decimal.Zero,
		VoucherTotal:   decimal.Zero,
	}

	items := make(map[ItemID]*InventoryItem)
	var units []DiscountItem
	var unitLine []int
	for i, li := range lines {
		item, ok := items[li.ItemID]
		if !ok {
			var err error
			if item, err = tx.GetItem(ctx, li.ItemID); err != nil {
				return Quote{}, err
			}
			items[li.ItemID] = item
		}
		q.Lines[i] = QuoteLine{
			LineID:    li.ID,
			ItemID:    li.ItemID,
			RoleID:    li.RoleID,
			IsDropIn:  li.IsDropIn,
			Quantity:  li.Quantity,
			UnitPrice: li.UnitPrice,
			Gross:     roundCents(li.Gross()),
			Discount:  decimal.Zero,
			Voucher:   decimal.Zero,
			Category:  item.Category,
		}
		for u := 0; u < li.Quantity; u++ {
			units = append(units, DiscountItem{
				PointGroup: item.Pricing.PointGroup,
				Points:     item.Pricing.Points,
				Price:      li.UnitPrice,
				StartsAt:   item.FirstOccurrence,
				IsDropIn:   li.IsDropIn,
			})
			unitLine = append(unitLine, i)
		}
	}
	q.Gross = sumDecimals(lo.Map(q.Lines, func(l QuoteLine, _ int) decimal.Decimal { return l.Gross }))

	// Discount
	defs, err := tx.ListDiscounts(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("list discounts: %w", err)
	}
	returning, err := tx.HasRegistrations(ctx, customer.Key())
	if err != nil {
		return Quote{}, fmt.Errorf("customer history: %w", err)
	}
	res := p.discounts.Resolve(DiscountInput{Items: units, Definitions: defs, NewCustomer: !returning, Now: now})
	for u, share := range res.Shares {
		l := &q.Lines[unitLine[u]]
		l.Discount = l.Discount.Add(share)
	}
	if res.Applied() {
		q.DiscountID = res.Discount.ID
		q.DiscountName = res.Discount.Name
		q.DiscountAmount = res.Amount
	}
	for _, a := range res.AddOns {
		q.AddOns = append(q.AddOns, lo.Ternary(a.AddOnName != "", a.AddOnName, a.Name))
	}

	// Vouchers
	remaining := lo.Map(q.Lines, func(l QuoteLine, _ int) decimal.Decimal { return l.Gross.Sub(l.Discount) })
	candidates, verrs, err := p.candidates(ctx, tx, customer, codes, q.Lines, remaining, now)
	if err != nil {
		return Quote{}, err
	}
	q.VoucherErrors = verrs

	alloc, shares := p.vouchers.AllocateLines(remaining, candidates)
	for k, a := range alloc.Allocations {
		for i, s := range shares[k] {
			q.Lines[i].Voucher = q.Lines[i].Voucher.Add(s)
			remaining[i] = remaining[i].Sub(s)
		}
		q.Vouchers = append(q.Vouchers, a)
	}
	q.VoucherTotal = alloc.Total

	for i := range q.Lines {
		q.Lines[i].Total = remaining[i]
	}
	q.Total = sumDecimals(remaining)
	return q, nil
}

// candidates loads the customer's credits and the entered codes, validates
// them and marks the lines each category-restricted voucher may be spent on.
func (p *PricingService) candidates(
	ctx context.Context, tx Tx, customer Customer, codes []string,
	lines []QuoteLine, remaining []decimal.Decimal, now time.Time,
) ([]VoucherCandidate, []*VoucherError, error) {
	var vouchers []Voucher
	if customer.Key() != "" {
		credits, err := tx.CreditsForCustomer(ctx, customer.Key())
		if err != nil {
			return nil, nil, fmt.Errorf("load credits: %w", err)
		}
		vouchers = append(vouchers, credits...)
	}

	var verrs []*VoucherError
	for _, code := range lo.Uniq(codes) {
		v, err := tx.GetVoucherByCode(ctx, code)
		if errors.Is(err, ErrVoucherNotFound) {
			verrs = append(verrs, &VoucherError{Code: code, Kind: VoucherNotFound})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load voucher %q: %w", code, err)
		}
		vouchers = append(vouchers, *v)
	}

	seen := make(map[VoucherID]bool)
	var out []VoucherCandidate
	for _, v := range vouchers {
		if seen[v.ID] {
			continue
		}
		seen[v.ID] = true

		uses, err := tx.VoucherUses(ctx, v.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("voucher uses: %w", err)
		}
		if err := ValidateVoucher(v, uses, customer, now); err != nil {
			var ve *VoucherError
			if errors.As(err, &ve) {
				if !v.AutoApplied() {
					verrs = append(verrs, ve)
				}
				continue
			}
			return nil, nil, err
		}

		c := VoucherCandidate{Voucher: v, AmountLeft: AmountLeft(v, uses)}
		if len(v.Categories) > 0 {
			c.Lines = make([]bool, len(lines))
			limit := decimal.Zero
			for i, l := range lines {
				if lo.Contains(v.Categories, l.Category) {
					c.Lines[i] = true
					limit = limit.Add(remaining[i])
				}
			}
			if !limit.IsPositive() {
				verrs = append(verrs, &VoucherError{Code: v.Code, Kind: VoucherNotApplicable})
				continue
			}
		}
		out = append(out, c)
	}
	return out, verrs, nil
}
