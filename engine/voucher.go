/*
voucher.go - Voucher validation and allocation

PURPOSE:
  Validates a voucher against a customer and splits a subtotal across
  the customer's vouchers. Allocation is pure: balances are only reduced
  when InvoiceFinalizer writes VoucherUse rows.

ALLOCATION ORDER:
  1. Auto-applied referral credits, in the order given
  2. Manually entered codes, in entry order

  For each voucher:
    usable = min(remaining, amountLeft, maxAmountPerUse?, categoryCap?)
  Allocation stops once nothing remains to pay.

  Quotes allocate per line. The category cap of a restricted voucher is
  the balance its lines still carry after earlier vouchers, not their
  value before any voucher.

BALANCE:
  amountLeft = originalAmount + credited - sum(uses.amount)
*/
package engine

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// =============================================================================
// VALIDATION
// =============================================================================

// AmountLeft returns the unspent balance of v given its recorded uses.
func AmountLeft(v Voucher, uses []VoucherUse) decimal.Decimal {
	spent := sumDecimals(lo.Map(uses, func(u VoucherUse, _ int) decimal.Decimal { return u.Amount }))
	left := v.OriginalAmount.Add(v.Credited).Sub(spent)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// ValidateVoucher checks whether customer may redeem v at now.
// Returns a *VoucherError describing the first failed rule.
func ValidateVoucher(v Voucher, uses []VoucherUse, customer Customer, now time.Time) error {
	fail := func(kind VoucherErrorKind) error { return &VoucherError{Code: v.Code, Kind: kind} }

	if v.Disabled {
		return fail(VoucherDisabled)
	}
	if v.ExpiresAt != nil && now.After(*v.ExpiresAt) {
		return fail(VoucherExpired)
	}
	if !allowedCustomer(v, customer) {
		return fail(VoucherWrongCustomer)
	}
	if v.SingleUse && len(uses) > 0 {
		return fail(VoucherAlreadyUsed)
	}
	if !AmountLeft(v, uses).IsPositive() {
		return fail(VoucherExhausted)
	}
	return nil
}

func allowedCustomer(v Voucher, c Customer) bool {
	key := c.Key()
	if v.AutoApplied() && NormalizeEmail(v.OwnerEmail) != key {
		return false
	}
	if len(v.Customers) == 0 && len(v.CustomerGroups) == 0 {
		return true
	}
	if lo.ContainsBy(v.Customers, func(e string) bool { return NormalizeEmail(e) == key }) {
		return true
	}
	return lo.Some(v.CustomerGroups, c.Groups)
}

// =============================================================================
// ALLOCATION
// =============================================================================

// VoucherCandidate is a validated voucher offered to the allocator.
// CategoryCap, when set, bounds the voucher to the value of the cart lines
// in its categories. Lines marks those cart lines for AllocateLines; nil
// means every line.
type VoucherCandidate struct {
	Voucher     Voucher
	AmountLeft  decimal.Decimal
	CategoryCap *decimal.Decimal
	Lines       []bool
}

type VoucherAllocation struct {
	Allocations []VoucherAllocated `json:"allocations"`
	Total       decimal.Decimal    `json:"total"`
	Remaining   decimal.Decimal    `json:"remaining"`
}

type VoucherAllocator struct{}

func NewVoucherAllocator() *VoucherAllocator { return &VoucherAllocator{} }

// Allocate spends candidates against a single subtotal.
func (a *VoucherAllocator) Allocate(subtotal decimal.Decimal, candidates []VoucherCandidate) VoucherAllocation {
	out := VoucherAllocation{Total: decimal.Zero, Remaining: roundCents(subtotal)}
	for _, c := range allocationOrder(candidates) {
		if !out.Remaining.IsPositive() {
			break
		}
		usable := c.usable(out.Remaining)
		if c.CategoryCap != nil {
			usable = roundCents(minDecimal(usable, *c.CategoryCap))
		}
		if !usable.IsPositive() {
			continue
		}
		out.add(c, usable)
	}
	return out
}

// AllocateLines spends candidates against per-line balances. A voucher's
// room is the balance left on its lines after the vouchers before it, so
// two vouchers on one category share that category's value. Shares[k] is
// the per-line split of Allocations[k].
func (a *VoucherAllocator) AllocateLines(remaining []decimal.Decimal, candidates []VoucherCandidate) (VoucherAllocation, [][]decimal.Decimal) {
	left := append([]decimal.Decimal(nil), remaining...)
	out := VoucherAllocation{Total: decimal.Zero, Remaining: roundCents(sumDecimals(left))}
	var shares [][]decimal.Decimal
	for _, c := range allocationOrder(candidates) {
		if !out.Remaining.IsPositive() {
			break
		}
		weights := make([]decimal.Decimal, len(left))
		room := decimal.Zero
		for i := range left {
			weights[i] = decimal.Zero
			if c.Lines == nil || (i < len(c.Lines) && c.Lines[i]) {
				weights[i] = left[i]
				room = room.Add(left[i])
			}
		}
		usable := roundCents(minDecimal(c.usable(out.Remaining), room))
		if c.CategoryCap != nil {
			usable = roundCents(minDecimal(usable, *c.CategoryCap))
		}
		if !usable.IsPositive() {
			continue
		}
		split := SplitProportional(usable, weights)
		for i, s := range split {
			left[i] = left[i].Sub(s)
		}
		out.add(c, usable)
		shares = append(shares, split)
	}
	return out, shares
}

// allocationOrder puts auto-applied credits first and keeps entry order
// otherwise.
func allocationOrder(candidates []VoucherCandidate) []VoucherCandidate {
	ordered := append([]VoucherCandidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Voucher.AutoApplied() && !ordered[j].Voucher.AutoApplied()
	})
	return ordered
}

func (c VoucherCandidate) usable(remaining decimal.Decimal) decimal.Decimal {
	usable := minDecimal(remaining, c.AmountLeft)
	if c.Voucher.MaxAmountPerUse != nil {
		usable = minDecimal(usable, *c.Voucher.MaxAmountPerUse)
	}
	return roundCents(usable)
}

func (out *VoucherAllocation) add(c VoucherCandidate, amount decimal.Decimal) {
	out.Allocations = append(out.Allocations, VoucherAllocated{
		VoucherID: c.Voucher.ID,
		Code:      c.Voucher.Code,
		Amount:    amount,
	})
	out.Total = out.Total.Add(amount)
	out.Remaining = out.Remaining.Sub(amount)
}
