/*
refund.go - Proportional refund allocation

PURPOSE:
  Moves money back to the customer and records where it came from at the
  invoice item level. The invoice total never changes after payment; a
  refund only grows item adjustments (negative) and fees.

REQUEST SEMANTICS:
  RefundRequest.Total is the cumulative amount the operator wants refunded
  on the invoice, not an increment. It may never decrease. PerItem, when
  given, is cumulative per item and must sum to Total; when empty, the
  outstanding amount is split across items by their net remaining value.

  Only the delta between Total and what was actually refunded so far is
  sent to the payment gateway, so repeating a request after a partial
  failure retries the missing part.

PARTIAL FAILURE:
  Payment records are refunded in order until the delta is covered. When
  the gateway refuses, everything refunded so far is applied, the error is
  stored on the invoice and in the audit log, and a *PartialRefundError is
  returned together with the partial result.

  Gateway calls are made while the invoice row is locked, so refunds of
  one invoice never interleave.
*/
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// PAYMENT GATEWAY - External refund capability
// =============================================================================

// RefundOutcome is what the provider actually refunded.
type RefundOutcome struct {
	Refunded     decimal.Decimal
	FeesWithheld decimal.Decimal
	ExternalRef  string
}

// PaymentGateway refunds part of an external payment.
type PaymentGateway interface {
	Refund(ctx context.Context, payment PaymentRecord, amount decimal.Decimal) (RefundOutcome, error)
}

// =============================================================================
// REFUND ALLOCATOR
// =============================================================================

type RefundRequest struct {
	InvoiceID InvoiceID
	Total     decimal.Decimal
	PerItem   map[InvoiceItemID]decimal.Decimal
	Actor     string
}

type RefundResult struct {
	Invoice   Invoice                           `json:"invoice"`
	Requested decimal.Decimal                   `json:"requested"`
	Refunded  decimal.Decimal                   `json:"refunded"`
	Fees      decimal.Decimal                   `json:"fees"`
	PerItem   map[InvoiceItemID]decimal.Decimal `json:"per_item"`
	Cancelled []RegistrationID                  `json:"cancelled,omitempty"`
}

type RefundAllocator struct {
	store    Store
	clock    Clock
	gateway  PaymentGateway
	notifier Notifier
	log      *logrus.Entry
}

type RefundOption func(*RefundAllocator)

func WithRefundNotifier(n Notifier) RefundOption {
	return func(r *RefundAllocator) { r.notifier = n }
}

func WithRefundLogger(l *logrus.Entry) RefundOption {
	return func(r *RefundAllocator) { r.log = l }
}

func NewRefundAllocator(store Store, clock Clock, gateway PaymentGateway, opts ...RefundOption) *RefundAllocator {
	r := &RefundAllocator{
		store:    store,
		clock:    clock,
		gateway:  gateway,
		notifier: NopNotifier(),
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "refunds")
	return r
}

// Allocate refunds up to req.Total on the invoice. See the file comment.
func (r *RefundAllocator) Allocate(ctx context.Context, req RefundRequest) (RefundResult, error) {
	total := roundCents(req.Total)
	if total.IsNegative() {
		return RefundResult{}, fmt.Errorf("%w: negative total", ErrInvalidRefund)
	}

	var (
		result  RefundResult
		partial *PartialRefundError
	)
	err := r.store.WithTx(ctx, func(tx Tx) error {
		inv, err := tx.LockInvoice(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.Frozen() {
			return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotPaid, inv.ID, inv.Status)
		}
		if total.LessThan(inv.RefundRequested) {
			return fmt.Errorf("%w: total %s is below the prior request %s",
				ErrInvalidRefund, total.StringFixed(2), inv.RefundRequested.StringFixed(2))
		}

		plan, err := planRefund(inv, total, req.PerItem)
		if err != nil {
			return err
		}
		delta := sumDecimals(plan)

		payments, err := tx.ListPayments(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		refundable := sumDecimals(lo.Map(payments, func(p PaymentRecord, _ int) decimal.Decimal { return p.Refundable() }))
		if delta.GreaterThan(refundable) {
			return fmt.Errorf("%w: %s requested, %s refundable on payments",
				ErrRefundExceedsAvailable, delta.StringFixed(2), refundable.StringFixed(2))
		}

		now := r.clock.Now()
		inv.RefundRequested = total
		inv.UpdatedAt = now
		result = RefundResult{Requested: delta, Refunded: decimal.Zero, Fees: decimal.Zero, PerItem: map[InvoiceItemID]decimal.Decimal{}}

		// Gateway, payment by payment
		var cause error
		left := delta
		for _, p := range payments {
			if !left.IsPositive() {
				break
			}
			amount := minDecimal(left, p.Refundable())
			if !amount.IsPositive() {
				continue
			}
			out, err := r.gateway.Refund(ctx, p, amount)
			if err != nil {
				cause = fmt.Errorf("payment %s (%s): %w", p.ID, p.Provider, err)
				break
			}
			refunded := minDecimal(roundCents(out.Refunded), amount)
			p.Refunded = p.Refunded.Add(refunded)
			p.FeesWithheld = p.FeesWithheld.Add(out.FeesWithheld)
			if err := tx.SavePayment(ctx, p); err != nil {
				return fmt.Errorf("save payment: %w", err)
			}
			result.Refunded = result.Refunded.Add(refunded)
			result.Fees = result.Fees.Add(out.FeesWithheld)
			left = left.Sub(refunded)
			if refunded.LessThan(amount) {
				cause = fmt.Errorf("payment %s (%s): refunded %s of %s", p.ID, p.Provider, refunded.StringFixed(2), amount.StringFixed(2))
				break
			}
		}

		// Apply what was refunded
		applied := plan
		if result.Refunded.LessThan(delta) {
			applied = SplitProportional(result.Refunded, plan)
		}
		fees := SplitProportional(result.Fees, applied)
		for i := range inv.Items {
			it := &inv.Items[i]
			it.Adjustments = it.Adjustments.Sub(applied[i])
			it.Fees = it.Fees.Add(fees[i])
			if applied[i].IsPositive() {
				result.PerItem[it.ID] = applied[i]
			}
			if applied[i].IsPositive() && it.Net().IsZero() && it.RegistrationID != "" {
				if err := tx.CancelRegistration(ctx, it.RegistrationID, now); err != nil {
					return fmt.Errorf("cancel registration %s: %w", it.RegistrationID, err)
				}
				result.Cancelled = append(result.Cancelled, it.RegistrationID)
			}
		}
		if result.Refunded.IsPositive() {
			inv.Status = lo.Ternary(lo.EveryBy(inv.Items, func(it InvoiceItem) bool { return !it.Net().IsPositive() }),
				InvoiceFullRefund, InvoicePartialRefund)
			if err := tx.AppendAudit(ctx, r.audit(now, req.Actor, AuditRefundApplied, inv.ID, result.Refunded.StringFixed(2), "")); err != nil {
				return err
			}
		}

		if cause != nil {
			inv.RefundErrors = append(inv.RefundErrors, now.Format(time.RFC3339)+" "+cause.Error())
			if err := tx.AppendAudit(ctx, r.audit(now, req.Actor, AuditRefundFailed, inv.ID, left.StringFixed(2), cause.Error())); err != nil {
				return err
			}
			partial = &PartialRefundError{InvoiceID: inv.ID, Requested: delta, Refunded: result.Refunded, Cause: cause}
		}

		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		result.Invoice = *inv
		return nil
	})
	if err != nil {
		return RefundResult{}, err
	}

	log := r.log.WithFields(logrus.Fields{"invoice": req.InvoiceID, "refunded": result.Refunded.StringFixed(2)})
	if result.Refunded.IsPositive() {
		log.Info("refund applied")
		r.notify(ctx, Event{Type: EventInvoiceRefunded, InvoiceID: req.InvoiceID, Amount: result.Refunded.StringFixed(2), At: result.Invoice.UpdatedAt})
	}
	if partial != nil {
		log.WithError(partial.Cause).Warn("refund partially failed")
		r.notify(ctx, Event{Type: EventRefundFailed, InvoiceID: req.InvoiceID, Amount: partial.Requested.Sub(partial.Refunded).StringFixed(2), At: result.Invoice.UpdatedAt})
		return result, partial
	}
	return result, nil
}

// planRefund returns the amount still to refund per invoice item, aligned
// with inv.Items.
func planRefund(inv *Invoice, total decimal.Decimal, perItem map[InvoiceItemID]decimal.Decimal) ([]decimal.Decimal, error) {
	plan := make([]decimal.Decimal, len(inv.Items))
	refunded := sumDecimals(lo.Map(inv.Items, func(it InvoiceItem, _ int) decimal.Decimal { return it.Adjustments.Neg() }))

	if len(perItem) == 0 {
		delta := total.Sub(refunded)
		if !delta.IsPositive() {
			return zeroShares(len(inv.Items)), nil
		}
		nets := lo.Map(inv.Items, func(it InvoiceItem, _ int) decimal.Decimal { return decimal.Max(it.Net(), decimal.Zero) })
		if delta.GreaterThan(sumDecimals(nets)) {
			return nil, fmt.Errorf("%w: %s requested, %s left on items",
				ErrRefundExceedsAvailable, delta.StringFixed(2), sumDecimals(nets).StringFixed(2))
		}
		return SplitProportional(delta, nets), nil
	}

	sum := decimal.Zero
	for id, amt := range perItem {
		if lo.NoneBy(inv.Items, func(it InvoiceItem) bool { return it.ID == id }) {
			return nil, fmt.Errorf("%w: unknown invoice item %s", ErrInvalidRefund, id)
		}
		sum = sum.Add(roundCents(amt))
	}
	if !sum.Equal(total) {
		return nil, fmt.Errorf("%w: items sum to %s, total is %s", ErrInvalidRefund, sum.StringFixed(2), total.StringFixed(2))
	}

	var problems []string
	for i, it := range inv.Items {
		target := roundCents(perItem[it.ID])
		already := it.Adjustments.Neg()
		switch {
		case target.LessThan(already):
			return nil, fmt.Errorf("%w: item %s already refunded %s", ErrInvalidRefund, it.ID, already.StringFixed(2))
		case target.GreaterThan(it.Total):
			problems = append(problems, fmt.Sprintf("item %s: %s exceeds %s", it.ID, target.StringFixed(2), it.Total.StringFixed(2)))
		}
		plan[i] = target.Sub(already)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrRefundExceedsAvailable, strings.Join(problems, "; "))
	}
	return plan, nil
}

func (r *RefundAllocator) audit(at time.Time, actor string, action AuditAction, id InvoiceID, amount, cause string) AuditEntry {
	details := map[string]string{"amount": amount}
	if cause != "" {
		details["error"] = cause
	}
	return AuditEntry{
		ID:          uuid.NewString(),
		At:          at,
		Actor:       actor,
		Action:      action,
		ReferenceID: string(id),
		Details:     details,
	}
}

func (r *RefundAllocator) notify(ctx context.Context, e Event) {
	if err := r.notifier.Notify(ctx, e); err != nil {
		r.log.WithError(err).WithField("event", e.Type).Warn("notify failed")
	}
}
