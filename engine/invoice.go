/*
invoice.go - Finalize a hold into an invoice and registrations

PURPOSE:
  InvoiceFinalizer is the irreversible step of the checkout flow. In one
  store transaction it re-prices the hold, checks the price the customer
  saw, writes the invoice with frozen per-item totals, records voucher
  uses, commits registrations and moves the hold to finalized.

IDEMPOTENCE:
  A hold has at most one invoice. Finalizing a hold that already has one
  returns the existing invoice unchanged, so client retries are safe.

DUPLICATES:
  The duplicate registration rule is checked again against registrations
  committed since the hold was written. Two holds of one customer on the
  same item can both be live only when the rule allows it.

PRICE CHECK:
  The re-priced total is compared with ExpectedTotal, or with the hold's
  quoted total when none is given. A difference above
  PricingPolicy.PriceEpsilon fails with *PriceChangedError carrying the
  new total; nothing is written.

PAYMENT:
  Invoices are created unpaid, except zero-total invoices which are paid
  on creation. RecordPayment stores the external payment used later by
  RefundAllocator.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type FinalizeInput struct {
	HoldID        HoldID
	ExpectedTotal *decimal.Decimal
}

type PaymentInput struct {
	Provider     string          `json:"provider"`
	ExternalRef  string          `json:"external_ref"`
	Amount       decimal.Decimal `json:"amount"`
	FeesWithheld decimal.Decimal `json:"fees_withheld"`
}

type InvoiceFinalizer struct {
	store    Store
	clock    Clock
	pricing  *PricingService
	policy   ReservationPolicy
	notifier Notifier
	log      *logrus.Entry
}

type FinalizerOption func(*InvoiceFinalizer)

func WithFinalizerNotifier(n Notifier) FinalizerOption {
	return func(f *InvoiceFinalizer) { f.notifier = n }
}

// WithFinalizerPolicy sets the duplicate registration rules re-checked at
// finalize. It should match the ReservationManager's policy.
func WithFinalizerPolicy(p ReservationPolicy) FinalizerOption {
	return func(f *InvoiceFinalizer) { f.policy = p }
}

func WithFinalizerLogger(l *logrus.Entry) FinalizerOption {
	return func(f *InvoiceFinalizer) { f.log = l }
}

func NewInvoiceFinalizer(store Store, clock Clock, pricing *PricingService, opts ...FinalizerOption) *InvoiceFinalizer {
	f := &InvoiceFinalizer{
		store:    store,
		clock:    clock,
		pricing:  pricing,
		policy:   DefaultReservationPolicy(),
		notifier: NopNotifier(),
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.WithField("component", "invoices")
	return f
}

func (f *InvoiceFinalizer) GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error) {
	return f.store.GetInvoice(ctx, id)
}

// Finalize converts a live hold into an invoice. See the file comment.
func (f *InvoiceFinalizer) Finalize(ctx context.Context, in FinalizeInput) (Invoice, error) {
	var (
		out     Invoice
		created bool
	)
	err := f.store.WithTx(ctx, func(tx Tx) error {
		// The hold row lock comes first so a concurrent finalize of the
		// same hold waits here and then sees the committed invoice.
		hold, err := tx.LockHold(ctx, in.HoldID)
		if err != nil {
			return err
		}
		existing, err := tx.InvoiceForHold(ctx, in.HoldID)
		switch {
		case err == nil:
			out = *existing
			return nil
		case !errors.Is(err, ErrInvoiceNotFound):
			return fmt.Errorf("lookup invoice: %w", err)
		}

		now := f.clock.Now()
		if !hold.Live(now) {
			return fmt.Errorf("%w: hold %s is %s", ErrHoldExpired, hold.ID,
				lo.Ternary(hold.Status == HoldActive, HoldExpired, hold.Status))
		}
		if len(hold.Items) == 0 {
			return fmt.Errorf("%w: hold %s has no lines", ErrInvalidQuantity, hold.ID)
		}

		if err := f.checkDuplicates(ctx, tx, hold); err != nil {
			return err
		}

		q, err := f.pricing.quote(ctx, tx, hold.Customer, hold.Items, hold.VoucherCodes)
		if err != nil {
			return fmt.Errorf("re-price hold: %w", err)
		}
		expected := hold.QuotedTotal
		if in.ExpectedTotal != nil {
			expected = *in.ExpectedTotal
		}
		if q.Total.Sub(expected).Abs().GreaterThan(f.pricing.policy.PriceEpsilon) {
			return &PriceChangedError{Expected: expected, NewTotal: q.Total}
		}

		inv := f.buildInvoice(hold, q)
		uses, err := f.voucherUses(ctx, tx, hold, inv, q.Vouchers)
		if err != nil {
			return err
		}
		regs := f.registrations(hold, &inv)

		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		if len(uses) > 0 {
			if err := tx.CreateVoucherUses(ctx, uses); err != nil {
				return fmt.Errorf("create voucher uses: %w", err)
			}
		}
		if err := tx.CreateRegistrations(ctx, regs); err != nil {
			return fmt.Errorf("create registrations: %w", err)
		}
		ok, err := tx.TransitionHold(ctx, hold.ID, HoldActive, HoldFinalized, time.Time{})
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		if err := tx.AppendAudit(ctx, AuditEntry{
			ID:          uuid.NewString(),
			At:          now,
			Actor:       hold.Customer.Key(),
			Action:      AuditInvoiceFinalized,
			ReferenceID: string(inv.ID),
			Details:     map[string]string{"hold": string(hold.ID), "total": inv.Total.StringFixed(2)},
		}); err != nil {
			return err
		}

		out = inv
		created = true
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}

	if created {
		f.log.WithFields(logrus.Fields{"invoice": out.ID, "hold": out.HoldID, "total": out.Total.StringFixed(2)}).Info("invoice finalized")
		f.notify(ctx, Event{Type: EventInvoiceFinalized, HoldID: out.HoldID, InvoiceID: out.ID, Amount: out.Total.StringFixed(2), At: out.CreatedAt})
		if out.Status == InvoicePaid {
			f.notify(ctx, Event{Type: EventInvoicePaid, InvoiceID: out.ID, Amount: out.Total.StringFixed(2), At: out.CreatedAt})
		}
	}
	return out, nil
}

// checkDuplicates re-runs the duplicate rule against registrations the
// customer committed after the hold was written, e.g. by finalizing another
// hold. Items are locked in ascending id order, after the hold.
func (f *InvoiceFinalizer) checkDuplicates(ctx context.Context, tx Tx, hold *Hold) error {
	email := hold.Customer.Key()
	if email == "" {
		return nil
	}
	ids := lo.Uniq(lo.Map(hold.Items, func(li HoldLineItem, _ int) ItemID { return li.ItemID }))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	items := make(map[ItemID]*InventoryItem, len(ids))
	for _, id := range ids {
		item, err := tx.LockItem(ctx, id)
		if err != nil {
			return fmt.Errorf("lock item %s: %w", id, err)
		}
		items[id] = item
	}

	var errs []LineError
	for i, li := range hold.Items {
		if li.Quantity <= 0 || !f.policy.checksDuplicates(items[li.ItemID].CategoryFor(li.IsDropIn), hold.Customer.AtDoor) {
			continue
		}
		regs, err := tx.RegistrationsForCustomer(ctx, email, li.ItemID)
		if err != nil {
			return fmt.Errorf("load registrations: %w", err)
		}
		existing := lo.Map(regs, func(r Registration, _ int) ExistingUnit {
			return ExistingUnit{ItemID: r.ItemID, RoleID: r.RoleID, IsDropIn: r.IsDropIn, AtDoor: r.AtDoor}
		})
		candidate := ExistingUnit{ItemID: li.ItemID, RoleID: li.RoleID, IsDropIn: li.IsDropIn, AtDoor: hold.Customer.AtDoor, Held: true}
		if f.policy.conflicts(existing, candidate) {
			req := LineRequest{ItemID: li.ItemID, RoleID: li.RoleID, Quantity: li.Quantity, DropIn: li.IsDropIn}
			errs = append(errs, lineError(i, req, LineDuplicateRegistration, ErrDuplicateRegistration))
		}
	}
	if len(errs) > 0 {
		return newReservationError(errs)
	}
	return nil
}

func (f *InvoiceFinalizer) buildInvoice(hold *Hold, q Quote) Invoice {
	now := f.clock.Now()
	inv := Invoice{
		ID:              InvoiceID(uuid.NewString()),
		Number:          "INV-" + shortuuid.New(),
		HoldID:          hold.ID,
		CustomerEmail:   hold.Customer.Key(),
		Currency:        q.Currency,
		Status:          InvoiceUnpaid,
		DiscountID:      q.DiscountID,
		DiscountName:    q.DiscountName,
		DiscountAmount:  q.DiscountAmount,
		Vouchers:        q.Vouchers,
		GrossTotal:      q.Gross,
		Total:           q.Total,
		RefundRequested: decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, l := range q.Lines {
		inv.Items = append(inv.Items, InvoiceItem{
			ID:             InvoiceItemID(uuid.NewString()),
			InvoiceID:      inv.ID,
			LineID:         l.LineID,
			ItemID:         l.ItemID,
			RoleID:         l.RoleID,
			IsDropIn:       l.IsDropIn,
			Quantity:       l.Quantity,
			GrossTotal:     l.Gross,
			DiscountAmount: l.Discount,
			VoucherAmount:  l.Voucher,
			Total:          l.Total,
			Adjustments:    decimal.Zero,
			Taxes:          decimal.Zero,
			Fees:           decimal.Zero,
		})
	}
	if inv.Total.IsZero() {
		inv.Status = InvoicePaid
	}
	return inv
}

// voucherUses locks every allocated voucher in id order and re-checks its
// balance under the lock.
func (f *InvoiceFinalizer) voucherUses(ctx context.Context, tx Tx, hold *Hold, inv Invoice, allocs []VoucherAllocated) ([]VoucherUse, error) {
	sorted := append([]VoucherAllocated(nil), allocs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VoucherID < sorted[j].VoucherID })

	uses := make([]VoucherUse, 0, len(sorted))
	for _, a := range sorted {
		v, err := tx.LockVoucher(ctx, a.VoucherID)
		if err != nil {
			return nil, fmt.Errorf("lock voucher %s: %w", a.VoucherID, err)
		}
		prior, err := tx.VoucherUses(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		if err := ValidateVoucher(*v, prior, hold.Customer, inv.CreatedAt); err != nil {
			return nil, err
		}
		if AmountLeft(*v, prior).LessThan(a.Amount) {
			return nil, &VoucherError{Code: v.Code, Kind: VoucherExhausted}
		}
		uses = append(uses, VoucherUse{
			ID:        uuid.NewString(),
			VoucherID: v.ID,
			InvoiceID: inv.ID,
			Email:     hold.Customer.Key(),
			Amount:    a.Amount,
			CreatedAt: inv.CreatedAt,
		})
	}
	return uses, nil
}

// registrations creates one registration per invoice item and links them.
func (f *InvoiceFinalizer) registrations(hold *Hold, inv *Invoice) []Registration {
	regs := make([]Registration, len(inv.Items))
	for i := range inv.Items {
		it := &inv.Items[i]
		regs[i] = Registration{
			ID:            RegistrationID(uuid.NewString()),
			ItemID:        it.ItemID,
			RoleID:        it.RoleID,
			IsDropIn:      it.IsDropIn,
			AtDoor:        hold.Customer.AtDoor,
			Quantity:      it.Quantity,
			CustomerEmail: hold.Customer.Key(),
			InvoiceID:     inv.ID,
			InvoiceItemID: it.ID,
			CreatedAt:     inv.CreatedAt,
		}
		it.RegistrationID = regs[i].ID
	}
	return regs
}

// RecordPayment stores an external payment and marks the invoice paid once
// payments cover its total.
func (f *InvoiceFinalizer) RecordPayment(ctx context.Context, id InvoiceID, in PaymentInput) (Invoice, PaymentRecord, error) {
	if !in.Amount.IsPositive() {
		return Invoice{}, PaymentRecord{}, fmt.Errorf("%w: payment amount must be positive", ErrInvalidQuantity)
	}

	var (
		out    Invoice
		record PaymentRecord
		paid   bool
	)
	err := f.store.WithTx(ctx, func(tx Tx) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == InvoicePartialRefund || inv.Status == InvoiceFullRefund {
			return fmt.Errorf("%w: invoice %s is %s", ErrInvalidStatus, id, inv.Status)
		}

		now := f.clock.Now()
		record = PaymentRecord{
			ID:           PaymentID(uuid.NewString()),
			InvoiceID:    id,
			Provider:     in.Provider,
			ExternalRef:  in.ExternalRef,
			Amount:       roundCents(in.Amount),
			Refunded:     decimal.Zero,
			FeesWithheld: in.FeesWithheld,
			CreatedAt:    now,
		}
		if err := tx.SavePayment(ctx, record); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}

		payments, err := tx.ListPayments(ctx, id)
		if err != nil {
			return err
		}
		received := sumDecimals(lo.Map(payments, func(p PaymentRecord, _ int) decimal.Decimal { return p.Amount }))
		if inv.Status == InvoiceUnpaid && received.GreaterThanOrEqual(inv.Total) {
			inv.Status = InvoicePaid
			paid = true
		}
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		out = *inv
		return nil
	})
	if err != nil {
		return Invoice{}, PaymentRecord{}, err
	}
	if paid {
		f.notify(ctx, Event{Type: EventInvoicePaid, InvoiceID: id, Amount: out.Total.StringFixed(2), At: out.UpdatedAt})
	}
	return out, record, nil
}

func (f *InvoiceFinalizer) notify(ctx context.Context, e Event) {
	if err := f.notifier.Notify(ctx, e); err != nil {
		f.log.WithError(err).WithField("event", e.Type).Warn("notify failed")
	}
}
