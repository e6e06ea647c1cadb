/*
Package storetest is the behavioural suite every engine.Store must pass.

PURPOSE:
  The in-memory, SQLite and PostgreSQL stores are interchangeable only if
  they agree on occupancy counting, hold transitions, conflicts and
  rollback. Each backend's tests call Run with a constructor.

USAGE:
  func TestSQLiteStore(t *testing.T) {
      storetest.Run(t, func(t *testing.T) engine.Store { ... })
  }
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) engine.Store

var t0 = time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func intp(n int) *int { return &n }

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Items", func(t *testing.T) { testItems(t, newStore(t)) })
	t.Run("HoldsAndOccupancy", func(t *testing.T) { testHolds(t, newStore(t)) })
	t.Run("TransitionHold", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("Registrations", func(t *testing.T) { testRegistrations(t, newStore(t)) })
	t.Run("Vouchers", func(t *testing.T) { testVouchers(t, newStore(t)) })
	t.Run("Invoices", func(t *testing.T) { testInvoices(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("EndToEnd", func(t *testing.T) { testEndToEnd(t, newStore(t)) })
	t.Run("ConcurrentFinalize", func(t *testing.T) { testConcurrentFinalize(t, newStore(t)) })
}

func item(id engine.ItemID, capacity *int) engine.InventoryItem {
	return engine.InventoryItem{
		ID:       id,
		Kind:     engine.KindSeries,
		Name:     string(id),
		Capacity: capacity,
		Roles:    []engine.Role{{ID: "lead", Name: "Lead"}, {ID: "follow", Name: "Follow"}},
		Status:   engine.RegEnabled,
		Pricing: engine.PricingTier{
			OnlineGeneral: dec("100"), OnlineStudent: dec("100"),
			DoorGeneral: dec("100"), DoorStudent: dec("100"), DropIn: dec("25"),
		},
	}
}

func hold(id engine.HoldID, expires time.Time, lines ...engine.HoldLineItem) engine.Hold {
	return engine.Hold{
		ID:          id,
		Customer:    engine.Customer{Email: "Someone@Example.com"},
		Data:        map[string]string{"source": "test"},
		Items:       lines,
		Status:      engine.HoldActive,
		CreatedAt:   t0,
		ExpiresAt:   expires,
		QuotedTotal: dec("100"),
	}
}

func line(id engine.LineID, itemID engine.ItemID, role engine.RoleID, qty int) engine.HoldLineItem {
	return engine.HoldLineItem{ID: id, ItemID: itemID, RoleID: role, Quantity: qty, UnitPrice: dec("100")}
}

// =============================================================================
// CATALOG
// =============================================================================

func testItems(t *testing.T, st engine.Store) {
	ctx := context.Background()

	_, err := st.GetItem(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrItemNotFound)

	require.NoError(t, st.SaveItem(ctx, item("b", intp(10))))
	require.NoError(t, st.SaveItem(ctx, item("a", nil)))

	got, err := st.GetItem(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, got.Capacity)
	assert.Equal(t, 10, *got.Capacity)
	assert.Len(t, got.Roles, 2)
	assert.True(t, got.Pricing.DropIn.Equal(dec("25")))

	got.Status = engine.RegHeldClosed
	require.NoError(t, st.SaveItem(ctx, *got))

	items, err := st.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, engine.ItemID("a"), items[0].ID)
	assert.Nil(t, items[0].Capacity)
	assert.Equal(t, engine.RegHeldClosed, items[1].Status)
}

// =============================================================================
// HOLDS
// =============================================================================

func testHolds(t *testing.T, st engine.Store) {
	// GIVEN: Two live holds and one expired hold on the same item
	// THEN: CountHeld ignores the expired hold and honours role and exclude

	ctx := context.Background()
	require.NoError(t, st.SaveItem(ctx, item("x", intp(10))))

	require.NoError(t, st.SaveHold(ctx, hold("h1", t0.Add(15*time.Minute),
		line("l1", "x", "lead", 2), line("l2", "x", "follow", 1))))
	require.NoError(t, st.SaveHold(ctx, hold("h2", t0.Add(5*time.Minute), line("l3", "x", "lead", 3))))
	require.NoError(t, st.SaveHold(ctx, hold("h3", t0.Add(-time.Minute), line("l4", "x", "lead", 4))))

	n, err := st.CountHeld(ctx, "x", "", t0, "")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = st.CountHeld(ctx, "x", "lead", t0, "")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = st.CountHeld(ctx, "x", "", t0, "h1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = st.CountHeld(ctx, "x", "", t0.Add(10*time.Minute), "")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "h2 expired at +5m")

	got, err := st.GetHold(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, engine.LineID("l1"), got.Items[0].ID)
	assert.Equal(t, "Someone@Example.com", got.Customer.Email)
	assert.Equal(t, "test", got.Data["source"])
	assert.True(t, got.ExpiresAt.Equal(t0.Add(15*time.Minute)))
	assert.True(t, got.QuotedTotal.Equal(dec("100")))

	// Lines are replaced, not merged
	got.Items = got.Items[1:]
	require.NoError(t, st.SaveHold(ctx, *got))
	got, err = st.GetHold(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, engine.LineID("l2"), got.Items[0].ID)

	ids, err := st.ExpiredHolds(ctx, t0.Add(10*time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []engine.HoldID{"h3", "h2"}, ids, "oldest expiry first")

	ids, err = st.ExpiredHolds(ctx, t0.Add(10*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []engine.HoldID{"h3"}, ids)

	// Live holds of one customer on one item
	live, err := st.LiveHoldsForCustomer(ctx, " someone@example.COM", "x", t0, "")
	require.NoError(t, err)
	require.Len(t, live, 2, "h3 has expired")
	assert.Equal(t, engine.HoldID("h1"), live[0].ID)
	assert.Equal(t, engine.HoldID("h2"), live[1].ID)
	require.Len(t, live[0].Items, 1)
	assert.Equal(t, engine.RoleID("follow"), live[0].Items[0].RoleID)

	live, err = st.LiveHoldsForCustomer(ctx, "someone@example.com", "x", t0, "h1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, engine.HoldID("h2"), live[0].ID)

	live, err = st.LiveHoldsForCustomer(ctx, "someone@example.com", "x", t0.Add(10*time.Minute), "")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, engine.HoldID("h1"), live[0].ID)

	live, err = st.LiveHoldsForCustomer(ctx, "other@example.com", "x", t0, "")
	require.NoError(t, err)
	assert.Empty(t, live)

	live, err = st.LiveHoldsForCustomer(ctx, "someone@example.com", "y", t0, "")
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = st.GetHold(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrHoldNotFound)
}

func testTransition(t *testing.T, st engine.Store) {
	ctx := context.Background()
	require.NoError(t, st.SaveHold(ctx, hold("h", t0.Add(15*time.Minute), line("l", "x", "", 1))))

	ok, err := st.TransitionHold(ctx, "h", engine.HoldActive, engine.HoldExpired, t0)
	require.NoError(t, err)
	assert.False(t, ok, "not expired yet")

	ok, err = st.TransitionHold(ctx, "h", engine.HoldActive, engine.HoldExpired, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.TransitionHold(ctx, "h", engine.HoldActive, engine.HoldExpired, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok, "second transition loses")

	_, err = st.TransitionHold(ctx, "missing", engine.HoldActive, engine.HoldExpired, time.Time{})
	assert.ErrorIs(t, err, engine.ErrHoldNotFound)
}

// =============================================================================
// REGISTRATIONS
// =============================================================================

func testRegistrations(t *testing.T, st engine.Store) {
	ctx := context.Background()
	reg := func(id engine.RegistrationID, role engine.RoleID, qty int) engine.Registration {
		return engine.Registration{
			ID: id, ItemID: "x", RoleID: role, Quantity: qty,
			CustomerEmail: " Dancer@Example.com", InvoiceID: "inv", CreatedAt: t0,
		}
	}
	require.NoError(t, st.CreateRegistrations(ctx, []engine.Registration{reg("r1", "lead", 2), reg("r2", "follow", 1)}))

	err := st.CreateRegistrations(ctx, []engine.Registration{reg("r1", "lead", 1)})
	assert.ErrorIs(t, err, engine.ErrConflict)

	n, err := st.CountCommitted(ctx, "x", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = st.CountCommitted(ctx, "x", "follow")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	regs, err := st.RegistrationsForCustomer(ctx, "dancer@example.com", "x")
	require.NoError(t, err)
	assert.Len(t, regs, 2)

	ok, err := st.HasRegistrations(ctx, "DANCER@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, st.CancelRegistration(ctx, "r1", t0.Add(time.Hour)))
	require.NoError(t, st.CancelRegistration(ctx, "r1", t0.Add(2*time.Hour)), "cancel is idempotent")
	n, err = st.CountCommitted(ctx, "x", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, st.CancelRegistration(ctx, "missing", t0), engine.ErrRegistrationNotFound)
}

// =============================================================================
// VOUCHERS
// =============================================================================

func testVouchers(t *testing.T, st engine.Store) {
	ctx := context.Background()
	perUse := dec("5")
	require.NoError(t, st.SaveVoucher(ctx, engine.Voucher{
		ID: "g", Code: "GIFT", Kind: engine.VoucherGiftCertificate,
		OriginalAmount: dec("50"), MaxAmountPerUse: &perUse, CreatedAt: t0,
	}))
	require.NoError(t, st.SaveVoucher(ctx, engine.Voucher{
		ID: "r2", Kind: engine.VoucherReferralCredit, OwnerEmail: "Owner@Example.com",
		OriginalAmount: dec("10"), CreatedAt: t0.Add(time.Minute),
	}))
	require.NoError(t, st.SaveVoucher(ctx, engine.Voucher{
		ID: "r1", Kind: engine.VoucherReferralCredit, OwnerEmail: "owner@example.com",
		OriginalAmount: dec("10"), CreatedAt: t0,
	}))

	err := st.SaveVoucher(ctx, engine.Voucher{ID: "other", Code: "GIFT", Kind: engine.VoucherPromo, CreatedAt: t0})
	assert.ErrorIs(t, err, engine.ErrConflict, "codes are unique")

	v, err := st.GetVoucherByCode(ctx, "GIFT")
	require.NoError(t, err)
	assert.Equal(t, engine.VoucherID("g"), v.ID)
	require.NotNil(t, v.MaxAmountPerUse)
	assert.True(t, v.MaxAmountPerUse.Equal(dec("5")))

	_, err = st.GetVoucherByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, engine.ErrVoucherNotFound)
	_, err = st.GetVoucherByCode(ctx, "")
	assert.ErrorIs(t, err, engine.ErrVoucherNotFound, "credits have no code")

	credits, err := st.CreditsForCustomer(ctx, "OWNER@example.com")
	require.NoError(t, err)
	require.Len(t, credits, 2)
	assert.Equal(t, engine.VoucherID("r1"), credits[0].ID, "oldest credit first")

	require.NoError(t, st.CreateVoucherUses(ctx, []engine.VoucherUse{
		{ID: "u1", VoucherID: "g", InvoiceID: "inv", Email: "a@example.com", Amount: dec("5"), CreatedAt: t0},
		{ID: "u2", VoucherID: "g", InvoiceID: "inv2", Email: "a@example.com", Amount: dec("2.5"), CreatedAt: t0.Add(time.Second)},
	}))
	uses, err := st.VoucherUses(ctx, "g")
	require.NoError(t, err)
	require.Len(t, uses, 2)
	assert.True(t, engine.AmountLeft(*v, uses).Equal(dec("42.5")))
}

// =============================================================================
// INVOICES
// =============================================================================

func testInvoices(t *testing.T, st engine.Store) {
	ctx := context.Background()
	inv := engine.Invoice{
		ID: "i1", Number: "INV-1", HoldID: "h1", CustomerEmail: "a@example.com", Currency: "USD",
		Status: engine.InvoiceUnpaid, DiscountID: "pass", DiscountName: "Pass", DiscountAmount: dec("20"),
		Vouchers:   []engine.VoucherAllocated{{VoucherID: "g", Code: "GIFT", Amount: dec("10")}},
		GrossTotal: dec("200"), Total: dec("170"), RefundRequested: decimal.Zero,
		CreatedAt: t0, UpdatedAt: t0,
		Items: []engine.InvoiceItem{
			{ID: "ii1", LineID: "l1", ItemID: "a", Quantity: 1, GrossTotal: dec("120"), DiscountAmount: dec("12"), VoucherAmount: dec("6"), Total: dec("102"), RegistrationID: "r1"},
			{ID: "ii2", LineID: "l2", ItemID: "b", Quantity: 1, GrossTotal: dec("80"), DiscountAmount: dec("8"), VoucherAmount: dec("4"), Total: dec("68"), RegistrationID: "r2"},
		},
	}
	require.NoError(t, st.CreateInvoice(ctx, inv))

	dup := inv
	dup.ID, dup.Number = "i2", "INV-2"
	assert.ErrorIs(t, st.CreateInvoice(ctx, dup), engine.ErrConflict, "one invoice per hold")

	got, err := st.InvoiceForHold(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, engine.InvoiceID("i1"), got.ID)
	require.Len(t, got.Items, 2)
	assert.Equal(t, engine.InvoiceItemID("ii1"), got.Items[0].ID)
	assert.True(t, got.Total.Equal(dec("170")))
	require.Len(t, got.Vouchers, 1)
	assert.Equal(t, "GIFT", got.Vouchers[0].Code)

	_, err = st.GetInvoice(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrInvoiceNotFound)

	err = st.WithTx(ctx, func(tx engine.Tx) error {
		locked, err := tx.LockInvoice(ctx, "i1")
		if err != nil {
			return err
		}
		locked.Status = engine.InvoicePartialRefund
		locked.RefundRequested = dec("30")
		locked.RefundErrors = []string{"gateway down"}
		locked.Items[1].Adjustments = dec("-30")
		locked.Items[1].Fees = dec("1.2")
		locked.UpdatedAt = t0.Add(time.Hour)
		return tx.UpdateInvoice(ctx, *locked)
	})
	require.NoError(t, err)

	got, err = st.GetInvoice(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, engine.InvoicePartialRefund, got.Status)
	assert.Equal(t, []string{"gateway down"}, got.RefundErrors)
	assert.True(t, got.Items[1].Net().Equal(dec("38")))
	assert.True(t, got.Items[1].Fees.Equal(dec("1.2")))
	assert.True(t, got.Total.Equal(dec("170")), "total is immutable")

	require.NoError(t, st.SavePayment(ctx, engine.PaymentRecord{ID: "p2", InvoiceID: "i1", Provider: "manual", Amount: dec("70"), CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, st.SavePayment(ctx, engine.PaymentRecord{ID: "p1", InvoiceID: "i1", Provider: "stripe", ExternalRef: "pi_1", Amount: dec("100"), CreatedAt: t0}))
	require.NoError(t, st.SavePayment(ctx, engine.PaymentRecord{ID: "p1", InvoiceID: "i1", Provider: "stripe", ExternalRef: "pi_1", Amount: dec("100"), Refunded: dec("30"), CreatedAt: t0}))

	payments, err := st.ListPayments(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, engine.PaymentID("p1"), payments[0].ID)
	assert.True(t, payments[0].Refundable().Equal(dec("70")))
}

// =============================================================================
// AUDIT / TRANSACTIONS
// =============================================================================

func testAudit(t *testing.T, st engine.Store) {
	ctx := context.Background()
	require.NoError(t, st.AppendAudit(ctx, engine.AuditEntry{ID: "a1", At: t0, Actor: "admin", Action: engine.AuditStatusChanged, ReferenceID: "x", Details: map[string]string{"to": "held_open"}}))
	require.NoError(t, st.AppendAudit(ctx, engine.AuditEntry{ID: "a2", At: t0.Add(time.Second), Action: engine.AuditRefundApplied, ReferenceID: "inv"}))

	entries, err := st.ListAudit(ctx, "x")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "held_open", entries[0].Details["to"])
	assert.True(t, entries[0].At.Equal(t0))

	entries, err = st.ListAudit(ctx, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func testRollback(t *testing.T, st engine.Store) {
	// GIVEN: A transaction that writes and then fails
	// THEN: Nothing it wrote is visible

	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx engine.Tx) error {
		if err := tx.SaveItem(ctx, item("x", intp(1))); err != nil {
			return err
		}
		if err := tx.SaveHold(ctx, hold("h", t0.Add(time.Hour), line("l", "x", "", 1))); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = st.GetItem(ctx, "x")
	assert.ErrorIs(t, err, engine.ErrItemNotFound)
	_, err = st.GetHold(ctx, "h")
	assert.ErrorIs(t, err, engine.ErrHoldNotFound)
}
