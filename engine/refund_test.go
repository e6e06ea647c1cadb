package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
)

// fakeGateway refunds everything except payments listed in refuse.
type fakeGateway struct {
	mu     sync.Mutex
	refuse map[string]bool
	fee    decimal.Decimal
	calls  []decimal.Decimal
}

func (g *fakeGateway) Refund(_ context.Context, p engine.PaymentRecord, amount decimal.Decimal) (engine.RefundOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, amount)
	if g.refuse[p.ExternalRef] {
		return engine.RefundOutcome{}, errors.New("card declined the refund")
	}
	return engine.RefundOutcome{Refunded: amount, FeesWithheld: g.fee}, nil
}

// paidInvoice finalizes a $30 + $70 cart and records payments covering it.
func paidInvoice(t *testing.T, env *testEnv, payments ...string) engine.Invoice {
	t.Helper()
	env.saveItem(t, series("small", intp(10), "30"))
	env.saveItem(t, series("big", intp(10), "70"))
	ctx := context.Background()

	h := env.openHold(t, "x@example.com", line("small", 1), line("big", 1))
	inv, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)

	if len(payments) == 0 {
		payments = []string{"100"}
	}
	for i, amt := range payments {
		env.clock.Advance(time.Second)
		inv, _, err = env.invoices.RecordPayment(ctx, inv.ID, engine.PaymentInput{
			Provider:    "test",
			ExternalRef: "pay-" + string(rune('a'+i)),
			Amount:      dec(amt),
		})
		require.NoError(t, err)
	}
	require.Equal(t, engine.InvoicePaid, inv.Status)
	return inv
}

func item(inv engine.Invoice, id engine.ItemID) engine.InvoiceItem {
	for _, it := range inv.Items {
		if it.ItemID == id {
			return it
		}
	}
	return engine.InvoiceItem{}
}

// =============================================================================
// PROPORTIONAL ALLOCATION
// =============================================================================

func TestRefund_ProportionalSplit(t *testing.T) {
	// GIVEN: Items with net $30 and $70
	// WHEN: $50 is refunded without a per-item breakdown
	// THEN: $15 and $35 are allocated

	env := newTestEnv(t)
	inv := paidInvoice(t, env)
	refunds := engine.NewRefundAllocator(env.store, env.clock, &fakeGateway{})

	res, err := refunds.Allocate(context.Background(), engine.RefundRequest{InvoiceID: inv.ID, Total: dec("50")})
	require.NoError(t, err)

	assert.True(t, res.Refunded.Equal(dec("50")))
	assert.True(t, item(res.Invoice, "small").Adjustments.Equal(dec("-15")))
	assert.True(t, item(res.Invoice, "big").Adjustments.Equal(dec("-35")))
	assert.Equal(t, engine.InvoicePartialRefund, res.Invoice.Status)
	assert.True(t, res.Invoice.Total.Equal(dec("100")), "invoice total is frozen")
	assert.Empty(t, res.Cancelled)
}

func TestRefund_ZeroNetItemCancelsRegistration(t *testing.T) {
	// GIVEN: A paid $30 + $70 invoice
	// WHEN: The $30 item is refunded in full
	// THEN: Its registration is cancelled and capacity is freed

	env := newTestEnv(t)
	inv := paidInvoice(t, env)
	refunds := engine.NewRefundAllocator(env.store, env.clock, &fakeGateway{})
	ctx := context.Background()
	small := item(inv, "small")

	res, err := refunds.Allocate(ctx, engine.RefundRequest{
		InvoiceID: inv.ID,
		Total:     dec("30"),
		PerItem:   map[engine.InvoiceItemID]decimal.Decimal{small.ID: dec("30")},
	})
	require.NoError(t, err)
	require.Equal(t, []engine.RegistrationID{small.RegistrationID}, res.Cancelled)

	avail, err := env.holds.Ledger().Available(ctx, "small", "")
	require.NoError(t, err)
	assert.Equal(t, 0, avail.Committed)

	res, err = refunds.Allocate(ctx, engine.RefundRequest{InvoiceID: inv.ID, Total: dec("100")})
	require.NoError(t, err)
	assert.Equal(t, engine.InvoiceFullRefund, res.Invoice.Status)
	assert.True(t, res.Refunded.Equal(dec("70")), "only the delta is sent to the gateway")
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestRefund_Validation(t *testing.T) {
	env := newTestEnv(t)
	inv := paidInvoice(t, env)
	refunds := engine.NewRefundAllocator(env.store, env.clock, &fakeGateway{})
	ctx := context.Background()
	small := item(inv, "small")

	_, err := refunds.Allocate(ctx, engine.RefundRequest{
		InvoiceID: inv.ID, Total: dec("20"),
		PerItem: map[engine.InvoiceItemID]decimal.Decimal{small.ID: dec("10")},
	})
	assert.ErrorIs(t, err, engine.ErrInvalidRefund, "per-item must sum to total")

	_, err = refunds.Allocate(ctx, engine.RefundRequest{
		InvoiceID: inv.ID, Total: dec("40"),
		PerItem: map[engine.InvoiceItemID]decimal.Decimal{small.ID: dec("40")},
	})
	assert.ErrorIs(t, err, engine.ErrRefundExceedsAvailable, "item cannot refund more than its total")

	_, err = refunds.Allocate(ctx, engine.RefundRequest{InvoiceID: inv.ID, Total: dec("150")})
	assert.ErrorIs(t, err, engine.ErrRefundExceedsAvailable)

	_, err = refunds.Allocate(ctx, engine.RefundRequest{InvoiceID: inv.ID, Total: dec("40")})
	require.NoError(t, err)
	_, err = refunds.Allocate(ctx, engine.RefundRequest{InvoiceID: inv.ID, Total: dec("30")})
	assert.ErrorIs(t, err, engine.ErrInvalidRefund, "requests are monotonic")
}

func TestRefund_UnpaidInvoiceRejected(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()
	h := env.openHold(t, "x@example.com", line("a", 1))
	inv, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)

	refunds := engine.NewRefundAllocator(env.store, env.clock, &fakeGateway{})
	_, err = refunds.Allocate(ctx, engine.RefundRequest{InvoiceID: inv.ID, Total: dec("10")})
	assert.ErrorIs(t, err, engine.ErrInvoiceNotPaid)
}

// =============================================================================
// PARTIAL FAILURE
// =============================================================================

func TestRefund_PartialFailure_AppliesSuccessAndRecordsError(t *testing.T) {
	// GIVEN: Two payments of $40 and $60, the second refuses refunds
	// WHEN: $100 is refunded
	// THEN: $40 is applied, the error is stored, PartialRefundError is returned

	env := newTestEnv(t)
	inv := paidInvoice(t, env, "40", "60")
	gw := &fakeGateway{refuse: map[string]bool{"pay-b": true}}
	refunds := engine.NewRefundAllocator(env.store, env.clock, gw)
	ctx := context.Background()

	res, err := refunds.Allocate(ctx, engine.RefundRequest{InvoiceID: inv.ID, Total: dec("100"), Actor: "admin"})

	var partial *engine.PartialRefundError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, engine.ErrPartialRefundFailure)
	assert.True(t, partial.Refunded.Equal(dec("40")))
	assert.True(t, res.Refunded.Equal(dec("40")))
	assert.Equal(t, engine.InvoicePartialRefund, res.Invoice.Status)
	require.Len(t, res.Invoice.RefundErrors, 1)
	assert.Contains(t, res.Invoice.RefundErrors[0], "card declined")

	stored, err := env.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.RefundErrors, 1, "failure is durable")
	assert.True(t, stored.RefundRequested.Equal(dec("100")))

	adjusted := decimal.Zero
	for _, it := range stored.Items {
		adjusted = adjusted.Add(it.Adjustments)
	}
	assert.True(t, adjusted.Equal(dec("-40")))

	entries, err := env.store.ListAudit(ctx, string(inv.ID))
	require.NoError(t, err)
	actions := make([]engine.AuditAction, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, engine.AuditRefundFailed)
	assert.Contains(t, actions, engine.AuditRefundApplied)
}

func TestRefund_FeesWithheldGoToItems(t *testing.T) {
	env := newTestEnv(t)
	inv := paidInvoice(t, env)
	refunds := engine.NewRefundAllocator(env.store, env.clock, &fakeGateway{fee: dec("2")})

	res, err := refunds.Allocate(context.Background(), engine.RefundRequest{InvoiceID: inv.ID, Total: dec("50")})
	require.NoError(t, err)
	assert.True(t, res.Fees.Equal(dec("2")))
	fees := item(res.Invoice, "small").Fees.Add(item(res.Invoice, "big").Fees)
	assert.True(t, fees.Equal(dec("2")))
}
