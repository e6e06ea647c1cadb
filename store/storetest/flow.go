package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/registration-engine/engine"
)

type approveAll struct{}

func (approveAll) Refund(_ context.Context, _ engine.PaymentRecord, amount decimal.Decimal) (engine.RefundOutcome, error) {
	return engine.RefundOutcome{Refunded: amount}, nil
}

// testEndToEnd drives the engine services over the store: concurrent holds,
// finalize with a discount and a voucher, payment and a proportional refund.
func testEndToEnd(t *testing.T, st engine.Store) {
	ctx := context.Background()
	clock := engine.NewManualClock(t0)
	pricing := engine.NewPricingService(st, clock, engine.DefaultPricingPolicy())
	holds := engine.NewReservationManager(st, clock, engine.DefaultReservationPolicy(), pricing)
	invoices := engine.NewInvoiceFinalizer(st, clock, pricing)
	refunds := engine.NewRefundAllocator(st, clock, approveAll{})

	small := item("small", intp(3))
	small.Roles = nil
	small.Pricing.OnlineGeneral = dec("30")
	big := item("big", nil)
	big.Roles = nil
	big.Pricing.OnlineGeneral = dec("70")
	require.NoError(t, st.SaveItem(ctx, small))
	require.NoError(t, st.SaveItem(ctx, big))
	require.NoError(t, st.SaveVoucher(ctx, engine.Voucher{
		ID: "g", Code: "GIFT10", Kind: engine.VoucherGiftCertificate, OriginalAmount: dec("10"), CreatedAt: t0,
	}))

	// WHEN: 8 customers race for 3 seats
	var ok, full atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		email := fmt.Sprintf("racer%d@example.com", i)
		g.Go(func() error {
			_, err := holds.OpenHold(gctx, engine.OpenHoldInput{
				Customer: engine.Customer{Email: email},
				Lines:    []engine.LineRequest{{ItemID: "small", Quantity: 1}},
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, engine.ErrCapacityExceeded):
				full.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(5), full.Load())

	// Holds lapse without a sweep
	clock.Advance(16 * time.Minute)

	h, err := holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer:     engine.Customer{Email: "buyer@example.com"},
		Lines:        []engine.LineRequest{{ItemID: "small", Quantity: 1}, {ItemID: "big", Quantity: 1}},
		VoucherCodes: []string{"GIFT10"},
	})
	require.NoError(t, err)
	assert.True(t, h.QuotedTotal.Equal(dec("90")))

	swept, err := holds.ExpireSweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, swept)

	inv, err := invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)
	assert.True(t, inv.Total.Equal(dec("90")))
	again, err := invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)
	assert.Equal(t, inv.ID, again.ID)

	inv, _, err = invoices.RecordPayment(ctx, inv.ID, engine.PaymentInput{Provider: "manual", Amount: dec("90")})
	require.NoError(t, err)
	require.Equal(t, engine.InvoicePaid, inv.Status)

	res, err := refunds.Allocate(ctx, engine.RefundRequest{InvoiceID: inv.ID, Total: dec("45")})
	require.NoError(t, err)
	assert.True(t, res.Refunded.Equal(dec("45")))
	assert.Equal(t, engine.InvoicePartialRefund, res.Invoice.Status)

	stored, err := st.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	net := decimal.Zero
	for _, it := range stored.Items {
		net = net.Add(it.Net())
	}
	assert.True(t, net.Equal(dec("45")))

	uses, err := st.VoucherUses(ctx, "g")
	require.NoError(t, err)
	require.Len(t, uses, 1)
	assert.True(t, uses[0].Amount.Equal(dec("10")))
}

// testConcurrentFinalize finalizes one hold from several goroutines. Every
// caller gets the same invoice and exactly one set of registrations exists.
func testConcurrentFinalize(t *testing.T, st engine.Store) {
	ctx := context.Background()
	clock := engine.NewManualClock(t0)
	pricing := engine.NewPricingService(st, clock, engine.DefaultPricingPolicy())
	holds := engine.NewReservationManager(st, clock, engine.DefaultReservationPolicy(), pricing)
	invoices := engine.NewInvoiceFinalizer(st, clock, pricing)

	// GIVEN: A live hold for one seat
	it := item("solo", intp(5))
	it.Roles = nil
	require.NoError(t, st.SaveItem(ctx, it))
	h, err := holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer: engine.Customer{Email: "twice@example.com"},
		Lines:    []engine.LineRequest{{ItemID: "solo", Quantity: 1}},
	})
	require.NoError(t, err)

	// WHEN: Four clients finalize it at once
	const n = 4
	ids := make([]engine.InvoiceID, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			inv, err := invoices.Finalize(gctx, engine.FinalizeInput{HoldID: h.ID})
			if err != nil {
				return err
			}
			ids[i] = inv.ID
			return nil
		})
	}

	// THEN: No caller sees an error and all get the same invoice
	require.NoError(t, g.Wait())
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}

	regs, err := st.RegistrationsForCustomer(ctx, "twice@example.com", "solo")
	require.NoError(t, err)
	assert.Len(t, regs, 1)

	stored, err := st.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.HoldFinalized, stored.Status)
}
