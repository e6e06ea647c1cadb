package engine_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
)

// =============================================================================
// FINALIZE
// =============================================================================

func TestFinalize_Idempotent(t *testing.T) {
	// GIVEN: A finalized hold
	// WHEN: Finalize is called again
	// THEN: The same invoice is returned and nothing is duplicated

	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()
	h := env.openHold(t, "x@example.com", line("a", 1))

	first, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)
	second, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Number, second.Number)

	regs, err := env.store.RegistrationsForCustomer(ctx, "x@example.com", "a")
	require.NoError(t, err)
	assert.Len(t, regs, 1)

	got, err := env.holds.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.HoldFinalized, got.Status)
}

func TestFinalize_ExpiredHold(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	h := env.openHold(t, "x@example.com", line("a", 1))

	env.clock.Advance(20 * time.Minute)
	_, err := env.invoices.Finalize(context.Background(), engine.FinalizeInput{HoldID: h.ID})
	assert.ErrorIs(t, err, engine.ErrHoldExpired)
}

func TestFinalize_PriceChanged(t *testing.T) {
	// GIVEN: The customer saw $100
	// WHEN: A discount appears before checkout
	// THEN: Finalize refuses with the new total and writes nothing

	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()
	h := env.openHold(t, "x@example.com", line("a", 1))

	env.saveDiscount(t, dollarOff("flash", 1, "25", component("series", 1)))

	_, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	var pcErr *engine.PriceChangedError
	require.ErrorAs(t, err, &pcErr)
	assert.True(t, pcErr.NewTotal.Equal(dec("75")))
	assert.ErrorIs(t, err, engine.ErrPriceChanged)

	_, err = env.store.InvoiceForHold(ctx, h.ID)
	assert.ErrorIs(t, err, engine.ErrInvoiceNotFound)

	expected := dec("75")
	inv, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID, ExpectedTotal: &expected})
	require.NoError(t, err)
	assert.True(t, inv.Total.Equal(dec("75")))
	assert.Equal(t, "flash", inv.DiscountName)
}

func TestFinalize_RoundTrip_GrossMinusDiscountsMinusVouchers(t *testing.T) {
	// GIVEN: Three classes, a 3-class pass, and a gift certificate
	// THEN: For the invoice and every item, gross - discount - voucher == total

	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "95"))
	env.saveItem(t, series("b", intp(10), "85"))
	env.saveItem(t, series("c", intp(10), "70"))
	env.saveDiscount(t, engine.DiscountDefinition{
		ID: "pass", Name: "3 class pass", Type: engine.DiscountFlatPrice, Active: true,
		Components: []engine.DiscountComponent{component("series", 3)}, FlatPrice: dec("200"),
	})
	env.saveVoucher(t, engine.Voucher{ID: "g", Code: "GIFT", Kind: engine.VoucherGiftCertificate, OriginalAmount: dec("33.33")})
	ctx := context.Background()

	h, err := env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer:     customer("x@example.com"),
		Lines:        []engine.LineRequest{line("a", 1), line("b", 1), line("c", 1)},
		VoucherCodes: []string{"GIFT"},
	})
	require.NoError(t, err)

	inv, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)

	assert.True(t, inv.GrossTotal.Equal(dec("250")))
	assert.True(t, inv.DiscountAmount.Equal(dec("50")))
	assert.True(t, inv.Total.Equal(dec("166.67")))
	assert.True(t, inv.GrossTotal.Sub(inv.DiscountAmount).Sub(dec("33.33")).Equal(inv.Total))

	sum := decimal.Zero
	for _, it := range inv.Items {
		assert.True(t, it.GrossTotal.Sub(it.DiscountAmount).Sub(it.VoucherAmount).Equal(it.Total), "item %s", it.ItemID)
		assert.NotEmpty(t, it.RegistrationID)
		sum = sum.Add(it.Total)
	}
	assert.True(t, sum.Equal(inv.Total))

	uses, err := env.store.VoucherUses(ctx, "g")
	require.NoError(t, err)
	require.Len(t, uses, 1)
	assert.True(t, uses[0].Amount.Equal(dec("33.33")))
}

func TestFinalize_TotalsIdentity_GeneratedCarts(t *testing.T) {
	// GIVEN: Seeded carts mixing quantities, drop-ins, several discounts
	//        and category- and per-use-capped vouchers
	// WHEN: Each cart is held and finalized
	// THEN: gross - discount - vouchers == total for the invoice and every
	//       item, and no item goes negative

	for seed := uint64(1); seed <= 60; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7919))
			env := newTestEnv(t)
			ctx := context.Background()
			cents := func(from, to int) decimal.Decimal {
				return decimal.New(int64(from+rng.IntN(to-from+1)), -2)
			}

			// Items: each line is either a full registration or drop-ins
			var lines []engine.LineRequest
			var categories []string
			for i := range 2 + rng.IntN(5) {
				it := series(fmt.Sprintf("s%d", i), nil, "1")
				price := cents(100, 20000)
				it.Pricing.OnlineGeneral = price
				it.Pricing.OnlineStudent = price
				it.Pricing.DoorGeneral = price
				it.Pricing.DoorStudent = price
				it.Pricing.DropIn = cents(1, 4000)
				it.AllowDropIns = true
				it.Category = []string{"A", "B", "C"}[rng.IntN(3)]
				env.saveItem(t, it)

				req := engine.LineRequest{ItemID: it.ID, Quantity: 1 + rng.IntN(3)}
				if rng.IntN(3) == 0 {
					req.DropIn = true
				}
				lines = append(lines, req)
				categories = append(categories, it.Category)
			}

			// Discounts: the resolver keeps the cheapest
			for k := range 1 + rng.IntN(3) {
				id := fmt.Sprintf("d%d", k)
				switch rng.IntN(3) {
				case 0:
					env.saveDiscount(t, dollarOff(id, k, cents(100, 30000).String(), component("series", int64(1+rng.IntN(3)))))
				case 1:
					env.saveDiscount(t, engine.DiscountDefinition{
						ID: engine.DiscountID(id), Name: id, Type: engine.DiscountPercentOff, Priority: k, Active: true,
						Components: []engine.DiscountComponent{component("series", int64(1+rng.IntN(2)))},
						PercentOff: decimal.NewFromInt(int64(5 + rng.IntN(60))),
						ApplyToAll: rng.IntN(2) == 0,
					})
				default:
					env.saveDiscount(t, engine.DiscountDefinition{
						ID: engine.DiscountID(id), Name: id, Type: engine.DiscountFlatPrice, Priority: k, Active: true,
						Components: []engine.DiscountComponent{component("series", int64(2+rng.IntN(2)))},
						FlatPrice:  cents(1, 25000),
					})
				}
			}

			// Vouchers: gift certificates, category promos and per-use caps
			var codes []string
			for k := range 1 + rng.IntN(4) {
				v := engine.Voucher{
					ID:             engine.VoucherID(fmt.Sprintf("v%d", k)),
					Code:           fmt.Sprintf("CODE%d", k),
					Kind:           engine.VoucherGiftCertificate,
					OriginalAmount: cents(100, 40000),
					CreatedAt:      t0,
				}
				if rng.IntN(2) == 0 {
					v.Kind = engine.VoucherPromo
					v.Categories = []string{categories[rng.IntN(len(categories))]}
				}
				if rng.IntN(3) == 0 {
					limit := cents(100, 10000)
					v.MaxAmountPerUse = &limit
				}
				env.saveVoucher(t, v)
				codes = append(codes, v.Code)
			}

			// Codes whose category carries no value after the discount are
			// refused by the hold, so they are left out.
			q, err := env.pricing.QuoteCart(ctx, engine.CartInput{Customer: customer("x@example.com"), Lines: lines, VoucherCodes: codes})
			require.NoError(t, err)
			for _, ve := range q.VoucherErrors {
				codes = lo.Without(codes, ve.Code)
			}

			h, err := env.holds.OpenHold(ctx, engine.OpenHoldInput{
				Customer:     customer("x@example.com"),
				Lines:        lines,
				VoucherCodes: codes,
			})
			require.NoError(t, err)
			inv, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
			require.NoError(t, err)

			vouchers := decimal.Zero
			for _, a := range inv.Vouchers {
				assert.True(t, a.Amount.IsPositive(), "voucher %s", a.Code)
				vouchers = vouchers.Add(a.Amount)
			}
			assert.True(t, inv.GrossTotal.Sub(inv.DiscountAmount).Sub(vouchers).Equal(inv.Total),
				"invoice: %s - %s - %s != %s", inv.GrossTotal, inv.DiscountAmount, vouchers, inv.Total)
			assert.False(t, inv.Total.IsNegative())

			var gross, discount, voucher, total decimal.Decimal
			for _, it := range inv.Items {
				assert.True(t, it.GrossTotal.Sub(it.DiscountAmount).Sub(it.VoucherAmount).Equal(it.Total),
					"item %s: %s - %s - %s != %s", it.ItemID, it.GrossTotal, it.DiscountAmount, it.VoucherAmount, it.Total)
				assert.False(t, it.Total.IsNegative(), "item %s total %s", it.ItemID, it.Total)
				assert.False(t, it.DiscountAmount.IsNegative(), "item %s discount %s", it.ItemID, it.DiscountAmount)
				assert.False(t, it.VoucherAmount.IsNegative(), "item %s voucher %s", it.ItemID, it.VoucherAmount)
				gross = gross.Add(it.GrossTotal)
				discount = discount.Add(it.DiscountAmount)
				voucher = voucher.Add(it.VoucherAmount)
				total = total.Add(it.Total)
			}
			assert.True(t, gross.Equal(inv.GrossTotal))
			assert.True(t, discount.Equal(inv.DiscountAmount))
			assert.True(t, voucher.Equal(vouchers))
			assert.True(t, total.Equal(inv.Total))
		})
	}
}

func TestFinalize_ZeroTotalIsPaid(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "20"))
	env.saveVoucher(t, engine.Voucher{ID: "g", Code: "GIFT", Kind: engine.VoucherGiftCertificate, OriginalAmount: dec("50")})
	ctx := context.Background()

	h, err := env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer:     customer("x@example.com"),
		Lines:        []engine.LineRequest{line("a", 1)},
		VoucherCodes: []string{"GIFT"},
	})
	require.NoError(t, err)

	inv, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)
	assert.Equal(t, engine.InvoicePaid, inv.Status)
	assert.True(t, inv.Total.IsZero())
}

func TestFinalize_VoucherSpentElsewhere(t *testing.T) {
	// GIVEN: Two holds both showing the same $30 gift certificate
	// WHEN: The first finalizes
	// THEN: The second sees a changed price

	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	env.saveVoucher(t, engine.Voucher{ID: "g", Code: "SHARED", Kind: engine.VoucherGiftCertificate, OriginalAmount: dec("30")})
	ctx := context.Background()

	open := func(email string) engine.Hold {
		h, err := env.holds.OpenHold(ctx, engine.OpenHoldInput{
			Customer:     customer(email),
			Lines:        []engine.LineRequest{line("a", 1)},
			VoucherCodes: []string{"SHARED"},
		})
		require.NoError(t, err)
		return h
	}
	h1, h2 := open("one@example.com"), open("two@example.com")

	_, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h1.ID})
	require.NoError(t, err)

	_, err = env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h2.ID})
	var pcErr *engine.PriceChangedError
	require.ErrorAs(t, err, &pcErr)
	assert.True(t, pcErr.NewTotal.Equal(dec("100")))
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_MarksPaid(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()
	h := env.openHold(t, "x@example.com", line("a", 1))
	inv, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)
	assert.Equal(t, engine.InvoiceUnpaid, inv.Status)

	inv, _, err = env.invoices.RecordPayment(ctx, inv.ID, engine.PaymentInput{Provider: "manual", Amount: dec("60")})
	require.NoError(t, err)
	assert.Equal(t, engine.InvoiceUnpaid, inv.Status, "partial payment keeps the invoice unpaid")

	inv, rec, err := env.invoices.RecordPayment(ctx, inv.ID, engine.PaymentInput{Provider: "manual", Amount: dec("40")})
	require.NoError(t, err)
	assert.Equal(t, engine.InvoicePaid, inv.Status)
	assert.True(t, rec.Refundable().Equal(dec("40")))

	_, _, err = env.invoices.RecordPayment(ctx, inv.ID, engine.PaymentInput{Provider: "manual", Amount: dec("-1")})
	assert.ErrorIs(t, err, engine.ErrInvalidQuantity)
}
