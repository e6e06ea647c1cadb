package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
)

func candidate(id, code string, kind engine.VoucherKind, left string) engine.VoucherCandidate {
	return engine.VoucherCandidate{
		Voucher:    engine.Voucher{ID: engine.VoucherID(id), Code: code, Kind: kind, OriginalAmount: dec(left)},
		AmountLeft: dec(left),
	}
}

// =============================================================================
// ALLOCATION
// =============================================================================

func TestVoucherAllocator_GiftCertificateSmallerThanCart(t *testing.T) {
	// GIVEN: A $7 gift certificate and a $100 cart
	// THEN: $7 is allocated, $93 remains

	alloc := engine.NewVoucherAllocator().Allocate(dec("100"), []engine.VoucherCandidate{
		candidate("g", "GIFT", engine.VoucherGiftCertificate, "7"),
	})
	require.Len(t, alloc.Allocations, 1)
	assert.True(t, alloc.Allocations[0].Amount.Equal(dec("7")))
	assert.True(t, alloc.Remaining.Equal(dec("93")))
}

func TestVoucherAllocator_MaxAmountPerUse(t *testing.T) {
	// GIVEN: A $50 voucher limited to $2 per use
	c := candidate("p", "PROMO", engine.VoucherPromo, "50")
	perUse := dec("2")
	c.Voucher.MaxAmountPerUse = &perUse

	alloc := engine.NewVoucherAllocator().Allocate(dec("100"), []engine.VoucherCandidate{c})
	require.Len(t, alloc.Allocations, 1)
	assert.True(t, alloc.Allocations[0].Amount.Equal(dec("2")))
	assert.True(t, alloc.Remaining.Equal(dec("98")))
}

func TestVoucherAllocator_ReferralCreditsFirst_ThenEntryOrder(t *testing.T) {
	// GIVEN: Two codes entered before a referral credit, $30 cart
	// THEN: The credit is used first, then codes in entry order until paid

	alloc := engine.NewVoucherAllocator().Allocate(dec("30"), []engine.VoucherCandidate{
		candidate("a", "A", engine.VoucherGiftCertificate, "15"),
		candidate("b", "B", engine.VoucherGiftCertificate, "15"),
		candidate("r", "", engine.VoucherReferralCredit, "10"),
	})

	require.Len(t, alloc.Allocations, 3)
	assert.Equal(t, engine.VoucherID("r"), alloc.Allocations[0].VoucherID)
	assert.Equal(t, engine.VoucherID("a"), alloc.Allocations[1].VoucherID)
	assert.True(t, alloc.Allocations[1].Amount.Equal(dec("15")))
	assert.True(t, alloc.Allocations[2].Amount.Equal(dec("5")))
	assert.True(t, alloc.Remaining.IsZero())
}

func TestVoucherAllocator_StopsWhenPaid(t *testing.T) {
	alloc := engine.NewVoucherAllocator().Allocate(dec("10"), []engine.VoucherCandidate{
		candidate("a", "A", engine.VoucherGiftCertificate, "25"),
		candidate("b", "B", engine.VoucherGiftCertificate, "25"),
	})
	require.Len(t, alloc.Allocations, 1)
	assert.True(t, alloc.Total.Equal(dec("10")))
}

func TestVoucherAllocator_CategoryCap(t *testing.T) {
	c := candidate("p", "WORKSHOP", engine.VoucherPromo, "50")
	limit := dec("20")
	c.CategoryCap = &limit

	alloc := engine.NewVoucherAllocator().Allocate(dec("100"), []engine.VoucherCandidate{c})
	assert.True(t, alloc.Total.Equal(dec("20")))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateVoucher(t *testing.T) {
	past := t0.Add(-time.Hour)
	use := []engine.VoucherUse{{VoucherID: "v", Amount: dec("5")}}
	base := engine.Voucher{ID: "v", Code: "CODE", Kind: engine.VoucherPromo, OriginalAmount: dec("5")}

	tests := []struct {
		name   string
		mutate func(v *engine.Voucher)
		uses   []engine.VoucherUse
		cust   engine.Customer
		want   engine.VoucherErrorKind
	}{
		{"disabled", func(v *engine.Voucher) { v.Disabled = true }, nil, customer("x@example.com"), engine.VoucherDisabled},
		{"expired", func(v *engine.Voucher) { v.ExpiresAt = &past }, nil, customer("x@example.com"), engine.VoucherExpired},
		{"wrong customer", func(v *engine.Voucher) { v.Customers = []string{"y@example.com"} }, nil, customer("x@example.com"), engine.VoucherWrongCustomer},
		{"referral owner", func(v *engine.Voucher) { v.Kind = engine.VoucherReferralCredit; v.OwnerEmail = "y@example.com" }, nil, customer("x@example.com"), engine.VoucherWrongCustomer},
		{"single use", func(v *engine.Voucher) { v.SingleUse = true; v.OriginalAmount = dec("50") }, use, customer("x@example.com"), engine.VoucherAlreadyUsed},
		{"exhausted", func(v *engine.Voucher) {}, use, customer("x@example.com"), engine.VoucherExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := base
			tt.mutate(&v)
			err := engine.ValidateVoucher(v, tt.uses, tt.cust, t0)

			var vErr *engine.VoucherError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.want, vErr.Kind)
			assert.ErrorIs(t, err, engine.ErrInvalidVoucher)
		})
	}
}

func TestValidateVoucher_CustomerGroup(t *testing.T) {
	v := engine.Voucher{Code: "STAFF", OriginalAmount: dec("10"), CustomerGroups: []string{"staff"}}
	c := customer("x@example.com")
	c.Groups = []string{"staff"}

	assert.NoError(t, engine.ValidateVoucher(v, nil, c, t0))
	assert.Error(t, engine.ValidateVoucher(v, nil, customer("x@example.com"), t0))
}

func TestAmountLeft(t *testing.T) {
	v := engine.Voucher{OriginalAmount: dec("20"), Credited: dec("5")}
	uses := []engine.VoucherUse{{Amount: dec("7")}, {Amount: dec("3")}}
	assert.True(t, engine.AmountLeft(v, uses).Equal(dec("15")))
	assert.True(t, engine.AmountLeft(v, append(uses, engine.VoucherUse{Amount: dec("100")})).Equal(decimal.Zero))
}

// =============================================================================
// QUOTE INTEGRATION
// =============================================================================

func TestQuote_ReferralCreditAppliedAutomatically(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	env.saveVoucher(t, engine.Voucher{
		ID: "ref", Kind: engine.VoucherReferralCredit, OwnerEmail: "x@example.com", OriginalAmount: dec("10"), CreatedAt: t0,
	})

	h := env.openHold(t, "x@example.com", line("a", 1))
	q, err := env.pricing.QuoteHold(context.Background(), h.ID)
	require.NoError(t, err)
	require.Len(t, q.Vouchers, 1)
	assert.True(t, q.Total.Equal(dec("90")))
	assert.True(t, q.Lines[0].Voucher.Equal(dec("10")))
}

func TestQuote_CategoryRestrictedVoucher(t *testing.T) {
	env := newTestEnv(t)
	a := series("a", intp(10), "100")
	a.Category = "workshop"
	env.saveItem(t, a)
	env.saveItem(t, series("b", intp(10), "60"))
	env.saveVoucher(t, engine.Voucher{ID: "w", Code: "WS", Kind: engine.VoucherPromo, OriginalAmount: dec("500"), Categories: []string{"workshop"}})

	q, err := env.pricing.QuoteCart(context.Background(), engine.CartInput{
		Customer:     customer("x@example.com"),
		Lines:        []engine.LineRequest{line("a", 1), line("b", 1)},
		VoucherCodes: []string{"WS"},
	})
	require.NoError(t, err)
	assert.True(t, q.VoucherTotal.Equal(dec("100")))
	assert.True(t, q.Lines[0].Total.IsZero())
	assert.True(t, q.Lines[1].Total.Equal(dec("60")))
	assert.True(t, q.Total.Equal(dec("60")))
}

func TestQuote_CategoryVouchersShareCategoryValue(t *testing.T) {
	// GIVEN: A $50 cat-A line and a $50 cat-B line, two $40 vouchers limited
	//        to cat A and a $100 unrestricted gift certificate
	// WHEN: All three codes are entered
	// THEN: The cat-A vouchers split the $50, the gift covers the rest and
	//       the cart is free

	env := newTestEnv(t)
	a := series("a", intp(10), "50")
	a.Category = "A"
	b := series("b", intp(10), "50")
	b.Category = "B"
	env.saveItem(t, a)
	env.saveItem(t, b)
	env.saveVoucher(t, engine.Voucher{ID: "a1", Code: "CATA1", Kind: engine.VoucherPromo, OriginalAmount: dec("40"), Categories: []string{"A"}})
	env.saveVoucher(t, engine.Voucher{ID: "a2", Code: "CATA2", Kind: engine.VoucherPromo, OriginalAmount: dec("40"), Categories: []string{"A"}})
	env.saveVoucher(t, engine.Voucher{ID: "g", Code: "GIFT", Kind: engine.VoucherGiftCertificate, OriginalAmount: dec("100")})

	q, err := env.pricing.QuoteCart(context.Background(), engine.CartInput{
		Customer:     customer("x@example.com"),
		Lines:        []engine.LineRequest{line("a", 1), line("b", 1)},
		VoucherCodes: []string{"CATA1", "CATA2", "GIFT"},
	})
	require.NoError(t, err)

	assert.True(t, q.Total.IsZero(), "total %s", q.Total)
	assert.True(t, q.VoucherTotal.Equal(dec("100")))
	require.Len(t, q.Vouchers, 3)
	assert.True(t, q.Vouchers[0].Amount.Equal(dec("40")))
	assert.True(t, q.Vouchers[1].Amount.Equal(dec("10")))
	assert.Equal(t, "GIFT", q.Vouchers[2].Code)
	assert.True(t, q.Vouchers[2].Amount.Equal(dec("50")))
	assert.True(t, q.Lines[0].Voucher.Equal(dec("50")))
	assert.True(t, q.Lines[1].Voucher.Equal(dec("50")))
}

func TestVoucherAllocator_AllocateLines_CategoryRoomShrinks(t *testing.T) {
	// GIVEN: Lines of 30 and 70; two vouchers limited to the first line
	// THEN: The second only gets what the first left on that line

	first := engine.VoucherCandidate{Voucher: engine.Voucher{ID: "1", Code: "ONE"}, AmountLeft: dec("25"), Lines: []bool{true, false}}
	second := engine.VoucherCandidate{Voucher: engine.Voucher{ID: "2", Code: "TWO"}, AmountLeft: dec("25"), Lines: []bool{true, false}}
	open := engine.VoucherCandidate{Voucher: engine.Voucher{ID: "3", Code: "ANY"}, AmountLeft: dec("100")}

	alloc, shares := engine.NewVoucherAllocator().AllocateLines(
		[]decimal.Decimal{dec("30"), dec("70")}, []engine.VoucherCandidate{first, second, open})

	require.Len(t, alloc.Allocations, 3)
	require.Len(t, shares, 3)
	assert.True(t, alloc.Allocations[0].Amount.Equal(dec("25")))
	assert.True(t, alloc.Allocations[1].Amount.Equal(dec("5")))
	assert.True(t, alloc.Allocations[2].Amount.Equal(dec("70")))
	assert.True(t, shares[1][1].IsZero())
	assert.True(t, shares[2][0].IsZero())
	assert.True(t, alloc.Remaining.IsZero())
	assert.True(t, alloc.Total.Equal(dec("100")))
}
