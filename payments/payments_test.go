package payments_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/payments"
)

type fakeRefunds struct {
	got    []*stripe.RefundCreateParams
	status stripe.RefundStatus
	err    error
}

func (f *fakeRefunds) Create(_ context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error) {
	f.got = append(f.got, params)
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == "" {
		status = stripe.RefundStatusSucceeded
	}
	return &stripe.Refund{ID: "re_1", Amount: *params.Amount, Status: status}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cardPayment() engine.PaymentRecord {
	return engine.PaymentRecord{ID: "pay1", InvoiceID: "inv1", Provider: "stripe", ExternalRef: "pi_123", Amount: dec("100")}
}

func TestStripe_RefundsInCents(t *testing.T) {
	// GIVEN: A $100 card payment
	// WHEN: $33.33 is refunded
	// THEN: Stripe receives 3333 cents against the payment intent

	fake := &fakeRefunds{}
	out, err := payments.NewStripeWith(fake).Refund(context.Background(), cardPayment(), dec("33.33"))
	require.NoError(t, err)

	require.Len(t, fake.got, 1)
	assert.Equal(t, int64(3333), *fake.got[0].Amount)
	assert.Equal(t, "pi_123", *fake.got[0].PaymentIntent)
	assert.Equal(t, "pay1", fake.got[0].Metadata["payment_id"])
	require.NotNil(t, fake.got[0].IdempotencyKey)
	assert.True(t, out.Refunded.Equal(dec("33.33")))
	assert.Equal(t, "re_1", out.ExternalRef)
}

func TestStripe_Failures(t *testing.T) {
	ctx := context.Background()

	_, err := payments.NewStripeWith(&fakeRefunds{err: errors.New("card_declined")}).Refund(ctx, cardPayment(), dec("10"))
	assert.ErrorContains(t, err, "card_declined")

	_, err = payments.NewStripeWith(&fakeRefunds{status: stripe.RefundStatusFailed}).Refund(ctx, cardPayment(), dec("10"))
	assert.ErrorContains(t, err, "failed")

	noRef := cardPayment()
	noRef.ExternalRef = ""
	_, err = payments.NewStripeWith(&fakeRefunds{}).Refund(ctx, noRef, dec("10"))
	assert.Error(t, err)
}

func TestRouter_DispatchesByProvider(t *testing.T) {
	fake := &fakeRefunds{}
	router := payments.NewRouter(nil).
		Register("stripe", payments.NewStripeWith(fake)).
		Register("cash", payments.Manual{})
	ctx := context.Background()

	out, err := router.Refund(ctx, engine.PaymentRecord{ID: "c", Provider: "cash", Amount: dec("20")}, dec("20"))
	require.NoError(t, err)
	assert.True(t, out.Refunded.Equal(dec("20")))
	assert.Empty(t, fake.got, "cash never reaches stripe")

	_, err = router.Refund(ctx, cardPayment(), dec("5"))
	require.NoError(t, err)
	assert.Len(t, fake.got, 1)

	_, err = router.Refund(ctx, engine.PaymentRecord{ID: "x", Provider: "paypal"}, dec("5"))
	assert.ErrorContains(t, err, "paypal")
	assert.ElementsMatch(t, []string{"stripe", "cash"}, router.Providers())
}

func TestManual_CannotExceedPayment(t *testing.T) {
	p := engine.PaymentRecord{ID: "c", Provider: "cash", Amount: dec("20"), Refunded: dec("15")}
	_, err := payments.Manual{}.Refund(context.Background(), p, dec("10"))
	assert.Error(t, err)
}
