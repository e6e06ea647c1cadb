package payments

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"

	"github.com/warp/registration-engine/engine"
)

// RefundCreator is the part of the Stripe client used here
// (stripe.Client.V1Refunds).
type RefundCreator interface {
	Create(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error)
}

// Stripe refunds card payments. PaymentRecord.ExternalRef holds the
// PaymentIntent id.
type Stripe struct {
	refunds RefundCreator
}

var _ engine.PaymentGateway = (*Stripe)(nil)

// NewStripe builds the gateway from a Stripe API key.
func NewStripe(apiKey string) *Stripe {
	return NewStripeWith(stripe.NewClient(apiKey).V1Refunds)
}

func NewStripeWith(refunds RefundCreator) *Stripe {
	return &Stripe{refunds: refunds}
}

func (s *Stripe) Refund(ctx context.Context, p engine.PaymentRecord, amount decimal.Decimal) (engine.RefundOutcome, error) {
	if p.ExternalRef == "" {
		return engine.RefundOutcome{}, fmt.Errorf("payment %s has no payment intent", p.ID)
	}
	cents := toCents(amount)
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(p.ExternalRef),
		Amount:        stripe.Int64(cents),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.AddMetadata("payment_id", string(p.ID))
	params.AddMetadata("invoice_id", string(p.InvoiceID))
	// Same payment, same prior refunds, same amount: a retried request is
	// deduplicated by Stripe.
	params.SetIdempotencyKey(fmt.Sprintf("%s-%d-%d", p.ID, toCents(p.Refunded), cents))

	r, err := s.refunds.Create(ctx, params)
	if err != nil {
		return engine.RefundOutcome{}, fmt.Errorf("stripe refund: %w", err)
	}
	switch r.Status {
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return engine.RefundOutcome{ExternalRef: r.ID}, fmt.Errorf("stripe refund %s %s", r.ID, r.Status)
	}
	return engine.RefundOutcome{
		Refunded:    fromCents(r.Amount),
		ExternalRef: r.ID,
	}, nil
}

func toCents(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
