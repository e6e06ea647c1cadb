/*
Package payments provides engine.PaymentGateway implementations.

PURPOSE:
  The refund allocator only knows "refund this much of that payment". This
  package routes each payment record to the provider that took the money:
  Stripe for card payments, the manual gateway for cash and checks taken
  at the door.

SEE ALSO:
  - engine/refund.go: RefundAllocator, the only caller
*/
package payments

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/registration-engine/engine"
)

// Router dispatches refunds by PaymentRecord.Provider.
type Router struct {
	gateways map[string]engine.PaymentGateway
	log      *logrus.Entry
}

var _ engine.PaymentGateway = (*Router)(nil)

func NewRouter(log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{gateways: map[string]engine.PaymentGateway{}, log: log.WithField("component", "payments")}
}

// Register adds a gateway for provider. Later registrations replace earlier ones.
func (r *Router) Register(provider string, g engine.PaymentGateway) *Router {
	r.gateways[provider] = g
	return r
}

// Providers lists the registered provider names.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	return out
}

func (r *Router) Refund(ctx context.Context, p engine.PaymentRecord, amount decimal.Decimal) (engine.RefundOutcome, error) {
	g, ok := r.gateways[p.Provider]
	if !ok {
		return engine.RefundOutcome{}, fmt.Errorf("no gateway for provider %q", p.Provider)
	}
	out, err := g.Refund(ctx, p, amount)
	log := r.log.WithFields(logrus.Fields{
		"payment":  p.ID,
		"provider": p.Provider,
		"amount":   amount.StringFixed(2),
	})
	if err != nil {
		log.WithError(err).Warn("refund rejected")
		return out, err
	}
	log.WithField("refunded", out.Refunded.StringFixed(2)).Info("refund sent")
	return out, nil
}

// =============================================================================
// MANUAL - Cash, check and comp payments
// =============================================================================

// Manual refunds offline payments. The money is handed back in person, so
// the refund always succeeds for the requested amount.
type Manual struct{}

func (Manual) Refund(_ context.Context, p engine.PaymentRecord, amount decimal.Decimal) (engine.RefundOutcome, error) {
	if amount.GreaterThan(p.Refundable()) {
		return engine.RefundOutcome{}, fmt.Errorf("refund %s exceeds %s left on payment %s",
			amount.StringFixed(2), p.Refundable().StringFixed(2), p.ID)
	}
	return engine.RefundOutcome{Refunded: amount}, nil
}
