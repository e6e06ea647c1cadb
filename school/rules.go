/*
rules.go - School registration rules

PURPOSE:
  Builds the engine policies the school runs with.

DUPLICATE RULE:
  A customer may hold one full registration per item, in one role.
  Several drop-ins for the same series are fine (different nights), but a
  drop-in next to a full registration of the same series is not.

MULTI-REGISTRATION:
  series        never   (one seat per customer)
  public_event  door    (repeat tickets for friends only at the door)
  drop_in       never   (the duplicate rule above decides)
*/
package school

import (
	"time"

	"github.com/warp/registration-engine/engine"
)

// DropInsStack is the school's duplicate rule.
func DropInsStack(existing, candidate engine.ExistingUnit) bool {
	if existing.ItemID != candidate.ItemID {
		return false
	}
	return !(existing.IsDropIn && candidate.IsDropIn)
}

// ReservationPolicy returns the school's reservation settings.
// A zero ttl keeps the engine default.
func ReservationPolicy(ttl time.Duration) engine.ReservationPolicy {
	p := engine.DefaultReservationPolicy()
	if ttl > 0 {
		p.HoldTTL = ttl
	}
	p.MultiRegistration = map[engine.Category]engine.MultiRegPolicy{
		engine.CategorySeries:      engine.MultiRegNever,
		engine.CategoryPublicEvent: engine.MultiRegDoorOnly,
		engine.CategoryDropIn:      engine.MultiRegNever,
	}
	p.Duplicate = DropInsStack
	return p
}

// PricingPolicy returns the school's pricing settings.
func PricingPolicy(currency string) engine.PricingPolicy {
	p := engine.DefaultPricingPolicy()
	if currency != "" {
		p.Currency = currency
	}
	return p
}
