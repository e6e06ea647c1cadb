/*
policy.go - Explicit configuration for pricing and reservations

PURPOSE:
  Site-wide settings are passed into each component at construction time
  instead of being looked up by string key at runtime. A component never
  reads configuration from anywhere else.

KEY TYPES:
  PricingPolicy:     currency, rounding, price-change tolerance
  ReservationPolicy: hold TTL, multi-registration policy, duplicate rule

MULTI-REGISTRATION:
  Per category (series, public event, drop-in) the policy is one of:
    Never    - a customer may hold one registration per item
    DoorOnly - repeat registrations are allowed only at the door
    Always   - no duplicate check
  What counts as a conflict is the DuplicateRule predicate, so the
  drop-in/full interaction stays configurable.

SEE ALSO:
  - reservation.go: Consumes ReservationPolicy
  - school/rules.go: School-specific duplicate rules
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PRICING POLICY
// =============================================================================

type PricingPolicy struct {
	// Currency is the ISO code reported on quotes and invoices.
	Currency string

	// PriceEpsilon is the tolerance when comparing a client-displayed total
	// with the total computed at finalize.
	PriceEpsilon decimal.Decimal
}

func DefaultPricingPolicy() PricingPolicy {
	return PricingPolicy{
		Currency:     "USD",
		PriceEpsilon: decimal.NewFromFloat(0.01),
	}
}

// =============================================================================
// RESERVATION POLICY
// =============================================================================

// MultiRegPolicy controls whether a customer may register twice for an item.
type MultiRegPolicy string

const (
	MultiRegNever    MultiRegPolicy = "never"
	MultiRegDoorOnly MultiRegPolicy = "door_only"
	MultiRegAlways   MultiRegPolicy = "always"
)

// ExistingUnit is a registration or hold line already owned by the customer.
type ExistingUnit struct {
	ItemID   ItemID
	RoleID   RoleID
	IsDropIn bool
	AtDoor   bool
	Held     bool // true for live hold lines, false for committed registrations
}

// DuplicateRule reports whether candidate conflicts with existing.
type DuplicateRule func(existing, candidate ExistingUnit) bool

// SameItemConflicts treats any two units of the same item as a conflict.
// This covers "one role only" and "no drop-in plus full registration".
func SameItemConflicts(existing, candidate ExistingUnit) bool {
	return existing.ItemID == candidate.ItemID
}

type ReservationPolicy struct {
	// HoldTTL is the lifetime of a hold after its last write.
	HoldTTL time.Duration

	// MultiRegistration is keyed by line category. Missing keys mean Never.
	MultiRegistration map[Category]MultiRegPolicy

	// Duplicate decides what counts as a conflicting registration.
	Duplicate DuplicateRule

	// SweepBatchSize bounds how many expired holds one sweep pass releases.
	SweepBatchSize int
}

const defaultHoldTTL = 15 * time.Minute

func DefaultReservationPolicy() ReservationPolicy {
	return ReservationPolicy{
		HoldTTL: defaultHoldTTL,
		MultiRegistration: map[Category]MultiRegPolicy{
			CategorySeries:      MultiRegNever,
			CategoryPublicEvent: MultiRegDoorOnly,
			CategoryDropIn:      MultiRegNever,
		},
		Duplicate:      SameItemConflicts,
		SweepBatchSize: 500,
	}
}

func (p ReservationPolicy) multiReg(c Category) MultiRegPolicy {
	if v, ok := p.MultiRegistration[c]; ok {
		return v
	}
	return MultiRegNever
}

func (p ReservationPolicy) ttl() time.Duration {
	if p.HoldTTL <= 0 {
		return defaultHoldTTL
	}
	return p.HoldTTL
}

func (p ReservationPolicy) duplicateRule() DuplicateRule {
	if p.Duplicate == nil {
		return SameItemConflicts
	}
	return p.Duplicate
}

// checksDuplicates reports whether a line of category c is subject to the
// duplicate rule for a customer buying at or away from the door.
func (p ReservationPolicy) checksDuplicates(c Category, atDoor bool) bool {
	switch p.multiReg(c) {
	case MultiRegAlways:
		return false
	case MultiRegDoorOnly:
		return !atDoor
	}
	return true
}

func (p ReservationPolicy) conflicts(existing []ExistingUnit, candidate ExistingUnit) bool {
	rule := p.duplicateRule()
	for _, e := range existing {
		if rule(e, candidate) {
			return true
		}
	}
	return false
}
