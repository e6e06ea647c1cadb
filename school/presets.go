/*
Package school provides the dance school's catalog presets and rules.

PURPOSE:
  The engine knows nothing about classes, lead/follow roles or student
  pricing. This package supplies the school-specific configuration on top
  of it: ready-made item, pricing, discount and voucher definitions, the
  duplicate-registration rule and the reservation/pricing policies.

AVAILABLE PRESETS:
  Series:          Multi-week class with lead/follow roles and drop-ins
  PublicEvent:     One-off social or workshop, no roles
  SeriesPricing:   Online/door x general/student tiers plus drop-in
  EventPricing:    Flat ticket price with a door surcharge
  SeriesBundle:    N series for a flat price
  PercentOff:      Percentage off matched units
  GiftCertificate: Coded balance voucher
  ReferralCredit:  Auto-applied credit owned by one customer

EXAMPLE:
  item := school.Series("salsa-101", "Salsa 101", 20, start, 4)
  item.Pricing = school.SeriesPricing("120", "100", "25")

  catalog, err := factory.NewCatalogFactory(clock).CatalogFromJSON(
      factory.CatalogJSON{Items: []factory.ItemJSON{item}})

SEE ALSO:
  - factory/catalog.go: JSON to engine conversion
  - rules.go: Duplicate rule and policies
  - demo.go: Demo catalog used by scenarios
*/
package school

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/registration-engine/factory"
)

// Point groups used by the school's discounts.
const (
	PointsSeries = "series"
	PointsEvent  = "event"
)

// Roles offered by partnered classes.
const (
	RoleLead   = "lead"
	RoleFollow = "follow"
)

const dateLayout = "2006-01-02"

// =============================================================================
// ITEMS
// =============================================================================

// Series returns a weekly class running for weeks weeks from start,
// split evenly between leads and follows. Drop-ins are allowed and
// registration closes a week after the first class.
func Series(id, name string, capacity int, start time.Time, weeks int) factory.ItemJSON {
	if weeks < 1 {
		weeks = 1
	}
	closeAfter := 7
	return factory.ItemJSON{
		ID:       id,
		Kind:     "series",
		Name:     name,
		Category: "classes",
		Capacity: &capacity,
		Roles: []factory.RoleJSON{
			{ID: RoleLead, Name: "Lead"},
			{ID: RoleFollow, Name: "Follow"},
		},
		FirstOccurrence: start.Format(dateLayout),
		LastOccurrence:  start.AddDate(0, 0, 7*(weeks-1)).Format(dateLayout),
		CloseAfterDays:  &closeAfter,
		AllowDropIns:    true,
		Pricing:         SeriesPricing("120", "100", "25"),
	}
}

// PublicEvent returns a one-off event. A nil capacity is unlimited.
func PublicEvent(id, name string, capacity *int, at time.Time) factory.ItemJSON {
	return factory.ItemJSON{
		ID:              id,
		Kind:            "public_event",
		Name:            name,
		Category:        "events",
		Capacity:        capacity,
		FirstOccurrence: at.Format(dateLayout),
		Pricing:         EventPricing("20"),
	}
}

// =============================================================================
// PRICING TIERS
// =============================================================================

// doorSurcharge is added to online prices for tickets bought at the door.
var doorSurcharge = decimal.NewFromInt(10)

// SeriesPricing returns a series tier. Door prices are the online prices
// plus the door surcharge.
func SeriesPricing(general, student, dropIn string) *factory.PricingJSON {
	return &factory.PricingJSON{
		ID:            "series-" + general,
		Name:          "Series",
		OnlineGeneral: general,
		OnlineStudent: student,
		DoorGeneral:   plusSurcharge(general),
		DoorStudent:   plusSurcharge(student),
		DropIn:        dropIn,
		PointGroup:    PointsSeries,
		Points:        "1",
	}
}

// EventPricing returns a public event tier with a single ticket price.
func EventPricing(price string) *factory.PricingJSON {
	return &factory.PricingJSON{
		ID:            "event-" + price,
		Name:          "Event",
		OnlineGeneral: price,
		OnlineStudent: price,
		DoorGeneral:   plusSurcharge(price),
		DoorStudent:   plusSurcharge(price),
		PointGroup:    PointsEvent,
		Points:        "1",
	}
}

func plusSurcharge(price string) string {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return price
	}
	return d.Add(doorSurcharge).String()
}

// =============================================================================
// DISCOUNTS
// =============================================================================

// SeriesBundle prices any count series together at price.
func SeriesBundle(id string, count int, price string) factory.DiscountJSON {
	return factory.DiscountJSON{
		ID:        id,
		Name:      decimal.NewFromInt(int64(count)).String() + " series bundle",
		Type:      "flat_price",
		Priority:  10,
		FlatPrice: price,
		Components: []factory.ComponentJSON{
			{PointGroup: PointsSeries, Quantity: decimal.NewFromInt(int64(count)).String()},
		},
	}
}

// PercentOff takes percent off every unit of group once one is in the cart.
func PercentOff(id, name, group, percent string, newCustomersOnly bool) factory.DiscountJSON {
	return factory.DiscountJSON{
		ID:               id,
		Name:             name,
		Type:             "percent_off",
		Priority:         20,
		PercentOff:       percent,
		NewCustomersOnly: newCustomersOnly,
		Components: []factory.ComponentJSON{
			{PointGroup: group, Quantity: "1", AllWithinPointGroup: true},
		},
	}
}

// =============================================================================
// VOUCHERS
// =============================================================================

// GiftCertificate returns a coded voucher holding amount.
func GiftCertificate(code, amount string) factory.VoucherJSON {
	return factory.VoucherJSON{
		Code:   code,
		Name:   "Gift certificate " + code,
		Kind:   "gift_certificate",
		Amount: amount,
	}
}

// ReferralCredit returns an auto-applied credit for owner, usable on classes only.
func ReferralCredit(owner, amount string) factory.VoucherJSON {
	return factory.VoucherJSON{
		Name:       "Referral credit",
		Kind:       "referral_credit",
		Amount:     amount,
		OwnerEmail: owner,
		Categories: []string{"classes"},
	}
}
