package school

import (
	"time"

	"github.com/warp/registration-engine/factory"
)

// DemoCatalog returns a small school catalog whose classes start the
// Monday after now. Scenarios and local development load it.
func DemoCatalog(now time.Time) factory.CatalogJSON {
	start := nextMonday(now)
	workshopCap := 30

	salsa := Series("salsa-101", "Salsa 101", 20, start, 4)
	bachata := Series("bachata-101", "Bachata 101", 16, start.AddDate(0, 0, 1), 4)
	swing := Series("swing-201", "Swing 201", 12, start.AddDate(0, 0, 2), 6)
	swing.Pricing = SeriesPricing("140", "115", "30")

	social := PublicEvent("friday-social", "Friday Social", nil, start.AddDate(0, 0, 4))
	workshop := PublicEvent("styling-workshop", "Styling Workshop", &workshopCap, start.AddDate(0, 0, 5))
	workshop.Pricing = EventPricing("45")

	welcome := GiftCertificate("WELCOME10", "10")
	welcome.Kind = "promo"
	welcome.Name = "Welcome promo"
	welcome.SingleUse = true

	return factory.CatalogJSON{
		Items: []factory.ItemJSON{salsa, bachata, swing, social, workshop},
		Discounts: []factory.DiscountJSON{
			SeriesBundle("two-series", 2, "200"),
			SeriesBundle("three-series", 3, "280"),
			PercentOff("new-dancer", "New dancer events", PointsEvent, "50", true),
		},
		Vouchers: []factory.VoucherJSON{
			GiftCertificate("GIFT50", "50"),
			welcome,
		},
	}
}

func nextMonday(now time.Time) time.Time {
	d := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(time.Monday) - int(d.Weekday()) + 7) % 7
	if offset == 0 {
		offset = 7
	}
	return d.AddDate(0, 0, offset)
}
