package school

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/engine/store"
	"github.com/warp/registration-engine/factory"
)

// Thursday
var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type schoolEnv struct {
	store    *store.Memory
	clock    *engine.ManualClock
	holds    *engine.ReservationManager
	invoices *engine.InvoiceFinalizer
}

func newSchoolEnv(t *testing.T) *schoolEnv {
	t.Helper()
	st := store.NewMemory()
	clock := engine.NewManualClock(t0)

	f := factory.NewCatalogFactory(clock)
	catalog, err := f.CatalogFromJSON(DemoCatalog(clock.Now()))
	require.NoError(t, err)
	require.NoError(t, f.Load(context.Background(), st, catalog))

	pricing := engine.NewPricingService(st, clock, PricingPolicy("USD"))
	return &schoolEnv{
		store:    st,
		clock:    clock,
		holds:    engine.NewReservationManager(st, clock, ReservationPolicy(0), pricing),
		invoices: engine.NewInvoiceFinalizer(st, clock, pricing, engine.WithFinalizerPolicy(ReservationPolicy(0))),
	}
}

func TestDropInsStack(t *testing.T) {
	full := engine.ExistingUnit{ItemID: "salsa-101", RoleID: RoleLead}
	dropIn := engine.ExistingUnit{ItemID: "salsa-101", RoleID: RoleLead, IsDropIn: true}
	other := engine.ExistingUnit{ItemID: "bachata-101", RoleID: RoleLead}

	tests := []struct {
		name      string
		existing  engine.ExistingUnit
		candidate engine.ExistingUnit
		conflict  bool
	}{
		{"full then full", full, full, true},
		{"full then other role", full, engine.ExistingUnit{ItemID: "salsa-101", RoleID: RoleFollow}, true},
		{"drop-in then full", dropIn, full, true},
		{"full then drop-in", full, dropIn, true},
		{"drop-in then drop-in", dropIn, dropIn, false},
		{"different items", full, other, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.conflict, DropInsStack(tt.existing, tt.candidate))
		})
	}
}

func TestReservationPolicy(t *testing.T) {
	p := ReservationPolicy(0)
	assert.Equal(t, engine.DefaultReservationPolicy().HoldTTL, p.HoldTTL)
	assert.Equal(t, engine.MultiRegDoorOnly, p.MultiRegistration[engine.CategoryPublicEvent])

	p = ReservationPolicy(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, p.HoldTTL)

	assert.Equal(t, "EUR", PricingPolicy("EUR").Currency)
	assert.Equal(t, "USD", PricingPolicy("").Currency)
}

func TestSeriesPreset(t *testing.T) {
	start := time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC)

	item, err := factory.NewCatalogFactory(nil).ItemFromJSON(Series("s", "S", 20, start, 4))
	require.NoError(t, err)

	assert.Equal(t, start.AddDate(0, 0, 21), item.LastOccurrence)
	require.NotNil(t, item.RoleCapacity(RoleLead))
	assert.Equal(t, 10, *item.RoleCapacity(RoleLead))
	assert.True(t, item.Pricing.DoorGeneral.Equal(decimal.NewFromInt(130)))
	assert.True(t, item.Pricing.DoorStudent.Equal(decimal.NewFromInt(110)))
	assert.True(t, item.AllowDropIns)
}

func TestDemoCatalog_StartsNextMonday(t *testing.T) {
	c := DemoCatalog(t0)
	require.Len(t, c.Items, 5)
	assert.Equal(t, "2026-10-05", c.Items[0].FirstOccurrence)

	// A Monday rolls over to the following week
	monday := time.Date(2026, 10, 5, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-10-12", DemoCatalog(monday).Items[0].FirstOccurrence)
}

func TestDemoCatalog_BestBundleWins(t *testing.T) {
	env := newSchoolEnv(t)

	// GIVEN: Three series in one cart (120 + 120 + 140)
	h, err := env.holds.OpenHold(context.Background(), engine.OpenHoldInput{
		Customer: engine.Customer{Email: "ann@example.com"},
		Lines: []engine.LineRequest{
			{ItemID: "salsa-101", RoleID: RoleLead, Quantity: 1},
			{ItemID: "bachata-101", RoleID: RoleLead, Quantity: 1},
			{ItemID: "swing-201", RoleID: RoleFollow, Quantity: 1},
		},
	})

	// THEN: The three series bundle beats the two series bundle
	require.NoError(t, err)
	assert.True(t, h.QuotedTotal.Equal(decimal.NewFromInt(280)), h.QuotedTotal.String())
	assert.Equal(t, engine.DiscountID("three-series"), h.DiscountID)
}

func TestDemoCatalog_DropInsStack(t *testing.T) {
	ctx := context.Background()
	env := newSchoolEnv(t)
	ann := engine.Customer{Email: "ann@example.com"}
	dropIn := engine.LineRequest{ItemID: "salsa-101", RoleID: RoleLead, DropIn: true, Quantity: 1}

	// GIVEN: Ann registered for one salsa drop-in
	h, err := env.holds.OpenHold(ctx, engine.OpenHoldInput{Customer: ann, Lines: []engine.LineRequest{dropIn}})
	require.NoError(t, err)
	assert.True(t, h.QuotedTotal.Equal(decimal.NewFromInt(25)))
	_, err = env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)

	// WHEN: She drops in again
	_, err = env.holds.OpenHold(ctx, engine.OpenHoldInput{Customer: ann, Lines: []engine.LineRequest{dropIn}})

	// THEN: Allowed
	require.NoError(t, err)

	// WHEN: She opens a third drop-in while that hold is still live
	_, err = env.holds.OpenHold(ctx, engine.OpenHoldInput{Customer: ann, Lines: []engine.LineRequest{dropIn}})

	// THEN: Drop-ins stack across live holds as well
	require.NoError(t, err)

	// WHEN: She tries the full series
	_, err = env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer: ann,
		Lines:    []engine.LineRequest{{ItemID: "salsa-101", RoleID: RoleLead, Quantity: 1}},
	})

	// THEN: Rejected as a duplicate
	assert.ErrorIs(t, err, engine.ErrDuplicateRegistration)
}

func TestDemoCatalog_Vouchers(t *testing.T) {
	env := newSchoolEnv(t)

	// GIVEN: A public event paid with the welcome promo
	h, err := env.holds.OpenHold(context.Background(), engine.OpenHoldInput{
		Customer:     engine.Customer{Email: "bob@example.com"},
		Lines:        []engine.LineRequest{{ItemID: "styling-workshop", Quantity: 1}},
		VoucherCodes: []string{"WELCOME10"},
	})

	// THEN: New dancers get 50% off events, then the promo applies
	require.NoError(t, err)
	assert.True(t, h.QuotedTotal.Equal(decimal.RequireFromString("12.50")), h.QuotedTotal.String())
}
