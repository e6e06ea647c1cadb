package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/engine/store"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	goleak.VerifyTestMain(m)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 18, 0, 0, 0, time.UTC)

type testEnv struct {
	store    *store.Memory
	clock    *engine.ManualClock
	pricing  *engine.PricingService
	holds    *engine.ReservationManager
	invoices *engine.InvoiceFinalizer
	status   *engine.StatusMachine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := store.NewMemory()
	clock := engine.NewManualClock(t0)
	pricing := engine.NewPricingService(s, clock, engine.DefaultPricingPolicy())
	return &testEnv{
		store:    s,
		clock:    clock,
		pricing:  pricing,
		holds:    engine.NewReservationManager(s, clock, engine.DefaultReservationPolicy(), pricing),
		invoices: engine.NewInvoiceFinalizer(s, clock, pricing),
		status:   engine.NewStatusMachine(s, clock),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intp(n int) *int { return &n }

// series returns an open series item priced at price for every customer.
func series(id string, capacity *int, price string) engine.InventoryItem {
	p := dec(price)
	return engine.InventoryItem{
		ID:       engine.ItemID(id),
		Kind:     engine.KindSeries,
		Name:     "Series " + id,
		Capacity: capacity,
		Status:   engine.RegEnabled,
		Pricing: engine.PricingTier{
			ID:            "tier-" + id,
			OnlineGeneral: p,
			OnlineStudent: p,
			DoorGeneral:   p,
			DoorStudent:   p,
			DropIn:        p.Div(decimal.NewFromInt(4)),
			PointGroup:    "series",
			Points:        decimal.NewFromInt(1),
		},
	}
}

func (e *testEnv) saveItem(t *testing.T, item engine.InventoryItem) {
	t.Helper()
	require.NoError(t, e.store.SaveItem(context.Background(), item))
}

func (e *testEnv) saveDiscount(t *testing.T, d engine.DiscountDefinition) {
	t.Helper()
	require.NoError(t, e.store.SaveDiscount(context.Background(), d))
}

func (e *testEnv) saveVoucher(t *testing.T, v engine.Voucher) {
	t.Helper()
	require.NoError(t, e.store.SaveVoucher(context.Background(), v))
}

func customer(email string) engine.Customer {
	return engine.Customer{Email: email, FirstName: "Test", LastName: "Dancer"}
}

func line(item string, qty int) engine.LineRequest {
	return engine.LineRequest{ItemID: engine.ItemID(item), Quantity: qty}
}

// openHold creates a hold for email with the given lines and fails the test on error.
func (e *testEnv) openHold(t *testing.T, email string, lines ...engine.LineRequest) engine.Hold {
	t.Helper()
	h, err := e.holds.OpenHold(context.Background(), engine.OpenHoldInput{
		SessionID: engine.SessionID("sess-" + email),
		Customer:  customer(email),
		Lines:     lines,
	})
	require.NoError(t, err)
	return h
}
