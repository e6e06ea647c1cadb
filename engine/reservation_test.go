package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
)

// =============================================================================
// HOLD MUTATION
// =============================================================================

func TestUpsert_SetsQuantityAndRemovesOnZero(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	env.saveItem(t, series("b", intp(10), "80"))
	ctx := context.Background()

	h := env.openHold(t, "x@example.com", line("a", 1), line("b", 1))
	assert.Len(t, h.Items, 2)
	assert.True(t, h.QuotedTotal.Equal(dec("180")))

	h, err := env.holds.UpsertLineItem(ctx, h.ID, line("a", 0))
	require.NoError(t, err)
	require.Len(t, h.Items, 1)
	assert.Equal(t, engine.ItemID("b"), h.Items[0].ItemID)
	assert.True(t, h.QuotedTotal.Equal(dec("80")))

	h, err = env.holds.UpsertLineItem(ctx, h.ID, line("b", 3))
	require.NoError(t, err)
	require.Len(t, h.Items, 1)
	assert.Equal(t, 3, h.Items[0].Quantity)
}

func TestUpsert_AllOrNothing_ReportsEveryFailingLine(t *testing.T) {
	// GIVEN: One good item, one unknown item and one sold-out item
	// WHEN: All three are requested together
	// THEN: Two line errors are reported and nothing is held

	env := newTestEnv(t)
	env.saveItem(t, series("good", intp(10), "100"))
	env.saveItem(t, series("soldout", intp(0), "100"))
	ctx := context.Background()

	_, err := env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer: customer("x@example.com"),
		Lines:    []engine.LineRequest{line("good", 1), line("missing", 1), line("soldout", 1)},
	})
	var resErr *engine.ReservationError
	require.ErrorAs(t, err, &resErr)
	require.Len(t, resErr.Lines, 2)
	assert.Equal(t, 1, resErr.Lines[0].Index)
	assert.Equal(t, engine.LineItemNotFound, resErr.Lines[0].Kind)
	assert.Equal(t, 2, resErr.Lines[1].Index)
	assert.Equal(t, engine.LineCapacityExceeded, resErr.Lines[1].Kind)

	avail, err := env.holds.Ledger().Available(ctx, "good", "")
	require.NoError(t, err)
	assert.Equal(t, 10, avail.Count, "good line must be rolled back")
}

func TestUpsert_LineValidation(t *testing.T) {
	item := series("partnered", intp(10), "100")
	item.Roles = []engine.Role{{ID: "lead"}, {ID: "follow"}}

	tests := []struct {
		name string
		req  engine.LineRequest
		kind engine.LineErrorKind
	}{
		{"missing role", engine.LineRequest{ItemID: "partnered", Quantity: 1}, engine.LineInvalidRole},
		{"unknown role", engine.LineRequest{ItemID: "partnered", RoleID: "solo", Quantity: 1}, engine.LineInvalidRole},
		{"drop-in not allowed", engine.LineRequest{ItemID: "partnered", RoleID: "lead", DropIn: true, Quantity: 1}, engine.LineDropInNotAllowed},
		{"negative quantity", engine.LineRequest{ItemID: "partnered", RoleID: "lead", Quantity: -1}, engine.LineInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.saveItem(t, item)

			_, err := env.holds.OpenHold(context.Background(), engine.OpenHoldInput{
				Customer: customer("x@example.com"),
				Lines:    []engine.LineRequest{tt.req},
			})
			var resErr *engine.ReservationError
			require.ErrorAs(t, err, &resErr)
			require.Len(t, resErr.Lines, 1)
			assert.Equal(t, tt.kind, resErr.Lines[0].Kind)
		})
	}
}

func TestUpsert_ClosedRegistration_Rejected(t *testing.T) {
	// GIVEN: A series whose registration closed 2 days after it started
	// WHEN: Adding it a week after the start
	// THEN: registration_closed

	env := newTestEnv(t)
	item := series("old", intp(10), "100")
	item.FirstOccurrence = t0.AddDate(0, 0, -7)
	item.LastOccurrence = t0.AddDate(0, 0, 21)
	item.CloseAfterDays = intp(2)
	env.saveItem(t, item)

	_, err := env.holds.OpenHold(context.Background(), engine.OpenHoldInput{
		Customer: customer("x@example.com"),
		Lines:    []engine.LineRequest{line("old", 1)},
	})
	assert.ErrorIs(t, err, engine.ErrRegistrationClosed)
}

func TestUpsert_UnitPriceFixedUntilReprice(t *testing.T) {
	// GIVEN: A hold priced at $100
	// WHEN: The tier changes to $120
	// THEN: The hold keeps $100 until Reprice is called

	env := newTestEnv(t)
	item := series("a", intp(10), "100")
	env.saveItem(t, item)
	ctx := context.Background()
	h := env.openHold(t, "x@example.com", line("a", 1))

	item.Pricing.OnlineGeneral = dec("120")
	env.saveItem(t, item)

	q, err := env.pricing.QuoteHold(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, q.Total.Equal(dec("100")))

	h, err = env.holds.Reprice(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, h.Items[0].UnitPrice.Equal(dec("120")))
	assert.True(t, h.QuotedTotal.Equal(dec("120")))
}

func TestUpsert_StudentAndDoorPricing(t *testing.T) {
	env := newTestEnv(t)
	item := series("a", intp(10), "100")
	item.Pricing.OnlineStudent = dec("70")
	item.Pricing.DoorGeneral = dec("110")
	env.saveItem(t, item)

	h, err := env.holds.OpenHold(context.Background(), engine.OpenHoldInput{
		Customer: engine.Customer{Email: "s@example.com", Student: true},
		Lines:    []engine.LineRequest{line("a", 1)},
	})
	require.NoError(t, err)
	assert.True(t, h.Items[0].UnitPrice.Equal(dec("70")))

	h, err = env.holds.OpenHold(context.Background(), engine.OpenHoldInput{
		Customer: engine.Customer{Email: "d@example.com", AtDoor: true},
		Lines:    []engine.LineRequest{line("a", 1)},
	})
	require.NoError(t, err)
	assert.True(t, h.Items[0].UnitPrice.Equal(dec("110")))
}

// =============================================================================
// DUPLICATES
// =============================================================================

func TestUpsert_Duplicate_SeriesNever(t *testing.T) {
	// GIVEN: A customer already registered for a series
	// WHEN: The same customer tries again
	// THEN: duplicate_registration

	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()

	h := env.openHold(t, "x@example.com", line("a", 1))
	_, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)

	_, err = env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer: customer("X@Example.com "),
		Lines:    []engine.LineRequest{line("a", 1)},
	})
	assert.ErrorIs(t, err, engine.ErrDuplicateRegistration)
}

func TestUpsert_Duplicate_OneRoleOnlyWithinHold(t *testing.T) {
	env := newTestEnv(t)
	item := series("p", intp(10), "100")
	item.Roles = []engine.Role{{ID: "lead"}, {ID: "follow"}}
	env.saveItem(t, item)

	_, err := env.holds.OpenHold(context.Background(), engine.OpenHoldInput{
		Customer: customer("x@example.com"),
		Lines: []engine.LineRequest{
			{ItemID: "p", RoleID: "lead", Quantity: 1},
			{ItemID: "p", RoleID: "follow", Quantity: 1},
		},
	})
	var resErr *engine.ReservationError
	require.ErrorAs(t, err, &resErr)
	require.Len(t, resErr.Lines, 1)
	assert.Equal(t, 1, resErr.Lines[0].Index)
	assert.Equal(t, engine.LineDuplicateRegistration, resErr.Lines[0].Kind)
}

func TestUpsert_Duplicate_PublicEventAllowedAtDoor(t *testing.T) {
	env := newTestEnv(t)
	item := series("dance", intp(100), "15")
	item.Kind = engine.KindPublicEvent
	env.saveItem(t, item)
	ctx := context.Background()

	h := env.openHold(t, "x@example.com", line("dance", 1))
	_, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
	require.NoError(t, err)

	_, err = env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer: customer("x@example.com"),
		Lines:    []engine.LineRequest{line("dance", 1)},
	})
	assert.ErrorIs(t, err, engine.ErrDuplicateRegistration, "online repeat is rejected")

	atDoor := customer("x@example.com")
	atDoor.AtDoor = true
	_, err = env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer: atDoor,
		Lines:    []engine.LineRequest{line("dance", 1)},
	})
	assert.NoError(t, err, "door repeat is allowed")
}

func TestUpsert_Duplicate_CustomRule(t *testing.T) {
	// GIVEN: A rule that only rejects a second full registration
	// THEN: A drop-in next to a full registration is accepted

	env := newTestEnv(t)
	item := series("a", intp(10), "100")
	item.AllowDropIns = true
	env.saveItem(t, item)

	policy := engine.DefaultReservationPolicy()
	policy.MultiRegistration[engine.CategoryDropIn] = engine.MultiRegAlways
	policy.Duplicate = func(existing, candidate engine.ExistingUnit) bool {
		return existing.ItemID == candidate.ItemID && !existing.IsDropIn && !candidate.IsDropIn
	}
	holds := engine.NewReservationManager(env.store, env.clock, policy, env.pricing)

	_, err := holds.OpenHold(context.Background(), engine.OpenHoldInput{
		Customer: customer("x@example.com"),
		Lines: []engine.LineRequest{
			{ItemID: "a", Quantity: 1},
			{ItemID: "a", DropIn: true, Quantity: 1},
		},
	})
	assert.NoError(t, err)
}

func TestUpsert_Duplicate_AcrossLiveHolds(t *testing.T) {
	// GIVEN: A customer with a live hold on series "a"
	// WHEN: They open a second hold on the same series
	// THEN: duplicate_registration, until the first hold expires

	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()

	first := env.openHold(t, "x@example.com", line("a", 1))

	_, err := env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer: customer("X@example.com"),
		Lines:    []engine.LineRequest{line("a", 1)},
	})
	var resErr *engine.ReservationError
	require.ErrorAs(t, err, &resErr)
	require.Len(t, resErr.Lines, 1)
	assert.Equal(t, engine.LineDuplicateRegistration, resErr.Lines[0].Kind)

	// Another customer is unaffected.
	env.openHold(t, "y@example.com", line("a", 1))

	// The first hold can still be edited.
	_, err = env.holds.Upsert(ctx, engine.UpsertInput{
		HoldID: first.ID,
		Lines:  []engine.LineRequest{line("a", 2)},
	})
	require.NoError(t, err)

	env.clock.Advance(engine.DefaultReservationPolicy().HoldTTL + time.Second)
	_, err = env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer: customer("x@example.com"),
		Lines:    []engine.LineRequest{line("a", 1)},
	})
	assert.NoError(t, err, "an expired hold no longer counts")
}

func TestFinalize_Duplicate_RecheckedAgainstCommitted(t *testing.T) {
	// GIVEN: Two live holds of one customer on series "a", allowed while
	//        the series permitted repeat registrations
	// WHEN: The rule tightens and both holds are finalized
	// THEN: The first commits and the second fails with duplicate_registration

	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()

	loose := engine.DefaultReservationPolicy()
	loose.MultiRegistration[engine.CategorySeries] = engine.MultiRegAlways
	holds := engine.NewReservationManager(env.store, env.clock, loose, env.pricing)

	var ids []engine.HoldID
	for range 2 {
		h, err := holds.OpenHold(ctx, engine.OpenHoldInput{
			Customer: customer("x@example.com"),
			Lines:    []engine.LineRequest{line("a", 1)},
		})
		require.NoError(t, err)
		ids = append(ids, h.ID)
	}

	_, err := env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: ids[0]})
	require.NoError(t, err)

	_, err = env.invoices.Finalize(ctx, engine.FinalizeInput{HoldID: ids[1]})
	var resErr *engine.ReservationError
	require.ErrorAs(t, err, &resErr)
	assert.ErrorIs(t, err, engine.ErrDuplicateRegistration)
	assert.Equal(t, engine.LineDuplicateRegistration, resErr.Lines[0].Kind)

	regs, err := env.store.RegistrationsForCustomer(ctx, "x@example.com", "a")
	require.NoError(t, err)
	assert.Len(t, regs, 1)

	h, err := env.store.GetHold(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, engine.HoldActive, h.Status, "rejected hold is left untouched")
}

func TestFinalize_Duplicate_AllowedByPolicy(t *testing.T) {
	// GIVEN: A finalizer whose policy allows repeat series registrations
	// THEN: Both holds commit

	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()

	loose := engine.DefaultReservationPolicy()
	loose.MultiRegistration[engine.CategorySeries] = engine.MultiRegAlways
	holds := engine.NewReservationManager(env.store, env.clock, loose, env.pricing)
	invoices := engine.NewInvoiceFinalizer(env.store, env.clock, env.pricing, engine.WithFinalizerPolicy(loose))

	for range 2 {
		h, err := holds.OpenHold(ctx, engine.OpenHoldInput{
			Customer: customer("x@example.com"),
			Lines:    []engine.LineRequest{line("a", 1)},
		})
		require.NoError(t, err)
		_, err = invoices.Finalize(ctx, engine.FinalizeInput{HoldID: h.ID})
		require.NoError(t, err)
	}

	regs, err := env.store.RegistrationsForCustomer(ctx, "x@example.com", "a")
	require.NoError(t, err)
	assert.Len(t, regs, 2)
}

// =============================================================================
// EXPIRATION
// =============================================================================

func TestTouchExpiration(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()
	h := env.openHold(t, "x@example.com", line("a", 1))
	assert.Equal(t, t0.Add(15*time.Minute), h.ExpiresAt)

	env.clock.Advance(10 * time.Minute)
	h, err := env.holds.TouchExpiration(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(25*time.Minute), h.ExpiresAt)

	env.clock.Advance(30 * time.Minute)
	_, err = env.holds.TouchExpiration(ctx, h.ID)
	assert.ErrorIs(t, err, engine.ErrHoldExpired)
}

func TestExpireSweep_IdempotentAndSkipsLiveHolds(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	ctx := context.Background()

	old := env.openHold(t, "old@example.com", line("a", 1))
	env.clock.Advance(10 * time.Minute)
	live := env.openHold(t, "live@example.com", line("a", 1))
	env.clock.Advance(6 * time.Minute)

	n, err := env.holds.ExpireSweep(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.holds.ExpireSweep(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second sweep is a no-op")

	got, err := env.holds.GetHold(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.HoldExpired, got.Status)

	got, err = env.holds.GetHold(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.HoldActive, got.Status)
}

func TestCancel_ReleasesCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(1), "100"))
	ctx := context.Background()

	h := env.openHold(t, "x@example.com", line("a", 1))
	h, err := env.holds.Cancel(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.HoldCancelled, h.Status)

	_, err = env.holds.Cancel(ctx, h.ID)
	assert.NoError(t, err, "cancel is idempotent")

	env.openHold(t, "y@example.com", line("a", 1))

	_, err = env.holds.UpsertLineItem(ctx, h.ID, line("a", 1))
	assert.ErrorIs(t, err, engine.ErrHoldExpired)
}

// =============================================================================
// VOUCHER CODES
// =============================================================================

func TestApplyVoucherCode(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("a", intp(10), "100"))
	env.saveVoucher(t, engine.Voucher{ID: "v1", Code: "GIFT7", Kind: engine.VoucherGiftCertificate, OriginalAmount: dec("7")})
	env.saveVoucher(t, engine.Voucher{ID: "v2", Code: "OFF", Kind: engine.VoucherPromo, OriginalAmount: dec("5"), Disabled: true})
	ctx := context.Background()
	h := env.openHold(t, "x@example.com", line("a", 1))

	h, err := env.holds.ApplyVoucherCode(ctx, h.ID, "GIFT7")
	require.NoError(t, err)
	assert.Equal(t, []string{"GIFT7"}, h.VoucherCodes)
	assert.True(t, h.QuotedTotal.Equal(dec("93")))

	_, err = env.holds.ApplyVoucherCode(ctx, h.ID, "OFF")
	var vErr *engine.VoucherError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, engine.VoucherDisabled, vErr.Kind)

	_, err = env.holds.ApplyVoucherCode(ctx, h.ID, "NOPE")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, engine.VoucherNotFound, vErr.Kind)

	h, err = env.holds.RemoveVoucherCode(ctx, h.ID, "GIFT7")
	require.NoError(t, err)
	assert.Empty(t, h.VoucherCodes)
	assert.True(t, h.QuotedTotal.Equal(dec("100")))
}
