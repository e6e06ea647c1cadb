/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a realistic
	school catalog and, for some, registrations and payments that show a
	specific feature.

AVAILABLE SCENARIOS:

	demo-school:      Series, public events, bundles and vouchers
	sold-out:         Demo school with the styling workshop one seat from full
	refund-desk:      Demo school with a paid two-series invoice to refund

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Load the demo catalog through the factory
 3. Drive the engine (holds, finalize, payments) for extra state

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sold-out"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - school/demo.go: Demo catalog
  - factory/catalog.go: Catalog JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/school"
)

// Resetter is implemented by stores that can drop all data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "demo-school",
		Name:        "Demo School",
		Description: "Three series, two public events, series bundles, gift certificate and welcome promo",
	},
	{
		ID:          "sold-out",
		Name:        "Almost Sold Out",
		Description: "Styling workshop with 29 of 30 seats taken",
	},
	{
		ID:          "refund-desk",
		Name:        "Refund Desk",
		Description: "A paid two-series bundle invoice ready to be refunded",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	var load func(context.Context) error
	switch req.ScenarioID {
	case "demo-school":
		load = h.loadDemoSchool
	case "sold-out":
		load = h.loadSoldOutScenario
	case "refund-desk":
		load = h.loadRefundDeskScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	if !h.reset(ctx, w) {
		return
	}
	if err := load(ctx); err != nil {
		h.log.WithError(err).WithField("scenario", req.ScenarioID).Error("scenario load failed")
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if !h.reset(r.Context(), w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// LoadDemo loads the demo school catalog without clearing the store.
// Items, discounts and vouchers with the same ids are replaced.
func (h *Handler) LoadDemo(ctx context.Context) error {
	if err := h.loadDemoSchool(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.currentScenario = "demo-school"
	h.mu.Unlock()
	return nil
}

func (h *Handler) reset(ctx context.Context, w http.ResponseWriter) bool {
	rs, ok := h.Store.(Resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return false
	}
	if err := rs.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return false
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return true
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadDemoSchool(ctx context.Context) error {
	c, err := h.Catalog.CatalogFromJSON(school.DemoCatalog(h.Clock.Now()))
	if err != nil {
		return err
	}
	return h.Catalog.Load(ctx, h.Store, c)
}

func (h *Handler) loadSoldOutScenario(ctx context.Context) error {
	if err := h.loadDemoSchool(ctx); err != nil {
		return err
	}
	for i := 0; i < 29; i++ {
		customer := engine.Customer{Email: fmt.Sprintf("dancer%02d@example.com", i)}
		if _, err := h.register(ctx, customer, engine.LineRequest{ItemID: "styling-workshop", Quantity: 1}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadRefundDeskScenario(ctx context.Context) error {
	if err := h.loadDemoSchool(ctx); err != nil {
		return err
	}
	customer := engine.Customer{Email: "refund@example.com", FirstName: "Rita"}
	inv, err := h.register(ctx, customer,
		engine.LineRequest{ItemID: "salsa-101", RoleID: school.RoleFollow, Quantity: 1},
		engine.LineRequest{ItemID: "bachata-101", RoleID: school.RoleFollow, Quantity: 1},
	)
	if err != nil {
		return err
	}
	_, _, err = h.Invoices.RecordPayment(ctx, inv.ID, engine.PaymentInput{
		Provider:     "manual",
		ExternalRef:  "demo-" + inv.Number,
		Amount:       inv.Total,
		FeesWithheld: decimal.Zero,
	})
	return err
}

// register opens a hold for customer and finalizes it.
func (h *Handler) register(ctx context.Context, customer engine.Customer, lines ...engine.LineRequest) (engine.Invoice, error) {
	hold, err := h.Holds.OpenHold(ctx, engine.OpenHoldInput{Customer: customer, Lines: lines})
	if err != nil {
		return engine.Invoice{}, fmt.Errorf("hold for %s: %w", customer.Email, err)
	}
	inv, err := h.Invoices.Finalize(ctx, engine.FinalizeInput{HoldID: hold.ID})
	if err != nil {
		return engine.Invoice{}, fmt.Errorf("finalize for %s: %w", customer.Email, err)
	}
	return inv, nil
}
