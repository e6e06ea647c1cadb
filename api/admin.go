package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/registration-engine/engine"
)

// =============================================================================
// CATALOG ADMIN - JSON definitions go through the factory
// =============================================================================

// CreateItem creates or replaces an item from its JSON definition.
// POST /api/admin/items
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	item, err := h.Catalog.ParseItem(body)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := h.Store.SaveItem(r.Context(), item); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// CreateDiscount creates or replaces a discount definition.
// POST /api/admin/discounts
func (h *Handler) CreateDiscount(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	d, err := h.Catalog.ParseDiscount(body)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := h.Store.SaveDiscount(r.Context(), d); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// CreateVoucher creates a voucher. A code already in use is a 409.
// POST /api/admin/vouchers
func (h *Handler) CreateVoucher(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	v, err := h.Catalog.ParseVoucher(body)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if v.Code != "" {
		if _, err := h.Store.GetVoucherByCode(r.Context(), v.Code); err == nil {
			writeError(w, http.StatusConflict, "Voucher code already exists", nil)
			return
		}
	}
	if err := h.Store.SaveVoucher(r.Context(), v); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// LoadCatalog stores a whole catalog document in one transaction.
// POST /api/admin/catalog
func (h *Handler) LoadCatalog(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	c, err := h.Catalog.ParseCatalog(body)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := h.Catalog.Load(r.Context(), h.Store, c); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{
		"items":     len(c.Items),
		"discounts": len(c.Discounts),
		"vouchers":  len(c.Vouchers),
	})
}

// =============================================================================
// OPERATIONS
// =============================================================================

// TransitionStatus sets the registration status of an item.
// POST /api/admin/items/{id}/status
func (h *Handler) TransitionStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "admin"
	}
	item, err := h.Status.Transition(r.Context(), engine.ItemID(chi.URLParam(r, "id")), engine.RegistrationStatus(req.Status), actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemDTO{InventoryItem: item, State: h.Status.Evaluate(item, h.Clock.Now())})
}

// Sweep expires lapsed holds now instead of waiting for the scheduler.
// POST /api/admin/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Holds.ExpireSweep(r.Context(), h.Clock.Now())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Expired: n})
}

// ListAudit returns the audit trail of an item, hold or invoice.
// GET /api/admin/audit/{ref}
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListAudit(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []engine.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func readBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return "", false
	}
	return string(b), true
}
