/*
handlers.go - HTTP API handlers for the registration engine

PURPOSE:
  Exposes the reservation, pricing, invoice and refund services via REST.
  Handles HTTP request/response, JSON serialization and validation, and
  delegates everything else to the engine.

ENDPOINTS:
  Holds:
    POST   /api/holds                   Create (no hold_id) or mutate a hold
    GET    /api/holds/{id}              Read a hold
    GET    /api/holds/{id}/price        Side-effect free quote
    POST   /api/holds/{id}/items        Set one line
    POST   /api/holds/{id}/touch        Extend expiration
    POST   /api/holds/{id}/reprice      Refresh the stored quote
    DELETE /api/holds/{id}              Cancel
    POST   /api/holds/{id}/vouchers     Attach a voucher code
    DELETE /api/holds/{id}/vouchers     Remove a voucher code (?code=)
    POST   /api/holds/{id}/finalize     Convert to an invoice

  Pricing:
    POST   /api/price                   Anonymous cart pricing

  Invoices:
    GET    /api/invoices/{id}           Read an invoice
    POST   /api/invoices/{id}/payments  Record a payment
    POST   /api/invoices/{id}/refunds   Allocate a refund

  Catalog:
    GET    /api/items                   Visible items (?all=true for every item)
    GET    /api/items/{id}/availability Capacity per item and role

ERROR HANDLING:
  Engine errors map to HTTP status in writeEngineError:
  - 400: Malformed input, invalid definitions, invalid refund requests
  - 404: Unknown item, hold, invoice or voucher
  - 409: Capacity, duplicates, closed registration, expired hold,
         price changed, unpaid invoice, lost races
  - 422: Invalid voucher, role, quantity, drop-in, over-refund
  - 207: Refund partially applied (body carries result and error)
  - 500: Everything else

SECURITY NOTE:
  No authentication middleware. Admin routes are expected to sit behind
  a gateway that restricts them.

SEE ALSO:
  - admin.go: Catalog administration, status, sweep, audit
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/factory"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    engine.Store
	Clock    engine.Clock
	Pricing  *engine.PricingService
	Holds    *engine.ReservationManager
	Invoices *engine.InvoiceFinalizer
	Refunds  *engine.RefundAllocator
	Status   *engine.StatusMachine
	Catalog  *factory.CatalogFactory

	log      *logrus.Entry
	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

type handlerConfig struct {
	pricing     engine.PricingPolicy
	reservation engine.ReservationPolicy
	notifier    engine.Notifier
	log         *logrus.Entry
}

// Option configures NewHandler.
type Option func(*handlerConfig)

// WithPolicies sets the pricing and reservation policies.
func WithPolicies(p engine.PricingPolicy, r engine.ReservationPolicy) Option {
	return func(c *handlerConfig) { c.pricing, c.reservation = p, r }
}

// WithNotifier sets where engine events are published.
func WithNotifier(n engine.Notifier) Option {
	return func(c *handlerConfig) { c.notifier = n }
}

// WithLogger sets the logger shared by the handler and the engine services.
func WithLogger(l *logrus.Entry) Option {
	return func(c *handlerConfig) { c.log = l }
}

// NewHandler builds the engine services over store and returns the handler.
func NewHandler(store engine.Store, clock engine.Clock, gateway engine.PaymentGateway, opts ...Option) *Handler {
	cfg := handlerConfig{
		pricing:     engine.DefaultPricingPolicy(),
		reservation: engine.DefaultReservationPolicy(),
		notifier:    engine.NopNotifier(),
		log:         logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	pricing := engine.NewPricingService(store, clock, cfg.pricing)
	return &Handler{
		Store:   store,
		Clock:   clock,
		Pricing: pricing,
		Holds: engine.NewReservationManager(store, clock, cfg.reservation, pricing,
			engine.WithReservationNotifier(cfg.notifier),
			engine.WithReservationLogger(cfg.log.WithField("component", "reservations"))),
		Invoices: engine.NewInvoiceFinalizer(store, clock, pricing,
			engine.WithFinalizerPolicy(cfg.reservation),
			engine.WithFinalizerNotifier(cfg.notifier),
			engine.WithFinalizerLogger(cfg.log.WithField("component", "invoices"))),
		Refunds: engine.NewRefundAllocator(store, clock, gateway,
			engine.WithRefundNotifier(cfg.notifier),
			engine.WithRefundLogger(cfg.log.WithField("component", "refunds"))),
		Status:   engine.NewStatusMachine(store, clock),
		Catalog:  factory.NewCatalogFactory(clock),
		log:      cfg.log.WithField("component", "api"),
		validate: validator.New(),
	}
}

// =============================================================================
// HOLD HANDLERS
// =============================================================================

// UpsertHold creates a hold when hold_id is absent, otherwise mutates it.
// POST /api/holds
func (h *Handler) UpsertHold(w http.ResponseWriter, r *http.Request) {
	var req UpsertHoldRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.HoldID == "" {
		if req.Customer == nil {
			writeError(w, http.StatusBadRequest, "customer is required to open a hold", nil)
			return
		}
		hold, err := h.Holds.OpenHold(ctx, engine.OpenHoldInput{
			SessionID:    engine.SessionID(req.SessionID),
			Customer:     req.Customer.toEngine(),
			Data:         req.Data,
			Lines:        toLines(req.Lines),
			VoucherCodes: req.VoucherCodes,
			Override:     req.Override.toEngine(),
		})
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, hold)
		return
	}

	in := engine.UpsertInput{
		HoldID:    engine.HoldID(req.HoldID),
		SessionID: engine.SessionID(req.SessionID),
		Data:      req.Data,
		Lines:     toLines(req.Lines),
		Override:  req.Override.toEngine(),
	}
	if req.Customer != nil {
		c := req.Customer.toEngine()
		in.Customer = &c
	}
	hold, err := h.Holds.Upsert(ctx, in)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	for _, code := range req.VoucherCodes {
		if hold, err = h.Holds.ApplyVoucherCode(ctx, hold.ID, code); err != nil {
			h.writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, hold)
}

// GetHold returns a hold.
// GET /api/holds/{id}
func (h *Handler) GetHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Holds.GetHold(r.Context(), holdID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// QuoteHold prices a hold without touching it.
// GET /api/holds/{id}/price
func (h *Handler) QuoteHold(w http.ResponseWriter, r *http.Request) {
	q, err := h.Pricing.QuoteHold(r.Context(), holdID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// UpsertLineItem sets one line of a hold.
// POST /api/holds/{id}/items
func (h *Handler) UpsertLineItem(w http.ResponseWriter, r *http.Request) {
	var req LineDTO
	if !h.decode(w, r, &req) {
		return
	}
	hold, err := h.Holds.UpsertLineItem(r.Context(), holdID(r), req.toEngine())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// TouchHold extends a live hold.
// POST /api/holds/{id}/touch
func (h *Handler) TouchHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Holds.TouchExpiration(r.Context(), holdID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// RepriceHold refreshes the stored quote of a hold.
// POST /api/holds/{id}/reprice
func (h *Handler) RepriceHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Holds.Reprice(r.Context(), holdID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// CancelHold releases a hold.
// DELETE /api/holds/{id}
func (h *Handler) CancelHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Holds.Cancel(r.Context(), holdID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// ApplyVoucher attaches a voucher code.
// POST /api/holds/{id}/vouchers
func (h *Handler) ApplyVoucher(w http.ResponseWriter, r *http.Request) {
	var req VoucherCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	hold, err := h.Holds.ApplyVoucherCode(r.Context(), holdID(r), req.Code)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// RemoveVoucher detaches a voucher code.
// DELETE /api/holds/{id}/vouchers?code=X
func (h *Handler) RemoveVoucher(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code query parameter is required", nil)
		return
	}
	hold, err := h.Holds.RemoveVoucherCode(r.Context(), holdID(r), code)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// FinalizeHold converts a hold into an invoice. Idempotent per hold.
// POST /api/holds/{id}/finalize
func (h *Handler) FinalizeHold(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	in := engine.FinalizeInput{HoldID: holdID(r)}
	if req.ExpectedTotal != "" {
		expected := decimal.RequireFromString(req.ExpectedTotal)
		in.ExpectedTotal = &expected
	}
	inv, err := h.Invoices.Finalize(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// =============================================================================
// PRICING HANDLERS
// =============================================================================

// QuoteCart prices lines that are not held.
// POST /api/price
func (h *Handler) QuoteCart(w http.ResponseWriter, r *http.Request) {
	var req CartRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := h.Pricing.QuoteCart(r.Context(), req.toEngine())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// GetInvoice returns an invoice.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.GetInvoice(r.Context(), invoiceID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// RecordPayment records an external payment against an invoice.
// POST /api/invoices/{id}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, payment, err := h.Invoices.RecordPayment(r.Context(), invoiceID(r), req.toEngine())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResponse{Invoice: inv, Payment: payment})
}

// RefundInvoice allocates a refund across the invoice items.
// POST /api/invoices/{id}/refunds
func (h *Handler) RefundInvoice(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Refunds.Allocate(r.Context(), req.toEngine(invoiceID(r)))

	var partial *engine.PartialRefundError
	switch {
	case errors.As(err, &partial):
		writeJSON(w, http.StatusMultiStatus, PartialRefundResponse{Result: res, Error: partial.Error()})
	case err != nil:
		h.writeEngineError(w, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListItems returns items with their registration state. Hidden items are
// left out unless all=true.
// GET /api/items
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.ListItems(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	all := r.URL.Query().Get("all") == "true"
	now := h.Clock.Now()

	dtos := make([]ItemDTO, 0, len(items))
	for _, it := range items {
		state := h.Status.Evaluate(it, now)
		if !all && !state.Visible {
			continue
		}
		dtos = append(dtos, ItemDTO{InventoryItem: it, State: state})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAvailability returns the capacity view of an item and its roles.
// GET /api/items/{id}/availability
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := engine.ItemID(chi.URLParam(r, "id"))

	item, err := h.Store.GetItem(ctx, id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	ledger := h.Holds.Ledger()
	total, err := ledger.Available(ctx, id, "")
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dto := AvailabilityDTO{ItemID: string(id), Open: h.Status.IsOpen(*item, h.Clock.Now()), Total: total}
	if len(item.Roles) > 0 {
		dto.Roles = make(map[string]engine.Availability, len(item.Roles))
		for _, role := range item.Roles {
			a, err := ledger.Available(ctx, id, role.ID)
			if err != nil {
				h.writeEngineError(w, err)
				return
			}
			dto.Roles[string(role.ID)] = a
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

func holdID(r *http.Request) engine.HoldID {
	return engine.HoldID(chi.URLParam(r, "id"))
}

func invoiceID(r *http.Request) engine.InvoiceID {
	return engine.InvoiceID(chi.URLParam(r, "id"))
}

// decode reads a JSON body into v and validates it. On failure it writes
// a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, v)
}

// decodeOptional is decode that accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, v)
}

func (h *Handler) check(w http.ResponseWriter, v any) bool {
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeEngineError maps an engine error to its HTTP status and body.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var (
		resErr     *engine.ReservationError
		priceErr   *engine.PriceChangedError
		voucherErr *engine.VoucherError
		capErr     *engine.CapacityError
	)
	switch {
	case errors.As(err, &resErr):
		writeJSON(w, reservationStatus(resErr), ErrorResponse{
			Error: "Reservation rejected", Code: "reservation_rejected", Details: err.Error(), Lines: resErr.Lines,
		})
	case errors.As(err, &priceErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "Price changed", Code: "price_changed",
			Details: map[string]string{"expected": priceErr.Expected.StringFixed(2), "new_total": priceErr.NewTotal.StringFixed(2)},
		})
	case errors.As(err, &voucherErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Invalid voucher", Code: "invalid_voucher",
			Details: map[string]string{"code": voucherErr.Code, "kind": string(voucherErr.Kind)},
		})
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Capacity exceeded", Code: "capacity_exceeded", Details: capErr})
	case engine.IsNotFound(err):
		writeErrorCode(w, http.StatusNotFound, "Not found", "not_found", err)
	case errors.Is(err, factory.ErrInvalidDefinition):
		writeErrorCode(w, http.StatusBadRequest, "Invalid definition", "invalid_definition", err)
	case errors.Is(err, engine.ErrInvalidRefund), errors.Is(err, engine.ErrInvalidStatus):
		writeErrorCode(w, http.StatusBadRequest, "Invalid request", "invalid_request", err)
	case errors.Is(err, engine.ErrRefundExceedsAvailable):
		writeErrorCode(w, http.StatusUnprocessableEntity, "Refund exceeds available amount", "refund_exceeds_available", err)
	case errors.Is(err, engine.ErrInvalidRole), errors.Is(err, engine.ErrInvalidQuantity), errors.Is(err, engine.ErrDropInNotAllowed):
		writeErrorCode(w, http.StatusUnprocessableEntity, "Invalid line", "invalid_line", err)
	case errors.Is(err, engine.ErrHoldExpired):
		writeErrorCode(w, http.StatusConflict, "Hold expired", "hold_expired", err)
	case errors.Is(err, engine.ErrInvoiceNotPaid):
		writeErrorCode(w, http.StatusConflict, "Invoice not paid", "invoice_not_paid", err)
	case engine.IsClientError(err):
		writeErrorCode(w, http.StatusConflict, "Request rejected", "rejected", err)
	case engine.IsRetryable(err):
		writeErrorCode(w, http.StatusConflict, "Concurrent modification, retry", "conflict", err)
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

// reservationStatus is 409 when any line lost on availability (capacity,
// closed, duplicate) and 422 when every line was simply invalid.
func reservationStatus(e *engine.ReservationError) int {
	for _, l := range e.Lines {
		switch l.Kind {
		case engine.LineCapacityExceeded, engine.LineRegistrationClosed, engine.LineDuplicateRegistration:
			return http.StatusConflict
		}
	}
	for _, l := range e.Lines {
		if l.Kind == engine.LineItemNotFound {
			return http.StatusNotFound
		}
	}
	return http.StatusUnprocessableEntity
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, err error) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: fmt.Sprint(err)})
}
