/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types carry
  validator tags and convert themselves into engine inputs; responses
  mostly reuse the engine types, whose JSON tags are the public contract.

NAMING CONVENTION:
  - *Request:  Request body types from clients
  - *DTO:      Response types returned to clients
  - *Response: Small response wrappers

TYPES:
  Holds:     UpsertHoldRequest, LineDTO, CustomerDTO, VoucherCodeRequest
  Pricing:   CartRequest
  Invoices:  FinalizeRequest, PaymentRequest, RefundRequest
  Admin:     StatusRequest, SweepResponse, AvailabilityDTO
  Scenarios: ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Structural checks (required fields, numeric amounts, emails) run through
  go-playground/validator in decodeAndValidate. Business rules stay in the
  engine.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: Catalog JSON types used by admin endpoints
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/registration-engine/engine"
)

// =============================================================================
// HOLDS
// =============================================================================

// CustomerDTO carries the customer facts pricing depends on.
type CustomerDTO struct {
	Email     string   `json:"email" validate:"required,email"`
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	Student   bool     `json:"student,omitempty"`
	AtDoor    bool     `json:"at_door,omitempty"`
	Groups    []string `json:"groups,omitempty"`
}

func (c CustomerDTO) toEngine() engine.Customer {
	return engine.Customer{
		Email:     c.Email,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Student:   c.Student,
		AtDoor:    c.AtDoor,
		Groups:    c.Groups,
	}
}

// LineDTO sets the quantity of one (item, role, drop-in) line. Zero removes it.
type LineDTO struct {
	ItemID   string `json:"item_id" validate:"required"`
	RoleID   string `json:"role_id,omitempty"`
	DropIn   bool   `json:"drop_in,omitempty"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

func (l LineDTO) toEngine() engine.LineRequest {
	return engine.LineRequest{
		ItemID:   engine.ItemID(l.ItemID),
		RoleID:   engine.RoleID(l.RoleID),
		DropIn:   l.DropIn,
		Quantity: l.Quantity,
	}
}

func toLines(ls []LineDTO) []engine.LineRequest {
	out := make([]engine.LineRequest, len(ls))
	for i, l := range ls {
		out[i] = l.toEngine()
	}
	return out
}

// OverrideDTO reserves past capacity. Admin only.
type OverrideDTO struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

func (o *OverrideDTO) toEngine() *engine.Override {
	if o == nil {
		return nil
	}
	return &engine.Override{Actor: o.Actor, Reason: o.Reason}
}

// UpsertHoldRequest creates a hold when HoldID is empty, otherwise
// updates it. A new hold requires a customer.
type UpsertHoldRequest struct {
	HoldID       string            `json:"hold_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Customer     *CustomerDTO      `json:"customer,omitempty" validate:"omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Lines        []LineDTO         `json:"lines" validate:"dive"`
	VoucherCodes []string          `json:"voucher_codes,omitempty" validate:"dive,required"`
	Override     *OverrideDTO      `json:"override,omitempty"`
}

// VoucherCodeRequest attaches a voucher code to a hold.
type VoucherCodeRequest struct {
	Code string `json:"code" validate:"required"`
}

// =============================================================================
// PRICING
// =============================================================================

// CartRequest prices lines without a hold. The customer is optional and
// may be anonymous (no email).
type CartRequest struct {
	Customer     *CustomerDTO `json:"customer,omitempty" validate:"-"`
	Lines        []LineDTO    `json:"lines" validate:"required,min=1,dive"`
	VoucherCodes []string     `json:"voucher_codes,omitempty" validate:"dive,required"`
}

func (c CartRequest) toEngine() engine.CartInput {
	in := engine.CartInput{Lines: toLines(c.Lines), VoucherCodes: c.VoucherCodes}
	if c.Customer != nil {
		in.Customer = c.Customer.toEngine()
	}
	return in
}

// QuoteDTO is a quote plus the vouchers that could not be applied.
type QuoteDTO struct {
	engine.Quote
	VoucherErrors []VoucherErrorDTO `json:"voucher_errors,omitempty"`
}

// VoucherErrorDTO names a rejected voucher code and why.
type VoucherErrorDTO struct {
	Code string `json:"code"`
	Kind string `json:"kind"`
}

func toQuoteDTO(q engine.Quote) QuoteDTO {
	dto := QuoteDTO{Quote: q}
	for _, e := range q.VoucherErrors {
		dto.VoucherErrors = append(dto.VoucherErrors, VoucherErrorDTO{Code: e.Code, Kind: string(e.Kind)})
	}
	return dto
}

// =============================================================================
// INVOICES
// =============================================================================

// FinalizeRequest carries the total the customer saw. When set and the
// recomputed total differs, finalize fails with 409.
type FinalizeRequest struct {
	ExpectedTotal string `json:"expected_total,omitempty" validate:"omitempty,numeric"`
}

// PaymentRequest records an external payment.
type PaymentRequest struct {
	Provider     string `json:"provider" validate:"required"`
	ExternalRef  string `json:"external_ref,omitempty"`
	Amount       string `json:"amount" validate:"required,numeric"`
	FeesWithheld string `json:"fees_withheld,omitempty" validate:"omitempty,numeric"`
}

func (p PaymentRequest) toEngine() engine.PaymentInput {
	return engine.PaymentInput{
		Provider:     p.Provider,
		ExternalRef:  p.ExternalRef,
		Amount:       decimal.RequireFromString(p.Amount),
		FeesWithheld: optDecimal(p.FeesWithheld),
	}
}

// RefundRequest asks for total to be refunded. PerItem, when given, fixes
// the split by invoice item id and must sum to total.
type RefundRequest struct {
	Total   string            `json:"total" validate:"required,numeric"`
	PerItem map[string]string `json:"per_item,omitempty" validate:"dive,keys,required,endkeys,numeric"`
	Actor   string            `json:"actor,omitempty"`
}

func (r RefundRequest) toEngine(id engine.InvoiceID) engine.RefundRequest {
	req := engine.RefundRequest{
		InvoiceID: id,
		Total:     decimal.RequireFromString(r.Total),
		Actor:     r.Actor,
	}
	if len(r.PerItem) > 0 {
		req.PerItem = make(map[engine.InvoiceItemID]decimal.Decimal, len(r.PerItem))
		for k, v := range r.PerItem {
			req.PerItem[engine.InvoiceItemID(k)] = decimal.RequireFromString(v)
		}
	}
	return req
}

// PaymentResponse is the invoice after a payment and the stored record.
type PaymentResponse struct {
	Invoice engine.Invoice       `json:"invoice"`
	Payment engine.PaymentRecord `json:"payment"`
}

// PartialRefundResponse is returned with 207 when only part of a refund
// went through. The applied part is in Result.
type PartialRefundResponse struct {
	Result engine.RefundResult `json:"result"`
	Error  string              `json:"error"`
}

// =============================================================================
// ADMIN
// =============================================================================

// StatusRequest transitions the registration status of an item.
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=disabled enabled held_open held_closed hidden_closed hidden"`
	Actor  string `json:"actor,omitempty"`
}

// SweepResponse reports how many holds a manual sweep released.
type SweepResponse struct {
	Expired int `json:"expired"`
}

// ItemDTO is an item with its derived registration state.
type ItemDTO struct {
	engine.InventoryItem
	State engine.StatusView `json:"state"`
}

// AvailabilityDTO is the capacity view of an item and each of its roles.
type AvailabilityDTO struct {
	ItemID string                         `json:"item_id"`
	Open   bool                           `json:"open"`
	Total  engine.Availability            `json:"total"`
	Roles  map[string]engine.Availability `json:"roles,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string             `json:"error"`
	Code    string             `json:"code,omitempty"`
	Details any                `json:"details,omitempty"`
	Lines   []engine.LineError `json:"lines,omitempty"`
}

func optDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	return decimal.RequireFromString(s)
}
