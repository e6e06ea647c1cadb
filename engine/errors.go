/*
errors.go - Centralized error types for the registration engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Structured errors carry the details the front end needs to offer the
  right remedy (wait, choose another role, remove a duplicate item) and
  unwrap to a sentinel for errors.Is().

ERROR CATEGORIES:
  1. Reservation errors - capacity, closed registration, duplicates, expiry
  2. Pricing errors - invalid vouchers, price changed at finalize
  3. Refund errors - over-refund, partial gateway failure
  4. Lookup errors - missing items, holds, invoices, vouchers

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrRegistrationClosed     = errors.New("registration closed")
	ErrDuplicateRegistration  = errors.New("duplicate registration")
	ErrHoldExpired            = errors.New("hold expired")
	ErrInvalidVoucher         = errors.New("invalid voucher")
	ErrPriceChanged           = errors.New("price changed")
	ErrRefundExceedsAvailable = errors.New("refund exceeds available amount")
	ErrPartialRefundFailure   = errors.New("partial refund failure")

	ErrInvalidRole      = errors.New("invalid role")
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrDropInNotAllowed = errors.New("drop-in not allowed")
	ErrInvalidRefund    = errors.New("invalid refund request")
	ErrInvalidStatus    = errors.New("invalid registration status")
	ErrInvoiceNotPaid   = errors.New("invoice not paid")

	ErrItemNotFound     = errors.New("item not found")
	ErrHoldNotFound     = errors.New("hold not found")
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrVoucherNotFound  = errors.New("voucher not found")
	ErrDiscountNotFound = errors.New("discount not found")

	ErrRegistrationNotFound = errors.New("registration not found")

	// ErrConflict is returned by stores when a compare-and-set loses a race.
	ErrConflict = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapacityError provides details about a sold-out item or role.
type CapacityError struct {
	ItemID    ItemID
	RoleID    RoleID
	Requested int
	Available int
}

func (e *CapacityError) Error() string {
	scope := string(e.ItemID)
	if e.RoleID != "" {
		scope += "/" + string(e.RoleID)
	}
	return fmt.Sprintf("capacity exceeded for %s: requested %d, available %d", scope, e.Requested, e.Available)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// LineErrorKind names why a requested line failed.
type LineErrorKind string

const (
	LineCapacityExceeded      LineErrorKind = "capacity_exceeded"
	LineRegistrationClosed    LineErrorKind = "registration_closed"
	LineDuplicateRegistration LineErrorKind = "duplicate_registration"
	LineInvalidRole           LineErrorKind = "invalid_role"
	LineItemNotFound          LineErrorKind = "item_not_found"
	LineDropInNotAllowed      LineErrorKind = "drop_in_not_allowed"
	LineInvalidQuantity       LineErrorKind = "invalid_quantity"
)

// LineError identifies one failing line of a hold mutation.
type LineError struct {
	Index  int           `json:"index"`
	ItemID ItemID        `json:"item_id"`
	RoleID RoleID        `json:"role_id,omitempty"`
	Kind   LineErrorKind `json:"kind"`
	Err    error         `json:"-"`
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d (%s): %v", e.Index, e.ItemID, e.Err)
}

func (e LineError) Unwrap() error { return e.Err }

// ReservationError is returned when a hold mutation is rejected.
// Nothing from the mutation was applied.
type ReservationError struct {
	Lines []LineError
}

func (e *ReservationError) Error() string {
	parts := make([]string, len(e.Lines))
	for i, l := range e.Lines {
		parts[i] = l.Error()
	}
	return "reservation rejected: " + strings.Join(parts, "; ")
}

// Unwrap exposes every line error so errors.Is matches any of them.
func (e *ReservationError) Unwrap() []error {
	errs := make([]error, len(e.Lines))
	for i, l := range e.Lines {
		errs[i] = l
	}
	return errs
}

// VoucherErrorKind is the sub-kind of an invalid voucher.
type VoucherErrorKind string

const (
	VoucherNotFound      VoucherErrorKind = "not_found"
	VoucherExpired       VoucherErrorKind = "expired"
	VoucherDisabled      VoucherErrorKind = "disabled"
	VoucherWrongCustomer VoucherErrorKind = "wrong_customer"
	VoucherExhausted     VoucherErrorKind = "exhausted"
	VoucherAlreadyUsed   VoucherErrorKind = "already_used"
	VoucherNotApplicable VoucherErrorKind = "not_applicable"
)

// VoucherError describes why a voucher cannot be redeemed.
type VoucherError struct {
	Code string
	Kind VoucherErrorKind
}

func (e *VoucherError) Error() string {
	return fmt.Sprintf("invalid voucher %q: %s", e.Code, e.Kind)
}

func (e *VoucherError) Unwrap() error { return ErrInvalidVoucher }

// PriceChangedError carries the new total so the UI can re-confirm.
type PriceChangedError struct {
	Expected decimal.Decimal
	NewTotal decimal.Decimal
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("price changed: expected %s, now %s", e.Expected.StringFixed(2), e.NewTotal.StringFixed(2))
}

func (e *PriceChangedError) Unwrap() error { return ErrPriceChanged }

// PartialRefundError is returned alongside a partial RefundResult.
// The successful part has been applied and the failure recorded on the invoice.
type PartialRefundError struct {
	InvoiceID InvoiceID
	Requested decimal.Decimal
	Refunded  decimal.Decimal
	Cause     error
}

func (e *PartialRefundError) Error() string {
	return fmt.Sprintf("partial refund on %s: refunded %s of %s: %v",
		e.InvoiceID, e.Refunded.StringFixed(2), e.Requested.StringFixed(2), e.Cause)
}

func (e *PartialRefundError) Unwrap() []error { return []error{ErrPartialRefundFailure, e.Cause} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the customer's selection or input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrRegistrationClosed) ||
		errors.Is(err, ErrDuplicateRegistration) ||
		errors.Is(err, ErrHoldExpired) ||
		errors.Is(err, ErrInvalidVoucher) ||
		errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrDropInNotAllowed) ||
		errors.Is(err, ErrInvalidRefund) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrRefundExceedsAvailable)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrVoucherNotFound) ||
		errors.Is(err, ErrDiscountNotFound) ||
		errors.Is(err, ErrRegistrationNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
