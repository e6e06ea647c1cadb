/*
Package engine provides the registration reservation and pricing engine.

PURPOSE:
  This package holds the domain-agnostic core used by the school's
  registration flow: capacity-constrained holds on inventory, best-price
  discount resolution, voucher allocation, invoice finalization and
  proportional refund allocation. School-specific presets (kinds, pricing
  tiers, duplicate rules) live in the school package.

KEY CONCEPTS IN THIS FILE (types.go):
  - InventoryItem: A capacity-bearing schedulable thing (series, public event)
  - Hold: A visitor's in-progress cart with a TTL-bounded claim on capacity
  - Registration: A committed unit produced by finalizing a hold
  - DiscountDefinition / Voucher: Pricing inputs
  - Invoice / InvoiceItem / PaymentRecord: Durable post-finalize records

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, rounded to cents at allocation time
  2. Tagged variants: InventoryItem carries a Kind instead of a type hierarchy
  3. Derived capacity: Occupancy is counted, never stored as a counter that can drift
  4. Snapshots: Prices, discounts and vouchers are frozen onto the invoice

SEE ALSO:
  - capacity.go: CapacityLedger
  - reservation.go: ReservationManager
  - discount.go, voucher.go: Pure pricing components
  - invoice.go, refund.go: Durable money flow
*/
package engine

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type RoleID string
type HoldID string
type LineID string
type SessionID string
type RegistrationID string
type DiscountID string
type VoucherID string
type InvoiceID string
type InvoiceItemID string
type PaymentID string

// =============================================================================
// INVENTORY
// =============================================================================

// ItemKind is the discriminant of the InventoryItem variant.
type ItemKind string

const (
	KindSeries      ItemKind = "series"
	KindPublicEvent ItemKind = "public_event"
)

// Category groups line items for duplicate-registration policy lookups.
type Category string

const (
	CategorySeries      Category = "series"
	CategoryPublicEvent Category = "public_event"
	CategoryDropIn      Category = "drop_in"
)

// Role is a sub-capacity of an item (e.g. lead/follow).
type Role struct {
	ID       RoleID `json:"id"`
	Name     string `json:"name"`
	Capacity *int   `json:"capacity,omitempty"`
}

// PricingTier holds the base-price rule of an item.
type PricingTier struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	OnlineGeneral decimal.Decimal `json:"online_general"`
	OnlineStudent decimal.Decimal `json:"online_student"`
	DoorGeneral   decimal.Decimal `json:"door_general"`
	DoorStudent   decimal.Decimal `json:"door_student"`
	DropIn        decimal.Decimal `json:"drop_in"`
	PointGroup    string          `json:"point_group,omitempty"`
	Points        decimal.Decimal `json:"points"`
}

// UnitPrice returns the price for one unit under the given customer facts.
func (p PricingTier) UnitPrice(student, atDoor, dropIn bool) decimal.Decimal {
	switch {
	case dropIn:
		return p.DropIn
	case atDoor && student:
		return p.DoorStudent
	case atDoor:
		return p.DoorGeneral
	case student:
		return p.OnlineStudent
	default:
		return p.OnlineGeneral
	}
}

// InventoryItem is an event/series occurrence group.
type InventoryItem struct {
	ID              ItemID             `json:"id"`
	Kind            ItemKind           `json:"kind"`
	Name            string             `json:"name"`
	Category        string             `json:"category,omitempty"`
	Capacity        *int               `json:"capacity,omitempty"`
	Roles           []Role             `json:"roles,omitempty"`
	Status          RegistrationStatus `json:"status"`
	FirstOccurrence time.Time          `json:"first_occurrence"`
	LastOccurrence  time.Time          `json:"last_occurrence"`
	CloseAfterDays  *int               `json:"close_after_days,omitempty"`
	AllowDropIns    bool               `json:"allow_drop_ins"`
	Pricing         PricingTier        `json:"pricing"`
}

// Role looks up a role by id.
func (i InventoryItem) Role(id RoleID) (Role, bool) {
	for _, r := range i.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

// RoleCapacity returns the capacity of a role. When the role does not carry
// its own capacity, the item capacity is divided evenly across roles.
// Returns nil for unlimited.
func (i InventoryItem) RoleCapacity(id RoleID) *int {
	role, ok := i.Role(id)
	if ok && role.Capacity != nil {
		c := *role.Capacity
		return &c
	}
	if i.Capacity == nil || len(i.Roles) == 0 {
		return nil
	}
	c := *i.Capacity / len(i.Roles)
	return &c
}

// CategoryFor returns the policy category of a line against this item.
func (i InventoryItem) CategoryFor(dropIn bool) Category {
	if dropIn {
		return CategoryDropIn
	}
	if i.Kind == KindPublicEvent {
		return CategoryPublicEvent
	}
	return CategorySeries
}

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer carries the customer-supplied facts pricing depends on.
// Email is the customer identity.
type Customer struct {
	Email     string   `json:"email"`
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	Student   bool     `json:"student,omitempty"`
	AtDoor    bool     `json:"at_door,omitempty"`
	Groups    []string `json:"groups,omitempty"`
}

// Key returns the normalized identity used for duplicate and voucher checks.
func (c Customer) Key() string {
	return NormalizeEmail(c.Email)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// =============================================================================
// HOLD - Temporary registration
// =============================================================================

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldFinalized HoldStatus = "finalized"
	HoldCancelled HoldStatus = "cancelled"
	HoldExpired   HoldStatus = "expired"
)

// Hold is one visitor's in-progress cart.
//
// INVARIANT: a hold counts toward occupancy iff Status == HoldActive and
// now < ExpiresAt. Expired holds are ignored even before the sweep runs.
type Hold struct {
	ID           HoldID            `json:"id"`
	SessionID    SessionID         `json:"session_id"`
	Customer     Customer          `json:"customer"`
	Data         map[string]string `json:"data,omitempty"`
	Items        []HoldLineItem    `json:"items"`
	VoucherCodes []string          `json:"voucher_codes,omitempty"`
	Status       HoldStatus        `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`

	// Provisional quote shown to the customer on the last write.
	QuotedTotal decimal.Decimal `json:"quoted_total"`
	DiscountID  DiscountID      `json:"discount_id,omitempty"`
}

// Live reports whether the hold still claims capacity at now.
func (h Hold) Live(now time.Time) bool {
	return h.Status == HoldActive && now.Before(h.ExpiresAt)
}

// Units returns the quantity held for an item, optionally scoped by role.
func (h Hold) Units(item ItemID, role RoleID) int {
	n := 0
	for _, li := range h.Items {
		if li.ItemID != item {
			continue
		}
		if role != "" && li.RoleID != role {
			continue
		}
		n += li.Quantity
	}
	return n
}

// HoldLineItem is a temporary line item.
type HoldLineItem struct {
	ID        LineID          `json:"id"`
	ItemID    ItemID          `json:"item_id"`
	RoleID    RoleID          `json:"role_id,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	IsDropIn  bool            `json:"is_drop_in"`
}

// Gross returns unit price times quantity.
func (li HoldLineItem) Gross() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// =============================================================================
// REGISTRATION - Committed capacity unit
// =============================================================================

type Registration struct {
	ID            RegistrationID `json:"id"`
	ItemID        ItemID         `json:"item_id"`
	RoleID        RoleID         `json:"role_id,omitempty"`
	IsDropIn      bool           `json:"is_drop_in"`
	AtDoor        bool           `json:"at_door"`
	Quantity      int            `json:"quantity"`
	CustomerEmail string         `json:"customer_email"`
	InvoiceID     InvoiceID      `json:"invoice_id"`
	InvoiceItemID InvoiceItemID  `json:"invoice_item_id"`
	CreatedAt     time.Time      `json:"created_at"`
	CancelledAt   *time.Time     `json:"cancelled_at,omitempty"`
}

func (r Registration) Cancelled() bool { return r.CancelledAt != nil }

// =============================================================================
// DISCOUNTS
// =============================================================================

type DiscountType string

const (
	DiscountFlatPrice  DiscountType = "flat_price"
	DiscountDollarOff  DiscountType = "dollar_off"
	DiscountPercentOff DiscountType = "percent_off"
	DiscountAddOn      DiscountType = "add_on"
)

// DiscountComponent is one point requirement of a definition.
type DiscountComponent struct {
	PointGroup          string          `json:"point_group"`
	Quantity            decimal.Decimal `json:"quantity"`
	AllWithinPointGroup bool            `json:"all_within_point_group,omitempty"`
}

// DiscountDefinition is a named combinator over point groups.
// Immutable once referenced by a finalized invoice; the invoice keeps a snapshot.
type DiscountDefinition struct {
	ID               DiscountID          `json:"id"`
	Name             string              `json:"name"`
	Type             DiscountType        `json:"type"`
	Priority         int                 `json:"priority"`
	Active           bool                `json:"active"`
	Components       []DiscountComponent `json:"components"`
	FlatPrice        decimal.Decimal     `json:"flat_price"`
	DollarOff        decimal.Decimal     `json:"dollar_off"`
	PercentOff       decimal.Decimal     `json:"percent_off"`
	ApplyToAll       bool                `json:"apply_to_all,omitempty"`
	AddOnName        string              `json:"add_on_name,omitempty"`
	NewCustomersOnly bool                `json:"new_customers_only,omitempty"`
	ExpiresAt        *time.Time          `json:"expires_at,omitempty"`
	MinLeadDays      *int                `json:"min_lead_days,omitempty"`
}

// =============================================================================
// VOUCHERS
// =============================================================================

type VoucherKind string

const (
	VoucherGiftCertificate VoucherKind = "gift_certificate"
	VoucherPromo           VoucherKind = "promo"
	VoucherReferralCredit  VoucherKind = "referral_credit"
)

// Voucher is a redeemable balance.
// amountLeft = OriginalAmount + Credited - sum(uses).
type Voucher struct {
	ID              VoucherID        `json:"id"`
	Code            string           `json:"code"`
	Name            string           `json:"name"`
	Kind            VoucherKind      `json:"kind"`
	OriginalAmount  decimal.Decimal  `json:"original_amount"`
	Credited        decimal.Decimal  `json:"credited"`
	MaxAmountPerUse *decimal.Decimal `json:"max_amount_per_use,omitempty"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	SingleUse       bool             `json:"single_use,omitempty"`
	Disabled        bool             `json:"disabled,omitempty"`
	OwnerEmail      string           `json:"owner_email,omitempty"`
	Customers       []string         `json:"customers,omitempty"`
	CustomerGroups  []string         `json:"customer_groups,omitempty"`
	Categories      []string         `json:"categories,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// AutoApplied reports whether the voucher is applied without a code.
func (v Voucher) AutoApplied() bool {
	return v.Kind == VoucherReferralCredit
}

// VoucherUse is created only at finalize time.
type VoucherUse struct {
	ID        string          `json:"id"`
	VoucherID VoucherID       `json:"voucher_id"`
	InvoiceID InvoiceID       `json:"invoice_id"`
	Email     string          `json:"email"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceUnpaid        InvoiceStatus = "unpaid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoicePartialRefund InvoiceStatus = "partial_refund"
	InvoiceFullRefund    InvoiceStatus = "full_refund"
)

// Frozen reports whether gross/total are immutable.
func (s InvoiceStatus) Frozen() bool {
	return s == InvoicePaid || s == InvoicePartialRefund || s == InvoiceFullRefund
}

// Invoice is the durable post-finalize record.
//
// INVARIANT: Total == sum(item.Total).
type Invoice struct {
	ID              InvoiceID          `json:"id"`
	Number          string             `json:"number"`
	HoldID          HoldID             `json:"hold_id"`
	CustomerEmail   string             `json:"customer_email"`
	Currency        string             `json:"currency"`
	Status          InvoiceStatus      `json:"status"`
	Items           []InvoiceItem      `json:"items"`
	DiscountID      DiscountID         `json:"discount_id,omitempty"`
	DiscountName    string             `json:"discount_name,omitempty"`
	DiscountAmount  decimal.Decimal    `json:"discount_amount"`
	Vouchers        []VoucherAllocated `json:"vouchers,omitempty"`
	GrossTotal      decimal.Decimal    `json:"gross_total"`
	Total           decimal.Decimal    `json:"total"`
	RefundRequested decimal.Decimal    `json:"refund_requested"`
	RefundErrors    []string           `json:"refund_errors,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// VoucherAllocated is an allocation snapshotted on the invoice.
type VoucherAllocated struct {
	VoucherID VoucherID       `json:"voucher_id"`
	Code      string          `json:"code"`
	Amount    decimal.Decimal `json:"amount"`
}

// InvoiceItem stores immutable per-item pricing.
type InvoiceItem struct {
	ID             InvoiceItemID   `json:"id"`
	InvoiceID      InvoiceID       `json:"invoice_id"`
	LineID         LineID          `json:"line_id"`
	ItemID         ItemID          `json:"item_id"`
	RoleID         RoleID          `json:"role_id,omitempty"`
	IsDropIn       bool            `json:"is_drop_in"`
	Quantity       int             `json:"quantity"`
	GrossTotal     decimal.Decimal `json:"gross_total"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	VoucherAmount  decimal.Decimal `json:"voucher_amount"`
	Total          decimal.Decimal `json:"total"`
	Adjustments    decimal.Decimal `json:"adjustments"`
	Taxes          decimal.Decimal `json:"taxes"`
	Fees           decimal.Decimal `json:"fees"`
	RegistrationID RegistrationID  `json:"registration_id"`
}

// Net returns the remaining value of the item after refunds.
func (it InvoiceItem) Net() decimal.Decimal {
	return it.Total.Add(it.Adjustments)
}

// PaymentRecord is an external payment against an invoice.
type PaymentRecord struct {
	ID           PaymentID       `json:"id"`
	InvoiceID    InvoiceID       `json:"invoice_id"`
	Provider     string          `json:"provider"`
	ExternalRef  string          `json:"external_ref"`
	Amount       decimal.Decimal `json:"amount"`
	Refunded     decimal.Decimal `json:"refunded"`
	FeesWithheld decimal.Decimal `json:"fees_withheld"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Refundable returns the amount that can still be refunded on this record.
func (p PaymentRecord) Refundable() decimal.Decimal {
	return p.Amount.Sub(p.Refunded)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

const (
	AuditCapacityOverride AuditAction = "capacity_override"
	AuditStatusChanged    AuditAction = "status_changed"
	AuditRefundFailed     AuditAction = "refund_failed"
	AuditRefundApplied    AuditAction = "refund_applied"
	AuditInvoiceFinalized AuditAction = "invoice_finalized"
)

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID          string            `json:"id"`
	At          time.Time         `json:"at"`
	Actor       string            `json:"actor"`
	Action      AuditAction       `json:"action"`
	ReferenceID string            `json:"reference_id"`
	Details     map[string]string `json:"details,omitempty"`
}
