/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Converts JSON catalog definitions into engine.InventoryItem,
  engine.DiscountDefinition and engine.Voucher values. Admins define
  items, discounts and vouchers as JSON documents and the factory builds
  validated engine structs from them.

JSON SCHEMA:
  {
    "items": [{
      "id": "salsa-101",
      "kind": "series",
      "name": "Salsa 101",
      "capacity": 20,
      "roles": [{"id": "lead", "name": "Lead"}, {"id": "follow", "name": "Follow"}],
      "first_occurrence": "2026-11-02",
      "last_occurrence": "2026-11-23",
      "allow_drop_ins": true,
      "pricing": {"online_general": "120", "online_student": "100",
                  "door_general": "130", "door_student": "110",
                  "drop_in": "25", "point_group": "series", "points": "1"}
    }],
    "discounts": [{
      "id": "two-series", "type": "flat_price", "flat_price": "200",
      "components": [{"point_group": "series", "quantity": "2"}]
    }],
    "vouchers": [{"code": "GIFT50", "kind": "gift_certificate", "amount": "50"}]
  }

KEY FEATURES:
  - Validates JSON structure with go-playground/validator
  - Sets sensible defaults (status enabled, discount active, voucher ids)
  - Accepts dates as YYYY-MM-DD or RFC 3339
  - Loads a whole catalog in one store transaction

USAGE:
  f := NewCatalogFactory(clock)
  item, err := f.ParseItem(jsonString)

  catalog, err := f.ParseCatalog(doc)
  err = f.Load(ctx, store, catalog)

SEE ALSO:
  - engine/types.go: Catalog type definitions
  - school/presets.go: Go-side presets producing these JSON types
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/registration-engine/engine"
)

// ErrInvalidDefinition is wrapped by every parse and validation failure.
var ErrInvalidDefinition = errors.New("invalid catalog definition")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ItemJSON is the JSON representation of an inventory item.
type ItemJSON struct {
	ID              string       `json:"id" validate:"required"`
	Kind            string       `json:"kind" validate:"required,oneof=series public_event"`
	Name            string       `json:"name" validate:"required"`
	Category        string       `json:"category,omitempty"`
	Capacity        *int         `json:"capacity,omitempty" validate:"omitempty,gte=0"`
	Roles           []RoleJSON   `json:"roles,omitempty" validate:"dive"`
	Status          string       `json:"status,omitempty" validate:"omitempty,oneof=disabled enabled held_open held_closed hidden_closed hidden"`
	FirstOccurrence string       `json:"first_occurrence,omitempty"`
	LastOccurrence  string       `json:"last_occurrence,omitempty"`
	CloseAfterDays  *int         `json:"close_after_days,omitempty" validate:"omitempty,gte=0"`
	AllowDropIns    bool         `json:"allow_drop_ins,omitempty"`
	Pricing         *PricingJSON `json:"pricing" validate:"required"`
}

// RoleJSON represents a sub-capacity of an item.
type RoleJSON struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name,omitempty"`
	Capacity *int   `json:"capacity,omitempty" validate:"omitempty,gte=0"`
}

// PricingJSON represents a pricing tier. Amounts are decimal strings.
type PricingJSON struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	OnlineGeneral string `json:"online_general" validate:"required,numeric"`
	OnlineStudent string `json:"online_student,omitempty" validate:"omitempty,numeric"`
	DoorGeneral   string `json:"door_general,omitempty" validate:"omitempty,numeric"`
	DoorStudent   string `json:"door_student,omitempty" validate:"omitempty,numeric"`
	DropIn        string `json:"drop_in,omitempty" validate:"omitempty,numeric"`
	PointGroup    string `json:"point_group,omitempty"`
	Points        string `json:"points,omitempty" validate:"omitempty,numeric"`
}

// DiscountJSON is the JSON representation of a discount definition.
type DiscountJSON struct {
	ID               string          `json:"id,omitempty"`
	Name             string          `json:"name" validate:"required"`
	Type             string          `json:"type" validate:"required,oneof=flat_price dollar_off percent_off add_on"`
	Priority         int             `json:"priority,omitempty"`
	Active           *bool           `json:"active,omitempty"`
	Components       []ComponentJSON `json:"components" validate:"required,min=1,dive"`
	FlatPrice        string          `json:"flat_price,omitempty" validate:"omitempty,numeric"`
	DollarOff        string          `json:"dollar_off,omitempty" validate:"omitempty,numeric"`
	PercentOff       string          `json:"percent_off,omitempty" validate:"omitempty,numeric"`
	ApplyToAll       bool            `json:"apply_to_all,omitempty"`
	AddOnName        string          `json:"add_on_name,omitempty"`
	NewCustomersOnly bool            `json:"new_customers_only,omitempty"`
	ExpiresAt        string          `json:"expires_at,omitempty"`
	MinLeadDays      *int            `json:"min_lead_days,omitempty" validate:"omitempty,gte=0"`
}

// ComponentJSON represents one point requirement of a discount.
type ComponentJSON struct {
	PointGroup          string `json:"point_group" validate:"required"`
	Quantity            string `json:"quantity" validate:"required,numeric"`
	AllWithinPointGroup bool   `json:"all_within_point_group,omitempty"`
}

// VoucherJSON is the JSON representation of a voucher.
// Referral credits are applied automatically and carry no code.
type VoucherJSON struct {
	ID              string   `json:"id,omitempty"`
	Code            string   `json:"code,omitempty" validate:"required_unless=Kind referral_credit"`
	Name            string   `json:"name,omitempty"`
	Kind            string   `json:"kind,omitempty" validate:"omitempty,oneof=gift_certificate promo referral_credit"`
	Amount          string   `json:"amount" validate:"required,numeric"`
	MaxAmountPerUse string   `json:"max_amount_per_use,omitempty" validate:"omitempty,numeric"`
	ExpiresAt       string   `json:"expires_at,omitempty"`
	SingleUse       bool     `json:"single_use,omitempty"`
	Disabled        bool     `json:"disabled,omitempty"`
	OwnerEmail      string   `json:"owner_email,omitempty" validate:"omitempty,email"`
	Customers       []string `json:"customers,omitempty"`
	CustomerGroups  []string `json:"customer_groups,omitempty"`
	Categories      []string `json:"categories,omitempty"`
}

// CatalogJSON is a whole catalog document.
type CatalogJSON struct {
	Items     []ItemJSON     `json:"items,omitempty"`
	Discounts []DiscountJSON `json:"discounts,omitempty"`
	Vouchers  []VoucherJSON  `json:"vouchers,omitempty"`
}

// Catalog is a parsed catalog ready to be stored.
type Catalog struct {
	Items     []engine.InventoryItem
	Discounts []engine.DiscountDefinition
	Vouchers  []engine.Voucher
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalog definitions to engine structs.
type CatalogFactory struct {
	clock    engine.Clock
	validate *validator.Validate
}

// NewCatalogFactory creates a new catalog factory. The clock stamps
// voucher creation times.
func NewCatalogFactory(clock engine.Clock) *CatalogFactory {
	if clock == nil {
		clock = engine.SystemClock()
	}
	return &CatalogFactory{clock: clock, validate: validator.New()}
}

// ParseItem parses a JSON string into an InventoryItem.
func (f *CatalogFactory) ParseItem(jsonStr string) (engine.InventoryItem, error) {
	var ij ItemJSON
	if err := decode(jsonStr, &ij); err != nil {
		return engine.InventoryItem{}, err
	}
	return f.ItemFromJSON(ij)
}

// ParseDiscount parses a JSON string into a DiscountDefinition.
func (f *CatalogFactory) ParseDiscount(jsonStr string) (engine.DiscountDefinition, error) {
	var dj DiscountJSON
	if err := decode(jsonStr, &dj); err != nil {
		return engine.DiscountDefinition{}, err
	}
	return f.DiscountFromJSON(dj)
}

// ParseVoucher parses a JSON string into a Voucher.
func (f *CatalogFactory) ParseVoucher(jsonStr string) (engine.Voucher, error) {
	var vj VoucherJSON
	if err := decode(jsonStr, &vj); err != nil {
		return engine.Voucher{}, err
	}
	return f.VoucherFromJSON(vj)
}

// ParseCatalog parses a whole catalog document.
func (f *CatalogFactory) ParseCatalog(jsonStr string) (Catalog, error) {
	var cj CatalogJSON
	if err := decode(jsonStr, &cj); err != nil {
		return Catalog{}, err
	}
	return f.CatalogFromJSON(cj)
}

// CatalogFromJSON converts every definition of cj, stopping at the first error.
func (f *CatalogFactory) CatalogFromJSON(cj CatalogJSON) (Catalog, error) {
	var c Catalog
	for _, ij := range cj.Items {
		item, err := f.ItemFromJSON(ij)
		if err != nil {
			return Catalog{}, err
		}
		c.Items = append(c.Items, item)
	}
	for _, dj := range cj.Discounts {
		d, err := f.DiscountFromJSON(dj)
		if err != nil {
			return Catalog{}, err
		}
		c.Discounts = append(c.Discounts, d)
	}
	for _, vj := range cj.Vouchers {
		v, err := f.VoucherFromJSON(vj)
		if err != nil {
			return Catalog{}, err
		}
		c.Vouchers = append(c.Vouchers, v)
	}
	return c, nil
}

// Load saves every definition of c in a single transaction.
func (f *CatalogFactory) Load(ctx context.Context, store engine.Store, c Catalog) error {
	return store.WithTx(ctx, func(tx engine.Tx) error {
		for _, item := range c.Items {
			if err := tx.SaveItem(ctx, item); err != nil {
				return fmt.Errorf("failed to save item %s: %w", item.ID, err)
			}
		}
		for _, d := range c.Discounts {
			if err := tx.SaveDiscount(ctx, d); err != nil {
				return fmt.Errorf("failed to save discount %s: %w", d.ID, err)
			}
		}
		for _, v := range c.Vouchers {
			if err := tx.SaveVoucher(ctx, v); err != nil {
				return fmt.Errorf("failed to save voucher %s: %w", v.ID, err)
			}
		}
		return nil
	})
}

// =============================================================================
// CONVERSION
// =============================================================================

// ItemFromJSON converts ItemJSON to engine.InventoryItem.
func (f *CatalogFactory) ItemFromJSON(ij ItemJSON) (engine.InventoryItem, error) {
	if err := f.check("item", ij.ID, ij); err != nil {
		return engine.InventoryItem{}, err
	}

	item := engine.InventoryItem{
		ID:             engine.ItemID(ij.ID),
		Kind:           engine.ItemKind(ij.Kind),
		Name:           ij.Name,
		Category:       ij.Category,
		Capacity:       ij.Capacity,
		Status:         engine.RegEnabled,
		CloseAfterDays: ij.CloseAfterDays,
		AllowDropIns:   ij.AllowDropIns,
	}
	if ij.Status != "" {
		item.Status = engine.RegistrationStatus(ij.Status)
	}

	seen := make(map[string]bool, len(ij.Roles))
	for _, rj := range ij.Roles {
		if seen[rj.ID] {
			return engine.InventoryItem{}, invalid("item", ij.ID, fmt.Errorf("duplicate role %q", rj.ID))
		}
		seen[rj.ID] = true
		name := rj.Name
		if name == "" {
			name = rj.ID
		}
		item.Roles = append(item.Roles, engine.Role{ID: engine.RoleID(rj.ID), Name: name, Capacity: rj.Capacity})
	}

	var err error
	if item.FirstOccurrence, err = parseTime(ij.FirstOccurrence); err != nil {
		return engine.InventoryItem{}, invalid("item", ij.ID, fmt.Errorf("first_occurrence: %w", err))
	}
	if item.LastOccurrence, err = parseTime(ij.LastOccurrence); err != nil {
		return engine.InventoryItem{}, invalid("item", ij.ID, fmt.Errorf("last_occurrence: %w", err))
	}
	if item.LastOccurrence.IsZero() {
		item.LastOccurrence = item.FirstOccurrence
	}
	if item.LastOccurrence.Before(item.FirstOccurrence) {
		return engine.InventoryItem{}, invalid("item", ij.ID, errors.New("last_occurrence is before first_occurrence"))
	}

	item.Pricing = parsePricing(*ij.Pricing)
	return item, nil
}

// DiscountFromJSON converts DiscountJSON to engine.DiscountDefinition.
func (f *CatalogFactory) DiscountFromJSON(dj DiscountJSON) (engine.DiscountDefinition, error) {
	if err := f.check("discount", dj.ID, dj); err != nil {
		return engine.DiscountDefinition{}, err
	}

	d := engine.DiscountDefinition{
		ID:               engine.DiscountID(dj.ID),
		Name:             dj.Name,
		Type:             engine.DiscountType(dj.Type),
		Priority:         dj.Priority,
		Active:           dj.Active == nil || *dj.Active,
		FlatPrice:        parseDecimal(dj.FlatPrice),
		DollarOff:        parseDecimal(dj.DollarOff),
		PercentOff:       parseDecimal(dj.PercentOff),
		ApplyToAll:       dj.ApplyToAll,
		AddOnName:        dj.AddOnName,
		NewCustomersOnly: dj.NewCustomersOnly,
		MinLeadDays:      dj.MinLeadDays,
	}
	if d.ID == "" {
		d.ID = engine.DiscountID(uuid.New().String())
	}
	if d.Type == engine.DiscountPercentOff && d.PercentOff.GreaterThan(decimal.NewFromInt(100)) {
		return engine.DiscountDefinition{}, invalid("discount", dj.ID, errors.New("percent_off above 100"))
	}

	for _, cj := range dj.Components {
		d.Components = append(d.Components, engine.DiscountComponent{
			PointGroup:          cj.PointGroup,
			Quantity:            parseDecimal(cj.Quantity),
			AllWithinPointGroup: cj.AllWithinPointGroup,
		})
	}

	expires, err := parseTime(dj.ExpiresAt)
	if err != nil {
		return engine.DiscountDefinition{}, invalid("discount", dj.ID, fmt.Errorf("expires_at: %w", err))
	}
	if !expires.IsZero() {
		d.ExpiresAt = &expires
	}
	return d, nil
}

// VoucherFromJSON converts VoucherJSON to engine.Voucher.
func (f *CatalogFactory) VoucherFromJSON(vj VoucherJSON) (engine.Voucher, error) {
	if err := f.check("voucher", vj.Code, vj); err != nil {
		return engine.Voucher{}, err
	}

	v := engine.Voucher{
		ID:             engine.VoucherID(vj.ID),
		Code:           strings.TrimSpace(vj.Code),
		Name:           vj.Name,
		Kind:           engine.VoucherGiftCertificate,
		OriginalAmount: parseDecimal(vj.Amount),
		Credited:       decimal.Zero,
		SingleUse:      vj.SingleUse,
		Disabled:       vj.Disabled,
		OwnerEmail:     engine.NormalizeEmail(vj.OwnerEmail),
		Customers:      vj.Customers,
		CustomerGroups: vj.CustomerGroups,
		Categories:     vj.Categories,
		CreatedAt:      f.clock.Now(),
	}
	if vj.Kind != "" {
		v.Kind = engine.VoucherKind(vj.Kind)
	}
	if v.ID == "" {
		v.ID = engine.VoucherID(uuid.New().String())
	}
	if v.Name == "" {
		v.Name = v.Code
	}
	if v.AutoApplied() {
		if v.OwnerEmail == "" {
			return engine.Voucher{}, invalid("voucher", vj.ID, errors.New("referral credit requires owner_email"))
		}
		v.Code = ""
	}
	if vj.MaxAmountPerUse != "" {
		limit := parseDecimal(vj.MaxAmountPerUse)
		v.MaxAmountPerUse = &limit
	}

	expires, err := parseTime(vj.ExpiresAt)
	if err != nil {
		return engine.Voucher{}, invalid("voucher", vj.Code, fmt.Errorf("expires_at: %w", err))
	}
	if !expires.IsZero() {
		v.ExpiresAt = &expires
	}
	return v, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func decode(jsonStr string, v any) error {
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("%w: failed to parse JSON: %v", ErrInvalidDefinition, err)
	}
	return nil
}

func (f *CatalogFactory) check(kind, id string, v any) error {
	if err := f.validate.Struct(v); err != nil {
		return invalid(kind, id, err)
	}
	return nil
}

func invalid(kind, id string, err error) error {
	if id == "" {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, kind, err)
	}
	return fmt.Errorf("%w: %s %q: %v", ErrInvalidDefinition, kind, id, err)
}

func parsePricing(pj PricingJSON) engine.PricingTier {
	general := parseDecimal(pj.OnlineGeneral)
	tier := engine.PricingTier{
		ID:            pj.ID,
		Name:          pj.Name,
		OnlineGeneral: general,
		OnlineStudent: orDefault(pj.OnlineStudent, general),
		DoorGeneral:   orDefault(pj.DoorGeneral, general),
		DropIn:        parseDecimal(pj.DropIn),
		PointGroup:    pj.PointGroup,
		Points:        orDefault(pj.Points, decimal.NewFromInt(1)),
	}
	tier.DoorStudent = orDefault(pj.DoorStudent, tier.DoorGeneral)
	return tier
}

// parseDecimal expects input already checked by the validator.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func orDefault(s string, def decimal.Decimal) decimal.Decimal {
	if s == "" {
		return def
	}
	return parseDecimal(s)
}

// parseTime accepts YYYY-MM-DD (midnight UTC) or RFC 3339. Empty is zero.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", s)
	}
	return t.UTC(), nil
}
