package sqlstore

import (
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/warp/registration-engine/engine"
)

// Row types mirror the tables one to one and are scanned by sqlx.

type holdRow struct {
	ID            string          `db:"id"`
	SessionID     string          `db:"session_id"`
	CustomerEmail string          `db:"customer_email"`
	Customer      string          `db:"customer"`
	Data          string          `db:"data"`
	VoucherCodes  string          `db:"voucher_codes"`
	Status        string          `db:"status"`
	QuotedTotal   decimal.Decimal `db:"quoted_total"`
	DiscountID    string          `db:"discount_id"`
	CreatedAt     string          `db:"created_at"`
	ExpiresAt     string          `db:"expires_at"`
}

type holdLineRow struct {
	ID        string          `db:"id"`
	HoldID    string          `db:"hold_id"`
	Position  int             `db:"position"`
	ItemID    string          `db:"item_id"`
	RoleID    string          `db:"role_id"`
	Quantity  int             `db:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price"`
	IsDropIn  int             `db:"is_drop_in"`
}

func (r holdRow) toHold(lines []holdLineRow) (engine.Hold, error) {
	h := engine.Hold{
		ID:          engine.HoldID(r.ID),
		SessionID:   engine.SessionID(r.SessionID),
		Status:      engine.HoldStatus(r.Status),
		QuotedTotal: r.QuotedTotal,
		DiscountID:  engine.DiscountID(r.DiscountID),
		CreatedAt:   parseTime(r.CreatedAt),
		ExpiresAt:   parseTime(r.ExpiresAt),
	}
	if err := fromJSON(r.Customer, &h.Customer); err != nil {
		return h, err
	}
	if err := fromJSON(r.Data, &h.Data); err != nil {
		return h, err
	}
	if err := fromJSON(r.VoucherCodes, &h.VoucherCodes); err != nil {
		return h, err
	}
	for _, l := range lines {
		h.Items = append(h.Items, engine.HoldLineItem{
			ID:        engine.LineID(l.ID),
			ItemID:    engine.ItemID(l.ItemID),
			RoleID:    engine.RoleID(l.RoleID),
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			IsDropIn:  l.IsDropIn != 0,
		})
	}
	return h, nil
}

type registrationRow struct {
	ID            string         `db:"id"`
	ItemID        string         `db:"item_id"`
	RoleID        string         `db:"role_id"`
	IsDropIn      int            `db:"is_drop_in"`
	AtDoor        int            `db:"at_door"`
	Quantity      int            `db:"quantity"`
	CustomerEmail string         `db:"customer_email"`
	InvoiceID     string         `db:"invoice_id"`
	InvoiceItemID string         `db:"invoice_item_id"`
	CreatedAt     string         `db:"created_at"`
	CancelledAt   sql.NullString `db:"cancelled_at"`
}

func (r registrationRow) toRegistration() engine.Registration {
	return engine.Registration{
		ID:            engine.RegistrationID(r.ID),
		ItemID:        engine.ItemID(r.ItemID),
		RoleID:        engine.RoleID(r.RoleID),
		IsDropIn:      r.IsDropIn != 0,
		AtDoor:        r.AtDoor != 0,
		Quantity:      r.Quantity,
		CustomerEmail: r.CustomerEmail,
		InvoiceID:     engine.InvoiceID(r.InvoiceID),
		InvoiceItemID: engine.InvoiceItemID(r.InvoiceItemID),
		CreatedAt:     parseTime(r.CreatedAt),
		CancelledAt:   parseOptTime(r.CancelledAt),
	}
}

type voucherUseRow struct {
	ID        string          `db:"id"`
	VoucherID string          `db:"voucher_id"`
	InvoiceID string          `db:"invoice_id"`
	Email     string          `db:"email"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt string          `db:"created_at"`
}

type invoiceRow struct {
	ID              string          `db:"id"`
	Number          string          `db:"number"`
	HoldID          string          `db:"hold_id"`
	CustomerEmail   string          `db:"customer_email"`
	Currency        string          `db:"currency"`
	Status          string          `db:"status"`
	DiscountID      string          `db:"discount_id"`
	DiscountName    string          `db:"discount_name"`
	DiscountAmount  decimal.Decimal `db:"discount_amount"`
	Vouchers        string          `db:"vouchers"`
	GrossTotal      decimal.Decimal `db:"gross_total"`
	Total           decimal.Decimal `db:"total"`
	RefundRequested decimal.Decimal `db:"refund_requested"`
	RefundErrors    string          `db:"refund_errors"`
	CreatedAt       string          `db:"created_at"`
	UpdatedAt       string          `db:"updated_at"`
}

type invoiceItemRow struct {
	ID             string          `db:"id"`
	InvoiceID      string          `db:"invoice_id"`
	Position       int             `db:"position"`
	LineID         string          `db:"line_id"`
	ItemID         string          `db:"item_id"`
	RoleID         string          `db:"role_id"`
	IsDropIn       int             `db:"is_drop_in"`
	Quantity       int             `db:"quantity"`
	GrossTotal     decimal.Decimal `db:"gross_total"`
	DiscountAmount decimal.Decimal `db:"discount_amount"`
	VoucherAmount  decimal.Decimal `db:"voucher_amount"`
	Total          decimal.Decimal `db:"total"`
	Adjustments    decimal.Decimal `db:"adjustments"`
	Taxes          decimal.Decimal `db:"taxes"`
	Fees           decimal.Decimal `db:"fees"`
	RegistrationID string          `db:"registration_id"`
}

func (r invoiceRow) toInvoice(items []invoiceItemRow) (engine.Invoice, error) {
	inv := engine.Invoice{
		ID:              engine.InvoiceID(r.ID),
		Number:          r.Number,
		HoldID:          engine.HoldID(r.HoldID),
		CustomerEmail:   r.CustomerEmail,
		Currency:        r.Currency,
		Status:          engine.InvoiceStatus(r.Status),
		DiscountID:      engine.DiscountID(r.DiscountID),
		DiscountName:    r.DiscountName,
		DiscountAmount:  r.DiscountAmount,
		GrossTotal:      r.GrossTotal,
		Total:           r.Total,
		RefundRequested: r.RefundRequested,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
	if err := fromJSON(r.Vouchers, &inv.Vouchers); err != nil {
		return inv, err
	}
	if err := fromJSON(r.RefundErrors, &inv.RefundErrors); err != nil {
		return inv, err
	}
	for _, it := range items {
		inv.Items = append(inv.Items, engine.InvoiceItem{
			ID:             engine.InvoiceItemID(it.ID),
			InvoiceID:      engine.InvoiceID(it.InvoiceID),
			LineID:         engine.LineID(it.LineID),
			ItemID:         engine.ItemID(it.ItemID),
			RoleID:         engine.RoleID(it.RoleID),
			IsDropIn:       it.IsDropIn != 0,
			Quantity:       it.Quantity,
			GrossTotal:     it.GrossTotal,
			DiscountAmount: it.DiscountAmount,
			VoucherAmount:  it.VoucherAmount,
			Total:          it.Total,
			Adjustments:    it.Adjustments,
			Taxes:          it.Taxes,
			Fees:           it.Fees,
			RegistrationID: engine.RegistrationID(it.RegistrationID),
		})
	}
	return inv, nil
}

type paymentRow struct {
	ID           string          `db:"id"`
	InvoiceID    string          `db:"invoice_id"`
	Provider     string          `db:"provider"`
	ExternalRef  string          `db:"external_ref"`
	Amount       decimal.Decimal `db:"amount"`
	Refunded     decimal.Decimal `db:"refunded"`
	FeesWithheld decimal.Decimal `db:"fees_withheld"`
	CreatedAt    string          `db:"created_at"`
}

func (r paymentRow) toPayment() engine.PaymentRecord {
	return engine.PaymentRecord{
		ID:           engine.PaymentID(r.ID),
		InvoiceID:    engine.InvoiceID(r.InvoiceID),
		Provider:     r.Provider,
		ExternalRef:  r.ExternalRef,
		Amount:       r.Amount,
		Refunded:     r.Refunded,
		FeesWithheld: r.FeesWithheld,
		CreatedAt:    parseTime(r.CreatedAt),
	}
}

type auditRow struct {
	ID          string `db:"id"`
	At          string `db:"at"`
	Actor       string `db:"actor"`
	Action      string `db:"action"`
	ReferenceID string `db:"reference_id"`
	Details     string `db:"details"`
}
