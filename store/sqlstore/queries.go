package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/warp/registration-engine/engine"
)

// queries implements engine.Tx on either a *sqlx.DB or a *sqlx.Tx.
type queries struct {
	ext     sqlx.ExtContext
	dialect *Dialect
}

var _ engine.Tx = (*queries)(nil)

func (q *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) sel(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
}

// forUpdate appends the dialect's row-lock suffix.
func (q *queries) forUpdate(query string) string {
	if q.dialect.LockSuffix == "" {
		return query
	}
	return query + " " + q.dialect.LockSuffix
}

// insert runs an INSERT and maps unique violations to engine.ErrConflict.
func (q *queries) insert(ctx context.Context, what, query string, args ...any) error {
	if _, err := q.exec(ctx, query, args...); err != nil {
		if q.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%s: %w", what, engine.ErrConflict)
		}
		return fmt.Errorf("failed to insert %s: %w", what, err)
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (q *queries) GetItem(ctx context.Context, id engine.ItemID) (*engine.InventoryItem, error) {
	return q.loadItem(ctx, "SELECT body FROM items WHERE id = ?", id)
}

func (q *queries) LockItem(ctx context.Context, id engine.ItemID) (*engine.InventoryItem, error) {
	return q.loadItem(ctx, q.forUpdate("SELECT body FROM items WHERE id = ?"), id)
}

func (q *queries) loadItem(ctx context.Context, query string, id engine.ItemID) (*engine.InventoryItem, error) {
	var body string
	if err := q.get(ctx, &body, query, id); err != nil {
		return nil, notFound(err, engine.ErrItemNotFound)
	}
	var item engine.InventoryItem
	if err := fromJSON(body, &item); err != nil {
		return nil, fmt.Errorf("item %s: %w", id, err)
	}
	return &item, nil
}

func (q *queries) SaveItem(ctx context.Context, item engine.InventoryItem) error {
	body, err := toJSON(item)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO items (id, kind, status, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind, status = excluded.status,
			body = excluded.body, updated_at = excluded.updated_at`,
		item.ID, item.Kind, item.Status, body, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (q *queries) ListItems(ctx context.Context) ([]engine.InventoryItem, error) {
	var bodies []string
	if err := q.sel(ctx, &bodies, "SELECT body FROM items ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	out := make([]engine.InventoryItem, len(bodies))
	for i, body := range bodies {
		if err := fromJSON(body, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// =============================================================================
// OCCUPANCY
// =============================================================================

func (q *queries) CountCommitted(ctx context.Context, item engine.ItemID, role engine.RoleID) (int, error) {
	query := `SELECT COALESCE(SUM(quantity), 0) FROM registrations
		WHERE item_id = ? AND cancelled_at IS NULL`
	args := []any{item}
	if role != "" {
		query += " AND role_id = ?"
		args = append(args, role)
	}
	var n int
	if err := q.get(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count registrations: %w", err)
	}
	return n, nil
}

func (q *queries) CountHeld(ctx context.Context, item engine.ItemID, role engine.RoleID, now time.Time, exclude engine.HoldID) (int, error) {
	query := `SELECT COALESCE(SUM(l.quantity), 0)
		FROM hold_lines l JOIN holds h ON h.id = l.hold_id
		WHERE l.item_id = ? AND h.status = ? AND h.expires_at > ? AND h.id <> ?`
	args := []any{item, engine.HoldActive, fmtTime(now), exclude}
	if role != "" {
		query += " AND l.role_id = ?"
		args = append(args, role)
	}
	var n int
	if err := q.get(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count held units: %w", err)
	}
	return n, nil
}

// =============================================================================
// HOLDS
// =============================================================================

const holdColumns = `id, session_id, customer_email, customer, data, voucher_codes,
	status, quoted_total, discount_id, created_at, expires_at`

func (q *queries) GetHold(ctx context.Context, id engine.HoldID) (*engine.Hold, error) {
	return q.loadHold(ctx, "SELECT "+holdColumns+" FROM holds WHERE id = ?", id)
}

func (q *queries) LockHold(ctx context.Context, id engine.HoldID) (*engine.Hold, error) {
	return q.loadHold(ctx, q.forUpdate("SELECT "+holdColumns+" FROM holds WHERE id = ?"), id)
}

func (q *queries) loadHold(ctx context.Context, query string, id engine.HoldID) (*engine.Hold, error) {
	var row holdRow
	if err := q.get(ctx, &row, query, id); err != nil {
		return nil, notFound(err, engine.ErrHoldNotFound)
	}
	var lines []holdLineRow
	if err := q.sel(ctx, &lines, `
		SELECT id, hold_id, position, item_id, role_id, quantity, unit_price, is_drop_in
		FROM hold_lines WHERE hold_id = ? ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("failed to load hold lines: %w", err)
	}
	h, err := row.toHold(lines)
	if err != nil {
		return nil, fmt.Errorf("hold %s: %w", id, err)
	}
	return &h, nil
}

func (q *queries) LiveHoldsForCustomer(ctx context.Context, email string, item engine.ItemID, now time.Time, exclude engine.HoldID) ([]engine.Hold, error) {
	var ids []string
	if err := q.sel(ctx, &ids, `
		SELECT DISTINCT h.id FROM holds h JOIN hold_lines l ON l.hold_id = h.id
		WHERE h.customer_email = ? AND l.item_id = ? AND l.quantity > 0
			AND h.status = ? AND h.expires_at > ? AND h.id <> ?
		ORDER BY h.id`,
		engine.NormalizeEmail(email), item, engine.HoldActive, fmtTime(now), exclude); err != nil {
		return nil, fmt.Errorf("failed to list customer holds: %w", err)
	}
	holds := make([]engine.Hold, 0, len(ids))
	for _, id := range ids {
		h, err := q.GetHold(ctx, engine.HoldID(id))
		if err != nil {
			return nil, err
		}
		holds = append(holds, *h)
	}
	return holds, nil
}

// SaveHold replaces the hold row and its lines. Callers outside WithTx go
// through Store.SaveHold, which wraps this in a transaction.
func (q *queries) SaveHold(ctx context.Context, h engine.Hold) error {
	customer, err := toJSON(h.Customer)
	if err != nil {
		return err
	}
	data, err := toJSON(lo.Ternary(h.Data == nil, map[string]string{}, h.Data))
	if err != nil {
		return err
	}
	codes, err := toJSON(lo.Ternary(h.VoucherCodes == nil, []string{}, h.VoucherCodes))
	if err != nil {
		return err
	}

	_, err = q.exec(ctx, `
		INSERT INTO holds (`+holdColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			session_id = excluded.session_id, customer_email = excluded.customer_email,
			customer = excluded.customer, data = excluded.data,
			voucher_codes = excluded.voucher_codes, status = excluded.status,
			quoted_total = excluded.quoted_total, discount_id = excluded.discount_id,
			expires_at = excluded.expires_at`,
		h.ID, h.SessionID, h.Customer.Key(), customer, data, codes,
		h.Status, h.QuotedTotal, h.DiscountID, fmtTime(h.CreatedAt), fmtTime(h.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save hold: %w", err)
	}

	if _, err := q.exec(ctx, "DELETE FROM hold_lines WHERE hold_id = ?", h.ID); err != nil {
		return fmt.Errorf("failed to clear hold lines: %w", err)
	}
	for i, li := range h.Items {
		if err := q.insert(ctx, "hold line", `
			INSERT INTO hold_lines (id, hold_id, position, item_id, role_id, quantity, unit_price, is_drop_in)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			li.ID, h.ID, i, li.ItemID, li.RoleID, li.Quantity, li.UnitPrice, boolInt(li.IsDropIn)); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]engine.HoldID, error) {
	query := "SELECT id FROM holds WHERE status = ? AND expires_at <= ? ORDER BY expires_at, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var ids []string
	if err := q.sel(ctx, &ids, query, engine.HoldActive, fmtTime(now)); err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}
	return lo.Map(ids, func(id string, _ int) engine.HoldID { return engine.HoldID(id) }), nil
}

func (q *queries) TransitionHold(ctx context.Context, id engine.HoldID, from, to engine.HoldStatus, notAfter time.Time) (bool, error) {
	query := "UPDATE holds SET status = ? WHERE id = ? AND status = ?"
	args := []any{to, id, from}
	if !notAfter.IsZero() {
		query += " AND expires_at <= ?"
		args = append(args, fmtTime(notAfter))
	}
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := q.get(ctx, &exists, "SELECT COUNT(*) FROM holds WHERE id = ?", id); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, engine.ErrHoldNotFound
	}
	return false, nil
}

// =============================================================================
// REGISTRATIONS
// =============================================================================

const registrationColumns = `id, item_id, role_id, is_drop_in, at_door, quantity,
	customer_email, invoice_id, invoice_item_id, created_at, cancelled_at`

func (q *queries) CreateRegistrations(ctx context.Context, regs []engine.Registration) error {
	for _, r := range regs {
		if err := q.insert(ctx, "registration", `
			INSERT INTO registrations (`+registrationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.ItemID, r.RoleID, boolInt(r.IsDropIn), boolInt(r.AtDoor), r.Quantity,
			engine.NormalizeEmail(r.CustomerEmail), r.InvoiceID, r.InvoiceItemID,
			fmtTime(r.CreatedAt), fmtOptTime(r.CancelledAt)); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) RegistrationsForCustomer(ctx context.Context, email string, item engine.ItemID) ([]engine.Registration, error) {
	var rows []registrationRow
	if err := q.sel(ctx, &rows, `
		SELECT `+registrationColumns+` FROM registrations
		WHERE customer_email = ? AND item_id = ? AND cancelled_at IS NULL
		ORDER BY created_at, id`, engine.NormalizeEmail(email), item); err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	return lo.Map(rows, func(r registrationRow, _ int) engine.Registration { return r.toRegistration() }), nil
}

func (q *queries) CancelRegistration(ctx context.Context, id engine.RegistrationID, at time.Time) error {
	res, err := q.exec(ctx, "UPDATE registrations SET cancelled_at = ? WHERE id = ? AND cancelled_at IS NULL",
		fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to cancel registration: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := q.get(ctx, &exists, "SELECT COUNT(*) FROM registrations WHERE id = ?", id); err != nil {
		return err
	}
	if exists == 0 {
		return engine.ErrRegistrationNotFound
	}
	return nil
}

func (q *queries) HasRegistrations(ctx context.Context, email string) (bool, error) {
	var n int
	if err := q.get(ctx, &n, `SELECT COUNT(*) FROM registrations
		WHERE customer_email = ? AND cancelled_at IS NULL`, engine.NormalizeEmail(email)); err != nil {
		return false, fmt.Errorf("failed to count registrations: %w", err)
	}
	return n > 0, nil
}

// =============================================================================
// DISCOUNTS
// =============================================================================

func (q *queries) SaveDiscount(ctx context.Context, d engine.DiscountDefinition) error {
	body, err := toJSON(d)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO discounts (id, priority, body) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET priority = excluded.priority, body = excluded.body`,
		d.ID, d.Priority, body)
	if err != nil {
		return fmt.Errorf("failed to save discount: %w", err)
	}
	return nil
}

func (q *queries) ListDiscounts(ctx context.Context) ([]engine.DiscountDefinition, error) {
	var bodies []string
	if err := q.sel(ctx, &bodies, "SELECT body FROM discounts ORDER BY priority, id"); err != nil {
		return nil, fmt.Errorf("failed to list discounts: %w", err)
	}
	out := make([]engine.DiscountDefinition, len(bodies))
	for i, body := range bodies {
		if err := fromJSON(body, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// =============================================================================
// VOUCHERS
// =============================================================================

func (q *queries) SaveVoucher(ctx context.Context, v engine.Voucher) error {
	body, err := toJSON(v)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO vouchers (id, code, kind, owner_email, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			code = excluded.code, kind = excluded.kind,
			owner_email = excluded.owner_email, body = excluded.body`,
		v.ID, nullString(v.Code), v.Kind, engine.NormalizeEmail(v.OwnerEmail), body, fmtTime(v.CreatedAt))
	if err != nil {
		if q.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("voucher code %q: %w", v.Code, engine.ErrConflict)
		}
		return fmt.Errorf("failed to save voucher: %w", err)
	}
	return nil
}

func (q *queries) GetVoucher(ctx context.Context, id engine.VoucherID) (*engine.Voucher, error) {
	return q.loadVoucher(ctx, "SELECT body FROM vouchers WHERE id = ?", id)
}

func (q *queries) GetVoucherByCode(ctx context.Context, code string) (*engine.Voucher, error) {
	if code == "" {
		return nil, engine.ErrVoucherNotFound
	}
	return q.loadVoucher(ctx, "SELECT body FROM vouchers WHERE code = ?", code)
}

func (q *queries) LockVoucher(ctx context.Context, id engine.VoucherID) (*engine.Voucher, error) {
	return q.loadVoucher(ctx, q.forUpdate("SELECT body FROM vouchers WHERE id = ?"), id)
}

func (q *queries) loadVoucher(ctx context.Context, query string, arg any) (*engine.Voucher, error) {
	var body string
	if err := q.get(ctx, &body, query, arg); err != nil {
		return nil, notFound(err, engine.ErrVoucherNotFound)
	}
	var v engine.Voucher
	if err := fromJSON(body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (q *queries) CreditsForCustomer(ctx context.Context, email string) ([]engine.Voucher, error) {
	var bodies []string
	if err := q.sel(ctx, &bodies, `
		SELECT body FROM vouchers WHERE owner_email = ? AND kind = ?
		ORDER BY created_at, id`, engine.NormalizeEmail(email), engine.VoucherReferralCredit); err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	out := make([]engine.Voucher, len(bodies))
	for i, body := range bodies {
		if err := fromJSON(body, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q *queries) VoucherUses(ctx context.Context, id engine.VoucherID) ([]engine.VoucherUse, error) {
	var rows []voucherUseRow
	if err := q.sel(ctx, &rows, `
		SELECT id, voucher_id, invoice_id, email, amount, created_at
		FROM voucher_uses WHERE voucher_id = ? ORDER BY created_at, id`, id); err != nil {
		return nil, fmt.Errorf("failed to list voucher uses: %w", err)
	}
	return lo.Map(rows, func(r voucherUseRow, _ int) engine.VoucherUse {
		return engine.VoucherUse{
			ID:        r.ID,
			VoucherID: engine.VoucherID(r.VoucherID),
			InvoiceID: engine.InvoiceID(r.InvoiceID),
			Email:     r.Email,
			Amount:    r.Amount,
			CreatedAt: parseTime(r.CreatedAt),
		}
	}), nil
}

func (q *queries) CreateVoucherUses(ctx context.Context, uses []engine.VoucherUse) error {
	for _, u := range uses {
		if err := q.insert(ctx, "voucher use", `
			INSERT INTO voucher_uses (id, voucher_id, invoice_id, email, amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			u.ID, u.VoucherID, u.InvoiceID, engine.NormalizeEmail(u.Email), u.Amount, fmtTime(u.CreatedAt)); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, number, hold_id, customer_email, currency, status,
	discount_id, discount_name, discount_amount, vouchers, gross_total, total,
	refund_requested, refund_errors, created_at, updated_at`

const invoiceItemColumns = `id, invoice_id, position, line_id, item_id, role_id, is_drop_in,
	quantity, gross_total, discount_amount, voucher_amount, total, adjustments, taxes, fees,
	registration_id`

func (q *queries) CreateInvoice(ctx context.Context, inv engine.Invoice) error {
	vouchers, err := toJSON(lo.Ternary(inv.Vouchers == nil, []engine.VoucherAllocated{}, inv.Vouchers))
	if err != nil {
		return err
	}
	refundErrors, err := toJSON(lo.Ternary(inv.RefundErrors == nil, []string{}, inv.RefundErrors))
	if err != nil {
		return err
	}
	if err := q.insert(ctx, "invoice", `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Number, inv.HoldID, engine.NormalizeEmail(inv.CustomerEmail), inv.Currency, inv.Status,
		inv.DiscountID, inv.DiscountName, inv.DiscountAmount, vouchers, inv.GrossTotal, inv.Total,
		inv.RefundRequested, refundErrors, fmtTime(inv.CreatedAt), fmtTime(inv.UpdatedAt)); err != nil {
		return err
	}
	for i, it := range inv.Items {
		if err := q.insert(ctx, "invoice item", `
			INSERT INTO invoice_items (`+invoiceItemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, inv.ID, i, it.LineID, it.ItemID, it.RoleID, boolInt(it.IsDropIn), it.Quantity,
			it.GrossTotal, it.DiscountAmount, it.VoucherAmount, it.Total,
			it.Adjustments, it.Taxes, it.Fees, it.RegistrationID); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) GetInvoice(ctx context.Context, id engine.InvoiceID) (*engine.Invoice, error) {
	return q.loadInvoice(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id)
}

func (q *queries) LockInvoice(ctx context.Context, id engine.InvoiceID) (*engine.Invoice, error) {
	return q.loadInvoice(ctx, q.forUpdate("SELECT "+invoiceColumns+" FROM invoices WHERE id = ?"), id)
}

func (q *queries) InvoiceForHold(ctx context.Context, hold engine.HoldID) (*engine.Invoice, error) {
	return q.loadInvoice(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE hold_id = ?", hold)
}

func (q *queries) loadInvoice(ctx context.Context, query string, arg any) (*engine.Invoice, error) {
	var row invoiceRow
	if err := q.get(ctx, &row, query, arg); err != nil {
		return nil, notFound(err, engine.ErrInvoiceNotFound)
	}
	var items []invoiceItemRow
	if err := q.sel(ctx, &items, "SELECT "+invoiceItemColumns+
		" FROM invoice_items WHERE invoice_id = ? ORDER BY position", row.ID); err != nil {
		return nil, fmt.Errorf("failed to load invoice items: %w", err)
	}
	inv, err := row.toInvoice(items)
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", row.ID, err)
	}
	return &inv, nil
}

// UpdateInvoice writes the fields that may change after finalize.
func (q *queries) UpdateInvoice(ctx context.Context, inv engine.Invoice) error {
	refundErrors, err := toJSON(lo.Ternary(inv.RefundErrors == nil, []string{}, inv.RefundErrors))
	if err != nil {
		return err
	}
	res, err := q.exec(ctx, `
		UPDATE invoices SET status = ?, refund_requested = ?, refund_errors = ?, updated_at = ?
		WHERE id = ?`,
		inv.Status, inv.RefundRequested, refundErrors, fmtTime(inv.UpdatedAt), inv.ID)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrInvoiceNotFound
	}
	for _, it := range inv.Items {
		if _, err := q.exec(ctx, `
			UPDATE invoice_items SET adjustments = ?, taxes = ?, fees = ?, registration_id = ?
			WHERE id = ? AND invoice_id = ?`,
			it.Adjustments, it.Taxes, it.Fees, it.RegistrationID, it.ID, inv.ID); err != nil {
			return fmt.Errorf("failed to update invoice item: %w", err)
		}
	}
	return nil
}

func (q *queries) SavePayment(ctx context.Context, p engine.PaymentRecord) error {
	_, err := q.exec(ctx, `
		INSERT INTO payments (id, invoice_id, provider, external_ref, amount, refunded, fees_withheld, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			refunded = excluded.refunded, fees_withheld = excluded.fees_withheld`,
		p.ID, p.InvoiceID, p.Provider, p.ExternalRef, p.Amount, p.Refunded, p.FeesWithheld, fmtTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (q *queries) ListPayments(ctx context.Context, invoice engine.InvoiceID) ([]engine.PaymentRecord, error) {
	var rows []paymentRow
	if err := q.sel(ctx, &rows, `
		SELECT id, invoice_id, provider, external_ref, amount, refunded, fees_withheld, created_at
		FROM payments WHERE invoice_id = ? ORDER BY created_at, id`, invoice); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return lo.Map(rows, func(r paymentRow, _ int) engine.PaymentRecord { return r.toPayment() }), nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (q *queries) AppendAudit(ctx context.Context, e engine.AuditEntry) error {
	details, err := toJSON(lo.Ternary(e.Details == nil, map[string]string{}, e.Details))
	if err != nil {
		return err
	}
	return q.insert(ctx, "audit entry", `
		INSERT INTO audit_log (id, at, actor, action, reference_id, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, fmtTime(e.At), e.Actor, e.Action, e.ReferenceID, details)
}

func (q *queries) ListAudit(ctx context.Context, referenceID string) ([]engine.AuditEntry, error) {
	query := "SELECT id, at, actor, action, reference_id, details FROM audit_log"
	var args []any
	if referenceID != "" {
		query += " WHERE reference_id = ?"
		args = append(args, referenceID)
	}
	query += " ORDER BY at, id"

	var rows []auditRow
	if err := q.sel(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	out := make([]engine.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := engine.AuditEntry{
			ID:          r.ID,
			At:          parseTime(r.At),
			Actor:       r.Actor,
			Action:      engine.AuditAction(r.Action),
			ReferenceID: r.ReferenceID,
		}
		if err := fromJSON(r.Details, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
