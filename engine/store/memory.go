// Package store provides an in-memory engine.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/registration-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an engine.Store kept in process memory.
// Every call and every WithTx holds a single mutex, which makes each
// transaction serializable.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	items         map[engine.ItemID]engine.InventoryItem
	holds         map[engine.HoldID]engine.Hold
	registrations map[engine.RegistrationID]engine.Registration
	discounts     map[engine.DiscountID]engine.DiscountDefinition
	vouchers      map[engine.VoucherID]engine.Voucher
	uses          []engine.VoucherUse
	invoices      map[engine.InvoiceID]engine.Invoice
	payments      map[engine.PaymentID]engine.PaymentRecord
	audit         []engine.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

func newMemData() *memData {
	return &memData{
		items:         make(map[engine.ItemID]engine.InventoryItem),
		holds:         make(map[engine.HoldID]engine.Hold),
		registrations: make(map[engine.RegistrationID]engine.Registration),
		discounts:     make(map[engine.DiscountID]engine.DiscountDefinition),
		vouchers:      make(map[engine.VoucherID]engine.Voucher),
		invoices:      make(map[engine.InvoiceID]engine.Invoice),
		payments:      make(map[engine.PaymentID]engine.PaymentRecord),
	}
}

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memTx{d: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newMemData()
	return nil
}

func (m *Memory) view(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{d: m.data})
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.items {
		c.items[k] = cloneItem(v)
	}
	for k, v := range d.holds {
		c.holds[k] = cloneHold(v)
	}
	for k, v := range d.registrations {
		c.registrations[k] = v
	}
	for k, v := range d.discounts {
		c.discounts[k] = v
	}
	for k, v := range d.vouchers {
		c.vouchers[k] = v
	}
	c.uses = append([]engine.VoucherUse(nil), d.uses...)
	for k, v := range d.invoices {
		c.invoices[k] = cloneInvoice(v)
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	c.audit = append([]engine.AuditEntry(nil), d.audit...)
	return c
}

func cloneItem(i engine.InventoryItem) engine.InventoryItem {
	i.Roles = append([]engine.Role(nil), i.Roles...)
	return i
}

func cloneHold(h engine.Hold) engine.Hold {
	h.Items = append([]engine.HoldLineItem(nil), h.Items...)
	h.VoucherCodes = append([]string(nil), h.VoucherCodes...)
	if h.Data != nil {
		data := make(map[string]string, len(h.Data))
		for k, v := range h.Data {
			data[k] = v
		}
		h.Data = data
	}
	return h
}

func cloneInvoice(inv engine.Invoice) engine.Invoice {
	inv.Items = append([]engine.InvoiceItem(nil), inv.Items...)
	inv.Vouchers = append([]engine.VoucherAllocated(nil), inv.Vouchers...)
	inv.RefundErrors = append([]string(nil), inv.RefundErrors...)
	return inv
}

// =============================================================================
// DIRECT ACCESS - each call is its own transaction
// =============================================================================

func (m *Memory) GetItem(ctx context.Context, id engine.ItemID) (out *engine.InventoryItem, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.GetItem(ctx, id); return err })
	return out, err
}

func (m *Memory) LockItem(ctx context.Context, id engine.ItemID) (*engine.InventoryItem, error) {
	return m.GetItem(ctx, id)
}

func (m *Memory) SaveItem(ctx context.Context, item engine.InventoryItem) error {
	return m.view(func(tx *memTx) error { return tx.SaveItem(ctx, item) })
}

func (m *Memory) ListItems(ctx context.Context) (out []engine.InventoryItem, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.ListItems(ctx); return err })
	return out, err
}

func (m *Memory) CountCommitted(ctx context.Context, item engine.ItemID, role engine.RoleID) (n int, err error) {
	err = m.view(func(tx *memTx) error { n, err = tx.CountCommitted(ctx, item, role); return err })
	return n, err
}

func (m *Memory) CountHeld(ctx context.Context, item engine.ItemID, role engine.RoleID, now time.Time, exclude engine.HoldID) (n int, err error) {
	err = m.view(func(tx *memTx) error { n, err = tx.CountHeld(ctx, item, role, now, exclude); return err })
	return n, err
}

func (m *Memory) LiveHoldsForCustomer(ctx context.Context, email string, item engine.ItemID, now time.Time, exclude engine.HoldID) (out []engine.Hold, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.LiveHoldsForCustomer(ctx, email, item, now, exclude); return err })
	return out, err
}

func (m *Memory) GetHold(ctx context.Context, id engine.HoldID) (out *engine.Hold, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.GetHold(ctx, id); return err })
	return out, err
}

func (m *Memory) LockHold(ctx context.Context, id engine.HoldID) (*engine.Hold, error) {
	return m.GetHold(ctx, id)
}

func (m *Memory) SaveHold(ctx context.Context, hold engine.Hold) error {
	return m.view(func(tx *memTx) error { return tx.SaveHold(ctx, hold) })
}

func (m *Memory) ExpiredHolds(ctx context.Context, now time.Time, limit int) (out []engine.HoldID, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.ExpiredHolds(ctx, now, limit); return err })
	return out, err
}

func (m *Memory) TransitionHold(ctx context.Context, id engine.HoldID, from, to engine.HoldStatus, notAfter time.Time) (ok bool, err error) {
	err = m.view(func(tx *memTx) error { ok, err = tx.TransitionHold(ctx, id, from, to, notAfter); return err })
	return ok, err
}

func (m *Memory) CreateRegistrations(ctx context.Context, regs []engine.Registration) error {
	return m.view(func(tx *memTx) error { return tx.CreateRegistrations(ctx, regs) })
}

func (m *Memory) RegistrationsForCustomer(ctx context.Context, email string, item engine.ItemID) (out []engine.Registration, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.RegistrationsForCustomer(ctx, email, item); return err })
	return out, err
}

func (m *Memory) CancelRegistration(ctx context.Context, id engine.RegistrationID, at time.Time) error {
	return m.view(func(tx *memTx) error { return tx.CancelRegistration(ctx, id, at) })
}

func (m *Memory) HasRegistrations(ctx context.Context, email string) (ok bool, err error) {
	err = m.view(func(tx *memTx) error { ok, err = tx.HasRegistrations(ctx, email); return err })
	return ok, err
}

func (m *Memory) SaveDiscount(ctx context.Context, d engine.DiscountDefinition) error {
	return m.view(func(tx *memTx) error { return tx.SaveDiscount(ctx, d) })
}

func (m *Memory) ListDiscounts(ctx context.Context) (out []engine.DiscountDefinition, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.ListDiscounts(ctx); return err })
	return out, err
}

func (m *Memory) SaveVoucher(ctx context.Context, v engine.Voucher) error {
	return m.view(func(tx *memTx) error { return tx.SaveVoucher(ctx, v) })
}

func (m *Memory) GetVoucher(ctx context.Context, id engine.VoucherID) (out *engine.Voucher, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.GetVoucher(ctx, id); return err })
	return out, err
}

func (m *Memory) GetVoucherByCode(ctx context.Context, code string) (out *engine.Voucher, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.GetVoucherByCode(ctx, code); return err })
	return out, err
}

func (m *Memory) LockVoucher(ctx context.Context, id engine.VoucherID) (*engine.Voucher, error) {
	return m.GetVoucher(ctx, id)
}

func (m *Memory) CreditsForCustomer(ctx context.Context, email string) (out []engine.Voucher, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.CreditsForCustomer(ctx, email); return err })
	return out, err
}

func (m *Memory) VoucherUses(ctx context.Context, id engine.VoucherID) (out []engine.VoucherUse, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.VoucherUses(ctx, id); return err })
	return out, err
}

func (m *Memory) CreateVoucherUses(ctx context.Context, uses []engine.VoucherUse) error {
	return m.view(func(tx *memTx) error { return tx.CreateVoucherUses(ctx, uses) })
}

func (m *Memory) CreateInvoice(ctx context.Context, inv engine.Invoice) error {
	return m.view(func(tx *memTx) error { return tx.CreateInvoice(ctx, inv) })
}

func (m *Memory) GetInvoice(ctx context.Context, id engine.InvoiceID) (out *engine.Invoice, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.GetInvoice(ctx, id); return err })
	return out, err
}

func (m *Memory) LockInvoice(ctx context.Context, id engine.InvoiceID) (*engine.Invoice, error) {
	return m.GetInvoice(ctx, id)
}

func (m *Memory) InvoiceForHold(ctx context.Context, hold engine.HoldID) (out *engine.Invoice, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.InvoiceForHold(ctx, hold); return err })
	return out, err
}

func (m *Memory) UpdateInvoice(ctx context.Context, inv engine.Invoice) error {
	return m.view(func(tx *memTx) error { return tx.UpdateInvoice(ctx, inv) })
}

func (m *Memory) SavePayment(ctx context.Context, p engine.PaymentRecord) error {
	return m.view(func(tx *memTx) error { return tx.SavePayment(ctx, p) })
}

func (m *Memory) ListPayments(ctx context.Context, invoice engine.InvoiceID) (out []engine.PaymentRecord, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.ListPayments(ctx, invoice); return err })
	return out, err
}

func (m *Memory) AppendAudit(ctx context.Context, entry engine.AuditEntry) error {
	return m.view(func(tx *memTx) error { return tx.AppendAudit(ctx, entry) })
}

func (m *Memory) ListAudit(ctx context.Context, referenceID string) (out []engine.AuditEntry, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.ListAudit(ctx, referenceID); return err })
	return out, err
}

// =============================================================================
// TRANSACTIONAL VIEW - called with the mutex held
// =============================================================================

type memTx struct {
	d *memData
}

func (tx *memTx) GetItem(_ context.Context, id engine.ItemID) (*engine.InventoryItem, error) {
	item, ok := tx.d.items[id]
	if !ok {
		return nil, engine.ErrItemNotFound
	}
	item = cloneItem(item)
	return &item, nil
}

func (tx *memTx) LockItem(ctx context.Context, id engine.ItemID) (*engine.InventoryItem, error) {
	return tx.GetItem(ctx, id)
}

func (tx *memTx) SaveItem(_ context.Context, item engine.InventoryItem) error {
	tx.d.items[item.ID] = cloneItem(item)
	return nil
}

func (tx *memTx) ListItems(_ context.Context) ([]engine.InventoryItem, error) {
	out := make([]engine.InventoryItem, 0, len(tx.d.items))
	for _, item := range tx.d.items {
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) CountCommitted(_ context.Context, item engine.ItemID, role engine.RoleID) (int, error) {
	n := 0
	for _, r := range tx.d.registrations {
		if r.ItemID != item || r.Cancelled() {
			continue
		}
		if role != "" && r.RoleID != role {
			continue
		}
		n += r.Quantity
	}
	return n, nil
}

func (tx *memTx) CountHeld(_ context.Context, item engine.ItemID, role engine.RoleID, now time.Time, exclude engine.HoldID) (int, error) {
	n := 0
	for _, h := range tx.d.holds {
		if h.ID == exclude || !h.Live(now) {
			continue
		}
		n += h.Units(item, role)
	}
	return n, nil
}

func (tx *memTx) LiveHoldsForCustomer(_ context.Context, email string, item engine.ItemID, now time.Time, exclude engine.HoldID) ([]engine.Hold, error) {
	email = engine.NormalizeEmail(email)
	var out []engine.Hold
	for _, h := range tx.d.holds {
		if h.ID == exclude || !h.Live(now) || h.Customer.Key() != email || h.Units(item, "") == 0 {
			continue
		}
		out = append(out, cloneHold(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) GetHold(_ context.Context, id engine.HoldID) (*engine.Hold, error) {
	h, ok := tx.d.holds[id]
	if !ok {
		return nil, engine.ErrHoldNotFound
	}
	h = cloneHold(h)
	return &h, nil
}

func (tx *memTx) LockHold(ctx context.Context, id engine.HoldID) (*engine.Hold, error) {
	return tx.GetHold(ctx, id)
}

func (tx *memTx) SaveHold(_ context.Context, hold engine.Hold) error {
	tx.d.holds[hold.ID] = cloneHold(hold)
	return nil
}

func (tx *memTx) ExpiredHolds(_ context.Context, now time.Time, limit int) ([]engine.HoldID, error) {
	var out []engine.HoldID
	for _, h := range tx.d.holds {
		if h.Status == engine.HoldActive && !now.Before(h.ExpiresAt) {
			out = append(out, h.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return tx.d.holds[out[i]].ExpiresAt.Before(tx.d.holds[out[j]].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *memTx) TransitionHold(_ context.Context, id engine.HoldID, from, to engine.HoldStatus, notAfter time.Time) (bool, error) {
	h, ok := tx.d.holds[id]
	if !ok {
		return false, engine.ErrHoldNotFound
	}
	if h.Status != from {
		return false, nil
	}
	if !notAfter.IsZero() && notAfter.Before(h.ExpiresAt) {
		return false, nil
	}
	h.Status = to
	tx.d.holds[id] = h
	return true, nil
}

func (tx *memTx) CreateRegistrations(_ context.Context, regs []engine.Registration) error {
	for _, r := range regs {
		if _, exists := tx.d.registrations[r.ID]; exists {
			return engine.ErrConflict
		}
	}
	for _, r := range regs {
		r.CustomerEmail = engine.NormalizeEmail(r.CustomerEmail)
		tx.d.registrations[r.ID] = r
	}
	return nil
}

func (tx *memTx) RegistrationsForCustomer(_ context.Context, email string, item engine.ItemID) ([]engine.Registration, error) {
	email = engine.NormalizeEmail(email)
	var out []engine.Registration
	for _, r := range tx.d.registrations {
		if r.CustomerEmail == email && r.ItemID == item && !r.Cancelled() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) CancelRegistration(_ context.Context, id engine.RegistrationID, at time.Time) error {
	r, ok := tx.d.registrations[id]
	if !ok {
		return engine.ErrRegistrationNotFound
	}
	if r.CancelledAt == nil {
		r.CancelledAt = &at
		tx.d.registrations[id] = r
	}
	return nil
}

func (tx *memTx) HasRegistrations(_ context.Context, email string) (bool, error) {
	email = engine.NormalizeEmail(email)
	for _, r := range tx.d.registrations {
		if r.CustomerEmail == email && !r.Cancelled() {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) SaveDiscount(_ context.Context, d engine.DiscountDefinition) error {
	tx.d.discounts[d.ID] = d
	return nil
}

func (tx *memTx) ListDiscounts(_ context.Context) ([]engine.DiscountDefinition, error) {
	out := make([]engine.DiscountDefinition, 0, len(tx.d.discounts))
	for _, d := range tx.d.discounts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) SaveVoucher(_ context.Context, v engine.Voucher) error {
	for id, existing := range tx.d.vouchers {
		if id != v.ID && v.Code != "" && existing.Code == v.Code {
			return engine.ErrConflict
		}
	}
	tx.d.vouchers[v.ID] = v
	return nil
}

func (tx *memTx) GetVoucher(_ context.Context, id engine.VoucherID) (*engine.Voucher, error) {
	v, ok := tx.d.vouchers[id]
	if !ok {
		return nil, engine.ErrVoucherNotFound
	}
	return &v, nil
}

func (tx *memTx) GetVoucherByCode(_ context.Context, code string) (*engine.Voucher, error) {
	for _, v := range tx.d.vouchers {
		if v.Code != "" && v.Code == code {
			return &v, nil
		}
	}
	return nil, engine.ErrVoucherNotFound
}

func (tx *memTx) LockVoucher(ctx context.Context, id engine.VoucherID) (*engine.Voucher, error) {
	return tx.GetVoucher(ctx, id)
}

func (tx *memTx) CreditsForCustomer(_ context.Context, email string) ([]engine.Voucher, error) {
	email = engine.NormalizeEmail(email)
	var out []engine.Voucher
	for _, v := range tx.d.vouchers {
		if v.AutoApplied() && engine.NormalizeEmail(v.OwnerEmail) == email {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) VoucherUses(_ context.Context, id engine.VoucherID) ([]engine.VoucherUse, error) {
	var out []engine.VoucherUse
	for _, u := range tx.d.uses {
		if u.VoucherID == id {
			out = append(out, u)
		}
	}
	return out, nil
}

func (tx *memTx) CreateVoucherUses(_ context.Context, uses []engine.VoucherUse) error {
	tx.d.uses = append(tx.d.uses, uses...)
	return nil
}

func (tx *memTx) CreateInvoice(_ context.Context, inv engine.Invoice) error {
	if _, exists := tx.d.invoices[inv.ID]; exists {
		return engine.ErrConflict
	}
	for _, existing := range tx.d.invoices {
		if existing.HoldID == inv.HoldID {
			return engine.ErrConflict
		}
	}
	tx.d.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

func (tx *memTx) GetInvoice(_ context.Context, id engine.InvoiceID) (*engine.Invoice, error) {
	inv, ok := tx.d.invoices[id]
	if !ok {
		return nil, engine.ErrInvoiceNotFound
	}
	inv = cloneInvoice(inv)
	return &inv, nil
}

func (tx *memTx) LockInvoice(ctx context.Context, id engine.InvoiceID) (*engine.Invoice, error) {
	return tx.GetInvoice(ctx, id)
}

func (tx *memTx) InvoiceForHold(_ context.Context, hold engine.HoldID) (*engine.Invoice, error) {
	for _, inv := range tx.d.invoices {
		if inv.HoldID == hold {
			inv = cloneInvoice(inv)
			return &inv, nil
		}
	}
	return nil, engine.ErrInvoiceNotFound
}

func (tx *memTx) UpdateInvoice(_ context.Context, inv engine.Invoice) error {
	if _, ok := tx.d.invoices[inv.ID]; !ok {
		return engine.ErrInvoiceNotFound
	}
	tx.d.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

func (tx *memTx) SavePayment(_ context.Context, p engine.PaymentRecord) error {
	tx.d.payments[p.ID] = p
	return nil
}

func (tx *memTx) ListPayments(_ context.Context, invoice engine.InvoiceID) ([]engine.PaymentRecord, error) {
	var out []engine.PaymentRecord
	for _, p := range tx.d.payments {
		if p.InvoiceID == invoice {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) AppendAudit(_ context.Context, entry engine.AuditEntry) error {
	tx.d.audit = append(tx.d.audit, entry)
	return nil
}

func (tx *memTx) ListAudit(_ context.Context, referenceID string) ([]engine.AuditEntry, error) {
	var out []engine.AuditEntry
	for _, e := range tx.d.audit {
		if referenceID == "" || e.ReferenceID == referenceID {
			out = append(out, e)
		}
	}
	return out, nil
}
