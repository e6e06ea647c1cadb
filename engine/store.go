/*
store.go - Persistence interface for the registration engine

PURPOSE:
  Defines the read/write contract between the engine and the durable
  store. Implementations: in-memory (engine/store), SQLite and PostgreSQL
  (store/sqlstore behind store/sqlite and store/postgres).

KEY INTERFACES:
  Tx:    Every read/write the engine performs, scoped to one transaction
  Store: Tx plus WithTx for atomic multi-step operations

ATOMIC RESERVATION:
  CapacityLedger.Reserve runs inside WithTx. LockItem must serialize all
  concurrent reservations against the same item until the transaction
  ends: a row lock (SELECT ... FOR UPDATE) on PostgreSQL, a writer lock
  on SQLite and the in-memory store. Counting and writing then happen
  under that lock, never as a separate read followed by a separate write.

APPEND-MOSTLY RECORDS:
  Invoices and invoice items are never deleted. After finalize only
  status, adjustments, fees and refund bookkeeping change (UpdateInvoice).
  VoucherUse, Registration and AuditEntry rows are append-only apart from
  the registration cancelled timestamp.

SEE ALSO:
  - engine/store/memory.go: In-memory implementation for tests
  - store/sqlstore/store.go: SQL implementation
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// TX - Every operation available inside a store transaction
// =============================================================================

type Tx interface {
	// Catalog
	GetItem(ctx context.Context, id ItemID) (*InventoryItem, error)
	LockItem(ctx context.Context, id ItemID) (*InventoryItem, error)
	SaveItem(ctx context.Context, item InventoryItem) error
	ListItems(ctx context.Context) ([]InventoryItem, error)

	// Occupancy. An empty role counts every role of the item.
	CountCommitted(ctx context.Context, item ItemID, role RoleID) (int, error)
	CountHeld(ctx context.Context, item ItemID, role RoleID, now time.Time, exclude HoldID) (int, error)

	// Holds
	GetHold(ctx context.Context, id HoldID) (*Hold, error)
	LockHold(ctx context.Context, id HoldID) (*Hold, error)
	SaveHold(ctx context.Context, hold Hold) error
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]HoldID, error)
	// LiveHoldsForCustomer returns the customer's live holds, other than
	// exclude, that have a line for item.
	LiveHoldsForCustomer(ctx context.Context, email string, item ItemID, now time.Time, exclude HoldID) ([]Hold, error)
	// TransitionHold moves a hold from one status to another. When
	// notAfter is non-zero the hold must also have expired by then.
	// Returns false when the hold was not in the expected state.
	TransitionHold(ctx context.Context, id HoldID, from, to HoldStatus, notAfter time.Time) (bool, error)

	// Registrations
	CreateRegistrations(ctx context.Context, regs []Registration) error
	RegistrationsForCustomer(ctx context.Context, email string, item ItemID) ([]Registration, error)
	CancelRegistration(ctx context.Context, id RegistrationID, at time.Time) error
	HasRegistrations(ctx context.Context, email string) (bool, error)

	// Discounts, ordered by Priority
	SaveDiscount(ctx context.Context, d DiscountDefinition) error
	ListDiscounts(ctx context.Context) ([]DiscountDefinition, error)

	// Vouchers
	SaveVoucher(ctx context.Context, v Voucher) error
	GetVoucher(ctx context.Context, id VoucherID) (*Voucher, error)
	GetVoucherByCode(ctx context.Context, code string) (*Voucher, error)
	LockVoucher(ctx context.Context, id VoucherID) (*Voucher, error)
	CreditsForCustomer(ctx context.Context, email string) ([]Voucher, error)
	VoucherUses(ctx context.Context, id VoucherID) ([]VoucherUse, error)
	CreateVoucherUses(ctx context.Context, uses []VoucherUse) error

	// Invoices
	CreateInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	LockInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	InvoiceForHold(ctx context.Context, hold HoldID) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error
	SavePayment(ctx context.Context, p PaymentRecord) error
	ListPayments(ctx context.Context, invoice InvoiceID) ([]PaymentRecord, error)

	// Audit
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, referenceID string) ([]AuditEntry, error)
}

// =============================================================================
// STORE - Transactional store
// =============================================================================

// Store wraps Tx with transaction support.
// Methods called directly on the Store run in their own implicit transaction.
type Store interface {
	Tx

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
