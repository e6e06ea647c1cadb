package sqlstore

// schema is shared by SQLite and PostgreSQL. Timestamps are fixed-width UTC
// text (see timeLayout) so lexical order is chronological on both engines.
// Money is decimal text. Booleans are INTEGER 0/1.
const schema = `
-- Catalog
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	body TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Holds (temporary registrations)
CREATE TABLE IF NOT EXISTS holds (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	customer_email TEXT NOT NULL,
	customer TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	voucher_codes TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	quoted_total TEXT NOT NULL DEFAULT '0',
	discount_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

-- Hot path for the expiry sweep and the held-units count
CREATE INDEX IF NOT EXISTS idx_holds_status_expires
	ON holds(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_holds_customer
	ON holds(customer_email, status);

CREATE TABLE IF NOT EXISTS hold_lines (
	id TEXT PRIMARY KEY,
	hold_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	item_id TEXT NOT NULL,
	role_id TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL,
	unit_price TEXT NOT NULL,
	is_drop_in INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_hold_lines_item
	ON hold_lines(item_id, role_id);
CREATE INDEX IF NOT EXISTS idx_hold_lines_hold
	ON hold_lines(hold_id);

-- Registrations (committed capacity)
CREATE TABLE IF NOT EXISTS registrations (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	role_id TEXT NOT NULL DEFAULT '',
	is_drop_in INTEGER NOT NULL DEFAULT 0,
	at_door INTEGER NOT NULL DEFAULT 0,
	quantity INTEGER NOT NULL,
	customer_email TEXT NOT NULL,
	invoice_id TEXT NOT NULL,
	invoice_item_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	cancelled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_registrations_item
	ON registrations(item_id, role_id) WHERE cancelled_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_registrations_customer
	ON registrations(customer_email, item_id);

-- Pricing inputs
CREATE TABLE IF NOT EXISTS discounts (
	id TEXT PRIMARY KEY,
	priority INTEGER NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vouchers (
	id TEXT PRIMARY KEY,
	code TEXT,
	kind TEXT NOT NULL,
	owner_email TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_vouchers_code
	ON vouchers(code) WHERE code IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_vouchers_owner
	ON vouchers(owner_email, kind);

CREATE TABLE IF NOT EXISTS voucher_uses (
	id TEXT PRIMARY KEY,
	voucher_id TEXT NOT NULL,
	invoice_id TEXT NOT NULL,
	email TEXT NOT NULL,
	amount TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_voucher_uses_voucher
	ON voucher_uses(voucher_id);

-- Invoices (append-mostly)
CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	number TEXT NOT NULL UNIQUE,
	hold_id TEXT NOT NULL UNIQUE,
	customer_email TEXT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	discount_id TEXT NOT NULL DEFAULT '',
	discount_name TEXT NOT NULL DEFAULT '',
	discount_amount TEXT NOT NULL,
	vouchers TEXT NOT NULL DEFAULT '[]',
	gross_total TEXT NOT NULL,
	total TEXT NOT NULL,
	refund_requested TEXT NOT NULL DEFAULT '0',
	refund_errors TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_items (
	id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	line_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	role_id TEXT NOT NULL DEFAULT '',
	is_drop_in INTEGER NOT NULL DEFAULT 0,
	quantity INTEGER NOT NULL,
	gross_total TEXT NOT NULL,
	discount_amount TEXT NOT NULL,
	voucher_amount TEXT NOT NULL,
	total TEXT NOT NULL,
	adjustments TEXT NOT NULL DEFAULT '0',
	taxes TEXT NOT NULL DEFAULT '0',
	fees TEXT NOT NULL DEFAULT '0',
	registration_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice
	ON invoice_items(invoice_id, position);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	external_ref TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL,
	refunded TEXT NOT NULL DEFAULT '0',
	fees_withheld TEXT NOT NULL DEFAULT '0',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_invoice
	ON payments(invoice_id, created_at);

-- Audit log (append-only)
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	at TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_reference
	ON audit_log(reference_id, at)
`
