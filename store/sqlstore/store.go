/*
Package sqlstore provides the SQL implementation of engine.Store shared by
the SQLite and PostgreSQL backends.

PURPOSE:
  One set of queries written with '?' placeholders and rebound per driver
  by sqlx. A Dialect supplies the few things that differ: the row-lock
  suffix, how unique violations are reported and whether writers must be
  serialized in process.

LOCKING:
  PostgreSQL: LockItem/LockHold/LockVoucher/LockInvoice use SELECT ... FOR
  UPDATE, so concurrent reservations against one item queue on its row.
  SQLite: a single writer at a time. WithTx holds a process mutex for the
  whole transaction, which serializes every reservation.

STORAGE FORMAT:
  Timestamps: fixed-width UTC text, compared lexically in SQL
  Money: decimal text (shopspring/decimal Scanner/Valuer)
  Nested values (roles, pricing, customer, discount components): JSON text

USAGE:
  db, _ := sqlx.Open("sqlite3", "file:reg.db")
  st, err := sqlstore.Open(ctx, db, sqlite.Dialect())

SEE ALSO:
  - store/sqlite, store/postgres: Dialects and connection setup
  - engine/store.go: Interface definitions
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/registration-engine/engine"
)

// Dialect describes backend differences.
type Dialect struct {
	Name string
	// LockSuffix is appended to SELECTs that lock a row ("FOR UPDATE").
	LockSuffix string
	// SerializeWrites makes WithTx hold a process mutex.
	SerializeWrites bool
	// IsUniqueViolation reports whether err is a unique/primary key violation.
	IsUniqueViolation func(err error) bool
}

// Store implements engine.Store on a *sqlx.DB.
type Store struct {
	*queries

	db      *sqlx.DB
	dialect Dialect
	mu      sync.Mutex
}

var _ engine.Store = (*Store)(nil)

// Open wraps db and migrates the schema.
func Open(ctx context.Context, db *sqlx.DB, dialect Dialect) (*Store, error) {
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = func(error) bool { return false }
	}
	s := &Store{db: db, dialect: dialect}
	s.queries = &queries{ext: db, dialect: &s.dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle (health checks).
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Reset deletes every row. Used by the demo scenarios and tests.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx engine.Tx) error {
		q := tx.(*queries)
		for _, table := range []string{
			"audit_log", "payments", "invoice_items", "invoices", "voucher_uses", "vouchers",
			"discounts", "registrations", "hold_lines", "holds", "items",
		} {
			if _, err := q.ext.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	if s.dialect.SerializeWrites {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{ext: sqlTx, dialect: &s.dialect}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Multi-statement writes outside WithTx still need to be atomic.

func (s *Store) SaveHold(ctx context.Context, hold engine.Hold) error {
	return s.WithTx(ctx, func(tx engine.Tx) error { return tx.SaveHold(ctx, hold) })
}

func (s *Store) CreateRegistrations(ctx context.Context, regs []engine.Registration) error {
	return s.WithTx(ctx, func(tx engine.Tx) error { return tx.CreateRegistrations(ctx, regs) })
}

func (s *Store) CreateVoucherUses(ctx context.Context, uses []engine.VoucherUse) error {
	return s.WithTx(ctx, func(tx engine.Tx) error { return tx.CreateVoucherUses(ctx, uses) })
}

func (s *Store) CreateInvoice(ctx context.Context, inv engine.Invoice) error {
	return s.WithTx(ctx, func(tx engine.Tx) error { return tx.CreateInvoice(ctx, inv) })
}

func (s *Store) UpdateInvoice(ctx context.Context, inv engine.Invoice) error {
	return s.WithTx(ctx, func(tx engine.Tx) error { return tx.UpdateInvoice(ctx, inv) })
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func fmtOptTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseOptTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(b), nil
}

func fromJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// notFound maps sql.ErrNoRows to the engine's lookup error.
func notFound(err, target error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return target
	}
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "--") {
			return line
		}
	}
	return s
}
