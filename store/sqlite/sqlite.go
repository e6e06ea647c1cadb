/*
Package sqlite provides the SQLite-backed engine.Store.

PURPOSE:
  Opens a go-sqlite3 database and hands it to sqlstore with the SQLite
  dialect. This is the default durable store of the server.

CONCURRENCY:
  SQLite allows one writer at a time. The dialect asks sqlstore to hold a
  process mutex for every WithTx, so reservations never interleave and
  never hit SQLITE_BUSY inside a transaction.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  st, err := sqlite.New("./data/registration.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

SEE ALSO:
  - store/sqlstore: Shared queries and schema
  - store/postgres: PostgreSQL dialect
*/
package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/registration-engine/store/sqlstore"
)

// Dialect returns the SQLite dialect for sqlstore.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "sqlite",
		SerializeWrites:   true,
		IsUniqueViolation: isUniqueConstraintError,
	}
}

// New creates a SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a different database.
		db.SetMaxOpenConns(1)
	}

	st, err := sqlstore.Open(context.Background(), db, Dialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
