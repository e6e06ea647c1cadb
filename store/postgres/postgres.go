/*
Package postgres provides the PostgreSQL-backed engine.Store.

PURPOSE:
  Opens PostgreSQL through the pgx database/sql driver and hands it to
  sqlstore with the PostgreSQL dialect. Row locks (SELECT ... FOR UPDATE)
  replace the process mutex used for SQLite, so several server instances
  can share one database.

SEE ALSO:
  - store/sqlstore: Shared queries and schema
  - store/sqlite: Default single-node store
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/warp/registration-engine/store/sqlstore"
)

const uniqueViolation = "23505"

// Dialect returns the PostgreSQL dialect for sqlstore.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "postgres",
		LockSuffix:        "FOR UPDATE",
		IsUniqueViolation: isUniqueViolation,
	}
}

// Open connects to url (postgres://...) and migrates the schema.
func Open(ctx context.Context, url string) (*sqlstore.Store, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	st, err := sqlstore.Open(ctx, db, Dialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
