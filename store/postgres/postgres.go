// Package postgres implements the store contract for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store"
	"github.com/gymflow/migrator/store/sqldriver"
)

// advisoryLockKey is the pg_advisory_lock key shared by every migrator
// process targeting the same database.
const advisoryLockKey int64 = 7246163416

// Open connects to a PostgreSQL database.
func Open(dsn string) (*sqldriver.Store, error) {
	return sqldriver.Open("postgres", dsn, dialect{})
}

type dialect struct{}

func (dialect) Name() string { return "postgres" }

func (dialect) Quote(ident string) string { return `"` + ident + `"` }

func (dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (dialect) TypeSQL(t schema.ColumnType, _ bool) (string, error) {
	switch t {
	case schema.TypeInteger:
		return "INTEGER", nil
	case schema.TypeBigInt:
		return "BIGINT", nil
	case schema.TypeUUID:
		return "UUID", nil
	case schema.TypeText:
		return "TEXT", nil
	case schema.TypeBoolean:
		return "BOOLEAN", nil
	case schema.TypeFloat:
		return "DOUBLE PRECISION", nil
	case schema.TypeDate:
		return "DATE", nil
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ", nil
	}
	return "", fmt.Errorf("unknown column type %q", t)
}

func (d dialect) RenameTableSQL(oldName, newName string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.Quote(oldName), d.Quote(newName))
}

func (d dialect) RenameColumnSQL(table, oldName, newName string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		d.Quote(table), d.Quote(oldName), d.Quote(newName))
}

// AlterColumnTypeSQL changes a column type in place with a USING cast.
// Conversions to uuid have no cast from the numeric types this engine
// migrates away from, so they go through the shadow rebuild instead.
func (d dialect) AlterColumnTypeSQL(table, column string, to schema.ColumnType) (string, error) {
	if to == schema.TypeUUID {
		return "", store.ErrInPlaceUnsupported
	}
	typeSQL, err := d.TypeSQL(to, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		d.Quote(table), d.Quote(column), typeSQL, d.Quote(column), typeSQL), nil
}

// AcquireLock takes a session-scoped advisory lock on a dedicated connection.
// The lock_timeout setting bounds the wait; code 55P03 (lock_not_available)
// maps to migrator.ErrMigrationLocked.
func (dialect) AcquireLock(ctx context.Context, db *sql.DB, timeout time.Duration) (func(context.Context) error, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open lock connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET lock_timeout = %d", timeout.Milliseconds())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		conn.Close()
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
			return nil, fmt.Errorf("%w: advisory lock held by another process", migrator.ErrMigrationLocked)
		}
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	release := func(ctx context.Context) error {
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}
	return release, nil
}
