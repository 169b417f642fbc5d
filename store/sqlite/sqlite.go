// Package sqlite implements the store contract for SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store"
	"github.com/gymflow/migrator/store/sqldriver"
)

const lockTable = "gymflow_migration_lock"

// lockPollInterval is how often a waiting process re-attempts the lock row.
const lockPollInterval = 50 * time.Millisecond

// Open opens a SQLite database file.
func Open(dsn string) (*sqldriver.Store, error) {
	return sqldriver.Open("sqlite3", dsn, dialect{})
}

type dialect struct{}

func (dialect) Name() string { return "sqlite" }

func (dialect) Quote(ident string) string { return `"` + ident + `"` }

func (dialect) Placeholder(int) string { return "?" }

func (dialect) TypeSQL(t schema.ColumnType, _ bool) (string, error) {
	switch t {
	case schema.TypeInteger, schema.TypeBigInt:
		return "INTEGER", nil
	case schema.TypeUUID, schema.TypeText:
		return "TEXT", nil
	case schema.TypeBoolean:
		return "BOOLEAN", nil
	case schema.TypeFloat:
		return "REAL", nil
	case schema.TypeDate:
		return "DATE", nil
	case schema.TypeTimestamp:
		return "DATETIME", nil
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

// AlterColumnTypeSQL always reports ErrInPlaceUnsupported: SQLite has no
// ALTER COLUMN, so every type change goes through the shadow rebuild.
func (dialect) AlterColumnTypeSQL(string, string, schema.ColumnType) (string, error) {
	return "", store.ErrInPlaceUnsupported
}

// AcquireLock claims a single-row lock table, polling until the timeout.
// SQLite has no advisory lock primitive, so a dedicated row stands in for
// one; it stays claimed across the several transactions a run performs.
func (d dialect) AcquireLock(ctx context.Context, db *sql.DB, timeout time.Duration) (func(context.Context) error, error) {
	q := d.Quote
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s INTEGER NOT NULL, PRIMARY KEY (%s))",
		q(lockTable), q("id"), q("id"))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create lock table: %w", err)
	}

	claim := fmt.Sprintf("INSERT INTO %s (%s) VALUES (1)", q(lockTable), q("id"))
	deadline := time.Now().Add(timeout)
	for {
		if _, err := db.ExecContext(ctx, claim); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: lock row held by another process", migrator.ErrMigrationLocked)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	release := func(ctx context.Context) error {
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = 1", q(lockTable), q("id"))
		if _, err := db.ExecContext(ctx, del); err != nil {
			return fmt.Errorf("release lock row: %w", err)
		}
		return nil
	}
	return release, nil
}
