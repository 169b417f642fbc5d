// Package sqldriver implements the store contract on top of database/sql.
// The dialect-specific pieces (identifier quoting, placeholders, type
// mapping, locking, in-place type changes) are supplied by the postgres,
// mysql and sqlite packages; everything else is shared here.
package sqldriver

import (
	"context"
	"database/sql"
	"time"

	"github.com/gymflow/migrator/schema"
)

// Dialect supplies the SQL fragments that differ between engines.
type Dialect interface {
	// Name returns the dialect's driver name.
	Name() string

	// Quote quotes an identifier. Identifiers are validated upstream, so
	// quoting exists for reserved words, not for escaping.
	Quote(ident string) string

	// Placeholder returns the 1-based bind placeholder for position n.
	Placeholder(n int) string

	// TypeSQL maps a neutral column type to the dialect's type name. key is
	// set for primary key and bookkeeping key columns, which some engines
	// cannot index at unbounded width.
	TypeSQL(t schema.ColumnType, key bool) (string, error)

	// RenameTableSQL returns the table rename statement.
	RenameTableSQL(oldName, newName string) string

	// RenameColumnSQL returns the column rename statement.
	RenameColumnSQL(table, oldName, newName string) string

	// AlterColumnTypeSQL returns the in-place type change statement, or
	// store.ErrInPlaceUnsupported when the engine must rebuild the table
	// through a shadow copy instead.
	AlterColumnTypeSQL(table, column string, to schema.ColumnType) (string, error)

	// AcquireLock takes the database-wide migration lock within the timeout,
	// returning a release function, or migrator.ErrMigrationLocked.
	AcquireLock(ctx context.Context, db *sql.DB, timeout time.Duration) (func(context.Context) error, error)
}
