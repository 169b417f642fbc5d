// Package store defines the driver-neutral storage contract the migration
// engine runs against: structural DDL operations, row movement, the
// append-only revision ledger, shadow-cleanup markers, the advisory migration
// lock, and live-schema introspection. Implementations exist for PostgreSQL,
// MySQL/MariaDB, SQLite, and an in-memory store used by tests.
package store

import (
	"context"
	"time"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
)

// Row is a single row keyed by column name. A nil value is SQL NULL.
type Row map[string]any

// CleanupMarker records that a shadow copy started for a table. Markers are
// written outside the atomic unit so they survive a crash mid-unit; a marker
// found at startup means the shadow table may be dangling.
type CleanupMarker struct {
	Table     string
	Shadow    string
	StartedAt time.Time
}

// Conn is a live connection to one database. Implementations must be safe
// for sequential use by a single migration run; cross-operator exclusion is
// provided by the advisory lock, not by Conn itself.
type Conn interface {
	// EnsureLedger creates the engine's bookkeeping tables (revision ledger,
	// cleanup markers, identity-map audit, schema catalog) if missing.
	EnsureLedger(ctx context.Context) error

	// AppliedRevisions returns the ledger content in application order.
	AppliedRevisions(ctx context.Context) ([]migrator.Revision, error)

	// Introspect returns the live schema snapshot.
	Introspect(ctx context.Context) (schema.Schema, error)

	// AcquireLock takes the advisory migration lock for this database.
	// Returns migrator.ErrMigrationLocked if the lock cannot be acquired
	// within the timeout. Never retries internally.
	AcquireLock(ctx context.Context, timeout time.Duration) error

	// ReleaseLock releases the advisory migration lock.
	ReleaseLock(ctx context.Context) error

	// AddCleanupMarker durably records that a shadow copy is starting.
	// Written outside any atomic unit so a crash cannot lose it.
	AddCleanupMarker(ctx context.Context, m CleanupMarker) error

	// RemoveCleanupMarker deletes the marker for a shadow table.
	RemoveCleanupMarker(ctx context.Context, shadow string) error

	// CleanupMarkers returns all surviving markers.
	CleanupMarkers(ctx context.Context) ([]CleanupMarker, error)

	// DropTableIfExists removes a possibly-dangling table. Used only by
	// partial-apply cleanup.
	DropTableIfExists(ctx context.Context, name string) error

	// AuditEntries returns the persisted identity mappings for a table,
	// oldest first. A non-empty revisionID restricts the result to the
	// entries written by that revision.
	AuditEntries(ctx context.Context, entityTable, revisionID string) ([]migrator.IdentityMapping, error)

	// DropAudit drops the identity-map audit table. Operator-initiated only.
	DropAudit(ctx context.Context) error

	// Tx runs fn inside one atomic unit. If fn returns an error the unit is
	// rolled back in full and the error is returned.
	Tx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the connection.
	Close() error
}

// Tx is the set of operations available inside one atomic unit.
type Tx interface {
	// CreateTable creates a table with the given shape.
	CreateTable(ctx context.Context, desc schema.TableDescriptor) error

	// DropTable removes a table.
	DropTable(ctx context.Context, name string) error

	// RenameTable renames a table. This is the engine's single atomic
	// visibility point during a shadow swap.
	RenameTable(ctx context.Context, oldName, newName string) error

	// AddColumn adds a column to an existing table.
	AddColumn(ctx context.Context, table string, col schema.ColumnDescriptor) error

	// DropColumn removes a column.
	DropColumn(ctx context.Context, table, column string) error

	// RenameColumn renames a column.
	RenameColumn(ctx context.Context, table, oldName, newName string) error

	// AlterColumnType changes a column's type in place. Returns
	// ErrInPlaceUnsupported when the engine must fall back to the
	// shadow-table protocol instead.
	AlterColumnType(ctx context.Context, table, column string, to schema.ColumnType) error

	// ReadRows returns the named columns of every row. A nil columns slice
	// reads all columns.
	ReadRows(ctx context.Context, table string, columns []string) ([]Row, error)

	// InsertRows inserts the given rows.
	InsertRows(ctx context.Context, table string, rows []Row) error

	// UpdateRows updates one row per entry, matched by keyColumn; every other
	// key in the row is written as a column value.
	UpdateRows(ctx context.Context, table, keyColumn string, rows []Row) error

	// CountRows returns the table's row count.
	CountRows(ctx context.Context, table string) (int64, error)

	// HeadRevision returns the latest ledger revision token, or empty for a
	// fresh database. Read inside the unit for the optimistic head check.
	HeadRevision(ctx context.Context) (string, error)

	// AppendRevision records a newly applied revision. Ledger rows are
	// written once and never mutated.
	AppendRevision(ctx context.Context, rev migrator.Revision) error

	// DeleteRevision removes a reverted revision's ledger row.
	DeleteRevision(ctx context.Context, id string) error

	// SaveCatalog replaces the stored schema snapshot that Introspect serves.
	SaveCatalog(ctx context.Context, s schema.Schema) error

	// InsertAudit persists identity mappings for traceability, tagged with
	// the applying revision.
	InsertAudit(ctx context.Context, revisionID string, entries []migrator.IdentityMapping) error
}
