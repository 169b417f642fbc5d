package migrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMigrationLocked indicates another operator holds the migration lock
	// and it could not be acquired within the configured timeout.
	ErrMigrationLocked = errors.New("migration lock held by another operator")

	// ErrPartialApply indicates a prior run died mid-unit and left a shadow
	// table behind. Cleanup must run before new migrations are allowed.
	ErrPartialApply = errors.New("partial apply detected")

	// ErrRevisionNotFound indicates the requested revision token does not
	// exist in the revision directory.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrHeadMismatch indicates the ledger head changed between planning and
	// applying, typically because a concurrent operator applied a revision.
	ErrHeadMismatch = errors.New("ledger head does not match planned parent")
)

// DependencyCycleError indicates the declared schema contains a foreign-key
// cycle, so no valid operation ordering exists.
type DependencyCycleError struct {
	// Tables lists the tables participating in the cycle.
	Tables []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("foreign key dependency cycle between tables: %s", strings.Join(e.Tables, ", "))
}

// OrderingViolationError indicates a produced operation sequence references a
// table before it exists or after it was dropped.
type OrderingViolationError struct {
	// Operation describes the offending operation.
	Operation string

	// Table is the table the operation targets.
	Table string

	// Missing is the table the operation depends on that is not available at
	// that point in the sequence.
	Missing string
}

func (e *OrderingViolationError) Error() string {
	return fmt.Sprintf("operation %s on %s references unavailable table %s", e.Operation, e.Table, e.Missing)
}

// AmbiguousDiffError indicates autogeneration cannot infer a safe operation,
// such as a rename indistinguishable from a drop plus add. The diff is
// surfaced to the operator for manual resolution rather than guessed.
type AmbiguousDiffError struct {
	// Table is the table whose column diff is ambiguous. It is empty for a
	// table-level ambiguity, where Dropped and Added name whole tables.
	Table string

	// Dropped and Added are the names that could be a rename pair.
	Dropped string
	Added   string
}

func (e *AmbiguousDiffError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("ambiguous diff: drop of table %s and add of table %s could be a rename; resolve manually", e.Dropped, e.Added)
	}
	return fmt.Sprintf("ambiguous diff on table %s: drop of column %s and add of column %s could be a rename; resolve manually", e.Table, e.Dropped, e.Added)
}

// IntegrityViolationError indicates a post-copy verification check failed, so
// the shadow swap was not finalized and the original table is intact.
type IntegrityViolationError struct {
	// Table is the table under verification.
	Table string

	// Check names the failed check, such as "row count parity" or
	// "foreign key resolution".
	Check string

	// Detail carries the measured values for the operator.
	Detail string
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("integrity violation on table %s: %s check failed: %s", e.Table, e.Check, e.Detail)
}

// DataIntegrityWarning reports foreign key values that had no mapping entry
// during an identity remap (orphaned before migration). Under OrphanAbort it
// is returned as the run error; under OrphanNullify it is logged and attached
// to the run report.
type DataIntegrityWarning struct {
	// Table is the dependent table holding the orphaned references.
	Table string

	// Column is the foreign key column.
	Column string

	// RowKeys identifies the offending rows by their primary key, rendered as
	// text.
	RowKeys []string
}

func (e *DataIntegrityWarning) Error() string {
	return fmt.Sprintf("orphaned foreign key values in %s.%s for rows: %s", e.Table, e.Column, strings.Join(e.RowKeys, ", "))
}
