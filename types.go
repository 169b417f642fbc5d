// Package migrator provides the core types shared by the schema-migration
// and identity-remapping engine: revision history records, the per-run state
// machine, identity mappings, and the orphaned-reference policy.
package migrator

import "time"

// Revision is one point in the schema history. Revisions form a linear chain
// rooted at the empty schema: ParentID is empty only for the root revision.
// Ledger rows are written once per successfully applied revision and never
// mutated afterward.
type Revision struct {
	// ID is the opaque revision token.
	ID string

	// ParentID is the token of the preceding revision, or empty at the root.
	ParentID string

	// Description is the operator-supplied summary of the revision.
	Description string

	// AppliedAt is when this revision was recorded in the ledger.
	AppliedAt time.Time
}

// RunState represents the lifecycle state of a single migration run.
type RunState string

const (
	// RunStatePlanned indicates the operation sequence has been computed but
	// nothing has been executed yet.
	RunStatePlanned RunState = "planned"

	// RunStateApplying indicates operations are executing inside the current
	// atomic unit.
	RunStateApplying RunState = "applying"

	// RunStateVerifying indicates a shadow swap is being checked for row-count
	// parity and foreign-key integrity before the final rename.
	RunStateVerifying RunState = "verifying"

	// RunStateCommitted indicates the run completed and the ledger records the
	// new head revision. Terminal.
	RunStateCommitted RunState = "committed"

	// RunStateFailed indicates the run aborted and the atomic unit was rolled
	// back in full. Terminal.
	RunStateFailed RunState = "failed"

	// RunStateRolledBack indicates verification rejected a shadow swap; the
	// shadow table was discarded and the original left untouched. Terminal.
	RunStateRolledBack RunState = "rolled_back"
)

// IdentityMapping records the replacement of one legacy identifier with a
// newly generated surrogate identifier in a specific table. Entries are
// immutable once written and are never reused across two migration runs.
type IdentityMapping struct {
	// EntityTable is the table whose primary key was retyped.
	EntityTable string

	// OldKey is the legacy identifier rendered as text.
	OldKey string

	// NewKey is the generated surrogate identifier.
	NewKey string
}

// OrphanPolicy decides what happens when a foreign key value has no
// corresponding mapping entry during an identity remap. The policy is an
// explicit configuration choice; there is no implicit default at call sites.
type OrphanPolicy string

const (
	// OrphanAbort aborts the migration when an orphaned reference is found.
	OrphanAbort OrphanPolicy = "abort"

	// OrphanNullify replaces the orphaned reference with NULL and records a
	// warning with the offending row identifiers.
	OrphanNullify OrphanPolicy = "nullify"
)

// ParseOrphanPolicy parses a policy name as accepted by configuration and the
// command line. Returns false for unknown names.
func ParseOrphanPolicy(s string) (OrphanPolicy, bool) {
	switch OrphanPolicy(s) {
	case OrphanAbort, OrphanNullify:
		return OrphanPolicy(s), true
	}
	return "", false
}
