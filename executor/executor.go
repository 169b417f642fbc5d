// Package executor applies and reverts planned revision sequences against a
// live store. Every revision executes inside a single atomic unit guarded by
// an advisory lock and an optimistic head check; structural changes the
// engine cannot perform in place go through the shadow-table protocol with
// verification before the final atomic rename.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/metrics"
	"github.com/gymflow/migrator/plan"
	"github.com/gymflow/migrator/remap"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store"
)

// Config configures the Executor.
type Config struct {
	// Store is the live database connection (required).
	Store store.Conn

	// OrphanPolicy decides how orphaned foreign keys are handled during
	// identity remaps (required; there is no implicit default).
	OrphanPolicy migrator.OrphanPolicy

	// LockTimeout bounds advisory lock acquisition (default: 10s).
	LockTimeout time.Duration

	// DisableAudit skips persisting identity mappings. Reverting an
	// identity-type change requires the audit, so this is off by default.
	DisableAudit bool

	// Logger is for observability (optional).
	Logger *slog.Logger
}

// Report describes the outcome of one revision run.
type Report struct {
	// Revision is the revision token the run targeted.
	Revision string

	// State is the terminal run state.
	State migrator.RunState

	// FailedOperation is the index of the operation that failed, or -1.
	FailedOperation int

	// RowsRemapped counts dependent rows rewritten through identity mappings.
	RowsRemapped int

	// Warnings holds the data-integrity warnings raised under OrphanNullify.
	Warnings []*migrator.DataIntegrityWarning
}

// Executor applies and reverts revisions.
type Executor struct {
	config   Config
	remapper *remap.Remapper
}

// New creates an Executor with the given configuration.
// It applies the default lock timeout and validates the orphan policy.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	remapper, err := remap.New(cfg.OrphanPolicy, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Executor{config: cfg, remapper: remapper}, nil
}

// Startup prepares the database for migrations: it creates the bookkeeping
// tables and cleans up any shadow table a crashed prior run left behind. A
// surviving cleanup marker is reported as partial-apply detection and handled
// automatically; the database stays at its last fully committed unit.
func (e *Executor) Startup(ctx context.Context) error {
	if err := e.config.Store.EnsureLedger(ctx); err != nil {
		return fmt.Errorf("ensure ledger: %w", err)
	}
	return e.cleanupPartial(ctx)
}

func (e *Executor) cleanupPartial(ctx context.Context) error {
	markers, err := e.config.Store.CleanupMarkers(ctx)
	if err != nil {
		return fmt.Errorf("read cleanup markers: %w", err)
	}
	for _, m := range markers {
		e.config.Logger.Warn("partial apply detected, discarding shadow table",
			"table", m.Table, "shadow", m.Shadow, "started_at", m.StartedAt)
		if err := e.config.Store.DropTableIfExists(ctx, m.Shadow); err != nil {
			return fmt.Errorf("%w: drop shadow %s: %v", migrator.ErrPartialApply, m.Shadow, err)
		}
		if err := e.config.Store.RemoveCleanupMarker(ctx, m.Shadow); err != nil {
			return fmt.Errorf("%w: remove marker %s: %v", migrator.ErrPartialApply, m.Shadow, err)
		}
		metrics.PartialApplyCleanupsTotal.Inc()
	}
	return nil
}

// Apply runs the given revision files in order and returns the new head
// revision token with per-revision reports. An empty file list is a no-op
// that returns the current head. On failure the database stays at the last
// fully committed revision and the report carries the failing operation
// index.
func (e *Executor) Apply(ctx context.Context, files []plan.File) (string, []Report, error) {
	return e.run(ctx, files, false)
}

// Revert undoes the given revision files, which must be ordered newest
// first. Each file's inverse operation sequence runs in one atomic unit and
// the ledger row is removed on success. Identity-type changes are inverted
// through the persisted audit mapping.
func (e *Executor) Revert(ctx context.Context, files []plan.File) (string, []Report, error) {
	return e.run(ctx, files, true)
}

func (e *Executor) run(ctx context.Context, files []plan.File, invert bool) (string, []Report, error) {
	direction := "upgrade"
	if invert {
		direction = "downgrade"
	}

	if err := e.config.Store.EnsureLedger(ctx); err != nil {
		return "", nil, fmt.Errorf("ensure ledger: %w", err)
	}

	lockStart := time.Now()
	if err := e.config.Store.AcquireLock(ctx, e.config.LockTimeout); err != nil {
		return "", nil, err
	}
	metrics.LockWaitSeconds.Observe(time.Since(lockStart).Seconds())
	defer func() {
		if err := e.config.Store.ReleaseLock(context.WithoutCancel(ctx)); err != nil {
			e.config.Logger.Error("failed to release migration lock", "error", err)
		}
	}()

	if err := e.cleanupPartial(ctx); err != nil {
		return "", nil, err
	}

	live, err := e.config.Store.Introspect(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("introspect live schema: %w", err)
	}

	applied, err := e.config.Store.AppliedRevisions(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("read applied revisions: %w", err)
	}
	var reports []Report
	head := ""
	if len(applied) > 0 {
		head = applied[len(applied)-1].ID
	}

	for _, file := range files {
		start := time.Now()
		report, err := e.runRevision(ctx, file, live, invert)
		reports = append(reports, report)
		if err != nil {
			return head, reports, fmt.Errorf("revision %s: %w", file.Revision, err)
		}
		metrics.RevisionsTotal.WithLabelValues(direction).Inc()
		metrics.RevisionDurationSeconds.WithLabelValues(direction).Observe(time.Since(start).Seconds())
		if invert {
			head = file.Parent
		} else {
			head = file.Revision
		}
		e.config.Logger.Info("revision committed",
			"revision", file.Revision, "direction", direction, "description", file.Description)
	}

	return head, reports, nil
}

// runRevision executes one revision inside one atomic unit. The live schema
// map is mutated to reflect the committed result; on failure it is restored.
func (e *Executor) runRevision(ctx context.Context, file plan.File, live schema.Schema, invert bool) (Report, error) {
	report := Report{Revision: file.Revision, State: migrator.RunStatePlanned, FailedOperation: -1}

	ops := file.Operations
	expectedHead := file.Parent
	if invert {
		ops = plan.Inverse(file.Operations)
		expectedHead = file.Revision
	}

	// Identity changes consult audit entries, which live outside the unit.
	prior, err := e.collectAudit(ctx, ops, file, live, invert)
	if err != nil {
		return report, err
	}

	r := &runState{
		executor: e,
		file:     file,
		schema:   live.Clone(),
		invert:   invert,
		report:   &report,
		prior:    prior,
	}

	// Markers are durable outside the unit; backends whose unit transaction
	// holds an exclusive write lock could not commit them later.
	err = r.recordMarkers(ctx, ops)
	if err == nil {
		err = e.config.Store.Tx(ctx, func(tx store.Tx) error {
			head, err := tx.HeadRevision(ctx)
			if err != nil {
				return fmt.Errorf("read ledger head: %w", err)
			}
			if head != expectedHead {
				return fmt.Errorf("%w: have %q, want %q", migrator.ErrHeadMismatch, head, expectedHead)
			}

			report.State = migrator.RunStateApplying
			for i, op := range ops {
				if err := r.applyOp(ctx, tx, op); err != nil {
					report.FailedOperation = i
					return fmt.Errorf("operation %d (%s): %w", i, op, err)
				}
				metrics.OperationsTotal.WithLabelValues(string(op.Kind)).Inc()
			}

			if err := tx.SaveCatalog(ctx, r.schema); err != nil {
				return fmt.Errorf("save schema catalog: %w", err)
			}

			if invert {
				if err := tx.DeleteRevision(ctx, file.Revision); err != nil {
					return err
				}
			} else {
				rev := migrator.Revision{
					ID:          file.Revision,
					ParentID:    file.Parent,
					Description: file.Description,
					AppliedAt:   time.Now().UTC(),
				}
				if err := tx.AppendRevision(ctx, rev); err != nil {
					return err
				}
				if len(r.pendingAudit) > 0 && !e.config.DisableAudit {
					if err := tx.InsertAudit(ctx, file.Revision, r.pendingAudit); err != nil {
						return fmt.Errorf("persist identity mapping audit: %w", err)
					}
				}
			}
			return nil
		})
	}

	// Markers are autonomous; clear them whether the unit committed or was
	// rolled back. A crash before this point is what the startup cleanup
	// handles.
	for _, shadow := range r.markers {
		if rmErr := e.config.Store.RemoveCleanupMarker(context.WithoutCancel(ctx), shadow); rmErr != nil {
			e.config.Logger.Error("failed to remove cleanup marker", "shadow", shadow, "error", rmErr)
		}
	}

	if err != nil {
		var iv *migrator.IntegrityViolationError
		if errors.As(err, &iv) {
			report.State = migrator.RunStateRolledBack
		} else {
			report.State = migrator.RunStateFailed
		}
		return report, err
	}

	// Commit the schema effects to the caller's view.
	for name := range live {
		delete(live, name)
	}
	for name, t := range r.schema {
		live[name] = t
	}

	report.State = migrator.RunStateCommitted
	return report, nil
}

// collectAudit prefetches audit entries for every identity change in the
// sequence: the full per-table history for uniqueness assertions on upgrade,
// or the reverted revision's own entries for downgrade inversion.
func (e *Executor) collectAudit(ctx context.Context, ops []plan.Operation, file plan.File, live schema.Schema, invert bool) (map[string][]migrator.IdentityMapping, error) {
	prior := make(map[string][]migrator.IdentityMapping)
	for _, op := range ops {
		if op.Kind != plan.OpAlterColumnType {
			continue
		}
		if desc, ok := live[op.Table]; !ok || !desc.IsPrimaryKey(op.ColumnName) {
			continue
		}
		revisionID := ""
		if invert {
			revisionID = file.Revision
		}
		entries, err := e.config.Store.AuditEntries(ctx, op.Table, revisionID)
		if err != nil {
			return nil, fmt.Errorf("read audit entries for %s: %w", op.Table, err)
		}
		if invert && len(entries) == 0 {
			return nil, fmt.Errorf("cannot revert identity change on %s: no audit entries for revision %s", op.Table, file.Revision)
		}
		prior[op.Table] = entries
	}
	return prior, nil
}
