package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/metrics"
	"github.com/gymflow/migrator/plan"
	"github.com/gymflow/migrator/remap"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store"
)

const (
	shadowSuffix   = "__shadow"
	archivedSuffix = "__archived"
	remapSuffix    = "__remap"
)

// runState tracks the in-flight state of one revision's atomic unit: the
// evolving schema view, generated identity mappings awaiting audit, and the
// cleanup markers recorded for its shadow-bound operations.
type runState struct {
	executor *Executor
	file     plan.File
	schema   schema.Schema
	invert   bool
	report   *Report
	prior    map[string][]migrator.IdentityMapping

	pendingAudit []migrator.IdentityMapping
	markers      []string
}

// applyOp executes one operation and mirrors its effect onto the tracked
// schema so later operations and the saved catalog see the updated shape.
func (r *runState) applyOp(ctx context.Context, tx store.Tx, op plan.Operation) error {
	switch op.Kind {
	case plan.OpCreateTable:
		if err := tx.CreateTable(ctx, *op.Descriptor); err != nil {
			return err
		}
		r.schema[op.Table] = op.Descriptor.Clone()
		return nil

	case plan.OpDropTable:
		if err := tx.DropTable(ctx, op.Table); err != nil {
			return err
		}
		delete(r.schema, op.Table)
		return nil

	case plan.OpAddColumn:
		if err := tx.AddColumn(ctx, op.Table, *op.Column); err != nil {
			return err
		}
		desc := r.schema[op.Table]
		desc.Columns = append(desc.Columns, *op.Column)
		r.schema[op.Table] = desc
		return nil

	case plan.OpDropColumn:
		if err := tx.DropColumn(ctx, op.Table, op.Column.Name); err != nil {
			return err
		}
		r.dropSchemaColumn(op.Table, op.Column.Name)
		return nil

	case plan.OpRenameTable:
		if err := tx.RenameTable(ctx, op.Table, op.NewName); err != nil {
			return err
		}
		desc := r.schema[op.Table]
		desc.Name = op.NewName
		delete(r.schema, op.Table)
		r.schema[op.NewName] = desc
		return nil

	case plan.OpCopyData:
		return r.copyData(ctx, tx, op.Copy)

	case plan.OpAlterColumnType:
		desc, ok := r.schema[op.Table]
		if ok && desc.IsPrimaryKey(op.ColumnName) {
			return r.identityChange(ctx, tx, op)
		}
		err := tx.AlterColumnType(ctx, op.Table, op.ColumnName, op.ToType)
		if errors.Is(err, store.ErrInPlaceUnsupported) {
			err = r.shadowRebuild(ctx, tx, op.Table, op.ColumnName, op.ToType, nil)
		}
		if err != nil {
			return err
		}
		r.retypeSchemaColumn(op.Table, op.ColumnName, op.ToType)
		return nil
	}

	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

// recordMarkers durably records a cleanup marker for every operation in the
// sequence that may rebuild a table through a shadow copy. Markers live
// outside the unit so they survive a rollback, and on backends with a
// single-writer lock they cannot be committed once the unit holds it, so
// they are written before it opens. A marker whose shadow never materializes
// is removed after the unit like any other.
func (r *runState) recordMarkers(ctx context.Context, ops []plan.Operation) error {
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if op.Kind != plan.OpAlterColumnType {
			continue
		}
		shadow := op.Table + shadowSuffix
		if seen[shadow] {
			continue
		}
		seen[shadow] = true
		marker := store.CleanupMarker{Table: op.Table, Shadow: shadow, StartedAt: time.Now().UTC()}
		if err := r.executor.config.Store.AddCleanupMarker(ctx, marker); err != nil {
			return fmt.Errorf("record cleanup marker for %s: %w", op.Table, err)
		}
		r.markers = append(r.markers, shadow)
	}
	return nil
}

// copyData moves rows between two tables per the copy spec. Insert mode creates
// destination rows; update mode writes values into existing rows matched by
// the key map.
func (r *runState) copyData(ctx context.Context, tx store.Tx, c *plan.CopySpec) error {
	var srcKey, dstKey string
	for s, d := range c.KeyMap {
		srcKey, dstKey = s, d
	}

	cols := []string{srcKey}
	for src := range c.ColumnMap {
		cols = append(cols, src)
	}
	rows, err := tx.ReadRows(ctx, c.From, cols)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.From, err)
	}

	out := make([]store.Row, 0, len(rows))
	for _, row := range rows {
		if len(c.SkipWhenAllNull) > 0 && allNull(row, c.SkipWhenAllNull) {
			continue
		}
		dst := store.Row{dstKey: row[srcKey]}
		for src, dstCol := range c.ColumnMap {
			dst[dstCol] = row[src]
		}
		out = append(out, dst)
	}

	if len(out) == 0 {
		return nil
	}
	if c.Mode == plan.CopyInsert {
		if err := tx.InsertRows(ctx, c.To, out); err != nil {
			return fmt.Errorf("insert into %s: %w", c.To, err)
		}
		return nil
	}
	if err := tx.UpdateRows(ctx, c.To, dstKey, out); err != nil {
		return fmt.Errorf("update %s: %w", c.To, err)
	}
	return nil
}

func allNull(row store.Row, cols []string) bool {
	for _, c := range cols {
		if row[c] != nil {
			return false
		}
	}
	return true
}

// identityChange retypes a primary key through the shadow-table protocol,
// generating (or inverting) the identity mapping and rewiring every declared
// dependent foreign key. The canonical rename is the last step inside the
// unit, so a crash before it leaves the original table intact.
func (r *runState) identityChange(ctx context.Context, tx store.Tx, op plan.Operation) error {
	table := op.Table

	var index map[string]string
	if r.invert {
		index = remap.Invert(r.prior[table])
	} else {
		mapping, err := r.executor.remapper.Generate(ctx, tx, table, op.ColumnName, r.prior[table])
		if err != nil {
			return err
		}
		r.pendingAudit = append(r.pendingAudit, mapping...)
		index = remap.Index(mapping)
	}

	if err := r.shadowRebuild(ctx, tx, table, op.ColumnName, op.ToType, index); err != nil {
		return err
	}
	r.retypeSchemaColumn(table, op.ColumnName, op.ToType)

	newKeys := make(map[string]struct{}, len(index))
	for _, v := range index {
		newKeys[v] = struct{}{}
	}

	for _, dep := range op.Dependents {
		if dep.KeyColumn == "" {
			return fmt.Errorf("dependent table %s has no single-column primary key to match rows by", dep.Table)
		}
		updated, warning, err := r.rewriteDependent(ctx, tx, dep, op.ToType, index)
		if err != nil {
			return err
		}
		r.report.RowsRemapped += updated
		if warning != nil {
			r.report.Warnings = append(r.report.Warnings, warning)
			metrics.OrphansDetectedTotal.WithLabelValues(dep.Table, string(r.executor.config.OrphanPolicy)).
				Add(float64(len(warning.RowKeys)))
		}
	}

	return r.verifyReferences(ctx, tx, table, op.Dependents, newKeys)
}

// rewriteDependent rebuilds a dependent foreign key column with the new type
// and fills it through the mapping: add a temporary column, rewrite values,
// drop the old column, rename the temporary into place.
func (r *runState) rewriteDependent(ctx context.Context, tx store.Tx, dep schema.Dependent, to schema.ColumnType, index map[string]string) (int, *migrator.DataIntegrityWarning, error) {
	tmp := dep.FKColumn + remapSuffix

	if err := tx.AddColumn(ctx, dep.Table, schema.ColumnDescriptor{Name: tmp, Type: to, Nullable: true}); err != nil {
		return 0, nil, err
	}

	updated, warning, err := r.executor.remapper.RewriteColumn(ctx, tx, dep.Table, dep.KeyColumn, dep.FKColumn, tmp, index)
	if err != nil {
		return 0, nil, err
	}
	metrics.RowsRemappedTotal.WithLabelValues(dep.Table).Add(float64(updated))

	if err := tx.DropColumn(ctx, dep.Table, dep.FKColumn); err != nil {
		return 0, nil, err
	}
	if err := tx.RenameColumn(ctx, dep.Table, tmp, dep.FKColumn); err != nil {
		return 0, nil, err
	}

	r.retypeSchemaColumn(dep.Table, dep.FKColumn, to)
	return updated, warning, nil
}

// shadowRebuild replaces a table with a shadow copy whose column carries the
// target type. A nil index copies values unchanged (type-preserving rebuild);
// otherwise every key value is transformed through the mapping. Verification
// precedes the swap, and the archived original is dropped only afterward.
func (r *runState) shadowRebuild(ctx context.Context, tx store.Tx, table, column string, to schema.ColumnType, index map[string]string) error {
	desc, ok := r.schema[table]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTableNotFound, table)
	}

	shadow := table + shadowSuffix
	archived := table + archivedSuffix

	shadowDesc := desc.Clone()
	shadowDesc.Name = shadow
	for i, c := range shadowDesc.Columns {
		if c.Name == column {
			shadowDesc.Columns[i].Type = to
		}
	}
	if err := tx.CreateTable(ctx, shadowDesc); err != nil {
		return err
	}

	rows, err := tx.ReadRows(ctx, table, nil)
	if err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}
	for _, row := range rows {
		if index == nil {
			continue
		}
		old := row[column]
		if old == nil {
			return &migrator.IntegrityViolationError{Table: table, Check: "key presence", Detail: fmt.Sprintf("NULL key in column %s", column)}
		}
		mapped, ok := index[remap.Render(old)]
		if !ok {
			return &migrator.IntegrityViolationError{
				Table:  table,
				Check:  "identity mapping coverage",
				Detail: fmt.Sprintf("key %s has no mapping entry", remap.Render(old)),
			}
		}
		row[column] = mapped
	}
	if len(rows) > 0 {
		if err := tx.InsertRows(ctx, shadow, rows); err != nil {
			return fmt.Errorf("populate shadow for %s: %w", table, err)
		}
	}

	r.report.State = migrator.RunStateVerifying
	want, err := tx.CountRows(ctx, table)
	if err != nil {
		return err
	}
	got, err := tx.CountRows(ctx, shadow)
	if err != nil {
		return err
	}
	if want != got {
		metrics.VerificationFailuresTotal.WithLabelValues(table, "row_count").Inc()
		return &migrator.IntegrityViolationError{
			Table:  table,
			Check:  "row count parity",
			Detail: fmt.Sprintf("original has %d rows, shadow has %d", want, got),
		}
	}
	r.report.State = migrator.RunStateApplying

	if err := tx.RenameTable(ctx, table, archived); err != nil {
		return err
	}
	if err := tx.RenameTable(ctx, shadow, table); err != nil {
		return err
	}
	if err := tx.DropTable(ctx, archived); err != nil {
		return err
	}
	return nil
}

// verifyReferences checks that every non-null dependent foreign key resolves
// to an existing key after the remap. Any orphan is an integrity violation:
// the unit rolls back and the original schema stays visible.
func (r *runState) verifyReferences(ctx context.Context, tx store.Tx, table string, deps []schema.Dependent, keys map[string]struct{}) error {
	r.report.State = migrator.RunStateVerifying
	defer func() { r.report.State = migrator.RunStateApplying }()

	for _, dep := range deps {
		rows, err := tx.ReadRows(ctx, dep.Table, []string{dep.FKColumn})
		if err != nil {
			return err
		}
		for _, row := range rows {
			v := row[dep.FKColumn]
			if v == nil {
				continue
			}
			if _, ok := keys[remap.Render(v)]; !ok {
				metrics.VerificationFailuresTotal.WithLabelValues(table, "foreign_key").Inc()
				return &migrator.IntegrityViolationError{
					Table:  table,
					Check:  "foreign key resolution",
					Detail: fmt.Sprintf("%s.%s value %s has no referenced row", dep.Table, dep.FKColumn, remap.Render(v)),
				}
			}
		}
	}
	return nil
}

func (r *runState) dropSchemaColumn(table, column string) {
	desc, ok := r.schema[table]
	if !ok {
		return
	}
	for i, c := range desc.Columns {
		if c.Name == column {
			desc.Columns = append(desc.Columns[:i], desc.Columns[i+1:]...)
			break
		}
	}
	r.schema[table] = desc
}

func (r *runState) retypeSchemaColumn(table, column string, to schema.ColumnType) {
	desc, ok := r.schema[table]
	if !ok {
		return
	}
	for i, c := range desc.Columns {
		if c.Name == column {
			desc.Columns[i].Type = to
			break
		}
	}
	r.schema[table] = desc
}
