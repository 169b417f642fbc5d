package plan

import (
	"fmt"
	"sort"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
)

// Diff computes the ordered, reversible operation sequence that transforms
// the live schema into the declared schema. The sequence is topologically
// ordered with respect to foreign-key dependencies: tables are created before
// anything references them and dropped only after all inbound references are
// gone. Identical inputs always yield the identical sequence.
//
// Diff recognizes the table-split pattern: a new table whose non-key columns
// match columns dropped from the table it references produces a create, a
// row copy, and the column drops, so no data is lost. Diffs it cannot resolve
// safely (a drop plus add indistinguishable from a rename) fail with
// *migrator.AmbiguousDiffError rather than guessing.
func Diff(declared, live schema.Schema) ([]Operation, error) {
	if err := declared.Validate(); err != nil {
		return nil, fmt.Errorf("declared schema invalid: %w", err)
	}
	if len(live) > 0 {
		if err := live.Validate(); err != nil {
			return nil, fmt.Errorf("live schema invalid: %w", err)
		}
	}

	var created, dropped, common []string
	for _, name := range declared.TableNames() {
		if _, ok := live[name]; ok {
			common = append(common, name)
		} else {
			created = append(created, name)
		}
	}
	for _, name := range live.TableNames() {
		if _, ok := declared[name]; !ok {
			dropped = append(dropped, name)
		}
	}

	// A created table with the same shape as a dropped one cannot be told
	// apart from a rename.
	for _, cn := range created {
		for _, dn := range dropped {
			if sameShape(declared[cn], live[dn]) {
				return nil, &migrator.AmbiguousDiffError{Dropped: dn, Added: cn}
			}
		}
	}

	splits, err := inferSplits(declared, live, created, common)
	if err != nil {
		return nil, err
	}

	var ops []Operation

	// Phase 1: create tables, referenced tables first.
	createOrder, err := topoOrder(declared, created)
	if err != nil {
		return nil, err
	}
	for _, name := range createOrder {
		desc := declared[name].Clone()
		ops = append(ops, Operation{Kind: OpCreateTable, Table: name, Descriptor: &desc})
	}

	// Phase 2: split row copies, after the new tables exist and before the
	// moved columns disappear.
	for _, sp := range splits {
		ops = append(ops, Operation{Kind: OpCopyData, Copy: sp.copySpec})
	}

	// Phase 3: column-level changes on surviving tables.
	colOps, err := diffColumns(declared, live, common, splits)
	if err != nil {
		return nil, err
	}
	ops = append(ops, colOps...)

	// Phase 4: split column drops, after their data was copied out.
	for _, sp := range splits {
		for _, col := range sp.movedColumns {
			c := col
			ops = append(ops, Operation{Kind: OpDropColumn, Table: sp.source, Column: &c})
		}
	}

	// Phase 5: drop tables, referencing tables first.
	dropOrder, err := topoOrder(live, dropped)
	if err != nil {
		return nil, err
	}
	for i := len(dropOrder) - 1; i >= 0; i-- {
		name := dropOrder[i]
		desc := live[name].Clone()
		ops = append(ops, Operation{Kind: OpDropTable, Table: name, Descriptor: &desc})
	}

	if err := verifyOrder(ops, live); err != nil {
		return nil, err
	}

	return ops, nil
}

// split captures an inferred table split: source columns moving into a new
// table keyed by a foreign key back to the source.
type split struct {
	source       string
	target       string
	movedColumns []schema.ColumnDescriptor
	copySpec     *CopySpec
}

// inferSplits finds created tables that absorb columns dropped from a common
// table they reference. Only rows with at least one non-null moved value are
// copied.
func inferSplits(declared, live schema.Schema, created, common []string) ([]split, error) {
	var splits []split
	for _, name := range created {
		target := declared[name]
		if len(target.ForeignKeys) != 1 {
			continue
		}
		fk := target.ForeignKeys[0]
		src, ok := live[fk.RefTable]
		if !ok {
			continue
		}
		if _, stillDeclared := declared[fk.RefTable]; !stillDeclared {
			continue
		}

		srcDeclared := declared[fk.RefTable]
		var moved []schema.ColumnDescriptor
		allMatch := true
		for _, col := range target.Columns {
			if col.Name == fk.Column {
				continue
			}
			liveCol, inLive := src.Column(col.Name)
			_, stillThere := srcDeclared.Column(col.Name)
			if inLive && !stillThere && liveCol.Type == col.Type {
				moved = append(moved, liveCol)
				continue
			}
			allMatch = false
			break
		}
		if !allMatch || len(moved) == 0 {
			continue
		}

		if len(src.PrimaryKey) != 1 {
			return nil, fmt.Errorf("cannot split table %s: composite or missing primary key", src.Name)
		}

		columnMap := make(map[string]string, len(moved))
		skip := make([]string, 0, len(moved))
		for _, col := range moved {
			columnMap[col.Name] = col.Name
			skip = append(skip, col.Name)
		}
		sort.Strings(skip)

		splits = append(splits, split{
			source:       src.Name,
			target:       target.Name,
			movedColumns: moved,
			copySpec: &CopySpec{
				From:            src.Name,
				To:              target.Name,
				Mode:            CopyInsert,
				ColumnMap:       columnMap,
				KeyMap:          map[string]string{src.PrimaryKey[0]: fk.Column},
				SkipWhenAllNull: skip,
			},
		})
	}

	sort.Slice(splits, func(i, j int) bool { return splits[i].target < splits[j].target })
	return splits, nil
}

// diffColumns produces add, drop and retype operations for tables present on
// both sides. Columns consumed by a split are excluded, as are dependent
// foreign-key columns retyped as part of a primary-key identity change.
func diffColumns(declared, live schema.Schema, common []string, splits []split) ([]Operation, error) {
	consumed := make(map[string]map[string]bool)
	for _, sp := range splits {
		set := consumed[sp.source]
		if set == nil {
			set = make(map[string]bool)
			consumed[sp.source] = set
		}
		for _, col := range sp.movedColumns {
			set[col.Name] = true
		}
	}

	// Primary-key retypes own the type change of every foreign key column
	// that references them.
	suppressed := make(map[string]map[string]bool)
	var retypes []Operation
	for _, name := range common {
		decl, lv := declared[name], live[name]
		for _, col := range decl.Columns {
			liveCol, ok := lv.Column(col.Name)
			if !ok || liveCol.Type == col.Type || !decl.IsPrimaryKey(col.Name) {
				continue
			}
			deps := declared.Dependents(name)
			for _, d := range deps {
				set := suppressed[d.Table]
				if set == nil {
					set = make(map[string]bool)
					suppressed[d.Table] = set
				}
				set[d.FKColumn] = true
			}
			retypes = append(retypes, Operation{
				Kind:       OpAlterColumnType,
				Table:      name,
				ColumnName: col.Name,
				FromType:   liveCol.Type,
				ToType:     col.Type,
				Dependents: deps,
			})
		}
	}

	var ops []Operation
	for _, name := range common {
		decl, lv := declared[name], live[name]

		var added []schema.ColumnDescriptor
		for _, col := range decl.Columns {
			if _, ok := lv.Column(col.Name); !ok {
				added = append(added, col)
			}
		}
		var droppedCols []schema.ColumnDescriptor
		for _, col := range lv.Columns {
			if consumed[name][col.Name] {
				continue
			}
			if _, ok := decl.Column(col.Name); !ok {
				droppedCols = append(droppedCols, col)
			}
		}

		for _, d := range droppedCols {
			for _, a := range added {
				if d.Type == a.Type {
					return nil, &migrator.AmbiguousDiffError{Table: name, Dropped: d.Name, Added: a.Name}
				}
			}
		}

		for _, col := range added {
			c := col
			ops = append(ops, Operation{Kind: OpAddColumn, Table: name, Column: &c})
		}
		for _, col := range droppedCols {
			c := col
			ops = append(ops, Operation{Kind: OpDropColumn, Table: name, Column: &c})
		}

		for _, col := range decl.Columns {
			liveCol, ok := lv.Column(col.Name)
			if !ok || liveCol.Type == col.Type {
				continue
			}
			if decl.IsPrimaryKey(col.Name) || suppressed[name][col.Name] {
				continue
			}
			ops = append(ops, Operation{
				Kind:       OpAlterColumnType,
				Table:      name,
				ColumnName: col.Name,
				FromType:   liveCol.Type,
				ToType:     col.Type,
			})
		}
	}

	return append(ops, retypes...), nil
}

// topoOrder orders the given subset of tables so referenced tables come
// first. Edges outside the subset are ignored. A cycle within the subset
// fails with *migrator.DependencyCycleError.
func topoOrder(s schema.Schema, subset []string) ([]string, error) {
	in := make(map[string]bool, len(subset))
	for _, name := range subset {
		in[name] = true
	}

	deps := make(map[string][]string, len(subset))
	indegree := make(map[string]int, len(subset))
	for _, name := range subset {
		indegree[name] = 0
	}
	for _, name := range subset {
		for _, fk := range s[name].ForeignKeys {
			if fk.RefTable == name || !in[fk.RefTable] {
				continue
			}
			deps[fk.RefTable] = append(deps[fk.RefTable], name)
			indegree[name]++
		}
	}

	ready := make([]string, 0, len(subset))
	for _, name := range subset {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		next := deps[name]
		sort.Strings(next)
		for _, n := range next {
			indegree[n]--
			if indegree[n] == 0 {
				ready = append(ready, n)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(subset) {
		var cyclic []string
		for _, name := range subset {
			if indegree[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, &migrator.DependencyCycleError{Tables: cyclic}
	}

	return order, nil
}

// verifyOrder simulates the sequence against the live table set and fails
// with *migrator.OrderingViolationError on any reference to a table that is
// not available at that point.
func verifyOrder(ops []Operation, live schema.Schema) error {
	existing := make(map[string]bool, len(live))
	for name := range live {
		existing[name] = true
	}

	for _, op := range ops {
		switch op.Kind {
		case OpCreateTable:
			for _, fk := range op.Descriptor.ForeignKeys {
				if fk.RefTable != op.Table && !existing[fk.RefTable] {
					return &migrator.OrderingViolationError{Operation: string(op.Kind), Table: op.Table, Missing: fk.RefTable}
				}
			}
			existing[op.Table] = true
		case OpDropTable:
			if !existing[op.Table] {
				return &migrator.OrderingViolationError{Operation: string(op.Kind), Table: op.Table, Missing: op.Table}
			}
			delete(existing, op.Table)
		case OpCopyData:
			if !existing[op.Copy.From] {
				return &migrator.OrderingViolationError{Operation: string(op.Kind), Table: op.Copy.To, Missing: op.Copy.From}
			}
			if !existing[op.Copy.To] {
				return &migrator.OrderingViolationError{Operation: string(op.Kind), Table: op.Copy.From, Missing: op.Copy.To}
			}
		case OpRenameTable:
			if !existing[op.Table] {
				return &migrator.OrderingViolationError{Operation: string(op.Kind), Table: op.Table, Missing: op.Table}
			}
			delete(existing, op.Table)
			existing[op.NewName] = true
		default:
			if !existing[op.Table] {
				return &migrator.OrderingViolationError{Operation: string(op.Kind), Table: op.Table, Missing: op.Table}
			}
		}
	}

	return nil
}

// sameShape reports whether two tables have identical column sequences and
// primary keys, which makes a drop plus create indistinguishable from a
// table rename.
func sameShape(a, b schema.TableDescriptor) bool {
	if len(a.Columns) != len(b.Columns) || len(a.PrimaryKey) != len(b.PrimaryKey) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i].Name != b.Columns[i].Name || a.Columns[i].Type != b.Columns[i].Type {
			return false
		}
	}
	for i := range a.PrimaryKey {
		if a.PrimaryKey[i] != b.PrimaryKey[i] {
			return false
		}
	}
	return true
}
