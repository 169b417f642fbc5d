// Package plan turns schema descriptor diffs into ordered, reversible
// operation sequences and manages the revision files that carry them.
package plan

import (
	"fmt"

	"github.com/gymflow/migrator/schema"
)

// OpKind identifies a migration operation variant.
type OpKind string

const (
	OpCreateTable     OpKind = "create_table"
	OpDropTable       OpKind = "drop_table"
	OpAddColumn       OpKind = "add_column"
	OpDropColumn      OpKind = "drop_column"
	OpCopyData        OpKind = "copy_data"
	OpRenameTable     OpKind = "rename_table"
	OpAlterColumnType OpKind = "alter_column_type"
)

// CopyMode selects how copied rows land in the destination table.
type CopyMode string

const (
	// CopyInsert creates new rows in the destination table.
	CopyInsert CopyMode = "insert"

	// CopyUpdate writes values into existing destination rows matched through
	// the key map.
	CopyUpdate CopyMode = "update"
)

// CopySpec describes a data movement between two tables.
type CopySpec struct {
	// From and To are the source and destination tables.
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// Mode selects insert or update semantics.
	Mode CopyMode `yaml:"mode"`

	// ColumnMap maps source column names to destination column names.
	ColumnMap map[string]string `yaml:"column_map"`

	// KeyMap maps the source key column to the destination key column. In
	// insert mode the key value is copied; in update mode it matches the
	// destination row.
	KeyMap map[string]string `yaml:"key_map"`

	// SkipWhenAllNull lists source columns; a row is not copied when every
	// listed column is NULL. Used by table splits so users without profile
	// data do not get spurious profile rows.
	SkipWhenAllNull []string `yaml:"skip_when_all_null,omitempty"`
}

// Operation is one reversible schema change. Exactly the fields relevant to
// Kind are set; the rest stay zero. Operations capture full descriptors so
// their inverses are exact without consulting external state.
type Operation struct {
	Kind OpKind `yaml:"kind"`

	// Table is the operation target. Unused by copy_data, which names both
	// sides in Copy.
	Table string `yaml:"table,omitempty"`

	// Descriptor carries the full table shape for create_table, and for
	// drop_table so the inverse can recreate it.
	Descriptor *schema.TableDescriptor `yaml:"descriptor,omitempty"`

	// Column carries the column definition for add_column, and for
	// drop_column so the inverse can re-add it.
	Column *schema.ColumnDescriptor `yaml:"column,omitempty"`

	// NewName is the target name for rename_table.
	NewName string `yaml:"new_name,omitempty"`

	// ColumnName, FromType and ToType describe alter_column_type.
	ColumnName string            `yaml:"column_name,omitempty"`
	FromType   schema.ColumnType `yaml:"from_type,omitempty"`
	ToType     schema.ColumnType `yaml:"to_type,omitempty"`

	// Dependents lists foreign keys that must be rewired when
	// alter_column_type retypes a primary key.
	Dependents []schema.Dependent `yaml:"dependents,omitempty"`

	// Copy describes copy_data.
	Copy *CopySpec `yaml:"copy,omitempty"`
}

// String renders the operation for error reporting and logs.
func (o Operation) String() string {
	switch o.Kind {
	case OpCopyData:
		if o.Copy != nil {
			return fmt.Sprintf("%s %s -> %s", o.Kind, o.Copy.From, o.Copy.To)
		}
		return string(o.Kind)
	case OpRenameTable:
		return fmt.Sprintf("%s %s -> %s", o.Kind, o.Table, o.NewName)
	case OpAddColumn, OpDropColumn:
		name := o.ColumnName
		if o.Column != nil {
			name = o.Column.Name
		}
		return fmt.Sprintf("%s %s.%s", o.Kind, o.Table, name)
	case OpAlterColumnType:
		return fmt.Sprintf("%s %s.%s %s -> %s", o.Kind, o.Table, o.ColumnName, o.FromType, o.ToType)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Table)
	}
}

// Validate checks that the fields required by Kind are present.
func (o Operation) Validate() error {
	switch o.Kind {
	case OpCreateTable, OpDropTable:
		if o.Descriptor == nil {
			return fmt.Errorf("%s requires a table descriptor", o.Kind)
		}
		return o.Descriptor.Validate()
	case OpAddColumn, OpDropColumn:
		if o.Table == "" || o.Column == nil {
			return fmt.Errorf("%s requires table and column", o.Kind)
		}
	case OpRenameTable:
		if o.Table == "" || o.NewName == "" {
			return fmt.Errorf("%s requires table and new_name", o.Kind)
		}
	case OpAlterColumnType:
		if o.Table == "" || o.ColumnName == "" || o.FromType == "" || o.ToType == "" {
			return fmt.Errorf("%s requires table, column_name, from_type and to_type", o.Kind)
		}
	case OpCopyData:
		if o.Copy == nil {
			return fmt.Errorf("%s requires a copy spec", o.Kind)
		}
		c := o.Copy
		if c.From == "" || c.To == "" || len(c.ColumnMap) == 0 || len(c.KeyMap) != 1 {
			return fmt.Errorf("%s requires from, to, column_map and a single-entry key_map", o.Kind)
		}
		if c.Mode != CopyInsert && c.Mode != CopyUpdate {
			return fmt.Errorf("%s has unknown mode %q", o.Kind, c.Mode)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	return nil
}

// Inverse returns the exact inverse of the operation. For identity-type
// changes the inverse is defined up to the persisted identity mapping, which
// the executor consults during revert.
func (o Operation) Inverse() Operation {
	switch o.Kind {
	case OpCreateTable:
		return Operation{Kind: OpDropTable, Table: o.Table, Descriptor: o.Descriptor}
	case OpDropTable:
		return Operation{Kind: OpCreateTable, Table: o.Table, Descriptor: o.Descriptor}
	case OpAddColumn:
		return Operation{Kind: OpDropColumn, Table: o.Table, Column: o.Column}
	case OpDropColumn:
		return Operation{Kind: OpAddColumn, Table: o.Table, Column: o.Column}
	case OpRenameTable:
		return Operation{Kind: OpRenameTable, Table: o.NewName, NewName: o.Table}
	case OpAlterColumnType:
		return Operation{
			Kind:       OpAlterColumnType,
			Table:      o.Table,
			ColumnName: o.ColumnName,
			FromType:   o.ToType,
			ToType:     o.FromType,
			Dependents: o.Dependents,
		}
	case OpCopyData:
		return Operation{Kind: OpCopyData, Copy: o.Copy.inverse()}
	}
	return Operation{}
}

func (c *CopySpec) inverse() *CopySpec {
	inv := &CopySpec{
		From:      c.To,
		To:        c.From,
		ColumnMap: invertMap(c.ColumnMap),
		KeyMap:    invertMap(c.KeyMap),
	}
	// Skip columns are named on the source side, so they translate through
	// the column map when the direction flips.
	for _, name := range c.SkipWhenAllNull {
		mapped, ok := c.ColumnMap[name]
		if !ok {
			mapped = name
		}
		inv.SkipWhenAllNull = append(inv.SkipWhenAllNull, mapped)
	}
	if c.Mode == CopyInsert {
		inv.Mode = CopyUpdate
	} else {
		inv.Mode = CopyInsert
	}
	return inv
}

func invertMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// Inverse returns the full inverse sequence for a forward sequence: each
// operation inverted, in reverse order. Applying a sequence forward and then
// its inverse sequence restores the prior schema and row-visible content.
func Inverse(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		out = append(out, ops[i].Inverse())
	}
	return out
}
