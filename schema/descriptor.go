// Package schema models relational table shapes: the declared target schema
// authored by developers and the live schema snapshot read back from the
// database. Both sides share the same descriptor types so they can be diffed
// structurally.
package schema

import (
	"fmt"
	"regexp"
	"sort"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// validateIdentifier ensures an identifier contains only safe characters for SQL.
// Returns an error if the identifier contains characters that could be used for SQL injection.
func validateIdentifier(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%s must start with a letter and contain only letters, numbers, and underscores (got: %s)", fieldName, name)
	}
	return nil
}

// ColumnType is a driver-neutral column type. Each store driver maps these to
// its dialect.
type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeBigInt    ColumnType = "bigint"
	TypeUUID      ColumnType = "uuid"
	TypeText      ColumnType = "text"
	TypeBoolean   ColumnType = "boolean"
	TypeFloat     ColumnType = "float"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
)

// knownTypes holds the full set of accepted column types.
var knownTypes = map[ColumnType]struct{}{
	TypeInteger:   {},
	TypeBigInt:    {},
	TypeUUID:      {},
	TypeText:      {},
	TypeBoolean:   {},
	TypeFloat:     {},
	TypeDate:      {},
	TypeTimestamp: {},
}

// ColumnDescriptor describes a single column.
type ColumnDescriptor struct {
	Name     string     `yaml:"name"`
	Type     ColumnType `yaml:"type"`
	Nullable bool       `yaml:"nullable,omitempty"`
	Default  string     `yaml:"default,omitempty"`
}

// ForeignKey declares that a column references another table's column.
type ForeignKey struct {
	Column    string `yaml:"column"`
	RefTable  string `yaml:"ref_table"`
	RefColumn string `yaml:"ref_column"`
}

// TableDescriptor describes a table: an ordered column sequence, the primary
// key columns, and the declared foreign keys.
type TableDescriptor struct {
	Name        string             `yaml:"name"`
	Columns     []ColumnDescriptor `yaml:"columns"`
	PrimaryKey  []string           `yaml:"primary_key"`
	ForeignKeys []ForeignKey       `yaml:"foreign_keys,omitempty"`
}

// Column returns the descriptor for the named column.
// The second return value reports whether the column exists.
func (t TableDescriptor) Column(name string) (ColumnDescriptor, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDescriptor{}, false
}

// IsPrimaryKey reports whether the named column is part of the primary key.
func (t TableDescriptor) IsPrimaryKey(name string) bool {
	for _, pk := range t.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// ColumnNames returns the column names in declaration order.
func (t TableDescriptor) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy of the descriptor. Operations capture descriptors
// at planning time, so shared backing slices would let later edits corrupt
// recorded inverses.
func (t TableDescriptor) Clone() TableDescriptor {
	out := TableDescriptor{Name: t.Name}
	out.Columns = append([]ColumnDescriptor(nil), t.Columns...)
	out.PrimaryKey = append([]string(nil), t.PrimaryKey...)
	out.ForeignKeys = append([]ForeignKey(nil), t.ForeignKeys...)
	return out
}

// Validate checks identifier syntax, duplicate columns, primary key column
// existence, and column type names.
func (t TableDescriptor) Validate() error {
	if err := validateIdentifier(t.Name, "table name"); err != nil {
		return err
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}

	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if err := validateIdentifier(c.Name, "column name"); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("table %s declares column %s twice", t.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
		if _, ok := knownTypes[c.Type]; !ok {
			return fmt.Errorf("table %s column %s has unknown type %q", t.Name, c.Name, c.Type)
		}
	}

	for _, pk := range t.PrimaryKey {
		if _, ok := seen[pk]; !ok {
			return fmt.Errorf("table %s primary key column %s is not declared", t.Name, pk)
		}
	}

	for _, fk := range t.ForeignKeys {
		if _, ok := seen[fk.Column]; !ok {
			return fmt.Errorf("table %s foreign key column %s is not declared", t.Name, fk.Column)
		}
	}

	return nil
}

// Schema maps table name to descriptor.
type Schema map[string]TableDescriptor

// TableNames returns all table names sorted alphabetically. Sorting keeps
// diff output deterministic.
func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	out := make(Schema, len(s))
	for name, t := range s {
		out[name] = t.Clone()
	}
	return out
}

// Validate checks every table and then cross-table invariants: foreign key
// targets must exist, and every foreign key column's declared type must match
// the referenced primary key's type.
func (s Schema) Validate() error {
	for _, name := range s.TableNames() {
		t := s[name]
		if t.Name != name {
			return fmt.Errorf("schema key %s does not match table name %s", name, t.Name)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}

	for _, name := range s.TableNames() {
		t := s[name]
		for _, fk := range t.ForeignKeys {
			ref, ok := s[fk.RefTable]
			if !ok {
				return fmt.Errorf("table %s foreign key %s references unknown table %s", t.Name, fk.Column, fk.RefTable)
			}
			refCol, ok := ref.Column(fk.RefColumn)
			if !ok {
				return fmt.Errorf("table %s foreign key %s references unknown column %s.%s", t.Name, fk.Column, fk.RefTable, fk.RefColumn)
			}
			col, _ := t.Column(fk.Column)
			if col.Type != refCol.Type {
				return fmt.Errorf("table %s foreign key column %s has type %s but %s.%s has type %s", t.Name, fk.Column, col.Type, fk.RefTable, fk.RefColumn, refCol.Type)
			}
		}
	}

	return nil
}

// Dependents returns the (table, foreign key) pairs across the schema that
// reference the given table. The result is sorted by table then column for
// deterministic processing order.
func (s Schema) Dependents(table string) []Dependent {
	var deps []Dependent
	for _, name := range s.TableNames() {
		t := s[name]
		for _, fk := range t.ForeignKeys {
			if fk.RefTable == table {
				keyCol := ""
				if len(t.PrimaryKey) == 1 {
					keyCol = t.PrimaryKey[0]
				}
				deps = append(deps, Dependent{Table: t.Name, KeyColumn: keyCol, FKColumn: fk.Column})
			}
		}
	}
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Table != deps[j].Table {
			return deps[i].Table < deps[j].Table
		}
		return deps[i].FKColumn < deps[j].FKColumn
	})
	return deps
}

// Dependent identifies a table row-addressable by KeyColumn whose FKColumn
// references another table.
type Dependent struct {
	Table     string `yaml:"table"`
	KeyColumn string `yaml:"key_column"`
	FKColumn  string `yaml:"fk_column"`
}
