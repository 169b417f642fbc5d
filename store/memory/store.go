// Package memory provides an in-memory store implementation for tests. It
// models real atomic units: a transaction works on a deep copy of the
// database state and commits by swapping it in, so a failed unit leaves no
// trace. Cleanup markers live outside transactional state, matching the
// durability the engine relies on for crash recovery.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store"
)

// table holds a descriptor plus rows in insertion order.
type table struct {
	desc schema.TableDescriptor
	rows []store.Row
}

func (t *table) clone() *table {
	out := &table{desc: t.desc.Clone()}
	out.rows = make([]store.Row, len(t.rows))
	for i, r := range t.rows {
		row := make(store.Row, len(r))
		for k, v := range r {
			row[k] = v
		}
		out.rows[i] = row
	}
	return out
}

// state is the transactional portion of the database.
type state struct {
	tables  map[string]*table
	ledger  []migrator.Revision
	catalog schema.Schema
	audit   []auditEntry
}

type auditEntry struct {
	revisionID string
	mapping    migrator.IdentityMapping
}

func (s *state) clone() *state {
	out := &state{
		tables:  make(map[string]*table, len(s.tables)),
		ledger:  append([]migrator.Revision(nil), s.ledger...),
		catalog: s.catalog.Clone(),
		audit:   append([]auditEntry(nil), s.audit...),
	}
	for name, t := range s.tables {
		out.tables[name] = t.clone()
	}
	return out
}

// Store is an in-memory implementation of store.Conn.
type Store struct {
	mu      sync.Mutex
	state   *state
	markers map[string]store.CleanupMarker
	lock    chan struct{}
}

// New creates an empty in-memory store.
func New() *Store {
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	return &Store{
		state:   &state{tables: make(map[string]*table), catalog: schema.Schema{}},
		markers: make(map[string]store.CleanupMarker),
		lock:    lock,
	}
}

// EnsureLedger is a no-op: the in-memory bookkeeping always exists.
func (s *Store) EnsureLedger(ctx context.Context) error {
	return nil
}

// AppliedRevisions returns the ledger content in application order.
func (s *Store) AppliedRevisions(ctx context.Context) ([]migrator.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]migrator.Revision(nil), s.state.ledger...), nil
}

// Introspect returns the stored schema snapshot.
func (s *Store) Introspect(ctx context.Context) (schema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.catalog.Clone(), nil
}

// AcquireLock takes the migration lock or fails with
// migrator.ErrMigrationLocked after the timeout.
func (s *Store) AcquireLock(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.lock:
		return nil
	case <-timer.C:
		return migrator.ErrMigrationLocked
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseLock returns the migration lock.
func (s *Store) ReleaseLock(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
	default:
	}
	return nil
}

// AddCleanupMarker records a marker outside transactional state.
func (s *Store) AddCleanupMarker(ctx context.Context, m store.CleanupMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[m.Shadow] = m
	return nil
}

// RemoveCleanupMarker deletes the marker for a shadow table.
func (s *Store) RemoveCleanupMarker(ctx context.Context, shadow string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, shadow)
	return nil
}

// CleanupMarkers returns all surviving markers.
func (s *Store) CleanupMarkers(ctx context.Context) ([]store.CleanupMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CleanupMarker, 0, len(s.markers))
	for _, m := range s.markers {
		out = append(out, m)
	}
	return out, nil
}

// DropTableIfExists removes a possibly-dangling table outside any unit.
func (s *Store) DropTableIfExists(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.tables, name)
	return nil
}

// AuditEntries returns persisted identity mappings for a table, oldest first.
func (s *Store) AuditEntries(ctx context.Context, entityTable, revisionID string) ([]migrator.IdentityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []migrator.IdentityMapping
	for _, e := range s.state.audit {
		if e.mapping.EntityTable != entityTable {
			continue
		}
		if revisionID != "" && e.revisionID != revisionID {
			continue
		}
		out = append(out, e.mapping)
	}
	return out, nil
}

// DropAudit discards all audit entries.
func (s *Store) DropAudit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.audit = nil
	return nil
}

// Tx runs fn against a deep copy of the database state and swaps the copy in
// on success. Any error discards the copy, leaving the prior state intact.
func (s *Store) Tx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	work := s.state.clone()
	s.mu.Unlock()

	if err := fn(&tx{state: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Seed installs a table with rows directly, bypassing transactions. Test
// setup only.
func (s *Store) Seed(desc schema.TableDescriptor, rows []store.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &table{desc: desc.Clone()}
	for _, r := range rows {
		row := make(store.Row, len(r))
		for k, v := range r {
			row[k] = v
		}
		t.rows = append(t.rows, row)
	}
	s.state.tables[desc.Name] = t
	if s.state.catalog == nil {
		s.state.catalog = schema.Schema{}
	}
	s.state.catalog[desc.Name] = desc.Clone()
}

// TableRows returns a copy of a table's rows for assertions. Test use only.
func (s *Store) TableRows(name string) ([]store.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.tables[name]
	if !ok {
		return nil, false
	}
	return t.clone().rows, true
}

// HasTable reports whether a table exists. Test use only.
func (s *Store) HasTable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.tables[name]
	return ok
}

// tx implements store.Tx over a working copy of the state.
type tx struct {
	state *state
}

func (t *tx) table(name string) (*table, error) {
	tbl, ok := t.state.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
	}
	return tbl, nil
}

func (t *tx) CreateTable(ctx context.Context, desc schema.TableDescriptor) error {
	if _, exists := t.state.tables[desc.Name]; exists {
		return fmt.Errorf("table %s already exists", desc.Name)
	}
	t.state.tables[desc.Name] = &table{desc: desc.Clone()}
	return nil
}

func (t *tx) DropTable(ctx context.Context, name string) error {
	if _, err := t.table(name); err != nil {
		return err
	}
	delete(t.state.tables, name)
	return nil
}

func (t *tx) RenameTable(ctx context.Context, oldName, newName string) error {
	tbl, err := t.table(oldName)
	if err != nil {
		return err
	}
	if _, exists := t.state.tables[newName]; exists {
		return fmt.Errorf("table %s already exists", newName)
	}
	delete(t.state.tables, oldName)
	tbl.desc.Name = newName
	t.state.tables[newName] = tbl
	return nil
}

func (t *tx) AddColumn(ctx context.Context, tableName string, col schema.ColumnDescriptor) error {
	tbl, err := t.table(tableName)
	if err != nil {
		return err
	}
	if _, exists := tbl.desc.Column(col.Name); exists {
		return fmt.Errorf("column %s.%s already exists", tableName, col.Name)
	}
	tbl.desc.Columns = append(tbl.desc.Columns, col)
	for _, row := range tbl.rows {
		row[col.Name] = nil
	}
	return nil
}

func (t *tx) DropColumn(ctx context.Context, tableName, column string) error {
	tbl, err := t.table(tableName)
	if err != nil {
		return err
	}
	idx := -1
	for i, c := range tbl.desc.Columns {
		if c.Name == column {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s.%s", store.ErrColumnNotFound, tableName, column)
	}
	tbl.desc.Columns = append(tbl.desc.Columns[:idx], tbl.desc.Columns[idx+1:]...)
	for _, row := range tbl.rows {
		delete(row, column)
	}
	return nil
}

func (t *tx) RenameColumn(ctx context.Context, tableName, oldName, newName string) error {
	tbl, err := t.table(tableName)
	if err != nil {
		return err
	}
	found := false
	for i, c := range tbl.desc.Columns {
		if c.Name == oldName {
			tbl.desc.Columns[i].Name = newName
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s.%s", store.ErrColumnNotFound, tableName, oldName)
	}
	for _, row := range tbl.rows {
		if v, ok := row[oldName]; ok {
			row[newName] = v
			delete(row, oldName)
		}
	}
	return nil
}

func (t *tx) AlterColumnType(ctx context.Context, tableName, column string, to schema.ColumnType) error {
	tbl, err := t.table(tableName)
	if err != nil {
		return err
	}
	for i, c := range tbl.desc.Columns {
		if c.Name == column {
			tbl.desc.Columns[i].Type = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", store.ErrColumnNotFound, tableName, column)
}

func (t *tx) ReadRows(ctx context.Context, tableName string, columns []string) ([]store.Row, error) {
	tbl, err := t.table(tableName)
	if err != nil {
		return nil, err
	}
	if columns == nil {
		columns = tbl.desc.ColumnNames()
	}
	out := make([]store.Row, len(tbl.rows))
	for i, row := range tbl.rows {
		r := make(store.Row, len(columns))
		for _, c := range columns {
			r[c] = row[c]
		}
		out[i] = r
	}
	return out, nil
}

func (t *tx) InsertRows(ctx context.Context, tableName string, rows []store.Row) error {
	tbl, err := t.table(tableName)
	if err != nil {
		return err
	}
	for _, row := range rows {
		r := make(store.Row, len(row))
		for k, v := range row {
			if _, ok := tbl.desc.Column(k); !ok {
				return fmt.Errorf("%w: %s.%s", store.ErrColumnNotFound, tableName, k)
			}
			r[k] = v
		}
		tbl.rows = append(tbl.rows, r)
	}
	return nil
}

func (t *tx) UpdateRows(ctx context.Context, tableName, keyColumn string, rows []store.Row) error {
	tbl, err := t.table(tableName)
	if err != nil {
		return err
	}
	for _, update := range rows {
		key, ok := update[keyColumn]
		if !ok {
			return fmt.Errorf("update row for %s is missing key column %s", tableName, keyColumn)
		}
		matched := false
		for _, row := range tbl.rows {
			if !valueEqual(row[keyColumn], key) {
				continue
			}
			for k, v := range update {
				if k == keyColumn {
					continue
				}
				row[k] = v
			}
			matched = true
		}
		if !matched {
			return fmt.Errorf("no row in %s with %s = %v", tableName, keyColumn, key)
		}
	}
	return nil
}

func (t *tx) CountRows(ctx context.Context, tableName string) (int64, error) {
	tbl, err := t.table(tableName)
	if err != nil {
		return 0, err
	}
	return int64(len(tbl.rows)), nil
}

func (t *tx) HeadRevision(ctx context.Context) (string, error) {
	if n := len(t.state.ledger); n > 0 {
		return t.state.ledger[n-1].ID, nil
	}
	return "", nil
}

func (t *tx) AppendRevision(ctx context.Context, rev migrator.Revision) error {
	t.state.ledger = append(t.state.ledger, rev)
	return nil
}

func (t *tx) DeleteRevision(ctx context.Context, id string) error {
	for i, rev := range t.state.ledger {
		if rev.ID == id {
			t.state.ledger = append(t.state.ledger[:i], t.state.ledger[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("revision %s not in ledger", id)
}

func (t *tx) SaveCatalog(ctx context.Context, s schema.Schema) error {
	t.state.catalog = s.Clone()
	return nil
}

func (t *tx) InsertAudit(ctx context.Context, revisionID string, entries []migrator.IdentityMapping) error {
	for _, e := range entries {
		t.state.audit = append(t.state.audit, auditEntry{revisionID: revisionID, mapping: e})
	}
	return nil
}

// valueEqual compares row values across the numeric representations a driver
// may hand back.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a == b {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
