package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store"
)

// Bookkeeping table names. They live next to the application tables, so they
// are prefixed to stay out of any declared schema's way.
const (
	ledgerTable  = "gymflow_schema_revisions"
	catalogTable = "gymflow_schema_catalog"
	markerTable  = "gymflow_cleanup_markers"
	auditTable   = "gymflow_identity_audit"
)

// Store implements store.Conn over a database/sql handle and a Dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
	release func(context.Context) error
}

// Open connects to the database and verifies the connection.
func Open(driverName, dsn string, dialect Dialect) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", dialect.Name(), err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name(), err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Close releases the migration lock if still held and closes the handle.
func (s *Store) Close() error {
	if s.release != nil {
		_ = s.release(context.Background())
		s.release = nil
	}
	return s.db.Close()
}

// EnsureLedger creates the bookkeeping tables if missing.
func (s *Store) EnsureLedger(ctx context.Context) error {
	text, err := s.dialect.TypeSQL(schema.TypeText, false)
	if err != nil {
		return err
	}
	key, err := s.dialect.TypeSQL(schema.TypeText, true)
	if err != nil {
		return err
	}
	ts, err := s.dialect.TypeSQL(schema.TypeTimestamp, false)
	if err != nil {
		return err
	}
	seq, err := s.dialect.TypeSQL(schema.TypeBigInt, false)
	if err != nil {
		return err
	}

	q := s.dialect.Quote
	ddl := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s NOT NULL, %s %s NOT NULL, %s %s NOT NULL, %s %s NOT NULL, %s %s NOT NULL, PRIMARY KEY (%s))",
			q(ledgerTable),
			q("revision"), key, q("parent"), text, q("description"), text,
			q("applied_at"), ts, q("seq"), seq, q("revision")),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s NOT NULL, %s %s NOT NULL, PRIMARY KEY (%s))",
			q(catalogTable), q("id"), seq, q("document"), text, q("id")),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s NOT NULL, %s %s NOT NULL, %s %s NOT NULL, PRIMARY KEY (%s))",
			q(markerTable),
			q("shadow"), key, q("entity_table"), text, q("started_at"), ts, q("shadow")),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s NOT NULL, %s %s NOT NULL, %s %s NOT NULL, %s %s NOT NULL, %s %s NOT NULL)",
			q(auditTable),
			q("seq"), seq, q("revision"), text, q("entity_table"), text,
			q("old_key"), text, q("new_key"), text),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create bookkeeping table: %w", err)
		}
	}
	return nil
}

// AppliedRevisions returns the ledger content in application order.
func (s *Store) AppliedRevisions(ctx context.Context) ([]migrator.Revision, error) {
	q := s.dialect.Quote
	stmt := fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s ORDER BY %s",
		q("revision"), q("parent"), q("description"), q("applied_at"), q(ledgerTable), q("seq"))
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("read revision ledger: %w", err)
	}
	defer rows.Close()

	var out []migrator.Revision
	for rows.Next() {
		var rev migrator.Revision
		if err := rows.Scan(&rev.ID, &rev.ParentID, &rev.Description, &rev.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// Introspect returns the schema snapshot saved with the last committed
// revision, or an empty schema for a fresh database.
func (s *Store) Introspect(ctx context.Context) (schema.Schema, error) {
	q := s.dialect.Quote
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = 1", q("document"), q(catalogTable), q("id"))
	var doc string
	err := s.db.QueryRowContext(ctx, stmt).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Schema{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schema catalog: %w", err)
	}
	return schema.Parse([]byte(doc))
}

// AcquireLock takes the dialect's advisory migration lock.
func (s *Store) AcquireLock(ctx context.Context, timeout time.Duration) error {
	release, err := s.dialect.AcquireLock(ctx, s.db, timeout)
	if err != nil {
		return err
	}
	s.release = release
	return nil
}

// ReleaseLock releases the advisory migration lock.
func (s *Store) ReleaseLock(ctx context.Context) error {
	if s.release == nil {
		return nil
	}
	err := s.release(ctx)
	s.release = nil
	return err
}

// AddCleanupMarker durably records a starting shadow copy. Runs on the plain
// connection so the marker survives a rollback of the surrounding unit.
func (s *Store) AddCleanupMarker(ctx context.Context, m store.CleanupMarker) error {
	q := s.dialect.Quote
	stmt := fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (%s, %s, %s)",
		q(markerTable), q("shadow"), q("entity_table"), q("started_at"),
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3))
	if _, err := s.db.ExecContext(ctx, stmt, m.Shadow, m.Table, m.StartedAt); err != nil {
		return fmt.Errorf("insert cleanup marker: %w", err)
	}
	return nil
}

// RemoveCleanupMarker deletes the marker for a shadow table.
func (s *Store) RemoveCleanupMarker(ctx context.Context, shadow string) error {
	q := s.dialect.Quote
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", q(markerTable), q("shadow"), s.dialect.Placeholder(1))
	if _, err := s.db.ExecContext(ctx, stmt, shadow); err != nil {
		return fmt.Errorf("delete cleanup marker: %w", err)
	}
	return nil
}

// CleanupMarkers returns all surviving markers.
func (s *Store) CleanupMarkers(ctx context.Context) ([]store.CleanupMarker, error) {
	q := s.dialect.Quote
	stmt := fmt.Sprintf("SELECT %s, %s, %s FROM %s ORDER BY %s",
		q("shadow"), q("entity_table"), q("started_at"), q(markerTable), q("shadow"))
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("read cleanup markers: %w", err)
	}
	defer rows.Close()

	var out []store.CleanupMarker
	for rows.Next() {
		var m store.CleanupMarker
		if err := rows.Scan(&m.Shadow, &m.Table, &m.StartedAt); err != nil {
			return nil, fmt.Errorf("scan cleanup marker: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DropTableIfExists removes a possibly-dangling table.
func (s *Store) DropTableIfExists(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", s.dialect.Quote(name))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	return nil
}

// AuditEntries returns persisted identity mappings for a table, oldest first.
func (s *Store) AuditEntries(ctx context.Context, entityTable, revisionID string) ([]migrator.IdentityMapping, error) {
	q := s.dialect.Quote
	stmt := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = %s",
		q("old_key"), q("new_key"), q(auditTable), q("entity_table"), s.dialect.Placeholder(1))
	args := []any{entityTable}
	if revisionID != "" {
		stmt += fmt.Sprintf(" AND %s = %s", q("revision"), s.dialect.Placeholder(2))
		args = append(args, revisionID)
	}
	stmt += fmt.Sprintf(" ORDER BY %s", q("seq"))

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("read identity audit: %w", err)
	}
	defer rows.Close()

	var out []migrator.IdentityMapping
	for rows.Next() {
		m := migrator.IdentityMapping{EntityTable: entityTable}
		if err := rows.Scan(&m.OldKey, &m.NewKey); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DropAudit drops the identity-map audit table. Operator-initiated only.
func (s *Store) DropAudit(ctx context.Context) error {
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", s.dialect.Quote(auditTable))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("drop identity audit: %w", err)
	}
	return nil
}

// Tx runs fn inside one database transaction.
func (s *Store) Tx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	t := &tx{tx: sqlTx, dialect: s.dialect}
	if err := fn(t); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// tx implements store.Tx on a database transaction.
type tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *tx) CreateTable(ctx context.Context, desc schema.TableDescriptor) error {
	q := t.dialect.Quote
	parts := make([]string, 0, len(desc.Columns)+1)
	for _, col := range desc.Columns {
		typeSQL, err := t.dialect.TypeSQL(col.Type, desc.IsPrimaryKey(col.Name))
		if err != nil {
			return fmt.Errorf("table %s column %s: %w", desc.Name, col.Name, err)
		}
		def := q(col.Name) + " " + typeSQL
		if !col.Nullable {
			def += " NOT NULL"
		}
		if col.Default != "" {
			def += " DEFAULT " + col.Default
		}
		parts = append(parts, def)
	}
	if len(desc.PrimaryKey) > 0 {
		pk := make([]string, len(desc.PrimaryKey))
		for i, c := range desc.PrimaryKey {
			pk[i] = q(c)
		}
		parts = append(parts, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")
	}
	// Declared foreign keys are intentionally not emitted as constraints.
	// Referential integrity is checked by the engine's verification phase,
	// which keeps shadow swaps free of constraint ordering problems.
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", q(desc.Name), strings.Join(parts, ", "))
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", desc.Name, err)
	}
	return nil
}

func (t *tx) DropTable(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP TABLE %s", t.dialect.Quote(name))
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	return nil
}

func (t *tx) RenameTable(ctx context.Context, oldName, newName string) error {
	if _, err := t.tx.ExecContext(ctx, t.dialect.RenameTableSQL(oldName, newName)); err != nil {
		return fmt.Errorf("rename table %s to %s: %w", oldName, newName, err)
	}
	return nil
}

func (t *tx) AddColumn(ctx context.Context, table string, col schema.ColumnDescriptor) error {
	typeSQL, err := t.dialect.TypeSQL(col.Type, false)
	if err != nil {
		return fmt.Errorf("table %s column %s: %w", table, col.Name, err)
	}
	q := t.dialect.Quote
	def := q(col.Name) + " " + typeSQL
	if !col.Nullable {
		def += " NOT NULL"
	}
	if col.Default != "" {
		def += " DEFAULT " + col.Default
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", q(table), def)
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, col.Name, err)
	}
	return nil
}

func (t *tx) DropColumn(ctx context.Context, table, column string) error {
	q := t.dialect.Quote
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", q(table), q(column))
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("drop column %s.%s: %w", table, column, err)
	}
	return nil
}

func (t *tx) RenameColumn(ctx context.Context, table, oldName, newName string) error {
	if _, err := t.tx.ExecContext(ctx, t.dialect.RenameColumnSQL(table, oldName, newName)); err != nil {
		return fmt.Errorf("rename column %s.%s to %s: %w", table, oldName, newName, err)
	}
	return nil
}

func (t *tx) AlterColumnType(ctx context.Context, table, column string, to schema.ColumnType) error {
	stmt, err := t.dialect.AlterColumnTypeSQL(table, column, to)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("alter column %s.%s to %s: %w", table, column, to, err)
	}
	return nil
}

func (t *tx) ReadRows(ctx context.Context, table string, columns []string) ([]store.Row, error) {
	q := t.dialect.Quote
	sel := "*"
	if columns != nil {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = q(c)
		}
		sel = strings.Join(quoted, ", ")
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s", sel, q(table))
	rows, err := t.tx.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("read rows of %s: %w", table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []store.Row
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row of %s: %w", table, err)
		}
		row := make(store.Row, len(names))
		for i, name := range names {
			if b, ok := values[i].([]byte); ok {
				row[name] = string(b)
			} else {
				row[name] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (t *tx) InsertRows(ctx context.Context, table string, rows []store.Row) error {
	q := t.dialect.Quote
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for c := range row {
			cols = append(cols, c)
		}
		sort.Strings(cols)

		quoted := make([]string, len(cols))
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			quoted[i] = q(c)
			placeholders[i] = t.dialect.Placeholder(i + 1)
			args[i] = row[c]
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			q(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
		if _, err := t.tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

func (t *tx) UpdateRows(ctx context.Context, table, keyColumn string, rows []store.Row) error {
	q := t.dialect.Quote
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for c := range row {
			if c != keyColumn {
				cols = append(cols, c)
			}
		}
		sort.Strings(cols)
		if len(cols) == 0 {
			continue
		}

		sets := make([]string, len(cols))
		args := make([]any, 0, len(cols)+1)
		for i, c := range cols {
			sets[i] = q(c) + " = " + t.dialect.Placeholder(i+1)
			args = append(args, row[c])
		}
		args = append(args, row[keyColumn])
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
			q(table), strings.Join(sets, ", "), q(keyColumn), t.dialect.Placeholder(len(cols)+1))
		res, err := t.tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("no row in %s with %s = %v", table, keyColumn, row[keyColumn])
		}
	}
	return nil
}

func (t *tx) CountRows(ctx context.Context, table string) (int64, error) {
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", t.dialect.Quote(table))
	var n int64
	if err := t.tx.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", table, err)
	}
	return n, nil
}

func (t *tx) HeadRevision(ctx context.Context) (string, error) {
	q := t.dialect.Quote
	stmt := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC", q("revision"), q(ledgerTable), q("seq"))
	rows, err := t.tx.QueryContext(ctx, stmt)
	if err != nil {
		return "", fmt.Errorf("read ledger head: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return "", rows.Err()
	}
	var head string
	if err := rows.Scan(&head); err != nil {
		return "", err
	}
	return head, nil
}

func (t *tx) AppendRevision(ctx context.Context, rev migrator.Revision) error {
	q := t.dialect.Quote
	var next int64
	seqStmt := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s", q("seq"), q(ledgerTable))
	if err := t.tx.QueryRowContext(ctx, seqStmt).Scan(&next); err != nil {
		return fmt.Errorf("next ledger sequence: %w", err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (%s, %s, %s, %s, %s)",
		q(ledgerTable), q("revision"), q("parent"), q("description"), q("applied_at"), q("seq"),
		t.dialect.Placeholder(1), t.dialect.Placeholder(2), t.dialect.Placeholder(3),
		t.dialect.Placeholder(4), t.dialect.Placeholder(5))
	if _, err := t.tx.ExecContext(ctx, stmt, rev.ID, rev.ParentID, rev.Description, rev.AppliedAt, next); err != nil {
		return fmt.Errorf("append revision %s: %w", rev.ID, err)
	}
	return nil
}

func (t *tx) DeleteRevision(ctx context.Context, id string) error {
	q := t.dialect.Quote
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", q(ledgerTable), q("revision"), t.dialect.Placeholder(1))
	if _, err := t.tx.ExecContext(ctx, stmt, id); err != nil {
		return fmt.Errorf("delete revision %s: %w", id, err)
	}
	return nil
}

func (t *tx) SaveCatalog(ctx context.Context, s schema.Schema) error {
	doc, err := schema.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schema catalog: %w", err)
	}
	q := t.dialect.Quote
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = 1", q(catalogTable), q("id"))
	if _, err := t.tx.ExecContext(ctx, del); err != nil {
		return fmt.Errorf("clear schema catalog: %w", err)
	}
	ins := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (1, %s)",
		q(catalogTable), q("id"), q("document"), t.dialect.Placeholder(1))
	if _, err := t.tx.ExecContext(ctx, ins, string(doc)); err != nil {
		return fmt.Errorf("save schema catalog: %w", err)
	}
	return nil
}

func (t *tx) InsertAudit(ctx context.Context, revisionID string, entries []migrator.IdentityMapping) error {
	q := t.dialect.Quote
	var next int64
	seqStmt := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s", q("seq"), q(auditTable))
	if err := t.tx.QueryRowContext(ctx, seqStmt).Scan(&next); err != nil {
		return fmt.Errorf("next audit sequence: %w", err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (%s, %s, %s, %s, %s)",
		q(auditTable), q("seq"), q("revision"), q("entity_table"), q("old_key"), q("new_key"),
		t.dialect.Placeholder(1), t.dialect.Placeholder(2), t.dialect.Placeholder(3),
		t.dialect.Placeholder(4), t.dialect.Placeholder(5))
	for i, e := range entries {
		if _, err := t.tx.ExecContext(ctx, stmt, next+int64(i), revisionID, e.EntityTable, e.OldKey, e.NewKey); err != nil {
			return fmt.Errorf("insert audit entry for %s: %w", e.EntityTable, err)
		}
	}
	return nil
}
