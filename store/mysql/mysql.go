// Package mysql implements the store contract for MySQL and MariaDB.
//
// MySQL commits implicitly around DDL statements, so a revision containing
// structural changes is not one atomic unit there the way it is on PostgreSQL
// or SQLite. The shadow protocol still bounds the damage: the canonical table
// is replaced only after verification, and startup cleanup discards any
// shadow a crashed run left behind.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store/sqldriver"
)

const lockName = "gymflow_migrator"

// Open connects to a MySQL or MariaDB database. The DSN must enable
// parseTime so timestamp columns scan as time.Time. clientFoundRows is
// forced on so updates report matched rows rather than changed rows, which
// the row-copy and remap paths check.
func Open(dsn string) (*sqldriver.Store, error) {
	if strings.Contains(dsn, "?") {
		dsn += "&clientFoundRows=true"
	} else {
		dsn += "?clientFoundRows=true"
	}
	return sqldriver.Open("mysql", dsn, dialect{})
}

type dialect struct{}

func (dialect) Name() string { return "mysql" }

func (dialect) Quote(ident string) string { return "`" + ident + "`" }

func (dialect) Placeholder(int) string { return "?" }

// TypeSQL maps neutral types. MySQL cannot index TEXT without a prefix
// length, so key columns of text and uuid types become bounded VARCHAR/CHAR.
func (dialect) TypeSQL(t schema.ColumnType, key bool) (string, error) {
	switch t {
	case schema.TypeInteger:
		return "INT", nil
	case schema.TypeBigInt:
		return "BIGINT", nil
	case schema.TypeUUID:
		return "CHAR(36)", nil
	case schema.TypeText:
		if key {
			return "VARCHAR(191)", nil
		}
		return "TEXT", nil
	case schema.TypeBoolean:
		return "BOOLEAN", nil
	case schema.TypeFloat:
		return "DOUBLE", nil
	case schema.TypeDate:
		return "DATE", nil
	case schema.TypeTimestamp:
		return "DATETIME(6)", nil
	}
	return "", fmt.Errorf("unknown column type %q", t)
}

func (d dialect) RenameTableSQL(oldName, newName string) string {
	return fmt.Sprintf("RENAME TABLE %s TO %s", d.Quote(oldName), d.Quote(newName))
}

func (d dialect) RenameColumnSQL(table, oldName, newName string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		d.Quote(table), d.Quote(oldName), d.Quote(newName))
}

func (d dialect) AlterColumnTypeSQL(table, column string, to schema.ColumnType) (string, error) {
	typeSQL, err := d.TypeSQL(to, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s MODIFY %s %s", d.Quote(table), d.Quote(column), typeSQL), nil
}

// AcquireLock takes a named GET_LOCK on a dedicated connection. GET_LOCK is
// session-scoped, so the connection stays open until release.
func (dialect) AcquireLock(ctx context.Context, db *sql.DB, timeout time.Duration) (func(context.Context) error, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open lock connection: %w", err)
	}

	seconds := int64(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName, seconds).Scan(&got); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire named lock: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		conn.Close()
		return nil, fmt.Errorf("%w: named lock held by another process", migrator.ErrMigrationLocked)
	}

	release := func(ctx context.Context) error {
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", lockName); err != nil {
			return fmt.Errorf("release named lock: %w", err)
		}
		return nil
	}
	return release, nil
}
