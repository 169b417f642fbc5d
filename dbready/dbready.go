// Package dbready is the application-side handoff: it blocks service startup
// until the database ledger has caught up with the shipped revision files,
// then opens the ORM handle the application uses from that point on.
package dbready

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gymflow/migrator/plan"
	"github.com/gymflow/migrator/store"
)

// Options configures the readiness wait.
type Options struct {
	// PollInterval is how often the ledger is re-read (default: 2s).
	PollInterval time.Duration

	// Logger is for observability (optional).
	Logger *slog.Logger
}

// Wait blocks until the ledger head matches the last revision file in dir,
// or the context is done. A service deployed alongside a migration job calls
// this before serving traffic so it never reads a half-migrated schema.
func Wait(ctx context.Context, conn store.Conn, dir string, opts Options) error {
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	files, err := plan.NewPlanner(dir).Files()
	if err != nil {
		return fmt.Errorf("scan revision directory: %w", err)
	}
	want := ""
	if n := len(files); n > 0 {
		want = files[n-1].Revision
	}

	for {
		applied, err := conn.AppliedRevisions(ctx)
		if err == nil {
			head := ""
			if n := len(applied); n > 0 {
				head = applied[n-1].ID
			}
			if head == want {
				return nil
			}
			opts.Logger.Info("waiting for migrations", "head", head, "want", want)
		} else {
			opts.Logger.Warn("ledger not readable yet", "error", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("database never reached revision %s: %w", want, ctx.Err())
		case <-time.After(opts.PollInterval):
		}
	}
}

// OpenGorm opens the application's PostgreSQL ORM handle once Wait has
// confirmed the schema is current.
func OpenGorm(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm handle: %w", err)
	}
	return db, nil
}
