// Command migrate is the operator CLI for the migration engine: it applies
// and reverts revisions, reports ledger state, autogenerates revision files
// from schema drift, and maintains the identity-map audit.
//
// Exit codes: 0 on success, 2 when the migration lock is held elsewhere,
// 3 on a verification failure that rolled the unit back, 1 otherwise.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/config"
	"github.com/gymflow/migrator/executor"
	"github.com/gymflow/migrator/plan"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store"
)

const (
	exitGeneric   = 1
	exitLocked    = 2
	exitIntegrity = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, migrator.ErrMigrationLocked) {
		return exitLocked
	}
	var iv *migrator.IntegrityViolationError
	if errors.As(err, &iv) {
		return exitIntegrity
	}
	return exitGeneric
}

// env ties together everything a subcommand needs against one database.
type env struct {
	cfg     *config.Config
	conn    store.Conn
	planner *plan.Planner
	exec    *executor.Executor
	logger  *slog.Logger
}

func (e *env) close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Error("failed to close store", "error", err)
		}
	}
}

func rootCommand() *cobra.Command {
	var (
		configPath   string
		driver       string
		dsn          string
		dir          string
		lockTimeout  time.Duration
		orphanPolicy string
	)

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Schema migration and identity remapping for gymflow databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to migrator.yaml")
	root.PersistentFlags().StringVar(&driver, "driver", "", "override the configured driver")
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "override the configured DSN")
	root.PersistentFlags().StringVar(&dir, "dir", "", "override the migrations directory")
	root.PersistentFlags().DurationVar(&lockTimeout, "lock-timeout", 0, "override the lock timeout")
	root.PersistentFlags().StringVar(&orphanPolicy, "orphan-policy", "", "override the orphan policy (abort|nullify)")

	open := func() (*env, error) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if driver != "" {
			cfg.Driver = driver
		}
		if dsn != "" {
			cfg.DSN = dsn
		}
		if dir != "" {
			cfg.MigrationsDir = dir
		}
		if lockTimeout > 0 {
			cfg.LockTimeout = lockTimeout
		}
		if orphanPolicy != "" {
			cfg.OrphanPolicy = orphanPolicy
		}
		policy, err := cfg.Policy()
		if err != nil {
			return nil, err
		}
		conn, err := cfg.OpenStore()
		if err != nil {
			return nil, err
		}
		exec, err := executor.New(executor.Config{
			Store:        conn,
			OrphanPolicy: policy,
			LockTimeout:  cfg.LockTimeout,
			DisableAudit: !*cfg.AuditMappings,
			Logger:       logger,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &env{
			cfg:     cfg,
			conn:    conn,
			planner: plan.NewPlanner(cfg.MigrationsDir),
			exec:    exec,
			logger:  logger,
		}, nil
	}

	root.AddCommand(
		upgradeCommand(open),
		downgradeCommand(open),
		currentCommand(open),
		historyCommand(open),
		checkCommand(open),
		revisionCommand(open),
		pruneAuditCommand(open),
	)
	return root
}

func upgradeCommand(open func() (*env, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade [target]",
		Short: "Apply pending revisions up to the target (default: head)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			if err := e.exec.Startup(ctx); err != nil {
				return err
			}

			target := "head"
			if len(args) == 1 {
				target = args[0]
			}
			applied, err := e.conn.AppliedRevisions(ctx)
			if err != nil {
				return err
			}
			pending, err := e.planner.Pending(applied, target)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to apply")
				return nil
			}

			head, reports, err := e.exec.Apply(ctx, pending)
			printReports(cmd, reports)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "upgraded to %s\n", head)
			return nil
		},
	}
}

func downgradeCommand(open func() (*env, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "downgrade <target>",
		Short: "Revert applied revisions down to the target (-1, base, or a revision)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			if err := e.exec.Startup(ctx); err != nil {
				return err
			}

			applied, err := e.conn.AppliedRevisions(ctx)
			if err != nil {
				return err
			}
			files, err := e.planner.Downgrade(applied, args[0])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to revert")
				return nil
			}

			head, reports, err := e.exec.Revert(ctx, files)
			printReports(cmd, reports)
			if err != nil {
				return err
			}
			if head == "" {
				head = "base"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "downgraded to %s\n", head)
			return nil
		},
	}
}

func currentCommand(open func() (*env, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Print the database's current head revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()

			applied, err := e.conn.AppliedRevisions(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "base (no revisions applied)")
				return nil
			}
			head := applied[len(applied)-1]
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", head.ID, head.Description)
			return nil
		},
	}
}

func historyCommand(open func() (*env, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the revision chain with applied state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()

			files, err := e.planner.Files()
			if err != nil {
				return err
			}
			applied, err := e.conn.AppliedRevisions(cmd.Context())
			if err != nil {
				return err
			}
			appliedSet := make(map[string]migrator.Revision, len(applied))
			for _, rev := range applied {
				appliedSet[rev.ID] = rev
			}

			for _, f := range files {
				mark := " "
				when := ""
				if rev, ok := appliedSet[f.Revision]; ok {
					mark = "x"
					when = rev.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s  %-40s %s\n", mark, f.Revision, f.Description, when)
			}
			return nil
		},
	}
}

func checkCommand(open func() (*env, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Fail when revisions are pending or the declared schema has drifted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			if err := e.conn.EnsureLedger(ctx); err != nil {
				return err
			}

			applied, err := e.conn.AppliedRevisions(ctx)
			if err != nil {
				return err
			}
			pending, err := e.planner.Pending(applied, "head")
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				return fmt.Errorf("%d revision(s) pending; run upgrade first", len(pending))
			}

			if e.cfg.SchemaFile == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "up to date (no declared schema configured)")
				return nil
			}
			declared, err := schema.Load(e.cfg.SchemaFile)
			if err != nil {
				return err
			}
			live, err := e.conn.Introspect(ctx)
			if err != nil {
				return err
			}
			ops, err := plan.Diff(declared, live)
			if err != nil {
				return err
			}
			if len(ops) > 0 {
				for _, op := range ops {
					fmt.Fprintf(cmd.OutOrStdout(), "  drift: %s\n", op)
				}
				return fmt.Errorf("declared schema has drifted by %d operation(s); run revision --autogenerate", len(ops))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "up to date")
			return nil
		},
	}
}

func revisionCommand(open func() (*env, error)) *cobra.Command {
	var message string
	var autogenerate bool

	cmd := &cobra.Command{
		Use:   "revision",
		Short: "Create a new revision file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()

			if !autogenerate {
				files, err := e.planner.Files()
				if err != nil {
					return err
				}
				parent := ""
				if n := len(files); n > 0 {
					parent = files[n-1].Revision
				}
				f := plan.File{
					Revision:    plan.NewRevisionToken(),
					Parent:      parent,
					Description: message,
				}
				path, err := plan.Write(e.cfg.MigrationsDir, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote empty revision %s to %s\n", f.Revision, path)
				return nil
			}

			if e.cfg.SchemaFile == "" {
				return fmt.Errorf("autogenerate requires schema_file in the configuration")
			}
			declared, err := schema.Load(e.cfg.SchemaFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := e.conn.EnsureLedger(ctx); err != nil {
				return err
			}
			live, err := e.conn.Introspect(ctx)
			if err != nil {
				return err
			}
			f, path, err := e.planner.Autogenerate(declared, live, message)
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no schema changes detected")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote revision %s (%d operations) to %s\n",
				f.Revision, len(f.Operations), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "revision description")
	cmd.Flags().BoolVar(&autogenerate, "autogenerate", false, "derive operations from schema drift")
	cmd.MarkFlagRequired("message")
	return cmd
}

func pruneAuditCommand(open func() (*env, error)) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "prune-audit",
		Short: "Drop the identity-map audit table",
		Long: "Drop the identity-map audit table. After pruning, revisions that " +
			"changed identity types can no longer be downgraded.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("pruning makes identity changes irreversible; re-run with --yes to confirm")
			}
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.conn.DropAudit(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "identity-map audit dropped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the prune")
	return cmd
}

func printReports(cmd *cobra.Command, reports []executor.Report) {
	for _, r := range reports {
		line := fmt.Sprintf("%s  %s", r.Revision, r.State)
		if r.RowsRemapped > 0 {
			line += fmt.Sprintf("  (%d rows remapped)", r.RowsRemapped)
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		for _, w := range r.Warnings {
			fmt.Fprintf(cmd.OutOrStdout(), "  warning: %s\n", w.Error())
		}
	}
}
