// Package config loads the migrator configuration from a YAML file with
// environment overrides and validates it before anything touches the
// database.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/store"
	"github.com/gymflow/migrator/store/mysql"
	"github.com/gymflow/migrator/store/postgres"
	"github.com/gymflow/migrator/store/sqlite"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "migrator.yaml"

// Config is the migrator's full configuration.
type Config struct {
	// Driver selects the database backend.
	Driver string `yaml:"driver" validate:"required,oneof=postgres sqlite mysql"`

	// DSN is the driver connection string.
	DSN string `yaml:"dsn" validate:"required"`

	// MigrationsDir holds the revision files.
	MigrationsDir string `yaml:"migrations_dir" validate:"required,dir"`

	// SchemaFile is the declared target schema, used by autogenerate and
	// drift checks.
	SchemaFile string `yaml:"schema_file"`

	// LockTimeout bounds advisory lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout" validate:"min=0"`

	// OrphanPolicy decides how orphaned foreign keys are handled during
	// identity remaps. Must be set explicitly.
	OrphanPolicy string `yaml:"orphan_policy" validate:"required,oneof=abort nullify"`

	// AuditMappings persists identity mappings for downgrade support.
	// Defaults to true; disabling it makes identity changes irreversible.
	AuditMappings *bool `yaml:"audit_mappings"`
}

// Load reads the configuration file, applies MIGRATOR_* environment
// overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	applyEnv(&cfg)

	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "migrations"
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.AuditMappings == nil {
		enabled := true
		cfg.AuditMappings = &enabled
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides file values from the environment. DSNs usually carry
// credentials, so MIGRATOR_DSN is the expected way to supply one in CI.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MIGRATOR_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("MIGRATOR_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("MIGRATOR_MIGRATIONS_DIR"); v != "" {
		cfg.MigrationsDir = v
	}
	if v := os.Getenv("MIGRATOR_SCHEMA_FILE"); v != "" {
		cfg.SchemaFile = v
	}
	if v := os.Getenv("MIGRATOR_ORPHAN_POLICY"); v != "" {
		cfg.OrphanPolicy = v
	}
	if v := os.Getenv("MIGRATOR_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockTimeout = d
		}
	}
}

// Policy returns the parsed orphan policy.
func (c *Config) Policy() (migrator.OrphanPolicy, error) {
	policy, ok := migrator.ParseOrphanPolicy(c.OrphanPolicy)
	if !ok {
		return "", fmt.Errorf("unknown orphan policy %q", c.OrphanPolicy)
	}
	return policy, nil
}

// OpenStore connects to the configured database.
func (c *Config) OpenStore() (store.Conn, error) {
	switch c.Driver {
	case "postgres":
		return postgres.Open(c.DSN)
	case "sqlite":
		return sqlite.Open(c.DSN)
	case "mysql":
		return mysql.Open(c.DSN)
	}
	return nil, fmt.Errorf("unknown driver %q", c.Driver)
}
