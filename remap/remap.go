// Package remap generates surrogate identifiers for identity-type migrations
// and rewires foreign keys through the resulting mapping. Mappings are
// migration-scoped and immutable; the executor persists them to the audit
// table so downgrades can invert them.
package remap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/store"
)

// Remapper generates identity mappings and rewrites dependent references
// under a declared orphan policy.
type Remapper struct {
	policy migrator.OrphanPolicy
	logger *slog.Logger
}

// New creates a Remapper. The orphan policy must be an explicit choice made
// by the caller; there is no default.
func New(policy migrator.OrphanPolicy, logger *slog.Logger) (*Remapper, error) {
	if policy != migrator.OrphanAbort && policy != migrator.OrphanNullify {
		return nil, fmt.Errorf("orphan policy must be declared explicitly, got %q", policy)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Remapper{policy: policy, logger: logger}, nil
}

// Generate produces exactly one new surrogate identifier per distinct
// existing key in the table. Collision probability of the 128-bit random
// identifiers is treated as negligible, but uniqueness is still asserted
// against both the generated set and the previously persisted audit set.
func (r *Remapper) Generate(ctx context.Context, tx store.Tx, table, keyColumn string, prior []migrator.IdentityMapping) ([]migrator.IdentityMapping, error) {
	rows, err := tx.ReadRows(ctx, table, []string{keyColumn})
	if err != nil {
		return nil, fmt.Errorf("read keys of %s: %w", table, err)
	}

	taken := make(map[string]struct{}, len(prior))
	for _, m := range prior {
		taken[m.NewKey] = struct{}{}
	}

	seen := make(map[string]struct{}, len(rows))
	oldKeys := make([]string, 0, len(rows))
	for _, row := range rows {
		v := row[keyColumn]
		if v == nil {
			return nil, fmt.Errorf("table %s has a NULL value in key column %s", table, keyColumn)
		}
		key := Render(v)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("table %s has duplicate key %s in column %s", table, key, keyColumn)
		}
		seen[key] = struct{}{}
		oldKeys = append(oldKeys, key)
	}
	sort.Strings(oldKeys)

	mapping := make([]migrator.IdentityMapping, 0, len(oldKeys))
	for _, old := range oldKeys {
		id := uuid.NewString()
		if _, clash := taken[id]; clash {
			return nil, fmt.Errorf("generated identifier %s collides with an existing one", id)
		}
		taken[id] = struct{}{}
		mapping = append(mapping, migrator.IdentityMapping{EntityTable: table, OldKey: old, NewKey: id})
	}

	r.logger.Info("generated identity mapping", "table", table, "keys", len(mapping))
	return mapping, nil
}

// RewriteColumn writes mapped values of srcColumn into dstColumn for every
// row of the table, matched through the mapping index. Rows whose source
// value has no mapping entry are orphaned references: under OrphanAbort the
// rewrite fails with the *migrator.DataIntegrityWarning as the error; under
// OrphanNullify the destination is set to NULL and the warning is returned
// alongside the update count. NULL sources pass through as NULL.
func (r *Remapper) RewriteColumn(ctx context.Context, tx store.Tx, table, keyColumn, srcColumn, dstColumn string, index map[string]string) (int, *migrator.DataIntegrityWarning, error) {
	rows, err := tx.ReadRows(ctx, table, []string{keyColumn, srcColumn})
	if err != nil {
		return 0, nil, fmt.Errorf("read %s: %w", table, err)
	}

	updates := make([]store.Row, 0, len(rows))
	var orphans []string
	for _, row := range rows {
		update := store.Row{keyColumn: row[keyColumn]}
		src := row[srcColumn]
		if src == nil {
			update[dstColumn] = nil
			updates = append(updates, update)
			continue
		}
		mapped, ok := index[Render(src)]
		if !ok {
			orphans = append(orphans, Render(row[keyColumn]))
			update[dstColumn] = nil
			updates = append(updates, update)
			continue
		}
		update[dstColumn] = mapped
		updates = append(updates, update)
	}

	var warning *migrator.DataIntegrityWarning
	if len(orphans) > 0 {
		sort.Strings(orphans)
		warning = &migrator.DataIntegrityWarning{Table: table, Column: srcColumn, RowKeys: orphans}
		r.logger.Warn("orphaned foreign key values found",
			"table", table, "column", srcColumn, "rows", orphans, "policy", string(r.policy))
		if r.policy == migrator.OrphanAbort {
			return 0, nil, warning
		}
	}

	if len(updates) > 0 {
		if err := tx.UpdateRows(ctx, table, keyColumn, updates); err != nil {
			return 0, nil, fmt.Errorf("rewrite %s.%s: %w", table, dstColumn, err)
		}
	}

	return len(updates), warning, nil
}

// Index builds an old-key to new-key lookup from mapping entries.
func Index(mapping []migrator.IdentityMapping) map[string]string {
	out := make(map[string]string, len(mapping))
	for _, m := range mapping {
		out[m.OldKey] = m.NewKey
	}
	return out
}

// Invert builds a new-key to old-key lookup, used when reverting an
// identity-type change through the persisted audit entries.
func Invert(mapping []migrator.IdentityMapping) map[string]string {
	out := make(map[string]string, len(mapping))
	for _, m := range mapping {
		out[m.NewKey] = m.OldKey
	}
	return out
}

// Render converts a stored key value to its canonical text form used by
// mapping entries.
func Render(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
