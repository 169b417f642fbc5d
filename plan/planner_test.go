package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
)

func plannerFixture(t *testing.T) *Planner {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "0001_first.yaml", `
revision: aaa111
parent: ""
description: first
operations: []
`)
	writeFile(t, dir, "0002_second.yaml", `
revision: bbb222
parent: aaa111
description: second
operations: []
`)
	writeFile(t, dir, "0003_third.yaml", `
revision: ccc333
parent: bbb222
description: third
operations: []
`)
	return NewPlanner(dir)
}

func applied(ids ...string) []migrator.Revision {
	out := make([]migrator.Revision, len(ids))
	for i, id := range ids {
		out[i] = migrator.Revision{ID: id}
	}
	return out
}

func TestPendingToHead(t *testing.T) {
	p := plannerFixture(t)

	files, err := p.Pending(nil, "head")
	require.NoError(t, err)
	require.Len(t, files, 3)

	files, err = p.Pending(applied("aaa111"), "")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "bbb222", files[0].Revision)

	files, err = p.Pending(applied("aaa111", "bbb222", "ccc333"), "head")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPendingToTarget(t *testing.T) {
	p := plannerFixture(t)

	files, err := p.Pending(nil, "bbb222")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "bbb222", files[1].Revision)

	// An already-applied target is a no-op, not an error.
	files, err = p.Pending(applied("aaa111", "bbb222"), "aaa111")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = p.Pending(nil, "nope")
	assert.ErrorIs(t, err, migrator.ErrRevisionNotFound)
}

func TestPendingRejectsUnknownLedger(t *testing.T) {
	p := plannerFixture(t)

	_, err := p.Pending(applied("zzz999"), "head")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	_, err = p.Pending(applied("aaa111", "bbb222", "ccc333", "ddd444"), "head")
	require.Error(t, err)
}

func TestDowngradeOne(t *testing.T) {
	p := plannerFixture(t)

	files, err := p.Downgrade(applied("aaa111", "bbb222"), "-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "bbb222", files[0].Revision)

	files, err = p.Downgrade(nil, "-1")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDowngradeToBase(t *testing.T) {
	p := plannerFixture(t)

	files, err := p.Downgrade(applied("aaa111", "bbb222", "ccc333"), "base")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "ccc333", files[0].Revision)
	assert.Equal(t, "aaa111", files[2].Revision)
}

func TestDowngradeToRevision(t *testing.T) {
	p := plannerFixture(t)

	files, err := p.Downgrade(applied("aaa111", "bbb222", "ccc333"), "aaa111")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "ccc333", files[0].Revision)
	assert.Equal(t, "bbb222", files[1].Revision)

	_, err = p.Downgrade(applied("aaa111"), "nope")
	assert.ErrorIs(t, err, migrator.ErrRevisionNotFound)
}

func TestNewRevisionToken(t *testing.T) {
	seen := make(map[string]bool)
	for range 50 {
		token := NewRevisionToken()
		assert.Len(t, token, 12)
		assert.False(t, seen[token], "token %s repeated", token)
		seen[token] = true
	}
}

func TestAutogenerate(t *testing.T) {
	dir := t.TempDir()
	p := NewPlanner(dir)

	declared := schema.Schema{
		"users": {
			Name:       "users",
			Columns:    []schema.ColumnDescriptor{{Name: "id", Type: schema.TypeInteger}},
			PrimaryKey: []string{"id"},
		},
	}

	f, path, err := p.Autogenerate(declared, schema.Schema{}, "create users")
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.Equal(t, "", f.Parent)
	require.Len(t, f.Operations, 1)

	files, err := p.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, f.Revision, files[0].Revision)

	// No drift, no file.
	_, path, err = p.Autogenerate(declared, declared.Clone(), "noop")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestAutogenerateAmbiguous(t *testing.T) {
	dir := t.TempDir()
	p := NewPlanner(dir)

	declared := schema.Schema{
		"users": {
			Name: "users",
			Columns: []schema.ColumnDescriptor{
				{Name: "id", Type: schema.TypeInteger},
				{Name: "full_name", Type: schema.TypeText},
			},
			PrimaryKey: []string{"id"},
		},
	}
	live := schema.Schema{
		"users": {
			Name: "users",
			Columns: []schema.ColumnDescriptor{
				{Name: "id", Type: schema.TypeInteger},
				{Name: "name", Type: schema.TypeText},
			},
			PrimaryKey: []string{"id"},
		},
	}

	_, _, err := p.Autogenerate(declared, live, "rename")
	var ambiguous *migrator.AmbiguousDiffError
	require.True(t, errors.As(err, &ambiguous))

	entries, err := p.Files()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
