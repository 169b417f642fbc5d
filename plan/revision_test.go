package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymflow/migrator/schema"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestScanOrdersAndChains(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0002_add_bookings.yaml", `
revision: bbb222
parent: aaa111
description: add bookings
operations: []
`)
	writeFile(t, dir, "0001_create_users.yaml", `
revision: aaa111
parent: ""
description: create users
operations:
  - kind: create_table
    table: users
    descriptor:
      name: users
      columns:
        - name: id
          type: integer
      primary_key: [id]
`)
	writeFile(t, dir, "README.md", "not a revision")

	files, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "aaa111", files[0].Revision)
	assert.Equal(t, 1, files[0].Seq)
	assert.Equal(t, "bbb222", files[1].Revision)
	require.Len(t, files[0].Operations, 1)
	assert.Equal(t, OpCreateTable, files[0].Operations[0].Kind)
}

func TestScanRejectsBrokenChain(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0001_first.yaml", `
revision: aaa111
parent: ""
description: first
operations: []
`)
	writeFile(t, dir, "0002_second.yaml", `
revision: bbb222
parent: zzz999
description: second
operations: []
`)

	_, err := Scan(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares parent")
}

func TestScanRejectsDuplicateToken(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0001_first.yaml", `
revision: aaa111
parent: ""
description: first
operations: []
`)
	writeFile(t, dir, "0002_second.yaml", `
revision: aaa111
parent: aaa111
description: second
operations: []
`)

	_, err := Scan(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared by both")
}

func TestScanRejectsInvalidOperation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0001_bad.yaml", `
revision: aaa111
parent: ""
description: bad
operations:
  - kind: create_table
    table: users
`)

	_, err := Scan(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a table descriptor")
}

func TestWriteAssignsNextSequence(t *testing.T) {
	dir := t.TempDir()

	desc := schema.TableDescriptor{
		Name:       "users",
		Columns:    []schema.ColumnDescriptor{{Name: "id", Type: schema.TypeInteger}},
		PrimaryKey: []string{"id"},
	}
	first := File{
		Revision:    "aaa111",
		Parent:      "",
		Description: "Create Users",
		Operations:  []Operation{{Kind: OpCreateTable, Table: "users", Descriptor: &desc}},
	}
	path, err := Write(dir, first)
	require.NoError(t, err)
	assert.Equal(t, "0001_create_users.yaml", filepath.Base(path))

	second := File{Revision: "bbb222", Parent: "aaa111", Description: "add bookings!"}
	path, err = Write(dir, second)
	require.NoError(t, err)
	assert.Equal(t, "0002_add_bookings.yaml", filepath.Base(path))

	files, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "aaa111", files[0].Revision)
	require.Len(t, files[0].Operations, 1)
	assert.Equal(t, "users", files[0].Operations[0].Descriptor.Name)
}
