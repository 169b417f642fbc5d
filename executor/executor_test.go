package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/plan"
	"github.com/gymflow/migrator/remap"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store"
	"github.com/gymflow/migrator/store/memory"
)

func usersDesc(idType schema.ColumnType) schema.TableDescriptor {
	return schema.TableDescriptor{
		Name: "users",
		Columns: []schema.ColumnDescriptor{
			{Name: "id", Type: idType},
			{Name: "email", Type: schema.TypeText},
		},
		PrimaryKey: []string{"id"},
	}
}

func bookingsDesc(userIDType schema.ColumnType) schema.TableDescriptor {
	return schema.TableDescriptor{
		Name: "bookings",
		Columns: []schema.ColumnDescriptor{
			{Name: "id", Type: schema.TypeInteger},
			{Name: "user_id", Type: userIDType, Nullable: true},
			{Name: "class_name", Type: schema.TypeText},
		},
		PrimaryKey:  []string{"id"},
		ForeignKeys: []schema.ForeignKey{{Column: "user_id", RefTable: "users", RefColumn: "id"}},
	}
}

func nutritionDesc(userIDType schema.ColumnType) schema.TableDescriptor {
	return schema.TableDescriptor{
		Name: "daily_nutrition",
		Columns: []schema.ColumnDescriptor{
			{Name: "id", Type: schema.TypeInteger},
			{Name: "user_id", Type: userIDType, Nullable: true},
			{Name: "calories", Type: schema.TypeInteger},
		},
		PrimaryKey:  []string{"id"},
		ForeignKeys: []schema.ForeignKey{{Column: "user_id", RefTable: "users", RefColumn: "id"}},
	}
}

func newExecutor(t *testing.T, mem *memory.Store, policy migrator.OrphanPolicy) *Executor {
	t.Helper()
	e, err := New(Config{Store: mem, OrphanPolicy: policy, LockTimeout: time.Second})
	require.NoError(t, err)
	return e
}

func identityFile() plan.File {
	return plan.File{
		Revision:    "rev1",
		Parent:      "",
		Description: "users identity to uuid",
		Operations: []plan.Operation{{
			Kind:       plan.OpAlterColumnType,
			Table:      "users",
			ColumnName: "id",
			FromType:   schema.TypeInteger,
			ToType:     schema.TypeUUID,
			Dependents: []schema.Dependent{
				{Table: "bookings", KeyColumn: "id", FKColumn: "user_id"},
				{Table: "daily_nutrition", KeyColumn: "id", FKColumn: "user_id"},
			},
		}},
	}
}

func seedIdentityFixture(mem *memory.Store) {
	mem.Seed(usersDesc(schema.TypeInteger), []store.Row{
		{"id": 1, "email": "a@gym.test"},
		{"id": 2, "email": "b@gym.test"},
	})
	mem.Seed(bookingsDesc(schema.TypeInteger), []store.Row{
		{"id": 10, "user_id": 1, "class_name": "spin"},
		{"id": 11, "user_id": 1, "class_name": "yoga"},
		{"id": 12, "user_id": 2, "class_name": "hiit"},
	})
	mem.Seed(nutritionDesc(schema.TypeInteger), []store.Row{
		{"id": 20, "user_id": 1, "calories": 2100},
		{"id": 21, "user_id": 2, "calories": 1800},
		{"id": 22, "user_id": 2, "calories": 2300},
	})
}

func TestApplyCreateTables(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	e := newExecutor(t, mem, migrator.OrphanAbort)

	users := usersDesc(schema.TypeInteger)
	bookings := bookingsDesc(schema.TypeInteger)
	file := plan.File{
		Revision:    "rev1",
		Description: "create core tables",
		Operations: []plan.Operation{
			{Kind: plan.OpCreateTable, Table: "users", Descriptor: &users},
			{Kind: plan.OpCreateTable, Table: "bookings", Descriptor: &bookings},
		},
	}

	head, reports, err := e.Apply(ctx, []plan.File{file})
	require.NoError(t, err)
	assert.Equal(t, "rev1", head)
	require.Len(t, reports, 1)
	assert.Equal(t, migrator.RunStateCommitted, reports[0].State)
	assert.Equal(t, -1, reports[0].FailedOperation)

	assert.True(t, mem.HasTable("users"))
	assert.True(t, mem.HasTable("bookings"))

	applied, err := mem.AppliedRevisions(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "rev1", applied[0].ID)

	live, err := mem.Introspect(ctx)
	require.NoError(t, err)
	assert.Contains(t, live, "users")
	assert.Contains(t, live, "bookings")
}

func TestApplyIdentityRemap(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	seedIdentityFixture(mem)
	e := newExecutor(t, mem, migrator.OrphanAbort)

	head, reports, err := e.Apply(ctx, []plan.File{identityFile()})
	require.NoError(t, err)
	assert.Equal(t, "rev1", head)
	require.Len(t, reports, 1)
	assert.Equal(t, migrator.RunStateCommitted, reports[0].State)
	assert.Equal(t, 6, reports[0].RowsRemapped)
	assert.Empty(t, reports[0].Warnings)

	mapping, err := mem.AuditEntries(ctx, "users", "rev1")
	require.NoError(t, err)
	require.Len(t, mapping, 2)
	index := remap.Index(mapping)

	users, _ := mem.TableRows("users")
	require.Len(t, users, 2)
	for _, row := range users {
		id, ok := row["id"].(string)
		require.True(t, ok)
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	}

	bookings, _ := mem.TableRows("bookings")
	require.Len(t, bookings, 3)
	for _, row := range bookings {
		switch row["id"] {
		case 10, 11:
			assert.Equal(t, index["1"], row["user_id"])
		case 12:
			assert.Equal(t, index["2"], row["user_id"])
		}
	}

	nutrition, _ := mem.TableRows("daily_nutrition")
	require.Len(t, nutrition, 3)
	for _, row := range nutrition {
		if row["id"] == 20 {
			assert.Equal(t, index["1"], row["user_id"])
		} else {
			assert.Equal(t, index["2"], row["user_id"])
		}
	}

	// The shadow and archived tables must not survive the swap.
	assert.False(t, mem.HasTable("users__shadow"))
	assert.False(t, mem.HasTable("users__archived"))
	markers, err := mem.CleanupMarkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)

	live, err := mem.Introspect(ctx)
	require.NoError(t, err)
	idCol, ok := live["users"].Column("id")
	require.True(t, ok)
	assert.Equal(t, schema.TypeUUID, idCol.Type)
	fkCol, ok := live["bookings"].Column("user_id")
	require.True(t, ok)
	assert.Equal(t, schema.TypeUUID, fkCol.Type)
}

func TestRevertIdentityRemap(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	seedIdentityFixture(mem)
	e := newExecutor(t, mem, migrator.OrphanAbort)

	file := identityFile()
	_, _, err := e.Apply(ctx, []plan.File{file})
	require.NoError(t, err)

	head, reports, err := e.Revert(ctx, []plan.File{file})
	require.NoError(t, err)
	assert.Equal(t, "", head)
	require.Len(t, reports, 1)
	assert.Equal(t, migrator.RunStateCommitted, reports[0].State)

	users, _ := mem.TableRows("users")
	ids := make(map[string]bool)
	for _, row := range users {
		ids[remap.Render(row["id"])] = true
	}
	assert.True(t, ids["1"] && ids["2"])

	bookings, _ := mem.TableRows("bookings")
	for _, row := range bookings {
		switch row["id"] {
		case 10, 11:
			assert.Equal(t, "1", remap.Render(row["user_id"]))
		case 12:
			assert.Equal(t, "2", remap.Render(row["user_id"]))
		}
	}

	applied, err := mem.AppliedRevisions(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestRevertIdentityRemapWithoutAudit(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	seedIdentityFixture(mem)

	e, err := New(Config{
		Store:        mem,
		OrphanPolicy: migrator.OrphanAbort,
		LockTimeout:  time.Second,
		DisableAudit: true,
	})
	require.NoError(t, err)

	file := identityFile()
	_, _, err = e.Apply(ctx, []plan.File{file})
	require.NoError(t, err)

	_, _, err = e.Revert(ctx, []plan.File{file})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no audit entries")
}

func TestApplyOrphanAbort(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	seedIdentityFixture(mem)
	mem.Seed(bookingsDesc(schema.TypeInteger), []store.Row{
		{"id": 10, "user_id": 99, "class_name": "ghost"},
	})
	e := newExecutor(t, mem, migrator.OrphanAbort)

	_, reports, err := e.Apply(ctx, []plan.File{identityFile()})
	require.Error(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, migrator.RunStateFailed, reports[0].State)
	assert.Equal(t, 0, reports[0].FailedOperation)

	// The unit rolled back in full: integer ids, no ledger entry, no shadow.
	users, _ := mem.TableRows("users")
	for _, row := range users {
		assert.IsType(t, 0, row["id"])
	}
	applied, _ := mem.AppliedRevisions(ctx)
	assert.Empty(t, applied)
	assert.False(t, mem.HasTable("users__shadow"))

	markers, err := mem.CleanupMarkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestApplyOrphanNullify(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	mem.Seed(usersDesc(schema.TypeInteger), []store.Row{
		{"id": 1, "email": "a@gym.test"},
	})
	mem.Seed(bookingsDesc(schema.TypeInteger), []store.Row{
		{"id": 10, "user_id": 1, "class_name": "spin"},
		{"id": 11, "user_id": 99, "class_name": "ghost"},
	})
	mem.Seed(nutritionDesc(schema.TypeInteger), nil)
	e := newExecutor(t, mem, migrator.OrphanNullify)

	_, reports, err := e.Apply(ctx, []plan.File{identityFile()})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, migrator.RunStateCommitted, reports[0].State)
	require.Len(t, reports[0].Warnings, 1)
	assert.Equal(t, []string{"11"}, reports[0].Warnings[0].RowKeys)

	bookings, _ := mem.TableRows("bookings")
	require.Len(t, bookings, 2)
	for _, row := range bookings {
		if row["id"] == 11 {
			assert.Nil(t, row["user_id"])
		} else {
			assert.NotNil(t, row["user_id"])
		}
	}
}

func splitFile() plan.File {
	profiles := schema.TableDescriptor{
		Name: "profiles",
		Columns: []schema.ColumnDescriptor{
			{Name: "user_id", Type: schema.TypeUUID},
			{Name: "height_cm", Type: schema.TypeFloat, Nullable: true},
			{Name: "weight_kg", Type: schema.TypeFloat, Nullable: true},
		},
		PrimaryKey:  []string{"user_id"},
		ForeignKeys: []schema.ForeignKey{{Column: "user_id", RefTable: "users", RefColumn: "id"}},
	}
	height := schema.ColumnDescriptor{Name: "height_cm", Type: schema.TypeFloat, Nullable: true}
	weight := schema.ColumnDescriptor{Name: "weight_kg", Type: schema.TypeFloat, Nullable: true}
	return plan.File{
		Revision:    "rev1",
		Description: "split users into users and profiles",
		Operations: []plan.Operation{
			{Kind: plan.OpCreateTable, Table: "profiles", Descriptor: &profiles},
			{Kind: plan.OpCopyData, Copy: &plan.CopySpec{
				From:            "users",
				To:              "profiles",
				Mode:            plan.CopyInsert,
				ColumnMap:       map[string]string{"height_cm": "height_cm", "weight_kg": "weight_kg"},
				KeyMap:          map[string]string{"id": "user_id"},
				SkipWhenAllNull: []string{"height_cm", "weight_kg"},
			}},
			{Kind: plan.OpDropColumn, Table: "users", Column: &height},
			{Kind: plan.OpDropColumn, Table: "users", Column: &weight},
		},
	}
}

func TestApplyAndRevertSplit(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	mem.Seed(schema.TableDescriptor{
		Name: "users",
		Columns: []schema.ColumnDescriptor{
			{Name: "id", Type: schema.TypeUUID},
			{Name: "email", Type: schema.TypeText},
			{Name: "height_cm", Type: schema.TypeFloat, Nullable: true},
			{Name: "weight_kg", Type: schema.TypeFloat, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}, []store.Row{
		{"id": "u1", "email": "a@gym.test", "height_cm": 181.0, "weight_kg": 80.5},
		{"id": "u2", "email": "b@gym.test", "height_cm": 165.0, "weight_kg": nil},
		{"id": "u3", "email": "c@gym.test", "height_cm": nil, "weight_kg": nil},
	})
	e := newExecutor(t, mem, migrator.OrphanAbort)

	file := splitFile()
	_, reports, err := e.Apply(ctx, []plan.File{file})
	require.NoError(t, err)
	assert.Equal(t, migrator.RunStateCommitted, reports[0].State)

	// Rows with no profile data get no profile row.
	profiles, ok := mem.TableRows("profiles")
	require.True(t, ok)
	require.Len(t, profiles, 2)

	users, _ := mem.TableRows("users")
	for _, row := range users {
		assert.NotContains(t, row, "height_cm")
		assert.NotContains(t, row, "weight_kg")
	}

	_, reports, err = e.Revert(ctx, []plan.File{file})
	require.NoError(t, err)
	assert.Equal(t, migrator.RunStateCommitted, reports[0].State)

	assert.False(t, mem.HasTable("profiles"))
	users, _ = mem.TableRows("users")
	require.Len(t, users, 3)
	byID := make(map[string]store.Row)
	for _, row := range users {
		byID[row["id"].(string)] = row
	}
	assert.Equal(t, 181.0, byID["u1"]["height_cm"])
	assert.Equal(t, 80.5, byID["u1"]["weight_kg"])
	assert.Equal(t, 165.0, byID["u2"]["height_cm"])
	assert.Nil(t, byID["u3"]["height_cm"])
}

func TestApplyHeadMismatch(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	e := newExecutor(t, mem, migrator.OrphanAbort)

	users := usersDesc(schema.TypeInteger)
	file := plan.File{
		Revision: "rev2",
		Parent:   "rev1",
		Operations: []plan.Operation{
			{Kind: plan.OpCreateTable, Table: "users", Descriptor: &users},
		},
	}

	_, reports, err := e.Apply(ctx, []plan.File{file})
	require.ErrorIs(t, err, migrator.ErrHeadMismatch)
	require.Len(t, reports, 1)
	assert.Equal(t, migrator.RunStateFailed, reports[0].State)
	assert.False(t, mem.HasTable("users"))
}

func TestApplyIdempotentWhenNothingPending(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	e := newExecutor(t, mem, migrator.OrphanAbort)

	users := usersDesc(schema.TypeInteger)
	file := plan.File{
		Revision:   "rev1",
		Operations: []plan.Operation{{Kind: plan.OpCreateTable, Table: "users", Descriptor: &users}},
	}
	_, _, err := e.Apply(ctx, []plan.File{file})
	require.NoError(t, err)

	head, reports, err := e.Apply(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "rev1", head)
	assert.Empty(t, reports)
}

// callOrderStore records the order of marker writes relative to unit opens.
type callOrderStore struct {
	*memory.Store
	calls []string
}

func (c *callOrderStore) AddCleanupMarker(ctx context.Context, m store.CleanupMarker) error {
	c.calls = append(c.calls, "marker")
	return c.Store.AddCleanupMarker(ctx, m)
}

func (c *callOrderStore) Tx(ctx context.Context, fn func(tx store.Tx) error) error {
	c.calls = append(c.calls, "unit")
	return c.Store.Tx(ctx, fn)
}

func TestMarkersRecordedBeforeUnitOpens(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	seedIdentityFixture(mem)
	wrapped := &callOrderStore{Store: mem}

	e, err := New(Config{Store: wrapped, OrphanPolicy: migrator.OrphanAbort, LockTimeout: time.Second})
	require.NoError(t, err)

	_, _, err = e.Apply(ctx, []plan.File{identityFile()})
	require.NoError(t, err)

	// A backend whose unit transaction excludes other writers can only
	// persist the marker if it lands before the unit starts.
	assert.Equal(t, []string{"marker", "unit"}, wrapped.calls)

	markers, err := mem.CleanupMarkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)
}

type failingLedger struct {
	store.Conn
}

func (f *failingLedger) AppliedRevisions(context.Context) ([]migrator.Revision, error) {
	return nil, errors.New("ledger unavailable")
}

func TestApplySurfacesLedgerReadFailure(t *testing.T) {
	ctx := context.Background()
	e, err := New(Config{
		Store:        &failingLedger{Conn: memory.New()},
		OrphanPolicy: migrator.OrphanAbort,
		LockTimeout:  time.Second,
	})
	require.NoError(t, err)

	_, _, err = e.Apply(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger unavailable")
}

func TestStartupCleansDanglingShadow(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	mem.Seed(usersDesc(schema.TypeInteger), []store.Row{{"id": 1, "email": "a@gym.test"}})
	mem.Seed(schema.TableDescriptor{
		Name:       "users__shadow",
		Columns:    []schema.ColumnDescriptor{{Name: "id", Type: schema.TypeUUID}},
		PrimaryKey: []string{"id"},
	}, nil)
	require.NoError(t, mem.AddCleanupMarker(ctx, store.CleanupMarker{
		Table: "users", Shadow: "users__shadow", StartedAt: time.Now(),
	}))

	e := newExecutor(t, mem, migrator.OrphanAbort)
	require.NoError(t, e.Startup(ctx))

	assert.False(t, mem.HasTable("users__shadow"))
	assert.True(t, mem.HasTable("users"))
	markers, err := mem.CleanupMarkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)

	rows, _ := mem.TableRows("users")
	require.Len(t, rows, 1)
}

func TestApplyLockHeld(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.AcquireLock(ctx, time.Second))

	e, err := New(Config{
		Store:        mem,
		OrphanPolicy: migrator.OrphanAbort,
		LockTimeout:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	users := usersDesc(schema.TypeInteger)
	file := plan.File{
		Revision:   "rev1",
		Operations: []plan.Operation{{Kind: plan.OpCreateTable, Table: "users", Descriptor: &users}},
	}
	_, _, err = e.Apply(ctx, []plan.File{file})
	assert.ErrorIs(t, err, migrator.ErrMigrationLocked)
	assert.False(t, mem.HasTable("users"))
}

func TestNewRequiresStoreAndPolicy(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Store: memory.New()})
	require.Error(t, err)

	_, err = New(Config{Store: memory.New(), OrphanPolicy: migrator.OrphanNullify})
	require.NoError(t, err)
}
