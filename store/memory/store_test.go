package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
	"github.com/gymflow/migrator/store"
)

func usersDesc() schema.TableDescriptor {
	return schema.TableDescriptor{
		Name: "users",
		Columns: []schema.ColumnDescriptor{
			{Name: "id", Type: schema.TypeInteger},
			{Name: "email", Type: schema.TypeText},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestTxCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Tx(ctx, func(tx store.Tx) error {
		return tx.CreateTable(ctx, usersDesc())
	})
	require.NoError(t, err)
	assert.True(t, s.HasTable("users"))

	// A failing unit leaves no trace.
	boom := errors.New("boom")
	err = s.Tx(ctx, func(tx store.Tx) error {
		if err := tx.InsertRows(ctx, "users", []store.Row{{"id": 1, "email": "a@gym.test"}}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rows, ok := s.TableRows("users")
	require.True(t, ok)
	assert.Empty(t, rows)
}

func TestMarkersSurviveRollback(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Tx(ctx, func(tx store.Tx) error {
		m := store.CleanupMarker{Table: "users", Shadow: "users__shadow", StartedAt: time.Now()}
		require.NoError(t, s.AddCleanupMarker(ctx, m))
		return errors.New("crash mid-unit")
	})
	require.Error(t, err)

	markers, err := s.CleanupMarkers(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, "users__shadow", markers[0].Shadow)

	require.NoError(t, s.RemoveCleanupMarker(ctx, "users__shadow"))
	markers, err = s.CleanupMarkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestAcquireLockTimesOut(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AcquireLock(ctx, time.Second))

	err := s.AcquireLock(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, migrator.ErrMigrationLocked)

	require.NoError(t, s.ReleaseLock(ctx))
	assert.NoError(t, s.AcquireLock(ctx, time.Second))
}

func TestUpdateRowsMatchesAcrossNumericTypes(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Seed(usersDesc(), []store.Row{{"id": int64(1), "email": "a@gym.test"}})

	err := s.Tx(ctx, func(tx store.Tx) error {
		return tx.UpdateRows(ctx, "users", "id", []store.Row{{"id": 1, "email": "b@gym.test"}})
	})
	require.NoError(t, err)

	rows, _ := s.TableRows("users")
	require.Len(t, rows, 1)
	assert.Equal(t, "b@gym.test", rows[0]["email"])
}

func TestUpdateRowsUnknownKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Seed(usersDesc(), nil)

	err := s.Tx(ctx, func(tx store.Tx) error {
		return tx.UpdateRows(ctx, "users", "id", []store.Row{{"id": 42, "email": "x@gym.test"}})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no row")
}

func TestLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Tx(ctx, func(tx store.Tx) error {
		head, err := tx.HeadRevision(ctx)
		require.NoError(t, err)
		assert.Equal(t, "", head)

		require.NoError(t, tx.AppendRevision(ctx, migrator.Revision{ID: "aaa111", Description: "first"}))
		require.NoError(t, tx.AppendRevision(ctx, migrator.Revision{ID: "bbb222", ParentID: "aaa111"}))

		head, err = tx.HeadRevision(ctx)
		require.NoError(t, err)
		assert.Equal(t, "bbb222", head)
		return nil
	})
	require.NoError(t, err)

	applied, err := s.AppliedRevisions(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)

	err = s.Tx(ctx, func(tx store.Tx) error {
		return tx.DeleteRevision(ctx, "bbb222")
	})
	require.NoError(t, err)

	applied, err = s.AppliedRevisions(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "aaa111", applied[0].ID)
}

func TestAuditEntriesFilter(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Tx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAudit(ctx, "rev1", []migrator.IdentityMapping{
			{EntityTable: "users", OldKey: "1", NewKey: "u1"},
		}))
		return tx.InsertAudit(ctx, "rev2", []migrator.IdentityMapping{
			{EntityTable: "users", OldKey: "2", NewKey: "u2"},
			{EntityTable: "gyms", OldKey: "7", NewKey: "g7"},
		})
	})
	require.NoError(t, err)

	all, err := s.AuditEntries(ctx, "users", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	scoped, err := s.AuditEntries(ctx, "users", "rev2")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "2", scoped[0].OldKey)

	require.NoError(t, s.DropAudit(ctx))
	all, err = s.AuditEntries(ctx, "users", "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestIntrospectFollowsCatalog(t *testing.T) {
	ctx := context.Background()
	s := New()

	live, err := s.Introspect(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)

	want := schema.Schema{"users": usersDesc()}
	err = s.Tx(ctx, func(tx store.Tx) error {
		return tx.SaveCatalog(ctx, want)
	})
	require.NoError(t, err)

	live, err = s.Introspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, live)
}
