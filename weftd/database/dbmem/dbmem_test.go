package dbmem_test

import (
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/testutil"
	"github.com/weftwork/weft/weftd/database"
	"github.com/weftwork/weft/weftd/database/dbgen"
	"github.com/weftwork/weft/weftd/database/dbmem"
)

func TestUniqueViolations(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := dbmem.New()

	dbgen.Permission(t, db, database.Permission{Name: "can_show"})
	_, err := db.InsertPermission(ctx, database.InsertPermissionParams{
		ID:   uuid.New(),
		Name: "can_show",
	})
	require.True(t, database.IsUniqueViolation(err))
	require.True(t, database.IsUniqueViolation(err, database.UniquePermissionsNameKey))

	grant := dbgen.ValidGrant(t, db, "can_show", "Home")
	_, err = db.InsertGrant(ctx, database.InsertGrantParams{
		ID:           uuid.New(),
		PermissionID: grant.PermissionID,
		ResourceID:   grant.ResourceID,
	})
	require.True(t, database.IsUniqueViolation(err, database.UniqueGrantsPermissionResourceKey))

	// NULL sides never collide, matching Postgres unique semantics.
	dbgen.Grant(t, db, database.Grant{})
	dbgen.Grant(t, db, database.Grant{})
}

func TestGetGrantByNames_ValidOnly(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := dbmem.New()

	resource := dbgen.Resource(t, db, database.Resource{Name: "Stale"})
	dbgen.Grant(t, db, database.Grant{
		ResourceID: uuid.NullUUID{UUID: resource.ID, Valid: true},
	})

	_, err := db.GetGrantByNames(ctx, database.GetGrantByNamesParams{
		PermissionName: "",
		ResourceName:   "Stale",
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestDeleteOrphanedGrants(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := dbmem.New()

	valid := dbgen.ValidGrant(t, db, "can_show", "Home")
	orphan := dbgen.Grant(t, db, database.Grant{})
	role := dbgen.Role(t, db, database.Role{})
	dbgen.RoleGrant(t, db, database.RoleGrant{RoleID: role.ID, GrantID: valid.ID})
	dbgen.RoleGrant(t, db, database.RoleGrant{RoleID: role.ID, GrantID: orphan.ID})

	deleted, err := db.DeleteOrphanedGrants(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	grants, err := db.GetRoleGrants(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	require.Equal(t, valid.ID, grants[0].ID)
}

func TestInsertRoleGrants_IgnoresDuplicates(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := dbmem.New()

	role := dbgen.Role(t, db, database.Role{})
	grant := dbgen.ValidGrant(t, db, "can_show", "Home")

	for i := 0; i < 2; i++ {
		err := db.InsertRoleGrants(ctx, database.InsertRoleGrantsParams{
			RoleID:   role.ID,
			GrantIDs: []uuid.UUID{grant.ID},
		})
		require.NoError(t, err)
	}

	count, err := db.GetRoleGrantCount(ctx, role.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestTryAcquireLock(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := dbmem.New()

	// Advisory locks are transaction scoped.
	_, err := db.TryAcquireLock(ctx, database.LockIDRoleSync)
	require.Error(t, err)

	err = db.InTx(func(tx database.Store) error {
		ok, err := tx.TryAcquireLock(ctx, database.LockIDRoleSync)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	}, nil)
	require.NoError(t, err)

	// Released with the transaction, so a later one can take it again.
	err = db.InTx(func(tx database.Store) error {
		ok, err := tx.TryAcquireLock(ctx, database.LockIDRoleSync)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	}, nil)
	require.NoError(t, err)
}
