package rbac_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/testutil"
	"github.com/weftwork/weft/weftd/database"
	"github.com/weftwork/weft/weftd/database/dbgen"
	"github.com/weftwork/weft/weftd/database/dbmem"
	"github.com/weftwork/weft/weftd/rbac"
)

// grantRole attaches a valid grant for the named pair to the role.
func grantRole(t *testing.T, db database.Store, role database.Role, permission, resource string) {
	t.Helper()
	grant := dbgen.ValidGrant(t, db, permission, resource)
	dbgen.RoleGrant(t, db, database.RoleGrant{RoleID: role.ID, GrantID: grant.ID})
}

// countingStore counts how often the grant graph is read.
type countingStore struct {
	database.Store
	grantQueries int
}

func (s *countingStore) GetValidGrantsByRoleNames(ctx context.Context, names []string) ([]database.ValidGrant, error) {
	s.grantQueries++
	return s.Store.GetValidGrantsByRoleNames(ctx, names)
}

func TestAuthorizer_EffectiveRoles(t *testing.T) {
	t.Parallel()

	t.Run("Anonymous", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()
		public := dbgen.Role(t, db, database.Role{Name: rbac.RolePublic})

		authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog(), rbac.WithPublicRole(rbac.RolePublic))
		roles, err := authz.EffectiveRoles(ctx, rbac.AnonymousSubject())
		require.NoError(t, err)
		require.Equal(t, []database.Role{public}, roles)
	})

	t.Run("AnonymousNoPublicRole", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()

		authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog())
		roles, err := authz.EffectiveRoles(ctx, rbac.AnonymousSubject())
		require.NoError(t, err)
		require.Empty(t, roles)
	})

	t.Run("AnonymousPublicRoleMissing", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()

		// Configured but never created: treated as "no access", not an
		// error.
		authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog(), rbac.WithPublicRole(rbac.RolePublic))
		roles, err := authz.EffectiveRoles(ctx, rbac.AnonymousSubject())
		require.NoError(t, err)
		require.Empty(t, roles)
	})

	t.Run("UnknownNamesAbsent", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()
		viewer := dbgen.Role(t, db, database.Role{Name: rbac.RoleViewer})

		authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog())
		roles, err := authz.EffectiveRoles(ctx, rbac.Subject{Name: "alice", Roles: []string{rbac.RoleViewer, "no-such-role"}})
		require.NoError(t, err)
		require.Equal(t, []database.Role{viewer}, roles)
	})
}

func TestAuthorizer_HasAccess(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := dbmem.New()

	public := dbgen.Role(t, db, database.Role{Name: rbac.RolePublic})
	grantRole(t, db, public, "can_show", "Home")
	viewer := dbgen.Role(t, db, database.Role{Name: rbac.RoleViewer})
	grantRole(t, db, viewer, "can_show", "Connections")

	authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog(), rbac.WithPublicRole(rbac.RolePublic))

	// Anonymous access is decided by the public role's grants alone,
	// independent of any other role's grants.
	anon := rbac.AnonymousSubject()
	ok, err := authz.HasAccess(ctx, "can_show", "Home", anon)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = authz.HasAccess(ctx, "can_show", "Connections", anon)
	require.NoError(t, err)
	require.False(t, ok)

	alice := rbac.Subject{Name: "alice", Roles: []string{rbac.RoleViewer}}
	ok, err = authz.HasAccess(ctx, "can_show", "Connections", alice)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = authz.HasAccess(ctx, "can_edit", "Connections", alice)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAuthorizer_EffectiveGrants(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := dbmem.New()

	viewer := dbgen.Role(t, db, database.Role{Name: rbac.RoleViewer})
	grantRole(t, db, viewer, "can_show", "Home")
	editors := dbgen.Role(t, db, database.Role{Name: "wf-1-editors"})
	grantRole(t, db, editors, "can_workflow_edit", "wf-1")

	authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog())
	grants, err := authz.EffectiveGrants(ctx, rbac.Subject{Name: "alice", Roles: []string{rbac.RoleViewer, "wf-1-editors"}})
	require.NoError(t, err)

	require.Len(t, grants, 2)
	require.True(t, grants.Has(rbac.GrantPair{Permission: "can_show", Resource: "Home"}))
	require.True(t, grants.Has(rbac.GrantPair{Permission: "can_workflow_edit", Resource: "wf-1"}))
}

func TestAuthorizer_HasAllWorkflowsAccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(t *testing.T, db database.Store)
		subject rbac.Subject
		want    bool
	}{
		{
			// The check is on role names, so it holds even before the
			// reserved roles are first reconciled into the store.
			name:    "FullAccessRoleName",
			prepare: func(_ *testing.T, _ database.Store) {},
			subject: rbac.Subject{Name: "op", Roles: []string{rbac.RoleOp}},
			want:    true,
		},
		{
			name: "WildcardReadGrant",
			prepare: func(t *testing.T, db database.Store) {
				role := dbgen.Role(t, db, database.Role{Name: "wf-1-viewers"})
				grantRole(t, db, role, rbac.PermissionWorkflowRead, rbac.WildcardResource)
			},
			subject: rbac.Subject{Name: "alice", Roles: []string{"wf-1-viewers"}},
			want:    true,
		},
		{
			name: "ScopedGrantOnly",
			prepare: func(t *testing.T, db database.Store) {
				role := dbgen.Role(t, db, database.Role{Name: "wf-1-editors"})
				grantRole(t, db, role, rbac.PermissionWorkflowEdit, "wf-1")
			},
			subject: rbac.Subject{Name: "bob", Roles: []string{"wf-1-editors"}},
			want:    false,
		},
		{
			name:    "NoRoles",
			prepare: func(_ *testing.T, _ database.Store) {},
			subject: rbac.Subject{Name: "carol"},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := testutil.Context(t, testutil.WaitShort)
			db := dbmem.New()
			tt.prepare(t, db)

			authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog())
			got, err := authz.HasAllWorkflowsAccess(ctx, tt.subject)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorizer_AccessibleWorkflowIDs(t *testing.T) {
	t.Parallel()

	t.Run("Anonymous", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()

		authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog(), rbac.WithPublicRole(rbac.RolePublic))
		ids, err := authz.AccessibleWorkflowIDs(ctx, rbac.AnonymousSubject())
		require.NoError(t, err)
		require.Empty(t, ids)
	})

	t.Run("PublicOnly", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()
		dbgen.Role(t, db, database.Role{Name: rbac.RolePublic})

		authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog(), rbac.WithPublicRole(rbac.RolePublic))
		ids, err := authz.AccessibleWorkflowIDs(ctx, rbac.Subject{Name: "guest", Roles: []string{rbac.RolePublic}})
		require.NoError(t, err)
		require.Empty(t, ids)
	})

	t.Run("FullAccessSentinel", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()

		authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog())
		ids, err := authz.AccessibleWorkflowIDs(ctx, rbac.Subject{Name: "alice", Roles: []string{rbac.RoleUser}})
		require.NoError(t, err)
		require.Equal(t, []string{rbac.WildcardResource}, ids)
	})

	t.Run("WildcardGrantSentinel", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()

		role := dbgen.Role(t, db, database.Role{Name: "wf-1-viewers"})
		grantRole(t, db, role, rbac.PermissionWorkflowRead, rbac.WildcardResource)
		grantRole(t, db, role, rbac.PermissionWorkflowRead, "wf-1")

		// A wildcard capability grant collapses to the sentinel, not an
		// enumeration.
		authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog())
		ids, err := authz.AccessibleWorkflowIDs(ctx, rbac.Subject{Name: "alice", Roles: []string{"wf-1-viewers"}})
		require.NoError(t, err)
		require.Equal(t, []string{rbac.WildcardResource}, ids)
	})

	t.Run("ScopedGrants", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()

		role := dbgen.Role(t, db, database.Role{Name: "wf-1-editors"})
		grantRole(t, db, role, rbac.PermissionWorkflowEdit, "wf-1")
		// Non-capability grants never contribute workflow ids.
		grantRole(t, db, role, "can_show", "Home")

		authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog())
		ids, err := authz.AccessibleWorkflowIDs(ctx, rbac.Subject{Name: "bob", Roles: []string{"wf-1-editors"}})
		require.NoError(t, err)
		require.Equal(t, []string{"wf-1"}, ids)
	})

	t.Run("SingleGrantQuery", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		db := dbmem.New()

		role := dbgen.Role(t, db, database.Role{Name: "wf-1-editors"})
		grantRole(t, db, role, rbac.PermissionWorkflowEdit, "wf-1")

		counting := &countingStore{Store: db}
		authz := rbac.NewAuthorizer(testutil.Logger(t), counting, rbac.DefaultCatalog())
		ids, err := authz.AccessibleWorkflowIDs(ctx, rbac.Subject{Name: "bob", Roles: []string{"wf-1-editors"}})
		require.NoError(t, err)
		require.Equal(t, []string{"wf-1"}, ids)
		require.Equal(t, 1, counting.grantQueries, "one call must read the grant graph once")
	})
}

func TestRequest_Cache(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := dbmem.New()

	role := dbgen.Role(t, db, database.Role{Name: "wf-1-editors"})
	subject := rbac.Subject{Name: "alice", Roles: []string{"wf-1-editors"}}
	authz := rbac.NewAuthorizer(testutil.Logger(t), db, rbac.DefaultCatalog())

	req := authz.Request(subject)

	// First check populates the cache from an empty grant set.
	ok, err := req.HasAccess(ctx, rbac.PermissionWorkflowEdit, "wf-1")
	require.NoError(t, err)
	require.False(t, ok)

	// A grant added after population is still found: a cache miss
	// recomputes the set and rechecks.
	grantRole(t, db, role, rbac.PermissionWorkflowEdit, "wf-1")
	ok, err = req.HasAccess(ctx, rbac.PermissionWorkflowEdit, "wf-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Positive answers are served from the cache even after the store
	// changes underneath the request.
	require.NoError(t, db.DeleteRoleGrants(ctx, role.ID))
	ok, err = req.HasAccess(ctx, rbac.PermissionWorkflowEdit, "wf-1")
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh request sees the current state again.
	ok, err = authz.Request(subject).HasAccess(ctx, rbac.PermissionWorkflowEdit, "wf-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRequest_AccessibleWorkflowIDs(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	db := dbmem.New()

	role := dbgen.Role(t, db, database.Role{Name: "wf-1-editors"})
	grantRole(t, db, role, rbac.PermissionWorkflowEdit, "wf-1")
	grantRole(t, db, role, "can_show", "Home")

	counting := &countingStore{Store: db}
	subject := rbac.Subject{Name: "bob", Roles: []string{"wf-1-editors"}}
	authz := rbac.NewAuthorizer(testutil.Logger(t), counting, rbac.DefaultCatalog())
	req := authz.Request(subject)

	ok, err := req.HasAccess(ctx, rbac.PermissionWorkflowEdit, "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, counting.grantQueries)

	// The populated cache is reused; enumerating ids reads no further
	// grant state.
	ids, err := req.AccessibleWorkflowIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"wf-1"}, ids)
	require.Equal(t, 1, counting.grantQueries, "enumeration must be served from the request cache")

	// And the other way around: a fresh request populates the cache while
	// enumerating, so a later check is free.
	req = authz.Request(subject)
	ids, err = req.AccessibleWorkflowIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"wf-1"}, ids)
	ok, err = req.HasAccess(ctx, "can_show", "Home")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, counting.grantQueries)
}
