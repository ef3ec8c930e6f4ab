package rbac_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/weftd/rbac"
)

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()

	catalog := rbac.DefaultCatalog()

	require.Equal(t, []string{
		rbac.RoleAdmin, rbac.RoleViewer, rbac.RoleUser, rbac.RoleOp, rbac.RolePublic,
	}, catalog.ReservedRoleNames())

	byName := make(map[string]rbac.BuiltinRole)
	for _, role := range catalog.Roles() {
		byName[role.Name] = role
	}

	// Admin and Public baselines stay empty: Admin is filled by the
	// repair pass and Public grants nothing by default.
	require.Empty(t, byName[rbac.RoleAdmin].Permissions)
	require.Empty(t, byName[rbac.RoleAdmin].Resources)
	require.Empty(t, byName[rbac.RolePublic].Permissions)
	require.Empty(t, byName[rbac.RolePublic].Resources)

	// Tiers compose by union: Viewer ⊆ User ⊆ Op.
	require.Subset(t, byName[rbac.RoleUser].Permissions, byName[rbac.RoleViewer].Permissions)
	require.Subset(t, byName[rbac.RoleOp].Permissions, byName[rbac.RoleUser].Permissions)
	require.Subset(t, byName[rbac.RoleUser].Resources, byName[rbac.RoleViewer].Resources)
	require.Subset(t, byName[rbac.RoleOp].Resources, byName[rbac.RoleUser].Resources)

	// Every tier with a baseline can reach the wildcard resource, and the
	// capability permissions enter at the User tier.
	require.Contains(t, byName[rbac.RoleViewer].Resources, rbac.WildcardResource)
	require.NotContains(t, byName[rbac.RoleViewer].Permissions, rbac.PermissionWorkflowRead)
	require.Contains(t, byName[rbac.RoleUser].Permissions, rbac.PermissionWorkflowRead)
	require.Contains(t, byName[rbac.RoleUser].Permissions, rbac.PermissionWorkflowEdit)
}

func TestCatalog_IsReserved(t *testing.T) {
	t.Parallel()

	catalog := rbac.DefaultCatalog()
	for _, name := range catalog.ReservedRoleNames() {
		require.True(t, catalog.IsReserved(name), name)
	}
	require.False(t, catalog.IsReserved("wf-1-editors"))
	require.False(t, catalog.IsReserved("admin"), "reserved names are case sensitive")
}

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	catalog := rbac.NewCatalog([]rbac.BuiltinRole{
		{Name: "Admin"},
		{Name: "Reader", Permissions: []string{"can_show"}, Resources: []string{"Dashboard"}},
	})
	require.Equal(t, []string{"Admin", "Reader"}, catalog.ReservedRoleNames())
	require.True(t, catalog.IsReserved("Reader"))
	require.False(t, catalog.IsReserved("Viewer"))
}
