// Package rbac holds the role catalog and the read side of Weft's
// role-based access control: resolving a subject's effective roles and
// grants and answering per-request access checks. The write side, which
// reconciles the catalog against the database, lives in rbac/rolesync.
package rbac

import "slices"

// Reserved built-in role names. Any role whose name is not in this list is
// a workflow role, created externally one per workflow.
const (
	RoleAdmin  = "Admin"
	RoleViewer = "Viewer"
	RoleUser   = "User"
	RoleOp     = "Op"
	RolePublic = "Public"
)

// WildcardResource is the distinguished resource granting access to every
// workflow, as opposed to a grant scoped to a single workflow id.
const WildcardResource = "all_workflows"

// The two capability permissions provisioned per workflow (and once for
// the wildcard resource).
const (
	PermissionWorkflowRead = "can_workflow_read"
	PermissionWorkflowEdit = "can_workflow_edit"
)

// WorkflowPermissions returns the capability permissions in a fresh slice.
func WorkflowPermissions() []string {
	return []string{PermissionWorkflowRead, PermissionWorkflowEdit}
}

// Role tiers. Each tier lists only its own additions; the catalog resolves
// Viewer ⊂ User ⊂ Op into full per-role sets at construction, so no role
// definition aliases another's backing set.
var (
	viewerResources = []string{
		"Home",
		"Workflows", "WorkflowModelView",
		"Browse",
		"Runs", "RunModelView",
		"Task Instances", "TaskInstanceModelView",
		"Jobs", "JobModelView",
		"Logs", "LogModelView",
		"Docs", "About", "Version",
		WildcardResource,
	}
	opResourceAdditions = []string{
		"Admin",
		"Configurations", "ConfigurationView",
		"Connections", "ConnectionModelView",
		"Pools", "PoolModelView",
		"Variables", "VariableModelView",
	}

	viewerPermissions = []string{
		"menu_access",
		"can_index", "can_list", "can_show",
		"can_code", "can_log",
		"can_graph", "can_tree", "can_gantt",
		"can_task", "can_task_stats",
		"can_workflow_stats", "can_workflow_details",
		"can_duration", "can_landing_times",
		"can_blocked", "can_version",
	}
	userPermissionAdditions = []string{
		"can_trigger", "can_run", "can_clear",
		"can_add", "can_edit", "can_delete",
		"can_pause", "can_refresh",
		"can_mark_success", "can_mark_failed",
		"muldelete",
		PermissionWorkflowRead, PermissionWorkflowEdit,
	}
	opPermissionAdditions = []string{
		"can_conf", "can_varimport",
	}
)

// BuiltinRole is a built-in role's fully-resolved baseline: the permission
// and resource names whose valid grants seed the role on its first
// reconciliation.
type BuiltinRole struct {
	Name        string
	Permissions []string
	Resources   []string
}

// Catalog is the immutable specification of desired built-in role state.
// It is pure configuration and holds no store handles.
type Catalog struct {
	roles    []BuiltinRole
	reserved []string
}

// DefaultCatalog returns the catalog of Weft's built-in roles. Admin and
// Public carry empty baselines: Admin is repaired to hold every valid
// grant during reconciliation, and Public grants nothing until an
// administrator edits it.
func DefaultCatalog() *Catalog {
	return NewCatalog([]BuiltinRole{
		{Name: RoleAdmin},
		{
			Name:        RoleViewer,
			Permissions: slices.Clone(viewerPermissions),
			Resources:   slices.Clone(viewerResources),
		},
		{
			Name:        RoleUser,
			Permissions: union(viewerPermissions, userPermissionAdditions),
			Resources:   slices.Clone(viewerResources),
		},
		{
			Name:        RoleOp,
			Permissions: union(viewerPermissions, userPermissionAdditions, opPermissionAdditions),
			Resources:   union(viewerResources, opResourceAdditions),
		},
		{Name: RolePublic},
	})
}

// NewCatalog builds a catalog from explicit baselines, in seeding order.
// The reserved name list is exactly the names of the given roles.
func NewCatalog(roles []BuiltinRole) *Catalog {
	reserved := make([]string, 0, len(roles))
	for _, role := range roles {
		reserved = append(reserved, role.Name)
	}
	return &Catalog{
		roles:    roles,
		reserved: reserved,
	}
}

// Roles returns the built-in roles in seeding order.
func (c *Catalog) Roles() []BuiltinRole {
	return slices.Clone(c.roles)
}

// ReservedRoleNames returns the built-in role names. Roles outside this
// list are workflow roles.
func (c *Catalog) ReservedRoleNames() []string {
	return slices.Clone(c.reserved)
}

// IsReserved reports whether name belongs to a built-in role.
func (c *Catalog) IsReserved(name string) bool {
	return slices.Contains(c.reserved, name)
}

// FullAccessRoleNames are the roles that imply access to every workflow
// without holding an explicit wildcard grant.
func FullAccessRoleNames() []string {
	return []string{RoleAdmin, RoleViewer, RoleOp, RoleUser}
}

func union(sets ...[]string) []string {
	merged := make([]string, 0)
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, name := range set {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			merged = append(merged, name)
		}
	}
	return merged
}
