// Package dbgen generates database rows for tests.
//
// All functions take a 'seed' object. Any provided fields in the seed will
// be maintained. Any fields omitted will have sensible defaults generated.
package dbgen

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/weftd/database"
	"github.com/weftwork/weft/weftd/database/dbtime"
)

var genCtx = context.Background()

func Permission(t testing.TB, db database.Store, seed database.Permission) database.Permission {
	permission, err := db.InsertPermission(genCtx, database.InsertPermissionParams{
		ID:        takeFirst(seed.ID, uuid.New()),
		CreatedAt: takeFirst(seed.CreatedAt, dbtime.Now()),
		Name:      takeFirst(seed.Name, randomName("perm")),
	})
	require.NoError(t, err, "insert permission")
	return permission
}

func Resource(t testing.TB, db database.Store, seed database.Resource) database.Resource {
	resource, err := db.InsertResource(genCtx, database.InsertResourceParams{
		ID:        takeFirst(seed.ID, uuid.New()),
		CreatedAt: takeFirst(seed.CreatedAt, dbtime.Now()),
		Name:      takeFirst(seed.Name, randomName("resource")),
	})
	require.NoError(t, err, "insert resource")
	return resource
}

func Role(t testing.TB, db database.Store, seed database.Role) database.Role {
	role, err := db.InsertRole(genCtx, database.InsertRoleParams{
		ID:        takeFirst(seed.ID, uuid.New()),
		CreatedAt: takeFirst(seed.CreatedAt, dbtime.Now()),
		Name:      takeFirst(seed.Name, randomName("role")),
	})
	require.NoError(t, err, "insert role")
	return role
}

// Grant inserts a grant row exactly as seeded. A zero NullUUID side is
// stored as NULL, which is how tests produce orphaned grants.
func Grant(t testing.TB, db database.Store, seed database.Grant) database.Grant {
	grant, err := db.InsertGrant(genCtx, database.InsertGrantParams{
		ID:           takeFirst(seed.ID, uuid.New()),
		CreatedAt:    takeFirst(seed.CreatedAt, dbtime.Now()),
		PermissionID: seed.PermissionID,
		ResourceID:   seed.ResourceID,
	})
	require.NoError(t, err, "insert grant")
	return grant
}

// ValidGrant creates permission and resource rows for the given names when
// they do not exist yet and pairs them in a grant.
func ValidGrant(t testing.TB, db database.Store, permissionName, resourceName string) database.Grant {
	permission, err := db.GetPermissionByName(genCtx, permissionName)
	if err != nil {
		permission = Permission(t, db, database.Permission{Name: permissionName})
	}
	resource, err := db.GetResourceByName(genCtx, resourceName)
	if err != nil {
		resource = Resource(t, db, database.Resource{Name: resourceName})
	}
	return Grant(t, db, database.Grant{
		PermissionID: uuid.NullUUID{UUID: permission.ID, Valid: true},
		ResourceID:   uuid.NullUUID{UUID: resource.ID, Valid: true},
	})
}

func RoleGrant(t testing.TB, db database.Store, seed database.RoleGrant) database.RoleGrant {
	err := db.InsertRoleGrants(genCtx, database.InsertRoleGrantsParams{
		RoleID:   seed.RoleID,
		GrantIDs: []uuid.UUID{seed.GrantID},
	})
	require.NoError(t, err, "insert role grant")
	return seed
}

func Workflow(t testing.TB, db database.Store, seed database.Workflow) database.Workflow {
	workflow, err := db.UpsertWorkflow(genCtx, database.UpsertWorkflowParams{
		ID:        takeFirst(seed.ID, randomName("wf")),
		UpdatedAt: takeFirst(seed.UpdatedAt, dbtime.Now()),
		Active:    seed.Active,
		Paused:    seed.Paused,
		Child:     seed.Child,
	})
	require.NoError(t, err, "upsert workflow")
	return workflow
}

func randomName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}
