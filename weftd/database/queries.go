package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/xerrors"
)

// querier contains every query the store exposes. dbmem implements the
// same interface in memory for tests.
type querier interface {
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	InsertPermission(ctx context.Context, arg InsertPermissionParams) (Permission, error)

	GetResourceByName(ctx context.Context, name string) (Resource, error)
	InsertResource(ctx context.Context, arg InsertResourceParams) (Resource, error)

	GetRoleByName(ctx context.Context, name string) (Role, error)
	GetRoles(ctx context.Context) ([]Role, error)
	GetRolesByNames(ctx context.Context, names []string) ([]Role, error)
	InsertRole(ctx context.Context, arg InsertRoleParams) (Role, error)

	GetGrantByNames(ctx context.Context, arg GetGrantByNamesParams) (ValidGrant, error)
	GetValidGrants(ctx context.Context) ([]ValidGrant, error)
	GetValidGrantsByRoleNames(ctx context.Context, names []string) ([]ValidGrant, error)
	InsertGrant(ctx context.Context, arg InsertGrantParams) (Grant, error)
	DeleteOrphanedGrants(ctx context.Context) (int64, error)

	GetRoleGrants(ctx context.Context, roleID uuid.UUID) ([]Grant, error)
	GetRoleGrantCount(ctx context.Context, roleID uuid.UUID) (int64, error)
	InsertRoleGrants(ctx context.Context, arg InsertRoleGrantsParams) error
	DeleteRoleGrants(ctx context.Context, roleID uuid.UUID) error

	GetWorkflows(ctx context.Context) ([]Workflow, error)
	UpsertWorkflow(ctx context.Context, arg UpsertWorkflowParams) (Workflow, error)

	TryAcquireLock(ctx context.Context, id int64) (bool, error)
}

const getPermissionByName = `-- name: GetPermissionByName :one
SELECT id, created_at, name FROM permissions WHERE name = $1
`

func (q *sqlQuerier) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	var i Permission
	err := q.db.GetContext(ctx, &i, getPermissionByName, name)
	return i, err
}

type InsertPermissionParams struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Name      string    `db:"name" json:"name"`
}

const insertPermission = `-- name: InsertPermission :one
INSERT INTO permissions (id, created_at, name)
VALUES ($1, $2, $3)
RETURNING id, created_at, name
`

func (q *sqlQuerier) InsertPermission(ctx context.Context, arg InsertPermissionParams) (Permission, error) {
	var i Permission
	err := q.db.GetContext(ctx, &i, insertPermission, arg.ID, arg.CreatedAt, arg.Name)
	return i, err
}

const getResourceByName = `-- name: GetResourceByName :one
SELECT id, created_at, name FROM resources WHERE name = $1
`

func (q *sqlQuerier) GetResourceByName(ctx context.Context, name string) (Resource, error) {
	var i Resource
	err := q.db.GetContext(ctx, &i, getResourceByName, name)
	return i, err
}

type InsertResourceParams struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Name      string    `db:"name" json:"name"`
}

const insertResource = `-- name: InsertResource :one
INSERT INTO resources (id, created_at, name)
VALUES ($1, $2, $3)
RETURNING id, created_at, name
`

func (q *sqlQuerier) InsertResource(ctx context.Context, arg InsertResourceParams) (Resource, error) {
	var i Resource
	err := q.db.GetContext(ctx, &i, insertResource, arg.ID, arg.CreatedAt, arg.Name)
	return i, err
}

const getRoleByName = `-- name: GetRoleByName :one
SELECT id, created_at, name FROM roles WHERE name = $1
`

func (q *sqlQuerier) GetRoleByName(ctx context.Context, name string) (Role, error) {
	var i Role
	err := q.db.GetContext(ctx, &i, getRoleByName, name)
	return i, err
}

const getRoles = `-- name: GetRoles :many
SELECT id, created_at, name FROM roles ORDER BY created_at
`

func (q *sqlQuerier) GetRoles(ctx context.Context) ([]Role, error) {
	var items []Role
	err := q.db.SelectContext(ctx, &items, getRoles)
	return items, err
}

const getRolesByNames = `-- name: GetRolesByNames :many
SELECT id, created_at, name FROM roles WHERE name = ANY($1 :: text [ ])
`

func (q *sqlQuerier) GetRolesByNames(ctx context.Context, names []string) ([]Role, error) {
	var items []Role
	err := q.db.SelectContext(ctx, &items, getRolesByNames, pq.Array(names))
	return items, err
}

type InsertRoleParams struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Name      string    `db:"name" json:"name"`
}

const insertRole = `-- name: InsertRole :one
INSERT INTO roles (id, created_at, name)
VALUES ($1, $2, $3)
RETURNING id, created_at, name
`

func (q *sqlQuerier) InsertRole(ctx context.Context, arg InsertRoleParams) (Role, error) {
	var i Role
	err := q.db.GetContext(ctx, &i, insertRole, arg.ID, arg.CreatedAt, arg.Name)
	return i, err
}

type GetGrantByNamesParams struct {
	PermissionName string `db:"permission_name" json:"permission_name"`
	ResourceName   string `db:"resource_name" json:"resource_name"`
}

const getGrantByNames = `-- name: GetGrantByNames :one
SELECT
	grants.id,
	grants.permission_id,
	grants.resource_id,
	permissions.name AS permission_name,
	resources.name AS resource_name
FROM
	grants
	INNER JOIN permissions ON permissions.id = grants.permission_id
	INNER JOIN resources ON resources.id = grants.resource_id
WHERE
	permissions.name = $1
	AND resources.name = $2
`

// GetGrantByNames returns the grant pairing the named permission with the
// named resource. Orphaned grant rows never match because of the inner
// joins.
func (q *sqlQuerier) GetGrantByNames(ctx context.Context, arg GetGrantByNamesParams) (ValidGrant, error) {
	var i ValidGrant
	err := q.db.GetContext(ctx, &i, getGrantByNames, arg.PermissionName, arg.ResourceName)
	return i, err
}

const getValidGrants = `-- name: GetValidGrants :many
SELECT
	grants.id,
	grants.permission_id,
	grants.resource_id,
	permissions.name AS permission_name,
	resources.name AS resource_name
FROM
	grants
	INNER JOIN permissions ON permissions.id = grants.permission_id
	INNER JOIN resources ON resources.id = grants.resource_id
`

func (q *sqlQuerier) GetValidGrants(ctx context.Context) ([]ValidGrant, error) {
	var items []ValidGrant
	err := q.db.SelectContext(ctx, &items, getValidGrants)
	return items, err
}

const getValidGrantsByRoleNames = `-- name: GetValidGrantsByRoleNames :many
SELECT DISTINCT
	grants.id,
	grants.permission_id,
	grants.resource_id,
	permissions.name AS permission_name,
	resources.name AS resource_name
FROM
	role_grants
	INNER JOIN roles ON roles.id = role_grants.role_id
	INNER JOIN grants ON grants.id = role_grants.grant_id
	INNER JOIN permissions ON permissions.id = grants.permission_id
	INNER JOIN resources ON resources.id = grants.resource_id
WHERE
	roles.name = ANY($1 :: text [ ])
`

func (q *sqlQuerier) GetValidGrantsByRoleNames(ctx context.Context, names []string) ([]ValidGrant, error) {
	var items []ValidGrant
	err := q.db.SelectContext(ctx, &items, getValidGrantsByRoleNames, pq.Array(names))
	return items, err
}

type InsertGrantParams struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	// Either side may be inserted NULL, mirroring the nullable schema. The
	// reconciler only ever inserts both sides set; orphaned rows appear when
	// a referenced row is deleted out from under a grant.
	PermissionID uuid.NullUUID `db:"permission_id" json:"permission_id"`
	ResourceID   uuid.NullUUID `db:"resource_id" json:"resource_id"`
}

const insertGrant = `-- name: InsertGrant :one
INSERT INTO grants (id, created_at, permission_id, resource_id)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, permission_id, resource_id
`

func (q *sqlQuerier) InsertGrant(ctx context.Context, arg InsertGrantParams) (Grant, error) {
	var i Grant
	err := q.db.GetContext(ctx, &i, insertGrant, arg.ID, arg.CreatedAt, arg.PermissionID, arg.ResourceID)
	return i, err
}

const deleteOrphanedGrants = `-- name: DeleteOrphanedGrants :execrows
DELETE FROM grants
WHERE permission_id IS NULL
	OR resource_id IS NULL
`

// DeleteOrphanedGrants removes every grant row whose permission or resource
// reference is gone and returns the number of rows removed. Association rows
// cascade with the grant.
func (q *sqlQuerier) DeleteOrphanedGrants(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteOrphanedGrants)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getRoleGrants = `-- name: GetRoleGrants :many
SELECT
	grants.id,
	grants.created_at,
	grants.permission_id,
	grants.resource_id
FROM
	role_grants
	INNER JOIN grants ON grants.id = role_grants.grant_id
WHERE
	role_grants.role_id = $1
`

// GetRoleGrants returns the raw grant rows attached to a role, including
// orphaned ones. Callers filter with Grant.Valid where it matters.
func (q *sqlQuerier) GetRoleGrants(ctx context.Context, roleID uuid.UUID) ([]Grant, error) {
	var items []Grant
	err := q.db.SelectContext(ctx, &items, getRoleGrants, roleID)
	return items, err
}

const getRoleGrantCount = `-- name: GetRoleGrantCount :one
SELECT COUNT(*) FROM role_grants WHERE role_id = $1
`

func (q *sqlQuerier) GetRoleGrantCount(ctx context.Context, roleID uuid.UUID) (int64, error) {
	var count int64
	err := q.db.GetContext(ctx, &count, getRoleGrantCount, roleID)
	return count, err
}

type InsertRoleGrantsParams struct {
	RoleID   uuid.UUID   `db:"role_id" json:"role_id"`
	GrantIDs []uuid.UUID `db:"grant_ids" json:"grant_ids"`
}

const insertRoleGrants = `-- name: InsertRoleGrants :exec
INSERT INTO role_grants (role_id, grant_id)
SELECT $1, unnest($2 :: uuid [ ])
ON CONFLICT DO NOTHING
`

// InsertRoleGrants bulk-inserts association rows for a pre-computed set of
// grant ids. Pairs that already exist are skipped, matching the semantics
// of attaching grants one at a time.
func (q *sqlQuerier) InsertRoleGrants(ctx context.Context, arg InsertRoleGrantsParams) error {
	_, err := q.db.ExecContext(ctx, insertRoleGrants, arg.RoleID, pq.Array(arg.GrantIDs))
	return err
}

const deleteRoleGrants = `-- name: DeleteRoleGrants :exec
DELETE FROM role_grants WHERE role_id = $1
`

func (q *sqlQuerier) DeleteRoleGrants(ctx context.Context, roleID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, deleteRoleGrants, roleID)
	return err
}

const getWorkflows = `-- name: GetWorkflows :many
SELECT id, updated_at, active, paused, child FROM workflows ORDER BY id
`

func (q *sqlQuerier) GetWorkflows(ctx context.Context) ([]Workflow, error) {
	var items []Workflow
	err := q.db.SelectContext(ctx, &items, getWorkflows)
	return items, err
}

type UpsertWorkflowParams struct {
	ID        string    `db:"id" json:"id"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Active    bool      `db:"active" json:"active"`
	Paused    bool      `db:"paused" json:"paused"`
	Child     bool      `db:"child" json:"child"`
}

const upsertWorkflow = `-- name: UpsertWorkflow :one
INSERT INTO workflows (id, updated_at, active, paused, child)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	updated_at = $2,
	active = $3,
	paused = $4,
	child = $5
RETURNING id, updated_at, active, paused, child
`

func (q *sqlQuerier) UpsertWorkflow(ctx context.Context, arg UpsertWorkflowParams) (Workflow, error) {
	var i Workflow
	err := q.db.GetContext(ctx, &i, upsertWorkflow, arg.ID, arg.UpdatedAt, arg.Active, arg.Paused, arg.Child)
	return i, err
}

const tryAcquireLock = `-- name: TryAcquireLock :one
SELECT pg_try_advisory_xact_lock($1)
`

// TryAcquireLock attempts a transaction-scoped advisory lock. The lock is
// released automatically when the transaction ends, so this only makes
// sense inside InTx.
func (q *sqlQuerier) TryAcquireLock(ctx context.Context, id int64) (bool, error) {
	var acquired bool
	err := q.db.GetContext(ctx, &acquired, tryAcquireLock, id)
	if err != nil {
		return false, xerrors.Errorf("try acquire lock: %w", err)
	}
	return acquired, nil
}
