package database

import (
	"time"

	"github.com/google/uuid"
)

// Permission is a named capability, e.g. "can_workflow_read". Rows are
// immutable once created.
type Permission struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Name      string    `db:"name" json:"name"`
}

// Resource is a named protectable object: a fixed UI surface, a workflow
// id, or the wildcard resource covering every workflow. Rows are immutable
// once created.
type Resource struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Name      string    `db:"name" json:"name"`
}

// Grant pairs a permission with a resource. Either side may be NULL when
// the referenced row was deleted; such orphaned grants are invalid and are
// purged by reconciliation.
type Grant struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	PermissionID uuid.NullUUID `db:"permission_id" json:"permission_id"`
	ResourceID   uuid.NullUUID `db:"resource_id" json:"resource_id"`
}

// Valid reports whether both sides of the grant still resolve.
func (g Grant) Valid() bool {
	return g.PermissionID.Valid && g.ResourceID.Valid
}

// ValidGrant is a grant row joined against its permission and resource.
// Only rows whose both references resolve are returned as ValidGrant.
type ValidGrant struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PermissionID   uuid.UUID `db:"permission_id" json:"permission_id"`
	ResourceID     uuid.UUID `db:"resource_id" json:"resource_id"`
	PermissionName string    `db:"permission_name" json:"permission_name"`
	ResourceName   string    `db:"resource_name" json:"resource_name"`
}

// Role is a named principal group holding a set of grants. Built-in roles
// carry a reserved name; every other role is a workflow role.
type Role struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Name      string    `db:"name" json:"name"`
}

// RoleGrant is a row of the role/grant association table.
type RoleGrant struct {
	RoleID  uuid.UUID `db:"role_id" json:"role_id"`
	GrantID uuid.UUID `db:"grant_id" json:"grant_id"`
}

// Workflow mirrors the platform's workflow listing and is the discovery
// source for per-workflow permission provisioning.
type Workflow struct {
	ID        string    `db:"id" json:"id"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Active    bool      `db:"active" json:"active"`
	Paused    bool      `db:"paused" json:"paused"`
	Child     bool      `db:"child" json:"child"`
}
