// Package dbmem is an in-memory implementation of database.Store, used in
// place of a live Postgres for unit tests.
package dbmem

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/exp/maps"
	"golang.org/x/xerrors"

	"github.com/weftwork/weft/weftd/database"
)

// New returns an in-memory fake of the database.
func New() database.Store {
	return &fakeQuerier{
		mutex: &sync.RWMutex{},
		data: &data{
			permissions: make([]database.Permission, 0),
			resources:   make([]database.Resource, 0),
			grants:      make([]database.Grant, 0),
			roles:       make([]database.Role, 0),
			roleGrants:  make([]database.RoleGrant, 0),
			workflows:   make([]database.Workflow, 0),
			locks:       map[int64]struct{}{},
		},
	}
}

type rwMutex interface {
	Lock()
	RLock()
	Unlock()
	RUnlock()
}

// inTxMutex is a no op, since inside a transaction we are already locked.
type inTxMutex struct{}

func (inTxMutex) Lock()    {}
func (inTxMutex) RLock()   {}
func (inTxMutex) Unlock()  {}
func (inTxMutex) RUnlock() {}

// fakeQuerier replicates database functionality to enable quick testing.
type fakeQuerier struct {
	mutex rwMutex
	*data
}

type data struct {
	permissions []database.Permission
	resources   []database.Resource
	grants      []database.Grant
	roles       []database.Role
	roleGrants  []database.RoleGrant
	workflows   []database.Workflow

	// Advisory locks held by in-flight transactions.
	locks map[int64]struct{}
}

func uniqueViolation(constraint database.UniqueConstraint) error {
	return &pq.Error{
		Code:       "23505",
		Message:    "duplicate key value violates unique constraint",
		Constraint: string(constraint),
	}
}

func (*fakeQuerier) Ping(_ context.Context) (time.Duration, error) {
	return 0, nil
}

func (q *fakeQuerier) InTx(fn func(database.Store) error, opts *database.TxOptions) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if opts != nil {
		database.IncrementExecutionCount(opts)
	}
	tx := &fakeTx{
		fakeQuerier: &fakeQuerier{mutex: inTxMutex{}, data: q.data},
		locks:       map[int64]struct{}{},
	}
	defer tx.releaseLocks()
	return fn(tx)
}

// TryAcquireLock mimics a transaction-scoped advisory lock, so it is only
// valid inside InTx.
func (*fakeQuerier) TryAcquireLock(_ context.Context, _ int64) (bool, error) {
	return false, xerrors.New("TryAcquireLock must only be called within a transaction")
}

type fakeTx struct {
	*fakeQuerier
	locks map[int64]struct{}
}

func (tx *fakeTx) TryAcquireLock(_ context.Context, id int64) (bool, error) {
	if _, ok := tx.fakeQuerier.locks[id]; ok {
		return false, nil
	}
	tx.fakeQuerier.locks[id] = struct{}{}
	tx.locks[id] = struct{}{}
	return true, nil
}

func (tx *fakeTx) releaseLocks() {
	for id := range tx.locks {
		delete(tx.fakeQuerier.locks, id)
	}
	tx.locks = map[int64]struct{}{}
}

func (q *fakeQuerier) GetPermissionByName(_ context.Context, name string) (database.Permission, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, permission := range q.permissions {
		if permission.Name == name {
			return permission, nil
		}
	}
	return database.Permission{}, sql.ErrNoRows
}

func (q *fakeQuerier) InsertPermission(_ context.Context, arg database.InsertPermissionParams) (database.Permission, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, permission := range q.permissions {
		if permission.Name == arg.Name {
			return database.Permission{}, uniqueViolation(database.UniquePermissionsNameKey)
		}
	}
	permission := database.Permission{
		ID:        arg.ID,
		CreatedAt: arg.CreatedAt,
		Name:      arg.Name,
	}
	q.permissions = append(q.permissions, permission)
	return permission, nil
}

func (q *fakeQuerier) GetResourceByName(_ context.Context, name string) (database.Resource, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, resource := range q.resources {
		if resource.Name == name {
			return resource, nil
		}
	}
	return database.Resource{}, sql.ErrNoRows
}

func (q *fakeQuerier) InsertResource(_ context.Context, arg database.InsertResourceParams) (database.Resource, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, resource := range q.resources {
		if resource.Name == arg.Name {
			return database.Resource{}, uniqueViolation(database.UniqueResourcesNameKey)
		}
	}
	resource := database.Resource{
		ID:        arg.ID,
		CreatedAt: arg.CreatedAt,
		Name:      arg.Name,
	}
	q.resources = append(q.resources, resource)
	return resource, nil
}

func (q *fakeQuerier) GetRoleByName(_ context.Context, name string) (database.Role, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, role := range q.roles {
		if role.Name == name {
			return role, nil
		}
	}
	return database.Role{}, sql.ErrNoRows
}

func (q *fakeQuerier) GetRoles(_ context.Context) ([]database.Role, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	roles := slices.Clone(q.roles)
	slices.SortFunc(roles, func(a, b database.Role) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return roles, nil
}

func (q *fakeQuerier) GetRolesByNames(_ context.Context, names []string) ([]database.Role, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	roles := make([]database.Role, 0, len(names))
	for _, role := range q.roles {
		if slices.Contains(names, role.Name) {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

func (q *fakeQuerier) InsertRole(_ context.Context, arg database.InsertRoleParams) (database.Role, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, role := range q.roles {
		if role.Name == arg.Name {
			return database.Role{}, uniqueViolation(database.UniqueRolesNameKey)
		}
	}
	role := database.Role{
		ID:        arg.ID,
		CreatedAt: arg.CreatedAt,
		Name:      arg.Name,
	}
	q.roles = append(q.roles, role)
	return role, nil
}

func (q *fakeQuerier) GetGrantByNames(_ context.Context, arg database.GetGrantByNamesParams) (database.ValidGrant, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, grant := range q.grants {
		valid, ok := q.validGrantLocked(grant)
		if !ok {
			continue
		}
		if valid.PermissionName == arg.PermissionName && valid.ResourceName == arg.ResourceName {
			return valid, nil
		}
	}
	return database.ValidGrant{}, sql.ErrNoRows
}

func (q *fakeQuerier) GetValidGrants(_ context.Context) ([]database.ValidGrant, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	grants := make([]database.ValidGrant, 0, len(q.grants))
	for _, grant := range q.grants {
		if valid, ok := q.validGrantLocked(grant); ok {
			grants = append(grants, valid)
		}
	}
	return grants, nil
}

func (q *fakeQuerier) GetValidGrantsByRoleNames(_ context.Context, names []string) ([]database.ValidGrant, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	roleIDs := map[uuid.UUID]struct{}{}
	for _, role := range q.roles {
		if slices.Contains(names, role.Name) {
			roleIDs[role.ID] = struct{}{}
		}
	}

	grants := map[uuid.UUID]database.ValidGrant{}
	for _, roleGrant := range q.roleGrants {
		if _, ok := roleIDs[roleGrant.RoleID]; !ok {
			continue
		}
		for _, grant := range q.grants {
			if grant.ID != roleGrant.GrantID {
				continue
			}
			if valid, ok := q.validGrantLocked(grant); ok {
				grants[valid.ID] = valid
			}
		}
	}
	return maps.Values(grants), nil
}

func (q *fakeQuerier) InsertGrant(_ context.Context, arg database.InsertGrantParams) (database.Grant, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	// NULL sides never collide, matching Postgres unique semantics.
	if arg.PermissionID.Valid && arg.ResourceID.Valid {
		for _, grant := range q.grants {
			if grant.PermissionID == arg.PermissionID && grant.ResourceID == arg.ResourceID {
				return database.Grant{}, uniqueViolation(database.UniqueGrantsPermissionResourceKey)
			}
		}
	}
	grant := database.Grant{
		ID:           arg.ID,
		CreatedAt:    arg.CreatedAt,
		PermissionID: arg.PermissionID,
		ResourceID:   arg.ResourceID,
	}
	q.grants = append(q.grants, grant)
	return grant, nil
}

func (q *fakeQuerier) DeleteOrphanedGrants(_ context.Context) (int64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var deleted int64
	kept := make([]database.Grant, 0, len(q.grants))
	for _, grant := range q.grants {
		if grant.Valid() {
			kept = append(kept, grant)
			continue
		}
		deleted++
		// Association rows cascade with the grant.
		q.roleGrants = slices.DeleteFunc(q.roleGrants, func(rg database.RoleGrant) bool {
			return rg.GrantID == grant.ID
		})
	}
	q.grants = kept
	return deleted, nil
}

func (q *fakeQuerier) GetRoleGrants(_ context.Context, roleID uuid.UUID) ([]database.Grant, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	grants := make([]database.Grant, 0)
	for _, roleGrant := range q.roleGrants {
		if roleGrant.RoleID != roleID {
			continue
		}
		for _, grant := range q.grants {
			if grant.ID == roleGrant.GrantID {
				grants = append(grants, grant)
				break
			}
		}
	}
	return grants, nil
}

func (q *fakeQuerier) GetRoleGrantCount(_ context.Context, roleID uuid.UUID) (int64, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	var count int64
	for _, roleGrant := range q.roleGrants {
		if roleGrant.RoleID == roleID {
			count++
		}
	}
	return count, nil
}

func (q *fakeQuerier) InsertRoleGrants(_ context.Context, arg database.InsertRoleGrantsParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, grantID := range arg.GrantIDs {
		exists := slices.ContainsFunc(q.roleGrants, func(rg database.RoleGrant) bool {
			return rg.RoleID == arg.RoleID && rg.GrantID == grantID
		})
		if exists {
			// ON CONFLICT DO NOTHING
			continue
		}
		q.roleGrants = append(q.roleGrants, database.RoleGrant{
			RoleID:  arg.RoleID,
			GrantID: grantID,
		})
	}
	return nil
}

func (q *fakeQuerier) DeleteRoleGrants(_ context.Context, roleID uuid.UUID) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.roleGrants = slices.DeleteFunc(q.roleGrants, func(rg database.RoleGrant) bool {
		return rg.RoleID == roleID
	})
	return nil
}

func (q *fakeQuerier) GetWorkflows(_ context.Context) ([]database.Workflow, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	workflows := slices.Clone(q.workflows)
	slices.SortFunc(workflows, func(a, b database.Workflow) int {
		return strings.Compare(a.ID, b.ID)
	})
	return workflows, nil
}

func (q *fakeQuerier) UpsertWorkflow(_ context.Context, arg database.UpsertWorkflowParams) (database.Workflow, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	workflow := database.Workflow{
		ID:        arg.ID,
		UpdatedAt: arg.UpdatedAt,
		Active:    arg.Active,
		Paused:    arg.Paused,
		Child:     arg.Child,
	}
	for i, existing := range q.workflows {
		if existing.ID == arg.ID {
			q.workflows[i] = workflow
			return workflow, nil
		}
	}
	q.workflows = append(q.workflows, workflow)
	return workflow, nil
}

// validGrantLocked joins a grant row against its permission and resource.
// The caller must hold at least a read lock.
func (q *fakeQuerier) validGrantLocked(grant database.Grant) (database.ValidGrant, bool) {
	if !grant.Valid() {
		return database.ValidGrant{}, false
	}
	valid := database.ValidGrant{
		ID:           grant.ID,
		PermissionID: grant.PermissionID.UUID,
		ResourceID:   grant.ResourceID.UUID,
	}
	found := false
	for _, permission := range q.permissions {
		if permission.ID == grant.PermissionID.UUID {
			valid.PermissionName = permission.Name
			found = true
			break
		}
	}
	if !found {
		return database.ValidGrant{}, false
	}
	found = false
	for _, resource := range q.resources {
		if resource.ID == grant.ResourceID.UUID {
			valid.ResourceName = resource.Name
			found = true
			break
		}
	}
	if !found {
		return database.ValidGrant{}, false
	}
	return valid, true
}
