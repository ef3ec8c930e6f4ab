// Package rolesync reconciles the built-in role catalog against the
// database: it seeds built-in roles, provisions per-workflow capability
// grants, propagates the User baseline to workflow roles, repairs
// administrator coverage, and purges orphaned grants.
package rolesync

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/weftwork/weft/weftd/database"
	"github.com/weftwork/weft/weftd/database/dbtime"
	"github.com/weftwork/weft/weftd/rbac"
)

// WorkflowLister enumerates the workflows that require per-workflow
// grants. The syncer filters the listing itself.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context) ([]database.Workflow, error)
}

// StoreLister lists workflows straight from the database.
type StoreLister struct {
	DB database.Store
}

func (l StoreLister) ListWorkflows(ctx context.Context) ([]database.Workflow, error) {
	return l.DB.GetWorkflows(ctx)
}

// Syncer reconciles role and grant state. Every pass is idempotent; a
// failed run is recovered by calling Synchronize again.
type Syncer struct {
	log       slog.Logger
	db        database.Store
	catalog   *rbac.Catalog
	workflows WorkflowLister
	metrics   *Metrics
}

type Option func(*Syncer)

// WithMetrics attaches Prometheus metrics to the syncer.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Syncer) {
		s.metrics = metrics
	}
}

func New(log slog.Logger, db database.Store, catalog *rbac.Catalog, workflows WorkflowLister, opts ...Option) *Syncer {
	s := &Syncer{
		log:       log,
		db:        db,
		catalog:   catalog,
		workflows: workflows,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synchronize reconciles the store with the catalog. Passes run in a fixed
// order and each pass's writes are visible to the next. There is no
// cross-pass rollback: committed passes stay committed when a later pass
// fails, and the error surfaced to the caller is retryable by invoking
// Synchronize again.
func (s *Syncer) Synchronize(ctx context.Context) error {
	return s.run(ctx, s.db)
}

// run executes the passes against db, which is either the syncer's own
// store or a transaction the caller wrapped around the run.
func (s *Syncer) run(ctx context.Context, db database.Store) error {
	start := time.Now()

	err := func() error {
		if err := s.ensureWorkflowGrants(ctx, db, rbac.WildcardResource); err != nil {
			return xerrors.Errorf("ensure wildcard grants: %w", err)
		}
		if err := s.seedBuiltinRoles(ctx, db); err != nil {
			return xerrors.Errorf("seed builtin roles: %w", err)
		}
		if err := s.provisionWorkflowGrants(ctx, db); err != nil {
			return xerrors.Errorf("provision workflow grants: %w", err)
		}
		if err := s.propagateWorkflowRoles(ctx, db); err != nil {
			return xerrors.Errorf("propagate workflow roles: %w", err)
		}
		if err := s.repairAdminGrants(ctx, db); err != nil {
			return xerrors.Errorf("repair admin grants: %w", err)
		}
		if err := s.removeOrphanedGrants(ctx, db); err != nil {
			return xerrors.Errorf("remove orphaned grants: %w", err)
		}
		return nil
	}()

	elapsed := time.Since(start)
	s.metrics.observeRun(elapsed, err)
	if err != nil {
		return err
	}
	s.log.Debug(ctx, "role synchronization finished", slog.F("duration", elapsed))
	return nil
}

// EnsureWorkflowGrants ensures the two capability grants exist for a
// single workflow id, without running the full pass sequence. Views call
// this when one workflow is refreshed.
func (s *Syncer) EnsureWorkflowGrants(ctx context.Context, workflowID string) error {
	return s.ensureWorkflowGrants(ctx, s.db, workflowID)
}

func (s *Syncer) ensureWorkflowGrants(ctx context.Context, db database.Store, workflowID string) error {
	for _, permission := range rbac.WorkflowPermissions() {
		if _, err := s.ensureGrant(ctx, db, permission, workflowID); err != nil {
			return xerrors.Errorf("ensure grant (%s, %s): %w", permission, workflowID, err)
		}
	}
	return nil
}

// seedBuiltinRoles creates missing built-in roles and seeds each empty one
// from its catalog baseline. A role that already holds any grant is left
// alone entirely, so manual edits survive re-runs.
func (s *Syncer) seedBuiltinRoles(ctx context.Context, db database.Store) error {
	valid, err := db.GetValidGrants(ctx)
	if err != nil {
		return xerrors.Errorf("get valid grants: %w", err)
	}

	for _, builtin := range s.catalog.Roles() {
		role, err := s.ensureRole(ctx, db, builtin.Name)
		if err != nil {
			return xerrors.Errorf("ensure role %q: %w", builtin.Name, err)
		}

		count, err := db.GetRoleGrantCount(ctx, role.ID)
		if err != nil {
			return xerrors.Errorf("count grants of role %q: %w", role.Name, err)
		}
		if count > 0 {
			// Seeded before, possibly edited since. Manual edits win.
			continue
		}

		target := make([]uuid.UUID, 0)
		for _, grant := range valid {
			if slices.Contains(builtin.Permissions, grant.PermissionName) && slices.Contains(builtin.Resources, grant.ResourceName) {
				target = append(target, grant.ID)
			}
		}
		if len(target) == 0 {
			continue
		}

		// Replace in one transaction so a concurrent reader never sees a
		// half-seeded role.
		err = db.InTx(func(tx database.Store) error {
			if err := tx.DeleteRoleGrants(ctx, role.ID); err != nil {
				return xerrors.Errorf("clear role grants: %w", err)
			}
			return tx.InsertRoleGrants(ctx, database.InsertRoleGrantsParams{
				RoleID:   role.ID,
				GrantIDs: target,
			})
		}, nil)
		if err != nil {
			return xerrors.Errorf("seed role %q: %w", role.Name, err)
		}
		s.log.Info(ctx, "seeded builtin role",
			slog.F("role", role.Name),
			slog.F("grants", len(target)),
		)
	}
	return nil
}

// provisionWorkflowGrants ensures both capability grants exist for every
// discovered workflow that is active or paused and not a child workflow.
func (s *Syncer) provisionWorkflowGrants(ctx context.Context, db database.Store) error {
	workflows, err := s.workflows.ListWorkflows(ctx)
	if err != nil {
		return xerrors.Errorf("list workflows: %w", err)
	}
	for _, workflow := range workflows {
		if workflow.Child {
			continue
		}
		if !workflow.Active && !workflow.Paused {
			continue
		}
		if err := s.ensureWorkflowGrants(ctx, db, workflow.ID); err != nil {
			return err
		}
	}
	return nil
}

// propagateWorkflowRoles grants every workflow role the User baseline's
// grants, excluding grants on the wildcard resource. The pass is additive
// only: a workflow role's extra grants are never removed.
func (s *Syncer) propagateWorkflowRoles(ctx context.Context, db database.Store) error {
	userRole, err := db.GetRoleByName(ctx, rbac.RoleUser)
	if errors.Is(err, sql.ErrNoRows) {
		// Nothing to propagate from.
		return nil
	}
	if err != nil {
		return xerrors.Errorf("get baseline role: %w", err)
	}

	var wildcardID uuid.UUID
	wildcard, err := db.GetResourceByName(ctx, rbac.WildcardResource)
	if err == nil {
		wildcardID = wildcard.ID
	} else if !errors.Is(err, sql.ErrNoRows) {
		return xerrors.Errorf("get wildcard resource: %w", err)
	}

	baseline, err := db.GetRoleGrants(ctx, userRole.ID)
	if err != nil {
		return xerrors.Errorf("get baseline grants: %w", err)
	}
	reference := make(map[uuid.UUID]struct{}, len(baseline))
	for _, grant := range baseline {
		if !grant.Valid() {
			continue
		}
		if grant.ResourceID.UUID == wildcardID {
			// Workflow roles are scoped to their own workflow, never to
			// the global shortcut.
			continue
		}
		reference[grant.ID] = struct{}{}
	}
	if len(reference) == 0 {
		return nil
	}

	roles, err := db.GetRoles(ctx)
	if err != nil {
		return xerrors.Errorf("get roles: %w", err)
	}
	for _, role := range roles {
		if s.catalog.IsReserved(role.Name) {
			continue
		}
		inserted, err := s.insertMissingGrants(ctx, db, role.ID, reference)
		if err != nil {
			return xerrors.Errorf("propagate to role %q: %w", role.Name, err)
		}
		if inserted > 0 {
			s.log.Debug(ctx, "propagated baseline grants to workflow role",
				slog.F("role", role.Name),
				slog.F("grants", inserted),
			)
		}
	}
	return nil
}

// repairAdminGrants widens the administrator role to the union of its
// current grants and every valid grant in the store. The set is repaired,
// never shrunk.
func (s *Syncer) repairAdminGrants(ctx context.Context, db database.Store) error {
	admin, err := s.ensureRole(ctx, db, rbac.RoleAdmin)
	if err != nil {
		return xerrors.Errorf("ensure admin role: %w", err)
	}

	valid, err := db.GetValidGrants(ctx)
	if err != nil {
		return xerrors.Errorf("get valid grants: %w", err)
	}
	reference := make(map[uuid.UUID]struct{}, len(valid))
	for _, grant := range valid {
		reference[grant.ID] = struct{}{}
	}

	inserted, err := s.insertMissingGrants(ctx, db, admin.ID, reference)
	if err != nil {
		return xerrors.Errorf("repair admin role: %w", err)
	}
	if inserted > 0 {
		s.log.Info(ctx, "repaired admin grant coverage", slog.F("grants", inserted))
	}
	return nil
}

// removeOrphanedGrants purges every grant row whose permission or resource
// reference is gone.
func (s *Syncer) removeOrphanedGrants(ctx context.Context, db database.Store) error {
	deleted, err := db.DeleteOrphanedGrants(ctx)
	if err != nil {
		return xerrors.Errorf("delete orphaned grants: %w", err)
	}
	s.metrics.addOrphansDeleted(deleted)
	if deleted > 0 {
		s.log.Info(ctx, "removed orphaned grants", slog.F("count", deleted))
	}
	return nil
}

// insertMissingGrants bulk-inserts the grants from reference the role does
// not hold yet and returns how many were inserted. The missing set is
// computed against the store at call time.
func (s *Syncer) insertMissingGrants(ctx context.Context, db database.Store, roleID uuid.UUID, reference map[uuid.UUID]struct{}) (int, error) {
	current, err := db.GetRoleGrants(ctx, roleID)
	if err != nil {
		return 0, xerrors.Errorf("get role grants: %w", err)
	}
	held := make(map[uuid.UUID]struct{}, len(current))
	for _, grant := range current {
		held[grant.ID] = struct{}{}
	}

	missing := make([]uuid.UUID, 0)
	for id := range reference {
		if _, ok := held[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	err = db.InsertRoleGrants(ctx, database.InsertRoleGrantsParams{
		RoleID:   roleID,
		GrantIDs: missing,
	})
	if err != nil {
		return 0, xerrors.Errorf("insert role grants: %w", err)
	}
	s.metrics.addRoleGrantsInserted(len(missing))
	return len(missing), nil
}

// ensureGrant returns whether a grant for the named pair was created.
// Permission and resource rows are created lazily on first reference. An
// empty name on either side is a no-op.
func (s *Syncer) ensureGrant(ctx context.Context, db database.Store, permissionName, resourceName string) (bool, error) {
	if permissionName == "" || resourceName == "" {
		return false, nil
	}

	_, err := db.GetGrantByNames(ctx, database.GetGrantByNamesParams{
		PermissionName: permissionName,
		ResourceName:   resourceName,
	})
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, xerrors.Errorf("get grant: %w", err)
	}

	permission, err := s.ensurePermission(ctx, db, permissionName)
	if err != nil {
		return false, err
	}
	resource, err := s.ensureResource(ctx, db, resourceName)
	if err != nil {
		return false, err
	}

	_, err = db.InsertGrant(ctx, database.InsertGrantParams{
		ID:           uuid.New(),
		CreatedAt:    dbtime.Now(),
		PermissionID: uuid.NullUUID{UUID: permission.ID, Valid: true},
		ResourceID:   uuid.NullUUID{UUID: resource.ID, Valid: true},
	})
	if database.IsUniqueViolation(err) {
		// Lost a race with a concurrent reconciliation. The grant exists.
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("insert grant: %w", err)
	}
	s.metrics.addGrantsCreated(1)
	return true, nil
}

func (s *Syncer) ensurePermission(ctx context.Context, db database.Store, name string) (database.Permission, error) {
	permission, err := db.GetPermissionByName(ctx, name)
	if err == nil {
		return permission, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return database.Permission{}, xerrors.Errorf("get permission: %w", err)
	}
	permission, err = db.InsertPermission(ctx, database.InsertPermissionParams{
		ID:        uuid.New(),
		CreatedAt: dbtime.Now(),
		Name:      name,
	})
	if database.IsUniqueViolation(err) {
		return db.GetPermissionByName(ctx, name)
	}
	if err != nil {
		return database.Permission{}, xerrors.Errorf("insert permission: %w", err)
	}
	return permission, nil
}

func (s *Syncer) ensureResource(ctx context.Context, db database.Store, name string) (database.Resource, error) {
	resource, err := db.GetResourceByName(ctx, name)
	if err == nil {
		return resource, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return database.Resource{}, xerrors.Errorf("get resource: %w", err)
	}
	resource, err = db.InsertResource(ctx, database.InsertResourceParams{
		ID:        uuid.New(),
		CreatedAt: dbtime.Now(),
		Name:      name,
	})
	if database.IsUniqueViolation(err) {
		return db.GetResourceByName(ctx, name)
	}
	if err != nil {
		return database.Resource{}, xerrors.Errorf("insert resource: %w", err)
	}
	return resource, nil
}

// ensureRole looks a role up by name, creating it with an empty grant set
// when missing. A pre-existing role of the same name is the same entity.
func (s *Syncer) ensureRole(ctx context.Context, db database.Store, name string) (database.Role, error) {
	role, err := db.GetRoleByName(ctx, name)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return database.Role{}, xerrors.Errorf("get role: %w", err)
	}
	role, err = db.InsertRole(ctx, database.InsertRoleParams{
		ID:        uuid.New(),
		CreatedAt: dbtime.Now(),
		Name:      name,
	})
	if database.IsUniqueViolation(err) {
		return db.GetRoleByName(ctx, name)
	}
	if err != nil {
		return database.Role{}, xerrors.Errorf("insert role: %w", err)
	}
	return role, nil
}
