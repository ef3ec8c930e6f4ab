package rbac

import (
	"context"
	"database/sql"
	"errors"
	"slices"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/weftwork/weft/weftd/database"
)

// GrantPair is a (permission name, resource name) pair, the unit of an
// access decision.
type GrantPair struct {
	Permission string
	Resource   string
}

// GrantSet is a set of grant pairs.
type GrantSet map[GrantPair]struct{}

func (s GrantSet) Has(pair GrantPair) bool {
	_, ok := s[pair]
	return ok
}

func (s GrantSet) Add(pair GrantPair) {
	s[pair] = struct{}{}
}

// Authorizer answers access queries from the persisted grant state. It
// never mutates the store.
type Authorizer struct {
	log     slog.Logger
	db      database.Store
	catalog *Catalog

	// publicRole is the role resolved for anonymous subjects. Empty means
	// anonymous subjects hold no roles at all.
	publicRole string
}

type AuthorizerOption func(*Authorizer)

// WithPublicRole configures the role granted to anonymous subjects.
func WithPublicRole(name string) AuthorizerOption {
	return func(a *Authorizer) {
		a.publicRole = name
	}
}

func NewAuthorizer(log slog.Logger, db database.Store, catalog *Catalog, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		log:     log,
		db:      db,
		catalog: catalog,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EffectiveRoles resolves the subject's role rows. Anonymous subjects get
// the public role, or nothing when none is configured or the role does not
// exist yet. Role names without a matching row are silently absent.
func (a *Authorizer) EffectiveRoles(ctx context.Context, subject Subject) ([]database.Role, error) {
	if subject.Anonymous {
		if a.publicRole == "" {
			return nil, nil
		}
		role, err := a.db.GetRoleByName(ctx, a.publicRole)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, xerrors.Errorf("get public role: %w", err)
		}
		return []database.Role{role}, nil
	}

	if len(subject.Roles) == 0 {
		return nil, nil
	}
	roles, err := a.db.GetRolesByNames(ctx, subject.Roles)
	if err != nil {
		return nil, xerrors.Errorf("get roles by names: %w", err)
	}
	return roles, nil
}

// EffectiveGrants is the union, over the subject's effective roles, of
// each role's valid grants.
func (a *Authorizer) EffectiveGrants(ctx context.Context, subject Subject) (GrantSet, error) {
	roles, err := a.EffectiveRoles(ctx, subject)
	if err != nil {
		return nil, err
	}
	grants := make(GrantSet)
	if len(roles) == 0 {
		return grants, nil
	}

	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	rows, err := a.db.GetValidGrantsByRoleNames(ctx, names)
	if err != nil {
		return nil, xerrors.Errorf("get grants for roles: %w", err)
	}
	for _, row := range rows {
		grants.Add(GrantPair{Permission: row.PermissionName, Resource: row.ResourceName})
	}
	return grants, nil
}

// HasAccess reports whether the subject holds the (permission, resource)
// pair. Any failure to determine access resolves to denial.
func (a *Authorizer) HasAccess(ctx context.Context, permission, resource string, subject Subject) (bool, error) {
	grants, err := a.EffectiveGrants(ctx, subject)
	if err != nil {
		return false, err
	}
	return grants.Has(GrantPair{Permission: permission, Resource: resource}), nil
}

// HasAllWorkflowsAccess reports whether the subject can access every
// workflow: either through one of the full-access roles or through a
// capability grant on the wildcard resource.
func (a *Authorizer) HasAllWorkflowsAccess(ctx context.Context, subject Subject) (bool, error) {
	if hasFullAccessRole(subject) {
		return true, nil
	}

	grants, err := a.EffectiveGrants(ctx, subject)
	if err != nil {
		return false, err
	}
	return hasWildcardGrant(grants), nil
}

// AccessibleWorkflowIDs returns the workflow ids the subject may access.
// A subject with access to everything gets the wildcard sentinel
// {WildcardResource} instead of an enumeration. The grant graph is read
// once per call.
func (a *Authorizer) AccessibleWorkflowIDs(ctx context.Context, subject Subject) ([]string, error) {
	if subject.Anonymous {
		return nil, nil
	}
	if a.publicOnly(subject) {
		return nil, nil
	}
	if hasFullAccessRole(subject) {
		return []string{WildcardResource}, nil
	}

	grants, err := a.EffectiveGrants(ctx, subject)
	if err != nil {
		return nil, err
	}
	if hasWildcardGrant(grants) {
		return []string{WildcardResource}, nil
	}
	return workflowIDs(grants), nil
}

// publicOnly reports whether the subject holds nothing beyond the
// configured public role.
func (a *Authorizer) publicOnly(subject Subject) bool {
	return a.publicRole != "" && len(subject.Roles) == 1 && subject.Roles[0] == a.publicRole
}

// hasFullAccessRole intersects the subject's role names with the fixed
// full-access names. The check is purely on names so it holds even before
// the built-in roles are first reconciled into the store.
func hasFullAccessRole(subject Subject) bool {
	fullAccess := FullAccessRoleNames()
	for _, name := range subject.Roles {
		if slices.Contains(fullAccess, name) {
			return true
		}
	}
	return false
}

func hasWildcardGrant(grants GrantSet) bool {
	return grants.Has(GrantPair{Permission: PermissionWorkflowRead, Resource: WildcardResource}) ||
		grants.Has(GrantPair{Permission: PermissionWorkflowEdit, Resource: WildcardResource})
}

// workflowIDs collects the resource names paired with a capability
// permission in the grant set.
func workflowIDs(grants GrantSet) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for pair := range grants {
		if pair.Permission != PermissionWorkflowRead && pair.Permission != PermissionWorkflowEdit {
			continue
		}
		if _, ok := seen[pair.Resource]; ok {
			continue
		}
		seen[pair.Resource] = struct{}{}
		ids = append(ids, pair.Resource)
	}
	return ids
}

// Request returns an authorization context scoped to a single request for
// the given subject. It caches the subject's effective grants so one
// request does not re-query the grant graph per check. A Request must be
// discarded with the request; it never observes later grant changes once
// populated with a positive answer.
func (a *Authorizer) Request(subject Subject) *Request {
	return &Request{authz: a, subject: subject}
}

// Request holds a per-request grant cache. Not safe for concurrent use;
// requests are handled on a single goroutine.
type Request struct {
	authz   *Authorizer
	subject Subject

	// grants is lazily populated. A cache miss triggers one recompute and
	// a recheck, so checks made before any population are still answered
	// from fresh state.
	grants GrantSet
}

func (r *Request) Subject() Subject {
	return r.subject
}

// HasAccess answers like Authorizer.HasAccess but serves positive hits
// from the request cache. On a miss the grant set is recomputed once and
// the pair rechecked.
func (r *Request) HasAccess(ctx context.Context, permission, resource string) (bool, error) {
	pair := GrantPair{Permission: permission, Resource: resource}
	if r.grants != nil && r.grants.Has(pair) {
		return true, nil
	}
	grants, err := r.recompute(ctx)
	if err != nil {
		return false, err
	}
	return grants.Has(pair), nil
}

// HasAllWorkflowsAccess mirrors Authorizer.HasAllWorkflowsAccess against
// the request cache.
func (r *Request) HasAllWorkflowsAccess(ctx context.Context) (bool, error) {
	if hasFullAccessRole(r.subject) {
		return true, nil
	}
	read, err := r.HasAccess(ctx, PermissionWorkflowRead, WildcardResource)
	if err != nil {
		return false, err
	}
	if read {
		return true, nil
	}
	return r.HasAccess(ctx, PermissionWorkflowEdit, WildcardResource)
}

// AccessibleWorkflowIDs mirrors Authorizer.AccessibleWorkflowIDs against
// the request cache: a populated cache is reused without touching the
// grant graph again.
func (r *Request) AccessibleWorkflowIDs(ctx context.Context) ([]string, error) {
	if r.subject.Anonymous {
		return nil, nil
	}
	if r.authz.publicOnly(r.subject) {
		return nil, nil
	}
	if hasFullAccessRole(r.subject) {
		return []string{WildcardResource}, nil
	}

	grants, err := r.effectiveGrants(ctx)
	if err != nil {
		return nil, err
	}
	if hasWildcardGrant(grants) {
		return []string{WildcardResource}, nil
	}
	return workflowIDs(grants), nil
}

// effectiveGrants returns the cached grant set, populating it on first
// use.
func (r *Request) effectiveGrants(ctx context.Context) (GrantSet, error) {
	if r.grants != nil {
		return r.grants, nil
	}
	return r.recompute(ctx)
}

func (r *Request) recompute(ctx context.Context) (GrantSet, error) {
	grants, err := r.authz.EffectiveGrants(ctx, r.subject)
	if err != nil {
		return nil, err
	}
	r.authz.log.Debug(ctx, "recomputed request grant cache",
		slog.F("subject", r.subject.Name),
		slog.F("grants", len(grants)),
	)
	r.grants = grants
	return grants, nil
}
