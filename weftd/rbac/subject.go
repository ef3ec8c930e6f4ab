package rbac

// Subject is the explicit user context threaded through every access
// query. There is no ambient "current user"; the authentication layer
// resolves one and passes it in.
type Subject struct {
	// Name is informational only, used in logs.
	Name string

	// Anonymous subjects are resolved against the configured public role
	// and nothing else.
	Anonymous bool

	// Roles are the names of the roles the subject holds. Names that do
	// not exist in the store are silently absent from the effective set.
	Roles []string
}

// AnonymousSubject is the subject used when no session is present.
func AnonymousSubject() Subject {
	return Subject{Name: "anonymous", Anonymous: true}
}
