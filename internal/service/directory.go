package service

import "context"

// Directory resolves user identities and role membership. The real
// implementation lives in the identity platform service; role, unit and
// hierarchy-level references all resolve through it, so the engine treats
// unit ids and level markers as role names.
type Directory interface {
	// GetUsersWithRole returns user ids holding the given role.
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
	// GetUserRoles returns the roles a user holds. An empty slice means the
	// user is not a valid approver anywhere in the system.
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// AdminRole marks users allowed to cancel or manually escalate any request.
const AdminRole = "APPROVALS_ADMIN"

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
