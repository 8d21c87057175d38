package rbac

// Role is a world membership role.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Rank maps roles onto a total order: owner > admin > editor > viewer.
// Unknown roles rank below viewer.
func Rank(role Role) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleEditor:
		return 1
	case RoleViewer:
		return 0
	default:
		return -1
	}
}

// Allows reports whether actor meets the required minimum role.
func Allows(actor, required Role) bool {
	return Rank(actor) >= Rank(required) && Rank(actor) >= 0
}

// Normalize validates a raw role string.
func Normalize(role string) (Role, bool) {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin, RoleOwner:
		return Role(role), true
	default:
		return "", false
	}
}
