package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOperator   = "operator"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
	RoleTrigger    = "trigger" // service role for upstream flows
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsServiceRole reports roles held by machines rather than people.
func IsServiceRole(role string) bool { return role == RoleTrigger }

func Known(role string) bool {
	switch role {
	case RoleOperator, RoleSupervisor, RoleAdmin, RoleTrigger:
		return true
	default:
		return false
	}
}
