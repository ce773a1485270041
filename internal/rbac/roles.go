package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleOperator   = "operator"
	RoleAnalyst    = "analyst"
	RoleViewer     = "viewer"
	RoleSuperAdmin = "super_admin"
)

// rank orders organization roles by privilege. Unknown roles have rank 0.
var rank = map[string]int{
	RoleViewer:   1,
	RoleAnalyst:  2,
	RoleOperator: 3,
	RoleAdmin:    4,
	RoleOwner:    5,
}

// orgRoles is every organization role from least to most privileged.
var orgRoles = []string{RoleViewer, RoleAnalyst, RoleOperator, RoleAdmin, RoleOwner}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// AtLeast returns the organization roles whose privilege is >= min.
// Use with RequireAnyRole, e.g. RequireAnyRole(AtLeast(RoleViewer)...).
func AtLeast(min string) []string {
	floor, ok := rank[min]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(orgRoles))
	for _, r := range orgRoles {
		if rank[r] >= floor {
			out = append(out, r)
		}
	}
	return out
}
