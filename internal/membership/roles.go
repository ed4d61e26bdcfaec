package membership

import (
	"tenantcore.org/internal/fault"
)

// Role is the position of a user inside a tenant. Roles form a strict
// hierarchy; a lower rank is more privileged.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
	RoleViewer Role = "viewer"
)

var roleRank = map[Role]int{
	RoleOwner:  1,
	RoleAdmin:  2,
	RoleMember: 3,
	RoleGuest:  4,
	RoleViewer: 5,
}

// ParseRole validates a role value from external input. Legacy two-role
// vocabulary from the pre-hierarchy data model is mapped to its modern
// equivalent so old records keep decoding.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRank[r]; ok {
		return r, nil
	}
	switch s {
	case "administrator":
		return RoleAdmin, nil
	case "user", "regular":
		return RoleMember, nil
	}
	return "", fault.New(fault.InvalidArgument, "unknown role %q", s)
}

// Rank returns the numeric position in the hierarchy; 0 for unknown roles.
func (r Role) Rank() int { return roleRank[r] }

// Valid reports whether r is one of the five canonical roles.
func (r Role) Valid() bool { return roleRank[r] != 0 }

// AtLeast reports whether r is at least as privileged as other.
func (r Role) AtLeast(other Role) bool {
	return r.Valid() && other.Valid() && roleRank[r] <= roleRank[other]
}

// CanManage reports whether r may perform membership management actions.
func (r Role) CanManage() bool { return r == RoleOwner || r == RoleAdmin }
