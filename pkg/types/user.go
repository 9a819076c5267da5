package types

const (
	RoleUser       = "USER"
	RoleManager    = "MANAGER"
	RoleDirector   = "DIRECTOR"
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
)

// RoleRank orders the organizational roles; unknown roles rank 0.
func RoleRank(role string) int {
	switch role {
	case RoleUser:
		return 1
	case RoleManager:
		return 2
	case RoleDirector:
		return 3
	case RoleAdmin:
		return 4
	case RoleSuperAdmin:
		return 5
	default:
		return 0
	}
}

type User struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	BranchCode string   `json:"branch" yaml:"branch"`
	Roles      []string `json:"roles" yaml:"roles"`
	Active     bool     `json:"active" yaml:"active"`
}

func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (u User) IsAdmin() bool {
	return u.HasRole(RoleAdmin) || u.HasRole(RoleSuperAdmin)
}

// HighestRank returns the rank of the most senior role the user holds.
func (u User) HighestRank() int {
	best := 0
	for _, r := range u.Roles {
		if rank := RoleRank(r); rank > best {
			best = rank
		}
	}
	return best
}

type Branch struct {
	Code         string `json:"code" yaml:"code"`
	Name         string `json:"name" yaml:"name"`
	Headquarters bool   `json:"headquarters" yaml:"headquarters"`
}
