package authn

// Role is the primary role taxonomy for authenticated subjects
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"

	// RoleUnassigned is the fail-safe sentinel: no mapping applied under
	// strict policy, or role mapping failed internally. Sessions holding it
	// cannot perform any authorized action.
	RoleUnassigned Role = "unassigned"
)

// ParseRole converts a configuration string to a Role.
// Unknown values map to RoleUnassigned.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "user":
		return RoleUser
	case "guest":
		return RoleGuest
	default:
		return RoleUnassigned
	}
}

// RoleMappings configures how raw identity-provider roles map onto the
// primary taxonomy
type RoleMappings struct {
	// Admin, User, Guest are the raw role names that map to each primary
	// role, checked in that priority order
	Admin []string
	User  []string
	Guest []string

	// DefaultRole applies when no mapped role matches and strict policy is
	// off
	DefaultRole Role

	// RejectUnmappedRoles enables strict policy: subjects whose roles match
	// no mapping are rejected instead of defaulted
	RejectUnmappedRoles bool
}

// RoleResult is the outcome of role mapping
type RoleResult struct {
	// PrimaryRole is the mapped role from the primary taxonomy
	PrimaryRole Role

	// CustomRoles are raw roles outside the primary taxonomy
	CustomRoles []string

	// Rejected is true when strict policy rejected the subject
	Rejected bool
}

// MapRoles intersects the raw roles with the configured mapping sets and
// returns the primary role, leftover custom roles, and the rejection flag.
//
// MapRoles never fails: any internal error (malformed configuration,
// unexpected input) degrades to {Unassigned, none, rejected} so a mapping
// bug can never grant access.
func MapRoles(rawRoles []string, mappings RoleMappings) (result RoleResult) {
	defer func() {
		if r := recover(); r != nil {
			result = RoleResult{PrimaryRole: RoleUnassigned, Rejected: true}
		}
	}()

	primary := RoleUnassigned
	mapped := make(map[string]bool)

	// Priority order: admin beats user beats guest
	for _, set := range []struct {
		role  Role
		names []string
	}{
		{RoleAdmin, mappings.Admin},
		{RoleUser, mappings.User},
		{RoleGuest, mappings.Guest},
	} {
		for _, name := range set.names {
			mapped[name] = true
		}
		if primary != RoleUnassigned {
			continue
		}
		for _, raw := range rawRoles {
			if contains(set.names, raw) {
				primary = set.role
				break
			}
		}
	}

	if primary == RoleUnassigned {
		if mappings.RejectUnmappedRoles {
			return RoleResult{PrimaryRole: RoleUnassigned, Rejected: true}
		}
		defaultRole := mappings.DefaultRole
		if defaultRole == "" {
			defaultRole = RoleUnassigned
		}
		if defaultRole == RoleUnassigned {
			// A default of Unassigned is equivalent to rejection: the
			// sentinel must never carry roles or scopes
			return RoleResult{PrimaryRole: RoleUnassigned, Rejected: true}
		}
		return RoleResult{
			PrimaryRole: defaultRole,
			CustomRoles: append([]string(nil), rawRoles...),
		}
	}

	var custom []string
	for _, raw := range rawRoles {
		if !mapped[raw] {
			custom = append(custom, raw)
		}
	}

	return RoleResult{PrimaryRole: primary, CustomRoles: custom}
}

func contains(set []string, s string) bool {
	for _, e := range set {
		if e == s {
			return true
		}
	}
	return false
}
