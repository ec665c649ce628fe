package domain

// FamilyRole is the caller's role within one family, resolved by the
// membership provider. The set is closed; unknown roles get no capabilities.
type FamilyRole string

const (
	// RoleMember is a full-access family member.
	RoleMember FamilyRole = "member"
	// RoleExternal is a read-only external member (e.g. a relative watching in).
	RoleExternal FamilyRole = "external"
	// RoleCareStaff is front-line care staff assigned to the family.
	RoleCareStaff FamilyRole = "staff"
	// RoleCareManager coordinates the family's care plan.
	RoleCareManager FamilyRole = "manager"
)

// Capabilities is the fixed permission record carried by a role. It is
// resolved once per request from the caller's membership and never
// recomputed mid-request.
type Capabilities struct {
	CanRead        bool
	CanPostChat    bool
	CanUploadFiles bool
	CanManageFiles bool
}

var roleCapabilities = map[FamilyRole]Capabilities{
	RoleMember:      {CanRead: true, CanPostChat: true, CanUploadFiles: true, CanManageFiles: true},
	RoleExternal:    {CanRead: true},
	RoleCareStaff:   {CanRead: true, CanPostChat: true, CanUploadFiles: true},
	RoleCareManager: {CanRead: true, CanPostChat: true, CanUploadFiles: true, CanManageFiles: true},
}

// Capabilities returns the role's permission record. Unknown roles map to
// the zero record, which permits nothing.
func (r FamilyRole) Capabilities() Capabilities {
	return roleCapabilities[r]
}

// Valid reports whether r is one of the four family roles.
func (r FamilyRole) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}
