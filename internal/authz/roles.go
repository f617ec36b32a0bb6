package authz

const (
	RoleFarmer     = 10
	RoleAgronomist = 20
	RoleAdmin      = 50
)

// CanManageIdentities gates deactivate/reactivate and the admin read
// endpoints. Checked explicitly by the auth service, not only by routing.
func CanManageIdentities(roleID int) bool {
	return roleID == RoleAdmin
}

// SelfRegistrable reports whether a role may be chosen at public
// registration. Admin accounts are provisioned out of band.
func SelfRegistrable(roleID int) bool {
	return roleID == RoleFarmer || roleID == RoleAgronomist
}
