package registry

import "slices"

// RoleAdmin grants access to the admins room and admin-only payload fields.
const RoleAdmin = "admin"

// Identity is the verified principal behind an authenticated connection.
type Identity struct {
	ID          string   `json:"id"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Tier        string   `json:"tier,omitempty"`
	Verified    bool     `json:"verified"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Can reports whether the identity holds permission.
func (i Identity) Can(permission string) bool {
	return i.IsAdmin() || slices.Contains(i.Permissions, permission)
}
