package auth

import "slices"

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermRealtimeConnect Permission = "realtime:connect"
	PermStatusRead      Permission = "status:read"
	PermPublish         Permission = "mqtt:publish"
	PermModuleAnnounce  Permission = "module:announce"
	PermSystemAdmin     Permission = "system:admin"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermRealtimeConnect,
		PermStatusRead,
	},
	RoleOperator: {
		PermRealtimeConnect,
		PermStatusRead,
		PermPublish,
		PermModuleAnnounce,
	},
	RoleAdmin: {
		PermRealtimeConnect,
		PermStatusRead,
		PermPublish,
		PermModuleAnnounce,
		PermSystemAdmin,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns a copy of the permissions granted to role.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
