package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermRealtimeConnect, true},
		{RoleViewer, PermStatusRead, true},
		{RoleViewer, PermPublish, false},
		{RoleViewer, PermModuleAnnounce, false},
		{RoleOperator, PermPublish, true},
		{RoleOperator, PermModuleAnnounce, true},
		{RoleOperator, PermSystemAdmin, false},
		{RoleAdmin, PermSystemAdmin, true},
		{Role("guest"), PermRealtimeConnect, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestPermissionsForRole(t *testing.T) {
	perms := PermissionsForRole(RoleAdmin)
	if len(perms) == 0 {
		t.Fatal("PermissionsForRole(admin) should return permissions")
	}

	// Should return a copy, not the original slice
	perms[0] = "modified"
	original := PermissionsForRole(RoleAdmin)
	if original[0] == "modified" {
		t.Error("PermissionsForRole should return a copy, not the original")
	}

	if PermissionsForRole(Role("unknown")) != nil {
		t.Error("PermissionsForRole(unknown) should return nil")
	}
}

func TestIsValidRole(t *testing.T) {
	for _, r := range []Role{RoleViewer, RoleOperator, RoleAdmin} {
		if !IsValidRole(r) {
			t.Errorf("%s should be valid", r)
		}
	}
	if IsValidRole(Role("guest")) {
		t.Error("guest should NOT be a valid role")
	}
}
