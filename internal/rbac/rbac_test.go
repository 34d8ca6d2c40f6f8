package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name       string
		role       Role
		capability Capability
		allow      bool
	}{
		{name: "user submit report", role: RoleUser, capability: CapSubmitReport, allow: true},
		{name: "user flag content", role: RoleUser, capability: CapFlagContent, allow: false},
		{name: "user record action", role: RoleUser, capability: CapRecordAction, allow: false},
		{name: "moderator review reports", role: RoleModerator, capability: CapReviewReports, allow: true},
		{name: "moderator record action", role: RoleModerator, capability: CapRecordAction, allow: true},
		{name: "moderator reverse action", role: RoleModerator, capability: CapReverseAction, allow: false},
		{name: "moderator view audit", role: RoleModerator, capability: CapViewAudit, allow: false},
		{name: "moderator target privileged", role: RoleModerator, capability: CapTargetPrivileged, allow: false},
		{name: "admin reverse action", role: RoleAdmin, capability: CapReverseAction, allow: true},
		{name: "admin run sweep", role: RoleAdmin, capability: CapRunSweep, allow: true},
		{name: "unknown role", role: Role("guest"), capability: CapSubmitReport, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.capability); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.capability, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("admin"); got != RoleAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
	if got := Normalize(""); got != RoleUser {
		t.Fatalf("Normalize(\"\") = %q", got)
	}
	if got := Normalize("superuser"); got != RoleUser {
		t.Fatalf("Normalize(superuser) = %q", got)
	}
}

func TestPrivileged(t *testing.T) {
	if RoleUser.Privileged() {
		t.Fatal("user must not be privileged")
	}
	if !RoleModerator.Privileged() || !RoleAdmin.Privileged() {
		t.Fatal("moderator and admin must be privileged")
	}
}
