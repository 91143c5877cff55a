package roles

import "testing"

func TestCapabilityTable(t *testing.T) {
	cases := []struct {
		role Role
		want Capabilities
	}{
		{RoleOwner, Capabilities{Read: true, Write: true, Delete: true, Share: true, Manage: true, ViewHistory: true}},
		{RoleAdmin, Capabilities{Read: true, Write: true, Delete: true, Share: true, Manage: true, ViewHistory: true}},
		{RoleEditor, Capabilities{Read: true, Write: true, Share: true, ViewHistory: true}},
		{RoleViewer, Capabilities{Read: true, ViewHistory: true}},
		{RoleGuest, Capabilities{Read: true}},
	}
	for _, tc := range cases {
		if got := CapabilitiesFor(tc.role); got != tc.want {
			t.Errorf("CapabilitiesFor(%s) = %+v, want %+v", tc.role, got, tc.want)
		}
	}
}

func TestCapabilityTableDeterministic(t *testing.T) {
	for _, role := range []Role{RoleOwner, RoleAdmin, RoleEditor, RoleViewer, RoleGuest} {
		first := CapabilitiesFor(role)
		for i := 0; i < 10; i++ {
			if CapabilitiesFor(role) != first {
				t.Fatalf("capability mapping for %s is not deterministic", role)
			}
		}
	}
}

func TestCanMatchesStruct(t *testing.T) {
	if !Can(RoleEditor, CapWrite) {
		t.Errorf("editor should have write")
	}
	if Can(RoleEditor, CapManage) {
		t.Errorf("editor should not have manage")
	}
	if Can(RoleViewer, CapWrite) {
		t.Errorf("viewer should not have write")
	}
	if !Can(RoleViewer, CapViewHistory) {
		t.Errorf("viewer should have viewHistory")
	}
	if Can(RoleGuest, CapViewHistory) {
		t.Errorf("guest should not have viewHistory")
	}
	if Can(Role("unknown"), CapRead) {
		t.Errorf("unknown role should have no capabilities")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("editor") != RoleEditor {
		t.Errorf("expected editor to normalize to itself")
	}
	if Normalize("superuser") != RoleGuest {
		t.Errorf("unknown roles normalize to guest")
	}
	if Valid("superuser") {
		t.Errorf("superuser is not a valid role")
	}
	if !Valid("owner") {
		t.Errorf("owner is a valid role")
	}
}
