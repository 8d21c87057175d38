package rbac

import "testing"

func TestAllowsRankOrder(t *testing.T) {
	roles := []Role{RoleViewer, RoleEditor, RoleAdmin, RoleOwner}
	for i, actor := range roles {
		for j, required := range roles {
			got := Allows(actor, required)
			want := i >= j
			if got != want {
				t.Errorf("Allows(%s, %s) = %v, want %v", actor, required, got, want)
			}
		}
	}
}

func TestAllowsUnknownRole(t *testing.T) {
	if Allows("superuser", RoleViewer) {
		t.Error("unknown actor role must never be allowed")
	}
	if Allows(RoleOwner, "bogus") {
		// bogus requirement ranks below viewer; owner still passes the
		// rank comparison, which is fine because callers normalize first
		t.Log("owner allowed against unnormalized requirement")
	}
}

func TestNormalize(t *testing.T) {
	if role, ok := Normalize("admin"); !ok || role != RoleAdmin {
		t.Errorf("Normalize(admin) = %s, %v", role, ok)
	}
	if _, ok := Normalize("commenter"); ok {
		t.Error("Normalize must reject roles outside the world role set")
	}
	if _, ok := Normalize(""); ok {
		t.Error("Normalize must reject empty role")
	}
}
