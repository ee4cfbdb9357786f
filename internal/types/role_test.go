package types

import (
	"errors"
	"testing"
)

func TestCapabilityTable(t *testing.T) {
	tests := []struct {
		role Role
		cap  Capability
		want bool
	}{
		{RoleVolunteer, CapAssign, true},
		{RoleVolunteer, CapComplete, true},
		{RoleVolunteer, CapReview, false},
		{RoleManager, CapReview, true},
		{RoleAdmin, CapReview, true},
		{RoleAdmin, CapAssign, true},
		{RoleResident, CapAssign, false},
		{RoleNone, CapAssign, false},
		{RoleNone, CapReview, false},
	}
	for _, tt := range tests {
		if got := tt.role.Can(tt.cap); got != tt.want {
			t.Errorf("%q.Can(%q) = %v, want %v", tt.role, tt.cap, got, tt.want)
		}
	}
}

func TestSuperuserHoldsEveryCapability(t *testing.T) {
	su := &Identity{IsSuperuser: true}
	for _, c := range []Capability{CapAssign, CapUnassign, CapComplete, CapReview} {
		if !su.Can(c) {
			t.Errorf("superuser cannot %s", c)
		}
	}
	if !su.IsReviewer() {
		t.Error("superuser should receive review notifications")
	}

	staff := &Identity{IsStaff: true, Role: RoleResident}
	if !staff.Can(CapReview) || !staff.IsReviewer() {
		t.Error("staff may review, so staff should receive review notifications")
	}
	if (&Identity{Role: RoleVolunteer}).IsReviewer() {
		t.Error("volunteer should not receive review notifications")
	}

	var nobody *Identity
	if nobody.Can(CapAssign) || nobody.IsReviewer() {
		t.Error("nil identity should hold no capability")
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"volunteer", RoleVolunteer, false},
		{"Волонтер", RoleVolunteer, false},
		{"MANAGER", RoleManager, false},
		{"Администратор", RoleAdmin, false},
		{"", RoleNone, false},
		{"none", RoleNone, false},
		{"captain", RoleNone, true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestForbiddenErrorNamesCapability(t *testing.T) {
	err := Forbidden(CapReview)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Forbidden() does not wrap ErrForbidden")
	}
	if got := err.Error(); got != "you do not have permission to review reports" {
		t.Errorf("unexpected message %q", got)
	}
}
