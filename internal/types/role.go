package types

import (
	"fmt"
	"strings"
)

// Role is the position an administrator assigns to an identity.
type Role string

// Role constants
const (
	RoleNone      Role = ""
	RoleVolunteer Role = "volunteer"
	RoleResident  Role = "resident"
	RoleManager   Role = "manager"
	RoleAdmin     Role = "admin"
)

// Capability is a single permitted lifecycle operation.
type Capability string

const (
	CapAssign   Capability = "assign"
	CapUnassign Capability = "unassign"
	CapComplete Capability = "complete"
	CapReview   Capability = "review" // approve and reject
)

// Capabilities is the role → operation table. Creating and listing reports
// need no capability.
var Capabilities = map[Role][]Capability{
	RoleVolunteer: {CapAssign, CapUnassign, CapComplete},
	RoleManager:   {CapAssign, CapUnassign, CapComplete, CapReview},
	RoleAdmin:     {CapAssign, CapUnassign, CapComplete, CapReview},
	RoleResident:  nil,
	RoleNone:      nil,
}

// Position names as shown to Russian-speaking users and stored by the seed step.
var roleTitles = map[Role]string{
	RoleVolunteer: "Волонтер",
	RoleResident:  "Житель",
	RoleManager:   "Менеджер",
	RoleAdmin:     "Администратор",
}

// AllRoles lists the assignable roles in display order.
func AllRoles() []Role {
	return []Role{RoleVolunteer, RoleResident, RoleManager, RoleAdmin}
}

// IsValid checks if the role is one of the known values (RoleNone included).
func (r Role) IsValid() bool {
	_, ok := Capabilities[r]
	return ok
}

// Can reports whether the role grants the capability.
func (r Role) Can(c Capability) bool {
	for _, granted := range Capabilities[r] {
		if granted == c {
			return true
		}
	}
	return false
}

// Title returns the display name of the role, or "" for RoleNone.
func (r Role) Title() string {
	return roleTitles[r]
}

// ParseRole accepts either the identifier ("volunteer") or the display
// title ("Волонтер"), case-insensitively.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return RoleNone, nil
	}
	for _, r := range AllRoles() {
		if strings.EqualFold(s, string(r)) || strings.EqualFold(s, r.Title()) {
			return r, nil
		}
	}
	return RoleNone, fmt.Errorf("unknown role %q (valid: volunteer, resident, manager, admin)", s)
}
