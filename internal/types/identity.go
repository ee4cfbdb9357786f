package types

import (
	"fmt"
	"strings"
	"time"
)

// Identity is a registered user of the system.
type Identity struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"-"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	TelegramID     *int64    `json:"telegram_id"` // External messaging handle, unique when present
	Role           Role      `json:"role"`
	IsSuperuser    bool      `json:"is_superuser"`
	IsStaff        bool      `json:"is_staff"`
	CompletedCount int       `json:"completed_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// DisplayName is the name shown to other users.
func (i *Identity) DisplayName() string {
	if i == nil {
		return ""
	}
	full := strings.TrimSpace(i.FirstName + " " + i.LastName)
	if full != "" {
		return full
	}
	return i.Username
}

// HasHandle reports whether a messaging handle is bound.
func (i *Identity) HasHandle() bool {
	return i != nil && i.TelegramID != nil && *i.TelegramID != 0
}

// Can reports whether the identity holds the capability. Superusers and
// staff hold every capability regardless of role.
func (i *Identity) Can(c Capability) bool {
	if i == nil {
		return false
	}
	if i.IsSuperuser || i.IsStaff {
		return true
	}
	return i.Role.Can(c)
}

// IsReviewer reports whether notifications about completed work go to this
// identity. It matches the set of identities allowed to review.
func (i *Identity) IsReviewer() bool {
	return i.Can(CapReview)
}

// Validate checks registration fields.
func (i *Identity) Validate() error {
	if strings.TrimSpace(i.Username) == "" {
		return NewValidationError("username", "this field is required")
	}
	if len(i.Username) > 150 {
		return NewValidationError("username", "must be 150 characters or less")
	}
	if len(i.FirstName) > 150 || len(i.LastName) > 150 {
		return NewValidationError("first_name", "names must be 150 characters or less")
	}
	if !i.Role.IsValid() {
		return NewValidationError("role", fmt.Sprintf("unknown role %q", i.Role))
	}
	return nil
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	if i.TelegramID != nil {
		v := *i.TelegramID
		c.TelegramID = &v
	}
	return &c
}
