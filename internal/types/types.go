// Package types defines core data structures for the caspianwatch pollution tracker.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Report is a single pollution incident submitted by a citizen.
type Report struct {
	ID              int64     `json:"id"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Description     string    `json:"description"`
	CategoryID      int64     `json:"-"`
	Category        *Category `json:"pollution_type,omitempty"` // Resolved for responses only
	CreatedAt       time.Time `json:"created_at"`
	ReportedBy      *int64    `json:"reported_by"` // nil for anonymous submissions
	IsApproved      bool      `json:"is_approved"`
	Image           string    `json:"-"` // Blob handle of the primary photo; immutable after creation
	AssignedTo      []int64   `json:"assigned_to"`
	IsCompleted     bool      `json:"is_completed"`
	CompletionImage string    `json:"-"` // Blob handle, set only while completed
	CompletedBy     *int64    `json:"completed_by"`
	PhoneNumber     string    `json:"phone_number,omitempty"`
}

// Category is immutable reference data naming a kind of pollution.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// State is the lifecycle position of a report, derived from its flags.
type State string

const (
	StateOpen            State = "open"
	StateAssigned        State = "assigned"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
)

// Maximum field sizes enforced on creation.
const (
	MaxDescriptionLength = 4000
	MaxPhoneLength       = 32
	MaxCategoryName      = 100
)

// State derives the report's lifecycle state.
func (r *Report) State() State {
	switch {
	case r.IsApproved:
		return StateApproved
	case r.IsCompleted:
		return StatePendingApproval
	case len(r.AssignedTo) > 0:
		return StateAssigned
	default:
		return StateOpen
	}
}

// IsAssigned reports whether the identity is in the assigned set.
func (r *Report) IsAssigned(identityID int64) bool {
	for _, id := range r.AssignedTo {
		if id == identityID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate it without aliasing.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	if r.AssignedTo != nil {
		c.AssignedTo = append([]int64(nil), r.AssignedTo...)
	}
	if r.ReportedBy != nil {
		v := *r.ReportedBy
		c.ReportedBy = &v
	}
	if r.CompletedBy != nil {
		v := *r.CompletedBy
		c.CompletedBy = &v
	}
	if r.Category != nil {
		cat := *r.Category
		c.Category = &cat
	}
	return &c
}

// Validate checks the fields required at submission time.
func (r *Report) Validate() error {
	if r.Latitude < -90 || r.Latitude > 90 {
		return NewValidationError("latitude", fmt.Sprintf("must be between -90 and 90 (got %v)", r.Latitude))
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return NewValidationError("longitude", fmt.Sprintf("must be between -180 and 180 (got %v)", r.Longitude))
	}
	if strings.TrimSpace(r.Description) == "" {
		return NewValidationError("description", "this field is required")
	}
	if len(r.Description) > MaxDescriptionLength {
		return NewValidationError("description", fmt.Sprintf("must be %d characters or less", MaxDescriptionLength))
	}
	if r.CategoryID == 0 {
		return NewValidationError("pollution_type", "this field is required")
	}
	if r.Image == "" {
		return NewValidationError("image", "an image is required")
	}
	if len(r.PhoneNumber) > MaxPhoneLength {
		return NewValidationError("phone_number", fmt.Sprintf("must be %d characters or less", MaxPhoneLength))
	}
	// Completion fields must agree with the flags.
	if r.IsCompleted && r.CompletionImage == "" {
		return fmt.Errorf("completed reports must carry a completion image")
	}
	if r.IsApproved && !r.IsCompleted {
		return fmt.Errorf("approved reports must be completed")
	}
	return nil
}

// ReportFilter narrows a report listing. Results are always ordered by
// creation time descending with id as the tie-break.
type ReportFilter struct {
	AssignedTo       *int64 // Only reports with this identity in the assigned set
	ExcludeCompleted bool
	CategoryID       *int64
	CreatedAfter     *time.Time
	AsOf             *FeedPosition // Only reports at or behind this position in the feed
	Offset           int
	Limit            int // 0 means no limit
}

// FeedPosition is a point in feed order. Creation times compare at
// microsecond precision, which is what the SQL backends persist.
type FeedPosition struct {
	CreatedAt time.Time
	ID        int64
}

// Includes reports whether r sits at or behind p in feed order.
func (p FeedPosition) Includes(r *Report) bool {
	at, rat := p.CreatedAt.UnixMicro(), r.CreatedAt.UnixMicro()
	if rat != at {
		return rat < at
	}
	return r.ID <= p.ID
}

// String encodes p as "<unix micros>-<id>" for use in page links.
func (p FeedPosition) String() string {
	return strconv.FormatInt(p.CreatedAt.UnixMicro(), 10) + "-" + strconv.FormatInt(p.ID, 10)
}

// ParseFeedPosition reverses FeedPosition.String.
func ParseFeedPosition(s string) (FeedPosition, error) {
	at, id, ok := strings.Cut(s, "-")
	if !ok {
		return FeedPosition{}, fmt.Errorf("invalid feed position %q", s)
	}
	micros, err := strconv.ParseInt(at, 10, 64)
	if err != nil || micros < 0 {
		return FeedPosition{}, fmt.Errorf("invalid feed position %q", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return FeedPosition{}, fmt.Errorf("invalid feed position %q", s)
	}
	return FeedPosition{CreatedAt: time.UnixMicro(micros).UTC(), ID: n}, nil
}
