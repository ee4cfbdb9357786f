package eventbus

import (
	"time"
)

// EventType identifies an event flowing through the bus.
type EventType string

// Report lifecycle events, one per committed transition.
const (
	EventReportCreated    EventType = "ReportCreated"
	EventReportAssigned   EventType = "ReportAssigned"
	EventReportUnassigned EventType = "ReportUnassigned"
	EventReportCompleted  EventType = "ReportCompleted"
	EventReportApproved   EventType = "ReportApproved"
	EventReportRejected   EventType = "ReportRejected"
)

// AllEventTypes lists every event type in lifecycle order.
func AllEventTypes() []EventType {
	return []EventType{
		EventReportCreated,
		EventReportAssigned,
		EventReportUnassigned,
		EventReportCompleted,
		EventReportApproved,
		EventReportRejected,
	}
}

// IsReviewOutcome reports whether the event closes a review.
func (t EventType) IsReviewOutcome() bool {
	return t == EventReportApproved || t == EventReportRejected
}

// Event describes a committed change to a report.
type Event struct {
	Type        EventType `json:"type"`
	ReportID    int64     `json:"report_id"`
	ActorID     int64     `json:"actor_id,omitempty"` // 0 for anonymous creation
	ActorName   string    `json:"actor_name,omitempty"`
	ReportedBy  *int64    `json:"reported_by,omitempty"`
	CompletedBy *int64    `json:"completed_by,omitempty"`
	Category    string    `json:"category,omitempty"`
	HasPhoto    bool      `json:"has_photo,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`

	// PublishedAt is set by the bus when publishing to JetStream.
	PublishedAt *time.Time `json:"published_at,omitempty"`
}
