// Package bookings is the storage adapter for booking records.
//
// All coordination-relevant mutations are atomic conditional updates of the
// form "UPDATE ... WHERE id = ? AND field = expected", relying only on the
// database reporting the number of rows actually changed. No in-process lock
// protects these rows; many processes mutate them concurrently.
package bookings

import (
	"database/sql"
	"time"

	"go.bookline.dev/keeper/pkg/marker"
)

// Status is the lifecycle status of a booking.
type Status string

// Booking statuses.
const (
	StatusPending           Status = "pending"
	StatusContacted         Status = "contacted"
	StatusNegotiating       Status = "negotiating"
	StatusConfirmed         Status = "confirmed"
	StatusSessionHeld       Status = "session_held"
	StatusFeedbackRequested Status = "feedback_requested"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
)

// OpenStatuses are the statuses of bookings still being coordinated.
var OpenStatuses = []Status{
	StatusPending, StatusContacted, StatusNegotiating,
	StatusConfirmed, StatusSessionHeld, StatusFeedbackRequested,
}

// ClosedStatuses are terminal; rows in them are retention-cleanup candidates.
var ClosedStatuses = []Status{StatusCompleted, StatusCancelled}

// Booking mirrors one row of the bookings table.
//
// The <kind>_state/<kind>_at column pairs are the storage encoding of the
// three-state side-effect markers; use Marker to read them as tagged values.
type Booking struct {
	ID             int64  `db:"booking_id"`
	Status         Status `db:"status"`
	OrganizerEmail string `db:"organizer_email"`
	AttendeeEmail  string `db:"attendee_email"`

	SessionAt      sql.NullTime `db:"session_at"`
	MeetingLinkSet bool         `db:"meeting_link_set"`

	LastActivityAt     sql.NullTime `db:"last_activity_at"`
	IsStale            bool         `db:"is_stale"`
	LastToolExecutedAt sql.NullTime `db:"last_tool_executed_at"`
	StallAlertAt       sql.NullTime `db:"stall_alert_at"`
	StallAcknowledged  bool         `db:"stall_acknowledged"`
	HumanControl       bool         `db:"human_control"`
	AutoEscalatedAt    sql.NullTime `db:"auto_escalated_at"`
	FeedbackReceivedAt sql.NullTime `db:"feedback_received_at"`

	MeetingLinkCheckState uint8        `db:"meeting_link_check_state"`
	MeetingLinkCheckAt    sql.NullTime `db:"meeting_link_check_at"`
	FeedbackFormState     uint8        `db:"feedback_form_state"`
	FeedbackFormAt        sql.NullTime `db:"feedback_form_at"`
	FeedbackReminderState uint8        `db:"feedback_reminder_state"`
	FeedbackReminderAt    sql.NullTime `db:"feedback_reminder_at"`
	SessionReminderState  uint8        `db:"session_reminder_state"`
	SessionReminderAt     sql.NullTime `db:"session_reminder_at"`

	ClosedAt  sql.NullTime `db:"closed_at"`
	CreatedAt time.Time    `db:"created_at"`
}

// Marker decodes the marker column pair for kind into a tagged value.
func (b *Booking) Marker(kind marker.Kind) marker.Marker {
	var state uint8
	var at sql.NullTime
	switch kind {
	case marker.MeetingLinkCheck:
		state, at = b.MeetingLinkCheckState, b.MeetingLinkCheckAt
	case marker.FeedbackForm:
		state, at = b.FeedbackFormState, b.FeedbackFormAt
	case marker.FeedbackReminder:
		state, at = b.FeedbackReminderState, b.FeedbackReminderAt
	case marker.SessionReminder:
		state, at = b.SessionReminderState, b.SessionReminderAt
	}
	m := marker.Marker{State: marker.State(state)}
	if at.Valid {
		m.At = at.Time
	}
	return m
}
