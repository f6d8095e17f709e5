// Package marker defines the three-state side-effect marker carried by every
// booking for each follow-up type.
//
// A marker moves absent -> claimed -> sent, or claimed -> absent when the
// side effect failed and should be retried. It never regresses from sent.
// How the states are stored is the storage adapter's business; this package
// only fixes the states and the follow-up kinds.
package marker

import "time"

// State is the lifecycle state of a side-effect marker.
type State uint8

// Marker states.
const (
	Absent State = iota
	Claimed
	Sent
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Claimed:
		return "claimed"
	case Sent:
		return "sent"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s <= Sent
}

// Marker is a tagged side-effect state with the time of the last transition.
// At is zero while the marker is absent.
type Marker struct {
	State State
	At    time.Time
}

// Kind identifies a follow-up type with its own independent marker.
type Kind string

// Follow-up kinds.
const (
	MeetingLinkCheck Kind = "meeting_link_check"
	FeedbackForm     Kind = "feedback_form"
	FeedbackReminder Kind = "feedback_reminder"
	SessionReminder  Kind = "session_reminder"
)

// Kinds lists every follow-up kind, in reconciliation sweep order.
var Kinds = []Kind{MeetingLinkCheck, FeedbackForm, FeedbackReminder, SessionReminder}

// Valid reports whether k is a known follow-up kind.
func (k Kind) Valid() bool {
	switch k {
	case MeetingLinkCheck, FeedbackForm, FeedbackReminder, SessionReminder:
		return true
	default:
		return false
	}
}
