package bookings

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.bookline.dev/keeper/pkg/marker"
)

// Store accesses the bookings table.
type Store struct {
	DB        *sqlx.DB
	TableName string
}

// CreateTable creates the bookings table.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const template = `CREATE TABLE %s (
	booking_id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	status VARCHAR(32) NOT NULL,
	organizer_email VARCHAR(255) NOT NULL,
	attendee_email VARCHAR(255) NOT NULL,
	session_at DATETIME,
	meeting_link_set TINYINT(1) NOT NULL DEFAULT 0,
	last_activity_at DATETIME,
	is_stale TINYINT(1) NOT NULL DEFAULT 0,
	last_tool_executed_at DATETIME,
	stall_alert_at DATETIME,
	stall_acknowledged TINYINT(1) NOT NULL DEFAULT 0,
	human_control TINYINT(1) NOT NULL DEFAULT 0,
	auto_escalated_at DATETIME,
	feedback_received_at DATETIME,
	meeting_link_check_state TINYINT NOT NULL DEFAULT 0,
	meeting_link_check_at DATETIME,
	feedback_form_state TINYINT NOT NULL DEFAULT 0,
	feedback_form_at DATETIME,
	feedback_reminder_state TINYINT NOT NULL DEFAULT 0,
	feedback_reminder_at DATETIME,
	session_reminder_state TINYINT NOT NULL DEFAULT 0,
	session_reminder_at DATETIME,
	closed_at DATETIME,
	created_at DATETIME NOT NULL
);`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.TableName))
	return err
}

// markerCols maps a follow-up kind to its column pair.
// The switch doubles as a whitelist so no caller-provided string ever reaches
// an SQL statement.
func markerCols(kind marker.Kind) (stateCol, atCol string, err error) {
	switch kind {
	case marker.MeetingLinkCheck:
		return "meeting_link_check_state", "meeting_link_check_at", nil
	case marker.FeedbackForm:
		return "feedback_form_state", "feedback_form_at", nil
	case marker.FeedbackReminder:
		return "feedback_reminder_state", "feedback_reminder_at", nil
	case marker.SessionReminder:
		return "session_reminder_state", "session_reminder_at", nil
	default:
		return "", "", fmt.Errorf("unknown marker kind: %s", kind)
	}
}

// ClaimMarker reserves the kind marker of one booking for a single side-effect
// attempt. The update only hits if the marker is still absent and the booking
// status still matches the eligibility the caller selected on, so a racing
// process or a concurrent status change makes it affect zero rows.
// Returns whether the caller won the claim.
func (s *Store) ClaimMarker(ctx context.Context, id int64, kind marker.Kind, statuses []Status, now time.Time) (bool, error) {
	stateCol, atCol, err := markerCols(kind)
	if err != nil {
		return false, err
	}
	stmt := fmt.Sprintf(`UPDATE %s SET %s = ?, %s = ?
WHERE booking_id = ? AND %s = ? AND status IN (?);`,
		s.TableName, stateCol, atCol, stateCol)
	query, args, err := sqlx.In(stmt,
		uint8(marker.Claimed), now, id, uint8(marker.Absent), statuses)
	if err != nil {
		return false, fmt.Errorf("failed to compile claim query: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CommitMarker records that the side effect for kind happened, but only if
// the marker is still in the claimed state. A zero-row result means the
// marker was mutated out from under the caller after the side effect already
// ran; the caller must alert, never re-run.
func (s *Store) CommitMarker(ctx context.Context, id int64, kind marker.Kind, now time.Time) (bool, error) {
	stateCol, atCol, err := markerCols(kind)
	if err != nil {
		return false, err
	}
	stmt := fmt.Sprintf(`UPDATE %s SET %s = ?, %s = ?
WHERE booking_id = ? AND %s = ?;`,
		s.TableName, stateCol, atCol, stateCol)
	res, err := s.DB.ExecContext(ctx, stmt,
		uint8(marker.Sent), now, id, uint8(marker.Claimed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseMarker reverts a claimed marker to absent after a failed side-effect
// attempt, so a later cycle retries. A sent marker is never touched.
func (s *Store) ReleaseMarker(ctx context.Context, id int64, kind marker.Kind) error {
	stateCol, atCol, err := markerCols(kind)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`UPDATE %s SET %s = ?, %s = NULL
WHERE booking_id = ? AND %s = ?;`,
		s.TableName, stateCol, atCol, stateCol)
	_, err = s.DB.ExecContext(ctx, stmt,
		uint8(marker.Absent), id, uint8(marker.Claimed))
	return err
}

// ResetStuckClaims reverts every kind marker still claimed before the given
// time back to absent. This recovers bookings whose owning process crashed
// between claim and commit; the cutoff must exceed worst-case side-effect
// latency or a genuinely in-flight attempt gets duplicated.
func (s *Store) ResetStuckClaims(ctx context.Context, kind marker.Kind, before time.Time) (int64, error) {
	stateCol, atCol, err := markerCols(kind)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf(`UPDATE %s SET %s = ?, %s = NULL
WHERE %s = ? AND %s < ?;`,
		s.TableName, stateCol, atCol, stateCol, atCol)
	res, err := s.DB.ExecContext(ctx, stmt,
		uint8(marker.Absent), uint8(marker.Claimed), before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// allColumns keeps SELECTs stable against future column additions.
const allColumns = `booking_id, status, organizer_email, attendee_email,
session_at, meeting_link_set, last_activity_at, is_stale,
last_tool_executed_at, stall_alert_at, stall_acknowledged, human_control,
auto_escalated_at, feedback_received_at,
meeting_link_check_state, meeting_link_check_at,
feedback_form_state, feedback_form_at,
feedback_reminder_state, feedback_reminder_at,
session_reminder_state, session_reminder_at,
closed_at, created_at`

func (s *Store) selectBookings(ctx context.Context, stmt string, args []interface{}) ([]Booking, error) {
	query, args, err := sqlx.In(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile WHERE IN query: %w", err)
	}
	var out []Booking
	if err := s.DB.SelectContext(ctx, &out, s.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

// SelectMeetingLinkCandidates returns confirmed bookings whose session starts
// within the lead window and which still have no meeting link, oldest session
// first.
func (s *Store) SelectMeetingLinkCandidates(ctx context.Context, now time.Time, lead time.Duration, limit int) ([]Booking, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = ? AND meeting_link_set = 0
AND session_at IS NOT NULL AND session_at > ? AND session_at <= ?
AND meeting_link_check_state = ?
ORDER BY session_at ASC LIMIT ?;`, allColumns, s.TableName)
	return s.selectBookings(ctx, stmt, []interface{}{
		StatusConfirmed, now, now.Add(lead), uint8(marker.Absent), limit})
}

// SelectSessionReminderCandidates returns confirmed bookings whose session
// starts within the reminder lead window, oldest session first.
func (s *Store) SelectSessionReminderCandidates(ctx context.Context, now time.Time, lead time.Duration, limit int) ([]Booking, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = ?
AND session_at IS NOT NULL AND session_at > ? AND session_at <= ?
AND session_reminder_state = ?
ORDER BY session_at ASC LIMIT ?;`, allColumns, s.TableName)
	return s.selectBookings(ctx, stmt, []interface{}{
		StatusConfirmed, now, now.Add(lead), uint8(marker.Absent), limit})
}

// SelectFeedbackFormCandidates returns bookings whose session was held at
// least delay ago and which never got a feedback form, oldest session first.
func (s *Store) SelectFeedbackFormCandidates(ctx context.Context, now time.Time, delay time.Duration, limit int) ([]Booking, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = ?
AND session_at IS NOT NULL AND session_at <= ?
AND feedback_form_state = ?
ORDER BY session_at ASC LIMIT ?;`, allColumns, s.TableName)
	return s.selectBookings(ctx, stmt, []interface{}{
		StatusSessionHeld, now.Add(-delay), uint8(marker.Absent), limit})
}

// SelectFeedbackReminderCandidates returns bookings that received a feedback
// form at least delay ago without any feedback coming back, oldest form first.
func (s *Store) SelectFeedbackReminderCandidates(ctx context.Context, now time.Time, delay time.Duration, limit int) ([]Booking, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = ? AND feedback_received_at IS NULL
AND feedback_form_state = ? AND feedback_form_at <= ?
AND feedback_reminder_state = ?
ORDER BY feedback_form_at ASC LIMIT ?;`, allColumns, s.TableName)
	return s.selectBookings(ctx, stmt, []interface{}{
		StatusFeedbackRequested, uint8(marker.Sent), now.Add(-delay),
		uint8(marker.Absent), limit})
}

// DeleteExpired removes closed bookings older than the retention cutoff.
// Deleting an already-deleted row affects zero rows, so concurrent cleanup
// runs are naturally idempotent.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	stmt := fmt.Sprintf(`DELETE FROM %s
WHERE status IN (?) AND closed_at IS NOT NULL AND closed_at < ?
LIMIT ?;`, s.TableName)
	query, args, err := sqlx.In(stmt, ClosedStatuses, before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to compile delete query: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkInactive flags open bookings with no activity since the cutoff.
func (s *Store) MarkInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	stmt := fmt.Sprintf(`UPDATE %s SET is_stale = 1
WHERE is_stale = 0 AND status IN (?)
AND last_activity_at IS NOT NULL AND last_activity_at < ?;`, s.TableName)
	query, args, err := sqlx.In(stmt, OpenStatuses, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to compile inactivity query: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearInactive un-flags bookings that showed activity since the cutoff.
func (s *Store) ClearInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	stmt := fmt.Sprintf(`UPDATE %s SET is_stale = 0
WHERE is_stale = 1 AND last_activity_at >= ?;`, s.TableName)
	res, err := s.DB.ExecContext(ctx, stmt, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SelectStallCandidates returns open conversations whose last tool execution
// predates the cutoff and which have no stall alert yet, oldest first.
func (s *Store) SelectStallCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Booking, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s
WHERE status IN (?) AND human_control = 0 AND stall_alert_at IS NULL
AND last_tool_executed_at IS NOT NULL AND last_tool_executed_at < ?
ORDER BY last_tool_executed_at ASC LIMIT ?;`, allColumns, s.TableName)
	return s.selectBookings(ctx, stmt, []interface{}{OpenStatuses, cutoff, limit})
}

// MarkStallAlerted stamps the stall alert time, but only if no other process
// got there first and no human took over meanwhile. The timestamp itself is
// the idempotency guard: whoever sees one row affected sends the alert.
func (s *Store) MarkStallAlerted(ctx context.Context, id int64, cutoff, now time.Time) (bool, error) {
	stmt := fmt.Sprintf(`UPDATE %s SET stall_alert_at = ?
WHERE booking_id = ? AND stall_alert_at IS NULL AND human_control = 0
AND last_tool_executed_at IS NOT NULL AND last_tool_executed_at < ?;`, s.TableName)
	res, err := s.DB.ExecContext(ctx, stmt, now, id, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SelectEscalationCandidates returns bookings whose stall alert aged past the
// cutoff without acknowledgement or human takeover, oldest alert first.
func (s *Store) SelectEscalationCandidates(ctx context.Context, alertBefore time.Time, limit int) ([]Booking, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s
WHERE status IN (?) AND human_control = 0 AND stall_acknowledged = 0
AND stall_alert_at IS NOT NULL AND stall_alert_at < ?
ORDER BY stall_alert_at ASC LIMIT ?;`, allColumns, s.TableName)
	return s.selectBookings(ctx, stmt, []interface{}{OpenStatuses, alertBefore, limit})
}

// Escalate hands a stalled booking over to human control. Conditional on the
// same predicate as the select so two racing processes escalate once.
func (s *Store) Escalate(ctx context.Context, id int64, alertBefore, now time.Time) (bool, error) {
	stmt := fmt.Sprintf(`UPDATE %s SET human_control = 1, auto_escalated_at = ?
WHERE booking_id = ? AND human_control = 0 AND stall_acknowledged = 0
AND stall_alert_at IS NOT NULL AND stall_alert_at < ?;`, s.TableName)
	res, err := s.DB.ExecContext(ctx, stmt, now, id, alertBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SelectMissedReplies returns bookings where the counterpart wrote after our
// side last acted and nothing happened for at least gap, oldest activity
// first. These are conversations the coordinator dropped on the floor.
func (s *Store) SelectMissedReplies(ctx context.Context, cutoff time.Time, limit int) ([]Booking, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s
WHERE status IN (?, ?) AND human_control = 0
AND last_activity_at IS NOT NULL
AND (last_tool_executed_at IS NULL OR last_activity_at > last_tool_executed_at)
AND last_activity_at < ?
ORDER BY last_activity_at ASC LIMIT ?;`, allColumns, s.TableName)
	return s.selectBookings(ctx, stmt, []interface{}{
		StatusContacted, StatusNegotiating, cutoff, limit})
}

// RecoverMissedReply re-queues a dropped conversation by bumping the tool
// execution time, conditional on the activity timestamp the caller observed.
// If new activity arrived in between, zero rows are affected and the booking
// is reconsidered next cycle.
func (s *Store) RecoverMissedReply(ctx context.Context, id int64, observedActivity, now time.Time) (bool, error) {
	stmt := fmt.Sprintf(`UPDATE %s SET last_tool_executed_at = ?
WHERE booking_id = ? AND human_control = 0 AND last_activity_at = ?;`, s.TableName)
	res, err := s.DB.ExecContext(ctx, stmt, now, id, observedActivity)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetBooking reads one booking by ID.
func (s *Store) GetBooking(ctx context.Context, id int64) (*Booking, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE booking_id = ?;`, allColumns, s.TableName)
	var b Booking
	if err := s.DB.GetContext(ctx, &b, stmt, id); err != nil {
		return nil, err
	}
	return &b, nil
}
