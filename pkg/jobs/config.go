package jobs

import "time"

// Config hands out operator-tunable thresholds.
//
// Job bodies consult it fresh every cycle and never cache values, so a
// threshold change takes effect on the next cycle without a restart.
// One cycle of staleness is acceptable.
type Config interface {
	GetDuration(key string, def time.Duration) time.Duration
	GetInt(key string, def int) int
}

// Threshold config keys.
const (
	ConfRetentionMaxAge = "retention.max_age"
	ConfRetentionBatch  = "retention.batch"

	ConfInactivityThreshold = "inactivity.threshold"

	ConfStallThreshold = "stall.threshold"
	ConfStallBatch     = "stall.batch"

	ConfEscalateWindow = "escalate.window"
	ConfEscalateBatch  = "escalate.batch"

	ConfFollowupBatch        = "followup.batch"
	ConfFollowupClaimGrace   = "followup.claim_grace"
	ConfLinkCheckLead        = "followup.link_check_lead"
	ConfSessionReminderLead  = "followup.session_reminder_lead"
	ConfFeedbackFormDelay    = "followup.feedback_form_delay"
	ConfFeedbackReminderWait = "followup.feedback_reminder_wait"

	ConfMissedReplyGap   = "missed_reply.gap"
	ConfMissedReplyBatch = "missed_reply.batch"
)

// Threshold defaults.
const (
	DefaultRetentionMaxAge = 90 * 24 * time.Hour
	DefaultRetentionBatch  = 500

	DefaultInactivityThreshold = 72 * time.Hour

	DefaultStallThreshold = 30 * time.Minute
	DefaultStallBatch     = 100

	DefaultEscalateWindow = 4 * time.Hour
	DefaultEscalateBatch  = 100

	DefaultFollowupBatch = 100
	// DefaultFollowupClaimGrace must exceed worst-case send latency, or the
	// reconciliation sweep duplicates a slow in-flight send. Tune per the
	// mail transport's latency profile.
	DefaultFollowupClaimGrace   = 10 * time.Minute
	DefaultLinkCheckLead        = 48 * time.Hour
	DefaultSessionReminderLead  = 24 * time.Hour
	DefaultFeedbackFormDelay    = 2 * time.Hour
	DefaultFeedbackReminderWait = 72 * time.Hour

	DefaultMissedReplyGap   = 15 * time.Minute
	DefaultMissedReplyBatch = 100
)
