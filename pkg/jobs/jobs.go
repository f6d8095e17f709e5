// Package jobs composes the store, the dispatcher and the side-effect
// collaborators into the recurring maintenance jobs of the coordination
// platform: retention cleanup, inactivity and stall detection,
// auto-escalation, follow-up dispatch and missed-reply recovery.
//
// Composition rules shared by every job: select eligible bookings by status
// and timestamp, oldest first; mutate only through conditional updates (the
// claim/commit dispatcher where a side effect is involved, a direct
// conditional update for naturally-idempotent flag transitions); log one
// aggregate summary per cycle, never per record.
package jobs

import (
	"context"
	"time"

	"go.bookline.dev/keeper/pkg/bookings"
	"go.bookline.dev/keeper/pkg/dispatch"
	"go.bookline.dev/keeper/pkg/failtrack"
	"go.bookline.dev/keeper/pkg/marker"
	"go.bookline.dev/keeper/pkg/runner"
	"go.uber.org/zap"
)

// Store is the slice of the bookings store the jobs operate through.
// *bookings.Store implements it; tests substitute an in-memory fake.
type Store interface {
	dispatch.Store

	SelectMeetingLinkCandidates(ctx context.Context, now time.Time, lead time.Duration, limit int) ([]bookings.Booking, error)
	SelectSessionReminderCandidates(ctx context.Context, now time.Time, lead time.Duration, limit int) ([]bookings.Booking, error)
	SelectFeedbackFormCandidates(ctx context.Context, now time.Time, delay time.Duration, limit int) ([]bookings.Booking, error)
	SelectFeedbackReminderCandidates(ctx context.Context, now time.Time, delay time.Duration, limit int) ([]bookings.Booking, error)

	DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error)
	MarkInactive(ctx context.Context, cutoff time.Time) (int64, error)
	ClearInactive(ctx context.Context, cutoff time.Time) (int64, error)

	SelectStallCandidates(ctx context.Context, cutoff time.Time, limit int) ([]bookings.Booking, error)
	MarkStallAlerted(ctx context.Context, id int64, cutoff, now time.Time) (bool, error)
	SelectEscalationCandidates(ctx context.Context, alertBefore time.Time, limit int) ([]bookings.Booking, error)
	Escalate(ctx context.Context, id int64, alertBefore, now time.Time) (bool, error)
	SelectMissedReplies(ctx context.Context, cutoff time.Time, limit int) ([]bookings.Booking, error)
	RecoverMissedReply(ctx context.Context, id int64, observedActivity, now time.Time) (bool, error)
}

// Assert the real store satisfies the job-facing interface.
var _ Store = (*bookings.Store)(nil)

// Options fixes scheduling parameters per job. Unlike the thresholds read
// through Config, these are set once at process start.
type Options struct {
	RetentionInterval   time.Duration
	InactivityInterval  time.Duration
	StallInterval       time.Duration
	EscalateInterval    time.Duration
	FollowupInterval    time.Duration
	MissedReplyInterval time.Duration

	LeaseTTL    time.Duration // per-job lease TTL
	CycleBudget time.Duration // duration above which a cycle overrun is logged
}

// DefaultOptions returns the default scheduling parameters.
// Only pass by value, not reference, to avoid modifying this globally.
var DefaultOptions = Options{
	RetentionInterval:   time.Hour,
	InactivityInterval:  10 * time.Minute,
	StallInterval:       5 * time.Minute,
	EscalateInterval:    5 * time.Minute,
	FollowupInterval:    time.Minute,
	MissedReplyInterval: 5 * time.Minute,

	LeaseTTL:    30 * time.Second,
	CycleBudget: 30 * time.Second,
}

// Service wires the maintenance jobs together.
type Service struct {
	Log    *zap.Logger
	Store  Store
	Config Config
	Mail   Sender
	Notify Notifier
	Track  *failtrack.Tracker
	Opts   Options

	// Now is overridable in tests.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RegisterAll registers every maintenance job on the runner.
func (s *Service) RegisterAll(r *runner.Runner) {
	r.Register(s.RetentionJob())
	r.Register(s.InactivityJob())
	r.Register(s.StallJob())
	r.Register(s.EscalateJob())
	r.Register(s.FollowupJob())
	r.Register(s.MissedReplyJob())
}

func (s *Service) job(name string, interval time.Duration, body runner.Body) runner.Job {
	return runner.Job{
		Name:     name,
		Interval: interval,
		LeaseTTL: s.Opts.LeaseTTL,
		Budget:   s.Opts.CycleBudget,
		Body:     body,
	}
}

// RetentionJob deletes closed bookings past the retention window.
// Deletes are naturally idempotent, so no sentinel is involved; Sent counts
// the rows removed.
func (s *Service) RetentionJob() runner.Job {
	return s.job("retention-cleanup", s.Opts.RetentionInterval,
		func(ctx context.Context) (dispatch.Stats, error) {
			var stats dispatch.Stats
			maxAge := s.Config.GetDuration(ConfRetentionMaxAge, DefaultRetentionMaxAge)
			batch := s.Config.GetInt(ConfRetentionBatch, DefaultRetentionBatch)
			n, err := s.Store.DeleteExpired(ctx, s.now().Add(-maxAge), batch)
			stats.Sent = int(n)
			return stats, err
		})
}

// InactivityJob flags open bookings without recent activity as stale, and
// un-flags the ones that woke up again. Both transitions are conditional
// boolean updates and safe to run concurrently. Sent counts newly flagged
// rows, Reclaimed the rows un-flagged.
func (s *Service) InactivityJob() runner.Job {
	return s.job("inactivity-detect", s.Opts.InactivityInterval,
		func(ctx context.Context) (dispatch.Stats, error) {
			var stats dispatch.Stats
			threshold := s.Config.GetDuration(ConfInactivityThreshold, DefaultInactivityThreshold)
			cutoff := s.now().Add(-threshold)
			marked, err := s.Store.MarkInactive(ctx, cutoff)
			if err != nil {
				return stats, err
			}
			stats.Sent = int(marked)
			cleared, err := s.Store.ClearInactive(ctx, cutoff)
			if err != nil {
				return stats, err
			}
			stats.Reclaimed = int(cleared)
			return stats, nil
		})
}

// StallJob stamps a stall alert on conversations whose tool pipeline went
// quiet, then notifies operators. The timestamp update is the claim: only
// the process that flipped the row sends the alert. A failed alert is
// counted and logged but not retried; the next escalation stage catches
// conversations whose alert went unseen.
func (s *Service) StallJob() runner.Job {
	return s.job("stall-detect", s.Opts.StallInterval,
		func(ctx context.Context) (dispatch.Stats, error) {
			var stats dispatch.Stats
			threshold := s.Config.GetDuration(ConfStallThreshold, DefaultStallThreshold)
			batch := s.Config.GetInt(ConfStallBatch, DefaultStallBatch)
			now := s.now()
			cutoff := now.Add(-threshold)
			candidates, err := s.Store.SelectStallCandidates(ctx, cutoff, batch)
			if err != nil {
				return stats, err
			}
			for i := range candidates {
				b := &candidates[i]
				ok, err := s.Store.MarkStallAlerted(ctx, b.ID, cutoff, now)
				if err != nil {
					stats.Failed++
					s.Log.Error("Failed to mark stall alert",
						zap.Int64("booking", b.ID), zap.Error(err))
					continue
				}
				if !ok {
					stats.LostRace++
					continue
				}
				stats.Sent++
				if err := s.Notify.Alert(ctx, b, "conversation stalled"); err != nil {
					stats.Failed++
					s.Log.Warn("Stall alert notification failed",
						zap.Int64("booking", b.ID), zap.Error(err))
				}
			}
			return stats, nil
		})
}

// EscalateJob hands conversations over to human control when a stall alert
// aged past the escalation window without acknowledgement.
func (s *Service) EscalateJob() runner.Job {
	return s.job("auto-escalate", s.Opts.EscalateInterval,
		func(ctx context.Context) (dispatch.Stats, error) {
			var stats dispatch.Stats
			window := s.Config.GetDuration(ConfEscalateWindow, DefaultEscalateWindow)
			batch := s.Config.GetInt(ConfEscalateBatch, DefaultEscalateBatch)
			now := s.now()
			alertBefore := now.Add(-window)
			candidates, err := s.Store.SelectEscalationCandidates(ctx, alertBefore, batch)
			if err != nil {
				return stats, err
			}
			for i := range candidates {
				b := &candidates[i]
				ok, err := s.Store.Escalate(ctx, b.ID, alertBefore, now)
				if err != nil {
					stats.Failed++
					s.Log.Error("Failed to escalate booking",
						zap.Int64("booking", b.ID), zap.Error(err))
					continue
				}
				if !ok {
					stats.LostRace++
					continue
				}
				stats.Sent++
				if err := s.Notify.Alert(ctx, b, "auto-escalated to human control"); err != nil {
					stats.Failed++
					s.Log.Warn("Escalation notification failed",
						zap.Int64("booking", b.ID), zap.Error(err))
				}
			}
			return stats, nil
		})
}

// FollowupJob runs the claim/commit dispatcher once per follow-up kind.
// All four kinds share one lease and one cycle so their summary lands in a
// single log line.
func (s *Service) FollowupJob() runner.Job {
	return s.job("followup-dispatch", s.Opts.FollowupInterval,
		func(ctx context.Context) (dispatch.Stats, error) {
			var stats dispatch.Stats
			batch := s.Config.GetInt(ConfFollowupBatch, DefaultFollowupBatch)
			grace := s.Config.GetDuration(ConfFollowupClaimGrace, DefaultFollowupClaimGrace)
			for _, d := range s.followupDispatchers(batch, grace) {
				kindStats, err := d.RunCycle(ctx)
				stats.Add(kindStats)
				if err != nil {
					return stats, err
				}
			}
			return stats, nil
		})
}

func (s *Service) followupDispatchers(batch int, grace time.Duration) []*dispatch.Dispatcher {
	base := dispatch.Dispatcher{
		Log:        s.Log,
		Store:      s.Store,
		Track:      s.Track,
		BatchSize:  batch,
		ClaimGrace: grace,
		Now:        s.Now,
	}
	linkCheck := base
	linkCheck.Kind = marker.MeetingLinkCheck
	linkCheck.Statuses = []bookings.Status{bookings.StatusConfirmed}
	linkCheck.Select = func(ctx context.Context, now time.Time, limit int) ([]bookings.Booking, error) {
		lead := s.Config.GetDuration(ConfLinkCheckLead, DefaultLinkCheckLead)
		return s.Store.SelectMeetingLinkCandidates(ctx, now, lead, limit)
	}
	linkCheck.Act = s.sendAct(marker.MeetingLinkCheck)

	reminder := base
	reminder.Kind = marker.SessionReminder
	reminder.Statuses = []bookings.Status{bookings.StatusConfirmed}
	reminder.Select = func(ctx context.Context, now time.Time, limit int) ([]bookings.Booking, error) {
		lead := s.Config.GetDuration(ConfSessionReminderLead, DefaultSessionReminderLead)
		return s.Store.SelectSessionReminderCandidates(ctx, now, lead, limit)
	}
	reminder.Act = s.sendAct(marker.SessionReminder)

	feedback := base
	feedback.Kind = marker.FeedbackForm
	feedback.Statuses = []bookings.Status{bookings.StatusSessionHeld}
	feedback.Select = func(ctx context.Context, now time.Time, limit int) ([]bookings.Booking, error) {
		delay := s.Config.GetDuration(ConfFeedbackFormDelay, DefaultFeedbackFormDelay)
		return s.Store.SelectFeedbackFormCandidates(ctx, now, delay, limit)
	}
	feedback.Act = s.sendAct(marker.FeedbackForm)

	feedbackReminder := base
	feedbackReminder.Kind = marker.FeedbackReminder
	feedbackReminder.Statuses = []bookings.Status{bookings.StatusFeedbackRequested}
	feedbackReminder.Select = func(ctx context.Context, now time.Time, limit int) ([]bookings.Booking, error) {
		wait := s.Config.GetDuration(ConfFeedbackReminderWait, DefaultFeedbackReminderWait)
		return s.Store.SelectFeedbackReminderCandidates(ctx, now, wait, limit)
	}
	feedbackReminder.Act = s.sendAct(marker.FeedbackReminder)

	return []*dispatch.Dispatcher{&linkCheck, &reminder, &feedback, &feedbackReminder}
}

func (s *Service) sendAct(kind marker.Kind) func(ctx context.Context, b *bookings.Booking) error {
	return func(ctx context.Context, b *bookings.Booking) error {
		return s.Mail.Send(ctx, b, kind)
	}
}

// MissedReplyJob re-queues conversations where the counterpart replied after
// our side last acted and nothing has happened since. Bumping the tool
// execution time is conditional on the activity timestamp the select
// observed, so a reply arriving mid-cycle voids the recovery.
func (s *Service) MissedReplyJob() runner.Job {
	return s.job("missed-reply-recover", s.Opts.MissedReplyInterval,
		func(ctx context.Context) (dispatch.Stats, error) {
			var stats dispatch.Stats
			gap := s.Config.GetDuration(ConfMissedReplyGap, DefaultMissedReplyGap)
			batch := s.Config.GetInt(ConfMissedReplyBatch, DefaultMissedReplyBatch)
			now := s.now()
			candidates, err := s.Store.SelectMissedReplies(ctx, now.Add(-gap), batch)
			if err != nil {
				return stats, err
			}
			for i := range candidates {
				b := &candidates[i]
				if !b.LastActivityAt.Valid {
					continue
				}
				ok, err := s.Store.RecoverMissedReply(ctx, b.ID, b.LastActivityAt.Time, now)
				if err != nil {
					stats.Failed++
					s.Log.Error("Failed to recover missed reply",
						zap.Int64("booking", b.ID), zap.Error(err))
					continue
				}
				if !ok {
					stats.LostRace++
					continue
				}
				stats.Sent++
				if err := s.Notify.Alert(ctx, b, "missed reply re-queued"); err != nil {
					stats.Failed++
					s.Log.Warn("Missed-reply notification failed",
						zap.Int64("booking", b.ID), zap.Error(err))
				}
			}
			return stats, nil
		})
}
