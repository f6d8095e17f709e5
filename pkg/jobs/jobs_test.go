package jobs

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bookline.dev/keeper/pkg/bookings"
	"go.bookline.dev/keeper/pkg/failtrack"
	"go.bookline.dev/keeper/pkg/marker"
	"go.uber.org/zap/zaptest"
)

// fakeStore reimplements the store's conditional updates over a map, with
// the same rows-affected semantics as the SQL adapter.
type fakeStore struct {
	mu   sync.Mutex
	rows map[int64]*bookings.Booking
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]*bookings.Booking)}
}

func (f *fakeStore) add(b bookings.Booking) *bookings.Booking {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[b.ID] = &b
	return f.rows[b.ID]
}

func (f *fakeStore) get(id int64) bookings.Booking {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func getMarker(b *bookings.Booking, kind marker.Kind) (*uint8, *time.Time) {
	switch kind {
	case marker.MeetingLinkCheck:
		return &b.MeetingLinkCheckState, &b.MeetingLinkCheckAt.Time
	case marker.FeedbackForm:
		return &b.FeedbackFormState, &b.FeedbackFormAt.Time
	case marker.FeedbackReminder:
		return &b.FeedbackReminderState, &b.FeedbackReminderAt.Time
	case marker.SessionReminder:
		return &b.SessionReminderState, &b.SessionReminderAt.Time
	}
	return nil, nil
}

func (f *fakeStore) ClaimMarker(_ context.Context, id int64, kind marker.Kind, statuses []bookings.Status, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.rows[id]
	state, at := getMarker(b, kind)
	if *state != uint8(marker.Absent) {
		return false, nil
	}
	for _, s := range statuses {
		if b.Status == s {
			*state = uint8(marker.Claimed)
			*at = now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CommitMarker(_ context.Context, id int64, kind marker.Kind, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, at := getMarker(f.rows[id], kind)
	if *state != uint8(marker.Claimed) {
		return false, nil
	}
	*state = uint8(marker.Sent)
	*at = now
	return true, nil
}

func (f *fakeStore) ReleaseMarker(_ context.Context, id int64, kind marker.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, at := getMarker(f.rows[id], kind)
	if *state == uint8(marker.Claimed) {
		*state = uint8(marker.Absent)
		*at = time.Time{}
	}
	return nil
}

func (f *fakeStore) ResetStuckClaims(_ context.Context, kind marker.Kind, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, b := range f.rows {
		state, at := getMarker(b, kind)
		if *state == uint8(marker.Claimed) && at.Before(before) {
			*state = uint8(marker.Absent)
			*at = time.Time{}
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) filter(limit int, pred func(*bookings.Booking) bool) []bookings.Booking {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bookings.Booking
	for _, b := range f.rows {
		if pred(b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeStore) SelectMeetingLinkCandidates(_ context.Context, now time.Time, lead time.Duration, limit int) ([]bookings.Booking, error) {
	return f.filter(limit, func(b *bookings.Booking) bool {
		return b.Status == bookings.StatusConfirmed && !b.MeetingLinkSet &&
			b.SessionAt.Valid && b.SessionAt.Time.After(now) &&
			!b.SessionAt.Time.After(now.Add(lead)) &&
			b.MeetingLinkCheckState == uint8(marker.Absent)
	}), nil
}

func (f *fakeStore) SelectSessionReminderCandidates(_ context.Context, now time.Time, lead time.Duration, limit int) ([]bookings.Booking, error) {
	return f.filter(limit, func(b *bookings.Booking) bool {
		return b.Status == bookings.StatusConfirmed &&
			b.SessionAt.Valid && b.SessionAt.Time.After(now) &&
			!b.SessionAt.Time.After(now.Add(lead)) &&
			b.SessionReminderState == uint8(marker.Absent)
	}), nil
}

func (f *fakeStore) SelectFeedbackFormCandidates(_ context.Context, now time.Time, delay time.Duration, limit int) ([]bookings.Booking, error) {
	return f.filter(limit, func(b *bookings.Booking) bool {
		return b.Status == bookings.StatusSessionHeld &&
			b.SessionAt.Valid && !b.SessionAt.Time.After(now.Add(-delay)) &&
			b.FeedbackFormState == uint8(marker.Absent)
	}), nil
}

func (f *fakeStore) SelectFeedbackReminderCandidates(_ context.Context, now time.Time, delay time.Duration, limit int) ([]bookings.Booking, error) {
	return f.filter(limit, func(b *bookings.Booking) bool {
		return b.Status == bookings.StatusFeedbackRequested &&
			!b.FeedbackReceivedAt.Valid &&
			b.FeedbackFormState == uint8(marker.Sent) &&
			!b.FeedbackFormAt.Time.After(now.Add(-delay)) &&
			b.FeedbackReminderState == uint8(marker.Absent)
	}), nil
}

func (f *fakeStore) DeleteExpired(_ context.Context, before time.Time, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, b := range f.rows {
		if n >= int64(limit) {
			break
		}
		closed := b.Status == bookings.StatusCompleted || b.Status == bookings.StatusCancelled
		if closed && b.ClosedAt.Valid && b.ClosedAt.Time.Before(before) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) MarkInactive(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, b := range f.rows {
		open := b.Status != bookings.StatusCompleted && b.Status != bookings.StatusCancelled
		if open && !b.IsStale && b.LastActivityAt.Valid && b.LastActivityAt.Time.Before(cutoff) {
			b.IsStale = true
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClearInactive(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, b := range f.rows {
		if b.IsStale && b.LastActivityAt.Valid && !b.LastActivityAt.Time.Before(cutoff) {
			b.IsStale = false
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SelectStallCandidates(_ context.Context, cutoff time.Time, limit int) ([]bookings.Booking, error) {
	return f.filter(limit, func(b *bookings.Booking) bool {
		open := b.Status != bookings.StatusCompleted && b.Status != bookings.StatusCancelled
		return open && !b.HumanControl && !b.StallAlertAt.Valid &&
			b.LastToolExecutedAt.Valid && b.LastToolExecutedAt.Time.Before(cutoff)
	}), nil
}

func (f *fakeStore) MarkStallAlerted(_ context.Context, id int64, cutoff, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.rows[id]
	if b.StallAlertAt.Valid || b.HumanControl ||
		!b.LastToolExecutedAt.Valid || !b.LastToolExecutedAt.Time.Before(cutoff) {
		return false, nil
	}
	b.StallAlertAt.Valid = true
	b.StallAlertAt.Time = now
	return true, nil
}

func (f *fakeStore) SelectEscalationCandidates(_ context.Context, alertBefore time.Time, limit int) ([]bookings.Booking, error) {
	return f.filter(limit, func(b *bookings.Booking) bool {
		open := b.Status != bookings.StatusCompleted && b.Status != bookings.StatusCancelled
		return open && !b.HumanControl && !b.StallAcknowledged &&
			b.StallAlertAt.Valid && b.StallAlertAt.Time.Before(alertBefore)
	}), nil
}

func (f *fakeStore) Escalate(_ context.Context, id int64, alertBefore, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.rows[id]
	if b.HumanControl || b.StallAcknowledged ||
		!b.StallAlertAt.Valid || !b.StallAlertAt.Time.Before(alertBefore) {
		return false, nil
	}
	b.HumanControl = true
	b.AutoEscalatedAt.Valid = true
	b.AutoEscalatedAt.Time = now
	return true, nil
}

func (f *fakeStore) SelectMissedReplies(_ context.Context, cutoff time.Time, limit int) ([]bookings.Booking, error) {
	return f.filter(limit, func(b *bookings.Booking) bool {
		if b.Status != bookings.StatusContacted && b.Status != bookings.StatusNegotiating {
			return false
		}
		return !b.HumanControl && b.LastActivityAt.Valid &&
			(!b.LastToolExecutedAt.Valid || b.LastActivityAt.Time.After(b.LastToolExecutedAt.Time)) &&
			b.LastActivityAt.Time.Before(cutoff)
	}), nil
}

func (f *fakeStore) RecoverMissedReply(_ context.Context, id int64, observedActivity, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.rows[id]
	if b.HumanControl || !b.LastActivityAt.Valid || !b.LastActivityAt.Time.Equal(observedActivity) {
		return false, nil
	}
	b.LastToolExecutedAt.Valid = true
	b.LastToolExecutedAt.Time = now
	return true, nil
}

// Assert the fake matches the job-facing interface.
var _ Store = (*fakeStore)(nil)

// mapConfig is a mutable jobs.Config for tests.
type mapConfig struct {
	mu sync.Mutex
	m  map[string]interface{}
}

func (c *mapConfig) set(key string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]interface{})
	}
	c.m[key] = v
}

func (c *mapConfig) GetDuration(key string, def time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.m[key]; ok {
		return v.(time.Duration)
	}
	return def
}

func (c *mapConfig) GetInt(key string, def int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.m[key]; ok {
		return v.(int)
	}
	return def
}

type sentMail struct {
	id   int64
	kind marker.Kind
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
}

func (s *fakeSender) Send(_ context.Context, b *bookings.Booking, kind marker.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMail{id: b.ID, kind: kind})
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (n *fakeNotifier) Alert(_ context.Context, _ *bookings.Booking, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, reason)
	return nil
}

type fixture struct {
	store  *fakeStore
	config *mapConfig
	mail   *fakeSender
	notify *fakeNotifier
	svc    *Service
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	track, err := failtrack.New(zaptest.NewLogger(t), 64)
	require.NoError(t, err)
	f := &fixture{
		store:  newFakeStore(),
		config: &mapConfig{},
		mail:   &fakeSender{},
		notify: &fakeNotifier{},
		now:    time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = &Service{
		Log:    zaptest.NewLogger(t),
		Store:  f.store,
		Config: f.config,
		Mail:   f.mail,
		Notify: f.notify,
		Track:  track,
		Opts:   DefaultOptions,
		Now:    func() time.Time { return f.now },
	}
	return f
}

func TestRetentionJob(t *testing.T) {
	f := newFixture(t)
	old := bookings.Booking{ID: 1, Status: bookings.StatusCompleted}
	old.ClosedAt.Valid = true
	old.ClosedAt.Time = f.now.Add(-100 * 24 * time.Hour)
	fresh := bookings.Booking{ID: 2, Status: bookings.StatusCancelled}
	fresh.ClosedAt.Valid = true
	fresh.ClosedAt.Time = f.now.Add(-24 * time.Hour)
	f.store.add(old)
	f.store.add(fresh)

	stats, err := f.svc.RetentionJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Len(t, f.store.rows, 1)
}

func TestInactivityJob(t *testing.T) {
	f := newFixture(t)
	quiet := bookings.Booking{ID: 1, Status: bookings.StatusNegotiating}
	quiet.LastActivityAt.Valid = true
	quiet.LastActivityAt.Time = f.now.Add(-4 * 24 * time.Hour)
	woke := bookings.Booking{ID: 2, Status: bookings.StatusContacted, IsStale: true}
	woke.LastActivityAt.Valid = true
	woke.LastActivityAt.Time = f.now.Add(-time.Hour)
	f.store.add(quiet)
	f.store.add(woke)

	stats, err := f.svc.InactivityJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, stats.Reclaimed)
	assert.True(t, f.store.get(1).IsStale)
	assert.False(t, f.store.get(2).IsStale)
}

func TestStallJob(t *testing.T) {
	f := newFixture(t)
	b := bookings.Booking{ID: 1, Status: bookings.StatusNegotiating}
	b.LastToolExecutedAt.Valid = true
	b.LastToolExecutedAt.Time = f.now.Add(-time.Hour)
	f.store.add(b)

	stats, err := f.svc.StallJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, []string{"conversation stalled"}, f.notify.alerts)
	assert.True(t, f.store.get(1).StallAlertAt.Valid)

	// The stamped alert keeps the booking out of later cycles.
	stats, err = f.svc.StallJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)
	assert.Len(t, f.notify.alerts, 1)
}

func TestEscalateJob(t *testing.T) {
	f := newFixture(t)
	b := bookings.Booking{ID: 1, Status: bookings.StatusNegotiating}
	b.StallAlertAt.Valid = true
	b.StallAlertAt.Time = f.now.Add(-5 * time.Hour)
	f.store.add(b)

	stats, err := f.svc.EscalateJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	got := f.store.get(1)
	assert.True(t, got.HumanControl)
	assert.True(t, got.AutoEscalatedAt.Valid)
	assert.Equal(t, []string{"auto-escalated to human control"}, f.notify.alerts)

	// Human control blocks any further escalation.
	stats, err = f.svc.EscalateJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)
}

func TestEscalateJob_AcknowledgedStallIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	b := bookings.Booking{ID: 1, Status: bookings.StatusNegotiating, StallAcknowledged: true}
	b.StallAlertAt.Valid = true
	b.StallAlertAt.Time = f.now.Add(-5 * time.Hour)
	f.store.add(b)

	stats, err := f.svc.EscalateJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)
	assert.False(t, f.store.get(1).HumanControl)
}

func TestFollowupJob_AllKinds(t *testing.T) {
	f := newFixture(t)
	needsLink := bookings.Booking{ID: 1, Status: bookings.StatusConfirmed}
	needsLink.SessionAt.Valid = true
	needsLink.SessionAt.Time = f.now.Add(12 * time.Hour)
	held := bookings.Booking{ID: 2, Status: bookings.StatusSessionHeld}
	held.SessionAt.Valid = true
	held.SessionAt.Time = f.now.Add(-3 * time.Hour)
	awaiting := bookings.Booking{ID: 3, Status: bookings.StatusFeedbackRequested}
	awaiting.FeedbackFormState = uint8(marker.Sent)
	awaiting.FeedbackFormAt.Valid = true
	awaiting.FeedbackFormAt.Time = f.now.Add(-4 * 24 * time.Hour)
	f.store.add(needsLink)
	f.store.add(held)
	f.store.add(awaiting)

	stats, err := f.svc.FollowupJob().Body(context.TODO())
	require.NoError(t, err)
	// Booking 1 gets both the link check and the session reminder.
	assert.Equal(t, 4, stats.Sent)
	assert.ElementsMatch(t, []sentMail{
		{id: 1, kind: marker.MeetingLinkCheck},
		{id: 1, kind: marker.SessionReminder},
		{id: 2, kind: marker.FeedbackForm},
		{id: 3, kind: marker.FeedbackReminder},
	}, f.mail.sent)

	// All markers are sent now; a second cycle is a no-op.
	stats, err = f.svc.FollowupJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)
	assert.Len(t, f.mail.sent, 4)
}

func TestMissedReplyJob(t *testing.T) {
	f := newFixture(t)
	b := bookings.Booking{ID: 1, Status: bookings.StatusContacted}
	b.LastActivityAt.Valid = true
	b.LastActivityAt.Time = f.now.Add(-time.Hour)
	b.LastToolExecutedAt.Valid = true
	b.LastToolExecutedAt.Time = f.now.Add(-2 * time.Hour)
	f.store.add(b)

	stats, err := f.svc.MissedReplyJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, []string{"missed reply re-queued"}, f.notify.alerts)

	// The bump moved last_tool_executed_at forward; no second recovery.
	stats, err = f.svc.MissedReplyJob().Body(context.TODO())
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)
}

func TestThresholds_FreshEachCycle(t *testing.T) {
	f := newFixture(t)
	b := bookings.Booking{ID: 1, Status: bookings.StatusNegotiating}
	b.LastToolExecutedAt.Valid = true
	b.LastToolExecutedAt.Time = f.now.Add(-45 * time.Minute)
	f.store.add(b)
	job := f.svc.StallJob()

	// With a 1h threshold the booking is not stalled yet.
	f.config.set(ConfStallThreshold, time.Hour)
	stats, err := job.Body(context.TODO())
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)

	// An operator tightens the threshold; the already-built job picks the
	// new value up on its next cycle without a restart.
	f.config.set(ConfStallThreshold, 30*time.Minute)
	stats, err = job.Body(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
}
