// Package dispatch performs one idempotent side effect per booking via the
// claim/commit marker protocol.
//
// The protocol makes "send email X for booking B exactly once across
// processes and restarts" safe without distributed transactions:
//
//	claim   conditional update, marker absent -> claimed; zero rows means a
//	        racing process won or eligibility changed, abandon the booking
//	act     the external side effect, outside any store transaction
//	commit  conditional update, marker claimed -> sent; zero rows here is the
//	        one unrecoverable race the design accepts: the side effect
//	        happened but is not recorded, alert and never resend
//
// A crash between act and commit leaves the marker stuck at claimed; the
// reconciliation sweep at the start of each cycle resets such markers after
// a grace window so a later cycle retries. Side effects that cannot tolerate
// the resulting rare duplicate must be idempotent themselves, keyed by
// booking ID, as defense in depth.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.bookline.dev/keeper/pkg/bookings"
	"go.bookline.dev/keeper/pkg/failtrack"
	"go.bookline.dev/keeper/pkg/marker"
	"go.uber.org/zap"
)

// Store is the subset of the bookings store the dispatcher mutates through.
type Store interface {
	ClaimMarker(ctx context.Context, id int64, kind marker.Kind, statuses []bookings.Status, now time.Time) (bool, error)
	CommitMarker(ctx context.Context, id int64, kind marker.Kind, now time.Time) (bool, error)
	ReleaseMarker(ctx context.Context, id int64, kind marker.Kind) error
	ResetStuckClaims(ctx context.Context, kind marker.Kind, before time.Time) (int64, error)
}

// Stats counts per-cycle outcomes. Job runners log it once per cycle;
// nothing in the hot loop logs above debug level.
type Stats struct {
	Reclaimed int // stuck claims reset by the reconciliation sweep
	Claimed   int
	Sent      int
	Skipped   int // muted by the failure tracker
	LostRace  int // claim affected zero rows
	Failed    int // side effect failed, marker released
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Reclaimed += other.Reclaimed
	s.Claimed += other.Claimed
	s.Sent += other.Sent
	s.Skipped += other.Skipped
	s.LostRace += other.LostRace
	s.Failed += other.Failed
}

// Fields renders the stats as structured log fields.
func (s Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("reclaimed", s.Reclaimed),
		zap.Int("claimed", s.Claimed),
		zap.Int("sent", s.Sent),
		zap.Int("skipped", s.Skipped),
		zap.Int("lost_race", s.LostRace),
		zap.Int("failed", s.Failed),
	}
}

// Dispatcher drives the claim/commit protocol for one follow-up kind.
type Dispatcher struct {
	Log   *zap.Logger
	Store Store
	Track *failtrack.Tracker

	// Kind is the follow-up marker this dispatcher owns.
	Kind marker.Kind
	// Statuses re-checked by the claim, mirroring the eligibility select.
	Statuses []bookings.Status
	// Select returns the eligible batch, oldest first, at most limit rows.
	Select func(ctx context.Context, now time.Time, limit int) ([]bookings.Booking, error)
	// Act performs the side effect. Must run outside any store transaction.
	Act func(ctx context.Context, b *bookings.Booking) error

	// BatchSize bounds work per cycle; an overloaded cycle drains the
	// longest-waiting backlog first because Select orders oldest-first.
	BatchSize int
	// ClaimGrace is how long a claim may sit before the reconciliation sweep
	// assumes the owner crashed. Must exceed worst-case Act latency.
	ClaimGrace time.Duration

	// now is overridable in tests.
	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RunCycle reconciles stuck claims, then claims, acts on and commits a
// bounded batch of eligible bookings. The returned stats are valid even when
// err is non-nil: an error aborts the remainder of the batch only.
func (d *Dispatcher) RunCycle(ctx context.Context) (Stats, error) {
	var stats Stats
	now := d.now()
	reclaimed, err := d.Store.ResetStuckClaims(ctx, d.Kind, now.Add(-d.ClaimGrace))
	if err != nil {
		return stats, fmt.Errorf("failed to reset stuck claims: %w", err)
	}
	stats.Reclaimed = int(reclaimed)
	if reclaimed > 0 {
		d.Log.Warn("Reset stuck claims from a crashed worker",
			zap.String("kind", string(d.Kind)),
			zap.Int64("count", reclaimed))
	}
	batch, err := d.Select(ctx, now, d.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to select eligible bookings: %w", err)
	}
	for i := range batch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		d.step(ctx, &batch[i], &stats)
	}
	return stats, nil
}

func (d *Dispatcher) step(ctx context.Context, b *bookings.Booking, stats *Stats) {
	key := string(d.Kind) + ":" + strconv.FormatInt(b.ID, 10)
	if d.Track != nil && d.Track.ShouldSkip(key) {
		stats.Skipped++
		return
	}
	ok, err := d.Store.ClaimMarker(ctx, b.ID, d.Kind, d.Statuses, d.now())
	if err != nil {
		d.Log.Error("Claim failed",
			zap.String("kind", string(d.Kind)),
			zap.Int64("booking", b.ID), zap.Error(err))
		stats.Failed++
		return
	}
	if !ok {
		// Expected contention: lost the race or the status moved on.
		d.Log.Debug("Lost claim race",
			zap.String("kind", string(d.Kind)), zap.Int64("booking", b.ID))
		stats.LostRace++
		return
	}
	stats.Claimed++
	if err := d.Act(ctx, b); err != nil {
		stats.Failed++
		var attempts int
		if d.Track != nil {
			attempts = d.Track.RecordFailure(key)
		}
		d.Log.Warn("Side effect failed, releasing claim for retry",
			zap.String("kind", string(d.Kind)),
			zap.Int64("booking", b.ID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if relErr := d.Store.ReleaseMarker(ctx, b.ID, d.Kind); relErr != nil {
			// The claim stays stuck until the reconciliation sweep picks
			// it up; bounded exposure, no duplicate.
			d.Log.Error("Failed to release claim after side-effect failure",
				zap.String("kind", string(d.Kind)),
				zap.Int64("booking", b.ID), zap.Error(relErr))
		}
		return
	}
	committed, err := d.Store.CommitMarker(ctx, b.ID, d.Kind, d.now())
	if err != nil {
		// The side effect ran but was not recorded. The claim sits until the
		// reconciliation sweep resets it and a later cycle sends again: a
		// delayed duplicate, the same exposure as a crash between act and
		// commit, is the accepted outcome here.
		d.Log.Error("MANUAL REVIEW: commit failed after side effect ran",
			zap.String("kind", string(d.Kind)),
			zap.Int64("booking", b.ID), zap.Error(err))
		stats.Failed++
		return
	}
	if !committed {
		// Side effect happened but is not recorded. Never resend.
		d.Log.Error("MANUAL REVIEW: marker mutated between act and commit",
			zap.String("kind", string(d.Kind)),
			zap.Int64("booking", b.ID))
		stats.Failed++
		return
	}
	if d.Track != nil {
		d.Track.RecordSuccess(key)
	}
	stats.Sent++
}
