package jobs

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bookline.dev/keeper/pkg/bookings"
	"go.bookline.dev/keeper/pkg/marker"
	"go.uber.org/zap"
)

// Sender delivers a follow-up message for a booking.
//
// Senders must tolerate being called more than once per booking and kind:
// the claim/commit protocol makes a duplicate call rare, not impossible.
// Keying the outgoing message by booking ID and kind is the cheapest way to
// hold that line.
type Sender interface {
	Send(ctx context.Context, b *bookings.Booking, kind marker.Kind) error
}

// Notifier raises an operator-facing alert about a booking.
type Notifier interface {
	Alert(ctx context.Context, b *bookings.Booking, reason string) error
}

// RetryingSender retries transient transport errors within a single
// side-effect attempt. MaxElapsed must stay well below the claim grace
// window, otherwise the reconciliation sweep can reset a claim whose send is
// still retrying here.
type RetryingSender struct {
	Next       Sender
	MaxElapsed time.Duration
}

// Send calls the wrapped sender with exponential backoff.
func (r *RetryingSender) Send(ctx context.Context, b *bookings.Booking, kind marker.Kind) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.MaxElapsed
	return backoff.Retry(func() error {
		return r.Next.Send(ctx, b, kind)
	}, backoff.WithContext(bo, ctx))
}

// LogSender logs instead of sending. Used in dev mode and as a stand-in
// until a mail transport is wired up.
type LogSender struct {
	Log *zap.Logger
}

// Send logs the would-be delivery.
func (l *LogSender) Send(_ context.Context, b *bookings.Booking, kind marker.Kind) error {
	l.Log.Info("Would send follow-up",
		zap.String("kind", string(kind)),
		zap.Int64("booking", b.ID),
		zap.String("organizer", b.OrganizerEmail),
		zap.String("attendee", b.AttendeeEmail))
	return nil
}

// LogNotifier logs instead of alerting.
type LogNotifier struct {
	Log *zap.Logger
}

// Alert logs the would-be operator alert.
func (l *LogNotifier) Alert(_ context.Context, b *bookings.Booking, reason string) error {
	l.Log.Info("Would alert operators",
		zap.String("reason", reason),
		zap.Int64("booking", b.ID))
	return nil
}
