// Package runner executes recurring maintenance jobs, at most one instance
// per job across the fleet.
//
// Each job is wrapped in, from the inside out: a panic boundary (a job body
// blowing up never stops the recurring timer), a distributed lease with a
// background renewal loop, and a process-local guard that prevents overlap
// within one process before a lease is even attempted.
//
// Failing to acquire the lease is the expected steady state on all but one
// instance and is not an error. There is no mid-run cancellation beyond
// process shutdown; a killed process leaves its lease to expire and its
// claims to the reconciliation sweep.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.bookline.dev/keeper/pkg/dispatch"
	"go.bookline.dev/keeper/pkg/leaselock"
	"go.uber.org/zap"
)

// Body is one job cycle. It returns per-cycle stats for the summary log.
type Body func(ctx context.Context) (dispatch.Stats, error)

// Job is a recurring maintenance job.
type Job struct {
	Name     string
	Interval time.Duration
	// LeaseTTL bounds the duplicate-execution window after a crash. The
	// renewal loop runs at half this interval.
	LeaseTTL time.Duration
	// Budget is the cycle duration above which an overrun warning is logged.
	Budget time.Duration
	Body   Body
}

type jobState struct {
	Job
	// guard holds the token of the cycle running in this process, 0 when
	// idle. Cleared early when the lease is lost so a silent loss can never
	// block future runs. All clears compare-and-swap the clearing run's own
	// token, so a run that already lost its lease can never clobber the
	// guard of the cycle that replaced it.
	guard int32
	// seq issues guard tokens.
	seq int32
}

// nextToken returns a fresh nonzero run token.
func (js *jobState) nextToken() int32 {
	token := atomic.AddInt32(&js.seq, 1)
	for token == 0 {
		token = atomic.AddInt32(&js.seq, 1)
	}
	return token
}

// Runner owns the timers and guard flags for all registered jobs.
// Construct once per process, Register every job, then Start.
type Runner struct {
	Log    *zap.Logger
	Lock   *leaselock.Lock
	Health *Health

	// Owner identifies this process; each cycle derives its lease owner from
	// it by appending its run token, so a finished run can only ever release
	// the lease it acquired itself.
	Owner string

	jobs   []*jobState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Register adds a job. Must be called before Start.
func (r *Runner) Register(job Job) {
	r.jobs = append(r.jobs, &jobState{Job: job})
}

// Start launches one timer-driven loop per registered job.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for _, js := range r.jobs {
		r.wg.Add(1)
		go func(js *jobState) {
			defer r.wg.Done()
			r.loop(ctx, js)
		}(js)
	}
	r.Log.Info("Maintenance runner started",
		zap.Int("jobs", len(r.jobs)), zap.String("owner", r.Owner))
}

// Stop cancels all job loops and waits for in-flight cycles to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.Log.Info("Maintenance runner stopped")
}

func (r *Runner) loop(ctx context.Context, js *jobState) {
	ticker := time.NewTicker(js.Interval)
	defer ticker.Stop()
	// Run once at startup, then on each tick.
	for {
		r.runOnce(ctx, js)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, js *jobState) {
	if err := ctx.Err(); err != nil {
		return
	}
	token := js.nextToken()
	if !atomic.CompareAndSwapInt32(&js.guard, 0, token) {
		r.Log.Debug("Previous run still active, skipping cycle",
			zap.String("job", js.Name))
		cyclesTotal.WithLabelValues(js.Name, "busy").Inc()
		return
	}
	owner := r.Owner + ":" + strconv.FormatInt(int64(token), 10)
	if !r.Lock.Acquire(ctx, js.Name, owner, js.LeaseTTL) {
		// Steady state on every instance but one.
		atomic.CompareAndSwapInt32(&js.guard, token, 0)
		r.Log.Debug("Lease held elsewhere, skipping cycle",
			zap.String("job", js.Name))
		leaseAcquireTotal.WithLabelValues(js.Name, "false").Inc()
		cyclesTotal.WithLabelValues(js.Name, "lease_miss").Inc()
		return
	}
	leaseAcquireTotal.WithLabelValues(js.Name, "true").Inc()

	start := time.Now()
	renewCtx, stopRenew := context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.renewLoop(renewCtx, js, owner, token)
	}()

	stats, runErr := runBody(ctx, js.Body)

	// Guaranteed cleanup: stop renewing, give this run's lease back, clear
	// the guard if this run still holds it. After a lease loss a newer cycle
	// may already own both; the per-run owner and the token CAS leave that
	// cycle untouched.
	stopRenew()
	r.Lock.Release(ctx, js.Name, owner)
	atomic.CompareAndSwapInt32(&js.guard, token, 0)

	elapsed := time.Since(start)
	cycleSeconds.WithLabelValues(js.Name).Observe(elapsed.Seconds())
	for outcome, n := range map[string]int{
		"reclaimed": stats.Reclaimed,
		"claimed":   stats.Claimed,
		"sent":      stats.Sent,
		"skipped":   stats.Skipped,
		"lost_race": stats.LostRace,
		"failed":    stats.Failed,
	} {
		if n > 0 {
			recordsTotal.WithLabelValues(js.Name, outcome).Add(float64(n))
		}
	}
	if r.Health != nil {
		r.Health.recordCycle(js.Name, stats, runErr, start)
	}
	if js.Budget > 0 && elapsed > js.Budget {
		r.Log.Warn("Cycle exceeded duration budget",
			zap.String("job", js.Name),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", js.Budget))
	}
	fields := append([]zap.Field{
		zap.String("job", js.Name),
		zap.Duration("elapsed", elapsed),
	}, stats.Fields()...)
	if runErr != nil {
		cyclesTotal.WithLabelValues(js.Name, "error").Inc()
		r.Log.Error("Cycle failed", append(fields, zap.Error(runErr))...)
		return
	}
	cyclesTotal.WithLabelValues(js.Name, "ok").Inc()
	r.Log.Info("Cycle complete", fields...)
}

// runBody confines panics from business logic to the cycle that raised them.
func runBody(ctx context.Context, body Body) (stats dispatch.Stats, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job body panicked: %v", p)
		}
	}()
	return body(ctx)
}

// renewLoop extends the lease at half the TTL until stopped. On a failed
// renewal the lease is gone; clearing the guard right away makes sure a
// silently lost lease can never wedge this job on this process.
func (r *Runner) renewLoop(ctx context.Context, js *jobState, owner string, token int32) {
	interval := js.LeaseTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.Lock.Renew(ctx, js.Name, owner, js.LeaseTTL) {
				if ctx.Err() != nil {
					return
				}
				r.Log.Warn("Lease lost mid-run, abandoning exclusivity",
					zap.String("job", js.Name),
					zap.String("owner", owner))
				leaseLostTotal.WithLabelValues(js.Name).Inc()
				atomic.CompareAndSwapInt32(&js.guard, token, 0)
				return
			}
		}
	}
}
