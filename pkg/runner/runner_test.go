package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bookline.dev/keeper/pkg/dispatch"
	"go.bookline.dev/keeper/pkg/leaselock"
	"go.bookline.dev/keeper/pkg/redistest"
	"go.uber.org/zap/zaptest"
)

func newRunner(t *testing.T, rd *redistest.Redis, owner string) *Runner {
	log := zaptest.NewLogger(t)
	return &Runner{
		Log: log,
		Lock: &leaselock.Lock{
			Redis:     rd.Client,
			Log:       log,
			KeyPrefix: "keeper:lease:",
		},
		Health: NewHealth(),
		Owner:  owner,
	}
}

func TestRunOnce_TwoProcessesOneExecution(t *testing.T) {
	rd := redistest.NewRedis(context.TODO(), t)
	defer rd.Close(t)

	var executions int32
	job := Job{
		Name:     "retention-cleanup",
		Interval: time.Hour,
		LeaseTTL: 30 * time.Second,
		Body: func(context.Context) (dispatch.Stats, error) {
			atomic.AddInt32(&executions, 1)
			time.Sleep(20 * time.Millisecond) // keep the lease held while the other ticks
			return dispatch.Stats{}, nil
		},
	}
	// Two simulated instances ticking simultaneously for the same job.
	r1, r2 := newRunner(t, rd, "instance-a"), newRunner(t, rd, "instance-b")
	js1, js2 := &jobState{Job: job}, &jobState{Job: job}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r1.runOnce(context.TODO(), js1) }()
	go func() { defer wg.Done(); r2.runOnce(context.TODO(), js2) }()
	wg.Wait()

	assert.Equal(t, int32(1), executions, "exactly one instance runs the body")
	// The winner released its lease in the cleanup path.
	assert.True(t, r1.Lock.Acquire(context.TODO(), job.Name, "instance-c", time.Second))
}

func TestRunOnce_LocalGuardSkips(t *testing.T) {
	rd := redistest.NewRedis(context.TODO(), t)
	defer rd.Close(t)

	r := newRunner(t, rd, "instance-a")
	js := &jobState{Job: Job{
		Name:     "stall-detect",
		LeaseTTL: 30 * time.Second,
		Body: func(context.Context) (dispatch.Stats, error) {
			t.Fatal("body must not run while the guard is held")
			return dispatch.Stats{}, nil
		},
	}}
	// A previous run is still active in this process.
	js.guard = 1
	r.runOnce(context.TODO(), js)
	// The guard is untouched and no lease was taken.
	assert.Equal(t, int32(1), atomic.LoadInt32(&js.guard))
	assert.True(t, r.Lock.Acquire(context.TODO(), "stall-detect", "instance-b", time.Second))
}

func TestRunOnce_PanicConfined(t *testing.T) {
	rd := redistest.NewRedis(context.TODO(), t)
	defer rd.Close(t)

	r := newRunner(t, rd, "instance-a")
	js := &jobState{Job: Job{
		Name:     "followup-dispatch",
		LeaseTTL: 30 * time.Second,
		Body: func(context.Context) (dispatch.Stats, error) {
			panic("nil booking")
		},
	}}
	require.NotPanics(t, func() {
		r.runOnce(context.TODO(), js)
	})
	// Guard cleared, lease released, failure visible in the health accessor.
	assert.Equal(t, int32(0), atomic.LoadInt32(&js.guard))
	status := r.Health.Snapshot()["followup-dispatch"]
	assert.Contains(t, status.LastError, "panicked")
	assert.True(t, r.Lock.Acquire(context.TODO(), "followup-dispatch", "instance-b", time.Second))
}

func TestRunOnce_BodyErrorDoesNotPropagate(t *testing.T) {
	rd := redistest.NewRedis(context.TODO(), t)
	defer rd.Close(t)

	r := newRunner(t, rd, "instance-a")
	js := &jobState{Job: Job{
		Name:     "auto-escalate",
		LeaseTTL: 30 * time.Second,
		Body: func(context.Context) (dispatch.Stats, error) {
			return dispatch.Stats{Failed: 2}, errors.New("store unavailable")
		},
	}}
	r.runOnce(context.TODO(), js)
	status := r.Health.Snapshot()["auto-escalate"]
	assert.Equal(t, "store unavailable", status.LastError)
	assert.Equal(t, 2, status.LastStats.Failed)
	assert.True(t, status.LastSuccess.IsZero())
}

func TestRenewLoop_LeaseLossClearsGuard(t *testing.T) {
	rd := redistest.NewRedis(context.TODO(), t)
	defer rd.Close(t)

	r := newRunner(t, rd, "instance-a")
	leaseGone := make(chan struct{})
	var js *jobState
	js = &jobState{Job: Job{
		Name:     "inactivity-detect",
		LeaseTTL: 100 * time.Millisecond,
		Body: func(context.Context) (dispatch.Stats, error) {
			// Steal the lease out from under the run, then wait for the
			// renewal loop to notice and clear the guard.
			close(leaseGone)
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if atomic.LoadInt32(&js.guard) == 0 {
					return dispatch.Stats{}, nil
				}
				time.Sleep(10 * time.Millisecond)
			}
			return dispatch.Stats{}, errors.New("guard never cleared after lease loss")
		},
	}}
	go func() {
		<-leaseGone
		rd.Server.Del("keeper:lease:inactivity-detect")
	}()
	r.runOnce(context.TODO(), js)
	status := r.Health.Snapshot()["inactivity-detect"]
	assert.Empty(t, status.LastError)
}

func TestRunOnce_StaleCleanupLeavesSuccessorAlone(t *testing.T) {
	rd := redistest.NewRedis(context.TODO(), t)
	defer rd.Close(t)

	r := newRunner(t, rd, "instance-a")
	firstLeaseLost := make(chan struct{})
	firstMayExit := make(chan struct{})
	secondStarted := make(chan struct{})
	secondMayExit := make(chan struct{})
	var runs int32
	var js *jobState
	js = &jobState{Job: Job{
		Name:     "retention-cleanup",
		LeaseTTL: 100 * time.Millisecond,
		Body: func(context.Context) (dispatch.Stats, error) {
			if atomic.AddInt32(&runs, 1) == 1 {
				// Steal the lease, wait for the renewal loop to clear the
				// guard, then linger so a second cycle starts underneath.
				rd.Server.Del("keeper:lease:retention-cleanup")
				deadline := time.Now().Add(5 * time.Second)
				for atomic.LoadInt32(&js.guard) != 0 {
					if time.Now().After(deadline) {
						return dispatch.Stats{}, errors.New("guard never cleared after lease loss")
					}
					time.Sleep(10 * time.Millisecond)
				}
				close(firstLeaseLost)
				<-firstMayExit
				return dispatch.Stats{}, nil
			}
			close(secondStarted)
			<-secondMayExit
			return dispatch.Stats{}, nil
		},
	}}

	firstDone := make(chan struct{})
	go func() {
		r.runOnce(context.TODO(), js)
		close(firstDone)
	}()
	<-firstLeaseLost
	secondDone := make(chan struct{})
	go func() {
		r.runOnce(context.TODO(), js)
		close(secondDone)
	}()
	<-secondStarted

	// The first run finishes while the second is mid-flight. Its cleanup must
	// neither clear the second run's guard nor release the second run's lease.
	close(firstMayExit)
	<-firstDone
	assert.NotZero(t, atomic.LoadInt32(&js.guard),
		"stale cleanup cleared the running cycle's guard")
	assert.False(t, r.Lock.Acquire(context.TODO(), "retention-cleanup", "instance-b", time.Second),
		"stale cleanup released the running cycle's lease")

	close(secondMayExit)
	<-secondDone
	assert.Zero(t, atomic.LoadInt32(&js.guard))
	assert.True(t, r.Lock.Acquire(context.TODO(), "retention-cleanup", "instance-b", time.Second))
}

func TestStartStop(t *testing.T) {
	rd := redistest.NewRedis(context.TODO(), t)
	defer rd.Close(t)

	var executions int32
	r := newRunner(t, rd, "instance-a")
	r.Register(Job{
		Name:     "missed-reply-recover",
		Interval: time.Hour, // only the startup run fires during the test
		LeaseTTL: 30 * time.Second,
		Body: func(context.Context) (dispatch.Stats, error) {
			atomic.AddInt32(&executions, 1)
			return dispatch.Stats{}, nil
		},
	})
	r.Start()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&executions) == 1
	}, 5*time.Second, 10*time.Millisecond)
	r.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))
}
