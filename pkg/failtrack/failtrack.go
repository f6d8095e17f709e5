// Package failtrack bounds retry and log volume for per-item operations that
// fail deterministically, e.g. a booking whose contact address never parses.
//
// State is process-local and lost on restart, which is acceptable: the worst
// case after a restart is one extra retry per bad item.
package failtrack

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"
)

// Default tuning.
const (
	DefaultMaxAttempts = 5
	DefaultResetWindow = 30 * time.Minute
	DefaultDailyWindow = 24 * time.Hour
	DefaultCapacity    = 4096
)

type entry struct {
	count        int
	firstFailure time.Time
	lastAttempt  time.Time
}

// Tracker records repeated failures per key and decides when to stop retrying.
//
// Once a key reaches MaxAttempts failures ShouldSkip returns true, except:
// the key is retried again when its last attempt is older than ResetWindow
// (the input may have been fixed), and retried at least once per DailyWindow
// counted from the first failure (upstream issues self-resolve).
//
// Capacity bounds memory independent of key cardinality: inserting past
// Capacity evicts the entry with the oldest last attempt.
type Tracker struct {
	MaxAttempts int
	ResetWindow time.Duration
	DailyWindow time.Duration

	log *zap.Logger

	mu      sync.Mutex
	entries *simplelru.LRU

	// now is overridable in tests.
	now func() time.Time
}

// New creates a Tracker with the given capacity and default windows.
func New(log *zap.Logger, capacity int) (*Tracker, error) {
	// Every Add refreshes recency, so LRU order equals last-attempt order and
	// the evictee is always the entry idle the longest.
	lru, err := simplelru.NewLRU(capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		MaxAttempts: DefaultMaxAttempts,
		ResetWindow: DefaultResetWindow,
		DailyWindow: DefaultDailyWindow,
		log:         log,
		entries:     lru,
		now:         time.Now,
	}, nil
}

// RecordFailure notes another failure for key and returns the running count.
// The key is logged once on its first failure and once more when it crosses
// MaxAttempts; everything in between stays quiet.
func (t *Tracker) RecordFailure(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	e := t.get(key)
	if e == nil {
		e = &entry{firstFailure: now}
		t.log.Warn("Item failed, tracking retries", zap.String("item", key))
	}
	e.count++
	e.lastAttempt = now
	t.entries.Add(key, e)
	if e.count == t.MaxAttempts {
		t.log.Error("Item reached max attempts, muting retries",
			zap.String("item", key),
			zap.Int("attempts", e.count),
			zap.Time("first_failure", e.firstFailure))
	}
	return e.count
}

// RecordSuccess clears any failure history for key.
func (t *Tracker) RecordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Remove(key)
}

// ShouldSkip reports whether key has failed too often to retry this cycle.
func (t *Tracker) ShouldSkip(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.peek(key)
	if e == nil || e.count < t.MaxAttempts {
		return false
	}
	now := t.now()
	if now.Sub(e.lastAttempt) > t.ResetWindow {
		// Long quiet period: the bad input may have been corrected upstream,
		// re-enable retries from scratch.
		e.count = 0
		return false
	}
	if now.Sub(e.firstFailure) > t.DailyWindow {
		// Force one retry per daily window regardless of count.
		e.firstFailure = now
		e.count = t.MaxAttempts - 1
		return false
	}
	return true
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// get refreshes the key's recency; only RecordFailure may use it, since LRU
// order must stay equal to last-attempt order.
func (t *Tracker) get(key string) *entry {
	v, ok := t.entries.Get(key)
	if !ok {
		return nil
	}
	return v.(*entry)
}

// peek reads without touching recency, keeping mute checks eviction-neutral.
func (t *Tracker) peek(key string) *entry {
	v, ok := t.entries.Peek(key)
	if !ok {
		return nil
	}
	return v.(*entry)
}
