package runner

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.bookline.dev/keeper/pkg/dispatch"
)

// JobStatus is the last observed state of one recurring job on this process.
type JobStatus struct {
	LastRun     time.Time      `json:"last_run"`
	LastSuccess time.Time      `json:"last_success"`
	LastError   string         `json:"last_error,omitempty"`
	LastStats   dispatch.Stats `json:"last_stats"`
}

// Health exposes per-job cycle outcomes for liveness checks.
// A delayed or skipped cycle is the only user-visible failure mode of the
// maintenance layer, and this is where it becomes observable.
type Health struct {
	mu     sync.Mutex
	status map[string]JobStatus
}

// NewHealth creates an empty health registry.
func NewHealth() *Health {
	return &Health{status: make(map[string]JobStatus)}
}

func (h *Health) recordCycle(job string, stats dispatch.Stats, runErr error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.status[job]
	s.LastRun = at
	s.LastStats = stats
	if runErr != nil {
		s.LastError = runErr.Error()
	} else {
		s.LastError = ""
		s.LastSuccess = at
	}
	h.status[job] = s
}

// Snapshot returns a copy of all job statuses.
func (h *Health) Snapshot() map[string]JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]JobStatus, len(h.status))
	for k, v := range h.status {
		out[k] = v
	}
	return out
}

// ServeHTTP writes the job statuses as JSON.
func (h *Health) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Snapshot())
}
