package domain

import (
	"fmt"
	"time"
)

// ─── Worker Info ────────────────────────────────────────────────────────────

// WorkerInfo is the shape a worker sends on every RPC; RemoteAddr and
// CountryCode are filled in server-side from the connection and GeoIP
// lookup (GeoIP itself is an external collaborator, out of scope here).
type WorkerInfo struct {
	Username    string  `json:"username"`
	UniqueKey   string  `json:"unique_key"`
	Concurrency int     `json:"concurrency"`
	MinThreads  int     `json:"min_threads"`
	MaxMemory   int     `json:"max_memory"` // MiB
	RemoteAddr  string  `json:"remote_addr"`
	Version     int     `json:"version"`
	Rate        float64 `json:"rate,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`

	// Compiled runs this worker has already built, used to avoid spending
	// its GitHub-API budget when it signals a low remaining quota.
	LowGithubAPI bool `json:"-"`
	CompiledRuns map[string]bool `json:"-"`
}

// WorkerKey groups tasks by the machine that ran them, for the dispatcher's
// compiled-run memo, the SPSA per-worker param store, and the
// χ² worker-homogeneity test. Two connections from the
// same username at the same concurrency are treated as one worker.
func (w WorkerInfo) WorkerKey() string {
	return fmt.Sprintf("%s-%dcores", w.Username, w.Concurrency)
}

// ─── Task (chunk) ───────────────────────────────────────────────────────────

// Task is a fixed-size slice of a run's total games, claimed by at most one
// worker at a time. Invariant: a finished task has
// pending=false and active=false; an assigned task has pending=true and
// active=true; an unclaimed task has pending=true and active=false. The
// pending=false → active=false transition always happens in that order so
// a racing Dispatcher can only ever claim a genuinely pending chunk.
type Task struct {
	NumGames    int        `json:"num_games"`
	Pending     bool       `json:"pending"`
	Active      bool       `json:"active"`
	WorkerInfo  WorkerInfo `json:"worker_info"`
	Stats       Stats      `json:"stats"`
	NPS         int64      `json:"nps"`
	LastUpdated time.Time  `json:"last_updated"`
}

// IsUnclaimed reports whether the task is pending but not currently assigned.
func (t *Task) IsUnclaimed() bool { return t.Pending && !t.Active }

// IsFinished reports whether the task has been fully played.
func (t *Task) IsFinished() bool { return !t.Pending && !t.Active }

// Finish transitions a task to the finished state. Pending is cleared
// before active so a concurrently-running Dispatcher pass can never
// observe "active but not pending" as a re-claimable state.
func (t *Task) Finish() {
	t.Pending = false
	t.Active = false
}

// Scavenge releases a stale claim without finishing the task: it becomes a
// pending, unclaimed chunk again.
func (t *Task) Scavenge() {
	t.Active = false
}

// Claim stamps worker_info and marks the task assigned.
func (t *Task) Claim(w WorkerInfo, now time.Time) {
	t.WorkerInfo = w
	t.LastUpdated = now
	t.Active = true
}
