// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// ─── Revision ───────────────────────────────────────────────────────────────

// Revision identifies one side of an A/B comparison: an opaque source
// revision plus the human-readable tag shown in run listings.
type Revision struct {
	ID  string `json:"id"`
	Tag string `json:"tag"`
}

// ─── Run Arguments ──────────────────────────────────────────────────────────

// EloModel selects the statistical model the SPRT's GLR calculation uses to
// map an elo difference onto a score-endpoint.
type EloModel string

const (
	EloModelBayesElo  EloModel = "BayesElo"
	EloModelLogistic  EloModel = "logistic"
)

// Options is the parsed {hash, threads, others} view of a free-form UCI
// option string such as "Hash=128 Threads=1 SyzygyPath=/tmp". The raw form
// is kept for wire back-compat; ParseOptions produces this typed view once
// at the submission boundary, so the dispatcher's memory-demand check never
// re-scans strings.
type Options struct {
	Raw     string   `json:"raw"`
	Hash    int      `json:"hash"`    // MiB, from "Hash=N"; 0 if absent
	Threads int      `json:"threads"` // from "Threads=N"; 0 if absent
	Others  []string `json:"others"`
}

// ParseOptions splits a raw option string on whitespace and extracts the
// Hash=N and Threads=N assignments into typed fields, collecting every
// other token verbatim.
func ParseOptions(raw string) Options {
	o := Options{Raw: raw}
	for _, tok := range strings.Fields(raw) {
		switch {
		case strings.HasPrefix(tok, "Hash="):
			o.Hash, _ = strconv.Atoi(tok[len("Hash="):])
		case strings.HasPrefix(tok, "Threads="):
			o.Threads, _ = strconv.Atoi(tok[len("Threads="):])
		default:
			o.Others = append(o.Others, tok)
		}
	}
	return o
}

// RunArgs is the submitted configuration of a Run. Exactly one of SPRT,
// SPSA or FixedGames is set — enforced at RunRegistry.Create.
type RunArgs struct {
	Base      Revision `json:"base"`
	New       Revision `json:"new"`
	TC        string   `json:"tc"`
	Book      string   `json:"book"`
	BookDepth int      `json:"book_depth"`
	Threads   int      `json:"threads"`

	BaseOptions Options `json:"base_options"`
	NewOptions  Options `json:"new_options"`

	// Signature is the expected benchmark node count for each side, used by
	// the worker to detect a broken/miscompiled build before playing games.
	BaseSignature int64 `json:"base_signature"`
	NewSignature  int64 `json:"new_signature"`

	Priority   int  `json:"priority"`   // higher runs first
	Throughput int  `json:"throughput"` // 1..500
	AutoPurge  bool `json:"auto_purge"`

	SPRT       *SPRTConfig `json:"sprt,omitempty"`
	SPSA       *SPSAConfig `json:"spsa,omitempty"`
	FixedGames int         `json:"fixed_games,omitempty"` // 0 means "not a fixed-games run"

	Username string `json:"username"` // submitter
}

// IsSPRT, IsSPSA and IsFixed report which of the three mutually exclusive
// test kinds this run's arguments describe.
func (a *RunArgs) IsSPRT() bool  { return a.SPRT != nil }
func (a *RunArgs) IsSPSA() bool  { return a.SPSA != nil }
func (a *RunArgs) IsFixed() bool { return a.SPRT == nil && a.SPSA == nil }

// ─── Run ────────────────────────────────────────────────────────────────────

// Run is a single A/B experiment of candidate vs. base engine.
type Run struct {
	ID          string    `json:"_id"`
	Args        RunArgs   `json:"args"`
	StartTime   time.Time `json:"start_time"`
	LastUpdated time.Time `json:"last_updated"`

	// Derived scheduling weights, recomputed by RunRegistry.calc_itp.
	ITP           float64 `json:"itp"`
	BaseTCSeconds float64 `json:"base_tc_seconds"`

	Approved     bool   `json:"approved"`
	ApprovedBy   string `json:"approved_by,omitempty"`
	Finished     bool   `json:"finished"`
	Deleted      bool   `json:"deleted"`
	IsGreen      bool   `json:"is_green"`
	IsYellow     bool   `json:"is_yellow"`
	IsBlue       bool   `json:"is_blue,omitempty"` // SPRT accepted with elo0+elo1<0 ("light-blue")
	StopReason   string `json:"stop_reason,omitempty"`

	Results      Stats `json:"results"`
	ResultsStale bool  `json:"results_stale"`

	Tasks    []Task `json:"tasks"`
	BadTasks []Task `json:"bad_tasks,omitempty"`
}

// ChunkSize is the fixed number of games per task.
const ChunkSize = 200

// GenerateTasks emits ⌈n/ChunkSize⌉ pending, unclaimed tasks covering n
// games, each of size min(ChunkSize, remaining).
func GenerateTasks(n int) []Task {
	if n <= 0 {
		return nil
	}
	count := (n + ChunkSize - 1) / ChunkSize
	tasks := make([]Task, 0, count)
	remaining := n
	for remaining > 0 {
		size := ChunkSize
		if remaining < size {
			size = remaining
		}
		tasks = append(tasks, Task{NumGames: size, Pending: true})
		remaining -= size
	}
	return tasks
}

// TotalGames sums num_games across all tasks (the run's nominal size,
// independent of how many have actually been played).
func (r *Run) TotalGames() int {
	total := 0
	for _, t := range r.Tasks {
		total += t.NumGames
	}
	return total
}

// PlayedGames sums games actually reported across all tasks.
func (r *Run) PlayedGames() int {
	total := 0
	for _, t := range r.Tasks {
		total += t.Stats.GameCount()
	}
	return total
}
