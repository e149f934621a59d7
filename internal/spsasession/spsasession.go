// Package spsasession owns the per-(run, worker) SPSA perturbation vector
// the ApiFacade's request_spsa handler issues and the task updater later
// folds back into theta.
// It is a small, independently-locked sibling of RunRegistry: the map is
// written only by the owning worker's own reports, so a single RWMutex over
// the whole map is sufficient — no per-key locking is needed.
package spsasession

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fishtest-net/orchestrator/internal/domain"
	"github.com/fishtest-net/orchestrator/internal/stats"
)

// Store holds the in-flight SPSA perturbation issued to each (run_id,
// worker unique_key) pair until the worker reports results for it.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]map[string]domain.SPSAPerturbation // run_id -> worker_key -> perturbation
	rngMu    sync.Mutex
	rng      *rand.Rand
}

// New creates an empty session store with its own PRNG seeded from the
// current time, matching the worker-facing randomness the original
// implementation draws per issuance.
func New() *Store {
	return &Store{
		sessions: make(map[string]map[string]domain.SPSAPerturbation),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Issue computes a fresh perturbation against spsa.iter+1 and stores its
// w_params (and the flip vector needed to fold a later report back into
// theta) keyed by (runID, workerKey). It returns the full pair to hand to
// the worker: w plays one side, b the other.
func (s *Store) Issue(runID, workerKey string, cfg domain.SPSAConfig) domain.SPSAPerturbation {
	s.rngMu.Lock()
	pert := stats.IssuePerturbation(cfg, cfg.Iter, s.rng)
	s.rngMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	byWorker, ok := s.sessions[runID]
	if !ok {
		byWorker = make(map[string]domain.SPSAPerturbation)
		s.sessions[runID] = byWorker
	}
	byWorker[workerKey] = pert
	return pert
}

// Consume returns the perturbation stored for (runID, workerKey). If none
// is on file — the server restarted and lost it — it issues a fresh one
// against cfg's current iteration, tolerating at most one lost feedback
// round of feedback.
func (s *Store) Consume(runID, workerKey string, cfg domain.SPSAConfig) domain.SPSAPerturbation {
	s.mu.RLock()
	pert, ok := s.sessions[runID][workerKey]
	s.mu.RUnlock()
	if ok {
		return pert
	}
	return s.Issue(runID, workerKey, cfg)
}

// Drop removes the single (runID, workerKey) session once its matching
// report has been folded into theta, so a stale perturbation can never be
// replayed against a later iteration.
func (s *Store) Drop(runID, workerKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions[runID], workerKey)
}

// Clear drops every session for runID, called when the run stops.
func (s *Store) Clear(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, runID)
}
