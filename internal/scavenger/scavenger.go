// Package scavenger implements the background scan and purge components:
// reclaiming tasks a worker went silent on, and, on a run's request,
// evicting a misbehaving worker's contributions.
package scavenger

import (
	"context"
	"log"
	"time"

	"github.com/fishtest-net/orchestrator/internal/domain"
	"github.com/fishtest-net/orchestrator/internal/infra/metrics"
	"github.com/fishtest-net/orchestrator/internal/registry"
	"github.com/fishtest-net/orchestrator/internal/stats"
)

// staleAfter is how long an active task may go without an update before the
// scavenger reclaims it.
const staleAfter = 30 * time.Minute

// scanInterval is how often the background scan runs.
const scanInterval = 60 * time.Second

// Config controls the scavenger's background scan cadence.
type Config struct {
	ScanInterval time.Duration
	StaleAfter   time.Duration
	Now          func() time.Time
}

// DefaultConfig returns the 60-second scan / 30-minute staleness
// defaults.
func DefaultConfig() Config {
	return Config{ScanInterval: scanInterval, StaleAfter: staleAfter, Now: time.Now}
}

// Scavenger periodically scans the registry's unfinished runs for tasks
// whose worker has gone silent and releases their claim.
type Scavenger struct {
	cfg      Config
	registry *registry.RunRegistry

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scavenger over reg.
func New(reg *registry.RunRegistry, cfg Config) *Scavenger {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = scanInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = staleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scavenger{cfg: cfg, registry: reg, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Start launches the background scan loop. It runs until ctx is cancelled
// or Stop is called.
func (s *Scavenger) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Scan(ctx)
			}
		}
	}()
}

// Stop halts the background scan loop and waits for it to exit.
func (s *Scavenger) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Scan performs one pass over every unfinished run, releasing any active
// task whose last_updated is older than StaleAfter.
func (s *Scavenger) Scan(ctx context.Context) {
	runs, err := s.registry.UnfinishedRuns(ctx)
	if err != nil {
		log.Printf("[scavenger] scan: list unfinished runs failed: %v", err)
		return
	}

	cutoff := s.cfg.Now().Add(-s.cfg.StaleAfter)
	for _, run := range runs {
		s.scanRun(ctx, run, cutoff)
	}
}

func (s *Scavenger) scanRun(ctx context.Context, run *domain.Run, cutoff time.Time) {
	lock := s.registry.RunLock(run.ID)
	lock.Lock()
	defer lock.Unlock()

	changed := false
	for i := range run.Tasks {
		t := &run.Tasks[i]
		if t.Active && t.LastUpdated.Before(cutoff) {
			t.Scavenge()
			metrics.TasksScavenged.Inc()
			metrics.ActiveTasks.Dec()
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := s.registry.Buffer(ctx, run, false); err != nil {
		log.Printf("[scavenger] buffer %s after scavenge failed: %v", run.ID, err)
	}
}

// Purger implements registry.Purger: evicting tasks from a worker the
// χ² homogeneity test flags as an outlier.
type Purger struct{}

// NewPurger creates a Purger.
func NewPurger() *Purger { return &Purger{} }

// Purge evicts the flagged worker's tasks and regenerates the lost games.
// Caller (RunRegistry.StopRun or RunRegistry.PurgeRun) already holds the
// run's per-run lock.
func (p *Purger) Purge(run *domain.Run) (bool, error) {
	_, badUsers, _ := stats.TaskResiduals(run.Tasks)
	if len(badUsers) == 0 {
		return false, nil
	}

	kept := run.Tasks[:0]
	purgedAny := false
	for _, t := range run.Tasks {
		if badUsers[t.WorkerInfo.WorkerKey()] {
			run.BadTasks = append(run.BadTasks, t)
			purgedAny = true
			continue
		}
		kept = append(kept, t)
	}
	if !purgedAny {
		return false, nil
	}
	run.Tasks = kept

	played := run.PlayedGames()
	total := run.Args.FixedGames
	if total == 0 {
		total = run.TotalGames() + totalFromBadTasks(run)
	}
	missing := total - played
	if missing > 0 {
		run.Tasks = append(run.Tasks, domain.GenerateTasks(missing)...)
	}

	run.ResultsStale = true
	run.Finished = false
	if run.Args.IsSPRT() {
		run.Args.SPRT.LLR = 0
		run.Args.SPRT.State = domain.SPRTPending
		run.Args.SPRT.Overshoot = stats.NewOvershootState()
	}
	metrics.RunsPurged.Inc()
	return true, nil
}

// totalFromBadTasks sums the games of every task already evicted to
// bad_tasks. When the run has no explicit fixed_games count, the caller
// adds the kept tasks' total to recover the run's original game target.
func totalFromBadTasks(run *domain.Run) int {
	total := 0
	for _, t := range run.BadTasks {
		total += t.NumGames
	}
	return total
}
