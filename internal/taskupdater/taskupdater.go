// Package taskupdater implements the TaskUpdater component:
// folding a worker's progress report into a task, advancing SPSA theta and
// the SPRT decision state, and deciding when a run is done.
package taskupdater

import (
	"context"
	"fmt"
	"time"

	"github.com/fishtest-net/orchestrator/internal/domain"
	"github.com/fishtest-net/orchestrator/internal/infra/metrics"
	"github.com/fishtest-net/orchestrator/internal/registry"
	"github.com/fishtest-net/orchestrator/internal/spsasession"
	"github.com/fishtest-net/orchestrator/internal/stats"
)

// systemUser is the actor recorded on action-log entries for stops the
// TaskUpdater triggers on its own (SPRT decision, all tasks finished)
// rather than in response to a submitter request.
const systemUser = "fishtest.system"

// Updater folds worker progress reports into tasks and runs.
type Updater struct {
	registry *registry.RunRegistry
	sessions *spsasession.Store
	Now      func() time.Time
}

// New creates an Updater over reg, using sessions to resolve and clear the
// per-worker SPSA perturbation state folded into theta on every report.
func New(reg *registry.RunRegistry, sessions *spsasession.Store) *Updater {
	return &Updater{registry: reg, sessions: sessions, Now: time.Now}
}

// Result is what Update returns to the ApiFacade.
type Result struct {
	TaskAlive bool
}

// Update folds one worker progress report into its task, enforcing the
// monotonicity, pair-parity and batch-alignment contract before anything
// is committed.
func (u *Updater) Update(ctx context.Context, runID string, taskID int, reported domain.Stats, nps int64, spsaReport *domain.SPSAReport, username string) (Result, error) {
	run, err := u.registry.Get(ctx, runID)
	if err != nil {
		return Result{TaskAlive: false}, err
	}

	lock := u.registry.RunLock(run.ID)
	lock.Lock()

	if taskID < 0 || taskID >= len(run.Tasks) {
		lock.Unlock()
		return Result{TaskAlive: false}, nil
	}
	task := &run.Tasks[taskID]

	if !task.Active || !task.Pending {
		lock.Unlock()
		return Result{TaskAlive: false}, nil
	}
	if task.WorkerInfo.Username != username {
		lock.Unlock()
		return Result{TaskAlive: false}, nil
	}

	oldGames := task.Stats.GameCount()
	newGames := reported.GameCount()
	delta := newGames - oldGames

	if delta < 0 || delta%2 != 0 {
		lock.Unlock()
		metrics.ContractViolations.Inc()
		return Result{TaskAlive: false}, nil
	}
	if run.Args.IsSPRT() {
		batch := 2 * run.Args.SPRT.BatchSize
		if batch <= 0 {
			batch = 2
		}
		if newGames%batch != 0 {
			// A misaligned report also taints the overshoot record: it is
			// removed and the SPRT continues on unadjusted bounds.
			sprt := run.Args.SPRT
			if sprt.Overshoot.Valid {
				sprt.Overshoot = domain.OvershootState{SkippedUpdates: sprt.Overshoot.SkippedUpdates + 1}
				_ = u.registry.Buffer(ctx, run, false)
			}
			lock.Unlock()
			metrics.ContractViolations.Inc()
			return Result{TaskAlive: false}, nil
		}
	}
	if run.Args.IsSPSA() && spsaReport != nil && spsaReport.NumGames > 0 && delta == 0 {
		lock.Unlock()
		metrics.ContractViolations.Inc()
		return Result{TaskAlive: false}, nil
	}

	task.Stats = reported
	task.NPS = nps
	task.LastUpdated = u.Now()
	run.LastUpdated = task.LastUpdated
	run.ResultsStale = true

	if run.Args.IsSPSA() && spsaReport != nil {
		u.foldSPSA(run, task, *spsaReport)
	}

	stopReason := ""
	if run.Args.IsSPRT() {
		stopReason = u.updateSPRT(run)
	}

	allDone := newGames >= task.NumGames
	if allDone {
		task.Finish()
		metrics.ActiveTasks.Dec()
		if !anyTaskLive(run.Tasks) {
			if stopReason == "" {
				stopReason = "all tasks finished"
			}
		}
	}

	taskAlive := task.Active

	if stopReason != "" {
		if err := u.registry.Buffer(ctx, run, true); err != nil {
			lock.Unlock()
			return Result{TaskAlive: false}, fmt.Errorf("taskupdater: buffer before stop: %w", err)
		}
		lock.Unlock()
		if err := u.registry.StopRun(ctx, run, systemUser, stopReason); err != nil {
			return Result{TaskAlive: false}, fmt.Errorf("taskupdater: stop run: %w", err)
		}
		return Result{TaskAlive: false}, nil
	}

	if err := u.registry.Buffer(ctx, run, false); err != nil {
		lock.Unlock()
		return Result{TaskAlive: false}, fmt.Errorf("taskupdater: buffer: %w", err)
	}
	lock.Unlock()
	return Result{TaskAlive: taskAlive}, nil
}

// Fail releases a worker's claim without finishing the task: it stays
// pending, eligible for re-dispatch.
func (u *Updater) Fail(ctx context.Context, runID string, taskID int) error {
	run, err := u.registry.Get(ctx, runID)
	if err != nil {
		return err
	}

	lock := u.registry.RunLock(run.ID)
	lock.Lock()
	defer lock.Unlock()

	if taskID < 0 || taskID >= len(run.Tasks) {
		return nil
	}
	task := &run.Tasks[taskID]
	if !task.Active || !task.Pending {
		return nil
	}
	task.Scavenge()
	metrics.ActiveTasks.Dec()
	return u.registry.Buffer(ctx, run, true)
}

// foldSPSA applies an SPSA feedback round: when the worker's report covers
// exactly the expected pair count, fold its stored w/b perturbation into
// theta and advance iter.
func (u *Updater) foldSPSA(run *domain.Run, task *domain.Task, report domain.SPSAReport) {
	cfg := run.Args.SPSA
	expected := report.Wins + report.Losses + report.Draws
	if expected == 0 || report.NumGames != expected {
		return
	}

	pert := u.sessions.Consume(run.ID, task.WorkerInfo.WorkerKey(), *cfg)
	stats.UpdateTheta(cfg, pert, report)
	cfg.Iter += report.NumGames / 2
	u.sessions.Drop(run.ID, task.WorkerInfo.WorkerKey())

	freq := 100
	if n := len(cfg.Params); n > 0 && 25*n > freq {
		freq = 25 * n
	}
	maxSnapshots := 250000 / freq
	if cfg.Iter/freq < maxSnapshots {
		maxSnapshots = cfg.Iter / freq
	}
	if len(cfg.ParamHistory) < maxSnapshots {
		thetas := make([]float64, len(cfg.Params))
		for i, p := range cfg.Params {
			thetas[i] = p.Theta
		}
		cfg.ParamHistory = append(cfg.ParamHistory, domain.SPSASnapshot{Iter: cfg.Iter, Thetas: thetas})
	}
}

// updateSPRT recomputes llr over the aggregated results, folds it into
// the overshoot record (whose one legal granularity is exactly batch_size
// pairs per observation — a worker batching several updates together
// invalidates the record, and the run continues on unadjusted bounds),
// and checks for a decision. Returns a non-empty stop reason once
// accepted or rejected.
func (u *Updater) updateSPRT(run *domain.Run) string {
	sprt := run.Args.SPRT
	agg := registry.Aggregate(run)

	r := pentanomialOrTrinomial(agg)
	elo0, elo1 := sprt.Elo0, sprt.Elo1
	if sprt.EloModel == domain.EloModelBayesElo {
		drawelo := stats.DrawElo(float64(agg.Wins), float64(agg.Draws), float64(agg.Losses))
		elo0, elo1 = stats.MapBayesEloBounds(sprt.Elo0, sprt.Elo1, drawelo)
	}

	llr := stats.GLR(r, elo0, elo1)
	sampleCount := agg.GameCount() / 2
	sprt.Overshoot = stats.UpdateOvershoot(sprt.Overshoot, llr, sampleCount, sprt.BatchSize)
	sprt.LLR = llr

	adjLower, adjUpper := stats.AdjustedBounds(sprt.LowerBound, sprt.UpperBound, sprt.Overshoot)

	switch {
	case llr > adjUpper:
		sprt.State = domain.SPRTAccepted
		return "sprt accepted"
	case llr < adjLower:
		sprt.State = domain.SPRTRejected
		return "sprt rejected"
	default:
		sprt.State = domain.SPRTPending
		return ""
	}
}

// pentanomialOrTrinomial returns the frequency vector GLR expects: the
// pentanomial distribution when every contributing task reported one
// (aggregate already dropped it otherwise), else the (L,D,W) trinomial.
func pentanomialOrTrinomial(s domain.Stats) []float64 {
	if s.Pentanomial != nil {
		out := make([]float64, 5)
		for i, v := range s.Pentanomial {
			out[i] = float64(v)
		}
		return out
	}
	return []float64{float64(s.Losses), float64(s.Draws), float64(s.Wins)}
}

func anyTaskLive(tasks []domain.Task) bool {
	for i := range tasks {
		if tasks[i].Pending || tasks[i].Active {
			return true
		}
	}
	return false
}

