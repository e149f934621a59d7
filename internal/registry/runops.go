package registry

import (
	"context"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"

	"github.com/fishtest-net/orchestrator/internal/domain"
	"github.com/fishtest-net/orchestrator/internal/infra/metrics"
)

// StopRun finishes a run: drop tasks that never reported stats, release
// every claim, clear any SPSA session state, consult the Purger when
// auto_purge is set on a non-SPSA run, then mark the run finished and
// persist. A purge that actually evicted tasks
// reopens the run instead (finished=false, fresh chunks regenerated by the
// Purger), so it re-enters scheduling and stops again later. requestedBy
// is the user who issued the stop, logged on the action entry. The
// ApiFacade's "≥1000 cpu-hours" permission gate guards only the worker
// stop_run RPC; the submitter stop route and the TaskUpdater's own stops
// call this without it.
func (g *RunRegistry) StopRun(ctx context.Context, run *domain.Run, requestedBy, reason string) error {
	lock := g.RunLock(run.ID)
	lock.Lock()
	defer lock.Unlock()

	kept := run.Tasks[:0]
	for _, t := range run.Tasks {
		if t.Stats.GameCount() == 0 {
			continue // nothing played: drop rather than persist a dead chunk
		}
		t.Pending = false
		t.Active = false
		kept = append(kept, t)
	}
	run.Tasks = kept

	g.mu.RLock()
	sessions := g.sessions
	g.mu.RUnlock()
	if sessions != nil {
		sessions.Clear(run.ID)
	}

	if run.Args.AutoPurge && !run.Args.IsSPSA() {
		g.mu.RLock()
		purger := g.purger
		g.mu.RUnlock()
		if purger != nil {
			purged, err := purger.Purge(run)
			if err != nil {
				return fmt.Errorf("registry: purge on stop: %w", err)
			}
			if purged {
				// The Purger evicted a contaminated worker's tasks,
				// regenerated replacement chunks and set finished=false;
				// the run goes back to the dispatcher instead of stopping.
				if err := g.Buffer(ctx, run, true); err != nil {
					return err
				}
				g.logAction(ctx, requestedBy, domain.ActionPurgeRun, map[string]any{"run_id": run.ID})
				return nil
			}
		}
	}

	run.Results = Aggregate(run)
	run.ResultsStale = false
	run.Finished = true
	run.StopReason = reason

	ApplyResultStyle(run)

	if err := g.Buffer(ctx, run, true); err != nil {
		return err
	}
	log.Printf("[registry] run %s stopped after %s games: %s",
		run.ID, humanize.Comma(int64(run.Results.GameCount())), reason)
	g.accrueCPUHours(ctx, run)
	g.logAction(ctx, requestedBy, domain.ActionStopRun, map[string]any{"run_id": run.ID, "message": reason})
	metrics.RunsStopped.WithLabelValues(stopMetricLabel(reason)).Inc()
	if g.notifier != nil {
		g.notifier.RunFinished(ctx, run)
	}
	return nil
}

// Approve marks run approved by approver. A submitter may never approve
// their own run.
func (g *RunRegistry) Approve(ctx context.Context, run *domain.Run, approver string) error {
	if approver == run.Args.Username {
		return domain.ErrSelfApproval
	}
	lock := g.RunLock(run.ID)
	lock.Lock()
	defer lock.Unlock()

	run.Approved = true
	run.ApprovedBy = approver
	if err := g.Buffer(ctx, run, true); err != nil {
		return err
	}
	g.logAction(ctx, approver, domain.ActionApproveRun, map[string]any{"run_id": run.ID})
	return nil
}

// modifiableFields is the allow-list of RunArgs fields an in-flight run may
// still change after creation; everything else is immutable once tasks
// have been generated against it.
var modifiableFields = map[string]bool{
	"priority":   true,
	"throughput": true,
	"auto_purge": true,
}

// Modify applies a field->value diff to run.Args, rejecting any field
// outside modifiableFields.
func (g *RunRegistry) Modify(ctx context.Context, run *domain.Run, requestedBy string, diff map[string]any) error {
	for field := range diff {
		if !modifiableFields[field] {
			return domain.NewValidationError(field, domain.ErrImmutableField)
		}
	}

	lock := g.RunLock(run.ID)
	lock.Lock()
	defer lock.Unlock()

	for field, v := range diff {
		switch field {
		case "priority":
			if n, ok := toInt(v); ok {
				run.Args.Priority = n
			}
		case "throughput":
			if n, ok := toInt(v); ok {
				run.Args.Throughput = n
			}
		case "auto_purge":
			if b, ok := v.(bool); ok {
				run.Args.AutoPurge = b
			}
		}
	}
	if err := g.Buffer(ctx, run, true); err != nil {
		return err
	}
	g.logAction(ctx, requestedBy, domain.ActionModifyRun, map[string]any{"run_id": run.ID, "diff": diff})
	return nil
}

// UnfinishedRuns returns every cached-or-loaded unfinished, non-deleted run,
// the data the Dispatcher's candidate-list rebuild folds
// sum_cores/itp over. Runs already in the write-through cache are returned
// from there (so an in-flight task claim is visible immediately); the
// remainder are loaded from the Store and cached.
func (g *RunRegistry) UnfinishedRuns(ctx context.Context) ([]*domain.Run, error) {
	stored, err := g.store.FindUnfinishedRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: unfinished runs: %w", err)
	}

	g.mu.Lock()
	out := make([]*domain.Run, 0, len(stored))
	seen := make(map[string]bool, len(stored))
	for _, run := range stored {
		seen[run.ID] = true
		if e, ok := g.cache[run.ID]; ok {
			out = append(out, e.run)
			continue
		}
		g.cache[run.ID] = &cacheEntry{run: run}
		out = append(out, run)
	}
	// A run may have been created (and cached) since the Store snapshot was
	// taken but not yet flushed; include it too.
	for id, e := range g.cache {
		if !seen[id] && !e.run.Finished && !e.run.Deleted {
			out = append(out, e.run)
		}
	}
	g.mu.Unlock()

	return out, nil
}

// DeleteRun marks run deleted, persists synchronously, and drops it from
// the cache so future Get/UnfinishedRuns calls miss through to the Store.
// The Store keeps the row with deleted=true: Get reloads the run marked
// deleted, and UnfinishedRuns no longer returns it.
func (g *RunRegistry) DeleteRun(ctx context.Context, run *domain.Run, requestedBy string) error {
	lock := g.RunLock(run.ID)
	lock.Lock()
	run.Deleted = true
	err := g.Buffer(ctx, run, true)
	lock.Unlock()
	if err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.cache, run.ID)
	g.mu.Unlock()

	g.logAction(ctx, requestedBy, domain.ActionDeleteRun, map[string]any{"run_id": run.ID})
	return nil
}

// PurgeRun triggers an out-of-band purge (the submitter-facing purge_run
// action, distinct from the automatic purge StopRun invokes when
// auto_purge is set): it re-runs the same Purger consultation StopRun uses,
// regardless of the run's auto_purge flag or finished state.
func (g *RunRegistry) PurgeRun(ctx context.Context, run *domain.Run, requestedBy string) (bool, error) {
	g.mu.RLock()
	purger := g.purger
	g.mu.RUnlock()
	if purger == nil {
		return false, nil
	}

	lock := g.RunLock(run.ID)
	lock.Lock()
	defer lock.Unlock()

	purged, err := purger.Purge(run)
	if err != nil {
		return false, fmt.Errorf("registry: purge run: %w", err)
	}
	if purged {
		if err := g.Buffer(ctx, run, true); err != nil {
			return false, err
		}
		g.logAction(ctx, requestedBy, domain.ActionPurgeRun, map[string]any{"run_id": run.ID})
	}
	return purged, nil
}

// stopMetricLabel buckets a free-form stop reason into the small label set
// metrics.RunsStopped tracks, so a submitter's freeform stop message can
// never blow up Prometheus label cardinality.
func stopMetricLabel(reason string) string {
	switch reason {
	case "sprt accepted":
		return "sprt_accepted"
	case "sprt rejected":
		return "sprt_rejected"
	case "all tasks finished":
		return "all_tasks_finished"
	default:
		return "manual_stop"
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
