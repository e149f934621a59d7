package registry

import (
	"context"
	"fmt"
	"log"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// logAction appends an action-log entry alongside a mutation. A logging
// failure never fails the caller's mutation — the run document is already
// durable by the time this is called.
func (g *RunRegistry) logAction(ctx context.Context, username string, verb domain.ActionVerb, payload map[string]any) {
	a := &domain.Action{
		Timestamp: g.cfg.Now(),
		Username:  username,
		Verb:      verb,
		Payload:   payload,
	}
	if err := g.store.InsertAction(ctx, a); err != nil {
		log.Printf("[registry] action log write failed (verb=%s user=%s): %v", verb, username, err)
	}
}

// BlockUser sets or clears a user's blocked flag and logs the action.
// A blocked user fails authentication on every subsequent RPC, so their
// in-flight claims simply go stale and are scavenged.
func (g *RunRegistry) BlockUser(ctx context.Context, username string, blocked bool, requestedBy string) error {
	u, err := g.store.FindUser(ctx, username)
	if err != nil {
		return err
	}
	u.Blocked = blocked
	if err := g.store.UpsertUser(ctx, u); err != nil {
		return fmt.Errorf("registry: block user %s: %w", username, err)
	}
	g.logAction(ctx, requestedBy, domain.ActionBlockUser, map[string]any{"username": username, "blocked": blocked})
	return nil
}

// accrueCPUHours credits each worker that contributed finished games on
// run with proportional CPU time, used by the stop_run cpu-hours gate.
// Contribution is num_games played at that task's concurrency times the
// run's estimated per-game duration.
func (g *RunRegistry) accrueCPUHours(ctx context.Context, run *domain.Run) {
	perWorker := make(map[string]float64)
	for _, t := range run.Tasks {
		if t.Stats.GameCount() == 0 {
			continue
		}
		username := t.WorkerInfo.Username
		if username == "" {
			continue
		}
		cores := t.WorkerInfo.Concurrency
		if cores <= 0 {
			cores = 1
		}
		hours := float64(t.Stats.GameCount()) * run.BaseTCSeconds * float64(cores) / 3600
		perWorker[username] += hours
	}

	for username, hours := range perWorker {
		u, err := g.store.FindUser(ctx, username)
		if err != nil {
			continue // unknown worker account: nothing to credit
		}
		u.CPUHours += hours
		if err := g.store.UpsertUser(ctx, u); err != nil {
			log.Printf("[registry] cpu-hours accrual for %s failed: %v", username, err)
		}
	}
}
