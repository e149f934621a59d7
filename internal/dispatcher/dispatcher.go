// Package dispatcher implements the Dispatcher component:
// matching a worker's declared capabilities to a pending chunk of a
// candidate run, enforcing per-IP/machine limits, and maintaining the
// priority-sorted candidate-run ranking the selection loop walks.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fishtest-net/orchestrator/internal/domain"
	"github.com/fishtest-net/orchestrator/internal/infra/dsa"
	"github.com/fishtest-net/orchestrator/internal/infra/metrics"
	"github.com/fishtest-net/orchestrator/internal/registry"
)

// UserLookup resolves a username to its account record, used only for the
// per-user machine-limit override.
type UserLookup interface {
	FindUser(ctx context.Context, username string) (*domain.User, error)
}

// Config controls the dispatcher's caching and concurrency behavior.
type Config struct {
	// CacheTTL bounds how often the candidate-run ranking is rebuilt from
	// scratch.
	CacheTTL time.Duration
	// ConcurrentRequests caps simultaneous Request calls; callers beyond
	// the cap get {task_waiting:false} immediately rather than queueing.
	ConcurrentRequests int
	// Now is an injectable clock.
	Now func() time.Time
}

// DefaultConfig returns a 60-second candidate cache and a 4-slot
// concurrency cap.
func DefaultConfig() Config {
	return Config{CacheTTL: 60 * time.Second, ConcurrentRequests: 4, Now: time.Now}
}

// Result is what Request returns to the ApiFacade.
type Result struct {
	Run             *domain.Run
	TaskID          int
	TaskWaiting     bool
	HitMachineLimit bool
}

// Dispatcher matches workers to pending chunks of candidate runs.
type Dispatcher struct {
	cfg      Config
	registry *registry.RunRegistry
	users    UserLookup

	sem chan struct{} // non-blocking admission cap
	mu  sync.Mutex    // serializes candidate rebuild + selection

	candidates   *dsa.Heap
	lastRebuilt  time.Time
	haveBuiltMap bool

	memoMu sync.Mutex
	memo   map[string]*dsa.BloomFilter // worker_key -> compiled-run set
}

// New creates a Dispatcher over registry, using users to resolve per-user
// machine-limit overrides.
func New(reg *registry.RunRegistry, users UserLookup, cfg Config) *Dispatcher {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.ConcurrentRequests <= 0 {
		cfg.ConcurrentRequests = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		cfg:        cfg,
		registry:   reg,
		users:      users,
		sem:        make(chan struct{}, cfg.ConcurrentRequests),
		candidates: dsa.NewHeap(lessCandidate),
		memo:       make(map[string]*dsa.BloomFilter),
	}
}

// candidateInfo is the cached ranking key for one unfinished run.
type candidateInfo struct {
	run      *domain.Run
	priority int
	cores    int
	itp      float64
}

// lessCandidate implements the candidate sort key: (-priority, cores/itp,
// -itp, run_id) ascending — highest priority first, then the run most
// under-served relative to its weight, tie-broken by highest itp, then by
// run id for determinism.
func lessCandidate(a, b dsa.HeapItem) bool {
	ca := a.Value.(candidateInfo)
	cb := b.Value.(candidateInfo)
	if ca.priority != cb.priority {
		return ca.priority > cb.priority // higher priority sorts first
	}
	ra := ratio(ca.cores, ca.itp)
	rb := ratio(cb.cores, cb.itp)
	if ra != rb {
		return ra < rb
	}
	if ca.itp != cb.itp {
		return ca.itp > cb.itp
	}
	return a.Key < b.Key
}

func ratio(cores int, itp float64) float64 {
	if itp <= 0 {
		return math.Inf(1)
	}
	return float64(cores) / itp
}

// Request matches a worker's declared capabilities to a pending chunk of
// the best-ranked eligible run, or reports that no work is available.
func (d *Dispatcher) Request(ctx context.Context, w domain.WorkerInfo) (Result, error) {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	default:
		return Result{TaskWaiting: false}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.refreshCandidatesLocked(ctx); err != nil {
		return Result{}, err
	}

	limit, err := d.machineLimit(ctx, w.Username)
	if err != nil {
		return Result{}, err
	}
	if d.activeTasksFromAddr(w.RemoteAddr) >= limit {
		metrics.MachineLimitHits.Inc()
		return Result{TaskWaiting: false, HitMachineLimit: true}, nil
	}

	snapshot := d.candidates.Snapshot()
	lowBudget := w.LowGithubAPI

	for _, item := range snapshot {
		ci := item.Value.(candidateInfo)
		run := ci.run
		if !d.eligible(run, w, lowBudget) {
			continue
		}

		limitCores := math.MaxInt
		if run.Args.IsSPSA() {
			n := len(run.Args.SPSA.Params)
			if n > 0 {
				limitCores = int(40000 / math.Sqrt(float64(n)))
			}
		}

		activeCores := 0
		for i := range run.Tasks {
			t := &run.Tasks[i]
			if t.Active {
				activeCores += t.WorkerInfo.Concurrency
				continue
			}
			if !t.IsUnclaimed() {
				continue
			}
			if activeCores+w.Concurrency > limitCores {
				break
			}
			t.Claim(w, d.cfg.Now())
			if err := d.registry.Buffer(ctx, run, false); err != nil {
				return Result{}, fmt.Errorf("dispatcher: buffer claim: %w", err)
			}
			d.rememberCompiled(w.WorkerKey(), run.ID)
			d.candidates.Push(dsa.HeapItem{
				Key:   run.ID,
				Value: candidateInfo{run: run, priority: ci.priority, cores: activeCores + w.Concurrency, itp: ci.itp},
			})
			metrics.TasksClaimed.Inc()
			metrics.ActiveTasks.Inc()
			return Result{Run: run, TaskID: i}, nil
		}
	}

	metrics.TaskWaiting.Inc()
	return Result{TaskWaiting: false}, nil
}

// eligible applies the per-run admission checks.
func (d *Dispatcher) eligible(run *domain.Run, w domain.WorkerInfo, lowBudget bool) bool {
	if !run.Approved {
		return false
	}
	if run.Args.Threads < w.MinThreads || run.Args.Threads > w.Concurrency {
		return false
	}
	if ttMemoryDemand(run, w) > w.MaxMemory {
		return false
	}
	if lowBudget && !d.hasCompiled(w.WorkerKey(), run.ID) {
		return false
	}
	return true
}

// ttMemoryDemand computes the combined hash-table memory both engines need
// when packed worker.concurrency/threads-ways onto one machine:
// (new_hash + base_hash) * (concurrency / threads).
func ttMemoryDemand(run *domain.Run, w domain.WorkerInfo) int {
	if run.Args.Threads <= 0 {
		return math.MaxInt
	}
	instances := w.Concurrency / run.Args.Threads
	return (run.Args.NewOptions.Hash + run.Args.BaseOptions.Hash) * instances
}

// refreshCandidatesLocked rebuilds the candidate ranking from the registry
// if the cache has expired. Caller must hold d.mu.
func (d *Dispatcher) refreshCandidatesLocked(ctx context.Context) error {
	now := d.cfg.Now()
	if d.haveBuiltMap && now.Sub(d.lastRebuilt) < d.cfg.CacheTTL {
		return nil
	}
	rebuildStart := time.Now()
	defer func() { metrics.CandidateRebuildSeconds.Observe(time.Since(rebuildStart).Seconds()) }()

	runs, err := d.registry.UnfinishedRuns(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: refresh candidates: %w", err)
	}

	fresh := dsa.NewHeap(lessCandidate)
	for _, run := range runs {
		if run.Finished || run.Deleted {
			continue
		}
		itp := d.registry.CalcITP(run)
		cores := registry.SumCores(run)
		fresh.Push(dsa.HeapItem{
			Key:   run.ID,
			Value: candidateInfo{run: run, priority: run.Args.Priority, cores: cores, itp: itp},
		})
	}
	d.candidates = fresh
	d.lastRebuilt = now
	d.haveBuiltMap = true
	return nil
}

// machineLimit resolves the effective per-user machine limit.
func (d *Dispatcher) machineLimit(ctx context.Context, username string) (int, error) {
	if d.users == nil {
		return domain.DefaultMachineLimit, nil
	}
	u, err := d.users.FindUser(ctx, username)
	if err != nil {
		return domain.DefaultMachineLimit, nil // unknown user: fall back to default, auth already happened upstream
	}
	return u.EffectiveMachineLimit(), nil
}

// activeTasksFromAddr counts active tasks across every candidate run whose
// worker_info.remote_addr matches addr.
func (d *Dispatcher) activeTasksFromAddr(addr string) int {
	if addr == "" {
		return 0
	}
	count := 0
	for _, item := range d.candidates.Snapshot() {
		ci := item.Value.(candidateInfo)
		for i := range ci.run.Tasks {
			t := &ci.run.Tasks[i]
			if t.Active && t.WorkerInfo.RemoteAddr == addr {
				count++
			}
		}
	}
	return count
}

func (d *Dispatcher) rememberCompiled(workerKey, runID string) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	bf, ok := d.memo[workerKey]
	if !ok {
		bf = dsa.NewBloomFilter(dsa.DefaultBloomConfig())
		d.memo[workerKey] = bf
	}
	bf.Add(runID)
}

func (d *Dispatcher) hasCompiled(workerKey, runID string) bool {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	bf, ok := d.memo[workerKey]
	if !ok {
		return false
	}
	return bf.Contains(runID)
}
