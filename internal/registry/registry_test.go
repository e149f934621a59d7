package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu    sync.Mutex
	runs  map[string]*domain.Run
	users map[string]*domain.User
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[string]*domain.Run), users: make(map[string]*domain.User)}
}

func (f *fakeStore) UpsertRun(ctx context.Context, run *domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) FindRun(ctx context.Context, id string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) FindUnfinishedRuns(ctx context.Context) ([]*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Run
	for _, r := range f.runs {
		if !r.Finished && !r.Deleted {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteRun(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	r.Deleted = true
	return nil
}

func (f *fakeStore) UpsertUser(ctx context.Context, u *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.Username] = u
	return nil
}
func (f *fakeStore) FindUser(ctx context.Context, username string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}
func (f *fakeStore) InsertAction(ctx context.Context, a *domain.Action) error { return nil }
func (f *fakeStore) FindActions(ctx context.Context, u string, limit int) ([]*domain.Action, error) {
	return nil, nil
}
func (f *fakeStore) UpsertPGN(ctx context.Context, key string, data []byte) error { return nil }
func (f *fakeStore) FindPGN(ctx context.Context, key string) ([]byte, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeStore) Close() error { return nil }

type fakeNotifier struct {
	mu      sync.Mutex
	notified []string
}

func (n *fakeNotifier) RunFinished(ctx context.Context, run *domain.Run) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, run.ID)
}

func baseArgs() domain.RunArgs {
	return domain.RunArgs{
		Username:      "alice",
		TC:            "10+0.1",
		Threads:       1,
		Throughput:    100,
		BaseSignature: 1000,
		NewSignature:  1000,
		FixedGames:    400,
	}
}

// ─── Create / Get ───────────────────────────────────────────────────────────

func TestCreate_RejectsInvalidTC(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	args := baseArgs()
	args.TC = "not-a-tc"
	if _, err := reg.Create(context.Background(), args); err == nil {
		t.Error("Create() with invalid tc should fail")
	}
}

func TestCreate_RequiresExactlyOneTestKind(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	args := baseArgs()
	args.SPRT = &domain.SPRTConfig{Elo0: 0, Elo1: 5}
	// FixedGames is also set above: two kinds at once.
	if _, err := reg.Create(context.Background(), args); err == nil {
		t.Error("Create() with both sprt and fixed_games should fail")
	}
}

func TestCreate_PersistsAndCachesRun(t *testing.T) {
	store := newFakeStore()
	reg := New(store, &fakeNotifier{}, DefaultConfig())

	id, err := reg.Create(context.Background(), baseArgs())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := reg.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Args.Username != "alice" {
		t.Errorf("Get() username = %q, want alice", got.Args.Username)
	}
	if len(got.Tasks) != 2 { // 400 games / 200 chunk size
		t.Errorf("Get() tasks = %d, want 2", len(got.Tasks))
	}

	if _, err := store.FindRun(context.Background(), id); err != nil {
		t.Errorf("run should be durably persisted after Create(): %v", err)
	}
}

func TestGet_CacheMissFallsBackToStore(t *testing.T) {
	store := newFakeStore()
	run := &domain.Run{ID: "r1", Args: baseArgs()}
	store.UpsertRun(context.Background(), run)

	reg := New(store, &fakeNotifier{}, DefaultConfig())
	got, err := reg.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ID != "r1" {
		t.Errorf("Get() = %+v, want id=r1", got)
	}
}

func TestGet_MissingReturnsError(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	if _, err := reg.Get(context.Background(), "nope"); err != domain.ErrRunNotFound {
		t.Errorf("Get() error = %v, want ErrRunNotFound", err)
	}
}

// ─── Buffer ─────────────────────────────────────────────────────────────────

func TestBuffer_SyncFlushPersistsImmediately(t *testing.T) {
	store := newFakeStore()
	reg := New(store, &fakeNotifier{}, DefaultConfig())

	run := &domain.Run{ID: "r2", Args: baseArgs()}
	if err := reg.Buffer(context.Background(), run, true); err != nil {
		t.Fatalf("Buffer() error: %v", err)
	}
	if _, err := store.FindRun(context.Background(), "r2"); err != nil {
		t.Errorf("synchronous buffer should persist immediately: %v", err)
	}
}

func TestBuffer_AsyncLeavesStoreUntouchedUntilFlushed(t *testing.T) {
	store := newFakeStore()
	reg := New(store, &fakeNotifier{}, DefaultConfig())

	run := &domain.Run{ID: "r3", Args: baseArgs()}
	if err := reg.Buffer(context.Background(), run, false); err != nil {
		t.Fatalf("Buffer() error: %v", err)
	}
	if _, err := store.FindRun(context.Background(), "r3"); err == nil {
		t.Error("async buffer should not persist before the coalescing timer fires")
	}

	reg.flushOldestDirty(context.Background())
	if _, err := store.FindRun(context.Background(), "r3"); err != nil {
		t.Errorf("after flushOldestDirty, run should be persisted: %v", err)
	}
}

// ─── estimateGameDuration / CalcITP ─────────────────────────────────────────

func TestEstimateGameDuration_PlainSeconds(t *testing.T) {
	got := estimateGameDuration("10+0.1")
	// (10 + 0.1*68) * 1.84 = 16.8 * 1.84 = 30.912
	want := (10 + 0.1*68) * 1.84
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("estimateGameDuration(10+0.1) = %v, want %v", got, want)
	}
}

func TestEstimateGameDuration_MinutesSeconds(t *testing.T) {
	got := estimateGameDuration("1:00+1")
	want := (60 + 1*68) * 1.84
	if diff := got - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("estimateGameDuration(1:00+1) = %v, want %v", got, want)
	}
}

func TestEstimateGameDuration_MovesPerSession(t *testing.T) {
	got := estimateGameDuration("40/60")
	want := 60 * (68.0 / 40) * 1.84 // 60s per 40 moves, scaled to a 68-move game
	if diff := got - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("estimateGameDuration(40/60) = %v, want %v", got, want)
	}
}

func TestCalcITP_ClampsThroughputRange(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	run := &domain.Run{
		Args:          domain.RunArgs{TC: "10+0.1", Throughput: 10000, Threads: 1, SPRT: &domain.SPRTConfig{}},
		BaseTCSeconds: estimateGameDuration("10+0.1"),
	}
	itp := reg.CalcITP(run)
	if itp <= 0 {
		t.Errorf("CalcITP() = %v, want positive", itp)
	}
	if run.ITP != itp {
		t.Error("CalcITP() should stamp run.ITP")
	}
}

// ─── Aggregate ──────────────────────────────────────────────────────────────

func TestAggregate_SumsAcrossTasks(t *testing.T) {
	run := &domain.Run{Tasks: []domain.Task{
		{NumGames: 200, Stats: domain.Stats{Wins: 10, Losses: 5, Draws: 3}},
		{NumGames: 200, Stats: domain.Stats{Wins: 8, Losses: 9, Draws: 2}},
		{NumGames: 200, Pending: true}, // never reported: excluded
	}}
	got := Aggregate(run)
	if got.Wins != 18 || got.Losses != 14 || got.Draws != 5 {
		t.Errorf("Aggregate() = %+v, want wins=18 losses=14 draws=5", got)
	}
}

func TestAggregate_PentanomialRequiresAllTasksToHaveIt(t *testing.T) {
	p := [5]int{1, 2, 3, 4, 5}
	run := &domain.Run{Tasks: []domain.Task{
		{Stats: domain.Stats{Wins: 1, Pentanomial: &p}},
		{Stats: domain.Stats{Wins: 1}}, // no pentanomial
	}}
	got := Aggregate(run)
	if got.Pentanomial != nil {
		t.Error("Aggregate() should drop pentanomial when any reporting task lacks one")
	}
}

// ─── SumCores ───────────────────────────────────────────────────────────────

func TestSumCores_OnlyCountsActiveTasks(t *testing.T) {
	run := &domain.Run{Tasks: []domain.Task{
		{Active: true, WorkerInfo: domain.WorkerInfo{Concurrency: 4}},
		{Active: false, WorkerInfo: domain.WorkerInfo{Concurrency: 8}},
		{Active: true, WorkerInfo: domain.WorkerInfo{Concurrency: 2}},
	}}
	if got := SumCores(run); got != 6 {
		t.Errorf("SumCores() = %d, want 6", got)
	}
}

// ─── StopRun / Approve ──────────────────────────────────────────────────────

func TestStopRun_DropsNeverReportedTasksAndFinishes(t *testing.T) {
	store := newFakeStore()
	notif := &fakeNotifier{}
	reg := New(store, notif, DefaultConfig())

	run := &domain.Run{
		ID:   "r4",
		Args: baseArgs(),
		Tasks: []domain.Task{
			{NumGames: 200, Stats: domain.Stats{Wins: 100, Losses: 90, Draws: 10}},
			{NumGames: 200, Pending: true, Active: true}, // claimed but never reported
		},
	}
	if err := reg.StopRun(context.Background(), run, "bob", "fixed games reached"); err != nil {
		t.Fatalf("StopRun() error: %v", err)
	}
	if !run.Finished {
		t.Error("StopRun() should mark the run finished")
	}
	if len(run.Tasks) != 1 {
		t.Errorf("StopRun() tasks = %d, want 1 (never-reported chunk dropped)", len(run.Tasks))
	}
	if run.Results.GameCount() != 200 {
		t.Errorf("StopRun() results game count = %d, want 200", run.Results.GameCount())
	}

	notif.mu.Lock()
	defer notif.mu.Unlock()
	if len(notif.notified) != 1 || notif.notified[0] != "r4" {
		t.Errorf("StopRun() should notify once for r4, got %v", notif.notified)
	}
}

func TestStopRun_ClearsPendingAndActiveOnKeptTasks(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	run := &domain.Run{
		ID:   "r10",
		Args: baseArgs(),
		Tasks: []domain.Task{
			{NumGames: 200, Pending: true, Active: true, Stats: domain.Stats{Wins: 50, Losses: 50}},
		},
	}
	if err := reg.StopRun(context.Background(), run, "bob", "stopped"); err != nil {
		t.Fatalf("StopRun() error: %v", err)
	}
	for i, task := range run.Tasks {
		if task.Pending || task.Active {
			t.Errorf("task %d after StopRun = pending=%v active=%v, want false/false", i, task.Pending, task.Active)
		}
	}
}

type reopeningPurger struct{ calls int }

func (p *reopeningPurger) Purge(run *domain.Run) (bool, error) {
	p.calls++
	run.Finished = false
	run.ResultsStale = true
	return true, nil
}

func TestStopRun_PurgeReopensRunInsteadOfFinishing(t *testing.T) {
	notif := &fakeNotifier{}
	reg := New(newFakeStore(), notif, DefaultConfig())
	purger := &reopeningPurger{}
	reg.SetPurger(purger)

	args := baseArgs()
	args.AutoPurge = true
	run := &domain.Run{
		ID:   "r11",
		Args: args,
		Tasks: []domain.Task{
			{NumGames: 200, Stats: domain.Stats{Wins: 190, Losses: 5, Draws: 5}},
		},
	}
	if err := reg.StopRun(context.Background(), run, "bob", "fixed games reached"); err != nil {
		t.Fatalf("StopRun() error: %v", err)
	}
	if purger.calls != 1 {
		t.Errorf("purger consulted %d times, want exactly once", purger.calls)
	}
	if run.Finished {
		t.Error("a purged run should re-enter scheduling, not finish")
	}
	notif.mu.Lock()
	defer notif.mu.Unlock()
	if len(notif.notified) != 0 {
		t.Errorf("a purged run must not notify, got %v", notif.notified)
	}
}

type recordingClearer struct {
	mu      sync.Mutex
	cleared []string
}

func (c *recordingClearer) Clear(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, runID)
}

func TestStopRun_ClearsSPSASessions(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	clearer := &recordingClearer{}
	reg.SetSessionClearer(clearer)

	run := &domain.Run{ID: "r12", Args: baseArgs()}
	if err := reg.StopRun(context.Background(), run, "bob", "stopped"); err != nil {
		t.Fatalf("StopRun() error: %v", err)
	}
	clearer.mu.Lock()
	defer clearer.mu.Unlock()
	if len(clearer.cleared) != 1 || clearer.cleared[0] != "r12" {
		t.Errorf("session store cleared for %v, want [r12]", clearer.cleared)
	}
}

func TestCreate_SPRTStartsWithValidOvershootRecord(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	args := baseArgs()
	args.FixedGames = 0
	args.SPRT = &domain.SPRTConfig{Elo0: 0, Elo1: 5, EloModel: domain.EloModelLogistic}

	id, err := reg.Create(context.Background(), args)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	run, err := reg.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !run.Args.SPRT.Overshoot.Valid {
		t.Error("a fresh SPRT run should start with a valid overshoot record")
	}
	if run.Args.SPRT.UpperBound <= 0 || run.Args.SPRT.LowerBound >= 0 {
		t.Errorf("bounds = [%v, %v], want negative lower / positive upper",
			run.Args.SPRT.LowerBound, run.Args.SPRT.UpperBound)
	}
}

func TestCreate_ParsesRawOptionStrings(t *testing.T) {
	store := newFakeStore()
	reg := New(store, &fakeNotifier{}, DefaultConfig())
	args := baseArgs()
	args.NewOptions = domain.Options{Raw: "Hash=128 Threads=1 Use NNUE=true"}
	args.BaseOptions = domain.Options{Raw: "Hash=64"}

	id, err := reg.Create(context.Background(), args)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	run, _ := reg.Get(context.Background(), id)
	if run.Args.NewOptions.Hash != 128 || run.Args.BaseOptions.Hash != 64 {
		t.Errorf("parsed hash = new=%d base=%d, want 128/64",
			run.Args.NewOptions.Hash, run.Args.BaseOptions.Hash)
	}
}

func TestApprove_RejectsSelfApproval(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	run := &domain.Run{ID: "r5", Args: baseArgs()}
	if err := reg.Approve(context.Background(), run, "alice"); err != domain.ErrSelfApproval {
		t.Errorf("Approve() by submitter error = %v, want ErrSelfApproval", err)
	}
}

func TestApprove_AllowsOtherUser(t *testing.T) {
	store := newFakeStore()
	reg := New(store, &fakeNotifier{}, DefaultConfig())
	run := &domain.Run{ID: "r6", Args: baseArgs()}
	if err := reg.Approve(context.Background(), run, "bob"); err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if !run.Approved || run.ApprovedBy != "bob" {
		t.Errorf("Approve() = approved=%v by=%q, want true/bob", run.Approved, run.ApprovedBy)
	}
}

// ─── BlockUser ──────────────────────────────────────────────────────────────

func TestBlockUser_SetsBlockedFlag(t *testing.T) {
	store := newFakeStore()
	store.users["mallory"] = &domain.User{Username: "mallory"}
	reg := New(store, &fakeNotifier{}, DefaultConfig())

	if err := reg.BlockUser(context.Background(), "mallory", true, "admin"); err != nil {
		t.Fatalf("BlockUser() error: %v", err)
	}
	if !store.users["mallory"].Blocked {
		t.Error("BlockUser() should persist blocked=true")
	}

	if err := reg.BlockUser(context.Background(), "mallory", false, "admin"); err != nil {
		t.Fatalf("BlockUser() unblock error: %v", err)
	}
	if store.users["mallory"].Blocked {
		t.Error("BlockUser() should be able to clear the flag again")
	}
}

func TestBlockUser_UnknownUserFails(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	if err := reg.BlockUser(context.Background(), "ghost", true, "admin"); err != domain.ErrUserNotFound {
		t.Errorf("BlockUser() error = %v, want ErrUserNotFound", err)
	}
}

// ─── Modify ─────────────────────────────────────────────────────────────────

func TestModify_RejectsFieldOutsideAllowList(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	run := &domain.Run{ID: "r7", Args: baseArgs()}
	err := reg.Modify(context.Background(), run, "alice", map[string]any{"tc": "5+0.05"})
	ve, ok := err.(*domain.ValidationError)
	if !ok || ve.Unwrap() != domain.ErrImmutableField {
		t.Errorf("Modify() of tc error = %v, want ErrImmutableField", err)
	}
}

func TestModify_AppliesAllowedFields(t *testing.T) {
	reg := New(newFakeStore(), &fakeNotifier{}, DefaultConfig())
	run := &domain.Run{ID: "r8", Args: baseArgs()}
	if err := reg.Modify(context.Background(), run, "alice", map[string]any{"priority": 5, "auto_purge": true}); err != nil {
		t.Fatalf("Modify() error: %v", err)
	}
	if run.Args.Priority != 5 || !run.Args.AutoPurge {
		t.Errorf("Modify() = priority=%d auto_purge=%v, want 5/true", run.Args.Priority, run.Args.AutoPurge)
	}
}

// ─── Start/Shutdown lifecycle ───────────────────────────────────────────────

func TestShutdown_FlushesDirtyRunsBestEffort(t *testing.T) {
	store := newFakeStore()
	reg := New(store, &fakeNotifier{}, Config{FlushInterval: time.Hour, Now: time.Now})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)

	run := &domain.Run{ID: "r9", Args: baseArgs()}
	reg.Buffer(context.Background(), run, false)

	reg.Shutdown(context.Background())
	if _, err := store.FindRun(context.Background(), "r9"); err != nil {
		t.Errorf("Shutdown() should flush dirty runs: %v", err)
	}
}
