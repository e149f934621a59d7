package stats

import (
	"testing"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

func mkTask(username string, concurrency int, wins, losses, draws, crashes int) domain.Task {
	return domain.Task{
		WorkerInfo: domain.WorkerInfo{Username: username, Concurrency: concurrency},
		Stats:      domain.Stats{Wins: wins, Losses: losses, Draws: draws, Crashes: crashes},
	}
}

func TestClassifyResidual(t *testing.T) {
	cases := []struct {
		r    float64
		want ResidualColor
	}{
		{0, ResidualGreen},
		{-1.9, ResidualGreen},
		{2.0, ResidualYellow},
		{2.6, ResidualYellow},
		{-2.7, ResidualRed},
		{8.0, ResidualRed},
	}
	for _, c := range cases {
		if got := ClassifyResidual(c.r); got != c.want {
			t.Errorf("ClassifyResidual(%v) = %v, want %v", c.r, got, c.want)
		}
	}
}

func TestTaskResiduals_SingleWorkerIsHomogeneous(t *testing.T) {
	tasks := []domain.Task{mkTask("alice", 4, 50, 40, 10, 0)}
	_, bad, result := TaskResiduals(tasks)
	if !result.Homogene {
		t.Error("a single worker should be declared homogeneous")
	}
	if len(bad) != 0 {
		t.Errorf("a single worker can never be flagged bad, got %v", bad)
	}
}

func TestChiSquare_SingleOutcomeColumnIsHomogeneous(t *testing.T) {
	// Every worker reports only draws: one non-empty outcome column, so the
	// test is degenerate and must declare homogeneity with p=1.
	tasks := []domain.Task{
		mkTask("alice", 4, 0, 0, 50, 0),
		mkTask("bob", 4, 0, 0, 60, 0),
	}
	result := chiSquare(tasks, nil)
	if !result.Homogene {
		t.Error("a one-column table should be declared homogeneous")
	}
	if result.P != 1.0 {
		t.Errorf("p = %v, want 1.0 for a one-column table", result.P)
	}
}

func TestTaskResiduals_CrashesForceResidualEight(t *testing.T) {
	tasks := []domain.Task{
		mkTask("alice", 4, 50, 40, 10, 5),
		mkTask("bob", 4, 45, 45, 10, 0),
	}
	perTask, _, _ := TaskResiduals(tasks)
	if perTask[0].Residual != 8.0 {
		t.Errorf("a task with crashes>3 must get residual=8.0, got %v", perTask[0].Residual)
	}
	if perTask[0].Color != ResidualRed {
		t.Errorf("residual=8.0 must classify red, got %v", perTask[0].Color)
	}
}

func TestTaskResiduals_SkewedWorkerFlaggedBad(t *testing.T) {
	tasks := []domain.Task{
		mkTask("alice", 4, 500, 10, 20, 0),
		mkTask("bob", 4, 90, 95, 20, 0),
		mkTask("carol", 4, 95, 90, 20, 0),
	}
	_, bad, result := TaskResiduals(tasks)
	if result.Homogene {
		t.Fatal("a strongly skewed worker should make the table non-homogeneous")
	}
	if !bad["alice-4cores"] {
		t.Errorf("alice's wildly skewed results should flag her as bad, bad=%v", bad)
	}
}

func TestTaskResiduals_BadUsersCardinalityAtMostOne(t *testing.T) {
	tasks := []domain.Task{
		mkTask("alice", 4, 500, 10, 20, 0),
		mkTask("bob", 4, 5, 500, 20, 0),
		mkTask("carol", 4, 100, 100, 20, 0),
	}
	_, bad, _ := TaskResiduals(tasks)
	if len(bad) > 1 {
		t.Errorf("bad_users cardinality must be at most 1, got %d: %v", len(bad), bad)
	}
}
