package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// ResidualColor is the classification a task's residual earns, mirroring the
// three-way worker-health indicator in the run viewer.
type ResidualColor string

const (
	ResidualGreen  ResidualColor = "green"
	ResidualYellow ResidualColor = "yellow"
	ResidualRed    ResidualColor = "red"
)

// ClassifyResidual buckets a residual magnitude: green below 2, yellow
// below 2.7, red otherwise.
func ClassifyResidual(r float64) ResidualColor {
	a := r
	if a < 0 {
		a = -a
	}
	switch {
	case a < 2.0:
		return ResidualGreen
	case a < 2.7:
		return ResidualYellow
	default:
		return ResidualRed
	}
}

// ChiSquareResult is the outcome of one worker-homogeneity test.
type ChiSquareResult struct {
	Chi2      float64
	Dof       int
	P         float64
	Residual  map[string]float64 // worker_key -> max |adjusted residual| across outcome columns
	Homogene  bool                // true when the test was skipped or trivially homogeneous
}

// chiSquare runs the contingency-table χ² test over per-worker (W,L,D)
// tallies, excluding any worker_key present in excluded: aggregate by
// worker, declare homogeneity outright for tables with fewer than 2 rows
// or fewer than 2 non-empty outcome columns, otherwise compute expected
// counts, the adjusted (standardized) residuals, and the χ² statistic with
// its p-value from a gonum χ² distribution.
func chiSquare(tasks []domain.Task, excluded map[string]bool) ChiSquareResult {
	type tally struct {
		key       string
		wins      float64
		losses    float64
		draws     float64
	}
	byKey := map[string]*tally{}
	var order []string
	for _, t := range tasks {
		key := t.WorkerInfo.WorkerKey()
		if excluded[key] {
			continue
		}
		s := t.Stats
		if s.Wins == 0 && s.Losses == 0 && s.Draws == 0 {
			continue
		}
		e, ok := byKey[key]
		if !ok {
			e = &tally{key: key}
			byKey[key] = e
			order = append(order, key)
		}
		e.wins += float64(s.Wins)
		e.losses += float64(s.Losses)
		e.draws += float64(s.Draws)
	}
	sort.Strings(order)

	if len(order) < 2 {
		return ChiSquareResult{Homogene: true, P: 1.0, Residual: map[string]float64{}}
	}

	observed := make([][3]float64, len(order))
	for i, k := range order {
		e := byKey[k]
		observed[i] = [3]float64{e.wins, e.losses, e.draws}
	}

	colSums := [3]float64{}
	for _, row := range observed {
		for c := 0; c < 3; c++ {
			colSums[c] += row[c]
		}
	}
	nonZeroCols := 0
	var cols []int
	for c := 0; c < 3; c++ {
		if colSums[c] > 0 {
			nonZeroCols++
			cols = append(cols, c)
		}
	}
	dof := (len(order) - 1) * (len(cols) - 1)
	if dof < 0 {
		dof = 0
	}

	if nonZeroCols < 2 {
		return ChiSquareResult{Dof: dof, P: 1.0, Homogene: true, Residual: map[string]float64{}}
	}

	rowSums := make([]float64, len(order))
	grandTotal := 0.0
	for i, row := range observed {
		for _, c := range cols {
			rowSums[i] += row[c]
		}
		grandTotal += rowSums[i]
	}
	activeColSums := make([]float64, len(cols))
	for j, c := range cols {
		activeColSums[j] = colSums[c]
	}

	chi2 := 0.0
	residual := map[string]float64{}
	for i, row := range observed {
		maxAbs := 0.0
		for j, c := range cols {
			expected := rowSums[i] * activeColSums[j] / grandTotal
			raw := row[c] - expected
			stdErr := (1 - rowSums[i]/grandTotal) * (1 - activeColSums[j]/grandTotal)
			adj := 0.0
			if expected > 0 && stdErr > 0 {
				adj = raw / math.Sqrt(expected*stdErr)
			}
			if a := absf(adj); a > maxAbs {
				maxAbs = a
			}
			if expected > 0 {
				chi2 += raw * raw / expected
			}
		}
		residual[order[i]] = maxAbs
	}

	p := 1.0
	if dof > 0 {
		p = 1 - distuv.ChiSquared{K: float64(dof)}.CDF(chi2)
	}

	return ChiSquareResult{Chi2: chi2, Dof: dof, P: p, Residual: residual}
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// TaskResidual is the per-task view calculate_residuals produces: the
// residual inherited from the task's owning worker (overridden to 8 when
// the task crashed more than 3 times) plus its color bucket.
type TaskResidual struct {
	Residual float64
	Color    ResidualColor
}

// TaskResiduals replays the original calculate_residuals pass: run the
// unfiltered χ² test once, assign every task its worker's residual
// (crashes>3 forces 8.0 regardless), and — when the test is significant
// (p<0.001) or a single task's residual exceeds 7 — flag the single worst
// worker as bad (at most one worker is ever flagged per pass). The
// returned ChiSquareResult is the initial,
// pre-exclusion test: flagging a worker changes what future updates purge,
// not the statistic already reported for this pass.
func TaskResiduals(tasks []domain.Task) (perTask []TaskResidual, badUsers map[string]bool, final ChiSquareResult) {
	result := chiSquare(tasks, nil)
	perTask = make([]TaskResidual, len(tasks))

	worstKey := ""
	worstResidual := 0.0
	haveWorst := false

	for i, t := range tasks {
		key := t.WorkerInfo.WorkerKey()
		r := result.Residual[key]
		if t.Stats.Crashes > 3 {
			r = 8.0
		}
		perTask[i] = TaskResidual{Residual: r, Color: ClassifyResidual(r)}

		if result.P < 0.001 || r > 7.0 {
			if !haveWorst || r > worstResidual {
				haveWorst = true
				worstKey = key
				worstResidual = r
			}
		}
	}

	badUsers = map[string]bool{}
	if haveWorst {
		badUsers[worstKey] = true
	}
	return perTask, badUsers, result
}
