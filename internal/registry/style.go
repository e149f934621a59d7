package registry

import (
	"github.com/fishtest-net/orchestrator/internal/domain"
	"github.com/fishtest-net/orchestrator/internal/stats"
)

// ApplyResultStyle implements the result-styling rule: it sets
// run.IsGreen/IsYellow/IsBlue from the run's kind and aggregated results.
// These flags are also what RunRegistry.stop persists so the out-of-scope
// HTML front-end can render a run list without recomputing statistics.
func ApplyResultStyle(run *domain.Run) {
	run.IsGreen, run.IsYellow, run.IsBlue = false, false, false

	switch {
	case run.Args.IsSPRT():
		styleSPRT(run)
	case run.Args.IsFixed():
		styleFixedGames(run)
	// SPSA runs have no color.
	default:
	}
}

func styleSPRT(run *domain.Run) {
	sprt := run.Args.SPRT
	switch sprt.State {
	case domain.SPRTAccepted:
		if sprt.Elo0+sprt.Elo1 >= 0 {
			run.IsGreen = true
		} else {
			run.IsBlue = true
		}
	case domain.SPRTRejected:
		if run.Results.Wins > run.Results.Losses {
			run.IsYellow = true
		}
		// else: red, which is simply "neither green, blue nor yellow" here.
	default:
		// state="" (pending): no color.
	}
}

func styleFixedGames(run *domain.Run) {
	if run.Results.GameCount() == 0 {
		return
	}
	est := stats.EstimateElo(trinomialScoreTally(run.Results))
	if est.LOS > 0.95 {
		run.IsGreen = true
	} else if est.LOS < 0.05 {
		run.IsYellow = true
	}
}

// trinomialScoreTally expands a (losses, draws, wins) tally into the
// half-point score vector EstimateElo expects (index i represents a score
// of i/2 points).
func trinomialScoreTally(s domain.Stats) []float64 {
	return []float64{float64(s.Losses), float64(s.Draws), float64(s.Wins)}
}
