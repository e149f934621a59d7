package stats

import "math"

// eloEpsilon bounds the score clamped into Elo's domain, guarding the log
// singularity at 0/1.
const eloEpsilon = 1e-3

// Elo converts a score (expected fraction of a point, in [0,1]) to an elo
// difference: elo(x) = -400*log10(1/x - 1), with x clamped to
// [eloEpsilon, 1-eloEpsilon].
func Elo(x float64) float64 {
	if x < eloEpsilon {
		x = eloEpsilon
	}
	if x > 1-eloEpsilon {
		x = 1 - eloEpsilon
	}
	return -400 * math.Log10(1/x-1)
}

// EloEstimate is the display-oriented summary computed for fixed-games runs
// (and shown wherever a run's progress needs a plain elo/CI/LOS readout).
type EloEstimate struct {
	Elo   float64
	CI95  float64 // half-width of the 95% confidence interval, in elo
	LOS   float64 // likelihood of superiority
	Games int
}

// EstimateElo computes elo, its 95% confidence interval and LOS from a
// half-point score tally R of length 2n+1. This is the
// fixed-games and display estimator — distinct from the SPRT's GLR, which
// never needs a point estimate of elo.
func EstimateElo(r []float64) EloEstimate {
	raw := 0.0
	for _, v := range r {
		raw += v
	}
	if raw == 0 {
		return EloEstimate{}
	}
	reg := regularize(r)
	l := len(reg)
	n := 0.0
	for _, v := range reg {
		n += v
	}
	games := n * float64(l-1) / 2.0
	if games <= 0 {
		return EloEstimate{}
	}

	mu := 0.0
	for i, v := range reg {
		mu += v * (float64(i) / 2.0)
	}
	mu /= games

	muHalf := float64(l-1) / 2.0 * mu
	var variance float64
	for i, v := range reg {
		d := float64(i)/2.0 - muHalf
		variance += v * d * d
	}
	variance /= games
	stdev := math.Sqrt(variance)

	sqrtGames := math.Sqrt(games)
	muMin := mu + phiInv(0.025)*stdev/sqrtGames
	muMax := mu + phiInv(0.975)*stdev/sqrtGames

	los := phi((mu - 0.5) / (stdev / sqrtGames))

	return EloEstimate{
		Elo:   Elo(mu),
		CI95:  (Elo(muMax) - Elo(muMin)) / 2.0,
		LOS:   los,
		Games: int(games),
	}
}
