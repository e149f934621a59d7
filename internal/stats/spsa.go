package stats

import (
	"math"
	"math/rand"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// IssuePerturbation computes the w/b game-pair perturbation a worker plays
// against: for iteration i (the run's completed-iteration count before
// this sub-task), c_k = c/(i+1)^γ; each param independently
// draws a uniform ±1 flip; w = clip_round(theta+c_k·flip),
// b = clip_round(theta−c_k·flip). rng supplies both the flip draw and, under
// the randomized rounding policy, the rounding draw — passed in rather than
// seeded internally so issuance stays reproducible in tests.
func IssuePerturbation(cfg domain.SPSAConfig, iter int, rng *rand.Rand) domain.SPSAPerturbation {
	n := len(cfg.Params)
	out := domain.SPSAPerturbation{
		W:    make([]float64, n),
		B:    make([]float64, n),
		Flip: make([]float64, n),
		C:    make([]float64, n),
		R:    make([]float64, n),
	}
	for i, p := range cfg.Params {
		ck := p.C / math.Pow(float64(iter+1), cfg.Gamma)
		ak := p.A / math.Pow(cfg.A+float64(iter+1), cfg.Alpha)
		flip := 1.0
		if rng.Float64() < 0.5 {
			flip = -1.0
		}
		out.Flip[i] = flip
		out.C[i] = ck
		out.R[i] = ak / (ck * ck)
		out.W[i] = clipRound(p.Theta, ck*flip, p.Min, p.Max, cfg.Clipping, cfg.Rounding, rng)
		out.B[i] = clipRound(p.Theta, -ck*flip, p.Min, p.Max, cfg.Clipping, cfg.Rounding, rng)
	}
	return out
}

// UpdateTheta folds one reported game-pair result into every param's
// theta: with net result r = wins−losses over the pair,
// theta ← clip_round(theta + (a_k/c_k²)·c_k·r·flip), using the c_k and
// a_k/c_k² captured in pert when the perturbation was issued — iter may
// have advanced since, and the step must match the perturbation actually
// played. Deterministic rounding is used regardless of the run's
// configured rounding policy, so theta never drifts from the integer
// lattice future perturbations are issued against.
func UpdateTheta(cfg *domain.SPSAConfig, pert domain.SPSAPerturbation, report domain.SPSAReport) {
	if len(pert.Flip) != len(cfg.Params) {
		return
	}
	r := float64(report.Wins - report.Losses)
	for i := range cfg.Params {
		p := &cfg.Params[i]
		step := pert.R[i] * pert.C[i] * r * pert.Flip[i]
		p.Theta = clipRound(p.Theta, step, p.Min, p.Max, cfg.Clipping, domain.RoundingDeterministic, nil)
	}
}

// clipRound applies theta+offset through the configured clipping policy,
// then the configured rounding policy.
func clipRound(theta, offset, lo, hi float64, clip domain.ClippingPolicy, round domain.RoundingPolicy, rng *rand.Rand) float64 {
	var v float64
	if clip == domain.ClippingCareful {
		if step, ok := carefulStep(theta, offset, lo, hi); ok {
			v = theta + step
		} else {
			v = clampTo(theta+offset, lo, hi)
		}
	} else {
		v = clampTo(theta+offset, lo, hi)
	}
	return roundValue(v, round, rng)
}

// carefulStep implements the "careful" clipping policy: the absolute step is
// limited to half the distance remaining to whichever bound the step is
// heading towards. ok is false when that limit reduces the step to zero,
// signaling the caller to fall back to the "old" (plain saturate) policy.
func carefulStep(theta, offset, lo, hi float64) (float64, bool) {
	if offset == 0 {
		return 0, false
	}
	bound := hi
	if offset < 0 {
		bound = lo
	}
	half := (bound - theta) / 2
	switch {
	case offset > 0 && half <= 0:
		return 0, false
	case offset < 0 && half >= 0:
		return 0, false
	case offset > 0 && offset > half:
		offset = half
	case offset < 0 && offset < half:
		offset = half
	}
	if offset == 0 {
		return 0, false
	}
	return offset, true
}

func clampTo(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// roundValue implements the two rounding policies: deterministic rounds
// to the nearest integer (round-half-up), randomized
// draws floor(v+U(0,1)).
func roundValue(v float64, policy domain.RoundingPolicy, rng *rand.Rand) float64 {
	if policy == domain.RoundingRandomized && rng != nil {
		return math.Floor(v + rng.Float64())
	}
	return math.Floor(v + 0.5)
}
