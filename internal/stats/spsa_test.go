package stats

import (
	"math/rand"
	"testing"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

func mkSPSAConfig(theta, lo, hi float64, clip domain.ClippingPolicy, round domain.RoundingPolicy) domain.SPSAConfig {
	return domain.SPSAConfig{
		A:     10,
		Alpha: 0.602,
		Gamma: 0.101,
		Params: []domain.SPSAParam{
			{Name: "Foo", Start: theta, Min: lo, Max: hi, A: 1000, C: 5, Theta: theta},
		},
		Clipping: clip,
		Rounding: round,
	}
}

func TestIssuePerturbation_SymmetricAroundTheta(t *testing.T) {
	cfg := mkSPSAConfig(100, 0, 200, domain.ClippingOld, domain.RoundingDeterministic)
	rng := rand.New(rand.NewSource(1))
	p := IssuePerturbation(cfg, 10, rng)
	if len(p.W) != 1 || len(p.B) != 1 || len(p.Flip) != 1 {
		t.Fatalf("expected one perturbation per param, got W=%d B=%d Flip=%d", len(p.W), len(p.B), len(p.Flip))
	}
	if p.Flip[0] != 1 && p.Flip[0] != -1 {
		t.Errorf("flip must be ±1, got %v", p.Flip[0])
	}
	sum := p.W[0] + p.B[0]
	if sum < 198 || sum > 202 {
		t.Errorf("w+b should stay close to 2*theta=200, got %v", sum)
	}
}

func TestIssuePerturbation_ClampsToBounds(t *testing.T) {
	cfg := mkSPSAConfig(1, 0, 2, domain.ClippingOld, domain.RoundingDeterministic)
	cfg.Params[0].C = 100 // force the perturbation far outside [0,2]
	rng := rand.New(rand.NewSource(2))
	p := IssuePerturbation(cfg, 0, rng)
	if p.W[0] < 0 || p.W[0] > 2 {
		t.Errorf("w must stay within [min,max] under old clipping, got %v", p.W[0])
	}
	if p.B[0] < 0 || p.B[0] > 2 {
		t.Errorf("b must stay within [min,max] under old clipping, got %v", p.B[0])
	}
}

// mkPert builds a single-parameter perturbation with explicit issuance-time
// constants, as Issue would have captured them.
func mkPert(flip, c, r float64) domain.SPSAPerturbation {
	return domain.SPSAPerturbation{
		Flip: []float64{flip},
		C:    []float64{c},
		R:    []float64{r},
	}
}

func TestIssuePerturbation_CapturesStepConstants(t *testing.T) {
	cfg := mkSPSAConfig(100, 0, 200, domain.ClippingOld, domain.RoundingDeterministic)
	rng := rand.New(rand.NewSource(4))
	early := IssuePerturbation(cfg, 0, rng)
	late := IssuePerturbation(cfg, 10000, rng)
	if early.C[0] <= 0 || early.R[0] <= 0 {
		t.Fatalf("issuance must capture positive step constants, got c=%v r=%v", early.C[0], early.R[0])
	}
	// c_k = c/(i+1)^γ shrinks as the iteration count grows; the captured
	// constants must reflect the iteration the perturbation was issued at.
	if late.C[0] >= early.C[0] {
		t.Errorf("c_k should decay with iteration: early=%v late=%v", early.C[0], late.C[0])
	}
}

func TestUpdateTheta_WinningFlipMovesTowardsFlipSign(t *testing.T) {
	cfg := mkSPSAConfig(100, 0, 200, domain.ClippingOld, domain.RoundingDeterministic)
	before := cfg.Params[0].Theta
	UpdateTheta(&cfg, mkPert(1, 4, 0.1), domain.SPSAReport{Wins: 10, Losses: 0, NumGames: 10})
	if cfg.Params[0].Theta <= before {
		t.Errorf("a positive flip with a winning report should increase theta, got %v (was %v)", cfg.Params[0].Theta, before)
	}
}

func TestUpdateTheta_UsesStoredConstantsNotCurrentIter(t *testing.T) {
	// Another worker's report advancing iter between issuance and feedback
	// must not change the step this worker's stored constants produce.
	cfgA := mkSPSAConfig(100, 0, 200, domain.ClippingOld, domain.RoundingDeterministic)
	cfgB := mkSPSAConfig(100, 0, 200, domain.ClippingOld, domain.RoundingDeterministic)
	cfgB.Iter = 5000
	pert := mkPert(1, 4, 0.1)
	report := domain.SPSAReport{Wins: 10, Losses: 0, NumGames: 10}
	UpdateTheta(&cfgA, pert, report)
	UpdateTheta(&cfgB, pert, report)
	if cfgA.Params[0].Theta != cfgB.Params[0].Theta {
		t.Errorf("theta step must depend only on the stored constants: %v vs %v",
			cfgA.Params[0].Theta, cfgB.Params[0].Theta)
	}
}

func TestUpdateTheta_StaysWithinBounds(t *testing.T) {
	cfg := mkSPSAConfig(199, 0, 200, domain.ClippingOld, domain.RoundingDeterministic)
	UpdateTheta(&cfg, mkPert(1, 4, 10), domain.SPSAReport{Wins: 100, Losses: 0, NumGames: 100})
	if cfg.Params[0].Theta > 200 {
		t.Errorf("theta must never exceed max, got %v", cfg.Params[0].Theta)
	}
}

func TestCarefulClipping_NeverExceedsOldStep(t *testing.T) {
	oldCfg := mkSPSAConfig(190, 0, 200, domain.ClippingOld, domain.RoundingDeterministic)
	carefulCfg := mkSPSAConfig(190, 0, 200, domain.ClippingCareful, domain.RoundingDeterministic)
	report := domain.SPSAReport{Wins: 50, Losses: 0, NumGames: 50}
	UpdateTheta(&oldCfg, mkPert(1, 4, 10), report)
	UpdateTheta(&carefulCfg, mkPert(1, 4, 10), report)
	if carefulCfg.Params[0].Theta > oldCfg.Params[0].Theta {
		t.Errorf("careful clipping should never overshoot further than old clipping: careful=%v old=%v",
			carefulCfg.Params[0].Theta, oldCfg.Params[0].Theta)
	}
}

func TestRoundValue_DeterministicIsStable(t *testing.T) {
	a := roundValue(3.5, domain.RoundingDeterministic, nil)
	b := roundValue(3.5, domain.RoundingDeterministic, nil)
	if a != b || a != 4 {
		t.Errorf("deterministic rounding of 3.5 should always be 4, got %v and %v", a, b)
	}
}

func TestRoundValue_RandomizedStaysWithinUnitOfFloor(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	v := roundValue(3.5, domain.RoundingRandomized, rng)
	if v != 3 && v != 4 {
		t.Errorf("randomized rounding of 3.5 should land on 3 or 4, got %v", v)
	}
}
