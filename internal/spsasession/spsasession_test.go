package spsasession

import (
	"testing"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

func testConfig() domain.SPSAConfig {
	return domain.SPSAConfig{
		A:     10,
		Alpha: 0.602,
		Gamma: 0.101,
		Params: []domain.SPSAParam{
			{Name: "p1", Start: 100, Min: 0, Max: 200, A: 1, C: 4, Theta: 100},
		},
		Iter:     0,
		NumIter:  100,
		Rounding: domain.RoundingDeterministic,
	}
}

func TestIssue_StoresSessionForWorker(t *testing.T) {
	s := New()
	cfg := testConfig()
	pert := s.Issue("run-1", "alice-1cores", cfg)

	if len(pert.W) != 1 || len(pert.B) != 1 {
		t.Fatalf("Issue() perturbation = %+v, want 1 param each side", pert)
	}

	got := s.Consume("run-1", "alice-1cores", cfg)
	if got.W[0] != pert.W[0] || got.B[0] != pert.B[0] {
		t.Errorf("Consume() = %+v, want stored %+v", got, pert)
	}
}

func TestConsume_MissingSessionReissues(t *testing.T) {
	s := New()
	cfg := testConfig()

	// No Issue() call: Consume must still return a usable perturbation
	// rather than a zero value, so a server restart costs at most one
	// feedback round.
	pert := s.Consume("run-2", "bob-1cores", cfg)
	if len(pert.W) != 1 {
		t.Fatalf("Consume() on missing session = %+v, want a freshly issued perturbation", pert)
	}
}

func TestDrop_RemovesOnlyThatWorker(t *testing.T) {
	s := New()
	cfg := testConfig()
	s.Issue("run-1", "alice-1cores", cfg)
	s.Issue("run-1", "bob-1cores", cfg)

	s.Drop("run-1", "alice-1cores")

	s.mu.RLock()
	_, aliceStillThere := s.sessions["run-1"]["alice-1cores"]
	_, bobStillThere := s.sessions["run-1"]["bob-1cores"]
	s.mu.RUnlock()

	if aliceStillThere {
		t.Error("Drop() should remove alice's session")
	}
	if !bobStillThere {
		t.Error("Drop() should not disturb bob's session")
	}
}

func TestClear_RemovesAllWorkersForRun(t *testing.T) {
	s := New()
	cfg := testConfig()
	s.Issue("run-1", "alice-1cores", cfg)
	s.Issue("run-1", "bob-1cores", cfg)

	s.Clear("run-1")

	s.mu.RLock()
	_, ok := s.sessions["run-1"]
	s.mu.RUnlock()
	if ok {
		t.Error("Clear() should drop every session for the run")
	}
}
