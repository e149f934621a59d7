package stats

import "testing"

func TestUpdateOvershoot_ContractViolationInvalidates(t *testing.T) {
	o := NewOvershootState()
	o = UpdateOvershoot(o, -1.0, 8, 8)
	if !o.Valid {
		t.Fatal("first legal update should keep the record valid")
	}
	// sampleCount regresses relative to LastUpdate: contract violation.
	o = UpdateOvershoot(o, -2.0, 4, 8)
	if o.Valid {
		t.Error("regressing sampleCount should invalidate the overshoot record")
	}
	if o.SkippedUpdates != 1 {
		t.Errorf("SkippedUpdates = %d, want 1", o.SkippedUpdates)
	}
}

func TestUpdateOvershoot_WrongGranularityInvalidates(t *testing.T) {
	o := NewOvershootState()
	o = UpdateOvershoot(o, -1.0, 8, 8)
	// sampleCount not equal to LastUpdate+batchSize.
	o = UpdateOvershoot(o, -1.5, 20, 8)
	if o.Valid {
		t.Error("off-granularity update should invalidate the overshoot record")
	}
}

func TestAdjustedBounds_InvalidRecordLeavesBoundsAlone(t *testing.T) {
	o := NewOvershootState()
	o.Valid = false
	lo, hi := AdjustedBounds(-1.0, 1.0, o)
	if lo != -1.0 || hi != 1.0 {
		t.Errorf("invalid overshoot record must not adjust bounds, got (%v, %v)", lo, hi)
	}
}

func TestAdjustedBounds_TightensTowardsObservedExcursions(t *testing.T) {
	o := NewOvershootState()
	o = UpdateOvershoot(o, -0.5, 8, 8)
	o = UpdateOvershoot(o, -1.2, 16, 8)
	o = UpdateOvershoot(o, 0.8, 24, 8)
	lo, hi := AdjustedBounds(-2.0, 2.0, o)
	if lo <= -2.0 {
		t.Errorf("lower bound should be raised above -2.0 by a downward excursion, got %v", lo)
	}
	if hi >= 2.0 {
		t.Errorf("upper bound should be lowered below 2.0 by an upward excursion, got %v", hi)
	}
}
