package stats

import "github.com/fishtest-net/orchestrator/internal/domain"

// NewOvershootState returns the overshoot record a freshly created SPRT run
// starts with: valid, with every running excursion at zero — before any
// batch has been reported, LLR is 0, so both references start there too.
func NewOvershootState() domain.OvershootState {
	return domain.OvershootState{Valid: true}
}

// UpdateOvershoot folds one new LLR observation — produced from a just
// completed batch of exactly batchSize game pairs — into the running
// overshoot record. sampleCount is the total number of game pairs played so
// far (after this batch).
//
// If sampleCount regresses relative to LastUpdate, or isn't exactly
// LastUpdate+batchSize, the caller violated the "one legal update
// granularity" contract; the overshoot record is invalidated and
// removed (Valid=false) but the run continues without overshoot correction.
// Otherwise the downward excursion (ref0,m0,sq0) is updated whenever llr
// drops below ref0, and symmetrically the upward excursion (ref1,m1,sq1) is
// updated whenever llr rises above ref1.
func UpdateOvershoot(o domain.OvershootState, llr float64, sampleCount, batchSize int) domain.OvershootState {
	if !o.Valid || sampleCount < o.LastUpdate || sampleCount != o.LastUpdate+batchSize {
		o.SkippedUpdates++
		return domain.OvershootState{Valid: false, SkippedUpdates: o.SkippedUpdates}
	}

	if llr < o.Ref0 {
		delta := llr - o.Ref0
		o.M0 += delta
		o.Sq0 += delta * delta
		o.Ref0 = llr
	}
	if llr > o.Ref1 {
		delta := llr - o.Ref1
		o.M1 += delta
		o.Sq1 += delta * delta
		o.Ref1 = llr
	}
	o.LastUpdate = sampleCount
	return o
}

// AdjustedBounds applies the dynamic overshoot correction to the SPRT's
// static lower/upper LLR bounds: lower+o0 and upper-o1, with
// o0 = -sq0/(2*m0) and o1 = sq1/(2*m1), each taken as 0 when its
// denominator is 0. When the overshoot record is invalid,
// the bounds are returned unadjusted.
func AdjustedBounds(lower, upper float64, o domain.OvershootState) (adjLower, adjUpper float64) {
	if !o.Valid {
		return lower, upper
	}
	o0, o1 := 0.0, 0.0
	if o.M0 != 0 {
		o0 = -o.Sq0 / (2 * o.M0)
	}
	if o.M1 != 0 {
		o1 = o.Sq1 / (2 * o.M1)
	}
	return lower + o0, upper - o1
}
