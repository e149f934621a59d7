package domain

// SPRTState is the outcome of the sequential probability ratio test so far.
type SPRTState string

const (
	SPRTPending  SPRTState = ""
	SPRTAccepted SPRTState = "accepted"
	SPRTRejected SPRTState = "rejected"
)

// OvershootState is the incrementally-maintained dynamic overshoot
// correction. It tracks the running excursions of the LLR below ref0
// (downward) and above ref1 (upward) so the accept/
// reject bounds can be corrected for discrete-time overshoot past the
// continuous barrier. Valid is false once a contract violation has
// invalidated and removed the record.
type OvershootState struct {
	Valid          bool    `json:"valid"`
	LastUpdate     int     `json:"last_update"`
	SkippedUpdates int     `json:"skipped_updates"`
	Ref0           float64 `json:"ref0"`
	M0             float64 `json:"m0"`
	Sq0            float64 `json:"sq0"`
	Ref1           float64 `json:"ref1"`
	M1             float64 `json:"m1"`
	Sq1            float64 `json:"sq1"`
}

// SPRTConfig is a run's sequential test configuration and running state.
type SPRTConfig struct {
	Alpha    float64  `json:"alpha"`
	Beta     float64  `json:"beta"`
	Elo0     float64  `json:"elo0"`
	Elo1     float64  `json:"elo1"`
	EloModel EloModel `json:"elo_model"`
	BatchSize int     `json:"batch_size"` // game pairs

	// Derived at construction time from Alpha/Beta.
	LowerBound float64 `json:"lower_bound"`
	UpperBound float64 `json:"upper_bound"`

	// Running state, updated by TaskUpdater via StatEngine.
	LLR       float64        `json:"llr"`
	State     SPRTState      `json:"state"`
	Overshoot OvershootState `json:"overshoot"`
}

// DefaultAlphaBeta is the error-probability default when a submitter
// omits alpha or beta.
const DefaultAlphaBeta = 0.05

// SPRTBatchSizeGames is the constant sprt.BatchSize is derived from at
// submission time (must evenly divide ChunkSize).
const SPRTBatchSizeGames = 8
