package registry

import (
	"regexp"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// tcPattern accepts "[moves/]time[+increment]" with time as "mm:ss" or
// plain seconds.
var tcPattern = regexp.MustCompile(`^(\d+/)?(\d+:\d+|\d+(\.\d+)?)(\+\d+(\.\d+)?)?$`)

const maxSubmittedGames = 4000 * domain.ChunkSize

// validateRunArgs fills in submission defaults and rejects arguments that
// violate an invariant.
func validateRunArgs(a *domain.RunArgs) error {
	if !tcPattern.MatchString(a.TC) {
		return domain.NewValidationError("tc", domain.ErrInvalidTC)
	}
	if a.BaseSignature == 0 || a.NewSignature == 0 {
		return domain.NewValidationError("signature", domain.ErrMissingSignature)
	}
	if a.Throughput <= 0 {
		a.Throughput = 100
	}
	if a.Threads <= 0 {
		a.Threads = 1
	}

	// The wire keeps the free-form option strings; the typed view is
	// derived once here so downstream components never re-parse them.
	if a.BaseOptions.Raw != "" && a.BaseOptions.Hash == 0 && a.BaseOptions.Threads == 0 {
		a.BaseOptions = domain.ParseOptions(a.BaseOptions.Raw)
	}
	if a.NewOptions.Raw != "" && a.NewOptions.Hash == 0 && a.NewOptions.Threads == 0 {
		a.NewOptions = domain.ParseOptions(a.NewOptions.Raw)
	}

	kinds := 0
	if a.SPRT != nil {
		kinds++
	}
	if a.SPSA != nil {
		kinds++
	}
	if a.FixedGames > 0 {
		kinds++
	}
	if kinds != 1 {
		return domain.NewValidationError("test_kind", domain.ErrTooManyGames)
	}

	if a.SPRT != nil {
		if a.SPRT.Alpha <= 0 {
			a.SPRT.Alpha = domain.DefaultAlphaBeta
		}
		if a.SPRT.Beta <= 0 {
			a.SPRT.Beta = domain.DefaultAlphaBeta
		}
		if a.SPRT.BatchSize <= 0 {
			a.SPRT.BatchSize = domain.SPRTBatchSizeGames / 2
		}
		if domain.ChunkSize%a.SPRT.BatchSize != 0 {
			return domain.NewValidationError("sprt.batch_size", domain.ErrBadBatchSize)
		}
	}

	if a.FixedGames > maxSubmittedGames {
		return domain.NewValidationError("num_games", domain.ErrTooManyGames)
	}

	return nil
}
