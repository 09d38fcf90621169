package lineage

import (
	"log/slog"

	"github.com/relicta-tech/buildline/internal/domain/build"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
)

// CheckoutsOf returns the checkouts performed by run, in order. A build record
// that cannot be introspected yields an empty list and an error log entry.
func CheckoutsOf(run build.Run, logger *slog.Logger) []build.Checkout {
	if run == nil {
		return nil
	}
	checkouts, err := run.Checkouts()
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("failed to read checkouts",
			"job", run.JobName(),
			"build", run.Number(),
			"error", apperrors.IntrospectionWrap(err, "lineage.CheckoutsOf", "checkouts unavailable"))
		return nil
	}
	return checkouts
}

// includedCheckouts returns the checkouts whose URL passes the filter.
func includedCheckouts(checkouts []build.Checkout, filter *ExclusionFilter) []build.Checkout {
	out := make([]build.Checkout, 0, len(checkouts))
	for _, c := range checkouts {
		if !filter.IsExcluded(c.URL) {
			out = append(out, c)
		}
	}
	return out
}

// environmentOf returns the environment snapshot of run, treating resolution
// failures as an empty environment.
func environmentOf(run build.Run, logger *slog.Logger) build.Env {
	env, err := run.Environment()
	if err != nil {
		logger.Error("failed to resolve environment",
			"job", run.JobName(),
			"build", run.Number(),
			"error", apperrors.IntrospectionWrap(err, "lineage.environmentOf", "environment unavailable"))
		return build.Env{}
	}
	if env == nil {
		return build.Env{}
	}
	return env
}
