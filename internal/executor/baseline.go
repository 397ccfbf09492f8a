package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samueljero/TCPwn/internal/stats"
)

// DefaultBaselineRounds is the number of successful rounds used to derive
// thresholds.
const DefaultBaselineRounds = 20

// Baseline runs rounds unmodified transfers with classification disabled
// and installs Mean±2σ of the measured times as the new thresholds.
// Failed rounds are discarded and repeated; maxFailures consecutive
// failures (0 = unbounded) abort with ErrBaselineFailed.
func (e *Executor) Baseline(ctx context.Context, rounds, maxFailures int) (Thresholds, error) {
	if rounds <= 0 {
		rounds = DefaultBaselineRounds
	}
	e.logger.Info("baseline starting", slog.Int("rounds", rounds))

	samples := make([]time.Duration, 0, rounds)
	dist := stats.NewDistribution()
	consecutive := 0
	for len(samples) < rounds {
		if err := ctx.Err(); err != nil {
			return Thresholds{}, err
		}

		res := e.run(ctx, nil, Thresholds{})
		if res.Verdict == VerdictSystemFailure {
			consecutive++
			e.logger.Warn("baseline round failed",
				slog.Int("round", len(samples)),
				slog.Int("consecutive_failures", consecutive),
			)
			if maxFailures > 0 && consecutive >= maxFailures {
				return Thresholds{}, fmt.Errorf("%d consecutive failures: %w: %w", consecutive, ErrBaselineFailed, res.Err)
			}
			continue
		}
		consecutive = 0
		samples = append(samples, res.Elapsed)
		dist.Record(res.Elapsed)
	}

	th := ComputeThresholds(samples)
	e.SetThresholds(th)
	e.logger.Info("baseline thresholds",
		slog.Duration("average", th.Mean),
		slog.Duration("standard_deviation", th.StdDev),
		slog.Duration("high", th.High),
		slog.Duration("low", th.Low),
		slog.Any("distribution", dist.Summary()),
	)
	return th, nil
}
