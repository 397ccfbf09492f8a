package executor

import (
	"fmt"
	"math"
	"time"
)

// Verdict is the classification of one test run.
type Verdict string

// Verdict values. The strings match generator.Reason so the campaign
// can pass them through unchanged.
const (
	VerdictSuccess           Verdict = "Success"
	VerdictSystemFailure     Verdict = "SystemFailure"
	VerdictStalledConnection Verdict = "StalledConnection"
	VerdictPerformanceFaster Verdict = "PerformanceFaster"
	VerdictPerformanceSlower Verdict = "PerformanceSlower"
)

// Anomaly reports whether v is an experimental finding rather than
// success or infrastructure failure.
func (v Verdict) Anomaly() bool {
	switch v {
	case VerdictStalledConnection, VerdictPerformanceFaster, VerdictPerformanceSlower:
		return true
	default:
		return false
	}
}

// Thresholds bound a normal transfer time. The zero value is unset and
// classifies everything as success.
type Thresholds struct {
	Mean   time.Duration
	StdDev time.Duration
	High   time.Duration
	Low    time.Duration
	Set    bool
}

// String formats the thresholds for logs.
func (t Thresholds) String() string {
	if !t.Set {
		return "unset"
	}
	return fmt.Sprintf("low=%s high=%s (mean=%s sd=%s)", t.Low, t.High, t.Mean, t.StdDev)
}

// ComputeThresholds derives Mean±2σ from baseline transfer times using
// the population standard deviation. An empty sample yields unset
// thresholds.
func ComputeThresholds(samples []time.Duration) Thresholds {
	if len(samples) == 0 {
		return Thresholds{}
	}
	n := float64(len(samples))
	var sum float64
	for _, s := range samples {
		sum += s.Seconds()
	}
	mean := sum / n

	var sq float64
	for _, s := range samples {
		d := s.Seconds() - mean
		sq += d * d
	}
	sd := math.Sqrt(sq / n)

	return Thresholds{
		Mean:   seconds(mean),
		StdDev: seconds(sd),
		High:   seconds(mean + 2*sd),
		Low:    seconds(mean - 2*sd),
		Set:    true,
	}
}

// Classify maps a measured transfer to a verdict. completeBytes is the
// transfer size times the completion multiple; a transfer of exactly that
// many bytes counts as complete.
func Classify(th Thresholds, elapsed time.Duration, bytes, completeBytes int64) Verdict {
	if !th.Set {
		return VerdictSuccess
	}
	switch {
	case elapsed < th.Low && bytes < completeBytes:
		return VerdictStalledConnection
	case elapsed < th.Low:
		return VerdictPerformanceFaster
	case elapsed > th.High:
		return VerdictPerformanceSlower
	default:
		return VerdictSuccess
	}
}

// CompleteBytes returns size×multiple truncated to whole bytes.
func CompleteBytes(size int64, multiple float64) int64 {
	return int64(float64(size) * multiple)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
