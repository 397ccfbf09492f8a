package generator

import (
	"maps"
	"slices"
	"time"

	"github.com/samueljero/TCPwn/internal/strategy"
)

// FormatVersion tags checkpoints written by this build. Restore rejects
// any other version.
const FormatVersion = 1

// KindFailed marks a permanent failure record.
const KindFailed = "FAILED"

// -------------------------------------------------------------------------
// Outcome
// -------------------------------------------------------------------------

// Reason explains a failed execution.
type Reason string

// Failure reasons. SystemFailure is an infrastructure fault; the others are
// measured anomalies.
const (
	ReasonNone              Reason = ""
	ReasonSystemFailure     Reason = "SystemFailure"
	ReasonStalledConnection Reason = "StalledConnection"
	ReasonPerformanceFaster Reason = "PerformanceFaster"
	ReasonPerformanceSlower Reason = "PerformanceSlower"
)

// Anomaly reports whether r is a measured result rather than a fault.
func (r Reason) Anomaly() bool {
	switch r {
	case ReasonStalledConnection, ReasonPerformanceFaster, ReasonPerformanceSlower:
		return true
	default:
		return false
	}
}

// Feedback carries the measurements attached to an outcome.
type Feedback struct {
	CapturePath         string
	TransferTimeSeconds float64
	BytesTransferred    int64
}

// Outcome is the executor's report for one dispatched strategy.
type Outcome struct {
	Success  bool
	Reason   Reason
	Feedback Feedback
}

// -------------------------------------------------------------------------
// Records
// -------------------------------------------------------------------------

// FailureRecord is one line of the results log.
type FailureRecord struct {
	Kind                string             `json:"kind"`
	Timestamp           time.Time          `json:"timestamp"`
	Strategy            *strategy.Strategy `json:"strategy"`
	Reason              Reason             `json:"reason"`
	CapturePath         string             `json:"capture,omitempty"`
	TransferTimeSeconds float64            `json:"transfer_time_seconds"`
	BytesTransferred    int64              `json:"bytes_transferred"`
}

// State is the complete generator bookkeeping. Every unresolved strategy
// is in exactly one of Pending, Inflight, or RetryStack.
type State struct {
	FormatVersion int `json:"format_version"`

	// Pending is consumed front to back.
	Pending []*strategy.Strategy `json:"pending"`

	// Inflight holds dispatched strategies keyed by ID.
	Inflight map[uint64]*strategy.Strategy `json:"inflight"`

	// RetryStack is consumed from the end.
	RetryStack []*strategy.Strategy `json:"retry_stack"`

	DispatchCount     uint64          `json:"dispatch_count"`
	PermanentFailures []FailureRecord `json:"permanent_failures"`

	// NextID is the ID the next enqueued strategy receives.
	NextID uint64 `json:"next_id"`

	// Sources names the generators that built the queue.
	Sources []string `json:"sources,omitempty"`
}

func newState() State {
	return State{
		FormatVersion: FormatVersion,
		Inflight:      make(map[uint64]*strategy.Strategy),
		NextID:        1,
	}
}

// clone returns a deep copy of s.
func (s *State) clone() State {
	c := State{
		FormatVersion:     s.FormatVersion,
		Pending:           cloneAll(s.Pending),
		Inflight:          make(map[uint64]*strategy.Strategy, len(s.Inflight)),
		RetryStack:        cloneAll(s.RetryStack),
		DispatchCount:     s.DispatchCount,
		PermanentFailures: slices.Clone(s.PermanentFailures),
		NextID:            s.NextID,
		Sources:           slices.Clone(s.Sources),
	}
	for id, st := range s.Inflight {
		c.Inflight[id] = st.Clone()
	}
	for i := range c.PermanentFailures {
		c.PermanentFailures[i].Strategy = c.PermanentFailures[i].Strategy.Clone()
	}
	return c
}

// Unresolved returns the number of strategies not yet resolved.
func (s *State) Unresolved() int {
	return len(s.Pending) + len(s.Inflight) + len(s.RetryStack)
}

// InflightIDs returns inflight IDs in ascending order.
func (s *State) InflightIDs() []uint64 {
	return slices.Sorted(maps.Keys(s.Inflight))
}

func cloneAll(in []*strategy.Strategy) []*strategy.Strategy {
	if in == nil {
		return nil
	}
	out := make([]*strategy.Strategy, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}
