// Package generator owns the strategy queue: it builds it from a Source,
// dispatches strategies to executors, tracks retries, records permanent
// failures, and checkpoints its state so a campaign can resume.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samueljero/TCPwn/internal/strategy"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for generator operations.
var (
	// ErrCheckpointIncompatible indicates a checkpoint with a different
	// format version. The in-memory state is left untouched.
	ErrCheckpointIncompatible = errors.New("checkpoint format incompatible")

	// ErrNotInflight indicates a result for a strategy that was not dispatched.
	ErrNotInflight = errors.New("strategy is not inflight")

	// ErrNoCheckpointPath indicates Checkpoint was called without a path.
	ErrNoCheckpointPath = errors.New("no checkpoint path configured")
)

// Defaults.
const (
	DefaultMaxRetries      = 1
	DefaultCheckpointEvery = 100
	DefaultProgressEvery   = 10
)

// -------------------------------------------------------------------------
// Collaborators
// -------------------------------------------------------------------------

// Source builds an initial strategy queue.
type Source interface {
	Name() string
	Build(ctx context.Context) ([]*strategy.Strategy, error)
}

// Recorder persists permanent failure records.
type Recorder interface {
	Append(rec FailureRecord) error
}

// Alerter notifies an administrator. Implementations apply their own rate
// limit; the generator calls it for every system failure.
type Alerter interface {
	Alert(subject, body string) bool
}

// MetricsReporter receives generator events.
type MetricsReporter interface {
	IncDispatched()
	IncOutcome(reason string)
	IncRetried()
	IncPermanentFailure(reason string)
	ObserveCheckpoint(took time.Duration, err error)
	SetQueue(pending, inflight, retry int)
	IncUnknownCondition()
}

type noopMetrics struct{}

func (noopMetrics) IncDispatched()                        {}
func (noopMetrics) IncOutcome(string)                     {}
func (noopMetrics) IncRetried()                           {}
func (noopMetrics) IncPermanentFailure(string)            {}
func (noopMetrics) ObserveCheckpoint(time.Duration, error) {}
func (noopMetrics) SetQueue(int, int, int)                {}
func (noopMetrics) IncUnknownCondition()                  {}

type noopAlerter struct{}

func (noopAlerter) Alert(string, string) bool { return false }

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures a Generator.
type Option func(*Generator)

// WithMetrics attaches a MetricsReporter. nil keeps the no-op reporter.
func WithMetrics(mr MetricsReporter) Option {
	return func(g *Generator) {
		if mr != nil {
			g.metrics = mr
		}
	}
}

// WithAlerter attaches an administrator alerter.
func WithAlerter(a Alerter) Option {
	return func(g *Generator) {
		if a != nil {
			g.alerter = a
		}
	}
}

// WithRecorder sets the results log.
func WithRecorder(r Recorder) Option {
	return func(g *Generator) { g.recorder = r }
}

// WithCheckpoint enables checkpointing to path every n dispatches.
func WithCheckpoint(path string, every uint64) Option {
	return func(g *Generator) {
		g.checkpointPath = path
		if every > 0 {
			g.checkpointEvery = every
		}
	}
}

// WithMaxRetries sets how many failures a strategy may accumulate before
// it is recorded as permanent.
func WithMaxRetries(n int) Option {
	return func(g *Generator) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithConfirmAnomalies sends anomalies through the retry stack like system
// failures, so only reproducible anomalies are recorded.
func WithConfirmAnomalies(confirm bool) Option {
	return func(g *Generator) { g.confirmAnomalies = confirm }
}

// WithClock sets a custom time function for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// -------------------------------------------------------------------------
// Generator
// -------------------------------------------------------------------------

// Generator is safe for concurrent use by several executors.
type Generator struct {
	mu    sync.Mutex
	state State

	logger   *slog.Logger
	metrics  MetricsReporter
	alerter  Alerter
	recorder Recorder
	now      func() time.Time

	checkpointPath   string
	checkpointEvery  uint64
	progressEvery    uint64
	maxRetries       int
	confirmAnomalies bool
}

// New creates an empty generator.
func New(logger *slog.Logger, opts ...Option) *Generator {
	g := &Generator{
		state:           newState(),
		logger:          logger.With(slog.String("component", "generator")),
		metrics:         noopMetrics{},
		alerter:         noopAlerter{},
		now:             time.Now,
		checkpointEvery: DefaultCheckpointEvery,
		progressEvery:   DefaultProgressEvery,
		maxRetries:      DefaultMaxRetries,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Build runs src and appends its strategies to the pending queue, assigning
// each a fresh ID. It returns the number of strategies added.
func (g *Generator) Build(ctx context.Context, src Source) (int, error) {
	strats, err := src.Build(ctx)
	if err != nil {
		return 0, fmt.Errorf("build %s strategies: %w", src.Name(), err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range strats {
		s = s.Clone()
		s.ID = g.state.NextID
		g.state.NextID++
		g.state.Pending = append(g.state.Pending, s)
	}
	g.state.Sources = append(g.state.Sources, src.Name())
	g.reportQueueLocked()

	g.logger.Info("strategies built",
		slog.String("source", src.Name()),
		slog.Int("strategies", len(strats)),
		slog.Int("pending", len(g.state.Pending)),
	)
	return len(strats), nil
}

// Next dispatches the next strategy, preferring the retry stack. The
// returned strategy is a copy; report it back with RecordResult or
// ReturnFailed. ok is false when nothing is left to dispatch.
func (g *Generator) Next() (s *strategy.Strategy, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case len(g.state.RetryStack) > 0:
		last := len(g.state.RetryStack) - 1
		s = g.state.RetryStack[last]
		g.state.RetryStack[last] = nil
		g.state.RetryStack = g.state.RetryStack[:last]
	case len(g.state.Pending) > 0:
		s = g.state.Pending[0]
		g.state.Pending[0] = nil
		g.state.Pending = g.state.Pending[1:]
	default:
		return nil, false
	}

	g.state.Inflight[s.ID] = s
	g.state.DispatchCount++
	g.metrics.IncDispatched()
	g.reportQueueLocked()

	if g.progressEvery > 0 && g.state.DispatchCount%g.progressEvery == 0 {
		g.logger.Info("dispatching strategy",
			slog.Uint64("dispatched", g.state.DispatchCount),
			slog.Int("remaining", g.state.Unresolved()),
		)
	}
	if g.checkpointPath != "" && g.state.DispatchCount%g.checkpointEvery == 0 {
		if err := g.checkpointLocked(); err != nil {
			g.logger.Error("checkpoint failed", slog.String("error", err.Error()))
		}
	}

	return s.Clone(), true
}

// ReturnFailed hands back a strategy that could not be run at all. It goes
// onto the retry stack with its retry count unchanged.
func (g *Generator) ReturnFailed(s *strategy.Strategy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	held, ok := g.state.Inflight[s.ID]
	if !ok {
		return fmt.Errorf("return #%d: %w", s.ID, ErrNotInflight)
	}
	delete(g.state.Inflight, s.ID)
	g.state.RetryStack = append(g.state.RetryStack, held)
	g.reportQueueLocked()

	g.logger.Debug("strategy returned unrun", slog.Uint64("id", s.ID))
	return nil
}

// RecordResult resolves an inflight strategy. Successes are discarded.
// Failures count a retry and are either retried or, once out of retries,
// written to the results log. System failures also raise an alert.
func (g *Generator) RecordResult(s *strategy.Strategy, out Outcome) error {
	var alertBody string

	err := func() error {
		g.mu.Lock()
		defer g.mu.Unlock()

		held, ok := g.state.Inflight[s.ID]
		if !ok {
			return fmt.Errorf("record #%d: %w", s.ID, ErrNotInflight)
		}
		delete(g.state.Inflight, s.ID)
		defer g.reportQueueLocked()

		if out.Success {
			g.metrics.IncOutcome("Success")
			return nil
		}

		reason := out.Reason
		if reason == ReasonNone {
			reason = ReasonSystemFailure
		}
		g.metrics.IncOutcome(string(reason))
		if reason == ReasonSystemFailure {
			alertBody = fmt.Sprintf("System failure while testing strategy %s (retries %d).\n", held.Key(), held.Retries)
		}

		held.Retries++
		retry := held.Retries <= g.maxRetries && (reason == ReasonSystemFailure || g.confirmAnomalies)
		if retry {
			g.state.RetryStack = append(g.state.RetryStack, held)
			g.metrics.IncRetried()
			g.logger.Info("strategy will be retried",
				slog.Uint64("id", held.ID),
				slog.String("reason", string(reason)),
				slog.Int("retries", held.Retries),
			)
			return nil
		}

		return g.recordFailureLocked(held, reason, out.Feedback)
	}()

	if alertBody != "" {
		g.alerter.Alert("TCPwn system failure", alertBody)
	}
	return err
}

func (g *Generator) recordFailureLocked(s *strategy.Strategy, reason Reason, fb Feedback) error {
	rec := FailureRecord{
		Kind:                KindFailed,
		Timestamp:           g.now().UTC().Round(0),
		Strategy:            s,
		Reason:              reason,
		CapturePath:         fb.CapturePath,
		TransferTimeSeconds: fb.TransferTimeSeconds,
		BytesTransferred:    fb.BytesTransferred,
	}
	g.state.PermanentFailures = append(g.state.PermanentFailures, rec)
	g.metrics.IncPermanentFailure(string(reason))

	g.logger.Warn("strategy failed permanently",
		slog.Uint64("id", s.ID),
		slog.String("reason", string(reason)),
		slog.String("strategy", s.Key()),
	)

	if g.recorder == nil {
		return nil
	}
	if err := g.recorder.Append(rec); err != nil {
		return fmt.Errorf("record #%d: %w", s.ID, err)
	}
	return nil
}

// RequeueInflight moves every inflight strategy to the retry stack, in ID
// order, without touching retry counts. Used after Restore, when the
// executors that held them are gone.
func (g *Generator) RequeueInflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := g.state.InflightIDs()
	for _, id := range ids {
		g.state.RetryStack = append(g.state.RetryStack, g.state.Inflight[id])
		delete(g.state.Inflight, id)
	}
	g.reportQueueLocked()
	return len(ids)
}

// Snapshot returns a deep copy of the current state.
func (g *Generator) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.clone()
}

// Done reports whether every strategy has been resolved.
func (g *Generator) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Unresolved() == 0
}

func (g *Generator) reportQueueLocked() {
	g.metrics.SetQueue(len(g.state.Pending), len(g.state.Inflight), len(g.state.RetryStack))
}

// -------------------------------------------------------------------------
// Checkpoint / Restore
// -------------------------------------------------------------------------

// Checkpoint writes the current state to the configured path.
func (g *Generator) Checkpoint() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkpointLocked()
}

func (g *Generator) checkpointLocked() error {
	if g.checkpointPath == "" {
		return ErrNoCheckpointPath
	}

	start := time.Now()
	err := writeCheckpoint(g.checkpointPath, &g.state)
	g.metrics.ObserveCheckpoint(time.Since(start), err)
	if err != nil {
		return err
	}

	g.logger.Info("checkpoint written",
		slog.String("path", g.checkpointPath),
		slog.Uint64("dispatched", g.state.DispatchCount),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// writeCheckpoint replaces path atomically: the document goes to a temp
// file in the same directory, is fsynced, then renamed over path.
func writeCheckpoint(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// ReadCheckpoint decodes a checkpoint file and checks its format version.
func ReadCheckpoint(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("read checkpoint: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if st.FormatVersion != FormatVersion {
		return State{}, fmt.Errorf("checkpoint %s has version %d, want %d: %w",
			path, st.FormatVersion, FormatVersion, ErrCheckpointIncompatible)
	}
	if st.Inflight == nil {
		st.Inflight = make(map[uint64]*strategy.Strategy)
	}
	return st, nil
}

// Restore replaces the in-memory state with the checkpoint at path. On any
// error the current state is left as it was.
func (g *Generator) Restore(path string) error {
	st, err := ReadCheckpoint(path)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = st
	g.reportQueueLocked()

	g.logger.Info("checkpoint restored",
		slog.String("path", path),
		slog.Int("pending", len(st.Pending)),
		slog.Int("inflight", len(st.Inflight)),
		slog.Int("retry", len(st.RetryStack)),
		slog.Uint64("dispatched", st.DispatchCount),
	)
	return nil
}
