package tcpwnmetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/samueljero/TCPwn/internal/executor"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "tcpwn"

// Subsystems.
const (
	subsystemGenerator = "generator"
	subsystemExecutor  = "executor"
	subsystemAlert     = "alert"
	subsystemServer    = "server"
)

// Label names.
const (
	labelInstance = "instance"
	labelStage    = "stage"
	labelEvent    = "event"
	labelVerdict  = "verdict"
	labelReason   = "reason"
	labelResult   = "result"
	labelQueue    = "queue"
	labelBound    = "bound"
	labelProc     = "procedure"
	labelCode     = "code"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all campaign Prometheus metrics. It satisfies the
// generator, executor, alert and server metrics interfaces.
type Collector struct {
	// Dispatched counts strategies handed to executors.
	Dispatched prometheus.Counter

	// Outcomes counts recorded results by reason.
	Outcomes *prometheus.CounterVec

	// Retried counts strategies requeued after an infrastructure failure.
	Retried prometheus.Counter

	// PermanentFailures counts strategies abandoned after exhausting retries.
	PermanentFailures *prometheus.CounterVec

	// UnknownConditions counts state-search conditions with no handler.
	UnknownConditions prometheus.Counter

	// Queue reports the generator queue depths.
	Queue *prometheus.GaugeVec

	// CheckpointDuration observes checkpoint writes, labeled by result.
	CheckpointDuration *prometheus.HistogramVec

	// StageDuration observes executor stage durations.
	StageDuration *prometheus.HistogramVec

	// Verdicts counts test verdicts per instance.
	Verdicts *prometheus.CounterVec

	// TransferSeconds observes the measured primary transfer time.
	TransferSeconds *prometheus.HistogramVec

	// TransferBytes counts bytes moved by primary transfers.
	TransferBytes *prometheus.CounterVec

	// Thresholds exposes the baseline thresholds per instance.
	Thresholds *prometheus.GaugeVec

	// Alerts counts administrator alerts by result.
	Alerts *prometheus.CounterVec

	// RPCs counts health RPCs by procedure and Connect code.
	RPCs *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Dispatched,
		c.Outcomes,
		c.Retried,
		c.PermanentFailures,
		c.UnknownConditions,
		c.Queue,
		c.CheckpointDuration,
		c.StageDuration,
		c.Verdicts,
		c.TransferSeconds,
		c.TransferBytes,
		c.Thresholds,
		c.Alerts,
		c.RPCs,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemGenerator,
			Name:      "dispatched_total",
			Help:      "Total strategies dispatched to executors.",
		}),

		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemGenerator,
			Name:      "outcomes_total",
			Help:      "Total strategy results recorded, by reason.",
		}, []string{labelReason}),

		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemGenerator,
			Name:      "retried_total",
			Help:      "Total strategies requeued after a failed run.",
		}),

		PermanentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemGenerator,
			Name:      "permanent_failures_total",
			Help:      "Total strategies abandoned after exhausting retries.",
		}, []string{labelReason}),

		UnknownConditions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemGenerator,
			Name:      "unknown_conditions_total",
			Help:      "Total state-search conditions without a handler.",
		}),

		Queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemGenerator,
			Name:      "queue_depth",
			Help:      "Strategies in each generator queue.",
		}, []string{labelQueue}),

		CheckpointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemGenerator,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time taken to write a checkpoint.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{labelResult}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemExecutor,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each test stage, by completing event.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{labelInstance, labelStage, labelEvent}),

		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemExecutor,
			Name:      "verdicts_total",
			Help:      "Total test verdicts.",
		}, []string{labelInstance, labelVerdict}),

		TransferSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemExecutor,
			Name:      "transfer_seconds",
			Help:      "Measured duration of the primary transfer.",
			Buckets:   prometheus.LinearBuckets(2, 4, 15),
		}, []string{labelInstance}),

		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemExecutor,
			Name:      "transfer_bytes_total",
			Help:      "Total bytes delivered by primary transfers.",
		}, []string{labelInstance}),

		Thresholds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemExecutor,
			Name:      "threshold_seconds",
			Help:      "Baseline classification thresholds.",
		}, []string{labelInstance, labelBound}),

		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAlert,
			Name:      "messages_total",
			Help:      "Total administrator alerts, by result.",
		}, []string{labelResult}),

		RPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemServer,
			Name:      "rpcs_total",
			Help:      "Total health RPCs served, by procedure and code.",
		}, []string{labelProc, labelCode}),
	}
}

// -------------------------------------------------------------------------
// Generator
// -------------------------------------------------------------------------

// IncDispatched counts one dispatched strategy.
func (c *Collector) IncDispatched() { c.Dispatched.Inc() }

// IncOutcome counts one recorded result.
func (c *Collector) IncOutcome(reason string) { c.Outcomes.WithLabelValues(reason).Inc() }

// IncRetried counts one requeued strategy.
func (c *Collector) IncRetried() { c.Retried.Inc() }

// IncPermanentFailure counts one abandoned strategy.
func (c *Collector) IncPermanentFailure(reason string) {
	c.PermanentFailures.WithLabelValues(reason).Inc()
}

// IncUnknownCondition counts one unhandled state-search condition.
func (c *Collector) IncUnknownCondition() { c.UnknownConditions.Inc() }

// ObserveCheckpoint records a checkpoint write.
func (c *Collector) ObserveCheckpoint(took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.CheckpointDuration.WithLabelValues(result).Observe(took.Seconds())
}

// SetQueue publishes the generator queue depths.
func (c *Collector) SetQueue(pending, inflight, retry int) {
	c.Queue.WithLabelValues("pending").Set(float64(pending))
	c.Queue.WithLabelValues("inflight").Set(float64(inflight))
	c.Queue.WithLabelValues("retry").Set(float64(retry))
}

// -------------------------------------------------------------------------
// Executor
// -------------------------------------------------------------------------

// ObserveStage records the time a stage took to produce ev.
func (c *Collector) ObserveStage(instance int, stage executor.Stage, ev executor.Event, d time.Duration) {
	c.StageDuration.WithLabelValues(strconv.Itoa(instance), stage.String(), ev.String()).Observe(d.Seconds())
}

// IncVerdict counts one verdict.
func (c *Collector) IncVerdict(instance int, v executor.Verdict) {
	c.Verdicts.WithLabelValues(strconv.Itoa(instance), string(v)).Inc()
}

// ObserveTransfer records one measured primary transfer.
func (c *Collector) ObserveTransfer(instance int, elapsed time.Duration, bytes int64) {
	id := strconv.Itoa(instance)
	c.TransferSeconds.WithLabelValues(id).Observe(elapsed.Seconds())
	if bytes > 0 {
		c.TransferBytes.WithLabelValues(id).Add(float64(bytes))
	}
}

// SetThresholds publishes an instance's baseline thresholds. Unset
// thresholds remove the series.
func (c *Collector) SetThresholds(instance int, th executor.Thresholds) {
	id := strconv.Itoa(instance)
	if !th.Set {
		for _, b := range []string{"mean", "stddev", "high", "low"} {
			c.Thresholds.DeleteLabelValues(id, b)
		}
		return
	}
	c.Thresholds.WithLabelValues(id, "mean").Set(th.Mean.Seconds())
	c.Thresholds.WithLabelValues(id, "stddev").Set(th.StdDev.Seconds())
	c.Thresholds.WithLabelValues(id, "high").Set(th.High.Seconds())
	c.Thresholds.WithLabelValues(id, "low").Set(th.Low.Seconds())
}

// -------------------------------------------------------------------------
// Alerts
// -------------------------------------------------------------------------

// IncAlert counts one alert by result ("sent", "error" or "suppressed").
func (c *Collector) IncAlert(result string) { c.Alerts.WithLabelValues(result).Inc() }

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// IncRPC counts one served RPC.
func (c *Collector) IncRPC(procedure, code string) {
	c.RPCs.WithLabelValues(procedure, code).Inc()
}
