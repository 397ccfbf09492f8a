package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samueljero/TCPwn/internal/proxy"
	"github.com/samueljero/TCPwn/internal/strategy"
)

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

// Target selects the measured flow.
type Target struct {
	ClientIP string
	ServerIP string
	Protocol string
}

// CaptureConfig controls the optional packet capture on the proxy node.
type CaptureConfig struct {
	Enabled bool

	// Cmd starts the capture; KillCmd stops it.
	Cmd     string
	KillCmd string

	// RemotePath is the capture file written by Cmd.
	RemotePath string

	// Dir and NameTemplate name the local copy. "{tm}" is replaced with
	// the start time in TimeLayout and "{exe}" with the instance number.
	Dir          string
	NameTemplate string
	TimeLayout   string
}

// Config holds the per-instance test parameters. Command templates may
// use "{port}" (the component's control port), "{proxy}" and
// "{proxyport}" (proxy address, for the monitor) and "{tm}" (max transfer
// time in whole seconds, for client commands).
type Config struct {
	Target Target

	ProxyPort    int
	ProxyCmd     string
	ProxyKillCmd string
	LimitCmd     string
	ProxyTimeout time.Duration

	MonitorPort    int
	MonitorCmd     string
	MonitorKillCmd string

	ServerStartCmd      string
	ServerPort          int
	MainClientCmd       string
	BackgroundClientCmd string

	MaxTime          time.Duration
	MaxIdle          time.Duration
	PollInterval     time.Duration
	StartTimeout     time.Duration
	SettleDelay      time.Duration
	StopTimeout      time.Duration
	TransferSize     int64
	TransferMultiple float64

	Capture CaptureConfig
}

// DefaultConfig returns the stock test parameters.
func DefaultConfig() Config {
	return Config{
		Target:              Target{ClientIP: "10.0.3.1", ServerIP: "10.0.3.3", Protocol: "TCP"},
		ProxyPort:           1026,
		ProxyCmd:            "/root/proxy/proxy -i eth1 -i eth2 -v -p {port}",
		ProxyKillCmd:        "pkill proxy",
		LimitCmd:            "/root/proxy/limit.sh",
		ProxyTimeout:        proxy.DefaultTimeout,
		MonitorPort:         4444,
		MonitorCmd:          "/root/monitor/monitor -i eth1 -i eth2 -v -p {port} -o {proxy}:{proxyport}",
		MonitorKillCmd:      "pkill monitor",
		ServerStartCmd:      "service apache2 restart",
		ServerPort:          80,
		MainClientCmd:       "curl -o /dev/null -m {tm} http://10.0.3.3/bigfile",
		BackgroundClientCmd: "curl -o /dev/null -m {tm} http://10.0.3.4/bigfile",
		MaxTime:             60 * time.Second,
		MaxIdle:             10 * time.Second,
		PollInterval:        time.Second,
		StartTimeout:        240 * time.Second,
		SettleDelay:         500 * time.Millisecond,
		StopTimeout:         30 * time.Second,
		TransferSize:        100 * 1024 * 1024,
		TransferMultiple:    0.8,
		Capture: CaptureConfig{
			Cmd:          "tcpdump -i eth2 -s84 -w - tcp > /root/capture.dmp",
			KillCmd:      "pkill tcpdump",
			RemotePath:   "/root/capture.dmp",
			Dir:          "captures",
			NameTemplate: "{tm}-e{exe}.dmp",
			TimeLayout:   "2006-01-02-15-04-05",
		},
	}
}

// withDefaults replaces non-positive polling and stage timeouts with the
// stock values; a zero ticker interval panics.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// MetricsReporter receives executor events.
type MetricsReporter interface {
	ObserveStage(instance int, stage Stage, ev Event, d time.Duration)
	IncVerdict(instance int, v Verdict)
	ObserveTransfer(instance int, elapsed time.Duration, bytes int64)
	SetThresholds(instance int, th Thresholds)
}

type noopMetrics struct{}

func (noopMetrics) ObserveStage(int, Stage, Event, time.Duration) {}
func (noopMetrics) IncVerdict(int, Verdict)                       {}
func (noopMetrics) ObserveTransfer(int, time.Duration, int64)     {}
func (noopMetrics) SetThresholds(int, Thresholds)                 {}

// -------------------------------------------------------------------------
// Executor
// -------------------------------------------------------------------------

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics sets the metrics reporter.
func WithMetrics(mr MetricsReporter) Option {
	return func(e *Executor) {
		if mr != nil {
			e.metrics = mr
		}
	}
}

// WithControl replaces the proxy control client.
func WithControl(c Control) Option {
	return func(e *Executor) { e.control = c }
}

// WithClock replaces the wall clock used for transfer timing, idle
// detection and capture names.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Result is the outcome of one Run.
type Result struct {
	Verdict Verdict

	// Elapsed is the measured transfer time used for classification.
	Elapsed time.Duration
	Bytes   int64

	// CapturePath is the local compressed capture, if any.
	CapturePath string

	// Err is the first stage error of a system failure.
	Err error
}

// Executor runs tests on one instance's nodes. Run and Baseline must not
// be called concurrently on the same Executor.
type Executor struct {
	topo    Topology
	cfg     Config
	nodes   Nodes
	control Control
	logger  *slog.Logger
	metrics MetricsReporter
	now     func() time.Time

	mu         sync.Mutex
	thresholds Thresholds
	testNum    uint64
}

// New creates an executor for topo.
func New(topo Topology, cfg Config, nodes Nodes, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		topo:    topo,
		cfg:     cfg.withDefaults(),
		nodes:   nodes,
		logger:  logger.With(slog.Int("instance", topo.Instance)),
		metrics: noopMetrics{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.control == nil {
		addr := net.JoinHostPort(topo.Proxy.IP, strconv.Itoa(cfg.ProxyPort))
		e.control = proxy.NewClient(addr, e.cfg.ProxyTimeout)
	}
	return e
}

// Instance returns the instance number.
func (e *Executor) Instance() int { return e.topo.Instance }

// Topology returns the instance topology.
func (e *Executor) Topology() Topology { return e.topo }

// Thresholds returns the current classification thresholds.
func (e *Executor) Thresholds() Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholds
}

// SetThresholds installs thresholds, for example from a previous run.
func (e *Executor) SetThresholds(th Thresholds) {
	e.mu.Lock()
	e.thresholds = th
	e.mu.Unlock()
	e.metrics.SetThresholds(e.topo.Instance, th)
}

// Run executes s (nil for a baseline round) and classifies the result.
func (e *Executor) Run(ctx context.Context, s *strategy.Strategy) Result {
	return e.run(ctx, s, e.Thresholds())
}

func (e *Executor) run(ctx context.Context, s *strategy.Strategy, th Thresholds) Result {
	e.mu.Lock()
	e.testNum++
	num := e.testNum
	e.mu.Unlock()

	r := &run{
		e:      e,
		strat:  s,
		th:     th,
		logger: e.logger.With(slog.Uint64("test", num), slog.String("strategy", s.String())),
	}
	r.logger.Info("test starting")

	stage := StageIdle
	for stage != StageDone {
		start := time.Now()
		ev := r.step(ctx, stage)
		e.metrics.ObserveStage(e.topo.Instance, stage, ev, time.Since(start))

		res := ApplyEvent(stage, ev)
		if !res.Known {
			r.logger.Error("no transition",
				slog.String("stage", stage.String()),
				slog.String("event", ev.String()),
			)
		}
		for _, a := range res.Actions {
			r.apply(ctx, a)
		}
		stage = res.To
	}

	out := r.result()
	e.metrics.IncVerdict(e.topo.Instance, out.Verdict)
	if out.Verdict != VerdictSystemFailure {
		e.metrics.ObserveTransfer(e.topo.Instance, out.Elapsed, out.Bytes)
	}

	attrs := []any{
		slog.String("verdict", string(out.Verdict)),
		slog.Duration("elapsed", out.Elapsed),
		slog.Int64("bytes", out.Bytes),
		slog.String("thresholds", th.String()),
	}
	if out.CapturePath != "" {
		attrs = append(attrs, slog.String("capture", out.CapturePath))
	}
	if out.Err != nil {
		attrs = append(attrs, slog.String("error", out.Err.Error()))
	}
	r.logger.Info("test finished", attrs...)
	return out
}

// expand replaces "{key}" placeholders in tmpl.
func expand(tmpl string, kv ...string) string {
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func stageErr(stage Stage, err error) error {
	return fmt.Errorf("%s: %w: %w", stage, ErrStageFailed, err)
}
