// Package campaign runs a fleet of executor instances against one shared
// strategy generator.
//
// A campaign optionally boots and provisions every instance's nodes,
// collects a baseline per instance, then lets each instance pull
// strategies from the generator until the queue is exhausted or the
// context ends. Results flow back to the generator as outcomes; strategies
// interrupted by shutdown are handed back untouched.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samueljero/TCPwn/internal/executor"
	"github.com/samueljero/TCPwn/internal/generator"
	"github.com/samueljero/TCPwn/internal/stats"
	"github.com/samueljero/TCPwn/internal/strategy"
)

// DefaultIdlePoll is how long a worker waits before asking an empty
// generator again while other instances still hold strategies.
const DefaultIdlePoll = time.Second

// sshPort is polled for reachability after booting a node.
const sshPort = 22

// ErrNoRunners indicates a campaign without executor instances.
var ErrNoRunners = errors.New("campaign has no executor instances")

// -------------------------------------------------------------------------
// Collaborators
// -------------------------------------------------------------------------

// Runner is one executor instance.
type Runner interface {
	Instance() int
	Topology() executor.Topology
	Baseline(ctx context.Context, rounds, maxFailures int) (executor.Thresholds, error)
	Run(ctx context.Context, s *strategy.Strategy) executor.Result
}

// Queue is the shared strategy generator.
type Queue interface {
	Next() (*strategy.Strategy, bool)
	ReturnFailed(s *strategy.Strategy) error
	RecordResult(s *strategy.Strategy, out generator.Outcome) error
	Done() bool
}

var (
	_ Runner = (*executor.Executor)(nil)
	_ Queue  = (*generator.Generator)(nil)
)

// Setup controls node preparation before the baselines.
type Setup struct {
	// StartVMs boots every node and waits for SSH.
	StartVMs bool

	// ReplaceData pushes SourceDirs, keyed by role name ("proxy",
	// "monitor"), to the home directory of every node with that role and
	// runs BuildCmd inside the copied directory.
	ReplaceData bool
	SourceDirs  map[string]string
	BuildCmd    string

	// BootTimeout bounds the wait for SSH after boot.
	BootTimeout time.Duration
}

// Baseline controls the per-instance baseline.
type Baseline struct {
	Rounds      int
	MaxFailures int

	// Skip keeps thresholds already installed on the runners.
	Skip bool
}

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures a Campaign.
type Option func(*Campaign)

// WithSetup enables node preparation through nodes.
func WithSetup(nodes executor.Nodes, s Setup) Option {
	return func(c *Campaign) {
		c.nodes = nodes
		c.setup = s
	}
}

// WithBaseline sets the baseline parameters.
func WithBaseline(b Baseline) Option {
	return func(c *Campaign) { c.baseline = b }
}

// WithHealth registers a callback told whether the campaign is testing.
func WithHealth(fn func(serving bool)) Option {
	return func(c *Campaign) {
		if fn != nil {
			c.health = fn
		}
	}
}

// WithIdlePoll overrides DefaultIdlePoll.
func WithIdlePoll(d time.Duration) Option {
	return func(c *Campaign) {
		if d > 0 {
			c.idlePoll = d
		}
	}
}

// WithID sets the campaign ID instead of a random one.
func WithID(id string) Option {
	return func(c *Campaign) { c.id = id }
}

// -------------------------------------------------------------------------
// Campaign
// -------------------------------------------------------------------------

// Campaign coordinates runners over a shared queue.
type Campaign struct {
	id       string
	queue    Queue
	runners  []Runner
	nodes    executor.Nodes
	setup    Setup
	baseline Baseline
	health   func(bool)
	idlePoll time.Duration
	logger   *slog.Logger

	dist *stats.Distribution
}

// New creates a campaign.
func New(queue Queue, runners []Runner, logger *slog.Logger, opts ...Option) *Campaign {
	c := &Campaign{
		id:       uuid.NewString(),
		queue:    queue,
		runners:  runners,
		baseline: Baseline{Rounds: executor.DefaultBaselineRounds},
		health:   func(bool) {},
		idlePoll: DefaultIdlePoll,
		dist:     stats.NewDistribution(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logger.With(slog.String("component", "campaign"), slog.String("campaign_id", c.id))
	return c
}

// ID returns the campaign ID.
func (c *Campaign) ID() string { return c.id }

// Summary returns the distribution of successful transfer times so far.
func (c *Campaign) Summary() stats.Summary { return c.dist.Summary() }

// Run prepares nodes, collects baselines and tests until the queue is
// exhausted or ctx ends. Cancellation is not an error.
func (c *Campaign) Run(ctx context.Context) error {
	if len(c.runners) == 0 {
		return ErrNoRunners
	}
	c.logger.Info("campaign starting", slog.Int("instances", len(c.runners)))
	c.health(false)
	defer c.health(false)

	if err := c.prepare(ctx); err != nil {
		return c.cancelled(ctx, fmt.Errorf("prepare nodes: %w", err))
	}
	if err := c.baselines(ctx); err != nil {
		return c.cancelled(ctx, err)
	}

	c.health(true)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range c.runners {
		g.Go(func() error { return c.work(gctx, r) })
	}
	err := g.Wait()

	c.logger.Info("campaign finished",
		slog.Duration("took", time.Since(start)),
		slog.Bool("exhausted", c.queue.Done()),
		slog.Any("successful_transfers", c.dist.Summary()),
	)
	return c.cancelled(ctx, err)
}

// cancelled drops err when it is only the echo of ctx ending.
func (c *Campaign) cancelled(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// -------------------------------------------------------------------------
// Preparation
// -------------------------------------------------------------------------

func (c *Campaign) prepare(ctx context.Context) error {
	if c.nodes == nil || (!c.setup.StartVMs && !c.setup.ReplaceData) {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range c.runners {
		for _, n := range r.Topology().Nodes() {
			g.Go(func() error { return c.prepareNode(gctx, n) })
		}
	}
	return g.Wait()
}

func (c *Campaign) prepareNode(ctx context.Context, n executor.Node) error {
	log := c.logger.With(slog.Int("node", n.ID), slog.String("role", n.Role.String()))

	if c.setup.StartVMs {
		if err := c.nodes.StartNode(ctx, n); err != nil {
			return fmt.Errorf("start node %d: %w", n.ID, err)
		}
		wctx, cancel := context.WithTimeout(ctx, c.bootTimeout())
		err := c.nodes.WaitReachable(wctx, n, sshPort)
		cancel()
		if err != nil {
			return fmt.Errorf("node %d: %w: %w", n.ID, executor.ErrNodeUnreachable, err)
		}
		log.Info("node started", slog.String("ip", n.IP))
	}

	if !c.setup.ReplaceData {
		return nil
	}
	src, ok := c.setup.SourceDirs[n.Role.String()]
	if !ok || src == "" {
		return nil
	}
	if err := c.nodes.Push(ctx, n, src, "."); err != nil {
		return fmt.Errorf("replace data on node %d: %w", n.ID, err)
	}
	cmd := "cd " + filepath.Base(filepath.Clean(src)) + " && " + c.setup.BuildCmd
	exit, err := c.nodes.Run(ctx, n, cmd)
	if err != nil {
		return fmt.Errorf("build on node %d: %w", n.ID, err)
	}
	if !exit.Success() {
		return fmt.Errorf("build on node %d exited %d: %w", n.ID, exit.Code, executor.ErrRemoteCommand)
	}
	log.Info("node data replaced", slog.String("source", src))
	return nil
}

// StopNodes runs the stop hook for every node of every instance. It is a
// no-op unless the campaign booted them.
func (c *Campaign) StopNodes(ctx context.Context) error {
	if c.nodes == nil || !c.setup.StartVMs {
		return nil
	}
	var errs []error
	for _, r := range c.runners {
		for _, n := range r.Topology().Nodes() {
			if err := c.nodes.StopNode(ctx, n); err != nil {
				errs = append(errs, fmt.Errorf("stop node %d: %w", n.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Campaign) bootTimeout() time.Duration {
	if c.setup.BootTimeout > 0 {
		return c.setup.BootTimeout
	}
	return executor.DefaultConfig().StartTimeout
}

// -------------------------------------------------------------------------
// Baselines
// -------------------------------------------------------------------------

func (c *Campaign) baselines(ctx context.Context) error {
	if c.baseline.Skip {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range c.runners {
		g.Go(func() error {
			if _, err := r.Baseline(gctx, c.baseline.Rounds, c.baseline.MaxFailures); err != nil {
				return fmt.Errorf("instance %d: %w", r.Instance(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// -------------------------------------------------------------------------
// Workers
// -------------------------------------------------------------------------

// work runs strategies on r until the queue is exhausted or ctx ends.
func (c *Campaign) work(ctx context.Context, r Runner) error {
	log := c.logger.With(slog.Int("instance", r.Instance()))
	idle := time.NewTicker(c.idlePoll)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		s, ok := c.queue.Next()
		if !ok {
			if c.queue.Done() {
				log.Info("no strategies left")
				return nil
			}
			// Other instances still hold strategies that may come back.
			select {
			case <-ctx.Done():
				return nil
			case <-idle.C:
			}
			continue
		}

		res := r.Run(ctx, s)
		if ctx.Err() != nil {
			if err := c.queue.ReturnFailed(s); err != nil {
				return fmt.Errorf("return strategy %d: %w", s.ID, err)
			}
			log.Info("strategy returned on shutdown", slog.Uint64("strategy_id", s.ID))
			return nil
		}

		if res.Verdict == executor.VerdictSuccess {
			c.dist.Record(res.Elapsed)
		}
		if err := c.queue.RecordResult(s, Outcome(res)); err != nil {
			return fmt.Errorf("record result of strategy %d: %w", s.ID, err)
		}
	}
}

// Outcome converts an executor result into a generator outcome.
func Outcome(res executor.Result) generator.Outcome {
	if res.Verdict == executor.VerdictSuccess {
		return generator.Outcome{Success: true}
	}
	return generator.Outcome{
		Reason: generator.Reason(res.Verdict),
		Feedback: generator.Feedback{
			CapturePath:         res.CapturePath,
			TransferTimeSeconds: res.Elapsed.Seconds(),
			BytesTransferred:    res.Bytes,
		},
	}
}
