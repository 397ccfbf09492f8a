package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/samueljero/TCPwn/internal/proxy"
	"github.com/samueljero/TCPwn/internal/strategy"
)

// run is the mutable state of one test.
type run struct {
	e      *Executor
	strat  *strategy.Strategy
	th     Thresholds
	logger *slog.Logger

	monitor Process
	proxy   Process
	capture Process

	timers    timerSet
	timerCtx  context.Context
	timerStop context.CancelFunc

	mainFailed  bool
	mainElapsed time.Duration
	bgElapsed   time.Duration
	stats       proxy.Stats
	capturePath string

	failed  bool
	err     error
	verdict Verdict
}

// step executes the body of stage and reports its event.
func (r *run) step(ctx context.Context, stage Stage) Event {
	var err error
	switch stage {
	case StageIdle:
		return EventOK
	case StageCleanup, StageFinalCleanup:
		err = r.cleanup(ctx)
	case StageStartMonitor:
		err = r.startMonitor(ctx)
	case StageStartProxy:
		err = r.startProxy(ctx)
	case StageSendStrategy:
		err = r.sendStrategy(ctx)
	case StageCaptureStart:
		if !r.e.cfg.Capture.Enabled {
			return EventSkip
		}
		err = r.startCapture(ctx)
	case StageRunTraffic:
		err = r.runTraffic(ctx)
	case StageCaptureStop:
		if r.capture == nil {
			return EventSkip
		}
		err = r.stopCapture(ctx)
	case StageQueryStats:
		err = r.queryStats(ctx)
	case StageStopProxy:
		err = r.stopComponent(ctx, "proxy", &r.proxy)
	case StageStopMonitor:
		err = r.stopComponent(ctx, "monitor", &r.monitor)
	case StageEvaluate:
		r.evaluate()
		return EventOK
	default:
		err = fmt.Errorf("unexpected stage %s", stage)
	}

	if err != nil {
		r.logger.Warn("stage failed",
			slog.String("stage", stage.String()),
			slog.String("error", err.Error()),
		)
		if r.err == nil && stage != StageCleanup && stage != StageFinalCleanup {
			r.err = stageErr(stage, err)
		}
		return EventFail
	}
	return EventOK
}

// apply executes one transition action. Teardown runs on a context that
// survives cancellation of ctx so shutdown still stops remote processes.
func (r *run) apply(ctx context.Context, a Action) {
	switch a {
	case ActionMarkSystemFailure:
		r.failed = true
	case ActionCancelTimers:
		// Cancel first so in-flight callbacks abort their proxy commands
		// instead of stop() waiting them out.
		if r.timerStop != nil {
			r.timerStop()
		}
		r.timers.stop()
	case ActionTeardownCapture:
		if r.capture != nil {
			tctx, cancel := r.teardownContext(ctx)
			defer cancel()
			if _, err := r.e.nodes.Run(tctx, r.e.topo.Proxy, r.e.cfg.Capture.KillCmd); err != nil {
				r.logger.Debug("capture kill failed", slog.String("error", err.Error()))
			}
			r.teardown(tctx, "capture", &r.capture)
		}
	case ActionTeardownProxy:
		tctx, cancel := r.teardownContext(ctx)
		defer cancel()
		r.teardown(tctx, "proxy", &r.proxy)
	case ActionTeardownMonitor:
		tctx, cancel := r.teardownContext(ctx)
		defer cancel()
		r.teardown(tctx, "monitor", &r.monitor)
	}
}

func (r *run) teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.e.cfg.StopTimeout)
}

// teardown interrupts *p if it is still running and forgets it.
func (r *run) teardown(ctx context.Context, name string, p *Process) {
	proc := *p
	if proc == nil {
		return
	}
	*p = nil
	if proc.Running() {
		if err := proc.Signal(syscall.SIGINT); err != nil {
			r.logger.Warn("interrupt failed", slog.String("process", name), slog.String("error", err.Error()))
		}
	}
	exit, err := proc.Wait(ctx)
	if err != nil {
		r.logger.Warn("wait failed", slog.String("process", name), slog.String("error", err.Error()))
		return
	}
	r.logger.Debug("process torn down",
		slog.String("process", name),
		slog.Int("code", exit.Code),
		slog.String("output", exit.Output),
	)
}

func (r *run) result() Result {
	out := Result{
		Verdict:     r.verdict,
		Elapsed:     r.measured(),
		Bytes:       r.stats.Bytes,
		CapturePath: r.capturePath,
	}
	if r.failed || out.Verdict == "" {
		out.Verdict = VerdictSystemFailure
		out.Err = r.err
		if out.Err == nil {
			out.Err = ErrStageFailed
		}
	}
	return out
}

// measured is the proxy-reported elapsed time, clamped to MaxTime when the
// main transfer exited non-zero.
func (r *run) measured() time.Duration {
	if r.mainFailed {
		return r.e.cfg.MaxTime
	}
	return r.stats.Elapsed
}

func (r *run) evaluate() {
	if r.failed {
		r.verdict = VerdictSystemFailure
		return
	}
	cfg := r.e.cfg
	r.verdict = Classify(r.th, r.measured(), r.stats.Bytes, CompleteBytes(cfg.TransferSize, cfg.TransferMultiple))
}

// -------------------------------------------------------------------------
// Stage bodies
// -------------------------------------------------------------------------

// cleanup kills leftover proxy and monitor processes.
func (r *run) cleanup(ctx context.Context) error {
	var errs []error
	if _, err := r.e.nodes.Run(ctx, r.e.topo.Proxy, r.e.cfg.ProxyKillCmd); err != nil {
		errs = append(errs, fmt.Errorf("kill proxy: %w", err))
	}
	if _, err := r.e.nodes.Run(ctx, r.e.topo.Monitor, r.e.cfg.MonitorKillCmd); err != nil {
		errs = append(errs, fmt.Errorf("kill monitor: %w", err))
	}
	return errors.Join(errs...)
}

func (r *run) startMonitor(ctx context.Context) error {
	cfg := r.e.cfg
	cmd := expand(cfg.MonitorCmd,
		"port", strconv.Itoa(cfg.MonitorPort),
		"proxy", r.e.topo.Proxy.IP,
		"proxyport", strconv.Itoa(cfg.ProxyPort),
	)
	proc, err := r.spawn(ctx, r.e.topo.Monitor, "monitor", cmd)
	if err != nil {
		return err
	}
	r.monitor = proc
	return r.waitReachable(ctx, r.e.topo.Monitor, cfg.MonitorPort)
}

func (r *run) startProxy(ctx context.Context) error {
	cfg := r.e.cfg
	if cfg.LimitCmd != "" {
		exit, err := r.e.nodes.Run(ctx, r.e.topo.Proxy, cfg.LimitCmd)
		if err != nil {
			return fmt.Errorf("traffic limit setup: %w", err)
		}
		if !exit.Success() {
			return fmt.Errorf("traffic limit setup exited %d: %w", exit.Code, ErrRemoteCommand)
		}
	}

	cmd := expand(cfg.ProxyCmd, "port", strconv.Itoa(cfg.ProxyPort))
	proc, err := r.spawn(ctx, r.e.topo.Proxy, "proxy", cmd)
	if err != nil {
		return err
	}
	r.proxy = proc
	return r.waitReachable(ctx, r.e.topo.Proxy, cfg.ProxyPort)
}

// sendStrategy installs the strategy on the proxy. A nil strategy resets
// the proxy with the CLEAR pair. Delayed actions are sent by timers.
func (r *run) sendStrategy(ctx context.Context) error {
	t := r.e.cfg.Target
	if r.strat == nil {
		for _, line := range proxy.ClearCommands(t.ClientIP, t.ServerIP, t.Protocol) {
			if err := r.e.control.Send(ctx, line); err != nil {
				return err
			}
		}
		return nil
	}

	r.timerCtx, r.timerStop = context.WithCancel(context.WithoutCancel(ctx))
	for _, a := range r.strat.Actions {
		line := a.String()
		if a.Delay > 0 {
			r.timers.schedule(a.Delay, func() { r.sendDelayed(line) })
			continue
		}
		r.logger.Debug("strategy command", slog.String("line", line))
		if err := r.e.control.Send(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) sendDelayed(line string) {
	r.logger.Debug("delayed strategy command", slog.String("line", line))
	if err := r.e.control.Send(r.timerCtx, line); err != nil {
		r.logger.Warn("delayed strategy command failed",
			slog.String("line", line),
			slog.String("error", err.Error()),
		)
	}
}

func (r *run) startCapture(ctx context.Context) error {
	cfg := r.e.cfg.Capture
	name := expand(cfg.NameTemplate,
		"tm", r.e.now().Format(cfg.TimeLayout),
		"exe", strconv.Itoa(r.e.topo.Instance),
	)
	proc, err := r.spawn(ctx, r.e.topo.Proxy, "capture", cfg.Cmd)
	if err != nil {
		return err
	}
	r.capture = proc
	r.capturePath = filepath.Join(cfg.Dir, name)
	return nil
}

// stopCapture stops the capture, copies it locally and compresses it.
func (r *run) stopCapture(ctx context.Context) error {
	cfg := r.e.cfg.Capture
	if _, err := r.e.nodes.Run(ctx, r.e.topo.Proxy, cfg.KillCmd); err != nil {
		r.logger.Debug("capture kill failed", slog.String("error", err.Error()))
	}
	proc := r.capture
	r.capture = nil
	if _, err := proc.Wait(ctx); err != nil {
		return fmt.Errorf("wait for capture: %w", err)
	}

	local := r.capturePath
	if err := r.e.nodes.Fetch(ctx, r.e.topo.Proxy, cfg.RemotePath, local); err != nil {
		r.capturePath = ""
		return fmt.Errorf("fetch capture: %w", err)
	}
	gz, err := gzipFile(local)
	if err != nil {
		return err
	}
	r.capturePath = gz
	return nil
}

// runTraffic starts the servers, runs the background and main transfers
// and waits for both, interrupting them once the proxy reports the
// connection idle.
func (r *run) runTraffic(ctx context.Context) error {
	cfg := r.e.cfg
	for _, srv := range r.e.topo.Servers {
		if cfg.ServerStartCmd != "" {
			exit, err := r.e.nodes.Run(ctx, srv, cfg.ServerStartCmd)
			if err != nil {
				return fmt.Errorf("start server %s: %w", srv.IP, err)
			}
			if !exit.Success() {
				return fmt.Errorf("start server %s exited %d: %w", srv.IP, exit.Code, ErrRemoteCommand)
			}
		}
		if err := r.waitReachable(ctx, srv, cfg.ServerPort); err != nil {
			return err
		}
	}
	r.logger.Debug("servers started")

	if err := sleepCtx(ctx, cfg.SettleDelay); err != nil {
		return err
	}

	tm := strconv.Itoa(int(cfg.MaxTime / time.Second))
	bg, err := r.spawn(ctx, r.e.topo.Clients[1], "background transfer", expand(cfg.BackgroundClientCmd, "tm", tm))
	if err != nil {
		return err
	}
	bgStart := r.e.now()

	primary, err := r.spawn(ctx, r.e.topo.Clients[0], "main transfer", expand(cfg.MainClientCmd, "tm", tm))
	if err != nil {
		r.interrupt(ctx, bg)
		return err
	}
	mainStart := r.e.now()

	if err := r.watchTransfers(ctx, primary, bg, mainStart, bgStart); err != nil {
		return err
	}

	mainExit, err := primary.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for main transfer: %w", err)
	}
	if !mainExit.Success() {
		r.logger.Warn("main transfer failed", slog.Int("code", mainExit.Code))
		r.mainFailed = true
		r.mainElapsed = cfg.MaxTime
	}
	r.logger.Debug("main transfer output", slog.String("output", mainExit.Output))

	bgExit, err := bg.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for background transfer: %w", err)
	}
	if !bgExit.Success() {
		r.logger.Warn("background transfer failed", slog.Int("code", bgExit.Code))
		r.bgElapsed = cfg.MaxTime
	}
	r.logger.Debug("background transfer output", slog.String("output", bgExit.Output))

	r.logger.Info("transfers finished",
		slog.Duration("main", r.mainElapsed),
		slog.Duration("background", r.bgElapsed),
	)
	return nil
}

// watchTransfers polls until both transfers exit or the proxy reports the
// connection idle for MaxIdle.
func (r *run) watchTransfers(ctx context.Context, primary, bg Process, mainStart, bgStart time.Time) error {
	ticker := time.NewTicker(r.e.cfg.PollInterval)
	defer ticker.Stop()

	for primary.Running() || bg.Running() {
		if bg.Running() {
			r.bgElapsed = r.e.now().Sub(bgStart)
		}
		if primary.Running() {
			r.mainElapsed = r.e.now().Sub(mainStart)
		}
		if r.idle(ctx) {
			r.logger.Info("connection idle, stopping transfers")
			r.signal(primary, "main transfer")
			r.signal(bg, "background transfer")
			return nil
		}

		select {
		case <-ctx.Done():
			r.interrupt(ctx, primary)
			r.interrupt(ctx, bg)
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// idle reports whether the proxy has seen no traffic for MaxIdle. Query
// failures count as not idle.
func (r *run) idle(ctx context.Context) bool {
	last, err := r.e.control.LastActivity(ctx, r.e.cfg.Target.Protocol)
	if err != nil {
		r.logger.Debug("activity query failed", slog.String("error", err.Error()))
		return false
	}
	if last.IsZero() {
		return false
	}
	return r.e.now().Sub(last) >= r.e.cfg.MaxIdle
}

func (r *run) queryStats(ctx context.Context) error {
	t := r.e.cfg.Target
	st, err := r.e.control.Stats(ctx, t.ClientIP, t.ServerIP, t.Protocol)
	if err != nil {
		return err
	}
	r.stats = st
	r.logger.Info("transfer measured",
		slog.Duration("elapsed", st.Elapsed),
		slog.Int64("bytes", st.Bytes),
	)
	return nil
}

// stopComponent interrupts a component started by this run. A component
// that exited on its own crashed during the test.
func (r *run) stopComponent(ctx context.Context, name string, p *Process) error {
	proc := *p
	if proc == nil {
		return nil
	}
	*p = nil

	if !proc.Running() {
		exit, _ := proc.Wait(ctx)
		r.logger.Error("component crashed",
			slog.String("process", name),
			slog.Int("code", exit.Code),
			slog.String("output", exit.Output),
		)
		return fmt.Errorf("%s crashed: %w", name, ErrRemoteCommand)
	}

	if err := proc.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("interrupt %s: %w", name, err)
	}
	exit, err := proc.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", name, err)
	}
	r.logger.Debug("component stopped", slog.String("process", name), slog.String("output", exit.Output))
	return nil
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// spawn starts cmd on n and checks that it is still running.
func (r *run) spawn(ctx context.Context, n Node, name, cmd string) (Process, error) {
	r.logger.Debug("spawning", slog.String("process", name), slog.String("node", n.IP), slog.String("cmd", cmd))
	proc, err := r.e.nodes.Spawn(ctx, n, cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s on %s: %w", name, n.IP, err)
	}
	if !proc.Running() {
		exit, _ := proc.Wait(ctx)
		return nil, fmt.Errorf("%s on %s exited at start (code %d): %s: %w",
			name, n.IP, exit.Code, exit.Output, ErrRemoteCommand)
	}
	return proc, nil
}

func (r *run) waitReachable(ctx context.Context, n Node, port int) error {
	ctx, cancel := context.WithTimeout(ctx, r.e.cfg.StartTimeout)
	defer cancel()
	if err := r.e.nodes.WaitReachable(ctx, n, port); err != nil {
		return fmt.Errorf("%s:%d after %s: %w: %w", n.IP, port, r.e.cfg.StartTimeout, ErrNodeUnreachable, err)
	}
	return nil
}

func (r *run) signal(p Process, name string) {
	if !p.Running() {
		return
	}
	if err := p.Signal(syscall.SIGINT); err != nil {
		r.logger.Debug("interrupt failed", slog.String("process", name), slog.String("error", err.Error()))
	}
}

// interrupt signals p and waits for it on a context that outlives ctx.
func (r *run) interrupt(ctx context.Context, p Process) {
	r.signal(p, "transfer")
	tctx, cancel := r.teardownContext(ctx)
	defer cancel()
	_, _ = p.Wait(tctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
