package executor_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"testing/synctest"
	"time"

	"github.com/samueljero/TCPwn/internal/executor"
	"github.com/samueljero/TCPwn/internal/proxy"
	"github.com/samueljero/TCPwn/internal/strategy"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type fakeProcess struct {
	mu      sync.Mutex
	done    chan struct{}
	exit    executor.Exit
	signals []syscall.Signal
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) finish(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.exit = executor.Exit{Code: code, Output: fmt.Sprintf("exit %d", code)}
	close(p.done)
}

func (p *fakeProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	p.finish(128 + int(sig))
	return nil
}

func (p *fakeProcess) Wait(ctx context.Context) (executor.Exit, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exit, nil
	case <-ctx.Done():
		return executor.Exit{}, ctx.Err()
	}
}

func (p *fakeProcess) interrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.signals, syscall.SIGINT)
}

// procSpec describes how a spawned command behaves.
type procSpec struct {
	// exitAfter > 0 exits with code after that long; 0 runs until
	// signalled.
	exitAfter time.Duration
	code      int

	// dead exits immediately with code.
	dead bool
}

type fakeNodes struct {
	mu          sync.Mutex
	calls       []string
	procs       map[string]*fakeProcess
	specs       map[string]procSpec
	unreachable map[int]bool
	runErr      map[string]error
	fetch       func(remote, local string) error
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{
		procs:       make(map[string]*fakeProcess),
		specs:       make(map[string]procSpec),
		unreachable: make(map[int]bool),
		runErr:      make(map[string]error),
	}
}

func (f *fakeNodes) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeNodes) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeNodes) proc(cmd string) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[cmd]
}

func (f *fakeNodes) StartNode(_ context.Context, n executor.Node) error {
	f.record("start %s", n.IP)
	return nil
}

func (f *fakeNodes) StopNode(_ context.Context, n executor.Node) error {
	f.record("stop %s", n.IP)
	return nil
}

func (f *fakeNodes) WaitReachable(ctx context.Context, n executor.Node, port int) error {
	f.record("wait %s:%d", n.IP, port)
	f.mu.Lock()
	down := f.unreachable[port]
	f.mu.Unlock()
	if down {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeNodes) Run(_ context.Context, n executor.Node, cmd string) (executor.Exit, error) {
	f.record("run %s %s", n.IP, cmd)
	f.mu.Lock()
	err := f.runErr[cmd]
	var victims []*fakeProcess
	if name, ok := strings.CutPrefix(cmd, "pkill "); ok {
		for c, p := range f.procs {
			if strings.Contains(c, name) {
				victims = append(victims, p)
			}
		}
	}
	f.mu.Unlock()

	for _, p := range victims {
		p.finish(143)
	}
	return executor.Exit{}, err
}

func (f *fakeNodes) Spawn(_ context.Context, n executor.Node, cmd string) (executor.Process, error) {
	f.record("spawn %s %s", n.IP, cmd)
	f.mu.Lock()
	spec := f.specs[cmd]
	p := newFakeProcess()
	f.procs[cmd] = p
	f.mu.Unlock()

	switch {
	case spec.dead:
		p.finish(spec.code)
	case spec.exitAfter > 0:
		time.AfterFunc(spec.exitAfter, func() { p.finish(spec.code) })
	}
	return p, nil
}

func (f *fakeNodes) Fetch(_ context.Context, n executor.Node, remote, local string) error {
	f.record("fetch %s %s", n.IP, remote)
	if f.fetch != nil {
		return f.fetch(remote, local)
	}
	return nil
}

func (f *fakeNodes) Push(_ context.Context, n executor.Node, local, remote string) error {
	f.record("push %s %s", n.IP, remote)
	return nil
}

type fakeControl struct {
	mu       sync.Mutex
	sent     []string
	sendErr  error
	stats    []proxy.Stats
	statsErr error
	activity func() time.Time

	// stall lists commands whose Send blocks until ctx is done.
	stall map[string]bool
}

func (c *fakeControl) Send(ctx context.Context, line string) error {
	c.mu.Lock()
	if c.stall[line] {
		c.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, line)
	return nil
}

// Stats returns the queued replies in order, repeating the last one.
func (c *fakeControl) Stats(context.Context, string, string, string) (proxy.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statsErr != nil {
		return proxy.Stats{}, c.statsErr
	}
	st := c.stats[0]
	if len(c.stats) > 1 {
		c.stats = c.stats[1:]
	}
	return st, nil
}

func (c *fakeControl) LastActivity(context.Context, string) (time.Time, error) {
	if c.activity == nil {
		return time.Time{}, nil
	}
	return c.activity(), nil
}

func (c *fakeControl) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

const (
	mainCmd = "curl -o /dev/null -m 60 http://10.0.3.3/bigfile"
	bgCmd   = "curl -o /dev/null -m 60 http://10.0.3.4/bigfile"
)

func testConfig() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.Capture.Dir = ""
	return cfg
}

// newTestExecutor wires fakes whose transfers finish after 5s and whose
// proxy reports a 12s, 100 MiB transfer.
func newTestExecutor(cfg executor.Config, opts ...executor.Option) (*executor.Executor, *fakeNodes, *fakeControl) {
	nodes := newFakeNodes()
	nodes.specs[mainCmd] = procSpec{exitAfter: 5 * time.Second}
	nodes.specs[bgCmd] = procSpec{exitAfter: 5 * time.Second}
	ctl := &fakeControl{stats: []proxy.Stats{{Elapsed: 12 * time.Second, Bytes: 100 << 20}}}

	opts = append([]executor.Option{executor.WithControl(ctl)}, opts...)
	e := executor.New(executor.NewTopology(0, ""), cfg, nodes, slog.New(slog.DiscardHandler), opts...)
	return e, nodes, ctl
}

func indexOf(t *testing.T, calls []string, want string) int {
	t.Helper()
	i := slices.Index(calls, want)
	if i < 0 {
		t.Fatalf("call %q not made; history:\n%s", want, strings.Join(calls, "\n"))
	}
	return i
}

// -------------------------------------------------------------------------
// Run
// -------------------------------------------------------------------------

func TestRunBaselineRoundStageOrder(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, ctl := newTestExecutor(testConfig())

		res := e.Run(t.Context(), nil)
		if res.Verdict != executor.VerdictSuccess || res.Err != nil {
			t.Fatalf("Run = %+v", res)
		}
		if res.Elapsed != 12*time.Second || res.Bytes != 100<<20 {
			t.Errorf("measured = %s/%d", res.Elapsed, res.Bytes)
		}

		want := proxy.ClearCommands("10.0.3.1", "10.0.3.3", "TCP")
		if got := ctl.commands(); !slices.Equal(got, want) {
			t.Errorf("sent = %q, want %q", got, want)
		}

		calls := nodes.history()
		order := []string{
			"run 10.0.1.5 pkill proxy",
			"run 10.0.1.6 pkill monitor",
			"spawn 10.0.1.6 /root/monitor/monitor -i eth1 -i eth2 -v -p 4444 -o 10.0.1.5:1026",
			"wait 10.0.1.6:4444",
			"run 10.0.1.5 /root/proxy/limit.sh",
			"spawn 10.0.1.5 /root/proxy/proxy -i eth1 -i eth2 -v -p 1026",
			"wait 10.0.1.5:1026",
			"run 10.0.1.3 service apache2 restart",
			"wait 10.0.1.3:80",
			"wait 10.0.1.4:80",
			"spawn 10.0.1.2 " + bgCmd,
			"spawn 10.0.1.1 " + mainCmd,
		}
		prev := -1
		for _, c := range order {
			i := indexOf(t, calls, c)
			if i <= prev {
				t.Errorf("%q out of order", c)
			}
			prev = i
		}

		// Proxy and monitor were stopped with SIGINT and a final cleanup ran.
		if !nodes.proc("/root/proxy/proxy -i eth1 -i eth2 -v -p 1026").interrupted() {
			t.Error("proxy not interrupted")
		}
		if got := strings.Count(strings.Join(calls, "\n"), "run 10.0.1.6 pkill monitor"); got != 2 {
			t.Errorf("monitor cleanup ran %d times, want 2", got)
		}
	})
}

func TestRunClassifies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		stats proxy.Stats
		want  executor.Verdict
	}{
		{"normal", proxy.Stats{Elapsed: 10 * time.Second, Bytes: 100 << 20}, executor.VerdictSuccess},
		{"stalled", proxy.Stats{Elapsed: 2 * time.Second, Bytes: 1 << 20}, executor.VerdictStalledConnection},
		{"faster", proxy.Stats{Elapsed: 2 * time.Second, Bytes: 100 << 20}, executor.VerdictPerformanceFaster},
		{"slower", proxy.Stats{Elapsed: 30 * time.Second, Bytes: 100 << 20}, executor.VerdictPerformanceSlower},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				e, _, ctl := newTestExecutor(testConfig())
				ctl.stats = []proxy.Stats{tt.stats}
				e.SetThresholds(executor.Thresholds{Low: 8 * time.Second, High: 12 * time.Second, Set: true})

				s := strategy.MustNew([]strategy.Action{{
					Src: "10.0.3.1", Dst: "10.0.3.3", Proto: "TCP",
					Code: strategy.CodeDiv, Params: "bpc=10",
				}}, strategy.OnPath, 0)
				if got := e.Run(t.Context(), s).Verdict; got != tt.want {
					t.Errorf("verdict = %s, want %s", got, tt.want)
				}
				if got := ctl.commands(); len(got) != 1 || got[0] != "10.0.3.1,10.0.3.3,TCP,0,0,*,DIV,bpc=10" {
					t.Errorf("sent = %q", got)
				}
			})
		})
	}
}

func TestRunProxyStartFailure(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, _ := newTestExecutor(testConfig())
		nodes.specs["/root/proxy/proxy -i eth1 -i eth2 -v -p 1026"] = procSpec{dead: true, code: 1}

		res := e.Run(t.Context(), nil)
		if res.Verdict != executor.VerdictSystemFailure {
			t.Fatalf("verdict = %s", res.Verdict)
		}
		if !errors.Is(res.Err, executor.ErrStageFailed) || !errors.Is(res.Err, executor.ErrRemoteCommand) {
			t.Errorf("err = %v", res.Err)
		}
		if !strings.Contains(res.Err.Error(), "StartProxy") {
			t.Errorf("err %q does not name the stage", res.Err)
		}

		monitor := nodes.proc("/root/monitor/monitor -i eth1 -i eth2 -v -p 4444 -o 10.0.1.5:1026")
		if !monitor.interrupted() {
			t.Error("monitor not torn down")
		}
		for _, c := range nodes.history() {
			if strings.HasPrefix(c, "spawn 10.0.1.1") || strings.HasPrefix(c, "spawn 10.0.1.2") {
				t.Errorf("traffic started after proxy failure: %s", c)
			}
		}
	})
}

func TestRunMonitorUnreachable(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, _ := newTestExecutor(testConfig())
		nodes.unreachable[4444] = true

		start := time.Now()
		res := e.Run(t.Context(), nil)
		if !errors.Is(res.Err, executor.ErrNodeUnreachable) {
			t.Fatalf("err = %v, want ErrNodeUnreachable", res.Err)
		}
		if waited := time.Since(start); waited != 240*time.Second {
			t.Errorf("waited %s, want the 240s start timeout", waited)
		}
		if !nodes.proc("/root/monitor/monitor -i eth1 -i eth2 -v -p 4444 -o 10.0.1.5:1026").interrupted() {
			t.Error("spawned monitor not torn down")
		}
	})
}

func TestRunSendFailure(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, ctl := newTestExecutor(testConfig())
		ctl.sendErr = proxy.ErrProtocol

		res := e.Run(t.Context(), nil)
		if res.Verdict != executor.VerdictSystemFailure || !errors.Is(res.Err, proxy.ErrProtocol) {
			t.Fatalf("Run = %+v", res)
		}
		if !nodes.proc("/root/proxy/proxy -i eth1 -i eth2 -v -p 1026").interrupted() {
			t.Error("proxy not torn down")
		}
	})
}

func TestRunQueryStatsFailure(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, ctl := newTestExecutor(testConfig())
		ctl.statsErr = proxy.ErrProtocol

		res := e.Run(t.Context(), nil)
		if res.Verdict != executor.VerdictSystemFailure {
			t.Fatalf("verdict = %s", res.Verdict)
		}
		if !nodes.proc("/root/monitor/monitor -i eth1 -i eth2 -v -p 4444 -o 10.0.1.5:1026").interrupted() {
			t.Error("monitor not torn down")
		}
	})
}

// A proxy that exits during the test has crashed: the run is a system
// failure but the monitor is still stopped and cleanup still runs.
func TestRunProxyCrash(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, _ := newTestExecutor(testConfig())
		nodes.specs["/root/proxy/proxy -i eth1 -i eth2 -v -p 1026"] = procSpec{exitAfter: 2 * time.Second, code: 139}

		res := e.Run(t.Context(), nil)
		if res.Verdict != executor.VerdictSystemFailure || !strings.Contains(res.Err.Error(), "StopProxy") {
			t.Fatalf("Run = %+v", res)
		}
		if !nodes.proc("/root/monitor/monitor -i eth1 -i eth2 -v -p 4444 -o 10.0.1.5:1026").interrupted() {
			t.Error("monitor not stopped after proxy crash")
		}
		if got := strings.Count(strings.Join(nodes.history(), "\n"), "pkill proxy"); got != 2 {
			t.Errorf("cleanup ran %d times, want 2", got)
		}
	})
}

// An idle connection interrupts both transfers; the interrupted main
// transfer exits non-zero so the measurement is clamped to MaxTime.
func TestRunIdleConnection(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, ctl := newTestExecutor(testConfig())
		nodes.specs[mainCmd] = procSpec{}
		nodes.specs[bgCmd] = procSpec{}
		started := time.Now()
		ctl.activity = func() time.Time { return started.Add(time.Second) }

		res := e.Run(t.Context(), nil)
		if res.Verdict != executor.VerdictSuccess {
			t.Fatalf("Run = %+v", res)
		}
		if res.Elapsed != 60*time.Second {
			t.Errorf("Elapsed = %s, want clamped 60s", res.Elapsed)
		}
		if !nodes.proc(mainCmd).interrupted() || !nodes.proc(bgCmd).interrupted() {
			t.Error("transfers not interrupted")
		}
		// Idle is detected on the first poll at least 10s after the last
		// activity.
		if d := time.Since(started); d < 11*time.Second || d > 20*time.Second {
			t.Errorf("run took %s", d)
		}
	})
}

func TestRunDelayedActions(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, _, ctl := newTestExecutor(testConfig())

		s := strategy.MustNew([]strategy.Action{
			{Src: "10.0.3.1", Dst: "10.0.3.3", Proto: "TCP", Code: strategy.CodeDup, Params: "num=2"},
			{Src: "10.0.3.1", Dst: "10.0.3.3", Proto: "TCP", Code: strategy.CodeDrop, Params: "p=1", Delay: 2 * time.Second},
			{Src: "10.0.3.1", Dst: "10.0.3.3", Proto: "TCP", Code: strategy.CodeBurst, Params: "num=4", Delay: time.Hour},
		}, strategy.OnPath, 0)

		if res := e.Run(t.Context(), s); res.Verdict != executor.VerdictSuccess {
			t.Fatalf("Run = %+v", res)
		}
		want := []string{
			"10.0.3.1,10.0.3.3,TCP,0,0,*,DUP,num=2",
			"10.0.3.1,10.0.3.3,TCP,0,0,*,DROP,p=1",
		}
		if got := ctl.commands(); !slices.Equal(got, want) {
			t.Errorf("sent = %q, want %q", got, want)
		}

		// The hour-long timer was cancelled with the run.
		time.Sleep(2 * time.Hour)
		synctest.Wait()
		if got := ctl.commands(); len(got) != 2 {
			t.Errorf("cancelled action sent: %q", got)
		}
	})
}

// A delayed command stuck on an unresponsive proxy must not hold up
// teardown.
func TestRunStalledDelayedAction(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, ctl := newTestExecutor(testConfig())
		stalled := "10.0.3.1,10.0.3.3,TCP,0,0,*,DROP,p=1"
		ctl.stall = map[string]bool{stalled: true}

		s := strategy.MustNew([]strategy.Action{
			{Src: "10.0.3.1", Dst: "10.0.3.3", Proto: "TCP", Code: strategy.CodeDrop, Params: "p=1", Delay: 2 * time.Second},
		}, strategy.OnPath, 0)

		start := time.Now()
		if res := e.Run(t.Context(), s); res.Verdict != executor.VerdictSuccess {
			t.Fatalf("Run = %+v", res)
		}
		if d := time.Since(start); d > time.Minute {
			t.Errorf("run took %s", d)
		}
		if !nodes.proc("/root/proxy/proxy -i eth1 -i eth2 -v -p 1026").interrupted() {
			t.Error("proxy not torn down")
		}
	})
}

// Zero intervals fall back to the stock values instead of panicking in
// the transfer poll loop.
func TestRunZeroIntervals(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		cfg := testConfig()
		cfg.PollInterval = 0
		cfg.StartTimeout = -time.Second
		cfg.StopTimeout = 0

		e, _, _ := newTestExecutor(cfg)
		res := e.Run(t.Context(), nil)
		if res.Verdict != executor.VerdictSuccess || res.Err != nil {
			t.Errorf("Run = %+v", res)
		}
	})
}

func TestRunMainTransferFailureClamps(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, _ := newTestExecutor(testConfig())
		nodes.specs[mainCmd] = procSpec{exitAfter: 3 * time.Second, code: 28}
		e.SetThresholds(executor.Thresholds{Low: 8 * time.Second, High: 20 * time.Second, Set: true})

		res := e.Run(t.Context(), nil)
		if res.Elapsed != 60*time.Second || res.Verdict != executor.VerdictPerformanceSlower {
			t.Errorf("Run = %+v", res)
		}
	})
}

func TestRunCapture(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	synctest.Test(t, func(t *testing.T) {
		cfg := testConfig()
		cfg.Capture.Enabled = true
		cfg.Capture.Dir = dir
		clock := time.Date(2026, 10, 19, 8, 30, 5, 0, time.UTC)

		e, nodes, _ := newTestExecutor(cfg, executor.WithClock(func() time.Time { return clock }))
		nodes.fetch = func(_, local string) error {
			return os.WriteFile(local, []byte("pcap"), 0o600)
		}

		res := e.Run(t.Context(), nil)
		if res.Verdict != executor.VerdictSuccess {
			t.Fatalf("Run = %+v", res)
		}
		want := filepath.Join(dir, "2026-10-19-08-30-05-e0.dmp.gz")
		if res.CapturePath != want {
			t.Errorf("CapturePath = %q, want %q", res.CapturePath, want)
		}
		if _, err := os.Stat(want); err != nil {
			t.Errorf("compressed capture: %v", err)
		}
		if _, err := os.Stat(strings.TrimSuffix(want, ".gz")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("uncompressed capture left behind: %v", err)
		}

		calls := nodes.history()
		if indexOf(t, calls, "run 10.0.1.5 pkill tcpdump") > indexOf(t, calls, "fetch 10.0.1.5 /root/capture.dmp") {
			t.Error("capture fetched before it was stopped")
		}
	})
}

func TestRunCleanupFailureIgnored(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, _ := newTestExecutor(testConfig())
		nodes.runErr["pkill monitor"] = errors.New("ssh: handshake failed")

		if res := e.Run(t.Context(), nil); res.Verdict != executor.VerdictSuccess || res.Err != nil {
			t.Errorf("Run = %+v", res)
		}
	})
}

// A capture that fails to start is not fatal.
func TestRunCaptureStartFailure(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		cfg := testConfig()
		cfg.Capture.Enabled = true
		e, nodes, _ := newTestExecutor(cfg)
		nodes.specs[cfg.Capture.Cmd] = procSpec{dead: true, code: 1}

		res := e.Run(t.Context(), nil)
		if res.Verdict != executor.VerdictSuccess || res.CapturePath != "" {
			t.Errorf("Run = %+v", res)
		}
	})
}

// Cancelling the run stops remote processes before returning.
func TestRunCancelled(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, _ := newTestExecutor(testConfig())
		nodes.specs[mainCmd] = procSpec{}
		nodes.specs[bgCmd] = procSpec{}

		ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
		defer cancel()

		res := e.Run(ctx, nil)
		if !errors.Is(res.Err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", res.Err)
		}
		for _, cmd := range []string{mainCmd, bgCmd, "/root/proxy/proxy -i eth1 -i eth2 -v -p 1026"} {
			if !nodes.proc(cmd).interrupted() {
				t.Errorf("%q not interrupted", cmd)
			}
		}
	})
}

// -------------------------------------------------------------------------
// Baseline
// -------------------------------------------------------------------------

func TestBaseline(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, _, ctl := newTestExecutor(testConfig())
		ctl.stats = []proxy.Stats{
			{Elapsed: 9 * time.Second, Bytes: 100 << 20},
			{Elapsed: 10 * time.Second, Bytes: 100 << 20},
			{Elapsed: 11 * time.Second, Bytes: 100 << 20},
		}

		th, err := e.Baseline(t.Context(), 3, 2)
		if err != nil {
			t.Fatalf("Baseline: %v", err)
		}
		if !th.Set || th.Mean != 10*time.Second {
			t.Errorf("thresholds = %+v", th)
		}
		if e.Thresholds() != th {
			t.Error("thresholds not installed")
		}
	})
}

func TestBaselineGivesUp(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		e, nodes, _ := newTestExecutor(testConfig())
		nodes.specs["/root/monitor/monitor -i eth1 -i eth2 -v -p 4444 -o 10.0.1.5:1026"] = procSpec{dead: true, code: 2}

		_, err := e.Baseline(t.Context(), 3, 4)
		if !errors.Is(err, executor.ErrBaselineFailed) {
			t.Fatalf("err = %v, want ErrBaselineFailed", err)
		}
		spawns := 0
		for _, c := range nodes.history() {
			if strings.HasPrefix(c, "spawn 10.0.1.6") {
				spawns++
			}
		}
		if spawns != 4 {
			t.Errorf("monitor spawned %d times, want 4", spawns)
		}
		if e.Thresholds().Set {
			t.Error("failed baseline installed thresholds")
		}
	})
}
