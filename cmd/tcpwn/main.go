// TCPwn daemon -- adversarial congestion-control testing campaign.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/samueljero/TCPwn/internal/alert"
	"github.com/samueljero/TCPwn/internal/campaign"
	"github.com/samueljero/TCPwn/internal/config"
	"github.com/samueljero/TCPwn/internal/executor"
	"github.com/samueljero/TCPwn/internal/generator"
	tcpwnmetrics "github.com/samueljero/TCPwn/internal/metrics"
	"github.com/samueljero/TCPwn/internal/remote"
	"github.com/samueljero/TCPwn/internal/server"
	appversion "github.com/samueljero/TCPwn/internal/version"
)

// shutdownTimeout is the maximum time to wait for the HTTP server to drain
// and for node stop hooks during shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 5 * time.Second

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 8 * 1024 * 1024 // 8 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	resume := flag.Bool("resume", false, "resume from the checkpoint instead of building a new queue")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("tcpwn"))
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("tcpwn starting",
		slog.String("version", appversion.Version),
		slog.String("mode", cfg.Generator.Mode),
		slog.Any("instances", cfg.Executor.Instances),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := tcpwnmetrics.NewCollector(reg)

	if err := runCampaign(cfg, *configPath, *resume, reg, collector, logLevel, logger); err != nil {
		logger.Error("tcpwn exited with error",
			slog.String("error", err.Error()),
		)
		dumpFlightRecorder(fr, cfg.Paths.Trace, logger)
		return 1
	}

	if fr != nil {
		fr.Stop()
	}
	logger.Info("tcpwn stopped")
	return 0
}

// runCampaign wires the generator, executors and HTTP endpoint and runs
// them under a signal-aware errgroup until the queue is exhausted or the
// process is told to stop.
func runCampaign(
	cfg *config.Config,
	configPath string,
	resume bool,
	reg *prometheus.Registry,
	collector *tcpwnmetrics.Collector,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	sigCtx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	results, err := generator.OpenResultsLog(cfg.Paths.Results)
	if err != nil {
		return err
	}
	defer closeResults(results, logger)

	gen := newGenerator(cfg, results, collector, logger)
	if err := fillQueue(sigCtx, cfg, resume, gen, collector, logger); err != nil {
		return err
	}

	nodes, err := remote.New(cfg.NodeParams(), logger)
	if err != nil {
		return fmt.Errorf("set up nodes: %w", err)
	}
	defer func() {
		if cerr := nodes.Close(); cerr != nil {
			logger.Warn("failed to close node connections", slog.String("error", cerr.Error()))
		}
	}()

	runners := make([]campaign.Runner, 0, len(cfg.Executor.Instances))
	for _, inst := range cfg.Executor.Instances {
		topo := executor.NewTopology(inst, cfg.Executor.IPTemplate)
		runners = append(runners, executor.New(topo, cfg.ExecutorParams(), nodes, logger,
			executor.WithMetrics(collector),
		))
	}

	health := server.NewHealth()

	camp := campaign.New(gen, runners, logger,
		campaign.WithSetup(nodes, campaign.Setup{
			StartVMs:    cfg.Nodes.StartVMs,
			ReplaceData: cfg.Nodes.ReplaceData,
			SourceDirs:  cfg.Nodes.SourceDirs,
			BuildCmd:    cfg.Nodes.BuildCmd,
			BootTimeout: cfg.Executor.StartTimeout,
		}),
		campaign.WithBaseline(campaign.Baseline{
			Rounds:      cfg.Baseline.Rounds,
			MaxFailures: cfg.Baseline.MaxFailures,
		}),
		campaign.WithHealth(health.SetServing),
	)
	logger.Info("campaign configured", slog.String("campaign_id", camp.ID()))

	// The campaign finishing on its own ends the daemon too.
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = server.New(cfg.Metrics.Addr, cfg.Metrics.Path, reg, health.Checker(), logger,
			server.WithMetrics(collector),
		)
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return server.ListenAndServe(gCtx, &net.ListenConfig{}, srv)
		})
	}

	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	g.Go(func() error {
		defer cancel()
		return camp.Run(gCtx)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, srv)
	})

	runErr := g.Wait()

	// Final checkpoint and node teardown run regardless of how the
	// campaign ended.
	if err := gen.Checkpoint(); err != nil && !errors.Is(err, generator.ErrNoCheckpointPath) {
		runErr = errors.Join(runErr, fmt.Errorf("final checkpoint: %w", err))
	} else if err == nil {
		logger.Info("final checkpoint written", slog.String("path", cfg.Paths.Checkpoint))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := camp.StopNodes(stopCtx); err != nil {
		logger.Warn("failed to stop nodes", slog.String("error", err.Error()))
	}

	if runErr != nil {
		return fmt.Errorf("run campaign: %w", runErr)
	}
	return nil
}

// -------------------------------------------------------------------------
// Generator
// -------------------------------------------------------------------------

func newGenerator(
	cfg *config.Config,
	results generator.Recorder,
	collector *tcpwnmetrics.Collector,
	logger *slog.Logger,
) *generator.Generator {
	opts := []generator.Option{
		generator.WithMetrics(collector),
		generator.WithRecorder(results),
		generator.WithCheckpoint(cfg.Paths.Checkpoint, cfg.Generator.CheckpointEvery),
		generator.WithMaxRetries(cfg.Generator.MaxRetries),
		generator.WithConfirmAnomalies(cfg.Generator.ConfirmAnomalies),
	}
	if cfg.Alert.Enabled {
		opts = append(opts, generator.WithAlerter(
			alert.New(cfg.MailParams(), logger, alert.WithMetrics(collector)),
		))
	}
	return generator.New(logger, opts...)
}

// fillQueue restores the checkpoint when resuming, or builds the queue
// from the configured source.
func fillQueue(
	ctx context.Context,
	cfg *config.Config,
	resume bool,
	gen *generator.Generator,
	collector *tcpwnmetrics.Collector,
	logger *slog.Logger,
) error {
	if resume {
		if _, err := os.Stat(cfg.Paths.Checkpoint); err == nil {
			if err := gen.Restore(cfg.Paths.Checkpoint); err != nil {
				return fmt.Errorf("restore checkpoint: %w", err)
			}
			n := gen.RequeueInflight()
			st := gen.Snapshot()
			logger.Info("resumed from checkpoint",
				slog.String("path", cfg.Paths.Checkpoint),
				slog.Int("requeued", n),
				slog.Int("unresolved", st.Unresolved()),
			)
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat checkpoint: %w", err)
		}
		logger.Warn("no checkpoint to resume from, building a new queue",
			slog.String("path", cfg.Paths.Checkpoint))
	}

	sources, err := cfg.Sources(logger, collector)
	if err != nil {
		return err
	}
	total := 0
	for _, src := range sources {
		n, err := gen.Build(ctx, src)
		if err != nil {
			return err
		}
		total += n
	}
	logger.Info("strategy queue built", slog.Int("strategies", total))
	return nil
}

func closeResults(results *generator.ResultsLog, logger *slog.Logger) {
	if err := results.Close(); err != nil {
		logger.Warn("failed to close results log", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Daemon goroutines
// -------------------------------------------------------------------------

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration: sd_notify and watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends watchdog keepalives at half the WatchdogSec interval.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload
// -------------------------------------------------------------------------

// handleSIGHUP reloads the log level on SIGHUP until ctx ends. Other
// settings take effect on the next start; a running campaign keeps the
// parameters its baselines were measured with.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown notifies systemd and drains the HTTP server. Executors
// tear themselves down when the campaign context ends.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	srv *http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Flight recorder
// -------------------------------------------------------------------------

// startFlightRecorder keeps a rolling execution trace so a campaign that
// stops on an error can be examined afterwards.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Debug("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// dumpFlightRecorder writes the recorder window to path and stops it.
func dumpFlightRecorder(fr *trace.FlightRecorder, path string, logger *slog.Logger) {
	if fr == nil {
		return
	}
	defer fr.Stop()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		logger.Warn("failed to create trace file", slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	if _, err := fr.WriteTo(f); err != nil {
		logger.Warn("failed to write flight recorder trace", slog.String("error", err.Error()))
		return
	}
	logger.Info("flight recorder trace written", slog.String("path", path))
}

// -------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
