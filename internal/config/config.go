// Package config manages TCPwn campaign configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over built-in
// defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/samueljero/TCPwn/internal/alert"
	"github.com/samueljero/TCPwn/internal/executor"
	"github.com/samueljero/TCPwn/internal/generator"
	"github.com/samueljero/TCPwn/internal/remote"
	"github.com/samueljero/TCPwn/internal/search"
	"github.com/samueljero/TCPwn/internal/strategy"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete TCPwn configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Target    TargetConfig    `koanf:"target"`
	Generator GeneratorConfig `koanf:"generator"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Baseline  BaselineConfig  `koanf:"baseline"`
	Capture   CaptureConfig   `koanf:"capture"`
	Proxy     ProxyConfig     `koanf:"proxy"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Nodes     NodesConfig     `koanf:"nodes"`
	Alert     AlertConfig     `koanf:"alert"`
	Paths     PathsConfig     `koanf:"paths"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus and health endpoint configuration.
// An empty Addr disables the HTTP server.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// TargetConfig selects the implementation under test and the measured
// flow.
type TargetConfig struct {
	// Model is the protocol state-machine model handed to the searcher.
	Model string `koanf:"model"`
	// Term is the search term, e.g. a congestion-control state name.
	Term string `koanf:"term"`

	ClientIP string `koanf:"client_ip"`
	ServerIP string `koanf:"server_ip"`
	Protocol string `koanf:"protocol"`
}

// GeneratorConfig selects and tunes the strategy source.
type GeneratorConfig struct {
	// Mode is "brute-force", "state-search" or "replay".
	Mode string `koanf:"mode"`

	// CatalogFile and RulesFile override the embedded catalog and rule
	// table when set.
	CatalogFile string `koanf:"catalog_file"`
	RulesFile   string `koanf:"rules_file"`

	// ReplayFile is read in replay mode.
	ReplayFile string `koanf:"replay_file"`

	Searcher      string        `koanf:"searcher"`
	SearchTimeout time.Duration `koanf:"search_timeout"`
	MaxPerPath    int           `koanf:"max_per_path"`

	// OffPath appends the off-path strategies after the on-path queue in
	// state-search mode. Off by default; the search only queues on-path
	// strategies unless a lab opts in.
	OffPath bool `koanf:"off_path"`

	MaxRetries       int    `koanf:"max_retries"`
	CheckpointEvery  uint64 `koanf:"checkpoint_every"`
	ConfirmAnomalies bool   `koanf:"confirm_anomalies"`
}

// Generator modes.
const (
	ModeBruteForce  = "brute-force"
	ModeStateSearch = "state-search"
	ModeReplay      = "replay"
)

// ExecutorConfig holds the per-instance test parameters.
type ExecutorConfig struct {
	// Instances lists the executor instance numbers to run. Instance i
	// drives nodes 6i+1 .. 6i+6.
	Instances []int `koanf:"instances"`

	// IPTemplate maps a node ID to its address; "{id}" is replaced.
	IPTemplate string `koanf:"ip_template"`

	ServerCmd           string `koanf:"server_cmd"`
	ServerPort          int    `koanf:"server_port"`
	MainClientCmd       string `koanf:"main_client_cmd"`
	BackgroundClientCmd string `koanf:"background_client_cmd"`

	MaxTime      time.Duration `koanf:"max_time"`
	MaxIdle      time.Duration `koanf:"max_idle"`
	PollInterval time.Duration `koanf:"poll_interval"`
	StartTimeout time.Duration `koanf:"start_timeout"`
	SettleDelay  time.Duration `koanf:"settle_delay"`
	StopTimeout  time.Duration `koanf:"stop_timeout"`

	// TransferSize is the full transfer in bytes; a transfer moving less
	// than TransferMultiple of it counts as stalled.
	TransferSize     int64   `koanf:"transfer_size"`
	TransferMultiple float64 `koanf:"transfer_multiple"`
}

// BaselineConfig controls the measurement rounds run before testing.
type BaselineConfig struct {
	Rounds      int `koanf:"rounds"`
	MaxFailures int `koanf:"max_failures"`
}

// CaptureConfig controls the optional packet capture on the proxy node.
type CaptureConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Cmd          string `koanf:"cmd"`
	KillCmd      string `koanf:"kill_cmd"`
	RemotePath   string `koanf:"remote_path"`
	NameTemplate string `koanf:"name_template"`
	TimeLayout   string `koanf:"time_layout"`
}

// ProxyConfig configures the attack proxy.
type ProxyConfig struct {
	Port     int           `koanf:"port"`
	Cmd      string        `koanf:"cmd"`
	KillCmd  string        `koanf:"kill_cmd"`
	LimitCmd string        `koanf:"limit_cmd"`
	Timeout  time.Duration `koanf:"timeout"`
}

// MonitorConfig configures the traffic monitor.
type MonitorConfig struct {
	Port    int    `koanf:"port"`
	Cmd     string `koanf:"cmd"`
	KillCmd string `koanf:"kill_cmd"`
}

// NodesConfig configures SSH access and node lifecycle.
type NodesConfig struct {
	User           string        `koanf:"user"`
	KeyFile        string        `koanf:"key_file"`
	Port           int           `koanf:"port"`
	KnownHostsFile string        `koanf:"known_hosts_file"`
	Shell          string        `koanf:"shell"`
	DialTimeout    time.Duration `koanf:"dial_timeout"`
	PollInterval   time.Duration `koanf:"poll_interval"`

	// StartCmd and StopCmd run locally; see remote.Config.
	StartCmd string `koanf:"start_cmd"`
	StopCmd  string `koanf:"stop_cmd"`

	// StartVMs boots every node of every instance before baselines.
	StartVMs bool `koanf:"start_vms"`

	// ReplaceData copies SourceDirs to the proxy and monitor nodes and
	// runs BuildCmd there before baselines.
	ReplaceData bool              `koanf:"replace_data"`
	SourceDirs  map[string]string `koanf:"source_dirs"`
	BuildCmd    string            `koanf:"build_cmd"`
}

// AlertConfig configures administrator mail on system failures.
type AlertConfig struct {
	Enabled  bool          `koanf:"enabled"`
	SMTPAddr string        `koanf:"smtp_addr"`
	From     string        `koanf:"from"`
	To       []string      `koanf:"to"`
	Limit    int           `koanf:"limit"`
	Timeout  time.Duration `koanf:"timeout"`
}

// PathsConfig locates campaign artifacts.
type PathsConfig struct {
	Checkpoint string `koanf:"checkpoint"`
	Results    string `koanf:"results"`
	Captures   string `koanf:"captures"`

	// Trace receives the execution flight recorder window when the
	// campaign stops on an error. Empty disables the dump.
	Trace string `koanf:"trace"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the stock lab values.
func DefaultConfig() *Config {
	ex := executor.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9110",
			Path: "/metrics",
		},
		Target: TargetConfig{
			ClientIP: ex.Target.ClientIP,
			ServerIP: ex.Target.ServerIP,
			Protocol: ex.Target.Protocol,
		},
		Generator: GeneratorConfig{
			Mode:            ModeBruteForce,
			Searcher:        "searcher",
			SearchTimeout:   search.DefaultTimeout,
			MaxRetries:      generator.DefaultMaxRetries,
			CheckpointEvery: generator.DefaultCheckpointEvery,
		},
		Executor: ExecutorConfig{
			Instances:           []int{0},
			IPTemplate:          executor.DefaultIPTemplate,
			ServerCmd:           ex.ServerStartCmd,
			ServerPort:          ex.ServerPort,
			MainClientCmd:       ex.MainClientCmd,
			BackgroundClientCmd: ex.BackgroundClientCmd,
			MaxTime:             ex.MaxTime,
			MaxIdle:             ex.MaxIdle,
			PollInterval:        ex.PollInterval,
			StartTimeout:        ex.StartTimeout,
			SettleDelay:         ex.SettleDelay,
			StopTimeout:         ex.StopTimeout,
			TransferSize:        ex.TransferSize,
			TransferMultiple:    ex.TransferMultiple,
		},
		Baseline: BaselineConfig{
			Rounds:      executor.DefaultBaselineRounds,
			MaxFailures: 5,
		},
		Capture: CaptureConfig{
			Cmd:          ex.Capture.Cmd,
			KillCmd:      ex.Capture.KillCmd,
			RemotePath:   ex.Capture.RemotePath,
			NameTemplate: ex.Capture.NameTemplate,
			TimeLayout:   ex.Capture.TimeLayout,
		},
		Proxy: ProxyConfig{
			Port:     ex.ProxyPort,
			Cmd:      ex.ProxyCmd,
			KillCmd:  ex.ProxyKillCmd,
			LimitCmd: ex.LimitCmd,
			Timeout:  ex.ProxyTimeout,
		},
		Monitor: MonitorConfig{
			Port:    ex.MonitorPort,
			Cmd:     ex.MonitorCmd,
			KillCmd: ex.MonitorKillCmd,
		},
		Nodes: NodesConfig{
			User:         remote.DefaultUser,
			KeyFile:      "/root/.ssh/id_rsa",
			Port:         remote.DefaultPort,
			Shell:        remote.DefaultShell,
			DialTimeout:  remote.DefaultDialTimeout,
			PollInterval: remote.DefaultPollInterval,
			BuildCmd:     "make clean && make",
		},
		Alert: AlertConfig{
			SMTPAddr: alert.DefaultSMTPAddr,
			Limit:    alert.DefaultLimit,
			Timeout:  alert.DefaultTimeout,
		},
		Paths: PathsConfig{
			Checkpoint: "tcpwn.checkpoint.json",
			Results:    "results.jsonl",
			Captures:   ex.Capture.Dir,
			Trace:      "tcpwn-failure.trace",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for TCPwn configuration.
// Variables are named TCPWN_<section>_<key>, e.g., TCPWN_EXECUTOR_MAX_TIME.
const envPrefix = "TCPWN_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TCPWN_ prefix), and merges on top of DefaultConfig().
// An empty path skips the file layer.
//
// Environment variable mapping:
//
//	TCPWN_LOG_LEVEL          -> log.level
//	TCPWN_EXECUTOR_MAX_TIME  -> executor.max_time
//	TCPWN_PATHS_CHECKPOINT   -> paths.checkpoint
//	TCPWN_ALERT_TO           -> alert.to (comma-separated)
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms TCPWN_EXECUTOR_MAX_TIME -> executor.max_time.
// Only the first underscore separates section from key, since section
// names never contain one and keys often do.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"log.level":                      d.Log.Level,
		"log.format":                     d.Log.Format,
		"metrics.addr":                   d.Metrics.Addr,
		"metrics.path":                   d.Metrics.Path,
		"target.client_ip":               d.Target.ClientIP,
		"target.server_ip":               d.Target.ServerIP,
		"target.protocol":                d.Target.Protocol,
		"generator.mode":                 d.Generator.Mode,
		"generator.searcher":             d.Generator.Searcher,
		"generator.search_timeout":       d.Generator.SearchTimeout.String(),
		"generator.max_retries":          d.Generator.MaxRetries,
		"generator.checkpoint_every":     d.Generator.CheckpointEvery,
		"executor.instances":             d.Executor.Instances,
		"executor.ip_template":           d.Executor.IPTemplate,
		"executor.server_cmd":            d.Executor.ServerCmd,
		"executor.server_port":           d.Executor.ServerPort,
		"executor.main_client_cmd":       d.Executor.MainClientCmd,
		"executor.background_client_cmd": d.Executor.BackgroundClientCmd,
		"executor.max_time":              d.Executor.MaxTime.String(),
		"executor.max_idle":              d.Executor.MaxIdle.String(),
		"executor.poll_interval":         d.Executor.PollInterval.String(),
		"executor.start_timeout":         d.Executor.StartTimeout.String(),
		"executor.settle_delay":          d.Executor.SettleDelay.String(),
		"executor.stop_timeout":          d.Executor.StopTimeout.String(),
		"executor.transfer_size":         d.Executor.TransferSize,
		"executor.transfer_multiple":     d.Executor.TransferMultiple,
		"baseline.rounds":                d.Baseline.Rounds,
		"baseline.max_failures":          d.Baseline.MaxFailures,
		"capture.cmd":                    d.Capture.Cmd,
		"capture.kill_cmd":               d.Capture.KillCmd,
		"capture.remote_path":            d.Capture.RemotePath,
		"capture.name_template":          d.Capture.NameTemplate,
		"capture.time_layout":            d.Capture.TimeLayout,
		"proxy.port":                     d.Proxy.Port,
		"proxy.cmd":                      d.Proxy.Cmd,
		"proxy.kill_cmd":                 d.Proxy.KillCmd,
		"proxy.limit_cmd":                d.Proxy.LimitCmd,
		"proxy.timeout":                  d.Proxy.Timeout.String(),
		"monitor.port":                   d.Monitor.Port,
		"monitor.cmd":                    d.Monitor.Cmd,
		"monitor.kill_cmd":               d.Monitor.KillCmd,
		"nodes.user":                     d.Nodes.User,
		"nodes.key_file":                 d.Nodes.KeyFile,
		"nodes.port":                     d.Nodes.Port,
		"nodes.shell":                    d.Nodes.Shell,
		"nodes.dial_timeout":             d.Nodes.DialTimeout.String(),
		"nodes.poll_interval":            d.Nodes.PollInterval.String(),
		"nodes.build_cmd":                d.Nodes.BuildCmd,
		"alert.smtp_addr":                d.Alert.SMTPAddr,
		"alert.limit":                    d.Alert.Limit,
		"alert.timeout":                  d.Alert.Timeout.String(),
		"paths.checkpoint":               d.Paths.Checkpoint,
		"paths.results":                  d.Paths.Results,
		"paths.captures":                 d.Paths.Captures,
		"paths.trace":                    d.Paths.Trace,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidMode indicates an unrecognized generator mode.
	ErrInvalidMode = errors.New("generator.mode must be brute-force, state-search or replay")

	// ErrMissingModel indicates state-search mode without a model or term.
	ErrMissingModel = errors.New("target.model and target.term are required for state-search")

	// ErrMissingReplayFile indicates replay mode without a replay file.
	ErrMissingReplayFile = errors.New("generator.replay_file is required for replay")

	// ErrNoInstances indicates no executor instances are configured.
	ErrNoInstances = errors.New("executor.instances must not be empty")

	// ErrInvalidInstance indicates a negative or repeated instance number.
	ErrInvalidInstance = errors.New("executor instance numbers must be unique and >= 0")

	// ErrInvalidMaxTime indicates a non-positive transfer time limit.
	ErrInvalidMaxTime = errors.New("executor.max_time must be > 0")

	// ErrInvalidMaxIdle indicates an idle limit outside (0, max_time].
	ErrInvalidMaxIdle = errors.New("executor.max_idle must be > 0 and <= max_time")

	// ErrInvalidTransfer indicates a bad transfer size or multiple.
	ErrInvalidTransfer = errors.New("executor.transfer_size must be > 0 and transfer_multiple in (0, 1]")

	// ErrInvalidInterval indicates a non-positive poll interval or
	// timeout.
	ErrInvalidInterval = errors.New("interval must be > 0")

	// ErrInvalidPort indicates a control port outside 1..65535.
	ErrInvalidPort = errors.New("port must be in 1..65535")

	// ErrInvalidBaselineRounds indicates fewer than two baseline rounds.
	ErrInvalidBaselineRounds = errors.New("baseline.rounds must be >= 2")

	// ErrMissingCheckpointPath indicates an empty checkpoint path.
	ErrMissingCheckpointPath = errors.New("paths.checkpoint must not be empty")

	// ErrMissingAlertRecipient indicates alerts are enabled without a
	// sender or recipient.
	ErrMissingAlertRecipient = errors.New("alert.from and alert.to are required when alerts are enabled")

	// ErrInvalidLogFormat indicates an unrecognized log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return ErrInvalidLogFormat
	}

	if err := validateGenerator(cfg); err != nil {
		return err
	}

	if err := validateExecutor(&cfg.Executor); err != nil {
		return err
	}

	if err := validateNodes(&cfg.Nodes); err != nil {
		return err
	}

	for name, port := range map[string]int{
		"proxy.port":           cfg.Proxy.Port,
		"monitor.port":         cfg.Monitor.Port,
		"nodes.port":           cfg.Nodes.Port,
		"executor.server_port": cfg.Executor.ServerPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s %d: %w", name, port, ErrInvalidPort)
		}
	}

	if cfg.Baseline.Rounds < 2 {
		return ErrInvalidBaselineRounds
	}

	if cfg.Paths.Checkpoint == "" {
		return ErrMissingCheckpointPath
	}

	if cfg.Alert.Enabled && (cfg.Alert.From == "" || len(cfg.Alert.To) == 0) {
		return ErrMissingAlertRecipient
	}
	if cfg.Alert.Timeout <= 0 {
		return fmt.Errorf("alert.timeout %s: %w", cfg.Alert.Timeout, ErrInvalidInterval)
	}

	return nil
}

func validateGenerator(cfg *Config) error {
	switch cfg.Generator.Mode {
	case ModeBruteForce:
	case ModeStateSearch:
		if cfg.Target.Model == "" || cfg.Target.Term == "" {
			return ErrMissingModel
		}
	case ModeReplay:
		if cfg.Generator.ReplayFile == "" {
			return ErrMissingReplayFile
		}
	default:
		return fmt.Errorf("%q: %w", cfg.Generator.Mode, ErrInvalidMode)
	}
	return nil
}

func validateExecutor(ex *ExecutorConfig) error {
	if len(ex.Instances) == 0 {
		return ErrNoInstances
	}
	seen := make(map[int]struct{}, len(ex.Instances))
	for i, n := range ex.Instances {
		if _, dup := seen[n]; dup || n < 0 {
			return fmt.Errorf("executor.instances[%d] = %d: %w", i, n, ErrInvalidInstance)
		}
		seen[n] = struct{}{}
	}

	if ex.MaxTime <= 0 {
		return ErrInvalidMaxTime
	}
	if ex.MaxIdle <= 0 || ex.MaxIdle > ex.MaxTime {
		return ErrInvalidMaxIdle
	}
	if ex.TransferSize <= 0 || ex.TransferMultiple <= 0 || ex.TransferMultiple > 1 {
		return ErrInvalidTransfer
	}
	return positiveIntervals(map[string]time.Duration{
		"executor.poll_interval": ex.PollInterval,
		"executor.start_timeout": ex.StartTimeout,
		"executor.stop_timeout":  ex.StopTimeout,
	})
}

func validateNodes(n *NodesConfig) error {
	return positiveIntervals(map[string]time.Duration{
		"nodes.poll_interval": n.PollInterval,
		"nodes.dial_timeout":  n.DialTimeout,
	})
}

func positiveIntervals(fields map[string]time.Duration) error {
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if d := fields[name]; d <= 0 {
			return fmt.Errorf("%s %s: %w", name, d, ErrInvalidInterval)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Conversions
// -------------------------------------------------------------------------

// ExecutorParams builds the per-instance executor parameters.
func (c *Config) ExecutorParams() executor.Config {
	return executor.Config{
		Target: executor.Target{
			ClientIP: c.Target.ClientIP,
			ServerIP: c.Target.ServerIP,
			Protocol: c.Target.Protocol,
		},
		ProxyPort:           c.Proxy.Port,
		ProxyCmd:            c.Proxy.Cmd,
		ProxyKillCmd:        c.Proxy.KillCmd,
		LimitCmd:            c.Proxy.LimitCmd,
		ProxyTimeout:        c.Proxy.Timeout,
		MonitorPort:         c.Monitor.Port,
		MonitorCmd:          c.Monitor.Cmd,
		MonitorKillCmd:      c.Monitor.KillCmd,
		ServerStartCmd:      c.Executor.ServerCmd,
		ServerPort:          c.Executor.ServerPort,
		MainClientCmd:       c.Executor.MainClientCmd,
		BackgroundClientCmd: c.Executor.BackgroundClientCmd,
		MaxTime:             c.Executor.MaxTime,
		MaxIdle:             c.Executor.MaxIdle,
		PollInterval:        c.Executor.PollInterval,
		StartTimeout:        c.Executor.StartTimeout,
		SettleDelay:         c.Executor.SettleDelay,
		StopTimeout:         c.Executor.StopTimeout,
		TransferSize:        c.Executor.TransferSize,
		TransferMultiple:    c.Executor.TransferMultiple,
		Capture: executor.CaptureConfig{
			Enabled:      c.Capture.Enabled,
			Cmd:          c.Capture.Cmd,
			KillCmd:      c.Capture.KillCmd,
			RemotePath:   c.Capture.RemotePath,
			Dir:          c.Paths.Captures,
			NameTemplate: c.Capture.NameTemplate,
			TimeLayout:   c.Capture.TimeLayout,
		},
	}
}

// NodeParams builds the SSH node configuration.
func (c *Config) NodeParams() remote.Config {
	return remote.Config{
		User:           c.Nodes.User,
		KeyFile:        c.Nodes.KeyFile,
		Port:           c.Nodes.Port,
		KnownHostsFile: c.Nodes.KnownHostsFile,
		Shell:          c.Nodes.Shell,
		DialTimeout:    c.Nodes.DialTimeout,
		PollInterval:   c.Nodes.PollInterval,
		StartCmd:       c.Nodes.StartCmd,
		StopCmd:        c.Nodes.StopCmd,
	}
}

// MailParams builds the mailer configuration.
func (c *Config) MailParams() alert.Config {
	return alert.Config{
		SMTPAddr: c.Alert.SMTPAddr,
		From:     c.Alert.From,
		To:       c.Alert.To,
		Limit:    c.Alert.Limit,
		Timeout:  c.Alert.Timeout,
	}
}

// Flow returns the generator's flow selector for the measured connection.
func (c *Config) Flow() generator.Flow {
	return generator.Flow{
		Client: c.Target.ClientIP,
		Server: c.Target.ServerIP,
		Proto:  c.Target.Protocol,
	}
}

// Sources builds the strategy sources for the configured generator mode.
// mr receives unknown-condition counts from the state search; it may be
// nil.
func (c *Config) Sources(logger *slog.Logger, mr generator.MetricsReporter) ([]generator.Source, error) {
	switch c.Generator.Mode {
	case ModeReplay:
		return []generator.Source{generator.Replay{Path: c.Generator.ReplayFile}}, nil

	case ModeBruteForce:
		catalog := strategy.DefaultCatalog()
		if c.Generator.CatalogFile != "" {
			var err error
			if catalog, err = strategy.LoadCatalog(c.Generator.CatalogFile); err != nil {
				return nil, err
			}
		}
		return []generator.Source{generator.BruteForce{Catalog: catalog, Flow: c.Flow()}}, nil

	case ModeStateSearch:
		rules := strategy.DefaultRules()
		if c.Generator.RulesFile != "" {
			var err error
			if rules, err = strategy.LoadRules(c.Generator.RulesFile); err != nil {
				return nil, err
			}
		}
		tool := search.Tool{
			Binary:  c.Generator.Searcher,
			Timeout: c.Generator.SearchTimeout,
			Logger:  logger,
		}
		ss := generator.NewStateSearch(logger, tool, rules, c.Flow(),
			c.Target.Model, c.Target.Term,
			generator.WithMaxPerPath(c.Generator.MaxPerPath),
			generator.WithSearchMetrics(mr),
		)
		sources := []generator.Source{ss}
		if c.Generator.OffPath {
			sources = append(sources, ss.OffPathSource())
		}
		return sources, nil

	default:
		return nil, fmt.Errorf("generator mode %q: %w", c.Generator.Mode, ErrInvalidMode)
	}
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
