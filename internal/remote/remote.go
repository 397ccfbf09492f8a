// Package remote implements the executor node contract over SSH.
//
// Commands run through a login shell on the node. Spawned commands are
// prefixed so the node reports the shell's PID, which is then replaced by
// the command itself via exec; signals are delivered with kill(1) over a
// second session. File transfer streams through cat and tar, so nodes
// need nothing beyond a POSIX shell.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/samueljero/TCPwn/internal/executor"
)

// Defaults for Config.
const (
	DefaultPort         = 22
	DefaultUser         = "root"
	DefaultShell        = "/bin/bash -c"
	DefaultDialTimeout  = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultSignalTimeout bounds delivering one signal, including any
	// reconnect to the node.
	DefaultSignalTimeout = 30 * time.Second
)

// Sentinel errors.
var (
	// ErrNoKey indicates the private key file could not be used.
	ErrNoKey = errors.New("ssh private key unusable")

	// ErrHookFailed indicates a node start or stop hook exited non-zero.
	ErrHookFailed = errors.New("node hook failed")
)

// Config configures SSH access and the local node lifecycle hooks.
type Config struct {
	User    string
	KeyFile string
	Port    int

	// KnownHostsFile enables host key verification. When empty any host
	// key is accepted; test nodes are rebuilt from images and change keys.
	KnownHostsFile string

	// Shell wraps every remote command; the command is appended as one
	// quoted argument.
	Shell string

	DialTimeout   time.Duration
	PollInterval  time.Duration
	SignalTimeout time.Duration

	// StartCmd and StopCmd run locally to boot and halt a node. "{id}",
	// "{ip}" and "{role}" are replaced with the node's values. Empty hooks
	// are no-ops.
	StartCmd string
	StopCmd  string
}

func (c *Config) applyDefaults() {
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = DefaultSignalTimeout
	}
}

// Nodes is an SSH-backed executor.Nodes. Connections are cached per node
// and shared by concurrent sessions.
type Nodes struct {
	cfg    Config
	client *ssh.ClientConfig
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*ssh.Client
}

var _ executor.Nodes = (*Nodes)(nil)

// New loads the private key and returns a Nodes.
func New(cfg Config, logger *slog.Logger) (*Nodes, error) {
	cfg.applyDefaults()

	pem, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoKey, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrNoKey, cfg.KeyFile, err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey() //nolint:gosec // disposable test nodes unless KnownHostsFile is set
	if cfg.KnownHostsFile != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	return &Nodes{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.DialTimeout,
		},
		logger: logger.With(slog.String("component", "remote")),
		conns:  make(map[string]*ssh.Client),
	}, nil
}

// Close closes all cached connections.
func (n *Nodes) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	for addr, c := range n.conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(n.conns, addr)
	}
	return errors.Join(errs...)
}

// -------------------------------------------------------------------------
// Lifecycle hooks
// -------------------------------------------------------------------------

// StartNode runs the start hook for node.
func (n *Nodes) StartNode(ctx context.Context, node executor.Node) error {
	return n.hook(ctx, "start", n.cfg.StartCmd, node)
}

// StopNode runs the stop hook for node and drops its cached connection.
func (n *Nodes) StopNode(ctx context.Context, node executor.Node) error {
	n.evict(n.addr(node))
	return n.hook(ctx, "stop", n.cfg.StopCmd, node)
}

func (n *Nodes) hook(ctx context.Context, name, tmpl string, node executor.Node) error {
	if tmpl == "" {
		return nil
	}
	cmdline := strings.NewReplacer(
		"{id}", strconv.Itoa(node.ID),
		"{ip}", node.IP,
		"{role}", node.Role.String(),
	).Replace(tmpl)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s hook for node %d: %w: %w: %s", name, node.ID, ErrHookFailed, err, bytes.TrimSpace(out))
	}
	n.logger.Debug("node hook",
		slog.String("hook", name),
		slog.Int("node", node.ID),
		slog.String("output", string(bytes.TrimSpace(out))),
	)
	return nil
}

// -------------------------------------------------------------------------
// Reachability
// -------------------------------------------------------------------------

// WaitReachable polls node:port with TCP connects until one succeeds or
// ctx ends.
func (n *Nodes) WaitReachable(ctx context.Context, node executor.Node, port int) error {
	addr := net.JoinHostPort(node.IP, strconv.Itoa(port))
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	var d net.Dialer
	for {
		dctx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
		conn, err := d.DialContext(dctx, "tcp", addr)
		cancel()
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %w)", addr, ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

// -------------------------------------------------------------------------
// Connections
// -------------------------------------------------------------------------

func (n *Nodes) addr(node executor.Node) string {
	return net.JoinHostPort(node.IP, strconv.Itoa(n.cfg.Port))
}

func (n *Nodes) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	n.mu.Lock()
	c, ok := n.conns[addr]
	n.mu.Unlock()
	if ok {
		return c, nil
	}

	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if dl, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, n.client)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	c = ssh.NewClient(sc, chans, reqs)

	n.mu.Lock()
	defer n.mu.Unlock()
	if prev, ok := n.conns[addr]; ok {
		// Lost a race with another dialer.
		_ = c.Close()
		return prev, nil
	}
	n.conns[addr] = c
	return c, nil
}

func (n *Nodes) evict(addr string) {
	n.mu.Lock()
	c, ok := n.conns[addr]
	delete(n.conns, addr)
	n.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// session opens a session on node, redialling once if the cached
// connection has gone stale.
func (n *Nodes) session(ctx context.Context, node executor.Node) (*ssh.Session, error) {
	addr := n.addr(node)
	for attempt := 0; ; attempt++ {
		c, err := n.dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		s, err := c.NewSession()
		if err == nil {
			return s, nil
		}
		n.evict(addr)
		if attempt > 0 {
			return nil, fmt.Errorf("open session on %s: %w", addr, err)
		}
	}
}

// wrap builds the remote command line.
func (n *Nodes) wrap(cmd string) string {
	return n.cfg.Shell + " " + shellQuote(cmd)
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// exitCode extracts the remote exit status from a session error. Errors
// other than a non-zero exit are returned as is.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		if ee.Signal() != "" {
			return 128 + signalNumber(ee.Signal()), nil
		}
		return ee.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return 0, err
}
