package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/samueljero/TCPwn/internal/executor"
)

// Run executes cmd on node and waits for it. A non-zero exit is reported
// in the returned Exit, not as an error.
func (n *Nodes) Run(ctx context.Context, node executor.Node, cmd string) (executor.Exit, error) {
	s, err := n.session(ctx, node)
	if err != nil {
		return executor.Exit{}, err
	}
	defer s.Close()

	var out syncBuffer
	s.Stdout = &out
	s.Stderr = &out

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	code, err := exitCode(s.Run(n.wrap(cmd)))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return executor.Exit{}, fmt.Errorf("run on %s: %w", node.IP, ctxErr)
	}
	if err != nil {
		return executor.Exit{}, fmt.Errorf("run on %s: %w", node.IP, err)
	}
	return executor.Exit{Code: code, Output: out.String()}, nil
}

// Spawn starts cmd on node and returns once its PID is known. cmd is run
// with exec, so compound commands must be wrapped in their own shell.
func (n *Nodes) Spawn(ctx context.Context, node executor.Node, cmd string) (executor.Process, error) {
	s, err := n.session(ctx, node)
	if err != nil {
		return nil, err
	}

	stdout, err := s.StdoutPipe()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("spawn on %s: %w", node.IP, err)
	}
	p := &process{
		nodes: n,
		node:  node,
		done:  make(chan struct{}),
	}
	s.Stderr = &p.out

	// $$ is the shell's PID, which exec hands to cmd.
	if err := s.Start(n.wrap("echo $$; exec " + cmd)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("spawn on %s: %w", node.IP, err)
	}

	br := bufio.NewReader(stdout)
	line, err := br.ReadString('\n')
	if err != nil {
		// The shell died before printing its PID.
		_ = s.Close()
		return nil, fmt.Errorf("spawn on %s: read pid: %w", node.IP, err)
	}
	p.pid, err = strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("spawn on %s: bad pid %q: %w", node.IP, line, err)
	}

	go p.wait(s, br)
	n.logger.Debug("spawned",
		slog.String("node", node.IP),
		slog.Int("pid", p.pid),
		slog.String("cmd", cmd),
	)
	return p, nil
}

// process is a spawned remote command.
type process struct {
	nodes *Nodes
	node  executor.Node
	pid   int

	out  syncBuffer
	done chan struct{}
	exit executor.Exit
	err  error
}

func (p *process) wait(s *ssh.Session, stdout io.Reader) {
	defer s.Close()
	_, _ = io.Copy(&p.out, stdout)
	code, err := exitCode(s.Wait())
	p.exit = executor.Exit{Code: code, Output: p.out.String()}
	p.err = err
	close(p.done)
}

// Running reports whether the remote command has not exited.
func (p *process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Signal delivers sig to the remote process with kill(1).
func (p *process) Signal(sig syscall.Signal) error {
	name := strings.TrimPrefix(unix.SignalName(sig), "SIG")
	if name == "" {
		return fmt.Errorf("unknown signal %d", sig)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.nodes.cfg.SignalTimeout)
	defer cancel()
	exit, err := p.nodes.Run(ctx, p.node, fmt.Sprintf("kill -s %s %d", name, p.pid))
	if err != nil {
		return err
	}
	if !exit.Success() && p.Running() {
		return fmt.Errorf("kill -s %s %d on %s exited %d: %w", name, p.pid, p.node.IP, exit.Code, executor.ErrRemoteCommand)
	}
	return nil
}

// Wait blocks until the remote command exits or ctx ends.
func (p *process) Wait(ctx context.Context) (executor.Exit, error) {
	select {
	case <-p.done:
		return p.exit, p.err
	case <-ctx.Done():
		return executor.Exit{}, ctx.Err()
	}
}

// syncBuffer is a strings.Builder safe for concurrent writers.
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func signalNumber(name string) int {
	if sig := unix.SignalNum("SIG" + name); sig != 0 {
		return int(sig)
	}
	return 0
}
