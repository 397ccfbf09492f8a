package remote_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/samueljero/TCPwn/internal/executor"
	"github.com/samueljero/TCPwn/internal/remote"
)

// -------------------------------------------------------------------------
// In-process SSH server executing commands on the local host
// -------------------------------------------------------------------------

type sshServer struct {
	ln      net.Listener
	cfg     *ssh.ServerConfig
	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   []net.Conn
	keyFile string
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatal(err)
	}
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &sshServer{ln: ln, cfg: cfg, keyFile: keyFile}
	srv.wg.Go(srv.serve)
	t.Cleanup(srv.close)
	return srv
}

func (s *sshServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *sshServer) close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *sshServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Go(func() { s.handle(conn) })
	}
}

func (s *sshServer) handle(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	s.wg.Go(func() { ssh.DiscardRequests(reqs) })
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		s.wg.Go(func() { s.session(ch, creqs) })
	}
}

func (s *sshServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		cmd := exec.Command("/bin/sh", "-c", payload.Command)
		cmd.Stdin = ch
		cmd.Stdout = ch
		cmd.Stderr = ch.Stderr()
		status := uint32(0)
		if err := cmd.Run(); err != nil {
			var ee *exec.ExitError
			switch {
			case errors.As(err, &ee) && ee.ExitCode() >= 0:
				status = uint32(ee.ExitCode())
			case errors.As(err, &ee):
				if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					status = 128 + uint32(ws.Signal())
				} else {
					status = 255
				}
			default:
				status = 127
			}
		}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func newNodes(t *testing.T, srv *sshServer) (*remote.Nodes, executor.Node) {
	t.Helper()

	n, err := remote.New(remote.Config{
		User:         "tester",
		KeyFile:      srv.keyFile,
		Port:         srv.port(),
		Shell:        "/bin/sh -c",
		PollInterval: 20 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n, executor.Node{ID: 1, Role: executor.RoleClient, IP: "127.0.0.1"}
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

func TestRun(t *testing.T) {
	t.Parallel()

	srv := startSSHServer(t)
	n, node := newNodes(t, srv)

	exit, err := n.Run(t.Context(), node, "echo hello; echo oops >&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !exit.Success() || !strings.Contains(exit.Output, "hello") || !strings.Contains(exit.Output, "oops") {
		t.Errorf("exit = %+v", exit)
	}

	exit, err = n.Run(t.Context(), node, "exit 3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Code != 3 {
		t.Errorf("code = %d, want 3", exit.Code)
	}

	// Quoting survives the shell wrapper.
	exit, err = n.Run(t.Context(), node, `printf '%s' "it's"`)
	if err != nil || exit.Output != "it's" {
		t.Errorf("quoted output = %q, %v", exit.Output, err)
	}
}

func TestSpawnSignalWait(t *testing.T) {
	t.Parallel()

	srv := startSSHServer(t)
	n, node := newNodes(t, srv)

	p, err := n.Spawn(t.Context(), node, "sleep 30")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !p.Running() {
		t.Fatal("spawned process not running")
	}
	if err := p.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	exit, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if exit.Success() {
		t.Errorf("interrupted process exited zero: %+v", exit)
	}
	if p.Running() {
		t.Error("Running after Wait")
	}
}

// A node that stops answering must not wedge the caller of Signal.
func TestSignalTimeout(t *testing.T) {
	t.Parallel()

	srv := startSSHServer(t)
	wrapper := filepath.Join(t.TempDir(), "wrap.sh")
	script := "case \"$1\" in kill*) sleep 3 ;; esac\nexec /bin/sh -c \"$1\"\n"
	if err := os.WriteFile(wrapper, []byte(script), 0o700); err != nil {
		t.Fatal(err)
	}
	n, err := remote.New(remote.Config{
		User:          "tester",
		KeyFile:       srv.keyFile,
		Port:          srv.port(),
		Shell:         "/bin/sh " + wrapper,
		SignalTimeout: 200 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	node := executor.Node{ID: 1, Role: executor.RoleClient, IP: "127.0.0.1"}

	p, err := n.Spawn(t.Context(), node, "sleep 3")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	start := time.Now()
	err = p.Signal(syscall.SIGINT)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Signal error = %v, want deadline exceeded", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Signal blocked for %s", d)
	}
}

func TestSpawnShortLived(t *testing.T) {
	t.Parallel()

	srv := startSSHServer(t)
	n, node := newNodes(t, srv)

	p, err := n.Spawn(t.Context(), node, `sh -c "echo done; exit 7"`)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	exit, err := p.Wait(t.Context())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if exit.Code != 7 || !strings.Contains(exit.Output, "done") {
		t.Errorf("exit = %+v", exit)
	}
}

func TestFetchAndPush(t *testing.T) {
	t.Parallel()

	srv := startSSHServer(t)
	n, node := newNodes(t, srv)
	dir := t.TempDir()

	src := filepath.Join(dir, "remote.dmp")
	if err := os.WriteFile(src, []byte("capture bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "local", "copy.dmp")
	if err := n.Fetch(t.Context(), node, src, dst); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "capture bytes" {
		t.Errorf("fetched %q", got)
	}

	missing := filepath.Join(dir, "local", "missing.dmp")
	if err := n.Fetch(t.Context(), node, filepath.Join(dir, "nope"), missing); !errors.Is(err, executor.ErrRemoteCommand) {
		t.Errorf("Fetch missing = %v, want ErrRemoteCommand", err)
	}
	if _, err := os.Stat(missing); !errors.Is(err, os.ErrNotExist) {
		t.Error("partial fetch left behind")
	}

	tree := filepath.Join(dir, "proxy")
	if err := os.MkdirAll(filepath.Join(tree, "src"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tree, "src", "main.c"), []byte("int main(){}"), 0o600); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "node-home")
	if err := n.Push(t.Context(), node, tree, target); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(target, "proxy", "src", "main.c")); string(got) != "int main(){}" {
		t.Errorf("pushed %q", got)
	}
}

func TestWaitReachable(t *testing.T) {
	t.Parallel()

	srv := startSSHServer(t)
	n, node := newNodes(t, srv)

	if err := n.WaitReachable(t.Context(), node, srv.port()); err != nil {
		t.Errorf("WaitReachable(open) = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	if err := n.WaitReachable(ctx, node, closed); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReachable(closed) = %v, want deadline exceeded", err)
	}
}

func TestNodeHooks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srv := startSSHServer(t)
	n, err := remote.New(remote.Config{
		KeyFile:  srv.keyFile,
		StartCmd: "echo {id} {ip} {role} > " + filepath.Join(dir, "started"),
		StopCmd:  "exit 1",
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = n.Close() })

	node := executor.Node{ID: 17, Role: executor.RoleProxy, IP: "10.0.1.17"}
	if err := n.StartNode(t.Context(), node); err != nil {
		t.Fatalf("StartNode: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "started"))
	if strings.TrimSpace(string(got)) != "17 10.0.1.17 proxy" {
		t.Errorf("hook wrote %q", got)
	}
	if err := n.StopNode(t.Context(), node); !errors.Is(err, remote.ErrHookFailed) {
		t.Errorf("StopNode = %v, want ErrHookFailed", err)
	}
}

func TestNewBadKey(t *testing.T) {
	t.Parallel()

	bad := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := remote.New(remote.Config{KeyFile: bad}, slog.New(slog.DiscardHandler)); !errors.Is(err, remote.ErrNoKey) {
		t.Errorf("New = %v, want ErrNoKey", err)
	}
	if _, err := remote.New(remote.Config{KeyFile: bad + ".missing"}, slog.New(slog.DiscardHandler)); !errors.Is(err, remote.ErrNoKey) {
		t.Errorf("New(missing) = %v, want ErrNoKey", err)
	}
}
