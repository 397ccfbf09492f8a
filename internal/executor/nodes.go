package executor

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/samueljero/TCPwn/internal/proxy"
)

// Sentinel errors for executor stages.
var (
	// ErrNodeUnreachable indicates a node port did not accept connections
	// within the start timeout.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrRemoteCommand indicates a remote command failed to start or
	// exited non-zero where success was required.
	ErrRemoteCommand = errors.New("remote command failed")

	// ErrStageFailed wraps the error of the first failed stage of a run.
	ErrStageFailed = errors.New("stage failed")

	// ErrBaselineFailed indicates the baseline could not collect enough
	// successful rounds.
	ErrBaselineFailed = errors.New("baseline failed")
)

// Exit is the final status of a remote command.
type Exit struct {
	Code   int
	Output string
}

// Success reports whether the command exited zero.
func (e Exit) Success() bool { return e.Code == 0 }

// Process is a command running on a node.
type Process interface {
	// Running reports whether the command has not exited yet.
	Running() bool

	// Signal delivers sig to the command.
	Signal(sig syscall.Signal) error

	// Wait blocks until the command exits. A non-nil error means the exit
	// status could not be obtained; a non-zero exit is reported in Exit.
	Wait(ctx context.Context) (Exit, error)
}

// Nodes is the contract the executor needs from the node layer.
type Nodes interface {
	// StartNode boots a node. StopNode shuts it down.
	StartNode(ctx context.Context, n Node) error
	StopNode(ctx context.Context, n Node) error

	// WaitReachable blocks until n accepts TCP connections on port or ctx
	// ends.
	WaitReachable(ctx context.Context, n Node, port int) error

	// Run executes cmd on n and waits for it.
	Run(ctx context.Context, n Node, cmd string) (Exit, error)

	// Spawn starts cmd on n without waiting.
	Spawn(ctx context.Context, n Node, cmd string) (Process, error)

	// Fetch copies remotePath on n to localPath.
	Fetch(ctx context.Context, n Node, remotePath, localPath string) error

	// Push copies localPath to remotePath on n.
	Push(ctx context.Context, n Node, localPath, remotePath string) error
}

// Control is the proxy control channel.
type Control interface {
	Send(ctx context.Context, line string) error
	Stats(ctx context.Context, client, server, proto string) (proxy.Stats, error)
	LastActivity(ctx context.Context, proto string) (time.Time, error)
}
