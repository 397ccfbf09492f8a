// Package proxy implements the control protocol spoken by the mutation
// proxy and the traffic monitor.
//
// Each request is one TCP connection carrying one frame: a 2-byte
// big-endian length that counts itself, followed by an ASCII command in
// action-line form. Queries (TIME, ACTIVE) receive one frame in reply.
package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/samueljero/TCPwn/internal/strategy"
)

// -------------------------------------------------------------------------
// Framing
// -------------------------------------------------------------------------

// HeaderLen is the size of the length prefix.
const HeaderLen = 2

// MaxPayload is the largest command that fits the 16-bit length.
const MaxPayload = 0xFFFF - HeaderLen

// DefaultTimeout bounds dial, write and read of one request.
const DefaultTimeout = 10 * time.Second

// minActivityStamp is the smallest ACTIVE reply treated as a real
// timestamp; smaller values mean the proxy has seen no traffic yet.
const minActivityStamp = 10

// ErrProtocol indicates a framing, connection, or timeout failure on the
// control channel.
var ErrProtocol = errors.New("proxy protocol error")

// WriteFrame writes msg with its length prefix in a single write.
func WriteFrame(w io.Writer, msg string) error {
	if len(msg) > MaxPayload {
		return fmt.Errorf("command of %d bytes exceeds %d: %w", len(msg), MaxPayload, ErrProtocol)
	}
	buf := make([]byte, HeaderLen+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(buf)))
	copy(buf[HeaderLen:], msg)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w: %w", ErrProtocol, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its payload.
func ReadFrame(r io.Reader) (string, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", fmt.Errorf("read frame header: %w: %w", ErrProtocol, err)
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n < HeaderLen {
		return "", fmt.Errorf("frame length %d shorter than header: %w", n, ErrProtocol)
	}
	body := make([]byte, n-HeaderLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", fmt.Errorf("read frame body (%d bytes): %w: %w", len(body), ErrProtocol, err)
	}
	return string(body), nil
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Stats is the proxy's view of the monitored connection.
type Stats struct {
	Elapsed time.Duration
	Bytes   int64
}

// Client talks to one proxy or monitor control port.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient returns a client for addr ("host:port"). A non-positive
// timeout selects DefaultTimeout.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Addr returns the control address.
func (c *Client) Addr() string { return c.addr }

// Send delivers one command without waiting for a reply.
func (c *Client) Send(ctx context.Context, line string) error {
	_, err := c.roundTrip(ctx, line, false)
	return err
}

// Query delivers one command and returns the reply payload.
func (c *Client) Query(ctx context.Context, line string) (string, error) {
	return c.roundTrip(ctx, line, true)
}

// Stats issues a TIME query for the client→server flow.
func (c *Client) Stats(ctx context.Context, client, server, proto string) (Stats, error) {
	resp, err := c.Query(ctx, TimeQuery(client, server, proto))
	if err != nil {
		return Stats{}, err
	}
	return ParseStats(resp)
}

// LastActivity issues an ACTIVE query. A zero time means no traffic has
// been seen yet.
func (c *Client) LastActivity(ctx context.Context, proto string) (time.Time, error) {
	resp, err := c.Query(ctx, ActiveQuery(proto))
	if err != nil {
		return time.Time{}, err
	}
	return ParseActivity(resp)
}

func (c *Client) roundTrip(ctx context.Context, line string, wantReply bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w: %w", c.addr, ErrProtocol, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return "", fmt.Errorf("set deadline: %w: %w", ErrProtocol, err)
		}
	}
	// Unblock I/O if the caller's context ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteFrame(conn, line); err != nil {
		return "", err
	}
	if !wantReply {
		return "", nil
	}
	return ReadFrame(conn)
}

// -------------------------------------------------------------------------
// Queries
// -------------------------------------------------------------------------

// TimeQuery builds the TIME query for a flow.
func TimeQuery(client, server, proto string) string {
	return strategy.Action{
		Src: client, Dst: server, Proto: proto,
		State: strategy.Wildcard, Code: strategy.CodeTime, Params: strategy.Wildcard,
	}.String()
}

// ActiveQuery builds the ACTIVE query.
func ActiveQuery(proto string) string {
	return strategy.Action{
		Src: strategy.Wildcard, Dst: strategy.Wildcard, Proto: proto,
		State: strategy.Wildcard, Code: strategy.CodeActive, Params: strategy.Wildcard,
	}.String()
}

// ClearCommands returns the commands that reset the proxy: a global CLEAR
// and a CLEAR of the target flow.
func ClearCommands(client, server, proto string) []string {
	return []string{
		strategy.Action{
			Src: strategy.Wildcard, Dst: strategy.Wildcard, Proto: proto,
			State: strategy.Wildcard, Code: strategy.CodeClear, Params: strategy.Wildcard,
		}.String(),
		strategy.Action{
			Src: client, Dst: server, Proto: proto,
			State: strategy.Wildcard, Code: strategy.CodeClear, Params: strategy.Wildcard,
		}.String(),
	}
}

// ParseStats parses a TIME reply: "<seconds> <bytes>".
func ParseStats(resp string) (Stats, error) {
	fields := strings.Fields(resp)
	if len(fields) != 2 {
		return Stats{}, fmt.Errorf("TIME reply %q: want 2 fields: %w", resp, ErrProtocol)
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || secs < 0 {
		return Stats{}, fmt.Errorf("TIME elapsed %q: %w", fields[0], ErrProtocol)
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || n < 0 {
		return Stats{}, fmt.Errorf("TIME bytes %q: %w", fields[1], ErrProtocol)
	}
	return Stats{
		Elapsed: time.Duration(secs * float64(time.Second)),
		Bytes:   n,
	}, nil
}

// ParseActivity parses an ACTIVE reply: a UNIX timestamp in seconds.
func ParseActivity(resp string) (time.Time, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("ACTIVE reply %q: %w", resp, ErrProtocol)
	}
	if v < minActivityStamp {
		return time.Time{}, nil
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec), nil
}
