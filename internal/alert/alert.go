// Package alert mails administrator notifications with a hard per-process
// cap.
package alert

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	appversion "github.com/samueljero/TCPwn/internal/version"
)

// DefaultLimit is the number of alerts sent before further alerts are
// suppressed for the life of the process.
const DefaultLimit = 50

// DefaultSMTPAddr is the relay used when none is configured.
const DefaultSMTPAddr = "localhost:25"

// DefaultTimeout bounds one SMTP exchange, dial included.
const DefaultTimeout = 30 * time.Second

// Config configures the mailer.
type Config struct {
	SMTPAddr string
	From     string
	To       []string
	Limit    int
	Timeout  time.Duration
}

// SendFunc delivers one message. It has the signature of smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// MetricsReporter counts alert outcomes.
type MetricsReporter interface {
	IncAlert(result string)
}

type noopMetrics struct{}

func (noopMetrics) IncAlert(string) {}

// Option configures a Mailer.
type Option func(*Mailer)

// WithSender replaces the SMTP client.
func WithSender(send SendFunc) Option {
	return func(m *Mailer) { m.send = send }
}

// WithMetrics sets the metrics reporter.
func WithMetrics(mr MetricsReporter) Option {
	return func(m *Mailer) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithClock replaces the clock used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(m *Mailer) { m.now = now }
}

// Mailer sends alerts by SMTP. It is safe for concurrent use.
type Mailer struct {
	cfg     Config
	send    SendFunc
	metrics MetricsReporter
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	sent       int
	suppressed int
}

// New returns a Mailer. A zero limit selects DefaultLimit and a zero
// timeout DefaultTimeout.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Mailer {
	if cfg.SMTPAddr == "" {
		cfg.SMTPAddr = DefaultSMTPAddr
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	m := &Mailer{
		cfg:     cfg,
		send:    deadlineSender(cfg.Timeout),
		metrics: noopMetrics{},
		logger:  logger.With(slog.String("component", "alert")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Alert sends one message unless the cap has been reached. It reports
// whether the message was handed to the relay. Delivery errors are
// logged; a failed send still counts against the cap.
func (m *Mailer) Alert(subject, body string) bool {
	m.mu.Lock()
	if m.sent >= m.cfg.Limit {
		m.suppressed++
		n := m.suppressed
		m.mu.Unlock()
		m.metrics.IncAlert("suppressed")
		if n == 1 {
			m.logger.Warn("alert limit reached, suppressing further alerts", slog.Int("limit", m.cfg.Limit))
		}
		return false
	}
	m.sent++
	m.mu.Unlock()

	msg := m.compose(subject, body)
	if err := m.send(m.cfg.SMTPAddr, nil, m.cfg.From, m.cfg.To, msg); err != nil {
		m.metrics.IncAlert("error")
		m.logger.Error("send alert",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return false
	}
	m.metrics.IncAlert("sent")
	m.logger.Info("alert sent", slog.String("subject", subject), slog.Any("to", m.cfg.To))
	return true
}

// Stats returns the number of alerts attempted and suppressed.
func (m *Mailer) Stats() (sent, suppressed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.suppressed
}

// deadlineSender returns a SendFunc whose whole exchange, dial included,
// must finish within timeout. smtp.SendMail has no deadline and would
// hang on a relay that accepts but never answers.
func deadlineSender(timeout time.Duration) SendFunc {
	return func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer conn.Close()
		if dl, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(dl); err != nil {
				return fmt.Errorf("set deadline: %w", err)
			}
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("smtp addr %q: %w", addr, err)
		}
		c, err := smtp.NewClient(conn, host)
		if err != nil {
			return fmt.Errorf("smtp greeting: %w", err)
		}
		defer c.Close()

		if err := c.Hello("localhost"); err != nil {
			return fmt.Errorf("smtp hello: %w", err)
		}
		if a != nil {
			if err := c.Auth(a); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
		if err := c.Mail(from); err != nil {
			return fmt.Errorf("smtp mail: %w", err)
		}
		for _, rcpt := range to {
			if err := c.Rcpt(rcpt); err != nil {
				return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
			}
		}
		w, err := c.Data()
		if err != nil {
			return fmt.Errorf("smtp data: %w", err)
		}
		if _, err := w.Write(msg); err != nil {
			return fmt.Errorf("smtp write: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("smtp data end: %w", err)
		}
		return c.Quit()
	}
}

func (m *Mailer) compose(subject, body string) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", m.cfg.From)
	header("To", strings.Join(m.cfg.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", m.now().Format(time.RFC1123Z))
	header("User-Agent", appversion.UserAgent())
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")

	b.WriteString("Administrator,\r\n\r\n")
	for line := range strings.Lines(body) {
		b.WriteString(strings.TrimRight(line, "\r\n"))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n-- \r\nTCPwn\r\n")
	return b.Bytes()
}
