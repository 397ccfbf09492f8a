// Package server serves the daemon's HTTP surface: Prometheus metrics and
// the grpc.health.v1 service reporting whether a campaign is testing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// CampaignService is the health service name. It reports SERVING only
// while executors are running strategies.
const CampaignService = "tcpwn.v1.Campaign"

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// -------------------------------------------------------------------------
// Health
// -------------------------------------------------------------------------

// Health tracks the campaign's serving status.
type Health struct {
	checker *grpchealth.StaticChecker
}

// NewHealth returns a Health reporting NOT_SERVING.
func NewHealth() *Health {
	h := &Health{checker: grpchealth.NewStaticChecker(CampaignService)}
	h.SetServing(false)
	return h
}

// SetServing flips the campaign service status.
func (h *Health) SetServing(serving bool) {
	status := grpchealth.StatusNotServing
	if serving {
		status = grpchealth.StatusServing
	}
	h.checker.SetStatus(CampaignService, status)
}

// Checker returns the grpchealth checker backing h.
func (h *Health) Checker() grpchealth.Checker { return h.checker }

// -------------------------------------------------------------------------
// HTTP server
// -------------------------------------------------------------------------

// Option configures NewHandler and New.
type Option func(*handlerConfig)

type handlerConfig struct {
	metrics MetricsReporter
}

// WithMetrics counts health RPCs through mr.
func WithMetrics(mr MetricsReporter) Option {
	return func(c *handlerConfig) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// NewHandler routes metricsPath to the gatherer and grpc.health.v1 to
// checker. Health RPCs are logged, counted, and shielded from handler
// panics.
func NewHandler(
	metricsPath string,
	gatherer prometheus.Gatherer,
	checker grpchealth.Checker,
	logger *slog.Logger,
	opts ...Option,
) http.Handler {
	logger = logger.With(slog.String("component", "server"))

	hc := handlerConfig{metrics: noopMetrics{}}
	for _, o := range opts {
		o(&hc)
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle(grpchealth.NewHandler(checker, connect.WithInterceptors(
		observeRPCs(logger, hc.metrics),
		recoverPanics(logger),
	)))

	// h2c lets gRPC health checks share the plain HTTP port.
	return h2c.NewHandler(mux, &http2.Server{})
}

// New returns an HTTP server for addr wrapping NewHandler.
func New(
	addr, metricsPath string,
	gatherer prometheus.Gatherer,
	checker grpchealth.Checker,
	logger *slog.Logger,
	opts ...Option,
) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(metricsPath, gatherer, checker, logger, opts...),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ListenAndServe serves srv on srv.Addr until it is shut down. A clean
// shutdown is not an error.
func ListenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server) error {
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", srv.Addr, err)
	}
	return nil
}
