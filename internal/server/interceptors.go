package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"connectrpc.com/connect"
)

// ErrPanicRecovered indicates a health handler panicked and the panic was
// returned to the caller as CodeInternal.
var ErrPanicRecovered = errors.New("panic recovered in rpc handler")

// codeOK labels RPCs that returned no error.
const codeOK = "ok"

// MetricsReporter counts served RPCs by procedure and Connect code.
type MetricsReporter interface {
	IncRPC(procedure, code string)
}

type noopMetrics struct{}

func (noopMetrics) IncRPC(string, string) {}

// rpcCode names an RPC outcome: "ok" or the Connect code, e.g. "not_found".
func rpcCode(err error) string {
	if err == nil {
		return codeOK
	}
	return connect.CodeOf(err).String()
}

// observeRPCs logs and counts every RPC.
//
// Orchestrators poll the campaign status every few seconds, so successful
// checks log at Debug. Failed checks log at Warn with their Connect code.
func observeRPCs(logger *slog.Logger, metrics MetricsReporter) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			procedure := req.Spec().Procedure
			code := rpcCode(err)
			metrics.IncRPC(procedure, code)

			attrs := []slog.Attr{
				slog.String("procedure", procedure),
				slog.String("code", code),
				slog.String("peer", req.Peer().Addr),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelWarn, "rpc failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelDebug, "rpc served", attrs...)
			}
			return resp, err
		}
	}
}

// recoverPanics turns a handler panic into CodeInternal so one bad check
// cannot take down the daemon mid-campaign. The stack is logged at Error.
func recoverPanics(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				stack := make([]byte, 4096)
				stack = stack[:runtime.Stack(stack, false)]
				logger.ErrorContext(ctx, "rpc handler panicked",
					slog.String("procedure", req.Spec().Procedure),
					slog.Any("panic", r),
					slog.String("stack", string(stack)),
				)
				err = connect.NewError(connect.CodeInternal,
					fmt.Errorf("%s: %w", req.Spec().Procedure, ErrPanicRecovered))
			}()
			return next(ctx, req)
		}
	}
}
