package ipc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loykin/dbhelm/internal/cleanup"
	"github.com/loykin/dbhelm/internal/metrics"
	"github.com/loykin/dbhelm/internal/port"
)

// ErrDaemonUnavailable is returned for operations that have no direct form.
var ErrDaemonUnavailable = errors.New("helper daemon unavailable")

// Gateway is how the application reaches helper operations. The daemon is
// tried first; when it cannot be reached the direct implementation runs
// in-process instead.
type Gateway struct {
	client *Client
	direct Handler
	logger *slog.Logger
}

func NewGateway(client *Client, direct Handler, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: client, direct: direct, logger: logger.With("component", "gateway")}
}

// WithFallback runs remote when the daemon answers a ping and direct
// otherwise, or when remote fails to connect midway. Daemon-side errors are
// returned as they are.
func WithFallback[T any](ctx context.Context, g *Gateway, op Op,
	remote func(context.Context) (T, error), direct func(context.Context) (T, error)) (T, error) {
	if g.client != nil && g.client.Reachable(ctx) {
		v, err := remote(ctx)
		if err == nil || !IsConnectivity(err) {
			return v, err
		}
		g.logger.Debug("helper dropped mid-request, running directly", "op", op, "error", err)
	} else {
		g.logger.Debug("helper unreachable, running directly", "op", op)
	}
	metrics.IncFallback(string(op))
	return direct(ctx)
}

// Reachable reports whether the daemon currently answers.
func (g *Gateway) Reachable(ctx context.Context) bool {
	return g.client != nil && g.client.Reachable(ctx)
}

func (g *Gateway) Cleanup(ctx context.Context) (cleanup.Report, error) {
	return WithFallback(ctx, g, OpCleanup, g.client.Cleanup, g.direct.Cleanup)
}

func (g *Gateway) CheckPort(ctx context.Context, p int, excludingID string) (port.Conflict, error) {
	return WithFallback(ctx, g, OpCheckPort,
		func(ctx context.Context) (port.Conflict, error) { return g.client.CheckPort(ctx, p, excludingID) },
		func(ctx context.Context) (port.Conflict, error) { return g.direct.CheckPort(ctx, p, excludingID) },
	)
}

func (g *Gateway) FindPort(ctx context.Context, start, maxAttempts int) (int, error) {
	return WithFallback(ctx, g, OpFindPort,
		func(ctx context.Context) (int, error) { return g.client.FindPort(ctx, start, maxAttempts) },
		func(ctx context.Context) (int, error) { return g.direct.FindPort(ctx, start, maxAttempts) },
	)
}

// Status has no direct form.
func (g *Gateway) Status(ctx context.Context) (DaemonStatus, error) {
	if g.client == nil {
		return DaemonStatus{}, ErrDaemonUnavailable
	}
	st, err := g.client.Status(ctx)
	if IsConnectivity(err) {
		return DaemonStatus{}, ErrDaemonUnavailable
	}
	return st, err
}

// Ping measures daemon latency.
func (g *Gateway) Ping(ctx context.Context) error {
	if g.client == nil {
		return ErrDaemonUnavailable
	}
	_, err := g.client.Ping(ctx)
	return err
}
