package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
)

// opsShutdownTimeout bounds the graceful shutdown of the operations server.
const opsShutdownTimeout = 5 * time.Second

// Handler returns the operations endpoint: /healthz, /readyz, /statusz and
// the Prometheus /metrics, wrapped in the tracing and metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers, health.WithStatus(a.status)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) status() any {
	if c := a.Controller(); c != nil {
		return c.Snapshot()
	}
	return turn.Status{StateName: turn.Idle.String(), ManualStop: true, Turns: a.log.Len()}
}

// serveOps listens on addr until ctx is cancelled.
func (a *App) serveOps(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: ops listener: %w", err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("ops server shutdown", "err", err)
		}
	}()

	slog.Info("operations endpoint listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: ops server: %w", err)
	}
	return nil
}
