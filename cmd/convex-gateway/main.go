package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"convex-gateway/internal/client"
	"convex-gateway/internal/config"
	"convex-gateway/internal/handler"
	"convex-gateway/internal/metrics"
	"convex-gateway/internal/middleware"
	"convex-gateway/internal/service"
	"convex-gateway/internal/store"
	"convex-gateway/internal/supervisor"
	"convex-gateway/internal/tunnel"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("convex-gateway"),
		kong.Description("Gateway that supervises a Convex backend and proxies /api traffic to it."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newStore,
			newEcho,
			supervisor.New,
			client.NewBackendClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewRequestsHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			registerMetricsRoute,
			warnConfigPermissions,
			startSupervisor,
			startServer,
			startTunnel,
			closeStore,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newStore creates the audit store, or nil when auditing is disabled.
func newStore(cfg *config.Config) (store.Store, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	return store.New(cfg)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, st store.Store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running streamed
	// responses. Protection is provided by the backend client timeout, ReadTimeout,
	// and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if st != nil {
		e.Use(middleware.AuditRecorder(st, logger))
	}

	if cfg.Server.RateLimit.Enabled {
		rlStore := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(rlStore))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerMetricsRoute(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
	e.GET(cfg.Metrics.Path, echo.WrapHandler(h))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startSupervisor(lc fx.Lifecycle, sup *supervisor.Supervisor) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sup.StartIdleReaper()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sup.Shutdown(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

func startTunnel(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Tunnel.Enabled {
		return
	}
	t := tunnel.New(e, cfg.Tunnel.AuthToken, cfg.Tunnel.Domain, logger)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The tunnel session must outlive the startup context.
			return t.Start(context.Background())
		},
		OnStop: func(_ context.Context) error {
			return t.Stop()
		},
	})
}

func closeStore(lc fx.Lifecycle, st store.Store) {
	if st == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return st.Close()
		},
	})
}
