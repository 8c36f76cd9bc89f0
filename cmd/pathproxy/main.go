package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/pires/go-proxyproto"
	"go.uber.org/fx"

	"pathproxy/internal/client"
	"pathproxy/internal/config"
	"pathproxy/internal/handler"
	"pathproxy/internal/metrics"
	"pathproxy/internal/middleware"
	"pathproxy/internal/pool"
	"pathproxy/internal/route"
	"pathproxy/internal/service"
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
		kong.Name("pathproxy"),
		kong.Description("Path-prefix reverse proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			func(cfg *config.Config) *route.Table { return cfg.Table() },
			newLogger,
			metrics.New,
			client.NewPools,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newEcho,
			fx.Annotate(newAdminEcho, fx.ResultTags(`name:"admin"`)),
		),
		fx.Invoke(
			handler.RegisterRoutes,
			fx.Annotate(handler.RegisterAdminRoutes, fx.ParamTags(`name:"admin"`)),
			warnConfigPermissions,
			logRoutes,
			watchConfig,
			closePools,
			startServer,
			fx.Annotate(startAdminServer, fx.ParamTags(``, `name:"admin"`)),
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
	case "console":
		h = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			Level:           charmlog.Level(level),
		})
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := newBaseEcho()

	// WriteTimeout is disabled (0) so long streamed responses are not cut off.
	// The upstream timeout bounds how long a response may take to start.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho() *echo.Echo {
	e := newBaseEcho()
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.WriteTimeout = 30 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.SecurityHeaders())
	return e
}

func newBaseEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logRoutes(table *route.Table, logger *slog.Logger) {
	if table.Len() == 0 {
		logger.Warn("no routes configured; every request will get 404")
		return
	}
	for _, r := range table.Routes() {
		logger.Info("route",
			"prefix", r.Prefix,
			"upstream", r.Upstream.Redacted(),
			"strip_prefix", r.StripPrefix,
			"change_origin", r.ChangeOrigin,
		)
	}
}

func watchConfig(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			err := cfg.Watch(ctx, logger, func(path string) {
				logger.Warn("config file changed; restart to apply", "path", path)
			})
			if err != nil {
				logger.Warn("config watcher disabled", "err", err)
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
}

func closePools(lc fx.Lifecycle, pools *pool.Registry) {
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			pools.Close()
			return nil
		},
	})
}

func listen(addr string, proxyProtocol bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if proxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return ln, nil
}

func serve(lc fx.Lifecycle, e *echo.Echo, name, addr string, proxyProtocol bool, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := listen(addr, proxyProtocol)
			if err != nil {
				return err
			}
			logger.Info("starting server", "listener", name, "addr", ln.Addr().String(), "proxy_protocol", proxyProtocol)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "listener", name, "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "listener", name)
			return e.Shutdown(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	serve(lc, e, "proxy", cfg.Server.Addr(), cfg.Server.ProxyProtocol, logger)
}

func startAdminServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	serve(lc, e, "admin", cfg.Admin.Addr(), false, logger)
}
