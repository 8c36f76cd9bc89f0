// Package middleware provides Echo middleware for logging, metrics and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"pathproxy/internal/metrics"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"route", routeOf(c),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if err != nil {
				attrs = append(attrs, "err", err)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}

// routeOf returns the route prefix the proxy handler matched, or NoRoute.
func routeOf(c echo.Context) string {
	prefix, _ := c.Get(metrics.RouteContextKey).(string)
	return metrics.RouteLabel(prefix)
}
