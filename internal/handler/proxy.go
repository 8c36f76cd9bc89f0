package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"pathproxy/internal/metrics"
	"pathproxy/internal/model"
	"pathproxy/internal/route"
	"pathproxy/internal/service"
)

const streamBufferSize = 32 * 1024

// statusClientClosedRequest is recorded, never sent, when the client leaves
// before the upstream answers.
const statusClientClosedRequest = 499

// ProxyHandler forwards every inbound request to the upstream of its matching route.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle resolves the route for the request path, forwards the request and
// streams the upstream response back. Unmatched paths get 404 without any
// upstream I/O.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	// Match and forward the cleaned path so dot segments cannot reach past
	// the matched prefix.
	path := route.CleanPath(req.URL.Path)
	rawPath := req.URL.RawPath
	if path != req.URL.Path {
		rawPath = ""
	}

	r, ok := h.service.Match(path)
	if !ok {
		c.Set(metrics.RouteContextKey, metrics.NoRoute)
		return c.String(http.StatusNotFound, "no route for "+path)
	}
	c.Set(metrics.RouteContextKey, r.Prefix)

	header := req.Header
	if rid := c.Response().Header().Get(echo.HeaderXRequestID); rid != "" && header.Get(echo.HeaderXRequestID) == "" {
		header = header.Clone()
		header.Set(echo.HeaderXRequestID, rid)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          path,
		RawPath:       rawPath,
		RawQuery:      req.URL.RawQuery,
		Host:          req.Host,
		Header:        header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RemoteAddr:    req.RemoteAddr,
		TLS:           req.TLS != nil,
	}

	resp, err := h.service.Forward(r, pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already sent, so a failure here can only truncate
	// the response.
	if err := copyStream(c.Response(), resp.Body); err != nil {
		level := slog.LevelWarn
		if req.Context().Err() != nil {
			level = slog.LevelDebug
		}
		h.logger.Log(req.Context(), level, "streaming response body",
			"err", err,
			"path", req.URL.Path,
			"route", r.Prefix,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrPathOutsideRoute) {
		h.logger.Warn("request path outside route", "err", err)
		return c.String(http.StatusBadRequest, "bad request path")
	}

	var fe *model.ForwardError
	if !errors.As(err, &fe) {
		h.logger.Error("proxy error",
			"err", err,
			"path", c.Request().URL.Path,
		)
		return c.String(http.StatusBadGateway, "upstream request failed")
	}

	attrs := []any{
		"err", fe.Err,
		"kind", string(fe.Kind),
		"route", fe.Attempt.Route,
		"target", fe.Attempt.Target,
		"latency_ms", fe.Attempt.Latency.Milliseconds(),
	}

	if fe.Kind == model.FailureClientAbandoned {
		h.logger.Debug("client went away", attrs...)
		c.Response().Status = statusClientClosedRequest
		return nil
	}

	h.logger.Warn("upstream failure", attrs...)

	status := http.StatusBadGateway
	if fe.Kind == model.FailureTimeout {
		status = http.StatusGatewayTimeout
	}
	return c.String(status, "upstream "+fe.Kind.Description()+" for route "+fe.Attempt.Route)
}

// copyStream writes src to w, flushing after every read so clients see
// upstream bytes as they arrive.
func copyStream(w *echo.Response, src io.Reader) error {
	buf := make([]byte, streamBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
