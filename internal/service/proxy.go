// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"pathproxy/internal/client"
	"pathproxy/internal/config"
	"pathproxy/internal/model"
	"pathproxy/internal/route"
)

// ErrPathOutsideRoute is returned by Forward when the cleaned request path is
// not covered by the route it was forwarded on.
var ErrPathOutsideRoute = errors.New("path outside route")

// ProxyService resolves inbound paths to routes and forwards requests upstream.
type ProxyService struct {
	client     *client.UpstreamClient
	table      *route.Table
	xForwarded bool
	logger     *slog.Logger
}

// NewProxyService creates a ProxyService over a validated route table.
func NewProxyService(c *client.UpstreamClient, table *route.Table, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:     c,
		table:      table,
		xForwarded: cfg.Server.XForwarded,
		logger:     logger.With("component", "proxy_service"),
	}
}

// Match returns the route with the longest prefix covering path. Callers
// should pass a path already cleaned with route.CleanPath.
func (s *ProxyService) Match(path string) (route.Route, bool) {
	return s.table.Resolve(path)
}

// Routes returns the configured routes in registration order.
func (s *ProxyService) Routes() []route.Route {
	return s.table.Routes()
}

// Forward sends pr to the upstream of r and returns the response headers with
// a streaming body. The caller is responsible for closing the response body.
// Transport failures are returned as *model.ForwardError.
func (s *ProxyService) Forward(r route.Route, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := s.buildUpstreamURL(r, pr.Path, pr.RawPath, pr.RawQuery)
	if err != nil {
		return nil, err
	}

	body := pr.Body
	if pr.ContentLength == 0 || body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.ContentLength = pr.ContentLength
	if body == http.NoBody {
		req.ContentLength = 0
	}

	req.Header = s.buildRequestHeader(r, pr)
	if r.ChangeOrigin {
		req.Host = r.Upstream.Host
	} else {
		req.Host = pr.Host
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"route", r.Prefix,
	)

	resp, err := s.client.Do(req, r)
	if err != nil {
		var fe *model.ForwardError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = cloneEndToEnd(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins the upstream base path with the rewritten request
// path. Dot segments are resolved first; the escaped form is only kept when
// the decoded path was already clean. The query string is passed through
// verbatim.
func (s *ProxyService) buildUpstreamURL(r route.Route, path, rawPath, rawQuery string) (*url.URL, error) {
	clean := route.CleanPath(path)
	if clean != path {
		rawPath = ""
	}
	if !r.Matches(clean) {
		return nil, fmt.Errorf("%w: %q is not under %q", ErrPathOutsideRoute, clean, r.Prefix)
	}

	u := *r.Upstream
	u.User = nil
	u.Path = joinPath(r.Upstream.Path, r.Rewrite(clean))
	u.RawPath = ""
	if rawPath != "" && r.Matches(rawPath) {
		u.RawPath = joinPath(r.Upstream.EscapedPath(), r.Rewrite(rawPath))
	}
	u.RawQuery = rawQuery
	u.Fragment = ""
	return &u, nil
}

func joinPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		return path
	}
	return base + path
}

func (s *ProxyService) buildRequestHeader(r route.Route, pr *model.ProxyRequest) http.Header {
	h := cloneEndToEnd(pr.Header)

	if s.xForwarded {
		appendForwarded(h, pr.RemoteAddr, pr.Host, pr.TLS)
	}

	if user := r.Upstream.User; user != nil {
		password, _ := user.Password()
		req := http.Request{Header: h}
		req.SetBasicAuth(user.Username(), password)
	}

	// An explicitly empty value stops net/http adding its own User-Agent.
	if _, ok := h["User-Agent"]; !ok {
		h.Set("User-Agent", "")
	}
	return h
}
