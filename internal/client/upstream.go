// Package client provides the pooled upstream HTTP client.
package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pathproxy/internal/config"
	"pathproxy/internal/metrics"
	"pathproxy/internal/model"
	"pathproxy/internal/pool"
	"pathproxy/internal/route"
)

// UpstreamClient sends requests to upstreams through per-origin connection pools.
type UpstreamClient struct {
	pools   *pool.Registry
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPools creates the pool registry from upstream settings.
// The metrics parameter is optional; pass nil to disable pool metrics.
func NewPools(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *pool.Registry {
	var observe pool.Observer
	if m != nil {
		observe = m.ObservePool
	}
	return pool.NewRegistry(pool.Options{
		MaxConns:       cfg.Upstream.MaxConnsPerUpstream,
		MaxIdle:        cfg.Upstream.IdleConnections,
		IdleTimeout:    time.Duration(cfg.Upstream.IdleTimeoutSeconds) * time.Second,
		ConnectTimeout: time.Duration(cfg.Upstream.ConnectTimeoutMS) * time.Millisecond,
	}, logger, observe)
}

// NewUpstreamClient creates an UpstreamClient. The total per-request timeout
// comes from upstream.timeout_seconds; zero disables it.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, pools *pool.Registry, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return &UpstreamClient{
		pools:   pools,
		timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do checks out a slot from the pool serving r, sends req and returns the raw
// response without following redirects. On success the caller must close the
// response body, which returns the slot and releases the request context.
// Failures are returned as *model.ForwardError.
func (c *UpstreamClient) Do(req *http.Request, r route.Route) (*model.ProxyResponse, error) {
	parent := req.Context()
	ctx, cancel := parent, context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, c.timeout)
	}

	attempt := model.Attempt{
		Route:  r.Prefix,
		Target: req.URL.Redacted(),
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"route", r.Prefix,
		"target", attempt.Target,
	)

	start := time.Now()
	lease, err := c.pools.Get(r.Origin()).Acquire(ctx)
	if err != nil {
		cancel()
		return nil, c.fail(parent, req, attempt, start, err)
	}

	resp, err := lease.Transport().RoundTrip(req.WithContext(ctx)) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	if err != nil {
		lease.Release()
		cancel()
		return nil, c.fail(parent, req, attempt, start, err)
	}

	attempt.Status = resp.StatusCode
	attempt.Latency = time.Since(start)

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(r.Prefix, metrics.NormalizeMethod(req.Method)).Observe(attempt.Latency.Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(r.Prefix, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body: &leasedBody{
			ReadCloser: resp.Body,
			done: func() {
				lease.Release()
				cancel()
			},
		},
		Attempt: attempt,
	}, nil
}

func (c *UpstreamClient) fail(parent context.Context, req *http.Request, attempt model.Attempt, start time.Time, err error) error {
	attempt.Latency = time.Since(start)
	attempt.Failure = Classify(parent, err)

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(attempt.Route, metrics.NormalizeMethod(req.Method)).Observe(attempt.Latency.Seconds())
		c.metrics.UpstreamFailures.WithLabelValues(attempt.Route, string(attempt.Failure)).Inc()
	}

	return &model.ForwardError{Kind: attempt.Failure, Attempt: attempt, Err: err}
}

// leasedBody runs done once when the body is closed.
type leasedBody struct {
	io.ReadCloser
	once sync.Once
	done func()
}

func (b *leasedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.done)
	return err
}
