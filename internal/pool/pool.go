// Package pool owns the per-upstream connection pools used by the forwarder.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Options configures every pool created by a Registry.
type Options struct {
	// MaxConns bounds concurrent checkouts per upstream origin.
	MaxConns int
	// MaxIdle bounds idle keep-alive connections kept per upstream origin.
	MaxIdle        int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Stats is a point-in-time view of one pool.
type Stats struct {
	Origin   string `json:"origin"`
	InUse    int64  `json:"in_use"`
	Capacity int64  `json:"capacity"`
}

// Observer is notified whenever the number of leased slots changes.
type Observer func(origin string, inUse int64)

// Pool bounds concurrent requests to a single upstream origin and reuses its
// connections through a dedicated transport.
type Pool struct {
	origin    string
	capacity  int64
	sem       *semaphore.Weighted
	inUse     atomic.Int64
	transport *http.Transport
	observe   Observer
}

func newPool(origin string, opts Options, observe Observer) *Pool {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: opts.KeepAlive,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          opts.MaxIdle,
		MaxIdleConnsPerHost:   opts.MaxIdle,
		MaxConnsPerHost:       opts.MaxConns,
		IdleConnTimeout:       opts.IdleTimeout,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Pool{
		origin:    origin,
		capacity:  int64(opts.MaxConns),
		sem:       semaphore.NewWeighted(int64(opts.MaxConns)),
		transport: transport,
		observe:   observe,
	}
}

// Acquire checks out one slot, blocking until a slot is free or ctx is done.
// The returned Lease must be released exactly once; extra calls are no-ops.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s: %w", p.origin, err)
	}
	n := p.inUse.Add(1)
	if p.observe != nil {
		p.observe(p.origin, n)
	}
	return &Lease{pool: p}, nil
}

func (p *Pool) release() {
	n := p.inUse.Add(-1)
	p.sem.Release(1)
	if p.observe != nil {
		p.observe(p.origin, n)
	}
}

// Origin returns the scheme://host this pool serves.
func (p *Pool) Origin() string { return p.origin }

// Stats returns current utilisation.
func (p *Pool) Stats() Stats {
	return Stats{Origin: p.origin, InUse: p.inUse.Load(), Capacity: p.capacity}
}

// Lease is one checked-out slot. Its RoundTripper sends requests over the
// pool's shared connections.
type Lease struct {
	pool *Pool
	once sync.Once
}

// Transport returns the RoundTripper bound to the leased pool.
func (l *Lease) Transport() http.RoundTripper { return l.pool.transport }

// Release returns the slot to the pool.
func (l *Lease) Release() {
	l.once.Do(l.pool.release)
}

// Registry holds one Pool per upstream origin. Pools are created lazily and
// live until Close.
type Registry struct {
	opts    Options
	logger  *slog.Logger
	observe Observer

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewRegistry creates an empty Registry. Non-positive options fall back to defaults.
func NewRegistry(opts Options, logger *slog.Logger, observe Observer) *Registry {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 100
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = opts.MaxConns
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	return &Registry{
		opts:    opts,
		logger:  logger.With("component", "pool"),
		observe: observe,
		pools:   make(map[string]*Pool),
	}
}

// Get returns the pool for origin, creating it on first use.
func (r *Registry) Get(origin string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[origin]
	if !ok {
		p = newPool(origin, r.opts, r.observe)
		r.pools[origin] = p
		r.logger.Debug("pool created", "origin", origin, "max_conns", r.opts.MaxConns)
	}
	return p
}

// Stats returns stats for all pools sorted by origin.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	out := make([]Stats, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p.Stats())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// Close drops idle connections of every pool. In-flight leases are unaffected.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.transport.CloseIdleConnections()
	}
}
