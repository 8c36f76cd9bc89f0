// Package model defines shared types for the proxy.
package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProxyRequest represents an inbound request to be forwarded upstream.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawPath  string
	RawQuery string
	Host     string
	Header   http.Header
	Body     io.ReadCloser

	// ContentLength follows http.Request: -1 means unknown.
	ContentLength int64

	// Client address and scheme, used for X-Forwarded-* headers.
	RemoteAddr string
	TLS        bool
}

// ProxyResponse represents the upstream response to be streamed back.
// The caller must close Body; closing it also returns the pooled connection slot.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Attempt    Attempt
}

// Attempt records one upstream call for logging and metrics.
type Attempt struct {
	Route   string
	Target  string
	Status  int
	Failure FailureKind
	Latency time.Duration
}

// FailureKind classifies why a forward did not produce an upstream response.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureConnectionRefused FailureKind = "connection_refused"
	FailureDNS               FailureKind = "dns"
	FailureConnectTimeout    FailureKind = "connect_timeout"
	FailureTimeout           FailureKind = "timeout"
	FailureUnreachable       FailureKind = "unreachable"
	FailureProtocol          FailureKind = "protocol"
	FailureClientAbandoned   FailureKind = "client_abandoned"
)

// Description returns a short human-readable name for the failure.
func (k FailureKind) Description() string {
	switch k {
	case FailureConnectionRefused:
		return "connection refused"
	case FailureDNS:
		return "DNS lookup failed"
	case FailureConnectTimeout:
		return "connect timeout"
	case FailureTimeout:
		return "timeout"
	case FailureUnreachable:
		return "unreachable"
	case FailureProtocol:
		return "protocol error"
	case FailureClientAbandoned:
		return "client abandoned"
	default:
		return "none"
	}
}

// ForwardError is returned by the forwarder when no upstream response was obtained.
type ForwardError struct {
	Kind    FailureKind
	Attempt Attempt
	Err     error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward %s: %s: %v", e.Attempt.Target, e.Kind.Description(), e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }
