package client

import (
	"context"
	"errors"
	"net"
	"syscall"

	"pathproxy/internal/model"
)

// Classify maps a transport error to a failure kind. parent is the inbound
// request context: if it was canceled the caller went away, whatever the
// transport reported.
func Classify(parent context.Context, err error) model.FailureKind {
	if errors.Is(parent.Err(), context.Canceled) {
		return model.FailureClientAbandoned
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.FailureDNS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		switch {
		case opErr.Timeout():
			return model.FailureConnectTimeout
		case errors.Is(err, syscall.ECONNREFUSED):
			return model.FailureConnectionRefused
		default:
			return model.FailureUnreachable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return model.FailureConnectionRefused
	}
	if errors.Is(err, context.Canceled) {
		return model.FailureClientAbandoned
	}

	return model.FailureProtocol
}
