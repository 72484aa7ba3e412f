package executor

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/vietddude/guardian/internal/infra/transport"
)

// DefaultRetryable matches network failures, timeouts and 5xx responses.
// 4xx responses, auth failures and caller cancellation are never retried.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *transport.StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}

	if errors.Is(err, transport.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne *transport.NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	s := strings.ToLower(err.Error())

	if strings.Contains(s, "unauthorized") || strings.Contains(s, "forbidden") ||
		strings.Contains(s, "permission") {
		return false
	}

	return strings.Contains(s, "timeout") || strings.Contains(s, "timed out") ||
		strings.Contains(s, "connection reset") || strings.Contains(s, "connection refused") ||
		strings.Contains(s, "broken pipe") || strings.Contains(s, "eof") ||
		strings.Contains(s, "network")
}
