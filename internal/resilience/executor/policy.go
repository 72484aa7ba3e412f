package executor

import (
	"context"

	"github.com/vietddude/guardian/internal/infra/transport"
	"github.com/vietddude/guardian/internal/resilience/backoff"
)

// RetryPolicy decides whether and when a failed attempt is repeated.
type RetryPolicy struct {
	backoff.Policy

	// Retryable reports whether err may be retried. nil uses DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the executor-wide default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Policy:    backoff.DefaultPolicy(),
		Retryable: DefaultRetryable,
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return DefaultRetryable(err)
	}
	return p.Retryable(err)
}

// FallbackHandler produces a substitute response for a failed request.
type FallbackHandler func(ctx context.Context, err error, req transport.Request) (*transport.Response, error)

// FallbackPolicy lists alternatives tried, in order, once retries are spent:
// StaticValue, then AlternateURL, then Handler. Each is tried at most once
// and never retried.
type FallbackPolicy struct {
	StaticValue  *transport.Response
	AlternateURL string
	Handler      FallbackHandler

	// ShouldAttempt gates the whole chain. nil means always.
	ShouldAttempt func(error) bool
}

func (f *FallbackPolicy) configured() bool {
	return f != nil && (f.StaticValue != nil || f.AlternateURL != "" || f.Handler != nil)
}

func (f *FallbackPolicy) eligible(err error) bool {
	if !f.configured() {
		return false
	}
	return f.ShouldAttempt == nil || f.ShouldAttempt(err)
}

// Fallback option names reported in Result.Fallback and metrics.
const (
	FallbackStatic    = "static"
	FallbackAlternate = "alternate"
	FallbackHandlerFn = "handler"
)
