// Package transport is the outbound HTTP boundary used by the resilient
// executor.
//
// A Doer returns an error for every non-2xx response and for network
// failures, so callers only ever see a usable Response or an error.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string
	Params url.Values
	Header http.Header
	Body   []byte

	// Idempotent overrides the method-based default when set.
	Idempotent *bool
}

// IsIdempotent reports whether the request is a read that may be cached
// and replayed.
func (r Request) IsIdempotent() bool {
	if r.Idempotent != nil {
		return *r.Idempotent
	}
	switch strings.ToUpper(r.method()) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// WithURL returns a copy of r aimed at another endpoint.
func (r Request) WithURL(u string) Request {
	r.URL = u
	return r
}

// Response is a fully read 2xx reply.
type Response struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
}

// Doer performs a single attempt of a request.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(ctx context.Context, req Request) (*Response, error)

// Do calls f.
func (f DoerFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
