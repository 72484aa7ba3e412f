// Package executor runs outbound requests with retry, fallback and a
// short-lived response cache.
//
// Execute follows a fixed sequence:
//
//  1. Idempotent requests are served from the cache when a fresh entry exists.
//  2. The transport is called; success on a read populates the cache.
//  3. Retryable failures are repeated up to MaxRetries times with backoff.
//  4. Terminal failures go through the fallback chain, if one is eligible.
//  5. Failures nothing could absorb are reported and returned to the caller.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/guardian/internal/infra/transport"
	"github.com/vietddude/guardian/internal/metrics"
	"github.com/vietddude/guardian/internal/resilience/backoff"
	"github.com/vietddude/guardian/internal/resilience/cache"
)

// Reporter receives terminal failures for fingerprinting and reporting.
type Reporter interface {
	HandleAPIError(ctx context.Context, err error, info map[string]any)
	HandleNetworkError(ctx context.Context, err error, info map[string]any)
}

// Result describes how a successful response was obtained.
type Result struct {
	Response  *transport.Response
	Attempts  int
	FromCache bool
	Fallback  string
}

// Error is returned when no attempt or fallback produced a response.
// Err is the failure surfaced to the caller: the original transport error,
// or the error of the last configured fallback option once the whole chain
// has failed. Original is always the transport error.
type Error struct {
	Method      string
	URL         string
	Attempts    int
	Err         error
	Original    error
	FallbackErr error
}

func (e *Error) Error() string {
	cause := e.Original
	if cause == nil {
		cause = e.Err
	}
	msg := fmt.Sprintf("%s %s failed after %d attempts: %v", e.Method, e.URL, e.Attempts, cause)
	if e.FallbackErr != nil {
		msg += fmt.Sprintf(" (fallback: %v)", e.FallbackErr)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Executor wraps a transport with retry, fallback and caching.
type Executor struct {
	doer     transport.Doer
	store    cache.Store
	reporter Reporter
	log      *slog.Logger
	retry    RetryPolicy
	fallback *FallbackPolicy
	sleep    func(context.Context, time.Duration) error
	rnd      func() float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithCache enables response caching for idempotent requests.
func WithCache(s cache.Store) Option {
	return func(e *Executor) { e.store = s }
}

// WithReporter sets where terminal failures are escalated.
func WithReporter(r Reporter) Option {
	return func(e *Executor) { e.reporter = r }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) { e.retry = p }
}

// WithFallbackPolicy sets the default fallback chain.
func WithFallbackPolicy(f *FallbackPolicy) Option {
	return func(e *Executor) { e.fallback = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithSleep replaces the backoff wait. Intended for tests.
func WithSleep(f func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = f }
}

// WithRand replaces the jitter source.
func WithRand(f func() float64) Option {
	return func(e *Executor) { e.rnd = f }
}

// New creates an Executor around doer.
func New(doer transport.Doer, opts ...Option) *Executor {
	e := &Executor{
		doer:  doer,
		retry: DefaultRetryPolicy(),
		sleep: sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

type callSettings struct {
	retry    RetryPolicy
	fallback *FallbackPolicy
	noCache  bool
}

// CallOption overrides executor defaults for a single call.
type CallOption func(*callSettings)

// WithRetry overrides the retry policy for one call.
func WithRetry(p RetryPolicy) CallOption {
	return func(c *callSettings) { c.retry = p }
}

// WithFallback overrides the fallback chain for one call.
func WithFallback(f *FallbackPolicy) CallOption {
	return func(c *callSettings) { c.fallback = f }
}

// WithoutCache bypasses the response cache for one call.
func WithoutCache() CallOption {
	return func(c *callSettings) { c.noCache = true }
}

// Execute performs req. See the package documentation for the sequence.
func (e *Executor) Execute(ctx context.Context, req transport.Request, opts ...CallOption) (*Result, error) {
	call := callSettings{retry: e.retry, fallback: e.fallback}
	for _, opt := range opts {
		opt(&call)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	key := ""
	if e.store != nil && !call.noCache && req.IsIdempotent() {
		key = cache.Key(method, req.URL, req.Params, req.Body)
		if resp, ok := e.lookup(ctx, key); ok {
			return &Result{Response: resp, FromCache: true}, nil
		}
	}

	resp, attempts, err := e.attempt(ctx, method, req, call.retry)
	if err == nil {
		e.remember(ctx, key, resp)
		return &Result{Response: resp, Attempts: attempts}, nil
	}

	// The caller gave up; neither fallback nor reporting applies.
	if ctx.Err() != nil {
		return nil, &Error{Method: method, URL: req.URL, Attempts: attempts, Err: err, Original: err}
	}

	execErr := &Error{Method: method, URL: req.URL, Attempts: attempts, Err: err, Original: err}

	if call.fallback.eligible(err) {
		fbResp, name, fbErr := e.runFallback(ctx, req, err, call.fallback)
		if fbErr == nil {
			e.log.Info("Fallback served request",
				"method", method, "url", req.URL, "fallback", name, "error", err)
			e.remember(ctx, key, fbResp)
			return &Result{Response: fbResp, Attempts: attempts, Fallback: name}, nil
		}
		// Options run in order, so the chain's error is the last one's.
		execErr.FallbackErr = fbErr
		execErr.Err = fbErr
	}

	e.escalate(ctx, execErr)
	return nil, execErr
}

// InvalidateCache drops the entry for req, or every entry when req is nil.
func (e *Executor) InvalidateCache(ctx context.Context, req *transport.Request) error {
	if e.store == nil {
		return nil
	}
	if req == nil {
		return e.store.InvalidateAll(ctx)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	return e.store.Invalidate(ctx, cache.Key(method, req.URL, req.Params, req.Body))
}

// attempt runs the primary transport call with retries and returns the
// number of attempts made.
func (e *Executor) attempt(ctx context.Context, method string, req transport.Request, p RetryPolicy) (*transport.Response, int, error) {
	maxRetries := max(p.MaxRetries, 0)

	for attempt := 0; ; attempt++ {
		resp, err := e.doer.Do(ctx, req)
		if err == nil {
			metrics.RequestAttempts.WithLabelValues(method, "success").Inc()
			return resp, attempt + 1, nil
		}
		metrics.RequestAttempts.WithLabelValues(method, "failure").Inc()

		if ctx.Err() != nil || attempt >= maxRetries || !p.retryable(err) {
			return nil, attempt + 1, err
		}

		delay := backoff.Compute(attempt, p.Policy, e.rnd)
		e.log.Debug("Retrying request",
			"method", method, "url", req.URL, "attempt", attempt+1, "delay", delay, "error", err)
		metrics.RequestRetries.WithLabelValues(method).Inc()

		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, attempt + 1, serr
		}
	}
}

func (e *Executor) runFallback(ctx context.Context, req transport.Request, cause error, f *FallbackPolicy) (*transport.Response, string, error) {
	if f.StaticValue != nil {
		metrics.FallbacksTotal.WithLabelValues(FallbackStatic, "success").Inc()
		resp := *f.StaticValue
		return &resp, FallbackStatic, nil
	}

	var lastErr error
	if f.AlternateURL != "" {
		resp, err := e.doer.Do(ctx, req.WithURL(f.AlternateURL))
		if err == nil {
			metrics.FallbacksTotal.WithLabelValues(FallbackAlternate, "success").Inc()
			return resp, FallbackAlternate, nil
		}
		metrics.FallbacksTotal.WithLabelValues(FallbackAlternate, "failure").Inc()
		e.log.Warn("Alternate endpoint failed", "url", f.AlternateURL, "error", err)
		lastErr = fmt.Errorf("alternate endpoint: %w", err)
	}

	if f.Handler != nil {
		resp, err := callHandler(ctx, f.Handler, cause, req)
		if err == nil {
			metrics.FallbacksTotal.WithLabelValues(FallbackHandlerFn, "success").Inc()
			return resp, FallbackHandlerFn, nil
		}
		metrics.FallbacksTotal.WithLabelValues(FallbackHandlerFn, "failure").Inc()
		lastErr = err
	}

	return nil, "", lastErr
}

func callHandler(ctx context.Context, h FallbackHandler, cause error, req transport.Request) (resp *transport.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("fallback handler panic: %v", r)
		}
	}()
	resp, err = h(ctx, cause, req)
	if err == nil && resp == nil {
		err = errors.New("fallback handler returned no response")
	}
	return resp, err
}

func (e *Executor) escalate(ctx context.Context, execErr *Error) {
	if e.reporter == nil {
		return
	}
	info := map[string]any{
		"method":   execErr.Method,
		"url":      execErr.URL,
		"attempts": execErr.Attempts,
	}
	if status := transport.StatusCode(execErr.Original); status != 0 {
		info["status"] = status
		e.reporter.HandleAPIError(ctx, execErr.Original, info)
		return
	}
	e.reporter.HandleNetworkError(ctx, execErr.Original, info)
}

func (e *Executor) lookup(ctx context.Context, key string) (*transport.Response, bool) {
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil {
		e.log.Warn("Cache lookup failed", "error", err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	var resp transport.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		e.log.Warn("Discarding undecodable cache entry", "error", err)
		_ = e.store.Invalidate(ctx, key)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &resp, true
}

func (e *Executor) remember(ctx context.Context, key string, resp *transport.Response) {
	if key == "" || resp == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		e.log.Warn("Failed to encode response for cache", "error", err)
		return
	}
	if err := e.store.Set(ctx, key, raw); err != nil {
		e.log.Warn("Cache store failed", "error", err)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
