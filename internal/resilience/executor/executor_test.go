package executor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/guardian/internal/infra/transport"
	"github.com/vietddude/guardian/internal/resilience/backoff"
	"github.com/vietddude/guardian/internal/resilience/cache"
)

// =============================================================================
// Fakes
// =============================================================================

type step struct {
	resp *transport.Response
	err  error
}

// scriptedDoer replays steps in order and repeats the last one.
type scriptedDoer struct {
	mu    sync.Mutex
	steps []step
	calls []transport.Request
	byURL map[string]step
}

func (d *scriptedDoer) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	if s, ok := d.byURL[req.URL]; ok {
		return s.resp, s.err
	}
	i := min(len(d.calls)-1, len(d.steps)-1)
	return d.steps[i].resp, d.steps[i].err
}

func (d *scriptedDoer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type reportCall struct {
	kind string
	err  error
	info map[string]any
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []reportCall
}

func (f *fakeReporter) HandleAPIError(_ context.Context, err error, info map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reportCall{"api", err, info})
}

func (f *fakeReporter) HandleNetworkError(_ context.Context, err error, info map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reportCall{"network", err, info})
}

func ok(body string) step {
	return step{resp: &transport.Response{StatusCode: http.StatusOK, Body: []byte(body)}}
}

func status(code int) step {
	return step{err: &transport.StatusError{Method: "GET", URL: "/x", StatusCode: code}}
}

func testPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		Policy: backoff.Policy{
			MaxRetries:  maxRetries,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Exponential: true,
		},
	}
}

// =============================================================================
// Cache
// =============================================================================

func TestExecute_CachesIdempotentReads(t *testing.T) {
	now := time.Unix(1_000, 0)
	clock := func() time.Time { return now }
	store := cache.NewMemory(time.Minute).WithClock(clock)
	doer := &scriptedDoer{steps: []step{ok("P1"), ok("P2")}}
	exec := New(doer, WithCache(store))
	ctx := context.Background()
	req := transport.Request{Method: http.MethodGet, URL: "/x"}

	res, err := exec.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "P1", string(res.Response.Body))
	assert.False(t, res.FromCache)

	res, err = exec.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "P1", string(res.Response.Body))
	assert.True(t, res.FromCache)
	assert.Equal(t, 1, doer.count(), "cache hit must not touch the transport")

	now = now.Add(time.Minute)
	res, err = exec.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "P2", string(res.Response.Body))
	assert.Equal(t, 2, doer.count())
}

func TestExecute_DoesNotCacheWrites(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	doer := &scriptedDoer{steps: []step{ok("a")}}
	exec := New(doer, WithCache(store))
	req := transport.Request{Method: http.MethodPost, URL: "/x", Body: []byte(`{}`)}

	for range 2 {
		_, err := exec.Execute(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, doer.count())
	assert.Zero(t, store.Len())
}

func TestExecute_WithoutCacheAndInvalidate(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	doer := &scriptedDoer{steps: []step{ok("a")}}
	exec := New(doer, WithCache(store))
	ctx := context.Background()
	req := transport.Request{URL: "/x"}

	_, _ = exec.Execute(ctx, req)
	_, _ = exec.Execute(ctx, req, WithoutCache())
	assert.Equal(t, 2, doer.count())

	require.NoError(t, exec.InvalidateCache(ctx, &req))
	_, _ = exec.Execute(ctx, req)
	assert.Equal(t, 3, doer.count())

	require.NoError(t, exec.InvalidateCache(ctx, nil))
	assert.Zero(t, store.Len())
}

// =============================================================================
// Retry
// =============================================================================

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	doer := &scriptedDoer{steps: []step{status(503), status(503), status(503), ok("done")}}
	sleeps := &recordedSleep{}
	exec := New(doer,
		WithRetryPolicy(testPolicy(3)),
		WithSleep(sleeps.sleep),
		WithRand(func() float64 { return 0.8 }),
	)

	res, err := exec.Execute(context.Background(), transport.Request{URL: "/x"})
	require.NoError(t, err)
	assert.Equal(t, "done", string(res.Response.Body))
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, doer.count())

	require.Len(t, sleeps.delays, 3)
	for i := 1; i < len(sleeps.delays); i++ {
		assert.Greater(t, sleeps.delays[i], sleeps.delays[i-1])
	}
	// 100ms * 2^0 with +15% jitter
	assert.Equal(t, 115*time.Millisecond, sleeps.delays[0])
}

func TestExecute_RetryTermination(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 4} {
		doer := &scriptedDoer{steps: []step{{err: errors.New("always")}}}
		p := testPolicy(maxRetries)
		p.Retryable = func(error) bool { return true }
		exec := New(doer, WithRetryPolicy(p), WithSleep((&recordedSleep{}).sleep))

		_, err := exec.Execute(context.Background(), transport.Request{URL: "/x"})
		require.Error(t, err)
		assert.Equal(t, maxRetries+1, doer.count(), "maxRetries=%d", maxRetries)

		var execErr *Error
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, maxRetries+1, execErr.Attempts)
	}
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	doer := &scriptedDoer{steps: []step{status(401)}}
	reporter := &fakeReporter{}
	handlerCalled := false
	exec := New(doer,
		WithRetryPolicy(testPolicy(3)),
		WithSleep((&recordedSleep{}).sleep),
		WithReporter(reporter),
	)

	fb := &FallbackPolicy{
		Handler: func(context.Context, error, transport.Request) (*transport.Response, error) {
			handlerCalled = true
			return &transport.Response{StatusCode: 200}, nil
		},
		ShouldAttempt: func(err error) bool { return transport.StatusCode(err) != http.StatusUnauthorized },
	}

	_, err := exec.Execute(context.Background(), transport.Request{URL: "/x"}, WithFallback(fb))
	require.Error(t, err)
	assert.Equal(t, 1, doer.count())
	assert.False(t, handlerCalled)
	assert.Equal(t, http.StatusUnauthorized, transport.StatusCode(err))

	require.Len(t, reporter.calls, 1)
	assert.Equal(t, "api", reporter.calls[0].kind)
	assert.Equal(t, http.StatusUnauthorized, reporter.calls[0].info["status"])
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	doer := &scriptedDoer{steps: []step{status(500)}}
	reporter := &fakeReporter{}
	ctx, cancel := context.WithCancel(context.Background())
	exec := New(doer,
		WithRetryPolicy(testPolicy(5)),
		WithReporter(reporter),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)

	_, err := exec.Execute(ctx, transport.Request{URL: "/x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, doer.count())
	assert.Empty(t, reporter.calls, "caller cancellation is not reported")
}

func TestSleepWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepWithContext(context.Background(), time.Millisecond))
}

// =============================================================================
// Fallback
// =============================================================================

func TestExecute_FallbackPrecedence(t *testing.T) {
	doer := &scriptedDoer{steps: []step{status(500)}}
	handlerCalled := false
	exec := New(doer, WithRetryPolicy(testPolicy(0)))

	fb := &FallbackPolicy{
		StaticValue:  &transport.Response{StatusCode: 200, Body: []byte("static")},
		AlternateURL: "/alt",
		Handler: func(context.Context, error, transport.Request) (*transport.Response, error) {
			handlerCalled = true
			return &transport.Response{StatusCode: 200, Body: []byte("handler")}, nil
		},
	}

	res, err := exec.Execute(context.Background(), transport.Request{URL: "/x"}, WithFallback(fb))
	require.NoError(t, err)
	assert.Equal(t, "static", string(res.Response.Body))
	assert.Equal(t, FallbackStatic, res.Fallback)
	assert.False(t, handlerCalled)
	assert.Equal(t, 1, doer.count(), "alternate endpoint must not be called")
}

func TestExecute_AlternateEndpoint(t *testing.T) {
	doer := &scriptedDoer{
		steps: []step{status(502)},
		byURL: map[string]step{"/alt": ok("from-alt")},
	}
	store := cache.NewMemory(time.Minute)
	exec := New(doer, WithRetryPolicy(testPolicy(2)), WithSleep((&recordedSleep{}).sleep), WithCache(store))

	res, err := exec.Execute(context.Background(), transport.Request{URL: "/x"},
		WithFallback(&FallbackPolicy{AlternateURL: "/alt"}))
	require.NoError(t, err)
	assert.Equal(t, "from-alt", string(res.Response.Body))
	assert.Equal(t, FallbackAlternate, res.Fallback)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 4, doer.count(), "three primary attempts plus one alternate, never retried")

	// Fallback results of reads are cached under the original key.
	res, err = exec.Execute(context.Background(), transport.Request{URL: "/x"})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "from-alt", string(res.Response.Body))
}

func TestExecute_FailedAlternateIsSurfacedWhenLast(t *testing.T) {
	doer := &scriptedDoer{
		steps: []step{status(503)},
		byURL: map[string]step{"/alt": status(404)},
	}
	reporter := &fakeReporter{}
	exec := New(doer, WithRetryPolicy(testPolicy(0)), WithReporter(reporter))

	_, err := exec.Execute(context.Background(), transport.Request{URL: "/x"},
		WithFallback(&FallbackPolicy{AlternateURL: "/alt"}))
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, transport.StatusCode(err), "alternate is the last option, its failure is surfaced")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "404")

	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, http.StatusServiceUnavailable, transport.StatusCode(execErr.Original))
	assert.Equal(t, http.StatusNotFound, transport.StatusCode(execErr.FallbackErr))

	require.Len(t, reporter.calls, 1)
	assert.Equal(t, http.StatusServiceUnavailable, transport.StatusCode(reporter.calls[0].err), "the original failure is reported")
}

func TestExecute_FailedAlternateBeforeFailingHandler(t *testing.T) {
	doer := &scriptedDoer{
		steps: []step{status(503)},
		byURL: map[string]step{"/alt": status(404)},
	}
	exec := New(doer, WithRetryPolicy(testPolicy(0)))
	errOffline := errors.New("offline")

	_, err := exec.Execute(context.Background(), transport.Request{URL: "/x"},
		WithFallback(&FallbackPolicy{
			AlternateURL: "/alt",
			Handler: func(context.Context, error, transport.Request) (*transport.Response, error) {
				return nil, errOffline
			},
		}))
	assert.ErrorIs(t, err, errOffline)
	assert.Zero(t, transport.StatusCode(err))
}

func TestExecute_HandlerRunsAfterFailedAlternate(t *testing.T) {
	doer := &scriptedDoer{
		steps: []step{status(503)},
		byURL: map[string]step{"/alt": status(503)},
	}
	exec := New(doer, WithRetryPolicy(testPolicy(0)))
	var seen error

	res, err := exec.Execute(context.Background(), transport.Request{URL: "/x"},
		WithFallback(&FallbackPolicy{
			AlternateURL: "/alt",
			Handler: func(_ context.Context, cause error, req transport.Request) (*transport.Response, error) {
				seen = cause
				return &transport.Response{StatusCode: 200, Body: []byte(req.URL)}, nil
			},
		}))
	require.NoError(t, err)
	assert.Equal(t, FallbackHandlerFn, res.Fallback)
	assert.Equal(t, "/x", string(res.Response.Body))
	assert.Equal(t, http.StatusServiceUnavailable, transport.StatusCode(seen))
}

func TestExecute_FailingHandlerIsSurfaced(t *testing.T) {
	doer := &scriptedDoer{steps: []step{{err: &transport.NetworkError{Method: "GET", URL: "/x", Err: errors.New("refused")}}}}
	reporter := &fakeReporter{}
	exec := New(doer, WithRetryPolicy(testPolicy(0)), WithReporter(reporter))
	errOffline := errors.New("offline")

	_, err := exec.Execute(context.Background(), transport.Request{URL: "/x"},
		WithFallback(&FallbackPolicy{
			Handler: func(context.Context, error, transport.Request) (*transport.Response, error) {
				return nil, errOffline
			},
		}))
	assert.ErrorIs(t, err, errOffline)

	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	var ne *transport.NetworkError
	assert.ErrorAs(t, execErr.Original, &ne)

	require.Len(t, reporter.calls, 1)
	assert.Equal(t, "network", reporter.calls[0].kind)
}

func TestExecute_PanickingHandler(t *testing.T) {
	doer := &scriptedDoer{steps: []step{status(500)}}
	exec := New(doer, WithRetryPolicy(testPolicy(0)))

	_, err := exec.Execute(context.Background(), transport.Request{URL: "/x"},
		WithFallback(&FallbackPolicy{
			Handler: func(context.Context, error, transport.Request) (*transport.Response, error) {
				panic("kaboom")
			},
		}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}
