package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/transport"
	"github.com/vietddude/guardian/internal/observability/governor"
)

type captureForwarder struct {
	mu   sync.Mutex
	recs []domain.ErrorRecord
}

func (f *captureForwarder) Enqueue(rec domain.ErrorRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func (f *captureForwarder) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAggregator(maxQueue int) (*Aggregator, *captureForwarder) {
	fwd := &captureForwarder{}
	gov := governor.New(governor.Config{ReportThreshold: 3, ReportCooldown: time.Hour})
	return New(Config{MaxQueueSize: maxQueue}, gov, fwd, quietLogger()), fwd
}

func TestCapture_BuildsRecord(t *testing.T) {
	agg, fwd := newTestAggregator(10)
	agg.SetContext("user", "u-1")

	err := &transport.StatusError{Method: "GET", URL: "/me", StatusCode: http.StatusForbidden}
	rec := agg.Capture(context.Background(), domain.KindAPI, err, map[string]any{"route": "/settings"})

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, domain.KindAPI, rec.Kind)
	assert.Equal(t, domain.SeverityCritical, rec.Severity)
	assert.Equal(t, "u-1", rec.Context["user"])
	assert.Equal(t, "/settings", rec.Context["route"])
	assert.NotEmpty(t, rec.Context["fingerprint"])
	assert.True(t, rec.Reported)

	require.Equal(t, 1, fwd.len())
	assert.Equal(t, rec.ID, fwd.recs[0].ID)
}

func TestCapture_SuppressedRecordsStayLocal(t *testing.T) {
	agg, fwd := newTestAggregator(10)
	ctx := context.Background()

	for range 3 {
		agg.HandleNetworkError(ctx, errors.New("flaky poll"), nil)
	}

	recs := agg.Records()
	require.Len(t, recs, 3)
	assert.True(t, recs[0].Reported)
	assert.False(t, recs[1].Reported)
	assert.False(t, recs[2].Reported)
	assert.Equal(t, 1, fwd.len())

	stats := agg.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Reported)
	assert.Equal(t, 3, stats.ByKind[domain.KindNetwork])
}

func TestCapture_QueueBound(t *testing.T) {
	const max = 5
	agg, _ := newTestAggregator(max)
	ctx := context.Background()

	for i := range max + 3 {
		agg.Capture(ctx, domain.KindScript, fmt.Errorf("err %d", i), nil)
	}

	recs := agg.Records()
	require.Len(t, recs, max)
	assert.Equal(t, "err 3", recs[0].Message)
	assert.Equal(t, "err 7", recs[max-1].Message)
	assert.Equal(t, uint64(3), agg.Stats().Dropped)
}

func TestCapture_NilError(t *testing.T) {
	agg, _ := newTestAggregator(10)
	rec := agg.Capture(context.Background(), domain.KindPromise, nil, nil)
	assert.Equal(t, "unknown error", rec.Message)
	assert.Equal(t, domain.SeverityLow, rec.Severity)
}

func TestSubscribe_HandlerIsolation(t *testing.T) {
	agg, fwd := newTestAggregator(10)
	var got []string

	agg.Subscribe(func(rec domain.ErrorRecord) { panic("bad handler") })
	unsubscribe := agg.Subscribe(func(rec domain.ErrorRecord) { got = append(got, rec.Message) })

	agg.Capture(context.Background(), domain.KindAPI, errors.New("first"), nil)
	unsubscribe()
	agg.Capture(context.Background(), domain.KindAPI, errors.New("second"), nil)

	assert.Equal(t, []string{"first"}, got)
	assert.Len(t, agg.Records(), 2)
	assert.Equal(t, 2, fwd.len())
}

func TestRecords_ReturnsCopies(t *testing.T) {
	agg, _ := newTestAggregator(10)
	agg.Capture(context.Background(), domain.KindAPI, errors.New("x"), map[string]any{"k": "v"})

	recs := agg.Records()
	recs[0].Context["k"] = "mutated"
	assert.Equal(t, "v", agg.Records()[0].Context["k"])
}

func TestClear(t *testing.T) {
	agg, _ := newTestAggregator(10)
	agg.Capture(context.Background(), domain.KindAPI, errors.New("x"), nil)

	agg.Clear()
	assert.Empty(t, agg.Records())
	assert.Zero(t, agg.Stats().Total)
}

func TestHandlePanic_Source(t *testing.T) {
	agg, _ := newTestAggregator(10)

	var rec domain.ErrorRecord
	func() {
		defer func() {
			r := recover()
			rec = agg.HandlePanic(context.Background(), domain.KindScript, r, nil, nil)
		}()
		var m map[string]int
		m["x"] = 1
	}()

	assert.Contains(t, rec.Message, "nil map")
	assert.Equal(t, domain.SeverityMedium, rec.Severity)
	assert.NotEmpty(t, rec.Stack)
}

func TestSourceFromStack(t *testing.T) {
	stack := "goroutine 7 [running]:\n" +
		"runtime/debug.Stack()\n" +
		"\t/usr/local/go/src/runtime/debug/stack.go:26 +0x5e\n" +
		"github.com/vietddude/guardian/internal/observability/aggregator.(*RuntimeHost).Recover(0xc000010)\n" +
		"\t/src/internal/observability/aggregator/host.go:120 +0x3a\n" +
		"panic({0x1234, 0x5678})\n" +
		"\t/usr/local/go/src/runtime/panic.go:785 +0x132\n" +
		"github.com/acme/app/users.(*Service).Load(0xc0001, {0x0, 0x0})\n" +
		"\t/src/users/service.go:42 +0x1d\n"

	src := sourceFromStack(stack)
	require.NotNil(t, src)
	assert.Equal(t, "/src/users/service.go", src.File)
	assert.Equal(t, 42, src.Line)
	assert.Equal(t, "github.com/acme/app/users.(*Service).Load", src.Function)

	assert.Nil(t, sourceFromStack(""))
}

// =============================================================================
// Host adapters
// =============================================================================

func TestAttach_RuntimeHost(t *testing.T) {
	agg, _ := newTestAggregator(10)
	host := NewRuntimeHost()
	agg.Attach(host)
	agg.Attach(host) // second attach is a no-op

	host.Go(func() error { return errors.New("background job failed") })
	host.Go(func() error { panic("worker exploded") })
	host.Wait()

	recs := agg.Records()
	require.Len(t, recs, 2)

	kinds := map[domain.ErrorKind]string{}
	for _, r := range recs {
		kinds[r.Kind] = r.Message
	}
	assert.Equal(t, "background job failed", kinds[domain.KindPromise])
	assert.Equal(t, "worker exploded", kinds[domain.KindScript])
}

func TestRuntimeHost_Middleware(t *testing.T) {
	agg, _ := newTestAggregator(10)
	host := NewRuntimeHost()
	agg.Attach(host)

	h := host.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("render failed"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	recs := agg.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.KindFramework, recs[0].Kind)
	assert.Equal(t, "render failed", recs[0].Message)
	assert.Equal(t, "GET /dashboard", recs[0].Context["component"])
}

func TestRuntimeHost_MiddlewarePassesThrough(t *testing.T) {
	host := NewRuntimeHost()
	called := false
	host.OnFrameworkError(func(HostEvent) { called = true })

	h := host.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, called)
}
