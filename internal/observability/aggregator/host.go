package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/vietddude/guardian/internal/core/domain"
)

// HostEvent is a failure raised by the host runtime.
type HostEvent struct {
	Err       error
	Panic     any
	Stack     []byte
	Component string
}

// Host exposes the process-wide failure channels the aggregator listens to.
type Host interface {
	OnUncaughtError(func(HostEvent))
	OnUnhandledRejection(func(HostEvent))
	OnFrameworkError(func(HostEvent))
}

// Attach subscribes to h. Only the first call has any effect.
func (a *Aggregator) Attach(h Host) {
	a.attachOnce.Do(func() {
		h.OnUncaughtError(func(ev HostEvent) {
			a.fromHost(domain.KindScript, ev)
		})
		h.OnUnhandledRejection(func(ev HostEvent) {
			a.fromHost(domain.KindPromise, ev)
		})
		h.OnFrameworkError(func(ev HostEvent) {
			a.fromHost(domain.KindFramework, ev)
		})
	})
}

func (a *Aggregator) fromHost(kind domain.ErrorKind, ev HostEvent) {
	ctx := context.Background()
	var info map[string]any
	if ev.Component != "" {
		info = map[string]any{"component": ev.Component}
	}
	if ev.Panic != nil {
		a.HandlePanic(ctx, kind, ev.Panic, ev.Stack, info)
		return
	}
	a.Capture(ctx, kind, ev.Err, info)
}

// RuntimeHost adapts goroutines and net/http handlers to Host.
//
// Panics in goroutines started with Go, or in functions deferring Recover,
// are uncaught errors. Errors returned from Go functions are unhandled
// rejections. Panics inside Middleware-wrapped handlers are framework errors.
type RuntimeHost struct {
	mu        sync.RWMutex
	uncaught  []func(HostEvent)
	rejection []func(HostEvent)
	framework []func(HostEvent)

	wg sync.WaitGroup
}

// NewRuntimeHost creates an adapter with no listeners.
func NewRuntimeHost() *RuntimeHost {
	return &RuntimeHost{}
}

func (h *RuntimeHost) OnUncaughtError(fn func(HostEvent)) {
	h.mu.Lock()
	h.uncaught = append(h.uncaught, fn)
	h.mu.Unlock()
}

func (h *RuntimeHost) OnUnhandledRejection(fn func(HostEvent)) {
	h.mu.Lock()
	h.rejection = append(h.rejection, fn)
	h.mu.Unlock()
}

func (h *RuntimeHost) OnFrameworkError(fn func(HostEvent)) {
	h.mu.Lock()
	h.framework = append(h.framework, fn)
	h.mu.Unlock()
}

// Go runs fn in its own goroutine and reports what it leaves behind.
func (h *RuntimeHost) Go(fn func() error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.Recover()
		if err := fn(); err != nil {
			h.emit(&h.rejection, HostEvent{Err: err})
		}
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (h *RuntimeHost) Wait() {
	h.wg.Wait()
}

// Recover must be deferred directly. It swallows a panic and reports it as
// an uncaught error.
func (h *RuntimeHost) Recover() {
	if r := recover(); r != nil {
		h.emit(&h.uncaught, HostEvent{Panic: r, Stack: debug.Stack()})
	}
}

// Middleware reports handler panics as framework errors and answers 500.
func (h *RuntimeHost) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			h.emit(&h.framework, HostEvent{
				Panic:     rec,
				Stack:     debug.Stack(),
				Component: fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			})
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *RuntimeHost) emit(list *[]func(HostEvent), ev HostEvent) {
	h.mu.RLock()
	fns := append([]func(HostEvent){}, (*list)...)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
