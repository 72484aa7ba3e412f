// Package aggregator captures failures from every source in the process,
// keeps a bounded diagnostic history, and forwards the ones the rate
// governor approves to the telemetry shipper.
//
// Captured errors are observational only: nothing here returns them to the
// code that failed.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/core/queue"
	"github.com/vietddude/guardian/internal/infra/transport"
	"github.com/vietddude/guardian/internal/metrics"
	"github.com/vietddude/guardian/internal/observability/governor"
)

// DefaultMaxQueueSize bounds the diagnostic queue.
const DefaultMaxQueueSize = 100

// Governor decides whether a record is reported.
type Governor interface {
	ShouldReport(rec *domain.ErrorRecord) bool
}

// Forwarder receives records approved for reporting.
type Forwarder interface {
	Enqueue(rec domain.ErrorRecord)
}

// Handler is notified of every captured record.
type Handler func(rec domain.ErrorRecord)

// Config holds aggregator settings.
type Config struct {
	MaxQueueSize int `yaml:"max_queue_size"`
}

// Stats summarises what has been captured since start or the last Clear.
type Stats struct {
	Total      int                      `json:"total"`
	Reported   int                      `json:"reported"`
	Dropped    uint64                   `json:"dropped"`
	Queued     int                      `json:"queued"`
	ByKind     map[domain.ErrorKind]int `json:"by_kind"`
	BySeverity map[domain.Severity]int  `json:"by_severity"`
}

// Aggregator is the process-wide failure sink.
type Aggregator struct {
	gov       Governor
	forwarder Forwarder
	log       *slog.Logger
	now       func() time.Time
	records   *queue.Ring[domain.ErrorRecord]

	mu         sync.Mutex
	handlers   map[int]Handler
	nextID     int
	global     map[string]any
	total      int
	reported   int
	byKind     map[domain.ErrorKind]int
	bySeverity map[domain.Severity]int

	attachOnce sync.Once
}

// New creates an Aggregator. forwarder may be nil, in which case approved
// records are only marked reported.
func New(cfg Config, gov Governor, forwarder Forwarder, log *slog.Logger) *Aggregator {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if gov == nil {
		gov = governor.New(governor.DefaultConfig())
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		gov:        gov,
		forwarder:  forwarder,
		log:        log,
		now:        time.Now,
		records:    queue.NewRing[domain.ErrorRecord](cfg.MaxQueueSize),
		handlers:   make(map[int]Handler),
		global:     make(map[string]any),
		byKind:     make(map[domain.ErrorKind]int),
		bySeverity: make(map[domain.Severity]int),
	}
}

// WithClock replaces the time source. Intended for tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// SetContext attaches a key/value to every subsequent record, e.g. the
// current user or build version. A nil value removes the key.
func (a *Aggregator) SetContext(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if value == nil {
		delete(a.global, key)
		return
	}
	a.global[key] = value
}

// Subscribe registers h for every captured record and returns a function
// that removes it.
func (a *Aggregator) Subscribe(h Handler) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.handlers[id] = h
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.handlers, id)
		a.mu.Unlock()
	}
}

// Capture records err under kind. info is copied into the record context.
func (a *Aggregator) Capture(ctx context.Context, kind domain.ErrorKind, err error, info map[string]any) domain.ErrorRecord {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	rec := a.newRecord(kind, msg, info)
	rec.Severity = ClassifySeverity(msg, statusOf(err, info))
	return a.process(ctx, rec)
}

// HandleAPIError captures a failed API call.
func (a *Aggregator) HandleAPIError(ctx context.Context, err error, info map[string]any) {
	a.Capture(ctx, domain.KindAPI, err, info)
}

// HandleNetworkError captures a transport-level failure.
func (a *Aggregator) HandleNetworkError(ctx context.Context, err error, info map[string]any) {
	a.Capture(ctx, domain.KindNetwork, err, info)
}

// HandlePanic captures a recovered panic value with the stack it unwound.
func (a *Aggregator) HandlePanic(ctx context.Context, kind domain.ErrorKind, v any, stack []byte, info map[string]any) domain.ErrorRecord {
	if stack == nil {
		stack = debug.Stack()
	}
	rec := a.newRecord(kind, panicMessage(v), info)
	rec.Stack = string(stack)
	rec.Source = sourceFromStack(rec.Stack)
	rec.Severity = ClassifySeverity(rec.Message, statusOf(asError(v), info))
	return a.process(ctx, rec)
}

// Records returns the diagnostic queue, oldest first.
func (a *Aggregator) Records() []domain.ErrorRecord {
	recs := a.records.Snapshot()
	for i := range recs {
		recs[i] = recs[i].Clone()
	}
	return recs
}

// Stats returns capture counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Total:      a.total,
		Reported:   a.reported,
		Dropped:    a.records.Dropped(),
		Queued:     a.records.Len(),
		ByKind:     maps.Clone(a.byKind),
		BySeverity: maps.Clone(a.bySeverity),
	}
}

// Clear empties the diagnostic queue and resets counters.
func (a *Aggregator) Clear() {
	a.records.Clear()
	a.mu.Lock()
	a.total, a.reported = 0, 0
	a.byKind = make(map[domain.ErrorKind]int)
	a.bySeverity = make(map[domain.Severity]int)
	a.mu.Unlock()
	metrics.QueueDepth.WithLabelValues("diagnostic").Set(0)
}

func (a *Aggregator) newRecord(kind domain.ErrorKind, msg string, info map[string]any) *domain.ErrorRecord {
	rec := domain.NewErrorRecord(kind, msg, a.now())
	a.mu.Lock()
	maps.Copy(rec.Context, a.global)
	a.mu.Unlock()
	maps.Copy(rec.Context, info)
	return rec
}

func (a *Aggregator) process(ctx context.Context, rec *domain.ErrorRecord) domain.ErrorRecord {
	rec.Context["fingerprint"] = governor.DigestString(rec)

	report := a.gov.ShouldReport(rec)
	snapshot := rec.Clone()

	length, dropped := a.records.Push(snapshot)
	metrics.QueueDepth.WithLabelValues("diagnostic").Set(float64(length))
	if dropped > 0 {
		metrics.QueueDropped.WithLabelValues("diagnostic").Add(float64(dropped))
	}
	metrics.ErrorsCaptured.WithLabelValues(string(rec.Kind), string(rec.Severity)).Inc()

	a.mu.Lock()
	a.total++
	a.byKind[rec.Kind]++
	a.bySeverity[rec.Severity]++
	if report {
		a.reported++
	}
	handlers := make([]Handler, 0, len(a.handlers))
	for _, h := range a.handlers {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	if report && a.forwarder != nil {
		a.forwarder.Enqueue(rec.Clone())
	}

	a.console(ctx, snapshot)

	for _, h := range handlers {
		a.invoke(h, snapshot)
	}
	return snapshot
}

// invoke runs one handler; a panic is logged and swallowed.
func (a *Aggregator) invoke(h Handler, rec domain.ErrorRecord) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("Error handler panicked", "panic", r, "record", rec.ID)
		}
	}()
	h(rec.Clone())
}

func (a *Aggregator) console(ctx context.Context, rec domain.ErrorRecord) {
	level := slog.LevelDebug
	switch rec.Severity {
	case domain.SeverityCritical:
		level = slog.LevelError
	case domain.SeverityHigh:
		level = slog.LevelWarn
	case domain.SeverityMedium:
		level = slog.LevelInfo
	}
	attrs := []any{
		"id", rec.ID,
		"type", rec.Kind,
		"severity", rec.Severity,
		"reported", rec.Reported,
	}
	if rec.Source != nil {
		attrs = append(attrs, "source", fmt.Sprintf("%s:%d", rec.Source.File, rec.Source.Line))
	}
	a.log.Log(ctx, level, "Captured error: "+rec.Message, attrs...)
}

func statusOf(err error, info map[string]any) int {
	if code := transport.StatusCode(err); code != 0 {
		return code
	}
	if v, ok := info["status"].(int); ok {
		return v
	}
	return 0
}

func asError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

func panicMessage(v any) string {
	switch x := v.(type) {
	case nil:
		return "panic: nil"
	case error:
		return x.Error()
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// sourceFromStack finds the first frame in a debug.Stack dump that is not
// part of the runtime or this package.
func sourceFromStack(stack string) *domain.SourceLocation {
	lines := strings.Split(stack, "\n")
	for i := 0; i+1 < len(lines); i++ {
		fn := strings.TrimSpace(lines[i])
		loc := lines[i+1]
		if fn == "" || !strings.HasPrefix(loc, "\t") {
			continue
		}
		if strings.HasPrefix(fn, "runtime/debug.") || strings.HasPrefix(fn, "runtime.") ||
			strings.HasPrefix(fn, "panic(") || strings.Contains(fn, "/observability/aggregator.") {
			i++
			continue
		}
		file, line, err := parseLocation(strings.TrimSpace(loc))
		if err != nil {
			i++
			continue
		}
		if idx := strings.LastIndex(fn, "("); idx > 0 {
			fn = fn[:idx]
		}
		return &domain.SourceLocation{File: file, Line: line, Function: fn}
	}
	return nil
}

func parseLocation(loc string) (string, int, error) {
	if sp := strings.IndexByte(loc, ' '); sp > 0 {
		loc = loc[:sp]
	}
	colon := strings.LastIndexByte(loc, ':')
	if colon <= 0 {
		return "", 0, errors.New("no line number")
	}
	line, err := strconv.Atoi(loc[colon+1:])
	if err != nil {
		return "", 0, err
	}
	return loc[:colon], line, nil
}
