// Package health exposes pipeline status, the diagnostic queue and
// Prometheus metrics over HTTP.
package health

import (
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/observability/aggregator"
)

// SystemStatus represents the overall health state.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ErrorSource provides the aggregator's view of captured failures.
type ErrorSource interface {
	Records() []domain.ErrorRecord
	Stats() aggregator.Stats
}

// QueueSource reports the telemetry delivery queue.
type QueueSource interface {
	Len() int
	Dropped() uint64
}

// Report is the /health response body.
type Report struct {
	Status         SystemStatus     `json:"status"`
	Errors         aggregator.Stats `json:"errors"`
	TelemetryQueue int              `json:"telemetry_queue"`
	TelemetryDrops uint64           `json:"telemetry_dropped"`
}

// Evaluate derives a status from capture statistics: any critical failure
// in the diagnostic window is critical, a mostly full telemetry queue or
// recent drops are degraded.
func Evaluate(errs ErrorSource, q QueueSource, queueCap int) Report {
	stats := errs.Stats()
	r := Report{
		Status:         StatusHealthy,
		Errors:         stats,
		TelemetryQueue: q.Len(),
		TelemetryDrops: q.Dropped(),
	}

	for _, rec := range errs.Records() {
		if rec.Severity == domain.SeverityCritical {
			r.Status = StatusCritical
			return r
		}
	}
	if r.TelemetryDrops > 0 || stats.Dropped > 0 || (queueCap > 0 && r.TelemetryQueue*10 >= queueCap*8) {
		r.Status = StatusDegraded
	}
	return r
}
