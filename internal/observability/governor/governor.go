// Package governor decides which captured failures are worth reporting.
//
// Occurrences are grouped by fingerprint. A fingerprint is reported when it
// has been seen ReportThreshold times since its last report, when
// ReportCooldown has passed since its last report, or when the record is
// critical. Each report resets the fingerprint's count.
package governor

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/metrics"
)

const stackLines = 3

// Config holds governor thresholds.
type Config struct {
	ReportThreshold int           `yaml:"report_threshold"`
	ReportCooldown  time.Duration `yaml:"report_cooldown"`
}

// DefaultConfig reports every third occurrence or once a minute.
func DefaultConfig() Config {
	return Config{
		ReportThreshold: 3,
		ReportCooldown:  60 * time.Second,
	}
}

type frequency struct {
	count          int
	lastReportedAt time.Time
	reported       bool
}

// Governor tracks per-fingerprint frequency for the life of the process.
type Governor struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	state map[uint64]*frequency
}

// New creates a Governor. Zero config fields take defaults.
func New(cfg Config) *Governor {
	def := DefaultConfig()
	if cfg.ReportThreshold <= 0 {
		cfg.ReportThreshold = def.ReportThreshold
	}
	if cfg.ReportCooldown <= 0 {
		cfg.ReportCooldown = def.ReportCooldown
	}
	return &Governor{
		cfg:   cfg,
		now:   time.Now,
		state: make(map[uint64]*frequency),
	}
}

// WithClock replaces the time source. Intended for tests.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// Fingerprint returns the grouping key kind:message:first stack lines.
func Fingerprint(rec *domain.ErrorRecord) string {
	return string(rec.Kind) + ":" + rec.Message + ":" + leadingLines(rec.Stack, stackLines)
}

// Digest hashes a fingerprint into the map key.
func Digest(rec *domain.ErrorRecord) uint64 {
	return xxhash.Sum64String(Fingerprint(rec))
}

// DigestString renders Digest as hex for logs and payload context.
func DigestString(rec *domain.ErrorRecord) string {
	return strconv.FormatUint(Digest(rec), 16)
}

// ShouldReport counts the occurrence and decides whether to report it.
// On approval the count resets, the report time is stamped and the record
// is marked reported.
func (g *Governor) ShouldReport(rec *domain.ErrorRecord) bool {
	key := Digest(rec)
	now := g.now()

	g.mu.Lock()
	f, ok := g.state[key]
	if !ok {
		f = &frequency{}
		g.state[key] = f
	}
	f.count++

	report := f.count >= g.cfg.ReportThreshold ||
		!f.reported || now.Sub(f.lastReportedAt) > g.cfg.ReportCooldown ||
		rec.Severity == domain.SeverityCritical

	if report {
		f.count = 0
		f.lastReportedAt = now
		f.reported = true
	}
	g.mu.Unlock()

	if report {
		rec.Reported = true
		metrics.ReportDecisions.WithLabelValues("report").Inc()
	} else {
		metrics.ReportDecisions.WithLabelValues("suppress").Inc()
	}
	return report
}

// Len returns the number of tracked fingerprints.
func (g *Governor) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.state)
}

// Purge forgets fingerprints whose cooldown has elapsed since their last
// report. Their next occurrence is reported either way, so dropping them
// changes no decision. Returns how many were removed.
func (g *Governor) Purge() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, f := range g.state {
		if f.reported && now.Sub(f.lastReportedAt) > g.cfg.ReportCooldown {
			delete(g.state, key)
			removed++
		}
	}
	return removed
}

// Reset forgets all frequency state.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.state = make(map[uint64]*frequency)
	g.mu.Unlock()
}

func leadingLines(s string, n int) string {
	if s == "" {
		return ""
	}
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
