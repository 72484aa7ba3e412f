package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vietddude/guardian/internal/core/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func record(kind domain.ErrorKind, msg string, sev domain.Severity) *domain.ErrorRecord {
	rec := domain.NewErrorRecord(kind, msg, time.Now())
	rec.Severity = sev
	return rec
}

func TestShouldReport_FirstOccurrence(t *testing.T) {
	g := New(DefaultConfig())
	rec := record(domain.KindAPI, "boom", domain.SeverityLow)

	assert.True(t, g.ShouldReport(rec))
	assert.True(t, rec.Reported)
}

func TestShouldReport_BurstWithinCooldown(t *testing.T) {
	c := &clock{t: time.Unix(10_000, 0)}
	g := New(Config{ReportThreshold: 3, ReportCooldown: time.Minute}).WithClock(c.now)

	reports := 0
	for range 100 {
		c.t = c.t.Add(100 * time.Millisecond)
		if g.ShouldReport(record(domain.KindNetwork, "poll failed", domain.SeverityHigh)) {
			reports++
		}
	}
	// ceil(100 / 3)
	assert.Equal(t, 34, reports)
}

func TestShouldReport_CooldownElapsed(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	g := New(Config{ReportThreshold: 100, ReportCooldown: time.Minute}).WithClock(c.now)

	assert.True(t, g.ShouldReport(record(domain.KindScript, "x", domain.SeverityLow)))

	c.t = c.t.Add(30 * time.Second)
	assert.False(t, g.ShouldReport(record(domain.KindScript, "x", domain.SeverityLow)))

	c.t = c.t.Add(31 * time.Second)
	assert.True(t, g.ShouldReport(record(domain.KindScript, "x", domain.SeverityLow)))
}

func TestShouldReport_CriticalBypass(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	g := New(Config{ReportThreshold: 1000, ReportCooldown: time.Hour}).WithClock(c.now)

	for range 10 {
		g.ShouldReport(record(domain.KindAPI, "denied", domain.SeverityLow))
	}
	rec := record(domain.KindAPI, "denied", domain.SeverityCritical)
	assert.True(t, g.ShouldReport(rec))
	assert.True(t, rec.Reported)

	// Critical again, immediately after.
	assert.True(t, g.ShouldReport(record(domain.KindAPI, "denied", domain.SeverityCritical)))
}

func TestShouldReport_SuppressedRecordStaysUnreported(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	g := New(Config{ReportThreshold: 5, ReportCooldown: time.Hour}).WithClock(c.now)

	g.ShouldReport(record(domain.KindAPI, "x", domain.SeverityLow))
	rec := record(domain.KindAPI, "x", domain.SeverityLow)
	assert.False(t, g.ShouldReport(rec))
	assert.False(t, rec.Reported)
}

func TestShouldReport_DistinctFingerprints(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	g := New(Config{ReportThreshold: 3, ReportCooldown: time.Hour}).WithClock(c.now)

	assert.True(t, g.ShouldReport(record(domain.KindAPI, "a", domain.SeverityLow)))
	assert.True(t, g.ShouldReport(record(domain.KindAPI, "b", domain.SeverityLow)))
	assert.True(t, g.ShouldReport(record(domain.KindNetwork, "a", domain.SeverityLow)))
	assert.Equal(t, 3, g.Len())

	g.Reset()
	assert.Zero(t, g.Len())
}

func TestFingerprint_UsesLeadingStackLines(t *testing.T) {
	a := record(domain.KindScript, "nil map", domain.SeverityMedium)
	a.Stack = "l1\nl2\nl3\nl4-a"
	b := record(domain.KindScript, "nil map", domain.SeverityMedium)
	b.Stack = "l1\nl2\nl3\nl4-b\nl5"

	assert.Equal(t, "script:nil map:l1\nl2\nl3", Fingerprint(a))
	assert.Equal(t, Digest(a), Digest(b))

	c := record(domain.KindScript, "nil map", domain.SeverityMedium)
	assert.Equal(t, "script:nil map:", Fingerprint(c))
	assert.NotEqual(t, Digest(a), Digest(c))
	assert.NotEmpty(t, DigestString(a))
}

func TestPurge_DropsOnlyCooledFingerprints(t *testing.T) {
	c := &clock{t: time.Unix(10_000, 0)}
	g := New(Config{ReportThreshold: 3, ReportCooldown: time.Minute}).WithClock(c.now)

	g.ShouldReport(record(domain.KindAPI, "old", domain.SeverityLow))
	c.t = c.t.Add(50 * time.Second)
	g.ShouldReport(record(domain.KindAPI, "recent", domain.SeverityLow))

	c.t = c.t.Add(20 * time.Second)
	assert.Equal(t, 1, g.Purge())
	assert.Equal(t, 1, g.Len())

	// The purged fingerprint is reported on its next occurrence, as before.
	assert.True(t, g.ShouldReport(record(domain.KindAPI, "old", domain.SeverityLow)))
	assert.False(t, g.ShouldReport(record(domain.KindAPI, "recent", domain.SeverityLow)))
}
