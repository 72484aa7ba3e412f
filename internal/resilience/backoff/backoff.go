// Package backoff computes retry delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// JitterFactor is the symmetric jitter applied to exponential delays (±25%).
const JitterFactor = 0.25

// Policy describes how long to wait between attempts.
type Policy struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Exponential bool          `yaml:"exponential"`
}

// DefaultPolicy returns 3 retries starting at 1s, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Exponential: true,
	}
}

// Compute returns the delay before retry number attempt (0-indexed).
//
// Exponential policies yield BaseDelay * 2^attempt with ±25% jitter, clamped
// to [0, MaxDelay]. rnd must return values in [0, 1); nil uses math/rand/v2.
func Compute(attempt int, p Policy, rnd func() float64) time.Duration {
	if !p.Exponential {
		return p.BaseDelay
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	if attempt < 0 {
		attempt = 0
	}

	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	jitter := exp * JitterFactor * (2*rnd() - 1)
	delay := exp + jitter

	if delay < 0 {
		return 0
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
