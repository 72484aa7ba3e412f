package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/guardian/internal/metrics"
)

// Purger drops state that has outlived its retention.
type Purger interface {
	Purge() int
}

// Pruner periodically purges expired entries from a Purger.
type Pruner struct {
	name     string
	target   Purger
	interval time.Duration
	log      *slog.Logger
}

// NewPruner creates a pruner for target. The sweep interval is derived from
// retention: a tenth of it, between one second and one hour.
func NewPruner(name string, target Purger, retention time.Duration) *Pruner {
	interval := min(retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Second)

	return &Pruner{
		name:     name,
		target:   target,
		interval: interval,
		log:      slog.Default().With("pruner", name),
	}
}

// Interval returns the time between sweeps.
func (p *Pruner) Interval() time.Duration {
	return p.interval
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *Pruner) prune() {
	removed := p.target.Purge()
	if removed == 0 {
		return
	}
	metrics.PrunedEntries.WithLabelValues(p.name).Add(float64(removed))
	p.log.Debug("Pruned expired entries", "removed", removed)
}
