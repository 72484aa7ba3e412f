// Package shipper batches approved error records and delivers them to the
// telemetry endpoint.
//
// A flush happens when the queue reaches BatchSize, on every FlushInterval
// tick, and once more during Stop using the unload sender. Failed batches
// are logged and dropped; they are never retried or fed back into the
// aggregator.
package shipper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/core/queue"
	"github.com/vietddude/guardian/internal/metrics"
)

// Config holds shipper settings.
type Config struct {
	Endpoint      string        `yaml:"endpoint"`
	AppID         string        `yaml:"app_id"`
	Env           string        `yaml:"env"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
	Timeout       time.Duration `yaml:"timeout"`
	Beacon        bool          `yaml:"beacon"`
}

// DefaultConfig returns batch 10, every 5s, at most 1000 queued records.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		FlushInterval: 5 * time.Second,
		MaxQueueSize:  1000,
		Timeout:       10 * time.Second,
		Beacon:        true,
	}
}

// Payload is the wire body posted to the endpoint.
type Payload struct {
	AppID string               `json:"appId"`
	Env   string               `json:"env"`
	Logs  []domain.ErrorRecord `json:"logs"`
}

// Shipper owns the delivery queue.
type Shipper struct {
	cfg    Config
	sender Sender
	unload Sender
	log    *slog.Logger
	queue  *queue.Ring[domain.ErrorRecord]

	flushMu   sync.Mutex
	flushing  bool
	flushDone chan struct{}
	async     sync.WaitGroup

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	flushCh chan struct{}
}

// New creates a Shipper. sender handles regular flushes; unload handles the
// final flush in Stop and defaults to sender when nil.
func New(cfg Config, sender, unload Sender, log *slog.Logger) *Shipper {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if unload == nil {
		unload = sender
	}
	if log == nil {
		log = slog.Default()
	}
	return &Shipper{
		cfg:     cfg,
		sender:  sender,
		unload:  unload,
		log:     log,
		queue:   queue.NewRing[domain.ErrorRecord](cfg.MaxQueueSize),
		flushCh: make(chan struct{}, 1),
	}
}

// NewFromConfig builds the senders from cfg: a blocking HTTP sender for
// regular flushes and, when cfg.Beacon is set, a beacon sender for unload.
// Without an endpoint, payloads are only logged.
func NewFromConfig(cfg Config, log *slog.Logger) *Shipper {
	if cfg.Endpoint == "" {
		return New(cfg, NewLogSender(log), nil, log)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	regular := NewHTTPSender(cfg.Endpoint, timeout)
	var unload Sender = regular
	if cfg.Beacon {
		unload = NewBeaconSender(cfg.Endpoint, timeout)
	}
	return New(cfg, regular, unload, log)
}

// Enqueue queues rec and triggers a flush once BatchSize is reached.
func (s *Shipper) Enqueue(rec domain.ErrorRecord) {
	length, dropped := s.queue.Push(rec)
	metrics.QueueDepth.WithLabelValues("telemetry").Set(float64(length))
	if dropped > 0 {
		metrics.QueueDropped.WithLabelValues("telemetry").Add(float64(dropped))
	}
	if length < s.cfg.BatchSize {
		return
	}

	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()

	if running {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
		return
	}

	// Without the loop, flush on a goroutine so capture never waits on the
	// network.
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		if err := s.FlushNow(context.Background()); err != nil {
			s.log.Warn("Telemetry flush failed", "error", err)
		}
	}()
}

// FlushNow delivers everything queued with the regular sender. A call made
// while another flush is in flight returns immediately; records queued in
// the meantime go out with the next flush.
func (s *Shipper) FlushNow(ctx context.Context) error {
	return s.flush(ctx, s.sender, false)
}

// Len returns the number of queued records.
func (s *Shipper) Len() int { return s.queue.Len() }

// Dropped returns how many records were discarded on overflow.
func (s *Shipper) Dropped() uint64 { return s.queue.Dropped() }

// Start runs the periodic flush loop until Stop or ctx cancellation.
func (s *Shipper) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)
}

func (s *Shipper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.flushCh:
		}
		if s.queue.Len() == 0 {
			continue
		}
		// An in-flight batch survives Stop; the sender's own timeout bounds it.
		if err := s.flush(context.WithoutCancel(ctx), s.sender, false); err != nil {
			s.log.Warn("Telemetry flush failed", "error", err)
		}
	}
}

// Stop ends the loop and delivers what is left with the unload sender. A
// flush already in flight is allowed to finish first, so records queued
// behind it are not left behind.
func (s *Shipper) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.flush(ctx, s.unload, true)
}

// WaitIdle blocks until background flushes started by Enqueue have returned.
func (s *Shipper) WaitIdle() {
	s.async.Wait()
}

// flush drains the queue through sender. When another flush is in flight it
// returns nil at once, or with wait set, waits for it (bounded by ctx) and
// then drains whatever is left.
func (s *Shipper) flush(ctx context.Context, sender Sender, wait bool) error {
	for {
		s.flushMu.Lock()
		if !s.flushing {
			break
		}
		inFlight := s.flushDone
		s.flushMu.Unlock()
		if !wait {
			return nil
		}
		select {
		case <-inFlight:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.flushing = true
	done := make(chan struct{})
	s.flushDone = done
	s.flushMu.Unlock()

	defer func() {
		s.flushMu.Lock()
		s.flushing = false
		s.flushDone = nil
		s.flushMu.Unlock()
		close(done)
	}()

	records := s.queue.Drain()
	metrics.QueueDepth.WithLabelValues("telemetry").Set(float64(s.queue.Len()))
	if len(records) == 0 {
		return nil
	}

	var errs []error
	for start := 0; start < len(records); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(records))
		batch := records[start:end]

		if err := s.deliver(ctx, sender, batch); err != nil {
			s.log.Warn("Dropping telemetry batch",
				"transport", sender.Name(), "records", len(batch), "error", err)
			metrics.ShipperBatches.WithLabelValues(sender.Name(), "failure").Inc()
			errs = append(errs, err)
			continue
		}
		metrics.ShipperBatches.WithLabelValues(sender.Name(), "success").Inc()
		s.log.Debug("Telemetry batch delivered", "transport", sender.Name(), "records", len(batch))
	}
	return errors.Join(errs...)
}

func (s *Shipper) deliver(ctx context.Context, sender Sender, batch []domain.ErrorRecord) error {
	body, err := json.Marshal(Payload{AppID: s.cfg.AppID, Env: s.cfg.Env, Logs: batch})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return sender.Send(ctx, body)
}

// Unload returns the sender used by Stop.
func (s *Shipper) Unload() Sender { return s.unload }
