package shipper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/metrics"
)

// Sender delivers one encoded payload.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
	Name() string
}

// HTTPSender posts payloads and waits for the response.
type HTTPSender struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPSender creates a blocking sender.
func NewHTTPSender(endpoint string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Name() string { return "http" }

// Send posts payload and fails on any non-2xx status.
func (s *HTTPSender) Send(ctx context.Context, payload []byte) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post telemetry: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	metrics.ShipperLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post telemetry: http %d", resp.StatusCode)
	}
	return nil
}

// BeaconSender hands payloads to a background goroutine and returns at once.
// Responses are ignored; each send gets its own deadline detached from the
// caller, so shutdown can proceed while the request is in flight.
type BeaconSender struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client

	wg sync.WaitGroup
}

// NewBeaconSender creates a fire-and-forget sender.
func NewBeaconSender(endpoint string, timeout time.Duration) *BeaconSender {
	return &BeaconSender{
		endpoint:   endpoint,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

func (s *BeaconSender) Name() string { return "beacon" }

// Send never blocks on the network and never reports delivery failures.
func (s *BeaconSender) Send(_ context.Context, payload []byte) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return nil
}

// Drain waits for in-flight beacons until ctx is done.
func (s *BeaconSender) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSender writes payloads to a logger instead of the network. It is used
// when no endpoint is configured.
type LogSender struct {
	log *slog.Logger
}

// NewLogSender creates a sender that logs each payload at debug level.
func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, payload []byte) error {
	s.log.DebugContext(ctx, "Telemetry payload", "bytes", len(payload), "body", string(payload))
	return nil
}
