package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/guardian/internal/core/config"
	"github.com/vietddude/guardian/internal/core/worker"
	"github.com/vietddude/guardian/internal/health"
	redisclient "github.com/vietddude/guardian/internal/infra/redis"
	"github.com/vietddude/guardian/internal/infra/transport"
	"github.com/vietddude/guardian/internal/observability/aggregator"
	"github.com/vietddude/guardian/internal/observability/governor"
	"github.com/vietddude/guardian/internal/observability/shipper"
	"github.com/vietddude/guardian/internal/resilience/cache"
	"github.com/vietddude/guardian/internal/resilience/executor"
)

// Pipeline owns every long-lived component and their lifecycle.
type Pipeline struct {
	cfg         Config
	store       cache.Store
	redisClient *redisclient.Client
	governor    *governor.Governor
	shipper     *shipper.Shipper
	aggregator  *aggregator.Aggregator
	host        *aggregator.RuntimeHost
	executor    *executor.Executor
	server      *health.Server
	pruners     []*worker.Pruner
	log         *slog.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Config holds the pipeline configuration.
type Config struct {
	App *config.AppConfig

	// DisableServer skips the health/metrics HTTP server, e.g. for one-shot
	// CLI commands.
	DisableServer bool

	// Doer overrides the HTTP transport. Used by tests.
	Doer transport.Doer
}

// NewPipeline creates a Pipeline with all dependencies initialized.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.App == nil {
		cfg.App = config.Default()
	}
	app := cfg.App
	log := slog.Default()

	// 1. Response cache
	var store cache.Store
	var redisClient *redisclient.Client
	if app.Cache.Backend == config.CacheRedis {
		var err error
		redisClient, err = redisclient.NewClient(app.Redis, app.Cache.TTL)
		if err != nil {
			log.Warn("Failed to connect to Redis, using memory cache", "error", err)
		} else {
			store = redisClient
			log.Info("Using Redis response cache", "ttl", app.Cache.TTL)
		}
	}
	var pruners []*worker.Pruner
	if store == nil {
		mem := cache.NewMemory(app.Cache.TTL)
		store = mem
		pruners = append(pruners, worker.NewPruner("cache", mem, app.Cache.TTL))
		log.Info("Using memory response cache", "ttl", app.Cache.TTL)
	}

	// 2. Failure reporting: governor -> aggregator -> shipper
	gov := governor.New(app.Governor)
	pruners = append(pruners, worker.NewPruner("governor", gov, app.Governor.ReportCooldown))
	ship := shipper.NewFromConfig(app.Telemetry, log)
	agg := aggregator.New(app.Aggregator, gov, ship, log)
	if app.App.ID != "" {
		agg.SetContext("app", app.App.ID)
	}
	if app.App.Env != "" {
		agg.SetContext("env", app.App.Env)
	}

	host := aggregator.NewRuntimeHost()
	agg.Attach(host)

	// 3. Executor
	doer := cfg.Doer
	if doer == nil {
		doer = transport.NewHTTPClient(app.Executor.BaseURL, app.Executor.Timeout)
	}
	opts := []executor.Option{
		executor.WithReporter(agg),
		executor.WithRetryPolicy(executor.RetryPolicy{Policy: app.Executor.Retry}),
		executor.WithLogger(log),
	}
	if app.Executor.UseCache() {
		opts = append(opts, executor.WithCache(store))
	}
	exec := executor.New(doer, opts...)

	// 4. Health server
	var server *health.Server
	if !cfg.DisableServer {
		server = health.NewServer(agg, ship, app.Telemetry.MaxQueueSize, app.Server.Port, host.Middleware)
	}

	return &Pipeline{
		cfg:         cfg,
		store:       store,
		redisClient: redisClient,
		governor:    gov,
		shipper:     ship,
		aggregator:  agg,
		host:        host,
		executor:    exec,
		server:      server,
		pruners:     pruners,
		log:         log,
	}, nil
}

// Executor returns the resilient request executor.
func (p *Pipeline) Executor() *executor.Executor { return p.executor }

// Aggregator returns the failure aggregator.
func (p *Pipeline) Aggregator() *aggregator.Aggregator { return p.aggregator }

// Host returns the runtime adapter feeding the aggregator. Background work
// should be started through Host().Go so its failures are captured.
func (p *Pipeline) Host() *aggregator.RuntimeHost { return p.host }

// Shipper returns the telemetry shipper.
func (p *Pipeline) Shipper() *shipper.Shipper { return p.shipper }

// Start launches the shipper loop, the pruners and, unless disabled, the
// health server. It does not block; use Wait to observe a server failure.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.group != nil {
		return fmt.Errorf("pipeline already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.group, loopCtx = errgroup.WithContext(loopCtx)

	p.shipper.Start(ctx)

	for _, pr := range p.pruners {
		p.group.Go(func() error {
			pr.Start(loopCtx)
			return nil
		})
	}

	if p.server != nil {
		p.group.Go(func() error {
			p.log.Info("Health server listening", "port", p.cfg.App.Server.Port)
			if err := p.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
	}
	return nil
}

// Wait blocks until every goroutine started by Start has returned.
func (p *Pipeline) Wait() error {
	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}

// Stop shuts the server down, waits for host goroutines, then delivers
// everything still queued through the shipper's unload path.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.log.Info("Stopping pipeline...")
	var errs []error

	if p.server != nil && p.group != nil {
		if err := p.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop health server: %w", err))
		}
	}
	if p.cancel != nil {
		p.cancel()
	}

	hostDone := make(chan struct{})
	go func() {
		p.host.Wait()
		close(hostDone)
	}()
	select {
	case <-hostDone:
	case <-ctx.Done():
		p.log.Warn("Background tasks still running at shutdown")
	}

	if err := p.shipper.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush telemetry: %w", err))
	}
	if beacon, ok := p.shipper.Unload().(*shipper.BeaconSender); ok {
		if err := beacon.Drain(ctx); err != nil {
			p.log.Warn("Telemetry beacons still in flight", "error", err)
		}
	}

	if p.redisClient != nil {
		if err := p.redisClient.Close(); err != nil {
			p.log.Warn("Failed to close Redis", "error", err)
		}
	}

	if err := p.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
