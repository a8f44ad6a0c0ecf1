// Package service assembles the collector: storage, connection pool, polling
// scheduler, batch writer, backfill service and the health surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/config"
	"github.com/timzifer/fleetcollector/runtime/backfill"
	"github.com/timzifer/fleetcollector/runtime/batch"
	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/runtime/pool"
	"github.com/timzifer/fleetcollector/runtime/scheduler"
	"github.com/timzifer/fleetcollector/storage"
	"github.com/timzifer/fleetcollector/telemetry"
)

const shutdownTimeout = 30 * time.Second

// Service owns one generation of the collector.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	clock     clock.Clock
	collector telemetry.Collector

	store     storage.Store
	ownsStore bool
	spill     *batch.DiskSpill

	pool      *pool.Pool
	writer    *batch.Writer
	scheduler *scheduler.Scheduler
	backfill  *backfill.Service
	http      *httpServer

	mu        sync.Mutex
	startedAt time.Time
	closeOnce sync.Once
	closeErr  error
}

// New builds a service from configuration. Storage is opened here; devices
// are only contacted once Run is called.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	reg := applyOptions(newFactoryRegistry(), opts)

	s := &Service{cfg: cfg, logger: logger, clock: reg.clock, collector: reg.collector}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.collector == nil {
		collector, err := newCollector(cfg.Telemetry)
		if err != nil {
			return nil, err
		}
		s.collector = collector
	}

	factory, err := reg.deviceFactory(cfg.Device, logger)
	if err != nil {
		return nil, err
	}
	rule, err := parkedRule(cfg.Parked)
	if err != nil {
		return nil, err
	}
	policy, err := batch.ParseOverflowPolicy(cfg.Batch.OverflowPolicy)
	if err != nil {
		return nil, err
	}

	s.store = reg.store
	if s.store == nil {
		store, err := OpenStore(context.Background(), cfg.Database, rule, logger)
		if err != nil {
			return nil, err
		}
		s.store, s.ownsStore = store, true
	}

	writerOpts := []batch.Option{batch.WithClock(s.clock), batch.WithCollector(s.collector)}
	if policy == batch.SpillToDisk {
		spill, err := batch.OpenDiskSpill(cfg.Batch.SpillDir)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.spill = spill
		writerOpts = append(writerOpts, batch.WithSpill(spill))
	}
	s.writer, err = batch.New(batch.Config{
		FlushInterval: cfg.Batch.FlushInterval.Duration,
		MaxBatchSize:  cfg.Batch.MaxBatchSize,
		MaxQueueSize:  cfg.Batch.MaxQueueSize,
		DropChunk:     cfg.Batch.DropChunk,
		Policy:        policy,
	}, s.store, logger, writerOpts...)
	if err != nil {
		s.Close()
		return nil, err
	}

	storeTimeout := cfg.Database.StoreTimeout.Duration
	s.pool = pool.New(pool.Config{
		CohortCount:            cfg.Pool.CohortCount,
		ConnectTimeout:         cfg.Pool.ConnectTimeout.Duration,
		PollTimeout:            cfg.Pool.PollTimeout.Duration,
		MaxConsecutiveFailures: cfg.Pool.MaxConsecutiveFailures,
		MaxReconnectAttempts:   cfg.Pool.MaxReconnectAttempts,
		BaseReconnectDelay:     cfg.Pool.BaseReconnectDelay.Duration,
		MaxReconnectDelay:      cfg.Pool.MaxReconnectDelay.Duration,
		RefreshInterval:        cfg.Pool.RefreshInterval.Duration,
		ConnectConcurrency:     cfg.Polling.MaxConcurrentPolls,
		StoreTimeout:           storeTimeout,
	}, s.store, factory, logger, pool.WithClock(s.clock), pool.WithCollector(s.collector))

	s.scheduler = scheduler.New(scheduler.Config{
		Interval: cfg.Polling.Interval.Duration,
		Jitter:   cfg.Polling.Jitter.Duration,
	}, s.pool, s.writer, logger, scheduler.WithClock(s.clock), scheduler.WithCollector(s.collector))

	s.backfill = backfill.New(backfill.Config{
		MaxConcurrent:  cfg.Backfill.MaxConcurrent,
		CheckInterval:  cfg.Backfill.CheckInterval.Duration,
		BatchSize:      cfg.Backfill.BatchSize,
		GapThreshold:   cfg.Backfill.GapThreshold.Duration,
		ConnectTimeout: cfg.Pool.ConnectTimeout.Duration,
		SessionTimeout: cfg.Backfill.SessionTimeout.Duration,
		StoreTimeout:   storeTimeout,
	}, s.store, s.writer, factory, logger, backfill.WithClock(s.clock), backfill.WithCollector(s.collector))

	if cfg.Server.Enabled {
		s.http = s.newHTTPServer(cfg.Server.Addr(), cfg.Server.GoroutineThreshold)
	}
	return s, nil
}

// Validate performs a dry run: it resolves the driver, compiles the parked
// rule and checks that storage is reachable.
func Validate(cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	reg := applyOptions(newFactoryRegistry(), opts)
	if _, err := reg.deviceFactory(cfg.Device, logger); err != nil {
		return err
	}
	rule, err := parkedRule(cfg.Parked)
	if err != nil {
		return err
	}
	if _, err := batch.ParseOverflowPolicy(cfg.Batch.OverflowPolicy); err != nil {
		return err
	}
	store := reg.store
	if store == nil {
		store, err = OpenStore(context.Background(), cfg.Database, rule, logger)
		if err != nil {
			return err
		}
		defer store.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}
	return nil
}

// Run starts every component and blocks until ctx ends, then shuts them down
// in order: scheduler, backfill, writer, device connections, HTTP server,
// storage. It returns nil after a regular shutdown.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	s.logger.Info().
		Dur("poll_interval", s.cfg.Polling.Interval.Duration).
		Int("cohorts", s.cfg.Pool.CohortCount).
		Dur("flush_interval", s.cfg.Batch.FlushInterval.Duration).
		Msg("fleet collector starting")

	devices, err := s.pool.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize connection pool: %w", err)
	}
	if devices == 0 {
		s.logger.Warn().Msg("no active devices found, waiting for devices to be added")
	}

	var serveErrs <-chan error
	if s.http != nil {
		if err := s.http.start(); err != nil {
			return err
		}
		serveErrs = s.http.errs
	}

	// Components outlive ctx so in-flight polls and flushes finish during the
	// ordered shutdown below.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	s.writer.Start(runCtx)
	if devices > 0 {
		res := s.pool.ConnectAll(runCtx)
		s.logger.Info().Int("connected", res.Success).Int("failed", res.Failed).Msg("initial connections established")
	}
	s.scheduler.Start(runCtx)
	s.backfill.Start(runCtx)

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		s.pool.RunRefresh(refreshCtx)
	}()

	s.logger.Info().Int("devices", devices).Msg("fleet collector started")

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down fleet collector")
	case err := <-serveErrs:
		runErr = fmt.Errorf("http server: %w", err)
		s.logger.Error().Err(err).Msg("http server failed, shutting down")
	}
	stopRefresh()
	<-refreshDone

	err = s.shutdown()
	cancelRun()
	return errors.Join(runErr, err)
}

func (s *Service) shutdown() error {
	var errs []error

	s.scheduler.Stop()
	s.logger.Info().Msg("polling scheduler stopped")

	s.backfill.Stop()
	s.logger.Info().Msg("backfill service stopped")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.writer.Stop(ctx); err != nil {
		s.logger.Error().Err(err).Msg("final flush failed")
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}

	s.pool.DisconnectAll()
	s.logger.Info().Msg("device connections closed")

	if s.http != nil {
		if err := s.http.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info().Msg("fleet collector shutdown complete")
	return errors.Join(errs...)
}

// Close releases storage and the spill queue. It is safe to call more than
// once and after Run returned.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		var errs []error
		if s.spill != nil {
			if err := s.spill.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close spill: %w", err))
			}
		}
		if s.ownsStore && s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close storage: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Addr returns the address the HTTP server is bound to, or "" when it is
// disabled or not yet listening.
func (s *Service) Addr() string {
	if s.http == nil {
		return ""
	}
	return s.http.addr()
}

// Pool exposes the connection pool.
func (s *Service) Pool() *pool.Pool { return s.pool }

// Scheduler exposes the polling scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Backfill exposes the backfill service.
func (s *Service) Backfill() *backfill.Service { return s.backfill }

// Writer exposes the batch writer.
func (s *Service) Writer() *batch.Writer { return s.writer }

// Health summarises liveness for GET /health.
func (s *Service) Health() Health {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	status := "starting"
	if s.scheduler.Running() {
		status = "running"
	}
	if s.checkQueue() != nil {
		status = "degraded"
	}
	return Health{
		Status:    status,
		StartedAt: started,
		Uptime:    s.clock.Now().Sub(started).Truncate(time.Second).String(),
		Devices:   s.pool.Stats(),
		Scheduler: s.scheduler.Running(),
		Queue:     s.writer.QueueDepth(),
	}
}

// Stats gathers the statistics of every component.
func (s *Service) Stats() Stats {
	return Stats{
		Pool:      s.pool.Stats(),
		Scheduler: s.scheduler.Stats(),
		Writer:    s.writer.Stats(),
		Backfill:  s.backfill.Stats(),
	}
}

func newCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	collector, err := telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return collector, nil
}
