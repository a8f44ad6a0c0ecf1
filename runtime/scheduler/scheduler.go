// Package scheduler polls the connection pool one cohort per tick so that a
// full sweep over all cohorts takes roughly one poll interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/runtime/pool"
	"github.com/timzifer/fleetcollector/storage"
	"github.com/timzifer/fleetcollector/telemetry"
)

// MinTickDelay is the shortest delay between two ticks, whatever the jitter.
const MinTickDelay = 100 * time.Millisecond

// ErrPollFailed is returned by ForcePoll when the device produced no reading.
var ErrPollFailed = errors.New("poll produced no reading")

// Pool is the part of the connection pool the scheduler drives.
type Pool interface {
	CohortCount() int
	CohortDevices(cohort int) []*pool.Connection
	Connection(deviceID int64) (*pool.Connection, error)
	Connect(ctx context.Context, c *pool.Connection) bool
	Poll(ctx context.Context, c *pool.Connection) (*storage.Measurement, bool)
}

// Sink receives every successful reading.
type Sink interface {
	Enqueue(ctx context.Context, m storage.Measurement) error
	EnqueueSnapshot(snap storage.Snapshot) error
}

// Config controls tick timing. Every ready device of a cohort is polled at
// once; the cohort size bounds concurrency.
type Config struct {
	Interval time.Duration
	Jitter   time.Duration
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock driving the tick chain.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCollector attaches a metrics collector.
func WithCollector(c telemetry.Collector) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.collector = c
		}
	}
}

// Stats are the scheduler counters exposed on the health endpoint.
type Stats struct {
	TotalPolls        int64      `json:"totalPolls"`
	SuccessfulPolls   int64      `json:"successfulPolls"`
	FailedPolls       int64      `json:"failedPolls"`
	TicksProcessed    int64      `json:"ticksProcessed"`
	LastTickTime      *time.Time `json:"lastTickTime,omitempty"`
	AverageTickMillis float64    `json:"averageTickDurationMs"`
	Running           bool       `json:"isRunning"`
	CurrentCohort     int        `json:"currentTick"`
	Cohorts           int        `json:"ticksPerInterval"`
	TickDuration      string     `json:"tickDuration"`
}

// Scheduler is a repeating, jittered tick that polls one cohort at a time.
type Scheduler struct {
	cfg       Config
	pool      Pool
	sink      Sink
	clock     clock.Clock
	collector telemetry.Collector
	logger    zerolog.Logger
	random    func() float64

	mu      sync.Mutex
	running bool
	ctx     context.Context
	timer   clock.Timer
	cohort  int
	stats   Stats
	ticks   sync.WaitGroup
}

// New creates a stopped scheduler.
func New(cfg Config, p Pool, sink Sink, logger zerolog.Logger, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	s := &Scheduler{
		cfg:       cfg,
		pool:      p,
		sink:      sink,
		clock:     clock.Real(),
		collector: telemetry.Noop(),
		logger:    logger.With().Str("component", "scheduler").Logger(),
		random:    rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) cohorts() int {
	if n := s.pool.CohortCount(); n > 0 {
		return n
	}
	return 1
}

// TickDuration is the nominal time between two ticks.
func (s *Scheduler) TickDuration() time.Duration {
	return s.cfg.Interval / time.Duration(s.cohorts())
}

// Start arms the first tick. Polls run with ctx; Stop ends the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn().Msg("polling scheduler already running")
		return
	}
	s.running = true
	s.ctx = ctx
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("cohorts", s.cohorts()).
		Dur("tick", s.TickDuration()).
		Msg("starting polling scheduler")
	s.armLocked()
}

// Stop cancels the pending tick and waits for a tick in progress to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.ticks.Wait()

	st := s.Stats()
	s.logger.Info().
		Int64("ticks", st.TicksProcessed).
		Int64("polls", st.TotalPolls).
		Int64("failed", st.FailedPolls).
		Msg("polling scheduler stopped")
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// nextDelay returns the tick duration shifted by a uniform jitter in
// [-Jitter, +Jitter), never below MinTickDelay.
func (s *Scheduler) nextDelay() time.Duration {
	jitter := time.Duration(s.random()*float64(2*s.cfg.Jitter)) - s.cfg.Jitter
	delay := s.TickDuration() + jitter
	if delay < MinTickDelay {
		return MinTickDelay
	}
	return delay
}

func (s *Scheduler) armLocked() {
	if !s.running {
		return
	}
	s.timer = s.clock.AfterFunc(s.nextDelay(), s.tick)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cohort := s.cohort
	ctx := s.ctx
	s.ticks.Add(1)
	s.mu.Unlock()
	defer s.ticks.Done()

	started := time.Now()
	tickAt := s.clock.Now()
	devices := s.pool.CohortDevices(cohort)

	var (
		g         errgroup.Group
		countMu   sync.Mutex
		succeeded int64
		failed    int64
	)
	for _, c := range devices {
		if !c.Ready() {
			continue
		}
		g.Go(func() error {
			ok := s.pollDevice(ctx, c) != nil
			s.collector.ObservePoll(cohort, ok)
			countMu.Lock()
			if ok {
				succeeded++
			} else {
				failed++
			}
			countMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(started)
	s.collector.ObserveTick(cohort, elapsed)

	s.mu.Lock()
	s.stats.TicksProcessed++
	s.stats.TotalPolls += succeeded + failed
	s.stats.SuccessfulPolls += succeeded
	s.stats.FailedPolls += failed
	s.stats.LastTickTime = &tickAt
	ms := float64(elapsed) / float64(time.Millisecond)
	s.stats.AverageTickMillis = s.stats.AverageTickMillis*0.9 + ms*0.1
	s.cohort = (cohort + 1) % s.cohorts()
	s.armLocked()
	s.mu.Unlock()

	s.logger.Debug().
		Int("cohort", cohort).
		Int("devices", len(devices)).
		Int64("ok", succeeded).
		Int64("failed", failed).
		Msg("tick processed")
}

// pollDevice polls c and forwards the reading. A panic inside the driver is
// recovered and counted as a failed poll.
func (s *Scheduler) pollDevice(ctx context.Context, c *pool.Connection) (m *storage.Measurement) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Int64("device_id", c.DeviceID).Interface("panic", r).Msg("poll panicked")
			m = nil
		}
	}()
	m, ok := s.pool.Poll(ctx, c)
	if !ok {
		return nil
	}
	if err := s.sink.Enqueue(ctx, *m); err != nil {
		s.logger.Warn().Err(err).Int64("device_id", c.DeviceID).Msg("measurement not queued")
	}
	if err := s.sink.EnqueueSnapshot(storage.SnapshotFromMeasurement(*m)); err != nil {
		s.logger.Warn().Err(err).Int64("device_id", c.DeviceID).Msg("snapshot not queued")
	}
	return m
}

// ForcePoll polls one device out of band, connecting it first when needed.
func (s *Scheduler) ForcePoll(ctx context.Context, deviceID int64) (*storage.Measurement, error) {
	c, err := s.pool.Connection(deviceID)
	if err != nil {
		return nil, err
	}
	if !c.Ready() && !s.pool.Connect(ctx, c) {
		return nil, fmt.Errorf("force poll device %d: connect failed", deviceID)
	}
	m := s.pollDevice(ctx, c)
	if m == nil {
		return nil, fmt.Errorf("force poll device %d: %w", deviceID, ErrPollFailed)
	}
	return m, nil
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.LastTickTime != nil {
		t := *st.LastTickTime
		st.LastTickTime = &t
	}
	st.Running = s.running
	st.CurrentCohort = s.cohort
	st.Cohorts = s.cohorts()
	st.TickDuration = s.TickDuration().String()
	return st
}
