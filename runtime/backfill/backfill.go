// Package backfill repairs measurement gaps by replaying a device's on-board
// history through the batch writer.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/runtime/device"
	"github.com/timzifer/fleetcollector/runtime/logsync"
	"github.com/timzifer/fleetcollector/storage"
	"github.com/timzifer/fleetcollector/telemetry"
)

// ErrSessionActive is returned by TriggerBackfill while the device already
// has a session in flight.
var ErrSessionActive = errors.New("backfill already running for device")

// Store is the gap-tracking part of storage.
type Store interface {
	GetDevicesNeedingBackfill(ctx context.Context, limit int) ([]storage.GapRecord, error)
	GetBackfillCandidate(ctx context.Context, deviceID int64) (storage.GapRecord, error)
	MarkBackfillPending(ctx context.Context, deviceID int64) error
	UpdateBackfillProgress(ctx context.Context, deviceID int64, progress storage.BackfillProgress) error
	MarkBackfillFailed(ctx context.Context, deviceID int64, message string) error
}

// Sink receives recovered measurements.
type Sink interface {
	Enqueue(ctx context.Context, m storage.Measurement) error
	Flush(ctx context.Context) error
	QueueDepth() int
	Capacity() int
}

// Config bounds backfill work.
type Config struct {
	MaxConcurrent  int
	CheckInterval  time.Duration
	BatchSize      int
	GapThreshold   time.Duration
	ConnectTimeout time.Duration
	SessionTimeout time.Duration
	StoreTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return c
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock driving the periodic check.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCollector attaches a metrics collector.
func WithCollector(c telemetry.Collector) Option {
	return func(s *Service) {
		if c != nil {
			s.collector = c
		}
	}
}

// Session describes a backfill in flight.
type Session struct {
	ID        string    `json:"id"`
	DeviceID  int64     `json:"deviceId"`
	StartedAt time.Time `json:"startedAt"`
}

// Stats are the backfill counters exposed on the health endpoint.
type Stats struct {
	TotalBackfills         int64      `json:"totalBackfills"`
	SuccessfulBackfills    int64      `json:"successfulBackfills"`
	FailedBackfills        int64      `json:"failedBackfills"`
	TotalSamplesBackfilled int64      `json:"totalSamplesBackfilled"`
	LastCheckTime          *time.Time `json:"lastCheckTime,omitempty"`
	Running                bool       `json:"isRunning"`
	ActiveBackfills        int        `json:"activeBackfills"`
	Sessions               []Session  `json:"sessions,omitempty"`
}

// Service runs bounded, per-device backfill sessions.
type Service struct {
	cfg       Config
	store     Store
	sink      Sink
	factory   device.Factory
	clock     clock.Clock
	collector telemetry.Collector
	logger    zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopped  bool
	ctx      context.Context
	timer    clock.Timer
	active   map[int64]Session
	sessions sync.WaitGroup
	stats    Stats
}

// New creates a stopped service. Sessions open their own device handles
// through factory.
func New(cfg Config, store Store, sink Sink, factory device.Factory, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		sink:      sink,
		factory:   factory,
		clock:     clock.Real(),
		collector: telemetry.Noop(),
		logger:    logger.With().Str("component", "backfill").Logger(),
		ctx:       context.Background(),
		active:    make(map[int64]Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms the periodic check.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn().Msg("backfill service already running")
		return
	}
	s.running = true
	s.stopped = false
	s.ctx = ctx
	s.armLocked()
	s.logger.Info().
		Dur("gap_threshold", s.cfg.GapThreshold).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Msg("backfill service started")
}

// Stop cancels the periodic check and waits for every session in flight.
func (s *Service) Stop() {
	s.mu.Lock()
	s.running = false
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	active := len(s.active)
	s.mu.Unlock()

	if active > 0 {
		s.logger.Info().Int("count", active).Msg("waiting for active backfills to complete")
	}
	s.sessions.Wait()
	st := s.Stats()
	s.logger.Info().
		Int64("total", st.TotalBackfills).
		Int64("failed", st.FailedBackfills).
		Int64("samples", st.TotalSamplesBackfilled).
		Msg("backfill service stopped")
}

func (s *Service) armLocked() {
	if !s.running {
		return
	}
	s.timer = s.clock.AfterFunc(s.cfg.CheckInterval, s.check)
}

func (s *Service) check() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.stats.LastCheckTime = &now
	free := s.cfg.MaxConcurrent - len(s.active)
	ctx := s.ctx
	s.mu.Unlock()

	if free <= 0 {
		s.logger.Debug().Int("active", s.cfg.MaxConcurrent-free).Msg("no available backfill slots")
	} else if started, err := s.CheckOnce(ctx, free); err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("checking for backfills failed")
		}
	} else if started > 0 {
		s.logger.Info().Int("count", started).Msg("processing pending backfills")
	}

	s.mu.Lock()
	s.armLocked()
	s.mu.Unlock()
}

// CheckOnce selects up to limit pending devices, oldest gap first, and
// launches a session for each one that is not already running.
func (s *Service) CheckOnce(ctx context.Context, limit int) (int, error) {
	gaps, err := s.store.GetDevicesNeedingBackfill(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending backfills: %w", err)
	}
	started := 0
	for _, gap := range gaps {
		if s.launch(gap) {
			started++
		}
	}
	return started, nil
}

// TriggerBackfill re-marks a device pending and starts its session right away
// when a slot is free. It reports whether a session was started; otherwise
// the next periodic check picks the device up.
func (s *Service) TriggerBackfill(ctx context.Context, deviceID int64) (bool, error) {
	gap, err := s.store.GetBackfillCandidate(ctx, deviceID)
	if err != nil {
		return false, fmt.Errorf("backfill candidate %d: %w", deviceID, err)
	}
	s.mu.Lock()
	_, busy := s.active[deviceID]
	s.mu.Unlock()
	if busy {
		return false, fmt.Errorf("device %d: %w", deviceID, ErrSessionActive)
	}
	if err := s.store.MarkBackfillPending(ctx, deviceID); err != nil {
		return false, fmt.Errorf("mark backfill pending: %w", err)
	}
	return s.launch(gap), nil
}

// launch starts a session for gap unless the device already has one, all
// slots are taken or the service was stopped.
func (s *Service) launch(gap storage.GapRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.active[gap.DeviceID]; ok {
		return false
	}
	if len(s.active) >= s.cfg.MaxConcurrent {
		return false
	}
	session := Session{ID: uuid.NewString(), DeviceID: gap.DeviceID, StartedAt: s.clock.Now()}
	s.active[gap.DeviceID] = session
	s.collector.SetActiveBackfills(len(s.active))
	ctx := context.WithoutCancel(s.ctx)

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, gap.DeviceID)
			s.collector.SetActiveBackfills(len(s.active))
			s.mu.Unlock()
		}()
		_ = s.run(ctx, session, gap)
	}()
	return true
}

// ProcessBackfill runs one session for gap in the calling goroutine. Callers
// must not run it concurrently for the same device; the periodic check and
// TriggerBackfill guarantee that on their own.
func (s *Service) ProcessBackfill(ctx context.Context, gap storage.GapRecord) error {
	return s.run(ctx, Session{ID: uuid.NewString(), DeviceID: gap.DeviceID, StartedAt: s.clock.Now()}, gap)
}

func (s *Service) run(ctx context.Context, session Session, gap storage.GapRecord) error {
	log := s.logger.With().
		Int64("device_id", gap.DeviceID).
		Str("serial", gap.SerialNumber).
		Str("session", session.ID).
		Logger()
	ev := log.Info()
	if gap.GapStartAt != nil {
		ev = ev.Time("gap_start", *gap.GapStartAt)
	}
	if gap.GapEndAt != nil {
		ev = ev.Time("gap_end", *gap.GapEndAt)
	}
	ev.Msg("starting backfill")

	s.mu.Lock()
	s.stats.TotalBackfills++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
	defer cancel()

	samples, err := s.session(ctx, gap, log)
	if err != nil {
		s.fail(gap.DeviceID, err, log)
		return err
	}

	s.mu.Lock()
	s.stats.SuccessfulBackfills++
	s.stats.TotalSamplesBackfilled += int64(samples)
	s.mu.Unlock()
	s.collector.ObserveBackfill("completed", samples)
	log.Info().Int("samples", samples).Msg("backfill completed")
	return nil
}

func (s *Service) session(ctx context.Context, gap storage.GapRecord, log zerolog.Logger) (int, error) {
	start := storage.BackfillProgress{
		LastLogFileID: gap.LastLogFileID,
		LastLogOffset: gap.LastLogOffset,
		Status:        storage.BackfillInProgress,
	}
	if err := s.store.UpdateBackfillProgress(ctx, gap.DeviceID, start); err != nil {
		return 0, fmt.Errorf("mark in progress: %w", err)
	}

	if s.shortGap(gap) {
		log.Debug().Dur("threshold", s.cfg.GapThreshold).Msg("short gap, replaying history anyway")
	}

	res, err := s.replay(ctx, gap, log)
	if err != nil {
		return 0, err
	}
	if err := s.enqueue(ctx, gap, res.Samples, log); err != nil {
		return 0, err
	}

	done := storage.BackfillProgress{
		LastLogFileID: int64(res.Cursor.LastFileID),
		LastLogOffset: int64(res.Cursor.LastFileOffset),
		SamplesSynced: int64(len(res.Samples)),
		Status:        storage.BackfillCompleted,
	}
	if err := s.store.UpdateBackfillProgress(ctx, gap.DeviceID, done); err != nil {
		return 0, fmt.Errorf("mark completed: %w", err)
	}
	return len(res.Samples), nil
}

// shortGap reports a closed gap below the configured threshold. It only
// affects logging; every gap is replayed.
func (s *Service) shortGap(gap storage.GapRecord) bool {
	if s.cfg.GapThreshold <= 0 || gap.GapStartAt == nil || gap.GapEndAt == nil {
		return false
	}
	return gap.GapEndAt.Sub(*gap.GapStartAt) < s.cfg.GapThreshold
}

// replay opens a dedicated session with the device and reads its history
// past the stored cursor. The handle is released before returning.
func (s *Service) replay(ctx context.Context, gap storage.GapRecord, log zerolog.Logger) (logsync.Result, error) {
	access, err := device.ParseAccessURL(gap.AccessURL)
	if err != nil {
		return logsync.Result{}, err
	}
	h, err := s.factory()
	if err != nil {
		return logsync.Result{}, fmt.Errorf("create handle: %w", err)
	}
	defer func() {
		if err := h.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("error during disconnect")
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err = h.Connect(cctx, access.Key)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = device.ErrConnectTimeout
		}
		return logsync.Result{}, fmt.Errorf("failed to connect to device: %w", err)
	}

	var cursor *logsync.Cursor
	if gap.LastLogFileID > 0 {
		cursor = &logsync.Cursor{LastFileID: uint32(gap.LastLogFileID), LastFileOffset: uint32(gap.LastLogOffset)}
	}
	progress := func(phase string, p float64, msg string) {
		log.Debug().Str("phase", phase).Float64("progress", p).Msg(msg)
	}
	res, err := logsync.Sync(ctx, h, cursor, progress, log)
	if err != nil {
		return res, fmt.Errorf("log sync: %w", err)
	}
	return res, nil
}

// enqueue routes samples through the writer in BatchSize chunks, flushing in
// between while the writer queue is more than half full.
func (s *Service) enqueue(ctx context.Context, gap storage.GapRecord, samples []device.LogSample, log zerolog.Logger) error {
	for start := 0; start < len(samples); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(samples))
		for _, sample := range samples[start:end] {
			if err := s.sink.Enqueue(ctx, measurementFrom(gap, sample)); err != nil {
				return fmt.Errorf("enqueue recovered sample: %w", err)
			}
		}
		if end < len(samples) && s.sink.QueueDepth()*2 >= s.sink.Capacity() {
			if err := s.sink.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("intermediate flush failed")
			}
		}
	}
	if len(samples) > 0 {
		log.Info().Int("count", len(samples)).Msg("backfill samples enqueued")
	}
	return nil
}

func (s *Service) fail(deviceID int64, cause error, log zerolog.Logger) {
	s.mu.Lock()
	s.stats.FailedBackfills++
	s.mu.Unlock()
	s.collector.ObserveBackfill("failed", 0)
	log.Error().Err(cause).Msg("backfill failed")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.MarkBackfillFailed(ctx, deviceID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("recording backfill failure failed")
	}
}

func measurementFrom(gap storage.GapRecord, sample device.LogSample) storage.Measurement {
	power := sample.Power
	if power == 0 {
		power = sample.Voltage1 * sample.Current
	}
	return storage.Measurement{
		OrganizationID: gap.OrganizationID,
		DeviceID:       gap.DeviceID,
		Reading: storage.Reading{
			Voltage1:    sample.Voltage1,
			Voltage2:    sample.Voltage2,
			Current:     sample.Current,
			Power:       power,
			Temperature: sample.Temperature,
			SOC:         sample.SOC,
			PowerStatus: sample.PowerStatus,
		},
		Source:     storage.SourceBackfill,
		RecordedAt: sample.Time,
	}
}

// Active returns the number of sessions in flight.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stats returns a copy of the counters and the sessions in flight.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.LastCheckTime != nil {
		t := *st.LastCheckTime
		st.LastCheckTime = &t
	}
	st.Running = s.running
	st.ActiveBackfills = len(s.active)
	st.Sessions = make([]Session, 0, len(s.active))
	for _, sess := range s.active {
		st.Sessions = append(st.Sessions, sess)
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].DeviceID < st.Sessions[j].DeviceID })
	return st
}
