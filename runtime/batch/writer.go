// Package batch buffers measurements and snapshots in memory and writes them
// to storage in bulk.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/storage"
	"github.com/timzifer/fleetcollector/telemetry"
)

// ErrWriterStopped is returned by enqueue calls after Stop.
var ErrWriterStopped = errors.New("batch writer stopped")

// Sink is the part of storage the writer flushes into.
type Sink interface {
	BulkInsertMeasurements(ctx context.Context, rows []storage.Measurement) (int64, error)
	UpsertDeviceSnapshot(ctx context.Context, snap storage.Snapshot) error
}

// Config controls batching and backpressure.
type Config struct {
	FlushInterval time.Duration
	MaxBatchSize  int
	MaxQueueSize  int
	// DropChunk is the number of oldest measurements evicted at once when the
	// queue is full.
	DropChunk int
	Policy    OverflowPolicy
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.MaxQueueSize < c.MaxBatchSize {
		c.MaxQueueSize = c.MaxBatchSize
	}
	if c.DropChunk <= 0 {
		c.DropChunk = 100
	}
	if c.Policy == "" {
		c.Policy = DropOldest
	}
	return c
}

// Stats is a point-in-time view of writer counters.
type Stats struct {
	TotalWritten           int64      `json:"totalWritten"`
	TotalInserted          int64      `json:"totalInserted"`
	TotalBatches           int64      `json:"totalBatches"`
	FailedBatches          int64      `json:"failedBatches"`
	FailedSnapshots        int64      `json:"failedSnapshots"`
	Dropped                int64      `json:"dropped"`
	Spilled                int64      `json:"spilled"`
	QueueHighWaterMark     int        `json:"queueHighWaterMark"`
	LastFlushTime          *time.Time `json:"lastFlushTime"`
	AverageFlushDurationMs float64    `json:"averageFlushDurationMs"`
	IsRunning              bool       `json:"isRunning"`
	CurrentQueueSize       int        `json:"currentQueueSize"`
	PendingSnapshots       int        `json:"pendingSnapshots"`
	SpilledChunks          uint64     `json:"spilledChunks"`
	Policy                 string     `json:"policy"`
	MaxQueueSize           int        `json:"maxQueueSize"`
}

// Writer decouples high-frequency producers from bulk storage writes.
//
// Enqueue appends to an in-memory queue; Flush swaps the queue out and writes
// it in one bulk insert plus one upsert per pending snapshot. Measurements of
// a failed flush are put back at the front of the queue.
type Writer struct {
	cfg     Config
	sink    Sink
	spill   Spill
	clock   clock.Clock
	logger  zerolog.Logger
	metrics telemetry.Collector

	mu        sync.Mutex
	queue     []storage.Measurement
	snapshots map[int64]storage.Snapshot
	space     chan struct{}
	running   bool
	stopped   bool
	timer     clock.Timer
	baseCtx   context.Context
	sizeFlush bool
	replaying bool
	stats     Stats

	asyncFlushes sync.WaitGroup
}

// Option customises a Writer.
type Option func(*Writer)

// WithClock replaces the wall clock driving the flush timer.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithCollector reports queue and flush metrics to c.
func WithCollector(c telemetry.Collector) Option {
	return func(w *Writer) {
		if c != nil {
			w.metrics = c
		}
	}
}

// WithSpill sets the overflow store used by the spill policy.
func WithSpill(s Spill) Option {
	return func(w *Writer) {
		w.spill = s
	}
}

// New creates a writer flushing into sink.
func New(cfg Config, sink Sink, logger zerolog.Logger, opts ...Option) (*Writer, error) {
	if sink == nil {
		return nil, fmt.Errorf("batch writer requires a sink")
	}
	w := &Writer{
		cfg:       cfg.withDefaults(),
		sink:      sink,
		clock:     clock.Real(),
		logger:    logger.With().Str("component", "batch_writer").Logger(),
		metrics:   telemetry.Noop(),
		snapshots: make(map[int64]storage.Snapshot),
		space:     make(chan struct{}),
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cfg.Policy == SpillToDisk && w.spill == nil {
		return nil, fmt.Errorf("overflow policy %q requires a spill store", SpillToDisk)
	}
	return w, nil
}

// Start arms the periodic flush timer.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Warn().Msg("batch writer already running")
		return
	}
	w.running = true
	w.baseCtx = context.WithoutCancel(ctx)
	w.scheduleLocked()
	w.logger.Info().
		Dur("flush_interval", w.cfg.FlushInterval).
		Int("max_batch_size", w.cfg.MaxBatchSize).
		Int("max_queue_size", w.cfg.MaxQueueSize).
		Str("overflow_policy", string(w.cfg.Policy)).
		Msg("batch writer started")
}

// Stop cancels the flush timer, waits for size-triggered flushes and performs
// one final flush. Enqueue calls after Stop fail with ErrWriterStopped.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.asyncFlushes.Wait()
	err := w.Flush(ctx)

	w.mu.Lock()
	w.stopped = true
	w.signalSpaceLocked()
	w.mu.Unlock()

	stats := w.Stats()
	w.logger.Info().
		Int64("total_written", stats.TotalWritten).
		Int64("total_batches", stats.TotalBatches).
		Int64("failed_batches", stats.FailedBatches).
		Int64("dropped", stats.Dropped).
		Int("remaining", stats.CurrentQueueSize).
		Msg("batch writer stopped")
	return err
}

func (w *Writer) scheduleLocked() {
	w.timer = w.clock.AfterFunc(w.cfg.FlushInterval, w.onTimer)
}

func (w *Writer) onTimer() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	ctx := w.baseCtx
	w.mu.Unlock()

	if err := w.Flush(ctx); err != nil {
		w.logger.Error().Err(err).Msg("scheduled flush failed")
	}

	w.mu.Lock()
	if w.running {
		w.scheduleLocked()
	}
	w.mu.Unlock()
}

// Enqueue appends m to the queue. Reaching the batch size triggers an
// asynchronous flush. When the queue is full the overflow policy decides
// whether the oldest entries are dropped, spilled, or the caller waits.
func (w *Writer) Enqueue(ctx context.Context, m storage.Measurement) error {
	w.mu.Lock()
	for {
		if w.stopped {
			w.mu.Unlock()
			return ErrWriterStopped
		}
		if len(w.queue) < w.cfg.MaxQueueSize {
			break
		}
		switch w.cfg.Policy {
		case Block:
			wait := w.space
			w.triggerFlushLocked()
			w.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				w.mu.Lock()
				w.stats.Dropped++
				w.mu.Unlock()
				w.metrics.IncDropped(string(Block), 1)
				return fmt.Errorf("enqueue measurement for device %d: %w", m.DeviceID, ctx.Err())
			}
			w.mu.Lock()
		case SpillToDisk:
			if err := w.spillOldestLocked(w.cfg.DropChunk); err != nil {
				w.logger.Error().Err(err).Msg("spill failed, dropping oldest entries")
				w.dropOldestLocked(w.cfg.DropChunk)
			}
		default:
			w.logger.Warn().Int("queue_size", len(w.queue)).Msg("measurement queue full, dropping oldest entries")
			w.dropOldestLocked(w.cfg.DropChunk)
		}
	}

	w.queue = append(w.queue, m)
	depth := len(w.queue)
	if depth > w.stats.QueueHighWaterMark {
		w.stats.QueueHighWaterMark = depth
	}
	if depth >= w.cfg.MaxBatchSize {
		w.triggerFlushLocked()
	}
	w.mu.Unlock()
	w.metrics.SetQueueDepth(depth)
	return nil
}

// EnqueueSnapshot records snap as the pending snapshot of its device,
// replacing any earlier one.
func (w *Writer) EnqueueSnapshot(snap storage.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWriterStopped
	}
	w.snapshots[snap.DeviceID] = snap
	return nil
}

func (w *Writer) dropOldestLocked(n int) {
	if n > len(w.queue) {
		n = len(w.queue)
	}
	w.queue = append(w.queue[:0:0], w.queue[n:]...)
	w.stats.Dropped += int64(n)
	w.metrics.IncDropped(string(DropOldest), n)
}

func (w *Writer) spillOldestLocked(n int) error {
	if n > len(w.queue) {
		n = len(w.queue)
	}
	chunk := append([]storage.Measurement(nil), w.queue[:n]...)
	if err := w.spill.Push(chunk); err != nil {
		return err
	}
	w.queue = append(w.queue[:0:0], w.queue[n:]...)
	w.stats.Spilled += int64(n)
	w.metrics.IncDropped(string(SpillToDisk), n)
	return nil
}

// triggerFlushLocked starts a background flush unless one is already running.
// The background flush repeats while the queue stays at batch size.
func (w *Writer) triggerFlushLocked() {
	if w.sizeFlush {
		return
	}
	w.sizeFlush = true
	ctx := w.baseCtx
	w.asyncFlushes.Add(1)
	go func() {
		defer w.asyncFlushes.Done()
		for {
			err := w.Flush(ctx)
			if err != nil {
				w.logger.Error().Err(err).Msg("flush on max batch size failed")
			}
			w.mu.Lock()
			if err != nil || w.stopped || len(w.queue) < w.cfg.MaxBatchSize {
				w.sizeFlush = false
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
		}
	}()
}

// signalSpaceLocked wakes producers blocked on a full queue.
func (w *Writer) signalSpaceLocked() {
	close(w.space)
	w.space = make(chan struct{})
}

// Flush writes everything queued so far. An empty queue issues no storage
// calls. On failure the measurements are put back in front of anything queued
// in the meantime and the queue is trimmed to its maximum size, newest kept.
//
// The oldest spilled chunk is written ahead of the queue and only removed from
// the spill once stored, so spilled rows always stay older than queued ones.
func (w *Writer) Flush(ctx context.Context) error {
	start := w.clock.Now()

	w.mu.Lock()
	batch := w.queue
	snaps := w.snapshots
	w.queue = nil
	w.snapshots = make(map[int64]storage.Snapshot)
	w.signalSpaceLocked()
	replay := w.spill != nil && !w.replaying
	if replay {
		w.replaying = true
	}
	w.mu.Unlock()
	w.metrics.SetQueueDepth(0)

	var replayed int
	if replay {
		defer func() {
			w.mu.Lock()
			w.replaying = false
			w.mu.Unlock()
		}()
		if w.spill.Len() > 0 {
			chunk, err := w.spill.Peek()
			if err != nil {
				w.logger.Error().Err(err).Msg("replay spilled measurements")
			} else if len(chunk) > 0 {
				replayed = len(chunk)
				batch = append(chunk, batch...)
			}
		}
	}

	if len(batch) == 0 && len(snaps) == 0 {
		return nil
	}
	w.logger.Debug().Int("measurements", len(batch)).Int("snapshots", len(snaps)).Msg("flushing batch")

	var (
		errs         []error
		failedRows   []storage.Measurement
		failedSnaps  []storage.Snapshot
		inserted     int64
		insertFailed bool
	)
	if len(batch) > 0 {
		n, err := w.sink.BulkInsertMeasurements(ctx, batch)
		switch {
		case err != nil:
			errs = append(errs, err)
			insertFailed = true
			// the replayed chunk is still at the head of the spill
			failedRows = batch[replayed:]
		case replayed > 0:
			if derr := w.spill.Discard(); derr != nil {
				w.logger.Error().Err(derr).Msg("remove replayed spill chunk")
			}
		}
		inserted = n
	}
	ids := make([]int64, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := w.sink.UpsertDeviceSnapshot(ctx, snaps[id]); err != nil {
			errs = append(errs, err)
			failedSnaps = append(failedSnaps, snaps[id])
		}
	}

	elapsed := w.clock.Now().Sub(start)
	rowsWritten := !insertFailed
	w.mu.Lock()
	if rowsWritten {
		now := w.clock.Now()
		w.stats.TotalWritten += int64(len(batch))
		w.stats.TotalInserted += inserted
		w.stats.TotalBatches++
		w.stats.LastFlushTime = &now
		w.stats.AverageFlushDurationMs = w.stats.AverageFlushDurationMs*0.9 + float64(elapsed.Milliseconds())*0.1
	} else {
		w.stats.FailedBatches++
	}
	w.stats.FailedSnapshots += int64(len(failedSnaps))
	if len(errs) > 0 {
		w.requeueLocked(failedRows, failedSnaps)
	}
	depth := len(w.queue)
	w.mu.Unlock()

	w.metrics.ObserveFlush(len(errs) == 0, len(batch), elapsed)
	if len(errs) > 0 {
		w.metrics.SetQueueDepth(depth)
		err := errors.Join(errs...)
		w.logger.Error().Err(err).
			Int("measurements", len(batch)).
			Bool("measurements_written", rowsWritten).
			Int("snapshots_failed", len(failedSnaps)).
			Msg("flush failed")
		return fmt.Errorf("flush %d measurements: %w", len(batch), err)
	}
	w.logger.Debug().Int("written", len(batch)).Int64("inserted", inserted).Dur("duration", elapsed).Msg("flush complete")
	return nil
}

func (w *Writer) requeueLocked(rows []storage.Measurement, snaps []storage.Snapshot) {
	if len(rows) > 0 {
		w.queue = append(rows, w.queue...)
		if excess := len(w.queue) - w.cfg.MaxQueueSize; excess > 0 {
			if w.cfg.Policy == SpillToDisk {
				if err := w.spillOldestLocked(excess); err != nil {
					w.logger.Error().Err(err).Msg("spill failed, dropping oldest entries")
					w.dropOldestLocked(excess)
				}
			} else {
				w.logger.Warn().Int("dropped", excess).Msg("requeued measurements exceed queue size, dropping oldest entries")
				w.dropOldestLocked(excess)
			}
		}
		if len(w.queue) > w.stats.QueueHighWaterMark {
			w.stats.QueueHighWaterMark = len(w.queue)
		}
	}
	for _, snap := range snaps {
		if _, newer := w.snapshots[snap.DeviceID]; !newer {
			w.snapshots[snap.DeviceID] = snap
		}
	}
}

// QueueDepth returns the number of queued measurements.
func (w *Writer) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Capacity returns the configured maximum queue size.
func (w *Writer) Capacity() int {
	return w.cfg.MaxQueueSize
}

// Stats returns a copy of the writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	stats := w.stats
	stats.IsRunning = w.running
	stats.CurrentQueueSize = len(w.queue)
	stats.PendingSnapshots = len(w.snapshots)
	w.mu.Unlock()
	stats.Policy = string(w.cfg.Policy)
	stats.MaxQueueSize = w.cfg.MaxQueueSize
	if w.spill != nil {
		stats.SpilledChunks = w.spill.Len()
	}
	return stats
}
