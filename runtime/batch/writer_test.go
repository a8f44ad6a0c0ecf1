package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/storage"
)

type fakeSink struct {
	mu        sync.Mutex
	fail      bool
	bulkCalls [][]storage.Measurement
	snapshots []storage.Snapshot
	snapErr   map[int64]bool
	gate      chan struct{}
}

func (s *fakeSink) BulkInsertMeasurements(_ context.Context, rows []storage.Measurement) (int64, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls = append(s.bulkCalls, append([]storage.Measurement(nil), rows...))
	if s.fail {
		return 0, errors.New("database unavailable")
	}
	return int64(len(rows)), nil
}

func (s *fakeSink) UpsertDeviceSnapshot(_ context.Context, snap storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.snapErr[snap.DeviceID] {
		return errors.New("snapshot upsert failed")
	}
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *fakeSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bulkCalls)
}

func (s *fakeSink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func measurement(i int) storage.Measurement {
	return storage.Measurement{
		OrganizationID: 1,
		DeviceID:       int64(i%7 + 1),
		Source:         storage.SourcePoll,
		RecordedAt:     epoch.Add(time.Duration(i) * time.Second),
	}
}

func newWriter(t *testing.T, cfg Config, sink Sink, opts ...Option) *Writer {
	t.Helper()
	w, err := New(cfg, sink, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return w
}

func TestFlushEmptyQueueIssuesNoStorageCalls(t *testing.T) {
	sink := &fakeSink{}
	w := newWriter(t, Config{MaxBatchSize: 10, MaxQueueSize: 100}, sink)
	require.NoError(t, w.Flush(context.Background()))
	require.NoError(t, w.Flush(context.Background()))
	require.Zero(t, sink.calls())
	require.Zero(t, w.Stats().TotalBatches)
}

func TestFlushWritesMeasurementsAndLatestSnapshots(t *testing.T) {
	sink := &fakeSink{}
	w := newWriter(t, Config{MaxBatchSize: 100, MaxQueueSize: 1000}, sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Enqueue(ctx, measurement(i)))
	}
	require.NoError(t, w.EnqueueSnapshot(storage.Snapshot{DeviceID: 1, Reading: storage.Reading{Voltage1: 12.1}}))
	require.NoError(t, w.EnqueueSnapshot(storage.Snapshot{DeviceID: 1, Reading: storage.Reading{Voltage1: 12.9}}))
	require.NoError(t, w.EnqueueSnapshot(storage.Snapshot{DeviceID: 2}))

	require.NoError(t, w.Flush(ctx))
	require.Len(t, sink.bulkCalls, 1)
	require.Len(t, sink.bulkCalls[0], 3)
	require.Len(t, sink.snapshots, 2)
	require.Equal(t, 12.9, sink.snapshots[0].Voltage1)

	stats := w.Stats()
	require.Equal(t, int64(3), stats.TotalWritten)
	require.Equal(t, int64(1), stats.TotalBatches)
	require.Zero(t, stats.CurrentQueueSize)
	require.Zero(t, stats.PendingSnapshots)
	require.NotNil(t, stats.LastFlushTime)
}

func TestFailedFlushRequeuesAtFront(t *testing.T) {
	sink := &fakeSink{fail: true}
	w := newWriter(t, Config{MaxBatchSize: 100, MaxQueueSize: 1000}, sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Enqueue(ctx, measurement(i)))
	}
	require.NoError(t, w.EnqueueSnapshot(storage.Snapshot{DeviceID: 3, Reading: storage.Reading{Voltage1: 1}}))
	require.Error(t, w.Flush(ctx))

	require.NoError(t, w.Enqueue(ctx, measurement(5)))
	require.NoError(t, w.EnqueueSnapshot(storage.Snapshot{DeviceID: 3, Reading: storage.Reading{Voltage1: 2}}))
	require.Equal(t, 6, w.QueueDepth())
	require.Equal(t, int64(1), w.Stats().FailedBatches)

	sink.setFail(false)
	require.NoError(t, w.Flush(ctx))
	last := sink.bulkCalls[len(sink.bulkCalls)-1]
	require.Len(t, last, 6)
	for i, m := range last {
		require.Equal(t, epoch.Add(time.Duration(i)*time.Second), m.RecordedAt)
	}
	require.Len(t, sink.snapshots, 1)
	require.Equal(t, 2.0, sink.snapshots[0].Voltage1)
}

func TestSnapshotFailureStillCountsWrittenRows(t *testing.T) {
	sink := &fakeSink{snapErr: map[int64]bool{2: true}}
	w := newWriter(t, Config{MaxBatchSize: 100, MaxQueueSize: 1000}, sink)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, w.Enqueue(ctx, measurement(i)))
	}
	require.NoError(t, w.EnqueueSnapshot(storage.Snapshot{DeviceID: 1}))
	require.NoError(t, w.EnqueueSnapshot(storage.Snapshot{DeviceID: 2}))
	require.Error(t, w.Flush(ctx))

	stats := w.Stats()
	require.Equal(t, int64(4), stats.TotalWritten)
	require.Equal(t, int64(4), stats.TotalInserted)
	require.Equal(t, int64(1), stats.TotalBatches)
	require.Zero(t, stats.FailedBatches)
	require.Equal(t, int64(1), stats.FailedSnapshots)
	require.NotNil(t, stats.LastFlushTime)

	// rows are not requeued, the failed snapshot is
	require.Zero(t, stats.CurrentQueueSize)
	require.Equal(t, 1, stats.PendingSnapshots)
	require.Len(t, sink.bulkCalls, 1)
}

func TestSizeTriggeredFlush(t *testing.T) {
	sink := &fakeSink{}
	w := newWriter(t, Config{MaxBatchSize: 500, MaxQueueSize: 10000}, sink)
	ctx := context.Background()

	for i := 0; i < 499; i++ {
		require.NoError(t, w.Enqueue(ctx, measurement(i)))
	}
	require.Zero(t, sink.calls())

	require.NoError(t, w.Enqueue(ctx, measurement(499)))
	w.asyncFlushes.Wait()

	require.Equal(t, 1, sink.calls())
	require.Len(t, sink.bulkCalls[0], 500)
	require.Zero(t, w.QueueDepth())
}

func TestDropOldestWhenQueueFull(t *testing.T) {
	sink := &fakeSink{fail: true}
	w := newWriter(t, Config{MaxBatchSize: 10000, MaxQueueSize: 10000}, sink)
	ctx := context.Background()

	for i := 0; i < 10100; i++ {
		require.NoError(t, w.Enqueue(ctx, measurement(i)))
	}
	w.asyncFlushes.Wait()

	require.Equal(t, 10000, w.QueueDepth())
	require.Equal(t, int64(100), w.Stats().Dropped)

	w.mu.Lock()
	first, last := w.queue[0], w.queue[len(w.queue)-1]
	w.mu.Unlock()
	require.Equal(t, epoch.Add(100*time.Second), first.RecordedAt)
	require.Equal(t, epoch.Add(10099*time.Second), last.RecordedAt)
}

func TestRequeueTrimsToQueueSizeKeepingNewest(t *testing.T) {
	sink := &fakeSink{fail: true}
	w := newWriter(t, Config{MaxBatchSize: 8, MaxQueueSize: 8, DropChunk: 2}, sink)

	var failed []storage.Measurement
	for i := 0; i < 6; i++ {
		failed = append(failed, measurement(i))
	}

	// Four measurements arrived while the failed flush was in flight.
	w.mu.Lock()
	w.queue = []storage.Measurement{measurement(6), measurement(7), measurement(8), measurement(9)}
	w.requeueLocked(failed, nil)
	first := w.queue[0]
	w.mu.Unlock()

	require.Equal(t, 8, w.QueueDepth())
	require.Equal(t, epoch.Add(2*time.Second), first.RecordedAt)
	require.Equal(t, int64(2), w.Stats().Dropped)
}

func TestBlockPolicyWaitsForSpace(t *testing.T) {
	sink := &fakeSink{gate: make(chan struct{})}
	w := newWriter(t, Config{MaxBatchSize: 4, MaxQueueSize: 4, Policy: Block}, sink)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, w.Enqueue(ctx, measurement(i)))
	}

	// The size-triggered flush swaps the queue out before it writes, so the
	// producer proceeds even while the insert is still blocked.
	done := make(chan error, 1)
	go func() { done <- w.Enqueue(ctx, measurement(4)) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after the queue was swapped out")
	}

	close(sink.gate)
	w.asyncFlushes.Wait()
	require.Zero(t, w.Stats().Dropped)
}

func TestBlockPolicyHonoursContext(t *testing.T) {
	sink := &fakeSink{gate: make(chan struct{})}
	w := newWriter(t, Config{MaxBatchSize: 4, MaxQueueSize: 4, Policy: Block}, sink)
	ctx := context.Background()

	// The first four are swapped out by a flush that stays blocked; the next
	// four fill the queue again.
	for i := 0; i < 8; i++ {
		require.NoError(t, w.Enqueue(ctx, measurement(i)))
	}
	require.Equal(t, 4, w.QueueDepth())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := w.Enqueue(short, measurement(8))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int64(1), w.Stats().Dropped)

	close(sink.gate)
	w.asyncFlushes.Wait()
	require.Zero(t, w.QueueDepth())
	require.Equal(t, int64(8), w.Stats().TotalWritten)
}

func TestSpillPolicyReplaysOnFlush(t *testing.T) {
	spill, err := OpenDiskSpill(t.TempDir())
	require.NoError(t, err)
	defer spill.Close()

	sink := &fakeSink{}
	w := newWriter(t, Config{MaxBatchSize: 10, MaxQueueSize: 10, DropChunk: 5, Policy: SpillToDisk}, sink, WithSpill(spill))
	ctx := context.Background()

	w.mu.Lock()
	for i := 0; i < 10; i++ {
		w.queue = append(w.queue, measurement(i))
	}
	w.mu.Unlock()

	for i := 10; i < 14; i++ {
		require.NoError(t, w.Enqueue(ctx, measurement(i)))
	}
	require.Zero(t, sink.calls())
	require.Equal(t, 9, w.QueueDepth())
	require.Zero(t, w.Stats().Dropped)
	require.Equal(t, int64(5), w.Stats().Spilled)
	require.Equal(t, uint64(1), spill.Len())

	require.NoError(t, w.Flush(ctx))
	require.Len(t, sink.bulkCalls, 1)
	require.Len(t, sink.bulkCalls[0], 14)
	require.Equal(t, epoch, sink.bulkCalls[0][0].RecordedAt)
	require.Zero(t, spill.Len())
}

func TestFailedReplayKeepsSpillOrder(t *testing.T) {
	spill, err := OpenDiskSpill(t.TempDir())
	require.NoError(t, err)
	defer spill.Close()

	rows := func(from, to int) []storage.Measurement {
		var out []storage.Measurement
		for i := from; i < to; i++ {
			out = append(out, measurement(i))
		}
		return out
	}
	require.NoError(t, spill.Push(rows(0, 4)))
	require.NoError(t, spill.Push(rows(4, 8)))

	gate := make(chan struct{})
	sink := &fakeSink{fail: true, gate: gate}
	w := newWriter(t, Config{MaxBatchSize: 10, MaxQueueSize: 10, DropChunk: 5, Policy: SpillToDisk}, sink, WithSpill(spill))
	ctx := context.Background()
	w.mu.Lock()
	w.queue = rows(8, 14)
	w.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- w.Flush(ctx) }()
	require.Eventually(t, func() bool { return w.QueueDepth() == 0 }, time.Second, time.Millisecond)
	for _, m := range rows(14, 19) {
		require.NoError(t, w.Enqueue(ctx, m))
	}
	close(gate)
	require.Error(t, <-errc)

	// the replayed chunk never left the spill; only the oldest queued row
	// overflowed behind it
	require.Equal(t, uint64(3), spill.Len())
	require.Equal(t, 10, w.QueueDepth())
	head, err := spill.Peek()
	require.NoError(t, err)
	require.Equal(t, epoch, head[0].RecordedAt)

	sink.gate = nil
	sink.setFail(false)
	failedCalls := len(sink.bulkCalls)
	for i := 0; i < 5 && (spill.Len() > 0 || w.QueueDepth() > 0); i++ {
		require.NoError(t, w.Flush(ctx))
	}
	require.Zero(t, spill.Len())
	require.Zero(t, w.QueueDepth())

	written := map[int64]int{}
	var spilledStarts []time.Time
	for _, call := range sink.bulkCalls[failedCalls:] {
		spilledStarts = append(spilledStarts, call[0].RecordedAt)
		for _, m := range call {
			written[m.RecordedAt.Unix()]++
		}
	}
	require.Len(t, written, 19)
	for ts, n := range written {
		require.Equal(t, 1, n, "row at %d written %d times", ts, n)
	}
	require.Equal(t, []time.Time{epoch, epoch.Add(4 * time.Second), epoch.Add(8 * time.Second)}, spilledStarts)
}

func TestSpillPolicyRequiresStore(t *testing.T) {
	_, err := New(Config{Policy: SpillToDisk}, &fakeSink{}, zerolog.Nop())
	require.Error(t, err)
}

func TestTimerFlushAndStop(t *testing.T) {
	sink := &fakeSink{}
	fake := clock.NewFake(epoch)
	w := newWriter(t, Config{FlushInterval: 2 * time.Second, MaxBatchSize: 100, MaxQueueSize: 1000}, sink, WithClock(fake))
	ctx := context.Background()

	w.Start(ctx)
	require.True(t, w.Stats().IsRunning)
	require.NoError(t, w.Enqueue(ctx, measurement(0)))

	fake.Advance(time.Second)
	require.Zero(t, sink.calls())
	fake.Advance(time.Second)
	require.Equal(t, 1, sink.calls())
	require.Len(t, fake.Pending(), 1)

	require.NoError(t, w.Enqueue(ctx, measurement(1)))
	require.NoError(t, w.Stop(ctx))
	require.Equal(t, 2, sink.calls())
	require.Empty(t, fake.Pending())
	require.False(t, w.Stats().IsRunning)

	require.ErrorIs(t, w.Enqueue(ctx, measurement(2)), ErrWriterStopped)
	require.ErrorIs(t, w.EnqueueSnapshot(storage.Snapshot{DeviceID: 1}), ErrWriterStopped)
}

func TestParseOverflowPolicy(t *testing.T) {
	for in, want := range map[string]OverflowPolicy{"": DropOldest, "DROP_OLDEST": DropOldest, "block": Block, " spill ": SpillToDisk} {
		got, err := ParseOverflowPolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseOverflowPolicy("discard")
	require.Error(t, err)
}
