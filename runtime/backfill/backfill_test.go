package backfill

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/runtime/device"
	"github.com/timzifer/fleetcollector/storage"
)

type gapStore struct {
	mu       sync.Mutex
	gaps     map[int64]*storage.GapRecord
	status   map[int64]storage.BackfillStatus
	progress map[int64][]storage.BackfillProgress
	errors   map[int64]string
	limits   []int
}

func newGapStore(gaps ...storage.GapRecord) *gapStore {
	s := &gapStore{
		gaps:     map[int64]*storage.GapRecord{},
		status:   map[int64]storage.BackfillStatus{},
		progress: map[int64][]storage.BackfillProgress{},
		errors:   map[int64]string{},
	}
	for i := range gaps {
		g := gaps[i]
		s.gaps[g.DeviceID] = &g
		s.status[g.DeviceID] = storage.BackfillPending
	}
	return s
}

func (s *gapStore) GetDevicesNeedingBackfill(_ context.Context, limit int) ([]storage.GapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, limit)
	var out []storage.GapRecord
	for id, g := range s.gaps {
		if s.status[id] == storage.BackfillPending {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GapStartAt.Before(*out[j].GapStartAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *gapStore) GetBackfillCandidate(_ context.Context, id int64) (storage.GapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gaps[id]
	if !ok {
		return storage.GapRecord{}, storage.ErrNotFound
	}
	return *g, nil
}

func (s *gapStore) MarkBackfillPending(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = storage.BackfillPending
	return nil
}

func (s *gapStore) UpdateBackfillProgress(_ context.Context, id int64, p storage.BackfillProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = p.Status
	s.progress[id] = append(s.progress[id], p)
	if p.Status == storage.BackfillCompleted {
		s.gaps[id].GapStartAt = nil
		s.gaps[id].GapEndAt = nil
		s.gaps[id].LastLogFileID = p.LastLogFileID
		s.gaps[id].LastLogOffset = p.LastLogOffset
	}
	return nil
}

func (s *gapStore) MarkBackfillFailed(_ context.Context, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = storage.BackfillFailed
	s.errors[id] = msg
	return nil
}

func (s *gapStore) statusOf(id int64) storage.BackfillStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

func (s *gapStore) progressOf(id int64) []storage.BackfillProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.BackfillProgress(nil), s.progress[id]...)
}

type writer struct {
	mu       sync.Mutex
	rows     []storage.Measurement
	capacity int
	flushes  int
}

func (w *writer) Enqueue(_ context.Context, m storage.Measurement) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, m)
	return nil
}

func (w *writer) Flush(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
	w.rows = w.rows[:0]
	return nil
}

func (w *writer) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func (w *writer) Capacity() int { return w.capacity }

// logDevice serves history files of 4-byte unix timestamps.
type logDevice struct {
	mu         sync.Mutex
	files      map[uint32][]uint32
	connectErr error
	gate       chan struct{}
	handles    int
	closed     int
	reads      []uint32
}

func (d *logDevice) factory() (device.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handles++
	return &logHandle{dev: d}, nil
}

func (d *logDevice) counts() (handles, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles, d.closed
}

type logHandle struct {
	dev *logDevice
}

func (h *logHandle) Connect(ctx context.Context, _ device.AccessKey) error {
	if h.dev.gate != nil {
		select {
		case <-h.dev.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return h.dev.connectErr
}

func (h *logHandle) Disconnect() error {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.closed++
	return nil
}

func (h *logHandle) Disconnected() <-chan struct{} { return nil }

func (h *logHandle) MonitorData(context.Context) (device.MonitorData, error) {
	return device.MonitorData{}, device.ErrNotConnected
}

func (h *logHandle) DeviceInfo(context.Context) (device.Info, error) { return device.Info{}, nil }

func (h *logHandle) LogFiles(context.Context) ([]device.LogFile, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	var out []device.LogFile
	for id, ts := range h.dev.files {
		out = append(out, device.LogFile{ID: id, Size: uint32(4 * len(ts))})
	}
	return out, nil
}

func (h *logHandle) ReadLogFile(_ context.Context, id uint32, offset, size uint32) ([]byte, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.reads = append(h.dev.reads, id)
	var buf []byte
	for _, ts := range h.dev.files[id] {
		buf = binary.LittleEndian.AppendUint32(buf, ts)
	}
	return buf[offset : offset+size], nil
}

func (h *logHandle) DecodeLog(data []byte) ([]device.LogSample, error) {
	var out []device.LogSample
	for i := 0; i+4 <= len(data); i += 4 {
		out = append(out, device.LogSample{
			Time:     time.Unix(int64(binary.LittleEndian.Uint32(data[i:])), 0).UTC(),
			Voltage1: 12.5,
			Current:  -2,
			SOC:      64,
		})
	}
	return out, nil
}

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func gap(id int64, startOffset time.Duration) storage.GapRecord {
	start := epoch.Add(startOffset)
	return storage.GapRecord{
		DeviceID:       id,
		OrganizationID: 9,
		SerialNumber:   fmt.Sprintf("PM%d", id),
		AccessURL:      "https://applinks.thornwave.com/?s=secret&c=key",
		GapStartAt:     &start,
	}
}

func newService(store *gapStore, w *writer, dev *logDevice, cfg Config, clk clock.Clock) *Service {
	return New(cfg, store, w, dev.factory, zerolog.Nop(), WithClock(clk))
}

func TestPendingGapIsBackfilledAndCompleted(t *testing.T) {
	store := newGapStore(gap(1, 0))
	w := &writer{capacity: 10000}
	dev := &logDevice{files: map[uint32][]uint32{1000: {1000, 1010}, 2000: {2000}}}
	clk := clock.NewFake(epoch)
	svc := newService(store, w, dev, Config{MaxConcurrent: 1}, clk)

	svc.Start(context.Background())
	clk.Advance(30 * time.Second)
	svc.Stop()

	require.Equal(t, []int{1}, store.limits)
	progress := store.progressOf(1)
	require.Len(t, progress, 2)
	require.Equal(t, storage.BackfillInProgress, progress[0].Status)
	require.Equal(t, storage.BackfillProgress{
		LastLogFileID: 2000,
		LastLogOffset: 4,
		SamplesSynced: 3,
		Status:        storage.BackfillCompleted,
	}, progress[1])

	g, err := store.GetBackfillCandidate(context.Background(), 1)
	require.NoError(t, err)
	require.Nil(t, g.GapStartAt)
	require.Nil(t, g.GapEndAt)

	require.Len(t, w.rows, 3)
	for _, m := range w.rows {
		require.Equal(t, storage.SourceBackfill, m.Source)
		require.Equal(t, int64(9), m.OrganizationID)
		require.Equal(t, -25.0, m.Power)
	}
	handles, closed := dev.counts()
	require.Equal(t, 1, handles)
	require.Equal(t, 1, closed)

	st := svc.Stats()
	require.Equal(t, int64(1), st.SuccessfulBackfills)
	require.Equal(t, int64(3), st.TotalSamplesBackfilled)
	require.False(t, st.Running)
	require.NotNil(t, st.LastCheckTime)
}

func TestSessionResumesFromStoredCursor(t *testing.T) {
	g := gap(1, 0)
	g.LastLogFileID = 2000
	g.LastLogOffset = 4
	store := newGapStore(g)
	w := &writer{capacity: 10000}
	dev := &logDevice{files: map[uint32][]uint32{1000: {1000}, 2000: {2000, 2010}, 3000: {3000}}}
	svc := newService(store, w, dev, Config{}, clock.NewFake(epoch))

	require.NoError(t, svc.ProcessBackfill(context.Background(), g))
	require.Equal(t, []uint32{2000, 3000}, dev.reads)
	require.Len(t, w.rows, 2)
	require.Equal(t, storage.BackfillProgress{LastLogFileID: 2000, LastLogOffset: 4, Status: storage.BackfillInProgress}, store.progressOf(1)[0])
}

func TestConnectFailureMarksFailedWithoutRetry(t *testing.T) {
	store := newGapStore(gap(1, 0))
	dev := &logDevice{connectErr: errors.New("device busy")}
	clk := clock.NewFake(epoch)
	svc := newService(store, &writer{capacity: 100}, dev, Config{}, clk)

	svc.Start(context.Background())
	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return svc.Active() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, storage.BackfillFailed, store.statusOf(1))
	store.mu.Lock()
	require.Contains(t, store.errors[1], "device busy")
	store.mu.Unlock()

	clk.Advance(30 * time.Second)
	svc.Stop()
	handles, closed := dev.counts()
	require.Equal(t, 1, handles, "failed backfills are not retried automatically")
	require.Equal(t, 1, closed)
	require.Equal(t, int64(1), svc.Stats().FailedBackfills)
}

func TestConcurrencyIsBoundedAndDevicesAreNotDuplicated(t *testing.T) {
	var gaps []storage.GapRecord
	for i := int64(1); i <= 5; i++ {
		gaps = append(gaps, gap(i, time.Duration(i)*time.Minute))
	}
	store := newGapStore(gaps...)
	dev := &logDevice{gate: make(chan struct{}), files: map[uint32][]uint32{}}
	svc := newService(store, &writer{capacity: 100}, dev, Config{MaxConcurrent: 2}, clock.NewFake(epoch))

	started, err := svc.CheckOnce(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, 2, started)
	require.Equal(t, 2, svc.Active())

	ids := []int64{}
	for _, s := range svc.Stats().Sessions {
		ids = append(ids, s.DeviceID)
		require.NotEmpty(t, s.ID)
	}
	require.Equal(t, []int64{1, 2}, ids, "oldest gaps first")

	started, err = svc.CheckOnce(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, 0, started)

	_, err = svc.TriggerBackfill(context.Background(), 1)
	require.ErrorIs(t, err, ErrSessionActive)

	close(dev.gate)
	svc.Stop()
	require.Equal(t, 0, svc.Active())
	require.Equal(t, storage.BackfillCompleted, store.statusOf(1))
	require.Equal(t, storage.BackfillPending, store.statusOf(3))
}

func TestTriggerBackfill(t *testing.T) {
	store := newGapStore(gap(1, 0))
	store.status[1] = storage.BackfillFailed
	dev := &logDevice{files: map[uint32][]uint32{1000: {1000}}}
	svc := newService(store, &writer{capacity: 100}, dev, Config{}, clock.NewFake(epoch))

	_, err := svc.TriggerBackfill(context.Background(), 42)
	require.ErrorIs(t, err, storage.ErrNotFound)

	started, err := svc.TriggerBackfill(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, started)
	svc.Stop()
	require.Equal(t, storage.BackfillCompleted, store.statusOf(1))

	_, err = svc.TriggerBackfill(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, storage.BackfillPending, store.statusOf(1), "a stopped service only re-marks the device")
}

func TestShortGapIsStillReplayed(t *testing.T) {
	g := gap(1, 0)
	end := g.GapStartAt.Add(20 * time.Second)
	g.GapEndAt = &end
	store := newGapStore(g)
	w := &writer{capacity: 100}
	dev := &logDevice{files: map[uint32][]uint32{1000: {1000, 1010}}}
	svc := newService(store, w, dev, Config{GapThreshold: 30 * time.Second}, clock.NewFake(epoch))

	require.NoError(t, svc.ProcessBackfill(context.Background(), g))
	require.Equal(t, storage.BackfillCompleted, store.statusOf(1))
	require.Len(t, w.rows, 2)
	handles, closed := dev.counts()
	require.Equal(t, 1, handles)
	require.Equal(t, 1, closed)
}

func TestLargeReplayFlushesBetweenChunks(t *testing.T) {
	stamps := make([]uint32, 25)
	for i := range stamps {
		stamps[i] = uint32(1000 + i)
	}
	store := newGapStore(gap(1, 0))
	w := &writer{capacity: 20}
	dev := &logDevice{files: map[uint32][]uint32{1000: stamps}}
	svc := newService(store, w, dev, Config{BatchSize: 10}, clock.NewFake(epoch))

	require.NoError(t, svc.ProcessBackfill(context.Background(), gap(1, 0)))
	require.Equal(t, 2, w.flushes)
	require.Len(t, w.rows, 5)
	require.Equal(t, int64(25), store.progressOf(1)[1].SamplesSynced)
}

func TestMeasurementKeepsReportedPower(t *testing.T) {
	m := measurementFrom(gap(3, 0), device.LogSample{Time: epoch, Voltage1: 13, Current: 2, Power: 30})
	require.Equal(t, 30.0, m.Power)
	require.Equal(t, epoch, m.RecordedAt)
	require.Nil(t, m.TruckID)
}
