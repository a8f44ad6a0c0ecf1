// Package simulator provides an in-process PowerMon stand-in so the
// collector can run end to end without hardware.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/timzifer/fleetcollector/runtime/device"
)

// DriverName is the name the simulator registers under.
const DriverName = "simulator"

var (
	errConnectRefused = errors.New("simulated connect failure")
	errReadTimeout    = errors.New("simulated read timeout")
)

// Option customises a Driver.
type Option func(*Driver)

// WithNow replaces the time source used for readings and history.
func WithNow(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// Driver simulates a fleet of devices. A device is identified by the
// connection key of its access key and keeps its state across handles, so
// reconnects and backfill sessions see the same history.
type Driver struct {
	settings Settings
	src      randomSource
	now      func() time.Time

	mu      sync.Mutex
	devices map[string]*simDevice
}

// New creates a driver from resolved settings.
func New(settings Settings, opts ...Option) (*Driver, error) {
	settings, err := settings.resolve()
	if err != nil {
		return nil, err
	}
	src, err := newRandomSource(settings.Source, settings.Seed)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		settings: settings,
		src:      src,
		now:      time.Now,
		devices:  make(map[string]*simDevice),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Factory returns a device.Factory producing simulated handles.
func (d *Driver) Factory() device.Factory {
	return func() (device.Handle, error) {
		return &handle{driver: d, dropped: make(chan struct{})}, nil
	}
}

func (d *Driver) device(key device.AccessKey) *simDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := key.ConnectionKey
	if dev, ok := d.devices[id]; ok {
		return dev
	}
	hash := xxhash.Sum64String(id)
	span := time.Duration(d.settings.SamplesPerFile) * d.settings.SampleInterval
	dev := &simDevice{
		name:         key.Name,
		serial:       fmt.Sprintf("SIM%08X", uint32(hash)),
		phase:        float64(hash%1000) / 100,
		historyStart: d.now().Add(-time.Duration(d.settings.HistoryFiles) * span).Truncate(time.Second),
	}
	dev.initialise(d.src)
	d.devices[id] = dev
	return dev
}

func (d *Driver) wait(ctx context.Context) error {
	if d.settings.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.settings.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type reading struct {
	voltage1, voltage2, current, soc, temperature float64
	energy, charge                                float64
	runtime                                       int
}

type simDevice struct {
	name         string
	serial       string
	phase        float64
	historyStart time.Time

	mu    sync.Mutex
	state reading
}

func (s *simDevice) initialise(src randomSource) {
	base := between(src, 12, 14)
	s.state = reading{
		voltage1:    base,
		voltage2:    base * 0.98,
		current:     between(src, -5, 25),
		soc:         between(src, 50, 90),
		temperature: between(src, 20, 35),
		energy:      between(src, 1000, 6000),
		charge:      between(src, 50, 150),
		runtime:     int(between(src, 0, 86400)),
	}
}

// step advances the random walk by one poll.
func (s *simDevice) step(src randomSource) reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	charging := chance(src, 0.7)
	flow := -math.Abs(st.current) * 0.5
	socDelta := -between(src, 0.05, 0.25)
	adjust := -0.1
	if charging {
		flow = math.Abs(st.current)
		socDelta = between(src, 0.1, 0.4)
		adjust = 0.3
	}
	soc := clamp(st.soc+socDelta, 5, 100)
	vbase := 11.5 + soc/100*2.5

	st.voltage1 = clamp(vary(src, vbase+adjust, 0.1), 10.5, 14.8)
	st.voltage2 = clamp(vary(src, vbase+adjust-0.1, 0.1), 10.4, 14.7)
	st.current = clamp(vary(src, flow, 2), -50, 100)
	st.soc = soc
	st.temperature = clamp(vary(src, st.temperature, 1), 15, 55)
	if charging {
		st.energy += between(src, 0, 10)
		st.charge += between(src, 0, 0.5)
	} else {
		st.charge -= between(src, 0, 0.1)
	}
	st.runtime += 10
	s.state = st
	return st
}

// historical derives a deterministic sample for t so repeated reads of the
// same file return identical bytes.
func (s *simDevice) historical(t time.Time) device.LogSample {
	hours := float64(t.Unix())/3600 + s.phase
	soc := 60 + 30*math.Sin(hours/4)
	v1 := 11.5 + soc/100*2.5
	current := 15 * math.Cos(hours/2)
	status := 0
	if current > 0 {
		status = 1
	}
	return device.LogSample{
		Time:        t,
		Voltage1:    round(v1, 3),
		Voltage2:    round(v1-0.1, 3),
		Current:     round(current, 3),
		Temperature: round(25+5*math.Sin(hours/12), 1),
		SOC:         math.Round(soc),
		PowerStatus: status,
	}
}

func (s *simDevice) files(now time.Time, perFile int, interval time.Duration) []device.LogFile {
	span := time.Duration(perFile) * interval
	var out []device.LogFile
	for start := s.historyStart; !start.After(now); start = start.Add(span) {
		count := int(now.Sub(start)/interval) + 1
		if count > perFile {
			count = perFile
		}
		out = append(out, device.LogFile{ID: uint32(start.Unix()), Size: uint32(count * RecordSize)})
	}
	return out
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

type handle struct {
	driver  *Driver
	dropped chan struct{}

	mu        sync.Mutex
	dev       *simDevice
	connected bool
	dropOnce  sync.Once
}

func (h *handle) Connect(ctx context.Context, key device.AccessKey) error {
	if err := h.driver.wait(ctx); err != nil {
		return err
	}
	if chance(h.driver.src, h.driver.settings.ConnectFailureRate) {
		return errConnectRefused
	}
	dev := h.driver.device(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dev = dev
	h.connected = true
	return nil
}

func (h *handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	return nil
}

func (h *handle) Disconnected() <-chan struct{} {
	return h.dropped
}

func (h *handle) session() (*simDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return nil, device.ErrNotConnected
	}
	return h.dev, nil
}

func (h *handle) drop() {
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
	h.dropOnce.Do(func() { close(h.dropped) })
}

func (h *handle) MonitorData(ctx context.Context) (device.MonitorData, error) {
	if err := h.driver.wait(ctx); err != nil {
		return device.MonitorData{}, err
	}
	dev, err := h.session()
	if err != nil {
		return device.MonitorData{}, err
	}
	if chance(h.driver.src, h.driver.settings.DropRate) {
		h.drop()
		return device.MonitorData{}, device.ErrNotConnected
	}
	if chance(h.driver.src, h.driver.settings.PollFailureRate) {
		return device.MonitorData{}, errReadTimeout
	}
	st := dev.step(h.driver.src)
	status, statusText := 0, "discharging"
	if st.current > 0 {
		status, statusText = 1, "charging"
	}
	return device.MonitorData{
		Time:              h.driver.now(),
		Voltage1:          round(st.voltage1, 3),
		Voltage2:          round(st.voltage2, 3),
		Current:           round(st.current, 3),
		Power:             round(st.voltage1*st.current, 2),
		Temperature:       round(st.temperature, 1),
		CoulombMeter:      round(st.charge, 3),
		EnergyMeter:       round(st.energy, 3),
		PowerStatus:       status,
		PowerStatusString: statusText,
		SOC:               round(st.soc, 1),
		Runtime:           st.runtime,
		RSSI:              -40 - int(between(h.driver.src, 0, 30)),
	}, nil
}

func (h *handle) DeviceInfo(ctx context.Context) (device.Info, error) {
	if err := h.driver.wait(ctx); err != nil {
		return device.Info{}, err
	}
	dev, err := h.session()
	if err != nil {
		return device.Info{}, err
	}
	return device.Info{
		Name:             dev.name,
		FirmwareVersion:  "1.32",
		HardwareRevision: 3,
		HardwareString:   "PowerMon-W",
		Serial:           dev.serial,
	}, nil
}

func (h *handle) LogFiles(ctx context.Context) ([]device.LogFile, error) {
	if err := h.driver.wait(ctx); err != nil {
		return nil, err
	}
	dev, err := h.session()
	if err != nil {
		return nil, err
	}
	s := h.driver.settings
	return dev.files(h.driver.now(), s.SamplesPerFile, s.SampleInterval), nil
}

func (h *handle) ReadLogFile(ctx context.Context, id uint32, offset, size uint32) ([]byte, error) {
	if err := h.driver.wait(ctx); err != nil {
		return nil, err
	}
	dev, err := h.session()
	if err != nil {
		return nil, err
	}
	s := h.driver.settings
	var file *device.LogFile
	for _, f := range dev.files(h.driver.now(), s.SamplesPerFile, s.SampleInterval) {
		if f.ID == id {
			file = &f
			break
		}
	}
	if file == nil {
		return nil, fmt.Errorf("log file %d not found", id)
	}
	if uint64(offset)+uint64(size) > uint64(file.Size) {
		return nil, fmt.Errorf("log file %d: range %d+%d exceeds size %d", id, offset, size, file.Size)
	}

	start := time.Unix(int64(id), 0).UTC()
	count := int(file.Size) / RecordSize
	samples := make([]device.LogSample, count)
	for i := range samples {
		samples[i] = dev.historical(start.Add(time.Duration(i) * s.SampleInterval))
	}
	return EncodeSamples(samples)[offset : offset+size], nil
}

func (h *handle) DecodeLog(data []byte) ([]device.LogSample, error) {
	return DecodeSamples(data)
}
