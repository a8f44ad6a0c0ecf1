// Package pool owns the long-lived device connections, assigns polling
// cohorts and drives reconnection.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/runtime/device"
	"github.com/timzifer/fleetcollector/runtime/state"
	"github.com/timzifer/fleetcollector/storage"
	"github.com/timzifer/fleetcollector/telemetry"
)

// ErrDeviceNotFound is returned for device ids the pool does not manage.
var ErrDeviceNotFound = errors.New("device not in pool")

// Registry is the part of storage the pool reads and updates.
type Registry interface {
	ListActiveDevicesWithCredentials(ctx context.Context) ([]storage.DeviceRecord, error)
	UpsertDeviceSyncStatus(ctx context.Context, deviceID, orgID int64, cohort int) error
	MarkDeviceConnected(ctx context.Context, deviceID int64) error
	MarkDeviceDisconnected(ctx context.Context, deviceID int64, gapStart time.Time) error
	UpdateDeviceInfo(ctx context.Context, deviceID int64, info storage.DeviceInfoUpdate) error
}

// Config controls connection lifecycle timing.
type Config struct {
	CohortCount            int
	ConnectTimeout         time.Duration
	PollTimeout            time.Duration
	MaxConsecutiveFailures int
	MaxReconnectAttempts   int
	BaseReconnectDelay     time.Duration
	MaxReconnectDelay      time.Duration
	RefreshInterval        time.Duration
	ConnectConcurrency     int
	StoreTimeout           time.Duration
}

func (c Config) withDefaults() Config {
	if c.CohortCount <= 0 {
		c.CohortCount = 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 8 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay < c.BaseReconnectDelay {
		c.MaxReconnectDelay = c.BaseReconnectDelay
	}
	if c.ConnectConcurrency <= 0 {
		c.ConnectConcurrency = 1
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return c
}

// Option customises a Pool.
type Option func(*Pool)

// WithClock replaces the wall clock used for timestamps and reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithCollector attaches a metrics collector.
func WithCollector(c telemetry.Collector) Option {
	return func(p *Pool) {
		if c != nil {
			p.collector = c
		}
	}
}

// Stats summarises the pool for health reporting.
type Stats struct {
	TotalDevices int `json:"totalDevices"`
	Connected    int `json:"connected"`
	Connecting   int `json:"connecting"`
	Disconnected int `json:"disconnected"`
	Reconnecting int `json:"reconnecting"`
	Cohorts      int `json:"cohorts"`
}

// ConnectResult counts the outcome of ConnectAll.
type ConnectResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// RefreshResult describes what Refresh changed.
type RefreshResult struct {
	Added     int
	Removed   int
	Connected int
}

// Pool manages one Connection per active device.
type Pool struct {
	cfg       Config
	registry  Registry
	factory   device.Factory
	clock     clock.Clock
	collector telemetry.Collector
	logger    zerolog.Logger

	mu      sync.RWMutex
	conns   map[int64]*Connection
	cohorts map[int]map[int64]*Connection
	closed  atomic.Bool

	statusMu     sync.Mutex
	statusCounts map[state.Status]int
}

// New creates an empty pool. Call Initialize to load the registry.
func New(cfg Config, registry Registry, factory device.Factory, logger zerolog.Logger, opts ...Option) *Pool {
	p := &Pool{
		cfg:          cfg.withDefaults(),
		registry:     registry,
		factory:      factory,
		clock:        clock.Real(),
		collector:    telemetry.Noop(),
		logger:       logger.With().Str("component", "pool").Logger(),
		conns:        make(map[int64]*Connection),
		cohorts:      make(map[int]map[int64]*Connection),
		statusCounts: make(map[state.Status]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CohortFor maps a serial number onto one of count cohorts.
func CohortFor(serial string, count int) int {
	if count <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(serial) % uint64(count))
}

// CohortCount returns the configured number of cohorts.
func (p *Pool) CohortCount() int {
	return p.cfg.CohortCount
}

// Initialize loads every active device with credentials, assigns cohorts and
// persists the assignment. Devices already in the pool are kept as they are.
// It returns the number of devices in the pool.
func (p *Pool) Initialize(ctx context.Context) (int, error) {
	records, err := p.registry.ListActiveDevicesWithCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("list devices: %w", err)
	}
	added := p.addRecords(records)
	p.persistCohorts(ctx, added)

	p.mu.RLock()
	total, cohorts := len(p.conns), len(p.cohorts)
	p.mu.RUnlock()
	p.logger.Info().Int("devices", total).Int("cohorts", cohorts).Msg("connection pool initialised")
	return total, nil
}

func (p *Pool) addRecords(records []storage.DeviceRecord) []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	var added []*Connection
	for _, rec := range records {
		if _, ok := p.conns[rec.DeviceID]; ok {
			continue
		}
		c := newConnection(rec, CohortFor(rec.SerialNumber, p.cfg.CohortCount), p.cfg, p.statusChanged, p.logger)
		p.conns[rec.DeviceID] = c
		members := p.cohorts[c.Cohort]
		if members == nil {
			members = make(map[int64]*Connection)
			p.cohorts[c.Cohort] = members
		}
		members[rec.DeviceID] = c
		p.track(state.Disconnected, 1)
		added = append(added, c)
	}
	return added
}

func (p *Pool) persistCohorts(ctx context.Context, conns []*Connection) {
	for _, c := range conns {
		if err := p.registry.UpsertDeviceSyncStatus(ctx, c.DeviceID, c.OrganizationID, c.Cohort); err != nil {
			c.log.Warn().Err(err).Msg("persisting cohort assignment failed")
		}
	}
}

// ConnectAll connects every device that is not connected yet, at most
// ConnectConcurrency at a time.
func (p *Pool) ConnectAll(ctx context.Context) ConnectResult {
	conns := p.Connections()
	p.logger.Info().Int("devices", len(conns)).Msg("connecting all devices")
	success, aborted := runWorkerPool(ctx, p.cfg.ConnectConcurrency, conns, func(ctx context.Context, c *Connection) int {
		if p.Connect(ctx, c) {
			return 1
		}
		return 0
	})
	res := ConnectResult{Success: success, Failed: len(conns) - success}
	ev := p.logger.Info()
	if aborted {
		ev = p.logger.Warn().Bool("aborted", true)
	}
	ev.Int("success", res.Success).Int("failed", res.Failed).Msg("connect results")
	return res
}

// Connect opens a session for c. It returns true immediately when c is
// already connected and false when another connect is in flight, the device
// refuses, or the connect timeout elapses. A failed connect leaves c
// disconnected without scheduling a reconnect.
func (p *Pool) Connect(ctx context.Context, c *Connection) bool {
	c.mu.Lock()
	if c.removed || p.closed.Load() {
		c.mu.Unlock()
		return false
	}
	if c.machine.Is(state.Connected) && c.handle != nil {
		c.mu.Unlock()
		return true
	}
	if c.machine.Is(state.Connecting) {
		c.mu.Unlock()
		return false
	}
	c.stopReconnectLocked()
	if err := c.machine.Fire(ctx, state.EventConnect); err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("connect rejected")
		return false
	}
	c.mu.Unlock()
	c.log.Info().Msg("connecting to device")

	h, err := p.open(ctx, c)
	if err != nil {
		c.mu.Lock()
		_ = c.machine.Fire(ctx, state.EventFail)
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("connection failed")
		return false
	}

	c.mu.Lock()
	if c.removed || p.closed.Load() {
		_ = c.machine.Fire(ctx, state.EventFail)
		c.mu.Unlock()
		_ = h.Disconnect()
		return false
	}
	stop := make(chan struct{})
	c.handle = h
	c.watchStop = stop
	c.consecutiveFailures = 0
	c.reconnectAttempts = 0
	c.backoff.Reset()
	_ = c.machine.Fire(ctx, state.EventConnected)
	fetchInfo := !c.infoFetched
	c.mu.Unlock()

	go p.watch(c, h, stop)
	c.log.Info().Msg("connected")

	sctx, cancel := p.storeContext()
	if err := p.registry.MarkDeviceConnected(sctx, c.DeviceID); err != nil {
		c.log.Warn().Err(err).Msg("marking device connected failed")
	}
	cancel()
	if fetchInfo {
		p.fetchInfo(ctx, c, h)
	}
	return true
}

func (p *Pool) open(ctx context.Context, c *Connection) (device.Handle, error) {
	access, err := device.ParseAccessURL(c.AccessURL)
	if err != nil {
		return nil, err
	}
	h, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("create handle: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	if err := h.Connect(cctx, access.Key); err != nil {
		_ = h.Disconnect()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", device.ErrConnectTimeout, p.cfg.ConnectTimeout)
		}
		return nil, err
	}
	return h, nil
}

func (p *Pool) fetchInfo(ctx context.Context, c *Connection, h device.Handle) {
	ictx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	info, err := h.DeviceInfo(ictx)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("fetching device info failed")
		return
	}
	c.mu.Lock()
	c.infoFetched = true
	c.mu.Unlock()

	update := storage.DeviceInfoUpdate{
		SerialNumber:     info.Serial,
		FirmwareVersion:  info.FirmwareVersion,
		HardwareRevision: info.HardwareRevision,
		DeviceName:       info.Name,
	}
	if update.Empty() {
		return
	}
	sctx, cancel := p.storeContext()
	defer cancel()
	if err := p.registry.UpdateDeviceInfo(sctx, c.DeviceID, update); err != nil {
		c.log.Warn().Err(err).Msg("updating device info failed")
		return
	}
	c.log.Debug().Str("firmware", info.FirmwareVersion).Msg("device info updated")
}

// watch waits for the handle to drop its session on its own.
func (p *Pool) watch(c *Connection, h device.Handle, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-h.Disconnected():
	}
	c.mu.Lock()
	if c.handle != h {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	_ = c.machine.Fire(context.Background(), state.EventDrop)
	gapStart := c.gapStartLocked(p.clock.Now())
	c.mu.Unlock()

	c.log.Warn().Msg("device dropped the session")
	_ = h.Disconnect()
	p.markDisconnected(c, gapStart)
	p.ScheduleReconnect(c)
}

// Poll reads one measurement from c. It returns false without touching the
// device unless c is connected. After MaxConsecutiveFailures failed reads the
// connection is dropped, the gap is recorded starting at the last successful
// poll, and a reconnect is scheduled.
func (p *Pool) Poll(ctx context.Context, c *Connection) (*storage.Measurement, bool) {
	c.mu.Lock()
	h := c.handle
	if h == nil || !c.machine.Is(state.Connected) {
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	data, err := h.MonitorData(pctx)
	cancel()
	now := p.clock.Now()

	c.mu.Lock()
	if c.handle != h {
		c.mu.Unlock()
		return nil, false
	}
	c.lastPollAt = &now
	if err == nil {
		at := now
		c.lastSuccessfulPollAt = &at
		c.consecutiveFailures = 0
		c.mu.Unlock()
		m := measurementFrom(c, data, now)
		c.log.Debug().Float64("soc", data.SOC).Float64("voltage", data.Voltage1).Msg("poll successful")
		return &m, true
	}

	c.consecutiveFailures++
	failures := c.consecutiveFailures
	if failures < p.cfg.MaxConsecutiveFailures {
		c.mu.Unlock()
		c.log.Warn().Err(err).Int("failures", failures).Msg("poll failed")
		return nil, false
	}
	c.detachLocked()
	_ = c.machine.Fire(ctx, state.EventDrop)
	gapStart := c.gapStartLocked(now)
	c.mu.Unlock()

	c.log.Warn().Err(err).Int("failures", failures).Msg("poll failed, dropping connection")
	_ = h.Disconnect()
	p.markDisconnected(c, gapStart)
	p.ScheduleReconnect(c)
	return nil, false
}

func (p *Pool) markDisconnected(c *Connection, gapStart time.Time) {
	sctx, cancel := p.storeContext()
	defer cancel()
	if err := p.registry.MarkDeviceDisconnected(sctx, c.DeviceID, gapStart); err != nil {
		c.log.Warn().Err(err).Msg("recording gap failed")
	}
}

// ScheduleReconnect arms a reconnect after min(base·2^attempt, max). Once
// MaxReconnectAttempts attempts were made the device stays disconnected.
func (p *Pool) ScheduleReconnect(c *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed || p.closed.Load() {
		return
	}
	if c.reconnectAttempts >= p.cfg.MaxReconnectAttempts {
		c.log.Error().Int("attempts", c.reconnectAttempts).Msg("max reconnect attempts reached")
		p.collector.IncReconnect("abandoned")
		return
	}
	delay := c.backoff.NextBackOff()
	if err := c.machine.Fire(context.Background(), state.EventReconnect); err != nil {
		c.log.Error().Err(err).Msg("reconnect rejected")
		return
	}
	c.reconnectAttempts++
	c.stopReconnectLocked()
	c.reconnectTimer = p.clock.AfterFunc(delay, func() { p.reconnect(c) })
	p.collector.IncReconnect("scheduled")
	c.log.Info().Int("attempt", c.reconnectAttempts).Dur("delay", delay).Msg("scheduling reconnect")
}

func (p *Pool) reconnect(c *Connection) {
	c.mu.Lock()
	c.reconnectTimer = nil
	c.mu.Unlock()
	if p.Connect(context.Background(), c) {
		p.collector.IncReconnect("succeeded")
		return
	}
	p.collector.IncReconnect("failed")
	p.ScheduleReconnect(c)
}

// Refresh re-reads the registry, releases connections of devices that left
// it and adds and connects new ones. Existing devices keep their cohort.
func (p *Pool) Refresh(ctx context.Context) (RefreshResult, error) {
	records, err := p.registry.ListActiveDevicesWithCredentials(ctx)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("list devices: %w", err)
	}
	active := make(map[int64]struct{}, len(records))
	for _, rec := range records {
		active[rec.DeviceID] = struct{}{}
	}

	p.mu.Lock()
	var removed []*Connection
	for id, c := range p.conns {
		if _, ok := active[id]; ok {
			continue
		}
		delete(p.conns, id)
		delete(p.cohorts[c.Cohort], id)
		if len(p.cohorts[c.Cohort]) == 0 {
			delete(p.cohorts, c.Cohort)
		}
		removed = append(removed, c)
	}
	p.mu.Unlock()

	for _, c := range removed {
		p.release(c)
		p.track(state.Disconnected, -1)
		c.log.Info().Msg("removed device from pool")
	}

	added := p.addRecords(records)
	p.persistCohorts(ctx, added)
	connected, _ := runWorkerPool(ctx, p.cfg.ConnectConcurrency, added, func(ctx context.Context, c *Connection) int {
		ok := p.Connect(ctx, c)
		c.log.Info().Bool("connected", ok).Msg("added device to pool")
		if ok {
			return 1
		}
		return 0
	})

	res := RefreshResult{Added: len(added), Removed: len(removed), Connected: connected}
	p.logger.Info().Int("added", res.Added).Int("removed", res.Removed).Msg("device list refreshed")
	return res, nil
}

// RunRefresh calls Refresh every RefreshInterval until ctx ends.
func (p *Pool) RunRefresh(ctx context.Context) {
	if p.cfg.RefreshInterval <= 0 {
		return
	}
	due := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return p.clock.AfterFunc(p.cfg.RefreshInterval, func() {
			select {
			case due <- struct{}{}:
			default:
			}
		})
	}
	timer := arm()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-due:
			if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("device refresh failed")
			}
			timer = arm()
		}
	}
}

// release disconnects c and cancels its reconnect chain for good.
func (p *Pool) release(c *Connection) {
	c.mu.Lock()
	c.removed = true
	c.stopReconnectLocked()
	h := c.detachLocked()
	from := c.machine.Current()
	c.machine.Release()
	c.mu.Unlock()
	if from != state.Disconnected {
		p.statusChanged(from, state.Disconnected)
	}
	if h != nil {
		if err := h.Disconnect(); err != nil {
			c.log.Warn().Err(err).Msg("error during disconnect")
		}
	}
}

// DisconnectAll releases every connection and empties the pool. Pending
// reconnects are cancelled and later Connect calls fail.
func (p *Pool) DisconnectAll() {
	p.closed.Store(true)
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[int64]*Connection)
	p.cohorts = make(map[int]map[int64]*Connection)
	p.mu.Unlock()

	p.logger.Info().Int("devices", len(conns)).Msg("disconnecting all devices")
	for _, c := range conns {
		p.release(c)
		p.track(state.Disconnected, -1)
	}
}

// CohortDevices returns the connections of one cohort ordered by device id.
func (p *Pool) CohortDevices(cohort int) []*Connection {
	p.mu.RLock()
	members := p.cohorts[cohort]
	out := make([]*Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Connection looks up the connection of one device.
func (p *Pool) Connection(deviceID int64) (*Connection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDeviceNotFound, deviceID)
	}
	return c, nil
}

// Connections returns every connection ordered by device id.
func (p *Pool) Connections() []*Connection {
	p.mu.RLock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Stats counts connections per status.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Stats{TotalDevices: len(p.conns), Cohorts: len(p.cohorts)}
	for _, c := range p.conns {
		switch c.Status() {
		case state.Connected:
			s.Connected++
		case state.Connecting:
			s.Connecting++
		case state.Reconnecting:
			s.Reconnecting++
		default:
			s.Disconnected++
		}
	}
	return s
}

func (p *Pool) statusChanged(from, to state.Status) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.statusCounts[from]--
	p.statusCounts[to]++
	p.collector.SetDeviceStatus(string(from), p.statusCounts[from])
	p.collector.SetDeviceStatus(string(to), p.statusCounts[to])
}

func (p *Pool) track(status state.Status, delta int) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.statusCounts[status] += delta
	p.collector.SetDeviceStatus(string(status), p.statusCounts[status])
}

func (p *Pool) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.cfg.StoreTimeout)
}
