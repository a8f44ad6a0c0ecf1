package pool

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/runtime/clock"
	"github.com/timzifer/fleetcollector/runtime/device"
	"github.com/timzifer/fleetcollector/runtime/state"
	"github.com/timzifer/fleetcollector/storage"
)

// Connection is the pool's view of one registered device. Identity fields
// are fixed at creation; everything else is guarded by mu and mutated only by
// the pool.
type Connection struct {
	DeviceID       int64
	OrganizationID int64
	SerialNumber   string
	DeviceName     string
	TruckID        *int64
	AccessURL      string
	Cohort         int

	log     zerolog.Logger
	machine *state.Machine

	mu                   sync.Mutex
	handle               device.Handle
	watchStop            chan struct{}
	lastPollAt           *time.Time
	lastSuccessfulPollAt *time.Time
	consecutiveFailures  int
	reconnectAttempts    int
	reconnectTimer       clock.Timer
	backoff              *backoff.ExponentialBackOff
	infoFetched          bool
	removed              bool
}

// ConnectionState is a point-in-time copy of a connection's mutable fields.
type ConnectionState struct {
	DeviceID             int64        `json:"deviceId"`
	SerialNumber         string       `json:"serialNumber"`
	Cohort               int          `json:"cohort"`
	Status               state.Status `json:"status"`
	LastPollAt           *time.Time   `json:"lastPollAt,omitempty"`
	LastSuccessfulPollAt *time.Time   `json:"lastSuccessfulPollAt,omitempty"`
	ConsecutiveFailures  int          `json:"consecutiveFailures"`
	ReconnectAttempts    int          `json:"reconnectAttempts"`
}

func newConnection(rec storage.DeviceRecord, cohort int, cfg Config, onStatus func(from, to state.Status), logger zerolog.Logger) *Connection {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseReconnectDelay
	b.MaxInterval = cfg.MaxReconnectDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	c := &Connection{
		DeviceID:       rec.DeviceID,
		OrganizationID: rec.OrganizationID,
		SerialNumber:   rec.SerialNumber,
		DeviceName:     rec.DeviceName,
		TruckID:        rec.TruckID,
		AccessURL:      rec.AccessURL,
		Cohort:         cohort,
		backoff:        b,
		log: logger.With().
			Int64("device_id", rec.DeviceID).
			Str("serial", rec.SerialNumber).
			Int("cohort", cohort).
			Logger(),
	}
	if rec.LastSuccessfulPollAt != nil {
		t := *rec.LastSuccessfulPollAt
		c.lastSuccessfulPollAt = &t
	}
	c.machine = state.NewMachine(onStatus)
	return c
}

// Status returns the current connection status.
func (c *Connection) Status() state.Status {
	return c.machine.Current()
}

// Ready reports whether the connection can be polled.
func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Is(state.Connected) && c.handle != nil
}

// State returns a copy of the connection's mutable fields.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState{
		DeviceID:             c.DeviceID,
		SerialNumber:         c.SerialNumber,
		Cohort:               c.Cohort,
		Status:               c.machine.Current(),
		LastPollAt:           copyTime(c.lastPollAt),
		LastSuccessfulPollAt: copyTime(c.lastSuccessfulPollAt),
		ConsecutiveFailures:  c.consecutiveFailures,
		ReconnectAttempts:    c.reconnectAttempts,
	}
}

// detachLocked clears the handle and stops its watcher. The caller must hold
// mu and disconnect the returned handle after unlocking.
func (c *Connection) detachLocked() device.Handle {
	h := c.handle
	c.handle = nil
	if c.watchStop != nil {
		close(c.watchStop)
		c.watchStop = nil
	}
	return h
}

func (c *Connection) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) gapStartLocked(now time.Time) time.Time {
	if c.lastSuccessfulPollAt != nil {
		return *c.lastSuccessfulPollAt
	}
	return now
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func measurementFrom(c *Connection, data device.MonitorData, at time.Time) storage.Measurement {
	rssi := data.RSSI
	return storage.Measurement{
		OrganizationID: c.OrganizationID,
		DeviceID:       c.DeviceID,
		TruckID:        c.TruckID,
		Reading: storage.Reading{
			Voltage1:          data.Voltage1,
			Voltage2:          data.Voltage2,
			Current:           data.Current,
			Power:             data.Power,
			Temperature:       data.Temperature,
			SOC:               data.SOC,
			Energy:            data.EnergyMeter,
			Charge:            data.CoulombMeter,
			Runtime:           data.Runtime,
			RSSI:              &rssi,
			PowerStatus:       data.PowerStatus,
			PowerStatusString: data.PowerStatusString,
		},
		Source:     storage.SourcePoll,
		RecordedAt: at,
	}
}
