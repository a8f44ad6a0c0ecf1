package device

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by handle operations issued without an active session.
	ErrNotConnected = errors.New("device not connected")
	// ErrConnectTimeout is returned when a connect attempt does not complete in time.
	ErrConnectTimeout = errors.New("device connect timed out")
)

// Handle is the per-device communication channel exposed by a driver.
//
// Every blocking call takes a context and returns once the device has answered
// or the context ends. Handles are owned by exactly one caller at a time;
// implementations only need to be safe for a single session in flight plus
// concurrent calls to Disconnect.
type Handle interface {
	// Connect opens a session. It returns nil once the device reports
	// connect-success and an error on connect-failure or context expiry.
	Connect(ctx context.Context, key AccessKey) error
	// Disconnect releases the session. Calling it on a closed handle is a no-op.
	Disconnect() error
	// Disconnected is closed when an established session drops without a
	// Disconnect call.
	Disconnected() <-chan struct{}

	MonitorData(ctx context.Context) (MonitorData, error)
	DeviceInfo(ctx context.Context) (Info, error)

	LogFiles(ctx context.Context) ([]LogFile, error)
	ReadLogFile(ctx context.Context, id uint32, offset, size uint32) ([]byte, error)
	DecodeLog(data []byte) ([]LogSample, error)
}

// Factory creates a fresh, unconnected handle.
type Factory func() (Handle, error)

// MonitorData is one live reading from the device.
type MonitorData struct {
	Time                time.Time
	Voltage1            float64
	Voltage2            float64
	Current             float64
	Power               float64
	Temperature         float64
	CoulombMeter        float64
	EnergyMeter         float64
	PowerStatus         int
	PowerStatusString   string
	SOC                 float64
	Runtime             int
	RSSI                int
	TemperatureExternal bool
}

// Info carries the identity fields reported by the device.
type Info struct {
	Name             string
	FirmwareVersion  string
	HardwareRevision int
	HardwareString   string
	Serial           string
}

// LogFile describes one on-device history file. The identifier is the unix
// time of the file's first sample, so identifiers grow monotonically.
type LogFile struct {
	ID   uint32
	Size uint32
}

// LogSample is a single decoded history record.
type LogSample struct {
	Time        time.Time
	Voltage1    float64
	Voltage2    float64
	Current     float64
	Power       float64
	Temperature float64
	SOC         float64
	PowerStatus int
}
