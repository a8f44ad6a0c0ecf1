// Package storage defines the persistence boundary of the collector and the
// value types that cross it.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by device id matches no row.
var ErrNotFound = errors.New("storage: not found")

// BackfillStatus mirrors device_sync_status.backfill_status.
type BackfillStatus string

const (
	BackfillNone       BackfillStatus = "none"
	BackfillPending    BackfillStatus = "pending"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillCompleted  BackfillStatus = "completed"
	BackfillFailed     BackfillStatus = "failed"
)

// Source tags where a measurement came from.
type Source string

const (
	SourcePoll     Source = "poll"
	SourceBackfill Source = "backfill"
)

// Reading holds the electrical values shared by measurements and snapshots.
type Reading struct {
	Voltage1          float64
	Voltage2          float64
	Current           float64
	Power             float64
	Temperature       float64
	SOC               float64
	Energy            float64
	Charge            float64
	Runtime           int
	RSSI              *int
	PowerStatus       int
	PowerStatusString string
}

// Measurement is one immutable row of the time series.
type Measurement struct {
	OrganizationID int64
	DeviceID       int64
	TruckID        *int64
	Reading
	Source     Source
	RecordedAt time.Time
}

// Snapshot is the latest known reading of a device.
type Snapshot struct {
	OrganizationID int64
	DeviceID       int64
	TruckID        *int64
	Reading
	RecordedAt time.Time
}

// SnapshotFromMeasurement copies the reading of m into a snapshot.
func SnapshotFromMeasurement(m Measurement) Snapshot {
	return Snapshot{
		OrganizationID: m.OrganizationID,
		DeviceID:       m.DeviceID,
		TruckID:        m.TruckID,
		Reading:        m.Reading,
		RecordedAt:     m.RecordedAt,
	}
}

// DeviceRecord is an active device joined with its active credential and
// sync status.
type DeviceRecord struct {
	DeviceID             int64
	OrganizationID       int64
	SerialNumber         string
	DeviceName           string
	TruckID              *int64
	Status               string
	AccessURL            string
	ConnectionKey        string
	AccessKey            string
	CohortID             *int
	LastSuccessfulPollAt *time.Time
	ConnectionStatus     string
	BackfillStatus       BackfillStatus
	GapStartAt           *time.Time
}

// DeviceInfoUpdate carries identity fields reported by a device. Zero values
// leave the stored column untouched.
type DeviceInfoUpdate struct {
	SerialNumber     string
	FirmwareVersion  string
	HardwareRevision int
	DeviceName       string
}

// Empty reports whether the update would change nothing.
func (u DeviceInfoUpdate) Empty() bool {
	return u.SerialNumber == "" && u.FirmwareVersion == "" && u.HardwareRevision == 0 && u.DeviceName == ""
}

// GapRecord describes a device whose history needs to be backfilled.
type GapRecord struct {
	DeviceID       int64
	OrganizationID int64
	SerialNumber   string
	AccessURL      string
	GapStartAt     *time.Time
	GapEndAt       *time.Time
	LastLogFileID  int64
	LastLogOffset  int64
}

// BackfillProgress is written at the start and end of a backfill session.
type BackfillProgress struct {
	LastLogFileID int64
	LastLogOffset int64
	SamplesSynced int64
	Status        BackfillStatus
}

// SyncStatus is the per-device row of device_sync_status.
type SyncStatus struct {
	DeviceID                int64
	OrganizationID          int64
	CohortID                int
	ConnectionStatus        string
	LastConnectedAt         *time.Time
	LastDisconnectedAt      *time.Time
	LastPollAt              *time.Time
	LastSuccessfulPollAt    *time.Time
	ConsecutivePollFailures int
	GapStartAt              *time.Time
	GapEndAt                *time.Time
	LastLogFileID           int64
	LastLogOffset           int64
	LastLogSyncAt           *time.Time
	BackfillStatus          BackfillStatus
	TotalSamplesSynced      int64
	ErrorMessage            string
}

// Store is the persistence boundary consumed by the pool, writer and
// backfill service. Implementations must be safe for concurrent use.
type Store interface {
	ListActiveDevicesWithCredentials(ctx context.Context) ([]DeviceRecord, error)
	UpsertDeviceSyncStatus(ctx context.Context, deviceID, orgID int64, cohort int) error
	MarkDeviceConnected(ctx context.Context, deviceID int64) error
	// MarkDeviceDisconnected opens a gap starting at gapStart unless one is
	// already open. Only opening a new gap moves backfill status to pending.
	MarkDeviceDisconnected(ctx context.Context, deviceID int64, gapStart time.Time) error
	UpdateDeviceInfo(ctx context.Context, deviceID int64, info DeviceInfoUpdate) error
	// BulkInsertMeasurements inserts all rows, silently skipping rows that
	// collide on (device_id, recorded_at, source). It returns the number of
	// rows actually inserted.
	BulkInsertMeasurements(ctx context.Context, rows []Measurement) (int64, error)
	UpsertDeviceSnapshot(ctx context.Context, snap Snapshot) error
	GetDevicesNeedingBackfill(ctx context.Context, limit int) ([]GapRecord, error)
	GetBackfillCandidate(ctx context.Context, deviceID int64) (GapRecord, error)
	MarkBackfillPending(ctx context.Context, deviceID int64) error
	UpdateBackfillProgress(ctx context.Context, deviceID int64, progress BackfillProgress) error
	MarkBackfillFailed(ctx context.Context, deviceID int64, message string) error
	GetSyncStatus(ctx context.Context, deviceID int64) (SyncStatus, error)
	Ping(ctx context.Context) error
	Close() error
}
