package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotFromMeasurement(t *testing.T) {
	truck := int64(9)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := Measurement{
		OrganizationID: 1,
		DeviceID:       2,
		TruckID:        &truck,
		Reading:        Reading{Voltage1: 12.7, Voltage2: 13.9, Current: -4.2},
		Source:         SourcePoll,
		RecordedAt:     at,
	}
	snap := SnapshotFromMeasurement(m)
	require.Equal(t, int64(2), snap.DeviceID)
	require.Equal(t, &truck, snap.TruckID)
	require.Equal(t, m.Reading, snap.Reading)
	require.Equal(t, at, snap.RecordedAt)
}

func TestDeviceInfoUpdateEmpty(t *testing.T) {
	require.True(t, DeviceInfoUpdate{}.Empty())
	require.False(t, DeviceInfoUpdate{FirmwareVersion: "1.2"}.Empty())
}
