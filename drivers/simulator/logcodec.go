package simulator

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/timzifer/fleetcollector/runtime/device"
)

// RecordSize is the encoded size of one history sample.
//
//	0  uint32  unix seconds
//	4  uint16  voltage1 in mV
//	6  uint16  voltage2 in mV
//	8  int32   current in mA
//	12 int16   temperature in 0.1 °C
//	14 uint8   state of charge in %
//	15 uint8   power status
const RecordSize = 16

// EncodeSamples serialises samples in the simulator's history format.
// Power is not stored.
func EncodeSamples(samples []device.LogSample) []byte {
	buf := make([]byte, 0, len(samples)*RecordSize)
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Time.Unix()))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(math.Round(s.Voltage1*1000)))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(math.Round(s.Voltage2*1000)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(math.Round(s.Current*1000))))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(math.Round(s.Temperature*10))))
		buf = append(buf, uint8(clamp(math.Round(s.SOC), 0, 100)), uint8(s.PowerStatus))
	}
	return buf
}

// DecodeSamples parses data written by EncodeSamples.
func DecodeSamples(data []byte) ([]device.LogSample, error) {
	if len(data)%RecordSize != 0 {
		return nil, fmt.Errorf("history data length %d is not a multiple of %d", len(data), RecordSize)
	}
	out := make([]device.LogSample, 0, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		rec := data[off : off+RecordSize]
		out = append(out, device.LogSample{
			Time:        time.Unix(int64(binary.LittleEndian.Uint32(rec[0:])), 0).UTC(),
			Voltage1:    float64(binary.LittleEndian.Uint16(rec[4:])) / 1000,
			Voltage2:    float64(binary.LittleEndian.Uint16(rec[6:])) / 1000,
			Current:     float64(int32(binary.LittleEndian.Uint32(rec[8:]))) / 1000,
			Temperature: float64(int16(binary.LittleEndian.Uint16(rec[12:]))) / 10,
			SOC:         float64(rec[14]),
			PowerStatus: int(rec[15]),
		})
	}
	return out, nil
}
