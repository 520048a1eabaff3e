// Package can provides the virtual CAN bus the simulated BMS publishes on:
// a fixed-point frame codec, an in-process bus with callback dispatch and
// trace recording, and the periodic transmitter.
package can

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Standard message IDs on the simulated bus.
const (
	BMSStatusID   uint32 = 0x100
	BMSCellDataID uint32 = 0x101
	BMSFaultID    uint32 = 0x102

	// WildcardID matches every frame when registering callbacks.
	WildcardID uint32 = 0xFFFFFFFF
)

// Fault bits carried in the status frame.
const (
	FaultBitOvervoltage      = 0x01
	FaultBitUndervoltage     = 0x02
	FaultBitOvertemperature  = 0x04
	FaultBitUndertemperature = 0x08
	FaultBitLowSOC           = 0x10
)

// Frame is one CAN message. Data is at most 8 bytes; DLC mirrors its length.
type Frame struct {
	ID        uint32
	Data      []byte
	DLC       int
	Timestamp time.Time
	Extended  bool
}

// NewFrame builds a frame, rejecting payloads a classic CAN frame cannot
// carry.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > 8 {
		return Frame{}, fmt.Errorf("data too long for CAN frame: %d bytes", len(data))
	}
	return Frame{
		ID:        id,
		Data:      data,
		DLC:       len(data),
		Timestamp: time.Now(),
	}, nil
}

// BMSStatus is the decoded form of the 0x100 frame.
type BMSStatus struct {
	SOC         float64 // percent, 0.5% resolution
	SOH         float64 // percent
	Voltage     float64 // volts, 0.1 V resolution
	Current     float64 // amps, signed, 0.1 A resolution
	Temperature float64 // Celsius, -40..215
	FaultBits   uint8
}

// EncodeBMSStatus packs the status into the 8-byte fixed-point layout:
//
//	[0] SOC in 0.5% steps   [1] SOH %
//	[2:4] voltage in 0.1 V, little-endian uint16
//	[4:6] current in 0.1 A, little-endian int16
//	[6] temperature +40 offset   [7] fault bitmask
func EncodeBMSStatus(s BMSStatus) []byte {
	data := make([]byte, 8)
	data[0] = uint8(clamp(s.SOC*2, 0, 200))
	data[1] = uint8(clamp(s.SOH, 0, 100))
	binary.LittleEndian.PutUint16(data[2:4], uint16(clamp(s.Voltage*10, 0, 65535)))
	binary.LittleEndian.PutUint16(data[4:6], uint16(int16(clamp(s.Current*10, -32768, 32767))))
	data[6] = uint8(clamp(s.Temperature+40, 0, 255))
	data[7] = s.FaultBits
	return data
}

// DecodeBMSStatus is the inverse of EncodeBMSStatus.
func DecodeBMSStatus(data []byte) (BMSStatus, error) {
	if len(data) < 8 {
		return BMSStatus{}, fmt.Errorf("status frame too short: %d bytes", len(data))
	}
	return BMSStatus{
		SOC:         float64(data[0]) / 2.0,
		SOH:         float64(data[1]),
		Voltage:     float64(binary.LittleEndian.Uint16(data[2:4])) / 10.0,
		Current:     float64(int16(binary.LittleEndian.Uint16(data[4:6]))) / 10.0,
		Temperature: float64(data[6]) - 40,
		FaultBits:   data[7],
	}, nil
}

// CellsPerGroup is how many cell voltages fit one 0x101 frame.
const CellsPerGroup = 3

// CellGroup is the decoded form of the multiplexed 0x101 frame: one group of
// up to three consecutive cell voltages.
type CellGroup struct {
	Group    int // group index; first cell is Group*CellsPerGroup
	Voltages []float64
}

// EncodeCellGroup packs up to three cell voltages in millivolts:
//
//	[0] group index   [1] cell count
//	[2:4] [4:6] [6:8] voltages in mV, little-endian uint16
func EncodeCellGroup(g CellGroup) ([]byte, error) {
	if len(g.Voltages) == 0 || len(g.Voltages) > CellsPerGroup {
		return nil, fmt.Errorf("cell group must carry 1-%d voltages, got %d", CellsPerGroup, len(g.Voltages))
	}
	if g.Group < 0 || g.Group > 255 {
		return nil, fmt.Errorf("group index %d does not fit the mux byte", g.Group)
	}
	data := make([]byte, 8)
	data[0] = uint8(g.Group)
	data[1] = uint8(len(g.Voltages))
	for i, v := range g.Voltages {
		binary.LittleEndian.PutUint16(data[2+2*i:], uint16(clamp(v*1000, 0, 65535)))
	}
	return data, nil
}

// DecodeCellGroup is the inverse of EncodeCellGroup.
func DecodeCellGroup(data []byte) (CellGroup, error) {
	if len(data) < 8 {
		return CellGroup{}, fmt.Errorf("cell frame too short: %d bytes", len(data))
	}
	count := int(data[1])
	if count == 0 || count > CellsPerGroup {
		return CellGroup{}, fmt.Errorf("invalid cell count %d", count)
	}
	g := CellGroup{Group: int(data[0])}
	for i := 0; i < count; i++ {
		mv := binary.LittleEndian.Uint16(data[2+2*i:])
		g.Voltages = append(g.Voltages, float64(mv)/1000.0)
	}
	return g, nil
}

// EncodeFaultFrame packs the active fault summary for the 0x102 frame:
//
//	[0] active fault count   [1] fault bitmask   [2:5] 3-byte DTC encoding
func EncodeFaultFrame(count int, bits uint8, dtc [3]byte) []byte {
	data := make([]byte, 8)
	data[0] = uint8(count)
	data[1] = bits
	copy(data[2:5], dtc[:])
	return data
}

// FaultBitsFor maps fault names to the status bitmask.
func FaultBitsFor(faults []string) uint8 {
	var bits uint8
	for _, f := range faults {
		switch f {
		case "OVERVOLTAGE":
			bits |= FaultBitOvervoltage
		case "UNDERVOLTAGE":
			bits |= FaultBitUndervoltage
		case "OVERTEMPERATURE":
			bits |= FaultBitOvertemperature
		case "UNDERTEMPERATURE":
			bits |= FaultBitUndertemperature
		case "LOW_SOC":
			bits |= FaultBitLowSOC
		}
	}
	return bits
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
