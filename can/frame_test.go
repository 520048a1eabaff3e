package can

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFrameRejectsOversizedPayload(t *testing.T) {
	_, err := NewFrame(BMSStatusID, make([]byte, 9))
	assert.Error(t, err)

	f, err := NewFrame(BMSStatusID, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 8, f.DLC)
	assert.False(t, f.Timestamp.IsZero())
}

func TestBMSStatusRoundTrip(t *testing.T) {
	in := BMSStatus{
		SOC:         55.5,
		SOH:         97,
		Voltage:     355.2,
		Current:     -42.7,
		Temperature: 31,
		FaultBits:   FaultBitOvervoltage | FaultBitLowSOC,
	}

	out, err := DecodeBMSStatus(EncodeBMSStatus(in))
	require.NoError(t, err)

	assert.Equal(t, 55.5, out.SOC)
	assert.Equal(t, 97.0, out.SOH)
	assert.InDelta(t, 355.2, out.Voltage, 0.05)
	assert.InDelta(t, -42.7, out.Current, 0.05)
	assert.Equal(t, 31.0, out.Temperature)
	assert.Equal(t, in.FaultBits, out.FaultBits)
}

func TestBMSStatusEncodingSaturates(t *testing.T) {
	out, err := DecodeBMSStatus(EncodeBMSStatus(BMSStatus{
		SOC:         140,
		SOH:         120,
		Voltage:     99999,
		Current:     -99999,
		Temperature: -80,
	}))
	require.NoError(t, err)

	assert.Equal(t, 100.0, out.SOC)
	assert.Equal(t, 100.0, out.SOH)
	assert.InDelta(t, 6553.5, out.Voltage, 0.05)
	assert.InDelta(t, -3276.8, out.Current, 0.05)
	assert.Equal(t, -40.0, out.Temperature)
}

func TestDecodeBMSStatusShortFrame(t *testing.T) {
	_, err := DecodeBMSStatus([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCellGroupRoundTrip(t *testing.T) {
	in := CellGroup{Group: 7, Voltages: []float64{3.701, 4.2, 2.85}}

	data, err := EncodeCellGroup(in)
	require.NoError(t, err)
	out, err := DecodeCellGroup(data)
	require.NoError(t, err)

	assert.Equal(t, 7, out.Group)
	require.Len(t, out.Voltages, 3)
	for i := range in.Voltages {
		assert.InDelta(t, in.Voltages[i], out.Voltages[i], 0.0005, "cell %d", i)
	}
}

func TestCellGroupPartialGroup(t *testing.T) {
	// The last group of a 96-cell pack may carry fewer than three cells.
	data, err := EncodeCellGroup(CellGroup{Group: 31, Voltages: []float64{3.65}})
	require.NoError(t, err)

	out, err := DecodeCellGroup(data)
	require.NoError(t, err)
	assert.Equal(t, 31, out.Group)
	require.Len(t, out.Voltages, 1)
	assert.InDelta(t, 3.65, out.Voltages[0], 0.0005)
}

func TestCellGroupEncodingErrors(t *testing.T) {
	_, err := EncodeCellGroup(CellGroup{Group: 0})
	assert.Error(t, err)
	_, err = EncodeCellGroup(CellGroup{Group: 0, Voltages: []float64{1, 2, 3, 4}})
	assert.Error(t, err)
	_, err = EncodeCellGroup(CellGroup{Group: 256, Voltages: []float64{3.7}})
	assert.Error(t, err)
}

func TestFaultBitsFor(t *testing.T) {
	assert.Equal(t, uint8(0), FaultBitsFor(nil))
	assert.Equal(t,
		uint8(FaultBitOvervoltage|FaultBitUndertemperature|FaultBitLowSOC),
		FaultBitsFor([]string{"OVERVOLTAGE", "UNDERTEMPERATURE", "LOW_SOC"}))
	// Unknown names are ignored rather than guessed at.
	assert.Equal(t, uint8(0), FaultBitsFor([]string{"SOMETHING_ELSE"}))
}

func TestEncodeFaultFrame(t *testing.T) {
	data := EncodeFaultFrame(2, FaultBitOvervoltage|FaultBitUndervoltage, [3]byte{0x0A, 0x7A, 0x00})
	require.Len(t, data, 8)
	assert.Equal(t, uint8(2), data[0])
	assert.Equal(t, uint8(FaultBitOvervoltage|FaultBitUndervoltage), data[1])
	assert.Equal(t, []byte{0x0A, 0x7A, 0x00}, data[2:5])
}
