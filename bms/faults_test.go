package bms

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func faultNames(faults []Fault) []string {
	names := make([]string, len(faults))
	for i, f := range faults {
		names[i] = f.String()
	}
	return names
}

func TestCheckFaultsCleanPack(t *testing.T) {
	p := testPack(t, nil)
	assert.Empty(t, CheckFaults(p, p.cfg))
	assert.Equal(t, "", DTCFor(CheckFaults(p, p.cfg)))
}

func TestCheckFaultsLevelTriggered(t *testing.T) {
	p := testPack(t, nil)

	// Injecting 5.0 V with a 4.2 V limit raises OVERVOLTAGE immediately.
	require.NoError(t, p.SetCellVoltage(0, 5.0))
	assert.Contains(t, faultNames(CheckFaults(p, p.cfg)), "OVERVOLTAGE")

	// Faults are recomputed fresh: restoring the voltage clears it, nothing
	// sticks.
	require.NoError(t, p.SetCellVoltage(0, 3.7))
	assert.NotContains(t, faultNames(CheckFaults(p, p.cfg)), "OVERVOLTAGE")
}

func TestCheckFaultsRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Pack)
		want   Fault
	}{
		{"overvoltage", func(p *Pack) { _ = p.SetCellVoltage(3, 4.35) }, FaultOvervoltage},
		{"undervoltage", func(p *Pack) { _ = p.SetCellVoltage(3, 2.5) }, FaultUndervoltage},
		{"overtemperature", func(p *Pack) { _ = p.SetCellTemperature(3, 75) }, FaultOvertemperature},
		{"undertemperature", func(p *Pack) { _ = p.SetCellTemperature(3, -30) }, FaultUndertemperature},
		{"low soc", func(p *Pack) { _, _ = p.ApplyCurrent(-3.04, 3600) }, FaultLowSOC}, // -95 points -> SOC 5%
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPack(t, nil)
			tt.mutate(p)
			faults := CheckFaults(p, p.cfg)
			require.Len(t, faults, 1)
			assert.Equal(t, tt.want, faults[0])
			assert.Equal(t, "BMS_"+string(tt.want)+"_ACTIVE", DTCFor(faults))
		})
	}
}

func TestCheckFaultsBoundaryIsExclusive(t *testing.T) {
	p := testPack(t, nil)

	// Exactly at the limit is still healthy; the comparison is strict.
	require.NoError(t, p.SetCellVoltage(0, p.cfg.MaxCellVoltage))
	require.NoError(t, p.SetCellTemperature(0, p.cfg.MaxCellTemp))
	assert.Empty(t, CheckFaults(p, p.cfg))
}

func TestCheckFaultsMultipleSimultaneous(t *testing.T) {
	p := testPack(t, nil)

	require.NoError(t, p.SetCellVoltage(0, 5.0))
	require.NoError(t, p.SetCellVoltage(1, 2.0))
	require.NoError(t, p.SetCellTemperature(2, 80))

	faults := CheckFaults(p, p.cfg)
	assert.Equal(t, []Fault{FaultOvervoltage, FaultUndervoltage, FaultOvertemperature}, faults)
}

func TestDTCPriorityOrder(t *testing.T) {
	// OVERVOLTAGE > UNDERVOLTAGE > OVERTEMPERATURE > UNDERTEMPERATURE >
	// LOW_SOC: the DTC always reflects the first active fault in that order.
	cfg := DefaultThresholdConfig()
	cfg.InitialSOC = 5 // below the warning threshold
	p := NewPack(cfg, rand.New(rand.NewSource(42)))

	assert.Equal(t, "BMS_LOW_SOC_ACTIVE", DTCFor(CheckFaults(p, cfg)))

	require.NoError(t, p.SetCellTemperature(0, 80))
	assert.Equal(t, "BMS_OVERTEMPERATURE_ACTIVE", DTCFor(CheckFaults(p, cfg)))

	require.NoError(t, p.SetCellVoltage(0, 5.0))
	assert.Equal(t, "BMS_OVERVOLTAGE_ACTIVE", DTCFor(CheckFaults(p, cfg)))
}
