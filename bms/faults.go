package bms

// Fault identifies one level-triggered fault condition. Faults are never
// latched: the active set is recomputed fresh from current cell and pack
// values on every query, so a fault disappears as soon as its condition
// resolves.
type Fault string

const (
	FaultOvervoltage      Fault = "OVERVOLTAGE"
	FaultUndervoltage     Fault = "UNDERVOLTAGE"
	FaultOvertemperature  Fault = "OVERTEMPERATURE"
	FaultUndertemperature Fault = "UNDERTEMPERATURE"
	FaultLowSOC           Fault = "LOW_SOC"
)

// faultPriority is the fixed order used both for deterministic fault lists
// and for picking the DTC when several faults are active at once.
var faultPriority = []Fault{
	FaultOvervoltage,
	FaultUndervoltage,
	FaultOvertemperature,
	FaultUndertemperature,
	FaultLowSOC,
}

func (f Fault) String() string { return string(f) }

// AllFaults returns every fault this simulator can raise, in priority order.
func AllFaults() []Fault {
	out := make([]Fault, len(faultPriority))
	copy(out, faultPriority)
	return out
}

// DTC returns the diagnostic trouble code surfaced for this fault.
func (f Fault) DTC() string { return "BMS_" + string(f) + "_ACTIVE" }

// CodeBytes returns the 3-byte powertrain DTC encoding (P0A7A..P0A7E,
// failure type 0x00) used on the wire by both the CAN fault frame and the
// UDS ReadDTCInformation service.
func (f Fault) CodeBytes() [3]byte {
	switch f {
	case FaultOvervoltage:
		return [3]byte{0x0A, 0x7A, 0x00}
	case FaultUndervoltage:
		return [3]byte{0x0A, 0x7B, 0x00}
	case FaultOvertemperature:
		return [3]byte{0x0A, 0x7C, 0x00}
	case FaultUndertemperature:
		return [3]byte{0x0A, 0x7D, 0x00}
	case FaultLowSOC:
		return [3]byte{0x0A, 0x7E, 0x00}
	}
	return [3]byte{}
}

// CheckFaults evaluates the pack against the thresholds and returns the
// active faults in priority order. Pure function, no side effects, no
// caching; the rules are independent and several faults may be active at
// once.
func CheckFaults(p *Pack, cfg *ThresholdConfig) []Fault {
	var overV, underV, overT, underT bool
	for i := range p.cells {
		if p.cells[i].Voltage > cfg.MaxCellVoltage {
			overV = true
		}
		if p.cells[i].Voltage < cfg.MinCellVoltage {
			underV = true
		}
		if p.cells[i].Temperature > cfg.MaxCellTemp {
			overT = true
		}
		if p.cells[i].Temperature < cfg.MinCellTemp {
			underT = true
		}
	}

	active := map[Fault]bool{
		FaultOvervoltage:      overV,
		FaultUndervoltage:     underV,
		FaultOvertemperature:  overT,
		FaultUndertemperature: underT,
		FaultLowSOC:           p.soc < cfg.LowSOCWarning,
	}

	var faults []Fault
	for _, f := range faultPriority {
		if active[f] {
			faults = append(faults, f)
		}
	}
	return faults
}

// DTCFor derives the trouble code for a fault list: the code of the first
// (highest-priority) active fault, or "" when the list is empty.
func DTCFor(faults []Fault) string {
	if len(faults) == 0 {
		return ""
	}
	return faults[0].DTC()
}
