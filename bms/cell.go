package bms

// Cell is one series element of the pack. It is a passive value: no bounds
// are enforced here so that out-of-range voltages and temperatures remain
// representable for fault injection. Thresholds are evaluated externally by
// CheckFaults.
type Cell struct {
	Voltage     float64 // volts
	Temperature float64 // degrees Celsius
}

// ocvVoltage maps a state of charge to the open-circuit voltage of a single
// cell: piecewise linear between (0%, MinCellVoltage) and
// (100%, MaxCellVoltage). Monotonic by construction.
func ocvVoltage(soc float64, cfg *ThresholdConfig) float64 {
	return cfg.MinCellVoltage + (cfg.MaxCellVoltage-cfg.MinCellVoltage)*soc/100.0
}
