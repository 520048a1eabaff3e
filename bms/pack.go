package bms

import (
	"math"
	"math/rand"
)

// Pack is the mutable battery pack state: an ordered slice of cells plus the
// pack-level quantities the simulation integrates. A Pack is not safe for
// concurrent use; the Simulation facade serializes all access.
//
// Each cell carries a persistent imbalance offset relative to the OCV curve.
// The offset is established at seeding and re-derived whenever a cell voltage
// is written directly or bled by balancing, so relative cell spread survives
// charge/discharge cycles until balancing removes it.
type Pack struct {
	cfg     *ThresholdConfig
	cells   []Cell
	offsets []float64 // per-cell deviation from ocvVoltage(soc)
	soc     float64   // percent, hard-clamped to [0,100]
	soh     float64   // percent, static unless explicitly modified
	current float64   // amps, positive = charging
}

// NewPack seeds a pack from the config. Cell voltages start at the nominal
// voltage plus a small per-cell offset drawn from rng (uniform in
// ±CellImbalanceRange), giving realistic imbalance that is reproducible for
// a fixed seed. Temperatures start at the nominal cell temperature.
func NewPack(cfg *ThresholdConfig, rng *rand.Rand) *Pack {
	p := &Pack{
		cfg:     cfg,
		cells:   make([]Cell, cfg.NumCells),
		offsets: make([]float64, cfg.NumCells),
		soc:     cfg.InitialSOC,
		soh:     cfg.InitialSOH,
	}
	for i := range p.cells {
		offset := (rng.Float64()*2 - 1) * cfg.CellImbalanceRange
		p.cells[i] = Cell{
			Voltage:     cfg.NominalCellVoltage + offset,
			Temperature: cfg.NominalCellTemp,
		}
		p.offsets[i] = p.cells[i].Voltage - ocvVoltage(p.soc, cfg)
	}
	return p
}

// NumCells returns the configured cell count; len(p.cells) equals this for
// the life of the pack.
func (p *Pack) NumCells() int { return len(p.cells) }

func (p *Pack) SOC() float64     { return p.soc }
func (p *Pack) SOH() float64     { return p.soh }
func (p *Pack) Current() float64 { return p.current }

// Voltage is the derived pack voltage: the sum of all cell voltages. It is
// never stored redundantly.
func (p *Pack) Voltage() float64 {
	var sum float64
	for i := range p.cells {
		sum += p.cells[i].Voltage
	}
	return sum
}

// AvgTemperature is the pack-representative temperature.
func (p *Pack) AvgTemperature() float64 {
	var sum float64
	for i := range p.cells {
		sum += p.cells[i].Temperature
	}
	return sum / float64(len(p.cells))
}

func (p *Pack) checkCellID(id int) error {
	if id < 0 || id >= len(p.cells) {
		return errCellOutOfRange(id, len(p.cells))
	}
	return nil
}

// CellVoltage returns the exact voltage last written to or computed for the
// cell.
func (p *Pack) CellVoltage(id int) (float64, error) {
	if err := p.checkCellID(id); err != nil {
		return 0, err
	}
	return p.cells[id].Voltage, nil
}

func (p *Pack) CellTemperature(id int) (float64, error) {
	if err := p.checkCellID(id); err != nil {
		return 0, err
	}
	return p.cells[id].Temperature, nil
}

// SetCellVoltage writes a cell voltage unconditionally; this is the fault
// injection path, so values outside the operating range are accepted and
// only surface as faults on the next query. SOC is deliberately untouched:
// SOC and injected cell voltages are allowed to diverge. The cell's
// imbalance offset is re-derived so the injected deviation persists across
// subsequent charge/discharge integration.
func (p *Pack) SetCellVoltage(id int, voltage float64) error {
	if err := p.checkCellID(id); err != nil {
		return err
	}
	if math.IsNaN(voltage) || math.IsInf(voltage, 0) {
		return errInvalidArgument("voltage must be a finite number")
	}
	p.cells[id].Voltage = voltage
	p.offsets[id] = voltage - ocvVoltage(p.soc, p.cfg)
	return nil
}

// SetCellTemperature writes a cell temperature unconditionally, including
// values outside the operating range.
func (p *Pack) SetCellTemperature(id int, temperature float64) error {
	if err := p.checkCellID(id); err != nil {
		return err
	}
	if math.IsNaN(temperature) || math.IsInf(temperature, 0) {
		return errInvalidArgument("temperature must be a finite number")
	}
	p.cells[id].Temperature = temperature
	return nil
}

// ApplyCurrent integrates a charge or discharge current over a duration.
// Positive current charges, negative discharges. The requested current is
// first clamped to the configured charge/discharge limits (the BMS limits
// current rather than erroring), then
//
//	deltaSOC = (current * duration / 3600) / CellCapacityAh * 100
//
// and the new SOC is hard-clamped to [0,100]: overcharging past 100% or
// discharging past 0% is absorbed silently, saturation rather than failure.
// Cell voltages follow the new SOC through the OCV curve plus each cell's
// persistent imbalance offset. Returns the new SOC.
func (p *Pack) ApplyCurrent(current, durationSeconds float64) (float64, error) {
	if math.IsNaN(current) || math.IsInf(current, 0) {
		return 0, errInvalidArgument("current must be a finite number")
	}
	if math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) {
		return 0, errInvalidArgument("duration must be a finite number")
	}
	if durationSeconds < 0 {
		return 0, errInvalidArgument("duration must be non-negative, got %.3f", durationSeconds)
	}

	if current > p.cfg.MaxChargeCurrent {
		current = p.cfg.MaxChargeCurrent
	}
	if current < -p.cfg.MaxDischargeCurrent {
		current = -p.cfg.MaxDischargeCurrent
	}

	deltaSOC := (current * durationSeconds / 3600.0) / p.cfg.CellCapacityAh * 100.0
	p.soc = clampSOC(p.soc + deltaSOC)
	p.current = current

	for i := range p.cells {
		p.cells[i].Voltage = ocvVoltage(p.soc, p.cfg) + p.offsets[i]
	}
	return p.soc, nil
}

// Balance performs one discrete passive-balancing tick. Each cell above the
// pack mean bleeds BalanceBleedFraction of its excess through its bleed
// resistor; cells at or below the mean are untouched, since bleed-resistor
// balancing can only remove charge. One call is one tick, not a convergence
// loop: the max-min spread never increases, the pack average only drops by
// the bled amount, and repeated ticks drive the spread toward zero without
// reaching it in finitely many calls.
func (p *Pack) Balance() {
	if len(p.cells) == 0 {
		return
	}
	mean := p.Voltage() / float64(len(p.cells))
	for i := range p.cells {
		excess := p.cells[i].Voltage - mean
		if excess <= 0 {
			continue
		}
		p.cells[i].Voltage -= p.cfg.BalanceBleedFraction * excess
		p.offsets[i] = p.cells[i].Voltage - ocvVoltage(p.soc, p.cfg)
	}
}

// VoltageSpread returns max-min cell voltage, the quantity balancing drives
// down.
func (p *Pack) VoltageSpread() float64 {
	if len(p.cells) == 0 {
		return 0
	}
	min, max := p.cells[0].Voltage, p.cells[0].Voltage
	for i := 1; i < len(p.cells); i++ {
		v := p.cells[i].Voltage
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return max - min
}

func clampSOC(soc float64) float64 {
	if soc < 0 {
		return 0
	}
	if soc > 100 {
		return 100
	}
	return soc
}
