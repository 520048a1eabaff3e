package bms

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Status is the composite snapshot handed to external consumers (CAN
// transmitter, UDS dispatcher, HTTP binding, tests). It reflects one
// consistent instant: all fields, including fault evaluation, are assembled
// under the same critical section.
type Status struct {
	RunID       string   `json:"run_id"`
	SOC         float64  `json:"soc"`
	SOH         float64  `json:"soh"`
	Voltage     float64  `json:"voltage"`
	Current     float64  `json:"current"`
	Temperature float64  `json:"temperature"`
	CellCount   int      `json:"cell_count"`
	Faults      []string `json:"faults"`
	DTC         string   `json:"dtc"`
	Running     bool     `json:"running"`
}

// Simulation is the thread-safe boundary around one Pack. Every mutation and
// every composite read runs under a single exclusive lock, so concurrent
// callers never observe a partially-updated pack and concurrent charge
// operations never lose an update. All protected operations are O(NumCells)
// and do no I/O under the lock.
//
// Lifecycle is permissive: the pack exists from construction, and mutating
// operations are accepted while the simulation is stopped. The running flag
// is observable state rather than a gate; test harnesses routinely charge a
// pack without an explicit prior Start.
type Simulation struct {
	mu      sync.Mutex
	cfg     *ThresholdConfig
	nextCfg *ThresholdConfig
	pack    *Pack
	rng     *rand.Rand
	runID   string
	running bool
	logger  *Logger
}

// NewSimulation builds a simulation with a seeded RNG so per-cell imbalance
// is reproducible in tests. The pack is created immediately; the simulation
// starts stopped.
func NewSimulation(cfg *ThresholdConfig, seed int64, logger *Logger) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	return &Simulation{
		cfg:    cfg,
		pack:   NewPack(cfg, rng),
		rng:    rng,
		runID:  uuid.NewString(),
		logger: logger,
	}, nil
}

// Config returns the threshold config the current pack was built with.
func (s *Simulation) Config() *ThresholdConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reconfigure stages a new threshold config. The running pack is not
// disturbed; the config takes effect when the simulation is next
// (re-)started, keeping ThresholdConfig immutable for the life of a pack.
func (s *Simulation) Reconfigure(cfg *ThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCfg = cfg
	return nil
}

// Start (re-)initializes the pack from the threshold config and marks the
// simulation running. Idempotent: starting a running simulation leaves the
// pack untouched.
func (s *Simulation) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if s.nextCfg != nil {
		s.cfg = s.nextCfg
		s.nextCfg = nil
	}
	s.pack = NewPack(s.cfg, s.rng)
	s.runID = uuid.NewString()
	s.running = true
	s.logger.Infof("Simulation started: run %s, %d cells, SOC %.1f%%",
		s.runID, s.cfg.NumCells, s.pack.SOC())
}

// Stop marks the simulation stopped. The pack state is retained (and remains
// mutable, see the lifecycle note on Simulation) until the next Start
// discards it; there is no persistence beyond that.
func (s *Simulation) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.logger.Infof("Simulation stopped: run %s", s.runID)
}

func (s *Simulation) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status assembles the atomic snapshot. Fault evaluation happens inside the
// same critical section so faults are never computed against torn state.
// The fault list is sorted lexically for stable output.
func (s *Simulation) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	faults := CheckFaults(s.pack, s.cfg)
	names := make([]string, len(faults))
	for i, f := range faults {
		names[i] = f.String()
	}
	sort.Strings(names)

	return Status{
		RunID:       s.runID,
		SOC:         s.pack.SOC(),
		SOH:         s.pack.SOH(),
		Voltage:     s.pack.Voltage(),
		Current:     s.pack.Current(),
		Temperature: s.pack.AvgTemperature(),
		CellCount:   s.pack.NumCells(),
		Faults:      names,
		DTC:         DTCFor(faults),
		Running:     s.running,
	}
}

// ApplyCurrent integrates a charge (positive) or discharge (negative)
// current over durationSeconds and returns the new SOC.
func (s *Simulation) ApplyCurrent(current, durationSeconds float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newSOC, err := s.pack.ApplyCurrent(current, durationSeconds)
	if err != nil {
		return 0, err
	}
	s.logger.Debugf("Applied %.1fA for %.1fs, SOC now %.2f%%", current, durationSeconds, newSOC)
	return newSOC, nil
}

func (s *Simulation) CellVoltage(id int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pack.CellVoltage(id)
}

func (s *Simulation) CellTemperature(id int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pack.CellTemperature(id)
}

// SetCellVoltage is the fault-injection path: the value is written
// unconditionally and any threshold violation only becomes visible as a
// fault on the next query, never as an error here.
func (s *Simulation) SetCellVoltage(id int, voltage float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pack.SetCellVoltage(id, voltage); err != nil {
		return err
	}
	s.logger.Debugf("Cell %d voltage set to %.3fV", id, voltage)
	return nil
}

func (s *Simulation) SetCellTemperature(id int, temperature float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pack.SetCellTemperature(id, temperature); err != nil {
		return err
	}
	s.logger.Debugf("Cell %d temperature set to %.1fC", id, temperature)
	return nil
}

// BalanceCells runs one discrete passive-balancing tick. Callers wanting
// convergence invoke it repeatedly.
func (s *Simulation) BalanceCells() {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.pack.VoltageSpread()
	s.pack.Balance()
	s.logger.Debugf("Balancing tick: spread %.4fV -> %.4fV", before, s.pack.VoltageSpread())
}

// ActiveFaults recomputes and returns the active fault names in priority
// order.
func (s *Simulation) ActiveFaults() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	faults := CheckFaults(s.pack, s.cfg)
	names := make([]string, len(faults))
	for i, f := range faults {
		names[i] = f.String()
	}
	return names
}

// DTC returns the trouble code of the highest-priority active fault, or ""
// when no fault is active.
func (s *Simulation) DTC() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DTCFor(CheckFaults(s.pack, s.cfg))
}

// ClearDTC acknowledges stored trouble codes towards the diagnostic layer.
// It does not suppress fault recomputation: faults are level-triggered, so a
// code whose condition still holds reappears on the very next query. This
// mirrors real UDS Clear-DTC semantics, where clearing stored codes does not
// change the underlying sensor state.
func (s *Simulation) ClearDTC() {
	s.mu.Lock()
	defer s.mu.Unlock()
	dtc := DTCFor(CheckFaults(s.pack, s.cfg))
	if dtc != "" {
		s.logger.Infof("DTC clear acknowledged while %s still active", dtc)
	} else {
		s.logger.Debugf("DTC clear acknowledged, no active fault")
	}
}
