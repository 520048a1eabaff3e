package bms

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ThresholdConfig holds the operating limits and simulation parameters for
// one battery pack. It is created once at pack construction and never
// mutated afterwards; live config-file edits produce a new ThresholdConfig
// that takes effect on the next simulation start.
type ThresholdConfig struct {
	NumCells             int     `yaml:"num_cells"`
	NominalCellVoltage   float64 `yaml:"nominal_cell_voltage"`
	MaxCellVoltage       float64 `yaml:"max_cell_voltage"`
	MinCellVoltage       float64 `yaml:"min_cell_voltage"`
	NominalCellTemp      float64 `yaml:"nominal_cell_temp"`
	MaxCellTemp          float64 `yaml:"max_cell_temp"`
	MinCellTemp          float64 `yaml:"min_cell_temp"`
	MaxOperatingTemp     float64 `yaml:"max_operating_temp"`
	MinOperatingTemp     float64 `yaml:"min_operating_temp"`
	LowSOCWarning        float64 `yaml:"low_soc_warning"`
	CellCapacityAh       float64 `yaml:"cell_capacity_ah"`
	MaxChargeCurrent     float64 `yaml:"max_charge_current"`
	MaxDischargeCurrent  float64 `yaml:"max_discharge_current"`
	BalanceBleedFraction float64 `yaml:"balance_bleed_fraction"`
	CellImbalanceRange   float64 `yaml:"cell_imbalance_range"`
	InitialSOC           float64 `yaml:"initial_soc"`
	InitialSOH           float64 `yaml:"initial_soh"`
}

// DefaultThresholdConfig returns the stock 96s NMC pack configuration.
func DefaultThresholdConfig() *ThresholdConfig {
	return &ThresholdConfig{
		NumCells:             96,
		NominalCellVoltage:   3.7,
		MaxCellVoltage:       4.2,
		MinCellVoltage:       2.8,
		NominalCellTemp:      25.0,
		MaxCellTemp:          60.0,
		MinCellTemp:          -20.0,
		MaxOperatingTemp:     45.0,
		MinOperatingTemp:     0.0,
		LowSOCWarning:        10.0,
		CellCapacityAh:       3.2,
		MaxChargeCurrent:     50.0,
		MaxDischargeCurrent:  150.0,
		BalanceBleedFraction: 0.2,
		CellImbalanceRange:   0.025,
		InitialSOC:           100.0,
		InitialSOH:           100.0,
	}
}

// LoadThresholdConfig reads a YAML config file over the defaults. Fields
// absent from the file keep their default values.
func LoadThresholdConfig(path string) (*ThresholdConfig, error) {
	cfg := DefaultThresholdConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the simulation cannot run with.
func (c *ThresholdConfig) Validate() error {
	if c.NumCells < 1 {
		return errInvalidArgument("num_cells must be >= 1, got %d", c.NumCells)
	}
	if c.MinCellVoltage >= c.MaxCellVoltage {
		return errInvalidArgument("min_cell_voltage %.3f must be below max_cell_voltage %.3f",
			c.MinCellVoltage, c.MaxCellVoltage)
	}
	if c.MinCellTemp >= c.MaxCellTemp {
		return errInvalidArgument("min_cell_temp %.1f must be below max_cell_temp %.1f",
			c.MinCellTemp, c.MaxCellTemp)
	}
	if c.CellCapacityAh <= 0 {
		return errInvalidArgument("cell_capacity_ah must be positive, got %.3f", c.CellCapacityAh)
	}
	if c.BalanceBleedFraction <= 0 || c.BalanceBleedFraction >= 1 {
		return errInvalidArgument("balance_bleed_fraction must be in (0,1), got %.3f",
			c.BalanceBleedFraction)
	}
	if c.MaxChargeCurrent <= 0 || c.MaxDischargeCurrent <= 0 {
		return errInvalidArgument("current limits must be positive")
	}
	if c.InitialSOC < 0 || c.InitialSOC > 100 {
		return errInvalidArgument("initial_soc must be in [0,100], got %.1f", c.InitialSOC)
	}
	if c.InitialSOH < 0 || c.InitialSOH > 100 {
		return errInvalidArgument("initial_soh must be in [0,100], got %.1f", c.InitialSOH)
	}
	return nil
}
