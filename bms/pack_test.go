package bms

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPack(t *testing.T, mutate func(cfg *ThresholdConfig)) *Pack {
	t.Helper()
	cfg := DefaultThresholdConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return NewPack(cfg, rand.New(rand.NewSource(42)))
}

func TestNewPackSeeding(t *testing.T) {
	p := testPack(t, nil)

	assert.Equal(t, 96, p.NumCells())
	assert.Equal(t, 100.0, p.SOC())
	assert.Equal(t, 100.0, p.SOH())

	for i := 0; i < p.NumCells(); i++ {
		v, err := p.CellVoltage(i)
		require.NoError(t, err)
		assert.InDelta(t, 3.7, v, 0.025, "cell %d outside imbalance range", i)

		temp, err := p.CellTemperature(i)
		require.NoError(t, err)
		assert.Equal(t, 25.0, temp)
	}

	// Pack voltage is derived, never stored.
	var sum float64
	for i := 0; i < p.NumCells(); i++ {
		v, _ := p.CellVoltage(i)
		sum += v
	}
	assert.InDelta(t, sum, p.Voltage(), 1e-9)
}

func TestNewPackReproducibleSeed(t *testing.T) {
	cfg := DefaultThresholdConfig()
	a := NewPack(cfg, rand.New(rand.NewSource(7)))
	b := NewPack(cfg, rand.New(rand.NewSource(7)))

	for i := 0; i < cfg.NumCells; i++ {
		va, _ := a.CellVoltage(i)
		vb, _ := b.CellVoltage(i)
		assert.Equal(t, va, vb, "cell %d differs for identical seed", i)
	}
}

func TestCellWriteThenReadIdentity(t *testing.T) {
	p := testPack(t, nil)

	require.NoError(t, p.SetCellVoltage(5, 3.123))
	v, err := p.CellVoltage(5)
	require.NoError(t, err)
	assert.Equal(t, 3.123, v)

	require.NoError(t, p.SetCellTemperature(5, -7.5))
	temp, err := p.CellTemperature(5)
	require.NoError(t, err)
	assert.Equal(t, -7.5, temp)
}

func TestCellIDOutOfRange(t *testing.T) {
	p := testPack(t, nil)

	for _, id := range []int{-1, 96, 1000} {
		_, err := p.CellVoltage(id)
		assert.ErrorIs(t, err, ErrCellOutOfRange, "voltage read, id %d", id)
		_, err = p.CellTemperature(id)
		assert.ErrorIs(t, err, ErrCellOutOfRange, "temperature read, id %d", id)
		assert.ErrorIs(t, p.SetCellVoltage(id, 3.7), ErrCellOutOfRange, "voltage write, id %d", id)
		assert.ErrorIs(t, p.SetCellTemperature(id, 25), ErrCellOutOfRange, "temperature write, id %d", id)
	}
}

func TestSetCellVoltageAcceptsOutOfRangeValues(t *testing.T) {
	// Fault injection path: no validation against thresholds, and no SOC
	// side effect. SOC and cell voltage may diverge under injection.
	p := testPack(t, nil)
	socBefore := p.SOC()

	require.NoError(t, p.SetCellVoltage(0, 5.0))
	v, _ := p.CellVoltage(0)
	assert.Equal(t, 5.0, v)
	assert.Equal(t, socBefore, p.SOC())

	require.NoError(t, p.SetCellVoltage(0, -1.0))
	v, _ = p.CellVoltage(0)
	assert.Equal(t, -1.0, v)
	assert.Equal(t, socBefore, p.SOC())
}

func TestSetCellRejectsNonFinite(t *testing.T) {
	p := testPack(t, nil)

	assert.ErrorIs(t, p.SetCellVoltage(0, math.NaN()), ErrInvalidArgument)
	assert.ErrorIs(t, p.SetCellVoltage(0, math.Inf(1)), ErrInvalidArgument)
	assert.ErrorIs(t, p.SetCellTemperature(0, math.NaN()), ErrInvalidArgument)
}

func TestApplyCurrentReferenceScenario(t *testing.T) {
	// 96 cells, 3.2 Ah, from 50%: 10 A for 60 s adds
	// (10*60/3600)/3.2*100 = 5.21 percentage points.
	p := testPack(t, func(cfg *ThresholdConfig) { cfg.InitialSOC = 50 })

	newSOC, err := p.ApplyCurrent(10, 60)
	require.NoError(t, err)
	assert.InDelta(t, 55.2, newSOC, 0.1)
	assert.Equal(t, 10.0, p.Current())
}

func TestApplyCurrentMonotonicity(t *testing.T) {
	p := testPack(t, func(cfg *ThresholdConfig) { cfg.InitialSOC = 50 })

	prev := p.SOC()
	for i := 0; i < 10; i++ {
		soc, err := p.ApplyCurrent(5, 30)
		require.NoError(t, err)
		assert.Greater(t, soc, prev, "charging must strictly increase SOC before the clamp")
		prev = soc
	}
	for i := 0; i < 10; i++ {
		soc, err := p.ApplyCurrent(-5, 30)
		require.NoError(t, err)
		assert.Less(t, soc, prev, "discharging must strictly decrease SOC before the clamp")
		prev = soc
	}
}

func TestApplyCurrentClampsSOC(t *testing.T) {
	p := testPack(t, func(cfg *ThresholdConfig) { cfg.InitialSOC = 50 })

	// Engineered overflow in both directions: clamped, never an error.
	soc, err := p.ApplyCurrent(50, 3600*24)
	require.NoError(t, err)
	assert.Equal(t, 100.0, soc)

	soc, err = p.ApplyCurrent(-150, 3600*24)
	require.NoError(t, err)
	assert.Equal(t, 0.0, soc)

	// And the invariant holds after every call of a mixed sequence.
	for i := 0; i < 50; i++ {
		current := float64((i%7)-3) * 40
		soc, err = p.ApplyCurrent(current, 1800)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, soc, 0.0)
		assert.LessOrEqual(t, soc, 100.0)
	}
}

func TestApplyCurrentClampsToCurrentLimits(t *testing.T) {
	p := testPack(t, func(cfg *ThresholdConfig) { cfg.InitialSOC = 50 })

	// 1000 A requested, 50 A limit: one hour at 50 A is 1562 points, so the
	// SOC saturates, and the stored current reflects the limited value.
	soc, err := p.ApplyCurrent(1000, 3600)
	require.NoError(t, err)
	assert.Equal(t, 100.0, soc)
	assert.Equal(t, 50.0, p.Current())

	_, err = p.ApplyCurrent(-9999, 1)
	require.NoError(t, err)
	assert.Equal(t, -150.0, p.Current())
}

func TestApplyCurrentInvalidArguments(t *testing.T) {
	p := testPack(t, nil)

	_, err := p.ApplyCurrent(10, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = p.ApplyCurrent(math.NaN(), 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = p.ApplyCurrent(10, math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestApplyCurrentPreservesCellSpread(t *testing.T) {
	// Imbalance offsets persist through charge/discharge: the spread only
	// moves when balancing acts on it.
	p := testPack(t, func(cfg *ThresholdConfig) { cfg.InitialSOC = 50 })
	spreadBefore := p.VoltageSpread()

	_, err := p.ApplyCurrent(20, 600)
	require.NoError(t, err)
	assert.InDelta(t, spreadBefore, p.VoltageSpread(), 1e-9)

	_, err = p.ApplyCurrent(-20, 1200)
	require.NoError(t, err)
	assert.InDelta(t, spreadBefore, p.VoltageSpread(), 1e-9)
}

func TestApplyCurrentTracksOCVCurve(t *testing.T) {
	cfg := DefaultThresholdConfig()
	cfg.InitialSOC = 50
	cfg.CellImbalanceRange = 0 // no offsets, cells ride the curve exactly
	p := NewPack(cfg, rand.New(rand.NewSource(1)))

	soc, err := p.ApplyCurrent(0.8, 3600) // +25 points
	require.NoError(t, err)
	assert.InDelta(t, 75.0, soc, 1e-9)
	v, _ := p.CellVoltage(0)
	assert.InDelta(t, ocvVoltage(soc, cfg), v, 1e-9)
}

func TestBalanceSingleTick(t *testing.T) {
	p := testPack(t, func(cfg *ThresholdConfig) { cfg.BalanceBleedFraction = 0.3 })

	require.NoError(t, p.SetCellVoltage(0, 4.0))
	require.NoError(t, p.SetCellVoltage(1, 3.4))

	mean := p.Voltage() / float64(p.NumCells())
	spreadBefore := p.VoltageSpread()
	avgBefore := mean

	p.Balance()

	// Cell 0 was above the mean: bleeds 0.3 of its excess.
	v0, _ := p.CellVoltage(0)
	assert.InDelta(t, 4.0-0.3*(4.0-mean), v0, 1e-9)

	// Cell 1 was below the mean: passive balancing cannot add charge.
	v1, _ := p.CellVoltage(1)
	assert.Equal(t, 3.4, v1)

	assert.LessOrEqual(t, p.VoltageSpread(), spreadBefore)

	// Average drops only by the bled amount, well under 5%.
	avgAfter := p.Voltage() / float64(p.NumCells())
	assert.Less(t, avgAfter, avgBefore)
	assert.Greater(t, avgAfter, avgBefore*0.95)
}

func TestBalanceConvergence(t *testing.T) {
	// One hot cell creating a 0.7 V spread; five ticks at the default bleed
	// fraction must cut the spread by more than half, approaching but never
	// reaching zero.
	p := testPack(t, func(cfg *ThresholdConfig) { cfg.CellImbalanceRange = 0 })
	require.NoError(t, p.SetCellVoltage(0, 4.4))

	spreadBefore := p.VoltageSpread()
	assert.InDelta(t, 0.7, spreadBefore, 1e-9)

	prev := spreadBefore
	for i := 0; i < 5; i++ {
		p.Balance()
		spread := p.VoltageSpread()
		assert.LessOrEqual(t, spread, prev, "spread must be monotonically non-increasing")
		prev = spread
	}
	assert.Less(t, prev, spreadBefore*0.5)
	assert.Greater(t, prev, 0.0, "finite ticks never fully converge")
}

func TestBalanceAlreadyBalanced(t *testing.T) {
	cfg := DefaultThresholdConfig()
	cfg.CellImbalanceRange = 0
	p := NewPack(cfg, rand.New(rand.NewSource(1)))

	before := p.Voltage()
	p.Balance()
	assert.InDelta(t, before, p.Voltage(), 1e-9)
	assert.Equal(t, 0.0, p.VoltageSpread())
}
