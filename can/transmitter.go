package can

import (
	"context"
	"sync"
	"time"

	"bms-simulator/bms"
)

// Default broadcast periods.
const (
	DefaultStatusPeriod   = 100 * time.Millisecond
	DefaultCellDataPeriod = 500 * time.Millisecond
)

// Transmitter periodically broadcasts the simulated pack onto the bus: a
// status frame plus a fault frame on every status tick, and one multiplexed
// cell-voltage group per cell tick, cycling through the pack.
type Transmitter struct {
	sim            *bms.Simulation
	bus            *Bus
	logger         *bms.Logger
	statusPeriod   time.Duration
	cellDataPeriod time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cellGroup int
}

// NewTransmitter builds a transmitter with the default periods. Zero period
// arguments keep the defaults.
func NewTransmitter(sim *bms.Simulation, bus *Bus, logger *bms.Logger, statusPeriod, cellDataPeriod time.Duration) *Transmitter {
	if statusPeriod <= 0 {
		statusPeriod = DefaultStatusPeriod
	}
	if cellDataPeriod <= 0 {
		cellDataPeriod = DefaultCellDataPeriod
	}
	return &Transmitter{
		sim:            sim,
		bus:            bus,
		logger:         logger,
		statusPeriod:   statusPeriod,
		cellDataPeriod: cellDataPeriod,
	}
}

// Start launches the broadcast loops. Idempotent.
func (t *Transmitter) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(2)
	go t.statusLoop(ctx)
	go t.cellDataLoop(ctx)
	t.logger.Infof("CAN transmitter started: status every %v, cell data every %v",
		t.statusPeriod, t.cellDataPeriod)
}

// Stop halts the loops and waits for them to drain, bounded at 5 seconds.
func (t *Transmitter) Stop() {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return
	}
	t.cancel()
	t.cancel = nil
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warnf("Timeout waiting for CAN transmitter loops to stop")
	}
}

func (t *Transmitter) statusLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.statusPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.broadcastStatus()
		}
	}
}

func (t *Transmitter) cellDataLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cellDataPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.broadcastCellGroup()
		}
	}
}

// BroadcastStatusNow sends one status and fault frame pair outside the timer,
// for on-demand snapshots.
func (t *Transmitter) BroadcastStatusNow() {
	t.broadcastStatus()
}

func (t *Transmitter) broadcastStatus() {
	st := t.sim.Status()
	bits := FaultBitsFor(st.Faults)

	frame, err := NewFrame(BMSStatusID, EncodeBMSStatus(BMSStatus{
		SOC:         st.SOC,
		SOH:         st.SOH,
		Voltage:     st.Voltage,
		Current:     st.Current,
		Temperature: st.Temperature,
		FaultBits:   bits,
	}))
	if err != nil {
		t.logger.Errorf("Failed to build status frame: %v", err)
		return
	}
	t.bus.Send(frame)

	// Fault frame rides along on every status tick, a zeroed one when the
	// pack is healthy.
	faults := t.sim.ActiveFaults()
	var code [3]byte
	if len(faults) > 0 {
		code = bms.Fault(faults[0]).CodeBytes()
	}
	faultFrame, err := NewFrame(BMSFaultID, EncodeFaultFrame(len(faults), bits, code))
	if err != nil {
		t.logger.Errorf("Failed to build fault frame: %v", err)
		return
	}
	t.bus.Send(faultFrame)
}

func (t *Transmitter) broadcastCellGroup() {
	numCells := t.sim.Status().CellCount
	numGroups := (numCells + CellsPerGroup - 1) / CellsPerGroup
	if numGroups == 0 {
		return
	}

	t.mu.Lock()
	group := t.cellGroup % numGroups
	t.cellGroup = (group + 1) % numGroups
	t.mu.Unlock()

	first := group * CellsPerGroup
	var voltages []float64
	for id := first; id < first+CellsPerGroup && id < numCells; id++ {
		v, err := t.sim.CellVoltage(id)
		if err != nil {
			t.logger.Errorf("Failed to read cell %d for broadcast: %v", id, err)
			return
		}
		voltages = append(voltages, v)
	}

	data, err := EncodeCellGroup(CellGroup{Group: group, Voltages: voltages})
	if err != nil {
		t.logger.Errorf("Failed to encode cell group %d: %v", group, err)
		return
	}
	frame, err := NewFrame(BMSCellDataID, data)
	if err != nil {
		t.logger.Errorf("Failed to build cell data frame: %v", err)
		return
	}
	t.bus.Send(frame)
}
