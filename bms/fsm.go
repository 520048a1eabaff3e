package bms

import (
	"context"
	"log/slog"
	"math"

	"github.com/librescoot/librefsm"
)

// Operating modes reported by the service. The mode machine is an observer:
// it derives the mode from status snapshots (current sign, fault presence)
// and never feeds back into pack state.
const (
	ModeStandby     librefsm.StateID = "standby"
	ModeCharging    librefsm.StateID = "charging"
	ModeDischarging librefsm.StateID = "discharging"
	ModeFault       librefsm.StateID = "fault"
)

const (
	evChargeDetected    librefsm.EventID = "charge_detected"
	evDischargeDetected librefsm.EventID = "discharge_detected"
	evIdleDetected      librefsm.EventID = "idle_detected"
	evFaultRaised       librefsm.EventID = "fault_raised"
	evFaultCleared      librefsm.EventID = "fault_cleared"
)

// Currents below this magnitude count as idle.
const idleCurrentThreshold = 0.01 // amps

// ModeMachine tracks the pack operating mode as a small FSM.
type ModeMachine struct {
	machine *librefsm.Machine
	log     *slog.Logger
}

// NewModeMachine builds the mode FSM. Returns an error only if the
// definition itself is invalid.
func NewModeMachine(log *slog.Logger) (*ModeMachine, error) {
	def := librefsm.NewDefinition().
		State(ModeStandby).
		State(ModeCharging).
		State(ModeDischarging).
		State(ModeFault,
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				log.Warn("pack entered fault mode")
				return nil
			}),
		).
		Transition(ModeStandby, evChargeDetected, ModeCharging).
		Transition(ModeStandby, evDischargeDetected, ModeDischarging).
		Transition(ModeCharging, evIdleDetected, ModeStandby).
		Transition(ModeCharging, evDischargeDetected, ModeDischarging).
		Transition(ModeDischarging, evIdleDetected, ModeStandby).
		Transition(ModeDischarging, evChargeDetected, ModeCharging).
		Transition(ModeStandby, evFaultRaised, ModeFault).
		Transition(ModeCharging, evFaultRaised, ModeFault).
		Transition(ModeDischarging, evFaultRaised, ModeFault).
		Transition(ModeFault, evFaultCleared, ModeStandby).
		Initial(ModeStandby)

	machine, err := def.Build(
		librefsm.WithLogger(log),
		librefsm.WithStateChangeCallback(func(from, to librefsm.StateID) {
			log.Info("mode transition", "from", from, "to", to)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &ModeMachine{machine: machine, log: log}, nil
}

// Run starts the FSM event loop and blocks until ctx is done.
func (m *ModeMachine) Run(ctx context.Context) {
	if err := m.machine.Start(ctx); err != nil {
		m.log.Error("failed to start mode machine", "error", err)
		return
	}
	<-ctx.Done()
	m.machine.Stop()
}

// Observe feeds one status snapshot into the machine. Events without a
// matching transition from the current state are ignored by the FSM, so the
// derivation stays simple.
func (m *ModeMachine) Observe(st Status) {
	if len(st.Faults) > 0 {
		m.machine.Send(librefsm.Event{ID: evFaultRaised})
		return
	}
	m.machine.Send(librefsm.Event{ID: evFaultCleared})

	switch {
	case st.Current > idleCurrentThreshold:
		m.machine.Send(librefsm.Event{ID: evChargeDetected})
	case st.Current < -idleCurrentThreshold:
		m.machine.Send(librefsm.Event{ID: evDischargeDetected})
	case math.Abs(st.Current) <= idleCurrentThreshold:
		m.machine.Send(librefsm.Event{ID: evIdleDetected})
	}
}

// Mode returns the current operating mode name.
func (m *ModeMachine) Mode() string {
	return string(m.machine.CurrentState())
}
