// Package uds implements the diagnostic surface of the simulated BMS ECU: an
// ISO 14229 request dispatcher operating on raw service payloads, and a TCP
// server that frames those payloads with a 2-byte length prefix.
package uds

import (
	"encoding/binary"
	"math/rand"
	"sync"

	"bms-simulator/bms"
)

// Supported service identifiers.
const (
	sidSessionControl    = 0x10
	sidClearDTC          = 0x14
	sidReadDTC           = 0x19
	sidReadDataByID      = 0x22
	sidSecurityAccess    = 0x27
	sidWriteDataByID     = 0x2E
	sidRoutineControl    = 0x31
	sidTesterPresent     = 0x3E
	sidControlDTCSetting = 0x85

	positiveResponseOffset = 0x40
	negativeResponseSID    = 0x7F
	suppressResponseBit    = 0x80
)

// Negative response codes.
const (
	nrcServiceNotSupported     = 0x11
	nrcSubFunctionNotSupported = 0x12
	nrcIncorrectMessageLength  = 0x13
	nrcConditionsNotCorrect    = 0x22
	nrcRequestSequenceError    = 0x24
	nrcRequestOutOfRange       = 0x31
	nrcInvalidKey              = 0x35
)

// Diagnostic sessions.
const (
	sessionDefault     = 0x01
	sessionProgramming = 0x02
	sessionExtended    = 0x03
	sessionSafety      = 0x04
)

// Static identity data identifiers.
const (
	didSerialNumber    = 0xF10C
	didHardwareVersion = 0xF187
	didSupplier        = 0xF198
	didSoftwareVersion = 0xF19E
)

// Live data identifiers, fixed-point encoded with the CAN codec's scaling.
const (
	didSOC         = 0x0100
	didPackVoltage = 0x0101
	didPackCurrent = 0x0102
	didTemperature = 0x0103
	didSOH         = 0x0104
)

// Routine identifiers.
const ridBalanceCells = 0x0201

// dtcStatusActive is testFailed | confirmedDTC.
const dtcStatusActive = 0x09

// dtcAvailabilityMask announces which status bits this ECU implements.
const dtcAvailabilityMask = 0x09

// Dispatcher turns one UDS request payload into one response payload. It owns
// the diagnostic session state (active session, security access, DTC setting
// switch) and reads pack state through the simulation facade. Safe for
// concurrent use; the transport may serve several testers at once.
type Dispatcher struct {
	sim    *bms.Simulation
	logger *bms.Logger

	mu          sync.Mutex
	session     byte
	unlocked    bool
	seedPending bool
	seed        [4]byte
	dtcsEnabled bool
	mirror      map[uint16][]byte
	rng         *rand.Rand
}

func NewDispatcher(sim *bms.Simulation, logger *bms.Logger, seed int64) *Dispatcher {
	return &Dispatcher{
		sim:         sim,
		logger:      logger,
		session:     sessionDefault,
		dtcsEnabled: true,
		mirror:      make(map[uint16][]byte),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func negative(sid, nrc byte) []byte {
	return []byte{negativeResponseSID, sid, nrc}
}

// Process handles one request and returns the response payload, or nil when
// the suppress-response bit asks for silence.
func (d *Dispatcher) Process(req []byte) []byte {
	if len(req) == 0 {
		return negative(0x00, nrcIncorrectMessageLength)
	}
	sid := req[0]

	var resp []byte
	switch sid {
	case sidSessionControl:
		resp = d.sessionControl(req)
	case sidClearDTC:
		resp = d.clearDTC(req)
	case sidReadDTC:
		resp = d.readDTC(req)
	case sidReadDataByID:
		resp = d.readDataByID(req)
	case sidSecurityAccess:
		resp = d.securityAccess(req)
	case sidWriteDataByID:
		resp = d.writeDataByID(req)
	case sidRoutineControl:
		resp = d.routineControl(req)
	case sidTesterPresent:
		resp = d.testerPresent(req)
	case sidControlDTCSetting:
		resp = d.controlDTCSetting(req)
	default:
		resp = negative(sid, nrcServiceNotSupported)
	}

	if resp != nil && resp[0] == negativeResponseSID {
		d.logger.Debugf("UDS negative response: service 0x%02X, NRC 0x%02X", resp[1], resp[2])
	}
	return resp
}

// Session returns the active diagnostic session.
func (d *Dispatcher) Session() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

func (d *Dispatcher) sessionControl(req []byte) []byte {
	if len(req) != 2 {
		return negative(sidSessionControl, nrcIncorrectMessageLength)
	}
	sub := req[1] &^ suppressResponseBit
	switch sub {
	case sessionDefault, sessionProgramming, sessionExtended, sessionSafety:
	default:
		return negative(sidSessionControl, nrcSubFunctionNotSupported)
	}

	d.mu.Lock()
	d.session = sub
	if sub == sessionDefault {
		// Leaving a non-default session drops security access.
		d.unlocked = false
		d.seedPending = false
	}
	d.mu.Unlock()
	d.logger.Infof("UDS session changed to 0x%02X", sub)

	if req[1]&suppressResponseBit != 0 {
		return nil
	}
	// P2 = 50 ms, P2* = 5000 ms in 10 ms units.
	return []byte{sidSessionControl + positiveResponseOffset, sub, 0x00, 0x32, 0x01, 0xF4}
}

func (d *Dispatcher) clearDTC(req []byte) []byte {
	// Group-of-DTC is three bytes; only the all-groups wildcard and the
	// powertrain group are meaningful here.
	if len(req) != 4 {
		return negative(sidClearDTC, nrcIncorrectMessageLength)
	}
	d.sim.ClearDTC()
	return []byte{sidClearDTC + positiveResponseOffset}
}

func (d *Dispatcher) readDTC(req []byte) []byte {
	if len(req) < 2 {
		return negative(sidReadDTC, nrcIncorrectMessageLength)
	}
	sub := req[1]

	switch sub {
	case 0x02: // reportDTCByStatusMask
		if len(req) != 3 {
			return negative(sidReadDTC, nrcIncorrectMessageLength)
		}
		resp := []byte{sidReadDTC + positiveResponseOffset, sub, dtcAvailabilityMask}
		if !d.dtcSettingEnabled() {
			return resp
		}
		if req[2]&dtcStatusActive != 0 {
			for _, name := range d.sim.ActiveFaults() {
				code := bms.Fault(name).CodeBytes()
				resp = append(resp, code[0], code[1], code[2], dtcStatusActive)
			}
		}
		return resp

	case 0x0A: // reportSupportedDTC
		if len(req) != 2 {
			return negative(sidReadDTC, nrcIncorrectMessageLength)
		}
		active := make(map[string]bool)
		if d.dtcSettingEnabled() {
			for _, name := range d.sim.ActiveFaults() {
				active[name] = true
			}
		}
		resp := []byte{sidReadDTC + positiveResponseOffset, sub, dtcAvailabilityMask}
		for _, f := range bms.AllFaults() {
			status := byte(0x00)
			if active[f.String()] {
				status = dtcStatusActive
			}
			code := f.CodeBytes()
			resp = append(resp, code[0], code[1], code[2], status)
		}
		return resp

	default:
		return negative(sidReadDTC, nrcSubFunctionNotSupported)
	}
}

func (d *Dispatcher) readDataByID(req []byte) []byte {
	if len(req) < 3 || (len(req)-1)%2 != 0 {
		return negative(sidReadDataByID, nrcIncorrectMessageLength)
	}
	resp := []byte{sidReadDataByID + positiveResponseOffset}
	for off := 1; off < len(req); off += 2 {
		did := binary.BigEndian.Uint16(req[off:])
		data, ok := d.lookupDID(did)
		if !ok {
			return negative(sidReadDataByID, nrcRequestOutOfRange)
		}
		resp = append(resp, byte(did>>8), byte(did))
		resp = append(resp, data...)
	}
	return resp
}

func (d *Dispatcher) lookupDID(did uint16) ([]byte, bool) {
	switch did {
	case didSerialNumber:
		return []byte("BMS-SIM-000042"), true
	case didHardwareVersion:
		return []byte("BMS-HW-96S1P"), true
	case didSupplier:
		return []byte("LIBRE-BMS"), true
	case didSoftwareVersion:
		return []byte("1.0.0"), true
	}

	st := d.sim.Status()
	switch did {
	case didSOC:
		return []byte{byte(clampScaled(st.SOC*2, 0, 200))}, true
	case didPackVoltage:
		return beUint16(uint16(clampScaled(st.Voltage*10, 0, 65535))), true
	case didPackCurrent:
		return beUint16(uint16(int16(clampScaled(st.Current*10, -32768, 32767)))), true
	case didTemperature:
		return []byte{byte(clampScaled(st.Temperature+40, 0, 255))}, true
	case didSOH:
		return []byte{byte(clampScaled(st.SOH, 0, 100))}, true
	}

	d.mu.Lock()
	data, ok := d.mirror[did]
	d.mu.Unlock()
	return data, ok
}

func (d *Dispatcher) writeDataByID(req []byte) []byte {
	if len(req) < 4 {
		return negative(sidWriteDataByID, nrcIncorrectMessageLength)
	}
	if d.Session() == sessionDefault {
		return negative(sidWriteDataByID, nrcConditionsNotCorrect)
	}
	did := binary.BigEndian.Uint16(req[1:])
	if isBuiltinDID(did) {
		return negative(sidWriteDataByID, nrcRequestOutOfRange)
	}

	data := make([]byte, len(req)-3)
	copy(data, req[3:])
	d.mu.Lock()
	d.mirror[did] = data
	d.mu.Unlock()

	return []byte{sidWriteDataByID + positiveResponseOffset, byte(did >> 8), byte(did)}
}

func isBuiltinDID(did uint16) bool {
	switch did {
	case didSerialNumber, didHardwareVersion, didSupplier, didSoftwareVersion,
		didSOC, didPackVoltage, didPackCurrent, didTemperature, didSOH:
		return true
	}
	return false
}

func (d *Dispatcher) securityAccess(req []byte) []byte {
	if len(req) < 2 {
		return negative(sidSecurityAccess, nrcIncorrectMessageLength)
	}
	if d.Session() == sessionDefault {
		return negative(sidSecurityAccess, nrcConditionsNotCorrect)
	}
	sub := req[1]

	d.mu.Lock()
	defer d.mu.Unlock()

	if sub%2 == 1 { // requestSeed
		resp := []byte{sidSecurityAccess + positiveResponseOffset, sub}
		if d.unlocked {
			// Already unlocked: an all-zero seed per ISO 14229.
			return append(resp, 0, 0, 0, 0)
		}
		d.rng.Read(d.seed[:])
		d.seedPending = true
		return append(resp, d.seed[:]...)
	}

	// sendKey
	if !d.seedPending {
		return negative(sidSecurityAccess, nrcRequestSequenceError)
	}
	if len(req) != 6 {
		return negative(sidSecurityAccess, nrcIncorrectMessageLength)
	}
	// The simulated ECU accepts any key; real key checks are a bench concern.
	d.seedPending = false
	d.unlocked = true
	return []byte{sidSecurityAccess + positiveResponseOffset, sub}
}

func (d *Dispatcher) routineControl(req []byte) []byte {
	if len(req) < 4 {
		return negative(sidRoutineControl, nrcIncorrectMessageLength)
	}
	sub := req[1]
	if sub != 0x01 { // only startRoutine
		return negative(sidRoutineControl, nrcSubFunctionNotSupported)
	}
	rid := binary.BigEndian.Uint16(req[2:])
	if rid != ridBalanceCells {
		return negative(sidRoutineControl, nrcRequestOutOfRange)
	}

	d.sim.BalanceCells()
	return []byte{sidRoutineControl + positiveResponseOffset, sub, byte(rid >> 8), byte(rid), 0x00}
}

func (d *Dispatcher) testerPresent(req []byte) []byte {
	if len(req) != 2 {
		return negative(sidTesterPresent, nrcIncorrectMessageLength)
	}
	if req[1]&^suppressResponseBit != 0x00 {
		return negative(sidTesterPresent, nrcSubFunctionNotSupported)
	}
	if req[1]&suppressResponseBit != 0 {
		return nil
	}
	return []byte{sidTesterPresent + positiveResponseOffset, 0x00}
}

func (d *Dispatcher) controlDTCSetting(req []byte) []byte {
	if len(req) != 2 {
		return negative(sidControlDTCSetting, nrcIncorrectMessageLength)
	}
	sub := req[1] &^ suppressResponseBit

	d.mu.Lock()
	switch sub {
	case 0x01:
		d.dtcsEnabled = true
	case 0x02:
		d.dtcsEnabled = false
	default:
		d.mu.Unlock()
		return negative(sidControlDTCSetting, nrcSubFunctionNotSupported)
	}
	d.mu.Unlock()

	if req[1]&suppressResponseBit != 0 {
		return nil
	}
	return []byte{sidControlDTCSetting + positiveResponseOffset, sub}
}

func (d *Dispatcher) dtcSettingEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dtcsEnabled
}

func clampScaled(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func beUint16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
