package can

import (
	"sync"
	"time"
)

// Handler receives frames delivered by the bus. Handlers run synchronously on
// the sender's goroutine and must not call back into Send.
type Handler func(Frame)

const traceCapacity = 10000

// Bus is an in-process virtual CAN bus: frames sent on it are recorded in a
// bounded trace and dispatched to callbacks registered per message ID or for
// the wildcard ID. There is no wire, no arbitration and no loss; it exists so
// test harnesses can observe exactly what a real bus would carry.
type Bus struct {
	mu       sync.Mutex
	handlers map[uint32][]Handler
	trace    []Frame
	txCount  uint64
	rxCount  uint64
	started  time.Time
	txBits   uint64
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[uint32][]Handler),
		started:  time.Now(),
	}
}

// Subscribe registers a handler for one message ID, or for every frame when
// id is WildcardID.
func (b *Bus) Subscribe(id uint32, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = append(b.handlers[id], h)
}

// Send puts a frame on the bus: it is stamped, traced, counted and delivered
// to all matching handlers before Send returns.
func (b *Bus) Send(frame Frame) {
	frame.Timestamp = time.Now()

	b.mu.Lock()
	b.trace = append(b.trace, frame)
	if len(b.trace) > traceCapacity {
		b.trace = b.trace[len(b.trace)-traceCapacity:]
	}
	b.txCount++
	// Rough classic-CAN frame size: 47 bits of overhead plus the payload.
	b.txBits += uint64(47 + frame.DLC*8)

	matched := make([]Handler, 0, 4)
	matched = append(matched, b.handlers[frame.ID]...)
	matched = append(matched, b.handlers[WildcardID]...)
	b.mu.Unlock()

	for _, h := range matched {
		h(frame)
		b.mu.Lock()
		b.rxCount++
		b.mu.Unlock()
	}
}

// Trace returns a copy of the retained frame history, oldest first. At most
// the last 10000 frames are kept.
func (b *Bus) Trace() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, len(b.trace))
	copy(out, b.trace)
	return out
}

// TraceByID filters the retained history to one message ID.
func (b *Bus) TraceByID(id uint32) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Frame
	for _, f := range b.trace {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	TxCount uint64
	RxCount uint64
	// LoadPercent approximates utilisation of a 500 kbit/s bus since the bus
	// was created.
	LoadPercent float64
	Uptime      time.Duration
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	uptime := time.Since(b.started)
	load := 0.0
	if secs := uptime.Seconds(); secs > 0 {
		load = float64(b.txBits) / (500000 * secs) * 100
	}
	return Stats{
		TxCount:     b.txCount,
		RxCount:     b.rxCount,
		LoadPercent: load,
		Uptime:      uptime,
	}
}

// ClearTrace drops the retained history but keeps the counters.
func (b *Bus) ClearTrace() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = nil
}
