package netmap

import (
	"sync"
	"time"
)

// Sent records one frame a MemoryPort transmitted.
type Sent struct {
	Ptr   uint64
	Len   int
	Flags uint16
}

// MemoryPort plays the kernel and NIC side of one ring pair in ordinary memory. Transmitted slots are recorded and
// received frames are injected by the caller, which makes it usable for dry runs and tests.
type MemoryPort struct {
	tx *Ring
	rx *Ring

	mu       sync.Mutex
	txNext   uint32
	stalled  bool
	sent     []Sent
	keep     bool
	sentN    int
	inbound  []int
	dropped  int
	txSyncs  int
	rxSyncs  int
	syncFail error
}

// NewMemoryPort creates a port with numSlots slots per ring. When keep is false only the count of transmitted frames
// is tracked.
func NewMemoryPort(numSlots, bufSize int, keep bool) *MemoryPort {
	return &MemoryPort{
		tx:   NewRing(numSlots, bufSize, true),
		rx:   NewRing(numSlots, bufSize, false),
		keep: keep,
	}
}

func (m *MemoryPort) TxRing() *Ring { return m.tx }
func (m *MemoryPort) RxRing() *Ring { return m.rx }

// TxSync transmits every slot released since the last sync and returns them to the user, unless stalled.
func (m *MemoryPort) TxSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txSyncs++
	if m.syncFail != nil {
		return m.syncFail
	}
	if m.stalled {
		return nil
	}

	head := m.tx.Head()
	for m.txNext != head {
		s := m.tx.Slot(m.txNext)
		if m.keep {
			m.sent = append(m.sent, Sent{Ptr: s.Ptr, Len: int(s.Len), Flags: s.Flags})
		}
		m.sentN++
		m.txNext = m.tx.Next(m.txNext)
	}

	// Everything before head is done, keep the one slot the kernel always holds.
	tail := head
	if tail == 0 {
		tail = uint32(m.tx.NumSlots())
	}
	m.tx.tail.Store(tail - 1)
	return nil
}

// RxSync moves injected frames into free receive slots.
func (m *MemoryPort) RxSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rxSyncs++
	if m.syncFail != nil {
		return m.syncFail
	}

	head := m.rx.Head()
	tail := m.rx.Tail()
	for len(m.inbound) > 0 && m.rx.Next(tail) != head {
		s := m.rx.Slot(tail)
		s.Len = uint16(m.inbound[0])
		m.inbound = m.inbound[1:]
		tail = m.rx.Next(tail)
	}
	m.rx.tail.Store(tail)
	return nil
}

// Poll reports readiness immediately, it never waits.
func (m *MemoryPort) Poll(rx bool, _ time.Duration) (bool, error) {
	if rx {
		m.mu.Lock()
		pending := len(m.inbound) > 0
		m.mu.Unlock()
		return pending || !m.rx.Empty(), nil
	}
	return !m.tx.Empty(), nil
}

func (m *MemoryPort) Close() error {
	return nil
}

// Inject queues frames of the given lengths to be delivered on the next RxSync. Frames that do not fit in the
// queue limit of one ring are dropped, as a NIC would.
func (m *MemoryPort) Inject(lengths ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range lengths {
		if len(m.inbound) >= m.rx.NumSlots() {
			m.dropped++
			continue
		}
		m.inbound = append(m.inbound, l)
	}
}

// Stall stops or resumes transmit completions.
func (m *MemoryPort) Stall(stalled bool) {
	m.mu.Lock()
	m.stalled = stalled
	m.mu.Unlock()
}

// FailSyncs makes every following sync return err. Pass nil to recover.
func (m *MemoryPort) FailSyncs(err error) {
	m.mu.Lock()
	m.syncFail = err
	m.mu.Unlock()
}

// Sent returns the recorded frames when the port keeps them.
func (m *MemoryPort) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

func (m *MemoryPort) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentN
}

func (m *MemoryPort) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Syncs returns how many transmit and receive syncs were issued.
func (m *MemoryPort) Syncs() (tx, rx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txSyncs, m.rxSyncs
}
