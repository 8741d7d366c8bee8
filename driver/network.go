package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/arena"
	"github.com/upa/libpop/netmap"
)

// Port is one queue of a network device: a transmit and a receive ring and the calls that synchronize them with
// the hardware. Both *netmap.Port and *netmap.MemoryPort satisfy it.
type Port interface {
	TxRing() *netmap.Ring
	RxRing() *netmap.Ring
	TxSync() error
	RxSync() error
	Poll(rx bool, timeout time.Duration) (bool, error)
	Close() error
}

// Network drives one Port per queue. The rings carry physical addresses of arena buffers, so frames are never
// copied between the arena and netmap buffers.
type Network struct {
	l            *logrus.Logger
	ports        []Port
	slotSize     int
	flushTimeout time.Duration

	// armed[q][i] is the arena buffer the receive slot i of queue q currently points to.
	armed [][]*arena.Buffer
}

var _ NetworkRing = (*Network)(nil)

// NewNetwork takes ownership of ports, queue i being ports[i]. With a receive arena every receive slot is filled
// with an arena buffer and the rings are synced once so the NIC can start receiving into them.
func NewNetwork(ports []Port, options ...Option) (*Network, error) {
	if len(ports) == 0 {
		return nil, errors.New("no ports to drive")
	}

	o := defaultOptions()
	o.apply(options)
	if err := o.validate(); err != nil {
		return nil, err
	}

	n := &Network{
		l:            o.l,
		ports:        ports,
		slotSize:     o.slotSize,
		flushTimeout: o.flushTimeout,
	}

	if o.rxArena != nil {
		if err := n.prepareReceive(o.rxArena); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Network) prepareReceive(a *arena.Arena) error {
	n.armed = make([][]*arena.Buffer, len(n.ports))
	for q, p := range n.ports {
		ring := p.RxRing()
		bufs, err := a.AllocSlots(n.slotSize, ring.NumSlots())
		if err != nil {
			return fmt.Errorf("receive buffers for queue %d: %w", q, err)
		}

		for i, b := range bufs {
			arm(ring.Slot(uint32(i)), b, n.slotSize)
		}
		n.armed[q] = bufs

		if err := p.RxSync(); err != nil {
			return fmt.Errorf("%w: queue %d: %w", ErrSync, q, err)
		}

		n.l.WithField("queue", q).WithField("slots", ring.NumSlots()).Debug("Receive ring prepared")
	}
	return nil
}

func arm(s *netmap.Slot, b *arena.Buffer, size int) {
	s.Ptr = b.Physical()
	s.Len = uint16(size)
	s.Flags = netmap.SlotPhysIndirect | netmap.SlotBufChanged
}

func (n *Network) Kind() Kind    { return KindNetwork }
func (n *Network) Queues() int   { return len(n.ports) }
func (n *Network) SlotSize() int { return n.slotSize }

// Port returns the port of a queue.
func (n *Network) Port(queue int) Port {
	checkQueue(queue, len(n.ports))
	return n.ports[queue]
}

// Write posts the data of as many buffers as the transmit ring has room for and syncs the ring. A frame larger than
// a slot stops the post, the frames before it are still sent.
func (n *Network) Write(bufs []*arena.Buffer, queue int) (int, error) {
	checkQueue(queue, len(n.ports))
	p := n.ports[queue]
	ring := p.TxRing()

	count := min(len(bufs), ring.Space())
	cur := ring.Cur()

	var err error
	posted := 0
	for ; posted < count; posted++ {
		b := bufs[posted]
		if b.Len() > n.slotSize {
			err = fmt.Errorf("%w: %d bytes, slot size %d", ErrFrameTooLarge, b.Len(), n.slotSize)
			break
		}

		s := ring.Slot(cur)
		s.Ptr = b.Physical()
		s.Len = uint16(b.Len())
		s.Flags |= netmap.SlotPhysIndirect
		cur = ring.Next(cur)
	}

	if posted > 0 {
		ring.Release(cur)
	}

	if serr := p.TxSync(); serr != nil {
		return posted, fmt.Errorf("%w: queue %d: %w", ErrSync, queue, serr)
	}
	return posted, err
}

// Read syncs the receive ring and swaps up to len(bufs) received frames with the empty buffers in bufs. Each empty
// buffer must be at least a slot in size, it becomes the DMA target of the slot it replaces.
func (n *Network) Read(bufs []*arena.Buffer, queue int) (int, error) {
	checkQueue(queue, len(n.ports))
	if n.armed == nil {
		return 0, ErrNoReceive
	}

	p := n.ports[queue]
	if err := p.RxSync(); err != nil {
		return 0, fmt.Errorf("%w: queue %d: %w", ErrSync, queue, err)
	}

	ring := p.RxRing()
	armed := n.armed[queue]
	count := min(len(bufs), ring.Space())
	cur := ring.Cur()

	for i := 0; i < count; i++ {
		empty := bufs[i]
		if empty.Size() < n.slotSize {
			panic(fmt.Sprintf("receive buffer of %d bytes is smaller than the slot size %d", empty.Size(), n.slotSize))
		}

		s := ring.Slot(cur)
		full := armed[cur]
		full.Reset()
		if _, err := full.Put(int(s.Len)); err != nil {
			// The NIC never writes past the slot size we armed it with.
			panic(err)
		}

		empty.Reset()
		arm(s, empty, n.slotSize)
		armed[cur] = empty
		bufs[i] = full

		cur = ring.Next(cur)
	}

	if count > 0 {
		ring.Release(cur)
	}
	return count, nil
}

// Poll waits up to timeout for frames to arrive on a queue.
func (n *Network) Poll(queue int, timeout time.Duration) (bool, error) {
	checkQueue(queue, len(n.ports))
	return n.ports[queue].Poll(true, timeout)
}

// Flush syncs the transmit ring until every posted frame has been sent or the flush timeout passes.
func (n *Network) Flush(queue int) error {
	checkQueue(queue, len(n.ports))
	p := n.ports[queue]
	ring := p.TxRing()

	deadline := time.Now().Add(n.flushTimeout)
	for ring.TxPending() {
		if err := p.TxSync(); err != nil {
			return fmt.Errorf("%w: queue %d: %w", ErrSync, queue, err)
		}
		if !ring.TxPending() {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: queue %d", ErrFlushTimeout, queue)
		}
	}
	return nil
}

// Close closes the ports, the first one last since it owns the shared mapping.
func (n *Network) Close() error {
	var errs []error
	for q := len(n.ports) - 1; q >= 0; q-- {
		if err := n.ports[q].Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue %d: %w", q, err))
		}
	}
	return errors.Join(errs...)
}
