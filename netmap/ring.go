package netmap

import (
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Slot flags.
const (
	// SlotBufChanged tells the kernel the buffer of the slot was replaced.
	//
	// Kernel name: NS_BUF_CHANGED
	SlotBufChanged = 0x0001

	// SlotReport asks for an interrupt when the slot is transmitted.
	//
	// Kernel name: NS_REPORT
	SlotReport = 0x0002

	// SlotPhysIndirect makes the NIC DMA to or from the physical address in Ptr instead of the netmap buffer
	// BufIdx. It is an extension of the patched netmap used for peer memory.
	//
	// Kernel name: NS_PHY_INDIRECT
	SlotPhysIndirect = 0x0040
)

// Slot is one descriptor of a ring.
//
// Kernel name: netmap_slot
type Slot struct {
	BufIdx uint32
	Len    uint16
	Flags  uint16
	Ptr    uint64
}

// ringHeader is the fixed part of a ring, followed at slotsOffset by the slot array.
//
// Kernel name: netmap_ring
type ringHeader struct {
	BufOfs   int64
	NumSlots uint32
	BufSize  uint32
	RingID   uint16
	Dir      uint16
	Head     uint32
	Cur      uint32
	Tail     uint32
	Flags    uint32
}

const (
	slotSize    = int(unsafe.Sizeof(Slot{}))
	slotsOffset = 256
)

// Ring is a view of a netmap ring. The user owns the slots from head up to, but not including, tail and hands them
// back to the kernel by advancing head; the kernel moves tail during a sync.
//
// Head and cur are written by the user and tail by the kernel, each through an atomic so that the in-memory
// rings used for testing behave the same as the mapped ones.
type Ring struct {
	hdr   *ringHeader
	head  *atomicbitops.Uint32
	cur   *atomicbitops.Uint32
	tail  *atomicbitops.Uint32
	slots []Slot
}

// newRing builds a Ring over a mapped netmap_ring at base.
func newRing(base unsafe.Pointer) *Ring {
	hdr := (*ringHeader)(base)
	return &Ring{
		hdr:   hdr,
		head:  (*atomicbitops.Uint32)(unsafe.Pointer(&hdr.Head)),
		cur:   (*atomicbitops.Uint32)(unsafe.Pointer(&hdr.Cur)),
		tail:  (*atomicbitops.Uint32)(unsafe.Pointer(&hdr.Tail)),
		slots: unsafe.Slice((*Slot)(unsafe.Add(base, slotsOffset)), hdr.NumSlots),
	}
}

// NewRing allocates a ring in ordinary memory laid out like a kernel ring. A transmit ring starts with every slot
// but one free, a receive ring starts empty.
func NewRing(numSlots int, bufSize int, tx bool) *Ring {
	words := make([]uint64, (slotsOffset+numSlots*slotSize)/8)
	base := unsafe.Pointer(&words[0])

	hdr := (*ringHeader)(base)
	hdr.NumSlots = uint32(numSlots)
	hdr.BufSize = uint32(bufSize)
	if tx {
		hdr.Tail = uint32(numSlots - 1)
	} else {
		hdr.Dir = 1
	}
	return newRing(base)
}

func (r *Ring) NumSlots() int { return len(r.slots) }
func (r *Ring) BufSize() int  { return int(r.hdr.BufSize) }
func (r *Ring) Head() uint32  { return r.head.Load() }
func (r *Ring) Cur() uint32   { return r.cur.Load() }
func (r *Ring) Tail() uint32  { return r.tail.Load() }

// Slot returns the descriptor at index i.
func (r *Ring) Slot(i uint32) *Slot {
	return &r.slots[i]
}

// Next is the index following i.
func (r *Ring) Next(i uint32) uint32 {
	i++
	if i == uint32(len(r.slots)) {
		return 0
	}
	return i
}

// Space is the number of slots between cur and tail: free slots on a transmit ring, received slots on a
// receive ring.
func (r *Ring) Space() int {
	n := int(r.tail.Load()) - int(r.cur.Load())
	if n < 0 {
		n += len(r.slots)
	}
	return n
}

func (r *Ring) Empty() bool {
	return r.cur.Load() == r.tail.Load()
}

// Release moves head and cur to i, handing every slot before it to the kernel.
func (r *Ring) Release(i uint32) {
	r.cur.Store(i)
	r.head.Store(i)
}

// TxPending reports whether the kernel still holds slots that were posted but not transmitted.
func (r *Ring) TxPending() bool {
	return r.Next(r.tail.Load()) != r.head.Load()
}
