// Package bridge hands slots filled by storage reads to network transmission. A single producer goroutine reads
// blocks into a window of arena slots and publishes them on a Ring; a single consumer goroutine posts the
// published slots to a transmit ring and releases them.
package bridge

import (
	"errors"
	"fmt"

	"github.com/upa/libpop/util"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

var (
	ErrSizeInvalid = fmt.Errorf("ring size must be a power of 2 and at least 2: %w", util.ErrConfig)
	ErrFull        = fmt.Errorf("not enough free slots: %w", util.ErrNoCapacity)
	ErrEmpty       = errors.New("not enough loaded slots")
)

// Ring is the cursor pair of a single producer, single consumer ring of Size slots. The producer owns the slots
// from head up to tail and publishes them by moving head; the consumer owns the slots from tail up to head and
// releases them by moving tail. One slot always stays empty so that a full ring can be told from an empty one.
//
// Each cursor is written by one side only and read by the other through an atomic load, which orders the slot
// contents before the cursor that publishes them.
type Ring struct {
	head atomicbitops.Uint32
	tail atomicbitops.Uint32
	mask uint32
}

func New(size int) (*Ring, error) {
	if size < 2 || size&(size-1) != 0 || uint64(size) > 1<<31 {
		return nil, fmt.Errorf("%w: %d", ErrSizeInvalid, size)
	}
	return &Ring{mask: uint32(size - 1)}, nil
}

func (r *Ring) Size() int { return int(r.mask) + 1 }
func (r *Ring) Head() int { return int(r.head.Load()) }
func (r *Ring) Tail() int { return int(r.tail.Load()) }

// ReadAvail is the number of slots published and not yet consumed.
func (r *Ring) ReadAvail() int {
	return int((r.head.Load() - r.tail.Load()) & r.mask)
}

// WriteAvail is the number of slots the producer may fill.
func (r *Ring) WriteAvail() int {
	return int(r.mask) - r.ReadAvail()
}

func (r *Ring) Full() bool  { return r.WriteAvail() == 0 }
func (r *Ring) Empty() bool { return r.ReadAvail() == 0 }

// Produce publishes n slots at head. Only the producer may call it.
func (r *Ring) Produce(n int) error {
	if n < 0 {
		panic(fmt.Sprintf("negative produce %d", n))
	}
	if n > r.WriteAvail() {
		return fmt.Errorf("%w: produce %d with %d free", ErrFull, n, r.WriteAvail())
	}
	r.head.Store((r.head.RacyLoad() + uint32(n)) & r.mask)
	return nil
}

// Consume releases n slots at tail. Only the consumer may call it.
func (r *Ring) Consume(n int) error {
	if n < 0 {
		panic(fmt.Sprintf("negative consume %d", n))
	}
	if n > r.ReadAvail() {
		return fmt.Errorf("%w: consume %d with %d loaded", ErrEmpty, n, r.ReadAvail())
	}
	r.tail.Store((r.tail.RacyLoad() + uint32(n)) & r.mask)
	return nil
}

// Index returns the slot index i positions after cursor.
func (r *Ring) Index(cursor, i int) int {
	return int(uint32(cursor+i) & r.mask)
}
