package bridge

import (
	"fmt"

	"github.com/upa/libpop/util"
)

// Ratio relates network slots to storage blocks. Either a block holds a whole number of slots or a slot holds a
// whole number of blocks.
type Ratio struct {
	SlotSize  int
	BlockSize int
}

func NewRatio(slot, block int) (Ratio, error) {
	if slot <= 0 || block <= 0 {
		return Ratio{}, fmt.Errorf("%w: slot size %d and block size %d must be positive", util.ErrConfig, slot, block)
	}
	if slot%block != 0 && block%slot != 0 {
		return Ratio{}, fmt.Errorf("%w: slot size %d and block size %d do not divide", util.ErrConfig, slot, block)
	}
	return Ratio{SlotSize: slot, BlockSize: block}, nil
}

// Unit is the smallest number of slots that a whole number of blocks fills.
func (r Ratio) Unit() int {
	if r.BlockSize > r.SlotSize {
		return r.BlockSize / r.SlotSize
	}
	return 1
}

// Slots is how many slots blocks blocks fill.
func (r Ratio) Slots(blocks int) int {
	if r.BlockSize >= r.SlotSize {
		return blocks * (r.BlockSize / r.SlotSize)
	}
	return (blocks*r.BlockSize + r.SlotSize - 1) / r.SlotSize
}

// Blocks is how many blocks fit in slots slots.
func (r Ratio) Blocks(slots int) int {
	return slots * r.SlotSize / r.BlockSize
}
