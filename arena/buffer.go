package arena

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrBounds is returned by the adjust operations when the result would not fit the buffer. The buffer is left
// unchanged.
var ErrBounds = errors.New("buffer bounds exceeded")

// Buffer is a window (offset, length) into a fixed piece of arena memory. The memory never moves, so the physical
// address of the data is always the physical base plus the offset and can be handed straight to a device.
//
// A Buffer belongs to one queue at a time and is not safe for concurrent use.
type Buffer struct {
	arena *Arena
	mem   []byte
	phys  uint64

	offset int
	length int
}

// Put grows the data by n bytes at the tail.
func (b *Buffer) Put(n int) ([]byte, error) {
	mustNotBeNegative(n)
	if b.offset+b.length+n > len(b.mem) {
		return nil, b.boundsError("put", n)
	}
	b.length += n
	return b.Data(), nil
}

// Trim shrinks the data by n bytes at the tail.
func (b *Buffer) Trim(n int) ([]byte, error) {
	mustNotBeNegative(n)
	if n > b.length {
		return nil, b.boundsError("trim", n)
	}
	b.length -= n
	return b.Data(), nil
}

// Pull removes n bytes from the head, typically to strip a header.
func (b *Buffer) Pull(n int) ([]byte, error) {
	mustNotBeNegative(n)
	if n > b.length {
		return nil, b.boundsError("pull", n)
	}
	b.length -= n
	b.offset += n
	return b.Data(), nil
}

// Push extends the data by n bytes in front of the head, typically to prepend a header.
func (b *Buffer) Push(n int) ([]byte, error) {
	mustNotBeNegative(n)
	if n > b.offset {
		return nil, b.boundsError("push", n)
	}
	b.length += n
	b.offset -= n
	return b.Data(), nil
}

// Reserve moves an empty buffer's head forward by n bytes so that headers can later be pushed in front of it.
func (b *Buffer) Reserve(n int) error {
	mustNotBeNegative(n)
	if b.length != 0 || b.offset+n > len(b.mem) {
		return b.boundsError("reserve", n)
	}
	b.offset += n
	return nil
}

// Slice returns an empty buffer over size bytes of b's memory starting at off. Both share the memory, which is how
// one allocation is cut into ring slots or how a run of slots is addressed as one transfer.
func (b *Buffer) Slice(off, size int) *Buffer {
	if off < 0 || size < 0 || off+size > len(b.mem) {
		panic(fmt.Sprintf("slice [%d:%d] out of buffer of size %d", off, off+size, len(b.mem)))
	}
	return &Buffer{
		arena: b.arena,
		mem:   b.mem[off : off+size : off+size],
		phys:  b.phys + uint64(off),
	}
}

// Reset empties the buffer and moves the head back to the start.
func (b *Buffer) Reset() {
	b.offset = 0
	b.length = 0
}

// Data is the current payload.
func (b *Buffer) Data() []byte {
	return b.mem[b.offset : b.offset+b.length]
}

// Bytes is the entire memory of the buffer regardless of offset and length.
func (b *Buffer) Bytes() []byte {
	return b.mem
}

// Addr is the virtual address of the first data byte.
func (b *Buffer) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.mem))) + uintptr(b.offset)
}

// Physical is the physical address of the first data byte.
func (b *Buffer) Physical() uint64 {
	return b.phys + uint64(b.offset)
}

func (b *Buffer) Len() int    { return b.length }
func (b *Buffer) Offset() int { return b.offset }
func (b *Buffer) Size() int   { return len(b.mem) }

func (b *Buffer) Arena() *Arena {
	return b.arena
}

// Free drops the handle. The memory is not returned to the arena.
func (b *Buffer) Free() {
	b.arena = nil
	b.mem = nil
	b.phys = 0
	b.offset = 0
	b.length = 0
}

func (b *Buffer) boundsError(op string, n int) error {
	return fmt.Errorf("%w: %s %d with size=%d offset=%d length=%d", ErrBounds, op, n, len(b.mem), b.offset, b.length)
}

func mustNotBeNegative(n int) {
	if n < 0 {
		panic(fmt.Sprintf("negative buffer adjustment %d", n))
	}
}
