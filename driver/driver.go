// Package driver posts arena buffers to hardware queues and harvests them
// back without copying. A network ring driver moves frames through NIC
// descriptor rings, a storage queue driver moves blocks through NVMe style
// command queues. Both expose one context per queue index and expect each
// queue to be driven by a single goroutine.
package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/upa/libpop/arena"
	"github.com/upa/libpop/util"
)

type Kind int

const (
	KindNetwork Kind = iota
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindStorage:
		return "storage"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	// ErrSync wraps a failed ring synchronization call. The loop driving the queue should stop.
	ErrSync = fmt.Errorf("ring sync failed: %w", util.ErrTransient)

	// ErrTimeout is returned by Wait when the command has not completed in time. The command is still in flight.
	ErrTimeout = fmt.Errorf("command timed out: %w", util.ErrTransient)

	// ErrQueueFull is returned when a storage queue already has its maximum number of commands in flight.
	ErrQueueFull = fmt.Errorf("command queue full: %w", util.ErrNoCapacity)

	ErrShortBuffer    = errors.New("buffer is smaller than the transfer")
	ErrFrameTooLarge  = errors.New("frame does not fit a ring slot")
	ErrNoReceive      = errors.New("receive rings were not prepared")
	ErrUnknownToken   = errors.New("unknown completion token")
	ErrFlushTimeout   = fmt.Errorf("transmit ring did not drain: %w", util.ErrTransient)
	ErrInvalidCommand = errors.New("invalid command")
)

// Driver is what both variants have in common.
type Driver interface {
	Kind() Kind
	Queues() int
	Close() error
}

// NetworkRing posts and harvests frames on NIC rings.
type NetworkRing interface {
	Driver

	// Write posts as many of bufs as there are free slots and returns how many it posted. The rest are untouched
	// and stay with the caller.
	Write(bufs []*arena.Buffer, queue int) (int, error)

	// Read harvests received frames. Each harvested slot swaps its filled buffer into bufs[i] and takes the
	// caller's empty buffer in exchange. Zero means nothing arrived yet.
	Read(bufs []*arena.Buffer, queue int) (int, error)

	// Poll waits up to timeout for received frames.
	Poll(queue int, timeout time.Duration) (bool, error)

	// Flush syncs the transmit ring until everything posted has left.
	Flush(queue int) error

	// SlotSize is the largest frame a slot carries.
	SlotSize() int
}

// StorageQueue submits block commands and waits for their completion.
type StorageQueue interface {
	Driver

	BlockSize() int

	// MaxBatch is how many commands a queue accepts before completions are reaped.
	MaxBatch() int

	SubmitRead(buf *arena.Buffer, lba uint64, blocks int, queue int) (Token, error)
	SubmitWrite(buf *arena.Buffer, lba uint64, blocks int, queue int) (Token, error)

	// Wait returns nil once the command completed, ErrTimeout if it has not yet, or a *CommandError.
	Wait(tok Token, timeout time.Duration) error
}

func checkQueue(queue, queues int) {
	if queue < 0 || queue >= queues {
		panic(fmt.Sprintf("queue index %d out of range [0, %d)", queue, queues))
	}
}
