package driver

import (
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/arena"
)

type optionValues struct {
	l            *logrus.Logger
	rxArena      *arena.Arena
	slotSize     int
	flushTimeout time.Duration
	queues       int
	depth        int
	blockSize    int
	registerMem  *arena.Arena
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.slotSize <= 0 || o.slotSize > 0xffff {
		return errors.New("slot size must be between 1 and 65535")
	}
	if o.depth <= 0 {
		return errors.New("queue depth must be positive")
	}
	if o.blockSize <= 0 || o.blockSize&(o.blockSize-1) != 0 {
		return errors.New("block size must be a positive power of 2")
	}
	if o.queues < 0 {
		return errors.New("queue count cannot be negative")
	}
	return nil
}

func defaultOptions() optionValues {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return optionValues{
		l:            l,
		slotSize:     2048,
		flushTimeout: time.Second,
		depth:        64,
		blockSize:    4096,
	}
}

// Option can be passed to the driver constructors.
type Option func(*optionValues)

func WithLogger(l *logrus.Logger) Option {
	return func(o *optionValues) { o.l = l }
}

// WithReceiveArena prepares the receive rings, filling every slot with a buffer from a before the first sync.
// Without it a network driver is transmit only.
func WithReceiveArena(a *arena.Arena) Option {
	return func(o *optionValues) { o.rxArena = a }
}

// WithSlotSize sets the size of the receive buffers and the largest frame accepted for transmit.
func WithSlotSize(size int) Option {
	return func(o *optionValues) { o.slotSize = size }
}

// WithFlushTimeout bounds how long Flush keeps syncing a transmit ring.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *optionValues) { o.flushTimeout = d }
}

// WithQueues caps the number of queues opened. Zero opens one per online CPU, bounded by the hardware.
func WithQueues(n int) Option {
	return func(o *optionValues) { o.queues = n }
}

// WithDepth sets how many storage commands may be in flight per queue.
func WithDepth(n int) Option {
	return func(o *optionValues) { o.depth = n }
}

// WithBlockSize sets the logical block size of a storage device.
func WithBlockSize(n int) Option {
	return func(o *optionValues) { o.blockSize = n }
}

// WithRegisteredArena registers the whole mapping of a with the storage backend so that transfers skip the
// per-command page pinning.
func WithRegisteredArena(a *arena.Arena) Option {
	return func(o *optionValues) { o.registerMem = a }
}
