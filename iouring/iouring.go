//go:build linux

// Package iouring is a small io_uring binding for block I/O: a submission
// and completion ring pair, fixed buffer and eventfd registration, and
// nothing else.
package iouring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opcodes used for block I/O.
const (
	OpReadFixed  = 4
	OpWriteFixed = 5
	OpRead       = 22
	OpWrite      = 23
)

const (
	enterGetevents = 1 << 0

	setupClamp       = 1 << 4
	setupCoopTaskrun = 1 << 8

	registerBuffers   = 0
	unregisterBuffers = 1
	registerEventFD   = 4

	offSqRing = 0
	offCqRing = 0x8000000
	offSqes   = 0x10000000

	sqeSize = 64
	cqeSize = 16

	minEntries = 8
)

// ErrSubmissionQueueFull means every submission slot is taken until the kernel consumes some.
var ErrSubmissionQueueFull = errors.New("io_uring submission queue is full")

type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

type params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqringOffsets
	CqOff        cqringOffsets
}

type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	RwFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	Pad         uint64
}

type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Op describes one read or write.
type Op struct {
	Opcode   uint8
	Fd       int
	Offset   uint64
	Addr     uintptr
	Len      uint32
	BufIndex uint16
	UserData uint64
}

// Completion is the result of an Op. Res is the byte count, or a negated errno.
type Completion struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Err returns the errno carried by a failed completion.
func (c Completion) Err() error {
	if c.Res >= 0 {
		return nil
	}
	return unix.Errno(-c.Res)
}

// Ring is a single io_uring instance. It is meant to be driven by one goroutine.
type Ring struct {
	fd      int
	sqRing  []byte
	cqRing  []byte
	sqesMap []byte
	sqes    []sqe
	cqes    []cqe

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32

	cqHead *uint32
	cqTail *uint32
	cqMask uint32

	buffersRegistered bool
}

// New sets up a ring with room for entries submissions. Entries is rounded by the kernel to a power of two and
// shrunk on ENOMEM down to a minimum of 8.
func New(entries uint32) (*Ring, error) {
	if entries < minEntries {
		entries = minEntries
	}

	flagSets := []uint32{setupClamp | setupCoopTaskrun, setupClamp}
	flagSet := 0

	for {
		p := params{Flags: flagSets[flagSet]}
		fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
		if errno != 0 {
			if errno == unix.EINVAL && flagSet < len(flagSets)-1 {
				flagSet++
				continue
			}
			if errno == unix.ENOMEM && entries > minEntries {
				entries = max(entries/2, minEntries)
				continue
			}
			return nil, fmt.Errorf("io_uring_setup: %w", errno)
		}

		r := &Ring{fd: int(fd)}
		if err := r.mapRings(&p); err != nil {
			r.Close()
			return nil, err
		}
		return r, nil
	}
}

func alignUp(v, alignment uint32) uint32 {
	return (v + alignment - 1) / alignment * alignment
}

func (r *Ring) mapRings(p *params) error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := alignUp(p.SqOff.Array+p.SqEntries*4, pageSize)
	cqRingSize := alignUp(p.CqOff.Cqes+p.CqEntries*cqeSize, pageSize)
	sqesSize := alignUp(p.SqEntries*sqeSize, pageSize)

	var err error
	if r.sqRing, err = unix.Mmap(r.fd, offSqRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("mmap submission ring: %w", err)
	}
	if r.cqRing, err = unix.Mmap(r.fd, offCqRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("mmap completion ring: %w", err)
	}
	if r.sqesMap, err = unix.Mmap(r.fd, offSqes, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("mmap submission entries: %w", err)
	}

	sq := unsafe.Pointer(&r.sqRing[0])
	r.sqHead = (*uint32)(unsafe.Add(sq, p.SqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sq, p.SqOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sq, p.SqOff.RingMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sq, p.SqOff.RingEntries))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sq, p.SqOff.Array)), p.SqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqesMap[0])), p.SqEntries)

	cq := unsafe.Pointer(&r.cqRing[0])
	r.cqHead = (*uint32)(unsafe.Add(cq, p.CqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cq, p.CqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cq, p.CqOff.RingMask))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Add(cq, p.CqOff.Cqes)), p.CqEntries)

	return nil
}

// Entries is the number of submission slots.
func (r *Ring) Entries() int {
	return int(r.sqEntries)
}

// Submit queues ops and tells the kernel about them. When the submission ring cannot take every op, nothing is
// queued and ErrSubmissionQueueFull is returned.
func (r *Ring) Submit(ops ...Op) error {
	head := atomic.LoadUint32(r.sqHead)
	start := *r.sqTail
	tail := start
	if uint32(len(ops)) > r.sqEntries-(tail-head) {
		return ErrSubmissionQueueFull
	}

	for _, op := range ops {
		idx := tail & r.sqMask
		r.sqes[idx] = sqe{
			Opcode:   op.Opcode,
			Fd:       int32(op.Fd),
			Off:      op.Offset,
			Addr:     uint64(op.Addr),
			Len:      op.Len,
			UserData: op.UserData,
			BufIndex: op.BufIndex,
		}
		r.sqArray[idx] = idx
		tail++
	}
	atomic.StoreUint32(r.sqTail, tail)

	if err := r.enter(uint32(len(ops)), 0); err != nil {
		// Nothing was consumed, so withdraw the entries before a later enter can run them.
		if atomic.LoadUint32(r.sqHead) == head {
			atomic.StoreUint32(r.sqTail, start)
		}
		return err
	}
	return nil
}

// Reap copies up to len(out) finished completions into out without blocking and returns how many it copied.
func (r *Ring) Reap(out []Completion) int {
	n := 0
	head := *r.cqHead
	tail := atomic.LoadUint32(r.cqTail)
	for head != tail && n < len(out) {
		c := &r.cqes[head&r.cqMask]
		out[n] = Completion{UserData: c.UserData, Res: c.Res, Flags: c.Flags}
		n++
		head++
	}
	atomic.StoreUint32(r.cqHead, head)
	return n
}

// WaitCompletions blocks in the kernel until at least n completions are ready.
func (r *Ring) WaitCompletions(n uint32) error {
	return r.enter(0, n)
}

func (r *Ring) enter(submit, wait uint32) error {
	var flags uintptr
	if wait > 0 {
		flags = enterGetevents
	}

	for {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(submit), uintptr(wait), flags, 0, 0)
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		}
		return fmt.Errorf("io_uring_enter: %w", errno)
	}
}

// RegisterBuffers pins bufs as fixed buffers. Fixed reads and writes refer to them by index.
func (r *Ring) RegisterBuffers(bufs [][]byte) error {
	iovs := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		iovs[i].Base = &b[0]
		iovs[i].SetLen(len(b))
	}

	if err := r.register(registerBuffers, unsafe.Pointer(&iovs[0]), uint32(len(iovs))); err != nil {
		return fmt.Errorf("register %d buffers: %w", len(bufs), err)
	}
	r.buffersRegistered = true
	return nil
}

// RegisterEventFD makes the kernel signal fd whenever a completion is posted.
func (r *Ring) RegisterEventFD(fd int) error {
	efd := int32(fd)
	if err := r.register(registerEventFD, unsafe.Pointer(&efd), 1); err != nil {
		return fmt.Errorf("register eventfd: %w", err)
	}
	return nil
}

func (r *Ring) register(opcode uint32, arg unsafe.Pointer, n uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), uintptr(opcode), uintptr(arg), uintptr(n), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (r *Ring) Close() error {
	var errs []error
	if r.buffersRegistered {
		if err := r.register(unregisterBuffers, nil, 0); err != nil {
			errs = append(errs, fmt.Errorf("unregister buffers: %w", err))
		}
		r.buffersRegistered = false
	}

	for _, m := range []*[]byte{&r.sqesMap, &r.cqRing, &r.sqRing} {
		if *m != nil {
			if err := unix.Munmap(*m); err != nil {
				errs = append(errs, err)
			}
			*m = nil
		}
	}

	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, err)
		}
		r.fd = -1
	}
	return errors.Join(errs...)
}
