//go:build linux

package driver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/affinity"
	"github.com/upa/libpop/eventfd"
	"github.com/upa/libpop/iouring"
	"github.com/upa/libpop/util"
	"golang.org/x/sys/unix"
)

// OpenURing opens device with O_DIRECT once per queue and gives every queue its own io_uring of depth entries.
// Completions are signalled through an eventfd so Wait can sleep with a timeout.
func OpenURing(device string, options ...Option) (*Storage, error) {
	o := defaultOptions()
	o.apply(options)
	if err := o.validate(); err != nil {
		return nil, err
	}

	queues := o.queues
	if queues == 0 {
		queues = affinity.OnlineCPUs()
	}

	var backends []Backend
	closeAll := func() {
		for _, b := range backends {
			if err := b.Close(); err != nil {
				o.l.WithError(err).Warn("Failed to close io_uring queue")
			}
		}
	}

	for q := 0; q < queues; q++ {
		b, err := newURingBackend(device, &o)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("queue %d: %w", q, err)
		}
		backends = append(backends, b)
	}

	s, err := NewStorage(backends, options...)
	if err != nil {
		closeAll()
		return nil, err
	}

	o.l.WithFields(logrus.Fields{
		"device":     device,
		"queues":     queues,
		"depth":      o.depth,
		"blockSize":  o.blockSize,
		"registered": o.registerMem != nil,
	}).Info("Storage device opened")
	return s, nil
}

type uringBackend struct {
	f     *os.File
	ring  *iouring.Ring
	efd   *eventfd.EventFD
	ep    *eventfd.Epoll
	fixed []byte

	lengths map[uint64]int
	cqes    []iouring.Completion
}

func newURingBackend(device string, o *optionValues) (_ *uringBackend, err error) {
	b := &uringBackend{lengths: make(map[uint64]int)}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if b.f, err = os.OpenFile(device, os.O_RDWR|unix.O_DIRECT, 0); err != nil {
		return nil, err
	}
	if err = checkBlockSize(b.f, o.blockSize); err != nil {
		return nil, err
	}

	if b.ring, err = iouring.New(uint32(o.depth)); err != nil {
		return nil, err
	}
	b.cqes = make([]iouring.Completion, b.ring.Entries()*2)

	if b.efd, err = eventfd.New(); err != nil {
		return nil, err
	}
	if err = b.ring.RegisterEventFD(b.efd.FD()); err != nil {
		return nil, err
	}
	if b.ep, err = eventfd.NewEpoll(); err != nil {
		return nil, err
	}
	if err = b.ep.Add(b.efd.FD()); err != nil {
		return nil, fmt.Errorf("watch eventfd: %w", err)
	}

	if o.registerMem != nil {
		region := o.registerMem.Region()
		if err = b.ring.RegisterBuffers([][]byte{region}); err != nil {
			return nil, err
		}
		b.fixed = region
	}
	return b, nil
}

// checkBlockSize rejects a block size the device cannot address. Regular files have no sector size and pass.
func checkBlockSize(f *os.File, blockSize int) error {
	sector, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return nil
	}
	if blockSize%sector != 0 {
		return fmt.Errorf("%w: block size %d is not a multiple of the %d byte sectors of %s",
			util.ErrConfig, blockSize, sector, f.Name())
	}
	return nil
}

func (b *uringBackend) Submit(cmd Command) error {
	data := cmd.Buf.Bytes()[:cmd.Length]
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(data)))

	op := iouring.Op{
		Opcode:   iouring.OpRead,
		Fd:       int(b.f.Fd()),
		Offset:   uint64(cmd.Offset),
		Addr:     addr,
		Len:      uint32(cmd.Length),
		UserData: cmd.Tag,
	}
	if cmd.Write {
		op.Opcode = iouring.OpWrite
	}

	if b.contains(addr, cmd.Length) {
		op.Opcode = iouring.OpReadFixed
		if cmd.Write {
			op.Opcode = iouring.OpWriteFixed
		}
	}

	if err := b.ring.Submit(op); err != nil {
		if errors.Is(err, iouring.ErrSubmissionQueueFull) {
			return fmt.Errorf("%w: %w", ErrQueueFull, err)
		}
		return err
	}
	b.lengths[cmd.Tag] = cmd.Length
	return nil
}

// contains reports whether [addr, addr+n) lies inside the registered fixed buffer.
func (b *uringBackend) contains(addr uintptr, n int) bool {
	if b.fixed == nil {
		return false
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(b.fixed)))
	return addr >= start && addr+uintptr(n) <= start+uintptr(len(b.fixed))
}

func (b *uringBackend) Reap(timeout time.Duration) ([]Result, error) {
	n := b.ring.Reap(b.cqes)
	if n == 0 && timeout > 0 {
		if _, err := b.ep.Wait(timeout); err != nil {
			return nil, err
		}
		if _, err := b.efd.Clear(); err != nil {
			return nil, fmt.Errorf("clear eventfd: %w", err)
		}
		n = b.ring.Reap(b.cqes)
	}

	res := make([]Result, n)
	for i, c := range b.cqes[:n] {
		res[i].Tag = c.UserData
		want := b.lengths[c.UserData]
		delete(b.lengths, c.UserData)

		switch {
		case c.Res < 0:
			res[i].Err = c.Err()
		case int(c.Res) < want:
			res[i].Err = fmt.Errorf("%w: transferred %d of %d bytes", io.ErrUnexpectedEOF, c.Res, want)
		}
	}
	return res, nil
}

func (b *uringBackend) Close() error {
	var errs []error
	if b.ring != nil {
		errs = append(errs, b.ring.Close())
	}
	if b.ep != nil {
		errs = append(errs, b.ep.Close())
	}
	if b.efd != nil {
		errs = append(errs, b.efd.Close())
	}
	if b.f != nil {
		errs = append(errs, b.f.Close())
	}
	return errors.Join(errs...)
}
