// Package arena maps one region of DMA capable memory, either the peer memory
// window of a PCI device or pinned huge pages, and hands out page aligned
// buffers from it with a bump allocator.
//
// The allocator never reclaims memory. Freeing a [Buffer] drops the handle
// and nothing else, so the arena runs out after a fixed amount of allocation
// for the lifetime of the process.
package arena

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/pagemap"
	"github.com/upa/libpop/popdev"
	"github.com/upa/libpop/util"
)

var (
	// ErrInvalidSize means a size that is zero, negative or not a whole number of pages.
	ErrInvalidSize = fmt.Errorf("%w: invalid size", util.ErrConfig)

	// ErrOutOfBuffers is returned by allocations once the remaining pages cannot satisfy the request.
	ErrOutOfBuffers = fmt.Errorf("out of buffers: %w", util.ErrNoCapacity)

	ErrClosed = errors.New("arena is closed")
)

type Arena struct {
	l       *logrus.Logger
	backing Backing

	mem  []byte
	file *os.File
	phys uint64

	pageSize int
	pages    int

	resolver  pagemap.Resolver
	registrar popdev.Registrar
	mapper    Mapper

	// lock guards highWater and closed.
	lock      sync.Mutex
	highWater int
	closed    bool
}

// Open maps size bytes of the given backing. Size must be a multiple of the page size. For huge pages a size of
// zero takes every reserved huge page.
func Open(backing Backing, size int, options ...Option) (*Arena, error) {
	opts := defaultOptions()
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	if opts.resolver == nil {
		opts.resolver = pagemap.New()
	}

	a := &Arena{
		l:        opts.l,
		backing:  backing,
		pageSize: opts.pageSize,
		resolver: opts.resolver,
		mapper:   opts.mapper,
	}

	if backing.Kind == HugePage && size == 0 {
		reserved, err := reservedHugePages(opts.procRoot)
		if err != nil {
			return nil, fmt.Errorf("discover reserved huge pages: %w", err)
		}
		if reserved == 0 {
			return nil, fmt.Errorf("%w: no huge pages are reserved", ErrInvalidSize)
		}
		size = reserved
	}

	if err := a.checkSize(size); err != nil {
		return nil, err
	}

	var err error
	switch backing.Kind {
	case HugePage:
		err = a.openHugePages(size)
	case Device:
		if opts.registrar == nil {
			opts.registrar = popdev.NewClient(opts.l, opts.deviceDir)
		}
		a.registrar = opts.registrar
		err = a.openDevice(backing.Device, size, opts.deviceDir)
	default:
		err = fmt.Errorf("%w: unknown backing %v", util.ErrConfig, backing.Kind)
	}
	if err != nil {
		return nil, err
	}

	a.l.WithField("backing", backing).WithField("size", len(a.mem)).WithField("phys", fmt.Sprintf("%#x", a.phys)).
		Info("Memory arena opened")
	return a, nil
}

func (a *Arena) checkSize(size int) error {
	if size < a.pageSize || size%a.pageSize != 0 {
		return fmt.Errorf("%w: %d is not a positive multiple of the page size %d", ErrInvalidSize, size, a.pageSize)
	}
	return nil
}

func (a *Arena) openHugePages(size int) error {
	mem, err := a.mapper.Map(nil, size)
	if err != nil {
		return err
	}

	if err := a.setRegion(mem); err != nil {
		a.l.WithError(err).Warn("Leaving huge pages mapped after a failed open")
		return err
	}
	return nil
}

func (a *Arena) openDevice(id popdev.ID, size int, dir string) (err error) {
	granted, err := a.registrar.Register(id, uint64(size))
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			if uerr := a.registrar.Unregister(id); uerr != nil {
				a.l.WithError(uerr).WithField("device", id).Error("Failed to unregister after a failed open")
			}
		}
	}()

	if granted != 0 && granted != uint64(size) {
		a.l.WithField("device", id).WithField("requested", size).WithField("granted", granted).
			Info("Peer memory size differs from the request")
		if granted < uint64(size) {
			size = int(granted)
		}
		if err := a.checkSize(size); err != nil {
			return err
		}
	}

	path := popdev.Path(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	mem, err := a.mapper.Map(f, size)
	if err != nil {
		f.Close()
		return err
	}

	if err := a.setRegion(mem); err != nil {
		a.mapper.Unmap(mem)
		f.Close()
		return err
	}

	a.file = f
	return nil
}

func (a *Arena) setRegion(mem []byte) error {
	phys, err := a.resolver.Resolve(uintptr(unsafe.Pointer(&mem[0])))
	if err != nil {
		return fmt.Errorf("resolve arena base: %w", err)
	}

	a.mem = mem
	a.phys = phys
	a.pages = len(mem) / a.pageSize
	return nil
}

// Alloc hands out the next size bytes, rounded up to whole pages. It fails with ErrOutOfBuffers without consuming
// anything when the arena cannot fit the request.
func (a *Arena) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: cannot allocate %d bytes", ErrInvalidSize, size)
	}

	pages := (size + a.pageSize - 1) / a.pageSize

	a.lock.Lock()
	defer a.lock.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	if pages > a.pages-a.highWater {
		return nil, fmt.Errorf("%w: need %d pages, %d of %d left", ErrOutOfBuffers, pages, a.pages-a.highWater, a.pages)
	}

	start := a.highWater * a.pageSize
	end := start + pages*a.pageSize
	mem := a.mem[start:end:end]

	phys, err := a.resolver.Resolve(uintptr(unsafe.Pointer(&mem[0])))
	if err != nil {
		return nil, fmt.Errorf("resolve buffer at page %d: %w", a.highWater, err)
	}

	a.highWater += pages
	return &Buffer{arena: a, mem: mem, phys: phys}, nil
}

// AllocSlots carves count buffers of slotSize bytes out of a single allocation. The slots are laid out back to back
// and their physical addresses follow from the physical address of the allocation.
func (a *Arena) AllocSlots(slotSize, count int) ([]*Buffer, error) {
	if slotSize <= 0 || count <= 0 {
		return nil, fmt.Errorf("%w: %d slots of %d bytes", ErrInvalidSize, count, slotSize)
	}

	region, err := a.Alloc(slotSize * count)
	if err != nil {
		return nil, err
	}

	slots := make([]*Buffer, count)
	for i := range slots {
		slots[i] = region.Slice(i*slotSize, slotSize)
	}
	return slots, nil
}

// Close releases a device backed arena: unmap, close and unregister. Huge pages are deliberately left mapped since
// unmapping them has not been reliable, so closing a huge page arena leaks it until the process exits.
func (a *Arena) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if a.backing.Kind == HugePage {
		a.l.WithField("size", len(a.mem)).Debug("Huge page arena stays mapped until exit")
		return nil
	}

	var errs []error
	if err := a.mapper.Unmap(a.mem); err != nil {
		errs = append(errs, fmt.Errorf("unmap: %w", err))
	}
	if err := a.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", a.file.Name(), err))
	}
	if err := a.registrar.Unregister(a.backing.Device); err != nil {
		errs = append(errs, err)
	}
	a.mem = nil

	return errors.Join(errs...)
}

func (a *Arena) Backing() Backing {
	return a.backing
}

// Size is the mapped size in bytes.
func (a *Arena) Size() int {
	return a.pages * a.pageSize
}

func (a *Arena) PageSize() int {
	return a.pageSize
}

// Pages is the total number of pages in the arena.
func (a *Arena) Pages() int {
	return a.pages
}

// HighWater is the number of pages handed out so far.
func (a *Arena) HighWater() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.highWater
}

// Available is the number of bytes that can still be allocated.
func (a *Arena) Available() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return (a.pages - a.highWater) * a.pageSize
}

// Physical is the physical address of the first byte of the arena.
func (a *Arena) Physical() uint64 {
	return a.phys
}

// Region returns the whole mapping, used to register it with a storage backend in one piece.
func (a *Arena) Region() []byte {
	return a.mem
}
