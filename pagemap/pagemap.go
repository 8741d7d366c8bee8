// Package pagemap resolves the physical address behind a virtual address of
// the current process using the kernel's pagemap interface.
package pagemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// DefaultPath is the pagemap of the calling process. Reading PFNs from it requires CAP_SYS_ADMIN.
	DefaultPath = "/proc/self/pagemap"

	entrySize = 8

	pfnMask     = 0x7fffffffffffff
	presentFlag = 1 << 63
)

// ErrNotPresent is returned when the page is not resident, or the PFN is hidden from an unprivileged reader.
var ErrNotPresent = errors.New("page not present")

// Resolver turns a virtual address into the physical address currently backing it. The answer is only
// meaningful while the page stays locked in memory.
type Resolver interface {
	Resolve(vaddr uintptr) (uint64, error)
}

// Pagemap reads entries from a pagemap file. It opens the file per call so that it never holds a descriptor
// between allocations.
type Pagemap struct {
	path     string
	pageSize int
}

type Option func(*Pagemap)

// WithPath reads entries from path instead of DefaultPath.
func WithPath(path string) Option {
	return func(p *Pagemap) { p.path = path }
}

// WithPageSize overrides the page size used to index the file. It must match the base page size of the
// process, not the huge page size.
func WithPageSize(size int) Option {
	return func(p *Pagemap) { p.pageSize = size }
}

func New(opts ...Option) *Pagemap {
	p := &Pagemap{
		path:     DefaultPath,
		pageSize: unix.Getpagesize(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pagemap) Resolve(vaddr uintptr) (uint64, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", p.path, err)
	}
	defer f.Close()

	page := uint64(vaddr) / uint64(p.pageSize)

	var buf [entrySize]byte
	if _, err := f.ReadAt(buf[:], int64(page*entrySize)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, fmt.Errorf("read pagemap entry for %#x: %w", vaddr, err)
	}

	entry := binary.NativeEndian.Uint64(buf[:])
	pfn := entry & pfnMask
	if entry&presentFlag == 0 || pfn == 0 {
		return 0, fmt.Errorf("%#x: %w", vaddr, ErrNotPresent)
	}

	return pfn*uint64(p.pageSize) + uint64(vaddr)%uint64(p.pageSize), nil
}

// Identity reports virtual addresses, shifted by Offset, as physical ones. It stands in for Pagemap when the
// memory is only ever touched by software, as with the in-memory drivers.
type Identity struct {
	Offset uint64
}

func (i Identity) Resolve(vaddr uintptr) (uint64, error) {
	return uint64(vaddr) + i.Offset, nil
}
