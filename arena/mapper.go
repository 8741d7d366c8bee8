package arena

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapper maps arena memory. f is the registered device file, or nil for anonymous huge pages.
type Mapper interface {
	Map(f *os.File, size int) ([]byte, error)
	Unmap(b []byte) error
}

type mmapMapper struct{}

func (mmapMapper) Map(f *os.File, size int) ([]byte, error) {
	if f == nil {
		b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_LOCKED|unix.MAP_HUGETLB)
		if err != nil {
			return nil, fmt.Errorf("mmap %d bytes of huge pages: %w", size, err)
		}
		return b, nil
	}

	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes of %s: %w", size, f.Name(), err)
	}
	return b, nil
}

func (mmapMapper) Unmap(b []byte) error {
	return unix.Munmap(b)
}

// SimulatedMapper maps ordinary anonymous pages, or a file without locking it. The memory is not DMA capable and
// is meant for dry runs against the in-memory drivers.
type SimulatedMapper struct{}

func (SimulatedMapper) Map(f *os.File, size int) ([]byte, error) {
	fd, flags := -1, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS
	if f != nil {
		fd, flags = int(f.Fd()), unix.MAP_SHARED
	}

	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return b, nil
}

func (SimulatedMapper) Unmap(b []byte) error {
	return unix.Munmap(b)
}
