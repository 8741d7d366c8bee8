// Package netmap is a minimal binding to netmap ports: register one hardware
// ring pair per file descriptor, reach the rings inside the shared mapping,
// and sync them with the kernel.
package netmap

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// ioctlRegisterInterface binds a file descriptor to a port and some of its rings.
	//
	// Request payload: [request]
	// Kernel name: NIOCREGIF
	ioctlRegisterInterface = 0xc03c6992

	// ioctlTxSync pushes released transmit slots to the NIC and reclaims sent ones.
	//
	// Request payload: none
	// Kernel name: NIOCTXSYNC
	ioctlTxSync = 0x00006994

	// ioctlRxSync releases consumed receive slots and picks up new packets.
	//
	// Request payload: none
	// Kernel name: NIOCRXSYNC
	ioctlRxSync = 0x00006995

	apiVersion = 14

	// regOneNIC binds a single hardware ring pair selected by ringid.
	//
	// Kernel name: NR_REG_ONE_NIC
	regOneNIC = 4

	// noTxPoll keeps poll() from implicitly syncing the transmit ring.
	//
	// Kernel name: NETMAP_NO_TX_POLL
	noTxPoll = 0x1000

	ifNameSize = 16

	// ifRingOffsets is where the ring offset table starts in a netmap_if.
	ifRingOffsets = 56

	DefaultDevice = "/dev/netmap"
	portPrefix    = "netmap:"
)

// request is the legacy registration payload.
//
// Kernel name: nmreq
type request struct {
	Name    [ifNameSize]byte
	Version uint32
	Offset  uint32
	MemSize uint32
	TxSlots uint32
	RxSlots uint32
	TxRings uint16
	RxRings uint16
	RingID  uint16
	Cmd     uint16
	Arg1    uint16
	Arg2    uint16
	Arg3    uint32
	Flags   uint32
	Spare   uint32
}

// netmapIf is the fixed part of the interface descriptor in the shared mapping.
//
// Kernel name: netmap_if
type netmapIf struct {
	Name        [ifNameSize]byte
	Version     uint32
	Flags       uint32
	TxRings     uint32
	RxRings     uint32
	BufsHead    uint32
	HostTxRings uint32
	HostRxRings uint32
	_           [3]uint32
}

// Port is a file descriptor bound to one hardware ring pair of an interface.
type Port struct {
	f      *os.File
	name   string
	ring   int
	mem    []byte
	parent *Port
	nifp   unsafe.Pointer
	req    request

	tx *Ring
	rx *Ring
}

// IfName strips the "netmap:" prefix from a port name.
func IfName(name string) string {
	return strings.TrimPrefix(name, portPrefix)
}

// Open registers ring of the interface named by name ("netmap:eth0" or "eth0") and maps the shared memory.
func Open(name string, ring int) (*Port, error) {
	p, err := register(name, ring)
	if err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(int(p.f.Fd()), 0, int(p.req.MemSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		p.f.Close()
		return nil, fmt.Errorf("mmap netmap memory of %s: %w", p.name, err)
	}

	p.mem = mem
	p.bind()
	return p, nil
}

// OpenSibling registers another ring of the same interface on a new descriptor that shares the mapping of p.
func (p *Port) OpenSibling(ring int) (*Port, error) {
	root := p
	if p.parent != nil {
		root = p.parent
	}

	s, err := register(root.name, ring)
	if err != nil {
		return nil, err
	}

	if s.req.MemSize != root.req.MemSize {
		s.f.Close()
		return nil, fmt.Errorf("ring %d of %s lives in a different memory region", ring, root.name)
	}

	s.parent = root
	s.mem = root.mem
	s.bind()
	return s, nil
}

func register(name string, ring int) (*Port, error) {
	ifname := IfName(name)
	if len(ifname) == 0 || len(ifname) >= ifNameSize {
		return nil, fmt.Errorf("invalid interface name %q", name)
	}

	f, err := os.OpenFile(DefaultDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", DefaultDevice, err)
	}

	p := &Port{f: f, name: ifname, ring: ring}
	copy(p.req.Name[:], ifname)
	p.req.Version = apiVersion
	p.req.Flags = regOneNIC
	p.req.RingID = uint16(ring) | noTxPoll

	if err := ioctl(int(f.Fd()), ioctlRegisterInterface, unsafe.Pointer(&p.req)); err != nil {
		f.Close()
		return nil, fmt.Errorf("register ring %d of %s: %w", ring, ifname, err)
	}
	return p, nil
}

// bind locates the interface descriptor and the two rings of this port inside the mapping.
func (p *Port) bind() {
	p.nifp = unsafe.Pointer(&p.mem[p.req.Offset])
	nifp := (*netmapIf)(p.nifp)

	hostTx := nifp.HostTxRings
	if hostTx == 0 {
		hostTx = 1
	}

	p.tx = newRing(p.ringAt(p.ring))
	p.rx = newRing(p.ringAt(p.ring + int(nifp.TxRings+hostTx)))
}

func (p *Port) ringAt(index int) unsafe.Pointer {
	ofs := *(*int64)(unsafe.Add(p.nifp, ifRingOffsets+index*8))
	return unsafe.Add(p.nifp, ofs)
}

func (p *Port) Name() string   { return p.name }
func (p *Port) RingIndex() int { return p.ring }
func (p *Port) TxRing() *Ring  { return p.tx }
func (p *Port) RxRing() *Ring  { return p.rx }
func (p *Port) TxRings() int   { return int(p.req.TxRings) }
func (p *Port) RxRings() int   { return int(p.req.RxRings) }

func (p *Port) TxSync() error {
	return ioctl(int(p.f.Fd()), ioctlTxSync, nil)
}

func (p *Port) RxSync() error {
	return ioctl(int(p.f.Fd()), ioctlRxSync, nil)
}

// Poll waits up to timeout for the receive ring to have packets, or the transmit ring to have space.
func (p *Port) Poll(rx bool, timeout time.Duration) (bool, error) {
	events := int16(unix.POLLOUT)
	if rx {
		events = unix.POLLIN
	}

	fds := []unix.PollFd{{Fd: int32(p.f.Fd()), Events: events}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll %s ring %d: %w", p.name, p.ring, err)
		}
		return n > 0 && fds[0].Revents&events != 0, nil
	}
}

// Close releases the descriptor. The first port of an interface also owns the mapping, close it last.
func (p *Port) Close() error {
	var errs []error
	if p.parent == nil && p.mem != nil {
		if err := unix.Munmap(p.mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
	}
	p.mem = nil
	if err := p.f.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return fmt.Errorf("ioctl request %#x: %w", req, errno)
	}
	return nil
}
