package popdev

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// ioctlRegister asks the pop module to carve out peer memory of the given size from a device. The
	// granted size is written back into the payload.
	//
	// Request payload: [registration]
	// Kernel name: POP_P2PMEM_REG
	ioctlRegister = 0x40186901

	// ioctlUnregister releases the peer memory of a device.
	//
	// Request payload: [registration], size ignored
	// Kernel name: POP_P2PMEM_UNREG
	ioctlUnregister = 0x40186902
)

// registration is the ioctl payload of both requests.
//
// Kernel name: pop_p2pmem_reg
type registration struct {
	Domain   int32
	Bus      int32
	Slot     int32
	Function int32
	Size     uint64
}

func newRegistration(id ID, size uint64) registration {
	return registration{
		Domain:   int32(id.Domain),
		Bus:      int32(id.Bus),
		Slot:     int32(id.Slot),
		Function: int32(id.Function),
		Size:     size,
	}
}

// ioctlPtr issues an ioctl whose argument is a pointer to a payload struct.
func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, err := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if err != 0 {
		return fmt.Errorf("ioctl request %#x: %w", req, err)
	}
	return nil
}
