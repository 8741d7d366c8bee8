package popdev

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// iow mirrors the kernel's _IOW encoding.
func iow(typ byte, nr uint, size uintptr) uint {
	return 1<<30 | uint(size)<<16 | uint(typ)<<8 | nr
}

func TestIoctlNumbers(t *testing.T) {
	assert.Equal(t, uintptr(24), unsafe.Sizeof(registration{}))
	assert.Equal(t, uint(ioctlRegister), iow('i', 1, unsafe.Sizeof(registration{})))
	assert.Equal(t, uint(ioctlUnregister), iow('i', 2, unsafe.Sizeof(registration{})))
}

func TestNewRegistration(t *testing.T) {
	r := newRegistration(ID{Domain: 1, Bus: 2, Slot: 3, Function: 4}, 1<<20)
	assert.Equal(t, registration{Domain: 1, Bus: 2, Slot: 3, Function: 4, Size: 1 << 20}, r)
}
