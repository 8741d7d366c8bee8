package popdev

import (
	"fmt"
	"strings"

	"github.com/upa/libpop/util"
)

// ID identifies a PCI function by domain, bus, slot (device) and function number.
type ID struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// ParseID accepts "dddd:bb:ss.f" or "bb:ss.f", all fields in hex. The short form implies domain 0.
func ParseID(s string) (ID, error) {
	var d, b, sl, f uint64

	n, err := fmt.Sscanf(s, "%x:%x:%x.%x", &d, &b, &sl, &f)
	if err != nil || n != 4 {
		d = 0
		n, err = fmt.Sscanf(s, "%x:%x.%x", &b, &sl, &f)
		if err != nil || n != 3 {
			return ID{}, fmt.Errorf("%w: invalid pci id %q", util.ErrConfig, s)
		}
	}

	// Sscanf stops at the last verb, reject anything it left behind.
	if strings.Count(s, ":")+strings.Count(s, ".") > 3 || strings.ContainsAny(s, " \t") {
		return ID{}, fmt.Errorf("%w: invalid pci id %q", util.ErrConfig, s)
	}

	if d > 0xffff || b > 0xff || sl > 0x1f || f > 0x7 {
		return ID{}, fmt.Errorf("%w: pci id %q out of range", util.ErrConfig, s)
	}

	return ID{Domain: uint16(d), Bus: uint8(b), Slot: uint8(sl), Function: uint8(f)}, nil
}

func (id ID) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", id.Domain, id.Bus, id.Slot, id.Function)
}
