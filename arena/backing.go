package arena

import (
	"fmt"
	"strings"

	"github.com/upa/libpop/popdev"
)

// Kind is what memory an arena is carved from.
type Kind int

const (
	HugePage Kind = iota
	Device
)

func (k Kind) String() string {
	switch k {
	case HugePage:
		return "hugepage"
	case Device:
		return "device"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Backing selects the memory behind an arena. Device is only meaningful when Kind is Device.
type Backing struct {
	Kind   Kind
	Device popdev.ID
}

func HugePages() Backing {
	return Backing{Kind: HugePage}
}

func PeerDevice(id popdev.ID) Backing {
	return Backing{Kind: Device, Device: id}
}

// ParseBacking accepts "hugepage" (or "hugepages", or an empty string) and otherwise a PCI id.
func ParseBacking(s string) (Backing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hugepage", "hugepages":
		return HugePages(), nil
	}

	id, err := popdev.ParseID(s)
	if err != nil {
		return Backing{}, err
	}
	return PeerDevice(id), nil
}

func (b Backing) String() string {
	if b.Kind == Device {
		return b.Device.String()
	}
	return b.Kind.String()
}
