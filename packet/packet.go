// Package packet builds the test frames the generator sends and keeps the length of a frame stored in a slot.
//
// A slot holds a frame at its start and a little endian uint32 frame length in its last four bytes. The length
// travels with the frame through storage, so a slot read back from a block device says how much of it to send.
// A zero length marks a slot that holds no frame.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// TrailerSize is the space the length takes at the end of a slot.
	TrailerSize = 4

	// HeaderSize is an Ethernet, IPv4 and UDP header without options.
	HeaderSize = 14 + 20 + 8

	// MinFrame is the shortest Ethernet frame without the FCS.
	MinFrame = 60
)

var ErrFrameSize = errors.New("invalid frame size")

// Config describes the frames a Builder makes. Length is the whole frame without FCS.
type Config struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	TTL     uint8
	Length  int
}

// DefaultConfig is a broadcast frame from 10.0.0.2 to 10.0.0.1, UDP port 60000.
func DefaultConfig() Config {
	return Config{
		SrcMAC:  net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		DstMAC:  net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		SrcIP:   netip.MustParseAddr("10.0.0.2"),
		DstIP:   netip.MustParseAddr("10.0.0.1"),
		SrcPort: 9,
		DstPort: 60000,
		TTL:     16,
		Length:  MinFrame,
	}
}

// Builder serializes Ethernet/IPv4/UDP frames with a zero payload.
type Builder struct {
	cfg     Config
	payload []byte
	buf     gopacket.SerializeBuffer
	opts    gopacket.SerializeOptions
}

func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Length < MinFrame || cfg.Length > 0xffff {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, cfg.Length)
	}
	if !cfg.SrcIP.Is4() || !cfg.DstIP.Is4() {
		return nil, fmt.Errorf("frames need IPv4 addresses, got %v and %v", cfg.SrcIP, cfg.DstIP)
	}
	if len(cfg.SrcMAC) != 6 || len(cfg.DstMAC) != 6 {
		return nil, errors.New("frames need 6 byte MAC addresses")
	}

	return &Builder{
		cfg:     cfg,
		payload: make([]byte, cfg.Length-HeaderSize),
		buf:     gopacket.NewSerializeBuffer(),
		opts: gopacket.SerializeOptions{
			ComputeChecksums: true,
			FixLengths:       true,
		},
	}, nil
}

// Length is the size of every frame the builder makes.
func (b *Builder) Length() int {
	return b.cfg.Length
}

// Build writes a frame to the start of dst and returns its length.
func (b *Builder) Build(dst []byte) (int, error) {
	return b.BuildFrom(dst, b.cfg.SrcPort)
}

// BuildFrom is Build with another UDP source port, which lets receivers tell frames or flows apart.
func (b *Builder) BuildFrom(dst []byte, srcPort uint16) (int, error) {
	if len(dst) < b.cfg.Length {
		return 0, fmt.Errorf("%w: %d bytes do not fit a %d byte frame", ErrFrameSize, len(dst), b.cfg.Length)
	}

	eth := layers.Ethernet{
		SrcMAC:       b.cfg.SrcMAC,
		DstMAC:       b.cfg.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      b.cfg.TTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    b.cfg.SrcIP.AsSlice(),
		DstIP:    b.cfg.DstIP.AsSlice(),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(b.cfg.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return 0, err
	}

	if err := gopacket.SerializeLayers(b.buf, b.opts, &eth, &ip, &udp, gopacket.Payload(b.payload)); err != nil {
		return 0, err
	}
	return copy(dst, b.buf.Bytes()), nil
}

// SetLength stores the frame length n in the trailer of slot.
func SetLength(slot []byte, n int) {
	binary.LittleEndian.PutUint32(slot[len(slot)-TrailerSize:], uint32(n))
}

// Length reads the trailer of slot. It returns 0 when the slot holds no frame or a length that cannot be right.
func Length(slot []byte) int {
	if len(slot) < TrailerSize {
		return 0
	}
	n := binary.LittleEndian.Uint32(slot[len(slot)-TrailerSize:])
	if n > uint32(len(slot)-TrailerSize) {
		return 0
	}
	return int(n)
}

// Invalidate marks slot as holding no frame.
func Invalidate(slot []byte) {
	SetLength(slot, 0)
}
