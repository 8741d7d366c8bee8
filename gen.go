package libpop

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/upa/libpop/bridge"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/packet"
	"github.com/upa/libpop/util"
)

// Mode is what the generator does with the devices.
type Mode int

const (
	// ModeBridge reads frames from storage and sends them.
	ModeBridge Mode = iota
	// ModeReceive harvests and counts received frames.
	ModeReceive
	// ModeTransmit sends the same prebuilt frames over and over.
	ModeTransmit
	// ModeStore writes frame images to storage for a later bridge run.
	ModeStore
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "bridge":
		return ModeBridge, nil
	case "receive", "rx":
		return ModeReceive, nil
	case "transmit", "tx":
		return ModeTransmit, nil
	case "store":
		return ModeStore, nil
	}
	return 0, fmt.Errorf("%w: unknown gen.mode %q, expected bridge, receive, transmit or store", util.ErrConfig, s)
}

func (m Mode) String() string {
	switch m {
	case ModeBridge:
		return "bridge"
	case ModeReceive:
		return "receive"
	case ModeTransmit:
		return "transmit"
	case ModeStore:
		return "store"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) usesNetwork() bool { return m != ModeStore }
func (m Mode) usesStorage() bool { return m == ModeBridge || m == ModeStore }

func packetConfig(c *config.C) (packet.Config, error) {
	pc := packet.DefaultConfig()

	var err error
	if pc.SrcMAC, err = macFromConfig(c, "gen.packet.src_mac", pc.SrcMAC); err != nil {
		return pc, err
	}
	if pc.DstMAC, err = macFromConfig(c, "gen.packet.dst_mac", pc.DstMAC); err != nil {
		return pc, err
	}
	if pc.SrcIP, err = addrFromConfig(c, "gen.packet.src_ip", pc.SrcIP); err != nil {
		return pc, err
	}
	if pc.DstIP, err = addrFromConfig(c, "gen.packet.dst_ip", pc.DstIP); err != nil {
		return pc, err
	}

	pc.SrcPort = uint16(c.GetInt("gen.packet.src_port", int(pc.SrcPort)))
	pc.DstPort = uint16(c.GetInt("gen.packet.dst_port", int(pc.DstPort)))
	pc.TTL = uint8(c.GetInt("gen.packet.ttl", int(pc.TTL)))
	pc.Length = c.GetInt("gen.packet.length", pc.Length)

	// Validate now rather than when the first worker starts.
	if _, err := packet.NewBuilder(pc); err != nil {
		return pc, fmt.Errorf("%w: gen.packet: %w", util.ErrConfig, err)
	}
	return pc, nil
}

func macFromConfig(c *config.C, k string, d net.HardwareAddr) (net.HardwareAddr, error) {
	s := c.GetString(k, "")
	if s == "" {
		return d, nil
	}
	mac, err := net.ParseMAC(s)
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("%w: %s: invalid MAC %q", util.ErrConfig, k, s)
	}
	return mac, nil
}

func addrFromConfig(c *config.C, k string, d netip.Addr) (netip.Addr, error) {
	s := c.GetString(k, "")
	if s == "" {
		return d, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return d, fmt.Errorf("%w: %s: %w", util.ErrConfig, k, err)
	}
	return a, nil
}

func bridgeConfig(c *config.C) (bridge.Config, error) {
	bc := bridge.DefaultConfig()

	walk, err := bridge.ParseWalk(c.GetString("bridge.walk", bc.Walk.String()))
	if err != nil {
		return bc, err
	}

	bc.Walk = walk
	bc.Slots = c.GetInt("bridge.slots", bc.Slots)
	bc.SlotSize = c.GetByteSize("bridge.slot_size", bc.SlotSize)
	bc.MinProduce = c.GetInt("bridge.min_produce", bc.MinProduce)
	bc.MinConsume = c.GetInt("bridge.min_consume", bc.MinConsume)
	bc.MaxCommands = c.GetInt("bridge.max_commands", bc.MaxCommands)
	bc.MaxTxBatch = c.GetInt("network.batch", bc.MaxTxBatch)
	bc.MaxFailures = c.GetInt("bridge.max_consecutive_failures", bc.MaxFailures)
	bc.WaitTimeout = c.GetDuration("storage.timeout", bc.WaitTimeout)
	bc.FlushEachBatch = c.GetBool("bridge.flush_each_batch", false)
	bc.Seed = c.GetUint64("bridge.seed", 0)
	bc.LBA = bridge.LBARange{
		Start: c.GetUint64("bridge.lba_start", 0),
		End:   c.GetUint64("bridge.lba_end", 0),
	}
	return bc, nil
}
