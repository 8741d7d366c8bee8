package libpop

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/affinity"
	"github.com/upa/libpop/arena"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/driver"
	"github.com/upa/libpop/netmap"
	"github.com/upa/libpop/pagemap"
	"github.com/upa/libpop/popdev"
	"github.com/upa/libpop/util"
)

// simulated reports whether every device is in memory, in which case the arena needs no real DMA memory either.
func simulated(c *config.C, m Mode) bool {
	net := !m.usesNetwork() || c.GetString("network.driver", "netmap") == "memory"
	st := !m.usesStorage() || c.GetString("storage.driver", "uring") == "memory"
	return c.GetBool("memory.simulate", net && st)
}

func openArena(l *logrus.Logger, c *config.C, m Mode) (*arena.Arena, error) {
	backing, err := arena.ParseBacking(c.GetString("memory.backing", "hugepage"))
	if err != nil {
		return nil, err
	}

	opts := []arena.Option{
		arena.WithLogger(l),
		arena.WithDeviceDir(c.GetString("memory.device_dir", popdev.DefaultDir)),
	}
	if ps := c.GetByteSize("memory.page_size", 0); ps > 0 {
		opts = append(opts, arena.WithPageSize(ps))
	}
	size := c.GetByteSize("memory.size", 0)
	if simulated(c, m) {
		l.Info("Using simulated DMA memory")
		opts = append(opts, arena.WithMapper(arena.SimulatedMapper{}), arena.WithResolver(pagemap.Identity{}))
		if size == 0 {
			size = 64 << 20
		}
	}

	return arena.Open(backing, size, opts...)
}

// devices holds what Main opened so Control can close it in order.
type devices struct {
	arena   *arena.Arena
	network driver.NetworkRing
	storage driver.StorageQueue

	// Only set for in-memory devices.
	memPorts []*netmap.MemoryPort
	memDisk  *driver.MemoryDisk
}

func openDevices(l *logrus.Logger, c *config.C, m Mode) (_ *devices, err error) {
	d := &devices{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.arena, err = openArena(l, c, m)
	if err != nil {
		return nil, fmt.Errorf("failed to open the memory arena: %w", err)
	}

	if m.usesNetwork() {
		var rx *arena.Arena
		if m == ModeReceive {
			rx = d.arena
		}
		d.network, d.memPorts, err = openNetwork(l, c, rx)
		if err != nil {
			return nil, fmt.Errorf("failed to open the network driver: %w", err)
		}
	}

	if m.usesStorage() {
		d.storage, d.memDisk, err = openStorage(l, c, d.arena)
		if err != nil {
			return nil, fmt.Errorf("failed to open the storage driver: %w", err)
		}
	}

	return d, nil
}

// queues is the number of queues every opened driver can serve.
func (d *devices) queues() int {
	n := 0
	for _, drv := range []driver.Driver{d.network, d.storage} {
		if drv == nil {
			continue
		}
		if n == 0 || drv.Queues() < n {
			n = drv.Queues()
		}
	}
	return n
}

// Close releases the drivers before the arena their buffers came from.
func (d *devices) Close() error {
	var errs []error
	if d.network != nil {
		errs = append(errs, d.network.Close())
	}
	if d.storage != nil {
		errs = append(errs, d.storage.Close())
	}
	if d.arena != nil {
		errs = append(errs, d.arena.Close())
	}
	return errors.Join(errs...)
}

func openNetwork(l *logrus.Logger, c *config.C, rx *arena.Arena) (driver.NetworkRing, []*netmap.MemoryPort, error) {
	opts := []driver.Option{
		driver.WithLogger(l),
		driver.WithSlotSize(c.GetByteSize("bridge.slot_size", 2048)),
		driver.WithQueues(c.GetInt("network.queues", 0)),
		driver.WithFlushTimeout(c.GetDuration("network.flush_timeout", time.Second)),
	}
	if rx != nil {
		opts = append(opts, driver.WithReceiveArena(rx))
	}

	switch kind := c.GetString("network.driver", "netmap"); kind {
	case "netmap":
		port := c.GetString("network.port", "")
		if port == "" {
			return nil, nil, fmt.Errorf("%w: network.port must be set", util.ErrConfig)
		}
		n, err := driver.OpenNetmap(port, opts...)
		if err != nil {
			return nil, nil, err
		}
		return n, nil, nil

	case "memory":
		queues := c.GetInt("network.queues", 0)
		if queues <= 0 {
			queues = affinity.OnlineCPUs()
		}
		n, ports, err := driver.NewMemoryNetwork(queues, c.GetInt("network.slots", 512), false, opts...)
		if err != nil {
			return nil, nil, err
		}
		return n, ports, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown network.driver %q", util.ErrConfig, kind)
	}
}

func openStorage(l *logrus.Logger, c *config.C, a *arena.Arena) (driver.StorageQueue, *driver.MemoryDisk, error) {
	opts := []driver.Option{
		driver.WithLogger(l),
		driver.WithQueues(c.GetInt("storage.queues", c.GetInt("network.queues", 0))),
		driver.WithDepth(c.GetInt("storage.depth", 64)),
		driver.WithBlockSize(c.GetByteSize("storage.block_size", 4096)),
	}

	switch kind := c.GetString("storage.driver", "uring"); kind {
	case "uring":
		device := c.GetString("storage.device", "")
		if device == "" {
			return nil, nil, fmt.Errorf("%w: storage.device must be set", util.ErrConfig)
		}
		if c.GetBool("storage.register_arena", false) {
			opts = append(opts, driver.WithRegisteredArena(a))
		}
		s, err := driver.OpenURing(device, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil

	case "memory":
		queues := c.GetInt("storage.queues", c.GetInt("network.queues", 0))
		if queues <= 0 {
			queues = affinity.OnlineCPUs()
		}
		s, disk, _, err := driver.NewMemoryStorage(queues, c.GetByteSize("storage.size", 16<<20), opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, disk, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown storage.driver %q", util.ErrConfig, kind)
	}
}
