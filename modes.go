package libpop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/affinity"
	"github.com/upa/libpop/arena"
	"github.com/upa/libpop/bridge"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/driver"
	"github.com/upa/libpop/packet"
	"github.com/upa/libpop/util"
)

// worker is one loop that Control runs on its own goroutine, pinned to cpu when affinity is enabled.
type worker struct {
	name  string
	queue int
	cpu   int
	run   func(ctx context.Context) error
}

type workerBuilder struct {
	l        *logrus.Logger
	c        *config.C
	dev      *devices
	pc       packet.Config
	counters []*bridge.Counters
	ncpus    int
}

func buildWorkers(l *logrus.Logger, c *config.C, m Mode, dev *devices, pc packet.Config) ([]worker, []*bridge.Counters, error) {
	queues := dev.queues()
	if queues == 0 {
		return nil, nil, fmt.Errorf("%w: no queues available", util.ErrConfig)
	}

	b := &workerBuilder{
		l:        l,
		c:        c,
		dev:      dev,
		pc:       pc,
		counters: make([]*bridge.Counters, queues),
		ncpus:    affinity.OnlineCPUs(),
	}
	for q := range b.counters {
		b.counters[q] = &bridge.Counters{}
	}

	var (
		workers []worker
		err     error
	)
	switch m {
	case ModeBridge:
		workers, err = b.bridge()
	case ModeReceive:
		workers, err = b.receive()
	case ModeTransmit:
		workers, err = b.transmit()
	case ModeStore:
		workers, err = b.store()
	default:
		err = fmt.Errorf("%w: unknown mode %v", util.ErrConfig, m)
	}
	if err != nil {
		return nil, nil, err
	}
	return workers, b.counters, nil
}

func (b *workerBuilder) cpu(q int) int {
	return q % b.ncpus
}

// lbaRange fills in the end of the range from the in-memory disk when it was left unset.
func (b *workerBuilder) lbaRange(r bridge.LBARange) (bridge.LBARange, error) {
	if r.End != 0 {
		return r, nil
	}
	if b.dev.memDisk == nil {
		return r, fmt.Errorf("%w: bridge.lba_end must be set for a block device", util.ErrConfig)
	}
	r.End = uint64(b.dev.memDisk.Size() / b.dev.storage.BlockSize())
	return r, nil
}

func (b *workerBuilder) bridge() ([]worker, error) {
	bc, err := bridgeConfig(b.c)
	if err != nil {
		return nil, err
	}
	if bc.LBA, err = b.lbaRange(bc.LBA); err != nil {
		return nil, err
	}

	if b.dev.memDisk != nil && b.c.GetBool("storage.prefill", true) {
		if err := prefillDisk(b.dev.memDisk, b.pc, bc.SlotSize); err != nil {
			return nil, err
		}
		b.l.WithField("bytes", b.dev.memDisk.Size()).Info("Prefilled the in-memory disk with frames")
	}

	queues := len(b.counters)
	var workers []worker
	for q := 0; q < queues; q++ {
		region, err := b.dev.arena.Alloc(bc.Slots * bc.SlotSize)
		if err != nil {
			return nil, fmt.Errorf("ring slots for queue %d: %w", q, err)
		}

		cfg := bc
		cfg.LBA = bc.LBA.Split(queues, q)
		p, err := bridge.NewPipeline(cfg, region, b.dev.storage, b.dev.network, q, b.counters[q], b.l)
		if err != nil {
			return nil, fmt.Errorf("queue %d: %w", q, err)
		}

		workers = append(workers,
			worker{name: "consumer", queue: q, cpu: b.cpu(q), run: p.RunConsumer},
			worker{name: "producer", queue: q, cpu: affinity.StorageCPU(q, b.ncpus), run: p.RunProducer},
		)
	}
	return workers, nil
}

func (b *workerBuilder) receive() ([]worker, error) {
	batch := b.c.GetInt("network.batch", 64)
	pollTimeout := b.c.GetDuration("network.poll_timeout", 100*time.Millisecond)
	net := b.dev.network

	var workers []worker
	for q := range b.counters {
		bufs, err := b.dev.arena.AllocSlots(net.SlotSize(), batch)
		if err != nil {
			return nil, fmt.Errorf("receive buffers for queue %d: %w", q, err)
		}

		c := b.counters[q]
		workers = append(workers, worker{name: "receiver", queue: q, cpu: b.cpu(q), run: func(ctx context.Context) error {
			for ctx.Err() == nil {
				n, err := net.Read(bufs, q)
				if err != nil {
					return err
				}
				if n == 0 {
					if _, err := net.Poll(q, pollTimeout); err != nil {
						return err
					}
					continue
				}

				c.RxPackets.Add(uint64(n))
				for _, buf := range bufs[:n] {
					c.RxBytes.Add(uint64(buf.Len()))
				}
			}
			return nil
		}})
	}
	return workers, nil
}

func (b *workerBuilder) transmit() ([]worker, error) {
	batch := b.c.GetInt("network.batch", 64)
	net := b.dev.network

	var workers []worker
	for q := range b.counters {
		builder, err := packet.NewBuilder(b.pc)
		if err != nil {
			return nil, err
		}
		bufs, err := b.dev.arena.AllocSlots(net.SlotSize(), batch)
		if err != nil {
			return nil, fmt.Errorf("transmit buffers for queue %d: %w", q, err)
		}
		for i, buf := range bufs {
			data, err := buf.Put(builder.Length())
			if err != nil {
				return nil, fmt.Errorf("%w: frame of %d bytes: %w", util.ErrConfig, builder.Length(), err)
			}
			if _, err := builder.BuildFrom(data, b.pc.SrcPort+uint16(i)); err != nil {
				return nil, err
			}
		}

		c := b.counters[q]
		size := uint64(builder.Length())
		workers = append(workers, worker{name: "transmitter", queue: q, cpu: b.cpu(q), run: func(ctx context.Context) error {
			for ctx.Err() == nil {
				n, err := net.Write(bufs, q)
				c.TxPackets.Add(uint64(n))
				c.TxBytes.Add(uint64(n) * size)
				if err != nil {
					return err
				}
				if n == 0 {
					runtime.Gosched()
				}
			}
			return net.Flush(q)
		}})
	}
	return workers, nil
}

// store writes one pass of frame images over the range, each slot holding a frame and its trailer, so a later
// bridge run has something to send.
func (b *workerBuilder) store() ([]worker, error) {
	bc, err := bridgeConfig(b.c)
	if err != nil {
		return nil, err
	}
	if bc.LBA, err = b.lbaRange(bc.LBA); err != nil {
		return nil, err
	}

	st := b.dev.storage
	ratio, err := bridge.NewRatio(bc.SlotSize, st.BlockSize())
	if err != nil {
		return nil, err
	}
	if b.pc.Length > bc.SlotSize-packet.TrailerSize {
		return nil, fmt.Errorf("%w: a %d byte frame and its trailer do not fit a %d byte slot", util.ErrConfig,
			b.pc.Length, bc.SlotSize)
	}

	slots := ratio.Unit()
	blocks := ratio.Blocks(slots)
	queues := len(b.counters)

	var workers []worker
	for q := 0; q < queues; q++ {
		builder, err := packet.NewBuilder(b.pc)
		if err != nil {
			return nil, err
		}
		buf, err := b.dev.arena.Alloc(slots * bc.SlotSize)
		if err != nil {
			return nil, fmt.Errorf("store buffer for queue %d: %w", q, err)
		}

		r := bc.LBA.Split(queues, q)
		c := b.counters[q]
		l := b.l.WithField("queue", q)
		timeout := bc.WaitTimeout

		workers = append(workers, worker{name: "store", queue: q, cpu: affinity.StorageCPU(q, b.ncpus), run: func(ctx context.Context) error {
			for lba := r.Start; lba+uint64(blocks) <= r.End; lba += uint64(blocks) {
				if ctx.Err() != nil {
					return nil
				}

				first := lba * uint64(st.BlockSize()) / uint64(bc.SlotSize)
				if err := fillSlots(buf, builder, bc.SlotSize, slots, first); err != nil {
					return err
				}

				tok, err := st.SubmitWrite(buf, lba, blocks, q)
				if err != nil {
					return err
				}
				if err := waitFor(ctx, st, tok, timeout, c); err != nil {
					c.StorageErrors.Add(1)
					return err
				}

				c.StorageCommands.Add(1)
				c.StorageBytes.Add(uint64(blocks * st.BlockSize()))
			}

			l.WithField("start", r.Start).WithField("end", r.End).Info("Stored frames")
			return nil
		}})
	}
	return workers, nil
}

// waitFor waits on a command until it completes, fails or ctx is done.
func waitFor(ctx context.Context, st driver.StorageQueue, tok driver.Token, timeout time.Duration, c *bridge.Counters) error {
	for {
		err := st.Wait(tok, timeout)
		if !errors.Is(err, driver.ErrTimeout) {
			return err
		}
		c.StorageTimeouts.Add(1)
		if ctx.Err() != nil {
			return err
		}
	}
}

// fillSlots builds a frame with its trailer into each of the slots of buf. The UDP source port numbers the slot.
func fillSlots(buf *arena.Buffer, builder *packet.Builder, slotSize, slots int, first uint64) error {
	buf.Reset()
	data, err := buf.Put(slots * slotSize)
	if err != nil {
		return err
	}
	for i := 0; i < slots; i++ {
		slot := data[i*slotSize : (i+1)*slotSize]
		if err := writeFrame(slot, builder, uint16(first+uint64(i))); err != nil {
			return err
		}
	}
	return nil
}

func writeFrame(slot []byte, builder *packet.Builder, id uint16) error {
	n, err := builder.BuildFrom(slot, id)
	if err != nil {
		return err
	}
	packet.SetLength(slot, n)
	return nil
}

// prefillDisk does what a store run would do to an in-memory disk.
func prefillDisk(disk *driver.MemoryDisk, pc packet.Config, slotSize int) error {
	builder, err := packet.NewBuilder(pc)
	if err != nil {
		return err
	}
	if builder.Length() > slotSize-packet.TrailerSize {
		return fmt.Errorf("%w: a %d byte frame and its trailer do not fit a %d byte slot", util.ErrConfig,
			builder.Length(), slotSize)
	}

	slot := make([]byte, slotSize)
	for i := 0; (i+1)*slotSize <= disk.Size(); i++ {
		clear(slot)
		if err := writeFrame(slot, builder, uint16(i)); err != nil {
			return err
		}
		if _, err := disk.WriteAt(slot, int64(i*slotSize)); err != nil {
			return err
		}
	}
	return nil
}
