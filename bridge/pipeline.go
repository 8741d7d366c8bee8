package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/arena"
	"github.com/upa/libpop/driver"
	"github.com/upa/libpop/packet"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

var (
	ErrTooManyFailures = errors.New("too many consecutive storage failures")
	ErrDrainTimeout    = errors.New("storage commands still in flight after cancel")
)

// drainAttempts is how many wait timeouts in a row the producer sits through after cancel before it gives up on
// the commands still in flight.
const drainAttempts = 8

// command is a storage read in flight into ring slots [start, start+slots).
type command struct {
	tok    driver.Token
	start  int
	slots  int
	lba    uint64
	blocks int
}

// Pipeline moves data from one storage queue to one network queue through a ring of arena slots. ProduceStep and
// RunProducer belong to one goroutine, ConsumeStep and RunConsumer to another.
type Pipeline struct {
	l        *logrus.Logger
	cfg      Config
	ratio    Ratio
	ring     *Ring
	region   *arena.Buffer
	slots    []*arena.Buffer
	storage  driver.StorageQueue
	network  driver.NetworkRing
	queue    int
	counters *Counters

	// Producer state.
	walker   *walker
	inflight *queue.Queue
	issued   int
	reserved int
	failures int

	// Consumer state.
	batch []*arena.Buffer

	cancel       atomicbitops.Bool
	producerDone atomicbitops.Bool
}

// NewPipeline builds a pipeline whose ring slots are cut from region, which must hold cfg.Slots slots. Reads go to
// queue of storage and frames leave through the same queue of network.
func NewPipeline(cfg Config, region *arena.Buffer, storage driver.StorageQueue, network driver.NetworkRing,
	q int, c *Counters, l *logrus.Logger) (*Pipeline, error) {

	ratio, err := NewRatio(cfg.SlotSize, storage.BlockSize())
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(ratio); err != nil {
		return nil, err
	}
	if region.Size() < cfg.Slots*cfg.SlotSize {
		return nil, fmt.Errorf("%w: region of %d bytes for %d slots of %d", arena.ErrInvalidSize, region.Size(),
			cfg.Slots, cfg.SlotSize)
	}
	if cfg.SlotSize > network.SlotSize() {
		return nil, fmt.Errorf("%w: slot size %d exceeds the %d bytes of a network slot", driver.ErrFrameTooLarge,
			cfg.SlotSize, network.SlotSize())
	}
	if q < 0 || q >= storage.Queues() || q >= network.Queues() {
		return nil, fmt.Errorf("queue %d not available on both devices", q)
	}

	ring, _ := New(cfg.Slots)
	p := &Pipeline{
		l:        l,
		cfg:      cfg,
		ratio:    ratio,
		ring:     ring,
		region:   region,
		slots:    make([]*arena.Buffer, cfg.Slots),
		storage:  storage,
		network:  network,
		queue:    q,
		counters: c,
		walker:   newWalker(cfg.Walk, cfg.LBA, cfg.Seed),
		inflight: queue.New(),
		batch:    make([]*arena.Buffer, 0, cfg.MaxTxBatch),
	}
	if p.counters == nil {
		p.counters = &Counters{}
	}

	for i := range p.slots {
		p.slots[i] = region.Slice(i*cfg.SlotSize, cfg.SlotSize)
		packet.Invalidate(p.slots[i].Bytes())
	}
	return p, nil
}

func (p *Pipeline) Ring() *Ring              { return p.ring }
func (p *Pipeline) Counters() *Counters      { return p.counters }
func (p *Pipeline) Slot(i int) *arena.Buffer { return p.slots[i] }

// InFlight is the number of storage commands not yet completed. Producer only.
func (p *Pipeline) InFlight() int {
	return p.inflight.Length()
}

// Cancel asks both loops to stop. The producer finishes what is in flight and the consumer sends everything
// published before it stops.
func (p *Pipeline) Cancel() {
	p.cancel.Store(true)
}

func (p *Pipeline) Cancelled() bool {
	return p.cancel.Load()
}

// ProduceStep issues reads into free slots, unless cancelled, and publishes the slots of completed reads in order.
// It returns the number of slots published.
func (p *Pipeline) ProduceStep() (int, error) {
	if !p.cancel.Load() {
		if err := p.issue(); err != nil {
			return 0, err
		}
	}
	return p.complete()
}

func (p *Pipeline) issue() error {
	unit := p.ratio.Unit()
	space := p.ring.WriteAvail() - p.reserved
	if space < p.cfg.MinProduce {
		return nil
	}
	space -= space % unit

	room := max(p.storage.MaxBatch()-p.inflight.Length(), 0)
	blocksPerUnit := p.ratio.Blocks(unit)

	// sizes holds the length of each command in units.
	var sizes []int
	switch p.cfg.Walk {
	case WalkSeq:
		// One command cannot wrap around the end of the ring.
		contiguous := min(space, p.cfg.Slots-p.issued)
		units := min(contiguous/unit, max(p.cfg.MaxCommands/blocksPerUnit, 1))
		if units > 0 && room > 0 {
			sizes = []int{units}
		}
	default:
		sizes = make([]int, min(space/unit, p.cfg.MaxCommands, room))
		for i := range sizes {
			sizes[i] = 1
		}
	}

	for _, units := range sizes {
		slots := units * unit
		blocks := units * blocksPerUnit
		lba := p.walker.take(blocks)
		buf := p.region.Slice(p.issued*p.cfg.SlotSize, slots*p.cfg.SlotSize)

		tok, err := p.storage.SubmitRead(buf, lba, blocks, p.queue)
		if errors.Is(err, driver.ErrQueueFull) {
			break
		}
		if err != nil {
			return fmt.Errorf("submit read of %d blocks at %d: %w", blocks, lba, err)
		}

		p.inflight.Add(&command{tok: tok, start: p.issued, slots: slots, lba: lba, blocks: blocks})
		p.issued = p.ring.Index(p.issued, slots)
		p.reserved += slots
	}
	return nil
}

// complete waits for the commands in flight oldest first and publishes their slots. A timeout leaves the oldest
// command in place for the next call.
func (p *Pipeline) complete() (int, error) {
	published := 0
	for p.inflight.Length() > 0 {
		cmd := p.inflight.Peek().(*command)

		err := p.storage.Wait(cmd.tok, p.cfg.WaitTimeout)
		if errors.Is(err, driver.ErrTimeout) {
			p.counters.StorageTimeouts.Add(1)
			p.l.WithField("queue", p.queue).WithField("lba", cmd.lba).Debug("Storage read timed out")
			return published, nil
		}
		if errors.Is(err, driver.ErrSync) {
			// The backend lost track of its completions; the command still owns its slots.
			return published, err
		}

		p.inflight.Remove()
		p.reserved -= cmd.slots

		if err != nil {
			p.failures++
			p.counters.StorageErrors.Add(1)
			for i := 0; i < cmd.slots; i++ {
				packet.Invalidate(p.slots[cmd.start+i].Bytes())
			}
			p.l.WithError(err).WithField("queue", p.queue).WithField("lba", cmd.lba).
				WithField("slots", cmd.slots).Warn("Storage read failed")
		} else {
			p.failures = 0
			p.counters.StorageCommands.Add(1)
			p.counters.StorageBytes.Add(uint64(cmd.blocks * p.ratio.BlockSize))
		}

		if perr := p.ring.Produce(cmd.slots); perr != nil {
			// Reserved slots are always free.
			panic(perr)
		}
		published += cmd.slots

		if err != nil && p.cfg.MaxFailures > 0 && p.failures > p.cfg.MaxFailures {
			return published, fmt.Errorf("%w: %d, last: %w", ErrTooManyFailures, p.failures, err)
		}
	}
	return published, nil
}

// ConsumeStep posts published slots to the network and releases the ones that were sent. A slot without a frame
// ends the batch and is released on its own. It returns the number of slots released.
func (p *Pipeline) ConsumeStep() (int, error) {
	return p.consume(p.cfg.MinConsume)
}

func (p *Pipeline) consume(threshold int) (int, error) {
	loaded := p.ring.ReadAvail()
	if loaded < threshold || loaded == 0 {
		return 0, nil
	}

	tail := p.ring.Tail()
	count := min(loaded, p.cfg.MaxTxBatch)
	invalid := false

	p.batch = p.batch[:0]
	for i := 0; i < count; i++ {
		slot := p.slots[p.ring.Index(tail, i)]
		n := packet.Length(slot.Bytes())
		if n == 0 {
			invalid = true
			break
		}

		slot.Reset()
		if _, err := slot.Put(n); err != nil {
			panic(err)
		}
		p.batch = append(p.batch, slot)
	}

	posted := 0
	var err error
	if len(p.batch) > 0 {
		posted, err = p.network.Write(p.batch, p.queue)
		if err == nil && p.cfg.FlushEachBatch {
			err = p.network.Flush(p.queue)
		}
	}

	released := posted
	if invalid && posted == len(p.batch) {
		released++
		p.counters.Dropped.Add(1)
	}

	var bytes uint64
	for _, b := range p.batch[:posted] {
		bytes += uint64(b.Len())
	}
	p.counters.TxPackets.Add(uint64(posted))
	p.counters.TxBytes.Add(bytes)

	if cerr := p.ring.Consume(released); cerr != nil {
		panic(cerr)
	}
	return released, err
}

// RunProducer produces until cancelled, then waits for the reads in flight and publishes them.
func (p *Pipeline) RunProducer(ctx context.Context) error {
	defer p.producerDone.Store(true)

	l := p.l.WithField("queue", p.queue)
	l.WithField("walk", p.cfg.Walk).Debug("Producer started")

	for !p.stopped(ctx) {
		n, err := p.ProduceStep()
		if errors.Is(err, ErrTooManyFailures) || errors.Is(err, driver.ErrSync) {
			p.Cancel()
			return err
		}
		if err != nil {
			l.WithError(err).Warn("Production step failed")
		}
		if n == 0 {
			runtime.Gosched()
		}
	}

	timeouts := 0
	for p.inflight.Length() > 0 {
		n, err := p.complete()
		if err != nil && !errors.Is(err, ErrTooManyFailures) {
			return err
		}
		if n > 0 {
			timeouts = 0
			continue
		}
		timeouts++
		if timeouts >= drainAttempts {
			return fmt.Errorf("%w: %d commands", ErrDrainTimeout, p.inflight.Length())
		}
	}

	l.Debug("Producer stopped")
	return nil
}

// RunConsumer transmits until cancelled and the producer is done, then sends what is left and flushes the
// transmit ring.
func (p *Pipeline) RunConsumer(ctx context.Context) error {
	l := p.l.WithField("queue", p.queue)
	l.Debug("Consumer started")

	for {
		draining := p.stopped(ctx)
		threshold := p.cfg.MinConsume
		if draining {
			threshold = 1
		}

		n, err := p.consume(threshold)
		if err != nil {
			if errors.Is(err, driver.ErrSync) {
				p.Cancel()
				return err
			}
			l.WithError(err).Warn("Consumption step failed")
		}

		if draining && p.producerDone.Load() && p.ring.ReadAvail() == 0 {
			break
		}
		if n == 0 {
			runtime.Gosched()
		}
	}

	if err := p.network.Flush(p.queue); err != nil {
		return err
	}
	l.Debug("Consumer stopped")
	return nil
}

func (p *Pipeline) stopped(ctx context.Context) bool {
	if p.cancel.Load() {
		return true
	}
	if ctx.Err() != nil {
		p.Cancel()
		return true
	}
	return false
}
