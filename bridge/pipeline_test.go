package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upa/libpop/arena"
	"github.com/upa/libpop/driver"
	"github.com/upa/libpop/netmap"
	"github.com/upa/libpop/packet"
	"github.com/upa/libpop/pagemap"
	"github.com/upa/libpop/test"
	"github.com/upa/libpop/util"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	blockSize = 4096
	diskSize  = 1 << 20
)

type harness struct {
	p        *Pipeline
	disk     *driver.MemoryDisk
	backend  *driver.MemoryBackend
	port     *netmap.MemoryPort
	lengths  []int
	storage  *driver.Storage
	network  *driver.Network
	counters *Counters
}

func testConfig(slots int) Config {
	cfg := DefaultConfig()
	cfg.Slots = slots
	cfg.MaxCommands = 4
	cfg.LBA = LBARange{Start: 0, End: diskSize / blockSize}
	cfg.WaitTimeout = 5 * time.Millisecond
	cfg.Seed = 1
	return cfg
}

// fillDisk writes a frame with its trailer into every slot sized piece of the disk and returns the frame lengths.
func fillDisk(t *testing.T, disk *driver.MemoryDisk, slotSize int) []int {
	t.Helper()

	var builders []*packet.Builder
	for _, l := range []int{60, 128, 512, 1500} {
		cfg := packet.DefaultConfig()
		cfg.Length = l
		b, err := packet.NewBuilder(cfg)
		require.NoError(t, err)
		builders = append(builders, b)
	}

	img := make([]byte, disk.Size())
	lengths := make([]int, disk.Size()/slotSize)
	for i := range lengths {
		slot := img[i*slotSize : (i+1)*slotSize]
		n, err := builders[i%len(builders)].BuildFrom(slot, uint16(i))
		require.NoError(t, err)
		packet.SetLength(slot, n)
		lengths[i] = n
	}

	_, err := disk.WriteAt(img, 0)
	require.NoError(t, err)
	return lengths
}

func newHarness(t *testing.T, cfg Config, txSlots int, keep bool) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, txSlots, keep, nil)
}

// newHarnessWith is newHarness with the storage queue's backend passed through wrap when it is not nil.
func newHarnessWith(t *testing.T, cfg Config, txSlots int, keep bool, wrap func(*driver.MemoryBackend) driver.Backend) *harness {
	t.Helper()
	l := test.NewLogger()

	a, err := arena.Open(arena.HugePages(), 4<<20,
		arena.WithLogger(l),
		arena.WithMapper(arena.SimulatedMapper{}),
		arena.WithResolver(pagemap.Identity{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	disk := driver.NewMemoryDisk(diskSize)
	backend := driver.NewMemoryBackend(disk, 64)
	var b driver.Backend = backend
	if wrap != nil {
		b = wrap(backend)
	}
	st, err := driver.NewStorage([]driver.Backend{b}, driver.WithDepth(64), driver.WithBlockSize(blockSize), driver.WithLogger(l))
	require.NoError(t, err)
	net, ports, err := driver.NewMemoryNetwork(1, txSlots, keep, driver.WithSlotSize(cfg.SlotSize), driver.WithLogger(l))
	require.NoError(t, err)

	region, err := a.Alloc(cfg.Slots * cfg.SlotSize)
	require.NoError(t, err)

	h := &harness{
		disk:     disk,
		backend:  backend,
		port:     ports[0],
		storage:  st,
		network:  net,
		counters: &Counters{},
	}
	h.lengths = fillDisk(t, disk, cfg.SlotSize)

	h.p, err = NewPipeline(cfg, region, st, net, 0, h.counters, l)
	require.NoError(t, err)
	return h
}

func TestPipeline_Steps(t *testing.T) {
	h := newHarness(t, testConfig(16), 64, true)
	p := h.p

	// 15 free slots round down to 14, the command is capped at 4 blocks.
	n, err := p.ProduceStep()
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, 8, p.Ring().ReadAvail())
	for i := 0; i < 8; i++ {
		assert.Equal(t, h.lengths[i], packet.Length(p.Slot(i).Bytes()), "slot %d", i)
	}

	n, err = p.ProduceStep()
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 1, p.Ring().WriteAvail())

	n, err = p.ProduceStep()
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = p.ConsumeStep()
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.True(t, p.Ring().Empty())

	sent := h.port.Sent()
	require.Len(t, sent, 14)
	for i, s := range sent {
		assert.Equal(t, h.lengths[i], s.Len)
		assert.Equal(t, p.Slot(i).Physical(), s.Ptr)
	}

	// Only two slots are left before the end of the ring, the next command stops there.
	n, err = p.ProduceStep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, h.lengths[14], packet.Length(p.Slot(14).Bytes()))

	s := h.counters.Snapshot()
	assert.Equal(t, uint64(14), s.TxPackets)
	assert.Equal(t, uint64(3), s.StorageCommands)
	assert.Equal(t, uint64(8*blockSize), s.StorageBytes)
}

func TestPipeline_SlotSpansBlocks(t *testing.T) {
	cfg := testConfig(16)
	cfg.SlotSize = 8192
	cfg.MaxCommands = 1
	h := newHarness(t, cfg, 64, false)

	// The command rounds up to one slot of two blocks.
	n, err := h.p.ProduceStep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(2*blockSize), h.counters.StorageBytes.Load())
	assert.Equal(t, uint64(1), h.counters.StorageCommands.Load())
	assert.Equal(t, h.lengths[0], packet.Length(h.p.Slot(0).Bytes()))

	n, err = h.p.ProduceStep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, h.lengths[1], packet.Length(h.p.Slot(1).Bytes()))
}

func TestPipeline_RandomWalk(t *testing.T) {
	cfg := testConfig(16)
	cfg.Walk = WalkRandom
	cfg.MaxCommands = 3
	h := newHarness(t, cfg, 64, false)

	n, err := h.p.ProduceStep()
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 3, h.backend.Submitted())
	assert.Equal(t, uint64(3), h.counters.StorageCommands.Load())

	for i := 0; i < 6; i++ {
		assert.NotZero(t, packet.Length(h.p.Slot(i).Bytes()))
	}
}

func TestPipeline_InvalidSlotDropped(t *testing.T) {
	h := newHarness(t, testConfig(16), 64, true)

	// Clear the trailer of the second slot of the first block.
	_, err := h.disk.WriteAt(make([]byte, packet.TrailerSize), 2*2048-packet.TrailerSize)
	require.NoError(t, err)

	n, err := h.p.ProduceStep()
	require.NoError(t, err)
	require.Equal(t, 8, n)

	n, err = h.p.ConsumeStep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, h.port.SentCount())
	assert.Equal(t, uint64(1), h.counters.Dropped.Load())

	n, err = h.p.ConsumeStep()
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 7, h.port.SentCount())
}

func TestPipeline_StorageFailure(t *testing.T) {
	cfg := testConfig(16)
	cfg.MinConsume = 1
	h := newHarness(t, cfg, 64, false)

	h.backend.FailNext(1, unix.EIO)
	n, err := h.p.ProduceStep()
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, uint64(1), h.counters.StorageErrors.Load())

	// Failed slots are published empty and dropped one at a time.
	for i := 0; i < 8; i++ {
		n, err = h.p.ConsumeStep()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Zero(t, h.port.SentCount())
	assert.Equal(t, uint64(8), h.counters.Dropped.Load())
}

func TestPipeline_TooManyFailures(t *testing.T) {
	cfg := testConfig(16)
	cfg.MaxCommands = 1
	cfg.MaxFailures = 2
	h := newHarness(t, cfg, 64, false)

	h.backend.FailNext(10, unix.EIO)
	for i := 0; i < 2; i++ {
		_, err := h.p.ProduceStep()
		require.NoError(t, err)
	}

	_, err := h.p.ProduceStep()
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.ErrorIs(t, err, unix.EIO)
	assert.Equal(t, uint64(3), h.counters.StorageErrors.Load())
	assert.Equal(t, 6, h.p.Ring().ReadAvail())
}

func TestPipeline_WaitTimeout(t *testing.T) {
	h := newHarness(t, testConfig(16), 64, false)

	h.backend.Stall(true)
	n, err := h.p.ProduceStep()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.p.InFlight())
	assert.Equal(t, uint64(1), h.counters.StorageTimeouts.Load())

	h.backend.Stall(false)
	n, err = h.p.ProduceStep()
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Zero(t, h.p.InFlight())
}

// lostCompletions accepts commands but can never report their completions.
type lostCompletions struct {
	*driver.MemoryBackend
}

func (lostCompletions) Reap(time.Duration) ([]driver.Result, error) {
	return nil, errors.New("completion queue unreadable")
}

func TestPipeline_SyncFailure(t *testing.T) {
	h := newHarnessWith(t, testConfig(16), 64, false, func(b *driver.MemoryBackend) driver.Backend {
		return lostCompletions{b}
	})

	// The read stays pending and its slots stay reserved.
	n, err := h.p.ProduceStep()
	assert.ErrorIs(t, err, driver.ErrSync)
	assert.ErrorIs(t, err, util.ErrTransient)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.p.InFlight())
	assert.Equal(t, 1, h.storage.InFlight(0))
	assert.Zero(t, h.p.Ring().ReadAvail())
	assert.Zero(t, h.counters.StorageErrors.Load())
	assert.Equal(t, 1, h.backend.Submitted())
}

func TestPipeline_SyncFailureStopsProducer(t *testing.T) {
	h := newHarnessWith(t, testConfig(16), 64, false, func(b *driver.MemoryBackend) driver.Backend {
		return lostCompletions{b}
	})

	errc := make(chan error, 1)
	go func() { errc <- h.p.RunProducer(context.Background()) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, driver.ErrSync)
	case <-time.After(10 * time.Second):
		h.p.Cancel()
		t.Fatal("producer kept running after the storage lost its completions")
	}
	assert.True(t, h.p.Cancelled())
	assert.Zero(t, h.p.Ring().ReadAvail())
	assert.Equal(t, 1, h.p.InFlight())
}

func TestPipeline_CancelDrainsPublished(t *testing.T) {
	cfg := testConfig(256)
	cfg.MaxCommands = 8
	cfg.WaitTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, 512, false)

	var g errgroup.Group
	ctx := context.Background()
	g.Go(func() error { return h.p.RunProducer(ctx) })
	g.Go(func() error { return h.p.RunConsumer(ctx) })

	require.Eventually(t, func() bool {
		return h.counters.TxPackets.Load() > 2000
	}, 10*time.Second, time.Millisecond)

	h.p.Cancel()
	require.NoError(t, g.Wait())

	s := h.counters.Snapshot()
	published := s.StorageBytes / 2048

	assert.True(t, h.p.Ring().Empty())
	assert.Equal(t, h.p.Ring().Head(), h.p.Ring().Tail())
	assert.Zero(t, h.p.InFlight())
	assert.Zero(t, s.Dropped)
	assert.Equal(t, published, s.TxPackets)
	assert.Equal(t, int(s.TxPackets), h.port.SentCount())
}

func TestPipeline_ContextCancel(t *testing.T) {
	h := newHarness(t, testConfig(64), 128, false)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return h.p.RunProducer(ctx) })
	g.Go(func() error { return h.p.RunConsumer(ctx) })

	require.Eventually(t, func() bool {
		return h.counters.TxPackets.Load() > 100
	}, 10*time.Second, time.Millisecond)
	cancel()

	require.NoError(t, g.Wait())
	assert.True(t, h.p.Cancelled())
	assert.True(t, h.p.Ring().Empty())
}

func TestNewPipeline_Invalid(t *testing.T) {
	l := test.NewLogger()
	a, err := arena.Open(arena.HugePages(), 1<<20,
		arena.WithMapper(arena.SimulatedMapper{}),
		arena.WithResolver(pagemap.Identity{}),
	)
	require.NoError(t, err)
	defer a.Close()

	st, _, _, err := driver.NewMemoryStorage(1, diskSize, driver.WithBlockSize(blockSize))
	require.NoError(t, err)
	net, _, err := driver.NewMemoryNetwork(1, 64, false)
	require.NoError(t, err)
	region, err := a.Alloc(64 * 2048)
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(*Config)
		queue  int
		target error
	}{
		{"ring size", func(c *Config) { c.Slots = 48 }, 0, ErrSizeInvalid},
		{"region", func(c *Config) { c.Slots = 128 }, 0, arena.ErrInvalidSize},
		{"slot size", func(c *Config) { c.SlotSize = 3000 }, 0, util.ErrConfig},
		{"slots per block", func(c *Config) { c.Slots = 4; c.SlotSize = 512; c.MinProduce = 1; c.MinConsume = 1 }, 0, util.ErrConfig},
		{"lba range", func(c *Config) { c.LBA = LBARange{Start: 10, End: 20} }, 0, util.ErrConfig},
		{"threshold", func(c *Config) { c.MinConsume = 64 }, 0, util.ErrConfig},
		{"timeout", func(c *Config) { c.WaitTimeout = 0 }, 0, util.ErrConfig},
		{"network slot", func(c *Config) { c.SlotSize = 4096; c.Slots = 32 }, 0, driver.ErrFrameTooLarge},
		{"queue", func(c *Config) {}, 1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(64)
			tt.modify(&cfg)
			_, err := NewPipeline(cfg, region, st, net, tt.queue, nil, l)
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}

	p, err := NewPipeline(testConfig(64), region, st, net, 0, nil, l)
	require.NoError(t, err)
	assert.NotNil(t, p.Counters())
}
