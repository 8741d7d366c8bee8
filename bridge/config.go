package bridge

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/upa/libpop/util"
)

// Walk is the order in which the producer visits logical blocks.
type Walk int

const (
	WalkSeq Walk = iota
	WalkRandom
	WalkSame
)

func ParseWalk(s string) (Walk, error) {
	switch strings.ToLower(s) {
	case "", "seq", "sequential":
		return WalkSeq, nil
	case "random", "rand":
		return WalkRandom, nil
	case "same":
		return WalkSame, nil
	}
	return 0, fmt.Errorf("%w: unknown walk %q", util.ErrConfig, s)
}

func (w Walk) String() string {
	switch w {
	case WalkSeq:
		return "seq"
	case WalkRandom:
		return "random"
	case WalkSame:
		return "same"
	}
	return fmt.Sprintf("Walk(%d)", int(w))
}

// LBARange is the half open block range [Start, End) a walk stays in.
type LBARange struct {
	Start uint64
	End   uint64
}

func (r LBARange) Blocks() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Split cuts the range into n equal parts and returns part i. The last part takes the remainder.
func (r LBARange) Split(n, i int) LBARange {
	if n <= 1 {
		return r
	}
	per := r.Blocks() / uint64(n)
	part := LBARange{Start: r.Start + per*uint64(i), End: r.Start + per*uint64(i+1)}
	if i == n-1 {
		part.End = r.End
	}
	return part
}

// Config tunes one Pipeline. Sizes are in slots unless noted.
type Config struct {
	// Slots is the size of the ring, a power of 2 and a multiple of the slots per block.
	Slots int
	// SlotSize in bytes.
	SlotSize int

	// MinProduce is the free space the producer waits for before reading.
	MinProduce int
	// MinConsume is the loaded count the consumer waits for before transmitting.
	MinConsume int

	// MaxCommands bounds one production step: the blocks of its single command on a sequential walk, or the
	// number of one unit commands on the other walks. A command never covers less than one unit, so when a slot
	// spans several blocks a sequential command reads a whole slot even if that exceeds MaxCommands blocks.
	MaxCommands int
	// MaxTxBatch bounds the frames posted by one consumption step.
	MaxTxBatch int
	// MaxFailures is how many consecutive failed commands the producer tolerates, 0 for any number.
	MaxFailures int

	Walk Walk
	LBA  LBARange

	// WaitTimeout bounds each wait for a storage completion.
	WaitTimeout time.Duration

	// FlushEachBatch waits for every posted batch to leave before its slots are reused.
	FlushEachBatch bool

	// Seed makes a random walk repeatable. Zero picks a random seed.
	Seed uint64
}

func DefaultConfig() Config {
	return Config{
		Slots:       256,
		SlotSize:    2048,
		MinProduce:  2,
		MinConsume:  2,
		MaxCommands: 1,
		MaxTxBatch:  64,
		Walk:        WalkSeq,
		WaitTimeout: time.Second,
	}
}

func (c Config) validate(ratio Ratio) error {
	if _, err := New(c.Slots); err != nil {
		return err
	}
	if c.Slots%ratio.Unit() != 0 {
		return fmt.Errorf("%w: %d slots do not hold whole blocks of %d bytes", util.ErrConfig, c.Slots, ratio.BlockSize)
	}
	if c.MinProduce < 1 || c.MinConsume < 1 || c.MaxCommands < 1 || c.MaxTxBatch < 1 {
		return fmt.Errorf("%w: thresholds and batch sizes must be positive", util.ErrConfig)
	}
	if c.MinProduce >= c.Slots || c.MinConsume >= c.Slots {
		return fmt.Errorf("%w: thresholds must be below the %d slots of the ring", util.ErrConfig, c.Slots)
	}
	if c.MaxFailures < 0 {
		return fmt.Errorf("%w: negative failure limit", util.ErrConfig)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("%w: wait timeout must be positive", util.ErrConfig)
	}
	if c.LBA.Blocks() < uint64(ratio.Blocks(c.Slots)) {
		return fmt.Errorf("%w: lba range [%d, %d) is smaller than the ring", util.ErrConfig, c.LBA.Start, c.LBA.End)
	}
	return nil
}

// walker hands out the logical block of each command.
type walker struct {
	walk Walk
	lba  LBARange
	next uint64
	rand *rand.Rand
}

func newWalker(walk Walk, lba LBARange, seed uint64) *walker {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &walker{
		walk: walk,
		lba:  lba,
		next: lba.Start,
		rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// take returns where a command of blocks blocks goes. Every command lies fully inside the range.
func (w *walker) take(blocks int) uint64 {
	n := uint64(blocks)
	switch w.walk {
	case WalkRandom:
		return w.lba.Start + w.rand.Uint64N(w.lba.Blocks()-n+1)
	case WalkSame:
		return w.lba.Start
	}

	if w.next+n > w.lba.End {
		w.next = w.lba.Start
	}
	lba := w.next
	w.next += n
	return lba
}
