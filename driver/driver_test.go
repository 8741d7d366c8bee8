package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upa/libpop/arena"
	"github.com/upa/libpop/pagemap"
	"github.com/upa/libpop/test"
)

const physOffset = 0x20_0000_0000

func newArena(t *testing.T, size int) *arena.Arena {
	t.Helper()

	a, err := arena.Open(arena.HugePages(), size,
		arena.WithLogger(test.NewLogger()),
		arena.WithMapper(arena.SimulatedMapper{}),
		arena.WithResolver(pagemap.Identity{Offset: physOffset}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// frames carves count slots of size bytes and fills each with its length.
func frames(t *testing.T, a *arena.Arena, size int, lengths ...int) []*arena.Buffer {
	t.Helper()

	bufs, err := a.AllocSlots(size, len(lengths))
	require.NoError(t, err)
	for i, l := range lengths {
		_, err := bufs[i].Put(l)
		require.NoError(t, err)
	}
	return bufs
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "network", KindNetwork.String())
	assert.Equal(t, "storage", KindStorage.String())
	assert.Equal(t, "Kind(7)", Kind(7).String())
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
	}{
		{"slot size zero", []Option{WithSlotSize(0)}},
		{"slot size too large", []Option{WithSlotSize(1 << 16)}},
		{"depth zero", []Option{WithDepth(0)}},
		{"block size not a power of 2", []Option{WithBlockSize(1000)}},
		{"negative queues", []Option{WithQueues(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			o.apply(tt.options)
			assert.Error(t, o.validate())
		})
	}

	o := defaultOptions()
	assert.NoError(t, o.validate())
}

func TestCheckQueue(t *testing.T) {
	assert.NotPanics(t, func() { checkQueue(3, 4) })
	assert.Panics(t, func() { checkQueue(4, 4) })
	assert.Panics(t, func() { checkQueue(-1, 4) })
}
