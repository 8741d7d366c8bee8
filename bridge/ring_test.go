package bridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upa/libpop/util"
)

func TestNew(t *testing.T) {
	for _, size := range []int{0, 1, 3, 100, -4} {
		_, err := New(size)
		assert.ErrorIs(t, err, ErrSizeInvalid, "size %d", size)
		assert.ErrorIs(t, err, util.ErrConfig)
	}

	r, err := New(2)
	require.NoError(t, err)
	assert.Equal(t, 1, r.WriteAvail())
}

func TestRing_Fill(t *testing.T) {
	r, err := New(256)
	require.NoError(t, err)
	assert.True(t, r.Empty())
	assert.Equal(t, 255, r.WriteAvail())

	require.NoError(t, r.Produce(255))
	assert.Equal(t, 0, r.WriteAvail())
	assert.Equal(t, 255, r.ReadAvail())
	assert.True(t, r.Full())

	err = r.Produce(1)
	assert.ErrorIs(t, err, ErrFull)
	assert.True(t, util.IsBackPressure(err))
	assert.Equal(t, 255, r.Head())

	require.NoError(t, r.Consume(255))
	assert.Equal(t, r.Head(), r.Tail())
	assert.True(t, r.Empty())
	assert.ErrorIs(t, r.Consume(1), ErrEmpty)
}

func TestRing_Wrap(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, r.Produce(5))
		assert.Equal(t, 5, r.ReadAvail())
		assert.Equal(t, 2, r.WriteAvail())
		require.NoError(t, r.Consume(3))
		require.NoError(t, r.Consume(2))
		assert.Equal(t, r.Head(), r.Tail())
	}
	assert.Equal(t, 500%8, r.Head())
	assert.Equal(t, 3, r.Index(6, 5))

	assert.Panics(t, func() { r.Produce(-1) })
	assert.Panics(t, func() { r.Consume(-1) })
}

func TestRing_Concurrent(t *testing.T) {
	r, err := New(64)
	require.NoError(t, err)

	const total = 100000
	data := make([]int, r.Size())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for next := 0; next < total; {
			if r.WriteAvail() == 0 {
				continue
			}
			data[r.Head()] = next
			next++
			assert.NoError(t, r.Produce(1))
		}
	}()

	var got []int
	go func() {
		defer wg.Done()
		for len(got) < total {
			n := r.ReadAvail()
			for i := 0; i < n; i++ {
				got = append(got, data[r.Index(r.Tail(), i)])
			}
			assert.NoError(t, r.Consume(n))
		}
	}()
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("slot %d carried %d", i, v)
		}
	}
}

func TestRatio(t *testing.T) {
	r, err := NewRatio(2048, 4096)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Unit())
	for blocks := 1; blocks < 64; blocks++ {
		assert.Equal(t, blocks, r.Blocks(r.Slots(blocks)))
	}
	assert.Equal(t, 6, r.Slots(3))

	r, err = NewRatio(4096, 512)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Unit())
	for slots := 1; slots < 64; slots++ {
		assert.Equal(t, slots, r.Slots(r.Blocks(slots)))
	}
	assert.Equal(t, 16, r.Blocks(2))

	r, err = NewRatio(2048, 2048)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Unit())
	assert.Equal(t, 5, r.Slots(5))

	_, err = NewRatio(3000, 4096)
	assert.ErrorIs(t, err, util.ErrConfig)
	_, err = NewRatio(0, 4096)
	assert.ErrorIs(t, err, util.ErrConfig)
}
