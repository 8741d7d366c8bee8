package netmap

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	assert.Equal(t, uintptr(16), unsafe.Sizeof(Slot{}))
	assert.Equal(t, uintptr(60), unsafe.Sizeof(request{}))
	assert.Equal(t, uintptr(ifRingOffsets), unsafe.Sizeof(netmapIf{}))
	assert.LessOrEqual(t, unsafe.Sizeof(ringHeader{}), uintptr(slotsOffset))

	// _IOWR('i', 146, struct nmreq)
	assert.Equal(t, uint(ioctlRegisterInterface), uint(3<<30|unsafe.Sizeof(request{})<<16|'i'<<8|146))
}

func TestRing_Tx(t *testing.T) {
	r := NewRing(8, 2048, true)
	assert.Equal(t, 8, r.NumSlots())
	assert.Equal(t, 2048, r.BufSize())
	assert.Equal(t, 7, r.Space())
	assert.False(t, r.Empty())
	assert.False(t, r.TxPending())

	i := r.Cur()
	for n := 0; n < 5; n++ {
		r.Slot(i).Len = 60
		i = r.Next(i)
	}
	r.Release(i)
	assert.Equal(t, uint32(5), r.Head())
	assert.Equal(t, 2, r.Space())
	assert.True(t, r.TxPending())
}

func TestRing_NextWraps(t *testing.T) {
	r := NewRing(4, 2048, false)
	assert.Equal(t, uint32(1), r.Next(0))
	assert.Equal(t, uint32(0), r.Next(3))
	assert.True(t, r.Empty())
	assert.Equal(t, 0, r.Space())
}

func TestMemoryPort_Transmit(t *testing.T) {
	p := NewMemoryPort(8, 2048, true)
	tx := p.TxRing()

	i := tx.Cur()
	for n := 0; n < 3; n++ {
		s := tx.Slot(i)
		s.Ptr = uint64(0x1000 * (n + 1))
		s.Len = uint16(60 + n)
		s.Flags |= SlotPhysIndirect
		i = tx.Next(i)
	}
	tx.Release(i)
	require.NoError(t, p.TxSync())

	assert.Equal(t, []Sent{
		{Ptr: 0x1000, Len: 60, Flags: SlotPhysIndirect},
		{Ptr: 0x2000, Len: 61, Flags: SlotPhysIndirect},
		{Ptr: 0x3000, Len: 62, Flags: SlotPhysIndirect},
	}, p.Sent())
	assert.Equal(t, 7, tx.Space())
	assert.False(t, tx.TxPending())

	// Stalled hardware keeps the slots.
	p.Stall(true)
	tx.Release(tx.Next(tx.Next(tx.Cur())))
	require.NoError(t, p.TxSync())
	assert.Equal(t, 5, tx.Space())
	assert.True(t, tx.TxPending())
	assert.Equal(t, 3, p.SentCount())

	p.Stall(false)
	require.NoError(t, p.TxSync())
	assert.Equal(t, 7, tx.Space())
	assert.Equal(t, 5, p.SentCount())
}

func TestMemoryPort_Receive(t *testing.T) {
	p := NewMemoryPort(4, 2048, false)
	rx := p.RxRing()

	ready, err := p.Poll(true, 0)
	require.NoError(t, err)
	assert.False(t, ready)

	p.Inject(60, 61, 62, 63, 64)
	ready, err = p.Poll(true, 0)
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, p.RxSync())
	// One slot always stays with the kernel.
	assert.Equal(t, 3, rx.Space())
	assert.Equal(t, uint16(60), rx.Slot(0).Len)
	assert.Equal(t, uint16(62), rx.Slot(2).Len)

	rx.Release(3)
	require.NoError(t, p.RxSync())
	assert.Equal(t, 1, rx.Space())
	assert.Equal(t, uint16(63), rx.Slot(3).Len)
	assert.Equal(t, 1, p.Dropped())

	boom := errors.New("boom")
	p.FailSyncs(boom)
	assert.ErrorIs(t, p.RxSync(), boom)
	assert.ErrorIs(t, p.TxSync(), boom)
	txs, rxs := p.Syncs()
	assert.Equal(t, 1, txs)
	assert.Equal(t, 3, rxs)
}

func TestIfName(t *testing.T) {
	assert.Equal(t, "eth1", IfName("netmap:eth1"))
	assert.Equal(t, "eth1", IfName("eth1"))

	_, err := register("netmap:", 0)
	assert.Error(t, err)
	_, err = register("an-interface-name-too-long", 0)
	assert.Error(t, err)
}
