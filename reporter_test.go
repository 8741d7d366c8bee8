package libpop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/upa/libpop/bridge"
	"github.com/upa/libpop/test"
)

func TestReporter_Sample(t *testing.T) {
	counters := []*bridge.Counters{{}, {}}
	r := newReporter(test.NewLogger(), counters, time.Second)

	start := time.Now()
	r.last, r.lastAt = r.total(), start

	counters[0].TxPackets.Add(600)
	counters[1].TxPackets.Add(400)
	counters[1].TxBytes.Add(125_000)
	counters[0].StorageCommands.Add(50)
	counters[1].Dropped.Add(3)

	rt := r.sample(start.Add(500 * time.Millisecond))
	assert.InDelta(t, 2000, rt.TxPPS, 0.001)
	assert.InDelta(t, 2e6, rt.TxBPS, 0.001)
	assert.InDelta(t, 100, rt.StorageOPS, 0.001)
	assert.Zero(t, rt.RxPPS)

	assert.InDelta(t, 2000, r.txPPS.Value(), 0.001)
	assert.EqualValues(t, 3, r.dropped.Value())

	// Nothing new since the last sample.
	rt = r.sample(start.Add(time.Second))
	assert.Zero(t, rt.TxPPS)
}

func TestRatesOf_NoTime(t *testing.T) {
	assert.Equal(t, rates{}, ratesOf(bridge.Snapshot{TxPackets: 5}, 0))
}
