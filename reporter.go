package libpop

import (
	"context"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/bridge"
)

// rates is throughput over one reporting interval.
type rates struct {
	TxPPS      float64
	TxBPS      float64
	RxPPS      float64
	RxBPS      float64
	StorageOPS float64
	StorageBPS float64
}

func ratesOf(d bridge.Snapshot, elapsed time.Duration) rates {
	sec := elapsed.Seconds()
	if sec <= 0 {
		return rates{}
	}
	return rates{
		TxPPS:      float64(d.TxPackets) / sec,
		TxBPS:      float64(d.TxBytes) * 8 / sec,
		RxPPS:      float64(d.RxPackets) / sec,
		RxBPS:      float64(d.RxBytes) * 8 / sec,
		StorageOPS: float64(d.StorageCommands) / sec,
		StorageBPS: float64(d.StorageBytes) * 8 / sec,
	}
}

type reporter struct {
	l        *logrus.Logger
	counters []*bridge.Counters
	interval time.Duration

	last   bridge.Snapshot
	lastAt time.Time

	txPPS      metrics.GaugeFloat64
	txBPS      metrics.GaugeFloat64
	rxPPS      metrics.GaugeFloat64
	rxBPS      metrics.GaugeFloat64
	storageOPS metrics.GaugeFloat64
	storageBPS metrics.GaugeFloat64
	dropped    metrics.Gauge
	errors     metrics.Gauge
	timeouts   metrics.Gauge
}

func newReporter(l *logrus.Logger, counters []*bridge.Counters, interval time.Duration) *reporter {
	return &reporter{
		l:          l,
		counters:   counters,
		interval:   interval,
		txPPS:      metrics.GetOrRegisterGaugeFloat64("gen.tx.pps", nil),
		txBPS:      metrics.GetOrRegisterGaugeFloat64("gen.tx.bps", nil),
		rxPPS:      metrics.GetOrRegisterGaugeFloat64("gen.rx.pps", nil),
		rxBPS:      metrics.GetOrRegisterGaugeFloat64("gen.rx.bps", nil),
		storageOPS: metrics.GetOrRegisterGaugeFloat64("gen.storage.ops", nil),
		storageBPS: metrics.GetOrRegisterGaugeFloat64("gen.storage.bps", nil),
		dropped:    metrics.GetOrRegisterGauge("gen.dropped", nil),
		errors:     metrics.GetOrRegisterGauge("gen.storage.errors", nil),
		timeouts:   metrics.GetOrRegisterGauge("gen.storage.timeouts", nil),
	}
}

// total sums the counters of every queue.
func (r *reporter) total() bridge.Snapshot {
	var s bridge.Snapshot
	for _, c := range r.counters {
		s = s.Add(c.Snapshot())
	}
	return s
}

// sample records the throughput since the previous sample and publishes it.
func (r *reporter) sample(now time.Time) rates {
	cur := r.total()
	rt := ratesOf(cur.Sub(r.last), now.Sub(r.lastAt))
	r.last, r.lastAt = cur, now

	r.txPPS.Update(rt.TxPPS)
	r.txBPS.Update(rt.TxBPS)
	r.rxPPS.Update(rt.RxPPS)
	r.rxBPS.Update(rt.RxBPS)
	r.storageOPS.Update(rt.StorageOPS)
	r.storageBPS.Update(rt.StorageBPS)
	r.dropped.Update(int64(cur.Dropped))
	r.errors.Update(int64(cur.StorageErrors))
	r.timeouts.Update(int64(cur.StorageTimeouts))
	return rt
}

func (r *reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		<-ctx.Done()
		return
	}

	r.last, r.lastAt = r.total(), time.Now()
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			rt := r.sample(now)
			r.l.WithFields(logrus.Fields{
				"txPps":       uint64(rt.TxPPS),
				"txMbps":      rt.TxBPS / 1e6,
				"rxPps":       uint64(rt.RxPPS),
				"rxMbps":      rt.RxBPS / 1e6,
				"storageOps":  uint64(rt.StorageOPS),
				"storageMbps": rt.StorageBPS / 1e6,
			}).Info("Throughput")
		}
	}
}
