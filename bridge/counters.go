package bridge

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Counters are monotonic totals of one queue, updated by its workers and sampled by a reporter.
type Counters struct {
	TxPackets atomicbitops.Uint64
	TxBytes   atomicbitops.Uint64
	RxPackets atomicbitops.Uint64
	RxBytes   atomicbitops.Uint64

	StorageCommands atomicbitops.Uint64
	StorageBytes    atomicbitops.Uint64
	StorageErrors   atomicbitops.Uint64
	StorageTimeouts atomicbitops.Uint64

	// Dropped counts slots that held no frame.
	Dropped atomicbitops.Uint64
}

// Snapshot is a point in time copy of Counters.
type Snapshot struct {
	TxPackets       uint64
	TxBytes         uint64
	RxPackets       uint64
	RxBytes         uint64
	StorageCommands uint64
	StorageBytes    uint64
	StorageErrors   uint64
	StorageTimeouts uint64
	Dropped         uint64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TxPackets:       c.TxPackets.Load(),
		TxBytes:         c.TxBytes.Load(),
		RxPackets:       c.RxPackets.Load(),
		RxBytes:         c.RxBytes.Load(),
		StorageCommands: c.StorageCommands.Load(),
		StorageBytes:    c.StorageBytes.Load(),
		StorageErrors:   c.StorageErrors.Load(),
		StorageTimeouts: c.StorageTimeouts.Load(),
		Dropped:         c.Dropped.Load(),
	}
}

// Add sums two snapshots, used to total the queues.
func (s Snapshot) Add(o Snapshot) Snapshot {
	return Snapshot{
		TxPackets:       s.TxPackets + o.TxPackets,
		TxBytes:         s.TxBytes + o.TxBytes,
		RxPackets:       s.RxPackets + o.RxPackets,
		RxBytes:         s.RxBytes + o.RxBytes,
		StorageCommands: s.StorageCommands + o.StorageCommands,
		StorageBytes:    s.StorageBytes + o.StorageBytes,
		StorageErrors:   s.StorageErrors + o.StorageErrors,
		StorageTimeouts: s.StorageTimeouts + o.StorageTimeouts,
		Dropped:         s.Dropped + o.Dropped,
	}
}

// Sub is the difference since an earlier snapshot.
func (s Snapshot) Sub(earlier Snapshot) Snapshot {
	return Snapshot{
		TxPackets:       s.TxPackets - earlier.TxPackets,
		TxBytes:         s.TxBytes - earlier.TxBytes,
		RxPackets:       s.RxPackets - earlier.RxPackets,
		RxBytes:         s.RxBytes - earlier.RxBytes,
		StorageCommands: s.StorageCommands - earlier.StorageCommands,
		StorageBytes:    s.StorageBytes - earlier.StorageBytes,
		StorageErrors:   s.StorageErrors - earlier.StorageErrors,
		StorageTimeouts: s.StorageTimeouts - earlier.StorageTimeouts,
		Dropped:         s.Dropped - earlier.Dropped,
	}
}
