package driver

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/affinity"
	"github.com/upa/libpop/netmap"
	"github.com/vishvananda/netlink"
)

// OpenNetmap opens one queue per online CPU on the netmap port name, bounded by the hardware rings, the queues of
// the link and WithQueues.
func OpenNetmap(name string, options ...Option) (*Network, error) {
	o := defaultOptions()
	o.apply(options)
	if err := o.validate(); err != nil {
		return nil, err
	}

	root, err := netmap.Open(name, 0)
	if err != nil {
		return nil, err
	}

	queues := min(affinity.OnlineCPUs(), root.TxRings(), root.RxRings())
	if lq := linkQueues(o.l, root.Name()); lq > 0 {
		queues = min(queues, lq)
	}
	if o.queues > 0 {
		queues = min(queues, o.queues)
	}

	ports := []Port{root}
	closeAll := func() {
		var errs []error
		for i := len(ports) - 1; i >= 0; i-- {
			errs = append(errs, ports[i].Close())
		}
		if err := errors.Join(errs...); err != nil {
			o.l.WithError(err).Warn("Failed to close netmap ports")
		}
	}

	for q := 1; q < queues; q++ {
		s, err := root.OpenSibling(q)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open queue %d: %w", q, err)
		}
		ports = append(ports, s)
	}

	n, err := NewNetwork(ports, options...)
	if err != nil {
		closeAll()
		return nil, err
	}

	o.l.WithFields(logrus.Fields{
		"device":  root.Name(),
		"queues":  queues,
		"txRings": root.TxRings(),
		"rxRings": root.RxRings(),
	}).Info("Netmap port opened")
	return n, nil
}

// linkQueues returns the smaller of the link's transmit and receive queue counts, 0 when unknown.
func linkQueues(l *logrus.Logger, ifname string) int {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		l.WithError(err).WithField("device", ifname).Debug("Could not look up link queues")
		return 0
	}

	attrs := link.Attrs()
	switch {
	case attrs.NumTxQueues > 0 && attrs.NumRxQueues > 0:
		return min(attrs.NumTxQueues, attrs.NumRxQueues)
	case attrs.NumTxQueues > 0:
		return attrs.NumTxQueues
	default:
		return attrs.NumRxQueues
	}
}

// NewMemoryNetwork builds a network driver over in-memory ports of numSlots slots each and returns the ports so
// the caller can inject frames and inspect what was sent.
func NewMemoryNetwork(queues, numSlots int, keep bool, options ...Option) (*Network, []*netmap.MemoryPort, error) {
	if queues <= 0 || numSlots < 2 {
		return nil, nil, fmt.Errorf("invalid memory network of %d queues with %d slots", queues, numSlots)
	}

	o := defaultOptions()
	o.apply(options)

	mem := make([]*netmap.MemoryPort, queues)
	ports := make([]Port, queues)
	for q := range mem {
		mem[q] = netmap.NewMemoryPort(numSlots, o.slotSize, keep)
		ports[q] = mem[q]
	}

	n, err := NewNetwork(ports, options...)
	if err != nil {
		return nil, nil, err
	}
	return n, mem, nil
}
