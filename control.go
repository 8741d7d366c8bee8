package libpop

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/affinity"
	"github.com/upa/libpop/bridge"
	"github.com/upa/libpop/config"
	"golang.org/x/sync/errgroup"
)

// Control runs the workers Main built and tears the devices down once they stop.
type Control struct {
	l          *logrus.Logger
	config     *config.C
	mode       Mode
	dev        *devices
	workers    []worker
	counters   []*bridge.Counters
	reporter   *reporter
	statsStart func()
	pin        bool
	duration   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	err    error
	start  time.Time
}

// Start launches every worker, this is a nonblocking call. To block use Control.ShutdownBlock() or Control.Wait()
func (c *Control) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.start = time.Now()

	if c.config != nil {
		c.config.CatchHUP(ctx)
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	rctx, rcancel := context.WithCancel(ctx)
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		if c.pin {
			c.pinTo(affinity.OnlineCPUs()-1, "reporter")
			defer affinity.Unpin()
		}
		c.reporter.Run(rctx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range c.workers {
		g.Go(func() error {
			if c.pin {
				c.pinTo(w.cpu, w.name)
				defer affinity.Unpin()
			}
			if err := w.run(gctx); err != nil {
				return fmt.Errorf("%s on queue %d: %w", w.name, w.queue, err)
			}
			return nil
		})
	}

	c.l.WithField("mode", c.mode).WithField("workers", len(c.workers)).Info("Generator started")

	go func() {
		c.err = g.Wait()
		rcancel()
		<-reporterDone
		close(c.done)
	}()
}

func (c *Control) pinTo(cpu int, name string) {
	if err := affinity.Pin(cpu); err != nil {
		c.l.WithError(err).WithField("worker", name).WithField("cpu", cpu).Warn("Failed to pin worker")
	}
}

// Wait blocks until every worker returned and reports the first error any of them hit.
func (c *Control) Wait() error {
	<-c.done
	return c.err
}

// Done is closed once every worker returned.
func (c *Control) Done() <-chan struct{} {
	return c.done
}

// Stop signals the workers to finish, waits for them and closes the devices.
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
		if err := c.Wait(); err != nil {
			c.l.WithError(err).Error("Worker failed")
		}
	}

	elapsed := time.Since(c.start)
	t := c.Totals()
	c.l.WithFields(logrus.Fields{
		"elapsed":      elapsed,
		"txPackets":    t.TxPackets,
		"txBytes":      t.TxBytes,
		"rxPackets":    t.RxPackets,
		"rxBytes":      t.RxBytes,
		"storageOps":   t.StorageCommands,
		"storageBytes": t.StorageBytes,
		"storageErrs":  t.StorageErrors,
		"dropped":      t.Dropped,
	}).Info("Totals")

	if c.dev != nil {
		if err := c.dev.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close devices")
		}
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock blocks until a term or interrupt signal arrives, gen.duration passes or the workers finish on
// their own, and then calls Control.Stop()
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	var timeout <-chan time.Time
	if c.duration > 0 {
		timer := time.NewTimer(c.duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-timeout:
		c.l.WithField("duration", c.duration).Info("Run time elapsed, shutting down")
	case <-c.done:
		c.l.Info("All workers finished")
	}
	c.Stop()
}

// Counters returns a snapshot per queue.
func (c *Control) Counters() []bridge.Snapshot {
	s := make([]bridge.Snapshot, len(c.counters))
	for i, qc := range c.counters {
		s[i] = qc.Snapshot()
	}
	return s
}

// Totals sums the counters of every queue.
func (c *Control) Totals() bridge.Snapshot {
	var t bridge.Snapshot
	for _, qc := range c.counters {
		t = t.Add(qc.Snapshot())
	}
	return t
}
