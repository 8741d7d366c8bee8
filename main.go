package libpop

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main validates the config, opens the devices and builds the workers of gen.mode. With configTest set it returns
// before any device is touched.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	mode, err := ParseMode(c.GetString("gen.mode", "bridge"))
	if err != nil {
		return nil, util.NewContextualError("Invalid gen.mode", nil, err)
	}

	pc, err := packetConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Invalid packet settings", nil, err)
	}

	if mode == ModeBridge || mode == ModeStore {
		if _, err := bridgeConfig(c); err != nil {
			return nil, util.NewContextualError("Invalid bridge settings", nil, err)
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	ctrl := &Control{
		l:          l,
		config:     c,
		mode:       mode,
		statsStart: statsStart,
		pin:        c.GetBool("affinity.enabled", true),
		duration:   c.GetDuration("gen.duration", 0),
	}
	if configTest {
		return ctrl, nil
	}

	dev, err := openDevices(l, c, mode)
	if err != nil {
		return nil, util.NewContextualError("Failed to open devices", m{"mode": mode}, err)
	}

	workers, counters, err := buildWorkers(l, c, mode, dev, pc)
	if err != nil {
		dev.Close()
		return nil, util.NewContextualError("Failed to set up workers", m{"mode": mode, "queues": dev.queues()}, err)
	}

	ctrl.dev = dev
	ctrl.workers = workers
	ctrl.counters = counters
	ctrl.reporter = newReporter(l, counters, c.GetDuration("stats.report_interval", time.Second))

	l.WithFields(logrus.Fields{
		"mode":    mode,
		"queues":  dev.queues(),
		"workers": len(workers),
		"version": buildVersion,
	}).Info("Generator ready")
	return ctrl, nil
}
