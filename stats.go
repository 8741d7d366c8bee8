package libpop

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/util"
)

// startStats sets up the exporter named by stats.type for the go-metrics registry the reporter updates. The
// returned function runs the exporter and is nil when there is nothing to run.
func startStats(l *logrus.Logger, c *config.C, buildVersion string, configTest bool) (func(), error) {
	kind := c.GetString("stats.type", "none")
	if kind == "" || kind == "none" {
		return nil, nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval <= 0 {
		return nil, fmt.Errorf("%w: stats.interval must be a positive duration, got %q", util.ErrConfig,
			c.GetString("stats.interval", ""))
	}

	var (
		run func()
		err error
	)
	switch kind {
	case "graphite":
		run, err = graphiteExporter(l, c, interval)
	case "prometheus":
		run, err = prometheusExporter(l, c, interval, buildVersion)
	default:
		err = fmt.Errorf("%w: unknown stats.type %q, expected graphite or prometheus", util.ErrConfig, kind)
	}
	if err != nil || configTest {
		return nil, err
	}

	metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)
	return func() {
		go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, interval)
		run()
	}, nil
}

func graphiteExporter(l *logrus.Logger, c *config.C, interval time.Duration) (func(), error) {
	host := c.GetString("stats.host", "")
	if host == "" {
		return nil, errors.New("stats.host can not be empty")
	}

	addr, err := net.ResolveTCPAddr(c.GetString("stats.protocol", "tcp"), host)
	if err != nil {
		return nil, fmt.Errorf("resolve graphite host %s: %w", host, err)
	}

	prefix := c.GetString("stats.prefix", "pop")
	return func() {
		l.WithField("addr", addr).WithField("prefix", prefix).WithField("interval", interval).
			Info("Sending stats to graphite")
		graphite.Graphite(metrics.DefaultRegistry, interval, prefix, addr)
	}, nil
}

func prometheusExporter(l *logrus.Logger, c *config.C, interval time.Duration, buildVersion string) (func(), error) {
	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return nil, errors.New("stats.listen can not be empty")
	}
	path := c.GetString("stats.path", "/metrics")

	namespace := c.GetString("stats.namespace", "pop")
	subsystem := c.GetString("stats.subsystem", "gen")

	reg := prometheus.NewRegistry()
	provider := mp.NewPrometheusProvider(metrics.DefaultRegistry, namespace, subsystem, reg, interval)

	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "info",
		Help:        "Build of the running generator",
		ConstLabels: prometheus.Labels{"version": buildVersion, "goversion": runtime.Version()},
	})
	reg.MustRegister(build)
	build.Set(1)

	return func() {
		go provider.UpdatePrometheusMetrics()

		mux := http.NewServeMux()
		mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorLog: l}))
		l.WithField("listen", listen).WithField("path", path).Info("Serving prometheus stats")
		if err := http.ListenAndServe(listen, mux); err != nil {
			l.WithError(err).Error("Prometheus stats listener stopped")
		}
	}, nil
}
