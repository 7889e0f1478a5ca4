package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gitlab.com/netops-rnd/tunnelkeeper/internal/logz"
)

type metrics struct {
	registry *prometheus.Registry

	established       prometheus.Gauge
	restarts          prometheus.Counter
	keepaliveFailures prometheus.Counter
	activeConnections prometheus.Gauge
}

func newMetrics(serviceName string) *metrics {
	labels := prometheus.Labels{"service": serviceName}

	m := &metrics{
		registry: prometheus.NewRegistry(),
		established: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tunnelkeeper_tunnel_established",
			Help:        "Whether the forwarding connection is currently established.",
			ConstLabels: labels,
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tunnelkeeper_tunnel_restarts_total",
			Help:        "Number of in-process tunnel restarts after degradation.",
			ConstLabels: labels,
		}),
		keepaliveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tunnelkeeper_keepalive_failures_total",
			Help:        "Number of failed liveness probes.",
			ConstLabels: labels,
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tunnelkeeper_active_connections",
			Help:        "Currently forwarded local connections.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.established, m.restarts, m.keepaliveFailures, m.activeConnections)
	return m
}

func (m *metrics) setEstablished(up bool) {
	if up {
		m.established.Set(1)
		return
	}
	m.established.Set(0)
}

func (s *Supervisor) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx) //nolint:contextcheck
	}()

	s.logger.Info("metrics listener starting",
		logz.Service(s.opts.Config.ServiceName),
		logz.MetricsAddr(addr),
	)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
