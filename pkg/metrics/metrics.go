// Package metrics exposes process counters over a private Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors updated by the monitor, reconciler and
// forwarder. Counters update regardless of whether serving is enabled.
type Metrics struct {
	registry *prometheus.Registry

	Probes         *prometheus.CounterVec // family, result
	BindingChanges *prometheus.CounterVec // family
	DNSSyncs       *prometheus.CounterVec // type, result
	Sessions       *prometheus.CounterVec // family
	RelayBytes     *prometheus.CounterVec // direction
	ActiveSessions prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ezhole_probes_total",
			Help: "STUN binding probes by family and result.",
		}, []string{"family", "result"}),
		BindingChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ezhole_binding_changes_total",
			Help: "Detected public binding changes by family.",
		}, []string{"family"}),
		DNSSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ezhole_dns_syncs_total",
			Help: "DNS record upsert attempts by record type and result.",
		}, []string{"type", "result"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ezhole_sessions_total",
			Help: "Accepted forwarding sessions by family.",
		}, []string{"family"}),
		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ezhole_relay_bytes_total",
			Help: "Relayed bytes by direction (in = client to backend).",
		}, []string{"direction"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ezhole_active_sessions",
			Help: "Currently open forwarding sessions.",
		}),
	}

	registry.MustRegister(
		m.Probes,
		m.BindingChanges,
		m.DNSSyncs,
		m.Sessions,
		m.RelayBytes,
		m.ActiveSessions,
	)
	return m
}

// Serve exposes /metrics on the given address until the context is cancelled.
// An empty address disables serving.
func (m *Metrics) Serve(ctx context.Context, address string, logger *zap.Logger) error {
	if address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: address, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", zap.String("address", address))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
