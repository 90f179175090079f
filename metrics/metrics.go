// Package metrics exposes Prometheus metrics for the provisioning pipeline
// and serves them on a dedicated listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's instruments, registered on a private
// registry so tests can run many instances.
type Metrics struct {
	registry *prometheus.Registry

	ProvisionTotal    *prometheus.CounterVec
	ProvisionDuration *prometheus.HistogramVec
	BootstrapTotal    *prometheus.CounterVec
	ActiveLogStreams  prometheus.Gauge
}

// New creates and registers the pipeline metrics under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ProvisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_total",
			Help:      "Provisioning runs by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProvisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Wall time of provisioning runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"provider"}),
		BootstrapTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_total",
			Help:      "Bootstrap runs by outcome.",
		}, []string{"outcome"}),
		ActiveLogStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_log_streams",
			Help:      "Currently open log relay streams.",
		}),
	}

	registry.MustRegister(
		m.ProvisionTotal,
		m.ProvisionDuration,
		m.BootstrapTotal,
		m.ActiveLogStreams,
	)
	return m
}

// ObserveProvision records one provisioning run.
func (m *Metrics) ObserveProvision(provider string, err error, elapsed time.Duration) {
	m.ProvisionTotal.WithLabelValues(provider, outcome(err)).Inc()
	m.ProvisionDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveBootstrap records one bootstrap run.
func (m *Metrics) ObserveBootstrap(err error) {
	m.BootstrapTotal.WithLabelValues(outcome(err)).Inc()
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Server serves the metrics endpoint on its own listener.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer creates a metrics server on addr.
func NewServer(addr string, m *Metrics, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Run blocks serving scrapes until Shutdown is called.
func (s *Server) Run() {
	s.log.Info("Metrics server starting", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("Metrics server failed", slog.String("err", err.Error()))
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
