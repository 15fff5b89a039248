package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's Prometheus collectors. All collectors are
// registered on a private registry so tests can create instances freely.
type Metrics struct {
	registry *prometheus.Registry

	RequestsReceived   prometheus.Counter
	ResponsesPublished prometheus.Counter
	RequestErrors      prometheus.Counter
	InFlight           prometheus.Gauge
	RequestDuration    prometheus.Histogram

	server *http.Server
}

// New creates the collector set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llama_dds",
			Name:      "requests_received_total",
			Help:      "Chat completion requests taken from the request topic.",
		}),
		ResponsesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llama_dds",
			Name:      "responses_published_total",
			Help:      "Response samples published on the response topic.",
		}),
		RequestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llama_dds",
			Name:      "request_errors_total",
			Help:      "Requests that terminated with finish_reason=error.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llama_dds",
			Name:      "requests_in_flight",
			Help:      "Requests between intake and terminal response.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llama_dds",
			Name:      "request_duration_seconds",
			Help:      "Wall time from pop to terminal response.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.RequestsReceived,
		m.ResponsesPublished,
		m.RequestErrors,
		m.InFlight,
		m.RequestDuration,
	)
	return m
}

// Serve exposes /metrics and /healthz on addr until Shutdown is called.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	m.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the metrics endpoint.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
