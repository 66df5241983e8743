// Package metrics provides the Prometheus instruments for the bridge.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "mediary"

// Message flow outcomes used as the "result" label of MessagesTotal.
const (
	ResultForwarded     = "forwarded"
	ResultQueued        = "queued"
	ResultReplayed      = "replayed"
	ResultDropped       = "dropped"
	ResultRejected      = "rejected"
	ResultRedistributed = "redistributed"
)

// Metrics holds every instrument the bridge updates. Build one per registry.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal    *prometheus.CounterVec
	SubscribesTotal  *prometheus.CounterVec
	AuthFailures     prometheus.Counter
	QueueDepth       prometheus.Gauge
	ConnectedClients prometheus.Gauge
	LinkUp           prometheus.Gauge
	ConnectAttempts  prometheus.Counter
	ConnectFailures  prometheus.Counter
	LinkDrops        prometheus.Counter
	ReplayDuration   prometheus.Histogram
}

// New registers the bridge instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages handled by the bridge, by result.",
		}, []string{"result"}),
		SubscribesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribes_total",
			Help:      "Local subscribe requests, by outcome.",
		}, []string{"result"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Local connection attempts rejected for bad credentials.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages held in the missed-message store after the last sweep.",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Local clients currently connected.",
		}),
		LinkUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connected",
			Help:      "1 while the upstream link is connected.",
		}),
		ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_attempts_total",
			Help:      "Upstream connection attempts.",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_failures_total",
			Help:      "Upstream connection attempts that failed.",
		}),
		LinkDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connection_lost_total",
			Help:      "Established upstream connections that were lost.",
		}),
		ReplayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Duration of missed-message replay sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Message counts one message outcome.
func (m *Metrics) Message(result string) {
	m.MessagesTotal.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", addr).Msg("Metrics server listening.")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}
