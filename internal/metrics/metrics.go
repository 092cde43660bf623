// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simplestaking/bpf-firewall/internal/logging"
)

// Metrics holds the firewall prometheus metrics. Every instance carries its
// own registry so tests never collide on global state.
type Metrics struct {
	Events       *prometheus.CounterVec
	Blocked      *prometheus.CounterVec
	Commands     *prometheus.CounterVec
	DecodeErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the firewall metrics collector.
func New() *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewall_events_total",
			Help: "Total number of classifier events processed, by classification kind",
		}, []string{"kind"}),
		Blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewall_blocked_total",
			Help: "Total number of blacklist insertions, by blocking reason",
		}, []string{"reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewall_commands_total",
			Help: "Total number of control plane commands applied, by command type",
		}, []string{"command"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewall_decode_errors_total",
			Help: "Total number of malformed records and commands skipped",
		}, []string{"kind"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(m.Events, m.Blocked, m.Commands, m.DecodeErrors)
	return m
}

// Handler returns the prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP endpoint until the context is cancelled.
// Failures here are logged, never fatal: metrics are an observability
// surface, not part of the enforcement path.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Error("Metrics server error", "error", err)
	}
}
