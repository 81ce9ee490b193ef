// Copyright 2024-2026 Aiku AI

// Package metrics exposes Prometheus counters for moderation activity and
// the connection state, plus a small HTTP listener serving them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	messages        *prometheus.CounterVec
	enforcement     *prometheus.CounterVec
	commands        *prometheus.CounterVec
	connectionState prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "antilink_messages_total",
			Help: "Inbound group messages by moderation outcome.",
		}, []string{"outcome"}),
		enforcement: f.NewCounterVec(prometheus.CounterOpts{
			Name: "antilink_enforcement_steps_total",
			Help: "Remediation steps by step and result.",
		}, []string{"step", "result"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "antilink_commands_total",
			Help: "Applied admin commands by action.",
		}, []string{"action"}),
		connectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "antilink_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 awaiting pairing, 3 open, 4 logged out).",
		}),
	}
}

func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EnforcementStep(step string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.enforcement.WithLabelValues(step, result).Inc()
}

func (m *Metrics) Command(action string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action).Inc()
}

func (m *Metrics) ConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// Server serves /metrics and /healthz. healthy reports whether the bot is
// attached to its session.
type Server struct {
	server *http.Server
	log    zerolog.Logger
}

func NewServer(addr string, m *Metrics, healthy func() bool, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not connected\n"))
	})
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log.With().Str("component", "metrics").Logger(),
	}
}

// Handler returns the underlying mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("Starting metrics listener")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Metrics listener error")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
