// Package metrics exposes Prometheus counters for supervised runs.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testexec"

// Run outcomes used as the outcome label of runs_finished_total.
const (
	OutcomePassed      = "passed"
	OutcomeFailed      = "failed"
	OutcomeStopped     = "stopped"
	OutcomeSpawnFailed = "spawn_failed"
)

// Metrics holds the collectors for one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted     prometheus.Counter
	runsFinished    *prometheus.CounterVec
	runDuration     prometheus.Histogram
	activeRuns      prometheus.Gauge
	testsFinished   *prometheus.CounterVec
	protocolErrors  prometheus.Counter
	stopEscalations prometheus.Counter
	controlCommands *prometheus.CounterVec
	outputBytes     prometheus.Counter
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of runs whose runner process was spawned",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of finished runs by outcome",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from spawn to done",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of runs not yet done",
		}),
		testsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_finished_total",
			Help:      "Total number of tests reaching a terminal status",
		}, []string{"status"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_protocol_errors_total",
			Help:      "Total number of listener streams ended by a framing or decode error",
		}),
		stopEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_escalations_total",
			Help:      "Total number of stops that needed a forced kill after the grace period",
		}),
		controlCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_total",
			Help:      "Total number of control commands by command and delivery result",
		}, []string{"command", "delivered"}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Total number of runner output bytes captured",
		}),
	}

	m.registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.activeRuns,
		m.testsFinished,
		m.protocolErrors,
		m.stopEscalations,
		m.controlCommands,
		m.outputBytes,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RunStarted records a spawned runner.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records a run reaching done. spawned is false when the runner never started.
func (m *Metrics) RunFinished(outcome string, elapsed time.Duration, spawned bool) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(normalizeLabel(outcome)).Inc()
	if spawned {
		m.activeRuns.Dec()
		m.runDuration.Observe(elapsed.Seconds())
	}
}

// TestFinished records one terminal test status.
func (m *Metrics) TestFinished(status string) {
	if m == nil {
		return
	}
	m.testsFinished.WithLabelValues(normalizeLabel(status)).Inc()
}

// ProtocolError records a listener stream ended by a protocol error.
func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// StopEscalated records a forced kill after the grace period.
func (m *Metrics) StopEscalated() {
	if m == nil {
		return
	}
	m.stopEscalations.Inc()
}

// ControlCommand records one control command attempt.
func (m *Metrics) ControlCommand(command string, delivered bool) {
	if m == nil {
		return
	}
	m.controlCommands.WithLabelValues(normalizeLabel(command), strconv.FormatBool(delivered)).Inc()
}

// OutputBytes records captured runner output.
func (m *Metrics) OutputBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outputBytes.Add(float64(n))
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	logger   *log.Logger
	listener net.Listener
	server   *http.Server
}

// Listen binds addr and prepares a metrics server for handler.
func Listen(addr string, handler http.Handler, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("metrics address is required")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &Server{
		logger:   logger,
		listener: listener,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is cancelled or the server fails.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.With("addr", s.Addr()).Info("metrics server listening")
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
