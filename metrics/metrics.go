// Package metrics exports Prometheus metrics for the sandbox engine and the
// RPC worker.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/gradebox/rpc"
	"github.com/isdmx/gradebox/sandbox"
)

const namespace = "gradebox"

// Metrics implements sandbox.Observer and rpc.RequestObserver
type Metrics struct {
	sandboxesCreated  *prometheus.CounterVec
	sandboxesActive   *prometheus.GaugeVec
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	workdirsActive    prometheus.Gauge
	cleanupFailures   *prometheus.CounterVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestsDropped *prometheus.CounterVec
	brokerErrors    prometheus.Counter
}

var (
	_ sandbox.Observer    = (*Metrics)(nil)
	_ rpc.RequestObserver = (*Metrics)(nil)
)

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sandboxesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandboxes_created_total",
			Help:      "Sandboxes created, by profile.",
		}, []string{"profile"}),
		sandboxesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandboxes_active",
			Help:      "Sandboxes created and not yet destroyed, by profile.",
		}, []string{"profile"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions, by profile and outcome.",
		}, []string{"profile", "outcome"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of executions.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"profile"}),
		workdirsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workdirs_active",
			Help:      "Working directory volumes currently allocated.",
		}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Containers or volumes that could not be removed.",
		}, []string{"resource"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Handled RPC requests, by operation and status.",
		}, []string{"op", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling RPC requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		requestsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_dropped_total",
			Help:      "Requests dropped without execution, by reason.",
		}, []string{"reason"}),
		brokerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "broker_errors_total",
			Help:      "Failed broker operations.",
		}),
	}

	collectors := []prometheus.Collector{
		m.sandboxesCreated, m.sandboxesActive, m.executions, m.executionDuration,
		m.workdirsActive, m.cleanupFailures,
		m.requests, m.requestDuration, m.requestsDropped, m.brokerErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// SandboxCreated implements sandbox.Observer
func (m *Metrics) SandboxCreated(profile string) {
	m.sandboxesCreated.WithLabelValues(profile).Inc()
	m.sandboxesActive.WithLabelValues(profile).Inc()
}

// SandboxDestroyed implements sandbox.Observer
func (m *Metrics) SandboxDestroyed(profile string) {
	m.sandboxesActive.WithLabelValues(profile).Dec()
}

// ExecutionFinished implements sandbox.Observer
func (m *Metrics) ExecutionFinished(profile, outcome string, duration time.Duration) {
	m.executions.WithLabelValues(profile, outcome).Inc()
	m.executionDuration.WithLabelValues(profile).Observe(duration.Seconds())
}

// WorkdirAcquired implements sandbox.Observer
func (m *Metrics) WorkdirAcquired() {
	m.workdirsActive.Inc()
}

// WorkdirReleased implements sandbox.Observer
func (m *Metrics) WorkdirReleased() {
	m.workdirsActive.Dec()
}

// CleanupFailed implements sandbox.Observer
func (m *Metrics) CleanupFailed(resource string) {
	m.cleanupFailures.WithLabelValues(resource).Inc()
}

// RequestHandled implements rpc.RequestObserver
func (m *Metrics) RequestHandled(op, status string, duration time.Duration) {
	m.requests.WithLabelValues(op, status).Inc()
	m.requestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RequestDropped implements rpc.RequestObserver
func (m *Metrics) RequestDropped(reason string) {
	m.requestsDropped.WithLabelValues(reason).Inc()
}

// BrokerError implements rpc.RequestObserver
func (m *Metrics) BrokerError() {
	m.brokerErrors.Inc()
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Server exposes /metrics over HTTP
type Server struct {
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a metrics server listening on addr
func NewServer(logger *zap.Logger, addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &Server{
		logger: logger,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start listens in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("Metrics server listening", zap.String("address", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
