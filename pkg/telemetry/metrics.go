package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for provisioning. A disabled instance
// accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	setupsStarted   *prometheus.CounterVec
	setupsCompleted *prometheus.CounterVec
	setupDuration   *prometheus.HistogramVec
	teardowns       *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	distributions   *prometheus.CounterVec
	agentCommands   *prometheus.CounterVec
	errorsByClass   *prometheus.CounterVec
	activeTasks     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		setupsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "setups_started_total",
			Help:      "Total number of node setups started",
		}, []string{"node_type"}),
		setupsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "setups_completed_total",
			Help:      "Total number of node setups finished, by final state",
		}, []string{"node_type", "state"}),
		setupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "setup_duration_seconds",
			Help:      "Duration of node setup attempts",
			Buckets:   buckets,
		}, []string{"node_type"}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "teardowns_total",
			Help:      "Total number of node teardowns",
		}, []string{"node_type"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rollbacks_total",
			Help:      "Total number of setup rollbacks",
		}, []string{"node_type"}),
		distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "recovery_distributions_total",
			Help:      "Total number of recovery snapshot uploads, by result",
		}, []string{"result"}),
		agentCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "agent_commands_total",
			Help:      "Total number of commands sent to management agents",
		}, []string{"mode", "result"}),
		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Total number of classified errors",
		}, []string{"class", "code"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_tasks",
			Help:      "Number of setup and teardown tasks currently running",
		}),
	}

	m.registry.MustRegister(
		m.setupsStarted,
		m.setupsCompleted,
		m.setupDuration,
		m.teardowns,
		m.rollbacks,
		m.distributions,
		m.agentCommands,
		m.errorsByClass,
		m.activeTasks,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordSetupStarted counts a setup attempt.
func (m *Metrics) RecordSetupStarted(nodeType string) {
	if !m.enabled() {
		return
	}
	m.setupsStarted.WithLabelValues(nodeType).Inc()
}

// RecordSetupCompleted records the final state and duration of a setup.
func (m *Metrics) RecordSetupCompleted(nodeType, state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.setupsCompleted.WithLabelValues(nodeType, state).Inc()
	m.setupDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RecordTeardown counts a teardown.
func (m *Metrics) RecordTeardown(nodeType string) {
	if !m.enabled() {
		return
	}
	m.teardowns.WithLabelValues(nodeType).Inc()
}

// RecordRollback counts a setup rollback.
func (m *Metrics) RecordRollback(nodeType string) {
	if !m.enabled() {
		return
	}
	m.rollbacks.WithLabelValues(nodeType).Inc()
}

// RecordDistribution counts a recovery upload to one target.
func (m *Metrics) RecordDistribution(success bool) {
	if !m.enabled() {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.distributions.WithLabelValues(result).Inc()
}

// RecordAgentCommand counts a command sent to an agent.
func (m *Metrics) RecordAgentCommand(mode string, err error) {
	if !m.enabled() {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.agentCommands.WithLabelValues(mode, result).Inc()
}

// RecordError counts a classified error.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class, code).Inc()
}

// TaskStarted and TaskFinished track running background tasks.
func (m *Metrics) TaskStarted() {
	if m.enabled() {
		m.activeTasks.Inc()
	}
}

func (m *Metrics) TaskFinished() {
	if m.enabled() {
		m.activeTasks.Dec()
	}
}

// Registry returns the metrics registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server error: %v", err)
		}
	}()

	return nil
}
