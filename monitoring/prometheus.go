package monitoring

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
)

// PrometheusConfig represents Prometheus configuration
type PrometheusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// PrometheusMonitor implements monitoring using Prometheus
type PrometheusMonitor struct {
	config   *PrometheusConfig
	registry *prometheus.Registry
	logger   *zap.SugaredLogger
	server   *http.Server

	operationsTotal    *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	retriesTotal       *prometheus.CounterVec
	circuitTransitions *prometheus.CounterVec
	costTotal          *prometheus.CounterVec
	savingsTotal       prometheus.Counter
	errorsTotal        *prometheus.CounterVec
	stabilityScore     prometheus.Gauge
}

// NewPrometheusMonitor creates a new Prometheus monitor
func NewPrometheusMonitor(config *PrometheusConfig, logger *zap.SugaredLogger) (*PrometheusMonitor, error) {
	pm := &PrometheusMonitor{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	if err := pm.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %v", err)
	}
	return pm, nil
}

func (p *PrometheusMonitor) initializeMetrics() error {
	namespace := p.config.Namespace
	subsystem := p.config.Subsystem

	p.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Total number of relayed operations",
		},
		[]string{"route", "operation_type", "success"},
	)

	p.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "End to end operation duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"route", "operation_type"},
	)

	p.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Total retry attempts",
		},
		[]string{"route"},
	)

	p.circuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"route", "state"},
	)

	p.costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cost_total",
			Help:      "Total estimated cost of operations",
		},
		[]string{"route"},
	)

	p.savingsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cost_savings_total",
			Help:      "Total cost savings from route overrides",
		},
	)

	p.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors by kind",
		},
		[]string{"kind"},
	)

	p.stabilityScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stability_score",
			Help:      "Current aggregate stability score",
		},
	)

	collectors := []prometheus.Collector{
		p.operationsTotal,
		p.operationDuration,
		p.retriesTotal,
		p.circuitTransitions,
		p.costTotal,
		p.savingsTotal,
		p.errorsTotal,
		p.stabilityScore,
	}
	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register collector: %v", err)
		}
	}
	return nil
}

// RecordOperation records one operation outcome
func (p *PrometheusMonitor) RecordOperation(metrics *OperationMetrics) error {
	route := string(metrics.Route)
	opType := string(metrics.OperationType)

	p.operationsTotal.WithLabelValues(route, opType, strconv.FormatBool(metrics.Success)).Inc()
	p.operationDuration.WithLabelValues(route, opType).Observe(metrics.Duration.Seconds())
	if metrics.RetryCount > 0 {
		p.retriesTotal.WithLabelValues(route).Add(float64(metrics.RetryCount))
	}
	if metrics.Cost > 0 {
		p.costTotal.WithLabelValues(route).Add(metrics.Cost)
	}
	if metrics.Savings > 0 {
		p.savingsTotal.Add(metrics.Savings)
	}
	if metrics.ErrorKind != "" {
		p.errorsTotal.WithLabelValues(metrics.ErrorKind).Inc()
	}
	return nil
}

// RecordCircuitTransition records a circuit breaker state change
func (p *PrometheusMonitor) RecordCircuitTransition(route relaycore.Route, state string) error {
	p.circuitTransitions.WithLabelValues(string(route), state).Inc()
	return nil
}

// RecordStabilityScore records the current stability score
func (p *PrometheusMonitor) RecordStabilityScore(score float64) error {
	p.stabilityScore.Set(score)
	return nil
}

// RecordError records an error occurrence
func (p *PrometheusMonitor) RecordError(kind string, labels map[string]string) error {
	p.errorsTotal.WithLabelValues(kind).Inc()
	return nil
}

// Handler returns the scrape handler for mounting on an existing router
func (p *PrometheusMonitor) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// StartServer starts a dedicated metrics server when a port is configured
func (p *PrometheusMonitor) StartServer() error {
	if p.config.Port == 0 {
		return nil
	}

	path := p.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, p.Handler())

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.Port),
		Handler: mux,
	}
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Errorw("Prometheus metrics server failed", "error", err)
		}
	}()
	p.logger.Infow("Prometheus metrics server started", "port", p.config.Port, "path", path)
	return nil
}

// Flush is a no-op: Prometheus is pull based
func (p *PrometheusMonitor) Flush() error { return nil }

// Close shuts down the metrics server if one was started
func (p *PrometheusMonitor) Close() error {
	if p.server != nil {
		return p.server.Close()
	}
	return nil
}
