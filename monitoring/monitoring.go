// Package monitoring exports relay metrics to Prometheus and
// OpenTelemetry. The Manager fans every observation out to all enabled
// backends; a disabled manager is a cheap no-op so call sites never guard.
package monitoring

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
)

// Config represents monitoring configuration
type Config struct {
	// Enable monitoring
	Enabled bool `yaml:"enabled"`

	// Prometheus configuration
	Prometheus *PrometheusConfig `yaml:"prometheus,omitempty"`

	// OpenTelemetry configuration
	OpenTelemetry *OpenTelemetryConfig `yaml:"opentelemetry,omitempty"`
}

// OperationMetrics represents metrics for a single relayed operation
type OperationMetrics struct {
	Route         relaycore.Route
	OperationType relaycore.OperationType
	Success       bool
	RetryCount    int
	Duration      time.Duration
	Cost          float64
	Savings       float64
	ErrorKind     string
}

// Monitor interface for metric backends
type Monitor interface {
	RecordOperation(metrics *OperationMetrics) error
	RecordCircuitTransition(route relaycore.Route, state string) error
	RecordStabilityScore(score float64) error
	RecordError(kind string, labels map[string]string) error
	Flush() error
	Close() error
}

// Manager fans metrics out to every enabled backend
type Manager struct {
	config     *Config
	prometheus *PrometheusMonitor
	otel       *OpenTelemetryMonitor
	logger     *zap.SugaredLogger
}

// NewManager creates a monitoring manager with the configured backends
func NewManager(config *Config, logger *zap.SugaredLogger) (*Manager, error) {
	manager := &Manager{
		config: config,
		logger: logger,
	}
	if !config.Enabled {
		return manager, nil
	}

	if config.Prometheus != nil && config.Prometheus.Enabled {
		prom, err := NewPrometheusMonitor(config.Prometheus, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Prometheus monitor: %v", err)
		}
		manager.prometheus = prom
	}

	if config.OpenTelemetry != nil && config.OpenTelemetry.Enabled {
		otel, err := NewOpenTelemetryMonitor(config.OpenTelemetry, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenTelemetry monitor: %v", err)
		}
		manager.otel = otel
	}

	return manager, nil
}

func (m *Manager) backends() []Monitor {
	var out []Monitor
	if m.prometheus != nil {
		out = append(out, m.prometheus)
	}
	if m.otel != nil {
		out = append(out, m.otel)
	}
	return out
}

// RecordOperation records one operation outcome across all backends
func (m *Manager) RecordOperation(metrics *OperationMetrics) error {
	if !m.config.Enabled {
		return nil
	}

	var errs []error
	for _, backend := range m.backends() {
		if err := backend.RecordOperation(metrics); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("monitoring errors: %v", errs)
	}
	return nil
}

// RecordCircuitTransition records a circuit breaker state change
func (m *Manager) RecordCircuitTransition(route relaycore.Route, state string) error {
	if !m.config.Enabled {
		return nil
	}

	var errs []error
	for _, backend := range m.backends() {
		if err := backend.RecordCircuitTransition(route, state); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("monitoring errors: %v", errs)
	}
	return nil
}

// RecordStabilityScore records the current stability score gauge
func (m *Manager) RecordStabilityScore(score float64) error {
	if !m.config.Enabled {
		return nil
	}

	var errs []error
	for _, backend := range m.backends() {
		if err := backend.RecordStabilityScore(score); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("monitoring errors: %v", errs)
	}
	return nil
}

// RecordError records an error occurrence across all backends
func (m *Manager) RecordError(kind string, labels map[string]string) error {
	if !m.config.Enabled {
		return nil
	}

	var errs []error
	for _, backend := range m.backends() {
		if err := backend.RecordError(kind, labels); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("monitoring errors: %v", errs)
	}
	return nil
}

// Flush flushes all backends
func (m *Manager) Flush() error {
	var errs []error
	for _, backend := range m.backends() {
		if err := backend.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("monitoring flush errors: %v", errs)
	}
	return nil
}

// Close shuts down all backends
func (m *Manager) Close() error {
	var errs []error
	for _, backend := range m.backends() {
		if err := backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("monitoring close errors: %v", errs)
	}
	return nil
}

// Prometheus returns the Prometheus backend when enabled, for mounting
// its scrape handler.
func (m *Manager) Prometheus() *PrometheusMonitor {
	return m.prometheus
}
