package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
)

// EventType represents different types of relay audit events
type EventType string

const (
	EventFallbackInitiated EventType = "fallback_initiated"
	EventFallbackSucceeded EventType = "fallback_succeeded"
	EventFallbackFailed    EventType = "fallback_failed"
	EventCircuitOpened     EventType = "circuit_opened"
	EventCircuitClosed     EventType = "circuit_closed"
	EventCostOverride      EventType = "cost_override"
	EventRecommendation    EventType = "recommendation_applied"
	EventHealthDegraded    EventType = "health_degraded"
	EventHealthRecovered   EventType = "health_recovered"
	EventEmergency         EventType = "emergency_mode"
	EventStabilityAlert    EventType = "stability_alert"
	EventSupportMode       EventType = "support_mode"
	EventConfiguration     EventType = "configuration"
)

// Severity represents the severity level of audit events
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event represents a single audit event
type Event struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          EventType              `json:"type"`
	Severity      Severity               `json:"severity"`
	Component     string                 `json:"component,omitempty"`
	Route         relaycore.Route        `json:"route,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Message       string                 `json:"message"`
	Duration      time.Duration          `json:"duration,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Sink receives audit events. Every call is best-effort: implementations
// must never block the caller's primary operation, and callers never treat
// a sink failure as an operation failure.
type Sink interface {
	LogEvent(event Event)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) LogEvent(event Event) {
	for _, s := range m {
		if s != nil {
			s.LogEvent(event)
		}
	}
}

// Config configures audit logging behavior
type Config struct {
	// Enable audit logging
	Enabled bool `yaml:"enabled"`

	// Minimum severity level to log
	MinSeverity Severity `yaml:"min_severity"`

	// Specific event types to audit; empty means everything
	EventTypes []EventType `yaml:"event_types,omitempty"`

	// Buffer size for async logging
	BufferSize int `yaml:"buffer_size"`

	// Flush interval for batched logging
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns default audit configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		MinSeverity:   SeverityInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

// Logger handles relay audit logging on top of the structured logger.
// Events are buffered and processed asynchronously; a full buffer falls
// back to synchronous processing so critical events are not dropped.
type Logger struct {
	config    *Config
	logger    *zap.SugaredLogger
	eventChan chan Event
	done      chan struct{}
	closeOnce sync.Once

	sinkMu sync.RWMutex
	sinks  MultiSink
}

// NewLogger creates a new audit logger
func NewLogger(config *Config, logger *zap.SugaredLogger) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	auditor := &Logger{
		config:    config,
		logger:    logger,
		eventChan: make(chan Event, config.BufferSize),
		done:      make(chan struct{}),
	}

	if config.Enabled {
		go auditor.processEvents()
	}

	return auditor
}

// AddSink registers an additional receiver for every processed event.
// Sinks see events after the severity and type filters, in processing
// order rather than submission order.
func (a *Logger) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	a.sinks = append(a.sinks, sink)
}

// LogEvent logs an audit event
func (a *Logger) LogEvent(event Event) {
	if !a.config.Enabled {
		return
	}

	if !a.shouldLogSeverity(event.Severity) {
		return
	}
	if !a.shouldLogEventType(event.Type) {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	select {
	case a.eventChan <- event:
		// Event queued successfully
	default:
		// Buffer full, log synchronously to avoid losing critical events
		a.processEvent(event)
	}
}

// LogFallback logs the outcome of a fallback operation.
func (a *Logger) LogFallback(correlationID string, route relaycore.Route, success bool, retryCount int, latency time.Duration, reason string) {
	eventType := EventFallbackSucceeded
	severity := SeverityInfo
	result := "succeeded"
	if !success {
		eventType = EventFallbackFailed
		severity = SeverityWarning
		result = "failed"
	}

	a.LogEvent(Event{
		Type:          eventType,
		Severity:      severity,
		Component:     "fallback",
		Route:         route,
		CorrelationID: correlationID,
		Duration:      latency,
		Message:       fmt.Sprintf("Fallback operation %s via %s after %d retries", result, route, retryCount),
		Details: map[string]interface{}{
			"retry_count": retryCount,
			"reason":      reason,
		},
	})
}

// LogCircuitTransition logs a circuit breaker state change.
func (a *Logger) LogCircuitTransition(route relaycore.Route, opened bool, consecutiveFailures int) {
	eventType := EventCircuitClosed
	severity := SeverityInfo
	if opened {
		eventType = EventCircuitOpened
		severity = SeverityError
	}

	a.LogEvent(Event{
		Type:      eventType,
		Severity:  severity,
		Component: "breaker",
		Route:     route,
		Message:   fmt.Sprintf("Circuit breaker for %s %s", route, eventType),
		Details: map[string]interface{}{
			"consecutive_failures": consecutiveFailures,
		},
	})
}

// LogCostOverride logs a cost-driven route override.
func (a *Logger) LogCostOverride(correlationID string, from, to relaycore.Route, savings float64, strategy string) {
	a.LogEvent(Event{
		Type:          EventCostOverride,
		Severity:      SeverityInfo,
		Component:     "costaware",
		Route:         to,
		CorrelationID: correlationID,
		Message:       fmt.Sprintf("Route overridden %s -> %s by %s strategy", from, to, strategy),
		Details: map[string]interface{}{
			"baseline_route": string(from),
			"cost_savings":   savings,
			"strategy":       strategy,
		},
	})
}

// LogEmergency logs entry into or exit from emergency mode.
func (a *Logger) LogEmergency(component, message string, details map[string]interface{}) {
	a.LogEvent(Event{
		Type:      EventEmergency,
		Severity:  SeverityCritical,
		Component: component,
		Message:   message,
		Details:   details,
	})
}

// LogSupportModeEvent logs a support-mode maintenance action and who ran it.
func (a *Logger) LogSupportModeEvent(action string, payload map[string]interface{}, actor string) {
	details := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		details[k] = v
	}
	details["actor"] = actor
	a.LogEvent(Event{
		Type:      EventSupportMode,
		Severity:  SeverityInfo,
		Component: "support",
		Message:   fmt.Sprintf("Support mode action: %s", action),
		Details:   details,
	})
}

// LogStabilityAlert logs a breached stability threshold.
func (a *Logger) LogStabilityAlert(metric string, value, threshold float64) {
	a.LogEvent(Event{
		Type:      EventStabilityAlert,
		Severity:  SeverityError,
		Component: "stability",
		Message:   fmt.Sprintf("Stability threshold breached: %s=%.4f (limit %.4f)", metric, value, threshold),
		Details: map[string]interface{}{
			"metric":    metric,
			"value":     value,
			"threshold": threshold,
		},
	})
}

// processEvents handles async event processing
func (a *Logger) processEvents() {
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	var batch []Event

	for {
		select {
		case event := <-a.eventChan:
			batch = append(batch, event)

			// Flush immediately for critical events
			if event.Severity == SeverityCritical {
				a.flushBatch(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				a.flushBatch(batch)
				batch = nil
			}

		case <-a.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case event := <-a.eventChan:
					batch = append(batch, event)
				default:
					a.flushBatch(batch)
					return
				}
			}
		}
	}
}

// Close flushes buffered events and stops the async processor.
func (a *Logger) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
	})
}

func (a *Logger) flushBatch(events []Event) {
	for _, event := range events {
		a.processEvent(event)
	}
}

func (a *Logger) processEvent(event Event) {
	fields := []interface{}{
		"audit_event_id", event.ID,
		"audit_type", event.Type,
		"audit_severity", event.Severity,
		"audit_timestamp", event.Timestamp,
	}

	if event.Component != "" {
		fields = append(fields, "component", event.Component)
	}
	if event.Route != "" {
		fields = append(fields, "route", event.Route)
	}
	if event.CorrelationID != "" {
		fields = append(fields, "correlation_id", event.CorrelationID)
	}
	if event.Duration != 0 {
		fields = append(fields, "duration_ms", event.Duration.Milliseconds())
	}
	for key, value := range event.Details {
		fields = append(fields, fmt.Sprintf("audit_%s", key), value)
	}

	switch event.Severity {
	case SeverityCritical, SeverityError:
		a.logger.Errorw(event.Message, fields...)
	case SeverityWarning:
		a.logger.Warnw(event.Message, fields...)
	default:
		a.logger.Infow(event.Message, fields...)
	}

	a.sinkMu.RLock()
	sinks := a.sinks
	a.sinkMu.RUnlock()
	sinks.LogEvent(event)
}

func (a *Logger) shouldLogSeverity(severity Severity) bool {
	severityLevels := map[Severity]int{
		SeverityInfo:     0,
		SeverityWarning:  1,
		SeverityError:    2,
		SeverityCritical: 3,
	}
	return severityLevels[severity] >= severityLevels[a.config.MinSeverity]
}

func (a *Logger) shouldLogEventType(eventType EventType) bool {
	if len(a.config.EventTypes) == 0 {
		return true
	}
	for _, configType := range a.config.EventTypes {
		if configType == eventType {
			return true
		}
	}
	return false
}

// Stats returns audit logging statistics
func (a *Logger) Stats() map[string]interface{} {
	return map[string]interface{}{
		"enabled":      a.config.Enabled,
		"min_severity": a.config.MinSeverity,
		"event_types":  a.config.EventTypes,
		"buffer_size":  a.config.BufferSize,
		"queue_length": len(a.eventChan),
	}
}
