package stability

import (
	"github.com/relaycore/relaycore/audit"
)

// AuditSink feeds component audit events into the stability monitor so the
// score reflects what the fallback controller, breaker and router actually
// did, without each component holding a monitor reference.
type AuditSink struct {
	monitor *Monitor
}

// NewAuditSink wraps a monitor as an audit event receiver.
func NewAuditSink(monitor *Monitor) *AuditSink {
	return &AuditSink{monitor: monitor}
}

// LogEvent translates an audit event into a stability event. Event types
// that only describe scoring output, like stability alerts, are skipped so
// the monitor never feeds on itself.
func (s *AuditSink) LogEvent(event audit.Event) {
	eventType, ok := stabilityEventFor(event.Type)
	if !ok {
		return
	}

	s.monitor.RecordEvent(Event{
		Timestamp: event.Timestamp,
		Type:      eventType,
		Severity:  severityFor(event.Severity),
		Component: event.Component,
		Message:   event.Message,
		Details:   event.Details,
	})
}

func stabilityEventFor(eventType audit.EventType) (EventType, bool) {
	switch eventType {
	case audit.EventFallbackInitiated:
		return EventFallbackTriggered, true
	case audit.EventFallbackSucceeded:
		return EventFallbackSucceeded, true
	case audit.EventFallbackFailed:
		return EventFallbackFailed, true
	case audit.EventCircuitOpened:
		return EventCircuitOpened, true
	case audit.EventCircuitClosed:
		return EventCircuitClosed, true
	case audit.EventHealthDegraded:
		return EventHealthCheckFailed, true
	case audit.EventHealthRecovered:
		return EventHealthCheckRecovered, true
	case audit.EventEmergency:
		return EventEmergencyMode, true
	case audit.EventSupportMode:
		return EventSupportModeEntered, true
	case audit.EventConfiguration:
		return EventConfigChange, true
	default:
		return "", false
	}
}

func severityFor(severity audit.Severity) Severity {
	switch severity {
	case audit.SeverityCritical:
		return SeverityCritical
	case audit.SeverityError:
		return SeverityError
	case audit.SeverityWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
