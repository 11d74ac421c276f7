package stability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/audit"
)

func TestAuditSink_TranslatesComponentEvents(t *testing.T) {
	monitor, mock := newTestMonitor(t, nil)
	sink := NewAuditSink(monitor)

	when := mock.Now().Add(-time.Minute)
	sink.LogEvent(audit.Event{
		Type:      audit.EventFallbackFailed,
		Severity:  audit.SeverityWarning,
		Component: "fallback",
		Route:     relaycore.RouteMCP,
		Timestamp: when,
		Message:   "fallback operation failed",
	})
	sink.LogEvent(audit.Event{
		Type:      audit.EventCircuitOpened,
		Severity:  audit.SeverityError,
		Component: "breaker",
		Message:   "circuit opened",
	})
	sink.LogEvent(audit.Event{
		Type:      audit.EventEmergency,
		Severity:  audit.SeverityCritical,
		Component: "fallback",
		Message:   "emergency mode entered",
	})

	monitor.mu.Lock()
	events := append([]Event(nil), monitor.events...)
	monitor.mu.Unlock()

	assert.Len(t, events, 3)
	assert.Equal(t, EventFallbackFailed, events[0].Type)
	assert.Equal(t, SeverityWarning, events[0].Severity)
	assert.Equal(t, when, events[0].Timestamp, "original event time is preserved")
	assert.Equal(t, EventCircuitOpened, events[1].Type)
	assert.Equal(t, EventEmergencyMode, events[2].Type)
	assert.Equal(t, SeverityCritical, events[2].Severity)
}

func TestAuditSink_IgnoresScoringOutput(t *testing.T) {
	monitor, _ := newTestMonitor(t, nil)
	sink := NewAuditSink(monitor)

	sink.LogEvent(audit.Event{
		Type:     audit.EventStabilityAlert,
		Severity: audit.SeverityError,
		Message:  "score below threshold",
	})
	sink.LogEvent(audit.Event{
		Type:     audit.EventCostOverride,
		Severity: audit.SeverityInfo,
		Message:  "route overridden",
	})

	monitor.mu.Lock()
	retained := len(monitor.events)
	monitor.mu.Unlock()
	assert.Zero(t, retained)
}
