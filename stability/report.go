package stability

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Report is the operator-facing stability summary.
type Report struct {
	GeneratedAt     time.Time `json:"generated_at"`
	Uptime          string    `json:"uptime"`
	Score           float64   `json:"score"`
	HealthLevel     string    `json:"health_level"`
	SubScores       SubScores `json:"sub_scores"`
	Trend           string    `json:"trend"`
	MTBF            string    `json:"mtbf,omitempty"`
	MTTR            string    `json:"mttr,omitempty"`
	EventsRetained  int       `json:"events_retained"`
	Snapshots       int       `json:"snapshots_retained"`
	Recommendations []string  `json:"recommendations"`
}

// exportPayload is the full data dump produced by ExportData.
type exportPayload struct {
	Report    Report     `json:"report"`
	Snapshots []Snapshot `json:"snapshots"`
	Events    []Event    `json:"events"`
}

// EnhancedReport builds a full stability report from the current snapshot
// and the retained event history.
func (m *Monitor) EnhancedReport() Report {
	snapshot := m.Current()

	m.mu.Lock()
	uptime := m.clock.Now().Sub(m.startedAt)
	mtbf, mttr := failureStats(m.events, uptime)
	eventCount := len(m.events)
	snapshotCount := len(m.snapshots)
	m.mu.Unlock()

	report := Report{
		GeneratedAt:     m.clock.Now(),
		Uptime:          uptime.Round(time.Second).String(),
		Score:           snapshot.Score,
		HealthLevel:     healthLevel(snapshot.Score),
		SubScores:       snapshot.SubScores,
		Trend:           snapshot.Trend,
		EventsRetained:  eventCount,
		Snapshots:       snapshotCount,
		Recommendations: m.Recommendations(snapshot),
	}
	if mtbf > 0 {
		report.MTBF = mtbf.Round(time.Second).String()
	}
	if mttr > 0 {
		report.MTTR = mttr.Round(time.Second).String()
	}
	return report
}

// ExportData serializes the report, snapshots and raw events for offline
// analysis.
func (m *Monitor) ExportData() ([]byte, error) {
	report := m.EnhancedReport()

	m.mu.Lock()
	snapshots := make([]Snapshot, len(m.snapshots))
	copy(snapshots, m.snapshots)
	events := make([]Event, len(m.events))
	copy(events, m.events)
	m.mu.Unlock()

	payload := exportPayload{
		Report:    report,
		Snapshots: snapshots,
		Events:    events,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stability export: %w", err)
	}
	return data, nil
}

// Recommendations derives tiered operator guidance from the snapshot's
// weakest sub-scores, capped at 8 entries.
func (m *Monitor) Recommendations(snapshot Snapshot) []string {
	var recs []string

	if snapshot.Score < 0.5 {
		recs = append(recs, "stability is critical: consider entering emergency mode and shedding non-essential traffic")
	}
	if snapshot.SubScores.Availability < 0.95 {
		recs = append(recs, "availability is degraded: inspect backend health checks and recent reconnects")
	}
	if snapshot.SubScores.Reliability < 0.9 {
		recs = append(recs, "elevated error rate: review recent error events and circuit breaker trips")
	}
	if snapshot.SubScores.Performance < 0.8 {
		recs = append(recs, "latency is above baseline: check broker queue depth and consider routing more traffic direct")
	}
	if snapshot.SubScores.Routing < 0.8 {
		recs = append(recs, "routing failures detected: verify both route backends are reachable")
	}
	if snapshot.SubScores.Support < 0.9 {
		recs = append(recs, "support mode activity is elevated: confirm maintenance operations have completed")
	}
	if snapshot.Trend == "degrading" {
		recs = append(recs, "stability trend is degrading: compare the last snapshots to locate the regressing sub-score")
	}
	if snapshot.Resources.Goroutines > 10000 {
		recs = append(recs, "goroutine count is unusually high: check for leaked health monitors or stuck retries")
	}
	if len(recs) == 0 {
		recs = append(recs, "system is stable, no action required")
	}
	if len(recs) > 8 {
		recs = recs[:8]
	}
	return recs
}

// failureStats computes mean time between failures as monitor uptime over
// the failure count, and mean time to recovery from paired failure and
// recovery events. With no failures MTBF is the uptime itself.
func failureStats(events []Event, uptime time.Duration) (mtbf, mttr time.Duration) {
	var failures int
	var recoveryTotal time.Duration
	var recovered int
	var lastFailure time.Time

	for _, e := range events {
		switch e.Type {
		case EventHealthCheckFailed, EventEmergencyMode:
			failures++
			lastFailure = e.Timestamp
		case EventHealthCheckRecovered:
			if !lastFailure.IsZero() {
				recoveryTotal += e.Timestamp.Sub(lastFailure)
				recovered++
				lastFailure = time.Time{}
			}
		}
	}

	mtbf = uptime
	if failures > 0 {
		mtbf = uptime / time.Duration(failures)
	}
	if recovered > 0 {
		mttr = recoveryTotal / time.Duration(recovered)
	}
	return mtbf, mttr
}

func healthLevel(score float64) string {
	switch {
	case score >= 0.9:
		return "excellent"
	case score >= 0.7:
		return "good"
	case score >= 0.5:
		return "degraded"
	default:
		return "critical"
	}
}
