// Package stability aggregates relay health signals into a single rolling
// stability score. Components report lifecycle events; the monitor folds
// them together with resource usage into weighted sub-scores, a trend, and
// operator-facing recommendations.
package stability

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/audit"
)

// EventType classifies a stability event.
type EventType string

const (
	EventServiceStart           EventType = "service_start"
	EventServiceStop            EventType = "service_stop"
	EventHealthCheckFailed      EventType = "health_check_failed"
	EventHealthCheckRecovered   EventType = "health_check_recovered"
	EventFallbackTriggered      EventType = "fallback_triggered"
	EventFallbackSucceeded      EventType = "fallback_succeeded"
	EventFallbackFailed         EventType = "fallback_failed"
	EventCircuitOpened          EventType = "circuit_opened"
	EventCircuitClosed          EventType = "circuit_closed"
	EventRoutingFailure         EventType = "routing_failure"
	EventRoutingRecovered       EventType = "routing_recovered"
	EventPerformanceDegradation EventType = "performance_degradation"
	EventPerformanceRecovered   EventType = "performance_recovered"
	EventSupportModeEntered     EventType = "support_mode_entered"
	EventSupportModeExited      EventType = "support_mode_exited"
	EventEmergencyMode          EventType = "emergency_mode"
	EventConfigChange           EventType = "config_change"
)

// Severity grades a stability event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one reported stability signal. Impact, when set, is the
// fractional score penalty the reporter attributes to the event.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Impact    float64                `json:"impact,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Thresholds are the floor values that raise alerts.
type Thresholds struct {
	MinStabilityScore      float64 `yaml:"min_stability_score"`
	MinAvailabilityPercent float64 `yaml:"min_availability_percent"`
	MaxErrorRate           float64 `yaml:"max_error_rate"`
}

// Config configures the stability monitor.
type Config struct {
	// Interval between score snapshots.
	CollectionInterval time.Duration `yaml:"collection_interval"`

	// Raw events older than this are pruned.
	EventRetention time.Duration `yaml:"event_retention"`

	// Snapshots older than this are pruned.
	SnapshotRetention time.Duration `yaml:"snapshot_retention"`

	Thresholds Thresholds `yaml:"thresholds"`
}

// DefaultConfig returns the default stability configuration.
func DefaultConfig() *Config {
	return &Config{
		CollectionInterval: 30 * time.Second,
		EventRetention:     24 * time.Hour,
		SnapshotRetention:  7 * 24 * time.Hour,
		Thresholds: Thresholds{
			MinStabilityScore:      0.7,
			MinAvailabilityPercent: 99.0,
			MaxErrorRate:           0.05,
		},
	}
}

// SubScores are the weighted components of the overall score.
type SubScores struct {
	Availability float64 `json:"availability"`
	Reliability  float64 `json:"reliability"`
	Performance  float64 `json:"performance"`
	Routing      float64 `json:"routing"`
	Support      float64 `json:"support"`
}

// Snapshot is one collected stability measurement.
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Score     float64         `json:"score"`
	SubScores SubScores       `json:"sub_scores"`
	Trend     string          `json:"trend"`
	Resources ResourceMetrics `json:"resources"`
	Events    int             `json:"events_in_window"`
}

// Monitor aggregates events into a stability score.
type Monitor struct {
	config    *Config
	clock     clock.Clock
	logger    *zap.SugaredLogger
	auditor   *audit.Logger
	resources ResourceMonitor

	mu              sync.Mutex
	running         bool
	stop            chan struct{}
	startedAt       time.Time
	events          []Event
	snapshots       []Snapshot
	recentScores    []float64
	baselineLatency float64
	latencySampler  func() float64
	current         Snapshot
}

// NewMonitor creates a stability monitor.
func NewMonitor(config *Config, auditor *audit.Logger, logger *zap.SugaredLogger) *Monitor {
	return newMonitorWithClock(config, auditor, logger, clock.New())
}

func newMonitorWithClock(config *Config, auditor *audit.Logger, logger *zap.SugaredLogger, clk clock.Clock) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Monitor{
		config:    config,
		clock:     clk,
		logger:    logger,
		auditor:   auditor,
		resources: newRuntimeMonitor(),
		startedAt: clk.Now(),
	}
}

// SetResourceMonitor replaces the runtime-backed resource sampler. Useful
// when resource usage comes from cgroup limits or a test fixture instead of
// the Go runtime.
func (m *Monitor) SetResourceMonitor(resources ResourceMonitor) {
	if resources == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = resources
}

// SetLatencySampler installs a callback that reports the current average
// operation latency in milliseconds. The first sample becomes the
// performance baseline.
func (m *Monitor) SetLatencySampler(sampler func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySampler = sampler
}

// Start begins periodic collection. No-op when already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.startedAt = m.clock.Now()
	m.stop = make(chan struct{})
	go m.collectLoop(m.stop)
}

// Stop halts collection. No-op when stopped.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
}

func (m *Monitor) collectLoop(stop chan struct{}) {
	ticker := m.clock.Ticker(m.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Collect()
		case <-stop:
			return
		}
	}
}

// RecordEvent ingests one stability event, assigning an ID and timestamp
// when the reporter left them empty.
func (m *Monitor) RecordEvent(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock.Now()
	}

	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()

	if event.Severity == SeverityCritical {
		m.logger.Warnw("Critical stability event",
			"type", event.Type, "component", event.Component, "message", event.Message)
	}
}

// Collect computes one stability snapshot from the retained events and
// current resource usage, prunes expired data, and raises threshold alerts.
func (m *Monitor) Collect() Snapshot {
	now := m.clock.Now()

	m.mu.Lock()
	m.pruneLocked(now)
	windowEvents := m.eventsSinceLocked(now.Add(-time.Hour))
	uptime := now.Sub(m.startedAt)
	sampler := m.latencySampler
	baseline := m.baselineLatency
	m.mu.Unlock()

	sub := SubScores{
		Availability: m.availabilityScore(windowEvents, uptime),
		Reliability:  m.reliabilityScore(windowEvents),
		Performance:  m.performanceScore(windowEvents, sampler, baseline),
		Routing:      m.routingScore(windowEvents),
		Support:      m.supportScore(windowEvents),
	}

	score := sub.Availability*0.30 +
		sub.Reliability*0.25 +
		sub.Performance*0.20 +
		sub.Routing*0.15 +
		sub.Support*0.10

	errorRate := eventErrorRate(windowEvents)
	if errorRate > m.config.Thresholds.MaxErrorRate {
		score *= 0.9
	}
	if countType(windowEvents, EventPerformanceDegradation) > 2 {
		score *= 0.95
	}
	if countType(windowEvents, EventRoutingFailure) > 3 {
		score *= 0.95
	}
	score = clamp01(score)

	m.mu.Lock()
	m.recentScores = append(m.recentScores, score)
	if len(m.recentScores) > 10 {
		m.recentScores = m.recentScores[len(m.recentScores)-10:]
	}
	trend := trendOf(m.recentScores)

	snapshot := Snapshot{
		Timestamp: now,
		Score:     score,
		SubScores: sub,
		Trend:     trend,
		Resources: m.resources.Snapshot(),
		Events:    len(windowEvents),
	}
	m.snapshots = append(m.snapshots, snapshot)
	m.current = snapshot
	m.mu.Unlock()

	m.checkThresholds(snapshot, errorRate)
	return snapshot
}

func (m *Monitor) checkThresholds(snapshot Snapshot, errorRate float64) {
	if snapshot.Score < m.config.Thresholds.MinStabilityScore {
		m.auditor.LogStabilityAlert("stability_score", snapshot.Score, m.config.Thresholds.MinStabilityScore)
		m.RecordEvent(Event{
			Type:     EventPerformanceDegradation,
			Severity: SeverityError,
			Message:  "stability score below threshold",
			Details:  map[string]interface{}{"score": snapshot.Score},
		})
	}
	if availabilityPercent(snapshot.SubScores.Availability) < m.config.Thresholds.MinAvailabilityPercent {
		m.auditor.LogStabilityAlert("availability_percent",
			availabilityPercent(snapshot.SubScores.Availability), m.config.Thresholds.MinAvailabilityPercent)
	}
	if errorRate > m.config.Thresholds.MaxErrorRate {
		m.auditor.LogStabilityAlert("error_rate", errorRate, m.config.Thresholds.MaxErrorRate)
	}
}

// availabilityScore derives availability from paired health failure and
// recovery events: time spent failed counts against uptime.
func (m *Monitor) availabilityScore(events []Event, uptime time.Duration) float64 {
	if uptime <= 0 {
		return 1.0
	}

	var downtime time.Duration
	var failedAt time.Time
	for _, e := range events {
		switch e.Type {
		case EventHealthCheckFailed, EventEmergencyMode:
			if failedAt.IsZero() {
				failedAt = e.Timestamp
			}
		case EventHealthCheckRecovered:
			if !failedAt.IsZero() {
				downtime += e.Timestamp.Sub(failedAt)
				failedAt = time.Time{}
			}
		}
	}
	if !failedAt.IsZero() {
		downtime += m.clock.Now().Sub(failedAt)
	}

	window := uptime
	if window > time.Hour {
		window = time.Hour
	}
	if downtime >= window {
		return 0
	}
	return clamp01(1 - float64(downtime)/float64(window))
}

func (m *Monitor) reliabilityScore(events []Event) float64 {
	if len(events) == 0 {
		return 1.0
	}
	return clamp01(1 - eventErrorRate(events))
}

// performanceScore compares sampled latency to the baseline captured on
// the first collection; event-reported impacts subtract directly.
func (m *Monitor) performanceScore(events []Event, sampler func() float64, baseline float64) float64 {
	score := 1.0

	if sampler != nil {
		latency := sampler()
		if latency > 0 {
			if baseline <= 0 {
				m.mu.Lock()
				m.baselineLatency = latency
				m.mu.Unlock()
			} else if latency > baseline {
				// Double the baseline latency halves the score.
				score = clamp01(baseline / latency)
			}
		}
	}

	for _, e := range events {
		if e.Type == EventPerformanceDegradation && e.Impact > 0 {
			score -= e.Impact
		}
	}
	return clamp01(score)
}

// routingScore penalizes routing failures within the window. With no
// routing signal at all the sub-score stays at a neutral 0.9 rather than
// claiming perfection.
func (m *Monitor) routingScore(events []Event) float64 {
	failures := countType(events, EventRoutingFailure)
	recoveries := countType(events, EventRoutingRecovered)
	if failures == 0 && recoveries == 0 {
		return 0.9
	}
	score := 1.0 - 0.1*float64(failures-recoveries)
	return clamp01(score)
}

// supportScore penalizes time spent in support mode. No support activity
// is a neutral 1.0: support mode is exceptional, not routine.
func (m *Monitor) supportScore(events []Event) float64 {
	entered := countType(events, EventSupportModeEntered)
	exited := countType(events, EventSupportModeExited)
	if entered == 0 {
		return 1.0
	}
	score := 1.0 - 0.05*float64(entered)
	if entered > exited {
		// Currently in support mode.
		score -= 0.1
	}
	return clamp01(score)
}

// trendOf fits a least-squares line through the recent scores. A slope
// with magnitude under 0.01 per sample reads as stable.
func trendOf(scores []float64) string {
	if len(scores) < 3 {
		return "stable"
	}

	n := float64(len(scores))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range scores {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return "stable"
	}
	slope := (n*sumXY - sumX*sumY) / denom

	switch {
	case math.Abs(slope) < 0.01:
		return "stable"
	case slope > 0:
		return "improving"
	default:
		return "degrading"
	}
}

func (m *Monitor) pruneLocked(now time.Time) {
	eventCutoff := now.Add(-m.config.EventRetention)
	kept := m.events[:0]
	for _, e := range m.events {
		if e.Timestamp.After(eventCutoff) {
			kept = append(kept, e)
		}
	}
	m.events = kept

	snapshotCutoff := now.Add(-m.config.SnapshotRetention)
	keptSnaps := m.snapshots[:0]
	for _, s := range m.snapshots {
		if s.Timestamp.After(snapshotCutoff) {
			keptSnaps = append(keptSnaps, s)
		}
	}
	m.snapshots = keptSnaps
}

func (m *Monitor) eventsSinceLocked(cutoff time.Time) []Event {
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Current returns the most recent snapshot, collecting one first if none
// exists yet.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	hasSnapshot := !m.current.Timestamp.IsZero()
	current := m.current
	m.mu.Unlock()

	if !hasSnapshot {
		return m.Collect()
	}
	return current
}

func eventErrorRate(events []Event) float64 {
	if len(events) == 0 {
		return 0
	}
	errors := 0
	for _, e := range events {
		if e.Severity == SeverityError || e.Severity == SeverityCritical {
			errors++
		}
	}
	return float64(errors) / float64(len(events))
}

func countType(events []Event, t EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func availabilityPercent(score float64) float64 {
	return score * 100
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
