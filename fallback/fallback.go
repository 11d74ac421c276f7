// Package fallback implements the reliability controller wrapped around the
// broker route. It retries transient failures with jittered exponential
// backoff, guards the route with a circuit breaker, watches backend health,
// and escalates to emergency mode when both paths are down.
package fallback

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/audit"
	"github.com/relaycore/relaycore/breaker"
	"github.com/relaycore/relaycore/executor"
	"github.com/relaycore/relaycore/monitoring"
	"github.com/relaycore/relaycore/state"
)

// breakerKey is the circuit identity for the broker route.
const breakerKey = string(relaycore.RouteMCP)

// PerformanceThresholds define the reliability targets the controller
// validates itself against.
type PerformanceThresholds struct {
	// Longest acceptable end-to-end latency for a fallback operation.
	MaxLatency time.Duration `yaml:"max_latency"`

	// Minimum acceptable rolling success rate.
	SuccessRateTarget float64 `yaml:"success_rate_target"`
}

// Config configures the fallback reliability controller.
type Config struct {
	// Retry attempts after the initial call.
	MaxRetries int `yaml:"max_retries"`

	// First backoff delay; doubles per attempt up to MaxRetryDelay.
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`

	// Growth factor applied to the delay between attempts.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// Circuit breaker settings for the broker route.
	Breaker *breaker.Config `yaml:"breaker"`

	// Interval between backend health checks.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// How long emergency mode holds before the controller re-enables.
	EmergencyResetTimeout time.Duration `yaml:"emergency_reset_timeout"`

	// Reliability targets reported by ValidateReliabilityTargets.
	Thresholds PerformanceThresholds `yaml:"thresholds"`

	// Operation outcomes retained for rolling metrics.
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:            5,
		BaseRetryDelay:        time.Second,
		MaxRetryDelay:         30 * time.Second,
		BackoffMultiplier:     2.0,
		Breaker:               breaker.DefaultConfig(),
		HealthCheckInterval:   30 * time.Second,
		EmergencyResetTimeout: 60 * time.Second,
		Thresholds: PerformanceThresholds{
			MaxLatency:        30 * time.Second,
			SuccessRateTarget: 0.99,
		},
		HistoryLimit: 1000,
	}
}

// Result is the outcome of one controller-mediated operation, successful
// or not.
type Result struct {
	Success    bool                         `json:"success"`
	Response   *relaycore.OperationResponse `json:"response,omitempty"`
	Error      string                       `json:"error,omitempty"`
	RetryCount int                          `json:"retry_count"`
	Route      relaycore.Route              `json:"route"`
	LatencyMs  int64                        `json:"latency_ms"`
}

// Metrics is a rolling snapshot of controller reliability.
type Metrics struct {
	TotalOperations    int64           `json:"total_operations"`
	SuccessfulOps      int64           `json:"successful_operations"`
	FailedOps          int64           `json:"failed_operations"`
	RetriedOps         int64           `json:"retried_operations"`
	SuccessRate        float64         `json:"success_rate"`
	AverageLatencyMs   float64         `json:"average_latency_ms"`
	ReliabilityGrade   string          `json:"reliability_grade"`
	CircuitState       breaker.State   `json:"circuit_state"`
	EmergencyMode      bool            `json:"emergency_mode"`
	LastOperationAt    time.Time       `json:"last_operation_at,omitempty"`
	BreakerMetrics     breaker.Metrics `json:"breaker_metrics"`
	HistoryWindowCount int             `json:"history_window_count"`
}

// HealthSnapshot reports the controller's view of itself and its backend.
type HealthSnapshot struct {
	Enabled              bool            `json:"enabled"`
	EmergencyMode        bool            `json:"emergency_mode"`
	Backend              executor.Health `json:"backend"`
	ConsecutiveUnhealthy int             `json:"consecutive_unhealthy"`
	CircuitOpen          bool            `json:"circuit_open"`
}

// Controller executes operations over the broker route with retry,
// backoff and circuit breaking. One controller owns one backend.
type Controller struct {
	config  *Config
	clock   clock.Clock
	logger  *zap.SugaredLogger
	auditor *audit.Logger
	states  state.Manager
	backend executor.RouteExecutor
	breaker *breaker.Breaker
	rand    *rand.Rand
	metrics monitoring.Monitor

	mu                   sync.Mutex
	enabled              bool
	emergencyMode        bool
	running              bool
	stopHealth           chan struct{}
	emergencyTimer       *clock.Timer
	consecutiveUnhealthy int
	history              []relaycore.HistoryEntry
	totalOperations      int64
	successfulOps        int64
	failedOps            int64
	retriedOps           int64
	latencySumMs         int64
	lastOperationAt      time.Time
}

// NewController creates a fallback controller around a broker backend.
func NewController(
	config *Config,
	backend executor.RouteExecutor,
	states state.Manager,
	auditor *audit.Logger,
	logger *zap.SugaredLogger,
) *Controller {
	return newControllerWithClock(config, backend, states, auditor, logger, clock.New())
}

func newControllerWithClock(
	config *Config,
	backend executor.RouteExecutor,
	states state.Manager,
	auditor *audit.Logger,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	return &Controller{
		config:  config,
		clock:   clk,
		logger:  logger,
		auditor: auditor,
		states:  states,
		backend: backend,
		breaker: breaker.NewWithClock(config.Breaker, logger, clk),
		rand:    rand.New(rand.NewSource(clk.Now().UnixNano())),
		enabled: true,
	}
}

// SetMetrics installs a metrics backend for circuit transition counters.
// Without one the controller only audits transitions.
func (c *Controller) SetMetrics(metrics monitoring.Monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
}

func (c *Controller) recordCircuitTransition(opened bool) {
	c.mu.Lock()
	metrics := c.metrics
	c.mu.Unlock()
	if metrics == nil {
		return
	}
	state := "closed"
	if opened {
		state = "open"
	}
	if err := metrics.RecordCircuitTransition(relaycore.RouteMCP, state); err != nil {
		c.logger.Warnw("Failed to record circuit transition", "error", err)
	}
}

// Execute runs one operation through the broker route. Transient failures
// are retried with jittered exponential backoff; application errors and an
// open circuit fail immediately. The returned Result always carries the
// attempt count and measured latency, error or not.
func (c *Controller) Execute(ctx context.Context, request *relaycore.OperationRequest) (*Result, error) {
	correlationID := fmt.Sprintf("fb-%d", c.clock.Now().UnixNano())

	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if !enabled {
		result := &Result{
			Success: false,
			Error:   "fallback controller disabled",
			Route:   relaycore.RouteFallback,
		}
		return result, relaycore.NewError(relaycore.KindInternal, "fallback controller disabled")
	}

	// A shared-state disable window (written on emergency entry, possibly
	// by another instance) blocks the broker route before any local
	// breaker check.
	if allowed, retryIn, err := c.states.Allow(ctx, relaycore.RouteMCP); err == nil && !allowed {
		disabledErr := relaycore.NewError(relaycore.KindCircuitOpen, "broker route disabled")
		result := &Result{
			Success:    false,
			Error:      disabledErr.Error(),
			RetryCount: 0,
			Route:      relaycore.RouteFallback,
			LatencyMs:  1,
		}
		c.recordOutcome(result)
		c.auditor.LogFallback(correlationID, relaycore.RouteFallback, false, 0, time.Millisecond, fmt.Sprintf("route disabled, retry in %s", retryIn))
		return result, disabledErr
	}

	c.auditor.LogEvent(audit.Event{
		Type:          audit.EventFallbackInitiated,
		Severity:      audit.SeverityInfo,
		Component:     "fallback",
		Route:         relaycore.RouteMCP,
		CorrelationID: correlationID,
		Message:       "fallback operation initiated",
		Details:       map[string]interface{}{"operation_type": string(request.Type), "payload_kind": request.PayloadKind()},
	})

	start := c.clock.Now()

	if !c.breaker.Allow(breakerKey) {
		latency := c.latencySince(start)
		result := &Result{
			Success:    false,
			Error:      breaker.ErrOpen.Error(),
			RetryCount: 0,
			Route:      relaycore.RouteFallback,
			LatencyMs:  latency,
		}
		c.recordOutcome(result)
		c.auditor.LogFallback(correlationID, relaycore.RouteFallback, false, 0, time.Duration(latency)*time.Millisecond, "circuit open")
		return result, breaker.ErrOpen
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt)
			timer := c.clock.Timer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				lastErr = relaycore.WrapError(relaycore.KindTimeout, "operation cancelled during backoff", ctx.Err())
				return c.finishFailure(correlationID, start, attempt-1, lastErr)
			}
			if !c.backend.HealthStatus().IsHealthy {
				c.checkBackendHealth()
			}
		}

		response, err := c.backend.RouteRequest(ctx, request, executor.Options{
			Timeout:       c.config.Thresholds.MaxLatency,
			Priority:      request.Type,
			CorrelationID: correlationID,
		})
		if err == nil {
			c.breaker.RecordSuccess(breakerKey)
			latency := c.latencySince(start)
			result := &Result{
				Success:    true,
				Response:   response,
				RetryCount: attempt,
				Route:      relaycore.RouteMCP,
				LatencyMs:  latency,
			}
			if attempt > 0 {
				c.mu.Lock()
				c.retriedOps++
				c.mu.Unlock()
			}
			c.recordOutcome(result)
			c.auditor.LogFallback(correlationID, relaycore.RouteMCP, true, attempt, time.Duration(latency)*time.Millisecond, "")
			return result, nil
		}

		lastErr = err
		if !relaycore.Retryable(err) {
			// Application-level rejections say nothing about broker
			// health, so they never count against the circuit.
			c.logger.Warnw("Non-retryable error, failing fast",
				"correlation_id", correlationID, "kind", relaycore.KindOf(err).String(), "error", err)
			return c.finishFailure(correlationID, start, attempt, err)
		}
		c.logger.Debugw("Fallback attempt failed",
			"correlation_id", correlationID, "attempt", attempt, "error", err)
	}

	// Retries exhausted: the whole operation counts as one broker failure,
	// however many attempts it took.
	if tripped := c.breaker.RecordFailure(breakerKey); tripped {
		metrics := c.breaker.Metrics(breakerKey)
		c.auditor.LogCircuitTransition(relaycore.RouteMCP, true, metrics.ConsecutiveFailures)
		c.recordCircuitTransition(true)
	}
	return c.finishFailure(correlationID, start, c.config.MaxRetries, lastErr)
}

func (c *Controller) finishFailure(correlationID string, start time.Time, retryCount int, err error) (*Result, error) {
	latency := c.latencySince(start)
	result := &Result{
		Success:    false,
		Error:      err.Error(),
		RetryCount: retryCount,
		Route:      relaycore.RouteFallback,
		LatencyMs:  latency,
	}
	c.recordOutcome(result)
	c.auditor.LogFallback(correlationID, relaycore.RouteFallback, false, retryCount, time.Duration(latency)*time.Millisecond, err.Error())
	return result, err
}

// latencySince measures elapsed milliseconds with a floor of 1 so a
// sub-millisecond call never reports zero latency.
func (c *Controller) latencySince(start time.Time) int64 {
	elapsed := c.clock.Now().Sub(start).Milliseconds()
	if elapsed < 1 {
		return 1
	}
	return elapsed
}

// backoffDelay computes the delay before the given attempt: exponential
// growth capped at MaxRetryDelay, with 25% jitter in both directions.
func (c *Controller) backoffDelay(attempt int) time.Duration {
	delay := float64(c.config.BaseRetryDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.config.BackoffMultiplier
		if delay >= float64(c.config.MaxRetryDelay) {
			delay = float64(c.config.MaxRetryDelay)
			break
		}
	}

	c.mu.Lock()
	jitter := (c.rand.Float64()*2 - 1) * 0.25
	c.mu.Unlock()
	delay *= 1 + jitter

	if delay > float64(c.config.MaxRetryDelay) {
		delay = float64(c.config.MaxRetryDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (c *Controller) recordOutcome(result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalOperations++
	if result.Success {
		c.successfulOps++
	} else {
		c.failedOps++
	}
	c.lastOperationAt = c.clock.Now()

	entry := relaycore.HistoryEntry{
		Timestamp: c.lastOperationAt,
		Success:   result.Success,
		LatencyMs: result.LatencyMs,
		Error:     result.Error,
	}
	c.latencySumMs += result.LatencyMs
	c.history = append(c.history, entry)
	if len(c.history) > c.config.HistoryLimit {
		c.history = c.history[len(c.history)-c.config.HistoryLimit:]
	}
}

// Metrics returns a reliability snapshot. Success rate and average latency
// are running aggregates over every operation since construction, not just
// the retained history window.
func (c *Controller) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	successRate := 1.0
	avgLatency := 0.0
	if c.totalOperations > 0 {
		successRate = float64(c.successfulOps) / float64(c.totalOperations)
		avgLatency = float64(c.latencySumMs) / float64(c.totalOperations)
	}

	breakerMetrics := c.breaker.Metrics(breakerKey)
	return Metrics{
		TotalOperations:    c.totalOperations,
		SuccessfulOps:      c.successfulOps,
		FailedOps:          c.failedOps,
		RetriedOps:         c.retriedOps,
		SuccessRate:        successRate,
		AverageLatencyMs:   avgLatency,
		ReliabilityGrade:   gradeFor(successRate, avgLatency),
		CircuitState:       breakerMetrics.State,
		EmergencyMode:      c.emergencyMode,
		LastOperationAt:    c.lastOperationAt,
		BreakerMetrics:     breakerMetrics,
		HistoryWindowCount: len(c.history),
	}
}

// gradeFor maps rolling reliability onto a letter grade.
func gradeFor(successRate, avgLatencyMs float64) string {
	switch {
	case successRate >= 0.99 && avgLatencyMs <= 5000:
		return "A"
	case successRate >= 0.98 && avgLatencyMs <= 10000:
		return "B"
	case successRate >= 0.95 && avgLatencyMs <= 15000:
		return "C"
	case successRate >= 0.90 && avgLatencyMs <= 30000:
		return "D"
	default:
		return "F"
	}
}

// ValidateReliabilityTargets reports whether the rolling metrics meet the
// configured thresholds, with per-target detail.
func (c *Controller) ValidateReliabilityTargets() map[string]interface{} {
	metrics := c.Metrics()
	maxLatencyMs := float64(c.config.Thresholds.MaxLatency.Milliseconds())
	successMet := metrics.SuccessRate >= c.config.Thresholds.SuccessRateTarget
	latencyMet := metrics.AverageLatencyMs <= maxLatencyMs

	return map[string]interface{}{
		"success_rate_target": c.config.Thresholds.SuccessRateTarget,
		"success_rate_actual": metrics.SuccessRate,
		"success_rate_met":    successMet,
		"max_latency_ms":      maxLatencyMs,
		"avg_latency_ms":      metrics.AverageLatencyMs,
		"latency_met":         latencyMet,
		"targets_met":         successMet && latencyMet,
		"reliability_grade":   metrics.ReliabilityGrade,
	}
}

// HealthStatus returns the controller's current health view.
func (c *Controller) HealthStatus() HealthSnapshot {
	c.mu.Lock()
	enabled := c.enabled
	emergency := c.emergencyMode
	unhealthy := c.consecutiveUnhealthy
	c.mu.Unlock()

	return HealthSnapshot{
		Enabled:              enabled,
		EmergencyMode:        emergency,
		Backend:              c.backend.HealthStatus(),
		ConsecutiveUnhealthy: unhealthy,
		CircuitOpen:          c.breaker.IsOpen(breakerKey),
	}
}

// Start launches the periodic backend health monitor. Calling Start on a
// running controller is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopHealth = make(chan struct{})
	go c.monitorHealth(c.stopHealth)
}

// Stop halts the health monitor. Calling Stop on a stopped controller is a
// no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stopHealth)
}

// Destroy stops the controller and cancels any pending emergency reset.
func (c *Controller) Destroy() {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emergencyTimer != nil {
		c.emergencyTimer.Stop()
		c.emergencyTimer = nil
	}
	c.enabled = false
}

func (c *Controller) monitorHealth(stop chan struct{}) {
	ticker := c.clock.Ticker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkBackendHealth()
		case <-stop:
			return
		}
	}
}

func (c *Controller) checkBackendHealth() {
	health := c.backend.HealthStatus()

	c.mu.Lock()
	if health.IsHealthy {
		wasUnhealthy := c.consecutiveUnhealthy > 3
		c.consecutiveUnhealthy = 0
		c.mu.Unlock()
		if wasUnhealthy {
			c.auditor.LogEvent(audit.Event{
				Type:      audit.EventHealthRecovered,
				Severity:  audit.SeverityInfo,
				Component: "fallback",
				Route:     relaycore.RouteMCP,
				Message:   "broker backend recovered",
			})
		}
		return
	}

	c.consecutiveUnhealthy++
	unhealthy := c.consecutiveUnhealthy
	c.mu.Unlock()

	c.logger.Warnw("Broker backend unhealthy",
		"consecutive", unhealthy, "queue_size", health.QueueSize)

	if unhealthy > 3 {
		c.auditor.LogEvent(audit.Event{
			Type:      audit.EventHealthDegraded,
			Severity:  audit.SeverityError,
			Component: "fallback",
			Route:     relaycore.RouteMCP,
			Message:   "broker backend degraded, attempting reconnect",
			Details:   map[string]interface{}{"consecutive_unhealthy": unhealthy},
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.backend.Reconnect(ctx); err != nil {
			c.logger.Errorw("Broker reconnect failed", "error", err)
		}
	}
}

// EnterEmergencyMode disables the controller when both paths are down,
// records the outage in shared state so other instances stop routing to
// the broker, and schedules an automatic reset.
func (c *Controller) EnterEmergencyMode(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.emergencyMode {
		c.mu.Unlock()
		return
	}
	c.emergencyMode = true
	c.enabled = false
	if c.emergencyTimer != nil {
		c.emergencyTimer.Stop()
	}
	c.emergencyTimer = c.clock.AfterFunc(c.config.EmergencyResetTimeout, c.resetEmergencyMode)
	c.mu.Unlock()

	c.auditor.LogEmergency("fallback", "emergency mode entered: "+reason, map[string]interface{}{
		"reset_timeout": c.config.EmergencyResetTimeout.String(),
	})
	c.logger.Errorw("Entering emergency mode", "reason", reason)

	if err := c.states.Disable(ctx, relaycore.RouteMCP, c.config.EmergencyResetTimeout); err != nil {
		c.logger.Errorw("Failed to record route disable in shared state", "error", err)
	}
}

func (c *Controller) resetEmergencyMode() {
	c.mu.Lock()
	c.emergencyMode = false
	c.enabled = true
	c.emergencyTimer = nil
	c.mu.Unlock()

	c.breaker.ForceClose(breakerKey)
	c.auditor.LogCircuitTransition(relaycore.RouteMCP, false, 0)
	c.recordCircuitTransition(false)
	c.auditor.LogEvent(audit.Event{
		Type:      audit.EventEmergency,
		Severity:  audit.SeverityWarning,
		Component: "fallback",
		Message:   "emergency mode reset, controller re-enabled",
	})
	c.logger.Infow("Emergency mode reset, controller re-enabled")
}

// Breaker exposes the controller's circuit breaker for dashboards.
func (c *Controller) Breaker() *breaker.Breaker {
	return c.breaker
}
