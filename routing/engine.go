package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/executor"
)

// EngineConfig holds configuration for the baseline decision engine.
type EngineConfig struct {
	// Preferred route when every candidate is healthy.
	PreferredRoute relaycore.Route `yaml:"preferred_route"`

	// Routes to try in order when the preferred route is unhealthy.
	FallbackChain []relaycore.Route `yaml:"fallback_chain"`

	// Weight of the latency score against the success-rate score.
	LatencyWeight float64 `yaml:"latency_weight"`
}

// DefaultEngineConfig returns the default baseline routing configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		PreferredRoute: relaycore.RouteDirect,
		FallbackChain:  []relaycore.Route{relaycore.RouteDirect, relaycore.RouteMCP},
		LatencyWeight:  0.4,
	}
}

type routeStatus struct {
	executor    executor.RouteExecutor
	latency     time.Duration
	successRate float64
	errorRate   float64
	lastFailure time.Time
}

// Engine is the default DecisionSource. It scores registered routes on
// health, success rate and latency, and walks the fallback chain when the
// preferred route is degraded.
type Engine struct {
	config *EngineConfig
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	routes map[relaycore.Route]*routeStatus
}

// NewEngine creates a baseline decision engine.
func NewEngine(config *EngineConfig, logger *zap.SugaredLogger) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	return &Engine{
		config: config,
		logger: logger,
		routes: make(map[relaycore.Route]*routeStatus),
	}
}

// RegisterRoute makes a route available for selection.
func (e *Engine) RegisterRoute(route relaycore.Route, exec executor.RouteExecutor) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.routes[route] = &routeStatus{
		executor:    exec,
		successRate: 1.0,
	}
}

// MakeRoutingDecision selects a route for the request. Emergency operations
// always get the preferred route when it is registered and healthy.
func (e *Engine) MakeRoutingDecision(ctx context.Context, request *relaycore.OperationRequest, correlationID string) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.routes) == 0 {
		return nil, errors.New("no routes registered")
	}

	if request.Type == relaycore.OperationEmergency {
		if status, ok := e.routes[e.config.PreferredRoute]; ok && status.executor.HealthStatus().IsHealthy {
			return &Decision{
				SelectedRoute: e.config.PreferredRoute,
				Reason:        "emergency operation pinned to preferred route",
			}, nil
		}
	}

	var bestRoute relaycore.Route
	bestScore := -1.0
	for route, status := range e.routes {
		if !status.executor.HealthStatus().IsHealthy {
			continue
		}
		score := e.score(status)
		if route == e.config.PreferredRoute {
			score *= 1.1
		}
		if score > bestScore {
			bestScore = score
			bestRoute = route
		}
	}

	if bestScore >= 0 {
		return &Decision{SelectedRoute: bestRoute, Reason: "highest health score"}, nil
	}

	// Everything reported unhealthy; walk the fallback chain so the caller
	// still gets a route to attempt.
	for _, route := range e.config.FallbackChain {
		if _, ok := e.routes[route]; ok {
			e.logger.Warnw("All routes unhealthy, using fallback chain",
				"route", route, "correlation_id", correlationID)
			return &Decision{SelectedRoute: route, Reason: "fallback chain"}, nil
		}
	}

	return nil, errors.New("no available routes found")
}

// Executor returns the executor registered for a route.
func (e *Engine) Executor(route relaycore.Route) (executor.RouteExecutor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status, ok := e.routes[route]
	if !ok {
		return nil, false
	}
	return status.executor, true
}

// RecordRequestResult updates a route's rolling score from an outcome.
func (e *Engine) RecordRequestResult(route relaycore.Route, latency time.Duration, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, ok := e.routes[route]
	if !ok {
		return
	}
	if success {
		status.successRate = status.successRate*0.9 + 0.1
		status.latency = latency
	} else {
		status.errorRate = status.errorRate*0.9 + 0.1
		status.successRate = status.successRate * 0.9
		status.lastFailure = time.Now()
	}
}

func (e *Engine) score(status *routeStatus) float64 {
	latencyScore := 1.0 / (1.0 + float64(status.latency.Milliseconds()))
	w := e.config.LatencyWeight
	return latencyScore*w + status.successRate*(1.0-w)
}
