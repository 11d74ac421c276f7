// Package relay ties the decision and execution components into one
// operation pipeline: the cost-aware router picks a route, the selected
// executor runs the operation, and the outcome feeds back into routing
// scores, cost profiles and operational metrics.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/breaker"
	"github.com/relaycore/relaycore/costaware"
	"github.com/relaycore/relaycore/executor"
	"github.com/relaycore/relaycore/fallback"
	"github.com/relaycore/relaycore/monitoring"
	"github.com/relaycore/relaycore/routing"
	"github.com/relaycore/relaycore/stability"
)

// Config configures the relay service.
type Config struct {
	// Upper bound for a direct route call.
	DirectTimeout time.Duration `yaml:"direct_timeout"`
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() *Config {
	return &Config{
		DirectTimeout: 30 * time.Second,
	}
}

// Result is the outcome of one relayed operation.
type Result struct {
	Response      *relaycore.OperationResponse `json:"response,omitempty"`
	Route         relaycore.Route              `json:"route"`
	CorrelationID string                       `json:"correlation_id"`
	RetryCount    int                          `json:"retry_count"`
	LatencyMs     int64                        `json:"latency_ms"`
	FellBack      bool                         `json:"fell_back"`
	EstimatedCost float64                      `json:"estimated_cost"`
	CostSavings   float64                      `json:"cost_savings"`
}

// Service executes operations end to end. Every outcome is recorded with
// the routing engine, the cost router and the metrics backend, so the
// decision components keep learning from real traffic.
type Service struct {
	config     *Config
	engine     *routing.Engine
	costRouter *costaware.Router
	controller *fallback.Controller
	stability  *stability.Monitor
	metrics    monitoring.Monitor
	logger     *zap.SugaredLogger
	clock      clock.Clock
}

// NewService creates a relay service over the given components. The
// stability monitor and metrics backend may be nil.
func NewService(
	config *Config,
	engine *routing.Engine,
	costRouter *costaware.Router,
	controller *fallback.Controller,
	stabilityMonitor *stability.Monitor,
	metrics monitoring.Monitor,
	logger *zap.SugaredLogger,
) *Service {
	return newServiceWithClock(config, engine, costRouter, controller, stabilityMonitor, metrics, logger, clock.New())
}

func newServiceWithClock(
	config *Config,
	engine *routing.Engine,
	costRouter *costaware.Router,
	controller *fallback.Controller,
	stabilityMonitor *stability.Monitor,
	metrics monitoring.Monitor,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		config:     config,
		engine:     engine,
		costRouter: costRouter,
		controller: controller,
		stability:  stabilityMonitor,
		metrics:    metrics,
		logger:     logger,
		clock:      clk,
	}
}

// Execute relays one operation: decide the route, run it, record the
// outcome. A failed direct call falls back to the broker path when the
// error is transient; when both paths are down the fallback controller
// enters emergency mode.
func (s *Service) Execute(ctx context.Context, request *relaycore.OperationRequest) (*Result, error) {
	correlationID := uuid.NewString()

	decision, err := s.costRouter.Decide(ctx, request, correlationID)
	if err != nil {
		s.recordRoutingFailure(correlationID, err)
		return nil, relaycore.WrapError(relaycore.KindInternal, "routing decision failed", err)
	}

	start := s.clock.Now()
	result := &Result{
		Route:         decision.SelectedRoute,
		CorrelationID: correlationID,
		EstimatedCost: decision.EstimatedCost,
		CostSavings:   decision.CostSavings,
	}

	var response *relaycore.OperationResponse
	var execErr error
	switch decision.SelectedRoute {
	case relaycore.RouteMCP:
		response, execErr = s.executeBroker(ctx, request, result)
	default:
		response, execErr = s.executeDirect(ctx, request, decision.SelectedRoute, correlationID, result)
	}

	result.Response = response
	result.LatencyMs = s.latencySince(start)
	s.recordOutcome(request, result, execErr)
	if execErr != nil {
		return result, execErr
	}
	return result, nil
}

func (s *Service) executeDirect(
	ctx context.Context,
	request *relaycore.OperationRequest,
	route relaycore.Route,
	correlationID string,
	result *Result,
) (*relaycore.OperationResponse, error) {
	exec, ok := s.engine.Executor(route)
	if !ok {
		return nil, relaycore.NewError(relaycore.KindInternal, "no executor registered for route "+string(route))
	}

	response, err := exec.RouteRequest(ctx, request, executor.Options{
		Timeout:       s.config.DirectTimeout,
		Priority:      request.Type,
		CorrelationID: correlationID,
	})
	if err == nil {
		return response, nil
	}
	if !relaycore.Retryable(err) {
		return nil, err
	}

	s.logger.Warnw("Direct route failed, falling back to broker",
		"correlation_id", correlationID, "route", route, "error", err)
	s.engine.RecordRequestResult(route, 0, false)
	result.FellBack = true

	response, brokerErr := s.executeBroker(ctx, request, result)
	if brokerErr != nil {
		if errors.Is(brokerErr, breaker.ErrOpen) {
			// Direct is failing and the broker circuit is open: nothing
			// left to route to.
			s.controller.EnterEmergencyMode(ctx, "direct route failing with broker circuit open")
		}
		s.recordRoutingFailure(correlationID, brokerErr)
		return nil, brokerErr
	}
	return response, nil
}

func (s *Service) executeBroker(ctx context.Context, request *relaycore.OperationRequest, result *Result) (*relaycore.OperationResponse, error) {
	fbResult, err := s.controller.Execute(ctx, request)
	if fbResult != nil {
		result.Route = fbResult.Route
		result.RetryCount = fbResult.RetryCount
	}
	if err != nil {
		return nil, err
	}
	return fbResult.Response, nil
}

// recordOutcome feeds one finished operation back into the scoring and
// metrics components.
func (s *Service) recordOutcome(request *relaycore.OperationRequest, result *Result, execErr error) {
	success := execErr == nil

	scoredRoute := result.Route
	if scoredRoute == relaycore.RouteFallback {
		// The operation never reached the broker; score the broker route
		// so its health reflects the rejection.
		scoredRoute = relaycore.RouteMCP
	}
	s.engine.RecordRequestResult(scoredRoute, time.Duration(result.LatencyMs)*time.Millisecond, success)
	s.costRouter.RecordOutcome(scoredRoute, result.EstimatedCost, result.LatencyMs, success)

	if s.metrics == nil {
		return
	}
	op := &monitoring.OperationMetrics{
		Route:         result.Route,
		OperationType: request.Type,
		Success:       success,
		RetryCount:    result.RetryCount,
		Duration:      time.Duration(result.LatencyMs) * time.Millisecond,
		Cost:          result.EstimatedCost,
		Savings:       result.CostSavings,
	}
	if execErr != nil {
		op.ErrorKind = relaycore.KindOf(execErr).String()
	}
	if err := s.metrics.RecordOperation(op); err != nil {
		s.logger.Warnw("Failed to record operation metrics", "error", err)
	}
	if execErr != nil {
		if err := s.metrics.RecordError(relaycore.KindOf(execErr).String(), map[string]string{
			"route": string(result.Route),
		}); err != nil {
			s.logger.Warnw("Failed to record error metrics", "error", err)
		}
	}
}

func (s *Service) recordRoutingFailure(correlationID string, err error) {
	if s.stability == nil {
		return
	}
	s.stability.RecordEvent(stability.Event{
		Type:      stability.EventRoutingFailure,
		Severity:  stability.SeverityError,
		Component: "relay",
		Message:   "operation could not be routed",
		Details:   map[string]interface{}{"correlation_id": correlationID, "error": err.Error()},
	})
}

func (s *Service) latencySince(start time.Time) int64 {
	elapsed := s.clock.Now().Sub(start).Milliseconds()
	if elapsed < 1 {
		return 1
	}
	return elapsed
}
