package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/audit"
	"github.com/relaycore/relaycore/costaware"
	"github.com/relaycore/relaycore/executor"
	"github.com/relaycore/relaycore/fallback"
	"github.com/relaycore/relaycore/monitoring"
	"github.com/relaycore/relaycore/routing"
	"github.com/relaycore/relaycore/stability"
	"github.com/relaycore/relaycore/state"
)

type stubExecutor struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	healthy bool
	route   relaycore.Route
}

func (s *stubExecutor) RouteRequest(ctx context.Context, request *relaycore.OperationRequest, opts executor.Options) (*relaycore.OperationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return &relaycore.OperationResponse{Content: "ok", Route: s.route}, nil
}

func (s *stubExecutor) HealthStatus() executor.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return executor.Health{IsHealthy: s.healthy}
}

func (s *stubExecutor) Reconnect(ctx context.Context) error { return nil }

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordedOp struct {
	route   relaycore.Route
	success bool
}

type capturingMonitor struct {
	mu         sync.Mutex
	operations []recordedOp
	errorKinds []string
}

func (c *capturingMonitor) RecordOperation(metrics *monitoring.OperationMetrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, recordedOp{route: metrics.Route, success: metrics.Success})
	return nil
}

func (c *capturingMonitor) RecordCircuitTransition(route relaycore.Route, state string) error {
	return nil
}

func (c *capturingMonitor) RecordStabilityScore(score float64) error { return nil }

func (c *capturingMonitor) RecordError(kind string, labels map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorKinds = append(c.errorKinds, kind)
	return nil
}

func (c *capturingMonitor) Flush() error { return nil }

func (c *capturingMonitor) Close() error { return nil }

func (c *capturingMonitor) recordedOps() []recordedOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedOp(nil), c.operations...)
}

type fixture struct {
	service    *Service
	direct     *stubExecutor
	broker     *stubExecutor
	controller *fallback.Controller
	costRouter *costaware.Router
	stability  *stability.Monitor
	monitor    *capturingMonitor
	states     *state.MemoryManager
}

// sameCostConfig prices both routes identically so the baseline decision
// survives cost adjustment.
func sameCostConfig() *costaware.Config {
	config := costaware.DefaultConfig()
	config.BrokerCostRatio = 1.0
	return config
}

func newFixture(t *testing.T, costConfig *costaware.Config) *fixture {
	logger := zaptest.NewLogger(t).Sugar()
	auditor := audit.NewLogger(audit.DefaultConfig(), logger)
	states, cleanup := state.NewMemoryManager(0)
	t.Cleanup(cleanup)

	direct := &stubExecutor{healthy: true, route: relaycore.RouteDirect}
	broker := &stubExecutor{healthy: true, route: relaycore.RouteMCP}

	engine := routing.NewEngine(nil, logger)
	engine.RegisterRoute(relaycore.RouteDirect, direct)
	engine.RegisterRoute(relaycore.RouteMCP, broker)

	costRouter := costaware.NewRouter(costConfig, engine, states, auditor, logger)

	fbConfig := fallback.DefaultConfig()
	fbConfig.BaseRetryDelay = time.Millisecond
	fbConfig.MaxRetryDelay = 5 * time.Millisecond
	fbConfig.MaxRetries = 1
	controller := fallback.NewController(fbConfig, broker, states, auditor, logger)

	stabilityMonitor := stability.NewMonitor(nil, auditor, logger)
	monitor := &capturingMonitor{}

	service := NewService(nil, engine, costRouter, controller, stabilityMonitor, monitor, logger)
	return &fixture{
		service:    service,
		direct:     direct,
		broker:     broker,
		controller: controller,
		costRouter: costRouter,
		stability:  stabilityMonitor,
		monitor:    monitor,
		states:     states,
	}
}

func TestExecute_DirectPathRecordsOutcome(t *testing.T) {
	fx := newFixture(t, sameCostConfig())

	request := &relaycore.OperationRequest{
		Type:    relaycore.OperationStandard,
		Payload: relaycore.ChatPayload{Model: "m", Messages: []string{"hi"}},
	}
	result, err := fx.service.Execute(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteDirect, result.Route)
	assert.False(t, result.FellBack)
	assert.NotEmpty(t, result.CorrelationID)
	assert.Equal(t, 1, fx.direct.callCount())
	assert.Equal(t, 0, fx.broker.callCount())

	ops := fx.monitor.recordedOps()
	require.Len(t, ops, 1)
	assert.Equal(t, relaycore.RouteDirect, ops[0].route)
	assert.True(t, ops[0].success)
}

func TestExecute_CostOverrideRoutesThroughBroker(t *testing.T) {
	// Default pricing makes the broker route far cheaper, so the balanced
	// strategy moves standard operations onto it.
	fx := newFixture(t, nil)

	request := &relaycore.OperationRequest{Type: relaycore.OperationStandard}
	result, err := fx.service.Execute(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteMCP, result.Route)
	assert.Equal(t, 0, fx.direct.callCount())
	assert.Equal(t, 1, fx.broker.callCount())
}

func TestExecute_DirectFailureFallsBackToBroker(t *testing.T) {
	fx := newFixture(t, sameCostConfig())
	fx.direct.errs = []error{relaycore.NewError(relaycore.KindConnection, "endpoint down")}

	request := &relaycore.OperationRequest{Type: relaycore.OperationStandard}
	result, err := fx.service.Execute(context.Background(), request)
	require.NoError(t, err)
	assert.True(t, result.FellBack)
	assert.Equal(t, relaycore.RouteMCP, result.Route)
	assert.Equal(t, 1, fx.direct.callCount())
	assert.Equal(t, 1, fx.broker.callCount())
}

func TestExecute_NonRetryableDirectErrorDoesNotFallBack(t *testing.T) {
	fx := newFixture(t, sameCostConfig())
	fx.direct.errs = []error{relaycore.NewError(relaycore.KindValidation, "bad request")}

	request := &relaycore.OperationRequest{Type: relaycore.OperationStandard}
	result, err := fx.service.Execute(context.Background(), request)
	require.Error(t, err)
	assert.False(t, result.FellBack)
	assert.Equal(t, 0, fx.broker.callCount())
	assert.Contains(t, fx.monitor.errorKinds, "validation")
}

func TestExecute_BothPathsDownEntersEmergencyMode(t *testing.T) {
	fx := newFixture(t, sameCostConfig())
	fx.direct.errs = []error{relaycore.NewError(relaycore.KindConnection, "endpoint down")}

	key := string(relaycore.RouteMCP)
	for i := 0; i < fallback.DefaultConfig().Breaker.FailureThreshold; i++ {
		fx.controller.Breaker().RecordFailure(key)
	}
	require.True(t, fx.controller.Breaker().IsOpen(key))

	request := &relaycore.OperationRequest{Type: relaycore.OperationStandard}
	_, err := fx.service.Execute(context.Background(), request)
	require.Error(t, err)
	assert.True(t, fx.controller.HealthStatus().EmergencyMode)

	allowed, _, stateErr := fx.states.Allow(context.Background(), relaycore.RouteMCP)
	require.NoError(t, stateErr)
	assert.False(t, allowed, "emergency entry disables the broker route in shared state")
}

func TestExecute_RoutingFailureReachesStabilityMonitor(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	auditor := audit.NewLogger(audit.DefaultConfig(), logger)
	states, cleanup := state.NewMemoryManager(0)
	t.Cleanup(cleanup)

	engine := routing.NewEngine(nil, logger)
	costRouter := costaware.NewRouter(nil, engine, states, auditor, logger)
	broker := &stubExecutor{healthy: true, route: relaycore.RouteMCP}
	controller := fallback.NewController(fallback.DefaultConfig(), broker, states, auditor, logger)
	stabilityMonitor := stability.NewMonitor(nil, auditor, logger)
	service := NewService(nil, engine, costRouter, controller, stabilityMonitor, nil, logger)

	request := &relaycore.OperationRequest{Type: relaycore.OperationStandard}
	_, err := service.Execute(context.Background(), request)
	require.Error(t, err)

	report := stabilityMonitor.EnhancedReport()
	assert.Equal(t, 1, report.EventsRetained)
}
