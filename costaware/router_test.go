package costaware

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/audit"
	"github.com/relaycore/relaycore/routing"
	"github.com/relaycore/relaycore/state"
)

type fixedSource struct {
	route relaycore.Route
}

func (f *fixedSource) MakeRoutingDecision(ctx context.Context, request *relaycore.OperationRequest, correlationID string) (*routing.Decision, error) {
	return &routing.Decision{SelectedRoute: f.route, Reason: "fixed"}, nil
}

func newTestRouter(t *testing.T, config *Config, baseline relaycore.Route) (*Router, state.Manager) {
	logger := zaptest.NewLogger(t).Sugar()
	auditor := audit.NewLogger(audit.DefaultConfig(), logger)
	states, cleanup := state.NewMemoryManager(1 << 20)
	t.Cleanup(cleanup)
	return NewRouter(config, &fixedSource{route: baseline}, states, auditor, logger), states
}

func newTestRouterWithClock(t *testing.T, config *Config, baseline relaycore.Route, clk clock.Clock) *Router {
	logger := zaptest.NewLogger(t).Sugar()
	auditor := audit.NewLogger(audit.DefaultConfig(), logger)
	states, cleanup := state.NewMemoryManager(1 << 20)
	t.Cleanup(cleanup)
	return newRouterWithClock(config, &fixedSource{route: baseline}, states, auditor, logger, clk)
}

func standardRequest() *relaycore.OperationRequest {
	return &relaycore.OperationRequest{
		Type:    relaycore.OperationStandard,
		Payload: relaycore.ChatPayload{Model: "m", Messages: []string{"hi"}},
	}
}

func TestDecide_AggressivePicksCheapest(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyAggressive
	config.DirectBaseCost = 0.005
	config.BrokerCostRatio = 0.4
	config.OffPeakHours = nil
	router, _ := newTestRouter(t, config, relaycore.RouteDirect)

	decision, err := router.Decide(context.Background(), standardRequest(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteMCP, decision.SelectedRoute)
	assert.Equal(t, relaycore.RouteDirect, decision.BaselineRoute)
	assert.True(t, decision.Overridden)
	assert.InDelta(t, 0.002, decision.EstimatedCost, 1e-9)
	assert.InDelta(t, 0.003, decision.CostSavings, 1e-9)
}

func TestDecide_BalancedRequiresLargeSavings(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyBalanced
	config.OffPeakHours = nil
	router, _ := newTestRouter(t, config, relaycore.RouteDirect)

	// Broker at 35% of direct cost saves 65% of the baseline, well past
	// the 30% bar, and a standard move costs only 5% performance.
	decision, err := router.Decide(context.Background(), standardRequest(), "corr-2")
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteMCP, decision.SelectedRoute)

	// At 80% of direct cost the savings are only 20%, below the bar.
	config = DefaultConfig()
	config.Strategy = StrategyBalanced
	config.BrokerCostRatio = 0.8
	config.OffPeakHours = nil
	router, _ = newTestRouter(t, config, relaycore.RouteDirect)

	decision, err = router.Decide(context.Background(), standardRequest(), "corr-3")
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteDirect, decision.SelectedRoute)
	assert.False(t, decision.Overridden)
}

func TestDecide_BalancedNeverMovesEmergency(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyBalanced
	config.MaxPerformanceDegradation = 100
	config.OffPeakHours = nil
	router, _ := newTestRouter(t, config, relaycore.RouteDirect)

	emergency := &relaycore.OperationRequest{Type: relaycore.OperationEmergency}
	decision, err := router.Decide(context.Background(), emergency, "corr-4")
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteDirect, decision.SelectedRoute)
	assert.False(t, decision.Overridden)
	assert.Equal(t, 0.0, decision.CostSavings)
}

func TestDecide_PerformanceAwareStaysInsideDegradationBudget(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyPerformanceAware
	config.OffPeakHours = nil
	router, _ := newTestRouter(t, config, relaycore.RouteDirect)

	// Standard: 65% savings, 5% impact, inside the 10% budget.
	decision, err := router.Decide(context.Background(), standardRequest(), "corr-5")
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteMCP, decision.SelectedRoute)

	// Interactive: 15% impact blows the budget, so no override even
	// though the broker is cheaper.
	interactive := &relaycore.OperationRequest{Type: relaycore.OperationInteractive}
	decision, err = router.Decide(context.Background(), interactive, "corr-6")
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteDirect, decision.SelectedRoute)
	assert.False(t, decision.Overridden)
}

func TestDecide_DynamicFollowsOffPeakHours(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyDynamic
	config.HourMultipliers = map[int]float64{}
	for h := 0; h < 24; h++ {
		config.HourMultipliers[h] = 1.0
	}
	mock := clock.NewMock()
	// 02:00: off-peak, so dynamic is aggressive and moves even an
	// emergency operation.
	mock.Set(time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC))
	router := newTestRouterWithClock(t, config, relaycore.RouteDirect, mock)

	emergency := &relaycore.OperationRequest{Type: relaycore.OperationEmergency}
	decision, err := router.Decide(context.Background(), emergency, "corr-7")
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteMCP, decision.SelectedRoute)

	// 14:00: peak, so dynamic relaxes to balanced, which never moves
	// emergency operations.
	mock.Set(time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC))
	decision, err = router.Decide(context.Background(), emergency, "corr-8")
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteDirect, decision.SelectedRoute)
	assert.False(t, decision.Overridden)
}

func TestObservedProfilesOverrideStaticModel(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyAggressive
	config.OffPeakHours = nil
	router, _ := newTestRouter(t, config, relaycore.RouteDirect)

	// Observed broker cost is worse than direct, flipping the static model.
	for i := 0; i < config.MinProfileSamples; i++ {
		router.RecordOutcome(relaycore.RouteMCP, 0.02, 200, true)
		router.RecordOutcome(relaycore.RouteDirect, 0.004, 100, true)
	}

	decision, err := router.Decide(context.Background(), standardRequest(), "corr-7")
	require.NoError(t, err)
	assert.Equal(t, relaycore.RouteDirect, decision.SelectedRoute)
	assert.False(t, decision.Overridden)
}

func TestCostReductionPercentage(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyAggressive
	config.DirectBaseCost = 0.005
	config.BrokerCostRatio = 0.4
	config.OffPeakHours = nil
	router, _ := newTestRouter(t, config, relaycore.RouteDirect)

	for i := 0; i < 5; i++ {
		_, err := router.Decide(context.Background(), standardRequest(), "corr-8")
		require.NoError(t, err)
	}

	// Every operation moved from 0.005 to 0.002: a 60% reduction.
	assert.InDelta(t, 60.0, router.CostReductionPercentage(), 0.1)

	status := router.Status()
	assert.Equal(t, true, status["target_met"])
	assert.Equal(t, 5, status["decisions_recorded"])
	assert.Equal(t, 5, status["decisions_overridden"])
}

func TestProfilePersistenceRoundtrip(t *testing.T) {
	config := DefaultConfig()
	config.OffPeakHours = nil
	router, states := newTestRouter(t, config, relaycore.RouteDirect)

	for i := 0; i < config.MinProfileSamples; i++ {
		router.RecordOutcome(relaycore.RouteMCP, 0.001, 300, true)
	}
	require.NoError(t, router.persistProfiles(context.Background()))

	logger := zaptest.NewLogger(t).Sugar()
	auditor := audit.NewLogger(audit.DefaultConfig(), logger)
	fresh := NewRouter(config, &fixedSource{route: relaycore.RouteDirect}, states, auditor, logger)
	require.NoError(t, fresh.LoadPersistedProfiles(context.Background()))

	status := fresh.Status()
	profiles := status["route_profiles"].(map[string]RouteCostProfile)
	require.Contains(t, profiles, string(relaycore.RouteMCP))
	assert.InDelta(t, 0.001, profiles[string(relaycore.RouteMCP)].AvgCostPerOp, 1e-9)
}

func TestGenerateRecommendations_CappedAndPrioritized(t *testing.T) {
	config := DefaultConfig()
	config.OffPeakHours = nil
	router, _ := newTestRouter(t, config, relaycore.RouteDirect)

	for i := 0; i < config.MinProfileSamples; i++ {
		router.RecordOutcome(relaycore.RouteDirect, 0.005, 100, true)
		router.RecordOutcome(relaycore.RouteMCP, 0.001, 250, true)
	}

	recs := router.generateRecommendations()
	require.NotEmpty(t, recs)
	assert.LessOrEqual(t, len(recs), 8)

	var hasRoutePreference bool
	for _, rec := range recs {
		if rec.Type == RecommendationRoutePreference {
			hasRoutePreference = true
			assert.InDelta(t, 0.004, rec.EstimatedSavings, 1e-9)
		}
	}
	assert.True(t, hasRoutePreference)
}

func TestSetStrategy(t *testing.T) {
	config := DefaultConfig()
	router, _ := newTestRouter(t, config, relaycore.RouteDirect)

	router.SetStrategy(StrategyAggressive)
	assert.Equal(t, StrategyAggressive, router.currentStrategy())

	status := router.Status()
	assert.Equal(t, "aggressive", status["strategy"])
}
