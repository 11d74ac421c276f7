// Package costaware wraps a baseline routing decision source and adjusts
// its selections for cost. Strategies trade cost reduction against a
// bounded performance budget; observed per-route cost profiles refine the
// static estimates once enough samples accumulate.
package costaware

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/audit"
	"github.com/relaycore/relaycore/routing"
	"github.com/relaycore/relaycore/state"
)

// Strategy selects how aggressively cost overrides routing.
type Strategy string

const (
	// StrategyAggressive always takes the cheapest route.
	StrategyAggressive Strategy = "aggressive"

	// StrategyBalanced overrides only when savings exceed 30% of the
	// baseline cost and the estimated impact stays under 20%. Emergency
	// operations are never moved.
	StrategyBalanced Strategy = "balanced"

	// StrategyPerformanceAware overrides when savings exceed 15% and
	// the impact stays within the configured degradation budget.
	StrategyPerformanceAware Strategy = "performance_aware"

	// StrategyDynamic applies Aggressive during off-peak hours and
	// Balanced otherwise.
	StrategyDynamic Strategy = "dynamic"
)

// Config configures the cost-aware router.
type Config struct {
	Strategy Strategy `yaml:"strategy"`

	// Cost reduction goal, percent of baseline spend.
	TargetCostReduction float64 `yaml:"target_cost_reduction"`

	// Largest tolerated performance impact, percent.
	MaxPerformanceDegradation float64 `yaml:"max_performance_degradation"`

	// Static cost model used until observed profiles mature.
	DirectBaseCost  float64 `yaml:"direct_base_cost"`
	BrokerCostRatio float64 `yaml:"broker_cost_ratio"`

	// Hours (0-23) treated as off-peak, and per-hour cost multipliers.
	OffPeakHours    []int           `yaml:"off_peak_hours,omitempty"`
	HourMultipliers map[int]float64 `yaml:"hour_multipliers,omitempty"`

	// Observed samples required before a profile replaces the static
	// estimate, and the rolling window size per route.
	MinProfileSamples int `yaml:"min_profile_samples"`
	ProfileWindow     int `yaml:"profile_window"`

	// How often the optimizer recomputes profiles and recommendations.
	OptimizationInterval time.Duration `yaml:"optimization_interval"`

	// Decisions retained for the rolling cost reduction figure.
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultConfig returns the default cost configuration.
func DefaultConfig() *Config {
	return &Config{
		Strategy:                  StrategyBalanced,
		TargetCostReduction:       20,
		MaxPerformanceDegradation: 10,
		DirectBaseCost:            0.005,
		BrokerCostRatio:           0.35,
		OffPeakHours:              []int{0, 1, 2, 3, 4, 5, 22, 23},
		MinProfileSamples:         10,
		ProfileWindow:             100,
		OptimizationInterval:      5 * time.Minute,
		HistoryLimit:              1000,
	}
}

// RouteCostProfile is the observed cost behavior of one route.
type RouteCostProfile struct {
	Route         relaycore.Route `json:"route"`
	AvgCostPerOp  float64         `json:"avg_cost_per_op"`
	AvgLatencyMs  float64         `json:"avg_latency_ms"`
	SuccessRate   float64         `json:"success_rate"`
	SampleCount   int             `json:"sample_count"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

type costSample struct {
	cost      float64
	latencyMs int64
	success   bool
}

// Decision is a cost-adjusted routing decision.
type Decision struct {
	routing.Decision

	BaselineRoute         relaycore.Route             `json:"baseline_route"`
	Overridden            bool                        `json:"overridden"`
	EstimatedCost         float64                     `json:"estimated_cost"`
	CostSavings           float64                     `json:"cost_savings"`
	CostEfficiencyScore   float64                     `json:"cost_efficiency_score"`
	AlternativeRouteCosts map[relaycore.Route]float64 `json:"alternative_route_costs"`
}

// Router layers cost strategy over a baseline decision source.
type Router struct {
	config  *Config
	clock   clock.Clock
	logger  *zap.SugaredLogger
	auditor *audit.Logger
	states  state.Manager
	source  routing.DecisionSource

	mu           sync.Mutex
	strategy     Strategy
	samples      map[relaycore.Route][]costSample
	profiles     map[relaycore.Route]*RouteCostProfile
	decisions    []Decision
	totalBase    float64
	totalActual  float64
	running      bool
	stopOptimize chan struct{}

	recommendations []Recommendation
}

// NewRouter creates a cost-aware router over a baseline decision source.
func NewRouter(
	config *Config,
	source routing.DecisionSource,
	states state.Manager,
	auditor *audit.Logger,
	logger *zap.SugaredLogger,
) *Router {
	return newRouterWithClock(config, source, states, auditor, logger, clock.New())
}

func newRouterWithClock(
	config *Config,
	source routing.DecisionSource,
	states state.Manager,
	auditor *audit.Logger,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	return &Router{
		config:   config,
		clock:    clk,
		logger:   logger,
		auditor:  auditor,
		states:   states,
		source:   source,
		strategy: config.Strategy,
		samples:  make(map[relaycore.Route][]costSample),
		profiles: make(map[relaycore.Route]*RouteCostProfile),
	}
}

// Decide produces a cost-adjusted routing decision for the request.
func (r *Router) Decide(ctx context.Context, request *relaycore.OperationRequest, correlationID string) (*Decision, error) {
	baseline, err := r.source.MakeRoutingDecision(ctx, request, correlationID)
	if err != nil {
		return nil, err
	}

	costs := map[relaycore.Route]float64{
		relaycore.RouteDirect: r.estimateCost(relaycore.RouteDirect),
		relaycore.RouteMCP:    r.estimateCost(relaycore.RouteMCP),
	}
	baseCost := costs[baseline.SelectedRoute]

	selected := r.applyStrategy(baseline.SelectedRoute, request.Type, costs)

	decision := Decision{
		Decision:              *baseline,
		BaselineRoute:         baseline.SelectedRoute,
		Overridden:            selected != baseline.SelectedRoute,
		EstimatedCost:         costs[selected],
		CostSavings:           baseCost - costs[selected],
		AlternativeRouteCosts: costs,
	}
	decision.SelectedRoute = selected
	if decision.Overridden {
		decision.Reason = "cost override: " + string(r.currentStrategy())
	}
	decision.CostEfficiencyScore = efficiencyScore(decision.EstimatedCost, baseCost)

	r.recordDecision(decision)

	if decision.Overridden {
		r.auditor.LogCostOverride(correlationID, decision.BaselineRoute, selected,
			decision.CostSavings, string(r.currentStrategy()))
	}
	return &decision, nil
}

// applyStrategy picks the final route given the baseline and estimated
// per-route costs.
func (r *Router) applyStrategy(baseline relaycore.Route, opType relaycore.OperationType, costs map[relaycore.Route]float64) relaycore.Route {
	cheapest := baseline
	for route, cost := range costs {
		if cost < costs[cheapest] {
			cheapest = route
		}
	}
	if cheapest == baseline {
		return baseline
	}

	return r.overrideFor(r.currentStrategy(), baseline, cheapest, opType, costs)
}

func (r *Router) overrideFor(strategy Strategy, baseline, cheapest relaycore.Route, opType relaycore.OperationType, costs map[relaycore.Route]float64) relaycore.Route {
	savingsRatio := 0.0
	if baseCost := costs[baseline]; baseCost > 0 {
		savingsRatio = (baseCost - costs[cheapest]) / baseCost
	}
	impact := performanceImpact(baseline, cheapest, opType)

	switch strategy {
	case StrategyAggressive:
		return cheapest
	case StrategyBalanced:
		if opType == relaycore.OperationEmergency {
			return baseline
		}
		if savingsRatio > 0.30 && impact < 20 {
			return cheapest
		}
		return baseline
	case StrategyPerformanceAware:
		if savingsRatio > 0.15 && impact <= r.config.MaxPerformanceDegradation {
			return cheapest
		}
		return baseline
	case StrategyDynamic:
		if r.isOffPeak(r.clock.Now().Hour()) {
			return cheapest
		}
		return r.overrideFor(StrategyBalanced, baseline, cheapest, opType, costs)
	default:
		return baseline
	}
}

func (r *Router) isOffPeak(hour int) bool {
	for _, h := range r.config.OffPeakHours {
		if h == hour {
			return true
		}
	}
	return false
}

// performanceImpact estimates the latency impact, in percent, of moving an
// operation from one route to another. Negative means faster.
func performanceImpact(from, to relaycore.Route, opType relaycore.OperationType) float64 {
	if from == to {
		return 0
	}
	if from == relaycore.RouteDirect && to == relaycore.RouteMCP {
		switch opType {
		case relaycore.OperationEmergency:
			return 50
		case relaycore.OperationInteractive:
			return 15
		case relaycore.OperationBatch:
			return 2
		default:
			return 5
		}
	}
	if from == relaycore.RouteMCP && to == relaycore.RouteDirect {
		return -10
	}
	return 0
}

// estimateCost is the per-operation cost estimate for a route: the mature
// observed profile when available, otherwise the static model adjusted by
// the current hour multiplier.
func (r *Router) estimateCost(route relaycore.Route) float64 {
	r.mu.Lock()
	profile, ok := r.profiles[route]
	r.mu.Unlock()

	if ok && profile.SampleCount >= r.config.MinProfileSamples {
		return profile.AvgCostPerOp
	}

	base := r.config.DirectBaseCost
	if route == relaycore.RouteMCP {
		base *= r.config.BrokerCostRatio
	}
	return base * r.hourMultiplier(r.clock.Now().Hour())
}

func (r *Router) hourMultiplier(hour int) float64 {
	if m, ok := r.config.HourMultipliers[hour]; ok {
		return m
	}
	if r.isOffPeak(hour) {
		return 0.9
	}
	return 1.0
}

func efficiencyScore(actual, baseline float64) float64 {
	if baseline <= 0 {
		return 1.0
	}
	score := baseline / (baseline + actual)
	return score * 2
}

// RecordOutcome feeds an observed operation result into the route's cost
// profile window.
func (r *Router) RecordOutcome(route relaycore.Route, cost float64, latencyMs int64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	window := append(r.samples[route], costSample{cost: cost, latencyMs: latencyMs, success: success})
	if len(window) > r.config.ProfileWindow {
		window = window[len(window)-r.config.ProfileWindow:]
	}
	r.samples[route] = window
	r.recomputeProfileLocked(route)
}

func (r *Router) recomputeProfileLocked(route relaycore.Route) {
	window := r.samples[route]
	if len(window) == 0 {
		return
	}

	var costSum, latencySum float64
	var successes int
	for _, s := range window {
		costSum += s.cost
		latencySum += float64(s.latencyMs)
		if s.success {
			successes++
		}
	}
	n := float64(len(window))
	r.profiles[route] = &RouteCostProfile{
		Route:         route,
		AvgCostPerOp:  costSum / n,
		AvgLatencyMs:  latencySum / n,
		SuccessRate:   float64(successes) / n,
		SampleCount:   len(window),
		LastUpdatedAt: r.clock.Now(),
	}
}

func (r *Router) recordDecision(decision Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalBase += decision.AlternativeRouteCosts[decision.BaselineRoute]
	r.totalActual += decision.EstimatedCost
	r.decisions = append(r.decisions, decision)
	if len(r.decisions) > r.config.HistoryLimit {
		r.decisions = r.decisions[len(r.decisions)-r.config.HistoryLimit:]
	}
}

// CostReductionPercentage reports realized savings against baseline spend
// over the decision history, in percent.
func (r *Router) CostReductionPercentage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.totalBase <= 0 {
		return 0
	}
	return (r.totalBase - r.totalActual) / r.totalBase * 100
}

// SetStrategy switches the active strategy at runtime.
func (r *Router) SetStrategy(strategy Strategy) {
	r.mu.Lock()
	old := r.strategy
	r.strategy = strategy
	r.mu.Unlock()

	if old != strategy {
		r.logger.Infow("Cost strategy changed", "from", old, "to", strategy)
		r.auditor.LogEvent(audit.Event{
			Type:      audit.EventConfiguration,
			Severity:  audit.SeverityInfo,
			Component: "costaware",
			Message:   "cost strategy changed",
			Details:   map[string]interface{}{"from": string(old), "to": string(strategy)},
		})
	}
}

func (r *Router) currentStrategy() Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

// Status returns a snapshot for dashboards and the management API.
func (r *Router) Status() map[string]interface{} {
	reduction := r.CostReductionPercentage()

	r.mu.Lock()
	defer r.mu.Unlock()

	profiles := make(map[string]RouteCostProfile, len(r.profiles))
	for route, p := range r.profiles {
		profiles[string(route)] = *p
	}
	overridden := 0
	for _, d := range r.decisions {
		if d.Overridden {
			overridden++
		}
	}
	return map[string]interface{}{
		"strategy":                  string(r.strategy),
		"target_cost_reduction":     r.config.TargetCostReduction,
		"cost_reduction_percentage": reduction,
		"target_met":                reduction >= r.config.TargetCostReduction,
		"decisions_recorded":        len(r.decisions),
		"decisions_overridden":      overridden,
		"route_profiles":            profiles,
		"active_recommendations":    len(r.recommendations),
		"total_baseline_cost":       r.totalBase,
		"total_actual_cost":         r.totalActual,
	}
}
