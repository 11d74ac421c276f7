package costaware

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/audit"
)

const profileCacheKey = "relay:cost:profiles"

// RecommendationType classifies an optimization recommendation.
type RecommendationType string

const (
	RecommendationRoutePreference RecommendationType = "route_preference"
	RecommendationCacheStrategy   RecommendationType = "cache_strategy"
	RecommendationTimingShift     RecommendationType = "timing_shift"
)

// Priority orders recommendations; high and critical ones are applied
// automatically by the optimizer.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Recommendation is one concrete cost optimization the optimizer proposes.
type Recommendation struct {
	ID               string             `json:"id"`
	Type             RecommendationType `json:"type"`
	Priority         Priority           `json:"priority"`
	Description      string             `json:"description"`
	EstimatedSavings float64            `json:"estimated_savings"`
	CreatedAt        time.Time          `json:"created_at"`
	AppliedAt        time.Time          `json:"applied_at,omitempty"`
}

// StartOptimizer launches the periodic optimization loop: profiles are
// persisted to shared state, recommendations regenerated, and high
// priority ones applied. No-op when already running.
func (r *Router) StartOptimizer() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stopOptimize = make(chan struct{})
	go r.optimizeLoop(r.stopOptimize)
}

// StopOptimizer halts the optimization loop. No-op when stopped.
func (r *Router) StopOptimizer() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	close(r.stopOptimize)
}

func (r *Router) optimizeLoop(stop chan struct{}) {
	ticker := r.clock.Ticker(r.config.OptimizationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.optimize()
		case <-stop:
			return
		}
	}
}

func (r *Router) optimize() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.persistProfiles(ctx); err != nil {
		r.logger.Warnw("Failed to persist cost profiles", "error", err)
	}

	recs := r.generateRecommendations()
	r.mu.Lock()
	r.recommendations = recs
	r.mu.Unlock()

	for _, rec := range recs {
		if rec.Priority == PriorityHigh || rec.Priority == PriorityCritical {
			r.applyRecommendation(rec)
		}
	}
}

// persistProfiles writes the current route profiles into shared state so
// freshly started instances do not begin from the static cost model.
func (r *Router) persistProfiles(ctx context.Context) error {
	r.mu.Lock()
	profiles := make([]*RouteCostProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		profiles = append(profiles, p)
	}
	r.mu.Unlock()

	if len(profiles) == 0 {
		return nil
	}
	data, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("failed to marshal cost profiles: %w", err)
	}
	return r.states.SaveCache(ctx, profileCacheKey, data, r.config.OptimizationInterval*3)
}

// LoadPersistedProfiles seeds the router with profiles cached by a prior
// instance. A cache miss is not an error.
func (r *Router) LoadPersistedProfiles(ctx context.Context) error {
	data, err := r.states.LoadCache(ctx, profileCacheKey)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	var profiles []*RouteCostProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("failed to unmarshal cost profiles: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range profiles {
		r.profiles[p.Route] = p
	}
	r.logger.Infow("Loaded persisted cost profiles", "count", len(profiles))
	return nil
}

func (r *Router) generateRecommendations() []Recommendation {
	reduction := r.CostReductionPercentage()
	now := r.clock.Now()

	r.mu.Lock()
	direct := r.profiles[relaycore.RouteDirect]
	broker := r.profiles[relaycore.RouteMCP]
	minSamples := r.config.MinProfileSamples
	target := r.config.TargetCostReduction
	r.mu.Unlock()

	var recs []Recommendation

	if direct != nil && broker != nil &&
		direct.SampleCount >= minSamples && broker.SampleCount >= minSamples {
		if broker.AvgCostPerOp < direct.AvgCostPerOp && broker.SuccessRate >= 0.95 {
			perOp := direct.AvgCostPerOp - broker.AvgCostPerOp
			priority := PriorityMedium
			if reduction < target/2 {
				priority = PriorityHigh
			}
			recs = append(recs, Recommendation{
				ID:               uuid.New().String(),
				Type:             RecommendationRoutePreference,
				Priority:         priority,
				Description:      "broker route is cheaper with acceptable reliability, prefer it for standard operations",
				EstimatedSavings: perOp,
				CreatedAt:        now,
			})
		}
		if broker.SuccessRate < 0.90 {
			recs = append(recs, Recommendation{
				ID:          uuid.New().String(),
				Type:        RecommendationRoutePreference,
				Priority:    PriorityLow,
				Description: "broker route reliability is below 90%, keep performance-sensitive traffic direct",
				CreatedAt:   now,
			})
		}
	}

	if reduction < target {
		recs = append(recs, Recommendation{
			ID:          uuid.New().String(),
			Type:        RecommendationTimingShift,
			Priority:    PriorityMedium,
			Description: "shift batch operations into off-peak hours to use lower cost multipliers",
			CreatedAt:   now,
		})
		recs = append(recs, Recommendation{
			ID:          uuid.New().String(),
			Type:        RecommendationCacheStrategy,
			Priority:    PriorityLow,
			Description: "enable response caching for repeated embedding inputs",
			CreatedAt:   now,
		})
	}

	if len(recs) > 8 {
		recs = recs[:8]
	}
	return recs
}

// applyRecommendation acts on a recommendation. Route preference moves the
// active strategy toward aggressive cost cutting; other types only surface
// through the API for operators.
func (r *Router) applyRecommendation(rec Recommendation) {
	switch rec.Type {
	case RecommendationRoutePreference:
		if r.currentStrategy() == StrategyBalanced {
			r.SetStrategy(StrategyDynamic)
		}
	default:
		return
	}

	r.mu.Lock()
	for i := range r.recommendations {
		if r.recommendations[i].ID == rec.ID {
			r.recommendations[i].AppliedAt = r.clock.Now()
		}
	}
	r.mu.Unlock()

	r.auditor.LogEvent(audit.Event{
		Type:      audit.EventRecommendation,
		Severity:  audit.SeverityInfo,
		Component: "costaware",
		Message:   rec.Description,
		Details: map[string]interface{}{
			"recommendation_id": rec.ID,
			"type":              string(rec.Type),
			"priority":          string(rec.Priority),
			"estimated_savings": rec.EstimatedSavings,
		},
	})
}

// Recommendations returns the current recommendation set.
func (r *Router) Recommendations() []Recommendation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Recommendation, len(r.recommendations))
	copy(out, r.recommendations)
	return out
}
