// Package api exposes the relay's management surface over HTTP: fallback
// reliability metrics, cost routing status and configuration, stability
// reports, and circuit breaker state.
package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/audit"
	"github.com/relaycore/relaycore/costaware"
	"github.com/relaycore/relaycore/fallback"
	"github.com/relaycore/relaycore/monitoring"
	"github.com/relaycore/relaycore/relay"
	"github.com/relaycore/relaycore/stability"
)

// Handler provides HTTP handlers for relay management
type Handler struct {
	relay      *relay.Service
	controller *fallback.Controller
	costRouter *costaware.Router
	stability  *stability.Monitor
	metrics    *monitoring.Manager
	auditor    *audit.Logger
	logger     *zap.SugaredLogger
}

// NewHandler creates a new management API handler
func NewHandler(
	relayService *relay.Service,
	controller *fallback.Controller,
	costRouter *costaware.Router,
	stabilityMonitor *stability.Monitor,
	metrics *monitoring.Manager,
	auditor *audit.Logger,
	logger *zap.SugaredLogger,
) *Handler {
	return &Handler{
		relay:      relayService,
		controller: controller,
		costRouter: costRouter,
		stability:  stabilityMonitor,
		metrics:    metrics,
		auditor:    auditor,
		logger:     logger,
	}
}

// Routes mounts every management endpoint on a router with CORS applied.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1/relay").Subrouter()
	v1.HandleFunc("/operations", h.handleExecuteOperation).Methods(http.MethodPost)
	v1.HandleFunc("/fallback/metrics", h.handleFallbackMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/fallback/health", h.handleFallbackHealth).Methods(http.MethodGet)
	v1.HandleFunc("/fallback/targets", h.handleReliabilityTargets).Methods(http.MethodGet)
	v1.HandleFunc("/cost/status", h.handleCostStatus).Methods(http.MethodGet)
	v1.HandleFunc("/cost/recommendations", h.handleCostRecommendations).Methods(http.MethodGet)
	v1.HandleFunc("/cost/config", h.handleUpdateCostConfig).Methods(http.MethodPatch)
	v1.HandleFunc("/stability/current", h.handleStabilityCurrent).Methods(http.MethodGet)
	v1.HandleFunc("/stability/report", h.handleStabilityReport).Methods(http.MethodGet)
	v1.HandleFunc("/stability/export", h.handleStabilityExport).Methods(http.MethodGet)
	v1.HandleFunc("/breakers", h.handleBreakers).Methods(http.MethodGet)
	v1.HandleFunc("/breakers/reset", h.handleBreakerReset).Methods(http.MethodPost)

	if h.metrics != nil && h.metrics.Prometheus() != nil {
		r.Handle("/metrics", h.metrics.Prometheus().Handler()).Methods(http.MethodGet)
	}

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Errorw("Failed to encode response", "error", err)
	}
}

type operationEnvelope struct {
	Type    relaycore.OperationType `json:"type"`
	Payload json.RawMessage         `json:"payload"`
}

// decodePayload resolves the payload union by its kind tag.
func decodePayload(raw json.RawMessage) (relaycore.OperationPayload, error) {
	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}

	switch tag.Kind {
	case "chat":
		var payload relaycore.ChatPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	case "embedding":
		var payload relaycore.EmbeddingPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	case "support":
		var payload relaycore.SupportPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	default:
		return nil, relaycore.NewError(relaycore.KindInvalidInput, "unknown payload kind: "+tag.Kind)
	}
}

func (h *Handler) handleExecuteOperation(w http.ResponseWriter, r *http.Request) {
	var envelope operationEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(envelope.Payload) == 0 {
		http.Error(w, "Missing payload", http.StatusBadRequest)
		return
	}

	payload, err := decodePayload(envelope.Payload)
	if err != nil {
		http.Error(w, "Invalid payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	request := &relaycore.OperationRequest{Type: envelope.Type, Payload: payload}
	result, err := h.relay.Execute(r.Context(), request)
	if err != nil {
		status := statusForError(err)
		h.writeJSON(w, status, map[string]interface{}{
			"error":  err.Error(),
			"kind":   relaycore.KindOf(err).String(),
			"result": result,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// statusForError maps the error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch relaycore.KindOf(err) {
	case relaycore.KindValidation, relaycore.KindInvalidInput:
		return http.StatusBadRequest
	case relaycore.KindAuthentication:
		return http.StatusUnauthorized
	case relaycore.KindAuthorization:
		return http.StatusForbidden
	case relaycore.KindRateLimit:
		return http.StatusTooManyRequests
	case relaycore.KindTimeout:
		return http.StatusGatewayTimeout
	case relaycore.KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) handleFallbackMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.controller.Metrics())
}

func (h *Handler) handleFallbackHealth(w http.ResponseWriter, r *http.Request) {
	health := h.controller.HealthStatus()
	status := http.StatusOK
	if health.EmergencyMode || !health.Enabled {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

func (h *Handler) handleReliabilityTargets(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.controller.ValidateReliabilityTargets())
}

func (h *Handler) handleCostStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.costRouter.Status())
}

func (h *Handler) handleCostRecommendations(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": h.costRouter.Recommendations(),
	})
}

type costConfigUpdate struct {
	Strategy *string `json:"strategy,omitempty"`
}

func (h *Handler) handleUpdateCostConfig(w http.ResponseWriter, r *http.Request) {
	var update costConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.logger.Warnw("Invalid request body", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if update.Strategy != nil {
		strategy := costaware.Strategy(*update.Strategy)
		switch strategy {
		case costaware.StrategyAggressive, costaware.StrategyBalanced,
			costaware.StrategyPerformanceAware, costaware.StrategyDynamic:
			h.costRouter.SetStrategy(strategy)
		default:
			http.Error(w, "Unknown strategy", http.StatusBadRequest)
			return
		}
	}

	h.writeJSON(w, http.StatusOK, h.costRouter.Status())
}

func (h *Handler) handleStabilityCurrent(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.stability.Current())
}

func (h *Handler) handleStabilityReport(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.stability.EnhancedReport())
}

func (h *Handler) handleStabilityExport(w http.ResponseWriter, r *http.Request) {
	data, err := h.stability.ExportData()
	if err != nil {
		h.logger.Errorw("Failed to export stability data", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="stability-export.json"`)
	if _, err := w.Write(data); err != nil {
		h.logger.Errorw("Failed to write stability export", "error", err)
	}
}

func (h *Handler) handleBreakers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.controller.Breaker().AllMetrics())
}

func (h *Handler) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	h.controller.Breaker().ResetAll()
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "unknown"
	}
	h.auditor.LogSupportModeEvent("breaker_reset", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
	}, actor)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
