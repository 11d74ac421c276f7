package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/audit"
	"github.com/relaycore/relaycore/costaware"
	"github.com/relaycore/relaycore/executor"
	"github.com/relaycore/relaycore/fallback"
	"github.com/relaycore/relaycore/monitoring"
	"github.com/relaycore/relaycore/relay"
	"github.com/relaycore/relaycore/routing"
	"github.com/relaycore/relaycore/stability"
	"github.com/relaycore/relaycore/state"
)

type okBackend struct{}

func (okBackend) RouteRequest(ctx context.Context, request *relaycore.OperationRequest, opts executor.Options) (*relaycore.OperationResponse, error) {
	return &relaycore.OperationResponse{Content: "ok", Route: relaycore.RouteMCP}, nil
}

func (okBackend) HealthStatus() executor.Health {
	return executor.Health{IsHealthy: true}
}

func (okBackend) Reconnect(ctx context.Context) error { return nil }

func newTestHandler(t *testing.T) *Handler {
	logger := zaptest.NewLogger(t).Sugar()
	auditor := audit.NewLogger(audit.DefaultConfig(), logger)
	states, cleanup := state.NewMemoryManager(1 << 20)
	t.Cleanup(cleanup)

	backend := okBackend{}
	engine := routing.NewEngine(nil, logger)
	engine.RegisterRoute(relaycore.RouteDirect, backend)
	engine.RegisterRoute(relaycore.RouteMCP, backend)

	controller := fallback.NewController(fallback.DefaultConfig(), backend, states, auditor, logger)
	costRouter := costaware.NewRouter(costaware.DefaultConfig(), engine, states, auditor, logger)
	stabilityMonitor := stability.NewMonitor(stability.DefaultConfig(), auditor, logger)
	metrics, err := monitoring.NewManager(&monitoring.Config{
		Enabled: true,
		Prometheus: &monitoring.PrometheusConfig{
			Enabled:   true,
			Namespace: "relay",
		},
	}, logger)
	require.NoError(t, err)

	relayService := relay.NewService(nil, engine, costRouter, controller, stabilityMonitor, metrics, logger)
	return NewHandler(relayService, controller, costRouter, stabilityMonitor, metrics, auditor, logger)
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestExecuteOperationEndpoint(t *testing.T) {
	routes := newTestHandler(t).Routes()

	body := `{"type":"standard","payload":{"kind":"chat","model":"m","messages":["hi"]}}`
	recorder := doRequest(t, routes, http.MethodPost, "/v1/relay/operations", body)
	require.Equal(t, http.StatusOK, recorder.Code)

	var result relay.Result
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result))
	assert.NotEmpty(t, result.CorrelationID)
	assert.NotNil(t, result.Response)
	assert.Equal(t, "ok", result.Response.Content)
}

func TestExecuteOperationEndpoint_RejectsBadPayload(t *testing.T) {
	routes := newTestHandler(t).Routes()

	recorder := doRequest(t, routes, http.MethodPost, "/v1/relay/operations", `{"type":"standard"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	body := `{"type":"standard","payload":{"kind":"mystery"}}`
	recorder = doRequest(t, routes, http.MethodPost, "/v1/relay/operations", body)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestFallbackMetricsEndpoint(t *testing.T) {
	routes := newTestHandler(t).Routes()

	recorder := doRequest(t, routes, http.MethodGet, "/v1/relay/fallback/metrics", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var metrics fallback.Metrics
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &metrics))
	assert.Equal(t, int64(0), metrics.TotalOperations)
	assert.Equal(t, "A", metrics.ReliabilityGrade)
}

func TestFallbackHealthEndpoint(t *testing.T) {
	routes := newTestHandler(t).Routes()

	recorder := doRequest(t, routes, http.MethodGet, "/v1/relay/fallback/health", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var health fallback.HealthSnapshot
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &health))
	assert.True(t, health.Enabled)
	assert.False(t, health.EmergencyMode)
}

func TestReliabilityTargetsEndpoint(t *testing.T) {
	routes := newTestHandler(t).Routes()

	recorder := doRequest(t, routes, http.MethodGet, "/v1/relay/fallback/targets", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var targets map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &targets))
	assert.Contains(t, targets, "targets_met")
}

func TestCostStatusAndConfigUpdate(t *testing.T) {
	routes := newTestHandler(t).Routes()

	recorder := doRequest(t, routes, http.MethodGet, "/v1/relay/cost/status", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, "balanced", status["strategy"])

	recorder = doRequest(t, routes, http.MethodPatch, "/v1/relay/cost/config", `{"strategy":"aggressive"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, "aggressive", status["strategy"])

	recorder = doRequest(t, routes, http.MethodPatch, "/v1/relay/cost/config", `{"strategy":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestStabilityEndpoints(t *testing.T) {
	routes := newTestHandler(t).Routes()

	recorder := doRequest(t, routes, http.MethodGet, "/v1/relay/stability/current", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var snapshot stability.Snapshot
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &snapshot))
	assert.GreaterOrEqual(t, snapshot.Score, 0.0)
	assert.LessOrEqual(t, snapshot.Score, 1.0)

	recorder = doRequest(t, routes, http.MethodGet, "/v1/relay/stability/report", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = doRequest(t, routes, http.MethodGet, "/v1/relay/stability/export", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Header().Get("Content-Disposition"), "stability-export.json")
}

func TestBreakerEndpoints(t *testing.T) {
	routes := newTestHandler(t).Routes()

	recorder := doRequest(t, routes, http.MethodGet, "/v1/relay/breakers", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = doRequest(t, routes, http.MethodPost, "/v1/relay/breakers/reset", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "reset", body["status"])
}

func TestMetricsEndpointMounted(t *testing.T) {
	routes := newTestHandler(t).Routes()

	recorder := doRequest(t, routes, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	routes := newTestHandler(t).Routes()

	recorder := doRequest(t, routes, http.MethodDelete, "/v1/relay/fallback/metrics", "")
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}
