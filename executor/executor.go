// Package executor defines the contract the relay core uses to talk to
// route backends. Backends are black boxes: the core never inspects their
// wire formats, it only dispatches requests and observes typed outcomes.
package executor

import (
	"context"
	"time"

	"github.com/relaycore/relaycore"
)

// Options carries per-call execution parameters.
type Options struct {
	// Upper bound for the underlying call. A deadline exceeded is a
	// retryable failure like any network error.
	Timeout time.Duration

	// Operation type, forwarded so backends can prioritize.
	Priority relaycore.OperationType

	// Correlation ID threaded through audit events and logs.
	CorrelationID string
}

// Health describes a backend's current availability.
type Health struct {
	IsHealthy         bool `json:"is_healthy"`
	QueueSize         int  `json:"queue_size"`
	PendingOperations int  `json:"pending_operations"`
}

// RouteExecutor executes operations against one route backend.
type RouteExecutor interface {
	// RouteRequest executes a single operation. Errors should be typed
	// (*relaycore.Error) so retryability is structural.
	RouteRequest(ctx context.Context, request *relaycore.OperationRequest, opts Options) (*relaycore.OperationResponse, error)

	// HealthStatus returns the backend's current health snapshot.
	HealthStatus() Health

	// Reconnect re-establishes the backend connection after repeated
	// unhealthy checks.
	Reconnect(ctx context.Context) error
}
