package routing

import (
	"context"

	"github.com/relaycore/relaycore"
)

// Decision is a baseline route selection produced before any cost
// adjustment.
type Decision struct {
	SelectedRoute relaycore.Route `json:"selected_route"`
	Reason        string          `json:"reason"`
}

// DecisionSource produces baseline routing decisions. The cost-aware
// router consumes one and may override its selection within the allowed
// performance budget.
type DecisionSource interface {
	MakeRoutingDecision(ctx context.Context, request *relaycore.OperationRequest, correlationID string) (*Decision, error)
}
