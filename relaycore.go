package relaycore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Route identifies one of the interchangeable backends an operation can be
// dispatched through.
type Route string

const (
	// RouteDirect is the fast path straight to a model endpoint.
	RouteDirect Route = "direct"

	// RouteMCP is the secondary broker path with retry and backoff built in.
	RouteMCP Route = "mcp"

	// RouteFallback is reported by results that never reached the broker,
	// e.g. when the circuit breaker rejected the operation outright.
	RouteFallback Route = "fallback"
)

// OperationType classifies an operation for routing policy. Emergency
// operations are pinned to the performance-preferred route by the balanced
// cost strategy.
type OperationType string

const (
	OperationStandard    OperationType = "standard"
	OperationInteractive OperationType = "interactive"
	OperationBatch       OperationType = "batch"
	OperationSupport     OperationType = "support"
	OperationEmergency   OperationType = "emergency"
)

// OperationPayload is the tagged variant carried by an OperationRequest.
// Each payload kind implements the marker method so the router and fallback
// controller can switch on the concrete type instead of shape-checking
// loose maps.
type OperationPayload interface {
	payloadKind() string
}

// ChatPayload is a chat-completion style operation.
type ChatPayload struct {
	Model     string   `json:"model"`
	Messages  []string `json:"messages"`
	MaxTokens int32    `json:"max_tokens,omitempty"`
}

func (ChatPayload) payloadKind() string { return "chat" }

// EmbeddingPayload is an embedding operation.
type EmbeddingPayload struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

func (EmbeddingPayload) payloadKind() string { return "embedding" }

// SupportPayload is a support-mode maintenance operation.
type SupportPayload struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

func (SupportPayload) payloadKind() string { return "support" }

// OperationRequest is a single outbound AI operation.
type OperationRequest struct {
	Type    OperationType    `json:"type"`
	Payload OperationPayload `json:"payload"`
}

// PayloadKind returns the variant tag of the request payload, or "none".
func (r *OperationRequest) PayloadKind() string {
	if r == nil || r.Payload == nil {
		return "none"
	}
	return r.Payload.payloadKind()
}

// Usage reports token consumption for a completed operation.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// OperationResponse is the result of a successfully executed operation.
type OperationResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
	Route   Route  `json:"route"`
}

// ErrorKind is the structural error taxonomy shared by every route
// executor. Retryability is a property of the kind, never of the error
// message text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindInvalidInput
	KindTimeout
	KindConnection
	KindRateLimit
	KindCircuitOpen
	KindInternal
)

// String returns the stable wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindInvalidInput:
		return "invalid_input"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindRateLimit:
		return "rate_limit"
	case KindCircuitOpen:
		return "circuit_open"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this kind may be retried.
// Application errors (validation, auth, bad input) must surface
// immediately; everything else is treated as transient.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindValidation, KindAuthentication, KindAuthorization, KindInvalidInput:
		return false
	default:
		return true
	}
}

// Error is the typed error produced by route executors.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a typed error with the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf classifies an arbitrary error. Typed errors report their own kind;
// context deadline errors map to timeouts; anything else is unknown, which
// is retryable by default.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Retryable reports whether the error may be retried, as a structural
// property of its kind.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// HistoryEntry is one recorded operation outcome. Components keep a bounded
// FIFO ring of these for rolling metrics.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}
