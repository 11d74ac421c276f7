// Package bedrock adapts AWS Bedrock as a route backend for the relay
// core. Chat and embedding payloads map onto InvokeModel bodies; Bedrock
// error types map onto the relay's structural error kinds.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/executor"
)

// Config configures the Bedrock backend.
type Config struct {
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key,omitempty"`
	SecretKey    string `yaml:"secret_key,omitempty"`
	SessionToken string `yaml:"session_token,omitempty"`

	// Model invoked when the payload does not name one.
	DefaultModel string `yaml:"default_model"`
}

// Executor is the direct route backend over AWS Bedrock.
type Executor struct {
	config *Config
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	client *bedrockruntime.Client

	pending           int64
	consecutiveErrors int64
}

// New creates a Bedrock executor.
func New(config *Config, logger *zap.SugaredLogger) (*Executor, error) {
	e := &Executor{
		config: config,
		logger: logger,
	}
	client, err := e.buildClient(context.Background())
	if err != nil {
		return nil, err
	}
	e.client = client
	return e, nil
}

func (e *Executor) buildClient(ctx context.Context) (*bedrockruntime.Client, error) {
	region := e.config.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %v", err)
	}
	if e.config.AccessKey != "" && e.config.SecretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(
			e.config.AccessKey, e.config.SecretKey, e.config.SessionToken)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

// claudeMessage is the Bedrock Anthropic messages wire format.
type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int32           `json:"max_tokens"`
	Messages         []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding           []float64 `json:"embedding"`
	InputTextTokenCount int64     `json:"inputTextTokenCount"`
}

// RouteRequest executes one operation against Bedrock.
func (e *Executor) RouteRequest(ctx context.Context, request *relaycore.OperationRequest, opts executor.Options) (*relaycore.OperationResponse, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	atomic.AddInt64(&e.pending, 1)
	defer atomic.AddInt64(&e.pending, -1)

	var response *relaycore.OperationResponse
	var err error
	switch payload := request.Payload.(type) {
	case relaycore.ChatPayload:
		response, err = e.invokeChat(ctx, payload)
	case relaycore.EmbeddingPayload:
		response, err = e.invokeEmbedding(ctx, payload)
	default:
		return nil, relaycore.NewError(relaycore.KindInvalidInput,
			fmt.Sprintf("unsupported payload kind %q", request.PayloadKind()))
	}

	if err != nil {
		atomic.AddInt64(&e.consecutiveErrors, 1)
		return nil, err
	}
	atomic.StoreInt64(&e.consecutiveErrors, 0)
	response.Route = relaycore.RouteDirect
	return response, nil
}

func (e *Executor) invokeChat(ctx context.Context, payload relaycore.ChatPayload) (*relaycore.OperationResponse, error) {
	model := payload.Model
	if model == "" {
		model = e.config.DefaultModel
	}
	maxTokens := payload.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	messages := make([]claudeMessage, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		messages = append(messages, claudeMessage{Role: "user", Content: m})
	}
	body, err := json.Marshal(claudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
	})
	if err != nil {
		return nil, relaycore.WrapError(relaycore.KindInvalidInput, "failed to build chat payload", err)
	}

	output, err := e.invokeModel(ctx, model, body)
	if err != nil {
		return nil, err
	}

	var parsed claudeResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return nil, relaycore.WrapError(relaycore.KindInternal, "failed to parse chat response", err)
	}
	content := ""
	if len(parsed.Content) > 0 {
		content = parsed.Content[0].Text
	}
	return &relaycore.OperationResponse{
		Content: content,
		Model:   model,
		Usage: relaycore.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

func (e *Executor) invokeEmbedding(ctx context.Context, payload relaycore.EmbeddingPayload) (*relaycore.OperationResponse, error) {
	if len(payload.Input) == 0 {
		return nil, relaycore.NewError(relaycore.KindInvalidInput, "embedding input is empty")
	}
	model := payload.Model
	if model == "" {
		model = "amazon.titan-embed-text-v2:0"
	}

	var totalTokens int64
	var embeddings [][]float64
	for _, input := range payload.Input {
		body, err := json.Marshal(titanEmbedRequest{InputText: input})
		if err != nil {
			return nil, relaycore.WrapError(relaycore.KindInvalidInput, "failed to build embedding payload", err)
		}
		output, err := e.invokeModel(ctx, model, body)
		if err != nil {
			return nil, err
		}
		var parsed titanEmbedResponse
		if err := json.Unmarshal(output.Body, &parsed); err != nil {
			return nil, relaycore.WrapError(relaycore.KindInternal, "failed to parse embedding response", err)
		}
		embeddings = append(embeddings, parsed.Embedding)
		totalTokens += parsed.InputTextTokenCount
	}

	content, err := json.Marshal(embeddings)
	if err != nil {
		return nil, relaycore.WrapError(relaycore.KindInternal, "failed to encode embeddings", err)
	}
	return &relaycore.OperationResponse{
		Content: string(content),
		Model:   model,
		Usage: relaycore.Usage{
			InputTokens: totalTokens,
			TotalTokens: totalTokens,
		},
	}, nil
}

func (e *Executor) invokeModel(ctx context.Context, model string, body []byte) (*bedrockruntime.InvokeModelOutput, error) {
	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()

	output, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, classifyError(err)
	}
	return output, nil
}

// classifyError maps Bedrock error types onto the relay error taxonomy so
// the fallback controller's retry decisions stay structural.
func classifyError(err error) error {
	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return relaycore.WrapError(relaycore.KindValidation, "bedrock rejected request", err)
	}
	var accessDenied *types.AccessDeniedException
	if errors.As(err, &accessDenied) {
		return relaycore.WrapError(relaycore.KindAuthorization, "bedrock access denied", err)
	}
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return relaycore.WrapError(relaycore.KindRateLimit, "bedrock throttled request", err)
	}
	var modelTimeout *types.ModelTimeoutException
	if errors.As(err, &modelTimeout) {
		return relaycore.WrapError(relaycore.KindTimeout, "bedrock model timed out", err)
	}
	var notReady *types.ModelNotReadyException
	if errors.As(err, &notReady) {
		return relaycore.WrapError(relaycore.KindConnection, "bedrock model not ready", err)
	}
	var unavailable *types.ServiceUnavailableException
	if errors.As(err, &unavailable) {
		return relaycore.WrapError(relaycore.KindConnection, "bedrock unavailable", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return relaycore.WrapError(relaycore.KindTimeout, "bedrock call timed out", err)
	}
	return relaycore.WrapError(relaycore.KindConnection, "bedrock call failed", err)
}

// HealthStatus reports the backend's current health. Three consecutive
// failed invocations mark the backend unhealthy until one succeeds.
func (e *Executor) HealthStatus() executor.Health {
	pending := atomic.LoadInt64(&e.pending)
	return executor.Health{
		IsHealthy:         atomic.LoadInt64(&e.consecutiveErrors) < 3,
		QueueSize:         int(pending),
		PendingOperations: int(pending),
	}
}

// Reconnect rebuilds the Bedrock client with fresh credentials.
func (e *Executor) Reconnect(ctx context.Context) error {
	client, err := e.buildClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild bedrock client: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	atomic.StoreInt64(&e.consecutiveErrors, 0)
	e.logger.Infow("Bedrock client reconnected", "region", e.config.Region)
	return nil
}

var _ executor.RouteExecutor = (*Executor)(nil)
