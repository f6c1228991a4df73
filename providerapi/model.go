// Package providerapi defines the uniform ProviderAdapter contract that
// every concrete LLM vendor adapter implements: a provider-agnostic
// request/response shape, a normalized error taxonomy, retry classification,
// and cost accounting. StepProcessor and PlanExecutor depend only on this
// package, never on a vendor SDK directly.
package providerapi

import "context"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ResponseFormat constrains how a provider should shape its output.
type ResponseFormat string

const (
	ResponseFormatText ResponseFormat = "text"
	ResponseFormatJSON ResponseFormat = "json"
)

type (
	// Message is one turn of the conversation sent to a provider.
	Message struct {
		Role    Role
		Content string
		// ToolCallID links a RoleTool message back to the ToolCall that
		// produced it, when Content carries a tool result.
		ToolCallID string
	}

	// ToolDefinition describes a callable the model may choose to invoke.
	// Name must match a tool registered in the active PersonalityInstance.
	ToolDefinition struct {
		Name        string
		Description string
		Parameters  map[string]any // JSON-schema-shaped parameter description
	}

	// ToolCall is a model-issued request to invoke a tool.
	ToolCall struct {
		ID        string
		Name      string
		Arguments map[string]any
	}

	// Options are recognized uniformly across providers. A provider that
	// cannot honor an option ignores it. CallMetrics.Ignored has room to name
	// such options, but none of the adapters in this module fill it in.
	Options struct {
		Temperature    float64
		MaxTokens      int
		TopP           float64
		Stop           []string
		Stream         bool
		ResponseFormat ResponseFormat
	}

	// Request is the provider-agnostic generation request.
	Request struct {
		Messages []Message
		Tools    []ToolDefinition
		Model    string
		Options  Options
	}

	// TokenUsage reports the token accounting for a single call.
	TokenUsage struct {
		PromptTokens     int
		CompletionTokens int
	}

	// CallMetrics captures the observability data attached to every
	// provider call, successful or not.
	CallMetrics struct {
		LatencyMS        int64
		PromptTokens     int
		CompletionTokens int
		CostUSD          float64
		Provider         string
		Model            string
		Attempts         int
		ErrorKind        string
		Ignored          []string
	}

	// Response is the provider-agnostic generation result.
	Response struct {
		Content      string
		ToolCalls    []ToolCall
		FinishReason string
		Usage        TokenUsage
		Metrics      CallMetrics
	}

	// EmbedRequest asks a provider to embed a batch of inputs.
	EmbedRequest struct {
		Inputs []string
		Model  string
	}

	// EmbedResponse returns one vector per input, in order.
	EmbedResponse struct {
		Vectors [][]float64
		Metrics CallMetrics
	}

	// ModerateRequest asks a provider to classify a single input.
	ModerateRequest struct {
		Input string
		Model string
	}

	// ModerateResponse reports moderation flags raised for the input.
	ModerateResponse struct {
		Flags   []string
		Metrics CallMetrics
	}
)

// Client is the uniform contract every concrete provider adapter
// implements. Embed and Moderate are optional: implementations that do not
// support them return ErrUnsupportedOperation.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error)
	Moderate(ctx context.Context, req ModerateRequest) (*ModerateResponse, error)
	// Name identifies the provider for pricing lookups and metrics tags.
	Name() string
}
