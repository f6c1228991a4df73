// Package bedrock implements providerapi.Client on top of AWS Bedrock's
// InvokeModel API, targeting Anthropic Claude models hosted on Bedrock (the
// most common Bedrock deployment for this runtime's workloads). The wire
// body follows Bedrock's "anthropic_version" message envelope, distinct from
// both the native Anthropic API and OpenAI's Chat Completions shape.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"

	"github.com/corvid-ai/agentruntime/providerapi"
)

type invokeModelClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModelID  string
	MaxTokens       int
	Temperature     float64
	AnthropicVersion string
	// Pricing supplies the per-token cost table used to populate
	// CallMetrics.CostUSD, looked up under the "bedrock" provider key.
	Pricing providerapi.PriceTable
}

// Client implements providerapi.Client backed by Bedrock InvokeModel.
type Client struct {
	rt              invokeModelClient
	defaultModelID  string
	maxTokens       int
	temperature     float64
	anthropicVersion string
	pricing         providerapi.PriceTable
}

// New builds an adapter from an existing Bedrock runtime client.
func New(rt invokeModelClient, opts Options) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModelID == "" {
		return nil, errors.New("bedrock: default model id is required")
	}
	if opts.AnthropicVersion == "" {
		opts.AnthropicVersion = "bedrock-2023-05-31"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Client{
		rt:               rt,
		defaultModelID:   opts.DefaultModelID,
		maxTokens:        opts.MaxTokens,
		temperature:      opts.Temperature,
		anthropicVersion: opts.AnthropicVersion,
		pricing:          opts.Pricing,
	}, nil
}

// Name identifies this provider for pricing/metrics.
func (c *Client) Name() string { return "bedrock" }

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeRequestBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature,omitempty"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type invokeResponseBody struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate issues an InvokeModel call and translates the response into the
// uniform providerapi shape.
func (c *Client) Generate(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModelID
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Options.Temperature
	if temp == 0 {
		temp = c.temperature
	}

	var system string
	var messages []bedrockMessage
	for _, m := range req.Messages {
		if m.Role == providerapi.RoleSystem {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == providerapi.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, bedrockMessage{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(invokeRequestBody{
		AnthropicVersion: c.anthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      temp,
		System:           system,
		Messages:         messages,
	})
	if err != nil {
		return nil, providerapi.New(providerapi.KindBadRequest, "bedrock", "failed to encode request body", err)
	}

	start := time.Now()
	out, err := c.rt.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	latency := time.Since(start)
	if err != nil {
		return nil, classifyError(err)
	}

	var respBody invokeResponseBody
	if err := json.Unmarshal(out.Body, &respBody); err != nil {
		return nil, providerapi.New(providerapi.KindAPIError, "bedrock", "failed to decode response body", err)
	}

	resp := &providerapi.Response{FinishReason: respBody.StopReason}
	for _, block := range respBody.Content {
		if block.Type == "text" {
			resp.Content += block.Text
		}
	}
	resp.Usage = providerapi.TokenUsage{
		PromptTokens:     respBody.Usage.InputTokens,
		CompletionTokens: respBody.Usage.OutputTokens,
	}
	resp.Metrics = providerapi.CallMetrics{
		LatencyMS:        latency.Milliseconds(),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Provider:         "bedrock",
		Model:            modelID,
		Attempts:         1,
	}
	if price, ok := c.pricing.Lookup(c.Name(), resp.Metrics.Model); ok {
		resp.Metrics.CostUSD = price.Cost(resp.Usage)
	}
	return resp, nil
}

// Embed is not implemented by this adapter.
func (c *Client) Embed(context.Context, providerapi.EmbedRequest) (*providerapi.EmbedResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}

// Moderate is not implemented by this adapter.
func (c *Client) Moderate(context.Context, providerapi.ModerateRequest) (*providerapi.ModerateResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}

// classifyError maps a smithy-go API error (AWS's equivalent of the
// Stainless statusCoder pattern used by the other adapters) into the
// providerapi taxonomy.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return providerapi.New(providerapi.KindRateLimit, "bedrock", "rate limited", err)
		case "AccessDeniedException", "UnrecognizedClientException":
			return providerapi.New(providerapi.KindAuth, "bedrock", "authentication failed", err)
		case "ValidationException":
			return providerapi.New(providerapi.KindBadRequest, "bedrock", "bad request", err)
		case "ServiceUnavailableException", "ModelTimeoutException":
			return providerapi.New(providerapi.KindUnavailable, "bedrock", "provider unavailable", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providerapi.New(providerapi.KindTimeout, "bedrock", "request timed out", err)
	}
	return providerapi.New(providerapi.KindAPIError, "bedrock", "unexpected error", err)
}
