// Package openai implements providerapi.Client on top of the OpenAI Chat
// Completions API.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/corvid-ai/agentruntime/providerapi"
	"github.com/corvid-ai/agentruntime/providers/internal/httperr"
)

type completionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
	// Pricing supplies the per-token cost table used to populate
	// CallMetrics.CostUSD. Lookups are keyed by Name(), so a table shared
	// across every adapter is safe to pass here.
	Pricing providerapi.PriceTable
	// Name overrides the provider name reported by Name() and used to key
	// Pricing lookups. Defaults to "openai"; providers/groq sets this to
	// "groq" since it is a thin wrapper around this same client.
	Name string
}

// Client implements providerapi.Client backed by Chat Completions.
type Client struct {
	chat         completionsClient
	defaultModel string
	maxTokens    int
	temperature  float64
	pricing      providerapi.PriceTable
	name         string
}

// New builds an adapter from an existing OpenAI chat-completions client.
func New(chat completionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat completions client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
		pricing:      opts.Pricing,
		name:         name,
	}, nil
}

// NewFromAPIKey constructs an adapter using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	sdkClient := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&sdkClient.Chat.Completions, opts)
}

// Name identifies this provider for pricing/metrics.
func (c *Client) Name() string { return c.name }

// Generate issues a non-streaming chat completion call.
func (c *Client) Generate(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	start := time.Now()
	params := c.buildParams(req)

	completion, err := c.chat.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, httperr.Classify("openai", err)
	}
	if len(completion.Choices) == 0 {
		return nil, providerapi.New(providerapi.KindAPIError, "openai", "empty choices in response", nil)
	}

	choice := completion.Choices[0]
	resp := &providerapi.Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: providerapi.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, providerapi.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
		})
	}
	resp.Metrics = providerapi.CallMetrics{
		LatencyMS:        latency.Milliseconds(),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Provider:         c.Name(),
		Model:            string(params.Model),
		Attempts:         1,
	}
	if price, ok := c.pricing.Lookup(c.Name(), resp.Metrics.Model); ok {
		resp.Metrics.CostUSD = price.Cost(resp.Usage)
	}
	return resp, nil
}

// Embed is not implemented by this adapter; it always returns
// providerapi.ErrUnsupportedOperation.
func (c *Client) Embed(context.Context, providerapi.EmbedRequest) (*providerapi.EmbedResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}

// Moderate is not implemented by this adapter.
func (c *Client) Moderate(context.Context, providerapi.ModerateRequest) (*providerapi.ModerateResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}

func (c *Client) buildParams(req providerapi.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Options.Temperature
	if temp == 0 {
		temp = c.temperature
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case providerapi.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case providerapi.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if temp > 0 {
		params.Temperature = openai.Float(temp)
	}
	if req.Options.ResponseFormat == providerapi.ResponseFormatJSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}
