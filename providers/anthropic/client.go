// Package anthropic implements providerapi.Client on top of Anthropic's
// Claude Messages API.
package anthropic

import (
	"context"
	"errors"
	"regexp"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/corvid-ai/agentruntime/providerapi"
	"github.com/corvid-ai/agentruntime/providers/internal/httperr"
)

// messagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a fake.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
	// Pricing supplies the per-token cost table used to populate
	// CallMetrics.CostUSD. Lookups are keyed by this adapter's Name(), so a
	// table shared across every adapter is safe to pass here.
	Pricing providerapi.PriceTable
}

// Client implements providerapi.Client backed by Claude Messages.
type Client struct {
	msg          messagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
	pricing      providerapi.PriceTable
}

// New builds an adapter from an existing Anthropic Messages client.
func New(msg messagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature, pricing: opts.Pricing}, nil
}

// NewFromAPIKey constructs an adapter using the default Anthropic HTTP
// client, reading credentials from apiKey.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	sdkClient := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&sdkClient.Messages, opts)
}

// Name identifies this provider for pricing/metrics.
func (c *Client) Name() string { return "anthropic" }

// Generate issues a non-streaming Messages.New call and translates the
// response into the uniform providerapi shape.
func (c *Client) Generate(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	start := time.Now()
	params := c.buildParams(req)

	msg, err := c.msg.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, httperr.Classify("anthropic", err)
	}

	resp := translateResponse(msg)
	resp.Metrics = providerapi.CallMetrics{
		LatencyMS:        latency.Milliseconds(),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Provider:         "anthropic",
		Model:            string(params.Model),
		Attempts:         1,
	}
	if price, ok := c.pricing.Lookup(c.Name(), resp.Metrics.Model); ok {
		resp.Metrics.CostUSD = price.Cost(resp.Usage)
	}
	return resp, nil
}

// Embed is not supported by the Messages API.
func (c *Client) Embed(context.Context, providerapi.EmbedRequest) (*providerapi.EmbedResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}

// Moderate is not supported by Anthropic through this adapter.
func (c *Client) Moderate(context.Context, providerapi.ModerateRequest) (*providerapi.ModerateResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}

func (c *Client) buildParams(req providerapi.Request) sdk.MessageNewParams {
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

	var system string
	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case providerapi.RoleSystem:
			system = m.Content
		case providerapi.RoleUser:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case providerapi.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return params
}

func translateResponse(msg *sdk.Message) *providerapi.Response {
	resp := &providerapi.Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, providerapi.ToolCall{
				ID:   block.ID,
				Name: sanitizeToolName(block.Name),
			})
		}
	}
	resp.FinishReason = string(msg.StopReason)
	resp.Usage = providerapi.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}

var unsafeToolNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeToolName mirrors the charset Anthropic tool names are restricted
// to, so a hallucinated or oddly-cased tool name still round-trips to a
// usable lookup key instead of erroring deep inside StepProcessor.
func sanitizeToolName(name string) string {
	return unsafeToolNameChars.ReplaceAllString(name, "_")
}

