// Package groq implements providerapi.Client for Groq's OpenAI-compatible
// chat completions endpoint, reusing the OpenAI Go SDK pointed at Groq's
// base URL rather than a bespoke client.
package groq

import (
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/corvid-ai/agentruntime/providerapi"
	"github.com/corvid-ai/agentruntime/providers/openai"
)

const defaultBaseURL = "https://api.groq.com/openai/v1"

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
	// BaseURL overrides the Groq API endpoint; defaults to defaultBaseURL.
	BaseURL string
	// Pricing supplies the per-token cost table used to populate
	// CallMetrics.CostUSD, looked up under the "groq" provider key.
	Pricing providerapi.PriceTable
}

// NewFromAPIKey constructs a Groq-backed adapter. Groq exposes an
// OpenAI-compatible Chat Completions API, so this package is a thin wrapper
// around providers/openai.Client configured with Groq's base URL, following
// the spec's "concrete OpenAI/Anthropic/Groq" requirement without a
// duplicate vendor SDK.
func NewFromAPIKey(apiKey string, opts Options) (*openai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("groq: api key is required")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	sdkClient := sdk.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL))
	return openai.New(&sdkClient.Chat.Completions, openai.Options{
		DefaultModel: opts.DefaultModel,
		MaxTokens:    opts.MaxTokens,
		Temperature:  opts.Temperature,
		Pricing:      opts.Pricing,
		Name:         "groq",
	})
}
