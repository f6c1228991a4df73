package providerapi

import "fmt"

// Price is the per-token USD cost for a single model's input and output
// tokens. Providers typically publish prices per million tokens; callers
// should scale into per-token units when populating a PriceTable.
type Price struct {
	InPerToken  float64
	OutPerToken float64
}

// PriceTable maps provider -> model -> Price, populated from
// `providers.<name>.pricing.<model>` configuration.
type PriceTable map[string]map[string]Price

// Lookup returns the configured price for provider/model, or false if none
// is configured.
func (t PriceTable) Lookup(provider, model string) (Price, bool) {
	models, ok := t[provider]
	if !ok {
		return Price{}, false
	}
	p, ok := models[model]
	return p, ok
}

// Cost computes cost_usd = prompt_tokens * in_price + completion_tokens *
// out_price, per §4.2 and the §8 linearity invariant.
func (p Price) Cost(usage TokenUsage) float64 {
	return float64(usage.PromptTokens)*p.InPerToken + float64(usage.CompletionTokens)*p.OutPerToken
}

// MustCost is a convenience for call sites that already know pricing is
// configured (e.g. tests); it panics if it is not, so misuse is caught early
// rather than silently under-billing.
func (t PriceTable) MustCost(provider, model string, usage TokenUsage) float64 {
	p, ok := t.Lookup(provider, model)
	if !ok {
		panic(fmt.Sprintf("providerapi: no price configured for %s/%s", provider, model))
	}
	return p.Cost(usage)
}
