package providerapi_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/corvid-ai/agentruntime/providerapi"
)

func TestCostIsLinearInTokenCounts(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("cost = in*inPrice + out*outPrice", prop.ForAll(
		func(inTok, outTok int, inPrice, outPrice float64) bool {
			price := providerapi.Price{InPerToken: inPrice, OutPerToken: outPrice}
			usage := providerapi.TokenUsage{PromptTokens: inTok, CompletionTokens: outTok}
			got := price.Cost(usage)
			want := float64(inTok)*inPrice + float64(outTok)*outPrice
			return got == want
		},
		gen.IntRange(0, 1_000_000),
		gen.IntRange(0, 1_000_000),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestPriceTableLookupMiss(t *testing.T) {
	table := providerapi.PriceTable{}
	_, ok := table.Lookup("anthropic", "claude-x")
	assert.False(t, ok)
}

func TestClassifyRetryable(t *testing.T) {
	cases := map[providerapi.ErrorKind]providerapi.RetryClass{
		providerapi.KindRateLimit:   providerapi.Transient,
		providerapi.KindTimeout:     providerapi.Transient,
		providerapi.KindUnavailable: providerapi.Transient,
		providerapi.KindAuth:        providerapi.Permanent,
		providerapi.KindBadRequest:  providerapi.Permanent,
	}
	for kind, want := range cases {
		err := providerapi.New(kind, "anthropic", "boom", nil)
		assert.Equal(t, want, providerapi.Classify(err), "kind=%s", kind)
	}
}
