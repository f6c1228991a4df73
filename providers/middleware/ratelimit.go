// Package middleware provides reusable providerapi.Client middlewares, in
// particular an adaptive client-side rate limiter.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/corvid-ai/agentruntime/providerapi"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front of
// a providerapi.Client. It estimates the token cost of each request, blocks
// callers until capacity is available, and shrinks its effective
// tokens-per-minute budget whenever the wrapped client reports a rate limit
// error, recovering gradually on success.
//
// The limiter is process-local: it has no cross-process coordination, which
// matches this runtime's single-process deployment model (see DESIGN.md).
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a providerapi.Client that enforces this limiter's budget
// before delegating to next.
func (l *AdaptiveRateLimiter) Wrap(next providerapi.Client) providerapi.Client {
	return &limitedClient{next: next, limiter: l}
}

type limitedClient struct {
	next    providerapi.Client
	limiter *AdaptiveRateLimiter
}

func (c *limitedClient) Name() string { return c.next.Name() }

func (c *limitedClient) Generate(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	if err := c.limiter.wait(ctx, estimateRequestTokens(req)); err != nil {
		return nil, err
	}
	resp, err := c.next.Generate(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) Embed(ctx context.Context, req providerapi.EmbedRequest) (*providerapi.EmbedResponse, error) {
	if err := c.limiter.wait(ctx, estimateTextTokens(req.Inputs...)); err != nil {
		return nil, err
	}
	resp, err := c.next.Embed(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) Moderate(ctx context.Context, req providerapi.ModerateRequest) (*providerapi.ModerateResponse, error) {
	if err := c.limiter.wait(ctx, estimateTextTokens(req.Input)); err != nil {
		return nil, err
	}
	resp, err := c.next.Moderate(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, tokens int) error {
	return l.limiter.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	var pe *providerapi.Error
	if errors.As(err, &pe) && pe.Kind == providerapi.KindRateLimit {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM must be called with mu held.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateRequestTokens computes a cheap heuristic for the number of tokens
// in a request's message transcript.
func estimateRequestTokens(req providerapi.Request) int {
	texts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		texts = append(texts, m.Content)
	}
	return estimateTextTokens(texts...)
}

func estimateTextTokens(texts ...string) int {
	charCount := 0
	for _, s := range texts {
		charCount += len(s)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
