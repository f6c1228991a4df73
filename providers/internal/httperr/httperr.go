// Package httperr classifies vendor SDK errors into the providerapi error
// taxonomy by HTTP status code, shared by every concrete provider adapter so
// the classification rules live in exactly one place.
package httperr

import (
	"context"
	"errors"
	"fmt"

	"github.com/corvid-ai/agentruntime/providerapi"
)

// statusCoder is the duck-typed shape Stainless-generated SDK errors (both
// anthropic-sdk-go and openai-go are) expose for their HTTP status.
type statusCoder interface {
	StatusCode() int
}

// Classify maps err into a *providerapi.Error for the named provider,
// inspecting its HTTP status code when available and falling back to
// context-deadline / generic classification otherwise.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		switch status := sc.StatusCode(); {
		case status == 401 || status == 403:
			return providerapi.New(providerapi.KindAuth, provider, "authentication failed", err)
		case status == 429:
			return providerapi.New(providerapi.KindRateLimit, provider, "rate limited", err)
		case status == 408:
			return providerapi.New(providerapi.KindTimeout, provider, "request timed out", err)
		case status >= 500:
			return providerapi.New(providerapi.KindUnavailable, provider, "provider unavailable", err)
		case status >= 400:
			return providerapi.New(providerapi.KindBadRequest, provider, "bad request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providerapi.New(providerapi.KindTimeout, provider, "request timed out", err)
	}
	return providerapi.New(providerapi.KindAPIError, provider, fmt.Sprintf("unexpected error: %v", err), err)
}
