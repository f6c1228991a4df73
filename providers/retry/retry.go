// Package retry implements the exponential-backoff-with-jitter retry policy
// StepProcessor applies around ProviderAdapter calls for transient failures
// (the adapters themselves make a single attempt), keeping the policy
// itself agnostic of which provider or error actually triggered a retry.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/corvid-ai/agentruntime/providerapi"
)

// Policy configures retry behavior for a single provider client.
type Policy struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy matches the spec's suggested defaults when configuration
// omits provider-specific retry tuning.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseBackoff: 250 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// Attempt represents one try of op, surfaced so callers can report how many
// attempts a step actually took in its metrics.
type Attempt struct {
	Count   int
	LastErr error
}

// Do runs op, retrying according to p whenever the returned error classifies
// as providerapi.Transient, up to p.MaxAttempts. It returns the last
// response/error pair and the number of attempts made.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, Attempt) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0 // bounded by MaxAttempts, not wall clock
	// NewExponentialBackOff already reset its current interval to the library
	// default; reset again so the first wait starts from p.BaseBackoff.
	b.Reset()

	attempt := Attempt{}
	var result T
	for {
		attempt.Count++
		res, err := op(ctx)
		if err == nil {
			return res, attempt
		}
		attempt.LastErr = err
		result = res

		if attempt.Count >= p.MaxAttempts {
			return result, attempt
		}
		if providerapi.Classify(err) != providerapi.Transient {
			return result, attempt
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return result, attempt
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			attempt.LastErr = ctx.Err()
			return result, attempt
		case <-timer.C:
		}
	}
}
