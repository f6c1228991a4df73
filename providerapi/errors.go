package providerapi

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ProviderError for retry and surfacing purposes.
type ErrorKind string

const (
	KindAuth        ErrorKind = "ProviderAuthError"
	KindBadRequest  ErrorKind = "ProviderBadRequestError"
	KindRateLimit   ErrorKind = "ProviderRateLimitError"
	KindTimeout     ErrorKind = "ProviderTimeoutError"
	KindAPIError    ErrorKind = "ProviderAPIError"
	KindUnavailable ErrorKind = "ProviderUnavailableError"
	KindUnknown     ErrorKind = "ProviderUnknownError"
)

// ErrUnsupportedOperation is returned by Embed/Moderate implementations that
// do not support the operation.
var ErrUnsupportedOperation = errors.New("provider: operation not supported")

// Error is the normalized error every concrete adapter returns from
// Generate/Embed/Moderate. The original vendor error is preserved in Raw for
// logging but is never surfaced to end users.
type Error struct {
	Kind     ErrorKind
	Message  string
	Provider string
	Raw      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Raw }

// New constructs a normalized provider Error.
func New(kind ErrorKind, provider, message string, raw error) *Error {
	return &Error{Kind: kind, Message: message, Provider: provider, Raw: raw}
}

// As extracts a *Error from err, following the standard errors.As contract.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// RetryClass distinguishes errors the caller should retry from those it
// should not.
type RetryClass int

const (
	Permanent RetryClass = iota
	Transient
)

// Classify maps a normalized provider Error (or any error) to a retry class.
// Errors that are not a *Error (e.g. context.DeadlineExceeded from the
// transport) are treated as Transient so a single unexpected transport
// hiccup doesn't fail a step outright.
func Classify(err error) RetryClass {
	pe, ok := As(err)
	if !ok {
		return Transient
	}
	switch pe.Kind {
	case KindRateLimit, KindTimeout, KindUnavailable:
		return Transient
	case KindAuth, KindBadRequest:
		return Permanent
	default:
		return Transient
	}
}
