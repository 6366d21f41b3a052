// Package fault defines the error taxonomy shared by the pipeline runtime.
// Every failure that crosses a component boundary is classified exactly once,
// at the edge where it originates, and carried as an *Error from there on.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind discriminates failure classes. The retry loop and the HTTP layer
// dispatch on it; nothing inspects error strings.
type Kind string

const (
	// DialectTranslationFailed: a request or response could not be mapped
	// between a wire dialect and the canonical shape.
	DialectTranslationFailed Kind = "dialect_translation_failed"
	// NoRouteAvailable: the routing category resolved to an empty pool or
	// every candidate was excluded.
	NoRouteAvailable Kind = "no_route_available"
	// CredentialMissing: the vault has no binding for the requested
	// provider/key pair.
	CredentialMissing Kind = "credential_missing"
	// UpstreamBadRequest: the provider rejected the request with a
	// non-retriable 4xx.
	UpstreamBadRequest Kind = "upstream_bad_request"
	// UpstreamRateLimited: HTTP 429 from the provider. Drives failover.
	UpstreamRateLimited Kind = "upstream_rate_limited"
	// UpstreamUnavailable: 5xx or transport-level failure.
	UpstreamUnavailable Kind = "upstream_unavailable"
	// UpstreamTimeout: the exchange exceeded its deadline.
	UpstreamTimeout Kind = "upstream_timeout"
	// UpstreamMalformed: the provider returned 2xx with an unparsable body.
	UpstreamMalformed Kind = "upstream_malformed"
	// RateLimitExhausted: the retry budget ran out while every attempt was
	// rate limited.
	RateLimitExhausted Kind = "rate_limit_exhausted"
	// Cancelled: the client went away or the request context was cancelled.
	Cancelled Kind = "cancelled"
	// StreamCommitted: a retry was attempted after the first SSE event had
	// been written to the client. Always a bug in the caller.
	StreamCommitted Kind = "stream_committed"
)

// Error is the single error type crossing component boundaries. Optional
// fields stay zero when they do not apply. Message must never contain
// credential material; the adapter sanitises provider text before filling it.
type Error struct {
	Kind    Kind
	Message string

	// Origin tagging, filled by the pipeline instance.
	PipelineID string
	Stage      string
	RequestID  string

	Provider string
	Model    string

	// Upstream detail.
	Status      int
	RetryAfter  time.Duration
	Fingerprint string // credential fingerprint, never the secret
	Elapsed     time.Duration

	// Retry-loop summary, filled by the manager on exhaustion.
	Attempts int
	Tried    []string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.PipelineID != "" {
		fmt.Fprintf(&b, " (pipeline=%s", e.PipelineID)
		if e.Stage != "" {
			fmt.Fprintf(&b, " stage=%s", e.Stage)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match against a bare kind sentinel, e.g.
// errors.Is(err, &Error{Kind: UpstreamRateLimited}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// As extracts the *Error from an error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or the empty Kind for foreign errors.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether the retry loop may select another candidate
// after this failure.
func (k Kind) Retryable() bool {
	switch k {
	case UpstreamRateLimited, UpstreamUnavailable, UpstreamTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code written to the client.
func HTTPStatus(err error) int {
	fe, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case DialectTranslationFailed, UpstreamBadRequest:
		return http.StatusBadRequest
	case NoRouteAvailable:
		return http.StatusServiceUnavailable
	case CredentialMissing, StreamCommitted:
		return http.StatusInternalServerError
	case UpstreamRateLimited, RateLimitExhausted:
		return http.StatusTooManyRequests
	case UpstreamUnavailable, UpstreamMalformed:
		return http.StatusBadGateway
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		// Client closed request; nginx convention.
		return 499
	}
	return http.StatusInternalServerError
}

// FromContext classifies a context error after an exchange was cut short.
func FromContext(err error, elapsed time.Duration) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:    UpstreamTimeout,
			Message: fmt.Sprintf("deadline exceeded after %dms", elapsed.Milliseconds()),
			Elapsed: elapsed,
			Err:     err,
		}
	}
	return &Error{Kind: Cancelled, Message: "request cancelled", Elapsed: elapsed, Err: err}
}
