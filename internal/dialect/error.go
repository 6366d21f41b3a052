package dialect

import (
	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
)

// ErrorBody renders an error as the JSON error object of the client's
// dialect. The message is the fault's curated message when one exists, not
// the wrapped cause chain.
func ErrorBody(d pipeline.Dialect, err error) map[string]any {
	kind := fault.KindOf(err)
	if kind == "" {
		kind = "internal_error"
	}
	message := "internal error"
	if fe, ok := fault.As(err); ok && fe.Message != "" {
		message = fe.Message
	} else if err != nil {
		message = err.Error()
	}

	if d == pipeline.DialectAnthropic {
		return map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    anthropicErrorType(kind),
				"message": message,
			},
		}
	}

	// Chat and Responses share the OpenAI error envelope.
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    openaiErrorType(kind),
			"code":    string(kind),
		},
	}
}

func openaiErrorType(kind fault.Kind) string {
	switch kind {
	case fault.DialectTranslationFailed, fault.UpstreamBadRequest:
		return "invalid_request_error"
	case fault.CredentialMissing:
		return "authentication_error"
	case fault.UpstreamRateLimited, fault.RateLimitExhausted:
		return "rate_limit_error"
	case fault.UpstreamTimeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}

func anthropicErrorType(kind fault.Kind) string {
	switch kind {
	case fault.DialectTranslationFailed, fault.UpstreamBadRequest:
		return "invalid_request_error"
	case fault.CredentialMissing:
		return "authentication_error"
	case fault.UpstreamRateLimited, fault.RateLimitExhausted:
		return "rate_limit_error"
	case fault.UpstreamUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}
