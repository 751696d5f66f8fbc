package agent

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind categorizes a failure for clients and for the loop's propagation
// policy. Transient provider errors are retried; everything else is
// surfaced immediately.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindUnauthorized         Kind = "unauthorized"
	KindProviderTransient    Kind = "provider_transient"
	KindProviderPermanent    Kind = "provider_permanent"
	KindToolError            Kind = "tool_error"
	KindToolTimeout          Kind = "tool_timeout"
	KindStepLimit            Kind = "step_limit"
	KindToolLimit            Kind = "tool_limit"
	KindTurnTimeout          Kind = "turn_timeout"
	KindBudgetExceeded       Kind = "budget_exceeded"
	KindContextOverflowFixed Kind = "context_overflow_fixed"
	KindSummarizationFailed  Kind = "summarization_failed"
	KindStorageError         Kind = "storage_error"
)

// Error is a categorized failure. Kind drives the propagation policy;
// Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E creates a categorized error with a client-visible message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap categorizes an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind, defaulting to storage_error for
// uncategorized failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageError
}

// IsTransient reports whether the loop should retry the operation.
func IsTransient(err error) bool {
	return KindOf(err) == KindProviderTransient
}

// ClassifyProviderError maps a provider call failure onto the taxonomy.
// Status 0 means the request never got an HTTP response.
func ClassifyProviderError(statusCode int, err error) *Error {
	switch {
	case statusCode == 401 || statusCode == 403:
		return Wrap(KindUnauthorized, "provider rejected credentials", err)
	case statusCode == 429 || statusCode >= 500:
		return Wrap(KindProviderTransient, fmt.Sprintf("provider returned %d", statusCode), err)
	case statusCode >= 400:
		return Wrap(KindProviderPermanent, fmt.Sprintf("provider returned %d", statusCode), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindProviderTransient, "network error", err)
	}
	msg := strings.ToLower(errMessage(err))
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, marker) {
			return Wrap(KindProviderTransient, "network error", err)
		}
	}
	return Wrap(KindProviderPermanent, "provider call failed", err)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
