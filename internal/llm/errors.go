package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderError is a classified failure from an LLM backend. Kind drives the
// run controller's failure handling and the retry decision.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Code       string
	Message    string
	Kind       ErrorKind
	Cause      error
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	// KindRateLimited covers 429s and throttling; retryable.
	KindRateLimited ErrorKind = "rate_limited"
	// KindServer covers 5xx and transport failures; retryable.
	KindServer ErrorKind = "server"
	// KindTimeout covers deadline and idle-stream expiry; retryable.
	KindTimeout ErrorKind = "timeout"
	// KindContextWindow means the prompt exceeded the model's window.
	KindContextWindow ErrorKind = "context_window"
	// KindBilling means the account is out of credit or quota.
	KindBilling ErrorKind = "billing"
	// KindContentPolicy means the request was refused by safety systems.
	KindContentPolicy ErrorKind = "content_policy"
	// KindInvalid covers bad requests and auth failures; not retryable.
	KindInvalid ErrorKind = "invalid"
)

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, msg, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is worth retrying with backoff.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServer, KindTimeout:
		return true
	}
	return false
}

// Classify wraps err as a ProviderError, inferring the kind from the status
// code and message text.
func Classify(provider, model string, statusCode int, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	out := &ProviderError{
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
		Cause:      err,
		Kind:       classifyKind(statusCode, err),
	}
	if err != nil {
		out.Message = err.Error()
	}
	return out
}

func classifyKind(statusCode int, err error) ErrorKind {
	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}

	switch {
	case statusCode == 429 || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "maximum context length"):
		return KindContextWindow
	case statusCode == 402 ||
		strings.Contains(msg, "insufficient_quota") ||
		strings.Contains(msg, "billing") ||
		strings.Contains(msg, "credit balance"):
		return KindBilling
	case strings.Contains(msg, "content_policy") ||
		strings.Contains(msg, "content policy") ||
		strings.Contains(msg, "refused by safety"):
		return KindContentPolicy
	case statusCode >= 500,
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "overloaded"):
		return KindServer
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	default:
		return KindInvalid
	}
}

// IsRetryable reports whether err, if it is a ProviderError, is retryable.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// KindOf extracts the ErrorKind from err, or KindInvalid for foreign errors.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInvalid
}
