package models

import (
	"fmt"
	"strings"
)

// ErrModelUnavailable reports a provider that cannot serve requests at all,
// e.g. a reverse proxy answering with plain text instead of the API.
type ErrModelUnavailable struct {
	Provider string
	Body     string
	Cause    error
}

func (e *ErrModelUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("model provider %s unavailable: %v", e.Provider, e.Cause)
	}
	if e.Body != "" {
		return fmt.Sprintf("model provider %s unavailable: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("model provider %s unavailable", e.Provider)
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

// HandleError converts common SDK errors to user-friendly errors.
func HandleError(err error) error {
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden") {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if containsAny(errStr, "429", "rate limit", "quota", "too many requests") {
		return fmt.Errorf("rate limited: %w", err)
	}

	if containsAny(errStr, "context length", "too many tokens", "max tokens", "token limit") {
		return fmt.Errorf("context too long: %w", err)
	}

	if containsAny(errStr, "model not found", "404", "not found") {
		return fmt.Errorf("model not found: %w", err)
	}

	if containsAny(errStr, "connection", "eof", "timeout", "dial", "refused") {
		return fmt.Errorf("connection error: %w", err)
	}

	return err
}

// IsTransient reports whether a completion failure is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return containsAny(errStr, "429", "rate limit", "too many requests",
		"connection", "eof", "timeout", "dial", "refused", "unavailable",
		"500", "502", "503", "504", "overloaded")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
