package models

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a chat driver failure.
type Kind string

const (
	KindAuth          Kind = "auth"
	KindRateLimited   Kind = "rate_limited"
	KindContextLength Kind = "context_length"
	KindModelNotFound Kind = "model_not_found"
	KindConnection    Kind = "connection"
)

// ProviderError wraps an SDK error from one of the chat drivers with its
// classified kind, so callers can branch on the failure class without
// parsing provider-specific messages.
type ProviderError struct {
	Kind Kind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind.describe(), e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the turn unchanged could succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindConnection
}

func (k Kind) describe() string {
	switch k {
	case KindAuth:
		return "authentication failed"
	case KindRateLimited:
		return "rate limited"
	case KindContextLength:
		return "context too long"
	case KindModelNotFound:
		return "model not found"
	case KindConnection:
		return "connection error"
	}
	return string(k)
}

// classifiers covers the error shapes seen from the openai, claude and ollama
// drivers. Checked in order: status-code fragments sit ahead of the looser
// keyword matches ("overloaded" and "prompt is too long" are claude phrasings,
// "refused" is the usual ollama-not-running symptom).
var classifiers = []struct {
	kind  Kind
	marks []string
}{
	{KindAuth, []string{"401", "403", "unauthorized", "invalid api key", "api key", "forbidden"}},
	{KindRateLimited, []string{"429", "rate limit", "quota", "too many requests", "overloaded"}},
	{KindContextLength, []string{"context length", "too many tokens", "max tokens", "token limit", "prompt is too long"}},
	{KindModelNotFound, []string{"model not found", "404", "not found"}},
	{KindConnection, []string{"connection", "eof", "timeout", "dial", "refused"}},
}

// HandleError classifies a driver error into a ProviderError. Unrecognized
// errors pass through unchanged; already-classified errors are not rewrapped.
func HandleError(err error) error {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, c := range classifiers {
		for _, mark := range c.marks {
			if strings.Contains(msg, mark) {
				return &ProviderError{Kind: c.kind, Err: err}
			}
		}
	}
	return err
}
