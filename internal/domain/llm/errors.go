package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind is the normalized provider error taxonomy.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "rate_limit_exceeded"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindTimeout             ErrorKind = "timeout"
)

// ErrAllProvidersUnavailable is returned when every ranked model is
// unhealthy or has been exhausted.
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

// ErrUnknownProvider is returned when a request names an unregistered provider.
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderError is the single error surface of every provider adapter.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	Model      string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Provider, e.Model, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the error kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindTimeout || k == KindProviderUnavailable
}

// KindOf returns the taxonomy kind of err, or "" when err is not a
// provider error.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// KindFromStatus maps an HTTP status code to the taxonomy.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindProviderUnavailable
	case status >= 400:
		return KindInvalidRequest
	}
	return KindProviderUnavailable
}

// NewStatusError builds a ProviderError from an HTTP response status and
// its headers.
func NewStatusError(provider, model string, status int, header http.Header, err error) *ProviderError {
	pe := &ProviderError{
		Kind:       KindFromStatus(status),
		Provider:   provider,
		Model:      model,
		StatusCode: status,
		Err:        err,
	}
	if header != nil {
		pe.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return pe
}

// NewTransportError classifies an error returned before any HTTP status
// was received.
func NewTransportError(provider, model string, err error) *ProviderError {
	kind := KindProviderUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &ProviderError{Kind: kind, Provider: provider, Model: model, Err: err}
}

// ParseRetryAfter accepts delta-seconds or an HTTP date and returns the
// wait duration. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
