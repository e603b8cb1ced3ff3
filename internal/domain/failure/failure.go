// Package failure maps internal errors onto the structured error record
// stored on steps, runs and jobs and returned to API clients.
package failure

import (
	"context"
	"errors"

	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/agent"
	"github.com/Strob0t/ContentForge/internal/domain/llm"
)

// Kind is the machine-readable error code exposed to clients.
type Kind string

const (
	KindValidation              Kind = "validation_error"
	KindRateLimited             Kind = "rate_limit_exceeded"
	KindInvalidRequest          Kind = "invalid_request"
	KindProviderUnavailable     Kind = "provider_unavailable"
	KindTimeout                 Kind = "timeout"
	KindAllProvidersUnavailable Kind = "all_providers_unavailable"
	KindAgentFailure            Kind = "agent_failure"
	KindAgentTimeout            Kind = "agent_timeout"
	KindExternalAPI             Kind = "external_api_error"
	KindMediaProcessing         Kind = "media_processing_error"
	KindJobExpired              Kind = "job_expired"
	KindDeadLettered            Kind = "dead_lettered"
	KindCancelled               Kind = "cancelled"
	KindInternal                Kind = "internal_error"
)

// Record is the persisted and user-visible form of an error.
type Record struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Error lets a Record travel as an error value.
func (r *Record) Error() string { return string(r.Kind) + ": " + r.Message }

// Typed errors raised by collaborators that are not model providers.
var (
	ErrExternalAPI     = errors.New("external api error")
	ErrMediaProcessing = errors.New("media processing error")
	ErrJobExpired      = errors.New("job lease expired after final attempt")
	ErrCancelled       = errors.New("cancelled")
)

// Permanent wraps an error that must not be retried by the job queue.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// IsPermanent reports whether err was marked permanent or is a kind that
// no amount of redelivery can fix.
func IsPermanent(err error) bool {
	var p *Permanent
	if errors.As(err, &p) {
		return true
	}
	var ve *agent.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return errors.Is(err, domain.ErrValidation) || llm.KindOf(err) == llm.KindInvalidRequest
}

// Classify returns the record for err. The most specific cause wins, so an
// agent failure caused by exhausted providers reports the provider state.
func Classify(err error) Record {
	if err == nil {
		return Record{}
	}
	var rec *Record
	if errors.As(err, &rec) {
		return *rec
	}
	msg := err.Error()

	var ve *agent.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, domain.ErrValidation):
		return Record{Kind: KindValidation, Message: msg}
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return Record{Kind: KindCancelled, Message: msg}
	case errors.Is(err, agent.ErrAgentTimeout):
		return Record{Kind: KindAgentTimeout, Message: msg}
	case errors.Is(err, llm.ErrAllProvidersUnavailable):
		return Record{Kind: KindAllProvidersUnavailable, Message: msg}
	case errors.Is(err, ErrJobExpired):
		return Record{Kind: KindJobExpired, Message: msg}
	case errors.Is(err, ErrMediaProcessing):
		return Record{Kind: KindMediaProcessing, Message: msg}
	case errors.Is(err, ErrExternalAPI):
		return Record{Kind: KindExternalAPI, Message: msg}
	}

	var fe *agent.FailureError
	isAgent := errors.As(err, &fe)
	switch llm.KindOf(err) {
	case llm.KindRateLimited:
		if !isAgent {
			return Record{Kind: KindRateLimited, Message: msg}
		}
	case llm.KindInvalidRequest:
		return Record{Kind: KindInvalidRequest, Message: msg}
	case llm.KindTimeout:
		if !isAgent {
			return Record{Kind: KindTimeout, Message: msg}
		}
	case llm.KindProviderUnavailable:
		if !isAgent {
			return Record{Kind: KindProviderUnavailable, Message: msg}
		}
	}
	if isAgent {
		return Record{Kind: KindAgentFailure, Message: msg}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Record{Kind: KindTimeout, Message: msg}
	}
	return Record{Kind: KindInternal, Message: msg}
}
