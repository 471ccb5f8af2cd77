// Package provider defines the ranking providers the recommendation chain
// walks: an openai-compatible HTTP client, a deterministic mock, and the
// terminal default that never fails.
package provider

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"codetop/internal/candidate"
	"codetop/internal/domain"
)

// Provider ranks a candidate pool for one user.
type Provider interface {
	Name() string
	Rank(ctx context.Context, req Request, pool []candidate.Problem) (*Result, error)
}

// Request carries the per-request context a provider needs. Profile hints
// are flattened so providers stay decoupled from the profiler.
type Request struct {
	UserID          int64
	Limit           int
	Objective       string
	PromptVersion   string
	TraceID         string
	WeakDomains     []string
	StrongDomains   []string
	LearningPattern string
	PreferredLevel  string
}

// Item is one ranked recommendation.
type Item struct {
	ProblemID int64   `json:"problemId"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
}

// Result is a provider's answer. Busy marks the service-busy sentinel
// from the terminal provider.
type Result struct {
	Provider string
	Model    string
	Items    []Item
	Busy     bool
}

// ErrInvalidResponse marks a provider reply that could not be parsed into
// ranked items.
var ErrInvalidResponse = errors.New("invalid provider response")

// Error classes drive onErrorsToNext matching and fallback reasons.
const (
	ClassTimeout         = "TIMEOUT"
	ClassRateLimited     = "RATE_LIMITED"
	ClassCircuitOpen     = "CIRCUIT_OPEN"
	ClassInvalidResponse = "INVALID_RESPONSE"
	ClassProviderError   = "PROVIDER_ERROR"
)

// ClassOf maps an invocation error to its class.
func ClassOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ClassCircuitOpen
	case errors.Is(err, domain.ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrInvalidResponse):
		return ClassInvalidResponse
	default:
		return ClassProviderError
	}
}
