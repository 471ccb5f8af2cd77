package provider

import (
	"context"
	"fmt"
	"time"

	"codetop/internal/candidate"
)

// Mock is a deterministic provider for local runs and tests. With no
// overrides it scores candidates by how much their memory has decayed.
type Mock struct {
	// NodeName defaults to "mock".
	NodeName string
	// Err, when set, fails every invocation.
	Err error
	// Delay simulates model latency; the context deadline still wins.
	Delay time.Duration
	// ScoreFn overrides the default decay scoring.
	ScoreFn func(candidate.Problem) float64
}

func (m *Mock) Name() string {
	if m.NodeName == "" {
		return "mock"
	}
	return m.NodeName
}

// Rank scores the pool deterministically.
func (m *Mock) Rank(ctx context.Context, req Request, pool []candidate.Problem) (*Result, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("mock provider: %w", ctx.Err())
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}

	score := m.ScoreFn
	if score == nil {
		score = func(c candidate.Problem) float64 { return 1 - c.RetentionProbability }
	}

	limit := req.Limit
	if limit <= 0 || limit > len(pool) {
		limit = len(pool)
	}
	items := make([]Item, 0, limit)
	for _, c := range pool {
		if len(items) >= limit {
			break
		}
		items = append(items, Item{
			ProblemID: c.ID,
			Score:     clampScore(score(c)),
			Reason:    "Scored by practice-need heuristic",
		})
	}
	return &Result{Provider: m.Name(), Model: "mock", Items: items}, nil
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
