package provider

import (
	"context"
	"fmt"
	"sort"

	"codetop/internal/candidate"
)

// Terminal strategies. The terminal provider answers when every chain node
// has fallen through; it never fails.
const (
	FallbackBusy  = "busy"
	FallbackEmpty = "empty"
	FallbackTopN  = "scheduler_topn"
)

// TerminalName is the provider name recorded on terminal answers.
const TerminalName = "terminal"

// Terminal is the end-of-chain default.
type Terminal struct {
	strategy string
}

// NewTerminal builds the terminal provider; unknown strategies fall back
// to scheduler top-N.
func NewTerminal(strategy string) *Terminal {
	switch strategy {
	case FallbackBusy, FallbackEmpty, FallbackTopN:
	default:
		strategy = FallbackTopN
	}
	return &Terminal{strategy: strategy}
}

func (t *Terminal) Name() string { return TerminalName }

// Rank answers per the configured strategy. The error is always nil.
func (t *Terminal) Rank(_ context.Context, req Request, pool []candidate.Problem) (*Result, error) {
	switch t.strategy {
	case FallbackBusy:
		return &Result{Provider: TerminalName, Busy: true}, nil
	case FallbackEmpty:
		return &Result{Provider: TerminalName}, nil
	}
	return &Result{Provider: TerminalName, Items: SchedulerTopN(pool, req.Limit)}, nil
}

// SchedulerTopN ranks the pool by urgency alone. It backs the terminal
// provider and every deny or failure path in the orchestrator.
func SchedulerTopN(pool []candidate.Problem, limit int) []Item {
	if limit <= 0 || len(pool) == 0 {
		return nil
	}
	sorted := make([]candidate.Problem, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].UrgencyScore != sorted[j].UrgencyScore {
			return sorted[i].UrgencyScore > sorted[j].UrgencyScore
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}

	items := make([]Item, 0, len(sorted))
	for _, c := range sorted {
		items = append(items, Item{
			ProblemID: c.ID,
			Score:     c.UrgencyScore,
			Reason:    urgencyReason(c),
		})
	}
	return items
}

func urgencyReason(c candidate.Problem) string {
	if c.DaysOverdue >= 1 {
		return fmt.Sprintf("Overdue by %.0f days, estimated retention %.0f%%", c.DaysOverdue, c.RetentionProbability*100)
	}
	if c.Attempts == 0 {
		return "New problem from your queue"
	}
	return fmt.Sprintf("Due for review, estimated retention %.0f%%", c.RetentionProbability*100)
}
