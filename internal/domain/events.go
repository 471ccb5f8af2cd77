package domain

// Event is a domain event published after the owning transaction commits.
// Cache invalidation listens on these; they are never dispatched before
// the underlying write is durable.
type Event interface {
	EventName() string
}

// ReviewCompleted fires after a review submission commits.
type ReviewCompleted struct {
	UserID    int64
	ProblemID int64
	Rating    Rating
}

func (ReviewCompleted) EventName() string { return "review.completed" }

// ProblemUpdated fires after problem metadata changes.
type ProblemUpdated struct {
	ProblemID int64
}

func (ProblemUpdated) EventName() string { return "problem.updated" }

// ParametersOptimized fires after the optimizer activates a new parameter
// row for a user.
type ParametersOptimized struct {
	UserID int64
}

func (ParametersOptimized) EventName() string { return "parameters.optimized" }
