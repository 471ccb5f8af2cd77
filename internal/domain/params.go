package domain

import "time"

// WeightCount is the number of weights in the scheduling model.
const WeightCount = 17

// Weights is one full set of model weights.
type Weights [WeightCount]float64

// UserParameters is one fitted (or default) parameter row for a user.
// At most one row per user is active at a time; the optimizer deactivates
// the previous row when it inserts a new one.
type UserParameters struct {
	ID                     int64
	UserID                 int64
	W                      Weights
	RequestRetention       float64
	MaximumInterval        int
	IsActive               bool
	TrainingCount          int
	OptimizedAt            *time.Time
	PerformanceImprovement float64
	CreatedAt              time.Time
}

// RetentionFloor and RetentionCeil bound the target retention a parameter
// row may carry. The optimizer clamps into this range after every step.
const (
	RetentionFloor = 0.70
	RetentionCeil  = 0.97
)

// ClampRetention forces r into [RetentionFloor, RetentionCeil].
func ClampRetention(r float64) float64 {
	if r < RetentionFloor {
		return RetentionFloor
	}
	if r > RetentionCeil {
		return RetentionCeil
	}
	return r
}
