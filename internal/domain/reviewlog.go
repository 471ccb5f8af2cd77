package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReviewLog is one immutable review record. Logs are append-only and never
// deleted; the optimizer fits parameters from them and the profiler derives
// skills from them.
//
// OldStability is nil for the first review of a card (there is no prior
// memory state to predict from); such logs are excluded from training.
type ReviewLog struct {
	ID            uuid.UUID
	UserID        int64
	ProblemID     int64
	CardID        int64
	Rating        Rating
	ElapsedDays   float64
	ReviewType    ReviewType
	OldState      CardState
	NewState      CardState
	OldStability  *float64
	NewStability  float64
	OldDifficulty *float64
	NewDifficulty float64
	// ResponseTimeMs is how long the solve took, when the client reported
	// it.
	ResponseTimeMs *int
	ReviewedAt     time.Time
}

// Trainable reports whether the log carries enough state to contribute a
// (predicted recall, observed outcome) pair to parameter fitting.
func (l ReviewLog) Trainable() bool {
	return l.OldStability != nil && *l.OldStability > 0 && l.ElapsedDays >= 0
}
