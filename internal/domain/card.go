// Package domain holds the entities, enums, and events shared by every
// layer: cards, review logs, user parameters, problems, and the sentinel
// errors repositories map infrastructure failures onto.
package domain

import (
	"fmt"
	"time"
)

// CardState is the position of a card in the scheduling state machine.
type CardState string

const (
	CardStateNew        CardState = "NEW"
	CardStateLearning   CardState = "LEARNING"
	CardStateReview     CardState = "REVIEW"
	CardStateRelearning CardState = "RELEARNING"
)

// Valid reports whether s is one of the four known states.
func (s CardState) Valid() bool {
	switch s {
	case CardStateNew, CardStateLearning, CardStateReview, CardStateRelearning:
		return true
	}
	return false
}

// Rating is the user's self-assessment of a review, 1..4.
type Rating int

const (
	RatingAgain Rating = 1
	RatingHard  Rating = 2
	RatingGood  Rating = 3
	RatingEasy  Rating = 4
)

// Validate returns ErrInvalidInput for ratings outside 1..4.
func (r Rating) Validate() error {
	if r < RatingAgain || r > RatingEasy {
		return fmt.Errorf("rating %d out of range 1..4: %w", r, ErrInvalidInput)
	}
	return nil
}

// Success reports whether the rating counts as a successful recall.
func (r Rating) Success() bool {
	return r >= RatingGood
}

func (r Rating) String() string {
	switch r {
	case RatingAgain:
		return "again"
	case RatingHard:
		return "hard"
	case RatingGood:
		return "good"
	case RatingEasy:
		return "easy"
	default:
		return fmt.Sprintf("rating(%d)", int(r))
	}
}

// ReviewType distinguishes how a review was initiated.
type ReviewType string

const (
	ReviewTypeScheduled ReviewType = "SCHEDULED"
	ReviewTypeAhead     ReviewType = "AHEAD"
	ReviewTypeManual    ReviewType = "MANUAL"
)

// Card is the per-(user, problem) scheduling state. Stability is measured
// in days; difficulty lives in [1,10]. A card starts NEW with zero reviews
// and a nil LastReview, and the three stay in lockstep from then on.
type Card struct {
	ID           int64
	UserID       int64
	ProblemID    int64
	State        CardState
	Difficulty   float64
	Stability    float64
	ReviewCount  int
	Lapses       int
	LastGrade    Rating
	IntervalDays int
	LastReview   *time.Time
	NextReview   *time.Time
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewCard returns a fresh NEW card for (userID, problemID).
func NewCard(userID, problemID int64, now time.Time) Card {
	return Card{
		UserID:    userID,
		ProblemID: problemID,
		State:     CardStateNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsDue reports whether the card should be offered for review at now.
// NEW cards with no scheduled time are always due.
func (c *Card) IsDue(now time.Time) bool {
	if c.NextReview == nil {
		return c.State == CardStateNew
	}
	return !c.NextReview.After(now)
}

// Corrupt reports whether the stored scheduling fields are unusable and
// must be recovered from defaults before the next transition.
func (c *Card) Corrupt() bool {
	if c.State == CardStateNew {
		return false
	}
	return c.Stability <= 0 || c.Difficulty <= 0
}
