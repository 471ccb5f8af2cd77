package fsrs

import (
	"fmt"
	"time"

	"codetop/internal/domain"
)

// NextState is the card state machine. Grades 1..4 map NEW into LEARNING
// (REVIEW on Easy), move learning cards to REVIEW on success, and knock a
// REVIEW card into RELEARNING on Again.
func NextState(state domain.CardState, r domain.Rating) domain.CardState {
	switch state {
	case domain.CardStateNew:
		if r == domain.RatingEasy {
			return domain.CardStateReview
		}
		return domain.CardStateLearning
	case domain.CardStateLearning:
		if r >= domain.RatingGood {
			return domain.CardStateReview
		}
		return domain.CardStateLearning
	case domain.CardStateReview:
		if r == domain.RatingAgain {
			return domain.CardStateRelearning
		}
		return domain.CardStateReview
	case domain.CardStateRelearning:
		if r >= domain.RatingGood {
			return domain.CardStateReview
		}
		return domain.CardStateRelearning
	}
	return state
}

// Transition records one scheduling computation, old state to new. The
// review log row is built from it verbatim.
type Transition struct {
	OldState      domain.CardState
	NewState      domain.CardState
	OldStability  float64
	OldDifficulty float64
	NewStability  float64
	NewDifficulty float64
	ElapsedDays   float64
	IntervalDays  int
	NextReview    time.Time
	Lapsed        bool
}

// Scheduler computes state transitions under one parameter set. It is
// pure: same card, grade, elapsed time, and clock always produce the same
// transition.
type Scheduler struct {
	params Params
}

// NewScheduler creates a scheduler over the given parameters.
func NewScheduler(params Params) *Scheduler {
	return &Scheduler{params: params}
}

// Params returns the parameter set in use.
func (s *Scheduler) Params() Params { return s.params }

// Review applies one graded review to a card and returns the updated copy
// plus the transition record. Cards scheduled into LEARNING or RELEARNING
// get a one-day step; entering REVIEW schedules the stability-derived
// interval.
func (s *Scheduler) Review(card domain.Card, rating domain.Rating, elapsedDays float64, now time.Time) (domain.Card, Transition, error) {
	if err := rating.Validate(); err != nil {
		return card, Transition{}, err
	}
	if !card.State.Valid() {
		return card, Transition{}, fmt.Errorf("card %d in state %q: %w", card.ID, card.State, domain.ErrInvalidInput)
	}

	w := s.params.W
	tr := Transition{
		OldState:      card.State,
		OldStability:  card.Stability,
		OldDifficulty: card.Difficulty,
		ElapsedDays:   elapsedDays,
	}
	tr.NewState = NextState(card.State, rating)

	switch card.State {
	case domain.CardStateNew:
		tr.NewStability = InitialStability(w, rating)
		tr.NewDifficulty = InitialDifficulty(w, rating)

	case domain.CardStateLearning, domain.CardStateRelearning:
		r := Retrievability(elapsedDays, card.Stability)
		tr.NewDifficulty = NextDifficulty(w, card.Difficulty, rating)
		if rating == domain.RatingAgain {
			// Repeating a learning step: this weight set carries no
			// short-term forgetting term, so stability holds.
			tr.NewStability = card.Stability
		} else {
			tr.NewStability = StabilityAfterRecall(w, card.Stability, card.Difficulty, r, rating)
		}

	case domain.CardStateReview:
		r := Retrievability(elapsedDays, card.Stability)
		// Stability formulas use the pre-update difficulty.
		if rating == domain.RatingAgain {
			tr.NewStability = StabilityAfterForgetting(w, card.Stability, card.Difficulty, r)
			tr.Lapsed = true
		} else {
			tr.NewStability = StabilityAfterRecall(w, card.Stability, card.Difficulty, r, rating)
		}
		tr.NewDifficulty = NextDifficulty(w, card.Difficulty, rating)
	}

	if tr.NewState == domain.CardStateReview {
		tr.IntervalDays = NextInterval(tr.NewStability, s.params.RequestRetention, s.params.MaximumInterval)
	} else {
		tr.IntervalDays = 1
	}
	tr.NextReview = now.AddDate(0, 0, tr.IntervalDays)

	updated := card
	updated.State = tr.NewState
	updated.Stability = tr.NewStability
	updated.Difficulty = tr.NewDifficulty
	updated.ReviewCount++
	updated.LastGrade = rating
	updated.IntervalDays = tr.IntervalDays
	updated.LastReview = &now
	updated.NextReview = &tr.NextReview
	updated.UpdatedAt = now
	if tr.Lapsed {
		updated.Lapses++
	}

	return updated, tr, nil
}

// Recover resets corrupt scheduling fields to first-review values derived
// from the active weights, keeping counters intact.
func (s *Scheduler) Recover(card domain.Card) domain.Card {
	card.Stability = InitialStability(s.params.W, domain.RatingGood)
	card.Difficulty = InitialDifficulty(s.params.W, domain.RatingGood)
	return card
}
