package fsrs

import (
	"sort"
	"time"

	"codetop/internal/domain"
)

// QueueSplit is the per-class share of the queue limit, in percent.
// Leftover capacity from an underfilled class spills to the others in
// priority order (learning, review, new).
type QueueSplit struct {
	NewPct      int
	LearningPct int
	ReviewPct   int
}

// DefaultQueueSplit reserves 20% for new cards, 30% for learning and
// relearning, and 50% for due reviews.
func DefaultQueueSplit() QueueSplit {
	return QueueSplit{NewPct: 20, LearningPct: 30, ReviewPct: 50}
}

// QueueEntry is one scheduled card with its queue class resolved.
type QueueEntry struct {
	Card  domain.Card
	Class QueueClass
}

// QueueClass orders queue sections: learning before review before new.
type QueueClass int

const (
	ClassLearning QueueClass = iota
	ClassReview
	ClassNew
)

func (c QueueClass) String() string {
	switch c {
	case ClassLearning:
		return "LEARNING"
	case ClassReview:
		return "REVIEW"
	case ClassNew:
		return "NEW"
	}
	return "UNKNOWN"
}

// AssembleQueue builds a review queue from candidate cards. It is a pure
// function of its inputs. Due LEARNING and RELEARNING cards come first,
// then due REVIEW cards, then NEW cards; within the timed classes cards
// sort by next-review time then problem id, NEW cards by creation order.
// Class capacities follow split, with unused capacity backfilled from the
// other classes in priority order.
func AssembleQueue(cards []domain.Card, limit int, now time.Time, split QueueSplit) []QueueEntry {
	if limit <= 0 {
		return nil
	}

	var learning, review, fresh []domain.Card
	for _, c := range cards {
		if c.Deleted {
			continue
		}
		switch c.State {
		case domain.CardStateLearning, domain.CardStateRelearning:
			if c.IsDue(now) {
				learning = append(learning, c)
			}
		case domain.CardStateReview:
			if c.IsDue(now) {
				review = append(review, c)
			}
		case domain.CardStateNew:
			fresh = append(fresh, c)
		}
	}

	byDue := func(cs []domain.Card) {
		sort.SliceStable(cs, func(i, j int) bool {
			a, b := cs[i], cs[j]
			at, bt := dueTime(a), dueTime(b)
			if !at.Equal(bt) {
				return at.Before(bt)
			}
			return a.ProblemID < b.ProblemID
		})
	}
	byDue(learning)
	byDue(review)
	sort.SliceStable(fresh, func(i, j int) bool {
		a, b := fresh[i], fresh[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ProblemID < b.ProblemID
	})

	newTarget := limit * split.NewPct / 100
	learnTarget := limit * split.LearningPct / 100
	reviewTarget := limit - newTarget - learnTarget

	takeLearn := min(learnTarget, len(learning))
	takeReview := min(reviewTarget, len(review))
	takeNew := min(newTarget, len(fresh))

	// Spill unused capacity, learning first.
	leftover := limit - takeLearn - takeReview - takeNew
	if leftover > 0 {
		extra := min(leftover, len(learning)-takeLearn)
		takeLearn += extra
		leftover -= extra
	}
	if leftover > 0 {
		extra := min(leftover, len(review)-takeReview)
		takeReview += extra
		leftover -= extra
	}
	if leftover > 0 {
		extra := min(leftover, len(fresh)-takeNew)
		takeNew += extra
	}

	out := make([]QueueEntry, 0, takeLearn+takeReview+takeNew)
	for _, c := range learning[:takeLearn] {
		out = append(out, QueueEntry{Card: c, Class: ClassLearning})
	}
	for _, c := range review[:takeReview] {
		out = append(out, QueueEntry{Card: c, Class: ClassReview})
	}
	for _, c := range fresh[:takeNew] {
		out = append(out, QueueEntry{Card: c, Class: ClassNew})
	}
	return out
}

func dueTime(c domain.Card) time.Time {
	if c.NextReview == nil {
		return time.Time{}
	}
	return *c.NextReview
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
