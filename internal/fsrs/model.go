package fsrs

import (
	"math"

	"codetop/internal/domain"
)

// decay is ln(0.9): retrievability is modeled as R = exp(decay * t / S),
// which makes S the number of days until recall probability falls to 90%.
var decay = math.Log(0.9)

const (
	minDifficulty = 1.0
	maxDifficulty = 10.0
	minStability  = 0.01
)

// Retrievability is the modeled recall probability after elapsedDays with
// stability s. The first review of a card has no history; callers use 1.
func Retrievability(elapsedDays, s float64) float64 {
	if s <= 0 {
		return 0
	}
	if elapsedDays <= 0 {
		return 1
	}
	return math.Exp(decay * elapsedDays / s)
}

// InitialStability is the stability seeded by the first grade.
func InitialStability(w domain.Weights, r domain.Rating) float64 {
	s := w[r-1]
	if s < minStability {
		s = minStability
	}
	return s
}

// InitialDifficulty is the difficulty seeded by the first grade, clamped
// to [1,10].
func InitialDifficulty(w domain.Weights, r domain.Rating) float64 {
	return clampDifficulty(w[4] - float64(r-3)*w[5])
}

// NextDifficulty updates difficulty for a grade with mean reversion toward
// the initial difficulty of a Good first grade.
func NextDifficulty(w domain.Weights, d float64, r domain.Rating) float64 {
	next := d - w[6]*float64(r-3)
	reverted := w[7]*(w[4]) + (1-w[7])*next
	return clampDifficulty(reverted)
}

// StabilityAfterRecall grows stability after a successful (or Hard) review
// of a graduated card. Growth scales with how close the review came to
// being forgotten (low R grows more), eased by difficulty, with a penalty
// for Hard and a bonus for Easy.
func StabilityAfterRecall(w domain.Weights, s, d, r float64, grade domain.Rating) float64 {
	hardPenalty := 1.0
	if grade == domain.RatingHard {
		hardPenalty = w[15]
	}
	easyBonus := 1.0
	if grade == domain.RatingEasy {
		easyBonus = w[16]
	}
	growth := math.Exp(w[8]) *
		(11 - d) *
		math.Pow(s, -w[9]) *
		(math.Exp((1-r)*w[10]) - 1) *
		hardPenalty * easyBonus
	next := s * (1 + growth)
	if next < minStability {
		next = minStability
	}
	return next
}

// StabilityAfterForgetting computes post-lapse stability. The result is
// capped at the pre-lapse stability: forgetting never makes a memory
// stronger.
func StabilityAfterForgetting(w domain.Weights, s, d, r float64) float64 {
	next := w[11] *
		math.Pow(d, -w[12]) *
		(math.Pow(s+1, w[13]) - 1) *
		math.Exp((1-r)*w[14])
	if next > s {
		next = s
	}
	if next < minStability {
		next = minStability
	}
	return next
}

// NextInterval converts stability into a scheduled interval: the number of
// days until retrievability decays to the retention target, rounded,
// clamped to [1, maxInterval].
func NextInterval(s, requestRetention float64, maxInterval int) int {
	interval := int(math.Round(s * math.Log(requestRetention) / decay))
	if interval < 1 {
		interval = 1
	}
	if maxInterval > 0 && interval > maxInterval {
		interval = maxInterval
	}
	return interval
}

func clampDifficulty(d float64) float64 {
	if d < minDifficulty {
		return minDifficulty
	}
	if d > maxDifficulty {
		return maxDifficulty
	}
	return d
}
