package domain

import "strings"

// Difficulty is the editorial difficulty of a problem.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
)

// NormalizeDifficulty uppercases free-form difficulty labels.
func NormalizeDifficulty(s string) Difficulty {
	return Difficulty(strings.ToUpper(strings.TrimSpace(s)))
}

// Rank orders difficulties EASY < MEDIUM < HARD for progression checks.
// Unknown labels rank as MEDIUM.
func (d Difficulty) Rank() int {
	switch d {
	case DifficultyEasy:
		return 1
	case DifficultyHard:
		return 3
	default:
		return 2
	}
}

// Problem is the practice item a card schedules. Tags drive the
// tag-to-domain mapping the profiler uses; categories are free-form.
type Problem struct {
	ID         int64
	Title      string
	Difficulty Difficulty
	Tags       []string
	Categories []string
	Deleted    bool
}
