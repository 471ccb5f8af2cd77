package recommend

import (
	"fmt"
	"math"

	"codetop/internal/candidate"
	"codetop/internal/profile"
)

// Confidence labels in descending order.
const (
	LabelHigh    = "High"
	LabelMedium  = "Medium"
	LabelLow     = "Low"
	LabelVeryLow = "Very Low"
)

// ConfidenceWeights weigh the six calibration signals and must sum to 1.
type ConfidenceWeights struct {
	LLMQuality         float64 `yaml:"llmQuality"`
	FSRSDepth          float64 `yaml:"fsrsDepth"`
	ProfileRelevance   float64 `yaml:"profileRelevance"`
	HistoricalAccuracy float64 `yaml:"historicalAccuracy"`
	Consensus          float64 `yaml:"consensus"`
	ContextQuality     float64 `yaml:"contextQuality"`
}

// ConfidenceConfig controls scoring, labelling and the visibility floor.
type ConfidenceConfig struct {
	Enabled         bool              `yaml:"enabled"`
	Weights         ConfidenceWeights `yaml:"weights"`
	HighThreshold   float64           `yaml:"highThreshold"`
	MediumThreshold float64           `yaml:"mediumThreshold"`
	LowThreshold    float64           `yaml:"lowThreshold"`
	MinimumShow     float64           `yaml:"minimumShow"`
	IncludeInReason bool              `yaml:"includeInReason"`
}

func DefaultConfidenceConfig() ConfidenceConfig {
	return ConfidenceConfig{
		Enabled: true,
		Weights: ConfidenceWeights{
			LLMQuality:         0.30,
			FSRSDepth:          0.20,
			ProfileRelevance:   0.15,
			HistoricalAccuracy: 0.15,
			Consensus:          0.10,
			ContextQuality:     0.10,
		},
		HighThreshold:   0.75,
		MediumThreshold: 0.50,
		LowThreshold:    0.34,
		MinimumShow:     0.20,
		IncludeInReason: true,
	}
}

func (c ConfidenceConfig) Validate() error {
	w := c.Weights
	sum := w.LLMQuality + w.FSRSDepth + w.ProfileRelevance + w.HistoricalAccuracy + w.Consensus + w.ContextQuality
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("confidence weights sum to %.4f, want 1", sum)
	}
	if !(c.HighThreshold >= c.MediumThreshold && c.MediumThreshold >= c.LowThreshold) {
		return fmt.Errorf("confidence thresholds must be ordered high >= medium >= low")
	}
	return nil
}

// ConfidenceCalibrator scores how much each recommendation deserves the
// user's trust and drops the ones below the visibility floor.
type ConfidenceCalibrator struct {
	cfg    ConfidenceConfig
	mapper *profile.TagMapper
}

func NewConfidenceCalibrator(cfg ConfidenceConfig, mapper *profile.TagMapper) *ConfidenceCalibrator {
	return &ConfidenceCalibrator{cfg: cfg, mapper: mapper}
}

// Calibrate annotates items with a confidence score and label. poolFill is
// the share of the requested candidate pool that was actually available; it
// feeds the context-quality signal and is the same for every item.
func (c *ConfidenceCalibrator) Calibrate(items []Item, pool map[int64]candidate.Problem, prof *profile.UserProfile, poolFill float64) []Item {
	if !c.cfg.Enabled {
		return items
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		cand, ok := pool[it.ProblemID]
		if !ok {
			continue
		}
		it.Confidence = c.score(it, cand, prof, clampUnit(poolFill))
		it.Label = c.label(it.Confidence)
		if it.Confidence < c.cfg.MinimumShow {
			continue
		}
		if c.cfg.IncludeInReason && it.Reason != "" {
			it.Reason = "[" + it.Label + " Confidence] " + it.Reason
		}
		out = append(out, it)
	}
	return out
}

func (c *ConfidenceCalibrator) score(it Item, cand candidate.Problem, prof *profile.UserProfile, poolFill float64) float64 {
	w := c.cfg.Weights

	// Attempt depth saturates at ten reviews; below that the scheduler's
	// signal is still settling.
	depth := math.Min(1, float64(cand.Attempts)/10)

	accuracy := 0.5
	if cand.Attempts > 0 {
		accuracy = cand.RecentAccuracy
	}

	consensus := 1 - math.Abs(it.LLMScore-cand.UrgencyScore)

	s := w.LLMQuality*clampUnit(it.LLMScore) +
		w.FSRSDepth*depth +
		w.ProfileRelevance*c.relevance(cand, prof) +
		w.HistoricalAccuracy*clampUnit(accuracy) +
		w.Consensus*clampUnit(consensus) +
		w.ContextQuality*poolFill
	return clampUnit(s)
}

// relevance is the share of the item's tags that land in a domain the
// profile has real samples for.
func (c *ConfidenceCalibrator) relevance(cand candidate.Problem, prof *profile.UserProfile) float64 {
	if prof == nil || len(cand.Tags) == 0 {
		return 0.5
	}
	known := 0
	for _, t := range cand.Tags {
		dom := c.mapper.DomainOf(t)
		if dom == profile.DomainOther {
			continue
		}
		if _, ok := prof.Skills[dom]; ok {
			known++
		}
	}
	return float64(known) / float64(len(cand.Tags))
}

func (c *ConfidenceCalibrator) label(score float64) string {
	switch {
	case score >= c.cfg.HighThreshold:
		return LabelHigh
	case score >= c.cfg.MediumThreshold:
		return LabelMedium
	case score >= c.cfg.LowThreshold:
		return LabelLow
	default:
		return LabelVeryLow
	}
}
