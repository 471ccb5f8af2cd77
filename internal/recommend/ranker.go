package recommend

import (
	"fmt"
	"math"
	"sort"

	"codetop/internal/candidate"
	"codetop/internal/profile"
	"codetop/internal/provider"
)

// Item is one recommendation as it moves through the ranker, mixer and
// calibrator. Score is the current ordering key; LLMScore keeps the raw
// provider score around for the confidence signals.
type Item struct {
	ProblemID  int64   `json:"problemId"`
	Score      float64 `json:"score"`
	LLMScore   float64 `json:"-"`
	Reason     string  `json:"reason"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"confidenceLabel,omitempty"`
}

// RankerConfig weighs the four scoring components. The weights must sum
// to 1.
type RankerConfig struct {
	Enabled               bool    `yaml:"enabled"`
	LLMWeight             float64 `yaml:"llmWeight"`
	UrgencyWeight         float64 `yaml:"urgencyWeight"`
	SimilarityWeight      float64 `yaml:"similarityWeight"`
	PersonalizationWeight float64 `yaml:"personalizationWeight"`

	// TagDelta is the per-tag step applied for weak (+) and strong (-)
	// domain tags before the boost is clamped back to [0,1].
	TagDelta float64 `yaml:"tagDelta"`
}

func DefaultRankerConfig() RankerConfig {
	return RankerConfig{
		Enabled:               true,
		LLMWeight:             0.45,
		UrgencyWeight:         0.30,
		SimilarityWeight:      0.15,
		PersonalizationWeight: 0.10,
		TagDelta:              0.1,
	}
}

func (c RankerConfig) Validate() error {
	sum := c.LLMWeight + c.UrgencyWeight + c.SimilarityWeight + c.PersonalizationWeight
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("ranker weights sum to %.4f, want 1", sum)
	}
	return nil
}

// HybridRanker folds scheduler urgency, tag similarity and profile
// personalization into the provider's scores. Disabled, it passes items
// through untouched.
type HybridRanker struct {
	cfg    RankerConfig
	mapper *profile.TagMapper
}

func NewHybridRanker(cfg RankerConfig, mapper *profile.TagMapper) *HybridRanker {
	return &HybridRanker{cfg: cfg, mapper: mapper}
}

// Rank rescores the provider items against the candidate pool and profile
// and returns them sorted by final score, stable on provider order.
func (r *HybridRanker) Rank(items []provider.Item, pool map[int64]candidate.Problem, prof *profile.UserProfile) []Item {
	out := make([]Item, 0, len(items))
	if !r.cfg.Enabled {
		for _, it := range items {
			out = append(out, Item{ProblemID: it.ProblemID, Score: it.Score, LLMScore: it.Score, Reason: it.Reason})
		}
		return out
	}
	var weak, strong map[string]struct{}
	var mastered [][]string
	if prof != nil {
		weak = domainSet(prof.DomainsWith(profile.StrengthWeak))
		strong = domainSet(prof.DomainsWith(profile.StrengthStrong))
		mastered = prof.MasteredTagSets
	}
	for _, it := range items {
		c, ok := pool[it.ProblemID]
		if !ok {
			continue
		}
		sim := meanJaccard(c.Tags, mastered)
		pers := r.personalization(c.Tags, weak, strong)
		final := r.cfg.LLMWeight*it.Score +
			r.cfg.UrgencyWeight*c.UrgencyScore +
			r.cfg.SimilarityWeight*sim +
			r.cfg.PersonalizationWeight*pers
		out = append(out, Item{
			ProblemID: it.ProblemID,
			Score:     final,
			LLMScore:  it.Score,
			Reason:    it.Reason,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// personalization starts neutral at 0.5 and steps up for each tag in a weak
// domain and down for each tag in a strong one.
func (r *HybridRanker) personalization(tags []string, weak, strong map[string]struct{}) float64 {
	boost := 0.5
	for _, t := range tags {
		dom := r.mapper.DomainOf(t)
		if _, ok := weak[dom]; ok {
			boost += r.cfg.TagDelta
		}
		if _, ok := strong[dom]; ok {
			boost -= r.cfg.TagDelta
		}
	}
	return clampUnit(boost)
}

// meanJaccard averages the Jaccard similarity between tags and each
// mastered tag set. No mastered history means no boost.
func meanJaccard(tags []string, mastered [][]string) float64 {
	if len(mastered) == 0 || len(tags) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	var sum float64
	for _, ms := range mastered {
		sum += jaccard(set, ms)
	}
	return clampUnit(sum / float64(len(mastered)))
}

func jaccard(a map[string]struct{}, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(b))
	inter := 0
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := a[t]; ok {
			inter++
		}
	}
	union := len(a) + len(seen) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func domainSet(domains []string) map[string]struct{} {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[d] = struct{}{}
	}
	return set
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
