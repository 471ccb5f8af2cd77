package recommend

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"

	"codetop/internal/candidate"
	"codetop/internal/domain"
	"codetop/internal/profile"
)

// Learning objectives a caller may ask for.
const (
	ObjectiveWeakness    = "WEAKNESS_FOCUS"
	ObjectiveProgressive = "PROGRESSIVE_DIFFICULTY"
	ObjectiveCoverage    = "TOPIC_COVERAGE"
	ObjectiveExam        = "EXAM_PREP"
	ObjectiveRefresh     = "REFRESH_MASTERED"
)

// Strategy categories items are sorted into before quota filling.
const (
	CategoryWeakness    = "weakness"
	CategoryProgressive = "progressive"
	CategoryCoverage    = "coverage"
	CategoryExam        = "exam"
	CategoryRefresh     = "refresh"
)

// SourceHybrid marks items produced by the hybrid pipeline; the mixer
// appends the category that placed each item, e.g. "HYBRID:weakness".
const SourceHybrid = "HYBRID"

var categoryOrder = []string{CategoryWeakness, CategoryProgressive, CategoryCoverage, CategoryExam, CategoryRefresh}

// MixerConfig holds one quota row per objective. Each row assigns a
// fraction of the final slots to every category and must sum to 1.
type MixerConfig struct {
	Enabled bool                          `yaml:"enabled"`
	Quotas  map[string]map[string]float64 `yaml:"quotas"`

	// ExamTags mark problems as exam material regardless of domain.
	ExamTags []string `yaml:"examTags"`
}

func DefaultMixerConfig() MixerConfig {
	return MixerConfig{
		Enabled: true,
		Quotas: map[string]map[string]float64{
			ObjectiveWeakness:    {CategoryWeakness: 0.50, CategoryProgressive: 0.20, CategoryCoverage: 0.15, CategoryExam: 0.05, CategoryRefresh: 0.10},
			ObjectiveProgressive: {CategoryWeakness: 0.20, CategoryProgressive: 0.50, CategoryCoverage: 0.15, CategoryExam: 0.05, CategoryRefresh: 0.10},
			ObjectiveCoverage:    {CategoryWeakness: 0.20, CategoryProgressive: 0.15, CategoryCoverage: 0.50, CategoryExam: 0.05, CategoryRefresh: 0.10},
			ObjectiveExam:        {CategoryWeakness: 0.15, CategoryProgressive: 0.15, CategoryCoverage: 0.10, CategoryExam: 0.50, CategoryRefresh: 0.10},
			ObjectiveRefresh:     {CategoryWeakness: 0.10, CategoryProgressive: 0.10, CategoryCoverage: 0.20, CategoryExam: 0.10, CategoryRefresh: 0.50},
		},
		ExamTags: []string{"exam", "top-interview", "high-frequency"},
	}
}

func (c MixerConfig) Validate() error {
	for obj, row := range c.Quotas {
		var sum float64
		for cat, q := range row {
			if !lo.Contains(categoryOrder, cat) {
				return fmt.Errorf("objective %s: unknown category %q", obj, cat)
			}
			if q < 0 {
				return fmt.Errorf("objective %s: negative quota for %s", obj, cat)
			}
			sum += q
		}
		if math.Abs(sum-1) > 1e-9 {
			return fmt.Errorf("objective %s: quotas sum to %.4f, want 1", obj, sum)
		}
	}
	return nil
}

// StrategyMixer turns a ranked list into the final slate by filling
// per-category quotas for the requested objective. Unused quota spills to
// the next-highest-weighted category; disabled, it takes the top of the
// ranked list as is.
type StrategyMixer struct {
	cfg      MixerConfig
	mapper   *profile.TagMapper
	examTags map[string]struct{}
}

func NewStrategyMixer(cfg MixerConfig, mapper *profile.TagMapper) *StrategyMixer {
	if cfg.Quotas == nil {
		cfg.Quotas = DefaultMixerConfig().Quotas
	}
	exam := make(map[string]struct{}, len(cfg.ExamTags))
	for _, t := range cfg.ExamTags {
		exam[strings.ToLower(t)] = struct{}{}
	}
	return &StrategyMixer{cfg: cfg, mapper: mapper, examTags: exam}
}

// Mix selects up to totalLimit items per the objective's quota row. Items
// keep their ranker order inside each category and in the final slate.
func (m *StrategyMixer) Mix(items []Item, pool map[int64]candidate.Problem, prof *profile.UserProfile, objective string, totalLimit int) []Item {
	if totalLimit <= 0 || len(items) == 0 {
		return nil
	}
	if !m.cfg.Enabled {
		out := items
		if len(out) > totalLimit {
			out = out[:totalLimit]
		}
		for i := range out {
			if out[i].Source == "" {
				out[i].Source = SourceHybrid
			}
		}
		return out
	}
	row, ok := m.cfg.Quotas[objective]
	if !ok {
		row = m.cfg.Quotas[ObjectiveWeakness]
	}

	buckets := make(map[string][]Item, len(categoryOrder))
	for _, it := range items {
		cat := m.categorize(it, pool, prof)
		buckets[cat] = append(buckets[cat], it)
	}

	// Categories by descending quota; canonical order breaks ties so the
	// slate is deterministic.
	cats := make([]string, len(categoryOrder))
	copy(cats, categoryOrder)
	sort.SliceStable(cats, func(i, j int) bool { return row[cats[i]] > row[cats[j]] })

	targets := slotTargets(row, cats, totalLimit)
	taken := make(map[string]int, len(cats))
	out := make([]Item, 0, totalLimit)
	for _, cat := range cats {
		n := targets[cat]
		bucket := buckets[cat]
		if n > len(bucket) {
			n = len(bucket)
		}
		out = appendTagged(out, bucket[:n], cat)
		taken[cat] = n
	}
	// Spill: unfilled slots go to the highest-quota categories that still
	// have items.
	for _, cat := range cats {
		for len(out) < totalLimit && taken[cat] < len(buckets[cat]) {
			out = appendTagged(out, buckets[cat][taken[cat]:taken[cat]+1], cat)
			taken[cat]++
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// categorize assigns an item to exactly one strategy category. Exam tags
// are checked first since they are explicit; the rest go by the profile's
// view of the item's dominant domain.
func (m *StrategyMixer) categorize(it Item, pool map[int64]candidate.Problem, prof *profile.UserProfile) string {
	c, ok := pool[it.ProblemID]
	if !ok {
		return CategoryCoverage
	}
	for _, t := range c.Tags {
		if _, exam := m.examTags[strings.ToLower(t)]; exam {
			return CategoryExam
		}
	}
	dom := m.dominantDomain(c)
	if prof != nil {
		switch prof.StrengthOf(dom) {
		case profile.StrengthWeak:
			return CategoryWeakness
		case profile.StrengthStrong:
			return CategoryRefresh
		}
		if oneNotchAbove(c.Difficulty, prof.Difficulty.PreferredLevel) {
			return CategoryProgressive
		}
		if sk, known := prof.Skills[dom]; !known || sk.Samples < 10 {
			return CategoryCoverage
		}
	}
	return CategoryCoverage
}

// dominantDomain is the first tag-mapped domain, falling back to the topic
// label for problems whose tags are all unmapped.
func (m *StrategyMixer) dominantDomain(c candidate.Problem) string {
	for _, t := range c.Tags {
		if dom := m.mapper.DomainOf(t); dom != profile.DomainOther {
			return dom
		}
	}
	return m.mapper.DomainOf(c.Topic)
}

// oneNotchAbove reports whether diff sits exactly one difficulty rank above
// the user's preferred level.
func oneNotchAbove(diff, preferred string) bool {
	if preferred == "" {
		return false
	}
	return domain.NormalizeDifficulty(diff).Rank() == domain.NormalizeDifficulty(preferred).Rank()+1
}

// slotTargets splits totalLimit across categories by quota, handing
// rounding leftovers to the highest-quota categories first.
func slotTargets(row map[string]float64, cats []string, total int) map[string]int {
	targets := make(map[string]int, len(cats))
	assigned := 0
	for _, cat := range cats {
		n := int(math.Floor(row[cat] * float64(total)))
		targets[cat] = n
		assigned += n
	}
	for i := 0; assigned < total && len(cats) > 0; i = (i + 1) % len(cats) {
		targets[cats[i]]++
		assigned++
	}
	return targets
}

func appendTagged(out, items []Item, cat string) []Item {
	for _, it := range items {
		it.Source = SourceHybrid + ":" + cat
		out = append(out, it)
	}
	return out
}
