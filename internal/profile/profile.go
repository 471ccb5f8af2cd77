// Package profile derives a per-user skill picture from recent review
// logs: domain skills, difficulty preference, tag affinity, and an overall
// learning pattern. Profiles feed the recommendation ranker and are cached
// for an hour.
package profile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"codetop/internal/cache"
	"codetop/internal/domain"
)

// Strength labels a domain skill.
type Strength string

const (
	StrengthWeak   Strength = "WEAK"
	StrengthNormal Strength = "NORMAL"
	StrengthStrong Strength = "STRONG"
)

// Trend describes where the user's difficulty preference is heading.
type Trend string

const (
	TrendIncreasing Trend = "INCREASING"
	TrendStable     Trend = "STABLE"
	TrendDecreasing Trend = "DECREASING"
)

// Pattern classifies the user's overall trajectory.
type Pattern string

const (
	PatternStruggling Pattern = "STRUGGLING"
	PatternSteady     Pattern = "STEADY_PROGRESS"
	PatternAdvanced   Pattern = "ADVANCED"
)

// DomainSkill is the per-domain slice of the profile.
type DomainSkill struct {
	Samples       int      `json:"samples"`
	Accuracy      float64  `json:"accuracy"`
	Retention     float64  `json:"retention"`
	LapseRate     float64  `json:"lapseRate"`
	AvgResponseMs float64  `json:"avgResponseTime"`
	Attempts      int      `json:"attempts"`
	SkillScore    float64  `json:"skillScore"`
	Strength      Strength `json:"strength"`
}

// DifficultyPreference is the observed difficulty mix and its direction.
type DifficultyPreference struct {
	Distribution   map[string]float64 `json:"distribution"`
	Trend          Trend              `json:"trend"`
	PreferredLevel string             `json:"preferredLevel"`
}

// UserProfile is the full per-user picture.
type UserProfile struct {
	UserID          int64                  `json:"userId"`
	Skills          map[string]DomainSkill `json:"skills"`
	Difficulty      DifficultyPreference   `json:"difficultyPreference"`
	TagAffinity     map[string]float64     `json:"tagAffinity"`
	OverallMastery  float64                `json:"overallMastery"`
	TotalProblems   int                    `json:"totalProblemsReviewed"`
	LearningPattern Pattern                `json:"learningPattern"`
	MasteredTagSets [][]string             `json:"masteredTagSets"`
	GeneratedAt     time.Time              `json:"generatedAt"`
}

// DomainsWith returns the domains at the given strength, sorted.
func (p *UserProfile) DomainsWith(s Strength) []string {
	var out []string
	for dom, skill := range p.Skills {
		if skill.Strength == s {
			out = append(out, dom)
		}
	}
	sort.Strings(out)
	return out
}

// StrengthOf returns a domain's strength, NORMAL when unseen.
func (p *UserProfile) StrengthOf(dom string) Strength {
	if skill, ok := p.Skills[dom]; ok {
		return skill.Strength
	}
	return StrengthNormal
}

// Config tunes profile computation.
type Config struct {
	Window          time.Duration
	MaxLogs         int
	WeakThreshold   float64
	StrongThreshold float64
	MinSamples      int
	// MasteryStability is the stability (days) where a problem counts as
	// mastered; it also sets the half-point of retention normalization.
	MasteryStability float64
	MaxMasteredSets  int
	TagDomains       map[string]string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:           90 * 24 * time.Hour,
		MaxLogs:          2000,
		WeakThreshold:    0.45,
		StrongThreshold:  0.75,
		MinSamples:       10,
		MasteryStability: 21,
		MaxMasteredSets:  20,
		TagDomains:       DefaultTagDomains(),
	}
}

// LogSource lists a user's newest review logs first.
type LogSource interface {
	ListRecent(ctx context.Context, userID int64, limit int) ([]domain.ReviewLog, error)
}

// ProblemSource loads problem metadata in batch.
type ProblemSource interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.Problem, error)
}

// Profiler computes and caches user profiles.
type Profiler struct {
	logs     LogSource
	problems ProblemSource
	mapper   *TagMapper
	store    cache.Store
	keys     cache.Keys
	ttls     cache.TTLs
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// ProfilerConfig wires a Profiler.
type ProfilerConfig struct {
	Logs     LogSource
	Problems ProblemSource
	Store    cache.Store
	TTLs     cache.TTLs
	Config   Config
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewProfiler builds a profiler, filling zero config from defaults.
func NewProfiler(pc ProfilerConfig) *Profiler {
	if pc.Config.Window <= 0 {
		pc.Config = DefaultConfig()
	}
	if pc.Now == nil {
		pc.Now = time.Now
	}
	return &Profiler{
		logs:     pc.Logs,
		problems: pc.Problems,
		mapper:   NewTagMapper(pc.Config.TagDomains),
		store:    pc.Store,
		ttls:     pc.TTLs,
		cfg:      pc.Config,
		log:      pc.Logger,
		now:      pc.Now,
	}
}

// Get returns the cached profile or computes and caches a fresh one.
func (p *Profiler) Get(ctx context.Context, userID int64) (*UserProfile, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("profile for user %d: %w", userID, domain.ErrInvalidInput)
	}
	key := p.keys.Profile(userID)
	var cached UserProfile
	if hit, err := cache.GetJSON(ctx, p.store, key, &cached); err == nil && hit {
		return &cached, nil
	}

	prof, err := p.Compute(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, p.store, key, prof, p.ttls.Profile); err != nil {
		p.log.Warn("cache profile", zap.Int64("user_id", userID), zap.Error(err))
	}
	return prof, nil
}

// Compute builds the profile from the log window, bypassing the cache.
func (p *Profiler) Compute(ctx context.Context, userID int64) (*UserProfile, error) {
	logs, err := p.logs.ListRecent(ctx, userID, p.cfg.MaxLogs)
	if err != nil {
		return nil, fmt.Errorf("load profile logs: %w", err)
	}
	now := p.now()
	cutoff := now.Add(-p.cfg.Window)
	logs = trimBefore(logs, cutoff)

	meta, err := p.loadProblems(ctx, logs)
	if err != nil {
		return nil, err
	}

	prof := p.aggregate(userID, logs, meta, now)
	p.log.Debug("computed profile",
		zap.Int64("user_id", userID),
		zap.Int("logs", len(logs)),
		zap.Int("domains", len(prof.Skills)))
	return prof, nil
}

// trimBefore drops logs older than cutoff. Input is newest first.
func trimBefore(logs []domain.ReviewLog, cutoff time.Time) []domain.ReviewLog {
	for i, l := range logs {
		if l.ReviewedAt.Before(cutoff) {
			return logs[:i]
		}
	}
	return logs
}

func (p *Profiler) loadProblems(ctx context.Context, logs []domain.ReviewLog) (map[int64]domain.Problem, error) {
	seen := make(map[int64]struct{}, len(logs))
	var ids []int64
	for _, l := range logs {
		if _, ok := seen[l.ProblemID]; ok {
			continue
		}
		seen[l.ProblemID] = struct{}{}
		ids = append(ids, l.ProblemID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	meta, err := p.problems.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load profile problems: %w", err)
	}
	return meta, nil
}

type domainAgg struct {
	samples   int
	successes int
	lapses    int
	stabSum   float64
	respSum   float64
	respN     int
	problems  map[int64]struct{}
}

type tagAgg struct {
	samples   int
	successes int
}

func (p *Profiler) aggregate(userID int64, logs []domain.ReviewLog, meta map[int64]domain.Problem, now time.Time) *UserProfile {
	domains := make(map[string]*domainAgg)
	tags := make(map[string]*tagAgg)
	diffCounts := make(map[string]int)
	problems := make(map[int64]struct{})
	latestPerProblem := make(map[int64]domain.ReviewLog)

	var total, totalSuccess, totalLapse int
	// Chronological order for the trend halves; logs arrive newest first.
	var diffRanks []int

	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		prob, ok := meta[l.ProblemID]
		if !ok {
			continue
		}
		success := l.Rating >= domain.RatingGood
		lapse := l.Rating == domain.RatingAgain

		total++
		if success {
			totalSuccess++
		}
		if lapse {
			totalLapse++
		}
		problems[l.ProblemID] = struct{}{}
		latestPerProblem[l.ProblemID] = l
		diffCounts[strings.ToLower(string(prob.Difficulty))]++
		diffRanks = append(diffRanks, prob.Difficulty.Rank())

		for _, dom := range p.mapper.DomainsOf(prob.Tags) {
			agg := domains[dom]
			if agg == nil {
				agg = &domainAgg{problems: make(map[int64]struct{})}
				domains[dom] = agg
			}
			agg.samples++
			if success {
				agg.successes++
			}
			if lapse {
				agg.lapses++
			}
			agg.stabSum += l.NewStability
			if l.ResponseTimeMs != nil {
				agg.respSum += float64(*l.ResponseTimeMs)
				agg.respN++
			}
			agg.problems[l.ProblemID] = struct{}{}
		}
		for _, tag := range prob.Tags {
			a := tags[tag]
			if a == nil {
				a = &tagAgg{}
				tags[tag] = a
			}
			a.samples++
			if success {
				a.successes++
			}
		}
	}

	skills := make(map[string]DomainSkill, len(domains))
	var masterySum, masteryWeight float64
	for dom, agg := range domains {
		skill := p.buildSkill(agg)
		skills[dom] = skill
		masterySum += skill.SkillScore * float64(agg.samples)
		masteryWeight += float64(agg.samples)
	}
	mastery := 0.0
	if masteryWeight > 0 {
		mastery = masterySum / masteryWeight
	}

	affinity := make(map[string]float64, len(tags))
	for tag, a := range tags {
		affinity[tag] = betaSmoothed(a.successes, a.samples)
	}

	return &UserProfile{
		UserID:          userID,
		Skills:          skills,
		Difficulty:      difficultyPreference(diffCounts, diffRanks, total),
		TagAffinity:     affinity,
		OverallMastery:  mastery,
		TotalProblems:   len(problems),
		LearningPattern: classifyPattern(mastery, totalSuccess, totalLapse, total),
		MasteredTagSets: p.masteredTagSets(logs, latestPerProblem, meta),
		GeneratedAt:     now,
	}
}

func (p *Profiler) buildSkill(agg *domainAgg) DomainSkill {
	accuracy := betaSmoothed(agg.successes, agg.samples)
	lapseRate := float64(agg.lapses) / float64(agg.samples)
	retention := retentionNorm(agg.stabSum/float64(agg.samples), p.cfg.MasteryStability)
	score := clamp01(0.5*accuracy + 0.3*retention + 0.2*(1-lapseRate))

	strength := StrengthNormal
	if agg.samples >= p.cfg.MinSamples {
		switch {
		case score < p.cfg.WeakThreshold:
			strength = StrengthWeak
		case score > p.cfg.StrongThreshold:
			strength = StrengthStrong
		}
	}

	avgResp := 0.0
	if agg.respN > 0 {
		avgResp = agg.respSum / float64(agg.respN)
	}
	return DomainSkill{
		Samples:       agg.samples,
		Accuracy:      accuracy,
		Retention:     retention,
		LapseRate:     lapseRate,
		AvgResponseMs: avgResp,
		Attempts:      len(agg.problems),
		SkillScore:    score,
		Strength:      strength,
	}
}

func difficultyPreference(counts map[string]int, ranks []int, total int) DifficultyPreference {
	dist := map[string]float64{"easy": 0, "medium": 0, "hard": 0}
	if total > 0 {
		for level := range dist {
			dist[level] = float64(counts[level]) / float64(total)
		}
	}

	preferred := "medium"
	best := -1.0
	for _, level := range []string{"easy", "medium", "hard"} {
		if dist[level] > best {
			best = dist[level]
			preferred = level
		}
	}

	return DifficultyPreference{
		Distribution:   dist,
		Trend:          difficultyTrend(ranks),
		PreferredLevel: preferred,
	}
}

// difficultyTrend compares the mean difficulty rank of the recent half
// against the older half.
func difficultyTrend(ranks []int) Trend {
	if len(ranks) < 4 {
		return TrendStable
	}
	mid := len(ranks) / 2
	older := meanInt(ranks[:mid])
	recent := meanInt(ranks[mid:])
	switch {
	case recent-older > 0.15:
		return TrendIncreasing
	case older-recent > 0.15:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func classifyPattern(mastery float64, successes, lapses, total int) Pattern {
	if total == 0 {
		return PatternSteady
	}
	accuracy := betaSmoothed(successes, total)
	lapseShare := float64(lapses) / float64(total)
	switch {
	case mastery >= 0.7 && accuracy >= 0.75:
		return PatternAdvanced
	case accuracy < 0.55 || lapseShare > 0.3:
		return PatternStruggling
	default:
		return PatternSteady
	}
}

// masteredTagSets collects the tag sets of recently mastered problems,
// newest first. A problem is mastered when its latest review succeeded at
// high stability.
func (p *Profiler) masteredTagSets(logs []domain.ReviewLog, latest map[int64]domain.ReviewLog, meta map[int64]domain.Problem) [][]string {
	var out [][]string
	seen := make(map[int64]struct{})
	for _, l := range logs {
		if len(out) >= p.cfg.MaxMasteredSets {
			break
		}
		if _, done := seen[l.ProblemID]; done {
			continue
		}
		seen[l.ProblemID] = struct{}{}

		last := latest[l.ProblemID]
		if last.Rating < domain.RatingGood || last.NewStability < p.cfg.MasteryStability {
			continue
		}
		prob, ok := meta[l.ProblemID]
		if !ok || len(prob.Tags) == 0 {
			continue
		}
		out = append(out, prob.Tags)
	}
	return out
}

func betaSmoothed(successes, samples int) float64 {
	return (float64(successes) + 1) / (float64(samples) + 2)
}

// retentionNorm maps stability onto [0,1) with the half-point at
// halfPoint days.
func retentionNorm(stability, halfPoint float64) float64 {
	if stability <= 0 {
		return 0
	}
	return stability / (stability + halfPoint)
}

func meanInt(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
