package recommend

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codetop/internal/admission"
	"codetop/internal/cache"
	"codetop/internal/candidate"
	"codetop/internal/metrics"
	"codetop/internal/profile"
	"codetop/internal/provider"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// testPool is the shared candidate fixture: an urgent graph problem, a due
// array problem, and a fresh dp problem.
func testPool() []candidate.Problem {
	return []candidate.Problem{
		{ID: 101, Topic: "graphs", Difficulty: "HARD", Tags: []string{"graph", "breadth-first-search"}, Attempts: 6, RecentAccuracy: 0.4, UrgencyScore: 0.9, RetentionProbability: 0.35, DaysOverdue: 5},
		{ID: 102, Topic: "arrays", Difficulty: "MEDIUM", Tags: []string{"array", "two-pointers"}, Attempts: 12, RecentAccuracy: 0.9, UrgencyScore: 0.6, RetentionProbability: 0.7, DaysOverdue: 1},
		{ID: 103, Topic: "dynamic_programming", Difficulty: "MEDIUM", Tags: []string{"dynamic-programming"}, Attempts: 0, RecentAccuracy: 0, UrgencyScore: 0.2, RetentionProbability: 1, DaysOverdue: 0},
	}
}

func poolIndex(pool []candidate.Problem) map[int64]candidate.Problem {
	return indexPool(pool)
}

// testProfile marks graphs weak and arrays strong, with one mastered
// array-tagged problem.
func testProfile() *profile.UserProfile {
	return &profile.UserProfile{
		UserID: 7,
		Skills: map[string]profile.DomainSkill{
			"graphs": {Samples: 15, Accuracy: 0.35, SkillScore: 0.3, Strength: profile.StrengthWeak},
			"arrays": {Samples: 20, Accuracy: 0.9, SkillScore: 0.85, Strength: profile.StrengthStrong},
		},
		Difficulty: profile.DifficultyPreference{
			Distribution:   map[string]float64{"easy": 0.5, "medium": 0.4, "hard": 0.1},
			PreferredLevel: "easy",
		},
		OverallMastery:  0.55,
		TotalProblems:   35,
		LearningPattern: profile.PatternSteady,
		MasteredTagSets: [][]string{{"array", "two-pointers"}},
		GeneratedAt:     testNow,
	}
}

// scriptedProvider returns whatever fn scripts for each successive call.
type scriptedProvider struct {
	name  string
	calls int
	fn    func(call int) (*provider.Result, error)
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Rank(ctx context.Context, req provider.Request, pool []candidate.Problem) (*provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.calls++
	return p.fn(p.calls)
}

// rankedResult builds a provider result scoring ids from 0.9 downwards.
func rankedResult(name string, ids ...int64) *provider.Result {
	items := make([]provider.Item, 0, len(ids))
	for i, id := range ids {
		items = append(items, provider.Item{
			ProblemID: id,
			Score:     0.9 - 0.1*float64(i),
			Reason:    fmt.Sprintf("ranked #%d", i+1),
		})
	}
	return &provider.Result{Provider: name, Model: "test-model", Items: items}
}

type fakePoolBuilder struct {
	pool      []candidate.Problem
	err       error
	builds    int
	lastLimit int
}

func (b *fakePoolBuilder) Build(ctx context.Context, userID int64, limit int) ([]candidate.Problem, error) {
	b.builds++
	b.lastLimit = limit
	if b.err != nil {
		return nil, b.err
	}
	return b.pool, nil
}

type fakeProfileSource struct {
	prof *profile.UserProfile
	err  error
}

func (s *fakeProfileSource) Get(ctx context.Context, userID int64) (*profile.UserProfile, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.prof, nil
}

// ============================================================================
// ORCHESTRATOR FIXTURE
// ============================================================================

type orchestratorFixture struct {
	orch     *Orchestrator
	store    cache.Store
	mr       *miniredis.Miniredis
	builder  *fakePoolBuilder
	profiles *fakeProfileSource
	ranker   *scriptedProvider
	admit    *admission.Controller
	gateCfg  ToggleConfig
}

type fixtureOption func(*orchestratorFixture, *OrchestratorConfig)

func withGate(cfg ToggleConfig) fixtureOption {
	return func(fx *orchestratorFixture, oc *OrchestratorConfig) {
		fx.gateCfg = cfg
		oc.Gate = NewToggleGate(cfg, oc.Metrics)
	}
}

func withAdmission(cfg admission.Config) fixtureOption {
	return func(fx *orchestratorFixture, oc *OrchestratorConfig) {
		fx.admit = admission.NewController(cfg, zap.NewNop())
		oc.Admission = fx.admit
	}
}

func withChains(cfg SelectorConfig) fixtureOption {
	return func(fx *orchestratorFixture, oc *OrchestratorConfig) {
		oc.Selector = NewChainSelector(cfg)
	}
}

func withCalibrator(cfg ConfidenceConfig) fixtureOption {
	return func(fx *orchestratorFixture, oc *OrchestratorConfig) {
		oc.Calibrator = NewConfidenceCalibrator(cfg, profile.NewTagMapper(profile.DefaultTagDomains()))
	}
}

// newOrchestratorFixture assembles a full pipeline around a scripted
// provider named "llm" and a single-node chain "main".
func newOrchestratorFixture(t *testing.T, opts ...fixtureOption) *orchestratorFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	met := metrics.NewForTest()
	store := cache.NewRedisStoreWithClient(client, met, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	mapper := profile.NewTagMapper(profile.DefaultTagDomains())

	fx := &orchestratorFixture{
		mr:       mr,
		store:    store,
		builder:  &fakePoolBuilder{pool: testPool()},
		profiles: &fakeProfileSource{prof: testProfile()},
		ranker: &scriptedProvider{name: "llm", fn: func(int) (*provider.Result, error) {
			return rankedResult("llm", 101, 102, 103), nil
		}},
		gateCfg: ToggleConfig{Enabled: true},
	}
	fx.admit = admission.NewController(admission.DefaultConfig(), zap.NewNop())

	oc := OrchestratorConfig{
		Assigner: NewABAssigner([]string{"control", "variant"}),
		Selector: NewChainSelector(SelectorConfig{
			DefaultChainID: "main",
			Chains: []Chain{{
				ID:       "main",
				Fallback: provider.FallbackTopN,
				Nodes:    []ChainNode{{Provider: "llm", Enabled: true, Timeout: time.Second}},
			}},
		}),
		Ranker:     NewHybridRanker(DefaultRankerConfig(), mapper),
		Mixer:      NewStrategyMixer(DefaultMixerConfig(), mapper),
		Calibrator: NewConfidenceCalibrator(DefaultConfidenceConfig(), mapper),
		Candidates: fx.builder,
		Profiles:   fx.profiles,
		Admission:  fx.admit,
		Store:      store,
		TTLs:       cache.DefaultTTLs(),
		Metrics:    met,
		Logger:     zap.NewNop(),
		Now:        func() time.Time { return testNow },
	}
	oc.Gate = NewToggleGate(fx.gateCfg, met)
	for _, opt := range opts {
		opt(fx, &oc)
	}
	oc.Executor = NewExecutor(ExecutorConfig{
		Providers: map[string]provider.Provider{"llm": fx.ranker},
		Limits:    admission.NewRateLimiters(),
		Metrics:   met,
		Logger:    zap.NewNop(),
	})

	fx.orch = NewOrchestrator(oc)
	return fx
}
