package recommend

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codetop/internal/admission"
	"codetop/internal/cache"
	"codetop/internal/candidate"
	"codetop/internal/metrics"
	"codetop/internal/profile"
	"codetop/internal/provider"
)

// Fallback reasons the orchestrator itself can attach. Chain and gate
// reasons flow through unchanged.
const (
	ReasonAdmissionTimeout = "ADMISSION_TIMEOUT"
	ReasonChainUnavailable = "CHAIN_UNAVAILABLE"
	ReasonPipelineError    = "PIPELINE_ERROR"
	ReasonEmptyResult      = "EMPTY_RESULT"
)

// SourceScheduler marks items served by the scheduler-only fallback.
const SourceScheduler = "SCHEDULER"

// StrategySchedulerOnly is reported in meta when the slate came from the
// scheduler fallback instead of the hybrid pipeline.
const StrategySchedulerOnly = "SCHEDULER_ONLY"

// Query is one recommendation request as the handler hands it over. The
// user is always the authenticated caller.
type Query struct {
	UserID    int64
	Limit     int
	Objective string
	Tier      string
	Route     string
	TraceID   string
}

// ResponseItem is one recommended problem.
type ResponseItem struct {
	ProblemID  int64   `json:"problemId"`
	Reason     string  `json:"reason"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"confidenceLabel,omitempty"`
	Source     string  `json:"source"`
	Model      string  `json:"model,omitempty"`
}

// Meta explains how a response was produced. The transport layer copies
// ChainID, Hops and FallbackReason into response headers.
type Meta struct {
	TraceID        string    `json:"traceId"`
	GeneratedAt    time.Time `json:"generatedAt"`
	Cached         bool      `json:"cached"`
	Strategy       string    `json:"strategy"`
	Provider       string    `json:"provider,omitempty"`
	ChainID        string    `json:"chainId,omitempty"`
	ChainHops      []Hop     `json:"chainHops"`
	FallbackReason string    `json:"fallbackReason,omitempty"`
	Busy           bool      `json:"busy,omitempty"`
}

// Response is the full recommendation payload.
type Response struct {
	Items []ResponseItem `json:"items"`
	Meta  Meta           `json:"meta"`
}

// PoolBuilder supplies the candidate pool for a user.
type PoolBuilder interface {
	Build(ctx context.Context, userID int64, limit int) ([]candidate.Problem, error)
}

// ProfileSource supplies the cached user profile.
type ProfileSource interface {
	Get(ctx context.Context, userID int64) (*profile.UserProfile, error)
}

// OrchestratorConfig wires the full pipeline.
type OrchestratorConfig struct {
	Gate       *ToggleGate
	Assigner   *ABAssigner
	Selector   *ChainSelector
	Executor   *Executor
	Ranker     *HybridRanker
	Mixer      *StrategyMixer
	Calibrator *ConfidenceCalibrator

	Candidates PoolBuilder
	Profiles   ProfileSource
	Admission  *admission.Controller
	Store      cache.Store
	TTLs       cache.TTLs
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// PromptVersion segments the cache; bumping it invalidates every
	// cached slate at once.
	PromptVersion string
	DefaultLimit  int
	MaxLimit      int

	Now func() time.Time
}

// Orchestrator runs the recommendation pipeline end to end. It never
// returns an error to the caller: every internal failure degrades to the
// scheduler-only fallback with the reason recorded in meta.
type Orchestrator struct {
	gate       *ToggleGate
	assigner   *ABAssigner
	selector   *ChainSelector
	executor   *Executor
	ranker     *HybridRanker
	mixer      *StrategyMixer
	calibrator *ConfidenceCalibrator

	candidates PoolBuilder
	profiles   ProfileSource
	admit      *admission.Controller
	store      cache.Store
	ttls       cache.TTLs
	met        *metrics.Metrics
	log        *zap.Logger

	keys          cache.Keys
	promptVersion string
	defaultLimit  int
	maxLimit      int
	now           func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = "v1"
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		gate:          cfg.Gate,
		assigner:      cfg.Assigner,
		selector:      cfg.Selector,
		executor:      cfg.Executor,
		ranker:        cfg.Ranker,
		mixer:         cfg.Mixer,
		calibrator:    cfg.Calibrator,
		candidates:    cfg.Candidates,
		profiles:      cfg.Profiles,
		admit:         cfg.Admission,
		store:         cfg.Store,
		ttls:          cfg.TTLs,
		met:           cfg.Metrics,
		log:           cfg.Logger,
		promptVersion: cfg.PromptVersion,
		defaultLimit:  cfg.DefaultLimit,
		maxLimit:      cfg.MaxLimit,
		now:           cfg.Now,
	}
}

// Recommend produces a slate for q. The only error it can return is the
// caller's own context ending; everything else degrades to a fallback
// response.
func (o *Orchestrator) Recommend(ctx context.Context, q Query) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = o.defaultLimit
	}
	if limit > o.maxLimit {
		limit = o.maxLimit
	}
	objective := q.Objective
	if objective == "" {
		objective = ObjectiveWeakness
	}

	// 1. Build the request context. AB assignment is deterministic, so
	// the same user keeps the same segment across requests.
	rc := RequestContext{
		UserID:        q.UserID,
		Tier:          q.Tier,
		ABGroup:       o.assigner.GroupFor(q.UserID),
		Route:         q.Route,
		PromptVersion: o.promptVersion,
		TraceID:       q.TraceID,
	}
	if rc.TraceID == "" {
		rc.TraceID = uuid.NewString()
	}

	// 2. Toggle gate. A denial takes the scheduler path immediately.
	if d := o.gate.Decide(rc); !d.Allowed {
		return o.fallback(ctx, rc, limit, d.Reason, nil), nil
	}

	// 3. Chain selection is pure config, so it can run before the cache
	// lookup; the chain id is part of the cache key.
	chain, ok := o.selector.Select(rc)
	if !ok {
		return o.fallback(ctx, rc, limit, ReasonChainUnavailable, nil), nil
	}
	o.countChain(chain.ID)

	// 4. Cache hit short-circuits the pipeline.
	key := o.keys.Recommendation(rc.UserID, limit, rc.PromptVersion, rc.Tier, rc.ABGroup, chain.ID)
	if resp := o.cached(ctx, key, rc); resp != nil {
		return resp, nil
	}

	// 5. Admission. Timing out here means the provider tier is saturated;
	// the scheduler path still answers.
	release, err := o.admit.Acquire(ctx, rc.UserID)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return o.fallback(ctx, rc, limit, ReasonAdmissionTimeout, nil), nil
	}
	defer release()

	// 6. Candidates and profile load in parallel; either failing fails
	// the pipeline as a whole.
	pool, prof, err := o.gather(ctx, rc.UserID, limit)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		o.log.Warn("recommendation inputs failed",
			zap.String("traceId", rc.TraceID),
			zap.Error(err))
		return o.fallback(ctx, rc, limit, ReasonPipelineError, nil), nil
	}

	// 7. Walk the provider chain.
	req := providerRequest(rc, limit, objective, prof)
	chainRes := o.executor.Execute(ctx, chain, req, pool)
	if chainRes.Result.Busy {
		resp := o.respond(rc, nil, Meta{
			Strategy:       StrategySchedulerOnly,
			ChainID:        chainRes.ChainID,
			ChainHops:      chainRes.Hops,
			FallbackReason: chainRes.FallbackReason,
			Busy:           true,
		})
		return resp, nil
	}
	if chainRes.Terminal {
		return o.fallbackFromChain(rc, chainRes), nil
	}

	// 8. Post-process: hybrid rank, strategy mix, confidence calibration.
	poolByID := indexPool(pool)
	ranked := o.ranker.Rank(chainRes.Result.Items, poolByID, prof)
	mixed := o.mixer.Mix(ranked, poolByID, prof, objective, limit)
	poolFill := float64(len(pool)) / float64(candidate.PoolSize(limit))
	final := o.calibrator.Calibrate(mixed, poolByID, prof, poolFill)
	if len(final) == 0 {
		return o.fallback(ctx, rc, limit, ReasonEmptyResult, chainRes.Hops), nil
	}

	items := make([]ResponseItem, 0, len(final))
	for _, it := range final {
		items = append(items, ResponseItem{
			ProblemID:  it.ProblemID,
			Reason:     it.Reason,
			Score:      it.Score,
			Confidence: it.Confidence,
			Label:      it.Label,
			Source:     it.Source,
			Model:      chainRes.Result.Model,
		})
	}
	resp := o.respond(rc, items, Meta{
		Strategy:  objective,
		Provider:  chainRes.Result.Provider,
		ChainID:   chainRes.ChainID,
		ChainHops: chainRes.Hops,
	})

	// 9. Cache the finished slate. Fallback and busy responses are never
	// cached; a degraded answer must not outlive the incident.
	if err := cache.SetJSON(ctx, o.store, key, resp, o.ttls.Recommendation); err != nil {
		o.log.Warn("recommendation cache set failed", zap.String("key", key), zap.Error(err))
	} else if err := o.store.AddToIndex(ctx, o.keys.UserIndex(cache.DomainRecommendation, rc.UserID), o.ttls.Recommendation, key); err != nil {
		o.log.Warn("recommendation index update failed", zap.String("key", key), zap.Error(err))
	}
	return resp, nil
}

// gather loads the candidate pool and the user profile concurrently.
func (o *Orchestrator) gather(ctx context.Context, userID int64, limit int) ([]candidate.Problem, *profile.UserProfile, error) {
	var (
		pool []candidate.Problem
		prof *profile.UserProfile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pool, err = o.candidates.Build(gctx, userID, limit)
		return err
	})
	g.Go(func() error {
		var err error
		prof, err = o.profiles.Get(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return pool, prof, nil
}

// cached returns the stored response for key, or nil on miss. The cached
// meta keeps its original generation data; only the trace and the cached
// flag reflect the current request.
func (o *Orchestrator) cached(ctx context.Context, key string, rc RequestContext) *Response {
	var resp Response
	hit, err := cache.GetJSON(ctx, o.store, key, &resp)
	if err != nil {
		o.log.Warn("recommendation cache read failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !hit {
		o.countCache(false)
		return nil
	}
	o.countCache(true)
	resp.Meta.Cached = true
	resp.Meta.TraceID = rc.TraceID
	return &resp
}

// fallback answers with the scheduler-only slate. It is the terminal safety
// net: even a failing candidate build still produces a well-formed response.
func (o *Orchestrator) fallback(ctx context.Context, rc RequestContext, limit int, reason string, hops []Hop) *Response {
	if o.met != nil {
		o.met.FallbackReasons.WithLabelValues(reason).Inc()
	}
	meta := Meta{
		Strategy:       StrategySchedulerOnly,
		ChainHops:      hops,
		FallbackReason: reason,
	}
	pool, err := o.candidates.Build(ctx, rc.UserID, limit)
	if err != nil {
		o.log.Warn("scheduler fallback could not build candidates",
			zap.String("traceId", rc.TraceID),
			zap.String("reason", reason),
			zap.Error(err))
		return o.respond(rc, nil, meta)
	}
	return o.respond(rc, schedulerItems(pool, limit), meta)
}

// fallbackFromChain converts a terminal chain result into the fallback
// response, reusing the items the terminal strategy already produced.
func (o *Orchestrator) fallbackFromChain(rc RequestContext, res ChainResult) *Response {
	reason := res.FallbackReason
	if reason == "" {
		reason = ReasonChainUnavailable
	}
	if o.met != nil {
		o.met.FallbackReasons.WithLabelValues(reason).Inc()
	}
	meta := Meta{
		Strategy:       StrategySchedulerOnly,
		ChainID:        res.ChainID,
		ChainHops:      res.Hops,
		FallbackReason: reason,
	}
	items := make([]ResponseItem, 0, len(res.Result.Items))
	for _, it := range res.Result.Items {
		items = append(items, ResponseItem{
			ProblemID: it.ProblemID,
			Reason:    it.Reason,
			Score:     it.Score,
			Source:    SourceScheduler,
		})
	}
	return o.respond(rc, items, meta)
}

func (o *Orchestrator) respond(rc RequestContext, items []ResponseItem, meta Meta) *Response {
	if items == nil {
		items = []ResponseItem{}
	}
	if meta.ChainHops == nil {
		meta.ChainHops = []Hop{}
	}
	meta.TraceID = rc.TraceID
	meta.GeneratedAt = o.now().UTC()
	return &Response{Items: items, Meta: meta}
}

func (o *Orchestrator) countChain(id string) {
	if o.met != nil {
		o.met.ChainSelected.WithLabelValues(id).Inc()
	}
}

func (o *Orchestrator) countCache(hit bool) {
	if o.met == nil {
		return
	}
	if hit {
		o.met.CacheHits.WithLabelValues(cache.DomainRecommendation).Inc()
	} else {
		o.met.CacheMisses.WithLabelValues(cache.DomainRecommendation).Inc()
	}
}

// providerRequest flattens the profile into the hints providers may use.
func providerRequest(rc RequestContext, limit int, objective string, prof *profile.UserProfile) provider.Request {
	req := provider.Request{
		UserID:        rc.UserID,
		Limit:         limit,
		Objective:     objective,
		PromptVersion: rc.PromptVersion,
		TraceID:       rc.TraceID,
	}
	if prof != nil {
		req.WeakDomains = prof.DomainsWith(profile.StrengthWeak)
		req.StrongDomains = prof.DomainsWith(profile.StrengthStrong)
		req.LearningPattern = string(prof.LearningPattern)
		req.PreferredLevel = prof.Difficulty.PreferredLevel
	}
	return req
}

// schedulerItems maps the urgency-ordered pool onto response items.
func schedulerItems(pool []candidate.Problem, limit int) []ResponseItem {
	ranked := provider.SchedulerTopN(pool, limit)
	items := make([]ResponseItem, 0, len(ranked))
	for _, it := range ranked {
		items = append(items, ResponseItem{
			ProblemID: it.ProblemID,
			Reason:    it.Reason,
			Score:     it.Score,
			Source:    SourceScheduler,
		})
	}
	return items
}

func indexPool(pool []candidate.Problem) map[int64]candidate.Problem {
	byID := make(map[int64]candidate.Problem, len(pool))
	for _, c := range pool {
		byID[c.ID] = c
	}
	return byID
}
