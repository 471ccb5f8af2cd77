package recommend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"codetop/internal/admission"
	"codetop/internal/domain"
	"codetop/internal/provider"
)

func TestRecommendHappyPath(t *testing.T) {
	fx := newOrchestratorFixture(t)

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 1, Tier: "pro", Route: "ai-recommendations", TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Meta.Cached || resp.Meta.Busy {
		t.Fatalf("meta = %+v, want fresh non-busy response", resp.Meta)
	}
	if resp.Meta.Strategy != ObjectiveWeakness || resp.Meta.Provider != "llm" || resp.Meta.ChainID != "main" {
		t.Fatalf("meta = %+v, want weakness strategy from llm on chain main", resp.Meta)
	}
	if resp.Meta.TraceID != "trace-1" || len(resp.Meta.ChainHops) != 0 {
		t.Fatalf("meta = %+v, want trace-1 and no hops", resp.Meta)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(resp.Items))
	}
	it := resp.Items[0]
	if it.ProblemID != 101 || it.Source != "HYBRID:weakness" || it.Model != "test-model" {
		t.Fatalf("item = %+v, want 101 placed by weakness", it)
	}
	if it.Label != LabelHigh || !strings.HasPrefix(it.Reason, "[High Confidence] ") {
		t.Fatalf("item = %+v, want calibrated High reason", it)
	}
}

func TestRecommendFullSlate(t *testing.T) {
	fx := newOrchestratorFixture(t)

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 3, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(resp.Items) != 3 {
		t.Fatalf("got %d items, want the full slate", len(resp.Items))
	}
	wantOrder := []int64{101, 102, 103}
	for i, want := range wantOrder {
		if resp.Items[i].ProblemID != want {
			t.Fatalf("items[%d] = %d, want %d", i, resp.Items[i].ProblemID, want)
		}
		if resp.Items[i].Confidence <= 0 || resp.Items[i].Label == "" {
			t.Fatalf("items[%d] missing calibration: %+v", i, resp.Items[i])
		}
	}
}

func TestRecommendServesCachedSecondCall(t *testing.T) {
	fx := newOrchestratorFixture(t)
	q := Query{UserID: 7, Limit: 1, Tier: "pro", TraceID: "trace-1"}

	first, err := fx.orch.Recommend(context.Background(), q)
	if err != nil {
		t.Fatalf("first Recommend: %v", err)
	}
	q.TraceID = "trace-2"
	second, err := fx.orch.Recommend(context.Background(), q)
	if err != nil {
		t.Fatalf("second Recommend: %v", err)
	}
	if !second.Meta.Cached {
		t.Fatalf("second response not served from cache")
	}
	if second.Meta.TraceID != "trace-2" {
		t.Fatalf("cached TraceID = %q, want the current request's trace", second.Meta.TraceID)
	}
	if fx.ranker.calls != 1 {
		t.Fatalf("provider called %d times, want 1", fx.ranker.calls)
	}
	if len(second.Items) != len(first.Items) || second.Items[0].ProblemID != first.Items[0].ProblemID {
		t.Fatalf("cached items differ: %+v vs %+v", second.Items, first.Items)
	}
}

func TestRecommendCacheKeySeparatesLimits(t *testing.T) {
	fx := newOrchestratorFixture(t)

	if _, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 1, Tier: "pro"}); err != nil {
		t.Fatalf("Recommend limit 1: %v", err)
	}
	if _, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 3, Tier: "pro"}); err != nil {
		t.Fatalf("Recommend limit 3: %v", err)
	}
	if fx.ranker.calls != 2 {
		t.Fatalf("provider called %d times, want 2 (distinct cache keys)", fx.ranker.calls)
	}
}

func TestRecommendGateDenialFallsBack(t *testing.T) {
	fx := newOrchestratorFixture(t, withGate(ToggleConfig{Enabled: false}))

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 2, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Meta.Strategy != StrategySchedulerOnly || resp.Meta.FallbackReason != ReasonGlobalDisabled {
		t.Fatalf("meta = %+v, want scheduler fallback with GLOBAL_DISABLED", resp.Meta)
	}
	if len(resp.Items) != 2 || resp.Items[0].ProblemID != 101 || resp.Items[0].Source != SourceScheduler {
		t.Fatalf("items = %+v, want the urgency-ordered scheduler slate", resp.Items)
	}
	if fx.ranker.calls != 0 {
		t.Fatalf("provider called %d times on a denied request", fx.ranker.calls)
	}
	if keys := fx.mr.Keys(); len(keys) != 0 {
		t.Fatalf("fallback response was cached: %v", keys)
	}
}

func TestRecommendChainFailureFallsBack(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.ranker.fn = func(int) (*provider.Result, error) {
		return nil, errors.New("provider down")
	}

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 2, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Meta.Strategy != StrategySchedulerOnly || resp.Meta.FallbackReason != provider.ClassProviderError {
		t.Fatalf("meta = %+v, want PROVIDER_ERROR fallback", resp.Meta)
	}
	if len(resp.Meta.ChainHops) != 1 || resp.Meta.ChainHops[0].Node != "llm" {
		t.Fatalf("hops = %+v, want the llm failure recorded", resp.Meta.ChainHops)
	}
	if len(resp.Items) != 2 || resp.Items[0].Source != SourceScheduler {
		t.Fatalf("items = %+v, want the terminal scheduler slate", resp.Items)
	}
	if keys := fx.mr.Keys(); len(keys) != 0 {
		t.Fatalf("degraded response was cached: %v", keys)
	}
}

func TestRecommendBusyTerminal(t *testing.T) {
	fx := newOrchestratorFixture(t, withChains(SelectorConfig{
		DefaultChainID: "main",
		Chains: []Chain{{
			ID:       "main",
			Fallback: provider.FallbackBusy,
			Nodes:    []ChainNode{{Provider: "llm", Enabled: true, Timeout: time.Second}},
		}},
	}))
	fx.ranker.fn = func(int) (*provider.Result, error) {
		return nil, errors.New("provider down")
	}

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 2, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !resp.Meta.Busy || len(resp.Items) != 0 {
		t.Fatalf("resp = %+v, want empty busy response", resp)
	}
	if resp.Meta.FallbackReason != provider.ClassProviderError {
		t.Fatalf("FallbackReason = %q, want the failing hop's class", resp.Meta.FallbackReason)
	}
}

func TestRecommendAdmissionTimeoutFallsBack(t *testing.T) {
	fx := newOrchestratorFixture(t, withAdmission(admission.Config{
		GlobalLimit:    1,
		PerUserLimit:   1,
		AcquireTimeout: 30 * time.Millisecond,
	}))

	// Hold the only global slot so the request cannot be admitted.
	release, err := fx.admit.Acquire(context.Background(), 99)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer release()

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 2, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Meta.FallbackReason != ReasonAdmissionTimeout {
		t.Fatalf("FallbackReason = %q, want %q", resp.Meta.FallbackReason, ReasonAdmissionTimeout)
	}
	if fx.ranker.calls != 0 {
		t.Fatalf("provider called %d times without admission", fx.ranker.calls)
	}
	if len(resp.Items) == 0 {
		t.Fatalf("admission fallback returned no items")
	}
}

func TestRecommendInputFailureFallsBack(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.profiles.err = domain.ErrTransient

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 2, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Meta.FallbackReason != ReasonPipelineError {
		t.Fatalf("FallbackReason = %q, want %q", resp.Meta.FallbackReason, ReasonPipelineError)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("got %d items, want the scheduler slate despite the profile failure", len(resp.Items))
	}
}

func TestRecommendSurvivesTotalInputFailure(t *testing.T) {
	fx := newOrchestratorFixture(t)
	fx.builder.err = domain.ErrTransient

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 2, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Meta.FallbackReason != ReasonPipelineError || len(resp.Items) != 0 {
		t.Fatalf("resp = %+v, want an empty well-formed fallback", resp)
	}
}

func TestRecommendEmptyCalibrationFallsBack(t *testing.T) {
	cfg := DefaultConfidenceConfig()
	cfg.MinimumShow = 0.99
	fx := newOrchestratorFixture(t, withCalibrator(cfg))

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 2, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Meta.FallbackReason != ReasonEmptyResult {
		t.Fatalf("FallbackReason = %q, want %q", resp.Meta.FallbackReason, ReasonEmptyResult)
	}
	if len(resp.Items) == 0 || resp.Items[0].Source != SourceScheduler {
		t.Fatalf("items = %+v, want scheduler items after every slate entry was dropped", resp.Items)
	}
}

func TestRecommendNoUsableChainFallsBack(t *testing.T) {
	fx := newOrchestratorFixture(t, withChains(SelectorConfig{
		DefaultChainID: "missing",
		Chains:         []Chain{{ID: "dead", Nodes: []ChainNode{{Provider: "llm", Enabled: false}}}},
	}))

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 2, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Meta.FallbackReason != ReasonChainUnavailable {
		t.Fatalf("FallbackReason = %q, want %q", resp.Meta.FallbackReason, ReasonChainUnavailable)
	}
	if fx.ranker.calls != 0 {
		t.Fatalf("provider called %d times without a chain", fx.ranker.calls)
	}
}

func TestRecommendClampsLimit(t *testing.T) {
	fx := newOrchestratorFixture(t)

	if _, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 200, Tier: "pro"}); err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if fx.builder.lastLimit != 20 {
		t.Fatalf("builder saw limit %d, want clamped 20", fx.builder.lastLimit)
	}

	if _, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Tier: "pro"}); err != nil {
		t.Fatalf("Recommend default limit: %v", err)
	}
	if fx.builder.lastLimit != 10 {
		t.Fatalf("builder saw limit %d, want default 10", fx.builder.lastLimit)
	}
}

func TestRecommendGeneratesTraceWhenMissing(t *testing.T) {
	fx := newOrchestratorFixture(t)

	resp, err := fx.orch.Recommend(context.Background(), Query{UserID: 7, Limit: 1, Tier: "pro"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Meta.TraceID == "" {
		t.Fatalf("meta.TraceID empty, want a generated trace id")
	}
}

func TestRecommendHonorsCallerContext(t *testing.T) {
	fx := newOrchestratorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := fx.orch.Recommend(ctx, Query{UserID: 7, Limit: 1, Tier: "pro"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Recommend on canceled ctx = %v, want context.Canceled", err)
	}
}
