package candidate

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"codetop/internal/domain"
	"codetop/internal/event"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeCardSource struct {
	cards []domain.Card
	err   error
}

func (f *fakeCardSource) ListCandidates(_ context.Context, _ int64, _ time.Time, _ int) ([]domain.Card, error) {
	return f.cards, f.err
}

type fakeAccuracySource struct {
	byCard map[int64]float64
}

func (f *fakeAccuracySource) RecentAccuracyByCard(_ context.Context, _ int64, _ time.Time) (map[int64]float64, error) {
	return f.byCard, nil
}

type fakeProblemSource struct {
	problems map[int64]domain.Problem
	loads    int
}

func (f *fakeProblemSource) GetByIDs(_ context.Context, ids []int64) (map[int64]domain.Problem, error) {
	f.loads++
	out := make(map[int64]domain.Problem)
	for _, id := range ids {
		if p, ok := f.problems[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func reviewCard(id, problemID int64, stability float64, lastDaysAgo, overdueDays float64) domain.Card {
	last := testNow.Add(-time.Duration(lastDaysAgo * 24 * float64(time.Hour)))
	next := testNow.Add(-time.Duration(overdueDays * 24 * float64(time.Hour)))
	return domain.Card{
		ID:         id,
		UserID:     7,
		ProblemID:  problemID,
		State:      domain.CardStateReview,
		Stability:  stability,
		Difficulty: 5,
		LastReview: &last,
		NextReview: &next,
	}
}

func builderFixture(cards []domain.Card, problems map[int64]domain.Problem, accuracy map[int64]float64) (*Builder, *fakeProblemSource) {
	src := &fakeProblemSource{problems: problems}
	meta := NewMetaCache(src, time.Minute, zap.NewNop())
	b := NewBuilder(&fakeCardSource{cards: cards}, &fakeAccuracySource{byCard: accuracy}, meta, zap.NewNop()).
		WithClock(func() time.Time { return testNow })
	return b, src
}

func TestBuildOrdersByUrgency(t *testing.T) {
	cards := []domain.Card{
		reviewCard(1, 101, 30, 2, 0.5),
		reviewCard(2, 102, 5, 10, 6),
		reviewCard(3, 103, 60, 1, 0.1),
	}
	problems := map[int64]domain.Problem{
		101: {ID: 101, Title: "A", Difficulty: domain.DifficultyEasy, Tags: []string{"array"}, Categories: []string{"arrays"}},
		102: {ID: 102, Title: "B", Difficulty: domain.DifficultyHard, Tags: []string{"graph"}},
		103: {ID: 103, Title: "C", Difficulty: domain.DifficultyMedium, Tags: []string{"dp"}},
	}
	b, _ := builderFixture(cards, problems, map[int64]float64{1: 0.8, 2: 0.4})

	pool, err := b.Build(context.Background(), 7, 5)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pool) != 3 {
		t.Fatalf("pool size = %d, want 3", len(pool))
	}
	// Card 2 is 6 days overdue on a weak memory; it must lead.
	if pool[0].ID != 102 {
		t.Fatalf("pool[0].ID = %d, want 102", pool[0].ID)
	}
	if pool[0].DaysOverdue < 5.9 || pool[0].DaysOverdue > 6.1 {
		t.Fatalf("DaysOverdue = %v, want ~6", pool[0].DaysOverdue)
	}
	if pool[0].RecentAccuracy != 0.4 {
		t.Fatalf("RecentAccuracy = %v, want 0.4", pool[0].RecentAccuracy)
	}
	for _, c := range pool {
		if c.UrgencyScore < 0 || c.UrgencyScore > 1 {
			t.Fatalf("urgency out of range: %+v", c)
		}
		if c.RetentionProbability <= 0 || c.RetentionProbability > 1 {
			t.Fatalf("retention out of range: %+v", c)
		}
	}
	if pool[0].Topic != "graph" {
		t.Fatalf("Topic = %q, want tag fallback graph", pool[0].Topic)
	}
}

func TestBuildCapsPoolSize(t *testing.T) {
	if got := PoolSize(5); got != 15 {
		t.Fatalf("PoolSize(5) = %d, want 15", got)
	}
	if got := PoolSize(20); got != MaxPoolSize {
		t.Fatalf("PoolSize(20) = %d, want %d", got, MaxPoolSize)
	}
}

func TestBuildSkipsMissingProblems(t *testing.T) {
	cards := []domain.Card{
		reviewCard(1, 101, 10, 2, 1),
		reviewCard(2, 999, 10, 2, 1),
	}
	problems := map[int64]domain.Problem{
		101: {ID: 101, Title: "A", Difficulty: domain.DifficultyEasy, Tags: []string{"array"}},
	}
	b, _ := builderFixture(cards, problems, nil)

	pool, err := b.Build(context.Background(), 7, 5)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pool) != 1 || pool[0].ID != 101 {
		t.Fatalf("pool = %+v, want only problem 101", pool)
	}
}

func TestBuildValidatesInput(t *testing.T) {
	b, _ := builderFixture(nil, nil, nil)
	if _, err := b.Build(context.Background(), 0, 5); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("user 0: err = %v", err)
	}
	if _, err := b.Build(context.Background(), 7, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("limit 0: err = %v", err)
	}
}

func TestMetaCacheServesRepeatsWithoutReload(t *testing.T) {
	src := &fakeProblemSource{problems: map[int64]domain.Problem{
		101: {ID: 101, Title: "A"},
		102: {ID: 102, Title: "B"},
	}}
	meta := NewMetaCache(src, time.Minute, zap.NewNop())

	first, err := meta.GetByIDs(context.Background(), []int64{101, 102})
	if err != nil {
		t.Fatalf("first GetByIDs: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first load = %d entries, want 2", len(first))
	}
	if _, err := meta.GetByIDs(context.Background(), []int64{101, 102}); err != nil {
		t.Fatalf("second GetByIDs: %v", err)
	}
	if src.loads != 1 {
		t.Fatalf("source loads = %d, want 1", src.loads)
	}
}

func TestMetaCacheInvalidatesOnProblemUpdated(t *testing.T) {
	src := &fakeProblemSource{problems: map[int64]domain.Problem{
		101: {ID: 101, Title: "A"},
	}}
	meta := NewMetaCache(src, time.Minute, zap.NewNop())
	bus := event.NewBus(zap.NewNop())
	meta.RegisterInvalidation(bus)

	if _, err := meta.GetByIDs(context.Background(), []int64{101}); err != nil {
		t.Fatalf("warm: %v", err)
	}
	src.problems[101] = domain.Problem{ID: 101, Title: "A v2"}
	bus.Publish(context.Background(), domain.ProblemUpdated{ProblemID: 101})

	got, err := meta.GetByIDs(context.Background(), []int64{101})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got[101].Title != "A v2" {
		t.Fatalf("Title = %q, want reload after invalidation", got[101].Title)
	}
	if src.loads != 2 {
		t.Fatalf("source loads = %d, want 2", src.loads)
	}
}
