package fsrs

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codetop/internal/cache"
	"codetop/internal/domain"
	"codetop/internal/event"
	"codetop/internal/metrics"
)

type cardKey struct {
	user, problem int64
}

type fakeCardStore struct {
	mu     sync.Mutex
	cards  map[cardKey]domain.Card
	nextID int64
}

func newFakeCardStore() *fakeCardStore {
	return &fakeCardStore{cards: make(map[cardKey]domain.Card)}
}

func (f *fakeCardStore) put(c domain.Card) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == 0 {
		f.nextID++
		c.ID = f.nextID
	}
	f.cards[cardKey{c.UserID, c.ProblemID}] = c
}

func (f *fakeCardStore) GetForUpdate(_ context.Context, userID, problemID int64) (domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cards[cardKey{userID, problemID}]
	if !ok {
		return domain.Card{}, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeCardStore) Create(_ context.Context, card domain.Card) (domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	card.ID = f.nextID
	f.cards[cardKey{card.UserID, card.ProblemID}] = card
	return card, nil
}

func (f *fakeCardStore) Update(_ context.Context, card domain.Card) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[cardKey{card.UserID, card.ProblemID}] = card
	return nil
}

func (f *fakeCardStore) ListCandidates(_ context.Context, userID int64, _ time.Time, perClass int) ([]domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Card
	for _, c := range f.cards {
		if c.UserID == userID && !c.Deleted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCardStore) StateCounts(_ context.Context, userID int64) (map[domain.CardState]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[domain.CardState]int)
	for _, c := range f.cards {
		if c.UserID == userID && !c.Deleted {
			counts[c.State]++
		}
	}
	return counts, nil
}

func (f *fakeCardStore) CountDue(_ context.Context, userID int64, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cards {
		if c.UserID == userID && !c.Deleted && c.State != domain.CardStateNew && c.IsDue(now) {
			n++
		}
	}
	return n, nil
}

type fakeLogStore struct {
	mu   sync.Mutex
	logs []domain.ReviewLog
}

func (f *fakeLogStore) Append(_ context.Context, log domain.ReviewLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeLogStore) CountSince(_ context.Context, userID int64, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.logs {
		if l.UserID == userID && !l.ReviewedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeLogStore) SuccessRate(_ context.Context, userID int64, since time.Time) (float64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total, ok := 0, 0
	for _, l := range f.logs {
		if l.UserID == userID && !l.ReviewedAt.Before(since) {
			total++
			if l.Rating.Success() {
				ok++
			}
		}
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(ok) / float64(total), total, nil
}

func (f *fakeLogStore) ListForTraining(_ context.Context, userID int64, limit int) ([]domain.ReviewLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ReviewLog
	for _, l := range f.logs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReviewedAt.Before(out[j].ReviewedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeParamRepo struct {
	mu          sync.Mutex
	active      map[int64]domain.UserParameters
	activations int
	nextID      int64
}

func newFakeParamRepo() *fakeParamRepo {
	return &fakeParamRepo{active: make(map[int64]domain.UserParameters)}
}

func (f *fakeParamRepo) ActiveByUser(_ context.Context, userID int64) (domain.UserParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.active[userID]
	if !ok {
		return domain.UserParameters{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeParamRepo) Activate(_ context.Context, p domain.UserParameters) (domain.UserParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p.ID = f.nextID
	p.IsActive = true
	f.active[p.UserID] = p
	f.activations++
	return p, nil
}

type fakeProblemStore struct {
	mu       sync.Mutex
	problems map[int64]domain.Problem
}

func newFakeProblemStore(ps ...domain.Problem) *fakeProblemStore {
	f := &fakeProblemStore{problems: make(map[int64]domain.Problem)}
	for _, p := range ps {
		f.problems[p.ID] = p
	}
	return f
}

func (f *fakeProblemStore) GetByIDs(_ context.Context, ids []int64) (map[int64]domain.Problem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]domain.Problem, len(ids))
	for _, id := range ids {
		if p, ok := f.problems[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeTx struct{}

func (fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type serviceFixture struct {
	svc    *Service
	cards  *fakeCardStore
	logs   *fakeLogStore
	params *fakeParamRepo
	bus    *event.Bus
	store  cache.Store
	mr     *miniredis.Miniredis
	now    time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	met := metrics.NewForTest()
	logger := zap.NewNop()
	store := cache.NewRedisStoreWithClient(client, met, logger)
	t.Cleanup(func() { _ = store.Close() })

	fx := &serviceFixture{
		cards:  newFakeCardStore(),
		logs:   &fakeLogStore{},
		params: newFakeParamRepo(),
		bus:    event.NewBus(logger),
		store:  store,
		mr:     mr,
		now:    testNow,
	}
	fx.svc = NewService(ServiceConfig{
		Cards:    fx.cards,
		Logs:     fx.logs,
		Params:   fx.params,
		Problems: newFakeProblemStore(
			domain.Problem{ID: 42, Title: "Two Sum", Difficulty: domain.DifficultyEasy},
			domain.Problem{ID: 43, Title: "LRU Cache", Difficulty: domain.DifficultyMedium},
			domain.Problem{ID: 44, Title: "Word Ladder", Difficulty: domain.DifficultyHard},
		),
		Tx:      fakeTx{},
		Store:   store,
		TTLs:    cache.DefaultTTLs(),
		Bus:     fx.bus,
		Metrics: met,
		Logger:  logger,
		Now:     func() time.Time { return fx.now },
	})
	return fx
}
