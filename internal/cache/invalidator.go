package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codetop/internal/domain"
	"codetop/internal/event"
)

// DefaultRedeleteDelay is how long after the first delete the second one
// runs.
const DefaultRedeleteDelay = time.Second

// Invalidator maps domain events onto cache evictions. It runs as an
// event-bus listener, which by the bus contract means strictly after the
// write that raised the event has committed.
type Invalidator struct {
	store     Store
	keys      Keys
	redeleter *Redeleter
	logger    *zap.Logger
}

// NewInvalidator wires an invalidator over the store and redelete worker.
func NewInvalidator(store Store, redeleter *Redeleter, logger *zap.Logger) *Invalidator {
	return &Invalidator{store: store, redeleter: redeleter, logger: logger}
}

// Register subscribes the invalidation handlers on the bus.
func (i *Invalidator) Register(bus *event.Bus) {
	bus.Subscribe(domain.ReviewCompleted{}.EventName(), i.onReviewCompleted)
	bus.Subscribe(domain.ProblemUpdated{}.EventName(), i.onProblemUpdated)
	bus.Subscribe(domain.ParametersOptimized{}.EventName(), i.onParametersOptimized)
}

// onReviewCompleted evicts everything derived from the user's review
// history: profile, stats, per-problem aggregates, every cached queue
// size, and every cached recommendation segment.
func (i *Invalidator) onReviewCompleted(ctx context.Context, ev domain.Event) {
	e := ev.(domain.ReviewCompleted)
	keys := []string{
		i.keys.Profile(e.UserID),
		i.keys.Stats(e.UserID),
		i.keys.Metrics(e.UserID),
	}
	indexes := []string{
		i.keys.UserIndex(DomainQueue, e.UserID),
		i.keys.UserIndex(DomainRecommendation, e.UserID),
	}
	i.evict(ctx, keys, indexes)
}

// onProblemUpdated evicts the cached metadata for one problem.
func (i *Invalidator) onProblemUpdated(ctx context.Context, ev domain.Event) {
	e := ev.(domain.ProblemUpdated)
	i.evict(ctx, []string{i.keys.Problem(e.ProblemID)}, nil)
}

// onParametersOptimized evicts schedule-derived entries; new weights imply
// new intervals, so queues, stats, and recommendations are all stale.
func (i *Invalidator) onParametersOptimized(ctx context.Context, ev domain.Event) {
	e := ev.(domain.ParametersOptimized)
	keys := []string{i.keys.Stats(e.UserID)}
	indexes := []string{
		i.keys.UserIndex(DomainQueue, e.UserID),
		i.keys.UserIndex(DomainRecommendation, e.UserID),
	}
	i.evict(ctx, keys, indexes)
}

// evict performs the first delete inline, then hands the same key set to
// the redeleter. The second delete is always scheduled after the first has
// been issued.
func (i *Invalidator) evict(ctx context.Context, keys []string, indexes []string) {
	if err := i.store.Delete(ctx, keys...); err != nil {
		i.logger.Warn("cache invalidation failed", zap.Error(err))
	}
	for _, idx := range indexes {
		if _, err := i.store.DeleteIndexed(ctx, idx); err != nil {
			i.logger.Warn("indexed invalidation failed", zap.String("index", idx), zap.Error(err))
		}
	}
	i.redeleter.Schedule(keys, indexes)
}
