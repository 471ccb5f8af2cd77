package candidate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"codetop/internal/domain"
	"codetop/internal/event"
)

// ProblemSource loads problem metadata from the store of record.
type ProblemSource interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.Problem, error)
}

// MetaCache fronts problem metadata with an in-process cache. Problem rows
// change rarely; the cache holds them close to the pool builder and drops
// entries when a ProblemUpdated event lands.
type MetaCache struct {
	source ProblemSource
	cache  *gocache.Cache
	log    *zap.Logger
}

// NewMetaCache builds the cache with the given TTL, defaulting to 30
// minutes.
func NewMetaCache(source ProblemSource, ttl time.Duration, logger *zap.Logger) *MetaCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MetaCache{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
		log:    logger,
	}
}

// RegisterInvalidation drops a problem's entry when its metadata changes.
func (m *MetaCache) RegisterInvalidation(bus *event.Bus) {
	bus.Subscribe(domain.ProblemUpdated{}.EventName(), func(_ context.Context, ev domain.Event) {
		upd, ok := ev.(domain.ProblemUpdated)
		if !ok {
			return
		}
		m.cache.Delete(metaKey(upd.ProblemID))
		m.log.Debug("evicted problem metadata", zap.Int64("problem_id", upd.ProblemID))
	})
}

// GetByIDs returns metadata for the given problems, loading misses from
// the source in one batch. Missing problems are absent from the result.
func (m *MetaCache) GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.Problem, error) {
	out := make(map[int64]domain.Problem, len(ids))
	var misses []int64
	for _, id := range ids {
		if v, ok := m.cache.Get(metaKey(id)); ok {
			out[id] = v.(domain.Problem)
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}

	loaded, err := m.source.GetByIDs(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("load problem metadata: %w", err)
	}
	for id, p := range loaded {
		m.cache.SetDefault(metaKey(id), p)
		out[id] = p
	}
	return out, nil
}

func metaKey(problemID int64) string {
	return strconv.FormatInt(problemID, 10)
}
