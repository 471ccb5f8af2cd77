package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codetop/internal/domain"
	"codetop/internal/event"
)

func TestInvalidatorReviewCompleted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	var keys Keys

	redeleter := NewRedeleter(store, 20*time.Millisecond, zap.NewNop())
	redeleter.Start()
	defer redeleter.Stop()

	bus := event.NewBus(zap.NewNop())
	NewInvalidator(store, redeleter, zap.NewNop()).Register(bus)

	// Seed the entries a review submission must evict.
	require.NoError(t, store.Set(ctx, keys.Profile(42), []byte("p"), time.Minute))
	require.NoError(t, store.Set(ctx, keys.Stats(42), []byte("s"), time.Minute))
	qk := keys.Queue(42, 20)
	require.NoError(t, store.Set(ctx, qk, []byte("q"), time.Minute))
	require.NoError(t, store.AddToIndex(ctx, keys.UserIndex(DomainQueue, 42), time.Minute, qk))

	bus.Publish(ctx, domain.ReviewCompleted{UserID: 42, ProblemID: 7, Rating: domain.RatingGood})

	for _, k := range []string{keys.Profile(42), keys.Stats(42), qk} {
		_, ok, err := store.Get(ctx, k)
		require.NoError(t, err)
		require.False(t, ok, "key %s should be evicted by the first delete", k)
	}
}

func TestInvalidatorDoubleDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	var keys Keys

	redeleter := NewRedeleter(store, 20*time.Millisecond, zap.NewNop())
	redeleter.Start()
	defer redeleter.Stop()

	bus := event.NewBus(zap.NewNop())
	NewInvalidator(store, redeleter, zap.NewNop()).Register(bus)

	require.NoError(t, store.Set(ctx, keys.Stats(42), []byte("old"), time.Minute))
	bus.Publish(ctx, domain.ReviewCompleted{UserID: 42, ProblemID: 7, Rating: domain.RatingGood})

	// A racing reader repopulates a stale value after the first delete.
	require.NoError(t, store.Set(ctx, keys.Stats(42), []byte("stale"), time.Minute))

	// The delayed second delete must clear it again.
	require.Eventually(t, func() bool {
		_, ok, err := store.Get(ctx, keys.Stats(42))
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond, "stale repopulated value should be re-deleted")
}

func TestInvalidatorProblemUpdated(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	var keys Keys

	redeleter := NewRedeleter(store, 10*time.Millisecond, zap.NewNop())
	redeleter.Start()
	defer redeleter.Stop()

	bus := event.NewBus(zap.NewNop())
	NewInvalidator(store, redeleter, zap.NewNop()).Register(bus)

	require.NoError(t, store.Set(ctx, keys.Problem(7), []byte("meta"), time.Minute))
	bus.Publish(ctx, domain.ProblemUpdated{ProblemID: 7})

	_, ok, err := store.Get(ctx, keys.Problem(7))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedeleterStopFlushesPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	redeleter := NewRedeleter(store, time.Hour, zap.NewNop())
	redeleter.Start()

	require.NoError(t, store.Set(ctx, "codetop:stats:1", []byte("x"), time.Minute))
	redeleter.Schedule([]string{"codetop:stats:1"}, nil)

	// Stop must execute the pending job instead of dropping it, even though
	// its delay has not elapsed.
	redeleter.Stop()

	_, ok, err := store.Get(ctx, "codetop:stats:1")
	require.NoError(t, err)
	require.False(t, ok, "pending redelete should run on Stop")
}
