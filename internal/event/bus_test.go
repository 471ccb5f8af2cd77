package event

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"codetop/internal/domain"
)

func TestBusDispatchOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var got []string
	bus.Subscribe(domain.ReviewCompleted{}.EventName(), func(ctx context.Context, ev domain.Event) {
		got = append(got, "first")
	})
	bus.Subscribe(domain.ReviewCompleted{}.EventName(), func(ctx context.Context, ev domain.Event) {
		got = append(got, "second")
	})
	bus.Subscribe(domain.ProblemUpdated{}.EventName(), func(ctx context.Context, ev domain.Event) {
		got = append(got, "problem")
	})

	bus.Publish(context.Background(),
		domain.ReviewCompleted{UserID: 1, ProblemID: 2, Rating: domain.RatingGood},
		domain.ProblemUpdated{ProblemID: 2},
	)

	want := []string{"first", "second", "problem"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %d handlers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBusNoHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	// Publishing with no subscribers must be a no-op, not a panic.
	bus.Publish(context.Background(), domain.ParametersOptimized{UserID: 7})
}

func TestBusEventPayload(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var seen domain.ReviewCompleted
	bus.Subscribe(domain.ReviewCompleted{}.EventName(), func(ctx context.Context, ev domain.Event) {
		seen = ev.(domain.ReviewCompleted)
	})

	bus.Publish(context.Background(), domain.ReviewCompleted{UserID: 42, ProblemID: 7, Rating: domain.RatingEasy})

	if seen.UserID != 42 || seen.ProblemID != 7 || seen.Rating != domain.RatingEasy {
		t.Errorf("handler saw %+v", seen)
	}
}
