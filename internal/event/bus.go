// Package event provides the in-process domain event bus. Writers publish
// events only after their transaction has committed, so listeners (cache
// invalidation above all) always observe durable state.
package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"codetop/internal/domain"
)

// Handler consumes one event. Handlers must be fast and must not assume
// they run on any particular goroutine; dispatch is synchronous in
// publish order.
type Handler func(ctx context.Context, ev domain.Event)

// Bus fans events out to subscribed handlers. Subscription happens during
// startup wiring; Publish is safe for concurrent use afterwards.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers h for events with the given name. Handlers for the
// same name run in subscription order.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish dispatches each event to its handlers in order. Callers invoke
// this strictly after their write has committed; the bus itself adds no
// buffering that could reorder or drop an invalidation.
func (b *Bus) Publish(ctx context.Context, events ...domain.Event) {
	for _, ev := range events {
		b.mu.RLock()
		hs := b.handlers[ev.EventName()]
		b.mu.RUnlock()

		if len(hs) == 0 {
			continue
		}
		b.logger.Debug("dispatching event",
			zap.String("event", ev.EventName()),
			zap.Int("handlers", len(hs)))
		for _, h := range hs {
			h(ctx, ev)
		}
	}
}
