package services

import (
	"context"
	"sync"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"
)

// stubBus records published events and optionally delivers them synchronously
// to registered handlers, so tests see deterministic ordering.
type stubBus struct {
	mu       sync.Mutex
	events   []domain.Event
	handlers map[domain.EventType][]ports.BusHandler
	deliver  bool
}

func newStubBus() *stubBus {
	return &stubBus{handlers: make(map[domain.EventType][]ports.BusHandler)}
}

func newRoutingStubBus() *stubBus {
	b := newStubBus()
	b.deliver = true
	return b
}

func (b *stubBus) Publish(ctx context.Context, evt domain.Event) error {
	b.mu.Lock()
	b.events = append(b.events, evt)
	var handlers []ports.BusHandler
	if b.deliver {
		handlers = append(handlers, b.handlers[evt.Type]...)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, evt)
	}
	return nil
}

func (b *stubBus) Subscribe(topic domain.EventType, h ports.BusHandler) (func(), error) {
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], h)
	b.mu.Unlock()
	return func() {}, nil
}

func (b *stubBus) Close() error { return nil }

func (b *stubBus) eventsOf(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.Event
	for _, evt := range b.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}
