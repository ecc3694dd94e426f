package bus

import (
	"context"
	"sync"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

// subscriber is one handler with its own delivery queue and goroutine, so a
// slow handler backs up only its own queue.
type subscriber struct {
	id      string
	handler ports.BusHandler
	queue   chan domain.Event
	done    chan struct{}
}

// MemoryBus is the in-process transport: per-subscriber buffered queues with
// drop-on-full delivery. Publish never blocks.
type MemoryBus struct {
	logger  *zap.SugaredLogger
	metrics ports.Metrics

	mu     sync.RWMutex
	subs   map[domain.EventType][]*subscriber
	closed bool
}

func NewMemoryBus(logger *zap.SugaredLogger, metrics ports.Metrics) *MemoryBus {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &MemoryBus{
		logger:  logger,
		metrics: metrics,
		subs:    make(map[domain.EventType][]*subscriber),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, evt domain.Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return domain.ErrNotRunning
	}
	subs := b.subs[evt.Type]
	b.mu.RUnlock()

	b.metrics.BusPublished(evt.Type)
	for _, sub := range subs {
		select {
		case sub.queue <- evt:
		default:
			b.metrics.BusDropped(evt.Type)
			b.logger.Warnw("subscriber queue full, event dropped",
				"topic", evt.Type,
				"subscriber", sub.id,
			)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic domain.EventType, h ports.BusHandler) (func(), error) {
	sub := &subscriber{
		id:      uuid.NewString(),
		handler: h,
		queue:   make(chan domain.Event, subscriberBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, domain.ErrNotRunning
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go b.deliver(sub)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.remove(topic, sub)
			close(sub.done)
		})
	}
	return unsubscribe, nil
}

func (b *MemoryBus) deliver(sub *subscriber) {
	ctx := context.Background()
	for {
		select {
		case <-sub.done:
			return
		case evt := <-sub.queue:
			b.safeHandle(ctx, sub, evt)
		}
	}
}

func (b *MemoryBus) safeHandle(ctx context.Context, sub *subscriber, evt domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("subscriber handler panicked",
				"topic", evt.Type,
				"subscriber", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, evt)
}

func (b *MemoryBus) remove(topic domain.EventType, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[topic]
	for i, s := range list {
		if s == sub {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Close tears down every subscriber. Further publishes and subscribes fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscriber
	for topic, list := range b.subs {
		all = append(all, list...)
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.done)
	}
	return nil
}
