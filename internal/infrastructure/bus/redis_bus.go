package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "aegislink:"

// RedisBus carries the event fabric over Redis pub/sub so radio gateways and
// telemetry bridges on other hosts see the same topics. Unlike a
// state-mirroring bus, it does not filter out its own instance: local engines
// talk to each other through the same channels the gateways use. InstanceID
// is stamped for observability only.
type RedisBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	metrics    ports.Metrics

	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger, metrics ports.Metrics) *RedisBus {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &RedisBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		metrics:    metrics,
		subs:       make(map[string]*redisSubscription),
	}
}

func channelName(topic domain.EventType) string {
	return channelPrefix + string(topic)
}

func (b *RedisBus) Publish(ctx context.Context, evt domain.Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.InstanceID = b.instanceID

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, channelName(evt.Type), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.metrics.BusPublished(evt.Type)
	b.logger.Debugw("published event", "topic", evt.Type, "event_id", evt.ID)
	return nil
}

func (b *RedisBus) Subscribe(topic domain.EventType, h ports.BusHandler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, domain.ErrNotRunning
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channelName(topic))

	// Force the subscription to be established before returning so callers
	// can publish immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	subID := uuid.NewString()

	b.mu.Lock()
	b.subs[subID] = sub
	b.mu.Unlock()

	go b.consume(ctx, sub, topic, h)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, subID)
			b.mu.Unlock()
			cancel()
			pubsub.Close()
			<-sub.done
		})
	}
	return unsubscribe, nil
}

func (b *RedisBus) consume(ctx context.Context, sub *redisSubscription, topic domain.EventType, h ports.BusHandler) {
	defer close(sub.done)

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warnw("failed to unmarshal event", "topic", topic, "error", err)
				continue
			}
			b.safeHandle(ctx, topic, h, evt)
		}
	}
}

func (b *RedisBus) safeHandle(ctx context.Context, topic domain.EventType, h ports.BusHandler, evt domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("subscriber handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(ctx, evt)
}

// Close tears down all subscriptions. The Redis client itself is owned by
// the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.pubsub.Close()
		<-sub.done
	}
	return nil
}
