package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aegislink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	b := NewMemoryBus(zaptest.NewLogger(t).Sugar(), nil)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []domain.Event
	)
	_, err := b.Subscribe(domain.TopicSystemEvent, func(ctx context.Context, evt domain.Event) {
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	})
	require.NoError(t, err)

	payload := domain.SystemEvent{Name: "test_event", Severity: domain.SeverityLow}
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.TopicSystemEvent, payload)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, received[0].ID)
	var decoded domain.SystemEvent
	require.NoError(t, received[0].Decode(&decoded))
	assert.Equal(t, "test_event", decoded.Name)
}

func TestMemoryBus_TopicsAreIsolated(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var count atomic.Int32
	_, err := b.Subscribe(domain.TopicSystemEvent, func(ctx context.Context, evt domain.Event) {
		count.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.TopicSystemStatus, domain.SystemStatus{})))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, count.Load())
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var count atomic.Int32
	unsub, err := b.Subscribe(domain.TopicSystemEvent, func(ctx context.Context, evt domain.Event) {
		count.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.TopicSystemEvent, domain.SystemEvent{Name: "one"})))
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub() // idempotent

	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.TopicSystemEvent, domain.SystemEvent{Name: "two"})))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestMemoryBus_PanickingHandlerDoesNotKillDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var count atomic.Int32
	_, err := b.Subscribe(domain.TopicSystemEvent, func(ctx context.Context, evt domain.Event) {
		if count.Add(1) == 1 {
			panic("handler blew up")
		}
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.TopicSystemEvent, domain.SystemEvent{Name: "one"})))
	require.NoError(t, b.Publish(ctx, domain.NewEvent(domain.TopicSystemEvent, domain.SystemEvent{Name: "two"})))

	require.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus(zaptest.NewLogger(t).Sugar(), nil)

	_, err := b.Subscribe(domain.TopicSystemEvent, func(ctx context.Context, evt domain.Event) {})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close()) // idempotent

	err = b.Publish(context.Background(), domain.NewEvent(domain.TopicSystemEvent, domain.SystemEvent{}))
	assert.ErrorIs(t, err, domain.ErrNotRunning)

	_, err = b.Subscribe(domain.TopicSystemEvent, func(ctx context.Context, evt domain.Event) {})
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}
