package ports

import (
	"context"

	"aegislink/internal/core/domain"
)

// BusHandler processes one delivered event. Handlers run on the subscriber's
// own goroutine; a slow or failing handler never blocks the publisher.
type BusHandler func(ctx context.Context, evt domain.Event)

// Bus is the transport boundary: a generic publish/subscribe fabric carrying
// typed event envelopes on named topics.
type Bus interface {
	Publish(ctx context.Context, evt domain.Event) error
	Subscribe(topic domain.EventType, h BusHandler) (unsubscribe func(), err error)
	Close() error
}
