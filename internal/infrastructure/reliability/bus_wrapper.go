package reliability

import (
	"context"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"
	"aegislink/pkg/circuitbreaker"
	"aegislink/pkg/retry"

	"go.uber.org/zap"
)

// BusWrapper decorates a bus with retry and a circuit breaker on the publish
// path. When the transport is remote (Redis), a broker outage trips the
// breaker instead of stalling every engine on failing publishes.
type BusWrapper struct {
	bus         ports.Bus
	logger      *zap.SugaredLogger
	retryConfig retry.Config
	breaker     *circuitbreaker.CircuitBreaker
}

func NewBusWrapper(
	bus ports.Bus,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *BusWrapper {
	w := &BusWrapper{
		bus:         bus,
		logger:      logger,
		retryConfig: retryConfig,
		breaker:     circuitbreaker.New(cbConfig),
	}

	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("bus circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

func (w *BusWrapper) Publish(ctx context.Context, evt domain.Event) error {
	return retry.Do(ctx, w.retryConfig, func() error {
		return w.breaker.Execute(func() error {
			return w.bus.Publish(ctx, evt)
		})
	})
}

// Subscribe passes through: subscriptions are long-lived and carry their own
// reconnect semantics in the underlying transport.
func (w *BusWrapper) Subscribe(topic domain.EventType, h ports.BusHandler) (func(), error) {
	return w.bus.Subscribe(topic, h)
}

func (w *BusWrapper) Close() error {
	return w.bus.Close()
}

// BreakerState exposes the publish breaker state for health reporting.
func (w *BusWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.State()
}
