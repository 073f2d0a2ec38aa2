package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thisisjab/logcast/entity"
)

// DefaultExchange is the bus exchange messages are published to unless configured otherwise.
const DefaultExchange = "larvitlog"

// Broadcaster pushes events to live subscribers. Delivery is best effort.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Publisher sends envelopes to a message bus exchange.
type Publisher interface {
	Publish(ctx context.Context, env entity.Envelope, exchange string) error
}

// Dispatcher fans a persisted message out to live subscribers and the message bus.
type Dispatcher struct {
	broadcaster Broadcaster
	publisher   Publisher
	exchange    string
	logger      *slog.Logger
}

func NewDispatcher(logger *slog.Logger, broadcaster Broadcaster, publisher Publisher, exchange string) (*Dispatcher, error) {
	if broadcaster == nil {
		return nil, errors.New("no broadcaster is configured")
	}

	if publisher == nil {
		return nil, errors.New("no publisher is configured")
	}

	if exchange == "" {
		exchange = DefaultExchange
	}

	return &Dispatcher{
		broadcaster: broadcaster,
		publisher:   publisher,
		exchange:    exchange,
		logger:      logger,
	}, nil
}

func (d *Dispatcher) Exchange() string {
	return d.exchange
}

// Notify broadcasts msg under its emit type and publishes its envelope.
// Only a publish failure is returned; broadcasting cannot fail.
func (d *Dispatcher) Notify(ctx context.Context, msg entity.LogMessage) error {
	env := entity.NewEnvelope(msg)

	d.broadcaster.Broadcast(env.Action, msg)

	if err := d.publisher.Publish(ctx, env, d.exchange); err != nil {
		return fmt.Errorf("cannot publish to exchange %q: %w", d.exchange, err)
	}

	d.logger.Debug("dispatched message", "event", env.Action, "exchange", d.exchange)

	return nil
}
