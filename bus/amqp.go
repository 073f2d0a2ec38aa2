package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/thisisjab/logcast/entity"
)

type AMQPPublisherConfig struct {
	URL string `yaml:"url"`
	// ExchangeKind is used when declaring exchanges. Defaults to fanout.
	ExchangeKind string `yaml:"exchange_kind"`
	// RoutingKey is attached to every publishing. Ignored by fanout exchanges.
	RoutingKey string `yaml:"routing_key"`
	// Confirms waits for the broker to acknowledge every publishing.
	Confirms    bool          `yaml:"confirms"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func (c AMQPPublisherConfig) Validate() error {
	if c.URL == "" {
		return errors.New("amqp url is required")
	}

	switch c.ExchangeKind {
	case "", amqp.ExchangeFanout, amqp.ExchangeDirect, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		return fmt.Errorf("invalid amqp exchange kind: %s", c.ExchangeKind)
	}

	return nil
}

// AMQPPublisher publishes envelopes as persistent JSON messages to durable exchanges.
type AMQPPublisher struct {
	cfg    AMQPPublisherConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

func NewAMQPPublisher(cfg AMQPPublisherConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = amqp.ExchangeFanout
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	return &AMQPPublisher{
		cfg:      cfg,
		logger:   logger,
		declared: make(map[string]bool),
	}, nil
}

func (p *AMQPPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connect()
}

// connect must be called with p.mu held.
func (p *AMQPPublisher) connect() error {
	conn, err := amqp.DialConfig(p.cfg.URL, amqp.Config{Dial: amqp.DefaultDial(p.cfg.DialTimeout)})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if p.cfg.Confirms {
		if err := ch.Confirm(false); err != nil {
			conn.Close()
			return fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}

	p.conn = conn
	p.ch = ch
	// Exchanges need to be declared again on a fresh channel.
	p.declared = make(map[string]bool)

	p.logger.Info("connected to amqp broker", "exchange-kind", p.cfg.ExchangeKind, "confirms", p.cfg.Confirms)

	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}

	err := p.conn.Close()
	p.conn = nil
	p.ch = nil

	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (p *AMQPPublisher) Publish(ctx context.Context, env entity.Envelope, exchange string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cannot encode envelope: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		p.logger.Warn("amqp channel is closed, reconnecting")
		if err := p.connect(); err != nil {
			return err
		}
	}

	if !p.declared[exchange] {
		if err := p.ch.ExchangeDeclare(exchange, p.cfg.ExchangeKind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("cannot declare exchange %q: %w", exchange, err)
		}
		p.declared[exchange] = true
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    env.Params.Message.Timestamp.Time,
		Type:         env.Action,
		Body:         body,
	}

	if !p.cfg.Confirms {
		if err := p.ch.PublishWithContext(ctx, exchange, p.cfg.RoutingKey, false, false, publishing); err != nil {
			return fmt.Errorf("cannot publish: %w", err)
		}
		return nil
	}

	confirmation, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, p.cfg.RoutingKey, false, false, publishing)
	if err != nil {
		return fmt.Errorf("cannot publish: %w", err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("no publish confirmation: %w", err)
	}
	if !acked {
		return errors.New("publish rejected by broker")
	}

	return nil
}
