package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thisisjab/logcast/entity"
	"github.com/thisisjab/logcast/fault"
	"github.com/thisisjab/logcast/querier"
)

type Config struct {
	Store       Store
	Broadcaster Broadcaster
	Publisher   Publisher
	// Exchange is the bus exchange name. Defaults to DefaultExchange.
	Exchange   string
	Processors []MessageProcessor
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) validate() error {
	if c.Store == nil {
		return errors.New("no message store is configured")
	}

	if c.Broadcaster == nil {
		return errors.New("no live broadcaster is configured")
	}

	if c.Publisher == nil {
		return errors.New("no bus publisher is configured")
	}

	for _, p := range c.Processors {
		if p == nil {
			return errors.New("nil message processor is configured")
		}
	}

	return nil
}

// Submission is an incoming message as provided by a client.
type Submission struct {
	Text     string
	Metadata map[string]any
	EmitType string
}

// Query selects messages of a single day. Limit is applied to stored records before the level filter.
type Query struct {
	// Day is read as a calendar date in its own location, so local midnight selects that local date.
	// Defaults to today (UTC).
	Day time.Time
	// Limit keeps only the last Limit stored records. Zero or negative means no limit.
	Limit  int
	Levels []string
}

// Engine is the message handler. It owns the write path (persist, then fan out) and the read path.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *Dispatcher
	querier    *querier.Querier
	processors *processorChain
}

func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dispatcher, err := NewDispatcher(logger, cfg.Broadcaster, cfg.Publisher, cfg.Exchange)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		querier:    querier.New(logger),
		processors: newProcessorChain(logger, cfg.Processors),
	}, nil
}

// Today returns the current UTC day, which is what partitions are keyed by.
func (e *Engine) Today() time.Time {
	return e.cfg.Now().UTC()
}

func (e *Engine) validate(sub Submission) (entity.LogMessage, error) {
	if sub.Text == "" {
		return entity.LogMessage{}, missingText()
	}

	msg := entity.LogMessage{
		Message:   sub.Text,
		Metadata:  sub.Metadata,
		EmitType:  sub.EmitType,
		Timestamp: entity.NewTimestamp(e.cfg.Now()),
	}

	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}

	if msg.EmitType == "" {
		msg.EmitType = entity.DefaultEmitType
	}

	return msg, nil
}

func missingText() error {
	return fault.New(fault.BadInputCode, "missing text").WithMetadata(fault.FieldErrorsMetadata{
		"message": []string{"Must be a non-empty string."},
	})
}

// Submit validates, persists and then fans out a message.
// A fault with fault.DispatchCode means the message is stored but may not have reached bus consumers.
func (e *Engine) Submit(ctx context.Context, sub Submission) (entity.LogMessage, error) {
	msg, err := e.validate(sub)
	if err != nil {
		return entity.LogMessage{}, err
	}

	msg = e.processors.run(msg)
	if msg.Message == "" {
		return entity.LogMessage{}, missingText()
	}

	if err := e.cfg.Store.Append(ctx, msg); err != nil {
		e.logger.Error("failed to persist message", "error", err)
		return entity.LogMessage{}, fault.New(fault.StorageCode, "cannot persist message").WithOriginal(err)
	}

	// The message is durable now, a caller going away must not stop the fan-out.
	if err := e.dispatcher.Notify(context.WithoutCancel(ctx), msg); err != nil {
		e.logger.Error("failed to dispatch persisted message", "event", msg.EmitType, "error", err)
		return msg, fault.New(fault.DispatchCode, "message persisted but not dispatched").WithOriginal(err)
	}

	return msg, nil
}

// Query returns messages of q.Day in stored order. A day without messages yields an empty result.
func (e *Engine) Query(ctx context.Context, q Query) ([]entity.LogMessage, error) {
	day := e.Today()
	if !q.Day.IsZero() {
		day = time.Date(q.Day.Year(), q.Day.Month(), q.Day.Day(), 0, 0, 0, 0, time.UTC)
	}

	lines, err := e.cfg.Store.Read(ctx, day, q.Limit)
	if err != nil {
		e.logger.Error("failed to read messages", "day", day.Format(time.DateOnly), "error", err)
		return nil, fault.New(fault.StorageCode, "cannot read messages").WithOriginal(err)
	}

	return e.querier.Select(lines, q.Levels), nil
}
