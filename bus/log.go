package bus

import (
	"context"
	"log/slog"

	"github.com/thisisjab/logcast/entity"
)

// LogPublisher writes envelopes to the logger instead of a broker. Handy for local runs.
type LogPublisher struct {
	logger *slog.Logger
	level  slog.Level
}

func NewLogPublisher(logger *slog.Logger, level slog.Level) *LogPublisher {
	return &LogPublisher{logger: logger, level: level}
}

func (p *LogPublisher) Publish(ctx context.Context, env entity.Envelope, exchange string) error {
	p.logger.Log(ctx, p.level, "published envelope",
		"exchange", exchange,
		"action", env.Action,
		"message", env.Params.Message.Message,
		"timestamp", env.Params.Message.Timestamp.String(),
	)

	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
