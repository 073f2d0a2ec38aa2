package engine

import (
	"log/slog"

	"github.com/thisisjab/logcast/entity"
)

// MessageProcessor is an interface that defines the contract for message processors.
// Processors run after validation and before persistence.
type MessageProcessor interface {
	Name() string
	Process(msg entity.LogMessage) (entity.LogMessage, error)
}

type processorChain struct {
	processors []MessageProcessor
	logger     *slog.Logger
}

func newProcessorChain(logger *slog.Logger, processors []MessageProcessor) *processorChain {
	return &processorChain{
		processors: processors,
		logger:     logger,
	}
}

// run applies processors in order. A failing processor is logged and skipped, the message stays as it was.
func (pc *processorChain) run(msg entity.LogMessage) entity.LogMessage {
	for _, p := range pc.processors {
		processed, err := p.Process(msg)
		if err != nil {
			pc.logger.Error("failed to process message", "processor", p.Name(), "error", err)
			continue
		}

		// Processors may only touch content, never when the message was received.
		processed.Timestamp = msg.Timestamp
		if processed.Metadata == nil {
			processed.Metadata = map[string]any{}
		}
		if processed.EmitType == "" {
			processed.EmitType = entity.DefaultEmitType
		}

		msg = processed
	}

	return msg
}
