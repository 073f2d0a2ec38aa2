package processor

import (
	"strings"

	"github.com/thisisjab/logcast/entity"
)

const levelKey = "level"

var levelAliases = map[string]string{
	"warning":     "warn",
	"err":         "error",
	"critical":    "fatal",
	"crit":        "fatal",
	"information": "info",
}

// LevelProcessor normalizes metadata.level so that level filtering on query is predictable.
type LevelProcessor struct {
	name string
}

func NewLevelProcessor(name string) *LevelProcessor {
	return &LevelProcessor{name: name}
}

func (p *LevelProcessor) Name() string {
	return p.name
}

func (p *LevelProcessor) Process(msg entity.LogMessage) (entity.LogMessage, error) {
	raw, ok := msg.Metadata[levelKey].(string)
	if !ok {
		return msg, nil
	}

	level := normalizeLevel(raw)
	if level == raw {
		return msg, nil
	}

	// Copy so the caller's map is never mutated.
	metadata := make(map[string]any, len(msg.Metadata))
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	metadata[levelKey] = level
	msg.Metadata = metadata

	return msg, nil
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if alias, ok := levelAliases[level]; ok {
		return alias
	}
	return level
}
