// Package querier turns raw partition lines into filtered messages.
package querier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/thisisjab/logcast/entity"
	"github.com/valyala/fastjson"
)

// Decode parses one stored line. Metadata is never nil on success.
func Decode(line []byte) (entity.LogMessage, error) {
	var msg entity.LogMessage

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	if err := dec.Decode(&msg); err != nil {
		return entity.LogMessage{}, fmt.Errorf("cannot decode line: %w", err)
	}

	if dec.More() {
		return entity.LogMessage{}, errors.New("cannot decode line: trailing data after message")
	}

	if err := checkKeys(line); err != nil {
		return entity.LogMessage{}, err
	}

	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}

	return msg, nil
}

var messageKeys = []string{"message", "metadata", "emitType", "timestamp"}

// checkKeys rejects keys that match a message field only case-insensitively.
// encoding/json would otherwise fold them into that field.
func checkKeys(line []byte) error {
	v, err := fastjson.ParseBytes(line)
	if err != nil {
		return fmt.Errorf("cannot decode line: %w", err)
	}
	obj, err := v.Object()
	if err != nil {
		return fmt.Errorf("cannot decode line: %w", err)
	}

	var bad string
	obj.Visit(func(key []byte, _ *fastjson.Value) {
		if bad != "" {
			return
		}
		k := string(key)
		for _, want := range messageKeys {
			if k != want && strings.EqualFold(k, want) {
				bad = k
				return
			}
		}
	})
	if bad != "" {
		return fmt.Errorf("cannot decode line: unexpected key %q", bad)
	}

	return nil
}

// FilterByLevel keeps messages whose metadata.level is one of levels, preserving order.
// With no levels every message passes. Messages without a string level never match a non-empty filter.
func FilterByLevel(msgs []entity.LogMessage, levels []string) []entity.LogMessage {
	if len(levels) == 0 {
		return msgs
	}

	res := make([]entity.LogMessage, 0, len(msgs))
	for _, m := range msgs {
		level, ok := m.Level()
		if ok && slices.Contains(levels, level) {
			res = append(res, m)
		}
	}

	return res
}

// Querier decodes and filters lines coming from the store.
type Querier struct {
	logger  *slog.Logger
	parsers fastjson.ParserPool
}

func New(logger *slog.Logger) *Querier {
	return &Querier{logger: logger}
}

// Select decodes lines and applies the level filter. Lines are expected to be already limited by the store,
// so a limit always counts raw records rather than matching ones.
// Malformed lines are skipped with a warning.
func (q *Querier) Select(lines [][]byte, levels []string) []entity.LogMessage {
	res := make([]entity.LogMessage, 0, len(lines))

	for _, line := range lines {
		if len(levels) > 0 && !q.levelMatches(line, levels) {
			continue
		}

		msg, err := Decode(line)
		if err != nil {
			q.logger.Warn("skipping malformed line", "line", string(line), "error", err)
			continue
		}

		res = append(res, msg)
	}

	// The peek above only looks at the raw level, this keeps the filter rules in one place.
	return FilterByLevel(res, levels)
}

// levelMatches peeks at metadata.level without decoding the whole line.
// Lines that fail to parse are let through so that Decode reports them.
func (q *Querier) levelMatches(line []byte, levels []string) bool {
	p := q.parsers.Get()
	defer q.parsers.Put(p)

	v, err := p.ParseBytes(line)
	if err != nil {
		return true
	}

	lv := v.Get("metadata", "level")
	if lv == nil || lv.Type() != fastjson.TypeString {
		return false
	}

	return slices.Contains(levels, string(lv.GetStringBytes()))
}
