package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultEmitType is the event name used when a message does not carry one.
const DefaultEmitType = "message"

// TimestampLayout is the on-disk timestamp format. It always has millisecond precision and is always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a point in time serialized as ISO 8601 UTC with millisecond precision.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to milliseconds and converts it to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) String() string {
	return t.UTC().Format(TimestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("cannot parse timestamp %q: %w", s, err)
	}

	*t = NewTimestamp(parsed)
	return nil
}

// LogMessage is the unit of record. Field order matters: it is the persisted line layout.
type LogMessage struct {
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	EmitType  string         `json:"emitType"`
	Timestamp Timestamp      `json:"timestamp"`
}

// Level returns metadata.level when it is present and is a string.
func (m LogMessage) Level() (string, bool) {
	if m.Metadata == nil {
		return "", false
	}

	level, ok := m.Metadata["level"].(string)
	return level, ok
}

// EncodeLine encodes the message as a single line of JSON without the trailing newline.
func (m LogMessage) EncodeLine() ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	// Encoder terminates every value with '\n'. JSON string escaping guarantees there is no other one.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Envelope is what gets published to the message bus for every persisted message.
type Envelope struct {
	Action string         `json:"action"`
	Params EnvelopeParams `json:"params"`
}

type EnvelopeParams struct {
	Message LogMessage `json:"message"`
}

// NewEnvelope wraps msg using its emit type as the action.
func NewEnvelope(msg LogMessage) Envelope {
	action := msg.EmitType
	if action == "" {
		action = DefaultEmitType
	}

	return Envelope{
		Action: action,
		Params: EnvelopeParams{Message: msg},
	}
}
