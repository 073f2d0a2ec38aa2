package entity

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeLine(t *testing.T) {
	msg := LogMessage{
		Message:   "hey!\nsecond line <b>",
		Metadata:  map[string]any{"level": "info"},
		EmitType:  "message",
		Timestamp: NewTimestamp(time.Date(2019, 6, 7, 13, 37, 0, 0, time.UTC)),
	}

	line, err := msg.EncodeLine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"message":"hey!\nsecond line <b>","metadata":{"level":"info"},"emitType":"message","timestamp":"2019-06-07T13:37:00.000Z"}`
	if string(line) != expected {
		t.Fatalf("wrong line. expected=%s, got=%s", expected, line)
	}

	if bytes.IndexByte(line, '\n') >= 0 {
		t.Fatalf("line contains a raw newline: %q", line)
	}
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Time
		expected string
	}{
		{"whole second", time.Date(2019, 6, 6, 7, 7, 13, 0, time.UTC), "2019-06-06T07:07:13.000Z"},
		{"truncates below millisecond", time.Date(2019, 6, 6, 7, 7, 13, 133_999_999, time.UTC), "2019-06-06T07:07:13.133Z"},
		{"converts to utc", time.Date(2019, 6, 6, 9, 7, 13, 0, time.FixedZone("CEST", 2*60*60)), "2019-06-06T07:07:13.000Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := NewTimestamp(tt.input)
			if ts.String() != tt.expected {
				t.Fatalf("wrong timestamp. expected=%q, got=%q", tt.expected, ts.String())
			}

			var decoded Timestamp
			if err := json.Unmarshal([]byte(`"`+tt.expected+`"`), &decoded); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !decoded.Equal(ts.Time) {
				t.Fatalf("decoded timestamp mismatch. expected=%v, got=%v", ts, decoded)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]any
		level    string
		ok       bool
	}{
		{"nil metadata", nil, "", false},
		{"no level", map[string]any{"foo": "bar"}, "", false},
		{"non string level", map[string]any{"level": 3}, "", false},
		{"string level", map[string]any{"level": "warn"}, "warn", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, ok := LogMessage{Metadata: tt.metadata}.Level()
			if level != tt.level || ok != tt.ok {
				t.Fatalf("expected=(%q, %v), got=(%q, %v)", tt.level, tt.ok, level, ok)
			}
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	msg := LogMessage{Message: "hey!", Metadata: map[string]any{}, EmitType: "alert"}

	env := NewEnvelope(msg)
	if env.Action != "alert" {
		t.Fatalf("wrong action. expected=%q, got=%q", "alert", env.Action)
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	params, ok := decoded["params"].(map[string]any)
	if !ok {
		t.Fatalf("params missing in %s", b)
	}
	inner, ok := params["message"].(map[string]any)
	if !ok || inner["message"] != "hey!" {
		t.Fatalf("params.message missing or wrong in %s", b)
	}

	if NewEnvelope(LogMessage{}).Action != DefaultEmitType {
		t.Fatalf("empty emit type should fall back to %q", DefaultEmitType)
	}
}
