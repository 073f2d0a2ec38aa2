package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thisisjab/logcast/entity"
	"github.com/thisisjab/logcast/fault"
	"github.com/thisisjab/logcast/storage"
)

type broadcastCall struct {
	event   string
	payload any
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *fakeBroadcaster) Broadcast(event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{event: event, payload: payload})
}

type publishCall struct {
	env      entity.Envelope
	exchange string
	ctxErr   error
}

type fakePublisher struct {
	mu    sync.Mutex
	err   error
	calls []publishCall
}

func (p *fakePublisher) Publish(ctx context.Context, env entity.Envelope, exchange string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{env: env, exchange: exchange, ctxErr: ctx.Err()})
	return p.err
}

type failingStore struct {
	appendErr error
	readErr   error
	appends   int
}

func (s *failingStore) Append(ctx context.Context, msg entity.LogMessage) error {
	s.appends++
	return s.appendErr
}

func (s *failingStore) Read(ctx context.Context, day time.Time, limit int) ([][]byte, error) {
	return nil, s.readErr
}

type testEngine struct {
	*Engine
	store       *storage.PartitionStore
	broadcaster *fakeBroadcaster
	publisher   *fakePublisher
	clock       *time.Time
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, now time.Time, processors ...MessageProcessor) *testEngine {
	t.Helper()

	store, err := storage.NewPartitionStore(storage.PartitionStoreConfig{Dir: t.TempDir()}, discardLogger())
	if err != nil {
		t.Fatalf("cannot create store: %v", err)
	}

	te := &testEngine{
		store:       store,
		broadcaster: &fakeBroadcaster{},
		publisher:   &fakePublisher{},
		clock:       &now,
	}

	e, err := New(Config{
		Store:       store,
		Broadcaster: te.broadcaster,
		Publisher:   te.publisher,
		Processors:  processors,
		Now:         func() time.Time { return *te.clock },
	}, discardLogger())
	if err != nil {
		t.Fatalf("cannot create engine: %v", err)
	}
	te.Engine = e

	return te
}

func (te *testEngine) submit(t *testing.T, text, level string) entity.LogMessage {
	t.Helper()

	msg, err := te.Submit(context.Background(), Submission{
		Text:     text,
		Metadata: map[string]any{"level": level},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	*te.clock = te.clock.Add(time.Second)
	return msg
}

func texts(msgs []entity.LogMessage) string {
	var res []string
	for _, m := range msgs {
		res = append(res, m.Message)
	}
	return strings.Join(res, "|")
}

func TestNewValidatesConfig(t *testing.T) {
	store := &failingStore{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no store", Config{Broadcaster: &fakeBroadcaster{}, Publisher: &fakePublisher{}}},
		{"no broadcaster", Config{Store: store, Publisher: &fakePublisher{}}},
		{"no publisher", Config{Store: store, Broadcaster: &fakeBroadcaster{}}},
		{"nil processor", Config{Store: store, Broadcaster: &fakeBroadcaster{}, Publisher: &fakePublisher{}, Processors: []MessageProcessor{nil}}},
	}

	for _, tt := range tests {
		if _, err := New(tt.cfg, discardLogger()); err == nil {
			t.Fatalf("%s: expected an error", tt.name)
		}
	}
}

func TestSubmitAssignsDefaults(t *testing.T) {
	now := time.Date(2019, 6, 7, 13, 37, 0, 0, time.UTC)
	te := newTestEngine(t, now)

	msg, err := te.Submit(context.Background(), Submission{Text: "hey!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.EmitType != "message" {
		t.Fatalf("wrong emit type: %q", msg.EmitType)
	}
	if msg.Metadata == nil || len(msg.Metadata) != 0 {
		t.Fatalf("metadata should default to an empty map, got %#v", msg.Metadata)
	}
	if msg.Timestamp.String() != "2019-06-07T13:37:00.000Z" {
		t.Fatalf("wrong timestamp: %s", msg.Timestamp)
	}

	raw, err := os.ReadFile(te.store.PartitionPath(now))
	if err != nil {
		t.Fatalf("cannot read partition: %v", err)
	}
	expected := `{"message":"hey!","metadata":{},"emitType":"message","timestamp":"2019-06-07T13:37:00.000Z"}` + "\n"
	if string(raw) != expected {
		t.Fatalf("wrong partition content.\nexpected=%s\ngot=%s", expected, raw)
	}
}

func TestSubmitDispatchesAfterPersisting(t *testing.T) {
	te := newTestEngine(t, time.Date(2019, 6, 7, 13, 37, 0, 0, time.UTC))

	msg, err := te.Submit(context.Background(), Submission{
		Text:     "hey!",
		Metadata: map[string]any{"level": "info"},
		EmitType: "alert",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(te.broadcaster.calls) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(te.broadcaster.calls))
	}
	if te.broadcaster.calls[0].event != "alert" {
		t.Fatalf("wrong broadcast event: %q", te.broadcaster.calls[0].event)
	}

	if len(te.publisher.calls) != 1 {
		t.Fatalf("expected one publish, got %d", len(te.publisher.calls))
	}
	call := te.publisher.calls[0]
	if call.exchange != DefaultExchange {
		t.Fatalf("wrong exchange: %q", call.exchange)
	}
	if call.env.Action != "alert" || call.env.Params.Message.Message != msg.Message {
		t.Fatalf("wrong envelope: %+v", call.env)
	}
	if call.env.Params.Message.Timestamp.String() != "2019-06-07T13:37:00.000Z" {
		t.Fatalf("wrong envelope timestamp: %s", call.env.Params.Message.Timestamp)
	}
}

func TestSubmitMissingText(t *testing.T) {
	now := time.Date(2019, 6, 7, 13, 37, 0, 0, time.UTC)
	te := newTestEngine(t, now)

	_, err := te.Submit(context.Background(), Submission{Metadata: map[string]any{"level": "info"}})
	if fault.CodeOf(err) != fault.BadInputCode {
		t.Fatalf("expected a bad input fault, got %v", err)
	}

	if _, err := os.Stat(te.store.PartitionPath(now)); !os.IsNotExist(err) {
		t.Fatalf("no partition should have been written, stat error: %v", err)
	}
	if len(te.broadcaster.calls) != 0 || len(te.publisher.calls) != 0 {
		t.Fatalf("nothing should have been dispatched")
	}
}

func TestSubmitPersistenceFailureSkipsDispatch(t *testing.T) {
	store := &failingStore{appendErr: errors.New("disk full")}
	broadcaster := &fakeBroadcaster{}
	publisher := &fakePublisher{}

	e, err := New(Config{Store: store, Broadcaster: broadcaster, Publisher: publisher}, discardLogger())
	if err != nil {
		t.Fatalf("cannot create engine: %v", err)
	}

	_, err = e.Submit(context.Background(), Submission{Text: "hey!"})
	if fault.CodeOf(err) != fault.StorageCode {
		t.Fatalf("expected a storage fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("cause should be reported, got %q", err.Error())
	}

	if len(broadcaster.calls) != 0 || len(publisher.calls) != 0 {
		t.Fatalf("an unpersisted message must never be dispatched")
	}
}

func TestSubmitDispatchFailureIsPartialSuccess(t *testing.T) {
	te := newTestEngine(t, time.Date(2019, 6, 7, 13, 37, 0, 0, time.UTC))
	te.publisher.err = errors.New("bus unreachable")

	msg, err := te.Submit(context.Background(), Submission{Text: "hey!"})
	if fault.CodeOf(err) != fault.DispatchCode {
		t.Fatalf("expected a dispatch fault, got %v", err)
	}
	if msg.Message != "hey!" {
		t.Fatalf("the persisted message should be returned, got %+v", msg)
	}

	// Live subscribers still got it.
	if len(te.broadcaster.calls) != 1 {
		t.Fatalf("broadcast should happen regardless of the bus, got %d calls", len(te.broadcaster.calls))
	}

	// And it can be recovered through a query.
	msgs, err := te.Query(context.Background(), Query{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if texts(msgs) != "hey!" {
		t.Fatalf("message should be durable, got %q", texts(msgs))
	}
}

func TestSubmitDispatchIgnoresCallerCancellation(t *testing.T) {
	te := newTestEngine(t, time.Date(2019, 6, 7, 13, 37, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel as soon as the message reaches the live hub, i.e. after persisting.
	te.Engine.dispatcher.broadcaster = broadcasterFunc(func(event string, payload any) { cancel() })

	if _, err := te.Submit(ctx, Submission{Text: "hey!"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(te.publisher.calls) != 1 || te.publisher.calls[0].ctxErr != nil {
		t.Fatalf("publish should run with a live context, got %+v", te.publisher.calls)
	}
}

type broadcasterFunc func(event string, payload any)

func (f broadcasterFunc) Broadcast(event string, payload any) { f(event, payload) }

func TestSubmitCancelledBeforePersisting(t *testing.T) {
	now := time.Date(2019, 6, 7, 13, 37, 0, 0, time.UTC)
	te := newTestEngine(t, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := te.Submit(ctx, Submission{Text: "hey!"})
	if fault.CodeOf(err) != fault.StorageCode || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a storage fault caused by cancellation, got %v", err)
	}

	if _, err := os.Stat(te.store.PartitionPath(now)); !os.IsNotExist(err) {
		t.Fatalf("no partition should have been written")
	}
	if len(te.publisher.calls) != 0 {
		t.Fatalf("nothing should have been published")
	}
}

func TestQueryScenario(t *testing.T) {
	te := newTestEngine(t, time.Date(2019, 6, 6, 7, 7, 13, 0, time.UTC))

	te.submit(t, "An info message", "info")
	te.submit(t, "A warning message", "warn")
	te.submit(t, "An error message", "error")
	te.submit(t, "A super warning message", "super-warn")

	tests := []struct {
		name     string
		query    Query
		expected string
	}{
		{"all", Query{}, "An info message|A warning message|An error message|A super warning message"},
		{"limit 1", Query{Limit: 1}, "A super warning message"},
		{"limit larger than total", Query{Limit: 10}, "An info message|A warning message|An error message|A super warning message"},
		{"levels", Query{Levels: []string{"warn", "error"}}, "A warning message|An error message"},
		{"limit applies before levels", Query{Limit: 3, Levels: []string{"super-warn"}}, "A super warning message"},
		{"matching record outside raw tail", Query{Limit: 3, Levels: []string{"info"}}, ""},
		{"other day", Query{Day: time.Date(2019, 6, 5, 0, 0, 0, 0, time.UTC)}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, err := te.Query(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if texts(first) != tt.expected {
				t.Fatalf("wrong result. expected=%q, got=%q", tt.expected, texts(first))
			}

			second, err := te.Query(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if texts(second) != texts(first) {
				t.Fatalf("query is not idempotent: %q vs %q", texts(first), texts(second))
			}
		})
	}
}

func TestQueryDayInOtherLocation(t *testing.T) {
	te := newTestEngine(t, time.Date(2019, 6, 6, 7, 7, 13, 0, time.UTC))
	te.submit(t, "An info message", "info")

	tests := []struct {
		name     string
		day      time.Time
		expected string
	}{
		{"midnight east of utc", time.Date(2019, 6, 6, 0, 0, 0, 0, time.FixedZone("UTC+3", 3*60*60)), "An info message"},
		{"late evening west of utc", time.Date(2019, 6, 6, 23, 0, 0, 0, time.FixedZone("UTC-5", -5*60*60)), "An info message"},
		{"previous local date", time.Date(2019, 6, 5, 23, 0, 0, 0, time.FixedZone("UTC+3", 3*60*60)), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := te.Query(context.Background(), Query{Day: tt.day})
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if texts(msgs) != tt.expected {
				t.Fatalf("wrong result. expected=%q, got=%q", tt.expected, texts(msgs))
			}
		})
	}
}

func TestQueryRoundTrip(t *testing.T) {
	te := newTestEngine(t, time.Date(2019, 6, 7, 23, 59, 58, 0, time.UTC))

	first := te.submit(t, "before midnight", "info")
	te.submit(t, "last second of the day", "info")
	*te.clock = te.clock.Add(time.Second)
	te.submit(t, "next day", "info")

	msgs, err := te.Query(context.Background(), Query{Day: first.Timestamp.Time})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if texts(msgs) != "before midnight|last second of the day" {
		t.Fatalf("wrong messages for the first day: %q", texts(msgs))
	}

	got, _ := msgs[0].EncodeLine()
	want, _ := first.EncodeLine()
	if string(got) != string(want) {
		t.Fatalf("message not returned verbatim.\nexpected=%s\ngot=%s", want, got)
	}

	today, err := te.Query(context.Background(), Query{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if texts(today) != "next day" {
		t.Fatalf("wrong messages for today: %q", texts(today))
	}
}

func TestQueryStorageFailure(t *testing.T) {
	store := &failingStore{readErr: errors.New("permission denied")}

	e, err := New(Config{Store: store, Broadcaster: &fakeBroadcaster{}, Publisher: &fakePublisher{}}, discardLogger())
	if err != nil {
		t.Fatalf("cannot create engine: %v", err)
	}

	if _, err := e.Query(context.Background(), Query{}); fault.CodeOf(err) != fault.StorageCode {
		t.Fatalf("expected a storage fault, got %v", err)
	}
}

type upperProcessor struct{}

func (upperProcessor) Name() string { return "upper" }

func (upperProcessor) Process(msg entity.LogMessage) (entity.LogMessage, error) {
	msg.Message = strings.ToUpper(msg.Message)
	msg.Timestamp = entity.Timestamp{}
	return msg, nil
}

type brokenProcessor struct{}

func (brokenProcessor) Name() string { return "broken" }

func (brokenProcessor) Process(msg entity.LogMessage) (entity.LogMessage, error) {
	return entity.LogMessage{}, errors.New("boom")
}

type blankingProcessor struct{}

func (blankingProcessor) Name() string { return "blanking" }

func (blankingProcessor) Process(msg entity.LogMessage) (entity.LogMessage, error) {
	msg.Message = ""
	return msg, nil
}

func TestSubmitRunsProcessors(t *testing.T) {
	te := newTestEngine(t, time.Date(2019, 6, 7, 13, 37, 0, 0, time.UTC), brokenProcessor{}, upperProcessor{})

	msg, err := te.Submit(context.Background(), Submission{Text: "hey!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Message != "HEY!" {
		t.Fatalf("processor output not applied: %q", msg.Message)
	}
	if msg.Timestamp.String() != "2019-06-07T13:37:00.000Z" {
		t.Fatalf("processors must not change the timestamp, got %s", msg.Timestamp)
	}
}

func TestSubmitProcessorBlankingTextFailsValidation(t *testing.T) {
	te := newTestEngine(t, time.Date(2019, 6, 7, 13, 37, 0, 0, time.UTC), blankingProcessor{})

	if _, err := te.Submit(context.Background(), Submission{Text: "hey!"}); fault.CodeOf(err) != fault.BadInputCode {
		t.Fatalf("expected a bad input fault, got %v", err)
	}
	if len(te.publisher.calls) != 0 {
		t.Fatalf("nothing should have been published")
	}
}
