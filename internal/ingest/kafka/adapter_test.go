package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/publish"

	"github.com/twmb/franz-go/pkg/kgo"
)

type published struct {
	name    domain.EventTypeName
	payload string
}

type stubPublisher struct {
	mu     sync.Mutex
	calls  []published
	kinds  map[domain.EventTypeName]publish.Kind
	causes map[domain.EventTypeName]error
	waitCh chan struct{}
}

func (s *stubPublisher) Publish(_ context.Context, name domain.EventTypeName, payload []byte) publish.Outcome {
	if s.waitCh != nil {
		<-s.waitCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, published{name: name, payload: string(payload)})
	kind, ok := s.kinds[name]
	if !ok {
		kind = publish.KindAccepted
	}
	out := publish.Outcome{Kind: kind, EventType: name}
	if kind == publish.KindStorageFailure {
		out.Cause = errors.New("append failed")
		if c, ok := s.causes[name]; ok {
			out.Cause = c
		}
	}
	return out
}

func (s *stubPublisher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testAdapter(cfg Config, pub *stubPublisher) (*Adapter, chan *kgo.Record) {
	a := newAdapter(cfg, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	committed := make(chan *kgo.Record, 16)
	a.markCommit = func(r *kgo.Record) { committed <- r }
	a.commitMarked = func(context.Context) error { return nil }
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}
	return a, committed
}

func withHeader(topic, eventType, value string) *kgo.Record {
	rec := &kgo.Record{Topic: topic, Value: []byte(value)}
	if eventType != "" {
		rec.Headers = []kgo.RecordHeader{{Key: DefaultEventTypeHeader, Value: []byte(eventType)}}
	}
	return rec
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"events"}, GroupID: "g1"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.EventTypeHeader != DefaultEventTypeHeader {
		t.Fatalf("default header = %q", cfg.EventTypeHeader)
	}
	if err := (Config{Enabled: true, Brokers: []string{"b"}}).Validate(); err == nil {
		t.Fatal("expected missing topics error")
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config must validate: %v", err)
	}
}

func TestSASLMechanisms(t *testing.T) {
	for _, m := range []string{"", "plain", "SCRAM-SHA-256", "scram-sha-512"} {
		if _, err := saslOpt(SASLConfig{Mechanism: m, Username: "u", Password: "p"}); err != nil {
			t.Fatalf("%q: %v", m, err)
		}
	}
	if _, err := saslOpt(SASLConfig{Mechanism: "GSSAPI"}); err == nil {
		t.Fatal("expected unsupported mechanism")
	}
}

func TestEventTypeFromHeaderOrTopicMap(t *testing.T) {
	a, _ := testAdapter(Config{TopicEventTypes: map[string]string{"orders": "order.created"}}, &stubPublisher{})

	name, err := a.eventType(withHeader("orders", "order.cancelled", "{}"))
	if err != nil || name != "order.cancelled" {
		t.Fatalf("header should win: %q %v", name, err)
	}
	name, err = a.eventType(withHeader("orders", "", "{}"))
	if err != nil || name != "order.created" {
		t.Fatalf("topic map fallback: %q %v", name, err)
	}
	if _, err := a.eventType(withHeader("other", "", "{}")); !errors.Is(err, ErrMissingEventType) {
		t.Fatalf("expected missing event type, got %v", err)
	}
}

func TestOffsetCommitOnlyAfterPublishReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := make(chan struct{})
	pub := &stubPublisher{waitCh: wait}
	a, committed := testAdapter(Config{Topics: []string{"events"}, QueueCapacity: 1}, pub)

	go a.handleAcks(ctx)
	go a.runWorker(ctx)

	a.records <- withHeader("events", "order.created", `{"id":1}`)

	select {
	case <-committed:
		t.Fatalf("offset committed before publish returned")
	case <-time.After(75 * time.Millisecond):
	}
	close(wait)
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatalf("expected commit after accepted publish")
	}
	if pub.calls[0].payload != `{"id":1}` || pub.calls[0].name != "order.created" {
		t.Fatalf("unexpected publish: %+v", pub.calls[0])
	}
}

func TestUnknownEventTypeIsCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &stubPublisher{kinds: map[domain.EventTypeName]publish.Kind{"nope": publish.KindEventTypeNotFound}}
	a, committed := testAdapter(Config{}, pub)

	go a.handleAcks(ctx)
	go a.runWorker(ctx)
	a.records <- withHeader("events", "nope", `{}`)
	a.records <- withHeader("events", "", `{}`)

	for i := 0; i < 2; i++ {
		select {
		case <-committed:
		case <-time.After(time.Second):
			t.Fatalf("expected commit %d", i)
		}
	}
	if pub.count() != 1 {
		t.Fatalf("record without event type must not be published, calls=%d", pub.count())
	}
}

func TestCommitSkipsOnStorageFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &stubPublisher{kinds: map[domain.EventTypeName]publish.Kind{"order.created": publish.KindStorageFailure}}
	a, committed := testAdapter(Config{}, pub)

	go a.handleAcks(ctx)
	go a.runWorker(ctx)
	a.records <- withHeader("events", "order.created", `{}`)

	select {
	case <-committed:
		t.Fatalf("expected no offset commit on storage failure")
	case <-time.After(75 * time.Millisecond):
	}
	if pub.count() != 1 {
		t.Fatalf("expected one publish, got %d", pub.count())
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	a := &Adapter{cfg: Config{Topics: []string{"events"}}, records: make(chan *kgo.Record, 2)}
	paused := 0
	resumed := 0
	a.pauseFetch = func(...string) { paused++ }
	a.resumeFetch = func(...string) { resumed++ }

	a.records <- &kgo.Record{}
	a.records <- &kgo.Record{}
	a.maybePause()
	if paused != 1 {
		t.Fatalf("expected pause, got %d", paused)
	}
	<-a.records
	a.maybeResume()
	if resumed != 1 {
		t.Fatalf("expected resume, got %d", resumed)
	}
}

func TestPipelineStopDrainsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pub := &stubPublisher{}
	a, committed := testAdapter(Config{QueueCapacity: 2, WorkerCount: 1}, pub)
	stop := a.startPipeline(ctx)
	cancel()

	for i := 0; i < 3; i++ {
		a.records <- withHeader("events", "order.created", `{}`)
	}
	stopped := make(chan struct{})
	go func() { stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline did not drain; published=%d", pub.count())
	}
	if pub.count() != 3 {
		t.Fatalf("expected 3 publishes, got %d", pub.count())
	}
	if len(committed) != 0 {
		t.Fatalf("no commit expected after cancel, got %d", len(committed))
	}
}

func TestPipelineStopCommitsSettledRecords(t *testing.T) {
	pub := &stubPublisher{}
	a, committed := testAdapter(Config{QueueCapacity: 4, WorkerCount: 2}, pub)
	stop := a.startPipeline(context.Background())
	for i := 0; i < 4; i++ {
		a.records <- withHeader("events", "order.created", `{}`)
	}
	stop()
	if len(committed) != 4 {
		t.Fatalf("expected 4 commits, got %d", len(committed))
	}
}

func TestUnboundEventTypeIsCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &stubPublisher{
		kinds:  map[domain.EventTypeName]publish.Kind{"draft": publish.KindStorageFailure},
		causes: map[domain.EventTypeName]error{"draft": publish.ErrEventTypeUnbound},
	}
	a, committed := testAdapter(Config{}, pub)

	go a.handleAcks(ctx)
	go a.runWorker(ctx)
	a.records <- withHeader("events", "draft", `{}`)

	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatal("unbound event type must be committed")
	}
}
