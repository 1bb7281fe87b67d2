package natsjs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"eventgate/internal/domain"
	"eventgate/internal/storage"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
	opts    int
}

type fakeJS struct {
	mu       sync.Mutex
	msgs     []published
	streams  map[string]*nats.StreamConfig
	pubErr   error
	infoErr  error
	addCalls int
}

func newFakeJS() *fakeJS { return &fakeJS{streams: map[string]*nats.StreamConfig{}} }

func (f *fakeJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return nil, f.pubErr
	}
	f.msgs = append(f.msgs, published{subject: subj, data: data, opts: len(opts)})
	return &nats.PubAck{Stream: "EVENTGATE", Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJS) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	cfg, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	f.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func TestEnsureStreamCreatesOnce(t *testing.T) {
	js := newFakeJS()
	s := newStore(Config{SubjectPrefix: "eg", Stream: "EG"}, js)

	require.NoError(t, s.EnsureStream(context.Background()))
	require.NoError(t, s.EnsureStream(context.Background()))
	assert.Equal(t, 1, js.addCalls)
	assert.Equal(t, []string{"eg.>"}, js.streams["EG"].Subjects)
}

func TestEnsureStreamPropagatesLookupError(t *testing.T) {
	js := newFakeJS()
	js.infoErr = errors.New("timeout")
	s := newStore(Config{}, js)

	err := s.EnsureStream(context.Background())
	require.Error(t, err)
	assert.Zero(t, js.addCalls)
}

func TestAppendPublishesToPartitionSubject(t *testing.T) {
	js := newFakeJS()
	s := newStore(Config{}, js)

	require.NoError(t, s.Append(context.Background(), "orders", "2", []byte(`{"id":1}`)))
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "eventgate.orders.2", js.msgs[0].subject)
	assert.Equal(t, `{"id":1}`, string(js.msgs[0].data))
}

func TestSubjectEscapesTokens(t *testing.T) {
	s := newStore(Config{SubjectPrefix: "p"}, newFakeJS())
	assert.Equal(t, "p.a_2eb_2ac_3e.1", s.Subject("a.b*c>", "1"))
	assert.Equal(t, "p.orders.1", s.Subject("orders", "1"))
	assert.Equal(t, s.Subject("x", "1"), s.Subject("x", "1"))
}

func TestSubjectsOfDistinctTopicsNeverCollide(t *testing.T) {
	s := newStore(Config{SubjectPrefix: "p"}, newFakeJS())
	topics := []domain.TopicName{"a.b", "a_b", "a_2eb", "a b", "a*b", "a>b", "a__b"}
	seen := map[string]domain.TopicName{}
	for _, topic := range topics {
		subj := s.Subject(topic, "0")
		prev, dup := seen[subj]
		assert.False(t, dup, "%q and %q share subject %s", topic, prev, subj)
		seen[subj] = topic
		assert.Equal(t, 3, strings.Count(subj, ".")+1, subj)
	}
}

func TestAppendSendsNoDedupeID(t *testing.T) {
	js := newFakeJS()
	s := newStore(Config{}, js)

	require.NoError(t, s.Append(context.Background(), "orders", "0", []byte(`{}`)))
	require.NoError(t, s.Append(context.Background(), "orders", "0", []byte(`{}`)))
	require.Len(t, js.msgs, 2)
	assert.Equal(t, 1, js.msgs[0].opts, "only the context option is set")
}

func TestAppendErrors(t *testing.T) {
	js := newFakeJS()
	s := newStore(Config{}, js)
	ctx := context.Background()

	assert.ErrorIs(t, s.Append(ctx, "", "1", nil), storage.ErrUnknownTopic)
	assert.ErrorIs(t, s.Append(ctx, "orders", "", nil), storage.ErrInvalidPartition)

	js.pubErr = nats.ErrNoStreamResponse
	assert.ErrorIs(t, s.Append(ctx, "orders", "1", nil), storage.ErrUnknownTopic)

	boom := errors.New("nats: timeout")
	js.pubErr = boom
	assert.ErrorIs(t, s.Append(ctx, "orders", "1", nil), boom)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{SubjectPrefix: "a.*"}.Validate())
	assert.NoError(t, Config{SubjectPrefix: "a.b"}.Validate())
}
