package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/storage"
)

// Store keeps appended payloads in process memory. Topics must be created
// first unless AutoCreate is set.
type Store struct {
	mu         sync.Mutex
	topics     map[domain.TopicName]map[domain.PartitionID][]domain.Entry
	autoCreate bool
	latency    time.Duration
	failWith   error
}

type Option func(*Store)

// AutoCreate creates unknown topics and partitions on first append.
func AutoCreate() Option { return func(s *Store) { s.autoCreate = true } }

// Latency delays every append, honouring context cancellation while waiting.
func Latency(d time.Duration) Option { return func(s *Store) { s.latency = d } }

func New(opts ...Option) *Store {
	s := &Store{topics: map[domain.TopicName]map[domain.PartitionID][]domain.Entry{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailWith makes every following append return err; nil restores normal
// behaviour.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *Store) CreateTopic(_ context.Context, topic domain.TopicName, partitions []domain.PartitionID) error {
	if len(partitions) == 0 {
		return fmt.Errorf("create topic %q: no partitions", topic)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, ok := s.topics[topic]
	if !ok {
		parts = map[domain.PartitionID][]domain.Entry{}
		s.topics[topic] = parts
	}
	for _, p := range partitions {
		if _, ok := parts[p]; !ok {
			parts[p] = nil
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, topic domain.TopicName, partition domain.PartitionID, payload []byte) error {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	parts, ok := s.topics[topic]
	if !ok {
		if !s.autoCreate {
			return fmt.Errorf("%w: %s", storage.ErrUnknownTopic, topic)
		}
		parts = map[domain.PartitionID][]domain.Entry{}
		s.topics[topic] = parts
	}
	entries, ok := parts[partition]
	if !ok && !s.autoCreate {
		return fmt.Errorf("%w: %s/%s", storage.ErrInvalidPartition, topic, partition)
	}
	parts[partition] = append(entries, domain.Entry{
		Topic:        topic,
		Partition:    partition,
		Offset:       int64(len(entries)) + 1,
		Payload:      append([]byte(nil), payload...),
		AppendedAtNs: time.Now().UTC().UnixNano(),
	})
	return nil
}

// ReadPartition returns a copy of the entries of one partition in offset
// order.
func (s *Store) ReadPartition(_ context.Context, topic domain.TopicName, partition domain.PartitionID) ([]domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, ok := s.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownTopic, topic)
	}
	return append([]domain.Entry(nil), parts[partition]...), nil
}

// Count returns the number of entries stored across all partitions of topic.
func (s *Store) Count(topic domain.TopicName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entries := range s.topics[topic] {
		n += len(entries)
	}
	return n
}

func (s *Store) Health(context.Context) (bool, string) { return true, "ok" }

var (
	_ storage.TopicStore   = (*Store)(nil)
	_ storage.TopicCreator = (*Store)(nil)
)
