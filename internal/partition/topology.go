package partition

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"eventgate/internal/domain"
)

// DefaultPartition is used for topics that were never registered with an
// explicit partition set.
const DefaultPartition domain.PartitionID = "1"

var (
	ErrEmptyPartitionSet = errors.New("empty partition set")
	ErrInvalidTopic      = errors.New("invalid topic")
)

// Topology maps topics to their partition sets. Sets are validated when a
// topic is registered so selection itself can never fail.
type Topology struct {
	mu     sync.RWMutex
	topics map[domain.TopicName][]domain.PartitionID
}

func NewTopology() *Topology {
	return &Topology{topics: make(map[domain.TopicName][]domain.PartitionID)}
}

func (t *Topology) Register(topic domain.TopicName, partitions []domain.PartitionID) error {
	if strings.TrimSpace(string(topic)) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTopic)
	}
	if len(partitions) == 0 {
		return fmt.Errorf("topic %q: %w", topic, ErrEmptyPartitionSet)
	}
	seen := make(map[domain.PartitionID]struct{}, len(partitions))
	for _, p := range partitions {
		if strings.TrimSpace(string(p)) == "" {
			return fmt.Errorf("topic %q: blank partition id", topic)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("topic %q: duplicate partition id %q", topic, p)
		}
		seen[p] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[topic] = append([]domain.PartitionID(nil), partitions...)
	return nil
}

// Partitions returns a copy of the partition set for topic, or the single
// default partition when the topic has no explicit registration.
func (t *Topology) Partitions(topic domain.TopicName) []domain.PartitionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if parts, ok := t.topics[topic]; ok {
		return append([]domain.PartitionID(nil), parts...)
	}
	return []domain.PartitionID{DefaultPartition}
}

var defaultPartitions = []domain.PartitionID{DefaultPartition}

// shared returns the stored slice without copying; callers in this package
// only read it.
func (t *Topology) shared(topic domain.TopicName) []domain.PartitionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if parts, ok := t.topics[topic]; ok {
		return parts
	}
	return defaultPartitions
}

func (t *Topology) Topics() []domain.TopicName {
	t.mu.RLock()
	out := make([]domain.TopicName, 0, len(t.topics))
	for name := range t.topics {
		out = append(out, name)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Range builds the partition ids "1".."n".
func Range(n int) []domain.PartitionID {
	out := make([]domain.PartitionID, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, domain.PartitionID(fmt.Sprintf("%d", i)))
	}
	return out
}
