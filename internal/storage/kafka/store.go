// Package kafka appends event payloads to Kafka topics with franz-go. Topic
// partitions map one to one onto Kafka partitions: partition ids are the
// 1-based numbers produced by partition.Range, so id "1" is Kafka partition 0.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/storage"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	HeaderEventID   = "eventgate_id"
	HeaderAppendUTC = "eventgate_appended_at"
)

type Config struct {
	Brokers        []string
	ClientID       string
	TopicPrefix    string
	TLS            bool
	ProduceTimeout time.Duration
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("storage.kafka.brokers is required")
	}
	return nil
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	cfg    Config
	client producer
	now    func() time.Time
}

func NewStore(cfg Config, opts ...kgo.Opt) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if cfg.ProduceTimeout > 0 {
		kopts = append(kopts, kgo.ProduceRequestTimeout(cfg.ProduceTimeout))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return newStore(cfg, cl), nil
}

func newStore(cfg Config, p producer) *Store {
	return &Store{cfg: cfg, client: p, now: time.Now}
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// Append produces payload to the Kafka partition named by partition and waits
// for the broker acknowledgement.
func (s *Store) Append(ctx context.Context, topic domain.TopicName, partition domain.PartitionID, payload []byte) error {
	rec, err := s.record(topic, partition, payload)
	if err != nil {
		return err
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s/%s: %w", rec.Topic, partition, err)
	}
	return nil
}

func (s *Store) record(topic domain.TopicName, partition domain.PartitionID, payload []byte) (*kgo.Record, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: empty name", storage.ErrUnknownTopic)
	}
	n, err := strconv.ParseInt(string(partition), 10, 32)
	if err != nil || n < 1 {
		return nil, fmt.Errorf("%w: %q is not a kafka partition number", storage.ErrInvalidPartition, partition)
	}
	return &kgo.Record{
		Topic:     s.cfg.TopicPrefix + string(topic),
		Partition: int32(n - 1),
		Value:     payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventID, Value: []byte(uuid.NewString())},
			{Key: HeaderAppendUTC, Value: []byte(strconv.FormatInt(s.now().UTC().UnixNano(), 10))},
		},
	}, nil
}

func (s *Store) Health(ctx context.Context) (bool, string) {
	if err := s.client.Ping(ctx); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

var _ storage.TopicStore = (*Store)(nil)
