// Package natsjs appends event payloads to a NATS JetStream stream. Every
// topic partition is its own subject, <prefix>.<topic>.<partition>, all
// captured by one stream.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/storage"

	"github.com/alphadose/haxmap"
	"github.com/nats-io/nats.go"
)

type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	Replicas      int
}

func (c *Config) withDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "EVENTGATE"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "eventgate"
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
}

func (c Config) Validate() error {
	if strings.ContainsAny(c.SubjectPrefix, " *>") {
		return fmt.Errorf("storage.nats.subject_prefix %q contains wildcard or space", c.SubjectPrefix)
	}
	return nil
}

type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

type Store struct {
	cfg      Config
	conn     *nats.Conn
	js       jetStream
	subjects *haxmap.Map[string, string]
}

// Connect dials NATS and binds a JetStream context. Call EnsureStream before
// the first append.
func Connect(cfg Config, opts ...nats.Option) (*Store, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(opts) == 0 {
		opts = append(opts, nats.Name("eventgate"), nats.Compression(true))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	s := newStore(cfg, js)
	s.conn = nc
	return s, nil
}

func newStore(cfg Config, js jetStream) *Store {
	cfg.withDefaults()
	return &Store{cfg: cfg, js: js, subjects: haxmap.New[string, string]()}
}

func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Drain()
	}
	return nil
}

// EnsureStream creates the stream covering <prefix>.> when it does not exist.
func (s *Store) EnsureStream(ctx context.Context) error {
	_, err := s.js.StreamInfo(s.cfg.Stream, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", s.cfg.Stream, err)
	}
	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:      s.cfg.Stream,
		Subjects:  []string{s.cfg.SubjectPrefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    s.cfg.MaxAge,
		Replicas:  s.cfg.Replicas,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("add stream %s: %w", s.cfg.Stream, err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, topic domain.TopicName, partition domain.PartitionID, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("%w: empty name", storage.ErrUnknownTopic)
	}
	if partition == "" {
		return fmt.Errorf("%w: empty id", storage.ErrInvalidPartition)
	}
	subj := s.Subject(topic, partition)
	if _, err := s.js.Publish(subj, payload, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrNoStreamResponse) {
			return fmt.Errorf("%w: no stream captures %s", storage.ErrUnknownTopic, subj)
		}
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

// Subject returns the subject a topic partition is published on. Tokens are
// escaped so topic names can never add levels or wildcards, and distinct
// names always map to distinct subjects.
func (s *Store) Subject(topic domain.TopicName, partition domain.PartitionID) string {
	key := string(topic) + "\x00" + string(partition)
	subj, _ := s.subjects.GetOrCompute(key, func() string {
		return s.cfg.SubjectPrefix + "." + token(string(topic)) + "." + token(string(partition))
	})
	return subj
}

// token escapes subject separators, wildcards, whitespace and the escape
// byte itself as _xx hex.
func token(v string) string {
	if !strings.ContainsAny(v, "_.*> \t\r\n") {
		return v
	}
	var b strings.Builder
	b.Grow(len(v) + 8)
	for i := 0; i < len(v); i++ {
		switch c := v[i]; c {
		case '_', '.', '*', '>', ' ', '\t', '\r', '\n':
			fmt.Fprintf(&b, "_%02x", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (s *Store) Health(context.Context) (bool, string) {
	if s.conn == nil {
		return true, "ok"
	}
	if !s.conn.IsConnected() {
		return false, s.conn.Status().String()
	}
	return true, "ok"
}

var _ storage.TopicStore = (*Store)(nil)
