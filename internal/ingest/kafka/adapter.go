// Package kafka consumes Kafka topics as a consumer group and publishes every
// record through the publish router.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/logging"
	"eventgate/internal/publish"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

const DefaultEventTypeHeader = "event_type"

var ErrMissingEventType = errors.New("record carries no event type")

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	// EventTypeHeader names the record header holding the event type.
	EventTypeHeader string
	// TopicEventTypes maps a consumed topic to the event type used when a
	// record has no event type header.
	TopicEventTypes map[string]string
	Auth            AuthConfig
	Fetch           FetchConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type Adapter struct {
	cfg    Config
	logger *slog.Logger

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	publisher    publish.Publisher
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	commit bool
}

func NewAdapter(cfg Config, publisher publish.Publisher, logger *slog.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		mech, err := saslOpt(cfg.Auth.SASL)
		if err != nil {
			return nil, err
		}
		kopts = append(kopts, mech)
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, publisher, logger)
	a.client = cl
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, publisher publish.Publisher, logger *slog.Logger) *Adapter {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:       cfg,
		logger:    logger.With(logging.Component("ingest.kafka")),
		publisher: publisher,
		records:   make(chan *kgo.Record, cfg.QueueCapacity),
		acks:      make(chan recordAck, cfg.QueueCapacity),
	}
}

func saslOpt(c SASLConfig) (kgo.Opt, error) {
	switch strings.ToUpper(c.Mechanism) {
	case "", "PLAIN":
		return kgo.SASL(plain.Auth{User: c.Username, Pass: c.Password}.AsMechanism()), nil
	case "SCRAM-SHA-256":
		return kgo.SASL(scram.Auth{User: c.Username, Pass: c.Password}.AsSha256Mechanism()), nil
	case "SCRAM-SHA-512":
		return kgo.SASL(scram.Auth{User: c.Username, Pass: c.Password}.AsSha512Mechanism()), nil
	}
	return nil, fmt.Errorf("unsupported sasl mechanism %q", c.Mechanism)
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.EventTypeHeader == "" {
		c.EventTypeHeader = DefaultEventTypeHeader
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("ingest.kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("ingest.kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("ingest.kafka.group_id is required")
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	stop := a.startPipeline(ctx)

	for {
		if ctx.Err() != nil || a.closed.Load() {
			stop()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			stop()
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			stop()
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				a.enqueue(rec)
			}
		})
		a.client.AllowRebalance()
	}
}

// startPipeline runs the workers and the ack loop. The returned stop closes
// records, waits for workers to drain them, then closes acks and waits for
// the ack loop, so no worker is ever left blocked on a full acks channel.
func (a *Adapter) startPipeline(ctx context.Context) (stop func()) {
	var workers sync.WaitGroup
	for i := 0; i < a.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.runWorker(ctx)
		}()
	}
	acksDone := make(chan struct{})
	go func() {
		defer close(acksDone)
		a.handleAcks(ctx)
	}()
	return func() {
		close(a.records)
		workers.Wait()
		close(a.acks)
		<-acksDone
	}
}

func (a *Adapter) enqueue(rec *kgo.Record) {
	for {
		select {
		case a.records <- rec:
			a.maybeResume()
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) Close() {
	a.closed.Store(true)
}

// runWorker publishes each record. Accepted records, records that name no
// known event type and records of unbound event types are committed; other
// storage failures are left uncommitted so a restarted consumer sees them
// again.
func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		name, err := a.eventType(rec)
		if err != nil {
			a.logger.WarnContext(ctx, "skipping record", sourceRef(rec), logging.Error(err))
			a.acks <- recordAck{record: rec, commit: true}
			continue
		}
		out := a.publisher.Publish(ctx, name, rec.Value)
		switch out.Kind {
		case publish.KindAccepted:
			a.acks <- recordAck{record: rec, commit: true}
		case publish.KindEventTypeNotFound:
			a.logger.WarnContext(ctx, "unknown event type", sourceRef(rec), slog.String("event_type", string(name)))
			a.acks <- recordAck{record: rec, commit: true}
		default:
			// an unbound event type fails the same way on every retry
			unbound := errors.Is(out.Cause, publish.ErrEventTypeUnbound)
			if unbound {
				a.logger.WarnContext(ctx, "event type has no topic", sourceRef(rec), slog.String("event_type", string(name)))
			}
			a.acks <- recordAck{record: rec, commit: unbound}
		}
	}
}

// handleAcks commits settled records until acks is closed. Once ctx is done
// the remaining acks are drained without committing.
func (a *Adapter) handleAcks(ctx context.Context) {
	for ack := range a.acks {
		if ack.record == nil || !ack.commit || ctx.Err() != nil {
			continue
		}
		a.markCommit(ack.record)
		if err := a.commitMarked(ctx); err != nil && ctx.Err() == nil {
			a.logger.WarnContext(ctx, "commit offsets", sourceRef(ack.record), logging.Error(err))
		}
	}
}

func (a *Adapter) eventType(rec *kgo.Record) (domain.EventTypeName, error) {
	for _, h := range rec.Headers {
		if h.Key == a.cfg.EventTypeHeader {
			if v := strings.TrimSpace(string(h.Value)); v != "" {
				return domain.EventTypeName(v), nil
			}
		}
	}
	if v, ok := a.cfg.TopicEventTypes[rec.Topic]; ok && v != "" {
		return domain.EventTypeName(v), nil
	}
	return "", fmt.Errorf("%w: %s", ErrMissingEventType, rec.Topic)
}

func sourceRef(rec *kgo.Record) slog.Attr {
	return slog.String("source_ref", fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset))
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
