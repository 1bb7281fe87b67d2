package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"eventgate/internal/config"
	"eventgate/internal/domain"
	"eventgate/internal/partition"
	"eventgate/internal/publish"
	"eventgate/internal/registry"
	"eventgate/internal/storage"
	kafkastore "eventgate/internal/storage/kafka"
	"eventgate/internal/storage/memory"
	"eventgate/internal/storage/natsjs"
	"eventgate/internal/storage/sqlite"
)

type healthChecker interface {
	Health(context.Context) (bool, string)
}

// gateway holds the publish path assembled from configuration.
type gateway struct {
	registry *registry.Registry
	topology *partition.Topology
	store    storage.TopicStore
	health   healthChecker
	router   *publish.Router
	closers  []func() error
}

func (g *gateway) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *gateway, err error) {
	g := &gateway{registry: registry.New(), topology: partition.NewTopology()}
	defer func() {
		if err != nil {
			_ = g.Close()
		}
	}()

	var catalog *sqlite.Store
	if cfg.Storage.Backend != config.BackendMemory {
		catalog, err = sqlite.NewStore(cfg.Storage.SQLite.Dir)
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		g.closers = append(g.closers, catalog.Close)
	}

	if err := g.openStore(ctx, cfg, catalog); err != nil {
		return nil, err
	}
	if err := g.loadRegistry(ctx, cfg, catalog); err != nil {
		return nil, err
	}
	if err := g.loadTopology(ctx, cfg, catalog); err != nil {
		return nil, err
	}

	g.router, err = publish.NewRouter(g.registry, partition.NewRoundRobin(g.topology), g.store, publish.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	logger.Info("publish path ready",
		slog.String("backend", cfg.Storage.Backend),
		slog.Int("event_types", g.registry.Len()),
		slog.Int("topics", len(g.topology.Topics())))
	return g, nil
}

func (g *gateway) openStore(ctx context.Context, cfg config.Config, catalog *sqlite.Store) error {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		g.store, g.health = catalog, catalog
	case config.BackendMemory:
		s := memory.New()
		g.store, g.health = s, s
	case config.BackendKafka:
		s, err := kafkastore.NewStore(kafkastore.Config{
			Brokers:        cfg.Storage.Kafka.Brokers,
			ClientID:       cfg.Storage.Kafka.ClientID,
			TopicPrefix:    cfg.Storage.Kafka.TopicPrefix,
			TLS:            cfg.Storage.Kafka.TLS,
			ProduceTimeout: cfg.Storage.Kafka.ProduceTimeout,
		})
		if err != nil {
			return err
		}
		g.store, g.health = s, s
		g.closers = append(g.closers, s.Close)
	case config.BackendNATS:
		s, err := natsjs.Connect(natsjs.Config{
			URL:           cfg.Storage.NATS.URL,
			Stream:        cfg.Storage.NATS.Stream,
			SubjectPrefix: cfg.Storage.NATS.SubjectPrefix,
			MaxAge:        cfg.Storage.NATS.MaxAge,
			Replicas:      cfg.Storage.NATS.Replicas,
		})
		if err != nil {
			return err
		}
		g.closers = append(g.closers, s.Close)
		if err := s.EnsureStream(ctx); err != nil {
			return err
		}
		g.store, g.health = s, s
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	return nil
}

// loadRegistry loads the persisted catalog, then applies the event types
// declared in configuration on top of it.
func (g *gateway) loadRegistry(ctx context.Context, cfg config.Config, catalog *sqlite.Store) error {
	if catalog != nil {
		if err := g.registry.Load(ctx, catalog); err != nil {
			return fmt.Errorf("load event types: %w", err)
		}
	}
	for _, ec := range cfg.Registry.EventTypes {
		et, err := g.registry.Register(domain.EventType{Name: domain.EventTypeName(ec.Name), Topic: domain.TopicName(ec.Topic)})
		if err != nil {
			return err
		}
		if catalog != nil {
			if err := catalog.SaveEventType(ctx, et); err != nil {
				return fmt.Errorf("persist event type %s: %w", et.Name, err)
			}
		}
	}
	return nil
}

// loadTopology registers persisted and configured topics. Bound event types
// whose topic has no explicit partition set get the default partition, and
// backends that keep a topic catalog are told about every topic.
func (g *gateway) loadTopology(ctx context.Context, cfg config.Config, catalog *sqlite.Store) error {
	if catalog != nil {
		persisted, err := catalog.Topics(ctx)
		if err != nil {
			return fmt.Errorf("load topics: %w", err)
		}
		for topic, parts := range persisted {
			if err := g.topology.Register(topic, parts); err != nil {
				return err
			}
		}
	}
	for _, tc := range cfg.Topics {
		topic := domain.TopicName(tc.Name)
		if err := g.topology.Register(topic, partition.Range(tc.Partitions)); err != nil {
			return err
		}
		if catalog != nil {
			if err := catalog.CreateTopic(ctx, topic, g.topology.Partitions(topic)); err != nil {
				return fmt.Errorf("persist topic %s: %w", topic, err)
			}
		}
	}

	creator, ok := g.store.(storage.TopicCreator)
	if !ok {
		return nil
	}
	topics := map[domain.TopicName]struct{}{}
	for _, t := range g.topology.Topics() {
		topics[t] = struct{}{}
	}
	for _, et := range g.registry.List() {
		if et.Bound() {
			topics[et.Topic] = struct{}{}
		}
	}
	for t := range topics {
		if err := creator.CreateTopic(ctx, t, g.topology.Partitions(t)); err != nil {
			return fmt.Errorf("create topic %s: %w", t, err)
		}
	}
	return nil
}
