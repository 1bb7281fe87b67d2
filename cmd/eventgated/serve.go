package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"eventgate/internal/config"
	"eventgate/internal/ingest/httpapi"
	"eventgate/internal/ingest/kafka"
	"eventgate/internal/ingest/rabbitmq"
	"eventgate/internal/ingest/socket"
	"eventgate/internal/logging"
	"eventgate/internal/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the configured transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	cfg, logger := c.cfg, c.logger

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		ServiceName: cfg.OTel.ServiceName,
		NodeID:      cfg.Server.NodeID,
		SampleRatio: cfg.OTel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", logging.Error(err))
		}
	}()

	gw, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("close storage", logging.Error(err))
		}
	}()

	runners, err := buildRunners(cfg, gw, logger)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		g.Go(func() error { return run(ctx) })
	}

	logger.Info("eventgated started", "node_id", cfg.Server.NodeID)
	err = g.Wait()
	logger.Info("eventgated stopped")
	return err
}

type runner func(context.Context) error

// buildRunners constructs every enabled transport before any of them starts,
// so a bad adapter config fails startup cleanly.
func buildRunners(cfg config.Config, gw *gateway, logger *slog.Logger) ([]runner, error) {
	var runners []runner
	if cfg.HTTP.Enabled {
		srv := httpapi.NewServer(httpapi.Config{
			Address:      cfg.HTTP.Address,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
			RateLimit:    cfg.HTTP.RateLimit.RPS,
			Burst:        cfg.HTTP.RateLimit.Burst,
		}, gw.router, gw.registry, gw.health, logger)
		runners = append(runners, srv.Start)
	}
	if cfg.Socket.Enabled {
		srv := socket.NewServer(socket.Config{
			Network:          cfg.Socket.Network,
			Address:          cfg.Socket.Address,
			UnixSocketPath:   cfg.Socket.UnixSocketPath,
			AuthToken:        cfg.Socket.AuthToken,
			MaxInflight:      cfg.Socket.MaxInflight,
			GlobalQueueLimit: cfg.Socket.GlobalQueueLimit,
			WorkerQueues:     cfg.Socket.WorkerQueues,
		}, gw.router, gw.registry, gw.health, logger)
		runners = append(runners, srv.Start)
	}
	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(kafkaIngestConfig(cfg.Ingest.Kafka), gw.router, logger)
		if err != nil {
			return nil, err
		}
		runners = append(runners, func(ctx context.Context) error {
			if err := adapter.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka ingest: %w", err)
			}
			return nil
		})
	}
	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmqIngestConfig(cfg.Ingest.RabbitMQ), gw.router, logger)
		if err != nil {
			return nil, err
		}
		runners = append(runners, func(ctx context.Context) error {
			if err := adapter.Start(ctx); err != nil {
				return fmt.Errorf("rabbitmq ingest: %w", err)
			}
			<-ctx.Done()
			return adapter.Close()
		})
	}
	return runners, nil
}

func kafkaIngestConfig(c config.KafkaIngestConfig) kafka.Config {
	return kafka.Config{
		Enabled:         c.Enabled,
		Brokers:         c.Brokers,
		Topics:          c.Topics,
		GroupID:         c.GroupID,
		ClientID:        c.ClientID,
		WorkerCount:     c.Workers,
		EventTypeHeader: c.EventTypeHeader,
		TopicEventTypes: c.TopicEventTypes,
		Auth: kafka.AuthConfig{
			SASL: kafka.SASLConfig{Enabled: c.SASL.Enabled, Mechanism: c.SASL.Mechanism, Username: c.SASL.Username, Password: c.SASL.Password},
			TLS:  kafka.TLSConfig{Enabled: c.TLS},
		},
	}
}

func rabbitmqIngestConfig(c config.RabbitMQIngestConfig) rabbitmq.Config {
	return rabbitmq.Config{
		Enabled:       c.Enabled,
		URL:           c.URL,
		Exchange:      c.Exchange,
		Queue:         c.Queue,
		RoutingKeys:   c.RoutingKeys,
		PrefetchCount: c.PrefetchCount,
		ManualAck:     true,
		Workers:       c.Workers,
		DeliveryQueue: c.DeliveryQueue,
		Parser: rabbitmq.ParserConfig{
			EventTypeHeader:    c.EventTypeHeader,
			RoutingKeyFallback: c.RoutingKeyFallback,
			Envelope:           c.Envelope,
		},
	}
}
