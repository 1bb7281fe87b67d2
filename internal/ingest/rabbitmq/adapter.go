// Package rabbitmq consumes an AMQP queue and publishes every delivery
// through the publish router.
//
// Accepted deliveries are acked. Deliveries naming an unknown event type, or
// no event type at all, are dropped with a nack. Storage failures are nacked
// with requeue so the broker redelivers them.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"eventgate/internal/logging"
	"eventgate/internal/publish"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	Enabled bool
	URL     string
	// Endpoints are tried in order when URL is empty.
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	ManualAck     bool
	TLS           TLSConfig
	Auth          AuthConfig
	Parser        ParserConfig
	Workers       int
	DeliveryQueue int
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case !c.ManualAck:
		return fmt.Errorf("rabbitmq manual_ack must be true")
	case c.Queue == "":
		return fmt.Errorf("rabbitmq queue is required")
	case c.Exchange == "":
		return fmt.Errorf("rabbitmq exchange is required")
	case c.PrefetchCount < 1:
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	case c.Workers < 1:
		return fmt.Errorf("rabbitmq workers must be >= 1")
	case c.DeliveryQueue < 1:
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	case len(c.endpoints()) == 0:
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoints() []string {
	if u := strings.TrimSpace(c.URL); u != "" {
		return []string{u}
	}
	var out []string
	for _, e := range c.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

type Adapter struct {
	cfg       Config
	publisher publish.Publisher
	logger    *slog.Logger
	sources   []nameSource

	conn   *amqp091.Connection
	ch     *amqp091.Channel
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewAdapter(cfg Config, publisher publish.Publisher, logger *slog.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "eventgate-rabbitmq"
	}
	if cfg.Parser.EventTypeHeader == "" {
		cfg.Parser.EventTypeHeader = DefaultEventTypeHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With(logging.Component("ingest.rabbitmq")),
		sources:   nameSources(cfg.Parser),
	}, nil
}

// Start connects, declares the exchange and queue, and starts consuming. It
// returns once deliveries are flowing; Close or ctx cancellation stops them.
func (a *Adapter) Start(ctx context.Context) error {
	conn, err := a.dial()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	deliveries, err := a.consume(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	a.conn, a.ch = conn, ch

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	tasks := make(chan amqp091.Delivery, a.cfg.DeliveryQueue)
	a.wg.Add(1 + a.cfg.Workers)
	go a.dispatch(runCtx, deliveries, tasks)
	for i := 0; i < a.cfg.Workers; i++ {
		go func() {
			defer a.wg.Done()
			for d := range tasks {
				a.handle(runCtx, d)
			}
		}()
	}
	a.logger.Info("consuming", slog.String("queue", a.cfg.Queue), slog.String("exchange", a.cfg.Exchange))
	return nil
}

func (a *Adapter) dial() (*amqp091.Connection, error) {
	dialCfg := amqp091.Config{Properties: amqp091.NewConnectionProperties()}
	dialCfg.Properties.SetClientConnectionName(a.cfg.ConsumerTag)
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	tlsCfg, err := a.cfg.TLS.build()
	if err != nil {
		return nil, err
	}
	dialCfg.TLSClientConfig = tlsCfg

	var errs []error
	for _, endpoint := range a.cfg.endpoints() {
		conn, err := amqp091.DialConfig(endpoint, dialCfg)
		if err == nil {
			return conn, nil
		}
		a.logger.Warn("rabbitmq endpoint unavailable", logging.Error(err))
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("dial rabbitmq: %w", errors.Join(errs...))
}

// consume declares a durable topic exchange and queue, binds the routing
// keys ("#" when none) and opens a manual-ack consumer.
func (a *Adapter) consume(ch *amqp091.Channel) (<-chan amqp091.Delivery, error) {
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	keys := a.cfg.RoutingKeys
	if len(keys) == 0 {
		keys = []string{"#"}
	}
	for _, key := range keys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	return deliveries, nil
}

// dispatch feeds workers until the consumer is cancelled or ctx ends, then
// closes tasks so workers drain what is buffered.
func (a *Adapter) dispatch(ctx context.Context, deliveries <-chan amqp091.Delivery, tasks chan<- amqp091.Delivery) {
	defer a.wg.Done()
	defer close(tasks)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case tasks <- d:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

func (a *Adapter) handle(ctx context.Context, d amqp091.Delivery) {
	msg, err := a.decode(d)
	if err != nil {
		a.logger.WarnContext(ctx, "dropping delivery", sourceRef(d), logging.Error(err))
		if err := dispositionDrop.apply(d); err != nil {
			a.logger.WarnContext(ctx, "nack delivery", sourceRef(d), logging.Error(err))
		}
		return
	}
	out := a.publisher.Publish(ctx, msg.name, msg.payload)
	disp := dispositionFor(out)
	if disp == dispositionDrop {
		a.logger.WarnContext(ctx, "dropping delivery", sourceRef(d), slog.String("event_type", string(msg.name)), slog.String("outcome", out.Kind.String()))
	}
	if err := disp.apply(d); err != nil {
		a.logger.WarnContext(ctx, "settle delivery", sourceRef(d), slog.String("disposition", disp.String()), logging.Error(err))
	}
}

// Close stops consuming, waits for in-flight deliveries to settle and closes
// the connection. It is safe to call more than once.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		if a.ch != nil {
			_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
		}
		a.wg.Wait()
		if a.cancel != nil {
			a.cancel()
		}
		var errs []error
		if a.ch != nil {
			errs = append(errs, a.ch.Close())
		}
		if a.conn != nil {
			errs = append(errs, a.conn.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func sourceRef(d amqp091.Delivery) slog.Attr {
	return slog.String("source_ref", fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag))
}
