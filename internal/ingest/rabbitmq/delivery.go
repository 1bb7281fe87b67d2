package rabbitmq

import (
	"errors"
	"fmt"
	"strings"

	"eventgate/internal/domain"
	"eventgate/internal/publish"

	"github.com/goccy/go-json"
	"github.com/rabbitmq/amqp091-go"
)

const DefaultEventTypeHeader = "event_type"

var ErrMissingEventType = errors.New("delivery carries no event type")

type ParserConfig struct {
	// EventTypeHeader names the header holding the event type.
	EventTypeHeader string
	// RoutingKeyFallback uses the routing key as event type when the header
	// is absent.
	RoutingKeyFallback bool
	// Envelope expects bodies of the form {"event_type": ..., "payload": ...}.
	Envelope bool
}

type message struct {
	name    domain.EventTypeName
	payload []byte
}

type envelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// nameSource reads an event type name from delivery metadata; "" means absent.
type nameSource func(amqp091.Delivery) string

func nameSources(p ParserConfig) []nameSource {
	sources := []nameSource{func(d amqp091.Delivery) string { return headerString(d.Headers, p.EventTypeHeader) }}
	if p.RoutingKeyFallback {
		sources = append(sources, func(d amqp091.Delivery) string { return d.RoutingKey })
	}
	return sources
}

// decode extracts the event type and payload. An envelope's event_type wins
// over the header, which wins over the routing key.
func (a *Adapter) decode(d amqp091.Delivery) (message, error) {
	msg := message{payload: d.Body}
	if a.cfg.Parser.Envelope {
		var env envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			return message{}, fmt.Errorf("unmarshal delivery body: %w", err)
		}
		msg.name = domain.EventTypeName(strings.TrimSpace(env.EventType))
		if len(env.Payload) > 0 {
			msg.payload = env.Payload
		}
	}
	for _, src := range a.sources {
		if msg.name != "" {
			break
		}
		msg.name = domain.EventTypeName(strings.TrimSpace(src(d)))
	}
	if msg.name == "" {
		return message{}, ErrMissingEventType
	}
	return msg, nil
}

func headerString(table amqp091.Table, key string) string {
	switch v := table[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionDrop
	dispositionRequeue
)

func (d disposition) String() string {
	switch d {
	case dispositionAck:
		return "ack"
	case dispositionDrop:
		return "drop"
	default:
		return "requeue"
	}
}

// dispositionFor settles client mistakes and unbound event types for good and
// leaves transient storage failures on the queue.
func dispositionFor(out publish.Outcome) disposition {
	switch {
	case out.Kind == publish.KindAccepted:
		return dispositionAck
	case out.Kind == publish.KindEventTypeNotFound:
		return dispositionDrop
	case errors.Is(out.Cause, publish.ErrEventTypeUnbound):
		return dispositionDrop
	default:
		return dispositionRequeue
	}
}

func (d disposition) apply(del amqp091.Delivery) error {
	switch d {
	case dispositionAck:
		return del.Ack(false)
	case dispositionDrop:
		return del.Nack(false, false)
	default:
		return del.Nack(false, true)
	}
}
