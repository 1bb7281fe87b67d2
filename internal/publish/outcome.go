package publish

import (
	"errors"

	"eventgate/internal/domain"
)

// ErrEventTypeUnbound is the cause recorded when a registered event type has
// no topic to append to.
var ErrEventTypeUnbound = errors.New("event type is not bound to a topic")

type Kind int

const (
	KindAccepted Kind = iota
	KindEventTypeNotFound
	KindStorageFailure
)

func (k Kind) String() string {
	switch k {
	case KindAccepted:
		return "accepted"
	case KindEventTypeNotFound:
		return "event_type_not_found"
	case KindStorageFailure:
		return "storage_failure"
	}
	return "unknown"
}

// Outcome is the result of one publish call. Cause is only set for
// StorageFailure and is meant for logs, never for clients.
type Outcome struct {
	Kind      Kind
	EventType domain.EventTypeName
	Topic     domain.TopicName
	Partition domain.PartitionID
	Cause     error
}

func (o Outcome) Accepted() bool { return o.Kind == KindAccepted }

func accepted(name domain.EventTypeName, topic domain.TopicName, partition domain.PartitionID) Outcome {
	return Outcome{Kind: KindAccepted, EventType: name, Topic: topic, Partition: partition}
}

func notFound(name domain.EventTypeName) Outcome {
	return Outcome{Kind: KindEventTypeNotFound, EventType: name}
}

func storageFailure(name domain.EventTypeName, topic domain.TopicName, partition domain.PartitionID, cause error) Outcome {
	return Outcome{Kind: KindStorageFailure, EventType: name, Topic: topic, Partition: partition, Cause: cause}
}
