package domain

import "time"

// EventTypeName is the client-facing publish target.
type EventTypeName string

// TopicName identifies a storage-layer append target.
type TopicName string

// PartitionID identifies a partition within a topic.
type PartitionID string

// EventType binds a registered name to the topic it is stored in.
// An empty Topic means the type is registered but not yet bound to storage.
type EventType struct {
	Name      EventTypeName
	Topic     TopicName
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (et EventType) Bound() bool { return et.Topic != "" }

type PublishRequest struct {
	EventType EventTypeName
	Payload   []byte
}

// Entry is one appended payload as read back from storage.
type Entry struct {
	Topic        TopicName
	Partition    PartitionID
	Offset       int64
	Payload      []byte
	AppendedAtNs int64
}
