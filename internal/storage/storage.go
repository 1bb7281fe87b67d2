package storage

import (
	"context"
	"errors"

	"eventgate/internal/domain"
)

var (
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrInvalidPartition = errors.New("invalid partition")
)

// TopicStore is the append contract every storage backend implements.
// Append is atomic from the caller's point of view: it either stores the
// whole payload or returns an error.
type TopicStore interface {
	Append(ctx context.Context, topic domain.TopicName, partition domain.PartitionID, payload []byte) error
}

// TopicCreator is implemented by backends that keep their own topic catalog.
type TopicCreator interface {
	CreateTopic(ctx context.Context, topic domain.TopicName, partitions []domain.PartitionID) error
}
