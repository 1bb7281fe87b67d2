// Package storagetest holds test doubles for the storage contracts.
package storagetest

import (
	"context"

	"eventgate/internal/domain"
	"eventgate/internal/storage"

	"github.com/stretchr/testify/mock"
)

// MockTopicStore is a testify-backed TopicStore for tests that need to
// record or fail appends.
type MockTopicStore struct {
	mock.Mock
}

func NewMockTopicStore() *MockTopicStore {
	return &MockTopicStore{}
}

func (m *MockTopicStore) Append(ctx context.Context, topic domain.TopicName, partition domain.PartitionID, payload []byte) error {
	return m.Called(ctx, topic, partition, payload).Error(0)
}

var _ storage.TopicStore = (*MockTopicStore)(nil)
