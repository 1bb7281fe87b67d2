package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRequiresTopic(t *testing.T) {
	s := New()
	err := s.Append(context.Background(), "orders", "1", []byte("{}"))
	assert.ErrorIs(t, err, storage.ErrUnknownTopic)
}

func TestAppendRequiresKnownPartition(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTopic(ctx, "orders", []domain.PartitionID{"1"}))
	err := s.Append(ctx, "orders", "2", []byte("{}"))
	assert.ErrorIs(t, err, storage.ErrInvalidPartition)
}

func TestAppendAndReadInOffsetOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTopic(ctx, "orders", []domain.PartitionID{"1", "2"}))

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, "orders", "1", []byte(p)))
	}
	entries, err := s.ReadPartition(ctx, "orders", "1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, int64(i+1), entries[i].Offset)
		assert.Equal(t, []byte(want), entries[i].Payload)
	}
	assert.Equal(t, 3, s.Count("orders"))
}

func TestAutoCreate(t *testing.T) {
	s := New(AutoCreate())
	require.NoError(t, s.Append(context.Background(), "anything", "9", []byte("x")))
	assert.Equal(t, 1, s.Count("anything"))
}

func TestFailWith(t *testing.T) {
	s := New(AutoCreate())
	boom := errors.New("disk full")
	s.FailWith(boom)
	assert.ErrorIs(t, s.Append(context.Background(), "t", "1", nil), boom)
	s.FailWith(nil)
	assert.NoError(t, s.Append(context.Background(), "t", "1", nil))
}

func TestLatencyHonoursCancellation(t *testing.T) {
	s := New(AutoCreate(), Latency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Append(ctx, "t", "1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.Count("t"))
}
