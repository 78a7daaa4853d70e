package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) MessageStore {
		return NewMemoryStore()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg, err := s.Append(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	msg.Read = true

	history, err := s.History(ctx, "alice", "bob")
	require.NoError(t, err)
	history[0].Content = "tampered"

	again, err := s.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.False(t, again[0].Read)
	require.Equal(t, "hi", again[0].Content)
}

func TestInstrumented_Delegates(t *testing.T) {
	s := NewInstrumented(NewMemoryStore())
	ctx := context.Background()

	_, err := s.Append(ctx, "alice", "bob", "hi")
	require.NoError(t, err)

	n, err := s.MarkRead(ctx, "alice", "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	history, err := s.History(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].Read)

	count, err := s.CountMessages(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}
