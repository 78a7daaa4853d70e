package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatline/internal/ids"
	"github.com/eldtechnologies/chatline/internal/models"
)

// runStoreSuite exercises the MessageStore contract against one backend.
// Identities are suffixed per test so a shared database can be reused.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) MessageStore) {
	t.Run("AppendAssignsFields", func(t *testing.T) {
		s := newStore(t)
		alice, bob := pair("alice", "bob")

		msg, err := s.Append(context.Background(), alice, bob, "hi")
		require.NoError(t, err)
		require.NotEmpty(t, msg.ID)
		require.Equal(t, alice, msg.From)
		require.Equal(t, bob, msg.To)
		require.Equal(t, "hi", msg.Content)
		require.False(t, msg.Read)
		require.False(t, msg.CreatedAt.IsZero())
		require.Positive(t, msg.Seq)
	})

	t.Run("HistoryIsSymmetric", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		alice, bob := pair("alice", "bob")

		m1, err := s.Append(ctx, alice, bob, "one")
		req.NoError(err)
		m2, err := s.Append(ctx, bob, alice, "two")
		req.NoError(err)
		m3, err := s.Append(ctx, alice, bob, "three")
		req.NoError(err)

		ab, err := s.History(ctx, alice, bob)
		req.NoError(err)
		ba, err := s.History(ctx, bob, alice)
		req.NoError(err)

		req.Equal([]models.Message{*m1, *m2, *m3}, ab)
		req.Equal(ab, ba)
	})

	t.Run("HistoryExcludesOtherConversations", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		alice, bob, carol := trio("alice", "bob", "carol")

		_, err := s.Append(ctx, alice, bob, "for bob")
		req.NoError(err)
		_, err = s.Append(ctx, alice, carol, "for carol")
		req.NoError(err)

		history, err := s.History(ctx, alice, carol)
		req.NoError(err)
		req.Len(history, 1)
		req.Equal("for carol", history[0].Content)
	})

	t.Run("HistoryUnknownIdentitiesIsEmpty", func(t *testing.T) {
		s := newStore(t)
		nobody, ghost := pair("nobody", "ghost")

		history, err := s.History(context.Background(), nobody, ghost)
		require.NoError(t, err)
		require.NotNil(t, history)
		require.Empty(t, history)
	})

	t.Run("SeparatorInIdentityDoesNotCollide", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		suffix := ids.NewMessageID()
		a, b, bc := "a"+suffix, "b", "b:1:c"+suffix

		_, err := s.Append(ctx, a, b, "short")
		req.NoError(err)
		_, err = s.Append(ctx, a, bc, "long")
		req.NoError(err)

		history, err := s.History(ctx, a, b)
		req.NoError(err)
		req.Len(history, 1)
		req.Equal("short", history[0].Content)
	})

	t.Run("MarkReadIsDirectionalAndIdempotent", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		alice, bob := pair("alice", "bob")

		_, err := s.Append(ctx, alice, bob, "one")
		req.NoError(err)
		_, err = s.Append(ctx, alice, bob, "two")
		req.NoError(err)
		_, err = s.Append(ctx, bob, alice, "reply")
		req.NoError(err)

		unread, err := s.UnreadCount(ctx, alice, bob)
		req.NoError(err)
		req.EqualValues(2, unread)

		n, err := s.MarkRead(ctx, alice, bob)
		req.NoError(err)
		req.EqualValues(2, n)

		n, err = s.MarkRead(ctx, alice, bob)
		req.NoError(err)
		req.EqualValues(0, n)

		unread, err = s.UnreadCount(ctx, alice, bob)
		req.NoError(err)
		req.EqualValues(0, unread)

		history, err := s.History(ctx, alice, bob)
		req.NoError(err)
		req.Len(history, 3)
		for _, msg := range history {
			if msg.From == alice {
				req.True(msg.Read, "alice's message %q should be read", msg.Content)
			} else {
				req.False(msg.Read, "bob's reply must stay unread")
			}
		}
	})

	t.Run("ReadFlagIsMonotonic", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		alice, bob := pair("alice", "bob")

		first, err := s.Append(ctx, alice, bob, "seen")
		req.NoError(err)
		_, err = s.MarkRead(ctx, alice, bob)
		req.NoError(err)
		_, err = s.Append(ctx, alice, bob, "new")
		req.NoError(err)

		history, err := s.History(ctx, alice, bob)
		req.NoError(err)
		req.Len(history, 2)
		req.Equal(first.ID, history[0].ID)
		req.True(history[0].Read)
		req.False(history[1].Read)

		n, err := s.MarkRead(ctx, alice, bob)
		req.NoError(err)
		req.EqualValues(1, n)
	})

	t.Run("ConcurrentAppendsKeepTotalOrder", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		alice, bob := pair("alice", "bob")

		const workers, perWorker = 8, 10
		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				from, to := alice, bob
				if w%2 == 1 {
					from, to = bob, alice
				}
				for i := 0; i < perWorker; i++ {
					if _, err := s.Append(ctx, from, to, fmt.Sprintf("%d-%d", w, i)); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			req.NoError(err)
		}

		history, err := s.History(ctx, alice, bob)
		req.NoError(err)
		req.Len(history, workers*perWorker)

		seenIDs := make(map[string]bool)
		seenSeqs := make(map[int64]bool)
		for i, msg := range history {
			req.False(seenIDs[msg.ID], "duplicate id %s", msg.ID)
			req.False(seenSeqs[msg.Seq], "duplicate seq %d", msg.Seq)
			seenIDs[msg.ID] = true
			seenSeqs[msg.Seq] = true
			if i > 0 {
				req.True(history[i-1].Before(msg), "history out of order at %d", i)
			}
		}

		again, err := s.History(ctx, bob, alice)
		req.NoError(err)
		req.Equal(history, again)
	})

	t.Run("CountMessages", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		alice, bob := pair("alice", "bob")

		before, err := s.CountMessages(ctx)
		req.NoError(err)

		_, err = s.Append(ctx, alice, bob, "one")
		req.NoError(err)
		_, err = s.Append(ctx, bob, alice, "two")
		req.NoError(err)

		after, err := s.CountMessages(ctx)
		req.NoError(err)
		req.EqualValues(2, after-before)
	})

	t.Run("MessageToSelf", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		me, _ := pair("me", "unused")

		_, err := s.Append(ctx, me, me, "note")
		req.NoError(err)

		history, err := s.History(ctx, me, me)
		req.NoError(err)
		req.Len(history, 1)

		n, err := s.MarkRead(ctx, me, me)
		req.NoError(err)
		req.EqualValues(1, n)
	})
}

// pair returns two identities unique to this invocation.
func pair(a, b string) (string, string) {
	suffix := "-" + ids.NewMessageID()
	return a + suffix, b + suffix
}

// trio returns three identities unique to this invocation.
func trio(a, b, c string) (string, string, string) {
	suffix := "-" + ids.NewMessageID()
	return a + suffix, b + suffix, c + suffix
}
