package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatline/internal/models"
	"github.com/eldtechnologies/chatline/internal/presence"
	"github.com/eldtechnologies/chatline/internal/store"
)

// testConn records every event delivered to it.
type testConn struct {
	id     string
	closed atomic.Bool
	refuse atomic.Bool

	mu     sync.Mutex
	events []models.Event
}

func newTestConn(id string) *testConn {
	return &testConn{id: id}
}

func (c *testConn) ID() string   { return c.id }
func (c *testConn) Closed() bool { return c.closed.Load() }

func (c *testConn) Deliver(evt models.Event) bool {
	if c.closed.Load() || c.refuse.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return true
}

func (c *testConn) ofType(typ models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, evt := range c.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

// failingStore simulates a storage outage.
type failingStore struct {
	*store.MemoryStore
}

var errDiskGone = errors.New("disk gone")

func (s *failingStore) Append(ctx context.Context, from, to, content string) (*models.Message, error) {
	return nil, errors.Join(store.ErrStorageUnavailable, errDiskGone)
}

func (s *failingStore) MarkRead(ctx context.Context, from, to string) (int64, error) {
	return 0, errors.Join(store.ErrStorageUnavailable, errDiskGone)
}

type fixture struct {
	router *Router
	store  *store.MemoryStore
	reg    *presence.Registry
}

func newFixture() *fixture {
	ms := store.NewMemoryStore()
	reg := presence.NewRegistry()
	return &fixture{
		router: New(ms, reg, zerolog.Nop(), Options{}),
		store:  ms,
		reg:    reg,
	}
}

func (f *fixture) online(t *testing.T, identity, connID string) *testConn {
	t.Helper()
	c := newTestConn(connID)
	_, err := f.router.Identify(context.Background(), c, identity)
	require.NoError(t, err)
	return c
}

func messagesOf(c *testConn) []models.Message {
	var out []models.Message
	for _, evt := range c.ofType(models.EventMessage) {
		out = append(out, evt.Payload.(models.Message))
	}
	return out
}

func TestRouter_OfflineRecipientGetsHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	alice := f.online(t, "alice", "a1")

	msg, err := f.router.Send(ctx, alice, "alice", "bob", "hi")
	req.NoError(err)
	req.Equal("hi", msg.Content)

	stored, err := f.store.History(ctx, "alice", "bob")
	req.NoError(err)
	req.Len(stored, 1)
	req.Equal("alice", stored[0].From)
	req.Equal("bob", stored[0].To)
	req.False(stored[0].Read)

	f.online(t, "bob", "b1")
	history, err := f.router.History(ctx, "bob", "alice")
	req.NoError(err)
	req.Equal(stored, history)
}

func TestRouter_SendDeliversToBothPartiesOnce(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	alice1 := f.online(t, "alice", "a1")
	alice2 := f.online(t, "alice", "a2")
	bob := f.online(t, "bob", "b1")
	carol := f.online(t, "carol", "c1")

	msg, err := f.router.Send(context.Background(), alice1, "alice", "bob", "hello")
	req.NoError(err)

	for _, c := range []*testConn{alice1, alice2, bob} {
		got := messagesOf(c)
		req.Len(got, 1, "conn %s", c.ID())
		req.Equal(*msg, got[0])
	}
	req.Empty(messagesOf(carol))
}

func TestRouter_SendToSelfDeliversOncePerConnection(t *testing.T) {
	f := newFixture()
	me1 := f.online(t, "me", "m1")
	me2 := f.online(t, "me", "m2")

	_, err := f.router.Send(context.Background(), me1, "me", "me", "note to self")
	require.NoError(t, err)

	require.Len(t, messagesOf(me1), 1)
	require.Len(t, messagesOf(me2), 1)
}

func TestRouter_SendValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := f.online(t, "alice", "a1")
	stranger := newTestConn("s1")

	tests := []struct {
		name    string
		conn    *testConn
		from    string
		to      string
		content string
		wantErr error
	}{
		{"not identified", stranger, "alice", "bob", "hi", ErrNotIdentified},
		{"spoofed sender", alice, "bob", "carol", "hi", ErrUnauthorized},
		{"empty content", alice, "alice", "bob", "", ErrInvalidArgument},
		{"blank content", alice, "alice", "bob", "  \n\t", ErrInvalidArgument},
		{"content too long", alice, "alice", "bob", strings.Repeat("x", DefaultMaxContentBytes+1), ErrInvalidArgument},
		{"empty recipient", alice, "alice", " ", "hi", ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := f.router.Send(ctx, tt.conn, tt.from, tt.to, tt.content)
			require.ErrorIs(t, err, tt.wantErr)
			require.Nil(t, msg)
		})
	}

	count, err := f.store.CountMessages(ctx)
	require.NoError(t, err)
	require.Zero(t, count, "rejected sends must never reach storage")
}

func TestRouter_SendEmptyFromUsesBoundIdentity(t *testing.T) {
	f := newFixture()
	alice := f.online(t, "alice", "a1")

	msg, err := f.router.Send(context.Background(), alice, "", "bob", "hi")
	require.NoError(t, err)
	require.Equal(t, "alice", msg.From)
}

func TestRouter_ReadAckNotifiesSender(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	alice := f.online(t, "alice", "a1")
	bob := f.online(t, "bob", "b1")

	_, err := f.router.Send(ctx, alice, "alice", "bob", "hello")
	req.NoError(err)

	n, err := f.router.ReadAck(ctx, bob, "alice", "bob")
	req.NoError(err)
	req.EqualValues(1, n)

	acks := alice.ofType(models.EventReadStateChanged)
	req.Len(acks, 1)
	req.Equal(models.ReadStatePayload{By: "bob"}, acks[0].Payload)
	req.Empty(bob.ofType(models.EventReadStateChanged))

	history, err := f.store.History(ctx, "alice", "bob")
	req.NoError(err)
	req.True(history[0].Read)

	// Second ack has nothing to flip and notifies nobody.
	n, err = f.router.ReadAck(ctx, bob, "alice", "bob")
	req.NoError(err)
	req.Zero(n)
	req.Len(alice.ofType(models.EventReadStateChanged), 1)

	again, err := f.store.History(ctx, "alice", "bob")
	req.NoError(err)
	req.Equal(history, again)
}

func TestRouter_ReadAckRequiresReader(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := f.online(t, "alice", "a1")
	mallory := f.online(t, "mallory", "m1")

	_, err := f.router.Send(ctx, alice, "alice", "bob", "for bob only")
	require.NoError(t, err)

	_, err = f.router.ReadAck(ctx, mallory, "alice", "bob")
	require.ErrorIs(t, err, ErrUnauthorized)

	unread, err := f.store.UnreadCount(ctx, "alice", "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, unread)
}

func TestRouter_TypingToOfflineIsDropped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := f.online(t, "alice", "a1")

	require.NoError(t, f.router.Typing(ctx, alice, "alice", "bob", true))

	count, err := f.store.CountMessages(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, alice.ofType(models.EventTypingChanged))

	// Coming online later does not replay it.
	bob := f.online(t, "bob", "b1")
	require.Empty(t, bob.ofType(models.EventTypingChanged))
}

func TestRouter_TypingForwardsToRecipientOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice1 := f.online(t, "alice", "a1")
	alice2 := f.online(t, "alice", "a2")
	bob := f.online(t, "bob", "b1")

	require.NoError(t, f.router.Typing(ctx, alice1, "alice", "bob", true))
	require.NoError(t, f.router.Typing(ctx, alice1, "alice", "bob", false))

	got := bob.ofType(models.EventTypingChanged)
	require.Equal(t, []models.Event{
		models.NewTypingEvent("alice", true),
		models.NewTypingEvent("alice", false),
	}, got)
	require.Empty(t, alice2.ofType(models.EventTypingChanged))

	require.ErrorIs(t, f.router.Typing(ctx, bob, "alice", "bob", true), ErrUnauthorized)
}

func TestRouter_IdentifyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := newTestConn("c1")

	_, err := f.router.Identify(ctx, c, "  ")
	require.ErrorIs(t, err, ErrInvalidArgument)

	identity, err := f.router.Identify(ctx, c, " alice ")
	require.NoError(t, err)
	require.Equal(t, "alice", identity)

	_, err = f.router.Identify(ctx, c, "bob")
	require.ErrorIs(t, err, ErrAlreadyIdentified)

	bound, ok := f.router.IdentityOf(c)
	require.True(t, ok)
	require.Equal(t, "alice", bound)
	require.Len(t, f.router.Roster(), 1)
}

func TestRouter_ClosedConnectionDropsLateEvents(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	alice := f.online(t, "alice", "a1")
	bob := f.online(t, "bob", "b1")

	alice.closed.Store(true)
	f.router.Disconnect(alice)
	f.router.Disconnect(alice)

	msg, err := f.router.Send(ctx, alice, "alice", "bob", "too late")
	req.NoError(err)
	req.Nil(msg)
	req.NoError(f.router.Typing(ctx, alice, "alice", "bob", true))
	_, err = f.router.ReadAck(ctx, alice, "bob", "alice")
	req.NoError(err)
	identity, err := f.router.Identify(ctx, alice, "alice")
	req.NoError(err)
	req.Empty(identity)

	req.Empty(messagesOf(bob))
	req.Contains(f.router.Roster(), models.RosterEntry{Identity: "alice", Online: false})

	presenceEvents := bob.ofType(models.EventPresenceChanged)
	req.Len(presenceEvents, 1)
	req.Equal(models.PresencePayload{Identity: "alice", Online: false}, presenceEvents[0].Payload)
}

func TestRouter_NoDeliveryAfterDisconnect(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := f.online(t, "alice", "a1")
	bob := f.online(t, "bob", "b1")

	bob.closed.Store(true)
	f.router.Disconnect(bob)

	_, err := f.router.Send(ctx, alice, "alice", "bob", "are you there?")
	require.NoError(t, err)
	require.Empty(t, messagesOf(bob))
	require.Len(t, messagesOf(alice), 1)
}

func TestRouter_RefusedDeliveryDoesNotFailSend(t *testing.T) {
	f := newFixture()
	alice := f.online(t, "alice", "a1")
	bob := f.online(t, "bob", "b1")
	bob.refuse.Store(true)

	msg, err := f.router.Send(context.Background(), alice, "alice", "bob", "hi")
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Len(t, messagesOf(alice), 1)
}

func TestRouter_StorageUnavailable(t *testing.T) {
	req := require.New(t)
	reg := presence.NewRegistry()
	r := New(&failingStore{MemoryStore: store.NewMemoryStore()}, reg, zerolog.Nop(), Options{})
	ctx := context.Background()

	alice := newTestConn("a1")
	bob := newTestConn("b1")
	_, err := r.Identify(ctx, alice, "alice")
	req.NoError(err)
	_, err = r.Identify(ctx, bob, "bob")
	req.NoError(err)

	_, err = r.Send(ctx, alice, "alice", "bob", "hi")
	req.ErrorIs(err, store.ErrStorageUnavailable)
	req.Equal(CodeStorageUnavailable, Code(err))
	req.Empty(messagesOf(bob))

	_, err = r.ReadAck(ctx, bob, "alice", "bob")
	req.ErrorIs(err, store.ErrStorageUnavailable)

	// Presence is untouched by the failure.
	req.True(reg.Online("alice"))
	req.True(reg.Online("bob"))
}

func TestRouter_ConcurrentSendersKeepPerConnectionOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bob := f.online(t, "bob", "b1")

	const senders, perSender = 5, 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		sender := f.online(t, string(rune('a'+i)), "s"+string(rune('a'+i)))
		wg.Add(1)
		go func(c *testConn, name string) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if _, err := f.router.Send(ctx, c, name, "bob", "msg"); err != nil {
					t.Error(err)
				}
			}
		}(sender, string(rune('a'+i)))
	}
	wg.Wait()

	got := messagesOf(bob)
	require.Len(t, got, senders*perSender)

	// Messages from one sender arrive in the order that sender sent them.
	lastSeq := map[string]int64{}
	for _, msg := range got {
		require.Greater(t, msg.Seq, lastSeq[msg.From])
		lastSeq[msg.From] = msg.Seq
	}
}

func TestCode(t *testing.T) {
	require.Equal(t, CodeInvalidArgument, Code(ErrInvalidArgument))
	require.Equal(t, CodeUnauthorized, Code(ErrUnauthorized))
	require.Equal(t, CodeAlreadyIdentified, Code(ErrAlreadyIdentified))
	require.Equal(t, CodeNotIdentified, Code(ErrNotIdentified))
	require.Equal(t, CodeStorageUnavailable, Code(store.ErrStorageUnavailable))
	require.Equal(t, CodeInternal, Code(errors.New("boom")))
}

func TestNormalizeIdentity(t *testing.T) {
	identity, err := NormalizeIdentity("  zoë ")
	require.NoError(t, err)
	require.Equal(t, "zoë", identity)

	_, err = NormalizeIdentity(strings.Repeat("a", MaxIdentityBytes+1))
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NormalizeIdentity("bad\x00name")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NormalizeIdentity(" .. ")
	require.ErrorIs(t, err, ErrInvalidArgument)

	identity, err = NormalizeIdentity("dr..who")
	require.NoError(t, err)
	require.Equal(t, "dr..who", identity)
}
