package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatline/internal/models"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []models.Event
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(evt models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return true
}

func (c *fakeConn) presence() []models.PresencePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.PresencePayload
	for _, evt := range c.events {
		if evt.Type == models.EventPresenceChanged {
			out = append(out, evt.Payload.(models.PresencePayload))
		}
	}
	return out
}

func TestRegistry_MultipleConnectionsStayOnline(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	watcher := newFakeConn("w")
	req.NoError(r.Bind("bob", watcher))

	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	req.NoError(r.Bind("alice", c1))
	req.NoError(r.Bind("alice", c2))

	r.Unbind(c1)
	req.Len(r.ConnectionsFor("alice"), 1)
	req.True(r.Online("alice"))
	req.Contains(r.Roster(), models.RosterEntry{Identity: "alice", Online: true})

	r.Unbind(c2)
	req.Empty(r.ConnectionsFor("alice"))
	req.False(r.Online("alice"))
	req.Contains(r.Roster(), models.RosterEntry{Identity: "alice", Online: false})

	// Exactly one online and one offline transition for alice.
	req.Equal([]models.PresencePayload{
		{Identity: "alice", Online: true},
		{Identity: "alice", Online: false},
	}, watcher.presence())
}

func TestRegistry_BindDoesNotNotifySelf(t *testing.T) {
	r := NewRegistry()
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")

	require.NoError(t, r.Bind("alice", c1))
	require.NoError(t, r.Bind("alice", c2))

	require.Empty(t, c1.presence())
	require.Empty(t, c2.presence())
}

func TestRegistry_BindTwiceIsRejected(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("c1")

	require.NoError(t, r.Bind("alice", c))
	require.ErrorIs(t, r.Bind("mallory", c), ErrAlreadyBound)
	require.ErrorIs(t, r.Bind("alice", c), ErrAlreadyBound)

	identity, ok := r.IdentityOf(c)
	require.True(t, ok)
	require.Equal(t, "alice", identity)
	require.Len(t, r.Roster(), 1)
}

func TestRegistry_UnbindUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	watcher := newFakeConn("w")
	require.NoError(t, r.Bind("bob", watcher))

	c := newFakeConn("c1")
	_, ok := r.Unbind(c)
	require.False(t, ok)

	require.NoError(t, r.Bind("alice", c))
	identity, ok := r.Unbind(c)
	require.True(t, ok)
	require.Equal(t, "alice", identity)

	_, ok = r.Unbind(c)
	require.False(t, ok)

	require.Len(t, watcher.presence(), 2, "duplicate unbind must not re-announce offline")
}

func TestRegistry_RosterKeepsFirstBindOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, r.Bind(name, newFakeConn(name+"-1")))
	}
	// Rebinding alice later does not move her.
	aliceAgain := newFakeConn("alice-2")
	require.NoError(t, r.Bind("alice", aliceAgain))

	r.Unbind(aliceAgain)
	roster := r.Roster()
	require.Equal(t, []string{"carol", "alice", "bob"}, []string{roster[0].Identity, roster[1].Identity, roster[2].Identity})

	known, online := r.Counts()
	require.Equal(t, 3, known)
	require.Equal(t, 3, online)
}

func TestRegistry_UnknownIdentity(t *testing.T) {
	r := NewRegistry()
	require.Empty(t, r.ConnectionsFor("ghost"))
	require.False(t, r.Online("ghost"))
	require.NotNil(t, r.Roster())
	require.Empty(t, r.Roster())
}

func TestRegistry_ConcurrentBindUnbind(t *testing.T) {
	r := NewRegistry()
	watcher := newFakeConn("w")
	require.NoError(t, r.Bind("watcher", watcher))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			identity := fmt.Sprintf("user%d", i%5)
			if err := r.Bind(identity, c); err != nil {
				t.Error(err)
				return
			}
			_ = r.Roster()
			_ = r.ConnectionsFor(identity)
			r.Unbind(c)
		}(i)
	}
	wg.Wait()

	for _, e := range r.Roster() {
		if e.Identity == "watcher" {
			continue
		}
		require.False(t, e.Online, "%s should be offline", e.Identity)
	}

	// Every identity's announcements alternate online/offline.
	last := map[string]bool{}
	for _, p := range watcher.presence() {
		prev, seen := last[p.Identity]
		if seen {
			require.NotEqual(t, prev, p.Online, "%s announced %v twice in a row", p.Identity, p.Online)
		} else {
			require.True(t, p.Online)
		}
		last[p.Identity] = p.Online
	}
}
