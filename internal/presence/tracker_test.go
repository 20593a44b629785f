package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguaportal/conversation-engine/internal/connection"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/internal/transport/transporttest"
)

type snapshotServer struct {
	mu    sync.Mutex
	snap  model.PresenceSnapshot
	gate  chan struct{}
	calls int
}

func (s *snapshotServer) set(taken time.Time, users ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = model.PresenceSnapshot{Taken: taken}
	for _, u := range users {
		s.snap.Users = append(s.snap.Users, model.PresenceEntry{UserID: u, Role: model.RoleCustomer, LastSeen: taken})
	}
}

func (s *snapshotServer) handle(json.RawMessage) (any, error) {
	s.mu.Lock()
	gate := s.gate
	s.calls++
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func setup(t *testing.T) (*transporttest.Network, *connection.Manager, *snapshotServer) {
	t.Helper()
	net := transporttest.NewNetwork()
	srv := &snapshotServer{}
	net.HandleJSON(transport.PresenceSnapshotSubject, srv.handle)
	m := connection.NewManager(net, connection.Options{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		RequestTimeout: time.Second,
	}, nil)
	t.Cleanup(m.Disconnect)
	return net, m, srv
}

func ids(entries []model.PresenceEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.UserID)
	}
	return out
}

func rosterIs(tr *Tracker, want ...string) func() bool {
	return func() bool {
		got := ids(tr.Roster())
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return !tr.Syncing()
	}
}

func delta(typ model.EventType, user string, at time.Time) model.PresenceEvent {
	return model.PresenceEvent{Type: typ, UserID: user, Role: model.RoleCustomer, At: at}
}

func TestSnapshotOnConnect(t *testing.T) {
	net, m, srv := setup(t)
	now := time.Now()
	srv.set(now, "alice", "bob")

	tr := NewTracker(m, nil, nil)
	defer tr.Close()
	require.NoError(t, m.Connect(context.Background(), "tok"))

	require.Eventually(t, rosterIs(tr, "alice", "bob"), time.Second, 5*time.Millisecond)
	assert.True(t, tr.IsOnline("alice", model.RoleCustomer))
	assert.False(t, tr.IsOnline("alice", model.RoleAdmin))

	net.PushJSON(transport.PresenceSubject, delta(model.EventUserOnline, "carol", now.Add(time.Second)))
	net.PushJSON(transport.PresenceSubject, delta(model.EventUserOffline, "bob", now.Add(time.Second)))
	assert.Equal(t, []string{"alice", "carol"}, ids(tr.Roster()))
}

func TestReconnectReplacesRoster(t *testing.T) {
	net, m, srv := setup(t)
	now := time.Now()
	srv.set(now, "alice", "bob")

	tr := NewTracker(m, nil, nil)
	defer tr.Close()
	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.Eventually(t, rosterIs(tr, "alice", "bob"), time.Second, 5*time.Millisecond)

	net.PushJSON(transport.PresenceSubject, delta(model.EventUserOnline, "carol", now.Add(time.Second)))
	require.Contains(t, ids(tr.Roster()), "carol")

	// While disconnected bob and carol left and dave arrived.
	srv.set(now.Add(time.Minute), "alice", "dave")
	net.Drop(errors.New("network blip"))

	require.Eventually(t, rosterIs(tr, "alice", "dave"), 2*time.Second, 5*time.Millisecond)
	assert.False(t, tr.IsOnline("bob", model.RoleCustomer))
	assert.False(t, tr.IsOnline("carol", model.RoleCustomer))
}

func TestDeltasBufferedUntilSnapshot(t *testing.T) {
	net, m, srv := setup(t)
	taken := time.Now()
	srv.set(taken, "alice")
	srv.gate = make(chan struct{})

	tr := NewTracker(m, nil, nil)
	defer tr.Close()
	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, tr.Syncing())

	net.PushJSON(transport.PresenceSubject, delta(model.EventUserOnline, "eve", taken.Add(time.Second)))
	net.PushJSON(transport.PresenceSubject, delta(model.EventUserOnline, "stale", taken.Add(-time.Second)))
	net.PushJSON(transport.PresenceSubject, delta(model.EventUserOffline, "alice", taken.Add(-time.Second)))
	assert.Empty(t, tr.Roster())

	close(srv.gate)
	require.Eventually(t, rosterIs(tr, "alice", "eve"), time.Second, 5*time.Millisecond)
}

func TestUnstampedDeltaIgnoresServerClockSkew(t *testing.T) {
	net, m, srv := setup(t)
	// The server clock runs an hour ahead of ours.
	srv.set(time.Now().Add(time.Hour), "alice")

	tr := NewTracker(m, nil, nil)
	defer tr.Close()
	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.Eventually(t, rosterIs(tr, "alice"), time.Second, 5*time.Millisecond)

	net.PushJSON(transport.PresenceSubject, delta(model.EventUserOnline, "frank", time.Time{}))
	assert.True(t, tr.IsOnline("frank", model.RoleCustomer))
	net.PushJSON(transport.PresenceSubject, delta(model.EventUserOffline, "alice", time.Time{}))
	assert.Equal(t, []string{"frank"}, ids(tr.Roster()))
}

func TestRosterClearedOnDisconnect(t *testing.T) {
	_, m, srv := setup(t)
	srv.set(time.Now(), "alice")

	tr := NewTracker(m, nil, nil)
	defer tr.Close()

	var mu sync.Mutex
	var sizes []int
	tr.OnRosterChange(func(r []model.PresenceEntry) {
		mu.Lock()
		sizes = append(sizes, len(r))
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.Eventually(t, rosterIs(tr, "alice"), time.Second, 5*time.Millisecond)

	m.Disconnect()
	assert.Empty(t, tr.Roster())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 0}, sizes)
}

func TestMalformedDeltaIgnored(t *testing.T) {
	net, m, srv := setup(t)
	srv.set(time.Now(), "alice")
	tr := NewTracker(m, nil, nil)
	defer tr.Close()
	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.Eventually(t, rosterIs(tr, "alice"), time.Second, 5*time.Millisecond)

	net.Push(transport.PresenceSubject, []byte(`{not json`))
	assert.Equal(t, []string{"alice"}, ids(tr.Roster()))
}
