package typing

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/pkg/clock"
)

type fakeConn struct {
	mu        sync.Mutex
	published []model.TypingEvent
	handlers  map[string]transport.Handler
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]transport.Handler)}
}

func (f *fakeConn) Publish(channel string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload.(model.TypingEvent))
	return nil
}

func (f *fakeConn) Subscribe(channel string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, channel)
	}
}

func (f *fakeConn) push(channel string, ev model.TypingEvent) {
	f.mu.Lock()
	h := f.handlers[channel]
	f.mu.Unlock()
	if h != nil {
		data, _ := json.Marshal(ev)
		h(data)
	}
}

func (f *fakeConn) signals() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.published))
	for i, ev := range f.published {
		out[i] = ev.IsTyping
	}
	return out
}

var self = model.Session{UserID: "me", UserName: "Me", Role: model.RoleCustomer}

func newCoordinator(t *testing.T) (*Coordinator, *fakeConn, *clock.FakeClock) {
	t.Helper()
	conn := newFakeConn()
	clk := clock.Fake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	c := NewCoordinator(conn, self, DefaultOptions(), clk, nil)
	t.Cleanup(c.Close)
	return c, conn, clk
}

func TestOneEmissionPerBurst(t *testing.T) {
	c, conn, clk := newCoordinator(t)

	c.InputChanged("c1", "h")
	clk.Advance(time.Second)
	c.InputChanged("c1", "ho")
	clk.Advance(time.Second)
	c.InputChanged("c1", "hol")

	assert.Equal(t, []bool{true}, conn.signals())
	assert.True(t, c.Active("c1"))
}

func TestLongBurstRepeatsWithinRemoteTTL(t *testing.T) {
	c, conn, clk := newCoordinator(t)

	text := "h"
	c.InputChanged("c1", text)
	for i := 0; i < 4; i++ {
		clk.Advance(2 * time.Second)
		text += "o"
		c.InputChanged("c1", text)
	}

	// Announced at 0s, 4s and 8s; a peer never goes 6s without a refresh.
	assert.Equal(t, []bool{true, true, true}, conn.signals())
	assert.True(t, c.Active("c1"))
}

func TestIdleTimeoutEndsBurst(t *testing.T) {
	c, conn, clk := newCoordinator(t)

	c.InputChanged("c1", "hola")
	clk.Advance(2 * time.Second)
	c.InputChanged("c1", "hola!")
	clk.Advance(3 * time.Second)
	assert.Equal(t, []bool{true}, conn.signals(), "input resets the idle timer")

	clk.Advance(time.Second)
	assert.Equal(t, []bool{true, false}, conn.signals())
	assert.False(t, c.Active("c1"))

	c.InputChanged("c1", "again")
	assert.Equal(t, []bool{true, false, true}, conn.signals())
}

func TestEmptyInputStopsImmediately(t *testing.T) {
	c, conn, clk := newCoordinator(t)

	c.InputChanged("c1", "hola")
	c.InputChanged("c1", "   ")
	assert.Equal(t, []bool{true, false}, conn.signals())

	clk.Advance(10 * time.Second)
	assert.Equal(t, []bool{true, false}, conn.signals(), "stopped timer must not fire")
}

func TestStopWithoutBurstIsSilent(t *testing.T) {
	c, conn, _ := newCoordinator(t)
	c.Stop("c1")
	assert.Empty(t, conn.signals())
}

func TestBurstsArePerConversation(t *testing.T) {
	c, conn, _ := newCoordinator(t)
	c.InputChanged("c1", "a")
	c.InputChanged("c2", "b")
	c.Stop("c1")

	assert.Equal(t, []bool{true, true, false}, conn.signals())
	assert.True(t, c.Active("c2"))
}

func TestRemoteTypingExpires(t *testing.T) {
	c, _, clk := newCoordinator(t)

	c.HandleEvent("c1", model.TypingEvent{UserID: "ana", UserName: "Ana", IsTyping: true})
	assert.True(t, c.IsTyping("c1", "ana"))

	clk.Advance(5 * time.Second)
	assert.True(t, c.IsTyping("c1", "ana"))

	clk.Advance(time.Second)
	assert.False(t, c.IsTyping("c1", "ana"))
	assert.Empty(t, c.Typers("c1"))
}

func TestRemoteRefreshExtendsExpiry(t *testing.T) {
	c, _, clk := newCoordinator(t)

	c.HandleEvent("c1", model.TypingEvent{UserID: "ana", IsTyping: true})
	clk.Advance(5 * time.Second)
	c.HandleEvent("c1", model.TypingEvent{UserID: "ana", IsTyping: true})
	clk.Advance(5 * time.Second)
	assert.True(t, c.IsTyping("c1", "ana"))
}

func TestRemoteSetAndExplicitStop(t *testing.T) {
	c, _, _ := newCoordinator(t)

	var mu sync.Mutex
	var seen [][]model.TypingState
	c.OnChange(func(conv string, typers []model.TypingState) {
		mu.Lock()
		seen = append(seen, typers)
		mu.Unlock()
	})

	c.HandleEvent("c1", model.TypingEvent{UserID: "luis", IsTyping: true})
	c.HandleEvent("c1", model.TypingEvent{UserID: "ana", IsTyping: true})
	typers := c.Typers("c1")
	require.Len(t, typers, 2)
	assert.Equal(t, "ana", typers[0].UserID)
	assert.Equal(t, "luis", typers[1].UserID)

	c.HandleEvent("c1", model.TypingEvent{UserID: "ana", IsTyping: false})
	assert.False(t, c.IsTyping("c1", "ana"))
	assert.True(t, c.IsTyping("c1", "luis"))

	// A stop for someone not typing changes nothing.
	c.HandleEvent("c1", model.TypingEvent{UserID: "nobody", IsTyping: false})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
}

func TestOwnEchoIgnored(t *testing.T) {
	c, _, _ := newCoordinator(t)
	c.HandleEvent("c1", model.TypingEvent{UserID: self.UserID, IsTyping: true})
	assert.Empty(t, c.Typers("c1"))
}

func TestWatchDeliversAndForgets(t *testing.T) {
	c, conn, _ := newCoordinator(t)

	cancel := c.Watch("c1")
	conn.push(transport.TypingSubject("c1"), model.TypingEvent{UserID: "ana", IsTyping: true})
	assert.True(t, c.IsTyping("c1", "ana"))

	cancel()
	assert.Empty(t, c.Typers("c1"))
	conn.push(transport.TypingSubject("c1"), model.TypingEvent{UserID: "ana", IsTyping: true})
	assert.Empty(t, c.Typers("c1"))
}
