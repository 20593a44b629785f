// Package presence answers "who is online" from the server's roster snapshot
// and the deltas pushed after it.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/connection"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/pkg/clock"
	"github.com/aguaportal/conversation-engine/pkg/logger"
	"github.com/aguaportal/conversation-engine/pkg/metrics"
)

// Conn is the part of the connection manager the tracker uses.
type Conn interface {
	Subscribe(channel string, handler transport.Handler) func()
	OnStateChange(cb func(connection.StateChange)) func()
	Send(ctx context.Context, channel string, payload, out any) error
	State() model.ConnectionState
}

// Tracker maintains the roster. The roster is discarded whenever the
// connection is lost and rebuilt from a fresh snapshot on every connect.
type Tracker struct {
	conn   Conn
	clock  clock.Clock
	logger *logger.Logger

	mu        sync.Mutex
	roster    map[string]model.PresenceEntry
	gen       uint64
	syncing   bool
	buffered  []model.PresenceEvent
	taken     time.Time
	listeners map[int]func([]model.PresenceEntry)
	nextLst   int
	cancels   []func()
	cancelRun context.CancelFunc
}

// NewTracker creates a tracker and starts listening on conn.
func NewTracker(conn Conn, clk clock.Clock, log *logger.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		conn:      conn,
		clock:     clk,
		logger:    logger.OrNop(log).Named("presence"),
		roster:    make(map[string]model.PresenceEntry),
		listeners: make(map[int]func([]model.PresenceEntry)),
		cancelRun: cancel,
	}
	t.cancels = append(t.cancels,
		conn.Subscribe(transport.PresenceSubject, t.handleDelta),
		conn.OnStateChange(func(c connection.StateChange) { t.onState(ctx, c) }),
	)
	if conn.State() == model.StateConnected {
		t.onState(ctx, connection.StateChange{To: model.StateConnected})
	}
	return t
}

// Close stops listening. The roster is left as is.
func (t *Tracker) Close() {
	t.cancelRun()
	for _, cancel := range t.cancels {
		cancel()
	}
}

func key(userID string, role model.Role) string {
	return string(role) + ":" + userID
}

// IsOnline reports whether the user is in the current roster.
func (t *Tracker) IsOnline(userID string, role model.Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.roster[key(userID, role)]
	return ok
}

// Roster returns the online users ordered by user id.
func (t *Tracker) Roster() []model.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked()
}

// Syncing reports whether a snapshot is outstanding.
func (t *Tracker) Syncing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncing
}

// OnRosterChange registers cb for every roster change. The returned func removes it.
func (t *Tracker) OnRosterChange(cb func([]model.PresenceEntry)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextLst++
	id := t.nextLst
	t.listeners[id] = cb
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) rosterLocked() []model.PresenceEntry {
	out := make([]model.PresenceEntry, 0, len(t.roster))
	for _, e := range t.roster {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// changedLocked snapshots what listeners need. Call notify after unlocking.
func (t *Tracker) changedLocked() ([]model.PresenceEntry, []func([]model.PresenceEntry)) {
	roster := t.rosterLocked()
	listeners := make([]func([]model.PresenceEntry), 0, len(t.listeners))
	for id := 1; id <= t.nextLst; id++ {
		if l, ok := t.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	metrics.PresenceOnline.Set(float64(len(roster)))
	return roster, listeners
}

func notify(roster []model.PresenceEntry, listeners []func([]model.PresenceEntry)) {
	for _, l := range listeners {
		l(roster)
	}
}

func (t *Tracker) onState(ctx context.Context, c connection.StateChange) {
	switch c.To {
	case model.StateConnected:
		t.mu.Lock()
		t.gen++
		gen := t.gen
		t.syncing = true
		t.buffered = nil
		t.roster = make(map[string]model.PresenceEntry)
		roster, listeners := t.changedLocked()
		t.mu.Unlock()
		notify(roster, listeners)
		go t.fetchSnapshot(ctx, gen)

	case model.StateDisconnected, model.StateUnauthenticated:
		t.mu.Lock()
		t.gen++
		t.syncing = false
		t.buffered = nil
		if len(t.roster) == 0 {
			t.mu.Unlock()
			return
		}
		t.roster = make(map[string]model.PresenceEntry)
		roster, listeners := t.changedLocked()
		t.mu.Unlock()
		notify(roster, listeners)
	}
}

func (t *Tracker) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen
}

func (t *Tracker) fetchSnapshot(ctx context.Context, gen uint64) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	var snap model.PresenceSnapshot
	op := func() error {
		if !t.current(gen) {
			return backoff.Permanent(context.Canceled)
		}
		return t.conn.Send(ctx, transport.PresenceSnapshotSubject, nil, &snap)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if t.current(gen) {
			t.logger.Error("failed to fetch presence snapshot", zap.Error(err))
		}
		return
	}
	t.applySnapshot(gen, snap)
}

func (t *Tracker) applySnapshot(gen uint64, snap model.PresenceSnapshot) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.roster = make(map[string]model.PresenceEntry, len(snap.Users))
	for _, u := range snap.Users {
		t.roster[key(u.UserID, u.Role)] = u
	}
	t.taken = snap.Taken
	replayed := 0
	for _, ev := range t.buffered {
		if t.applyLocked(ev) {
			replayed++
		}
	}
	t.buffered = nil
	t.syncing = false
	roster, listeners := t.changedLocked()
	t.mu.Unlock()

	t.logger.Debug("presence snapshot applied",
		zap.Int("users", len(snap.Users)),
		zap.Int("replayed", replayed),
	)
	notify(roster, listeners)
}

func (t *Tracker) handleDelta(data []byte) {
	var ev model.PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.logger.Warn("dropping malformed presence event", zap.Error(err))
		return
	}
	if ev.UserID == "" {
		return
	}

	t.mu.Lock()
	if t.syncing {
		t.buffered = append(t.buffered, ev)
		t.mu.Unlock()
		return
	}
	if !t.applyLocked(ev) {
		t.mu.Unlock()
		return
	}
	roster, listeners := t.changedLocked()
	t.mu.Unlock()
	notify(roster, listeners)
}

// applyLocked applies one delta, last applied wins. Stamped deltas older than
// the current snapshot are dropped; unstamped ones are applied in arrival
// order since the local clock cannot be compared with the server's. It
// reports whether the delta was applied.
func (t *Tracker) applyLocked(ev model.PresenceEvent) bool {
	if !ev.At.IsZero() && !t.taken.IsZero() && ev.At.Before(t.taken) {
		return false
	}
	seen := ev.At
	if seen.IsZero() {
		seen = t.clock.Now()
	}
	k := key(ev.UserID, ev.Role)
	switch ev.Type {
	case model.EventUserOnline:
		t.roster[k] = model.PresenceEntry{UserID: ev.UserID, Role: ev.Role, LastSeen: seen}
	case model.EventUserOffline:
		delete(t.roster, k)
	default:
		return false
	}
	return true
}
