package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"arcane/internal/models"

	"github.com/c-pro/geche"
)

const DefaultPresenceTTL = 90 * time.Second

// Tracker marks users online on session start and offline on session
// end. Because a clean close cannot be guaranteed, each live connection
// also heartbeats; a sweep pass flags users whose heartbeat expired
// from the TTL cache as offline.
//
// Presence teardown is best effort: a failed offline write is logged
// and not retried, stale presence is acceptable.
type Tracker struct {
	dir *Directory
	ttl time.Duration

	heartbeats geche.Geche[string, int64]

	mu       sync.Mutex
	sessions map[string]int
	watchers map[int64]chan models.ServerMessage
	nextID   int64

	now func() time.Time
}

func NewTracker(ctx context.Context, dir *Directory, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Tracker{
		dir:        dir,
		ttl:        ttl,
		heartbeats: geche.NewMapTTLCache[string, int64](ctx, ttl, ttl/3),
		sessions:   make(map[string]int),
		watchers:   make(map[int64]chan models.ServerMessage),
		now:        time.Now,
	}
}

// BeginSession sets the user online. Multiple concurrent sessions for
// one user are counted; the user goes offline when the last one ends.
func (t *Tracker) BeginSession(userID string) {
	now := t.now().Unix()
	t.heartbeats.Set(userID, now)

	t.mu.Lock()
	t.sessions[userID]++
	first := t.sessions[userID] == 1
	t.mu.Unlock()

	if !first {
		return
	}
	if err := t.dir.SetPresence(userID, models.StatusOnline, now); err != nil {
		slog.Error("failed to set user online", "user_id", userID, "error", err)
		return
	}
	t.broadcast(userID, models.StatusOnline)
}

// Touch refreshes the heartbeat for a live session.
func (t *Tracker) Touch(userID string) {
	t.heartbeats.Set(userID, t.now().Unix())
}

// EndSession sets the user offline once their last session ends.
func (t *Tracker) EndSession(userID string) {
	t.mu.Lock()
	t.sessions[userID]--
	last := t.sessions[userID] <= 0
	if last {
		delete(t.sessions, userID)
	}
	t.mu.Unlock()

	if !last {
		return
	}
	_ = t.heartbeats.Del(userID)

	if err := t.dir.SetPresence(userID, models.StatusOffline, t.now().Unix()); err != nil {
		// Best effort: a missed offline flag is staleness, not corruption.
		slog.Warn("failed to set user offline", "user_id", userID, "error", err)
		return
	}
	t.broadcast(userID, models.StatusOffline)
}

// Watch returns a channel of presence transitions and a cancel func.
func (t *Tracker) Watch() (<-chan models.ServerMessage, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	ch := make(chan models.ServerMessage, 16)
	t.watchers[id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if w, ok := t.watchers[id]; ok {
			delete(t.watchers, id)
			close(w)
		}
	}
	return ch, cancel
}

func (t *Tracker) broadcast(userID string, status models.PresenceStatus) {
	msg := models.ServerMessage{
		Type:   models.ServerMessageTypePresence,
		UserID: userID,
		Status: status,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.watchers {
		select {
		case ch <- msg:
		default:
			// Watcher is not draining, skip it
		}
	}
}

// Run sweeps for users that look online but whose heartbeat expired,
// e.g. after an abrupt disconnect or a server restart.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	for _, u := range t.dir.List() {
		if u.Presence.Status != models.StatusOnline {
			continue
		}
		if _, err := t.heartbeats.Get(u.ID); err == nil {
			continue
		}

		t.mu.Lock()
		delete(t.sessions, u.ID)
		t.mu.Unlock()

		slog.Info("presence heartbeat expired", "user_id", u.ID)
		if err := t.dir.SetPresence(u.ID, models.StatusOffline, t.now().Unix()); err != nil {
			slog.Warn("failed to sweep stale presence", "user_id", u.ID, "error", err)
			continue
		}
		t.broadcast(u.ID, models.StatusOffline)
	}
}
