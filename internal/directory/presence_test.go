package directory

import (
	"context"
	"testing"
	"time"

	"arcane/internal/models"
)

func newTestTracker(t *testing.T) (*Tracker, *Directory, *memUserStore) {
	t.Helper()
	store := newMemUserStore(
		models.User{ID: "u1", Email: "alice@example.com", Username: "alice"},
		models.User{ID: "u2", Email: "bob@example.com", Username: "bob"},
	)
	dir, err := New(store)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewTracker(ctx, dir, time.Minute), dir, store
}

func TestTracker_Sessions(t *testing.T) {
	tracker, dir, _ := newTestTracker(t)

	tracker.BeginSession("u1")
	u, _ := dir.Get("u1")
	if u.Presence.Status != models.StatusOnline {
		t.Fatalf("expected online, got %s", u.Presence.Status)
	}

	// Second session for the same user keeps them online after one ends
	tracker.BeginSession("u1")
	tracker.EndSession("u1")
	u, _ = dir.Get("u1")
	if u.Presence.Status != models.StatusOnline {
		t.Errorf("expected still online with one session left, got %s", u.Presence.Status)
	}

	tracker.EndSession("u1")
	u, _ = dir.Get("u1")
	if u.Presence.Status != models.StatusOffline {
		t.Errorf("expected offline after last session, got %s", u.Presence.Status)
	}
}

func TestTracker_Watch(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	events, cancel := tracker.Watch()

	tracker.BeginSession("u1")
	select {
	case msg := <-events:
		if msg.Type != models.ServerMessageTypePresence || msg.UserID != "u1" || msg.Status != models.StatusOnline {
			t.Errorf("unexpected event %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for online event")
	}

	tracker.EndSession("u1")
	select {
	case msg := <-events:
		if msg.Status != models.StatusOffline {
			t.Errorf("expected offline event, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for offline event")
	}

	cancel()
	if _, ok := <-events; ok {
		t.Error("expected watcher channel closed after cancel")
	}
}

func TestTracker_SweepStalePresence(t *testing.T) {
	tracker, dir, _ := newTestTracker(t)

	tracker.BeginSession("u1")

	// Simulate an abrupt disconnect: the heartbeat entry vanishes
	// without EndSession ever running.
	_ = tracker.heartbeats.Del("u1")

	tracker.sweep()

	u, _ := dir.Get("u1")
	if u.Presence.Status != models.StatusOffline {
		t.Errorf("expected sweep to mark u1 offline, got %s", u.Presence.Status)
	}
}

func TestTracker_SweepKeepsFreshSessions(t *testing.T) {
	tracker, dir, _ := newTestTracker(t)

	tracker.BeginSession("u1")
	tracker.Touch("u1")
	tracker.sweep()

	u, _ := dir.Get("u1")
	if u.Presence.Status != models.StatusOnline {
		t.Errorf("fresh session swept: %s", u.Presence.Status)
	}
}
