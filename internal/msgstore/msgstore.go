// Package msgstore implements the append-only, per-channel message log
// with live subscriptions. Appends within one channel are linearized, so
// every subscriber observes the same relative order.
package msgstore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"arcane/internal/content"
	"arcane/internal/models"

	"github.com/google/uuid"
)

const (
	// DefaultSnapshotLimit bounds the history replayed to a fresh subscriber.
	DefaultSnapshotLimit = 50

	// subscriberSlack is extra channel buffer beyond the snapshot size.
	// A subscriber that falls this far behind is cancelled rather than
	// allowed to stall or reorder the log.
	subscriberSlack = 128
)

// Store is the persistence capability backing the log.
type Store interface {
	AppendMessage(message models.Message) error
	LastMessages(channelID string, n int) ([]models.Message, error)
	LastSeq(channelID string) (int64, error)
	DeleteMessages(channelID string) error
}

// AppendHook is called after a message is durably appended. Used for
// side channels like push notifications.
type AppendHook func(message models.Message)

// Subscription is a live ordered view of one channel. C first replays
// the snapshot taken at subscribe time, then delivers new messages as
// they are appended. C is closed when the subscription is cancelled,
// when the channel is dropped, or when the subscriber falls too far
// behind.
type Subscription struct {
	C <-chan models.Message

	ch     chan models.Message
	cancel func()
}

// Cancel stops delivery. No messages are sent after Cancel returns and
// C is closed. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

type channelLog struct {
	mu        sync.Mutex
	loaded    bool
	dropped   bool
	lastSeq   int64
	nextSubID int64
	subs      map[int64]*Subscription
}

// MessageStore multiplexes per-channel logs over an injected Store.
type MessageStore struct {
	store Store

	mu       sync.Mutex
	channels map[string]*channelLog

	hook AppendHook

	now   func() time.Time
	newID func() string
}

func New(store Store) *MessageStore {
	return &MessageStore{
		store:    store,
		channels: make(map[string]*channelLog),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetAppendHook registers a post-append callback. Must be called during
// wiring, before the store is used.
func (m *MessageStore) SetAppendHook(hook AppendHook) {
	m.hook = hook
}

func (m *MessageStore) log(channelID string) *channelLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.channels[channelID]
	if !ok {
		l = &channelLog{subs: make(map[int64]*Subscription)}
		m.channels[channelID] = l
	}
	return l
}

// load initializes lastSeq from the backing store. Caller holds l.mu.
func (m *MessageStore) load(channelID string, l *channelLog) error {
	if l.loaded {
		return nil
	}
	seq, err := m.store.LastSeq(channelID)
	if err != nil {
		return fmt.Errorf("failed to load channel %s: %w", channelID, err)
	}
	l.lastSeq = seq
	l.loaded = true
	return nil
}

// Append validates, persists and fans out a new message. Fails with
// ErrEmptyMessage when text trims to empty; the log is left unchanged.
func (m *MessageStore) Append(channelID, senderID, text string) (models.Message, error) {
	if channelID == "" || senderID == "" {
		return models.Message{}, fmt.Errorf("%w: channel and sender are required", models.ErrInvalidArgument)
	}
	text = content.Sanitize(text)
	if strings.TrimSpace(text) == "" {
		return models.Message{}, models.ErrEmptyMessage
	}

	l := m.log(channelID)
	l.mu.Lock()
	if l.dropped {
		l.mu.Unlock()
		return models.Message{}, fmt.Errorf("channel %s: %w", channelID, models.ErrNotFound)
	}
	if err := m.load(channelID, l); err != nil {
		l.mu.Unlock()
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        m.newID(),
		Seq:       l.lastSeq + 1,
		ChannelID: channelID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: m.now().Unix(),
	}

	if err := m.store.AppendMessage(msg); err != nil {
		l.mu.Unlock()
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	l.lastSeq = msg.Seq

	for id, sub := range l.subs {
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber: cancel instead of dropping messages, so a
			// subscriber never observes a gap. It can resubscribe and
			// replay the snapshot.
			close(sub.ch)
			delete(l.subs, id)
		}
	}
	l.mu.Unlock()

	if m.hook != nil {
		m.hook(msg)
	}

	return msg, nil
}

// Subscribe opens a live view of a channel, replaying up to limit most
// recent messages first. The snapshot and registration happen under the
// channel lock, so no append is missed or duplicated in between.
func (m *MessageStore) Subscribe(channelID string, limit int) (*Subscription, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}

	l := m.log(channelID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dropped {
		return nil, fmt.Errorf("channel %s: %w", channelID, models.ErrNotFound)
	}
	if err := m.load(channelID, l); err != nil {
		return nil, err
	}

	snapshot, err := m.store.LastMessages(channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	ch := make(chan models.Message, limit+subscriberSlack)
	for _, msg := range snapshot {
		ch <- msg
	}

	id := l.nextSubID
	l.nextSubID++

	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[id]; !ok {
			return
		}
		delete(l.subs, id)
		close(ch)
	}
	l.subs[id] = sub

	return sub, nil
}

// Recent returns up to limit most recent messages without subscribing.
func (m *MessageStore) Recent(channelID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	return m.store.LastMessages(channelID, limit)
}

// DropChannel permanently removes a channel's log and closes every live
// subscription to it. Used when a room is deleted.
func (m *MessageStore) DropChannel(channelID string) error {
	l := m.log(channelID)
	l.mu.Lock()
	if l.dropped {
		l.mu.Unlock()
		return nil
	}
	l.dropped = true
	for id, sub := range l.subs {
		close(sub.ch)
		delete(l.subs, id)
	}
	l.mu.Unlock()

	if err := m.store.DeleteMessages(channelID); err != nil {
		return fmt.Errorf("failed to delete channel log: %w", err)
	}
	return nil
}
