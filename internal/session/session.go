// Package session binds a user's currently selected channel to a live
// message subscription. A session is either NoChannelSelected or
// ChannelActive; deleting the channel out from under a viewer moves
// the session back to NoChannelSelected instead of erroring silently.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"arcane/internal/models"
	"arcane/internal/msgstore"
)

var ErrNoChannelSelected = errors.New("no channel selected")

// AccessChecker guards channel selection.
type AccessChecker interface {
	CanAccess(userID, channelID string) error
}

// MessageSource is the slice of the message store a session needs.
type MessageSource interface {
	Append(channelID, senderID, text string) (models.Message, error)
	Subscribe(channelID string, limit int) (*msgstore.Subscription, error)
}

type Session struct {
	userID   string
	messages MessageSource
	access   AccessChecker
	limit    int

	out  chan models.ServerMessage
	done chan struct{}

	mu        sync.Mutex
	channelID string
	sub       *msgstore.Subscription
	gen       int64
	closed    bool
}

func New(userID string, messages MessageSource, access AccessChecker, historyLimit int) *Session {
	return &Session{
		userID:   userID,
		messages: messages,
		access:   access,
		limit:    historyLimit,
		out:      make(chan models.ServerMessage, 256),
		done:     make(chan struct{}),
	}
}

// Events is the ordered stream of server messages for this session:
// replayed history, live messages and channel-closed notices.
func (s *Session) Events() <-chan models.ServerMessage {
	return s.out
}

// Current returns the selected channel id, or "" when none is selected.
func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// Select switches the session to channelID. Any previous subscription
// is cancelled first; the new channel's recent history is replayed into
// Events before live messages.
func (s *Session) Select(channelID string) error {
	if err := s.access.CanAccess(s.userID, channelID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}

	s.detachLocked()

	sub, err := s.messages.Subscribe(channelID, s.limit)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channelID, err)
	}

	s.channelID = channelID
	s.sub = sub
	gen := s.gen

	go s.pump(gen, channelID, sub)
	return nil
}

// Deselect cancels the current subscription, if any.
func (s *Session) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked()
}

// detachLocked cancels the active subscription and bumps the generation
// so the old pump goroutine knows it is stale. Caller holds s.mu.
func (s *Session) detachLocked() {
	s.gen++
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.channelID = ""
}

// Send appends text to the selected channel. It fails with
// ErrNoChannelSelected when nothing is selected and with
// ErrEmptyMessage when the text trims to empty; both are treated as
// "sending disabled" by callers.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	channelID := s.channelID
	s.mu.Unlock()

	if channelID == "" {
		return ErrNoChannelSelected
	}
	if strings.TrimSpace(text) == "" {
		return models.ErrEmptyMessage
	}

	_, err := s.messages.Append(channelID, s.userID, text)
	return err
}

// Close tears the session down. No events are produced afterwards,
// though already-buffered ones may still be drained from Events.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.detachLocked()
	close(s.done)
}

func (s *Session) pump(gen int64, channelID string, sub *msgstore.Subscription) {
	for msg := range sub.C {
		event := models.ServerMessage{
			Type:      models.ServerMessageTypeMessages,
			ChannelID: channelID,
			Messages:  []models.Message{msg},
		}
		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}

	// Subscription closed. If this pump is still the current one the
	// channel was dropped underneath us (room deleted, or the store cut
	// us off as a slow consumer): transition the viewer out.
	s.mu.Lock()
	stale := s.gen != gen || s.closed
	if !stale {
		s.sub = nil
		s.channelID = ""
		s.gen++
	}
	s.mu.Unlock()
	if stale {
		return
	}

	select {
	case s.out <- models.ServerMessage{
		Type:      models.ServerMessageTypeChannelClosed,
		ChannelID: channelID,
	}:
	case <-s.done:
	}
}
