package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"arcane/internal/models"
)

type mockWS struct {
	readCh      chan models.ClientMessage
	writeCh     chan any
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientMessage, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientMessage); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockSession struct {
	events    chan models.ServerMessage
	selected  chan string
	sent      chan string
	selectErr error
	sendErr   error
	closed    bool
}

func newMockSession() *mockSession {
	return &mockSession{
		events:   make(chan models.ServerMessage, 10),
		selected: make(chan string, 10),
		sent:     make(chan string, 10),
	}
}

func (m *mockSession) Events() <-chan models.ServerMessage { return m.events }

func (m *mockSession) Select(channelID string) error {
	if m.selectErr != nil {
		return m.selectErr
	}
	m.selected <- channelID
	return nil
}

func (m *mockSession) Deselect() {}

func (m *mockSession) Send(text string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent <- text
	return nil
}

func (m *mockSession) Close() { m.closed = true }

type mockPresence struct {
	events   chan models.ServerMessage
	touches  chan string
	canceled bool
}

func newMockPresence() *mockPresence {
	return &mockPresence{
		events:  make(chan models.ServerMessage, 10),
		touches: make(chan string, 10),
	}
}

func (m *mockPresence) Watch() (<-chan models.ServerMessage, func()) {
	return m.events, func() { m.canceled = true }
}

func (m *mockPresence) Touch(userID string) {
	select {
	case m.touches <- userID:
	default:
	}
}

func expectWrite(t *testing.T, ws *mockWS) models.ServerMessage {
	t.Helper()
	select {
	case v := <-ws.writeCh:
		msg, ok := v.(models.ServerMessage)
		if !ok {
			t.Fatalf("WS received wrong type: %T", v)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("WS did not receive server message")
	}
	return models.ServerMessage{}
}

func TestConnection_Lifecycle(t *testing.T) {
	ws := newMockWS()
	sess := newMockSession()
	presence := newMockPresence()

	conn := NewConnection(ws, sess, presence, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// Client selects a channel
	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeSelect, ChannelID: "room_1"}
	select {
	case id := <-sess.selected:
		if id != "room_1" {
			t.Errorf("selected wrong channel: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("session did not receive select")
	}

	// Client sends a message
	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeSend, Text: "hello"}
	select {
	case text := <-sess.sent:
		if text != "hello" {
			t.Errorf("sent wrong text: %s", text)
		}
	case <-time.After(time.Second):
		t.Fatal("session did not receive send")
	}

	// Session event flows out to the socket
	sess.events <- models.ServerMessage{
		Type:      models.ServerMessageTypeMessages,
		ChannelID: "room_1",
		Messages:  []models.Message{{Text: "hi back"}},
	}
	out := expectWrite(t, ws)
	if len(out.Messages) == 0 || out.Messages[0].Text != "hi back" {
		t.Errorf("WS received wrong content: %+v", out)
	}

	// Presence event flows out too
	presence.events <- models.ServerMessage{
		Type:   models.ServerMessageTypePresence,
		UserID: "user2",
		Status: models.StatusOnline,
	}
	out = expectWrite(t, ws)
	if out.Type != models.ServerMessageTypePresence || out.UserID != "user2" {
		t.Errorf("expected presence event, got %+v", out)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after cancel")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
	if !sess.closed {
		t.Error("session Close not called")
	}
	if !presence.canceled {
		t.Error("presence watch not canceled")
	}
}

func TestConnection_CommandErrorReported(t *testing.T) {
	ws := newMockWS()
	sess := newMockSession()
	sess.sendErr = models.ErrEmptyMessage
	presence := newMockPresence()

	conn := NewConnection(ws, sess, presence, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeSend, ChannelID: "room_1", Text: "   "}

	out := expectWrite(t, ws)
	if out.Type != models.ServerMessageTypeError || out.Error == "" {
		t.Errorf("expected error message on socket, got %+v", out)
	}

	// Connection survives a rejected command
	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeSelect, ChannelID: "room_2"}
	select {
	case <-sess.selected:
	case <-time.After(time.Second):
		t.Fatal("connection dead after rejected command")
	}

	cancel()
	<-done
}

func TestConnection_Heartbeat(t *testing.T) {
	ws := newMockWS()
	sess := newMockSession()
	presence := newMockPresence()

	conn := NewConnection(ws, sess, presence, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeHeartbeat}
	select {
	case id := <-presence.touches:
		if id != "user1" {
			t.Errorf("touched wrong user: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not reach presence tracker")
	}

	cancel()
	<-done
}

func TestConnection_WSError(t *testing.T) {
	ws := newMockWS()
	sess := newMockSession()
	presence := newMockPresence()

	conn := NewConnection(ws, sess, presence, "user2")

	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}
