package ws

import (
	"context"
	"errors"
	"sync"

	"arcane/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// chatSession is the per-connection channel state machine.
type chatSession interface {
	Events() <-chan models.ServerMessage
	Select(channelID string) error
	Deselect()
	Send(text string) error
	Close()
}

// presenceFeed delivers presence transitions and accepts heartbeats.
type presenceFeed interface {
	Watch() (<-chan models.ServerMessage, func())
	Touch(userID string)
}

// Connection multiplexes one websocket: client commands in, session
// events and presence updates out.
type Connection struct {
	ws       wsConnection
	session  chatSession
	presence presenceFeed
	userID   string

	fromClient     chan models.ClientMessage
	presenceCh     <-chan models.ServerMessage
	presenceCancel func()
	errorCh        chan error
}

func NewConnection(ws wsConnection, session chatSession, presence presenceFeed, userID string) *Connection {
	presenceCh, presenceCancel := presence.Watch()
	return &Connection{
		ws:             ws,
		session:        session,
		presence:       presence,
		userID:         userID,
		fromClient:     make(chan models.ClientMessage),
		presenceCh:     presenceCh,
		presenceCancel: presenceCancel,
		errorCh:        make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.session.Close()
		c.presenceCancel()
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientMessage(msg); err != nil {
				return err
			}
		case msg := <-c.session.Events():
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case msg := <-c.presenceCh:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientMessage executes one client command. Command failures
// are reported back over the socket instead of tearing the connection
// down: a rejected send or a bad channel id is the client's problem,
// not a protocol error.
func (c *Connection) processClientMessage(msg models.ClientMessage) error {
	c.presence.Touch(c.userID)

	switch msg.Type {
	case models.ClientMessageTypeHeartbeat:
		return nil
	case models.ClientMessageTypeSelect:
		if err := c.session.Select(msg.ChannelID); err != nil {
			return c.reportError(msg.ChannelID, err)
		}
	case models.ClientMessageTypeDeselect:
		c.session.Deselect()
	case models.ClientMessageTypeSend:
		if err := c.session.Send(msg.Text); err != nil {
			return c.reportError(msg.ChannelID, err)
		}
	}

	return nil
}

func (c *Connection) reportError(channelID string, err error) error {
	return c.ws.WriteJSON(models.ServerMessage{
		Type:      models.ServerMessageTypeError,
		ChannelID: channelID,
		Error:     err.Error(),
	})
}
