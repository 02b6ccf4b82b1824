// Package notify pushes "new message" web push notifications to
// recipients that are offline when a message lands. Delivery is best
// effort: push endpoints come and go, a failed send is logged and the
// subscription dropped when the endpoint says it is gone for good.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"arcane/internal/channel"
	"arcane/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// SubscriptionStore persists raw push subscription payloads keyed by
// user id.
type SubscriptionStore interface {
	UpsertPushSubscription(userID string, subscription []byte) error
	GetPushSubscription(userID string) ([]byte, error)
	DeletePushSubscription(userID string) error
}

// RoomLookup resolves room membership for fanout.
type RoomLookup interface {
	Get(roomID string) (models.Room, error)
}

// PresenceLookup tells whether a recipient is currently online.
type PresenceLookup interface {
	Get(id string) (models.User, error)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

// Enabled reports whether push is configured. Without VAPID keys the
// notifier degrades to a no-op.
func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

type Notifier struct {
	cfg   Config
	store SubscriptionStore
	rooms RoomLookup
	users PresenceLookup
}

func New(cfg Config, store SubscriptionStore, rooms RoomLookup, users PresenceLookup) *Notifier {
	return &Notifier{cfg: cfg, store: store, rooms: rooms, users: users}
}

// PublicKey returns the VAPID public key clients need to subscribe.
func (n *Notifier) PublicKey() string {
	return n.cfg.VAPIDPublicKey
}

// Subscribe stores a browser push subscription for the user. The
// payload must be a valid serialized PushSubscription.
func (n *Notifier) Subscribe(userID string, payload []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(payload, &sub); err != nil {
		return fmt.Errorf("%w: invalid push subscription", models.ErrInvalidArgument)
	}
	if sub.Endpoint == "" {
		return fmt.Errorf("%w: push subscription has no endpoint", models.ErrInvalidArgument)
	}
	return n.store.UpsertPushSubscription(userID, payload)
}

func (n *Notifier) Unsubscribe(userID string) error {
	return n.store.DeletePushSubscription(userID)
}

type pushPayload struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
}

// MessageAppended is hooked into the message store. It fans the
// message out to every recipient of the channel that is offline and
// has a push subscription.
func (n *Notifier) MessageAppended(msg models.Message) {
	if !n.cfg.Enabled() {
		return
	}

	recipients, err := n.recipients(msg.ChannelID)
	if err != nil {
		slog.Warn("failed to resolve push recipients", "channel_id", msg.ChannelID, "error", err)
		return
	}

	payload, err := json.Marshal(pushPayload{
		Type:      "message",
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
	})
	if err != nil {
		slog.Error("failed to marshal push payload", "error", err)
		return
	}

	for _, userID := range recipients {
		if userID == msg.SenderID {
			continue
		}
		if u, err := n.users.Get(userID); err == nil && u.Presence.Status == models.StatusOnline {
			continue
		}
		go n.push(userID, payload)
	}
}

func (n *Notifier) recipients(channelID string) ([]string, error) {
	if a, b, ok := channel.DirectPeers(channelID); ok {
		return []string{a, b}, nil
	}
	if roomID, ok := channel.RoomOf(channelID); ok {
		room, err := n.rooms.Get(roomID)
		if err != nil {
			return nil, err
		}
		return room.Members, nil
	}
	return nil, fmt.Errorf("%w: unrecognized channel id %s", models.ErrInvalidArgument, channelID)
}

func (n *Notifier) push(userID string, payload []byte) {
	raw, err := n.store.GetPushSubscription(userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("failed to load push subscription", "user_id", userID, "error", err)
		}
		return
	}

	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		slog.Warn("stored push subscription is corrupt, dropping it", "user_id", userID)
		_ = n.store.DeletePushSubscription(userID)
		return
	}

	resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		slog.Warn("push delivery failed", "user_id", userID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// The endpoint telling us the subscription no longer exists is the
	// one failure worth acting on.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		slog.Info("push endpoint gone, dropping subscription", "user_id", userID)
		_ = n.store.DeletePushSubscription(userID)
	}
}
