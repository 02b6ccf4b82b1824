package models

import "errors"

// Error taxonomy. Operations surface failures to the caller as one of
// these sentinels, possibly wrapped.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrEmptyMessage    = errors.New("empty message")
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Presence represents the online status of a user.
type Presence struct {
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"` // Unix timestamp (seconds)
}

// User represents a user in the system. ID is assigned at signup and
// never changes.
type User struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	Username  string   `json:"username"`
	AvatarID  string   `json:"avatarId,omitempty"`
	Presence  Presence `json:"presence"`
	CreatedAt int64    `json:"createdAt"`
}

type ChannelKind string

const (
	ChannelDirect ChannelKind = "direct"
	ChannelRoom   ChannelKind = "room"
)

// Channel is an addressable conversation stream: either a direct
// conversation between two users or a named room.
type Channel struct {
	ID   string      `json:"id"`
	Kind ChannelKind `json:"kind"`
	Name string      `json:"name,omitempty"`
}

// Room is a named group channel joinable by code. OwnerID is always a
// member until the room is deleted.
type Room struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Code      string   `json:"code"`
	OwnerID   string   `json:"ownerId"`
	Members   []string `json:"members"`
	CreatedAt int64    `json:"createdAt"`
}

func (r *Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// AddMember adds userID to the member set. Returns false if the user
// was already a member.
func (r *Room) AddMember(userID string) bool {
	if r.HasMember(userID) {
		return false
	}
	r.Members = append(r.Members, userID)
	return true
}

// RemoveMember removes userID from the member set. Returns false if the
// user was not a member.
func (r *Room) RemoveMember(userID string) bool {
	for i, m := range r.Members {
		if m == userID {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
			return true
		}
	}
	return false
}

// Message is a single immutable entry in a channel log. Seq is assigned
// by the message store and defines the visible order within a channel;
// CreatedAt ties are broken by Seq.
type Message struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	ChannelID string `json:"channelId"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"` // Unix timestamp (seconds)
}

// ClientMessage represents a message sent from the client to the server.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	ChannelID string            `json:"channelId,omitempty"`
	Text      string            `json:"text,omitempty"`
}

// ServerMessage represents a message to the client.
type ServerMessage struct {
	Type      ServerMessageType `json:"type"`
	ChannelID string            `json:"channelId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	Status    PresenceStatus    `json:"status,omitempty"`
	Messages  []Message         `json:"messages,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// APIResponse is the generic HTTP response envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeSelect    ClientMessageType = "select"
	ClientMessageTypeDeselect  ClientMessageType = "deselect"
	ClientMessageTypeSend      ClientMessageType = "send"
	ClientMessageTypeHeartbeat ClientMessageType = "heartbeat"
)

type ServerMessageType string

const (
	ServerMessageTypeMessages      ServerMessageType = "messages"
	ServerMessageTypeChannelClosed ServerMessageType = "channelClosed"
	ServerMessageTypePresence      ServerMessageType = "presence"
	ServerMessageTypeError         ServerMessageType = "error"
)
