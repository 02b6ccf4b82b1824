package channel

import (
	"fmt"
	"strings"

	"arcane/internal/models"
)

const (
	directPrefix = "dm_"
	roomPrefix   = "room_"
)

// DirectID derives the canonical channel id for a direct conversation
// between two users. The result is independent of argument order:
// DirectID(a, b) == DirectID(b, a).
func DirectID(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: empty user id", models.ErrInvalidArgument)
	}
	if a == b {
		return "", fmt.Errorf("%w: cannot open a direct channel with self", models.ErrInvalidArgument)
	}
	if a > b {
		a, b = b, a
	}
	return directPrefix + a + "_" + b, nil
}

// RoomID derives the channel id backing a room's message log.
func RoomID(roomID string) string {
	return roomPrefix + roomID
}

func IsDirect(channelID string) bool {
	return strings.HasPrefix(channelID, directPrefix)
}

func IsRoom(channelID string) bool {
	return strings.HasPrefix(channelID, roomPrefix)
}

// DirectPeers returns the two user ids of a direct channel.
func DirectPeers(channelID string) (string, string, bool) {
	if !IsDirect(channelID) {
		return "", "", false
	}
	parts := strings.Split(channelID[len(directPrefix):], "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// RoomOf returns the room id a room channel belongs to.
func RoomOf(channelID string) (string, bool) {
	if !IsRoom(channelID) {
		return "", false
	}
	id := channelID[len(roomPrefix):]
	return id, id != ""
}

// HasParty reports whether userID is one of the two parties of a direct
// channel.
func HasParty(channelID, userID string) bool {
	a, b, ok := DirectPeers(channelID)
	return ok && (a == userID || b == userID)
}
