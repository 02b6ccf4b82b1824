// Package rooms implements named group channels with an owner role,
// join codes and membership administration.
package rooms

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"arcane/internal/channel"
	"arcane/internal/models"

	"github.com/google/uuid"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
)

// Store is the persistence capability the registry needs.
type Store interface {
	UpsertRoom(room models.Room) error
	GetRoom(id string) (models.Room, error)
	GetRoomByCode(code string) (models.Room, error)
	ListRooms() ([]models.Room, error)
	DeleteRoom(id string) error
}

// UserResolver resolves invite targets.
type UserResolver interface {
	Get(id string) (models.User, error)
	GetByEmail(email string) (models.User, error)
}

// LogDropper purges a channel's message log when its room is deleted.
type LogDropper interface {
	DropChannel(channelID string) error
}

// Registry linearizes membership mutations on rooms, so concurrent
// join/remove operations never lose updates.
type Registry struct {
	store    Store
	users    UserResolver
	messages LogDropper

	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

func NewRegistry(store Store, users UserResolver, messages LogDropper) *Registry {
	return &Registry{
		store:    store,
		users:    users,
		messages: messages,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create creates a room owned by ownerID. The owner is auto-added to
// the member set and a unique join code is generated.
func (r *Registry) Create(name, ownerID string) (models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Room{}, fmt.Errorf("%w: room name is required", models.ErrInvalidArgument)
	}
	if _, err := r.users.Get(ownerID); err != nil {
		return models.Room{}, fmt.Errorf("owner %s: %w", ownerID, models.ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := r.generateCode()
	if err != nil {
		return models.Room{}, err
	}

	room := models.Room{
		ID:        r.newID(),
		Name:      name,
		Code:      code,
		OwnerID:   ownerID,
		Members:   []string{ownerID},
		CreatedAt: r.now().Unix(),
	}
	if err := r.store.UpsertRoom(room); err != nil {
		return models.Room{}, fmt.Errorf("failed to persist room: %w", err)
	}
	return room, nil
}

// generateCode picks a short human-typable join code, regenerating on
// the (practically negligible) collision. Caller holds r.mu.
func (r *Registry) generateCode() (string, error) {
	for {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate room code: %w", err)
		}
		for i := range buf {
			buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(buf)

		_, err := r.store.GetRoomByCode(code)
		if errors.Is(err, models.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
		// Collision, try again
	}
}

// JoinByCode adds userID to the room with the given code. Joining twice
// is a no-op, not an error.
func (r *Registry) JoinByCode(code, userID string) (models.Room, error) {
	if _, err := r.users.Get(userID); err != nil {
		return models.Room{}, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoomByCode(code)
	if err != nil {
		return models.Room{}, err
	}
	if !room.AddMember(userID) {
		return room, nil
	}
	if err := r.store.UpsertRoom(room); err != nil {
		return models.Room{}, fmt.Errorf("failed to persist membership: %w", err)
	}
	return room, nil
}

// Leave removes userID from the room. The owner cannot leave: ownership
// must be transferred first, or the room deleted.
func (r *Registry) Leave(roomID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoom(roomID)
	if err != nil {
		return err
	}
	if room.OwnerID == userID {
		return fmt.Errorf("%w: owner must transfer ownership or delete the room", models.ErrInvalidArgument)
	}
	if !room.RemoveMember(userID) {
		return nil
	}
	if err := r.store.UpsertRoom(room); err != nil {
		return fmt.Errorf("failed to persist membership: %w", err)
	}
	return nil
}

// InviteByEmail resolves email to a user and adds them to the room.
// Only the owner may invite. Inviting an existing member is a no-op.
func (r *Registry) InviteByEmail(roomID, actorID, email string) (models.Room, error) {
	target, err := r.users.GetByEmail(email)
	if err != nil {
		return models.Room{}, fmt.Errorf("no user with email %s: %w", email, models.ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoom(roomID)
	if err != nil {
		return models.Room{}, err
	}
	if room.OwnerID != actorID {
		return models.Room{}, fmt.Errorf("only the owner may invite: %w", models.ErrForbidden)
	}
	if !room.AddMember(target.ID) {
		return room, nil
	}
	if err := r.store.UpsertRoom(room); err != nil {
		return models.Room{}, fmt.Errorf("failed to persist membership: %w", err)
	}
	return room, nil
}

// RemoveMember removes targetID from the room. Only the owner may
// remove members, and not themselves.
func (r *Registry) RemoveMember(roomID, actorID, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoom(roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != actorID {
		return fmt.Errorf("only the owner may remove members: %w", models.ErrForbidden)
	}
	if targetID == room.OwnerID {
		return fmt.Errorf("%w: owner cannot remove self, use delete or transfer", models.ErrInvalidArgument)
	}
	if !room.RemoveMember(targetID) {
		return nil
	}
	if err := r.store.UpsertRoom(room); err != nil {
		return fmt.Errorf("failed to persist membership: %w", err)
	}
	return nil
}

// TransferOwnership hands the room to another member.
func (r *Registry) TransferOwnership(roomID, actorID, newOwnerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoom(roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != actorID {
		return fmt.Errorf("only the owner may transfer ownership: %w", models.ErrForbidden)
	}
	if !room.HasMember(newOwnerID) {
		return fmt.Errorf("%w: new owner must be a member", models.ErrInvalidArgument)
	}
	room.OwnerID = newOwnerID
	if err := r.store.UpsertRoom(room); err != nil {
		return fmt.Errorf("failed to persist ownership: %w", err)
	}
	return nil
}

// Delete permanently removes the room and its message log. Owner only.
func (r *Registry) Delete(roomID, actorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoom(roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != actorID {
		return fmt.Errorf("only the owner may delete the room: %w", models.ErrForbidden)
	}
	if err := r.store.DeleteRoom(roomID); err != nil {
		return err
	}
	return r.messages.DropChannel(channel.RoomID(roomID))
}

func (r *Registry) Get(roomID string) (models.Room, error) {
	return r.store.GetRoom(roomID)
}

// ListForUser returns all rooms the user is a member of.
func (r *Registry) ListForUser(userID string) ([]models.Room, error) {
	all, err := r.store.ListRooms()
	if err != nil {
		return nil, err
	}
	var mine []models.Room
	for _, room := range all {
		if room.HasMember(userID) {
			mine = append(mine, room)
		}
	}
	return mine, nil
}

// ListAll returns every room, for the operator surface.
func (r *Registry) ListAll() ([]models.Room, error) {
	return r.store.ListRooms()
}

// CanAccess reports whether userID may read and post to a channel:
// a party of a direct channel, or a member of a room channel.
func (r *Registry) CanAccess(userID, channelID string) error {
	switch {
	case channel.IsDirect(channelID):
		if !channel.HasParty(channelID, userID) {
			return fmt.Errorf("not a party of this conversation: %w", models.ErrForbidden)
		}
		return nil
	case channel.IsRoom(channelID):
		roomID, ok := channel.RoomOf(channelID)
		if !ok {
			return fmt.Errorf("%w: malformed channel id", models.ErrInvalidArgument)
		}
		room, err := r.store.GetRoom(roomID)
		if err != nil {
			return err
		}
		if !room.HasMember(userID) {
			return fmt.Errorf("not a member of this room: %w", models.ErrForbidden)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown channel kind", models.ErrInvalidArgument)
	}
}
