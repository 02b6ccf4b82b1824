// Package directory maintains the set of known users and their
// presence, backed by the persistent store and served from memory.
package directory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"arcane/internal/models"
)

// Store is the persistence capability behind the directory.
type Store interface {
	ListUsers() ([]models.User, error)
	UpdateUser(user models.User) error
}

type Directory struct {
	store Store

	mu      sync.RWMutex
	users   map[string]models.User
	byEmail map[string]string
}

func New(store Store) (*Directory, error) {
	d := &Directory{
		store:   store,
		users:   make(map[string]models.User),
		byEmail: make(map[string]string),
	}

	users, err := store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	for _, u := range users {
		d.users[u.ID] = u
		d.byEmail[strings.ToLower(u.Email)] = u.ID
	}
	return d, nil
}

// Add registers a user that was just created. The caller is responsible
// for having persisted it.
func (d *Directory) Add(user models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.ID] = user
	d.byEmail[strings.ToLower(user.Email)] = user.ID
}

func (d *Directory) Get(id string) (models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return u, nil
}

func (d *Directory) GetByEmail(email string) (models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return models.User{}, fmt.Errorf("email %s: %w", email, models.ErrNotFound)
	}
	return d.users[id], nil
}

// List returns all known users sorted by username.
func (d *Directory) List() []models.User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make([]models.User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users
}

// SetPresence updates a user's presence in memory and in the store.
func (d *Directory) SetPresence(id string, status models.PresenceStatus, lastSeen int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	u.Presence = models.Presence{Status: status, LastSeen: lastSeen}
	d.users[id] = u

	if err := d.store.UpdateUser(u); err != nil {
		return fmt.Errorf("failed to persist presence: %w", err)
	}
	return nil
}

// SetAvatar updates a user's avatar reference.
func (d *Directory) SetAvatar(id, avatarID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	u.AvatarID = avatarID
	d.users[id] = u

	if err := d.store.UpdateUser(u); err != nil {
		return fmt.Errorf("failed to persist avatar: %w", err)
	}
	return nil
}
