package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"arcane/internal/auth"
	"arcane/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers     = []byte("users")
	bucketRooms     = []byte("rooms")
	bucketRoomCodes = []byte("room_codes")
	bucketMessages  = []byte("messages")
	bucketPushSubs  = []byte("push_subs")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketUsers, bucketRooms, bucketRoomCodes, bucketMessages, bucketPushSubs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:                  credentials.ID,
			Email:               credentials.Email,
			Username:            credentials.Username,
			AvatarID:            credentials.AvatarID,
			Status:              string(credentials.Presence.Status),
			LastSeen:            credentials.Presence.LastSeen,
			CreatedAt:           credentials.CreatedAt,
			PasswordHash:        credentials.PasswordHash,
			FailedLoginAttempts: credentials.FailedLoginAttempts,
			LastAttemptTime:     credentials.LastAttemptTime,
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// ListCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.UserCredentials{
				User:                dbUser.toModel(),
				PasswordHash:        dbUser.PasswordHash,
				FailedLoginAttempts: dbUser.FailedLoginAttempts,
				LastAttemptTime:     dbUser.LastAttemptTime,
			})
			return nil
		})
	})
	return credentials, err
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:       u.ID,
		Email:    u.Email,
		Username: u.Username,
		AvatarID: u.AvatarID,
		Presence: models.Presence{
			Status:   models.PresenceStatus(u.Status),
			LastSeen: u.LastSeen,
		},
		CreatedAt: u.CreatedAt,
	}
}

// ListUsers returns the public part of all stored users.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	return users, err
}

// UpdateUser updates the public fields of a user record, preserving the
// stored credentials.
func (s *BboltStorage) UpdateUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(user.ID))
		if data == nil {
			return fmt.Errorf("user %s: %w", user.ID, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}

		dbUser.Email = user.Email
		dbUser.Username = user.Username
		dbUser.AvatarID = user.AvatarID
		dbUser.Status = string(user.Presence.Status)
		dbUser.LastSeen = user.Presence.LastSeen

		updated, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), updated)
	})
}

// UpsertRoom saves a room and maintains the code index.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbRoom := &DBRoom{
			ID:        room.ID,
			Name:      room.Name,
			Code:      room.Code,
			OwnerID:   room.OwnerID,
			Members:   room.Members,
			CreatedAt: room.CreatedAt,
		}
		data, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRooms).Put(dbRoom.Key(), data); err != nil {
			return err
		}
		return tx.Bucket(bucketRoomCodes).Put([]byte(room.Code), []byte(room.ID))
	})
}

func (r *DBRoom) toModel() models.Room {
	return models.Room{
		ID:        r.ID,
		Name:      r.Name,
		Code:      r.Code,
		OwnerID:   r.OwnerID,
		Members:   r.Members,
		CreatedAt: r.CreatedAt,
	}
}

func (s *BboltStorage) GetRoom(id string) (models.Room, error) {
	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("room %s: %w", id, models.ErrNotFound)
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		room = dbRoom.toModel()
		return nil
	})
	return room, err
}

// GetRoomByCode resolves a join code through the code index.
func (s *BboltStorage) GetRoomByCode(code string) (models.Room, error) {
	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketRoomCodes).Get([]byte(code))
		if id == nil {
			return fmt.Errorf("room code %s: %w", code, models.ErrNotFound)
		}
		data := tx.Bucket(bucketRooms).Get(id)
		if data == nil {
			return fmt.Errorf("room %s: %w", id, models.ErrNotFound)
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		room = dbRoom.toModel()
		return nil
	})
	return room, err
}

func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		return b.ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, dbRoom.toModel())
			return nil
		})
	})
	return rooms, err
}

// DeleteRoom removes the room and its code index entry. The message log
// is purged separately through DeleteMessages.
func (s *BboltStorage) DeleteRoom(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("room %s: %w", id, models.ErrNotFound)
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRoomCodes).Delete([]byte(dbRoom.Code)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// AppendMessage saves a message into its channel's log bucket.
func (s *BboltStorage) AppendMessage(message models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if message.ChannelID == "" {
			return fmt.Errorf("message missing channel id: %w", models.ErrInvalidArgument)
		}

		channelBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.ChannelID))
		if err != nil {
			return fmt.Errorf("failed to create channel bucket: %w", err)
		}

		dbMessage := DBMessage{
			ID:        message.ID,
			Seq:       message.Seq,
			CreatedAt: message.CreatedAt,
			ChannelID: message.ChannelID,
			SenderID:  message.SenderID,
			Text:      message.Text,
		}
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return channelBucket.Put(dbMessage.Key(), data)
	})
}

// ListMessages returns channel messages with sequence numbers in
// [from, to], ascending.
func (s *BboltStorage) ListMessages(channelID string, from, to int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		channelBucket := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if channelBucket == nil {
			return nil // No messages for this channel
		}

		c := channelBucket.Cursor()

		minKey := make([]byte, 8)
		binary.BigEndian.PutUint64(minKey, uint64(from))

		maxKey := make([]byte, 8)
		binary.BigEndian.PutUint64(maxKey, uint64(to))

		for k, v := c.Seek(minKey); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	return messages, err
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:        m.ID,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt,
		ChannelID: m.ChannelID,
		SenderID:  m.SenderID,
		Text:      m.Text,
	}
}

// LastMessages returns up to n most recent channel messages, ascending.
func (s *BboltStorage) LastMessages(channelID string, n int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		channelBucket := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if channelBucket == nil {
			return nil
		}

		c := channelBucket.Cursor()
		for k, v := c.Last(); k != nil && len(messages) < n; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reverse into ascending order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastSeq returns the highest sequence number in a channel log, or 0
// for an empty log.
func (s *BboltStorage) LastSeq(channelID string) (int64, error) {
	var last int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		channelBucket := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if channelBucket == nil {
			return nil
		}
		k, _ := channelBucket.Cursor().Last()
		if k != nil {
			last = int64(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	return last, err
}

// DeleteMessages permanently removes a channel's message log.
func (s *BboltStorage) DeleteMessages(channelID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b.Bucket([]byte(channelID)) == nil {
			return nil
		}
		return b.DeleteBucket([]byte(channelID))
	})
}

// UpsertPushSubscription stores a user's web push subscription blob.
func (s *BboltStorage) UpsertPushSubscription(userID string, subscription []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sub := &DBPushSubscription{
			UserID:       userID,
			Subscription: subscription,
		}
		data, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPushSubs).Put(sub.Key(), data)
	})
}

func (s *BboltStorage) GetPushSubscription(userID string) ([]byte, error) {
	var subscription []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPushSubs).Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("push subscription for %s: %w", userID, models.ErrNotFound)
		}
		var sub DBPushSubscription
		if err := sub.UnmarshalBinary(data); err != nil {
			return err
		}
		subscription = sub.Subscription
		return nil
	})
	return subscription, err
}

func (s *BboltStorage) DeletePushSubscription(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubs).Delete([]byte(userID))
	})
}
