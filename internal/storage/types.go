package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID                  string `msgpack:"id"`
	Email               string `msgpack:"email"`
	Username            string `msgpack:"username"`
	AvatarID            string `msgpack:"avatarId"`
	Status              string `msgpack:"status"`
	LastSeen            int64  `msgpack:"lastSeen"`
	CreatedAt           int64  `msgpack:"createdAt"`
	PasswordHash        string `msgpack:"passwordHash"`
	FailedLoginAttempts int64  `msgpack:"failedLoginAttempts"`
	LastAttemptTime     int64  `msgpack:"lastAttemptTime"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBRoom struct {
	ID        string   `msgpack:"id"`
	Name      string   `msgpack:"name"`
	Code      string   `msgpack:"code"`
	OwnerID   string   `msgpack:"ownerId"`
	Members   []string `msgpack:"members"`
	CreatedAt int64    `msgpack:"createdAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMessage struct {
	ID        string `msgpack:"id"`
	Seq       int64  `msgpack:"seq"`
	CreatedAt int64  `msgpack:"createdAt"`
	ChannelID string `msgpack:"channelId"`
	SenderID  string `msgpack:"senderId"`
	Text      string `msgpack:"text"`
}

// Key encodes the sequence number big-endian so the bucket cursor
// iterates messages in append order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPushSubscription struct {
	UserID       string `msgpack:"userId"`
	Subscription []byte `msgpack:"subscription"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
