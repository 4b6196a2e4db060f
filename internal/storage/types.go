package storage

import (
	"encoding"
	"time"

	"chatrelay/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var (
	_ Storeable = (*DBMessage)(nil)
	_ Storeable = (*DBPresence)(nil)
)

type DBMessage struct {
	MessageID   string `msgpack:"messageId"`
	Sender      string `msgpack:"sender"`
	Content     string `msgpack:"content"`
	Channel     string `msgpack:"channel"`
	MessageType string `msgpack:"messageType"`
	Timestamp   int64  `msgpack:"timestamp"` // Unix nanoseconds
}

func NewDBMessage(m models.Message) *DBMessage {
	return &DBMessage{
		MessageID:   m.MessageID,
		Sender:      m.Sender,
		Content:     m.Content,
		Channel:     m.Channel,
		MessageType: string(m.MessageType),
		Timestamp:   m.Timestamp.UnixNano(),
	}
}

func (m *DBMessage) Model() models.Message {
	return models.Message{
		Sender:      m.Sender,
		Content:     m.Content,
		Channel:     m.Channel,
		MessageType: models.MessageType(m.MessageType),
		Timestamp:   time.Unix(0, m.Timestamp).UTC(),
		MessageID:   m.MessageID,
	}
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPresence struct {
	Username string `msgpack:"username"`
	Status   string `msgpack:"status"`
	LastSeen int64  `msgpack:"lastSeen"` // Unix nanoseconds
	Channel  string `msgpack:"channel"`
}

func NewDBPresence(p models.PresenceRecord) *DBPresence {
	return &DBPresence{
		Username: p.Username,
		Status:   string(p.Status),
		LastSeen: p.LastSeen.UnixNano(),
		Channel:  p.Channel,
	}
}

func (p *DBPresence) Model() models.PresenceRecord {
	return models.PresenceRecord{
		Username: p.Username,
		Status:   models.PresenceStatus(p.Status),
		LastSeen: time.Unix(0, p.LastSeen).UTC(),
		Channel:  p.Channel,
	}
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}
