package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio:
		return true
	}
	return false
}

// Message is a chat message as stored in a channel log. It is never mutated
// after creation.
type Message struct {
	Sender      string      `json:"sender"`
	Content     string      `json:"content"`
	Channel     string      `json:"channel"`
	MessageType MessageType `json:"message_type"`
	Timestamp   time.Time   `json:"timestamp"`
	MessageID   string      `json:"message_id"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the persisted status of a username.
type PresenceRecord struct {
	Username string         `json:"username"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
	Channel  string         `json:"channel"`
}

// OnlineUser is a channel member resolved against its presence record.
type OnlineUser struct {
	Username string         `json:"username"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

// Connection describes a live client session registered in the hub.
type Connection struct {
	ID       string `json:"connection_id"`
	Username string `json:"username"`
	Channel  string `json:"channel"`
}

type ServerEventType string

const (
	ServerEventMessage        ServerEventType = "message"
	ServerEventUserJoined     ServerEventType = "user_joined"
	ServerEventUserLeft       ServerEventType = "user_left"
	ServerEventTypingStatus   ServerEventType = "typing_status"
	ServerEventMessageDeleted ServerEventType = "message_deleted"
)

// MessageEvent carries a chat message to clients. Origin is only set on the
// pub/sub bus and identifies the publishing process.
type MessageEvent struct {
	Type ServerEventType `json:"type"`
	Message
	Origin string `json:"origin,omitempty"`
}

// PresenceEvent announces a user joining or leaving a channel.
type PresenceEvent struct {
	Type      ServerEventType `json:"type"`
	Username  string          `json:"username"`
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
}

type TypingEvent struct {
	Type      ServerEventType `json:"type"`
	Username  string          `json:"username"`
	Channel   string          `json:"channel"`
	IsTyping  bool            `json:"is_typing"`
	Timestamp time.Time       `json:"timestamp"`
}

type MessageDeletedEvent struct {
	Type      ServerEventType `json:"type"`
	MessageID string          `json:"message_id"`
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
}

type ClientMessageType string

const (
	ClientMessageTypeMessage     ClientMessageType = "message"
	ClientMessageTypeTypingStart ClientMessageType = "typing_start"
	ClientMessageTypeTypingStop  ClientMessageType = "typing_stop"
)

// ClientMessage is a structured inbound frame. Type defaults to message.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	Content     string            `json:"content"`
	MessageType MessageType       `json:"message_type,omitempty"`
}
