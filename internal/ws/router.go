package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"chatrelay/internal/content"
	"chatrelay/internal/models"
)

type messageStore interface {
	Append(ctx context.Context, sender, content, channel string, messageType models.MessageType) (models.Message, error)
	Publish(ctx context.Context, msg models.Message) bool
}

type typingTracker interface {
	SetTyping(ctx context.Context, username, channel string, isTyping bool) bool
}

type broadcaster interface {
	BroadcastMessage(ctx context.Context, msg models.Message, exclude string) int
	BroadcastTypingStatus(ctx context.Context, channel, username string, isTyping bool, exclude string) int
}

type RouterConfig struct {
	Sanitize bool
	Logger   *slog.Logger
}

// Router classifies inbound frames and dispatches them to the message store,
// presence and the hub.
type Router struct {
	messages messageStore
	typing   typingTracker
	hub      broadcaster
	sanitize bool
	logger   *slog.Logger
}

func NewRouter(messages messageStore, typing typingTracker, hub broadcaster, cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		messages: messages,
		typing:   typing,
		hub:      hub,
		sanitize: cfg.Sanitize,
		logger:   logger.With("component", "router"),
	}
}

// Route handles one frame from conn. Frames that are not a JSON object are
// taken as plain chat text. Unknown frame types are dropped.
func (r *Router) Route(ctx context.Context, conn models.Connection, frame []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		msg = models.ClientMessage{
			Type:    models.ClientMessageTypeMessage,
			Content: string(frame),
		}
	}

	switch msg.Type {
	case "", models.ClientMessageTypeMessage:
		r.handleChat(ctx, conn, msg)
	case models.ClientMessageTypeTypingStart:
		r.handleTyping(ctx, conn, true)
	case models.ClientMessageTypeTypingStop:
		r.handleTyping(ctx, conn, false)
	default:
		r.logger.Debug("ignoring frame", "connection_id", conn.ID, "type", msg.Type)
	}
}

func (r *Router) handleChat(ctx context.Context, conn models.Connection, msg models.ClientMessage) {
	text := msg.Content
	if r.sanitize {
		text = content.Sanitize(text)
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	stored, err := r.messages.Append(ctx, conn.Username, text, conn.Channel, msg.MessageType)
	if err != nil {
		r.logger.Error("failed to store message", "connection_id", conn.ID, "channel", conn.Channel, "error", err)
		return
	}

	r.messages.Publish(ctx, stored)
	r.hub.BroadcastMessage(ctx, stored, conn.ID)
}

func (r *Router) handleTyping(ctx context.Context, conn models.Connection, isTyping bool) {
	r.typing.SetTyping(ctx, conn.Username, conn.Channel, isTyping)
	r.hub.BroadcastTypingStatus(ctx, conn.Channel, conn.Username, isTyping, conn.ID)
}
