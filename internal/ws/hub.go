package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Sender is the write side of a live connection. Send must not block.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

type presenceTracker interface {
	Join(ctx context.Context, username, channel, connectionID string) bool
	Leave(ctx context.Context, username, channel, connectionID string) bool
}

// Hub is the registry of live connections of one process and the only
// component that writes to them.
type Hub struct {
	presence presenceTracker
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	// senders and sessions always hold the same ids.
	mu       sync.RWMutex
	senders  map[string]Sender
	sessions map[string]models.Connection
}

func NewHub(presence presenceTracker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		presence: presence,
		logger:   logger.With("component", "hub"),
		now:      time.Now,
		newID:    uuid.NewString,
		senders:  make(map[string]Sender),
		sessions: make(map[string]models.Connection),
	}
}

// Connect marks the user present, registers sender under a fresh connection
// id and announces the join to the whole channel, the new member included.
// The id is not visible to broadcasts until presence holds it, so a failed
// send can never release a reference that was not taken yet.
func (h *Hub) Connect(ctx context.Context, sender Sender, username, channel string) string {
	id := h.newID()

	h.presence.Join(ctx, username, channel, id)

	h.mu.Lock()
	h.senders[id] = sender
	h.sessions[id] = models.Connection{ID: id, Username: username, Channel: channel}
	h.mu.Unlock()

	h.logger.Info("connection registered", "connection_id", id, "username", username, "channel", channel)

	h.BroadcastUserJoined(ctx, channel, username, "")
	return id
}

// Disconnect removes connectionID, closes its sender, releases presence and
// announces the departure. Unknown ids are ignored, so concurrent and
// repeated calls are safe.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) {
	h.mu.Lock()
	sender, ok := h.senders[connectionID]
	info := h.sessions[connectionID]
	delete(h.senders, connectionID)
	delete(h.sessions, connectionID)
	h.mu.Unlock()

	if !ok {
		return
	}

	if err := sender.Close(); err != nil {
		h.logger.Debug("failed to close connection", "connection_id", connectionID, "error", err)
	}

	// Cleanup must finish even when the caller's context is already done.
	ctx = context.WithoutCancel(ctx)
	h.presence.Leave(ctx, info.Username, info.Channel, connectionID)
	h.BroadcastUserLeft(ctx, info.Channel, info.Username)

	h.logger.Info("connection removed", "connection_id", connectionID, "username", info.Username, "channel", info.Channel)
}

// SendTo delivers payload to one connection. A failed send disconnects it.
func (h *Hub) SendTo(ctx context.Context, connectionID string, payload []byte) bool {
	h.mu.RLock()
	sender, ok := h.senders[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	if err := sender.Send(payload); err != nil {
		h.logger.Warn("send failed", "connection_id", connectionID, "error", err)
		h.Disconnect(ctx, connectionID)
		return false
	}
	return true
}

type target struct {
	id     string
	sender Sender
}

// BroadcastToChannel sends payload to every connection in channel except
// exclude and returns the number of successful deliveries. Connections that
// fail are disconnected after the fan-out.
func (h *Hub) BroadcastToChannel(ctx context.Context, payload []byte, channel, exclude string) int {
	h.mu.RLock()
	targets := make([]target, 0, len(h.sessions))
	for id, session := range h.sessions {
		if session.Channel == channel && id != exclude {
			targets = append(targets, target{id: id, sender: h.senders[id]})
		}
	}
	h.mu.RUnlock()

	var failed []string
	for _, t := range targets {
		if err := t.sender.Send(payload); err != nil {
			h.logger.Warn("send failed", "connection_id", t.id, "channel", channel, "error", err)
			failed = append(failed, t.id)
		}
	}

	for _, id := range failed {
		h.Disconnect(ctx, id)
	}
	return len(targets) - len(failed)
}

func (h *Hub) broadcastEvent(ctx context.Context, event any, channel, exclude string) int {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "channel", channel, "error", err)
		return 0
	}
	return h.BroadcastToChannel(ctx, payload, channel, exclude)
}

func (h *Hub) BroadcastUserJoined(ctx context.Context, channel, username, exclude string) int {
	return h.broadcastEvent(ctx, models.PresenceEvent{
		Type:      models.ServerEventUserJoined,
		Username:  username,
		Channel:   channel,
		Timestamp: h.now().UTC(),
	}, channel, exclude)
}

func (h *Hub) BroadcastUserLeft(ctx context.Context, channel, username string) int {
	return h.broadcastEvent(ctx, models.PresenceEvent{
		Type:      models.ServerEventUserLeft,
		Username:  username,
		Channel:   channel,
		Timestamp: h.now().UTC(),
	}, channel, "")
}

func (h *Hub) BroadcastTypingStatus(ctx context.Context, channel, username string, isTyping bool, exclude string) int {
	return h.broadcastEvent(ctx, models.TypingEvent{
		Type:      models.ServerEventTypingStatus,
		Username:  username,
		Channel:   channel,
		IsTyping:  isTyping,
		Timestamp: h.now().UTC(),
	}, channel, exclude)
}

// BroadcastMessage fans a stored message out to its channel.
func (h *Hub) BroadcastMessage(ctx context.Context, msg models.Message, exclude string) int {
	return h.broadcastEvent(ctx, models.MessageEvent{
		Type:    models.ServerEventMessage,
		Message: msg,
	}, msg.Channel, exclude)
}

func (h *Hub) BroadcastMessageDeleted(ctx context.Context, channel, messageID string) int {
	return h.broadcastEvent(ctx, models.MessageDeletedEvent{
		Type:      models.ServerEventMessageDeleted,
		MessageID: messageID,
		Channel:   channel,
		Timestamp: h.now().UTC(),
	}, channel, "")
}

// Snapshot lists the registered connections ordered by id.
func (h *Hub) Snapshot() []models.Connection {
	h.mu.RLock()
	conns := lo.Values(h.sessions)
	h.mu.RUnlock()

	slices.SortFunc(conns, func(a, b models.Connection) int {
		return strings.Compare(a.ID, b.ID)
	})
	return conns
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.senders)
}

// Close disconnects every registered connection.
func (h *Hub) Close(ctx context.Context) {
	h.mu.RLock()
	ids := lo.Keys(h.senders)
	h.mu.RUnlock()

	for _, id := range ids {
		h.Disconnect(ctx, id)
	}
}
