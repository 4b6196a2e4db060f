package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"chatrelay/internal/content"
	"chatrelay/internal/models"
)

type messageService interface {
	Append(ctx context.Context, sender, content, channel string, messageType models.MessageType) (models.Message, error)
	Publish(ctx context.Context, msg models.Message) bool
	ListRecent(ctx context.Context, channel string, limit int64) []models.Message
	Delete(ctx context.Context, messageID, channel string) bool
	ListActiveChannels(ctx context.Context) []string
}

type presenceService interface {
	ListOnline(ctx context.Context, channel string) []models.OnlineUser
	ListTyping(ctx context.Context, channel string) []string
}

type broadcaster interface {
	BroadcastMessage(ctx context.Context, msg models.Message, exclude string) int
	BroadcastMessageDeleted(ctx context.Context, channel, messageID string) int
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	DefaultChannel      string
	HistoryDefaultLimit int64
	HistoryMax          int64
	Sanitize            bool
	Logger              *slog.Logger
}

type API struct {
	messages messageService
	presence presenceService
	hub      broadcaster
	store    pinger
	cfg      Config
	logger   *slog.Logger
}

func New(messages messageService, presence presenceService, hub broadcaster, store pinger, cfg Config) *API {
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "general"
	}
	if cfg.HistoryDefaultLimit <= 0 {
		cfg.HistoryDefaultLimit = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		messages: messages,
		presence: presence,
		hub:      hub,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
	}
}

// Response is the envelope of mutating endpoints.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type HistoryResponse struct {
	Messages   []models.Message `json:"messages"`
	TotalCount int              `json:"total_count"`
	Channel    string           `json:"channel"`
}

type ChannelsResponse struct {
	Channels []string `json:"channels"`
	Count    int      `json:"count"`
}

type OnlineUsersResponse struct {
	Channel     string              `json:"channel"`
	OnlineUsers []models.OnlineUser `json:"online_users"`
	Count       int                 `json:"count"`
}

type TypingUsersResponse struct {
	Channel     string   `json:"channel"`
	TypingUsers []string `json:"typing_users"`
	Count       int      `json:"count"`
}

type SendMessageRequest struct {
	Sender      string             `json:"sender" validate:"required,max=64"`
	Content     string             `json:"content" validate:"required,max=65536"`
	Channel     string             `json:"channel,omitempty" validate:"required,max=64"`
	MessageType models.MessageType `json:"message_type,omitempty" validate:"omitempty,oneof=text image audio"`
}

func (a *API) RootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		a.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"message": "Real-time chat API is running",
		"endpoints": map[string]string{
			"websocket":    "/ws/chat?username=YourName&channel=" + a.cfg.DefaultChannel,
			"chat_history": "/api/chat/history/{channel}",
			"online_users": "/api/users/online/{channel}",
			"typing_users": "/api/users/typing/{channel}",
			"channels":     "/api/chat/channels",
		},
	})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.logger.Warn("health check failed", "error", err)
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelParam(w, r)
	if !ok {
		return
	}

	limit := a.cfg.HistoryDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			a.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if a.cfg.HistoryMax > 0 && limit > a.cfg.HistoryMax {
		limit = a.cfg.HistoryMax
	}

	messages := a.messages.ListRecent(r.Context(), channel, limit)
	a.writeJSON(w, http.StatusOK, HistoryResponse{
		Messages:   messages,
		TotalCount: len(messages),
		Channel:    channel,
	})
}

func (a *API) ChannelsHandler(w http.ResponseWriter, r *http.Request) {
	channels := a.messages.ListActiveChannels(r.Context())
	a.writeJSON(w, http.StatusOK, ChannelsResponse{Channels: channels, Count: len(channels)})
}

func (a *API) OnlineUsersHandler(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelParam(w, r)
	if !ok {
		return
	}
	users := a.presence.ListOnline(r.Context(), channel)
	a.writeJSON(w, http.StatusOK, OnlineUsersResponse{Channel: channel, OnlineUsers: users, Count: len(users)})
}

func (a *API) TypingUsersHandler(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelParam(w, r)
	if !ok {
		return
	}
	users := a.presence.ListTyping(r.Context(), channel)
	a.writeJSON(w, http.StatusOK, TypingUsersResponse{Channel: channel, TypingUsers: users, Count: len(users)})
}

// SendMessageHandler stores a message and fans it out to the whole channel.
func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Channel == "" {
		req.Channel = a.cfg.DefaultChannel
	}
	if err := ValidateSendMessage(req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	text := req.Content
	if a.cfg.Sanitize {
		text = content.Sanitize(text)
	}
	if strings.TrimSpace(text) == "" {
		a.writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := a.messages.Append(r.Context(), req.Sender, text, req.Channel, req.MessageType)
	if err != nil {
		a.logger.Error("failed to store message", "channel", req.Channel, "error", err)
		a.writeError(w, http.StatusInternalServerError, "Failed to store message")
		return
	}

	a.messages.Publish(r.Context(), msg)
	a.hub.BroadcastMessage(r.Context(), msg, "")

	a.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Message sent successfully",
		Data:    msg,
	})
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = a.cfg.DefaultChannel
	}
	if messageID == "" {
		a.writeError(w, http.StatusBadRequest, "message id is required")
		return
	}
	if err := content.ValidateChannel(channel); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !a.messages.Delete(r.Context(), messageID, channel) {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("message %s: %v", messageID, models.ErrNotFound))
		return
	}

	a.hub.BroadcastMessageDeleted(r.Context(), channel, messageID)
	a.writeJSON(w, http.StatusOK, Response{Success: true, Message: "Message deleted successfully"})
}

func (a *API) channelParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	channel := r.PathValue("channel")
	if err := content.ValidateChannel(channel); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return channel, true
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, Response{Success: false, Message: message})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "status", status, "error", err)
	}
}
