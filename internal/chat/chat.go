package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/storage"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	DefaultMaxRecords = 1000
	DefaultTTL        = 30 * 24 * time.Hour

	deleteAttempts = 3
)

type Config struct {
	// MaxRecords caps every channel log to the newest N messages.
	MaxRecords int64
	// TTL is refreshed on the whole channel log after each append.
	TTL time.Duration
	// InstanceID is stamped on bus events as their origin.
	InstanceID string
	Logger     *slog.Logger
}

// Service persists channel logs newest-first in the store and publishes
// appended messages on the channel topic.
type Service struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	// appendLocks holds one *sync.Mutex per channel.
	appendLocks sync.Map
}

func New(store storage.Store, cfg Config) *Service {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "chat"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (s *Service) InstanceID() string {
	return s.cfg.InstanceID
}

// Append stores a new message at the head of the channel log, trims the log
// and refreshes its TTL. An error means nothing may be published for it.
func (s *Service) Append(ctx context.Context, sender, content, channel string, messageType models.MessageType) (models.Message, error) {
	if !messageType.Valid() {
		messageType = models.MessageTypeText
	}

	// Stamping and pushing happen under one lock so that list order
	// matches timestamp order for appends from this process.
	mu := s.channelLock(channel)
	mu.Lock()
	defer mu.Unlock()

	msg := models.Message{
		Sender:      sender,
		Content:     content,
		Channel:     channel,
		MessageType: messageType,
		Timestamp:   s.now().UTC(),
		MessageID:   s.newID(),
	}

	data, err := storage.NewDBMessage(msg).MarshalBinary()
	if err != nil {
		return models.Message{}, err
	}

	if err := s.store.PushCapped(ctx, storage.MessagesKey(channel), data, s.cfg.MaxRecords, s.cfg.TTL); err != nil {
		s.logger.Error("failed to append message", "channel", channel, "sender", sender, "error", err)
		return models.Message{}, err
	}

	return msg, nil
}

func (s *Service) channelLock(channel string) *sync.Mutex {
	mu, _ := s.appendLocks.LoadOrStore(channel, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Publish sends msg on the channel topic of the bus. It reports whether the
// publish succeeded; failures are logged only.
func (s *Service) Publish(ctx context.Context, msg models.Message) bool {
	payload, err := json.Marshal(models.MessageEvent{
		Type:    models.ServerEventMessage,
		Message: msg,
		Origin:  s.cfg.InstanceID,
	})
	if err != nil {
		s.logger.Error("failed to encode message event", "message_id", msg.MessageID, "error", err)
		return false
	}

	if err := s.store.Publish(ctx, storage.Topic(msg.Channel), payload); err != nil {
		s.logger.Warn("failed to publish message", "channel", msg.Channel, "message_id", msg.MessageID, "error", err)
		return false
	}
	return true
}

// ListRecent returns up to limit of the newest messages of channel in
// chronological order. A negative limit returns the whole log. Entries
// pushed by different processes may land out of timestamp order, so the
// page is stable-sorted by timestamp before it is returned.
func (s *Service) ListRecent(ctx context.Context, channel string, limit int64) []models.Message {
	if limit == 0 {
		return []models.Message{}
	}

	stop := limit - 1
	if limit < 0 {
		stop = -1
	}

	values, err := s.store.LRange(ctx, storage.MessagesKey(channel), 0, stop)
	if err != nil {
		s.logger.Error("failed to read history", "channel", channel, "error", err)
		return []models.Message{}
	}

	messages := make([]models.Message, 0, len(values))
	for _, v := range values {
		var rec storage.DBMessage
		if err := rec.UnmarshalBinary([]byte(v)); err != nil {
			s.logger.Debug("skipping undecodable log entry", "channel", channel, "error", err)
			continue
		}
		messages = append(messages, rec.Model())
	}

	slices.Reverse(messages)
	slices.SortStableFunc(messages, func(a, b models.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return messages
}

// Delete removes the message with id from the channel log. It returns false
// when no entry matched or the store failed.
func (s *Service) Delete(ctx context.Context, messageID, channel string) bool {
	key := storage.MessagesKey(channel)

	for attempt := 0; attempt < deleteAttempts; attempt++ {
		values, err := s.store.LRange(ctx, key, 0, -1)
		if err != nil {
			s.logger.Error("failed to read log for delete", "channel", channel, "error", err)
			return false
		}

		index, raw, found := findMessage(values, messageID)
		if !found {
			return false
		}

		err = s.store.RemoveAt(ctx, key, index, raw)
		switch {
		case err == nil:
			return true
		case errors.Is(err, storage.ErrConflict):
			s.logger.Debug("log changed during delete, retrying", "channel", channel, "message_id", messageID)
			continue
		default:
			s.logger.Error("failed to delete message", "channel", channel, "message_id", messageID, "error", err)
			return false
		}
	}

	s.logger.Warn("giving up delete after concurrent updates", "channel", channel, "message_id", messageID)
	return false
}

func findMessage(values []string, messageID string) (int64, string, bool) {
	for i, v := range values {
		var rec storage.DBMessage
		if err := rec.UnmarshalBinary([]byte(v)); err != nil {
			continue
		}
		if rec.MessageID == messageID {
			return int64(i), v, true
		}
	}
	return 0, "", false
}

// ListActiveChannels returns the channels whose log has not yet expired.
func (s *Service) ListActiveChannels(ctx context.Context) []string {
	keys, err := s.store.Keys(ctx, storage.MessagesPattern)
	if err != nil {
		s.logger.Error("failed to list channels", "error", err)
		return []string{}
	}

	channels := lo.FilterMap(keys, func(key string, _ int) (string, bool) {
		return storage.ChannelFromKey(key)
	})
	slices.Sort(channels)
	return channels
}
