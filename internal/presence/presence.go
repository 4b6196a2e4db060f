// Package presence tracks channel membership, online status and typing
// indicators in the store. All staleness is bounded by store TTLs; the
// reaper reconciles membership sets against expired status records.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/storage"

	"github.com/c-pro/geche"
	"github.com/samber/lo"
)

const (
	DefaultOnlineTTL  = time.Hour
	DefaultOfflineTTL = 24 * time.Hour
	DefaultMembersTTL = time.Hour
	DefaultTypingTTL  = 10 * time.Second

	typingSentinel = "typing"
)

type Config struct {
	OnlineTTL  time.Duration
	OfflineTTL time.Duration
	MembersTTL time.Duration
	TypingTTL  time.Duration
	Logger     *slog.Logger
}

// channelConnections maps channel -> set of live connection ids.
type channelConnections map[string]map[string]struct{}

type Service struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// username -> live connections per channel
	live *geche.Locker[string, channelConnections]
	// connection id -> username
	sessions geche.Geche[string, string]
}

func New(store storage.Store, cfg Config) *Service {
	if cfg.OnlineTTL <= 0 {
		cfg.OnlineTTL = DefaultOnlineTTL
	}
	if cfg.OfflineTTL <= 0 {
		cfg.OfflineTTL = DefaultOfflineTTL
	}
	if cfg.MembersTTL <= 0 {
		cfg.MembersTTL = DefaultMembersTTL
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "presence"),
		now:      time.Now,
		live:     geche.NewLocker[string, channelConnections](geche.NewMapCache[string, channelConnections]()),
		sessions: geche.NewMapCache[string, string](),
	}
}

// Join adds username to the channel membership set and marks it online.
// connectionID, when set, is counted as a live reference for the pair.
func (s *Service) Join(ctx context.Context, username, channel, connectionID string) bool {
	if connectionID != "" {
		s.sessions.Set(connectionID, username)

		tx := s.live.Lock()
		channels, err := tx.Get(username)
		if err != nil || channels == nil {
			channels = make(channelConnections)
		}
		if channels[channel] == nil {
			channels[channel] = make(map[string]struct{})
		}
		channels[channel][connectionID] = struct{}{}
		tx.Set(username, channels)
		tx.Unlock()
	}

	return s.markOnline(ctx, username, channel)
}

// markOnline adds username to the channel set, refreshes the set TTL and
// writes an online record.
func (s *Service) markOnline(ctx context.Context, username, channel string) bool {
	membersKey := storage.ChannelUsersKey(channel)
	if err := s.store.SAdd(ctx, membersKey, username); err != nil {
		s.logger.Error("failed to add channel member", "channel", channel, "username", username, "error", err)
		return false
	}
	if err := s.store.Expire(ctx, membersKey, s.cfg.MembersTTL); err != nil {
		s.logger.Warn("failed to refresh membership ttl", "channel", channel, "error", err)
	}

	return s.writeStatus(ctx, username, channel, models.PresenceOnline, s.cfg.OnlineTTL)
}

// Leave drops one live reference of username in channel. Membership is
// removed only when no live connection of the user remains in the channel,
// and the user is marked offline only when no channel references remain.
// An empty connectionID removes the user unconditionally.
func (s *Service) Leave(ctx context.Context, username, channel, connectionID string) bool {
	remaining, otherChannel := 0, ""
	if connectionID != "" {
		_ = s.sessions.Del(connectionID)
		remaining, otherChannel = s.release(username, channel, connectionID)
	}

	if remaining > 0 {
		return s.writeStatus(ctx, username, channel, models.PresenceOnline, s.cfg.OnlineTTL)
	}

	if err := s.store.SRem(ctx, storage.ChannelUsersKey(channel), username); err != nil {
		s.logger.Error("failed to remove channel member", "channel", channel, "username", username, "error", err)
		return false
	}

	if otherChannel != "" {
		return s.writeStatus(ctx, username, otherChannel, models.PresenceOnline, s.cfg.OnlineTTL)
	}
	return s.writeStatus(ctx, username, channel, models.PresenceOffline, s.cfg.OfflineTTL)
}

// release removes connectionID from the live set and returns how many live
// connections remain for the pair plus any other channel the user is in.
func (s *Service) release(username, channel, connectionID string) (int, string) {
	tx := s.live.Lock()
	defer tx.Unlock()

	channels, err := tx.Get(username)
	if err != nil || channels == nil {
		return 0, ""
	}

	if conns, ok := channels[channel]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(channels, channel)
		}
	}

	if len(channels) == 0 {
		_ = tx.Del(username)
		return 0, ""
	}
	tx.Set(username, channels)

	if conns, ok := channels[channel]; ok {
		return len(conns), ""
	}
	others := lo.Keys(channels)
	slices.Sort(others)
	return 0, others[0]
}

// LiveConnections returns the number of live connections username holds in
// channel on this process.
func (s *Service) LiveConnections(username, channel string) int {
	tx := s.live.Lock()
	defer tx.Unlock()

	channels, err := tx.Get(username)
	if err != nil || channels == nil {
		return 0
	}
	return len(channels[channel])
}

type livePair struct {
	username string
	channel  string
}

// livePairs lists every (username, channel) with a live connection on this
// process, ordered by username then channel.
func (s *Service) livePairs() []livePair {
	tx := s.live.Lock()
	defer tx.Unlock()

	var pairs []livePair
	for username, channels := range tx.Snapshot() {
		for channel, conns := range channels {
			if len(conns) > 0 {
				pairs = append(pairs, livePair{username: username, channel: channel})
			}
		}
	}
	slices.SortFunc(pairs, func(a, b livePair) int {
		if a.username != b.username {
			return strings.Compare(a.username, b.username)
		}
		return strings.Compare(a.channel, b.channel)
	})
	return pairs
}

// UsernameFor resolves a connection id registered through Join.
func (s *Service) UsernameFor(connectionID string) (string, bool) {
	username, err := s.sessions.Get(connectionID)
	if err != nil {
		return "", false
	}
	return username, true
}

func (s *Service) writeStatus(ctx context.Context, username, channel string, status models.PresenceStatus, ttl time.Duration) bool {
	data, err := storage.NewDBPresence(models.PresenceRecord{
		Username: username,
		Status:   status,
		LastSeen: s.now().UTC(),
		Channel:  channel,
	}).MarshalBinary()
	if err != nil {
		s.logger.Error("failed to encode presence", "username", username, "error", err)
		return false
	}

	if err := s.store.Set(ctx, storage.StatusKey(username), data, ttl); err != nil {
		s.logger.Error("failed to write presence", "username", username, "status", status, "error", err)
		return false
	}
	return true
}

// SetTyping writes a short-lived typing sentinel, or clears it.
func (s *Service) SetTyping(ctx context.Context, username, channel string, isTyping bool) bool {
	key := storage.TypingKey(channel, username)

	var err error
	if isTyping {
		err = s.store.Set(ctx, key, []byte(typingSentinel), s.cfg.TypingTTL)
	} else {
		err = s.store.Del(ctx, key)
	}
	if err != nil {
		s.logger.Error("failed to update typing status", "channel", channel, "username", username, "typing", isTyping, "error", err)
		return false
	}
	return true
}

// ListOnline resolves each channel member against its presence record.
// Members whose record expired are skipped.
func (s *Service) ListOnline(ctx context.Context, channel string) []models.OnlineUser {
	members, err := s.store.SMembers(ctx, storage.ChannelUsersKey(channel))
	if err != nil {
		s.logger.Error("failed to read channel members", "channel", channel, "error", err)
		return []models.OnlineUser{}
	}
	slices.Sort(members)

	users := make([]models.OnlineUser, 0, len(members))
	for _, username := range members {
		record, err := s.status(ctx, username)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("failed to read presence", "username", username, "error", err)
			}
			continue
		}
		users = append(users, models.OnlineUser{
			Username: record.Username,
			Status:   record.Status,
			LastSeen: record.LastSeen,
		})
	}
	return users
}

func (s *Service) status(ctx context.Context, username string) (models.PresenceRecord, error) {
	data, err := s.store.Get(ctx, storage.StatusKey(username))
	if err != nil {
		return models.PresenceRecord{}, err
	}
	var rec storage.DBPresence
	if err := rec.UnmarshalBinary(data); err != nil {
		return models.PresenceRecord{}, err
	}
	return rec.Model(), nil
}

// ListTyping returns the users with a live typing sentinel in channel.
func (s *Service) ListTyping(ctx context.Context, channel string) []string {
	keys, err := s.store.Keys(ctx, storage.TypingPattern(channel))
	if err != nil {
		s.logger.Error("failed to list typing users", "channel", channel, "error", err)
		return []string{}
	}

	users := lo.FilterMap(keys, func(key string, _ int) (string, bool) {
		return storage.TypingUsername(channel, key)
	})
	slices.Sort(users)
	return users
}
