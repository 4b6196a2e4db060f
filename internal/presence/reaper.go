package presence

import (
	"context"
	"errors"
	"time"

	"chatrelay/internal/storage"
)

const DefaultReapInterval = 5 * time.Minute

// ReapExpired first re-arms membership and status for every connection still
// live on this process, then removes channel members whose presence record
// has expired and counts typing sentinels that vanished or lost their expiry.
// It returns the number of stale entries cleaned.
func (s *Service) ReapExpired(ctx context.Context) int {
	s.refreshLive(ctx)
	return s.reapTyping(ctx) + s.reapMembers(ctx)
}

// refreshLive rewrites the channel set entry and the online record of local
// live connections. Both expire on their own while a socket stays open.
func (s *Service) refreshLive(ctx context.Context) {
	for _, p := range s.livePairs() {
		if !s.markOnline(ctx, p.username, p.channel) {
			s.logger.Warn("failed to refresh live member", "channel", p.channel, "username", p.username)
		}
	}
}

func (s *Service) reapTyping(ctx context.Context) int {
	keys, err := s.store.Keys(ctx, storage.AllTypingPattern)
	if err != nil {
		s.logger.Error("failed to scan typing keys", "error", err)
		return 0
	}

	cleaned := 0
	for _, key := range keys {
		ttl, err := s.store.TTL(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			cleaned++
		case err != nil:
			s.logger.Warn("failed to read typing ttl", "key", key, "error", err)
		case ttl < 0:
			if err := s.store.Del(ctx, key); err != nil {
				s.logger.Warn("failed to delete typing key", "key", key, "error", err)
				continue
			}
			cleaned++
		}
	}
	return cleaned
}

func (s *Service) reapMembers(ctx context.Context) int {
	keys, err := s.store.Keys(ctx, storage.ChannelUsersPattern)
	if err != nil {
		s.logger.Error("failed to scan channel sets", "error", err)
		return 0
	}

	cleaned := 0
	for _, key := range keys {
		channel, ok := storage.ChannelFromKey(key)
		if !ok {
			continue
		}

		members, err := s.store.SMembers(ctx, key)
		if err != nil {
			s.logger.Warn("failed to read channel members", "channel", channel, "error", err)
			continue
		}

		for _, username := range members {
			if s.reapMember(ctx, key, channel, username) {
				cleaned++
			}
		}
	}
	return cleaned
}

// reapMember re-checks liveness before removing, so a join racing with the
// sweep is never lost: local live connections re-arm the record and a record
// written after the first check keeps the member.
func (s *Service) reapMember(ctx context.Context, key, channel, username string) bool {
	if s.hasStatus(ctx, username) {
		return false
	}

	if s.LiveConnections(username, channel) > 0 {
		s.markOnline(ctx, username, channel)
		return false
	}

	if s.hasStatus(ctx, username) {
		return false
	}

	if err := s.store.SRem(ctx, key, username); err != nil {
		s.logger.Warn("failed to remove stale member", "channel", channel, "username", username, "error", err)
		return false
	}
	s.logger.Debug("removed stale member", "channel", channel, "username", username)
	return true
}

// hasStatus treats store errors as present so an unavailable store never
// evicts members.
func (s *Service) hasStatus(ctx context.Context, username string) bool {
	ok, err := s.store.Exists(ctx, storage.StatusKey(username))
	if err != nil {
		s.logger.Warn("failed to check presence", "username", username, "error", err)
		return true
	}
	return ok
}

// RunReaper calls ReapExpired every interval until ctx is cancelled.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("presence reaper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("presence reaper stopped")
			return nil
		case <-ticker.C:
			if cleaned := s.ReapExpired(ctx); cleaned > 0 {
				s.logger.Info("cleaned up expired entries", "count", cleaned)
			}
		}
	}
}
