package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("key not found")
	// ErrConflict is returned by RemoveAt when the list entry changed
	// between the caller's read and the removal.
	ErrConflict = errors.New("list entry changed concurrently")
)

// Store is the key-value surface the chat core needs: plain keys with TTL,
// sets, lists and pub/sub.
type Store interface {
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// PushCapped prepends value to the list at key, trims the list to
	// maxLen entries and refreshes its TTL.
	PushCapped(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// RemoveAt removes the entry at index if it still equals expected.
	RemoveAt(ctx context.Context, key string, index int64, expected string) error

	Publish(ctx context.Context, topic string, payload []byte) error
	// PSubscribe delivers every payload published on a topic matching
	// pattern to handle until ctx is cancelled.
	PSubscribe(ctx context.Context, pattern string, handle func(topic string, payload []byte)) error
}

func MessagesKey(channel string) string {
	return fmt.Sprintf("chat:%s:messages", channel)
}

func StatusKey(username string) string {
	return fmt.Sprintf("user:%s:status", username)
}

func ChannelUsersKey(channel string) string {
	return fmt.Sprintf("channel:%s:users", channel)
}

func TypingKey(channel, username string) string {
	return fmt.Sprintf("typing:%s:%s", channel, username)
}

func TypingPattern(channel string) string {
	return fmt.Sprintf("typing:%s:*", channel)
}

func Topic(channel string) string {
	return fmt.Sprintf("chat:%s", channel)
}

const (
	MessagesPattern     = "chat:*:messages"
	ChannelUsersPattern = "channel:*:users"
	AllTypingPattern    = "typing:*"
	TopicPattern        = "chat:*"
)

// ChannelFromKey extracts the channel segment from a "prefix:{channel}:suffix" key.
func ChannelFromKey(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// TypingUsername extracts the username from a typing key of channel.
func TypingUsername(channel, key string) (string, bool) {
	username, ok := strings.CutPrefix(key, "typing:"+channel+":")
	if !ok || username == "" || strings.Contains(username, ":") {
		return "", false
	}
	return username, true
}
