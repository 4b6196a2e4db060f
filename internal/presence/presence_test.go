package presence

import (
	"context"
	"testing"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, cfg Config) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStore(storage.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })
	return New(store, cfg), mr
}

func usernames(users []models.OnlineUser) []string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names
}

func readStatus(t *testing.T, s *Service, username string) models.PresenceRecord {
	t.Helper()
	rec, err := s.status(context.Background(), username)
	require.NoError(t, err)
	return rec
}

func TestJoinLeave(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestService(t, Config{})

	require.True(t, s.Join(ctx, "carol", "general", "c1"))
	require.True(t, s.Join(ctx, "dave", "general", "c2"))

	online := s.ListOnline(ctx, "general")
	require.Equal(t, []string{"carol", "dave"}, usernames(online))
	require.Equal(t, models.PresenceOnline, online[0].Status)
	require.Equal(t, DefaultOnlineTTL, mr.TTL(storage.StatusKey("carol")))
	require.Equal(t, DefaultMembersTTL, mr.TTL(storage.ChannelUsersKey("general")))

	username, ok := s.UsernameFor("c1")
	require.True(t, ok)
	require.Equal(t, "carol", username)

	require.True(t, s.Leave(ctx, "carol", "general", "c1"))
	require.Equal(t, []string{"dave"}, usernames(s.ListOnline(ctx, "general")))

	rec := readStatus(t, s, "carol")
	require.Equal(t, models.PresenceOffline, rec.Status)
	require.Equal(t, "general", rec.Channel)
	require.Equal(t, DefaultOfflineTTL, mr.TTL(storage.StatusKey("carol")))

	_, ok = s.UsernameFor("c1")
	require.False(t, ok)
}

func TestJoin_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, Config{})

	require.True(t, s.Join(ctx, "carol", "general", ""))
	require.True(t, s.Join(ctx, "carol", "general", ""))
	require.Equal(t, []string{"carol"}, usernames(s.ListOnline(ctx, "general")))
}

// A user holding two connections to one channel stays present until the
// last of them leaves.
func TestLeave_MultipleConnections(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, Config{})

	s.Join(ctx, "erin", "general", "tab-1")
	s.Join(ctx, "erin", "general", "tab-2")
	require.Equal(t, 2, s.LiveConnections("erin", "general"))

	s.Leave(ctx, "erin", "general", "tab-1")
	require.Equal(t, []string{"erin"}, usernames(s.ListOnline(ctx, "general")))
	require.Equal(t, models.PresenceOnline, readStatus(t, s, "erin").Status)

	s.Leave(ctx, "erin", "general", "tab-2")
	require.Empty(t, s.ListOnline(ctx, "general"))
	require.Equal(t, models.PresenceOffline, readStatus(t, s, "erin").Status)
	require.Equal(t, 0, s.LiveConnections("erin", "general"))
}

// Leave without a connection id keeps the unconditional behaviour: the user
// is dropped even though a live connection remains.
func TestLeave_WithoutConnectionIDIsUnconditional(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, Config{})

	s.Join(ctx, "erin", "general", "tab-1")
	s.Join(ctx, "erin", "general", "tab-2")

	s.Leave(ctx, "erin", "general", "")
	require.Empty(t, s.ListOnline(ctx, "general"))
	require.Equal(t, models.PresenceOffline, readStatus(t, s, "erin").Status)
}

func TestLeave_OtherChannelKeepsUserOnline(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, Config{})

	s.Join(ctx, "frank", "general", "c1")
	s.Join(ctx, "frank", "random", "c2")

	s.Leave(ctx, "frank", "general", "c1")
	require.Empty(t, s.ListOnline(ctx, "general"))
	require.Equal(t, []string{"frank"}, usernames(s.ListOnline(ctx, "random")))

	rec := readStatus(t, s, "frank")
	require.Equal(t, models.PresenceOnline, rec.Status)
	require.Equal(t, "random", rec.Channel)
}

func TestTyping(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestService(t, Config{})

	require.True(t, s.SetTyping(ctx, "bob", "general", true))
	require.True(t, s.SetTyping(ctx, "alice", "general", true))
	require.True(t, s.SetTyping(ctx, "zed", "random", true))
	require.Equal(t, []string{"alice", "bob"}, s.ListTyping(ctx, "general"))

	require.True(t, s.SetTyping(ctx, "alice", "general", false))
	require.Equal(t, []string{"bob"}, s.ListTyping(ctx, "general"))

	mr.FastForward(DefaultTypingTTL + time.Second)
	require.Empty(t, s.ListTyping(ctx, "general"))
	require.Empty(t, s.ListTyping(ctx, "random"))
}

func TestListOnline_SkipsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestService(t, Config{OnlineTTL: time.Minute, MembersTTL: time.Hour})

	s.Join(ctx, "gina", "general", "")
	mr.FastForward(2 * time.Minute)

	require.Empty(t, s.ListOnline(ctx, "general"))
	ok, err := mr.SIsMember(storage.ChannelUsersKey("general"), "gina")
	require.NoError(t, err)
	require.True(t, ok, "membership set is only reconciled by the reaper")
}

func TestReapExpired(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestService(t, Config{OnlineTTL: time.Minute, MembersTTL: time.Hour})

	s.Join(ctx, "gina", "general", "")
	s.Join(ctx, "hank", "general", "")
	mr.FastForward(2 * time.Minute)
	s.Join(ctx, "hank", "general", "")

	// A typing sentinel that lost its expiry is stale too.
	require.NoError(t, mr.Set(storage.TypingKey("general", "ivan"), "typing"))

	require.Equal(t, 2, s.ReapExpired(ctx))
	members, err := mr.Members(storage.ChannelUsersKey("general"))
	require.NoError(t, err)
	require.Equal(t, []string{"hank"}, members)
	require.False(t, mr.Exists(storage.TypingKey("general", "ivan")))

	require.Equal(t, 0, s.ReapExpired(ctx))
}

func TestReapExpired_KeepsLiveConnections(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestService(t, Config{})

	s.Join(ctx, "gina", "general", "conn-1")
	s.Join(ctx, "hank", "general", "")

	for round := 0; round < 3; round++ {
		mr.FastForward(DefaultOnlineTTL + time.Second)
		require.False(t, mr.Exists(storage.ChannelUsersKey("general")), "round %d", round)
		require.False(t, mr.Exists(storage.StatusKey("gina")), "round %d", round)

		require.Equal(t, 0, s.ReapExpired(ctx))
		require.Equal(t, []string{"gina"}, usernames(s.ListOnline(ctx, "general")), "round %d", round)
		require.Equal(t, DefaultMembersTTL, mr.TTL(storage.ChannelUsersKey("general")))
		require.Equal(t, DefaultOnlineTTL, mr.TTL(storage.StatusKey("gina")))
	}

	s.Leave(ctx, "gina", "general", "conn-1")
	require.Equal(t, models.PresenceOffline, readStatus(t, s, "gina").Status)
	require.Empty(t, s.ListOnline(ctx, "general"))
	require.False(t, mr.Exists(storage.ChannelUsersKey("general")))

	require.Equal(t, 0, s.ReapExpired(ctx))
	require.Empty(t, s.ListOnline(ctx, "general"))
}

func TestRunReaper(t *testing.T) {
	s, mr := newTestService(t, Config{OnlineTTL: time.Minute, MembersTTL: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	s.Join(ctx, "gina", "general", "")
	mr.FastForward(2 * time.Minute)

	done := make(chan error, 1)
	go func() { done <- s.RunReaper(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		ok, _ := mr.SIsMember(storage.ChannelUsersKey("general"), "gina")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestService(t, Config{})
	s.Join(ctx, "gina", "general", "c1")
	mr.Close()

	require.False(t, s.Join(ctx, "hank", "general", "c2"))
	require.False(t, s.Leave(ctx, "gina", "general", "c1"))
	require.False(t, s.SetTyping(ctx, "gina", "general", true))
	require.Empty(t, s.ListOnline(ctx, "general"))
	require.Empty(t, s.ListTyping(ctx, "general"))
	require.Equal(t, 0, s.ReapExpired(ctx))
}
