package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"chatrelay/internal/models"
	"chatrelay/internal/presence"
	"chatrelay/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
	closes   int
}

func (m *mockSender) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockSender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *mockSender) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// events decodes every payload received so far.
func (m *mockSender) events(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]map[string]any, 0, len(m.payloads))
	for _, p := range m.payloads {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(p, &ev))
		out = append(out, ev)
	}
	return out
}

func (m *mockSender) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = nil
}

type mockPresence struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
	calls  []string
	// onJoin runs before a join is recorded.
	onJoin func()
}

func (m *mockPresence) Join(_ context.Context, username, channel, connectionID string) bool {
	if m.onJoin != nil {
		m.onJoin()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, username+"@"+channel)
	m.calls = append(m.calls, "join "+connectionID)
	return true
}

func (m *mockPresence) Leave(_ context.Context, username, channel, connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves = append(m.leaves, username+"@"+channel)
	m.calls = append(m.calls, "leave "+connectionID)
	return true
}

func eventTypes(events []map[string]any) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev["type"].(string))
	}
	return types
}

func TestHub_ConnectAnnouncesJoin(t *testing.T) {
	ctx := context.Background()
	p := &mockPresence{}
	h := NewHub(p, nil)

	alice := &mockSender{}
	other := &mockSender{}
	h.Connect(ctx, other, "zoe", "random")
	id := h.Connect(ctx, alice, "alice", "general")
	require.NotEmpty(t, id)

	events := alice.events(t)
	require.Len(t, events, 1, "join echo is delivered to the new member")
	require.Equal(t, "user_joined", events[0]["type"])
	require.Equal(t, "alice", events[0]["username"])
	require.Equal(t, "general", events[0]["channel"])
	require.NotEmpty(t, events[0]["timestamp"])

	require.Equal(t, []string{"user_joined"}, eventTypes(other.events(t)), "other channels see only their own joins")
	require.Equal(t, []string{"zoe@random", "alice@general"}, p.joins)
	require.Equal(t, 2, h.Count())
}

func TestHub_ConnectJoinsBeforeRegistering(t *testing.T) {
	ctx := context.Background()
	p := &mockPresence{}
	h := NewHub(p, nil)
	h.newID = func() string { return "conn-1" }

	broken := &mockSender{}
	broken.fail(errors.New("peer gone"))

	// A broadcast from another connection lands while presence is joining.
	p.onJoin = func() {
		require.Equal(t, 0, h.Count())
		h.BroadcastToChannel(ctx, []byte(`{"type":"message"}`), "general", "")
	}

	id := h.Connect(ctx, broken, "alice", "general")
	require.Equal(t, "conn-1", id)
	require.Equal(t, []string{"join conn-1", "leave conn-1"}, p.calls)
	require.Equal(t, 0, h.Count())
	require.Equal(t, 1, broken.closes)
}

func TestHub_BroadcastExclusion(t *testing.T) {
	ctx := context.Background()
	h := NewHub(&mockPresence{}, nil)

	a, b, c, d := &mockSender{}, &mockSender{}, &mockSender{}, &mockSender{}
	idA := h.Connect(ctx, a, "a", "general")
	h.Connect(ctx, b, "b", "general")
	h.Connect(ctx, c, "c", "general")
	h.Connect(ctx, d, "d", "random")
	for _, s := range []*mockSender{a, b, c, d} {
		s.reset()
	}

	delivered := h.BroadcastToChannel(ctx, []byte(`{"type":"message"}`), "general", idA)
	require.Equal(t, 2, delivered)
	require.Empty(t, a.events(t))
	require.Len(t, b.events(t), 1)
	require.Len(t, c.events(t), 1)
	require.Empty(t, d.events(t))

	delivered = h.BroadcastToChannel(ctx, []byte(`{"type":"message"}`), "general", "")
	require.Equal(t, 3, delivered)
	require.Len(t, a.events(t), 1)
}

func TestHub_SendTo(t *testing.T) {
	ctx := context.Background()
	p := &mockPresence{}
	h := NewHub(p, nil)

	s := &mockSender{}
	id := h.Connect(ctx, s, "alice", "general")
	s.reset()

	require.True(t, h.SendTo(ctx, id, []byte(`{}`)))
	require.Len(t, s.events(t), 1)
	require.False(t, h.SendTo(ctx, "unknown", []byte(`{}`)))

	s.fail(errors.New("broken pipe"))
	require.False(t, h.SendTo(ctx, id, []byte(`{}`)))
	require.Equal(t, 0, h.Count())
	require.Equal(t, []string{"alice@general"}, p.leaves)
	require.Equal(t, 1, s.closes)
}

func TestHub_SendFailureDisconnects(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStore(storage.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })
	ps := presence.New(store, presence.Config{})
	h := NewHub(ps, nil)

	carol := &mockSender{}
	dave := &mockSender{}
	h.Connect(ctx, carol, "carol", "general")
	h.Connect(ctx, dave, "dave", "general")
	require.Len(t, ps.ListOnline(ctx, "general"), 2)
	dave.reset()

	carol.fail(ErrSendBufferFull)
	require.Equal(t, 1, h.BroadcastToChannel(ctx, []byte(`{"type":"message"}`), "general", ""))

	online := ps.ListOnline(ctx, "general")
	require.Len(t, online, 1)
	require.Equal(t, "dave", online[0].Username)

	events := dave.events(t)
	require.Equal(t, []string{"message", "user_left"}, eventTypes(events))
	require.Equal(t, "carol", events[1]["username"])
	require.Equal(t, 1, carol.closes)
}

func TestHub_ConcurrentDisconnect(t *testing.T) {
	ctx := context.Background()
	p := &mockPresence{}
	h := NewHub(p, nil)

	s := &mockSender{}
	id := h.Connect(ctx, s, "alice", "general")

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			h.Disconnect(ctx, id)
		})
	}
	wg.Wait()

	require.Equal(t, 1, s.closes)
	require.Equal(t, []string{"alice@general"}, p.leaves)
	require.Empty(t, h.Snapshot())
}

func TestHub_DisconnectWithCancelledContext(t *testing.T) {
	p := &mockPresence{}
	h := NewHub(p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	id := h.Connect(ctx, &mockSender{}, "alice", "general")
	peer := &mockSender{}
	h.Connect(ctx, peer, "bob", "general")
	peer.reset()
	cancel()

	h.Disconnect(ctx, id)
	require.Equal(t, []string{"alice@general"}, p.leaves)
	require.Equal(t, []string{"user_left"}, eventTypes(peer.events(t)))
}

func TestHub_TypedEvents(t *testing.T) {
	ctx := context.Background()
	h := NewHub(&mockPresence{}, nil)

	s := &mockSender{}
	h.Connect(ctx, s, "bob", "general")
	s.reset()

	h.BroadcastTypingStatus(ctx, "general", "alice", true, "")
	h.BroadcastMessage(ctx, models.Message{
		Sender:      "alice",
		Content:     "hi",
		Channel:     "general",
		MessageType: models.MessageTypeText,
		MessageID:   "m1",
	}, "")
	h.BroadcastMessageDeleted(ctx, "general", "m1")

	events := s.events(t)
	require.Equal(t, []string{"typing_status", "message", "message_deleted"}, eventTypes(events))
	require.Equal(t, true, events[0]["is_typing"])
	require.Equal(t, "alice", events[1]["sender"])
	require.Equal(t, "text", events[1]["message_type"])
	require.NotContains(t, events[1], "origin")
	require.Equal(t, "m1", events[2]["message_id"])
}

func TestHub_SnapshotAndClose(t *testing.T) {
	ctx := context.Background()
	p := &mockPresence{}
	h := NewHub(p, nil)

	ids := []string{"c", "a", "b"}
	next := 0
	h.newID = func() string {
		id := ids[next]
		next++
		return id
	}

	h.Connect(ctx, &mockSender{}, "u1", "general")
	h.Connect(ctx, &mockSender{}, "u2", "general")
	h.Connect(ctx, &mockSender{}, "u3", "random")

	snap := h.Snapshot()
	require.Equal(t, []models.Connection{
		{ID: "a", Username: "u2", Channel: "general"},
		{ID: "b", Username: "u3", Channel: "random"},
		{ID: "c", Username: "u1", Channel: "general"},
	}, snap)

	h.Close(ctx)
	require.Equal(t, 0, h.Count())
	require.Len(t, p.leaves, 3)
}
