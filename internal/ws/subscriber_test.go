package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"chatrelay/internal/models"

	"github.com/stretchr/testify/require"
)

type mockBus struct {
	deliveries []struct {
		topic   string
		payload []byte
	}
	err error
}

func (m *mockBus) add(topic string, payload []byte) {
	m.deliveries = append(m.deliveries, struct {
		topic   string
		payload []byte
	}{topic, payload})
}

func (m *mockBus) PSubscribe(_ context.Context, _ string, handle func(topic string, payload []byte)) error {
	if m.err != nil {
		return m.err
	}
	for _, d := range m.deliveries {
		handle(d.topic, d.payload)
	}
	return nil
}

func busEvent(t *testing.T, typ models.ServerEventType, channel, origin, content string) []byte {
	t.Helper()
	data, err := json.Marshal(models.MessageEvent{
		Type:    typ,
		Message: models.Message{Sender: "a", Content: content, Channel: channel, MessageType: models.MessageTypeText},
		Origin:  origin,
	})
	require.NoError(t, err)
	return data
}

func TestSubscriber_Run(t *testing.T) {
	b := &mockBus{}
	b.add("chat:general", busEvent(t, models.ServerEventMessage, "general", "self", "own"))
	b.add("chat:general", busEvent(t, models.ServerEventMessage, "general", "peer", "remote"))
	b.add("chat:general", busEvent(t, models.ServerEventMessage, "random", "peer", "wrong topic"))
	b.add("chat:general", busEvent(t, models.ServerEventUserJoined, "general", "peer", "not a message"))
	b.add("chat:general", []byte(`{not json`))

	fan := &mockFanout{}
	s := NewSubscriber(b, fan, "self", nil)
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, fan.messages, 1)
	require.Equal(t, "remote", fan.messages[0].Content)
	require.Equal(t, []string{""}, fan.excludes)
}

func TestSubscriber_SubscribeError(t *testing.T) {
	s := NewSubscriber(&mockBus{err: errors.New("connection refused")}, &mockFanout{}, "self", nil)
	require.ErrorContains(t, s.Run(context.Background()), "connection refused")
}
