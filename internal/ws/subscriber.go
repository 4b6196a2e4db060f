package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"chatrelay/internal/models"
	"chatrelay/internal/storage"
)

type bus interface {
	PSubscribe(ctx context.Context, pattern string, handle func(topic string, payload []byte)) error
}

type messageBroadcaster interface {
	BroadcastMessage(ctx context.Context, msg models.Message, exclude string) int
}

// Subscriber feeds message events published by other processes into the
// local hub. Events stamped with its own instance id were already fanned
// out locally and are skipped.
type Subscriber struct {
	bus        bus
	hub        messageBroadcaster
	instanceID string
	logger     *slog.Logger
}

func NewSubscriber(bus bus, hub messageBroadcaster, instanceID string, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		bus:        bus,
		hub:        hub,
		instanceID: instanceID,
		logger:     logger.With("component", "subscriber"),
	}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("bus subscriber started", "pattern", storage.TopicPattern, "instance_id", s.instanceID)
	if err := s.bus.PSubscribe(ctx, storage.TopicPattern, func(topic string, payload []byte) {
		s.handle(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", storage.TopicPattern, err)
	}
	s.logger.Info("bus subscriber stopped")
	return nil
}

func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) {
	var event models.MessageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn("dropping undecodable bus event", "topic", topic, "error", err)
		return
	}
	if event.Type != models.ServerEventMessage || event.Origin == s.instanceID {
		return
	}
	if event.Channel == "" || storage.Topic(event.Channel) != topic {
		s.logger.Warn("dropping bus event for mismatched channel", "topic", topic, "channel", event.Channel)
		return
	}

	s.hub.BroadcastMessage(ctx, event.Message, "")
}
