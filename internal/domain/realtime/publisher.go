package realtime

import (
	"context"

	"github.com/google/uuid"

	"github.com/vksha/carnival-api/internal/pkg/logger"
)

// Publisher is the hub-backed Notifier handed to domain services.
type Publisher struct {
	hub *Hub
}

func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

func (p *Publisher) ToUser(ctx context.Context, userID uuid.UUID, eventType EventType, data any) {
	if err := p.hub.SendToUser(userID, Envelope{Type: eventType, Data: data}); err != nil {
		logger.FromContext(ctx).Warn().Err(err).
			Str("user_id", userID.String()).
			Str("event_type", string(eventType)).
			Msg("realtime delivery failed")
	}
}

func (p *Publisher) ToRoles(ctx context.Context, eventType EventType, data any, roles ...string) {
	if err := p.hub.SendToRoles(roles, Envelope{Type: eventType, Data: data}); err != nil {
		logger.FromContext(ctx).Warn().Err(err).
			Strs("roles", roles).
			Str("event_type", string(eventType)).
			Msg("realtime delivery failed")
	}
}

func (p *Publisher) ToAll(ctx context.Context, eventType EventType, data any) {
	if err := p.hub.Broadcast(Envelope{Type: eventType, Data: data}); err != nil {
		logger.FromContext(ctx).Warn().Err(err).
			Str("event_type", string(eventType)).
			Msg("realtime broadcast failed")
	}
}
