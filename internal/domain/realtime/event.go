package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// EventType names the kind of envelope pushed over the channel.
type EventType string

const (
	EventBalance     EventType = "balance"
	EventTransaction EventType = "transaction"
	EventLeaderboard EventType = "leaderboard"
	EventStallStats  EventType = "stall-stats"
	EventPing        EventType = "ping"
	EventPong        EventType = "pong"
)

// Envelope is the wire format: {"type": ..., "data": ...}. Keepalives carry no data.
type Envelope struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// InboundEnvelope is an Envelope as decoded by a receiver.
type InboundEnvelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Notifier delivers best-effort cache-invalidation signals. Implementations
// never report failures to the caller; clients reconcile by re-fetching.
type Notifier interface {
	ToUser(ctx context.Context, userID uuid.UUID, eventType EventType, data any)
	ToRoles(ctx context.Context, eventType EventType, data any, roles ...string)
	ToAll(ctx context.Context, eventType EventType, data any)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) ToUser(context.Context, uuid.UUID, EventType, any)  {}
func (NopNotifier) ToRoles(context.Context, EventType, any, ...string) {}
func (NopNotifier) ToAll(context.Context, EventType, any)              {}
