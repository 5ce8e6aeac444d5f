package realtime

import (
	"context"
	"encoding/json"
	"expvar"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const eventsChannel = "carnival:ws:events"

const (
	targetUser  = "user"
	targetRoles = "roles"
	targetAll   = "all"
)

var (
	wsConnectionsGauge   = expvar.NewInt("websocket_connections")
	wsEventsSentTotal    = expvar.NewInt("websocket_events_sent_total")
	wsEventsDroppedTotal = expvar.NewInt("websocket_events_dropped_total")
)

// fanoutMessage is what instances exchange over Redis.
type fanoutMessage struct {
	Target           string          `json:"target"`
	UserID           string          `json:"user_id,omitempty"`
	Roles            []string        `json:"roles,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	SenderInstanceID string          `json:"sender_instance_id"`
}

// Connection represents a WebSocket connection
type Connection struct {
	UserID uuid.UUID
	Role   string
	Conn   *websocket.Conn
	Send   chan []byte
}

// Hub tracks local connections per user and per role and mirrors every
// outgoing event to other API instances through Redis Pub/Sub.
type Hub struct {
	connections map[uuid.UUID]map[*Connection]bool
	roles       map[string]map[*Connection]bool

	redis  *redis.Client
	pubsub *redis.PubSub

	mu sync.RWMutex

	register   chan *Connection
	unregister chan *Connection

	ctx    context.Context
	cancel context.CancelFunc

	instanceID string
	publishFn  func(ctx context.Context, payload []byte) error
}

// NewHub creates a hub; redisClient may be nil for single-instance deployments.
func NewHub(redisClient *redis.Client) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		connections: make(map[uuid.UUID]map[*Connection]bool),
		roles:       make(map[string]map[*Connection]bool),
		redis:       redisClient,
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		ctx:         ctx,
		cancel:      cancel,
		instanceID:  uuid.NewString(),
	}

	if redisClient != nil {
		h.pubsub = redisClient.Subscribe(ctx, eventsChannel)
		h.publishFn = func(ctx context.Context, payload []byte) error {
			return redisClient.Publish(ctx, eventsChannel, payload).Err()
		}
	}

	return h
}

// Run starts the hub (call in goroutine)
func (h *Hub) Run() {
	if h.pubsub != nil {
		go h.runRedisSubscriber()
	}

	for {
		select {
		case <-h.ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			if h.connections[conn.UserID] == nil {
				h.connections[conn.UserID] = make(map[*Connection]bool)
			}
			h.connections[conn.UserID][conn] = true
			if conn.Role != "" {
				if h.roles[conn.Role] == nil {
					h.roles[conn.Role] = make(map[*Connection]bool)
				}
				h.roles[conn.Role][conn] = true
			}
			h.mu.Unlock()
			wsConnectionsGauge.Add(1)
			log.Debug().Str("user_id", conn.UserID.String()).Str("role", conn.Role).Msg("User connected to WebSocket")

		case conn := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.connections[conn.UserID]; ok {
				if _, exists := conns[conn]; exists {
					delete(conns, conn)
					close(conn.Send)
					wsConnectionsGauge.Add(-1)
				}
				if len(conns) == 0 {
					delete(h.connections, conn.UserID)
				}
			}
			if group, ok := h.roles[conn.Role]; ok {
				delete(group, conn)
				if len(group) == 0 {
					delete(h.roles, conn.Role)
				}
			}
			h.mu.Unlock()
			log.Debug().Str("user_id", conn.UserID.String()).Msg("User disconnected from WebSocket")
		}
	}
}

func (h *Hub) runRedisSubscriber() {
	ch := h.pubsub.Channel()

	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handleFanout(msg.Payload)
		}
	}
}

func (h *Hub) handleFanout(payload string) {
	var msg fanoutMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return
	}
	if msg.SenderInstanceID == h.instanceID {
		return
	}

	switch msg.Target {
	case targetUser:
		userID, err := uuid.Parse(msg.UserID)
		if err != nil {
			return
		}
		h.deliverToUser(userID, msg.Payload)
	case targetRoles:
		h.deliverToRoles(msg.Roles, msg.Payload)
	case targetAll:
		h.deliverToAll(msg.Payload)
	}
}

// Register adds a connection. It reports false once the hub has shut down.
func (h *Hub) Register(conn *Connection) bool {
	if h.ctx.Err() != nil {
		return false
	}
	select {
	case h.register <- conn:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a connection; a no-op after shutdown.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.ctx.Done():
	}
}

// SendToUser delivers env to every connection of userID on every instance.
func (h *Hub) SendToUser(userID uuid.UUID, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.deliverToUser(userID, data)
	return h.publish(fanoutMessage{Target: targetUser, UserID: userID.String(), Payload: data})
}

// SendToRoles delivers env to every connection whose role is in roles.
func (h *Hub) SendToRoles(roles []string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.deliverToRoles(roles, data)
	return h.publish(fanoutMessage{Target: targetRoles, Roles: roles, Payload: data})
}

// Broadcast delivers env to every connection.
func (h *Hub) Broadcast(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.deliverToAll(data)
	return h.publish(fanoutMessage{Target: targetAll, Payload: data})
}

func (h *Hub) deliverToUser(userID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.connections[userID] {
		h.enqueue(conn, data)
	}
}

func (h *Hub) deliverToRoles(roles []string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Connection]bool)
	for _, role := range roles {
		for conn := range h.roles[role] {
			if !seen[conn] {
				seen[conn] = true
				h.enqueue(conn, data)
			}
		}
	}
}

func (h *Hub) deliverToAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.connections {
		for conn := range conns {
			h.enqueue(conn, data)
		}
	}
}

// enqueue never blocks; a full buffer drops the event. Callers hold h.mu.
func (h *Hub) enqueue(conn *Connection, data []byte) {
	select {
	case conn.Send <- data:
		wsEventsSentTotal.Add(1)
	default:
		wsEventsDroppedTotal.Add(1)
		log.Warn().Str("user_id", conn.UserID.String()).Msg("WebSocket send buffer full")
	}
}

func (h *Hub) publish(msg fanoutMessage) error {
	if h.publishFn == nil {
		return nil
	}
	msg.SenderInstanceID = h.instanceID
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publishFn(h.ctx, payload)
}

// GetConnectionCount returns number of local connections
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.connections {
		total += len(conns)
	}
	return total
}

// Shutdown gracefully shuts down the hub
func (h *Hub) Shutdown() {
	h.cancel()
	if h.pubsub != nil {
		h.pubsub.Close()
	}
}
