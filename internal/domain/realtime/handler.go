package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vksha/carnival-api/internal/middleware"
	"github.com/vksha/carnival-api/internal/pkg/jwt"
)

// WebSocket constants
const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Handler upgrades authenticated clients onto the hub.
type Handler struct {
	hub        *Hub
	jwt        *jwt.Service
	sendBuffer int
	upgrader   websocket.Upgrader
}

func NewHandler(hub *Hub, jwtService *jwt.Service, allowedOrigins []string, sendBuffer int) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Handler{
		hub:        hub,
		jwt:        jwtService,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native mobile clients send no Origin.
				if origin == "" || len(allowedOrigins) == 0 {
					return true
				}
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				log.Warn().Str("origin", origin).Msg("WebSocket origin rejected")
				return false
			},
		},
	}
}

// ServeWS handles GET /ws?token=<jwt>. The token may also come in the
// Authorization header. Authentication failures are reported in-band with
// close code 1008 so clients can tell them apart from network drops.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r.Header.Get("Authorization"))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	claims, err := h.jwt.ValidateAccessToken(token)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := &Connection{
		UserID: claims.UserID,
		Role:   claims.Role,
		Conn:   conn,
		Send:   make(chan []byte, h.sendBuffer),
	}

	// Welcome ping lets the client confirm the channel end to end.
	if welcome, err := json.Marshal(Envelope{Type: EventPing}); err == nil {
		client.Send <- welcome
	}

	if !h.hub.Register(client) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.wsReader(client)
	go h.wsWriter(client)
}

func (h *Handler) wsReader(client *Connection) {
	defer func() {
		h.hub.Unregister(client)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pong, _ := json.Marshal(Envelope{Type: EventPong})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("user_id", client.UserID.String()).Msg("WebSocket read error")
			}
			return
		}
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var env InboundEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.Type == EventPing {
			select {
			case client.Send <- pong:
			default:
			}
		}
	}
}

func (h *Handler) wsWriter(client *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
