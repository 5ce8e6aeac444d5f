package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestConnection(userID uuid.UUID, role string, buffer int) *Connection {
	return &Connection{UserID: userID, Role: role, Send: make(chan []byte, buffer)}
}

func waitForConnections(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetConnectionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections, got %d", want, hub.GetConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receiveEnvelope(t *testing.T, ch <-chan []byte) InboundEnvelope {
	t.Helper()
	select {
	case data := <-ch:
		var env InboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope failed: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("expected an envelope")
	}
	return InboundEnvelope{}
}

func TestHubSendToUserReachesEveryDevice(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Shutdown()

	userID := uuid.New()
	phone := newTestConnection(userID, "user", 4)
	tablet := newTestConnection(userID, "user", 4)
	other := newTestConnection(uuid.New(), "user", 4)
	hub.Register(phone)
	hub.Register(tablet)
	hub.Register(other)
	waitForConnections(t, hub, 3)

	if err := hub.SendToUser(userID, Envelope{Type: EventBalance, Data: map[string]int64{"balance": 200}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	for _, c := range []*Connection{phone, tablet} {
		env := receiveEnvelope(t, c.Send)
		if env.Type != EventBalance || string(env.Data) != `{"balance":200}` {
			t.Fatalf("unexpected envelope: %s %s", env.Type, env.Data)
		}
	}
	if len(other.Send) != 0 {
		t.Fatal("expected no event for unrelated user")
	}
}

func TestHubSendToRolesAndBroadcast(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Shutdown()

	admin := newTestConnection(uuid.New(), "admin", 4)
	keeper := newTestConnection(uuid.New(), "shopkeeper", 4)
	visitor := newTestConnection(uuid.New(), "user", 4)
	for _, c := range []*Connection{admin, keeper, visitor} {
		hub.Register(c)
	}
	waitForConnections(t, hub, 3)

	if err := hub.SendToRoles([]string{"admin", "shopkeeper"}, Envelope{Type: EventStallStats}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	receiveEnvelope(t, admin.Send)
	receiveEnvelope(t, keeper.Send)
	if len(visitor.Send) != 0 {
		t.Fatal("expected visitor to be skipped")
	}

	if err := hub.Broadcast(Envelope{Type: EventLeaderboard}); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	for _, c := range []*Connection{admin, keeper, visitor} {
		if env := receiveEnvelope(t, c.Send); env.Type != EventLeaderboard {
			t.Fatalf("expected leaderboard, got %s", env.Type)
		}
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Shutdown()

	userID := uuid.New()
	slow := newTestConnection(userID, "user", 1)
	hub.Register(slow)
	waitForConnections(t, hub, 1)

	dropped := wsEventsDroppedTotal.Value()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.SendToUser(userID, Envelope{Type: EventBalance})
		_ = hub.SendToUser(userID, Envelope{Type: EventTransaction})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on a full buffer")
	}
	if wsEventsDroppedTotal.Value() != dropped+1 {
		t.Fatalf("expected one dropped event, got %d", wsEventsDroppedTotal.Value()-dropped)
	}
	if env := receiveEnvelope(t, slow.Send); env.Type != EventBalance {
		t.Fatalf("expected the first event to survive, got %s", env.Type)
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Shutdown()

	conn := newTestConnection(uuid.New(), "user", 1)
	hub.Register(conn)
	waitForConnections(t, hub, 1)
	hub.Unregister(conn)
	waitForConnections(t, hub, 0)

	if _, ok := <-conn.Send; ok {
		t.Fatal("expected send channel to be closed")
	}
}

func TestHubRegisterAfterShutdownDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	hub.Shutdown()

	conn := newTestConnection(uuid.New(), "user", 1)
	done := make(chan bool, 1)
	go func() {
		registered := hub.Register(conn)
		hub.Unregister(conn)
		done <- registered
	}()

	select {
	case registered := <-done:
		if registered {
			t.Fatal("expected registration to be refused after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("register blocked after shutdown")
	}
}

func TestHubFanoutAcrossInstances(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Shutdown()

	var published []fanoutMessage
	hub.publishFn = func(_ context.Context, payload []byte) error {
		var msg fanoutMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("decode fanout failed: %v", err)
		}
		published = append(published, msg)
		return nil
	}

	userID := uuid.New()
	conn := newTestConnection(userID, "user", 4)
	hub.Register(conn)
	waitForConnections(t, hub, 1)

	if err := hub.SendToUser(userID, Envelope{Type: EventBalance}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(published) != 1 || published[0].Target != targetUser || published[0].SenderInstanceID != hub.instanceID {
		t.Fatalf("unexpected fanout: %+v", published)
	}
	receiveEnvelope(t, conn.Send)

	// Echo of our own publish is ignored; a peer's publish is delivered locally.
	own, _ := json.Marshal(published[0])
	hub.handleFanout(string(own))
	if len(conn.Send) != 0 {
		t.Fatal("expected own fanout to be ignored")
	}

	peer := published[0]
	peer.SenderInstanceID = "peer-instance"
	raw, _ := json.Marshal(peer)
	hub.handleFanout(string(raw))
	if env := receiveEnvelope(t, conn.Send); env.Type != EventBalance {
		t.Fatalf("expected peer event, got %s", env.Type)
	}
}
