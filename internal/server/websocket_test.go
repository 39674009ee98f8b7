package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/easel-labs/easel-backend/internal/relay"
	"github.com/gorilla/websocket"
)

func dialCollab(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event relay.ClientEvent) {
	t.Helper()
	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to serialize client event: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("failed to send client event: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) relay.ServerEvent {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read server event: %v", err)
	}
	var event relay.ServerEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("failed to decode server event %s: %v", raw, err)
	}
	return event
}

func TestWebsocketJoinBroadcastsPresenceToEveryMember(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	first := dialCollab(t, server.URL)
	sendEvent(t, first, relay.ClientEvent{
		Type:        relay.EventJoin,
		DocumentID:  "doc-1",
		Participant: &relay.Participant{ID: "user-a", Name: "Ada", Initials: "AL", Color: "#f00"},
	})

	presence := readEvent(t, first)
	if presence.Type != relay.EventPresence {
		t.Fatalf("expected presence event, got %q", presence.Type)
	}
	if len(presence.Participants) != 1 || presence.Participants[0].ID != "user-a" {
		t.Fatalf("unexpected roster: %+v", presence.Participants)
	}

	second := dialCollab(t, server.URL)
	sendEvent(t, second, relay.ClientEvent{
		Type:        relay.EventJoin,
		DocumentID:  "doc-1",
		Participant: &relay.Participant{ID: "user-b", Name: "Brin", Initials: "BR", Color: "#0f0"},
	})

	updated := readEvent(t, first)
	if len(updated.Participants) != 2 {
		t.Fatalf("expected both members in roster, got %+v", updated.Participants)
	}
	if updated.Participants[0].ID != "user-a" || updated.Participants[1].ID != "user-b" {
		t.Fatalf("roster must preserve join order, got %+v", updated.Participants)
	}

	joinerView := readEvent(t, second)
	if joinerView.Type != relay.EventPresence || len(joinerView.Participants) != 2 {
		t.Fatalf("joiner must receive the presence snapshot too, got %+v", joinerView)
	}
}

func TestWebsocketRelaysElementUpdatesToPeersOnly(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	sender := dialCollab(t, server.URL)
	sendEvent(t, sender, relay.ClientEvent{
		Type:        relay.EventJoin,
		DocumentID:  "doc-1",
		Participant: &relay.Participant{ID: "user-a", Name: "Ada"},
	})
	readEvent(t, sender)

	receiver := dialCollab(t, server.URL)
	sendEvent(t, receiver, relay.ClientEvent{
		Type:        relay.EventJoin,
		DocumentID:  "doc-1",
		Participant: &relay.Participant{ID: "user-b", Name: "Brin"},
	})
	readEvent(t, sender)
	readEvent(t, receiver)

	payload := json.RawMessage(`{"elements":[{"id":"el-1","type":"rectangle"}]}`)
	sendEvent(t, sender, relay.ClientEvent{
		Type:       relay.EventElement,
		DocumentID: "doc-1",
		Payload:    payload,
	})

	forwarded := readEvent(t, receiver)
	if forwarded.Type != relay.EventElement {
		t.Fatalf("expected element event, got %q", forwarded.Type)
	}
	if string(forwarded.Payload) != string(payload) {
		t.Fatalf("payload must be forwarded verbatim, got %s", forwarded.Payload)
	}
}

func TestWebsocketDisconnectUpdatesRemainingMembers(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	staying := dialCollab(t, server.URL)
	sendEvent(t, staying, relay.ClientEvent{
		Type:        relay.EventJoin,
		DocumentID:  "doc-1",
		Participant: &relay.Participant{ID: "user-a", Name: "Ada"},
	})
	readEvent(t, staying)

	leaving := dialCollab(t, server.URL)
	sendEvent(t, leaving, relay.ClientEvent{
		Type:        relay.EventJoin,
		DocumentID:  "doc-1",
		Participant: &relay.Participant{ID: "user-b", Name: "Brin"},
	})
	readEvent(t, staying)
	readEvent(t, leaving)

	if err := leaving.Close(); err != nil {
		t.Fatalf("failed to close leaving connection: %v", err)
	}

	afterLeave := readEvent(t, staying)
	if afterLeave.Type != relay.EventPresence {
		t.Fatalf("expected presence after disconnect, got %q", afterLeave.Type)
	}
	if len(afterLeave.Participants) != 1 || afterLeave.Participants[0].ID != "user-a" {
		t.Fatalf("roster must drop the departed member, got %+v", afterLeave.Participants)
	}
}
