package session

import (
	"sync"
	"testing"

	"skirmish/master/internal/protocol"
)

type sentMessage struct {
	peerID  string
	msgType protocol.Type
	payload any
}

type captureSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (c *captureSender) send(peerID string, msgType protocol.Type, payload any) {
	c.mu.Lock()
	c.sent = append(c.sent, sentMessage{peerID: peerID, msgType: msgType, payload: payload})
	c.mu.Unlock()
}

func (c *captureSender) take() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

func TestHubBroadcastSkipsSender(t *testing.T) {
	sender := &captureSender{}
	hub := NewHub(sender.send)
	hub.Join("a", "alice")
	hub.Join("b", "bob")
	hub.Join("c", "carol")

	if !hub.Broadcast("a", "hello") {
		t.Fatalf("member broadcast must succeed")
	}
	sent := sender.take()
	if len(sent) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(sent))
	}
	for _, msg := range sent {
		if msg.peerID == "a" {
			t.Fatalf("sender must not receive its own line")
		}
		chat, ok := msg.payload.(*protocol.ChatMessage)
		if !ok {
			t.Fatalf("payload type %T", msg.payload)
		}
		if chat.From != "alice" || chat.Text != "hello" {
			t.Fatalf("unexpected chat payload %+v", chat)
		}
	}
}

func TestHubNonMemberCannotSpeak(t *testing.T) {
	sender := &captureSender{}
	hub := NewHub(sender.send)
	hub.Join("a", "alice")

	if hub.Broadcast("ghost", "boo") {
		t.Fatalf("non-member broadcast must be refused")
	}
	if sent := sender.take(); len(sent) != 0 {
		t.Fatalf("refused broadcast must deliver nothing, got %d", len(sent))
	}
}

func TestHubLeaveIsIdempotent(t *testing.T) {
	hub := NewHub(func(string, protocol.Type, any) {})
	hub.Join("a", "alice")
	hub.Leave("a")
	hub.Leave("a")
	if hub.Member("a") {
		t.Fatalf("left member must not remain")
	}
	if hub.Len() != 0 {
		t.Fatalf("hub must be empty, got %d members", hub.Len())
	}
}
