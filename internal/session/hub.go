package session

import (
	"sync"

	"skirmish/master/internal/protocol"
)

// Outbound delivers a message to the peer with the given connection identity.
type Outbound func(peerID string, msgType protocol.Type, payload any)

// Hub relays global chat between every member session.
type Hub struct {
	mu      sync.RWMutex
	members map[string]string
	send    Outbound
}

// NewHub constructs an empty chat hub delivering through send.
func NewHub(send Outbound) *Hub {
	return &Hub{members: make(map[string]string), send: send}
}

// Join adds the session under its display name; joining twice refreshes the
// name and nothing else.
func (h *Hub) Join(sessionID, displayName string) {
	if h == nil || sessionID == "" {
		return
	}
	h.mu.Lock()
	h.members[sessionID] = displayName
	h.mu.Unlock()
}

// Leave removes the session; unknown sessions are a no-op.
func (h *Hub) Leave(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}
	h.mu.Lock()
	delete(h.members, sessionID)
	h.mu.Unlock()
}

// Member reports whether the session currently belongs to global chat.
func (h *Hub) Member(sessionID string) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.members[sessionID]
	return ok
}

// Broadcast relays one chat line from the given member to every other member.
// Non-members cannot speak; their lines are dropped.
func (h *Hub) Broadcast(fromID, text string) bool {
	if h == nil || text == "" {
		return false
	}
	h.mu.RLock()
	fromName, ok := h.members[fromID]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	targets := make([]string, 0, len(h.members))
	for id := range h.members {
		if id != fromID {
			targets = append(targets, id)
		}
	}
	h.mu.RUnlock()

	message := &protocol.ChatMessage{From: fromName, Text: text}
	for _, id := range targets {
		h.send(id, protocol.TypeChatMessage, message)
	}
	return true
}

// Len reports the current membership count.
func (h *Hub) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
