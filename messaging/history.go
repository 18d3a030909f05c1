package messaging

import (
	"sort"
	"sync"
)

// ChatMessage is one entry of the chat history shown to the user.
type ChatMessage struct {
	ID         string   `json:"id"`
	BlockIndex uint64   `json:"block_index"`
	From       string   `json:"from"`
	To         string   `json:"to"`
	PeerID     string   `json:"peer_id"`
	GroupID    string   `json:"group_id,omitempty"`
	Contents   Contents `json:"contents"`
	Timestamp  int64    `json:"timestamp_ms"`
	Outgoing   bool     `json:"outgoing"`
}

// History is an in-memory index of chat messages rebuilt from the ledger.
// A group message sent to n members is stored once.
type History struct {
	mu       sync.RWMutex
	messages []ChatMessage
	seen     map[string]struct{}
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{seen: make(map[string]struct{})}
}

func (h *History) key(m *ChatMessage) string {
	if m.GroupID != "" && m.ID != "" {
		return m.GroupID + "|" + m.ID
	}
	return m.From + "|" + m.To + "|" + m.ID
}

// Add records m and reports whether it was new.
func (h *History) Add(m ChatMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.ID != "" {
		k := h.key(&m)
		if _, dup := h.seen[k]; dup {
			return false
		}
		h.seen[k] = struct{}{}
	}
	h.messages = append(h.messages, m)
	return true
}

// All returns every message ordered by timestamp, then block index.
func (h *History) All() []ChatMessage {
	h.mu.RLock()
	out := append([]ChatMessage(nil), h.messages...)
	h.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].BlockIndex < out[j].BlockIndex
	})
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Reset drops every message.
func (h *History) Reset() {
	h.mu.Lock()
	h.messages = nil
	h.seen = make(map[string]struct{})
	h.mu.Unlock()
}
