package agent

import (
	"sync"

	"github.com/nugget/jarvis/internal/llm"
)

// DefaultHistoryLimit is the number of messages kept per conversation.
const DefaultHistoryLimit = 20

// History keeps the recent user and assistant turns of each
// conversation in memory. Tool traffic is not kept; each cycle starts
// from plain question and answer pairs.
type History struct {
	mu    sync.Mutex
	limit int
	convs map[string][]llm.Message
}

// NewHistory creates a history that keeps at most limit messages per
// conversation. A non-positive limit uses DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit, convs: make(map[string][]llm.Message)}
}

// Get returns a copy of the conversation's recent messages.
func (h *History) Get(id string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.convs[id]...)
}

// Append records a completed exchange and trims the conversation to
// the limit. The kept window always starts with a user message.
func (h *History) Append(id, user, assistant string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := append(h.convs[id],
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
	)
	if len(msgs) > h.limit {
		msgs = msgs[len(msgs)-h.limit:]
	}
	for len(msgs) > 0 && msgs[0].Role != llm.RoleUser {
		msgs = msgs[1:]
	}
	h.convs[id] = msgs
}

// Clear forgets a conversation.
func (h *History) Clear(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.convs, id)
}

// Len reports how many messages are held for a conversation.
func (h *History) Len(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.convs[id])
}
