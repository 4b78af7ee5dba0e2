// Package events carries inbound work (chat messages, scheduled jobs,
// webhooks) to the conversation pipeline, serialized per conversation.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Origin identifies where an event came from.
type Origin string

// Event origins.
const (
	OriginUser      Origin = "user"
	OriginScheduled Origin = "scheduled"
	OriginWebhook   Origin = "webhook"
)

// Kind refines scheduled events.
const (
	KindChat     = "chat"
	KindBriefing = "briefing"
	KindAlert    = "alert"
	KindWebhook  = "webhook"
)

// Conversation keys for non-chat work. Each runs on its own key so it
// never waits behind an in-flight chat cycle.
const (
	ConversationBriefing = "briefing"
	ConversationAlerts   = "alerts"
	ConversationWebhook  = "webhook"
)

// Event is one unit of inbound work. Events are ephemeral.
type Event struct {
	ID             string
	Origin         Origin
	Kind           string
	ConversationID string
	Text           string

	// Webhook payload fields.
	Title    string
	EntityID string

	// Prompt, when set, replaces the personality document as the
	// system prompt for this cycle (the briefing instructions).
	Prompt string

	Time time.Time
}

// New fills ID and Time for an event.
func New(origin Origin, kind, conversationID, text string) Event {
	return Event{
		ID:             newID(),
		Origin:         origin,
		Kind:           kind,
		ConversationID: conversationID,
		Text:           text,
		Time:           time.Now(),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
